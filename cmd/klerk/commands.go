package main

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/klerk-framework/klerk-sub000/internal/blob"
	"github.com/klerk-framework/klerk-sub000/internal/core"
	"github.com/klerk-framework/klerk-sub000/pkg/domain"
)

func newModelsCommand(opts *rootOptions) *cobra.Command {
	var modelType string
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List persisted models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := opts.openPersistence(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()
			var models []domain.Model
			err = p.ReadAllModels(cmd.Context(), func(m domain.Model) error {
				if modelType == "" || m.Type() == modelType {
					models = append(models, m)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("read models: %w", err)
			}
			if opts.Format == "json" {
				snap, err := core.BuildSnapshot(domain.NewJSONCodec(), models, time.Now().UTC())
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), snap.Models)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tTYPE\tSTATE\tCREATED\tTRIGGER")
			for _, m := range models {
				trigger := "-"
				if m.TimeTrigger != nil {
					trigger = m.TimeTrigger.UTC().Format(time.RFC3339)
				}
				_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", m.ID, m.Type(), m.State, m.CreatedAt.UTC().Format(time.RFC3339), trigger)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&modelType, "type", "", "only list models of this type")
	return cmd
}

func newAuditCommand(opts *rootOptions) *cobra.Command {
	var (
		modelID int32
		limit   int
		since   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print the audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := opts.openPersistence(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()
			filter := domain.AuditFilter{ModelID: domain.ModelID(modelID), Limit: limit}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			entries, err := p.ReadAuditLog(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("read audit log: %w", err)
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "TIME\tEVENT\tMODEL\tACTOR\tCHANGES")
			for _, e := range entries {
				event := e.Event
				if event == "" {
					event = "(time trigger)"
				}
				model := "-"
				if e.ModelID.Valid() {
					model = e.ModelID.String()
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Time.UTC().Format(time.RFC3339), event, model, e.Actor, summarize(e))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int32Var(&modelID, "model", 0, "only entries touching this model id")
	cmd.Flags().IntVar(&limit, "limit", 0, "keep only the most recent N entries")
	cmd.Flags().DurationVar(&since, "since", 0, "only entries newer than this duration")
	return cmd
}

func summarize(e domain.AuditEntry) string {
	var parts []string
	add := func(label string, ids []domain.ModelID) {
		if len(ids) == 0 {
			return
		}
		s := make([]string, len(ids))
		for i, id := range ids {
			s[i] = id.String()
		}
		parts = append(parts, label+"="+strings.Join(s, ","))
	}
	add("created", e.Created)
	add("updated", e.Updated)
	add("transitioned", e.Transitioned)
	add("deleted", e.Deleted)
	if len(e.Jobs) > 0 {
		parts = append(parts, "jobs="+strings.Join(e.Jobs, ","))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}

func newSchemaVersionCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schema-version",
		Short: "Print the applied migration version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := opts.openPersistence(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()
			v, err := p.CurrentSchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]int{"version": v})
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), strconv.Itoa(v))
			return err
		},
	}
}

func newSnapshotCommand(opts *rootOptions) *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Export every persisted model to the configured blob store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			p, err := opts.openPersistence(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()
			var models []domain.Model
			if err := p.ReadAllModels(ctx, func(m domain.Model) error {
				models = append(models, m)
				return nil
			}); err != nil {
				return fmt.Errorf("read models: %w", err)
			}
			store, err := blob.Open(ctx, opts.cfg.Blob)
			if err != nil {
				return fmt.Errorf("open blob store: %w", err)
			}
			now := time.Now().UTC()
			if key == "" {
				key = "snapshots/" + now.Format("20060102T150405Z") + ".json"
			}
			snap, err := core.BuildSnapshot(domain.NewJSONCodec(), models, now)
			if err != nil {
				return err
			}
			info, err := core.WriteSnapshot(ctx, store, key, snap)
			if err != nil {
				return err
			}
			opts.logger.Info("snapshot exported", "key", info.Key, "models", len(models), "driver", store.Driver())
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), info)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %d models to %s (%d bytes)\n", len(models), info.Key, info.Size)
			return err
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "blob key (default snapshots/<timestamp>.json)")
	return cmd
}

func newConfigCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			if cfg.Blob.S3.SecretAccessKey != "" {
				cfg.Blob.S3.SecretAccessKey = "redacted"
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), cfg)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}
