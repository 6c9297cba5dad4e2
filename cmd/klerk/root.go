package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/klerk-framework/klerk-sub000/internal/config"
	"github.com/klerk-framework/klerk-sub000/internal/logging"
	"github.com/klerk-framework/klerk-sub000/internal/persistence"
	"github.com/klerk-framework/klerk-sub000/pkg/domain"
)

var validFormats = []string{"text", "json"}

// rootOptions holds global flags and the state PersistentPreRunE derives
// from them.
type rootOptions struct {
	ConfigPath string
	Format     string

	cfg    config.Config
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "klerk",
		Short:         "Inspect and export a klerk store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cmd.ErrOrStderr(), cfg.Log)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.logger = logger
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newModelsCommand(opts))
	cmd.AddCommand(newAuditCommand(opts))
	cmd.AddCommand(newSchemaVersionCommand(opts))
	cmd.AddCommand(newSnapshotCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))
	return cmd
}

// openPersistence opens the configured backend. Payloads of any model
// type decode as raw JSON since the CLI has no registered types.
func (o *rootOptions) openPersistence(ctx context.Context) (domain.Persistence, error) {
	codec := domain.NewJSONCodec()
	codec.AllowUnknown = true
	p, err := persistence.Open(ctx, o.cfg.Storage, codec)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	o.logger.Debug("storage opened", "driver", o.cfg.Storage.Driver)
	return p, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
