package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// RawModel is the storage representation of a model with its payload
// encoded by a PropsCodec.
type RawModel struct {
	ID                    ModelID         `json:"id"`
	Type                  string          `json:"type"`
	State                 string          `json:"state"`
	CreatedAt             time.Time       `json:"created_at"`
	LastPropsUpdateAt     time.Time       `json:"last_props_update_at"`
	LastStateTransitionAt time.Time       `json:"last_state_transition_at"`
	TimeTrigger           *time.Time      `json:"time_trigger,omitempty"`
	Props                 json.RawMessage `json:"props"`
}

// AuditEntry records one committed delta.
type AuditEntry struct {
	ID           uuid.UUID `json:"id"`
	Time         time.Time `json:"time"`
	Event        string    `json:"event,omitempty"`
	ModelID      ModelID   `json:"model_id,omitempty"`
	Actor        string    `json:"actor,omitempty"`
	Created      []ModelID `json:"created,omitempty"`
	Updated      []ModelID `json:"updated,omitempty"`
	Deleted      []ModelID `json:"deleted,omitempty"`
	Transitioned []ModelID `json:"transitioned,omitempty"`
	Jobs         []string  `json:"jobs,omitempty"`
}

// Mentions reports whether the entry touched the given model.
func (e AuditEntry) Mentions(id ModelID) bool {
	if e.ModelID == id {
		return true
	}
	for _, list := range [][]ModelID{e.Created, e.Updated, e.Deleted, e.Transitioned} {
		for _, v := range list {
			if v == id {
				return true
			}
		}
	}
	return false
}

// AuditFilter narrows ReadAuditLog. Zero fields do not filter.
type AuditFilter struct {
	ModelID ModelID
	Since   time.Time
	Limit   int
}

// Match reports whether the entry passes the filter (Limit is applied by
// the caller).
func (f AuditFilter) Match(e AuditEntry) bool {
	if f.ModelID.Valid() && !e.Mentions(f.ModelID) {
		return false
	}
	if !f.Since.IsZero() && e.Time.Before(f.Since) {
		return false
	}
	return true
}

// Apply filters entries (oldest first) and keeps the most recent Limit.
func (f AuditFilter) Apply(entries []AuditEntry) []AuditEntry {
	var out []AuditEntry
	for _, e := range entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// NewAuditEntry summarizes a delta. cmd is nil for time-triggered deltas.
func NewAuditEntry(delta Delta, cmd *Command, cctx CommandContext) AuditEntry {
	entry := AuditEntry{
		ID:           uuid.New(),
		Time:         cctx.Time,
		Actor:        cctx.Actor,
		Created:      append([]ModelID(nil), delta.Created...),
		Updated:      append([]ModelID(nil), delta.Updated...),
		Deleted:      append([]ModelID(nil), delta.Deleted...),
		Transitioned: append([]ModelID(nil), delta.Transitioned...),
	}
	if cmd != nil {
		entry.Event = cmd.Event.String()
		entry.ModelID = cmd.Model
	}
	for _, job := range delta.Jobs {
		entry.Jobs = append(entry.Jobs, job.Name)
	}
	return entry
}

// MigrationStep upgrades stored models to Version. Transform returns the
// replacement model and false when the model should be dropped.
type MigrationStep struct {
	Version     int
	Description string
	Transform   func(RawModel) (RawModel, bool, error)
}

// PendingMigrations returns the steps newer than current in ascending
// version order.
func PendingMigrations(current int, steps []MigrationStep) ([]MigrationStep, error) {
	seen := make(map[int]bool, len(steps))
	var out []MigrationStep
	for _, st := range steps {
		if st.Version <= 0 {
			return nil, fmt.Errorf("migration %q: version must be positive", st.Description)
		}
		if seen[st.Version] {
			return nil, fmt.Errorf("migration version %d declared twice", st.Version)
		}
		seen[st.Version] = true
		if st.Version > current {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// MigrateModel runs raw through steps in order. It reports false when a step
// drops the model.
func MigrateModel(raw RawModel, steps []MigrationStep) (RawModel, bool, error) {
	for _, st := range steps {
		if st.Transform == nil {
			continue
		}
		out, keep, err := st.Transform(raw)
		if err != nil {
			return RawModel{}, false, fmt.Errorf("migration %d on model %d: %w", st.Version, raw.ID, err)
		}
		if !keep {
			return RawModel{}, false, nil
		}
		if out.ID != raw.ID {
			return RawModel{}, false, fmt.Errorf("migration %d changed the id of model %d", st.Version, raw.ID)
		}
		raw = out
	}
	return raw, true, nil
}

// Persistence is the durable backend the store commits deltas to. Store is
// called once per successful command before the cache is mutated;
// ReadAllModels once at startup.
type Persistence interface {
	Store(ctx context.Context, delta Delta, cmd *Command, cctx CommandContext) error
	ReadAllModels(ctx context.Context, visit func(Model) error) error
	ReadAuditLog(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
	Migrate(ctx context.Context, steps []MigrationStep) error
	CurrentSchemaVersion(ctx context.Context) (int, error)
	Close() error
}
