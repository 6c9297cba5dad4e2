// Package memory provides an in-process domain.Persistence. Models are kept
// in their encoded form so decoding behaves the same as the SQL backends.
package memory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/klerk-framework/klerk-sub000/pkg/domain"
)

var _ domain.Persistence = (*Store)(nil)

// ErrClosed is returned by every call after Close.
var ErrClosed = errors.New("memory persistence closed")

// Store keeps committed models and the audit log in memory.
type Store struct {
	mu      sync.RWMutex
	codec   domain.PropsCodec
	models  map[domain.ModelID]domain.RawModel
	audit   []domain.AuditEntry
	version int
	closed  bool
}

// NewStore returns an empty store encoding payloads with codec.
func NewStore(codec domain.PropsCodec) *Store {
	return &Store{codec: codec, models: make(map[domain.ModelID]domain.RawModel)}
}

// Store applies delta atomically: every model is encoded before anything
// is written.
func (s *Store) Store(ctx context.Context, delta domain.Delta, cmd *domain.Command, cctx domain.CommandContext) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	encoded := make([]domain.RawModel, 0, len(delta.Models))
	for _, m := range delta.SortedModels() {
		raw, err := domain.EncodeModel(s.codec, m)
		if err != nil {
			return fmt.Errorf("encode model %d: %w", m.ID, err)
		}
		encoded = append(encoded, raw)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, id := range delta.Deleted {
		delete(s.models, id)
	}
	for _, raw := range encoded {
		s.models[raw.ID] = raw
	}
	s.audit = append(s.audit, domain.NewAuditEntry(delta, cmd, cctx))
	return nil
}

// ReadAllModels decodes every stored model in id order.
func (s *Store) ReadAllModels(ctx context.Context, visit func(domain.Model) error) error {
	raws, err := s.snapshot()
	if err != nil {
		return err
	}
	for _, raw := range raws {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := domain.DecodeModel(s.codec, raw)
		if err != nil {
			return fmt.Errorf("decode model %d: %w", raw.ID, err)
		}
		if err := visit(m); err != nil {
			return err
		}
	}
	return nil
}

// RawModels returns the stored models in id order without decoding them.
func (s *Store) RawModels() ([]domain.RawModel, error) {
	return s.snapshot()
}

func (s *Store) snapshot() ([]domain.RawModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]domain.RawModel, 0, len(s.models))
	for _, raw := range s.models {
		out = append(out, raw)
	}
	slices.SortFunc(out, func(a, b domain.RawModel) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// ReadAuditLog returns matching entries oldest first.
func (s *Store) ReadAuditLog(_ context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return filter.Apply(s.audit), nil
}

// Migrate runs pending steps over the stored models. A failing step leaves
// the store untouched.
func (s *Store) Migrate(_ context.Context, steps []domain.MigrationStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	pending, err := domain.PendingMigrations(s.version, steps)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	next := make(map[domain.ModelID]domain.RawModel, len(s.models))
	for id, raw := range s.models {
		out, keep, err := domain.MigrateModel(raw, pending)
		if err != nil {
			return err
		}
		if keep {
			next[id] = out
		}
	}
	s.models = next
	s.version = pending[len(pending)-1].Version
	return nil
}

// CurrentSchemaVersion reports the last applied migration version.
func (s *Store) CurrentSchemaVersion(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.version, nil
}

// Close releases the store. Later calls fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
