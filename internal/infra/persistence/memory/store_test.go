package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klerk-framework/klerk-sub000/pkg/domain"
)

type item struct {
	Name string `json:"name"`
}

func (item) ModelType() string              { return "item" }
func (item) References() []domain.Reference { return nil }

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newStore() *Store {
	c := domain.NewJSONCodec()
	domain.RegisterProps[item](c)
	return NewStore(c)
}

func itemModel(id domain.ModelID, name string) domain.Model {
	return domain.Model{ID: id, CreatedAt: t0, State: "open", Props: item{Name: name}}
}

func readAll(t *testing.T, s *Store) []domain.Model {
	t.Helper()
	var out []domain.Model
	require.NoError(t, s.ReadAllModels(context.Background(), func(m domain.Model) error {
		out = append(out, m)
		return nil
	}))
	return out
}

func TestStoreAppliesDeltaAndAudits(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	cmd := &domain.Command{Event: domain.EventRef{ModelType: "item", Name: "create"}}
	require.NoError(t, s.Store(ctx, domain.Delta{
		Models:  map[domain.ModelID]domain.Model{2: itemModel(2, "b"), 1: itemModel(1, "a")},
		Created: []domain.ModelID{1, 2},
	}, cmd, domain.CommandContext{Actor: "ann", Time: t0}))
	require.NoError(t, s.Store(ctx, domain.Delta{Deleted: []domain.ModelID{1}}, nil, domain.CommandContext{Time: t0.Add(time.Second)}))

	got := readAll(t, s)
	require.Len(t, got, 1)
	assert.Equal(t, item{Name: "b"}, got[0].Props)

	entries, err := s.ReadAuditLog(ctx, domain.AuditFilter{ModelID: 1})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "ann", entries[0].Actor)
	assert.Equal(t, "item.create", entries[0].Event)
	assert.Empty(t, entries[1].Event)
	assert.Equal(t, []domain.ModelID{1}, entries[1].Deleted)
}

func TestStoreEncodeFailureWritesNothing(t *testing.T) {
	s := NewStore(failingCodec{})
	err := s.Store(context.Background(), domain.Delta{
		Models: map[domain.ModelID]domain.Model{1: itemModel(1, "a")},
	}, nil, domain.CommandContext{Time: t0})
	require.Error(t, err)
	raws, err := s.RawModels()
	require.NoError(t, err)
	assert.Empty(t, raws)
	entries, err := s.ReadAuditLog(context.Background(), domain.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type failingCodec struct{}

func (failingCodec) Encode(domain.Props) ([]byte, error)         { return nil, errors.New("encode") }
func (failingCodec) Decode(string, []byte) (domain.Props, error) { return nil, errors.New("decode") }

func TestMigrateIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	require.NoError(t, s.Store(ctx, domain.Delta{
		Models: map[domain.ModelID]domain.Model{1: itemModel(1, "a"), 2: itemModel(2, "b")},
	}, nil, domain.CommandContext{Time: t0}))

	err := s.Migrate(ctx, []domain.MigrationStep{{Version: 1, Transform: func(raw domain.RawModel) (domain.RawModel, bool, error) {
		if raw.ID == 2 {
			return raw, false, errors.New("bad")
		}
		raw.State = "closed"
		return raw, true, nil
	}}})
	require.Error(t, err)
	v, err := s.CurrentSchemaVersion(ctx)
	require.NoError(t, err)
	assert.Zero(t, v)
	for _, m := range readAll(t, s) {
		assert.Equal(t, "open", m.State)
	}

	require.NoError(t, s.Migrate(ctx, []domain.MigrationStep{{Version: 3, Transform: func(raw domain.RawModel) (domain.RawModel, bool, error) {
		return raw, raw.ID != 2, nil
	}}}))
	v, err = s.CurrentSchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, v)
	assert.Len(t, readAll(t, s), 1)
}

func TestMigrateRejectsIDChange(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	require.NoError(t, s.Store(ctx, domain.Delta{
		Models: map[domain.ModelID]domain.Model{1: itemModel(1, "a")},
	}, nil, domain.CommandContext{Time: t0}))
	err := s.Migrate(ctx, []domain.MigrationStep{{Version: 1, Transform: func(raw domain.RawModel) (domain.RawModel, bool, error) {
		raw.ID = 9
		return raw, true, nil
	}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "changed the id")
}

func TestClosedStoreFails(t *testing.T) {
	s := newStore()
	require.NoError(t, s.Close())
	err := s.Store(context.Background(), domain.Delta{}, nil, domain.CommandContext{})
	require.ErrorIs(t, err, ErrClosed)
	_, err = s.CurrentSchemaVersion(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
