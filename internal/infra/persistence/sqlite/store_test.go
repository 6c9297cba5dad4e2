package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klerk-framework/klerk-sub000/pkg/domain"
)

type note struct {
	Title  string         `json:"title"`
	Parent domain.ModelID `json:"parent,omitempty"`
}

func (note) ModelType() string { return "note" }

func (n note) References() []domain.Reference {
	if !n.Parent.Valid() {
		return nil
	}
	return []domain.Reference{domain.Ref("parent", n.Parent)}
}

func newCodec() *domain.JSONCodec {
	c := domain.NewJSONCodec()
	domain.RegisterProps[note](c)
	return c
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func noteModel(id domain.ModelID, title string) domain.Model {
	return domain.Model{
		ID:                    id,
		CreatedAt:             t0,
		LastPropsUpdateAt:     t0,
		LastStateTransitionAt: t0,
		State:                 "draft",
		Props:                 note{Title: title},
	}
}

func openTemp(t *testing.T) (string, func() *storeHandle) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "klerk.db")
	return path, func() *storeHandle {
		s, err := NewStore(context.Background(), path, newCodec())
		require.NoError(t, err)
		return &storeHandle{t: t, p: s}
	}
}

type storeHandle struct {
	t *testing.T
	p domain.Persistence
}

func (h *storeHandle) models() []domain.Model {
	h.t.Helper()
	var out []domain.Model
	require.NoError(h.t, h.p.ReadAllModels(context.Background(), func(m domain.Model) error {
		out = append(out, m)
		return nil
	}))
	return out
}

func TestStoreRoundTripAndReopen(t *testing.T) {
	ctx := context.Background()
	_, open := openTemp(t)
	h := open()

	trigger := t0.Add(time.Hour)
	a := noteModel(1, "alpha").WithTimeTrigger(&trigger)
	b := noteModel(2, "beta")
	cmd := &domain.Command{Event: domain.EventRef{ModelType: "note", Name: "create"}}
	require.NoError(t, h.p.Store(ctx, domain.Delta{
		Models:  map[domain.ModelID]domain.Model{1: a, 2: b},
		Created: []domain.ModelID{1, 2},
	}, cmd, domain.CommandContext{Actor: "alice", Time: t0}))

	got := h.models()
	require.Len(t, got, 2)
	assert.Equal(t, domain.ModelID(1), got[0].ID)
	assert.Equal(t, note{Title: "alpha"}, got[0].Props)
	require.NotNil(t, got[0].TimeTrigger)
	assert.True(t, got[0].TimeTrigger.Equal(trigger))
	assert.Nil(t, got[1].TimeTrigger)

	b.Props = note{Title: "beta 2", Parent: 1}
	b.State = "published"
	require.NoError(t, h.p.Store(ctx, domain.Delta{
		Models:  map[domain.ModelID]domain.Model{2: b},
		Updated: []domain.ModelID{2},
		Deleted: []domain.ModelID{1},
	}, nil, domain.CommandContext{Time: t0.Add(time.Minute)}))
	require.NoError(t, h.p.Close())

	h = open()
	defer func() { _ = h.p.Close() }()
	got = h.models()
	require.Len(t, got, 1)
	assert.Equal(t, "published", got[0].State)
	assert.Equal(t, note{Title: "beta 2", Parent: 1}, got[0].Props)
}

func TestReadAuditLogFilters(t *testing.T) {
	ctx := context.Background()
	_, open := openTemp(t)
	h := open()
	defer func() { _ = h.p.Close() }()

	for i := 1; i <= 4; i++ {
		id := domain.ModelID(i)
		require.NoError(t, h.p.Store(ctx, domain.Delta{
			Models:  map[domain.ModelID]domain.Model{id: noteModel(id, "n")},
			Created: []domain.ModelID{id},
		}, &domain.Command{Event: domain.EventRef{ModelType: "note", Name: "create"}},
			domain.CommandContext{Actor: "bob", Time: t0.Add(time.Duration(i) * time.Minute)}))
	}

	all, err := h.p.ReadAuditLog(ctx, domain.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "note.create", all[0].Event)
	assert.Equal(t, []domain.ModelID{1}, all[0].Created)

	byModel, err := h.p.ReadAuditLog(ctx, domain.AuditFilter{ModelID: 3})
	require.NoError(t, err)
	require.Len(t, byModel, 1)
	assert.Equal(t, []domain.ModelID{3}, byModel[0].Created)

	recent, err := h.p.ReadAuditLog(ctx, domain.AuditFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, []domain.ModelID{3}, recent[0].Created)
	assert.Equal(t, []domain.ModelID{4}, recent[1].Created)

	since, err := h.p.ReadAuditLog(ctx, domain.AuditFilter{Since: t0.Add(3 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, since, 2)
}

func TestMigrate(t *testing.T) {
	ctx := context.Background()
	_, open := openTemp(t)
	h := open()

	require.NoError(t, h.p.Store(ctx, domain.Delta{
		Models: map[domain.ModelID]domain.Model{
			1: noteModel(1, "keep"),
			2: noteModel(2, "drop"),
		},
		Created: []domain.ModelID{1, 2},
	}, nil, domain.CommandContext{Time: t0}))

	steps := []domain.MigrationStep{
		{Version: 2, Description: "drop obsolete", Transform: func(raw domain.RawModel) (domain.RawModel, bool, error) {
			var n note
			if err := json.Unmarshal(raw.Props, &n); err != nil {
				return raw, false, err
			}
			return raw, n.Title != "drop", nil
		}},
		{Version: 1, Description: "rename state", Transform: func(raw domain.RawModel) (domain.RawModel, bool, error) {
			if raw.State == "draft" {
				raw.State = "pending"
			}
			return raw, true, nil
		}},
	}
	require.NoError(t, h.p.Migrate(ctx, steps))
	v, err := h.p.CurrentSchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	got := h.models()
	require.Len(t, got, 1)
	assert.Equal(t, "pending", got[0].State)

	// already applied steps do not run again
	require.NoError(t, h.p.Migrate(ctx, steps))
	require.NoError(t, h.p.Close())

	h = open()
	defer func() { _ = h.p.Close() }()
	v, err = h.p.CurrentSchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Len(t, h.models(), 1)
}

func TestMigrateFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	_, open := openTemp(t)
	h := open()
	defer func() { _ = h.p.Close() }()

	require.NoError(t, h.p.Store(ctx, domain.Delta{
		Models:  map[domain.ModelID]domain.Model{1: noteModel(1, "a"), 2: noteModel(2, "b")},
		Created: []domain.ModelID{1, 2},
	}, nil, domain.CommandContext{Time: t0}))

	boom := errors.New("boom")
	err := h.p.Migrate(ctx, []domain.MigrationStep{{Version: 1, Transform: func(raw domain.RawModel) (domain.RawModel, bool, error) {
		if raw.ID == 2 {
			return raw, false, boom
		}
		raw.State = "changed"
		return raw, true, nil
	}}})
	require.ErrorIs(t, err, boom)

	v, err := h.p.CurrentSchemaVersion(ctx)
	require.NoError(t, err)
	assert.Zero(t, v)
	for _, m := range h.models() {
		assert.Equal(t, "draft", m.State)
	}
}

func TestMigrateRejectsDuplicateVersions(t *testing.T) {
	_, open := openTemp(t)
	h := open()
	defer func() { _ = h.p.Close() }()
	err := h.p.Migrate(context.Background(), []domain.MigrationStep{{Version: 1}, {Version: 1}})
	require.Error(t, err)
}

func TestReadAllModelsUnknownType(t *testing.T) {
	ctx := context.Background()
	path, open := openTemp(t)
	h := open()
	require.NoError(t, h.p.Store(ctx, domain.Delta{
		Models:  map[domain.ModelID]domain.Model{1: noteModel(1, "a")},
		Created: []domain.ModelID{1},
	}, nil, domain.CommandContext{Time: t0}))
	require.NoError(t, h.p.Close())

	s, err := NewStore(ctx, path, domain.NewJSONCodec())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	err = s.ReadAllModels(ctx, func(domain.Model) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown model type")

	raws, err := s.RawModels(ctx)
	require.NoError(t, err)
	require.Len(t, raws, 1)
	assert.JSONEq(t, `{"title":"a"}`, string(raws[0].Props))
}
