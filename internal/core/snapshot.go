package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	blobcore "github.com/klerk-framework/klerk-sub000/internal/blob/core"
	"github.com/klerk-framework/klerk-sub000/pkg/domain"
)

// Snapshot is the exported form of every live model.
type Snapshot struct {
	TakenAt time.Time         `json:"taken_at"`
	Models  []domain.RawModel `json:"models"`
}

// BuildSnapshot encodes models with codec.
func BuildSnapshot(codec domain.PropsCodec, models []domain.Model, takenAt time.Time) (Snapshot, error) {
	snap := Snapshot{TakenAt: takenAt, Models: make([]domain.RawModel, 0, len(models))}
	for _, m := range models {
		raw, err := domain.EncodeModel(codec, m)
		if err != nil {
			return Snapshot{}, fmt.Errorf("encode model %d: %w", m.ID, err)
		}
		snap.Models = append(snap.Models, raw)
	}
	return snap, nil
}

// WriteSnapshot stores snap as JSON under key.
func WriteSnapshot(ctx context.Context, store blobcore.Store, key string, snap Snapshot) (blobcore.Info, error) {
	b, err := json.Marshal(snap)
	if err != nil {
		return blobcore.Info{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	info, err := store.Put(ctx, key, bytes.NewReader(b), blobcore.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"models": strconv.Itoa(len(snap.Models))},
	})
	if err != nil {
		return blobcore.Info{}, fmt.Errorf("store snapshot %s: %w", key, err)
	}
	return info, nil
}

// ExportSnapshot writes every committed model to the blob store. Models are
// read under one read-mode acquisition so the snapshot is consistent.
func (s *Service) ExportSnapshot(ctx context.Context, store blobcore.Store, key string) (blobcore.Info, error) {
	models := s.allModels()
	snap, err := BuildSnapshot(s.codec, models, s.now())
	if err != nil {
		return blobcore.Info{}, err
	}
	info, err := WriteSnapshot(ctx, store, key, snap)
	if err != nil {
		return blobcore.Info{}, err
	}
	s.logger.Info("snapshot exported", "key", key, "models", len(models), "driver", store.Driver())
	return info, nil
}
