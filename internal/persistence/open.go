// Package persistence selects a domain.Persistence backend from
// configuration.
package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/klerk-framework/klerk-sub000/internal/config"
	"github.com/klerk-framework/klerk-sub000/internal/infra/persistence/memory"
	"github.com/klerk-framework/klerk-sub000/internal/infra/persistence/postgres"
	"github.com/klerk-framework/klerk-sub000/internal/infra/persistence/sqlite"
	"github.com/klerk-framework/klerk-sub000/pkg/domain"
)

// Open returns the backend named by cfg.Driver. An empty driver selects
// sqlite.
func Open(ctx context.Context, cfg config.Storage, codec domain.PropsCodec) (domain.Persistence, error) {
	switch strings.ToLower(cfg.Driver) {
	case config.StorageMemory:
		return memory.NewStore(codec), nil
	case config.StorageSQLite, "":
		return sqlite.NewStore(ctx, cfg.SQLitePath, codec)
	case config.StoragePostgres:
		return postgres.NewStore(ctx, cfg.PostgresDSN, codec)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}
