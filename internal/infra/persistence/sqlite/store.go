// Package sqlite opens the SQLite-backed persistence using the pure Go
// modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/klerk-framework/klerk-sub000/internal/infra/persistence/sqlstore"
	"github.com/klerk-framework/klerk-sub000/pkg/domain"
)

const defaultPath = "klerk.db"

// NewStore opens (creating when needed) the database at path.
func NewStore(ctx context.Context, path string, codec domain.PropsCodec) (*sqlstore.Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection keeps writers from tripping SQLITE_BUSY
	db.SetMaxOpenConns(1)
	store, err := sqlstore.Open(ctx, db, sqlstore.SQLite, codec)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}
