// Package sqlstore implements domain.Persistence over database/sql. The
// sqlite and postgres packages supply the connection and dialect.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/klerk-framework/klerk-sub000/pkg/domain"
)

var _ domain.Persistence = (*Store)(nil)

// DDL applied by Open, one file per dialect.
var (
	//go:embed schema/sqlite.sql
	sqliteSchema string
	//go:embed schema/postgres.sql
	postgresSchema string
)

// Dialect captures the SQL differences between the supported databases.
type Dialect struct {
	Name string
	// Numbered placeholders ($1, $2) instead of ?.
	Numbered bool
	// DDL creates every table idempotently.
	DDL string
}

// Dialects.
var (
	SQLite   = Dialect{Name: "sqlite", DDL: sqliteSchema}
	Postgres = Dialect{Name: "postgres", Numbered: true, DDL: postgresSchema}
)

// Rebind rewrites ? placeholders for the dialect.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// schema splits the DDL into statements.
func (d Dialect) schema() []string {
	var out []string
	for _, stmt := range strings.Split(d.DDL, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// Store persists models as JSON-encoded RawModel rows.
type Store struct {
	db      *sql.DB
	dialect Dialect
	codec   domain.PropsCodec
	// mu serializes writers; sqlite allows one at a time regardless.
	mu sync.Mutex
}

// Open ensures the schema exists on db and returns a Store. The Store owns
// db and closes it on Close.
func Open(ctx context.Context, db *sql.DB, dialect Dialect, codec domain.PropsCodec) (*Store, error) {
	for _, stmt := range dialect.schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%s: create schema: %w", dialect.Name, err)
		}
	}
	return &Store{db: db, dialect: dialect, codec: codec}, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Store writes delta and its audit entry in one transaction.
func (s *Store) Store(ctx context.Context, delta domain.Delta, cmd *domain.Command, cctx domain.CommandContext) error {
	rows := make([]domain.RawModel, 0, len(delta.Models))
	for _, m := range delta.SortedModels() {
		raw, err := domain.EncodeModel(s.codec, m)
		if err != nil {
			return fmt.Errorf("encode model %d: %w", m.ID, err)
		}
		rows = append(rows, raw)
	}
	entry := domain.NewAuditEntry(delta, cmd, cctx)
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range delta.Deleted {
			if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM klerk_models WHERE id = ?`), id); err != nil {
				return fmt.Errorf("delete model %d: %w", id, err)
			}
		}
		for _, raw := range rows {
			if err := s.upsert(ctx, tx, raw); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO klerk_audit_log (entry_id, payload) VALUES (?, ?)`),
			entry.ID.String(), string(entryJSON)); err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
		return nil
	})
}

func (s *Store) upsert(ctx context.Context, tx *sql.Tx, raw domain.RawModel) error {
	payload, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal model %d: %w", raw.ID, err)
	}
	_, err = tx.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO klerk_models (id, model_type, state, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET model_type = excluded.model_type, state = excluded.state, payload = excluded.payload`),
		raw.ID, raw.Type, raw.State, string(payload))
	if err != nil {
		return fmt.Errorf("upsert model %d: %w", raw.ID, err)
	}
	return nil
}

// ReadAllModels decodes every stored model in id order.
func (s *Store) ReadAllModels(ctx context.Context, visit func(domain.Model) error) error {
	raws, err := s.rawModels(ctx, s.db)
	if err != nil {
		return err
	}
	for _, raw := range raws {
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

// RawModels returns the stored models without decoding their payloads.
func (s *Store) RawModels(ctx context.Context) ([]domain.RawModel, error) {
	return s.rawModels(ctx, s.db)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) rawModels(ctx context.Context, q querier) ([]domain.RawModel, error) {
	rows, err := q.QueryContext(ctx, `SELECT payload FROM klerk_models ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select models: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.RawModel
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		var raw domain.RawModel
		if err := json.Unmarshal([]byte(payload), &raw); err != nil {
			return nil, fmt.Errorf("unmarshal model: %w", err)
		}
		out = append(out, raw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate models: %w", err)
	}
	return out, nil
}

// ReadAuditLog returns matching entries oldest first.
func (s *Store) ReadAuditLog(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM klerk_audit_log ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("select audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var entries []domain.AuditEntry
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		var e domain.AuditEntry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("unmarshal audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit log: %w", err)
	}
	return filter.Apply(entries), nil
}

// Migrate runs pending steps over every stored model in one transaction.
func (s *Store) Migrate(ctx context.Context, steps []domain.MigrationStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := schemaVersion(ctx, tx)
		if err != nil {
			return err
		}
		pending, err := domain.PendingMigrations(current, steps)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}
		raws, err := s.rawModels(ctx, tx)
		if err != nil {
			return err
		}
		for _, raw := range raws {
			out, keep, err := domain.MigrateModel(raw, pending)
			if err != nil {
				return err
			}
			if !keep {
				if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM klerk_models WHERE id = ?`), raw.ID); err != nil {
					return fmt.Errorf("drop model %d: %w", raw.ID, err)
				}
				continue
			}
			if err := s.upsert(ctx, tx, out); err != nil {
				return err
			}
		}
		for _, st := range pending {
			if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO klerk_schema_version (version, description) VALUES (?, ?)`),
				st.Version, st.Description); err != nil {
				return fmt.Errorf("record migration %d: %w", st.Version, err)
			}
		}
		return nil
	})
}

// CurrentSchemaVersion reports the last applied migration version.
func (s *Store) CurrentSchemaVersion(ctx context.Context) (int, error) {
	return schemaVersion(ctx, s.db)
}

func schemaVersion(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}) (int, error) {
	var v sql.NullInt64
	if err := q.QueryRowContext(ctx, `SELECT MAX(version) FROM klerk_schema_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("select schema version: %w", err)
	}
	return int(v.Int64), nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
