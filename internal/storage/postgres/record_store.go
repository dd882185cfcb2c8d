// Package postgres provides the Postgres-backed record store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
	"github.com/JakeFAU/certcatalog-crawler/internal/storage"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for record rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the store uses; pgxmock satisfies it.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error)
	Close()
}

// RecordStore keeps records in a single table keyed by identity.
type RecordStore struct {
	pool  pool
	table string
	clock crawler.Clock
}

// NewRecordStore connects to Postgres using the provided config.
func NewRecordStore(ctx context.Context, cfg Config, clock crawler.Clock) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewRecordStoreWithPool(p, cfg.Table, clock)
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(p pool, table string, clock crawler.Clock) (*RecordStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "certification_records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RecordStore{pool: p, table: table, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the record table when missing.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id            BIGSERIAL PRIMARY KEY,
	identity      TEXT UNIQUE,
	page_id       INTEGER,
	index_in_page INTEGER,
	source_key    TEXT NOT NULL,
	content_hash  TEXT NOT NULL,
	fields        JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_slot_idx ON %[1]s (page_id DESC, index_in_page DESC)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Upsert locks the identity row, applies the merge rule and writes the result
// in one transaction.
func (s *RecordStore) Upsert(ctx context.Context, id crawler.RecordIdentity, rec crawler.Record) (crawler.UpsertOutcome, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return crawler.UpsertOutcome{}, storeError("begin", err)
	}
	outcome, err := s.upsertTx(ctx, tx, id, rec)
	if err != nil {
		_ = tx.Rollback(ctx)
		return crawler.UpsertOutcome{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return crawler.UpsertOutcome{}, storeError("commit", err)
	}
	return outcome, nil
}

func (s *RecordStore) upsertTx(ctx context.Context, tx pgx.Tx, id crawler.RecordIdentity, rec crawler.Record) (crawler.UpsertOutcome, error) {
	var (
		existing *crawler.StoredRecord
		current  crawler.StoredRecord
	)
	err := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT source_key, content_hash, created_at, updated_at FROM %s WHERE identity = $1 FOR UPDATE`, s.table),
		string(id),
	).Scan(&current.SourceKey, &current.ContentHash, &current.CreatedAt, &current.UpdatedAt)
	switch {
	case err == nil:
		existing = &current
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return crawler.UpsertOutcome{}, storeError("select", err)
	}

	merged, status, err := storage.Merge(id, existing, rec, s.clock.Now())
	if err != nil {
		return crawler.UpsertOutcome{}, err
	}
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return crawler.UpsertOutcome{}, &crawler.StoreError{Op: "encode", Err: err}
	}

	switch status {
	case crawler.UpsertInserted:
		var page, index *int32
		if rec.Slot != nil {
			p, i := int32(rec.Slot.PageID), int32(rec.Slot.IndexInPage)
			page, index = &p, &i
		}
		_, err = tx.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (identity, page_id, index_in_page, source_key, content_hash, fields, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`, s.table),
			string(id), page, index, rec.Fields.SourceKey, rec.ContentHash, fields, merged.CreatedAt,
		)
	case crawler.UpsertUpdated:
		_, err = tx.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET content_hash = $2, fields = $3, updated_at = $4 WHERE identity = $1`, s.table),
			string(id), rec.ContentHash, fields, merged.UpdatedAt,
		)
	case crawler.UpsertUnchanged:
		_, err = tx.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET updated_at = $2 WHERE identity = $1`, s.table),
			string(id), merged.UpdatedAt,
		)
	}
	if err != nil {
		return crawler.UpsertOutcome{}, storeError(string(status), err)
	}
	return storage.Outcome(merged, status), nil
}

// MaxKnownSlot returns the highest stored slot.
func (s *RecordStore) MaxKnownSlot(ctx context.Context) (crawler.Slot, bool, error) {
	var page, index int32
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
SELECT page_id, index_in_page FROM %s
WHERE page_id IS NOT NULL AND index_in_page IS NOT NULL
ORDER BY page_id DESC, index_in_page DESC
LIMIT 1`, s.table)).Scan(&page, &index)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Slot{}, false, nil
	}
	if err != nil {
		return crawler.Slot{}, false, storeError("max slot", err)
	}
	return crawler.Slot{PageID: uint32(page), IndexInPage: uint32(index)}, true, nil
}

// Scan streams every row to fn in identity order.
func (s *RecordStore) Scan(ctx context.Context, fn func(crawler.StoredRecord) error) error {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
SELECT identity, page_id, index_in_page, source_key, content_hash, fields, created_at, updated_at
FROM %s ORDER BY identity`, s.table))
	if err != nil {
		return storeError("scan", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			identity    *string
			page, index *int32
			fields      []byte
			rec         crawler.StoredRecord
		)
		if err := rows.Scan(&identity, &page, &index, &rec.SourceKey, &rec.ContentHash, &fields, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return storeError("scan row", err)
		}
		rec.Identity = identity
		if page != nil {
			p := uint32(*page)
			rec.PageID = &p
		}
		if index != nil {
			i := uint32(*index)
			rec.IndexInPage = &i
		}
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &rec.Fields); err != nil {
				return &crawler.StoreError{Op: "decode", Err: err}
			}
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return storeError("scan", err)
	}
	return nil
}

// storeError wraps err, marking connection, serialization and resource
// failures as transient.
func storeError(op string, err error) error {
	transient := true
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		transient = false
		for _, class := range []string{"08", "40", "53", "57P"} {
			if strings.HasPrefix(pgErr.Code, class) {
				transient = true
				break
			}
		}
	}
	if errors.Is(err, context.Canceled) {
		transient = false
	}
	return &crawler.StoreError{Op: op, Err: err, Transient: transient}
}
