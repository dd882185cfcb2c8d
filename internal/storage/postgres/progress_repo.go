package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
	"github.com/JakeFAU/certcatalog-crawler/internal/store"
)

// ProgressRepository persists session and batch progress rows.
type ProgressRepository struct {
	pool pool
}

// NewProgressRepositoryWithPool constructs a repository from an existing pool.
func NewProgressRepositoryWithPool(p pool) (*ProgressRepository, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ProgressRepository{pool: p}, nil
}

// Progress returns a repository sharing the record store's pool.
func (s *RecordStore) Progress() *ProgressRepository {
	return &ProgressRepository{pool: s.pool}
}

// EnsureSchema creates the progress tables when missing.
func (r *ProgressRepository) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS session_runs (
	session_id      TEXT PRIMARY KEY,
	plan_id         TEXT,
	state           TEXT NOT NULL,
	started_at      TIMESTAMPTZ NOT NULL,
	finished_at     TIMESTAMPTZ,
	completed_pages INTEGER NOT NULL DEFAULT 0,
	expected_pages  INTEGER NOT NULL DEFAULT 0,
	failed_count    INTEGER NOT NULL DEFAULT 0,
	mismatch_flags  TEXT[] NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS batch_runs (
	session_id      TEXT NOT NULL REFERENCES session_runs (session_id),
	batch_id        INTEGER NOT NULL,
	phase_index     INTEGER NOT NULL,
	status          TEXT NOT NULL,
	pages_completed INTEGER NOT NULL DEFAULT 0,
	updated_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, batch_id)
)`
	if _, err := r.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure progress schema: %w", err)
	}
	return nil
}

// UpsertSessionState implements store.ProgressRepository.
func (r *ProgressRepository) UpsertSessionState(ctx context.Context, sessionID, planID, state string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO session_runs (session_id, plan_id, state, started_at)
VALUES ($1, NULLIF($2, ''), $3, $4)
ON CONFLICT (session_id) DO UPDATE
SET state = EXCLUDED.state,
    plan_id = COALESCE(EXCLUDED.plan_id, session_runs.plan_id)`,
		sessionID, planID, state, at,
	)
	if err != nil {
		return storeError("upsert session", err)
	}
	return nil
}

// UpsertBatch implements store.ProgressRepository.
func (r *ProgressRepository) UpsertBatch(ctx context.Context, run store.BatchRun) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO batch_runs (session_id, batch_id, phase_index, status, pages_completed, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (session_id, batch_id) DO UPDATE
SET status = EXCLUDED.status,
    pages_completed = EXCLUDED.pages_completed,
    updated_at = EXCLUDED.updated_at`,
		run.SessionID, run.BatchID, run.PhaseIndex, run.Status, run.PagesCompleted, run.UpdatedAt,
	)
	if err != nil {
		return storeError("upsert batch", err)
	}
	return nil
}

// CompleteSession implements store.ProgressRepository.
func (r *ProgressRepository) CompleteSession(ctx context.Context, summary crawler.SessionSummary, at time.Time) error {
	flags := summary.MismatchFlags
	if flags == nil {
		flags = []string{}
	}
	tag, err := r.pool.Exec(ctx, `
UPDATE session_runs
SET finished_at = $2,
    completed_pages = $3,
    expected_pages = $4,
    failed_count = $5,
    mismatch_flags = $6,
    plan_id = COALESCE(NULLIF($7, ''), plan_id)
WHERE session_id = $1`,
		summary.SessionID, at, summary.CompletedPages, summary.ExpectedPages, summary.FailedCount, flags, summary.PlanID,
	)
	if err != nil {
		return storeError("complete session", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete session %s: %w", summary.SessionID, store.ErrNotFound)
	}
	return nil
}

const sessionColumns = `session_id, COALESCE(plan_id, ''), state, started_at, finished_at,
completed_pages, expected_pages, failed_count, mismatch_flags`

// GetSession implements store.ProgressRepository.
func (r *ProgressRepository) GetSession(ctx context.Context, sessionID string) (store.SessionRun, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM session_runs WHERE session_id = $1`, sessionID)
	run, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.SessionRun{}, store.ErrNotFound
	}
	if err != nil {
		return store.SessionRun{}, storeError("get session", err)
	}
	return run, nil
}

// ListSessions implements store.ProgressRepository.
func (r *ProgressRepository) ListSessions(ctx context.Context, limit, offset int) ([]store.SessionRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `SELECT `+sessionColumns+` FROM session_runs
ORDER BY started_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, storeError("list sessions", err)
	}
	defer rows.Close()
	var out []store.SessionRun
	for rows.Next() {
		run, err := scanSession(rows)
		if err != nil {
			return nil, storeError("scan session", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list sessions", err)
	}
	return out, nil
}

// ListBatches implements store.ProgressRepository.
func (r *ProgressRepository) ListBatches(ctx context.Context, sessionID string) ([]store.BatchRun, error) {
	rows, err := r.pool.Query(ctx, `
SELECT session_id, batch_id, phase_index, status, pages_completed, updated_at
FROM batch_runs WHERE session_id = $1 ORDER BY batch_id`, sessionID)
	if err != nil {
		return nil, storeError("list batches", err)
	}
	defer rows.Close()
	var out []store.BatchRun
	for rows.Next() {
		var b store.BatchRun
		if err := rows.Scan(&b.SessionID, &b.BatchID, &b.PhaseIndex, &b.Status, &b.PagesCompleted, &b.UpdatedAt); err != nil {
			return nil, storeError("scan batch", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list batches", err)
	}
	return out, nil
}

func scanSession(row pgx.Row) (store.SessionRun, error) {
	var run store.SessionRun
	err := row.Scan(&run.SessionID, &run.PlanID, &run.State, &run.StartedAt, &run.FinishedAt,
		&run.CompletedPages, &run.ExpectedPages, &run.FailedCount, &run.MismatchFlags)
	return run, err
}
