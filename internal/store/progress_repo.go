package store

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("progress record not found")

// SessionRun is the persisted view of one session.
type SessionRun struct {
	SessionID      string     `json:"session_id"`
	PlanID         string     `json:"plan_id,omitempty"`
	State          string     `json:"state"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	CompletedPages int        `json:"completed_pages"`
	ExpectedPages  int        `json:"expected_pages"`
	FailedCount    int        `json:"failed_count"`
	MismatchFlags  []string   `json:"mismatch_flags"`
}

// BatchRun is the persisted view of one batch.
type BatchRun struct {
	SessionID      string    `json:"session_id"`
	BatchID        int       `json:"batch_id"`
	PhaseIndex     int       `json:"phase_index"`
	Status         string    `json:"status"`
	PagesCompleted int       `json:"pages_completed"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ProgressRepository persists session and batch progress.
type ProgressRepository interface {
	// UpsertSessionState records the latest state of a session, creating it
	// on first sight.
	UpsertSessionState(ctx context.Context, sessionID, planID, state string, at time.Time) error
	// UpsertBatch records the latest status of a batch.
	UpsertBatch(ctx context.Context, run BatchRun) error
	// CompleteSession stores the final summary.
	CompleteSession(ctx context.Context, summary crawler.SessionSummary, at time.Time) error
	// GetSession returns one session or ErrNotFound.
	GetSession(ctx context.Context, sessionID string) (SessionRun, error)
	// ListSessions returns sessions, most recent first.
	ListSessions(ctx context.Context, limit, offset int) ([]SessionRun, error)
	// ListBatches returns the batches of a session ordered by batch ID.
	ListBatches(ctx context.Context, sessionID string) ([]BatchRun, error)
}
