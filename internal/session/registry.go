package session

import (
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/certcatalog-crawler/internal/consistency"
	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
)

// ErrBusy is returned when a session is already active.
var ErrBusy = errors.New("a session is already active")

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	ID             string                  `json:"session_id"`
	State          State                   `json:"state"`
	PlanID         string                  `json:"plan_id,omitempty"`
	PlanHash       string                  `json:"plan_hash,omitempty"`
	ListPhaseCount int                     `json:"list_phase_count"`
	ExpectedPages  int                     `json:"expected_pages"`
	Batches        []crawler.Batch         `json:"batches"`
	Summary        *crawler.SessionSummary `json:"summary,omitempty"`
	Findings       []consistency.Finding   `json:"findings,omitempty"`
	StartedAt      time.Time               `json:"started_at"`
	EndedAt        *time.Time              `json:"ended_at,omitempty"`
	Error          string                  `json:"error,omitempty"`
}

// Snapshot returns a copy of the session's current view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:        s.id,
		State:     s.state,
		Batches:   append([]crawler.Batch(nil), s.batches...),
		StartedAt: s.startedAt,
	}
	if s.plan != nil {
		snap.PlanID = s.plan.PlanID
		snap.PlanHash = s.plan.PlanHash
		snap.ListPhaseCount = s.plan.ListPhaseCount()
		snap.ExpectedPages = s.plan.ExpectedPages()
	}
	if s.summary != nil {
		sum := *s.summary
		snap.Summary = &sum
	}
	if s.report != nil {
		snap.Findings = append([]consistency.Finding(nil), s.report.Findings...)
	}
	if !s.endedAt.IsZero() {
		ended := s.endedAt
		snap.EndedAt = &ended
	}
	if s.runErr != nil {
		snap.Error = s.runErr.Error()
	}
	return snap
}

// Registry tracks the sessions of one process and admits at most one active
// session at a time.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string
	limit    int
}

// NewRegistry keeps up to limit finished sessions; zero keeps 50.
func NewRegistry(limit int) *Registry {
	if limit <= 0 {
		limit = 50
	}
	return &Registry{sessions: make(map[string]*Session), limit: limit}
}

// Add registers s. It fails with ErrBusy while another session is active.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.sessions {
		if !existing.State().Terminal() {
			return ErrBusy
		}
	}
	r.sessions[s.ID()] = s
	r.order = append(r.order, s.ID())
	for len(r.order) > r.limit {
		delete(r.sessions, r.order[0])
		r.order = r.order[1:]
	}
	return nil
}

// Get looks a session up by ID.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Active returns the session that has not reached a terminal state, if any.
func (r *Registry) Active() (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if !s.State().Terminal() {
			return s, true
		}
	}
	return nil, false
}

// List returns snapshots of every tracked session, most recently added first.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		sessions = append(sessions, r.sessions[r.order[i]])
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}
