package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/certcatalog-crawler/internal/progress"
)

// PrometheusSink derives session, batch and task metrics from the event
// stream.
type PrometheusSink struct {
	sessionsStarted  prometheus.Counter
	sessionsFinished *prometheus.CounterVec
	sessionsRunning  prometheus.Gauge
	sessionRuntime   *prometheus.HistogramVec

	batchesCompleted *prometheus.CounterVec
	tasks            *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	anomalies        *prometheus.CounterVec
	partialPages     prometheus.Counter
	mismatchFlags    *prometheus.CounterVec

	tracker *sessionTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "certcrawl_sessions_started_total",
			Help: "Sessions that entered the preparing state.",
		}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certcrawl_sessions_finished_total",
			Help: "Sessions that reached a terminal state, by state.",
		}, []string{"state"}),
		sessionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "certcrawl_sessions_running",
			Help: "Sessions not yet in a terminal state.",
		}),
		sessionRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "certcrawl_session_runtime_seconds",
			Help:    "Wall time per finished session.",
			Buckets: []float64{10, 30, 60, 300, 600, 1800, 3600, 7200, 14400},
		}, []string{"state"}),
		batchesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certcrawl_batches_completed_total",
			Help: "Batch completions by status.",
		}, []string{"status"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certcrawl_task_transitions_total",
			Help: "Task lifecycle transitions by stage and event.",
		}, []string{"stage", "event"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "certcrawl_task_duration_seconds",
			Help:    "Duration of finished tasks by stage and result.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"stage", "result"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certcrawl_anomalies_total",
			Help: "Anomalies reported by label.",
		}, []string{"anomaly"}),
		partialPages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "certcrawl_partial_pages_reincluded_total",
			Help: "Listing pages re-included after a short result.",
		}),
		mismatchFlags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certcrawl_session_mismatch_flags_total",
			Help: "Mismatch flags raised in session summaries.",
		}, []string{"flag"}),
		tracker: newSessionTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.sessionsStarted,
		s.sessionsFinished,
		s.sessionsRunning,
		s.sessionRuntime,
		s.batchesCompleted,
		s.tasks,
		s.taskDuration,
		s.anomalies,
		s.partialPages,
		s.mismatchFlags,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors. It is safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Kind {
	case progress.KindSessionState:
		s.handleSessionState(evt)
	case progress.KindBatchComplete:
		s.batchesCompleted.WithLabelValues(evt.Status).Inc()
	case progress.KindTaskLifecycle:
		s.handleTask(evt)
	case progress.KindAnomaly:
		s.anomalies.WithLabelValues(evt.Anomaly).Inc()
	case progress.KindPartialPage:
		s.partialPages.Inc()
	case progress.KindSessionSummary:
		if evt.Summary != nil {
			for _, flag := range evt.Summary.MismatchFlags {
				s.mismatchFlags.WithLabelValues(flag).Inc()
			}
		}
	}
}

func (s *PrometheusSink) handleSessionState(evt progress.Event) {
	switch evt.Status {
	case "preparing":
		s.sessionsStarted.Inc()
		if s.tracker.start(evt.SessionID, evt.TS) {
			s.sessionsRunning.Inc()
		}
	case "completed", "failed", "cancelled":
		s.sessionsFinished.WithLabelValues(evt.Status).Inc()
		if started, ok := s.tracker.complete(evt.SessionID); ok {
			s.sessionsRunning.Dec()
			if d := evt.TS.Sub(started); d > 0 {
				s.sessionRuntime.WithLabelValues(evt.Status).Observe(d.Seconds())
			}
		}
	}
}

func (s *PrometheusSink) handleTask(evt progress.Event) {
	t := evt.Task
	if t == nil {
		return
	}
	stage := string(t.Context.StageType)
	s.tasks.WithLabelValues(stage, string(t.Event)).Inc()
	if t.Event.Terminal() && t.DurationMs > 0 {
		result := "success"
		if t.Event == progress.LifecycleFailed {
			result = "failure"
		}
		s.taskDuration.WithLabelValues(stage, result).Observe((time.Duration(t.DurationMs) * time.Millisecond).Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type sessionTracker struct {
	mu      sync.Mutex
	running map[string]time.Time
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{running: make(map[string]time.Time)}
}

func (t *sessionTracker) start(id string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = at
	return true
}

func (t *sessionTracker) complete(id string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.running[id]
	if ok {
		delete(t.running, id)
	}
	return at, ok
}
