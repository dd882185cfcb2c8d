// Package session runs one crawl session end to end: it discovers the
// frontier, builds the plan, dispatches batches phase by phase and closes with
// a single consistency-checked summary.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/certcatalog-crawler/internal/consistency"
	"github.com/JakeFAU/certcatalog-crawler/internal/control"
	"github.com/JakeFAU/certcatalog-crawler/internal/coordinate"
	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
	"github.com/JakeFAU/certcatalog-crawler/internal/dispatcher"
	"github.com/JakeFAU/certcatalog-crawler/internal/progress"
	"github.com/JakeFAU/certcatalog-crawler/internal/queue/memory"
	"github.com/JakeFAU/certcatalog-crawler/internal/worker"
)

var (
	// ErrSessionFailed is returned by Run when the session ends with
	// mismatch flags or a preparation error.
	ErrSessionFailed = errors.New("session failed")
	// ErrInvalidTransition is returned for a control command the current
	// state does not accept.
	ErrInvalidTransition = errors.New("invalid session state transition")
	// ErrAlreadyStarted is returned by a second Run call.
	ErrAlreadyStarted = errors.New("session already started")
)

// Partial-page severities.
const (
	PartialPageBatch   = "batch"
	PartialPageSession = "session"
)

// PartialPageFindingSeverity maps a partial-page severity to the validator
// severity of a session that re-included more than one short page. Only
// session severity turns it into a mismatch flag.
func PartialPageFindingSeverity(mode string) consistency.Severity {
	if mode == PartialPageSession {
		return consistency.SeverityError
	}
	return consistency.SeverityWarning
}

// Config tunes a session.
type Config struct {
	MaxConcurrentBatches int
	BatchRetries         int
	PartialPageSeverity  string
}

// FrontierSource snapshots the live listing. *plan.Prober implements it.
type FrontierSource interface {
	Discover(ctx context.Context) (crawler.Frontier, error)
}

// Planner builds the session's plan once. *plan.Builder implements it.
type Planner interface {
	Build(frontier crawler.Frontier, cursor *crawler.Slot) (crawler.CrawlPlan, error)
}

// BatchRunner runs one batch. *batch.Coordinator implements it.
type BatchRunner interface {
	Run(ctx context.Context, gate *control.Gate, scope worker.Scope, mapper *coordinate.Mapper, batch crawler.Batch) crawler.BatchResult
}

// Deps groups a session's collaborators.
type Deps struct {
	Frontier FrontierSource
	Store    crawler.RecordStore
	Planner  Planner
	// Batches builds the batch runner on top of the session's own emitter,
	// so every event below the session reaches its validator.
	Batches func(events progress.Emitter) BatchRunner
	Events  progress.Emitter
	IDs     crawler.IDGenerator
	Clock   crawler.Clock
	Logger  *zap.Logger
}

// Session is one crawl session.
type Session struct {
	id        string
	cfg       Config
	deps      Deps
	gate      *control.Gate
	validator *consistency.Validator
	logger    *zap.Logger
	started   atomic.Bool
	aborted   atomic.Bool

	mu        sync.Mutex
	state     State
	plan      *crawler.CrawlPlan
	batches   []crawler.Batch
	summary   *crawler.SessionSummary
	report    *consistency.Report
	runErr    error
	startedAt time.Time
	endedAt   time.Time
}

// New constructs a session in the Preparing state.
func New(cfg Config, deps Deps) (*Session, error) {
	switch {
	case deps.Frontier == nil:
		return nil, errors.New("session: frontier source is required")
	case deps.Store == nil:
		return nil, errors.New("session: record store is required")
	case deps.Planner == nil:
		return nil, errors.New("session: planner is required")
	case deps.Batches == nil:
		return nil, errors.New("session: batch runner factory is required")
	case deps.IDs == nil:
		return nil, errors.New("session: id generator is required")
	}
	if cfg.MaxConcurrentBatches < 1 {
		cfg.MaxConcurrentBatches = 1
	}
	if cfg.BatchRetries < 0 {
		cfg.BatchRetries = 0
	}
	switch cfg.PartialPageSeverity {
	case "":
		cfg.PartialPageSeverity = PartialPageBatch
	case PartialPageBatch, PartialPageSession:
	default:
		return nil, fmt.Errorf("session: unknown partial page severity %q", cfg.PartialPageSeverity)
	}
	if deps.Events == nil {
		deps.Events = progress.Nop
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	id, err := deps.IDs.NewID()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	return &Session{
		id:        id,
		cfg:       cfg,
		deps:      deps,
		gate:      control.NewGate("session-" + id),
		validator: consistency.New(consistency.WithPartialPageSeverity(PartialPageFindingSeverity(cfg.PartialPageSeverity))),
		logger:    deps.Logger.Named("session").With(zap.String("session_id", id)),
		state:     StatePreparing,
	}, nil
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run executes the session to completion. It returns the summary that was
// emitted, and ErrSessionFailed when its mismatch flags are not empty.
func (s *Session) Run(ctx context.Context) (crawler.SessionSummary, error) {
	if !s.started.CompareAndSwap(false, true) {
		return crawler.SessionSummary{}, ErrAlreadyStarted
	}
	s.mu.Lock()
	s.startedAt = s.now()
	s.mu.Unlock()
	s.emitState(StatePreparing)
	s.logger.Info("session preparing")

	plan, mapper, err := s.prepare(ctx)
	if err != nil {
		return s.finish(ctx, outcome{}, err)
	}
	if err := s.transition(StateRunning); err != nil {
		return s.finish(ctx, outcome{}, err)
	}
	s.emitState(StateRunning)
	s.logger.Info("session running",
		zap.String("plan_id", plan.PlanID),
		zap.Int("list_phases", plan.ListPhaseCount()),
		zap.Int("expected_pages", plan.ExpectedPages()),
	)
	out := s.execute(ctx, plan, mapper)
	return s.finish(ctx, out, out.err)
}

// Pause suspends the session at the next checkpoint of every task.
func (s *Session) Pause() error {
	if err := s.transition(StatePaused); err != nil {
		return err
	}
	s.gate.Deliver(control.Pause)
	s.emitState(StatePaused)
	s.logger.Info("session paused")
	return nil
}

// Resume continues a paused session.
func (s *Session) Resume() error {
	if err := s.transition(StateRunning); err != nil {
		return err
	}
	s.gate.Deliver(control.Resume)
	s.emitState(StateRunning)
	s.logger.Info("session resumed")
	return nil
}

// Cancel stops the session. In-flight tasks finish; nothing new starts.
func (s *Session) Cancel() error {
	if s.State().Terminal() {
		return fmt.Errorf("%w: session already %s", ErrInvalidTransition, s.State())
	}
	s.gate.Deliver(control.Cancel)
	s.logger.Info("session cancel requested")
	return nil
}

// Control applies a parsed control command.
func (s *Session) Control(cmd control.Command) error {
	switch cmd {
	case control.Pause:
		return s.Pause()
	case control.Resume:
		return s.Resume()
	case control.Cancel:
		return s.Cancel()
	default:
		return fmt.Errorf("unknown control command %q", cmd)
	}
}

func (s *Session) prepare(ctx context.Context) (crawler.CrawlPlan, *coordinate.Mapper, error) {
	frontier, err := s.deps.Frontier.Discover(ctx)
	if err != nil {
		return crawler.CrawlPlan{}, nil, fmt.Errorf("discover frontier: %w", err)
	}
	if err := s.gate.Checkpoint(ctx); err != nil {
		return crawler.CrawlPlan{}, nil, err
	}
	var cursor *crawler.Slot
	slot, ok, err := s.deps.Store.MaxKnownSlot(ctx)
	if err != nil {
		return crawler.CrawlPlan{}, nil, fmt.Errorf("read cursor: %w", err)
	}
	if ok {
		cursor = &slot
	}
	plan, err := s.deps.Planner.Build(frontier, cursor)
	if err != nil {
		return crawler.CrawlPlan{}, nil, fmt.Errorf("build plan: %w", err)
	}
	var mapper *coordinate.Mapper
	if plan.ExpectedPages() > 0 {
		mapper, err = coordinate.NewMapper(coordinate.GeometryFromFrontier(plan.Frontier, plan.TargetPageSize))
		if err != nil {
			return crawler.CrawlPlan{}, nil, fmt.Errorf("build mapper: %w", err)
		}
	}

	s.mu.Lock()
	s.plan = &plan
	s.mu.Unlock()

	if err := s.emit(progress.Event{Kind: progress.KindPlanCreated, PlanID: plan.PlanID, ListPhaseCount: plan.ListPhaseCount()}); err != nil {
		return crawler.CrawlPlan{}, nil, err
	}
	if err := s.emit(progress.Event{Kind: progress.KindPlanHashAssigned, PlanID: plan.PlanID, PlanHash: plan.PlanHash}); err != nil {
		return crawler.CrawlPlan{}, nil, err
	}
	return plan, mapper, nil
}

// outcome totals the final result of every batch.
type outcome struct {
	completed int
	failed    int
	err       error
}

func (s *Session) execute(ctx context.Context, plan crawler.CrawlPlan, mapper *coordinate.Mapper) outcome {
	emitter := progress.EmitterFunc(func(evt progress.Event) { _ = s.emit(evt) })
	runner := s.deps.Batches(emitter)
	scope := worker.Scope{SessionID: s.id, PlanID: plan.PlanID}

	var out outcome
	for _, phase := range plan.Phases {
		if phase.ExpectedStage != crawler.StageListCollection {
			continue
		}
		if err := s.gate.Checkpoint(ctx); err != nil {
			out.err = err
			break
		}
		batches := s.register(phase)
		_ = s.emit(progress.Event{Kind: progress.KindStageStart, PlanID: plan.PlanID, PhaseIndex: phase.Index, StageType: phase.ExpectedStage})
		res := s.runPhase(ctx, runner, scope, mapper, batches)
		_ = s.emit(progress.Event{
			Kind:           progress.KindStageComplete,
			PlanID:         plan.PlanID,
			PhaseIndex:     phase.Index,
			StageType:      phase.ExpectedStage,
			ItemsProcessed: res.terminal,
			PagesCompleted: res.completed,
		})
		s.logger.Info("phase complete",
			zap.Int("phase_index", phase.Index),
			zap.String("kind", string(phase.Kind)),
			zap.Int("batches", len(batches)),
			zap.Int("pages_completed", res.completed),
			zap.Int("failed_tasks", res.failed),
		)
		out.completed += res.completed
		out.failed += res.failed
		if res.err != nil {
			out.err = res.err
			break
		}
		if s.aborted.Load() {
			break
		}
	}
	return out
}

// register adds the phase's batches to the session registry with
// session-unique IDs.
func (s *Session) register(phase crawler.PlanPhase) []crawler.Batch {
	bySource := make(map[uint32]crawler.PlannedPage, len(phase.Pages))
	for _, p := range phase.Pages {
		bySource[p.Source] = p
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crawler.Batch, 0, len(phase.Batches))
	for _, chunk := range phase.Batches {
		b := crawler.Batch{ID: len(s.batches), PhaseIndex: phase.Index, Status: crawler.BatchPending}
		for _, src := range chunk {
			b.Pages = append(b.Pages, bySource[src])
		}
		s.batches = append(s.batches, b)
		out = append(out, b)
	}
	return out
}

type phaseResult struct {
	terminal  int
	completed int
	failed    int
	err       error
}

// runPhase feeds the phase's batches to the dispatcher and drains their
// results from the data channel until every batch has settled.
func (s *Session) runPhase(ctx context.Context, runner BatchRunner, scope worker.Scope, mapper *coordinate.Mapper, batches []crawler.Batch) phaseResult {
	var res phaseResult
	if len(batches) == 0 {
		return res
	}
	// Sized to the phase so a retry enqueue from the collector never blocks.
	q := memory.NewQueue(len(batches))
	results := make(chan crawler.BatchResult, s.cfg.MaxConcurrentBatches)
	d := dispatcher.New(q, s.cfg.MaxConcurrentBatches, func(ctx context.Context, runnerID int, b crawler.Batch) {
		s.setStatus(b.ID, crawler.BatchRunning)
		s.logger.Debug("batch dispatched", zap.Int("batch_id", b.ID), zap.Int("runner", runnerID))
		results <- runner.Run(ctx, s.gate, scope, mapper, b)
	})
	go func() {
		d.Run(ctx)
		close(results)
	}()

	outstanding := 0
	for _, b := range batches {
		if err := d.Enqueue(ctx, b); err != nil {
			res.err = err
			break
		}
		outstanding++
	}
	if outstanding == 0 {
		q.Close()
	}

	attempts := make(map[int]int)
	for r := range results {
		outstanding--
		res.terminal += r.Stages[crawler.StageListCollection].Terminal()
		if s.shouldRetry(ctx, r) && attempts[r.Batch.ID] < s.cfg.BatchRetries {
			attempts[r.Batch.ID]++
			retry := r.Batch
			retry.Status = crawler.BatchPending
			if err := d.Enqueue(ctx, retry); err == nil {
				s.setStatus(retry.ID, crawler.BatchPending)
				s.logger.Info("retrying batch", zap.Int("batch_id", retry.ID), zap.Int("attempt", attempts[retry.ID]+1))
				outstanding++
				continue
			}
		}
		s.settle(r, &res)
		if outstanding == 0 {
			q.Close()
		}
	}
	if res.err == nil && ctx.Err() != nil {
		res.err = ctx.Err()
	}
	return res
}

func (s *Session) settle(r crawler.BatchResult, res *phaseResult) {
	s.setStatus(r.Batch.ID, r.Batch.Status)
	// Pages persisted before a cancel stay completed; the validator counts
	// them from batch_complete too.
	res.completed += r.PagesCompleted
	if r.Err != nil && (errors.Is(r.Err, crawler.ErrCancelled) || errors.Is(r.Err, context.Canceled)) {
		if res.err == nil {
			res.err = r.Err
		}
		return
	}
	for _, counts := range r.Stages {
		res.failed += counts.Failed
	}
	if s.cfg.PartialPageSeverity == PartialPageSession && hasAnomaly(r, progress.AnomalyPartialPage) {
		if s.aborted.CompareAndSwap(false, true) {
			s.logger.Warn("repeated partial page, cancelling remaining work", zap.Int("batch_id", r.Batch.ID))
			s.gate.Deliver(control.Cancel)
		}
	}
}

// shouldRetry reports whether a failed batch may run again. Structural
// failures and anomalies are never retried.
func (s *Session) shouldRetry(ctx context.Context, r crawler.BatchResult) bool {
	return r.Batch.Status == crawler.BatchFailed &&
		!r.Structural &&
		len(r.Anomalies) == 0 &&
		!errors.Is(r.Err, crawler.ErrCancelled) &&
		ctx.Err() == nil &&
		!s.gate.Cancelled()
}

func (s *Session) finish(ctx context.Context, out outcome, cause error) (crawler.SessionSummary, error) {
	s.mu.Lock()
	expected, planID := 0, ""
	if s.plan != nil {
		expected, planID = s.plan.ExpectedPages(), s.plan.PlanID
	}
	s.mu.Unlock()

	report := s.validator.Check(out.completed, expected)
	flags := report.MismatchFlags()
	var anomaly *crawler.PlanAnomalyError
	if errors.As(cause, &anomaly) {
		flags = addFlag(flags, anomaly.Code)
	}

	var final State
	switch {
	case s.aborted.Load():
		final = StateFailed
	case ctx.Err() != nil, errors.Is(cause, crawler.ErrCancelled), s.gate.Cancelled():
		final = StateCancelled
	case cause != nil, len(flags) > 0:
		final = StateFailed
	default:
		final = StateCompleted
	}

	summary := crawler.SessionSummary{
		SessionID:      s.id,
		PlanID:         planID,
		CompletedPages: out.completed,
		ExpectedPages:  expected,
		FailedCount:    out.failed,
		MismatchFlags:  flags,
	}

	var err error
	switch final {
	case StateCancelled:
		err = fmt.Errorf("session %s: %w", s.id, crawler.ErrCancelled)
	case StateFailed:
		err = fmt.Errorf("%w: %s", ErrSessionFailed, strings.Join(flags, ","))
		if cause != nil {
			err = fmt.Errorf("%w: %w", ErrSessionFailed, cause)
		}
	}

	s.mu.Lock()
	s.state = final
	s.summary = &summary
	s.report = &report
	s.runErr = err
	s.endedAt = s.now()
	elapsed := s.endedAt.Sub(s.startedAt)
	s.mu.Unlock()

	s.emitState(final)
	_ = s.emit(progress.Event{Kind: progress.KindSessionSummary, PlanID: planID, Summary: &summary})

	fields := []zap.Field{
		zap.String("state", string(final)),
		zap.String("plan_id", planID),
		zap.Int("completed_pages", summary.CompletedPages),
		zap.Int("expected_pages", summary.ExpectedPages),
		zap.Int("failed_count", summary.FailedCount),
		zap.Strings("mismatch_flags", flags),
		zap.Duration("elapsed", elapsed),
	}
	if final == StateCompleted {
		s.logger.Info("session completed", fields...)
	} else {
		s.logger.Warn("session ended", append(fields, zap.Error(err))...)
	}
	s.gate.Deliver(control.Cancel)
	return summary, err
}

// emit stamps evt, folds it into the validator synchronously and forwards it
// to the event bus. The validator's error is returned after forwarding.
func (s *Session) emit(evt progress.Event) error {
	evt.TS = s.now()
	evt.SessionID = s.id
	err := s.validator.Observe(evt)
	s.deps.Events.Emit(evt)
	return err
}

func (s *Session) emitState(state State) {
	_ = s.emit(progress.Event{Kind: progress.KindSessionState, PlanID: s.planID(), Status: string(state)})
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.CanTransition(to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, s.state, to)
	}
	s.state = to
	return nil
}

func (s *Session) setStatus(batchID int, status crawler.BatchStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if batchID >= 0 && batchID < len(s.batches) {
		s.batches[batchID].Status = status
	}
}

func (s *Session) planID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.plan == nil {
		return ""
	}
	return s.plan.PlanID
}

func (s *Session) now() time.Time {
	if s.deps.Clock == nil {
		return time.Now().UTC()
	}
	return s.deps.Clock.Now()
}

func hasAnomaly(r crawler.BatchResult, label string) bool {
	for _, a := range r.Anomalies {
		if a == label {
			return true
		}
	}
	return false
}

func addFlag(flags []string, flag string) []string {
	for _, f := range flags {
		if f == flag {
			return flags
		}
	}
	flags = append(flags, flag)
	sort.Strings(flags)
	return flags
}
