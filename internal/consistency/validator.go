// Package consistency checks a session's event stream and the record store
// against the crawl invariants. The same Validator runs live, fed
// synchronously by the session, and offline over an archived event log.
package consistency

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
	"github.com/JakeFAU/certcatalog-crawler/internal/progress"
)

// Severity ranks a finding.
type Severity string

// Severities. Warnings never become mismatch flags.
const (
	SeverityFatal   Severity = "fatal"
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Finding codes.
const (
	CodeDuplicatePlan      = "duplicate_plan"
	CodeMissingPlan        = "missing_plan"
	CodeDuplicatePlanHash  = "duplicate_plan_hash"
	CodeMissingPlanHash    = "missing_plan_hash"
	CodeStageCountMismatch = "stage_count_mismatch"
	CodeBatchCountMismatch = "batch_count_mismatch"
	CodePageOrder          = "page_order"
	CodePageRepeated       = "page_repeated"
	CodePartialRepeated    = "partial_page_repeated"
	CodePartialBudget      = "partial_page_budget"
	CodeCompletedPages     = "completed_pages_out_of_range"
	CodeLifecycleMismatch  = "lifecycle_mismatch"
	CodeMissingSummary     = "missing_summary"
	CodeNullMismatch       = "null_mismatch"
	CodeIdentityMismatch   = "identity_mismatch"
	CodeSlotDuplicate      = "slot_duplicate"
)

// Finding is one violated invariant.
type Finding struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail"`
}

// Report is the verdict for a session.
type Report struct {
	SessionID string    `json:"session_id"`
	PlanID    string    `json:"plan_id"`
	Findings  []Finding `json:"findings"`
	Stats     Stats     `json:"stats"`
}

// Stats are the raw counts the verdict is based on.
type Stats struct {
	PlanCreated       int `json:"plan_created"`
	PlanHashAssigned  int `json:"plan_hash_assigned"`
	ListPhaseCount    int `json:"list_phase_count"`
	StageStarts       int `json:"stage_starts"`
	StageCompletes    int `json:"stage_completes"`
	BatchStarts       int `json:"batch_starts"`
	BatchCompletes    int `json:"batch_completes"`
	BatchPagesDone    int `json:"batch_pages_completed"`
	DetailStarted     int `json:"detail_started"`
	DetailSucceeded   int `json:"detail_succeeded"`
	DetailFailed      int `json:"detail_failed"`
	PartialReincluded int `json:"partial_reincluded"`
	PartialPages      int `json:"partial_pages"`
	Anomalies         int `json:"anomalies"`
}

// MismatchFlags returns the distinct codes of non-warning findings, sorted.
func (r Report) MismatchFlags() []string {
	seen := make(map[string]struct{})
	flags := []string{}
	for _, f := range r.Findings {
		if f.Severity == SeverityWarning {
			continue
		}
		if _, ok := seen[f.Code]; ok {
			continue
		}
		seen[f.Code] = struct{}{}
		flags = append(flags, f.Code)
	}
	sort.Strings(flags)
	return flags
}

// OK reports whether the session passed every hard check.
func (r Report) OK() bool {
	return len(r.MismatchFlags()) == 0
}

// Validator accumulates events. It is safe for concurrent use.
type Validator struct {
	mu sync.Mutex

	sessionID string
	planID    string
	stats     Stats
	findings  []Finding

	lastPagesDone map[int]int
	pagePhase     map[uint32]int
	reincluded    map[int]map[uint32]int
	partialPages  map[uint32]struct{}
	partialSev    Severity
	summary       *crawler.SessionSummary
}

// Option configures a Validator.
type Option func(*Validator)

// WithPartialPageSeverity sets the severity of a session re-including more
// than one short page. Warnings are reported without becoming flags.
func WithPartialPageSeverity(sev Severity) Option {
	return func(v *Validator) { v.partialSev = sev }
}

// New returns an empty Validator. More than one re-included page is an error
// unless WithPartialPageSeverity says otherwise.
func New(opts ...Option) *Validator {
	v := &Validator{
		lastPagesDone: make(map[int]int),
		pagePhase:     make(map[uint32]int),
		reincluded:    make(map[int]map[uint32]int),
		partialPages:  make(map[uint32]struct{}),
		partialSev:    SeverityError,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Emit implements progress.Emitter; findings are kept for Finalize.
func (v *Validator) Emit(evt progress.Event) {
	_ = v.Observe(evt)
}

// Observe folds one event into the verdict. It returns a
// *crawler.PlanAnomalyError when the event is fatal for the session.
func (v *Validator) Observe(evt progress.Event) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.sessionID == "" {
		v.sessionID = evt.SessionID
	}
	switch evt.Kind {
	case progress.KindPlanCreated:
		v.stats.PlanCreated++
		if v.stats.PlanCreated > 1 {
			detail := fmt.Sprintf("plan_created seen %d times (plan %s)", v.stats.PlanCreated, evt.PlanID)
			v.add(CodeDuplicatePlan, SeverityFatal, detail)
			return &crawler.PlanAnomalyError{Code: CodeDuplicatePlan, Detail: detail, Err: crawler.ErrPlanAlreadyBuilt}
		}
		v.planID = evt.PlanID
		v.stats.ListPhaseCount = evt.ListPhaseCount
	case progress.KindPlanHashAssigned:
		v.stats.PlanHashAssigned++
		if v.stats.PlanHashAssigned > 1 {
			v.add(CodeDuplicatePlanHash, SeverityError, "plan_hash_assigned emitted more than once")
		}
	case progress.KindStageStart:
		v.stats.StageStarts++
	case progress.KindStageComplete:
		v.stats.StageCompletes++
	case progress.KindBatchStart:
		v.stats.BatchStarts++
		v.reincluded[evt.BatchID] = make(map[uint32]int)
		v.checkPages(evt)
	case progress.KindBatchComplete:
		v.stats.BatchCompletes++
		v.lastPagesDone[evt.BatchID] = evt.PagesCompleted
	case progress.KindTaskLifecycle:
		v.countLifecycle(evt)
	case progress.KindPartialPage:
		v.stats.PartialReincluded++
		runs := v.reincluded[evt.BatchID]
		if runs == nil {
			runs = make(map[uint32]int)
			v.reincluded[evt.BatchID] = runs
		}
		runs[evt.Page]++
		v.partialPages[evt.Page] = struct{}{}
		if runs[evt.Page] > 1 {
			v.add(CodePartialRepeated, SeverityError, fmt.Sprintf("page %d re-included %d times in batch %d", evt.Page, runs[evt.Page], evt.BatchID))
		}
	case progress.KindAnomaly:
		v.stats.Anomalies++
		v.add(evt.Anomaly, SeverityError, anomalyDetail(evt))
	case progress.KindSessionSummary:
		if evt.Summary != nil {
			s := *evt.Summary
			v.summary = &s
		}
	}
	return nil
}

// checkPages enforces newest-to-oldest order inside a batch and forbids a
// page from appearing in two phases.
func (v *Validator) checkPages(evt progress.Event) {
	for i, p := range evt.Pages {
		if i > 0 && p <= evt.Pages[i-1] {
			v.add(CodePageOrder, SeverityError, fmt.Sprintf("batch %d lists page %d after page %d", evt.BatchID, p, evt.Pages[i-1]))
		}
		if phase, ok := v.pagePhase[p]; ok && phase != evt.PhaseIndex {
			v.add(CodePageRepeated, SeverityError, fmt.Sprintf("page %d scheduled in phases %d and %d", p, phase, evt.PhaseIndex))
			continue
		}
		v.pagePhase[p] = evt.PhaseIndex
	}
}

func (v *Validator) countLifecycle(evt progress.Event) {
	if evt.Task == nil || evt.Task.Context.StageType != crawler.StageDetailCollection {
		return
	}
	switch evt.Task.Event {
	case progress.LifecycleStarted:
		v.stats.DetailStarted++
	case progress.LifecycleSucceeded:
		v.stats.DetailSucceeded++
	case progress.LifecycleFailed:
		v.stats.DetailFailed++
	}
}

// Check produces the verdict using the session's own page totals.
func (v *Validator) Check(completedPages, expectedPages int) Report {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.report(completedPages, expectedPages)
}

// Finalize produces the verdict using the totals of the observed
// session_summary event.
func (v *Validator) Finalize() Report {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.summary == nil {
		r := v.report(0, 0)
		r.Findings = append(r.Findings, Finding{Code: CodeMissingSummary, Severity: SeverityError, Detail: "no session_summary event"})
		return r
	}
	r := v.report(v.summary.CompletedPages, v.summary.ExpectedPages)
	if r.PlanID == "" {
		r.PlanID = v.summary.PlanID
	}
	return r
}

func (v *Validator) report(completed, expected int) Report {
	findings := append([]Finding(nil), v.findings...)
	add := func(code string, sev Severity, detail string) {
		findings = append(findings, Finding{Code: code, Severity: sev, Detail: detail})
	}
	s := v.stats

	switch {
	case s.PlanCreated == 0:
		add(CodeMissingPlan, SeverityFatal, "no plan_created event")
	case s.PlanHashAssigned == 0:
		add(CodeMissingPlanHash, SeverityError, "no plan_hash_assigned event")
	}
	if s.StageStarts != s.ListPhaseCount || s.StageCompletes != s.ListPhaseCount {
		add(CodeStageCountMismatch, SeverityError, fmt.Sprintf("list phases %d, stage_start %d, stage_complete %d",
			s.ListPhaseCount, s.StageStarts, s.StageCompletes))
	}
	if s.BatchStarts != s.BatchCompletes {
		add(CodeBatchCountMismatch, SeverityError, fmt.Sprintf("batch_start %d, batch_complete %d", s.BatchStarts, s.BatchCompletes))
	}
	done := 0
	for _, n := range v.lastPagesDone {
		done += n
	}
	s.BatchPagesDone = done
	if done > completed || completed > expected {
		add(CodeCompletedPages, SeverityError, fmt.Sprintf("batch pages %d, completed %d, expected %d", done, completed, expected))
	}
	// A retried batch re-includes the same page again, so distinct pages are
	// counted.
	s.PartialPages = len(v.partialPages)
	if s.PartialPages > 1 {
		add(CodePartialBudget, v.partialSev, fmt.Sprintf("%d pages re-included as partial, at most one allowed", s.PartialPages))
	}
	if s.DetailStarted != s.DetailSucceeded+s.DetailFailed {
		add(CodeLifecycleMismatch, SeverityWarning, fmt.Sprintf("detail started %d, succeeded %d, failed %d",
			s.DetailStarted, s.DetailSucceeded, s.DetailFailed))
	}
	return Report{SessionID: v.sessionID, PlanID: v.planID, Findings: findings, Stats: s}
}

// Consume implements progress.Sink so the validator can be attached to a hub
// or fed an archived log.
func (v *Validator) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		_ = v.Observe(evt)
	}
	return nil
}

// Close implements progress.Sink.
func (v *Validator) Close(context.Context) error { return nil }

func (v *Validator) add(code string, sev Severity, detail string) {
	v.findings = append(v.findings, Finding{Code: code, Severity: sev, Detail: detail})
}

func anomalyDetail(evt progress.Event) string {
	if evt.Note != "" {
		return fmt.Sprintf("batch %d: %s", evt.BatchID, evt.Note)
	}
	return fmt.Sprintf("batch %d", evt.BatchID)
}
