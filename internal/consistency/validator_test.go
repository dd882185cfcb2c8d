package consistency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
	"github.com/JakeFAU/certcatalog-crawler/internal/progress"
	"github.com/JakeFAU/certcatalog-crawler/internal/storage/memory"
)

var ts = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ev(kind progress.Kind, mutate ...func(*progress.Event)) progress.Event {
	e := progress.Event{Kind: kind, TS: ts, SessionID: "s1", PlanID: "plan-1"}
	for _, m := range mutate {
		m(&e)
	}
	return e
}

func lifecycle(stage crawler.StageType, l progress.Lifecycle) progress.Event {
	return ev(progress.KindTaskLifecycle, func(e *progress.Event) {
		e.Task = &progress.TaskLifecycle{Context: crawler.TaskContext{TaskID: "t", StageType: stage}, Event: l}
	})
}

// cleanSession is a well-formed single-phase, single-batch session.
func cleanSession() []progress.Event {
	return []progress.Event{
		ev(progress.KindPlanCreated, func(e *progress.Event) { e.ListPhaseCount = 1 }),
		ev(progress.KindPlanHashAssigned, func(e *progress.Event) { e.PlanHash = "abc" }),
		ev(progress.KindStageStart, func(e *progress.Event) { e.StageType = crawler.StageListCollection }),
		ev(progress.KindBatchStart, func(e *progress.Event) { e.BatchID = 0; e.Pages = []uint32{1, 2} }),
		lifecycle(crawler.StageDetailCollection, progress.LifecycleStarted),
		lifecycle(crawler.StageDetailCollection, progress.LifecycleSucceeded),
		ev(progress.KindBatchComplete, func(e *progress.Event) { e.BatchID = 0; e.Status = "completed"; e.PagesCompleted = 2 }),
		ev(progress.KindStageComplete, func(e *progress.Event) { e.StageType = crawler.StageListCollection; e.ItemsProcessed = 2 }),
	}
}

func observeAll(t *testing.T, v *Validator, events []progress.Event) {
	t.Helper()
	for _, e := range events {
		require.NoError(t, v.Observe(e))
	}
}

func TestCleanSessionPasses(t *testing.T) {
	t.Parallel()

	v := New()
	observeAll(t, v, cleanSession())
	r := v.Check(2, 2)
	require.True(t, r.OK(), "%+v", r.Findings)
	require.Empty(t, r.MismatchFlags())
	require.Equal(t, "plan-1", r.PlanID)
	require.Equal(t, 1, r.Stats.StageStarts)
	require.Equal(t, 2, r.Stats.BatchPagesDone)
}

func TestDuplicatePlanIsFatal(t *testing.T) {
	t.Parallel()

	v := New()
	require.NoError(t, v.Observe(ev(progress.KindPlanCreated)))
	err := v.Observe(ev(progress.KindPlanCreated))
	var anomaly *crawler.PlanAnomalyError
	require.True(t, errors.As(err, &anomaly))
	require.Equal(t, CodeDuplicatePlan, anomaly.Code)
	require.ErrorIs(t, err, crawler.ErrPlanAlreadyBuilt)
	require.Contains(t, v.Check(0, 0).MismatchFlags(), CodeDuplicatePlan)
}

func TestStageCountMismatch(t *testing.T) {
	t.Parallel()

	v := New()
	events := cleanSession()
	observeAll(t, v, events[:len(events)-1])
	require.Equal(t, []string{CodeStageCountMismatch}, v.Check(2, 2).MismatchFlags())
}

func TestBatchCountAndPagesRange(t *testing.T) {
	t.Parallel()

	v := New()
	observeAll(t, v, cleanSession())
	require.NoError(t, v.Observe(ev(progress.KindBatchStart, func(e *progress.Event) { e.BatchID = 1; e.Pages = []uint32{3} })))
	flags := v.Check(1, 3).MismatchFlags()
	require.Equal(t, []string{CodeBatchCountMismatch, CodeCompletedPages}, flags)
}

func TestRetriedBatchCountsLastCompletion(t *testing.T) {
	t.Parallel()

	v := New()
	events := cleanSession()
	observeAll(t, v, events[:4])
	observeAll(t, v, []progress.Event{
		ev(progress.KindPartialPage, func(e *progress.Event) { e.BatchID = 0; e.Page = 2 }),
		ev(progress.KindBatchComplete, func(e *progress.Event) { e.BatchID = 0; e.Status = "failed"; e.PagesCompleted = 1 }),
		ev(progress.KindBatchStart, func(e *progress.Event) { e.BatchID = 0; e.Pages = []uint32{1, 2} }),
		ev(progress.KindPartialPage, func(e *progress.Event) { e.BatchID = 0; e.Page = 2 }),
		ev(progress.KindBatchComplete, func(e *progress.Event) { e.BatchID = 0; e.Status = "completed"; e.PagesCompleted = 2 }),
		events[len(events)-1],
	})
	r := v.Check(2, 2)
	require.True(t, r.OK(), "%+v", r.Findings)
	require.Equal(t, 2, r.Stats.PartialReincluded)
}

func TestPartialPageRepeatedInOneRun(t *testing.T) {
	t.Parallel()

	v := New()
	observeAll(t, v, cleanSession())
	for i := 0; i < 2; i++ {
		require.NoError(t, v.Observe(ev(progress.KindPartialPage, func(e *progress.Event) { e.BatchID = 0; e.Page = 2 })))
	}
	require.Equal(t, []string{CodePartialRepeated}, v.Check(2, 2).MismatchFlags())
}

func TestPartialPagesAcrossBatches(t *testing.T) {
	t.Parallel()

	reincluded := []progress.Event{
		ev(progress.KindPartialPage, func(e *progress.Event) { e.BatchID = 0; e.Page = 3 }),
		ev(progress.KindPartialPage, func(e *progress.Event) { e.BatchID = 1; e.Page = 7 }),
	}

	v := New()
	observeAll(t, v, cleanSession())
	observeAll(t, v, reincluded)
	r := v.Check(2, 2)
	require.Equal(t, []string{CodePartialBudget}, r.MismatchFlags())
	require.Equal(t, 2, r.Stats.PartialPages)

	v = New(WithPartialPageSeverity(SeverityWarning))
	observeAll(t, v, cleanSession())
	observeAll(t, v, reincluded)
	r = v.Check(2, 2)
	require.True(t, r.OK(), "%+v", r.Findings)
	require.Contains(t, r.Findings, Finding{Code: CodePartialBudget, Severity: SeverityWarning, Detail: "2 pages re-included as partial, at most one allowed"})
}

func TestCancelledBatchCountsPersistedPages(t *testing.T) {
	t.Parallel()

	v := New()
	events := cleanSession()
	observeAll(t, v, events[:6])
	observeAll(t, v, []progress.Event{
		ev(progress.KindBatchComplete, func(e *progress.Event) { e.BatchID = 0; e.Status = "cancelled"; e.PagesCompleted = 1 }),
		events[len(events)-1],
	})
	r := v.Check(1, 2)
	require.True(t, r.OK(), "%+v", r.Findings)
	require.Equal(t, 1, r.Stats.BatchPagesDone)
}

func TestAnomaliesBecomeFlags(t *testing.T) {
	t.Parallel()

	v := New()
	observeAll(t, v, cleanSession())
	require.NoError(t, v.Observe(ev(progress.KindAnomaly, func(e *progress.Event) { e.Anomaly = progress.AnomalyPartialPage; e.Note = "page 2" })))
	require.NoError(t, v.Observe(ev(progress.KindAnomaly, func(e *progress.Event) { e.Anomaly = progress.AnomalyRangeLoop })))
	require.Equal(t, []string{progress.AnomalyPartialPage, progress.AnomalyRangeLoop}, v.Check(2, 2).MismatchFlags())
}

func TestPageOrderAndRepeatAcrossPhases(t *testing.T) {
	t.Parallel()

	v := New()
	observeAll(t, v, []progress.Event{
		ev(progress.KindBatchStart, func(e *progress.Event) { e.BatchID = 0; e.Pages = []uint32{2, 1} }),
		ev(progress.KindBatchStart, func(e *progress.Event) { e.BatchID = 1; e.PhaseIndex = 1; e.Pages = []uint32{2} }),
	})
	flags := v.Check(0, 0).MismatchFlags()
	require.Contains(t, flags, CodePageOrder)
	require.Contains(t, flags, CodePageRepeated)
}

func TestLostLifecycleIsWarningOnly(t *testing.T) {
	t.Parallel()

	v := New()
	observeAll(t, v, cleanSession())
	require.NoError(t, v.Observe(lifecycle(crawler.StageDetailCollection, progress.LifecycleStarted)))
	r := v.Check(2, 2)
	require.True(t, r.OK())
	require.Len(t, r.Findings, 1)
	require.Equal(t, CodeLifecycleMismatch, r.Findings[0].Code)
	require.Equal(t, SeverityWarning, r.Findings[0].Severity)
}

func TestFinalizeReplaysArchivedLog(t *testing.T) {
	t.Parallel()

	v := New()
	events := append(cleanSession(), ev(progress.KindSessionSummary, func(e *progress.Event) {
		e.Summary = &crawler.SessionSummary{SessionID: "s1", PlanID: "plan-1", CompletedPages: 2, ExpectedPages: 2}
	}))
	require.NoError(t, v.Consume(context.Background(), events))
	require.NoError(t, v.Close(context.Background()))
	require.True(t, v.Finalize().OK())

	empty := New()
	require.Contains(t, empty.Finalize().MismatchFlags(), CodeMissingSummary)
}

func TestAuditStore(t *testing.T) {
	t.Parallel()

	store := memory.NewRecordStore(nil)
	u := func(v uint32) *uint32 { return &v }
	s := func(v string) *string { return &v }
	store.Put("p0000i00", crawler.StoredRecord{Identity: s("p0000i00"), PageID: u(0), IndexInPage: u(0), SourceKey: "A"})
	store.Put("p0000i01", crawler.StoredRecord{Identity: s("p0000i02"), PageID: u(0), IndexInPage: u(1), SourceKey: "B"})
	store.Put("orphan", crawler.StoredRecord{SourceKey: "C"})
	store.Put("half", crawler.StoredRecord{PageID: u(3), SourceKey: "D"})
	store.Put("dup", crawler.StoredRecord{Identity: s("p0000i00"), PageID: u(0), IndexInPage: u(0), SourceKey: "E"})

	findings, stats, err := AuditStore(context.Background(), store)
	require.NoError(t, err)
	require.Equal(t, 5, stats.Records)
	require.Equal(t, 2, stats.Slotted)
	require.Equal(t, 1, stats.Unslotted)

	codes := map[string]int{}
	for _, f := range findings {
		codes[f.Code]++
	}
	require.Equal(t, map[string]int{CodeIdentityMismatch: 1, CodeNullMismatch: 1, CodeSlotDuplicate: 1}, codes)
}
