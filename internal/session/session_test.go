package session

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/certcatalog-crawler/internal/batch"
	"github.com/JakeFAU/certcatalog-crawler/internal/clock/system"
	"github.com/JakeFAU/certcatalog-crawler/internal/consistency"
	"github.com/JakeFAU/certcatalog-crawler/internal/coordinate"
	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
	"github.com/JakeFAU/certcatalog-crawler/internal/hash/sha256"
	"github.com/JakeFAU/certcatalog-crawler/internal/id/uuid"
	"github.com/JakeFAU/certcatalog-crawler/internal/plan"
	"github.com/JakeFAU/certcatalog-crawler/internal/progress"
	"github.com/JakeFAU/certcatalog-crawler/internal/stage"
	"github.com/JakeFAU/certcatalog-crawler/internal/storage/memory"
	"github.com/JakeFAU/certcatalog-crawler/internal/worker"
)

const (
	listPrefix   = "https://catalog.test/list?page="
	detailPrefix = "https://catalog.test/cert/"
)

// catalog is a newest-first listing of total items. Item ti (counted from the
// oldest) is keyed cert-<ti>.
type catalog struct {
	mu         sync.Mutex
	total      int
	ipp        int
	short      map[uint32]int
	failDetail map[string]int
	delay      time.Duration
}

func newCatalog(total, ipp int) *catalog {
	return &catalog{total: total, ipp: ipp, short: map[uint32]int{}, failDetail: map[string]int{}}
}

func (c *catalog) grow(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total += n
}

func (c *catalog) Discover(context.Context) (crawler.Frontier, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.total == 0 {
		return crawler.Frontier{}, nil
	}
	pages := (c.total + c.ipp - 1) / c.ipp
	return crawler.Frontier{
		TotalPages:      uint32(pages),
		ItemsPerPage:    uint32(c.ipp),
		ItemsOnLastPage: uint32(c.total - (pages-1)*c.ipp),
	}, nil
}

func (c *catalog) Fetch(ctx context.Context, url string) (crawler.RawPage, error) {
	if c.delay > 0 {
		select {
		case <-ctx.Done():
			return crawler.RawPage{}, &crawler.FetchError{URL: url, Err: ctx.Err()}
		case <-time.After(c.delay):
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := path.Base(url)
	if n := c.failDetail[key]; n != 0 {
		if n > 0 {
			c.failDetail[key] = n - 1
		}
		return crawler.RawPage{}, &crawler.FetchError{URL: url, StatusCode: 503}
	}
	return crawler.RawPage{URL: url, StatusCode: 200, Body: []byte(url)}, nil
}

func (c *catalog) ParseList(page crawler.RawPage) ([]crawler.RawItemRef, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(page.URL, listPrefix))
	if err != nil {
		return nil, &crawler.ParseError{URL: page.URL, Reason: "not a listing"}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	source := uint32(n)
	count := c.ipp
	if rest := c.total - (n-1)*c.ipp; rest < count {
		count = rest
	}
	if short, ok := c.short[source]; ok {
		count = short
	}
	refs := make([]crawler.RawItemRef, 0, count)
	for i := 0; i < count; i++ {
		ti := c.total - 1 - ((n-1)*c.ipp + i)
		key := fmt.Sprintf("cert-%03d", ti)
		refs = append(refs, crawler.RawItemRef{IndexOnPage: uint32(i), URL: detailPrefix + key, SourceKey: key})
	}
	return refs, nil
}

func (c *catalog) ParseDetail(page crawler.RawPage) (crawler.RecordFields, error) {
	key := path.Base(page.URL)
	return crawler.RecordFields{SourceKey: key, URL: page.URL, Values: map[string]string{"name": "Product " + key}}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) all() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Event(nil), r.events...)
}

func (r *recorder) ofKind(kind progress.Kind) []progress.Event {
	var out []progress.Event
	for _, e := range r.all() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) started() int {
	n := 0
	for _, e := range r.ofKind(progress.KindTaskLifecycle) {
		if e.Task.Event == progress.LifecycleStarted {
			n++
		}
	}
	return n
}

func newSession(t *testing.T, cat *catalog, store *memory.RecordStore, cfg Config, events progress.Emitter) *Session {
	t.Helper()
	clock := system.New()
	retry := &crawler.RetryPolicy{MaxAttempts: 3, ParseMaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	s, err := New(cfg, Deps{
		Frontier: cat,
		Store:    store,
		Planner:  plan.NewBuilder(plan.Config{TargetPageSize: 4, BatchPages: 2}, uuid.New(), sha256.New()),
		Batches: func(events progress.Emitter) BatchRunner {
			w := worker.New(worker.Deps{
				Fetch:  cat,
				Parse:  cat,
				Store:  store,
				Hasher: sha256.New(),
				Clock:  clock,
				IDs:    uuid.New(),
				Retry:  retry,
				Events: events,
			})
			seq := stage.New(stage.Config{ListWorkers: 2, DetailWorkers: 3, PersistWorkers: 1}, w, plan.URLTemplate(listPrefix+"%d"), events, clock, nil)
			return batch.New(seq, events, clock, nil)
		},
		Events: events,
		IDs:    uuid.New(),
		Clock:  clock,
	})
	require.NoError(t, err)
	return s
}

func requireStoredAt(t *testing.T, store *memory.RecordStore, total int) {
	t.Helper()
	for ti := 0; ti < total; ti++ {
		slot := crawler.Slot{PageID: uint32(ti / 4), IndexInPage: uint32(ti % 4)}
		row, ok := store.Get(coordinate.Identity(slot))
		require.True(t, ok, "missing %s", coordinate.Identity(slot))
		require.Equal(t, fmt.Sprintf("cert-%03d", ti), row.Fields.SourceKey)
	}
}

func TestFreshFullCrawl(t *testing.T) {
	t.Parallel()

	cat := newCatalog(10, 4)
	store := memory.NewRecordStore(system.New())
	rec := &recorder{}
	s := newSession(t, cat, store, Config{MaxConcurrentBatches: 2}, rec)

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateCompleted, s.State())
	require.Equal(t, 3, summary.ExpectedPages)
	require.Equal(t, 3, summary.CompletedPages)
	require.Zero(t, summary.FailedCount)
	require.Empty(t, summary.MismatchFlags)

	require.Equal(t, 10, store.Len())
	requireStoredAt(t, store, 10)

	require.Len(t, rec.ofKind(progress.KindPlanCreated), 1)
	require.Len(t, rec.ofKind(progress.KindPlanHashAssigned), 1)
	created := rec.ofKind(progress.KindPlanCreated)[0]
	require.Len(t, rec.ofKind(progress.KindStageStart), created.ListPhaseCount)
	require.Len(t, rec.ofKind(progress.KindStageComplete), created.ListPhaseCount)
	require.Equal(t, 3, rec.ofKind(progress.KindStageComplete)[0].ItemsProcessed)
	require.Len(t, rec.ofKind(progress.KindBatchStart), 2)
	require.Len(t, rec.ofKind(progress.KindBatchComplete), 2)

	events := rec.all()
	last := events[len(events)-1]
	require.Equal(t, progress.KindSessionSummary, last.Kind)
	require.Equal(t, summary, *last.Summary)

	snap := s.Snapshot()
	require.Equal(t, created.PlanID, snap.PlanID)
	require.NotEmpty(t, snap.PlanHash)
	require.Len(t, snap.Batches, 2)
	for _, b := range snap.Batches {
		require.Equal(t, crawler.BatchCompleted, b.Status)
	}
	require.NotNil(t, snap.EndedAt)
}

func TestIncrementalCrawlKeepsSlots(t *testing.T) {
	t.Parallel()

	cat := newCatalog(10, 4)
	store := memory.NewRecordStore(system.New())
	_, err := newSession(t, cat, store, Config{MaxConcurrentBatches: 2}, nil).Run(context.Background())
	require.NoError(t, err)
	before, ok := store.Get("p0000i00")
	require.True(t, ok)

	cat.grow(5)
	rec := &recorder{}
	summary, err := newSession(t, cat, store, Config{MaxConcurrentBatches: 2}, rec).Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, summary.MismatchFlags)
	// Five new items on top of ten known ones touch only pages 1 and 2.
	require.Equal(t, 2, summary.ExpectedPages)
	require.Equal(t, 2, summary.CompletedPages)
	require.Equal(t, []uint32{1, 2}, rec.ofKind(progress.KindBatchStart)[0].Pages)

	require.Equal(t, 15, store.Len())
	requireStoredAt(t, store, 15)
	after, ok := store.Get("p0000i00")
	require.True(t, ok)
	require.Equal(t, before.UpdatedAt, after.UpdatedAt)
}

func TestExhaustedTaskFailsOnlyItself(t *testing.T) {
	t.Parallel()

	cat := newCatalog(10, 4)
	cat.failDetail["cert-004"] = -1
	store := memory.NewRecordStore(system.New())
	rec := &recorder{}
	s := newSession(t, cat, store, Config{MaxConcurrentBatches: 1}, rec)

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.FailedCount)
	// cert-004 sits on page 2, so page 2 is the only page not completed.
	require.Equal(t, 2, summary.CompletedPages)
	require.Empty(t, summary.MismatchFlags)
	require.Equal(t, 9, store.Len())
	_, ok := store.Get("p0001i00")
	require.False(t, ok)

	var lifecycle []progress.Lifecycle
	for _, e := range rec.ofKind(progress.KindTaskLifecycle) {
		if e.Task.Target == detailPrefix+"cert-004" {
			lifecycle = append(lifecycle, e.Task.Event)
		}
	}
	require.Equal(t, []progress.Lifecycle{
		progress.LifecycleStarted,
		progress.LifecycleRetrying,
		progress.LifecycleRetrying,
		progress.LifecycleFailed,
	}, lifecycle)

	snap := s.Snapshot()
	require.Equal(t, crawler.BatchFailed, snap.Batches[0].Status)
	require.Equal(t, crawler.BatchCompleted, snap.Batches[1].Status)
}

func TestFailedBatchIsRetried(t *testing.T) {
	t.Parallel()

	cat := newCatalog(10, 4)
	cat.failDetail["cert-004"] = 3
	store := memory.NewRecordStore(system.New())
	rec := &recorder{}
	s := newSession(t, cat, store, Config{MaxConcurrentBatches: 1, BatchRetries: 1}, rec)

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, summary.FailedCount)
	require.Equal(t, 3, summary.CompletedPages)
	require.Empty(t, summary.MismatchFlags)
	require.Equal(t, 10, store.Len())

	starts := 0
	for _, e := range rec.ofKind(progress.KindBatchStart) {
		if e.BatchID == 0 {
			starts++
		}
	}
	require.Equal(t, 2, starts)
	require.Equal(t, crawler.BatchCompleted, s.Snapshot().Batches[0].Status)
}

func TestRepeatedPartialPageFailsSession(t *testing.T) {
	t.Parallel()

	for _, severity := range []string{PartialPageBatch, PartialPageSession} {
		t.Run(severity, func(t *testing.T) {
			t.Parallel()

			cat := newCatalog(10, 4)
			cat.short[1] = 2
			store := memory.NewRecordStore(system.New())
			rec := &recorder{}
			s := newSession(t, cat, store, Config{MaxConcurrentBatches: 1, BatchRetries: 2, PartialPageSeverity: severity}, rec)

			summary, err := s.Run(context.Background())
			require.ErrorIs(t, err, ErrSessionFailed)
			require.Equal(t, StateFailed, s.State())
			require.Contains(t, summary.MismatchFlags, progress.AnomalyPartialPage)
			require.Len(t, rec.ofKind(progress.KindPartialPage), 1)

			// Structural failures are never retried.
			starts := 0
			for _, e := range rec.ofKind(progress.KindBatchStart) {
				if e.BatchID == 0 {
					starts++
				}
			}
			require.Equal(t, 1, starts)
			require.Len(t, rec.ofKind(progress.KindSessionSummary), 1)
		})
	}
}

func TestEmptyListingCompletes(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := newSession(t, newCatalog(0, 4), memory.NewRecordStore(system.New()), Config{}, rec)
	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, summary.ExpectedPages)
	require.Empty(t, summary.MismatchFlags)
	require.Empty(t, rec.ofKind(progress.KindStageStart))
	require.Zero(t, rec.ofKind(progress.KindPlanCreated)[0].ListPhaseCount)
}

func TestPauseStopsNewTasksUntilResume(t *testing.T) {
	t.Parallel()

	cat := newCatalog(40, 4)
	cat.delay = 10 * time.Millisecond
	rec := &recorder{}
	s := newSession(t, cat, memory.NewRecordStore(system.New()), Config{MaxConcurrentBatches: 1}, rec)

	type result struct {
		summary crawler.SessionSummary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		summary, err := s.Run(context.Background())
		done <- result{summary, err}
	}()

	require.Eventually(t, func() bool { return rec.started() > 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Pause())
	require.Equal(t, StatePaused, s.State())
	require.ErrorIs(t, s.Pause(), ErrInvalidTransition)

	time.Sleep(150 * time.Millisecond)
	paused := rec.started()
	require.Never(t, func() bool { return rec.started() > paused }, 200*time.Millisecond, 20*time.Millisecond)

	require.NoError(t, s.Resume())
	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, 10, res.summary.CompletedPages)
	require.Empty(t, res.summary.MismatchFlags)

	var states []string
	for _, e := range rec.ofKind(progress.KindSessionState) {
		states = append(states, e.Status)
	}
	require.Equal(t, []string{"preparing", "running", "paused", "running", "completed"}, states)
}

func TestCancelStopsSession(t *testing.T) {
	t.Parallel()

	cat := newCatalog(40, 4)
	cat.delay = 10 * time.Millisecond
	rec := &recorder{}
	s := newSession(t, cat, memory.NewRecordStore(system.New()), Config{MaxConcurrentBatches: 1}, rec)

	done := make(chan error, 1)
	var summary crawler.SessionSummary
	go func() {
		var err error
		summary, err = s.Run(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool { return rec.started() > 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Cancel())

	select {
	case err := <-done:
		require.ErrorIs(t, err, crawler.ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop after cancel")
	}
	require.Equal(t, StateCancelled, s.State())
	require.Less(t, summary.CompletedPages, summary.ExpectedPages)
	require.Len(t, rec.ofKind(progress.KindSessionSummary), 1)
	require.ErrorIs(t, s.Cancel(), ErrInvalidTransition)
}

func TestCancelAfterPersistedBatchKeepsTotalsConsistent(t *testing.T) {
	t.Parallel()

	cat := newCatalog(40, 4)
	cat.delay = 5 * time.Millisecond
	rec := &recorder{}
	s := newSession(t, cat, memory.NewRecordStore(system.New()), Config{MaxConcurrentBatches: 2}, rec)

	done := make(chan error, 1)
	var summary crawler.SessionSummary
	go func() {
		var err error
		summary, err = s.Run(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool { return len(rec.ofKind(progress.KindBatchComplete)) > 0 }, 5*time.Second, time.Millisecond)
	require.NoError(t, s.Cancel())

	select {
	case err := <-done:
		require.ErrorIs(t, err, crawler.ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop after cancel")
	}
	require.Equal(t, StateCancelled, s.State())
	require.Empty(t, summary.MismatchFlags)

	reported := 0
	for _, e := range rec.ofKind(progress.KindBatchComplete) {
		reported += e.PagesCompleted
	}
	require.Positive(t, reported)
	require.Equal(t, reported, summary.CompletedPages)
	require.Less(t, summary.CompletedPages, summary.ExpectedPages)
}

func TestPartialPageFindingSeverity(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		severity string
		want     consistency.Severity
	}{
		{severity: PartialPageBatch, want: consistency.SeverityWarning},
		{severity: PartialPageSession, want: consistency.SeverityError},
		{severity: "", want: consistency.SeverityWarning},
	} {
		require.Equal(t, tc.want, PartialPageFindingSeverity(tc.severity), tc.severity)
	}
}

func TestRunTwice(t *testing.T) {
	t.Parallel()

	s := newSession(t, newCatalog(4, 4), memory.NewRecordStore(system.New()), Config{}, nil)
	_, err := s.Run(context.Background())
	require.NoError(t, err)
	_, err = s.Run(context.Background())
	require.ErrorIs(t, err, ErrAlreadyStarted)
}

type failingFrontier struct{}

func (failingFrontier) Discover(context.Context) (crawler.Frontier, error) {
	return crawler.Frontier{}, &crawler.FetchError{URL: listPrefix + "1", StatusCode: 500}
}

func TestFrontierFailureFailsSession(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := newSession(t, newCatalog(4, 4), memory.NewRecordStore(system.New()), Config{}, rec)
	s.deps.Frontier = failingFrontier{}

	summary, err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrSessionFailed)
	var fetchErr *crawler.FetchError
	require.True(t, errors.As(err, &fetchErr))
	require.Equal(t, StateFailed, s.State())
	require.Contains(t, summary.MismatchFlags, "missing_plan")
	require.Empty(t, rec.ofKind(progress.KindPlanCreated))
}

type cursorStore struct {
	*memory.RecordStore
	slot crawler.Slot
}

func (c cursorStore) MaxKnownSlot(context.Context) (crawler.Slot, bool, error) {
	return c.slot, true, nil
}

func TestCursorBeyondFrontierIsFlagged(t *testing.T) {
	t.Parallel()

	s := newSession(t, newCatalog(4, 4), memory.NewRecordStore(system.New()), Config{}, nil)
	s.deps.Store = cursorStore{RecordStore: memory.NewRecordStore(system.New()), slot: crawler.Slot{PageID: 9}}

	summary, err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrSessionFailed)
	require.Contains(t, summary.MismatchFlags, plan.AnomalyCursorBeyond)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{PartialPageSeverity: "page"}, Deps{
		Frontier: newCatalog(1, 1),
		Store:    memory.NewRecordStore(nil),
		Planner:  plan.NewBuilder(plan.Config{TargetPageSize: 1}, uuid.New(), sha256.New()),
		Batches:  func(progress.Emitter) BatchRunner { return nil },
		IDs:      uuid.New(),
	})
	require.ErrorContains(t, err, "partial page severity")

	_, err = New(Config{}, Deps{})
	require.Error(t, err)
}

func TestStateTransitions(t *testing.T) {
	t.Parallel()

	require.True(t, StatePreparing.CanTransition(StateRunning))
	require.False(t, StatePreparing.CanTransition(StatePaused))
	require.True(t, StatePaused.CanTransition(StateRunning))
	require.False(t, StateCompleted.CanTransition(StateRunning))
	require.True(t, StateCancelled.Terminal())
	require.False(t, StatePaused.Terminal())

	s := newSession(t, newCatalog(4, 4), memory.NewRecordStore(system.New()), Config{}, nil)
	require.ErrorIs(t, s.Pause(), ErrInvalidTransition)
	require.ErrorIs(t, s.Resume(), ErrInvalidTransition)
}
