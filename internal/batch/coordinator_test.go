package batch

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/certcatalog-crawler/internal/control"
	"github.com/JakeFAU/certcatalog-crawler/internal/coordinate"
	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
	"github.com/JakeFAU/certcatalog-crawler/internal/progress"
	"github.com/JakeFAU/certcatalog-crawler/internal/worker"
)

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

type stubStages struct {
	result crawler.BatchResult
	calls  int
	gate   *control.Gate
}

func (s *stubStages) Run(_ context.Context, gate *control.Gate, _ worker.Scope, _ *coordinate.Mapper, batch crawler.Batch) crawler.BatchResult {
	s.calls++
	s.gate = gate
	res := s.result
	res.Batch = batch
	return res
}

func testBatch() crawler.Batch {
	return crawler.Batch{ID: 4, PhaseIndex: 1, Pages: []crawler.PlannedPage{{Source: 3, Ordinal: 8}, {Source: 4, Ordinal: 7}}}
}

func TestRunEmitsStartAndCompleteOnce(t *testing.T) {
	t.Parallel()

	stages := &stubStages{result: crawler.BatchResult{
		PagesCompleted: 2,
		Stages: map[crawler.StageType]crawler.StageCounts{
			crawler.StageListCollection: {Attempted: 2, Succeeded: 2},
		},
	}}
	rec := &recorder{}
	c := New(stages, rec, nil, nil)

	res := c.Run(context.Background(), control.NewGate("session"), worker.Scope{SessionID: "s", PlanID: "p"}, nil, testBatch())
	require.Equal(t, crawler.BatchCompleted, res.Batch.Status)
	require.Len(t, rec.events, 2)

	start, done := rec.events[0], rec.events[1]
	require.Equal(t, progress.KindBatchStart, start.Kind)
	require.Equal(t, []uint32{3, 4}, start.Pages)
	require.Equal(t, "p", start.PlanID)
	require.Equal(t, 4, start.BatchID)
	require.Equal(t, 1, start.PhaseIndex)
	require.Equal(t, progress.KindBatchComplete, done.Kind)
	require.Equal(t, "completed", done.Status)
	require.Equal(t, 2, done.PagesCompleted)
	require.NoError(t, start.Validate())
	require.NoError(t, done.Validate())
}

func TestRunGivesStagesAChildGate(t *testing.T) {
	t.Parallel()

	stages := &stubStages{}
	session := control.NewGate("session")
	New(stages, nil, nil, nil).Run(context.Background(), session, worker.Scope{SessionID: "s", PlanID: "p"}, nil, testBatch())
	require.NotNil(t, stages.gate)
	require.NotSame(t, session, stages.gate)
}

func TestRunSkipsCancelledBatch(t *testing.T) {
	t.Parallel()

	gate := control.NewGate("session")
	gate.Deliver(control.Cancel)
	stages := &stubStages{}
	rec := &recorder{}

	res := New(stages, rec, nil, nil).Run(context.Background(), gate, worker.Scope{SessionID: "s", PlanID: "p"}, nil, testBatch())
	require.ErrorIs(t, res.Err, crawler.ErrCancelled)
	require.Equal(t, crawler.BatchPending, res.Batch.Status)
	require.Zero(t, stages.calls)
	require.Empty(t, rec.events)
}

func TestStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, crawler.BatchCompleted, Status(crawler.BatchResult{}))
	require.Equal(t, crawler.BatchFailed, Status(crawler.BatchResult{Anomalies: []string{"stage_timeout"}}))
	require.Equal(t, crawler.BatchFailed, Status(crawler.BatchResult{Structural: true}))
	require.Equal(t, crawler.BatchFailed, Status(crawler.BatchResult{Stages: map[crawler.StageType]crawler.StageCounts{
		crawler.StagePersistence: {Attempted: 1, Failed: 1},
	}}))
}
