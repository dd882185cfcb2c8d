// Package stage runs the three stages of a batch (list collection, detail
// collection, persistence) strictly in order, each on its own bounded pool.
package stage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/certcatalog-crawler/internal/control"
	"github.com/JakeFAU/certcatalog-crawler/internal/coordinate"
	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
	"github.com/JakeFAU/certcatalog-crawler/internal/progress"
	"github.com/JakeFAU/certcatalog-crawler/internal/worker"
)

// Runner executes single tasks. *worker.Worker implements it.
type Runner interface {
	RunList(ctx context.Context, workerID string, task worker.ListTask) worker.ListResult
	RunDetail(ctx context.Context, workerID string, task worker.DetailTask) worker.DetailResult
	RunPersist(ctx context.Context, workerID string, task worker.PersistTask) worker.PersistResult
}

// Config sizes the stage pools.
type Config struct {
	ListWorkers    int
	DetailWorkers  int
	PersistWorkers int
	// StageBudget, when positive, is the time after which a still-running
	// stage is reported as a stage_timeout anomaly. The stage is not stopped.
	StageBudget time.Duration
}

// Sequencer drives batches through the stages.
type Sequencer struct {
	cfg     Config
	runner  Runner
	listURL func(uint32) string
	events  progress.Emitter
	clock   crawler.Clock
	logger  *zap.Logger
}

// New constructs a Sequencer.
func New(cfg Config, runner Runner, listURL func(uint32) string, events progress.Emitter, clock crawler.Clock, logger *zap.Logger) *Sequencer {
	if events == nil {
		events = progress.Nop
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sequencer{
		cfg:     cfg,
		runner:  runner,
		listURL: listURL,
		events:  events,
		clock:   clock,
		logger:  logger.Named("stage"),
	}
}

// Run executes every stage of batch and reports the aggregated outcome. gate
// is the batch's control gate; each stage runs under a child of it.
func (s *Sequencer) Run(ctx context.Context, gate *control.Gate, scope worker.Scope, mapper *coordinate.Mapper, batch crawler.Batch) crawler.BatchResult {
	r := &batchRun{
		s:      s,
		scope:  scope,
		mapper: mapper,
		batch:  batch,
		failed: make(map[uint32]bool),
		result: crawler.BatchResult{
			Batch:  batch,
			Stages: make(map[crawler.StageType]crawler.StageCounts, len(crawler.Stages)),
		},
	}
	if err := r.checkRange(); err != nil {
		return r.abort(progress.AnomalyRangeLoop, err)
	}

	items, err := r.collectLists(ctx, gate)
	if err != nil {
		return r.finish(err)
	}
	records, err := r.collectDetails(ctx, gate, items)
	if err != nil {
		return r.finish(err)
	}
	err = r.persist(ctx, gate, records)
	return r.finish(err)
}

type batchRun struct {
	s      *Sequencer
	scope  worker.Scope
	mapper *coordinate.Mapper
	batch  crawler.Batch

	mu        sync.Mutex
	result    crawler.BatchResult
	failed    map[uint32]bool
	collected map[uint32]bool
	// persisted is set once the persistence pool has returned; pages never
	// offered to it are not completed.
	persisted bool
}

// checkRange rejects pages outside the frontier or out of descending order.
func (r *batchRun) checkRange() error {
	geo := r.mapper.Geometry()
	var prev uint32
	for i, p := range r.batch.Pages {
		if p.Source == 0 || p.Source > geo.TotalPages {
			return rangeErr(fmt.Sprintf("page %d outside frontier of %d pages", p.Source, geo.TotalPages))
		}
		if p.Ordinal != geo.TotalPages-p.Source+1 {
			return rangeErr(fmt.Sprintf("page %d carries ordinal %d", p.Source, p.Ordinal))
		}
		if i > 0 && p.Ordinal >= prev {
			return rangeErr(fmt.Sprintf("page %d dispatched out of descending order", p.Source))
		}
		prev = p.Ordinal
	}
	return nil
}

func (r *batchRun) collectLists(ctx context.Context, gate *control.Gate) (map[uint32][]crawler.RawItemRef, error) {
	st, err := r.begin(ctx, gate, crawler.StageListCollection)
	if err != nil {
		return nil, err
	}
	defer st.gate.Release()

	var (
		counts     crawler.StageCounts
		items      = make(map[uint32][]crawler.RawItemRef, len(r.batch.Pages))
		reincluded = make(map[uint32]bool)
		partial    []crawler.PlannedPage
		pending    = r.batch.Pages
		stopErr    error
	)
	for len(pending) > 0 && stopErr == nil && len(partial) == 0 {
		tasks := make([]worker.ListTask, len(pending))
		for i, p := range pending {
			tasks[i] = worker.ListTask{Scope: r.scope, BatchID: r.batch.ID, Page: p, URL: r.s.listURL(p.Source)}
		}
		results, err := runPool(ctx, st.gate, r.s.cfg.ListWorkers, crawler.StageListCollection, tasks, r.s.runner.RunList)
		stopErr = err

		var next []crawler.PlannedPage
		for _, res := range results {
			counts.Attempted++
			page := res.Task.Page
			if res.Err != nil {
				counts.Failed++
				r.failed[page.Source] = true
				continue
			}
			counts.Succeeded++
			if !page.Final && uint32(len(res.Items)) < page.ExpectedItems {
				if reincluded[page.Source] {
					partial = append(partial, page)
					continue
				}
				reincluded[page.Source] = true
				r.emit(progress.Event{
					Kind:           progress.KindPartialPage,
					Page:           page.Source,
					ItemsProcessed: len(res.Items),
					Note:           fmt.Sprintf("expected %d items, got %d", page.ExpectedItems, len(res.Items)),
				})
				next = append(next, page)
				continue
			}
			items[page.Source] = res.Items
		}
		sort.Slice(next, func(i, j int) bool { return next[i].Ordinal > next[j].Ordinal })
		pending = next
	}
	r.complete(st, counts)

	if len(partial) > 0 {
		for _, p := range partial[1:] {
			r.anomaly(progress.AnomalyPartialPage, fmt.Sprintf("page %d short again after re-inclusion", p.Source))
		}
		return nil, r.structural(progress.AnomalyPartialPage, &crawler.PlanAnomalyError{
			Code:   progress.AnomalyPartialPage,
			Detail: fmt.Sprintf("page %d short again after re-inclusion", partial[0].Source),
		})
	}
	r.collected = make(map[uint32]bool, len(items))
	for page := range items {
		r.collected[page] = true
	}
	return items, stopErr
}

func (r *batchRun) collectDetails(ctx context.Context, gate *control.Gate, items map[uint32][]crawler.RawItemRef) ([]worker.DetailResult, error) {
	var tasks []worker.DetailTask
	for _, p := range r.batch.Pages {
		for _, ref := range items[p.Source] {
			slot, err := r.mapper.Map(p.Source, ref.IndexOnPage)
			if err != nil {
				return nil, r.structural(progress.AnomalyRangeLoop, rangeErr(err.Error()))
			}
			tasks = append(tasks, worker.DetailTask{Scope: r.scope, BatchID: r.batch.ID, Page: p.Source, Ref: ref, Slot: slot})
		}
	}

	st, err := r.begin(ctx, gate, crawler.StageDetailCollection)
	if err != nil {
		return nil, err
	}
	defer st.gate.Release()

	results, stopErr := runPool(ctx, st.gate, r.s.cfg.DetailWorkers, crawler.StageDetailCollection, tasks, r.s.runner.RunDetail)
	var (
		counts = crawler.StageCounts{Attempted: len(results)}
		ok     = make([]worker.DetailResult, 0, len(results))
	)
	for _, res := range results {
		if res.Err != nil {
			counts.Failed++
			r.failed[res.Task.Page] = true
			continue
		}
		counts.Succeeded++
		ok = append(ok, res)
	}
	r.complete(st, counts)
	if stopErr != nil {
		r.markUndispatched(len(results), len(tasks), func(i int) uint32 { return tasks[i].Page })
	}
	return ok, stopErr
}

func (r *batchRun) persist(ctx context.Context, gate *control.Gate, details []worker.DetailResult) error {
	st, err := r.begin(ctx, gate, crawler.StagePersistence)
	if err != nil {
		return err
	}
	defer st.gate.Release()

	// Write in slot order so concurrent batches contend predictably.
	sort.Slice(details, func(i, j int) bool {
		return coordinate.Identity(details[i].Task.Slot) < coordinate.Identity(details[j].Task.Slot)
	})
	tasks := make([]worker.PersistTask, len(details))
	for i, d := range details {
		tasks[i] = worker.PersistTask{Scope: r.scope, BatchID: r.batch.ID, Page: d.Task.Page, Record: d.Record}
	}
	results, stopErr := runPool(ctx, st.gate, r.s.cfg.PersistWorkers, crawler.StagePersistence, tasks, r.s.runner.RunPersist)
	r.persisted = true
	counts := crawler.StageCounts{Attempted: len(results)}
	for _, res := range results {
		if res.Err == nil {
			counts.Succeeded++
			continue
		}
		counts.Failed++
		r.failed[res.Task.Page] = true
		if worker.IsSlotConflict(res.Err) {
			r.anomaly(progress.AnomalySlotConflict, res.Err.Error())
		}
	}
	r.complete(st, counts)
	if stopErr != nil {
		r.markUndispatched(len(results), len(tasks), func(i int) uint32 { return tasks[i].Page })
	}
	return stopErr
}

// markUndispatched fails the pages of tasks that never started.
func (r *batchRun) markUndispatched(started, total int, page func(int) uint32) {
	for i := started; i < total; i++ {
		r.failed[page(i)] = true
	}
}

type stageRun struct {
	stage crawler.StageType
	gate  *control.Gate
	timer *time.Timer
	start time.Time
}

// begin checks the stage boundary, announces the stage and arms its watchdog.
func (r *batchRun) begin(ctx context.Context, gate *control.Gate, stage crawler.StageType) (*stageRun, error) {
	if err := gate.Checkpoint(ctx); err != nil {
		return nil, err
	}
	st := &stageRun{stage: stage, gate: gate.Child(string(stage)), start: r.now()}
	r.emit(progress.Event{Kind: progress.KindBatchStageStart, StageType: stage})
	if budget := r.s.cfg.StageBudget; budget > 0 {
		st.timer = time.AfterFunc(budget, func() {
			r.anomaly(progress.AnomalyStageTimeout, fmt.Sprintf("%s still running after %s", stage, budget))
		})
	}
	return st, nil
}

func (r *batchRun) complete(st *stageRun, counts crawler.StageCounts) {
	if st.timer != nil {
		st.timer.Stop()
	}
	r.mu.Lock()
	r.result.Stages[st.stage] = counts
	r.mu.Unlock()
	r.emit(progress.Event{Kind: progress.KindBatchStageComplete, StageType: st.stage, ItemsProcessed: counts.Terminal()})
	r.s.logger.Debug("stage complete",
		zap.Int("batch_id", r.batch.ID),
		zap.String("stage", string(st.stage)),
		zap.Int("succeeded", counts.Succeeded),
		zap.Int("failed", counts.Failed),
		zap.Duration("elapsed", r.now().Sub(st.start)),
	)
}

// anomaly records a non-fatal anomaly for the batch.
func (r *batchRun) anomaly(label, note string) {
	r.emit(progress.Event{Kind: progress.KindAnomaly, Anomaly: label, Note: note})
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.result.Anomalies {
		if a == label {
			return
		}
	}
	r.result.Anomalies = append(r.result.Anomalies, label)
}

// structural records an anomaly that aborts the batch and returns err.
func (r *batchRun) structural(label string, err error) error {
	r.anomaly(label, err.Error())
	r.mu.Lock()
	r.result.Structural = true
	r.mu.Unlock()
	r.s.logger.Warn("batch aborted",
		zap.String("session_id", r.scope.SessionID),
		zap.Int("batch_id", r.batch.ID),
		zap.String("anomaly", label),
		zap.Error(err),
	)
	return err
}

func (r *batchRun) abort(label string, err error) crawler.BatchResult {
	return r.finish(r.structural(label, err))
}

func (r *batchRun) finish(err error) crawler.BatchResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.Err = err
	if !r.result.Structural && r.persisted {
		for _, p := range r.batch.Pages {
			if r.collected[p.Source] && !r.failed[p.Source] {
				r.result.PagesCompleted++
			}
		}
	}
	out := r.result
	out.Anomalies = append([]string(nil), r.result.Anomalies...)
	return out
}

func (r *batchRun) emit(evt progress.Event) {
	evt.TS = r.now()
	evt.SessionID = r.scope.SessionID
	evt.PlanID = r.scope.PlanID
	evt.BatchID = r.batch.ID
	evt.PhaseIndex = r.batch.PhaseIndex
	r.s.events.Emit(evt)
}

func (r *batchRun) now() time.Time {
	if r.s.clock == nil {
		return time.Now().UTC()
	}
	return r.s.clock.Now()
}

func rangeErr(detail string) error {
	return &crawler.PlanAnomalyError{Code: progress.AnomalyRangeLoop, Detail: detail}
}
