// Package worker executes single crawl tasks (list page, detail page, record
// write) under the retry policy and reports their lifecycle on the event
// channel.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/certcatalog-crawler/internal/coordinate"
	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
	"github.com/JakeFAU/certcatalog-crawler/internal/hash/sha256"
	"github.com/JakeFAU/certcatalog-crawler/internal/progress"
)

// Limiter spaces outbound requests.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Scope ties a task to its session and plan for event reporting.
type Scope struct {
	SessionID string
	PlanID    string
}

// ListTask collects item references from one listing page.
type ListTask struct {
	Scope
	BatchID int
	Page    crawler.PlannedPage
	URL     string
}

// ListResult is the outcome of a ListTask.
type ListResult struct {
	Task  ListTask
	Items []crawler.RawItemRef
	Err   error
}

// DetailTask fetches and extracts one record.
type DetailTask struct {
	Scope
	BatchID int
	Page    uint32
	Ref     crawler.RawItemRef
	Slot    crawler.Slot
}

// DetailResult is the outcome of a DetailTask.
type DetailResult struct {
	Task   DetailTask
	Record crawler.Record
	Err    error
}

// PersistTask writes one record discovered on Page.
type PersistTask struct {
	Scope
	BatchID int
	Page    uint32
	Record  crawler.Record
}

// PersistResult is the outcome of a PersistTask.
type PersistResult struct {
	Task    PersistTask
	Outcome crawler.UpsertOutcome
	Err     error
}

// Deps groups the collaborators a Worker needs.
type Deps struct {
	Fetch   crawler.FetchProvider
	Parse   crawler.ParseProvider
	Store   crawler.RecordStore
	Hasher  crawler.Hasher
	Clock   crawler.Clock
	IDs     crawler.IDGenerator
	Retry   *crawler.RetryPolicy
	Limiter Limiter
	Events  progress.Emitter
	Logger  *zap.Logger
}

// Worker runs tasks. It holds no per-task state and is safe for concurrent use.
type Worker struct {
	fetch   crawler.FetchProvider
	parse   crawler.ParseProvider
	store   crawler.RecordStore
	hasher  crawler.Hasher
	clock   crawler.Clock
	ids     crawler.IDGenerator
	retry   *crawler.RetryPolicy
	limiter Limiter
	events  progress.Emitter
	logger  *zap.Logger
}

// New constructs a Worker.
func New(d Deps) *Worker {
	if d.Retry == nil {
		d.Retry = crawler.NewRetryPolicy()
	}
	if d.Events == nil {
		d.Events = progress.Nop
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Worker{
		fetch:   d.Fetch,
		parse:   d.Parse,
		store:   d.Store,
		hasher:  d.Hasher,
		clock:   d.Clock,
		ids:     d.IDs,
		retry:   d.Retry,
		limiter: d.Limiter,
		events:  d.Events,
		logger:  d.Logger.Named("worker"),
	}
}

// RunList fetches a listing page and returns its strictly matched items.
func (w *Worker) RunList(ctx context.Context, workerID string, task ListTask) ListResult {
	tc := w.taskContext(task.BatchID, crawler.StageListCollection, workerID)
	var items []crawler.RawItemRef
	err := w.execute(ctx, task.Scope, tc, task.URL, func(ctx context.Context) (int, error) {
		raw, err := w.get(ctx, task.URL)
		if err != nil {
			return 0, err
		}
		refs, err := w.parse.ParseList(raw)
		if err != nil {
			return 0, err
		}
		items = refs
		return len(refs), nil
	})
	return ListResult{Task: task, Items: items, Err: err}
}

// RunDetail fetches a detail page and builds the record for its slot.
func (w *Worker) RunDetail(ctx context.Context, workerID string, task DetailTask) DetailResult {
	tc := w.taskContext(task.BatchID, crawler.StageDetailCollection, workerID)
	var rec crawler.Record
	err := w.execute(ctx, task.Scope, tc, task.Ref.URL, func(ctx context.Context) (int, error) {
		raw, err := w.get(ctx, task.Ref.URL)
		if err != nil {
			return 0, err
		}
		fields, err := w.parse.ParseDetail(raw)
		if err != nil {
			return 0, err
		}
		if fields.SourceKey == "" {
			fields.SourceKey = task.Ref.SourceKey
		}
		if fields.SourceKey == "" {
			return 0, &crawler.ParseError{URL: task.Ref.URL, Reason: "record has no source key"}
		}
		if fields.URL == "" {
			fields.URL = task.Ref.URL
		}
		hash, err := sha256.ContentHash(w.hasher, fields)
		if err != nil {
			return 0, err
		}
		slot := task.Slot
		rec = crawler.Record{Slot: &slot, Fields: fields, ContentHash: hash}
		return 1, nil
	})
	return DetailResult{Task: task, Record: rec, Err: err}
}

// RunPersist upserts a record under its derived identity.
func (w *Worker) RunPersist(ctx context.Context, workerID string, task PersistTask) PersistResult {
	tc := w.taskContext(task.BatchID, crawler.StagePersistence, workerID)
	id, ok := coordinate.RecordIdentity(task.Record)
	var outcome crawler.UpsertOutcome
	err := w.execute(ctx, task.Scope, tc, string(id), func(ctx context.Context) (int, error) {
		if !ok {
			return 0, &crawler.PlanAnomalyError{Code: "missing_slot", Detail: task.Record.Fields.SourceKey}
		}
		out, err := w.store.Upsert(ctx, id, task.Record)
		if err != nil {
			return 0, err
		}
		outcome = out
		return 1, nil
	})
	return PersistResult{Task: task, Outcome: outcome, Err: err}
}

func (w *Worker) get(ctx context.Context, url string) (crawler.RawPage, error) {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx, url); err != nil {
			return crawler.RawPage{}, &crawler.FetchError{URL: url, Err: err}
		}
	}
	return w.fetch.Fetch(ctx, url)
}

// execute drives one task through Started, Retrying and a single terminal
// transition. The returned error is nil only on success.
func (w *Worker) execute(
	ctx context.Context,
	scope Scope,
	tc crawler.TaskContext,
	target string,
	attempt func(context.Context) (int, error),
) error {
	start := w.now()
	w.emit(scope, tc, progress.TaskLifecycle{Event: progress.LifecycleStarted, Target: target})
	for n := 1; ; n++ {
		items, err := attempt(ctx)
		if err == nil {
			w.emit(scope, tc, progress.TaskLifecycle{
				Event:          progress.LifecycleSucceeded,
				Target:         target,
				DurationMs:     w.now().Sub(start).Milliseconds(),
				ItemsProcessed: items,
			})
			return nil
		}
		if w.retry.ShouldRetry(err, n) {
			tc.RetryAttempt = n
			w.logger.Debug("retrying task",
				zap.String("task_id", tc.TaskID),
				zap.String("stage", string(tc.StageType)),
				zap.String("target", target),
				zap.Int("attempt", n),
				zap.Error(err),
			)
			w.emit(scope, tc, progress.TaskLifecycle{Event: progress.LifecycleRetrying, Target: target, ErrorMessage: err.Error()})
			waitErr := w.retry.Wait(ctx, n)
			if waitErr == nil {
				continue
			}
			err = fmt.Errorf("%w (backoff interrupted: %v)", err, waitErr)
		}
		w.logger.Warn("task failed",
			zap.String("task_id", tc.TaskID),
			zap.Int("batch_id", tc.BatchID),
			zap.String("stage", string(tc.StageType)),
			zap.String("target", target),
			zap.Int("attempts", n),
			zap.Error(err),
		)
		w.emit(scope, tc, progress.TaskLifecycle{
			Event:        progress.LifecycleFailed,
			Target:       target,
			DurationMs:   w.now().Sub(start).Milliseconds(),
			ErrorMessage: err.Error(),
			ErrorCode:    crawler.ErrorCode(err),
		})
		return err
	}
}

func (w *Worker) emit(scope Scope, tc crawler.TaskContext, payload progress.TaskLifecycle) {
	payload.Context = tc
	w.events.Emit(progress.Event{
		Kind:      progress.KindTaskLifecycle,
		TS:        w.now(),
		SessionID: scope.SessionID,
		PlanID:    scope.PlanID,
		BatchID:   tc.BatchID,
		StageType: tc.StageType,
		Task:      &payload,
	})
}

func (w *Worker) taskContext(batchID int, stage crawler.StageType, workerID string) crawler.TaskContext {
	taskID := ""
	if w.ids != nil {
		if id, err := w.ids.NewID(); err == nil {
			taskID = id
		}
	}
	if taskID == "" {
		taskID = fmt.Sprintf("%s-%d-%d", stage, batchID, w.now().UnixNano())
	}
	return crawler.TaskContext{TaskID: taskID, BatchID: batchID, StageType: stage, WorkerID: workerID}
}

func (w *Worker) now() time.Time {
	if w.clock == nil {
		return time.Now().UTC()
	}
	return w.clock.Now()
}

// IsSlotConflict reports whether err is a slot conflict.
func IsSlotConflict(err error) bool {
	var conflict *crawler.SlotConflictError
	return errors.As(err, &conflict)
}
