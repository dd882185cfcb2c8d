// Package batch supervises one batch: it announces the batch, runs its stages
// and reports a single completion with the aggregated status.
package batch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/certcatalog-crawler/internal/control"
	"github.com/JakeFAU/certcatalog-crawler/internal/coordinate"
	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
	"github.com/JakeFAU/certcatalog-crawler/internal/progress"
	"github.com/JakeFAU/certcatalog-crawler/internal/worker"
)

// StageRunner runs the stages of a batch. *stage.Sequencer implements it.
type StageRunner interface {
	Run(ctx context.Context, gate *control.Gate, scope worker.Scope, mapper *coordinate.Mapper, batch crawler.Batch) crawler.BatchResult
}

// Coordinator runs batches.
type Coordinator struct {
	stages StageRunner
	events progress.Emitter
	clock  crawler.Clock
	logger *zap.Logger
}

// New constructs a Coordinator.
func New(stages StageRunner, events progress.Emitter, clock crawler.Clock, logger *zap.Logger) *Coordinator {
	if events == nil {
		events = progress.Nop
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{stages: stages, events: events, clock: clock, logger: logger.Named("batch")}
}

// Run executes batch under a child of parent. A batch whose boundary
// checkpoint fails is not started and emits nothing; otherwise exactly one
// batch_start and one batch_complete are emitted.
func (c *Coordinator) Run(ctx context.Context, parent *control.Gate, scope worker.Scope, mapper *coordinate.Mapper, batch crawler.Batch) crawler.BatchResult {
	gate := parent.Child(fmt.Sprintf("batch-%d", batch.ID))
	defer gate.Release()

	if err := gate.Checkpoint(ctx); err != nil {
		batch.Status = crawler.BatchPending
		return crawler.BatchResult{Batch: batch, Err: err}
	}

	batch.Status = crawler.BatchRunning
	start := c.now()
	c.emit(scope, batch, progress.Event{Kind: progress.KindBatchStart, Pages: batch.PageNumbers()})

	res := c.stages.Run(ctx, gate, scope, mapper, batch)
	res.Batch.Status = Status(res)
	c.emit(scope, batch, progress.Event{
		Kind:           progress.KindBatchComplete,
		Status:         string(res.Batch.Status),
		PagesCompleted: res.PagesCompleted,
	})

	fields := []zap.Field{
		zap.String("session_id", scope.SessionID),
		zap.Int("batch_id", batch.ID),
		zap.Int("phase_index", batch.PhaseIndex),
		zap.String("status", string(res.Batch.Status)),
		zap.Int("pages_completed", res.PagesCompleted),
		zap.Int("pages", len(batch.Pages)),
		zap.Duration("elapsed", c.now().Sub(start)),
	}
	if res.Batch.Status == crawler.BatchFailed {
		c.logger.Warn("batch failed", append(fields, zap.Strings("anomalies", res.Anomalies), zap.Error(res.Err))...)
	} else {
		c.logger.Info("batch completed", fields...)
	}
	return res
}

// Status derives the terminal status of a batch from its result.
func Status(res crawler.BatchResult) crawler.BatchStatus {
	if res.Err != nil || res.Structural || len(res.Anomalies) > 0 {
		return crawler.BatchFailed
	}
	for _, counts := range res.Stages {
		if counts.Failed > 0 {
			return crawler.BatchFailed
		}
	}
	return crawler.BatchCompleted
}

func (c *Coordinator) emit(scope worker.Scope, batch crawler.Batch, evt progress.Event) {
	evt.TS = c.now()
	evt.SessionID = scope.SessionID
	evt.PlanID = scope.PlanID
	evt.BatchID = batch.ID
	evt.PhaseIndex = batch.PhaseIndex
	c.events.Emit(evt)
}

func (c *Coordinator) now() time.Time {
	if c.clock == nil {
		return time.Now().UTC()
	}
	return c.clock.Now()
}
