package sinks

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/certcatalog-crawler/internal/progress"
	"github.com/JakeFAU/certcatalog-crawler/internal/store"
)

// StoreSink persists session and batch progress via a
// store.ProgressRepository. Batch updates are collapsed per batch so a
// delivery writes each batch at most once.
type StoreSink struct {
	repo   store.ProgressRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.ProgressRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger.Named("store_sink")}
}

// Consume forwards the batch to the repository. Session rows are written in
// event order; batch rows are written after them.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	batches := make(map[batchKey]store.BatchRun)

	for _, evt := range batch {
		switch evt.Kind {
		case progress.KindSessionState:
			if err := s.repo.UpsertSessionState(ctx, evt.SessionID, evt.PlanID, evt.Status, evt.TS); err != nil {
				return fmt.Errorf("upsert session state: %w", err)
			}
		case progress.KindBatchStart:
			s.recordBatch(batches, evt, "running")
		case progress.KindBatchComplete:
			s.recordBatch(batches, evt, evt.Status)
		case progress.KindSessionSummary:
			if evt.Summary == nil {
				continue
			}
			if err := s.repo.CompleteSession(ctx, *evt.Summary, evt.TS); err != nil {
				return fmt.Errorf("complete session: %w", err)
			}
		}
	}

	keys := make([]batchKey, 0, len(batches))
	for k := range batches {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].sessionID != keys[j].sessionID {
			return keys[i].sessionID < keys[j].sessionID
		}
		return keys[i].batchID < keys[j].batchID
	})
	for _, k := range keys {
		if err := s.repo.UpsertBatch(ctx, batches[k]); err != nil {
			return fmt.Errorf("upsert batch: %w", err)
		}
	}
	return nil
}

func (s *StoreSink) recordBatch(batches map[batchKey]store.BatchRun, evt progress.Event, status string) {
	key := batchKey{sessionID: evt.SessionID, batchID: evt.BatchID}
	batches[key] = store.BatchRun{
		SessionID:      evt.SessionID,
		BatchID:        evt.BatchID,
		PhaseIndex:     evt.PhaseIndex,
		Status:         status,
		PagesCompleted: evt.PagesCompleted,
		UpdatedAt:      evt.TS,
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type batchKey struct {
	sessionID string
	batchID   int
}
