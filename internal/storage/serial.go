package storage

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
	"github.com/JakeFAU/certcatalog-crawler/internal/metrics"
)

var errWriterClosed = errors.New("record writer closed")

type upsertRequest struct {
	ctx   context.Context
	id    crawler.RecordIdentity
	rec   crawler.Record
	reply chan upsertReply
}

type upsertReply struct {
	outcome crawler.UpsertOutcome
	err     error
}

// SerialWriter funnels upserts through a fixed set of shard goroutines keyed by
// identity, so writes to one identity are applied one at a time and in order
// while different identities proceed in parallel.
type SerialWriter struct {
	store  crawler.RecordStore
	shards []chan upsertRequest
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewSerialWriter starts the shard goroutines.
func NewSerialWriter(store crawler.RecordStore, shards int, logger *zap.Logger) *SerialWriter {
	if shards <= 0 {
		shards = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &SerialWriter{
		store:  store,
		shards: make([]chan upsertRequest, shards),
		logger: logger.Named("writer"),
	}
	for i := range w.shards {
		w.shards[i] = make(chan upsertRequest)
		w.wg.Add(1)
		go w.run(w.shards[i])
	}
	return w
}

func (w *SerialWriter) run(requests <-chan upsertRequest) {
	defer w.wg.Done()
	for req := range requests {
		out, err := w.store.Upsert(req.ctx, req.id, req.rec)
		if err != nil {
			metrics.ObserveUpsert("error")
		} else {
			metrics.ObserveUpsert(string(out.Status))
		}
		req.reply <- upsertReply{outcome: out, err: err}
	}
}

// Upsert hands the write to the shard owning id and waits for the result.
func (w *SerialWriter) Upsert(ctx context.Context, id crawler.RecordIdentity, rec crawler.Record) (crawler.UpsertOutcome, error) {
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return crawler.UpsertOutcome{}, &crawler.StoreError{Op: "upsert", Err: errWriterClosed}
	}
	req := upsertRequest{ctx: ctx, id: id, rec: rec, reply: make(chan upsertReply, 1)}
	select {
	case w.shards[w.shard(id)] <- req:
		w.mu.RUnlock()
	case <-ctx.Done():
		w.mu.RUnlock()
		return crawler.UpsertOutcome{}, fmt.Errorf("queue upsert %s: %w", id, ctx.Err())
	}
	reply := <-req.reply
	return reply.outcome, reply.err
}

// MaxKnownSlot reads through to the underlying store.
func (w *SerialWriter) MaxKnownSlot(ctx context.Context) (crawler.Slot, bool, error) {
	return w.store.MaxKnownSlot(ctx)
}

// Scan reads through to the underlying store.
func (w *SerialWriter) Scan(ctx context.Context, fn func(crawler.StoredRecord) error) error {
	return w.store.Scan(ctx, fn)
}

// Close stops accepting writes and waits for in-flight ones to finish.
func (w *SerialWriter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	for _, ch := range w.shards {
		close(ch)
	}
	w.mu.Unlock()
	w.wg.Wait()
	w.logger.Debug("record writer drained")
}

func (w *SerialWriter) shard(id crawler.RecordIdentity) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % uint32(len(w.shards)))
}
