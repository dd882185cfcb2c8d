// Package memory provides the bounded in-process queue that hands batches to
// the session's batch runners.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory batch queue with context-aware operations.
// Producers block while it is full.
type Queue struct {
	ch      chan crawler.Batch
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		ch: make(chan crawler.Batch, capacity),
	}
}

// Enqueue pushes a batch into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, batch crawler.Batch) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- batch:
		return nil
	}
}

// Dequeue pops the next batch, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (crawler.Batch, error) {
	select {
	case <-ctx.Done():
		return crawler.Batch{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case batch, ok := <-q.ch:
		if !ok {
			return crawler.Batch{}, ErrClosed
		}
		return batch, nil
	}
}

// Len reports the number of queued batches.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting batches. Queued batches can still be dequeued.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
