// Package dispatcher fans batches from a queue out to a fixed pool of runners.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
)

// Queue is the bounded batch queue the dispatcher drains.
type Queue interface {
	Enqueue(ctx context.Context, batch crawler.Batch) error
	Dequeue(ctx context.Context) (crawler.Batch, error)
}

// Handler runs one batch on the runner identified by runnerID.
type Handler func(ctx context.Context, runnerID int, batch crawler.Batch)

// Dispatcher fans out queued batches to a pool of runners.
type Dispatcher struct {
	queue   Queue
	runners int
	handle  Handler
}

// New creates a Dispatcher with the given number of runners.
func New(queue Queue, runners int, handle Handler) *Dispatcher {
	if runners < 1 {
		runners = 1
	}
	return &Dispatcher{
		queue:   queue,
		runners: runners,
		handle:  handle,
	}
}

// Run starts the runners and blocks until the queue reports closed (or any
// dequeue error) on every runner, or ctx ends.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.runners; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for {
				batch, err := d.queue.Dequeue(ctx)
				if err != nil {
					return
				}
				d.handle(ctx, id, batch)
			}
		}(i)
	}
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, batch crawler.Batch) error {
	if err := d.queue.Enqueue(ctx, batch); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
