package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
	"github.com/JakeFAU/certcatalog-crawler/internal/queue/memory"
)

func TestDispatcherDrainsQueue(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(2)
	var (
		mu      sync.Mutex
		seen    []int
		active  atomic.Int32
		maxSeen atomic.Int32
	)
	d := New(q, 2, func(_ context.Context, _ int, b crawler.Batch) {
		n := active.Add(1)
		defer active.Add(-1)
		if n > maxSeen.Load() {
			maxSeen.Store(n)
		}
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		seen = append(seen, b.ID)
		mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		d.Run(context.Background())
		close(done)
	}()
	for i := 0; i < 6; i++ {
		require.NoError(t, d.Enqueue(context.Background(), crawler.Batch{ID: i}))
	}
	q.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after the queue closed")
	}
	require.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5}, seen)
	require.LessOrEqual(t, maxSeen.Load(), int32(2))
}

// TestDispatcherRunStopsOnCancel ensures runners exit when ctx ends.
func TestDispatcherRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{}, 1)}
	dispatch := New(queue, 1, func(context.Context, int, crawler.Batch) {})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	select {
	case <-queue.started:
	case <-time.After(time.Second):
		t.Fatal("runner did not begin dequeuing")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	dispatch := New(&errorQueue{err: errors.New("boom")}, 1, nil)
	err := dispatch.Enqueue(context.Background(), crawler.Batch{ID: 1})
	require.EqualError(t, err, "queue enqueue: boom")
}

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Enqueue(context.Context, crawler.Batch) error {
	return nil
}

func (q *blockingQueue) Dequeue(ctx context.Context) (crawler.Batch, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return crawler.Batch{}, fmt.Errorf("blocking dequeue canceled: %w", ctx.Err())
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, crawler.Batch) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (crawler.Batch, error) {
	return crawler.Batch{}, q.err
}
