package stage

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/certcatalog-crawler/internal/control"
	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
)

// runPool runs tasks on at most limit goroutines and gathers their results
// over a bounded channel. The gate is checked before every dispatch; once it
// reports an error no further task starts, while tasks already running finish.
// Results arrive in completion order.
func runPool[T, R any](
	ctx context.Context,
	gate *control.Gate,
	limit int,
	stage crawler.StageType,
	tasks []T,
	run func(context.Context, string, T) R,
) ([]R, error) {
	if limit < 1 {
		limit = 1
	}
	ids := make(chan string, limit)
	for i := 0; i < limit; i++ {
		ids <- fmt.Sprintf("%s-%d", stage, i)
	}

	out := make(chan R, limit)
	collected := make(chan []R, 1)
	go func() {
		results := make([]R, 0, len(tasks))
		for r := range out {
			results = append(results, r)
		}
		collected <- results
	}()

	var (
		g       errgroup.Group
		stopErr error
	)
	g.SetLimit(limit)
	for _, task := range tasks {
		if err := gate.Checkpoint(ctx); err != nil {
			stopErr = err
			break
		}
		g.Go(func() error {
			id := <-ids
			defer func() { ids <- id }()
			out <- run(ctx, id, task)
			return nil
		})
	}
	_ = g.Wait()
	close(out)
	return <-collected, stopErr
}
