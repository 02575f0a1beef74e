// Package taskrunner runs a list of tasks with a fixed concurrency limit and
// collects every outcome in input order.
package taskrunner

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Worker limits used by the bundle downloader.
const (
	ResolveConcurrency  = 6
	DownloadConcurrency = 10
	FetchConcurrency    = 10
)

// Task is one unit of work.
type Task[T any] func(ctx context.Context) (T, error)

// Result is the settled outcome of a Task.
type Result[T any] struct {
	Value T
	Err   error
}

// Run starts at most limit tasks at a time, refilling each freed slot with
// the next pending task, and returns once every task has settled. A failing
// task never cancels its siblings. If ctx ends, tasks not yet started settle
// with ctx.Err() without running.
func Run[T any](ctx context.Context, limit int, tasks []Task[T]) []Result[T] {
	if limit <= 0 {
		limit = 1
	}
	results := make([]Result[T], len(tasks))
	sem := semaphore.NewWeighted(int64(limit))

	var wg sync.WaitGroup
	for i, task := range tasks {
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(tasks); j++ {
				results[j].Err = err
			}
			break
		}

		wg.Add(1)
		go func(i int, task Task[T]) {
			defer wg.Done()
			defer sem.Release(1)
			v, err := task(ctx)
			results[i] = Result[T]{Value: v, Err: err}
		}(i, task)
	}
	wg.Wait()

	return results
}

// Errors returns the non-nil errors in results, in order.
func Errors[T any](results []Result[T]) []error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errs
}

// Count returns how many results succeeded and failed.
func Count[T any](results []Result[T]) (succeeded, failed int) {
	for _, r := range results {
		if r.Err != nil {
			failed++
		} else {
			succeeded++
		}
	}
	return succeeded, failed
}
