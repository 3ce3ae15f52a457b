package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/palantir/palantir-compute-module-structured-extract/internal/extract"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/redact"
)

// ProjectResult is the outcome of one project in RunAll.
type ProjectResult struct {
	ProjectID string
	Title     string
	Summary   Summary
	Err       error
}

// RunAll runs several projects concurrently on at most Options.Workers
// goroutines. Projects own disjoint files, so they proceed independently and a
// failing project does not stop the others. Results keep the input order;
// projects never started because ctx ended carry ctx.Err().
func (r *Runner) RunAll(ctx context.Context, projects []*extract.Project, ro RunOptions) []ProjectResult {
	runStart := time.Now()
	out := make([]ProjectResult, len(projects))
	started := make([]bool, len(projects))

	forEach(ctx, len(projects), r.opts.Workers, func(ctx context.Context, i int) {
		p := projects[i]
		started[i] = true
		sum, err := r.RunProject(ctx, p, ro)
		out[i] = ProjectResult{ProjectID: p.ID, Title: p.Title, Summary: sum, Err: err}
	})

	okCount, failed := 0, 0
	for i, p := range projects {
		if !started[i] {
			err := ctx.Err()
			if err == nil {
				err = errors.New("not started")
			}
			out[i] = ProjectResult{ProjectID: p.ID, Title: p.Title, Err: err}
		}
		if out[i].Err != nil {
			failed++
			r.logger.Printf("run=%s project failed: project=%s title=%q error=%q", out[i].Summary.RunID, p.ID, p.Title, redact.Error(out[i].Err))
			continue
		}
		okCount++
	}
	r.logger.Printf(
		"run all complete: projects=%d ok=%d failed=%d workers=%d duration=%s",
		len(projects),
		okCount,
		failed,
		r.opts.Workers,
		time.Since(runStart).Round(time.Millisecond),
	)
	return out
}

// forEach calls fn for indexes 0..n-1 on at most workers goroutines. Each
// index is handled by exactly one goroutine. Dispatch stops once ctx is done;
// forEach returns after every dispatched call has returned.
func forEach(ctx context.Context, n, workers int, fn func(context.Context, int)) {
	if n == 0 {
		return
	}
	if workers <= 0 {
		workers = 1
	}
	if workers > n {
		workers = n
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				fn(ctx, i)
			}
		}()
	}

dispatch:
	for i := 0; i < n; i++ {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()
}
