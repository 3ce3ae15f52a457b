package runner

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"time"

	"github.com/palantir/palantir-compute-module-structured-extract/internal/completion"
	"golang.org/x/time/rate"
)

// callWithRetry runs fn under the per-call timeout, retrying transient
// failures with exponential backoff. The timeout holds even when fn ignores
// its context: the result is abandoned and context.DeadlineExceeded returned.
func callWithRetry[T any](
	ctx context.Context,
	limiter *rate.Limiter,
	opts Options,
	fn func(context.Context) (T, error),
) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return zero, err
			}
		}

		out, err := callBounded(ctx, opts.RequestTimeout, fn)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !isTransient(err) || attempt >= opts.MaxRetries {
			return zero, err
		}

		sleep := backoffSleep(opts.BackoffInitial, opts.BackoffMax, opts.BackoffJitterFrac, attempt)
		t := time.NewTimer(sleep)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		}
	}
}

type boundedResult[T any] struct {
	out T
	err error
}

func callBounded[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan boundedResult[T], 1)
	go func() {
		out, err := fn(reqCtx)
		done <- boundedResult[T]{out: out, err: err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-reqCtx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("no response within %s: %w", timeout, context.DeadlineExceeded)
	}
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *completion.TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout() || ne.Temporary()
	}
	return false
}

func backoffSleep(initial, max time.Duration, jitterFrac float64, attempt int) time.Duration {
	sleep := initial
	for i := 0; i < attempt && sleep < max; i++ {
		sleep *= 2
		if sleep > max {
			sleep = max
			break
		}
	}
	if jitterFrac <= 0 {
		return sleep
	}
	// Apply +/- jitterFrac.
	j := 1 + (rand.Float64()*2-1)*jitterFrac
	return time.Duration(float64(sleep) * j)
}
