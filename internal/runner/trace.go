package runner

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/palantir/palantir-compute-module-structured-extract/internal/completion"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/redact"
)

type traceKey struct{}

type traceInfo struct {
	runID string
	file  string
}

func withTrace(ctx context.Context, runID, file string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceInfo{runID: runID, file: file})
}

func traceFrom(ctx context.Context) traceInfo {
	ti, _ := ctx.Value(traceKey{}).(traceInfo)
	if ti.runID == "" {
		ti.runID = "-"
	}
	return ti
}

// tracedCaller logs every completion attempt. Document contents and model
// output are never logged, only their sizes.
type tracedCaller struct {
	next           completion.Caller
	logger         *log.Logger
	maxRetries     int
	requestTimeout time.Duration

	mu       sync.Mutex
	attempts map[string]int
}

func newTracedCaller(next completion.Caller, logger *log.Logger, opts Options) *tracedCaller {
	return &tracedCaller{
		next:           next,
		logger:         logger,
		maxRetries:     opts.MaxRetries,
		requestTimeout: opts.RequestTimeout,
		attempts:       make(map[string]int),
	}
}

func (t *tracedCaller) Call(ctx context.Context, req completion.Request) (json.RawMessage, error) {
	ti := traceFrom(ctx)
	attempt := t.nextAttempt(ti.runID + "|" + req.Name + "|" + ti.file)

	deadlineIn := "none"
	if d, ok := ctx.Deadline(); ok {
		deadlineIn = time.Until(d).Round(time.Millisecond).String()
	}
	t.logger.Printf(
		"run=%s completion request: contract=%s file=%q attempt=%d timeout=%s deadlineIn=%s inputBytes=%d",
		ti.runID,
		req.Name,
		ti.file,
		attempt,
		t.requestTimeout,
		deadlineIn,
		len(req.User),
	)

	start := time.Now()
	out, err := t.next.Call(ctx, req)
	elapsed := time.Since(start).Round(time.Millisecond)

	if err != nil {
		retryable := isTransient(err)
		willRetry := retryable && attempt <= t.maxRetries
		t.logger.Printf(
			"run=%s completion response: contract=%s file=%q attempt=%d duration=%s status=error retryable=%t willRetry=%t error=%q",
			ti.runID,
			req.Name,
			ti.file,
			attempt,
			elapsed,
			retryable,
			willRetry,
			redact.Error(err),
		)
		return out, err
	}

	t.logger.Printf(
		"run=%s completion response: contract=%s file=%q attempt=%d duration=%s status=ok responseBytes=%d",
		ti.runID,
		req.Name,
		ti.file,
		attempt,
		elapsed,
		len(out),
	)
	return out, nil
}

func (t *tracedCaller) nextAttempt(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts[key]++
	return t.attempts[key]
}

// forget drops attempt counters of a finished run.
func (t *tracedCaller) forget(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prefix := runID + "|"
	for k := range t.attempts {
		if strings.HasPrefix(k, prefix) {
			delete(t.attempts, k)
		}
	}
}
