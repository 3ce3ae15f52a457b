package runner

import (
	"context"
	"errors"
	"sync"
)

// ErrRunInProgress is returned when a project is already being run.
var ErrRunInProgress = errors.New("run already in progress")

// runGuard ensures only one run of a given project ID is active at a time.
type runGuard struct {
	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

// tryLock marks id as running. Returns false if it already is.
func (g *runGuard) tryLock(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running == nil {
		g.running = make(map[string]struct{})
	}
	if _, ok := g.running[id]; ok {
		return false
	}
	g.running[id] = struct{}{}
	g.wg.Add(1)
	return true
}

// unlock must follow a successful tryLock.
func (g *runGuard) unlock(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.running, id)
	g.wg.Done()
}

func (g *runGuard) isRunning(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.running[id]
	return ok
}

// waitAll blocks until every active run ends or ctx is cancelled.
func (g *runGuard) waitAll(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
