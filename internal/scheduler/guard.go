package scheduler

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// RunGuard lets at most one holder run at a time. Acquire never blocks.
type RunGuard struct {
	once    sync.Once
	sem     *semaphore.Weighted
	running atomic.Bool
}

func (g *RunGuard) init() {
	g.once.Do(func() { g.sem = semaphore.NewWeighted(1) })
}

// TryAcquire returns a release func when the guard was free. Callers must
// defer the release.
func (g *RunGuard) TryAcquire() (release func(), ok bool) {
	g.init()
	if !g.sem.TryAcquire(1) {
		return nil, false
	}
	g.running.Store(true)

	var once sync.Once
	return func() {
		once.Do(func() {
			g.running.Store(false)
			g.sem.Release(1)
		})
	}, true
}

func (g *RunGuard) Running() bool {
	return g.running.Load()
}
