// Package tasks runs fire-and-forget background work under one supervisor so
// shutdown can wait for in-flight webhooks and releases to finish.
package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/meeboter/meeboter/internal/logging"
)

// Group supervises background goroutines. A panic in one task is logged and
// never crashes the process.
type Group struct {
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGroup builds a supervisor. Tasks inherit base; cancelling it asks every
// running task to stop.
func NewGroup(base context.Context) *Group {
	ctx, cancel := context.WithCancel(base)
	return &Group{base: ctx, cancel: cancel}
}

// Go runs fn in a new supervised goroutine. name shows up in panic logs.
func (g *Group) Go(name string, fn func(ctx context.Context)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logging.Op().Error("recovered panic in background task",
					"task", name, "panic", r)
			}
		}()
		fn(g.base)
	}()
}

// Drain cancels all tasks and waits up to timeout for them to finish.
// Returns false if some tasks were still running when the timeout hit.
func (g *Group) Drain(timeout time.Duration) bool {
	g.cancel()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		logging.Op().Warn("background tasks did not drain in time", "timeout", timeout)
		return false
	}
}
