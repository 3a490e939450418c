// Package inmem provides the default Engine: it runs a trajectory's Turn
// Loop on a plain goroutine within the current process, suitable for local
// development, tests, and any deployment that doesn't need workflow-level
// durability across process restarts.
package inmem

import (
	"context"
	"sync"

	"github.com/envoi-run/trajectory/engine"
	"github.com/envoi-run/trajectory/trajectory"
)

// Engine implements engine.Engine by running each request's Loop on its own
// goroutine.
type Engine struct{}

// New constructs an in-process Engine.
func New() *Engine { return &Engine{} }

var _ engine.Engine = (*Engine)(nil)

// Start launches req.Loop.Run on a new goroutine.
func (e *Engine) Start(ctx context.Context, req engine.RunRequest) (engine.Handle, error) {
	runCtx, cancel := context.WithCancel(ctx)
	h := &handle{cancel: cancel}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		end, err := req.Loop.Run(runCtx, req.InitialPrompt)
		h.mu.Lock()
		h.end, h.err = end, err
		h.mu.Unlock()
	}()
	return h, nil
}

type handle struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu  sync.Mutex
	end *trajectory.SessionEnd
	err error
}

func (h *handle) Wait(ctx context.Context) (*trajectory.SessionEnd, error) {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.end, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *handle) Cancel(ctx context.Context) error {
	h.cancel()
	return nil
}
