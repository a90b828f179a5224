package server

import (
	"sync"

	"agent-rpc/transport"
)

// drainingExecutor counts handlers in flight on the shared pool so that
// Shutdown can wait for them. Once draining starts it refuses new work,
// which the connection reports to callers as ServerBusyException.
type drainingExecutor struct {
	pool *transport.WorkerPool

	mu       sync.Mutex
	active   int
	draining bool
	idle     chan struct{}
}

func newDrainingExecutor(pool *transport.WorkerPool) *drainingExecutor {
	return &drainingExecutor{pool: pool, idle: make(chan struct{})}
}

func (e *drainingExecutor) Submit(task func()) error {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return transport.ErrPoolClosed
	}
	e.active++
	e.mu.Unlock()

	err := e.pool.Submit(func() {
		defer e.done()
		task()
	})
	if err != nil {
		e.done()
	}
	return err
}

func (e *drainingExecutor) done() {
	e.mu.Lock()
	e.active--
	if e.draining && e.active == 0 {
		close(e.idle)
	}
	e.mu.Unlock()
}

// drain stops intake and returns a channel closed once nothing is running.
func (e *drainingExecutor) drain() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.draining {
		e.draining = true
		if e.active == 0 {
			close(e.idle)
		}
	}
	return e.idle
}
