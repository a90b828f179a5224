package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"agent-rpc/codec"
	"agent-rpc/protocol"
)

// Result is how a pending call ends: either a RESPONSE or EXCEPTION frame
// from the peer, or a local error (timeout, connection closed).
type Result struct {
	Type       protocol.MsgType
	Serializer codec.Type
	Body       []byte
	Err        error
}

// PendingCall is the caller's side of an outstanding two-way request.
type PendingCall struct {
	ID       uint64
	Created  time.Time
	Deadline time.Time

	done   chan struct{}
	result Result
}

// Done is closed once the call has a result.
func (p *PendingCall) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome. Only valid after Done is closed.
func (p *PendingCall) Result() Result {
	return p.result
}

// PendingTable correlates outstanding requests with their responses by
// transaction id. Every entry is removed exactly once: the first of
// response arrival, expiry or FailAll wins, later attempts are no-ops.
type PendingTable struct {
	mu     sync.Mutex
	calls  map[uint64]*PendingCall
	closed error
}

func NewPendingTable() *PendingTable {
	return &PendingTable{calls: make(map[uint64]*PendingCall)}
}

// Register adds an entry for id. It fails if id is already pending or the
// table has been failed by FailAll.
func (t *PendingTable) Register(id uint64, deadline time.Time) (*PendingCall, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed != nil {
		return nil, t.closed
	}
	if _, exists := t.calls[id]; exists {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateTransaction, id)
	}
	call := &PendingCall{ID: id, Created: time.Now(), Deadline: deadline, done: make(chan struct{})}
	t.calls[id] = call
	return call, nil
}

// Complete removes id and hands r to its waiter. It reports false when id
// is not pending, e.g. a response that arrives after the caller timed out.
func (t *PendingTable) Complete(id uint64, r Result) bool {
	t.mu.Lock()
	call, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	call.result = r
	close(call.done)
	return true
}

// FailAll completes every pending call with err and makes later Register
// calls fail with it too. It returns the number of calls failed.
func (t *PendingTable) FailAll(err error) int {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[uint64]*PendingCall)
	t.closed = err
	t.mu.Unlock()

	for _, call := range calls {
		call.result = Result{Err: err}
		close(call.done)
	}
	return len(calls)
}

// ExpireOverdue fails every call whose deadline is before now with
// ErrTimeout.
func (t *PendingTable) ExpireOverdue(now time.Time) int {
	t.mu.Lock()
	var overdue []*PendingCall
	for id, call := range t.calls {
		if !call.Deadline.IsZero() && call.Deadline.Before(now) {
			overdue = append(overdue, call)
			delete(t.calls, id)
		}
	}
	t.mu.Unlock()

	for _, call := range overdue {
		call.result = Result{Err: ErrTimeout}
		close(call.done)
	}
	return len(overdue)
}

// Len returns the number of outstanding calls.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// Wait blocks until call completes or ctx ends. When ctx ends first the
// entry is removed, so a response arriving later is dropped.
func (t *PendingTable) Wait(ctx context.Context, call *PendingCall) Result {
	select {
	case <-call.done:
	case <-ctx.Done():
		t.Complete(call.ID, Result{Err: contextError(ctx.Err())})
		// Either our Complete or a concurrent one won; both close done.
		<-call.done
	}
	return call.result
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
