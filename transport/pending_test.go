package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-rpc/protocol"
)

func TestPendingCompleteOnce(t *testing.T) {
	table := NewPendingTable()
	call, err := table.Register(1, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, table.Len())

	assert.True(t, table.Complete(1, Result{Type: protocol.MsgTypeResponse, Body: []byte("a")}))
	assert.False(t, table.Complete(1, Result{Type: protocol.MsgTypeResponse, Body: []byte("b")}))

	<-call.Done()
	assert.Equal(t, []byte("a"), call.Result().Body)
	assert.Zero(t, table.Len())
}

func TestPendingDuplicateID(t *testing.T) {
	table := NewPendingTable()
	_, err := table.Register(7, time.Time{})
	require.NoError(t, err)
	_, err = table.Register(7, time.Time{})
	require.ErrorIs(t, err, ErrDuplicateTransaction)

	// Once the first entry is gone the id may be used again.
	table.Complete(7, Result{})
	_, err = table.Register(7, time.Time{})
	require.NoError(t, err)
}

func TestPendingFailAll(t *testing.T) {
	table := NewPendingTable()
	var calls []*PendingCall
	for id := uint64(1); id <= 5; id++ {
		call, err := table.Register(id, time.Time{})
		require.NoError(t, err)
		calls = append(calls, call)
	}

	assert.Equal(t, 5, table.FailAll(ErrClosed))
	for _, call := range calls {
		<-call.Done()
		assert.ErrorIs(t, call.Result().Err, ErrClosed)
	}
	assert.Zero(t, table.Len())

	_, err := table.Register(6, time.Time{})
	require.ErrorIs(t, err, ErrClosed)
	assert.False(t, table.Complete(1, Result{}))
}

func TestPendingExpireOverdue(t *testing.T) {
	table := NewPendingTable()
	now := time.Now()
	overdue, err := table.Register(1, now.Add(-time.Second))
	require.NoError(t, err)
	_, err = table.Register(2, now.Add(time.Hour))
	require.NoError(t, err)
	_, err = table.Register(3, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, 1, table.ExpireOverdue(now))
	<-overdue.Done()
	assert.ErrorIs(t, overdue.Result().Err, ErrTimeout)
	assert.Equal(t, 2, table.Len())

	// The response arriving afterwards is a no-op.
	assert.False(t, table.Complete(1, Result{Type: protocol.MsgTypeResponse}))
}

func TestPendingWaitTimeout(t *testing.T) {
	table := NewPendingTable()
	call, err := table.Register(1, time.Time{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := table.Wait(ctx, call)
	assert.ErrorIs(t, res.Err, ErrTimeout)
	assert.Zero(t, table.Len())
	assert.False(t, table.Complete(1, Result{Type: protocol.MsgTypeResponse}))
}

func TestPendingWaitCancel(t *testing.T) {
	table := NewPendingTable()
	call, err := table.Register(1, time.Time{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, table.Wait(ctx, call).Err, context.Canceled)
}

func TestPendingResponseRacesTimeout(t *testing.T) {
	for i := 0; i < 200; i++ {
		table := NewPendingTable()
		call, err := table.Register(1, time.Now())
		require.NoError(t, err)

		var wins atomic.Int32
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if table.Complete(1, Result{Type: protocol.MsgTypeResponse}) {
				wins.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			wins.Add(int32(table.ExpireOverdue(time.Now().Add(time.Second))))
		}()
		wg.Wait()

		require.EqualValues(t, 1, wins.Load())
		<-call.Done()
		res := call.Result()
		assert.True(t, res.Type == protocol.MsgTypeResponse || errors.Is(res.Err, ErrTimeout))
	}
}
