package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"agent-rpc/config"
	"agent-rpc/message"
	"agent-rpc/server"
	"agent-rpc/service"
	"agent-rpc/transport"
)

var agentID = message.PeerIdentity{App: "checkout", Instance: "10.0.0.7:4000"}

func testConfig(addr string) *config.Config {
	cfg := config.Default()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Client.Address = addr
	cfg.Client.BackoffInitial = 10 * time.Millisecond
	cfg.Client.BackoffMax = 50 * time.Millisecond
	cfg.Client.DialTimeout = time.Second
	return cfg
}

func startServer(t *testing.T, lis net.Listener) *server.Server {
	t.Helper()
	s, err := server.NewServer(testConfig(""), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.Register(service.Desc{
		Name: "Telemetry",
		Methods: []service.Method{
			service.Unary("flush", func(ctx context.Context, _ struct{}) (string, error) {
				return "flushed", nil
			}),
		},
	}))
	go s.Serve(context.Background(), lis)
	t.Cleanup(func() { s.Shutdown(5 * time.Second) })
	return s
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return lis
}

func agentServices() *service.Registry {
	r := service.NewRegistry()
	r.MustRegister(service.Desc{
		Name: "Command",
		Methods: []service.Method{
			service.Unary("threadDump", func(ctx context.Context, _ struct{}) (string, error) {
				return "main: RUNNABLE", nil
			}),
		},
	})
	return r
}

func newClient(t *testing.T, addr string) *Client {
	t.Helper()
	c, err := New(testConfig(addr), agentID, agentServices(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func waitConnected(t *testing.T, c *Client) *transport.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := c.WaitConnected(ctx)
	require.NoError(t, err)
	// One round trip: the server has indexed conn once it answers.
	err = conn.Call(ctx, "Barrier", "wait", nil, nil)
	require.True(t, message.IsClass(err, message.ServiceNotFoundException), "got %v", err)
	return conn
}

func TestClientCallsServer(t *testing.T) {
	lis := listen(t)
	startServer(t, lis)
	c := newClient(t, lis.Addr().String())

	assert.ErrorIs(t, c.Call(context.Background(), "Telemetry", "flush", struct{}{}, nil), ErrNotConnected)
	require.NoError(t, c.Start(context.Background()))
	conn := waitConnected(t, c)
	assert.Equal(t, "collector", conn.Peer().App)

	var out string
	require.NoError(t, c.Call(context.Background(), "Telemetry", "flush", struct{}{}, &out))
	assert.Equal(t, "flushed", out)
}

func TestServerReachesClientServices(t *testing.T) {
	lis := listen(t)
	s := startServer(t, lis)
	c := newClient(t, lis.Addr().String())
	require.NoError(t, c.Start(context.Background()))
	waitConnected(t, c)

	var out string
	require.NoError(t, s.Peer(agentID).Call(context.Background(), "Command", "threadDump", struct{}{}, &out))
	assert.Equal(t, "main: RUNNABLE", out)
}

func TestReconnectAfterConnectionLoss(t *testing.T) {
	lis := listen(t)
	s := startServer(t, lis)
	c := newClient(t, lis.Addr().String())

	var mu sync.Mutex
	var attempts []int
	c.OnReconnect(func(ctx context.Context, conn *transport.Conn, attempt int) {
		mu.Lock()
		attempts = append(attempts, attempt)
		mu.Unlock()
	})
	require.NoError(t, c.Start(context.Background()))
	first := waitConnected(t, c)

	serverSide, err := s.Conn(agentID)
	require.NoError(t, err)
	serverSide.Abort(errors.New("network blip"))
	<-first.Done()

	require.Eventually(t, func() bool {
		conn := c.Conn()
		return conn != nil && conn != first
	}, 5*time.Second, 5*time.Millisecond)
	second := waitConnected(t, c)
	assert.NotEqual(t, first.ID(), second.ID())

	// Commands work again over the new connection.
	require.Eventually(t, func() bool {
		return s.Peer(agentID).Call(context.Background(), "Command", "threadDump", struct{}{}, nil) == nil
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int{0, 1}, attempts)
	mu.Unlock()
}

func TestReconnectWhenServerStartsLate(t *testing.T) {
	lis := listen(t)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	c := newClient(t, addr)
	require.NoError(t, c.Start(context.Background()))
	time.Sleep(100 * time.Millisecond)
	assert.Nil(t, c.Conn())
	assert.ErrorIs(t, c.Notify("Telemetry", "report", nil), ErrNotConnected)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		t.Skipf("port %s taken meanwhile: %v", addr, err)
	}
	startServer(t, lis)
	waitConnected(t, c)
}

func TestCloseStopsClient(t *testing.T) {
	lis := listen(t)
	startServer(t, lis)
	c := newClient(t, lis.Addr().String())
	require.NoError(t, c.Start(context.Background()))
	conn := waitConnected(t, c)

	require.NoError(t, c.Close())
	<-conn.Done()
	assert.Nil(t, c.Conn())
	assert.ErrorIs(t, c.Call(context.Background(), "Telemetry", "flush", struct{}{}, nil), ErrClientClosed)
	assert.ErrorIs(t, c.Start(context.Background()), ErrClientClosed)
	_, err := c.WaitConnected(context.Background())
	assert.ErrorIs(t, err, ErrClientClosed)
	require.NoError(t, c.Close())
}

func TestCloseBeforeStart(t *testing.T) {
	c := newClient(t, "127.0.0.1:1")
	require.NoError(t, c.Close())
}

func TestStartContextStopsClient(t *testing.T) {
	lis := listen(t)
	startServer(t, lis)
	c := newClient(t, lis.Addr().String())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	conn := waitConnected(t, c)
	cancel()
	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection kept after context cancel")
	}
}

func TestNewRejectsIncompleteIdentity(t *testing.T) {
	_, err := New(config.Default(), message.PeerIdentity{App: "checkout"}, nil, nil)
	assert.Error(t, err)
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, b.Delay(0))
	assert.Equal(t, 200*time.Millisecond, b.Delay(1))
	assert.Equal(t, 800*time.Millisecond, b.Delay(3))
	assert.Equal(t, time.Second, b.Delay(4))
	assert.Equal(t, time.Second, b.Delay(5000))

	b.Jitter = 0.2
	for i := 0; i < 100; i++ {
		d := b.Delay(1)
		assert.GreaterOrEqual(t, d, 160*time.Millisecond)
		assert.LessOrEqual(t, d, 240*time.Millisecond)
		assert.LessOrEqual(t, b.Delay(10), time.Second)
	}
}
