package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"agent-rpc/config"
	"agent-rpc/message"
	"agent-rpc/middleware"
	"agent-rpc/registry"
	"agent-rpc/service"
	"agent-rpc/stub"
	"agent-rpc/transport"
)

type Report struct {
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
}

type testServer struct {
	*Server
	presence *registry.MemoryRegistry
	reports  chan Report
	served   chan error
}

func newTestServer(t *testing.T, tweak func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = 5 * time.Second
	if tweak != nil {
		tweak(cfg)
	}

	presence := registry.NewMemoryRegistry()
	s, err := NewServer(cfg, zaptest.NewLogger(t), WithPresence(presence))
	require.NoError(t, err)

	ts := &testServer{Server: s, presence: presence, reports: make(chan Report, 16), served: make(chan error, 1)}
	require.NoError(t, s.Register(service.Desc{
		Name: "Telemetry",
		Methods: []service.Method{
			service.Oneway("report", func(ctx context.Context, r Report) error {
				ts.reports <- r
				return nil
			}),
			service.Unary("flush", func(ctx context.Context, d time.Duration) (int, error) {
				time.Sleep(d)
				return len(ts.reports), nil
			}),
		},
	}))
	return ts
}

func (ts *testServer) start(t *testing.T) {
	t.Helper()
	lis, err := net.Listen("tcp", ts.cfg.Server.Listen)
	require.NoError(t, err)
	go func() { ts.served <- ts.Serve(context.Background(), lis) }()
	require.Eventually(t, func() bool { return ts.Addr() != nil }, 5*time.Second, time.Millisecond)
	t.Cleanup(func() { ts.Shutdown(5 * time.Second) })
}

var commandIface = service.Interface{
	Name:    "Command",
	Methods: []service.MethodSpec{{Name: "threadDump"}},
}

func commandRegistry() *service.Registry {
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

// dialAgent connects an agent-side Conn to ts and completes the handshake.
func dialAgent(t *testing.T, ts *testServer, id message.PeerIdentity) *transport.Conn {
	t.Helper()
	return dialAgentWith(t, ts, id, commandRegistry())
}

func dialAgentWith(t *testing.T, ts *testServer, id message.PeerIdentity, resolver transport.Resolver) *transport.Conn {
	t.Helper()
	nc, err := net.Dial("tcp", ts.Addr().String())
	require.NoError(t, err)
	c, err := transport.NewConn(nc, transport.Options{
		Role:     transport.RoleDialer,
		Local:    id,
		Resolver: resolver,
	})
	require.NoError(t, err)
	c.Start()
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	welcome, err := c.Handshake(ctx)
	require.NoError(t, err)
	assert.Equal(t, "collector", welcome.Identity.App)
	settle(t, c)
	return c
}

// settle makes one round trip over c. The server reads it only after it
// finished establishing c, so the peer index is current afterwards.
func settle(t *testing.T, c *transport.Conn) {
	t.Helper()
	err := c.Call(context.Background(), "Barrier", "wait", nil, nil)
	require.True(t, message.IsClass(err, message.ServiceNotFoundException), "got %v", err)
}

func presenceOf(t *testing.T, ts *testServer) []registry.Instance {
	list, err := ts.presence.Discover(context.Background(), "")
	require.NoError(t, err)
	return list
}

func TestServerIndexesPeers(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.start(t)

	a := message.PeerIdentity{App: "checkout", Instance: "10.0.0.7:4000"}
	b := message.PeerIdentity{App: "billing", Instance: "10.0.0.9:4000"}
	ca := dialAgent(t, ts, a)
	dialAgent(t, ts, b)

	assert.Equal(t, []message.PeerIdentity{b, a}, ts.Peers())
	require.Eventually(t, func() bool { return len(presenceOf(t, ts)) == 2 }, 5*time.Second, 5*time.Millisecond)
	for _, inst := range presenceOf(t, ts) {
		assert.Equal(t, ts.Addr().String(), inst.Node)
	}

	require.NoError(t, ca.Close())
	require.Eventually(t, func() bool { return len(ts.Peers()) == 1 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(presenceOf(t, ts)) == 1 }, 5*time.Second, 5*time.Millisecond)
	_, err := ts.Conn(a)
	assert.ErrorIs(t, err, ErrPeerNotConnected)
}

func TestAgentCallsServer(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.start(t)
	agent := dialAgent(t, ts, message.PeerIdentity{App: "checkout", Instance: "i-1"})

	require.NoError(t, agent.Notify("Telemetry", "report", Report{Metric: "heap.used", Value: 512}))
	select {
	case r := <-ts.reports:
		assert.Equal(t, Report{Metric: "heap.used", Value: 512}, r)
	case <-time.After(5 * time.Second):
		t.Fatal("report not delivered")
	}

	var pending int
	require.NoError(t, agent.Call(context.Background(), "Telemetry", "flush", time.Duration(0), &pending))
	assert.Zero(t, pending)
}

func TestServerPushesCommandToAgent(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.start(t)
	id := message.PeerIdentity{App: "checkout", Instance: "i-1"}
	dialAgent(t, ts, id)

	dump, err := stub.Unary[struct{}, string](stub.New(ts.Peer(id), commandIface, stub.Options{Timeout: 5 * time.Second}), "threadDump")
	require.NoError(t, err)
	out, err := dump(context.Background(), struct{}{})
	require.NoError(t, err)
	assert.Equal(t, "main: RUNNABLE", out)

	missing := ts.Peer(message.PeerIdentity{App: "checkout", Instance: "gone"})
	err = missing.Call(context.Background(), "Command", "threadDump", struct{}{}, nil)
	assert.ErrorIs(t, err, ErrPeerNotConnected)
	assert.ErrorIs(t, missing.Notify("Command", "threadDump", nil), ErrPeerNotConnected)
}

func echoAs(id message.PeerIdentity) *service.Registry {
	r := service.NewRegistry()
	r.MustRegister(service.Desc{
		Name: "Command",
		Methods: []service.Method{
			service.Unary("echo", func(ctx context.Context, n int) (string, error) {
				return fmt.Sprintf("%s/%d", id.Instance, n), nil
			}),
		},
	})
	return r
}

func TestCallsToSeparatePeersNeverCross(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.start(t)
	ids := []message.PeerIdentity{
		{App: "checkout", Instance: "i-1"},
		{App: "checkout", Instance: "i-2"},
	}
	for _, id := range ids {
		dialAgentWith(t, ts, id, echoAs(id))
	}

	// Each server-side connection numbers its calls from 1, so the two
	// streams use the same transaction ids.
	const n = 100
	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for _, id := range ids {
		inv := ts.Peer(id)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(id message.PeerIdentity, i int) {
				defer wg.Done()
				var got string
				if err := inv.Call(context.Background(), "Command", "echo", i, &got); err != nil {
					errs <- err
					return
				}
				if want := fmt.Sprintf("%s/%d", id.Instance, i); got != want {
					errs <- fmt.Errorf("got %q, want %q", got, want)
				}
			}(id, i)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	for _, id := range ids {
		c, err := ts.Conn(id)
		require.NoError(t, err)
		assert.Zero(t, c.Pending())
	}
}

func TestPeerInvokerFollowsReconnect(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.start(t)
	id := message.PeerIdentity{App: "checkout", Instance: "i-1"}
	inv := ts.Peer(id)

	first := dialAgent(t, ts, id)
	require.NoError(t, inv.Call(context.Background(), "Command", "threadDump", struct{}{}, nil))
	first.Abort(errors.New("network blip"))
	require.Eventually(t, func() bool { return len(ts.Peers()) == 0 }, 5*time.Second, 5*time.Millisecond)

	dialAgent(t, ts, id)
	require.NoError(t, inv.Call(context.Background(), "Command", "threadDump", struct{}{}, nil))
}

func TestDuplicateIdentityReplacesOlder(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.start(t)
	id := message.PeerIdentity{App: "checkout", Instance: "i-1"}

	older := dialAgent(t, ts, id)
	newer := dialAgent(t, ts, id)

	select {
	case <-older.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("older connection kept open")
	}
	assert.Equal(t, transport.StateEstablished, newer.State())

	c, err := ts.Conn(id)
	require.NoError(t, err)
	assert.Equal(t, []message.PeerIdentity{id}, ts.Peers())
	require.Eventually(t, func() bool {
		list := presenceOf(t, ts)
		return len(list) == 1 && list[0].ConnID == c.ID()
	}, 5*time.Second, 5*time.Millisecond)

	var out string
	require.NoError(t, ts.Peer(id).Call(context.Background(), "Command", "threadDump", struct{}{}, &out))
}

func TestOnConnectMayCallPeer(t *testing.T) {
	ts := newTestServer(t, nil)
	dumps := make(chan string, 1)
	ts.OnConnect(func(c *transport.Conn) {
		var out string
		if err := c.Call(context.Background(), "Command", "threadDump", struct{}{}, &out); err != nil {
			out = err.Error()
		}
		dumps <- out
	})
	ts.start(t)
	dialAgent(t, ts, message.PeerIdentity{App: "checkout", Instance: "i-1"})

	select {
	case out := <-dumps:
		assert.Equal(t, "main: RUNNABLE", out)
	case <-time.After(5 * time.Second):
		t.Fatal("OnConnect hook did not run")
	}
}

func TestMiddlewareAppliesToDispatch(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.Use(middleware.RateLimit(0.001, 1))
	ts.start(t)
	agent := dialAgent(t, ts, message.PeerIdentity{App: "checkout", Instance: "i-1"})

	require.NoError(t, agent.Call(context.Background(), "Telemetry", "flush", time.Duration(0), nil))
	err := agent.Call(context.Background(), "Telemetry", "flush", time.Duration(0), nil)
	assert.True(t, message.IsClass(err, message.RateLimitedException), "got %v", err)
}

func TestHandshakeTimeoutDropsSilentSocket(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Connection.HandshakeTimeout = 50 * time.Millisecond
	})
	ts.start(t)

	nc, err := net.Dial("tcp", ts.Addr().String())
	require.NoError(t, err)
	defer nc.Close()
	nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = nc.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestShutdownWaitsForInFlightCalls(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.start(t)
	agent := dialAgent(t, ts, message.PeerIdentity{App: "checkout", Instance: "i-1"})

	result := make(chan error, 1)
	go func() {
		result <- agent.Call(context.Background(), "Telemetry", "flush", 200*time.Millisecond, nil)
	}()
	require.Eventually(t, func() bool { return agent.Pending() == 1 }, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, ts.Shutdown(5*time.Second))
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight call lost")
	}

	select {
	case <-agent.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("agent connection not closed by shutdown")
	}
	assert.NoError(t, <-ts.served)
	assert.Empty(t, ts.Peers())
	assert.Empty(t, presenceOf(t, ts))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, ts.Serve(context.Background(), lis), ErrServerClosed)
}

func TestServeStopsWithContext(t *testing.T) {
	ts := newTestServer(t, nil)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { ts.served <- ts.Serve(ctx, lis) }()
	require.Eventually(t, func() bool { return ts.Addr() != nil }, 5*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-ts.served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
