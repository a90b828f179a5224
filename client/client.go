// Package client implements the dialing side of the channel: it keeps at
// most one connection to the configured server and re-dials with bounded
// backoff whenever that connection is lost.
//
// Every new connection is handed the same local service registry, so the
// commands the agent exposes are reachable again as soon as the handshake
// completes.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"agent-rpc/config"
	"agent-rpc/message"
	"agent-rpc/service"
	"agent-rpc/transport"
)

var (
	ErrNotConnected = errors.New("client: not connected")
	ErrClientClosed = errors.New("client: closed")
)

// ReconnectFunc runs after each successful handshake. attempt is 0 for
// the first connection and counts reconnections after that.
type ReconnectFunc func(ctx context.Context, conn *transport.Conn, attempt int)

type Client struct {
	cfg      config.ClientConfig
	identity message.PeerIdentity
	services *service.Registry
	logger   *zap.Logger
	backoff  Backoff
	baseOpts transport.Options
	pool     *transport.WorkerPool
	dialer   net.Dialer

	onReconnect []ReconnectFunc

	mu        sync.RWMutex
	conn      *transport.Conn
	connected chan struct{} // closed while conn is set

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	done      chan struct{}
	closed    atomic.Bool
	sessions  atomic.Int64
}

// New prepares a client for cfg.Client.Address. A zero identity is taken
// from the client section; services holds what the agent exposes to the
// server and may be nil.
func New(cfg *config.Config, identity message.PeerIdentity, services *service.Registry, logger *zap.Logger) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if identity == (message.PeerIdentity{}) {
		identity = message.PeerIdentity{App: cfg.Client.App, Instance: cfg.Client.Instance}
	}
	if !identity.Valid() {
		return nil, fmt.Errorf("client: identity %q needs an application and an instance", identity.String())
	}
	if services == nil {
		services = service.NewRegistry()
	}
	base, err := cfg.Connection.TransportOptions(logger)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      cfg.Client,
		identity: identity,
		services: services,
		logger:   logger.With(zap.Stringer("identity", identity)),
		backoff: Backoff{
			Initial:    cfg.Client.BackoffInitial,
			Max:        cfg.Client.BackoffMax,
			Multiplier: cfg.Client.BackoffMultiplier,
			Jitter:     0.2,
		},
		baseOpts:  base,
		pool:      cfg.Workers.NewWorkerPool(),
		dialer:    net.Dialer{Timeout: cfg.Client.DialTimeout},
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

func (c *Client) Identity() message.PeerIdentity { return c.identity }

// Services is the registry of methods the server may call on this client.
func (c *Client) Services() *service.Registry { return c.services }

// OnReconnect adds a hook; see ReconnectFunc. Hooks must be added before
// Start.
func (c *Client) OnReconnect(fn ReconnectFunc) {
	c.onReconnect = append(c.onReconnect, fn)
}

// Start launches the connect loop and returns at once. The loop runs
// until ctx ends or Close is called.
func (c *Client) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	c.startOnce.Do(func() {
		context.AfterFunc(ctx, c.cancel)
		go c.run()
	})
	return nil
}

func (c *Client) run() {
	defer close(c.done)
	failures := 0
	for {
		conn, err := c.connect(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			delay := c.backoff.Delay(failures)
			failures++
			c.logger.Warn("connect failed",
				zap.String("address", c.cfg.Address),
				zap.Int("failures", failures),
				zap.Duration("retry_in", delay),
				zap.Error(err))
			if !sleep(c.ctx, delay) {
				return
			}
			continue
		}
		failures = 0

		attempt := int(c.sessions.Add(1) - 1)
		c.setConn(conn)
		c.logger.Info("connected",
			zap.String("address", c.cfg.Address),
			zap.String("conn", conn.ID()),
			zap.Int("attempt", attempt))
		for _, fn := range c.onReconnect {
			fn(c.ctx, conn, attempt)
		}

		select {
		case <-conn.Done():
			c.logger.Warn("connection lost", zap.String("conn", conn.ID()), zap.Error(conn.Err()))
			c.clearConn(conn)
		case <-c.ctx.Done():
			c.clearConn(conn)
			conn.Close()
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// connect dials the server and completes the handshake.
func (c *Client) connect(ctx context.Context) (*transport.Conn, error) {
	nc, err := c.dialer.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return nil, err
	}

	opts := c.baseOpts
	opts.Role = transport.RoleDialer
	opts.Local = c.identity
	opts.Resolver = c.services
	opts.Executor = c.pool
	conn, err := transport.NewConn(nc, opts)
	if err != nil {
		nc.Close()
		return nil, err
	}
	conn.Start()

	if _, err := conn.Handshake(ctx); err != nil {
		conn.Abort(err)
		<-conn.Done()
		return nil, fmt.Errorf("client: handshake: %w", err)
	}
	return conn, nil
}

func (c *Client) setConn(conn *transport.Conn) {
	c.mu.Lock()
	c.conn = conn
	close(c.connected)
	c.mu.Unlock()
}

func (c *Client) clearConn(conn *transport.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.connected = make(chan struct{})
	}
	c.mu.Unlock()
}

// Conn returns the current connection, or nil while disconnected.
func (c *Client) Conn() *transport.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// WaitConnected blocks until a connection is established.
func (c *Client) WaitConnected(ctx context.Context) (*transport.Conn, error) {
	for {
		c.mu.RLock()
		conn, connected := c.conn, c.connected
		c.mu.RUnlock()
		if conn != nil && conn.State() == transport.StateEstablished {
			return conn, nil
		}
		if c.closed.Load() {
			return nil, ErrClientClosed
		}

		wait := connected
		if conn != nil {
			// Lost but not yet cleared by the connect loop.
			wait = conn.Done()
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, ErrClientClosed
		case <-c.ctx.Done():
			return nil, ErrClientClosed
		}
	}
}

func (c *Client) current() (*transport.Conn, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	conn := c.Conn()
	if conn == nil {
		return nil, ErrNotConnected
	}
	return conn, nil
}

// Call invokes a two-way method on the server over the current
// connection. It fails with ErrNotConnected while reconnecting.
func (c *Client) Call(ctx context.Context, serviceName, method string, args, reply any) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	return conn.Call(ctx, serviceName, method, args, reply)
}

// Notify sends a oneway method to the server.
func (c *Client) Notify(serviceName, method string, args any) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	return conn.Notify(serviceName, method, args)
}

// Close stops reconnecting and gracefully closes the current connection.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		<-c.done
		return nil
	}
	c.cancel()
	c.startOnce.Do(func() { close(c.done) })
	<-c.done
	c.pool.Close()
	return nil
}
