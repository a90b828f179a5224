// Package server implements the accepting side of the channel: it accepts
// agent connections, answers their handshake and indexes every established
// connection by the identity its agent announced.
//
// Connection lifecycle on the server:
//
//	Accept → transport.Conn (acceptor) → hello → index[peer] = conn → OnConnect hooks
//	  → calls flow both ways over the same socket
//	  → CLOSED → removed from index (only if still the indexed conn) → presence removed
//
// A newer connection announcing an identity already indexed replaces the
// older one, which is then closed.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"agent-rpc/config"
	"agent-rpc/message"
	"agent-rpc/registry"
	"agent-rpc/service"
	"agent-rpc/transport"
)

var (
	ErrPeerNotConnected = errors.New("server: peer not connected")
	ErrServerClosed     = errors.New("server: closed")
)

// Server is the endpoint manager of the accepting side.
type Server struct {
	cfg      *config.Config
	logger   *zap.Logger
	services *service.Registry
	pool     *transport.WorkerPool
	exec     *drainingExecutor
	baseOpts transport.Options

	presence      registry.Registry // nil when presence is disabled
	ownsPresence  bool
	presenceGroup sync.WaitGroup
	// presenceMu orders publications so a replaced connection can never
	// overwrite the entry of the connection that replaced it.
	presenceMu sync.Mutex

	onConnect []func(*transport.Conn)

	mu        sync.RWMutex
	peers     map[message.PeerIdentity]*transport.Conn
	conns     map[*transport.Conn]struct{} // every live conn, handshaken or not
	listener  net.Listener
	identity  message.PeerIdentity
	advertise string

	closing      atomic.Bool
	closed       chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

type Option func(*Server)

// WithPresence publishes connected agents in reg instead of the etcd
// registry the configuration describes. The caller keeps ownership of reg.
func WithPresence(reg registry.Registry) Option {
	return func(s *Server) {
		s.presence = reg
		s.ownsPresence = false
	}
}

// NewServer prepares a server from cfg. When cfg.Registry names etcd
// endpoints, the server connects to etcd and owns that client.
func NewServer(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base, err := cfg.Connection.TransportOptions(logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		services: service.NewRegistry(),
		baseOpts: base,
		peers:    make(map[message.PeerIdentity]*transport.Conn),
		conns:    make(map[*transport.Conn]struct{}),
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.presence == nil && cfg.Registry.Enabled() {
		reg, err := registry.NewEtcdRegistry(registry.EtcdConfig{
			Endpoints:   cfg.Registry.Endpoints,
			DialTimeout: cfg.Registry.DialTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		s.presence = reg
		s.ownsPresence = true
	}

	s.pool = cfg.Workers.NewWorkerPool()
	s.exec = newDrainingExecutor(s.pool)
	return s, nil
}

// Register exposes a service to every connected agent.
func (s *Server) Register(desc service.Desc) error {
	return s.services.Register(desc)
}

// Use adds dispatch middleware; see service.Registry.Use.
func (s *Server) Use(mws ...service.Middleware) {
	s.services.Use(mws...)
}

// OnConnect adds a hook run, on its own goroutine, after each connection
// completes its handshake. Hooks must be added before Serve.
func (s *Server) OnConnect(fn func(c *transport.Conn)) {
	s.onConnect = append(s.onConnect, fn)
}

// ListenAndServe listens on addr (cfg.Server.Listen when empty) and
// serves until ctx ends or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if addr == "" {
		addr = s.cfg.Server.Listen
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

// Serve accepts connections on lis. Cancelling ctx shuts the server down
// gracefully; Serve then returns the result of Shutdown.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	if s.closing.Load() {
		lis.Close()
		return ErrServerClosed
	}

	s.mu.Lock()
	s.listener = lis
	s.advertise = s.cfg.Server.Advertise
	if s.advertise == "" {
		s.advertise = lis.Addr().String()
	}
	s.identity = message.PeerIdentity{App: s.cfg.Server.App, Instance: s.cfg.Server.Instance}
	if s.identity.Instance == "" {
		s.identity.Instance = s.advertise
	}
	s.mu.Unlock()

	s.logger.Info("server listening",
		zap.Stringer("addr", lis.Addr()),
		zap.String("advertise", s.advertise),
		zap.Bool("presence", s.presence != nil))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			nc, err := lis.Accept()
			if err != nil {
				// Shutdown closes the listener; that is not a failure.
				if s.closing.Load() {
					return nil
				}
				return fmt.Errorf("server: accept: %w", err)
			}
			s.handle(nc)
		}
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return s.Shutdown(s.cfg.Server.ShutdownTimeout)
		case <-s.closed:
			return nil
		}
	})
	return g.Wait()
}

// Addr returns the listening address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handle(nc net.Conn) {
	opts := s.baseOpts
	opts.Role = transport.RoleAcceptor
	opts.Resolver = s.services
	opts.Executor = s.exec
	opts.Accept = s.accept
	opts.OnEstablished = s.established
	opts.OnClose = s.connClosed

	s.mu.Lock()
	opts.Local = s.identity
	if s.closing.Load() {
		s.mu.Unlock()
		nc.Close()
		return
	}
	conn, err := transport.NewConn(nc, opts)
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("creating connection", zap.Error(err))
		nc.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	s.logger.Debug("connection accepted", zap.String("conn", conn.ID()), zap.Stringer("remote", nc.RemoteAddr()))
	conn.Start()
}

func (s *Server) accept(c *transport.Conn, hello message.Handshake) error {
	if s.closing.Load() {
		return ErrServerClosed
	}
	return nil
}

// established runs on the connection's read loop, before any further
// request of the peer is read.
func (s *Server) established(c *transport.Conn) {
	peer := c.Peer()
	s.mu.Lock()
	old := s.peers[peer]
	s.peers[peer] = c
	s.mu.Unlock()

	if old != nil && old != c {
		s.logger.Info("replacing connection of reconnected peer",
			zap.Stringer("peer", peer),
			zap.String("old_conn", old.ID()),
			zap.String("conn", c.ID()))
		go old.Close()
	}

	if s.presence != nil {
		s.presenceGroup.Add(1)
		go s.publish(c)
	}
	// Hooks may call the peer, which needs the read loop running.
	for _, fn := range s.onConnect {
		go fn(c)
	}
}

// publish keeps the presence entry of c for as long as c lives.
func (s *Server) publish(c *transport.Conn) {
	defer s.presenceGroup.Done()
	inst := registry.Instance{
		Peer:   c.Peer(),
		Node:   s.advertise,
		ConnID: c.ID(),
		Since:  time.Now().UTC(),
	}
	timeout := s.cfg.Registry.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	s.presenceMu.Lock()
	if cur, err := s.Conn(inst.Peer); err != nil || cur != c {
		s.presenceMu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	err := s.presence.Register(ctx, inst, s.cfg.Registry.TTL)
	cancel()
	s.presenceMu.Unlock()
	if err != nil {
		s.logger.Warn("publishing presence", zap.Stringer("peer", inst.Peer), zap.Error(err))
		return
	}

	<-c.Done()
	ctx, cancel = context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.presence.Deregister(ctx, inst); err != nil {
		s.logger.Warn("removing presence", zap.Stringer("peer", inst.Peer), zap.Error(err))
	}
}

func (s *Server) connClosed(c *transport.Conn, err error) {
	peer := c.Peer()
	s.mu.Lock()
	delete(s.conns, c)
	if cur, ok := s.peers[peer]; ok && cur == c {
		delete(s.peers, peer)
	}
	s.mu.Unlock()

	fields := []zap.Field{zap.String("conn", c.ID()), zap.Stringer("peer", peer)}
	if err != nil {
		s.logger.Info("connection closed", append(fields, zap.Error(err))...)
	} else {
		s.logger.Debug("connection closed", fields...)
	}
}

// Conn returns the live connection of peer.
func (s *Server) Conn(peer message.PeerIdentity) (*transport.Conn, error) {
	s.mu.RLock()
	c, ok := s.peers[peer]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotConnected, peer)
	}
	return c, nil
}

// Peers lists the identities of every established connection.
func (s *Server) Peers() []message.PeerIdentity {
	s.mu.RLock()
	peers := make([]message.PeerIdentity, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()
	sort.Slice(peers, func(i, j int) bool { return peers[i].String() < peers[j].String() })
	return peers
}

// Peer returns an invoker for calls to peer. The connection is looked up
// on every call, so a stub built on it follows the agent across
// reconnects.
func (s *Server) Peer(peer message.PeerIdentity) *PeerInvoker {
	return &PeerInvoker{server: s, peer: peer}
}

type PeerInvoker struct {
	server *Server
	peer   message.PeerIdentity
}

func (p *PeerInvoker) Call(ctx context.Context, serviceName, method string, args, reply any) error {
	c, err := p.server.Conn(p.peer)
	if err != nil {
		return err
	}
	return c.Call(ctx, serviceName, method, args, reply)
}

func (p *PeerInvoker) Notify(serviceName, method string, args any) error {
	c, err := p.server.Conn(p.peer)
	if err != nil {
		return err
	}
	return c.Notify(serviceName, method, args)
}

// Shutdown stops the server gracefully:
//  1. stop accepting connections and new calls
//  2. wait for handlers in flight
//  3. close every connection, draining queued frames
//  4. remove presence entries
//
// Anything still running when timeout expires is aborted.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(timeout)
	})
	return s.shutdownErr
}

func (s *Server) shutdown(timeout time.Duration) error {
	// Set the flag before closing the listener so the accept loop reads
	// its error as intentional.
	s.closing.Store(true)
	close(s.closed)
	s.mu.RLock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var result error

	select {
	case <-s.exec.drain():
	case <-ctx.Done():
		result = errors.New("server: timeout waiting for in-flight calls")
	}

	s.mu.RLock()
	conns := make([]*transport.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	closed := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, c := range conns {
			wg.Add(1)
			go func(c *transport.Conn) {
				defer wg.Done()
				c.Close()
			}(c)
		}
		wg.Wait()
		s.presenceGroup.Wait()
		close(closed)
	}()

	select {
	case <-closed:
	case <-ctx.Done():
		for _, c := range conns {
			c.Abort(ErrServerClosed)
		}
		<-closed
		if result == nil {
			result = errors.New("server: timeout closing connections")
		}
	}

	go s.pool.Close()
	if s.ownsPresence {
		if err := s.presence.Close(); err != nil && result == nil {
			result = err
		}
	}
	s.logger.Info("server stopped", zap.Int("connections", len(conns)))
	return result
}
