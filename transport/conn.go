// Package transport implements one full-duplex channel session over a
// byte stream.
//
// A Conn carries calls in both directions over the same socket. Any number
// of goroutines may call or notify concurrently; their frames are handed to
// a single writer goroutine through a bounded queue, so frames never
// interleave on the wire. A single reader goroutine decodes frames in order
// and routes them:
//
//	caller-1 ──Call(txid=1)──┐
//	caller-2 ──Notify────────┼──→ out queue ──→ writeLoop ──→ socket
//	handler  ──response──────┘
//
//	socket ──→ readLoop ──┬─ REQUEST   → worker pool → Registry handler → response
//	                      ├─ RESPONSE  → pending[txid] → caller wakes up
//	                      ├─ EXCEPTION → pending[txid] → caller gets *message.RemoteError
//	                      └─ PING      → PONG (written without touching the pool)
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"agent-rpc/codec"
	"agent-rpc/message"
	"agent-rpc/protocol"
	"agent-rpc/service"
)

var (
	ErrClosed               = errors.New("transport: connection closed")
	ErrNotEstablished       = errors.New("transport: connection not established")
	ErrTimeout              = errors.New("transport: call timed out")
	ErrQueueFull            = errors.New("transport: send queue full")
	ErrPoolBusy             = errors.New("transport: worker pool busy")
	ErrPoolClosed           = errors.New("transport: worker pool closed")
	ErrHeartbeatTimeout     = errors.New("transport: heartbeat timeout")
	ErrHandshakeTimeout     = errors.New("transport: handshake timeout")
	ErrHandshakeRejected    = errors.New("transport: handshake rejected")
	ErrPeerClosed           = errors.New("transport: peer closed connection")
	ErrDuplicateTransaction = errors.New("transport: duplicate transaction id")
)

// The handshake is an ordinary two-way request on a reserved service.
const (
	HandshakeService = service.ReservedPrefix + "Handshake"
	HandshakeMethod  = "hello"
)

const ioBufferSize = 32 << 10

// State is the lifecycle of a Conn. It only moves forward.
type State int32

const (
	StateConnecting State = iota
	StateEstablished
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Role decides which side of the handshake a Conn plays.
type Role int

const (
	RoleDialer Role = iota
	RoleAcceptor
)

// Resolver finds the local implementation of an inbound call.
type Resolver interface {
	Resolve(service, method string) (service.Binding, bool)
}

// Options configures a Conn. Zero values take the defaults below.
type Options struct {
	Role       Role
	Local      message.PeerIdentity
	Serializer codec.Type
	Resolver   Resolver
	// Executor runs request handlers. When nil the Conn starts a private
	// WorkerPool and closes it with the connection.
	Executor Executor

	MaxFrameSize      uint32
	SendQueueSize     int
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	CallTimeout       time.Duration
	WriteTimeout      time.Duration
	HandshakeTimeout  time.Duration

	// Accept vets a peer's hello on the accepting side. A non-nil error
	// rejects the handshake and closes the connection.
	Accept func(c *Conn, hello message.Handshake) error
	// OnEstablished runs when the handshake completes, before any other
	// request of the peer is dispatched.
	OnEstablished func(c *Conn)
	// OnClose runs once, after the Conn reaches CLOSED and every pending
	// call has been failed. err is nil for a local graceful Close.
	OnClose func(c *Conn, err error)

	Logger *zap.Logger
}

const (
	DefaultSendQueueSize     = 1024
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatMisses   = 3
	DefaultCallTimeout       = 30 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
)

func (o Options) withDefaults() Options {
	if o.Serializer == 0 {
		o.Serializer = codec.TypeJSON
	}
	if o.Resolver == nil {
		o.Resolver = service.NewRegistry()
	}
	if o.MaxFrameSize == 0 {
		o.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = DefaultSendQueueSize
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.HeartbeatMisses <= 0 {
		o.HeartbeatMisses = DefaultHeartbeatMisses
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Stats are cumulative counters of one Conn.
type Stats struct {
	FramesSent     uint64
	FramesReceived uint64
	OnewayDropped  uint64
	LateResponses  uint64
}

// Conn is one channel session. Create it with NewConn, then Start it.
type Conn struct {
	id      string
	nc      net.Conn
	opts    Options
	codec   codec.Codec
	pending *PendingTable
	exec    Executor
	ownPool *WorkerPool

	state  atomic.Int32
	peer   atomic.Pointer[message.PeerIdentity]
	logger atomic.Pointer[zap.Logger]

	nextID  atomic.Uint64
	helloID atomic.Uint64
	out     chan []byte

	// closing is closed on entering CLOSING; done on entering CLOSED.
	closing   chan struct{}
	done      chan struct{}
	graceful  atomic.Bool
	closeOnce sync.Once
	startOnce sync.Once
	errMu     sync.Mutex
	err       error

	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup

	lastRecv       atomic.Int64
	dataSent       atomic.Uint64
	framesSent     atomic.Uint64
	framesReceived atomic.Uint64
	onewayDropped  atomic.Uint64
	lateResponses  atomic.Uint64
}

// NewConn wraps nc. The Conn is CONNECTING until the handshake completes.
func NewConn(nc net.Conn, opts Options) (*Conn, error) {
	opts = opts.withDefaults()
	cdc, err := codec.Lookup(opts.Serializer)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		id:      ulid.Make().String(),
		nc:      nc,
		opts:    opts,
		codec:   cdc,
		pending: NewPendingTable(),
		exec:    opts.Executor,
		out:     make(chan []byte, opts.SendQueueSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	if c.exec == nil {
		c.ownPool = NewWorkerPool(4*runtime.GOMAXPROCS(0), 1024)
		c.exec = c.ownPool
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.logger.Store(opts.Logger.With(
		zap.String("conn", c.id),
		zap.String("remote", nc.RemoteAddr().String()),
	))
	return c, nil
}

// Start launches the read, write and heartbeat loops.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		c.lastRecv.Store(time.Now().UnixNano())
		c.loops.Add(3)
		go c.readLoop()
		go c.writeLoop()
		go c.heartbeatLoop()
		go func() {
			c.loops.Wait()
			c.finalize()
		}()

		if c.opts.Role == RoleAcceptor && c.opts.HandshakeTimeout > 0 {
			timer := time.AfterFunc(c.opts.HandshakeTimeout, func() {
				if c.State() == StateConnecting {
					c.Abort(ErrHandshakeTimeout)
				}
			})
			go func() {
				<-c.done
				timer.Stop()
			}()
		}
	})
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

func (c *Conn) Local() message.PeerIdentity { return c.opts.Local }

func (c *Conn) Serializer() codec.Type { return c.codec.Type() }

// Pending returns the number of two-way calls awaiting a result.
func (c *Conn) Pending() int { return c.pending.Len() }

func (c *Conn) State() State { return State(c.state.Load()) }

// Done is closed when the Conn reaches CLOSED.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Peer returns the identity the remote side announced, or the zero value
// before the handshake.
func (c *Conn) Peer() message.PeerIdentity {
	if p := c.peer.Load(); p != nil {
		return *p
	}
	return message.PeerIdentity{}
}

// Err returns why the Conn closed; nil while open or after a local Close.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) Stats() Stats {
	return Stats{
		FramesSent:     c.framesSent.Load(),
		FramesReceived: c.framesReceived.Load(),
		OnewayDropped:  c.onewayDropped.Load(),
		LateResponses:  c.lateResponses.Load(),
	}
}

func (c *Conn) log() *zap.Logger { return c.logger.Load() }

// Handshake announces the local identity to the accepting side and waits
// for its answer. On success the Conn is ESTABLISHED and Peer returns the
// remote identity.
func (c *Conn) Handshake(ctx context.Context) (message.Handshake, error) {
	if c.opts.Role != RoleDialer {
		return message.Handshake{}, fmt.Errorf("%w: only the dialing side sends hello", ErrHandshakeRejected)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.HandshakeTimeout)
		defer cancel()
	}

	var reply message.Handshake
	if err := c.call(ctx, HandshakeService, HandshakeMethod, c.hello(), &reply, true); err != nil {
		return message.Handshake{}, err
	}
	// The read loop established the Conn when the answer arrived.
	switch c.State() {
	case StateEstablished:
		return reply, nil
	case StateConnecting:
		return message.Handshake{}, fmt.Errorf("%w: peer announced identity %q", ErrHandshakeRejected, reply.Identity.String())
	}
	return message.Handshake{}, ErrClosed
}

func (c *Conn) hello() message.Handshake {
	return message.Handshake{
		Identity:        c.opts.Local,
		ProtocolVersion: protocol.Version,
		Serializer:      uint32(c.codec.Type()),
	}
}

func (c *Conn) establish(peer message.PeerIdentity) {
	c.peer.Store(&peer)
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateEstablished)) {
		return
	}
	c.logger.Store(c.log().With(zap.Stringer("peer", peer)))
	c.log().Info("connection established")
	if c.opts.OnEstablished != nil {
		c.opts.OnEstablished(c)
	}
}

// Call invokes a two-way method on the peer and decodes the result into
// reply (which may be nil to discard it). Without a deadline on ctx the
// configured call timeout applies. A failure raised on the remote side is
// returned as *message.RemoteError.
//
// A timeout does not cancel the remote execution; its eventual response
// is dropped.
func (c *Conn) Call(ctx context.Context, serviceName, method string, args, reply any) error {
	return c.call(ctx, serviceName, method, args, reply, false)
}

func (c *Conn) call(ctx context.Context, serviceName, method string, args, reply any, handshake bool) error {
	switch c.State() {
	case StateConnecting:
		if !handshake {
			return ErrNotEstablished
		}
	case StateClosing, StateClosed:
		return ErrClosed
	}

	body, err := c.codec.Encode(args)
	if err != nil {
		return fmt.Errorf("transport: encoding %s.%s arguments: %w", serviceName, method, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()
	}
	deadline, _ := ctx.Deadline()

	id := c.nextID.Add(1)
	data, err := c.encode(&protocol.Frame{
		Type:          protocol.MsgTypeRequest,
		TransactionID: id,
		Serializer:    c.codec.Type(),
		Service:       serviceName,
		Method:        method,
		Body:          body,
	})
	if err != nil {
		return err
	}

	// Register before sending so the response can never beat the entry.
	call, err := c.pending.Register(id, deadline)
	if err != nil {
		return err
	}
	if handshake {
		c.helloID.Store(id)
	}
	if err := c.enqueue(ctx, data, true); err != nil {
		c.pending.Complete(id, Result{Err: err})
		return contextError(err)
	}

	return c.decodeResult(c.pending.Wait(ctx, call), reply)
}

func (c *Conn) decodeResult(res Result, reply any) error {
	if res.Err != nil {
		return res.Err
	}
	cdc, err := codec.Lookup(res.Serializer)
	if err != nil {
		return err
	}
	if res.Type == protocol.MsgTypeException {
		remote := &message.RemoteError{}
		if err := cdc.Decode(res.Body, remote); err != nil {
			return fmt.Errorf("transport: decoding exception: %w", err)
		}
		return remote
	}
	if reply == nil {
		return nil
	}
	if err := cdc.Decode(res.Body, reply); err != nil {
		return fmt.Errorf("transport: decoding result: %w", err)
	}
	return nil
}

// Notify sends a oneway call. It returns as soon as the frame is queued
// for writing; no pending entry is kept and no reply is expected. When the
// send queue is full the call is dropped and ErrQueueFull returned.
func (c *Conn) Notify(serviceName, method string, args any) error {
	switch c.State() {
	case StateConnecting:
		return ErrNotEstablished
	case StateClosing, StateClosed:
		return ErrClosed
	}

	body, err := c.codec.Encode(args)
	if err != nil {
		return fmt.Errorf("transport: encoding %s.%s arguments: %w", serviceName, method, err)
	}
	data, err := c.encode(&protocol.Frame{
		Type:       protocol.MsgTypeRequest,
		Flags:      protocol.FlagOneway,
		Serializer: c.codec.Type(),
		Service:    serviceName,
		Method:     method,
		Body:       body,
	})
	if err != nil {
		return err
	}
	if err := c.enqueue(context.Background(), data, false); err != nil {
		if errors.Is(err, ErrQueueFull) {
			c.onewayDropped.Add(1)
			c.log().Warn("dropping oneway call",
				zap.String("service", serviceName),
				zap.String("method", method),
				zap.Error(err))
		}
		return err
	}
	return nil
}

// encode frames f, refusing anything the peer would reject as oversized.
func (c *Conn) encode(f *protocol.Frame) ([]byte, error) {
	data, err := protocol.Encode(f)
	if err != nil {
		return nil, err
	}
	if size := len(data) - protocol.LengthPrefixSize; uint32(size) > c.opts.MaxFrameSize {
		return nil, fmt.Errorf("%w: %d > %d", protocol.ErrFrameTooLarge, size, c.opts.MaxFrameSize)
	}
	return data, nil
}

// enqueue hands an encoded frame to the writer. With block set it waits
// for queue space until ctx ends; otherwise a full queue fails at once.
func (c *Conn) enqueue(ctx context.Context, data []byte, block bool) error {
	select {
	case <-c.closing:
		return ErrClosed
	default:
	}

	if !block {
		select {
		case c.out <- data:
			return nil
		case <-c.closing:
			return ErrClosed
		default:
			return ErrQueueFull
		}
	}

	select {
	case c.out <- data:
		return nil
	case <-c.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close gracefully shuts the Conn down: no new frames are accepted, frames
// already queued are written, then the socket is released. Pending calls
// fail with ErrClosed. Close blocks until the Conn is CLOSED.
func (c *Conn) Close() error {
	c.shutdown(nil, true)
	// Never started: nothing will run finalize for us.
	c.startOnce.Do(c.finalize)
	<-c.done
	return nil
}

// Abort closes the socket immediately, discarding queued frames.
func (c *Conn) Abort(err error) {
	c.shutdown(err, false)
}

func (c *Conn) shutdown(cause error, graceful bool) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()

		c.graceful.Store(graceful)
		c.state.Store(int32(StateClosing))
		if cause != nil {
			c.log().Info("closing connection", zap.Error(cause))
		} else {
			c.log().Debug("closing connection")
		}
		close(c.closing)
		if !graceful {
			c.nc.Close()
		}
	})
}

func (c *Conn) finalize() {
	c.nc.Close()
	c.state.Store(int32(StateClosed))
	c.cancel()

	err := c.Err()
	failErr := ErrClosed
	if err != nil {
		failErr = fmt.Errorf("%w: %w", ErrClosed, err)
	}
	if n := c.pending.FailAll(failErr); n > 0 {
		c.log().Debug("failed pending calls", zap.Int("count", n))
	}
	if c.ownPool != nil {
		go c.ownPool.Close()
	}
	if c.opts.OnClose != nil {
		c.opts.OnClose(c, err)
	}
	close(c.done)
}

// readLoop is the only reader of the socket. Frames are dispatched in the
// order they arrive; reordering would break request/response correlation.
func (c *Conn) readLoop() {
	defer c.loops.Done()
	r := protocol.NewReader(bufio.NewReaderSize(c.nc, ioBufferSize), c.opts.MaxFrameSize)
	for {
		f, err := r.ReadFrame()
		if err != nil {
			c.shutdown(readError(err), false)
			return
		}
		c.lastRecv.Store(time.Now().UnixNano())
		c.framesReceived.Add(1)
		c.dispatch(f)
	}
}

func readError(err error) error {
	switch {
	case errors.Is(err, io.EOF):
		return ErrPeerClosed
	case errors.Is(err, protocol.ErrFrameTooLarge),
		errors.Is(err, protocol.ErrMalformedFrame),
		errors.Is(err, protocol.ErrUnsupportedVersion),
		errors.Is(err, protocol.ErrUnknownMessageType),
		errors.Is(err, protocol.ErrUnknownSerializer):
		return fmt.Errorf("transport: protocol violation: %w", err)
	}
	return fmt.Errorf("transport: read: %w", err)
}

// writeLoop is the only writer of the socket. It batches whatever is
// queued into one flush.
func (c *Conn) writeLoop() {
	defer c.loops.Done()
	bw := bufio.NewWriterSize(c.nc, ioBufferSize)

	write := func(data []byte) bool {
		if c.opts.WriteTimeout > 0 {
			c.nc.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		}
		if _, err := bw.Write(data); err != nil {
			c.shutdown(fmt.Errorf("transport: write: %w", err), false)
			return false
		}
		c.framesSent.Add(1)
		if !isControl(data) {
			c.dataSent.Add(1)
		}
		return true
	}
	drain := func() bool {
		for {
			select {
			case data := <-c.out:
				if !write(data) {
					return false
				}
			default:
				if err := bw.Flush(); err != nil {
					c.shutdown(fmt.Errorf("transport: write: %w", err), false)
					return false
				}
				return true
			}
		}
	}

	for {
		select {
		case data := <-c.out:
			if !write(data) || !drain() {
				return
			}
		case <-c.closing:
			if c.graceful.Load() {
				drain()
			}
			c.nc.Close()
			return
		}
	}
}

// heartbeatLoop pings when no request or reply was written during the last
// interval, declares the peer dead after HeartbeatMisses silent intervals,
// and sweeps overdue pending calls.
func (c *Conn) heartbeatLoop() {
	defer c.loops.Done()
	interval := c.opts.HeartbeatInterval
	if interval < 0 {
		<-c.closing
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadAfter := time.Duration(c.opts.HeartbeatMisses) * interval
	sentAtLastTick := c.dataSent.Load()

	for {
		select {
		case <-c.closing:
			return
		case now := <-ticker.C:
			if silent := now.Sub(time.Unix(0, c.lastRecv.Load())); silent > deadAfter {
				c.shutdown(fmt.Errorf("%w: nothing received for %s", ErrHeartbeatTimeout, silent.Round(time.Millisecond)), false)
				return
			}
			if sent := c.dataSent.Load(); sent == sentAtLastTick {
				c.sendControl(protocol.MsgTypeHeartbeatPing)
			} else {
				sentAtLastTick = sent
			}
			if n := c.pending.ExpireOverdue(now); n > 0 {
				c.log().Debug("expired overdue calls", zap.Int("count", n))
			}
		}
	}
}

// isControl reports whether an encoded frame is a ping or pong.
func isControl(data []byte) bool {
	if len(data) <= protocol.LengthPrefixSize+1 {
		return false
	}
	t := protocol.MsgType(data[protocol.LengthPrefixSize+1])
	return t == protocol.MsgTypeHeartbeatPing || t == protocol.MsgTypeHeartbeatPong
}

func (c *Conn) sendControl(t protocol.MsgType) {
	data, err := c.encode(&protocol.Frame{Type: t, Serializer: c.codec.Type()})
	if err == nil {
		// A full queue means traffic is flowing, which is proof of life too.
		err = c.enqueue(c.ctx, data, false)
	}
	if err != nil && !errors.Is(err, ErrClosed) {
		c.log().Debug("heartbeat not sent", zap.Stringer("type", t), zap.Error(err))
	}
}

func (c *Conn) dispatch(f *protocol.Frame) {
	switch f.Type {
	case protocol.MsgTypeRequest:
		c.handleRequest(f)
	case protocol.MsgTypeResponse, protocol.MsgTypeException:
		if f.Type == protocol.MsgTypeResponse && f.TransactionID == c.helloID.Load() {
			c.handleWelcome(f)
		}
		res := Result{Type: f.Type, Serializer: f.Serializer, Body: f.Body}
		if !c.pending.Complete(f.TransactionID, res) {
			c.lateResponses.Add(1)
			c.log().Debug("dropping response for unknown transaction", zap.Uint64("txid", f.TransactionID))
		}
	case protocol.MsgTypeHeartbeatPing:
		c.sendControl(protocol.MsgTypeHeartbeatPong)
	case protocol.MsgTypeHeartbeatPong:
		// lastRecv was refreshed by the read loop.
	}
}

func (c *Conn) handleRequest(f *protocol.Frame) {
	if f.Service == HandshakeService {
		c.handleHello(f)
		return
	}

	switch c.State() {
	case StateConnecting:
		if f.Oneway() {
			c.log().Warn("dropping oneway call before handshake",
				zap.String("service", f.Service), zap.String("method", f.Method))
			return
		}
		c.reject(f, message.Errorf(message.HandshakeRequiredException,
			"%s.%s called before handshake", f.Service, f.Method), false)
		return
	case StateClosing, StateClosed:
		c.log().Debug("ignoring request on closing connection",
			zap.String("service", f.Service), zap.String("method", f.Method))
		return
	}

	binding, ok := c.opts.Resolver.Resolve(f.Service, f.Method)
	if !ok {
		if f.Oneway() {
			c.log().Warn("oneway call to unknown method",
				zap.String("service", f.Service), zap.String("method", f.Method))
			return
		}
		c.reject(f, message.Errorf(message.ServiceNotFoundException,
			"service %s method %s not found", f.Service, f.Method), false)
		return
	}

	// The serializer was validated when the frame was decoded.
	cdc, _ := codec.Lookup(f.Serializer)
	call := service.NewCall(f.Service, f.Method, c.Peer(), f.Oneway(), func(v any) error {
		return cdc.Decode(f.Body, v)
	})
	if err := c.exec.Submit(func() { c.invoke(binding, call, f) }); err != nil {
		if f.Oneway() {
			c.log().Warn("dropping oneway call",
				zap.String("service", f.Service), zap.String("method", f.Method), zap.Error(err))
			return
		}
		c.reject(f, message.Errorf(message.ServerBusyException, "%s.%s: %v", f.Service, f.Method, err), false)
	}
}

func (c *Conn) invoke(binding service.Binding, call *service.Call, f *protocol.Frame) {
	defer func() {
		if r := recover(); r != nil {
			c.log().Error("handler panicked",
				zap.String("service", call.Service), zap.String("method", call.Method),
				zap.Any("panic", r), zap.Stack("stack"))
			if !f.Oneway() {
				c.reject(f, message.Errorf(message.PanicException, "%v", r), true)
			}
		}
	}()

	result, err := binding.Handler(c.ctx, call)
	if f.Oneway() {
		if err != nil {
			c.log().Warn("oneway handler failed",
				zap.String("service", call.Service), zap.String("method", call.Method), zap.Error(err))
		}
		return
	}
	if err != nil {
		c.reject(f, message.FromError(err), true)
		return
	}
	c.respond(f, result)
}

// respond sends a RESPONSE to request f, encoded with f's serializer.
func (c *Conn) respond(f *protocol.Frame, result any) {
	data, remote := c.response(f, result)
	if remote != nil {
		c.reject(f, remote, true)
		return
	}
	c.reply(f, data, true)
}

func (c *Conn) response(f *protocol.Frame, result any) ([]byte, *message.RemoteError) {
	cdc, _ := codec.Lookup(f.Serializer)
	body, err := cdc.Encode(result)
	if err != nil {
		return nil, message.Errorf(message.SerializationException, "encoding result: %v", err)
	}
	data, err := c.encode(&protocol.Frame{
		Type:          protocol.MsgTypeResponse,
		TransactionID: f.TransactionID,
		Serializer:    f.Serializer,
		Body:          body,
	})
	if err != nil {
		return nil, message.Errorf(message.SerializationException, "%v", err)
	}
	return data, nil
}

// reject sends an EXCEPTION to request f. The read loop passes block=false
// so a full send queue never stops it from reading.
func (c *Conn) reject(f *protocol.Frame, remote *message.RemoteError, block bool) {
	cdc, _ := codec.Lookup(f.Serializer)
	body, err := cdc.Encode(remote)
	if err != nil {
		c.log().Error("encoding exception", zap.Error(err))
		return
	}
	data, err := c.encode(&protocol.Frame{
		Type:          protocol.MsgTypeException,
		TransactionID: f.TransactionID,
		Serializer:    f.Serializer,
		Body:          body,
	})
	if err != nil {
		c.log().Error("encoding exception", zap.Error(err))
		return
	}
	c.reply(f, data, block)
}

func (c *Conn) reply(f *protocol.Frame, data []byte, block bool) bool {
	err := c.enqueue(c.ctx, data, block)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrQueueFull):
		c.log().Warn("dropping reply, send queue full",
			zap.String("service", f.Service), zap.String("method", f.Method),
			zap.Uint64("txid", f.TransactionID))
	default:
		c.log().Debug("reply not sent",
			zap.String("service", f.Service), zap.String("method", f.Method),
			zap.Uint64("txid", f.TransactionID), zap.Error(err))
	}
	return false
}

// handleWelcome establishes the dialing side as soon as the hello is
// answered, before the read loop looks at the next frame, so a request the
// peer sends right after its answer is never refused as premature.
func (c *Conn) handleWelcome(f *protocol.Frame) {
	if c.opts.Role != RoleDialer || c.State() != StateConnecting {
		return
	}
	var welcome message.Handshake
	cdc, _ := codec.Lookup(f.Serializer)
	if err := cdc.Decode(f.Body, &welcome); err != nil || !welcome.Identity.Valid() {
		return
	}
	c.establish(welcome.Identity)
}

// handleHello answers the handshake on the accepting side. It runs on the
// read loop so no request of the peer can be dispatched before the Conn
// is ESTABLISHED.
func (c *Conn) handleHello(f *protocol.Frame) {
	refuse := func(remote *message.RemoteError) {
		c.reject(f, remote, false)
		c.shutdown(fmt.Errorf("%w: %s", ErrHandshakeRejected, remote.Message), true)
	}

	if c.opts.Role != RoleAcceptor || c.State() != StateConnecting {
		c.reject(f, message.Errorf(message.HandshakeRejectedException, "unexpected hello in state %s", c.State()), false)
		return
	}

	var hello message.Handshake
	cdc, _ := codec.Lookup(f.Serializer)
	if err := cdc.Decode(f.Body, &hello); err != nil {
		refuse(message.Errorf(message.SerializationException, "decoding hello: %v", err))
		return
	}
	if hello.ProtocolVersion != protocol.Version {
		refuse(message.Errorf(message.ProtocolVersionException,
			"peer speaks version %d, want %d", hello.ProtocolVersion, protocol.Version))
		return
	}
	if !hello.Identity.Valid() {
		refuse(message.Errorf(message.HandshakeRejectedException, "identity %q is incomplete", hello.Identity.String()))
		return
	}
	if c.opts.Accept != nil {
		if err := c.opts.Accept(c, hello); err != nil {
			refuse(message.Errorf(message.HandshakeRejectedException, "%v", err))
			return
		}
	}

	// The answer is queued before the Conn is ESTABLISHED, so nothing sent
	// from OnEstablished or a connect hook can reach the peer ahead of it.
	welcome, remote := c.response(f, c.hello())
	if remote != nil {
		refuse(remote)
		return
	}
	if !c.reply(f, welcome, false) {
		c.shutdown(fmt.Errorf("%w: answer not sent", ErrHandshakeRejected), false)
		return
	}
	c.establish(hello.Identity)
}
