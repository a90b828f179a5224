// Package stub builds local callables for services implemented on the
// other side of a channel.
//
// A Stub is bound to a declared service.Interface, so a call to a method
// the interface does not list, or a two-way call to a oneway method, fails
// locally before anything is written to the wire.
package stub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agent-rpc/service"
)

var (
	ErrUnknownMethod  = errors.New("stub: method not declared by interface")
	ErrOnewayMismatch = errors.New("stub: call kind does not match method declaration")
)

// Invoker sends calls to a peer. *transport.Conn, *client.Client and the
// invoker returned by server.Peer satisfy it.
type Invoker interface {
	Call(ctx context.Context, service, method string, args, reply any) error
	Notify(service, method string, args any) error
}

type Options struct {
	// Timeout bounds two-way calls whose context carries no deadline.
	// Zero leaves the invoker's own default in place.
	Timeout time.Duration
}

// Stub is a proxy for one remote service.
type Stub struct {
	inv   Invoker
	iface service.Interface
	opts  Options
}

func New(inv Invoker, iface service.Interface, opts Options) *Stub {
	return &Stub{inv: inv, iface: iface, opts: opts}
}

func (s *Stub) Interface() service.Interface { return s.iface }

func (s *Stub) lookup(method string) (service.MethodSpec, error) {
	m, ok := s.iface.Lookup(method)
	if !ok {
		return service.MethodSpec{}, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, s.iface.Name, method)
	}
	return m, nil
}

// Call invokes a two-way method and decodes its result into reply.
func (s *Stub) Call(ctx context.Context, method string, args, reply any) error {
	m, err := s.lookup(method)
	if err != nil {
		return err
	}
	if m.Oneway {
		return fmt.Errorf("%w: %s.%s is oneway", ErrOnewayMismatch, s.iface.Name, method)
	}
	if _, ok := ctx.Deadline(); !ok && s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}
	return s.inv.Call(ctx, s.iface.Name, method, args, reply)
}

// Notify sends a oneway method. It returns once the call is queued.
func (s *Stub) Notify(method string, args any) error {
	m, err := s.lookup(method)
	if err != nil {
		return err
	}
	if !m.Oneway {
		return fmt.Errorf("%w: %s.%s is two-way", ErrOnewayMismatch, s.iface.Name, method)
	}
	return s.inv.Notify(s.iface.Name, method, args)
}

// Invoke calls method the way the interface declares it. For oneway
// methods reply is ignored.
func (s *Stub) Invoke(ctx context.Context, method string, args, reply any) error {
	m, err := s.lookup(method)
	if err != nil {
		return err
	}
	if m.Oneway {
		return s.Notify(method, args)
	}
	return s.Call(ctx, method, args, reply)
}

// Unary returns a typed function for a two-way method of s.
func Unary[A, R any](s *Stub, method string) (func(ctx context.Context, args A) (R, error), error) {
	m, err := s.lookup(method)
	if err != nil {
		return nil, err
	}
	if m.Oneway {
		return nil, fmt.Errorf("%w: %s.%s is oneway", ErrOnewayMismatch, s.iface.Name, method)
	}
	return func(ctx context.Context, args A) (R, error) {
		var reply R
		err := s.Call(ctx, method, args, &reply)
		return reply, err
	}, nil
}

// Oneway returns a typed function for a oneway method of s.
func Oneway[A any](s *Stub, method string) (func(args A) error, error) {
	m, err := s.lookup(method)
	if err != nil {
		return nil, err
	}
	if !m.Oneway {
		return nil, fmt.Errorf("%w: %s.%s is two-way", ErrOnewayMismatch, s.iface.Name, method)
	}
	return func(args A) error {
		return s.Notify(method, args)
	}, nil
}
