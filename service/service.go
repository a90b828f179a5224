// Package service maps service and method names to local implementations.
//
// A service is a named set of typed methods. Methods are built with Unary
// or Oneway, which bind a Go function with concrete argument and result
// types, so a Registry never has to inspect handlers by reflection.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"agent-rpc/message"
)

// ReservedPrefix is kept for services the channel itself answers, such as
// the handshake.
const ReservedPrefix = "rpc."

var (
	ErrDuplicateService = errors.New("service: duplicate service")
	ErrInvalidDesc      = errors.New("service: invalid service description")
)

// Call describes one inbound invocation.
type Call struct {
	Service string
	Method  string
	Peer    message.PeerIdentity
	Oneway  bool

	decode func(v any) error
}

// NewCall is used by the connection to hand a decoded request to a handler.
// decode deserializes the argument payload with the frame's serializer.
func NewCall(service, method string, peer message.PeerIdentity, oneway bool, decode func(v any) error) *Call {
	return &Call{Service: service, Method: method, Peer: peer, Oneway: oneway, decode: decode}
}

// Decode deserializes the call's argument into v. A payload that does not
// fit v is reported to the caller as a SerializationException.
func (c *Call) Decode(v any) error {
	if c.decode == nil {
		return nil
	}
	if err := c.decode(v); err != nil {
		return message.Errorf(message.SerializationException, "%s.%s: decoding argument: %v", c.Service, c.Method, err)
	}
	return nil
}

// Handler executes a call and returns the value to serialize into the
// RESPONSE. The result of a oneway call is discarded.
type Handler func(ctx context.Context, call *Call) (any, error)

// Middleware wraps a Handler, onion style.
type Middleware func(next Handler) Handler

// Method is one entry of a service description.
type Method struct {
	Name    string
	Oneway  bool
	Handler Handler
}

// Unary binds a two-way method with argument type A and result type R.
func Unary[A, R any](name string, fn func(ctx context.Context, args A) (R, error)) Method {
	return Method{
		Name: name,
		Handler: func(ctx context.Context, call *Call) (any, error) {
			var args A
			if err := call.Decode(&args); err != nil {
				return nil, err
			}
			return fn(ctx, args)
		},
	}
}

// Oneway binds a fire-and-forget method with argument type A.
func Oneway[A any](name string, fn func(ctx context.Context, args A) error) Method {
	return Method{
		Name:   name,
		Oneway: true,
		Handler: func(ctx context.Context, call *Call) (any, error) {
			var args A
			if err := call.Decode(&args); err != nil {
				return nil, err
			}
			return nil, fn(ctx, args)
		},
	}
}

// Desc describes a service implementation to register.
type Desc struct {
	Name    string
	Methods []Method
}

// Interface returns the remote-facing shape of d, suitable for building a
// stub on the other side.
func (d Desc) Interface() Interface {
	specs := make([]MethodSpec, len(d.Methods))
	for i, m := range d.Methods {
		specs[i] = MethodSpec{Name: m.Name, Oneway: m.Oneway}
	}
	return Interface{Name: d.Name, Methods: specs}
}

// MethodSpec declares a remote method without an implementation.
type MethodSpec struct {
	Name   string
	Oneway bool
}

// Interface declares a remote service: its name and fixed method list.
type Interface struct {
	Name    string
	Methods []MethodSpec
}

// Lookup finds a method by name.
func (i Interface) Lookup(method string) (MethodSpec, bool) {
	for _, m := range i.Methods {
		if m.Name == method {
			return m, true
		}
	}
	return MethodSpec{}, false
}

// Binding is the result of a successful Resolve.
type Binding struct {
	Service string
	Method  string
	Oneway  bool
	Handler Handler
}

// Registry holds the services one endpoint exposes. Connections of the
// endpoint share it; bindings never change once registered.
type Registry struct {
	mu          sync.RWMutex
	services    map[string]map[string]Binding
	middlewares []Middleware
}

func NewRegistry() *Registry {
	return &Registry{services: make(map[string]map[string]Binding)}
}

// Use appends middlewares applied to every resolved handler. The first
// middleware added is the outermost.
func (r *Registry) Use(mws ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middlewares = append(r.middlewares, mws...)
}

// Register adds a service. Registering the same name twice fails.
func (r *Registry) Register(desc Desc) error {
	if desc.Name == "" || strings.HasPrefix(desc.Name, ReservedPrefix) {
		return fmt.Errorf("%w: service name %q", ErrInvalidDesc, desc.Name)
	}
	if len(desc.Methods) == 0 {
		return fmt.Errorf("%w: %s has no methods", ErrInvalidDesc, desc.Name)
	}

	methods := make(map[string]Binding, len(desc.Methods))
	for _, m := range desc.Methods {
		if m.Name == "" || m.Handler == nil {
			return fmt.Errorf("%w: %s has a method without name or handler", ErrInvalidDesc, desc.Name)
		}
		if _, dup := methods[m.Name]; dup {
			return fmt.Errorf("%w: %s.%s declared twice", ErrInvalidDesc, desc.Name, m.Name)
		}
		methods[m.Name] = Binding{Service: desc.Name, Method: m.Name, Oneway: m.Oneway, Handler: m.Handler}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.services[desc.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateService, desc.Name)
	}
	r.services[desc.Name] = methods
	return nil
}

// MustRegister is Register for setup code; it panics on error.
func (r *Registry) MustRegister(desc Desc) {
	if err := r.Register(desc); err != nil {
		panic(err)
	}
}

// Resolve finds the binding for service.method with the registry's
// middlewares applied.
func (r *Registry) Resolve(service, method string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.services[service][method]
	if !ok {
		return Binding{}, false
	}
	for i := len(r.middlewares) - 1; i >= 0; i-- {
		b.Handler = r.middlewares[i](b.Handler)
	}
	return b, true
}

// Services returns the registered service names in sorted order.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
