package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRegistry is an in-process Registry for single-node setups and
// tests. Entries do not expire.
type MemoryRegistry struct {
	mu       sync.Mutex
	entries  map[string]Instance
	watchers map[chan struct{}]struct{}
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		entries:  make(map[string]Instance),
		watchers: make(map[chan struct{}]struct{}),
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, inst Instance, ttl time.Duration) error {
	if !inst.valid() {
		return ErrInvalidInstance
	}
	r.mu.Lock()
	r.entries[key(inst.Peer.App, inst.Peer.Instance)] = inst
	r.notifyLocked()
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, inst Instance) error {
	k := key(inst.Peer.App, inst.Peer.Instance)
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[k]; ok && cur.ConnID == inst.ConnID {
		delete(r.entries, k)
		r.notifyLocked()
	}
	return nil
}

func (r *MemoryRegistry) Discover(ctx context.Context, app string) ([]Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(app), nil
}

func (r *MemoryRegistry) listLocked(app string) []Instance {
	instances := make([]Instance, 0, len(r.entries))
	for _, inst := range r.entries {
		if app == "" || inst.Peer.App == app {
			instances = append(instances, inst)
		}
	}
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].Peer.String() < instances[j].Peer.String()
	})
	return instances
}

func (r *MemoryRegistry) notifyLocked() {
	for w := range r.watchers {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

func (r *MemoryRegistry) Watch(ctx context.Context, app string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	changed := make(chan struct{}, 1)
	changed <- struct{}{}

	r.mu.Lock()
	r.watchers[changed] = struct{}{}
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.watchers, changed)
			r.mu.Unlock()
			close(ch)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-changed:
			}
			r.mu.Lock()
			instances := r.listLocked(app)
			r.mu.Unlock()
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (r *MemoryRegistry) Close() error { return nil }
