package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// KeyPrefix roots every presence key:
//
//	Key:   /agent-rpc/peers/{app}/{instance}
//	Value: JSON-encoded Instance
const KeyPrefix = "/agent-rpc/peers/"

type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
}

// EtcdRegistry implements Registry on etcd v3. Every entry is attached to
// its own lease, kept alive while the connection lives; if the collector
// crashes the lease expires and the entry disappears with it.
type EtcdRegistry struct {
	client *clientv3.Client
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // by connection id
}

func NewEtcdRegistry(cfg EtcdConfig, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connecting to etcd: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdRegistry{
		client: c,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

func key(app, instance string) string {
	return KeyPrefix + app + "/" + instance
}

func appPrefix(app string) string {
	if app == "" {
		return KeyPrefix
	}
	return KeyPrefix + app + "/"
}

func ttlSeconds(ttl time.Duration) int64 {
	s := int64((ttl + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

// Register puts inst under a fresh lease and keeps the lease alive until
// Deregister or Close.
func (r *EtcdRegistry) Register(ctx context.Context, inst Instance, ttl time.Duration) error {
	if !inst.valid() {
		return ErrInvalidInstance
	}
	val, err := json.Marshal(inst)
	if err != nil {
		return err
	}

	lease, err := r.client.Grant(ctx, ttlSeconds(ttl))
	if err != nil {
		return fmt.Errorf("registry: granting lease: %w", err)
	}
	if _, err := r.client.Put(ctx, key(inst.Peer.App, inst.Peer.Instance), string(val), clientv3.WithLease(lease.ID)); err != nil {
		r.client.Revoke(context.WithoutCancel(ctx), lease.ID)
		return fmt.Errorf("registry: publishing %s: %w", inst.Peer, err)
	}

	// The keepalive outlives ctx: it stops with Deregister or Close.
	ch, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		r.client.Revoke(context.WithoutCancel(ctx), lease.ID)
		return fmt.Errorf("registry: keeping lease alive: %w", err)
	}
	go func() {
		for range ch {
		}
	}()

	r.mu.Lock()
	r.leases[inst.ConnID] = lease.ID
	r.mu.Unlock()
	return nil
}

// Deregister revokes the lease inst was published with. If a newer
// connection of the same peer has overwritten the key, its entry lives on
// under its own lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, inst Instance) error {
	r.mu.Lock()
	lease, ok := r.leases[inst.ConnID]
	delete(r.leases, inst.ConnID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if _, err := r.client.Revoke(ctx, lease); err != nil {
		return fmt.Errorf("registry: revoking %s: %w", inst.Peer, err)
	}
	return nil
}

func (r *EtcdRegistry) Discover(ctx context.Context, app string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, appPrefix(app), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			r.logger.Warn("skipping malformed presence entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Watch re-reads the full list on every change under the app prefix,
// which is simpler than folding individual watch events.
func (r *EtcdRegistry) Watch(ctx context.Context, app string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, appPrefix(app), clientv3.WithPrefix())

		emit := func() bool {
			instances, err := r.Discover(ctx, app)
			if err != nil {
				r.logger.Debug("presence refresh failed", zap.Error(err))
				return ctx.Err() == nil
			}
			select {
			case ch <- instances:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit() {
			return
		}
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				r.logger.Warn("presence watch failed", zap.Error(err))
				return
			}
			if !emit() {
				return
			}
		}
	}()
	return ch
}

// Close stops every keepalive and releases the etcd client. Entries left
// behind expire with their leases.
func (r *EtcdRegistry) Close() error {
	r.cancel()
	return r.client.Close()
}
