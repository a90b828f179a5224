// Package registry publishes which collector node holds the live connection
// of each agent, so a command issuer can find the node to route through.
package registry

import (
	"context"
	"errors"
	"time"

	"agent-rpc/message"
)

var ErrInvalidInstance = errors.New("registry: instance needs a valid peer and node")

// Instance records one established agent connection.
type Instance struct {
	Peer message.PeerIdentity `json:"peer"`
	// Node is the advertise address of the collector holding the connection.
	Node   string    `json:"node"`
	ConnID string    `json:"conn_id"`
	Since  time.Time `json:"since"`
}

func (i Instance) valid() bool { return i.Peer.Valid() && i.Node != "" }

// Registry is the presence directory. Register replaces any entry of the
// same peer; Deregister only removes the entry if it still describes the
// same connection, so a stale close never hides a newer connection.
type Registry interface {
	Register(ctx context.Context, inst Instance, ttl time.Duration) error
	Deregister(ctx context.Context, inst Instance) error
	// Discover lists the instances of app, or of every app when app is "".
	Discover(ctx context.Context, app string) ([]Instance, error)
	// Watch emits the full list for app after every change, starting with
	// the current one. The channel closes when ctx ends.
	Watch(ctx context.Context, app string) <-chan []Instance
	Close() error
}
