package config

import (
	"go.uber.org/zap"

	"agent-rpc/codec"
	"agent-rpc/transport"
)

// TransportOptions converts the connection section into transport.Options.
// Role, identity, resolver and hooks are left for the endpoint to fill.
func (c ConnectionConfig) TransportOptions(logger *zap.Logger) (transport.Options, error) {
	serializer, err := codec.ParseType(c.Serializer)
	if err != nil {
		return transport.Options{}, err
	}
	return transport.Options{
		Serializer:        serializer,
		MaxFrameSize:      c.MaxFrameSize,
		SendQueueSize:     c.SendQueueSize,
		HeartbeatInterval: c.HeartbeatInterval,
		HeartbeatMisses:   c.HeartbeatMisses,
		CallTimeout:       c.CallTimeout,
		WriteTimeout:      c.WriteTimeout,
		HandshakeTimeout:  c.HandshakeTimeout,
		Logger:            logger,
	}, nil
}

// NewWorkerPool builds the shared handler pool the workers section
// describes.
func (w WorkersConfig) NewWorkerPool() *transport.WorkerPool {
	return transport.NewWorkerPool(w.Size, w.QueueSize)
}
