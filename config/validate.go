package config

import (
	"fmt"
	"net"
	"strings"

	"agent-rpc/codec"
)

// ValidationError lists every problem found in a Config.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

func (v *ValidationError) add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate returns a *ValidationError when the configuration is unusable.
// The client section is only checked when an address is set, the server
// section only when a listen address is set.
func (c *Config) Validate() error {
	ve := &ValidationError{}
	c.validateLog(ve)
	c.validateConnection(ve)
	c.validateWorkers(ve)
	c.validateServer(ve)
	c.validateClient(ve)
	c.validateRegistry(ve)
	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

var (
	validLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validFormats = map[string]bool{"json": true, "console": true}
)

func (c *Config) validateLog(ve *ValidationError) {
	if !validLevels[c.Log.Level] {
		ve.add("log.level %q must be one of debug, info, warn, error", c.Log.Level)
	}
	if !validFormats[c.Log.Format] {
		ve.add("log.format %q must be json or console", c.Log.Format)
	}
	if c.Log.Output == "" {
		ve.add("log.output must not be empty")
	}
}

func (c *Config) validateConnection(ve *ValidationError) {
	cc := c.Connection
	if _, err := codec.ParseType(cc.Serializer); err != nil {
		ve.add("connection.serializer %q must be json or cbor", cc.Serializer)
	}
	if cc.MaxFrameSize < 1024 {
		ve.add("connection.max_frame_size must be >= 1024")
	}
	if cc.SendQueueSize <= 0 {
		ve.add("connection.send_queue_size must be > 0")
	}
	if cc.HeartbeatInterval == 0 {
		ve.add("connection.heartbeat_interval must be set (negative disables heartbeats)")
	}
	if cc.HeartbeatMisses <= 0 {
		ve.add("connection.heartbeat_misses must be > 0")
	}
	if cc.CallTimeout <= 0 {
		ve.add("connection.call_timeout must be > 0")
	}
	if cc.WriteTimeout < 0 {
		ve.add("connection.write_timeout must be >= 0")
	}
	if cc.HandshakeTimeout <= 0 {
		ve.add("connection.handshake_timeout must be > 0")
	}
}

func (c *Config) validateWorkers(ve *ValidationError) {
	if c.Workers.Size <= 0 {
		ve.add("workers.size must be > 0")
	}
	if c.Workers.QueueSize < 0 {
		ve.add("workers.queue_size must be >= 0")
	}
}

func (c *Config) validateServer(ve *ValidationError) {
	s := c.Server
	if s.Listen == "" {
		return
	}
	if _, _, err := net.SplitHostPort(s.Listen); err != nil {
		ve.add("server.listen %q: %v", s.Listen, err)
	}
	if s.Advertise != "" {
		if _, _, err := net.SplitHostPort(s.Advertise); err != nil {
			ve.add("server.advertise %q: %v", s.Advertise, err)
		}
	}
	if s.App == "" {
		ve.add("server.app must not be empty")
	}
	if s.ShutdownTimeout <= 0 {
		ve.add("server.shutdown_timeout must be > 0")
	}
}

func (c *Config) validateClient(ve *ValidationError) {
	cl := c.Client
	if cl.Address == "" {
		return
	}
	if _, _, err := net.SplitHostPort(cl.Address); err != nil {
		ve.add("client.address %q: %v", cl.Address, err)
	}
	if cl.DialTimeout <= 0 {
		ve.add("client.dial_timeout must be > 0")
	}
	if cl.BackoffInitial <= 0 {
		ve.add("client.backoff_initial must be > 0")
	}
	if cl.BackoffMax < cl.BackoffInitial {
		ve.add("client.backoff_max must be >= client.backoff_initial")
	}
	if cl.BackoffMultiplier < 1 {
		ve.add("client.backoff_multiplier must be >= 1")
	}
}

func (c *Config) validateRegistry(ve *ValidationError) {
	r := c.Registry
	if !r.Enabled() {
		return
	}
	for i, ep := range r.Endpoints {
		if ep == "" {
			ve.add("registry.endpoints[%d] must not be empty", i)
		}
	}
	if r.TTL <= 0 {
		ve.add("registry.ttl must be > 0")
	}
	if r.DialTimeout <= 0 {
		ve.add("registry.dial_timeout must be > 0")
	}
}
