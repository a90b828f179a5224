// Package telemetry holds the services the collector and agent binaries
// expose to each other: agents report samples upward through Telemetry,
// collectors push commands downward through Command.
package telemetry

import (
	"time"

	"agent-rpc/service"
)

// Sample is one measurement reported by an agent.
type Sample struct {
	Metric string            `json:"metric" cbor:"metric"`
	Value  float64           `json:"value" cbor:"value"`
	Tags   map[string]string `json:"tags,omitempty" cbor:"tags,omitempty"`
	Time   time.Time         `json:"time" cbor:"time"`
}

// FlushResult answers Telemetry.flush.
type FlushResult struct {
	// Accepted counts samples stored for the caller since its last flush.
	Accepted int `json:"accepted" cbor:"accepted"`
}

type ThreadDumpRequest struct {
	// MaxBytes truncates the dump; zero means the default of 64 KiB.
	MaxBytes int `json:"max_bytes" cbor:"max_bytes"`
}

type ThreadDump struct {
	Goroutines int    `json:"goroutines" cbor:"goroutines"`
	Dump       string `json:"dump" cbor:"dump"`
	Truncated  bool   `json:"truncated" cbor:"truncated"`
}

// ConfigChange sets one agent setting.
type ConfigChange struct {
	Key   string `json:"key" cbor:"key"`
	Value string `json:"value" cbor:"value"`
}

const (
	TelemetryService = "Telemetry"
	CommandService   = "Command"
)

// TelemetryInterface is what agents call on the collector.
var TelemetryInterface = service.Interface{
	Name: TelemetryService,
	Methods: []service.MethodSpec{
		{Name: "report", Oneway: true},
		{Name: "flush"},
	},
}

// CommandInterface is what collectors call on an agent.
var CommandInterface = service.Interface{
	Name: CommandService,
	Methods: []service.MethodSpec{
		{Name: "threadDump"},
		{Name: "setConfig", Oneway: true},
	},
}
