// Package config loads the YAML configuration shared by the collector and
// agent binaries.
//
// Values start from Default and are overlaid by the file, so a file only
// needs to name what it changes.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log        LogConfig        `yaml:"log"`
	Connection ConnectionConfig `yaml:"connection"`
	Workers    WorkersConfig    `yaml:"workers"`
	Server     ServerConfig     `yaml:"server"`
	Client     ClientConfig     `yaml:"client"`
	Registry   RegistryConfig   `yaml:"registry"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is json or console.
	Format string `yaml:"format"`
	// Output is stderr, stdout or a file path.
	Output string `yaml:"output"`
}

// ConnectionConfig applies to every channel session, in both roles.
type ConnectionConfig struct {
	// Serializer is json or cbor.
	Serializer        string        `yaml:"serializer"`
	MaxFrameSize      uint32        `yaml:"max_frame_size"`
	SendQueueSize     int           `yaml:"send_queue_size"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatMisses   int           `yaml:"heartbeat_misses"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
}

// WorkersConfig sizes the pool running inbound handlers.
type WorkersConfig struct {
	Size      int `yaml:"size"`
	QueueSize int `yaml:"queue_size"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
	// Advertise is the routable address published in the presence
	// registry. Defaults to Listen.
	Advertise       string        `yaml:"advertise"`
	App             string        `yaml:"app"`
	Instance        string        `yaml:"instance"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type ClientConfig struct {
	Address           string        `yaml:"address"`
	App               string        `yaml:"app"`
	Instance          string        `yaml:"instance"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// RegistryConfig configures etcd presence. No endpoints disables it.
type RegistryConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	TTL         time.Duration `yaml:"ttl"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

func (r RegistryConfig) Enabled() bool { return len(r.Endpoints) > 0 }

func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
		Connection: ConnectionConfig{
			Serializer:        "json",
			MaxFrameSize:      16 << 20,
			SendQueueSize:     1024,
			HeartbeatInterval: 30 * time.Second,
			HeartbeatMisses:   3,
			CallTimeout:       30 * time.Second,
			WriteTimeout:      10 * time.Second,
			HandshakeTimeout:  10 * time.Second,
		},
		Workers: WorkersConfig{
			Size:      64,
			QueueSize: 4096,
		},
		Server: ServerConfig{
			Listen:          ":9440",
			App:             "collector",
			ShutdownTimeout: 15 * time.Second,
		},
		Client: ClientConfig{
			Address:           "127.0.0.1:9440",
			DialTimeout:       5 * time.Second,
			BackoffInitial:    500 * time.Millisecond,
			BackoffMax:        30 * time.Second,
			BackoffMultiplier: 2,
		},
		Registry: RegistryConfig{
			TTL:         15 * time.Second,
			DialTimeout: 5 * time.Second,
		},
	}
}

// Load reads path over the defaults and validates the result. An empty
// path returns the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse overlays YAML data onto cfg. Unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty document leaves the defaults untouched.
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: parsing: %w", err)
	}
	return nil
}
