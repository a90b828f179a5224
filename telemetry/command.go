package telemetry

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"agent-rpc/message"
	"agent-rpc/service"
)

const defaultDumpBytes = 64 << 10

// Settings are the agent options a collector may change at runtime.
type Settings struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewSettings(defaults map[string]string) *Settings {
	values := make(map[string]string, len(defaults))
	for k, v := range defaults {
		values[k] = v
	}
	return &Settings{values: values}
}

func (s *Settings) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Duration reads key as a duration, falling back to def.
func (s *Settings) Duration(key string, def time.Duration) time.Duration {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Float reads key as a float, falling back to def.
func (s *Settings) Float(key string, def float64) float64 {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func (s *Settings) Set(key, value string) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
}

func (s *Settings) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CommandServiceDesc returns the Command service an agent exposes.
func CommandServiceDesc(settings *Settings) service.Desc {
	return service.Desc{
		Name: CommandService,
		Methods: []service.Method{
			service.Unary("threadDump", func(ctx context.Context, req ThreadDumpRequest) (ThreadDump, error) {
				return threadDump(req.MaxBytes), nil
			}),
			service.Oneway("setConfig", func(ctx context.Context, change ConfigChange) error {
				if change.Key == "" {
					return message.Errorf("InvalidConfigException", "empty key")
				}
				settings.Set(change.Key, change.Value)
				return nil
			}),
		},
	}
}

func threadDump(maxBytes int) ThreadDump {
	if maxBytes <= 0 {
		maxBytes = defaultDumpBytes
	}
	buf := make([]byte, maxBytes)
	n := runtime.Stack(buf, true)
	return ThreadDump{
		Goroutines: runtime.NumGoroutine(),
		Dump:       string(buf[:n]),
		Truncated:  n == len(buf),
	}
}

// String summarizes a dump for logs.
func (d ThreadDump) String() string {
	return fmt.Sprintf("%d goroutines, %d bytes", d.Goroutines, len(d.Dump))
}
