package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-rpc/codec"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent-rpc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeFile(t, `
log:
  level: debug
  format: console
connection:
  serializer: cbor
  heartbeat_interval: 5s
  call_timeout: 1500ms
server:
  listen: 0.0.0.0:9500
  advertise: 10.1.2.3:9500
client:
  address: collector.internal:9500
  app: checkout
  instance: 10.0.0.7:4000
registry:
  endpoints: [etcd-1:2379, etcd-2:2379]
  ttl: 20s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "stderr", cfg.Log.Output)
	assert.Equal(t, "cbor", cfg.Connection.Serializer)
	assert.Equal(t, 5*time.Second, cfg.Connection.HeartbeatInterval)
	assert.Equal(t, 1500*time.Millisecond, cfg.Connection.CallTimeout)
	assert.Equal(t, 3, cfg.Connection.HeartbeatMisses)
	assert.Equal(t, "10.1.2.3:9500", cfg.Server.Advertise)
	assert.Equal(t, "collector", cfg.Server.App)
	assert.Equal(t, "checkout", cfg.Client.App)
	assert.True(t, cfg.Registry.Enabled())
	assert.Equal(t, 20*time.Second, cfg.Registry.TTL)

	opts, err := cfg.Connection.TransportOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, codec.TypeCBOR, opts.Serializer)
	assert.Equal(t, 5*time.Second, opts.HeartbeatInterval)
	assert.EqualValues(t, 16<<20, opts.MaxFrameSize)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeFile(t, "connection:\n  heartbeat: 5s\n"))
	assert.ErrorContains(t, err, "heartbeat")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "verbose"
	cfg.Connection.Serializer = "xml"
	cfg.Connection.SendQueueSize = 0
	cfg.Workers.Size = 0
	cfg.Client.BackoffMultiplier = 0.5
	cfg.Registry.Endpoints = []string{""}

	err := cfg.Validate()
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Errors, 6)
	assert.Contains(t, err.Error(), "log.level")
	assert.Contains(t, err.Error(), "connection.serializer")
	assert.Contains(t, err.Error(), "registry.endpoints[0]")
}

func TestValidateSkipsUnusedSections(t *testing.T) {
	cfg := Default()
	cfg.Server.Listen = ""
	cfg.Server.App = ""
	cfg.Client.Address = ""
	cfg.Client.BackoffInitial = 0
	assert.NoError(t, cfg.Validate())
}

func TestNegativeHeartbeatDisables(t *testing.T) {
	cfg := Default()
	cfg.Connection.HeartbeatInterval = -1
	require.NoError(t, cfg.Validate())
	opts, err := cfg.Connection.TransportOptions(nil)
	require.NoError(t, err)
	assert.Negative(t, opts.HeartbeatInterval)
}
