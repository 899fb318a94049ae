package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/kination/windsock/api/v1"
	"github.com/kination/windsock/internal/scheduler"
	"github.com/kination/windsock/internal/store"
)

const sampleConfig = `
core:
  dags_folder: /opt/dags
scheduler:
  policy: FairShare
  heartbeat_interval: 2s
triggerer:
  capacity: 50
  kwargs_key: AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=
executors:
  default: redis
  kubernetes:
    enabled: true
    namespace: jobs
  redis:
    enabled: true
    addr: redis:6379
    stale_after: 30s
    worker:
      queues: [default, gpu]
store:
  type: memory
pools:
  - name: warehouse
    slots: 4
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "windsock.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
	assert.Equal(t, []string{"local"}, Default().EnabledExecutors())
}

func TestLoad_File(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "/opt/dags", cfg.Core.DagsFolder)
	assert.Equal(t, "bash", cfg.Core.BashPath, "unset keys keep their defaults")
	assert.Equal(t, scheduler.PolicyFairShare, cfg.Scheduler.Policy)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.HeartbeatInterval)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.ZombieThreshold)
	assert.Equal(t, 50, cfg.Triggerer.Capacity)
	assert.Equal(t, time.Second, cfg.Triggerer.PollInterval)
	assert.Equal(t, "jobs", cfg.Executors.Kubernetes.Namespace)
	assert.Equal(t, "kubernetes", cfg.Executors.Kubernetes.Name)
	assert.Equal(t, "redis:6379", cfg.Executors.Redis.Addr)
	assert.Equal(t, 30*time.Second, cfg.Executors.Redis.StaleAfter)
	assert.Equal(t, []string{"default", "gpu"}, cfg.Executors.Redis.Worker.Queues)
	assert.Equal(t, store.StoreTypeMemory, cfg.Store.Type)
	assert.Equal(t, []v1.Pool{{Name: "warehouse", Slots: 4}}, cfg.Pools)
	assert.Equal(t, []string{"local", "kubernetes", "redis"}, cfg.EnabledExecutors())

	key, err := cfg.KwargsKey()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_BadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "scheduler: ["))
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("WINDSOCK_SCHEDULER_POLICY", "FIFO")
	t.Setenv("WINDSOCK_SCHEDULER_MAX_TIS_PER_LOOP", "7")
	t.Setenv("WINDSOCK_TRIGGERER_POLL_INTERVAL", "250ms")
	t.Setenv("WINDSOCK_EXECUTORS_REDIS_ADDR", "cache:6380")
	t.Setenv("WINDSOCK_EXECUTORS_REDIS_WORKER_QUEUES", "a, b")
	t.Setenv("WINDSOCK_STORE_WAL", "false")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, scheduler.PolicyFIFO, cfg.Scheduler.Policy)
	assert.Equal(t, 7, cfg.Scheduler.MaxTIsPerLoop)
	assert.Equal(t, 250*time.Millisecond, cfg.Triggerer.PollInterval)
	assert.Equal(t, "cache:6380", cfg.Executors.Redis.Addr)
	assert.Equal(t, []string{"a", "b"}, cfg.Executors.Redis.Worker.Queues)
	assert.False(t, cfg.Store.WAL)
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("WINDSOCK_SCHEDULER_HEARTBEAT_INTERVAL", "soon")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WINDSOCK_SCHEDULER_HEARTBEAT_INTERVAL")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"policy", func(c *Config) { c.Scheduler.Policy = "Random" }},
		{"heartbeat", func(c *Config) { c.Scheduler.HeartbeatInterval = 0 }},
		{"zombie threshold", func(c *Config) { c.Scheduler.ZombieThreshold = time.Second }},
		{"capacity", func(c *Config) { c.Triggerer.Capacity = 0 }},
		{"short key", func(c *Config) { c.Triggerer.KwargsKey = "AAAA" }},
		{"store", func(c *Config) { c.Store.Type = "postgres" }},
		{"default executor", func(c *Config) { c.Executors.Default = "kubernetes" }},
		{"duplicate executor", func(c *Config) {
			c.Executors.Kubernetes.Enabled = true
			c.Executors.Kubernetes.Name = "local"
		}},
		{"redis addr", func(c *Config) {
			c.Executors.Redis.Enabled = true
			c.Executors.Redis.Addr = ""
		}},
		{"pool", func(c *Config) { c.Pools = []v1.Pool{{Slots: 1}} }},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}
