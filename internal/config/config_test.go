package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "127.0.0.1:5555", cfg.Server.ListenAddr)
	assert.Equal(t, 64, cfg.Server.MaxInFlight)
	assert.Equal(t, 30*time.Second, cfg.Server.RequestTimeout.Std())
	assert.Equal(t, int64(1<<20), cfg.Server.MaxMessageBytes)
	assert.Equal(t, time.Minute, cfg.Server.PongWait.Std())
	assert.Equal(t, BackendMemory, cfg.State.Backend)
	assert.Equal(t, "flowq:", cfg.State.KeyPrefix)
	assert.Equal(t, 4, cfg.Engine.Workers)
	assert.Equal(t, 0, cfg.Engine.QueueCapacity)
	assert.Equal(t, time.Hour, cfg.Engine.MaxRunning.Std())
	assert.Equal(t, time.Minute, cfg.Engine.ReclaimInterval.Std())
	assert.Equal(t, "cache", cfg.FlowDB.CacheSchema)
	assert.False(t, cfg.FlowDB.DryRun)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestParseYAML(t *testing.T) {
	cfg, err := ParseYAML([]byte(`
server:
  listen_addr: ":9000"
state:
  backend: redis
  redis_addr: "redis:6379"
engine:
  workers: 8
  max_running: 90m
flowdb:
  dsn: postgres://flowdb@localhost/flowdb
`))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.ListenAddr)
	assert.Equal(t, 64, cfg.Server.MaxInFlight, "unset fields keep defaults")
	assert.Equal(t, BackendRedis, cfg.State.Backend)
	assert.Equal(t, "redis:6379", cfg.State.RedisAddr)
	assert.Equal(t, 8, cfg.Engine.Workers)
	assert.Equal(t, 90*time.Minute, cfg.Engine.MaxRunning.Std())
	assert.Equal(t, "postgres://flowdb@localhost/flowdb", cfg.FlowDB.DSN)
}

func TestParseYAML_Empty(t *testing.T) {
	cfg, err := ParseYAML(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseCUE(t *testing.T) {
	cfg, err := ParseCUE("flowq.cue", []byte(`
state: {
	backend:     "sqlite"
	sqlite_path: "/var/lib/flowq/state.db"
}
log: level: "debug"
`))
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, cfg.State.Backend)
	assert.Equal(t, "/var/lib/flowq/state.db", cfg.State.SQLitePath)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"unknown field", "server:\n  bogus: 1\n", "bogus"},
		{"unknown section", "metrics: {}\n", "metrics"},
		{"bad backend", "state:\n  backend: etcd\n", "backend"},
		{"zero workers", "engine:\n  workers: 0\n", "workers"},
		{"negative capacity", "engine:\n  queue_capacity: -1\n", "queue_capacity"},
		{"bad duration", "engine:\n  max_running: soon\n", "max_running"},
		{"bad log level", "log:\n  level: loud\n", "level"},
		{"bad schema name", "flowdb:\n  cache_schema: Cache\n", "cache_schema"},
		{"empty sqlite path", "state:\n  backend: sqlite\n  sqlite_path: \"\"\n", "state.sqlite_path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseYAML([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, IsError(err), "want *Error, got %T: %v", err, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "flowq.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("engine:\n  workers: 2\n"), 0o644))
	cfg, err := Load(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Engine.Workers)

	cuePath := filepath.Join(dir, "flowq.cue")
	require.NoError(t, os.WriteFile(cuePath, []byte("engine: workers: 3\n"), 0o644))
	cfg, err = Load(cuePath)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Engine.Workers)

	_, err = Load(filepath.Join(dir, "flowq.toml"))
	assert.Error(t, err)

	other := filepath.Join(dir, "flowq.json")
	require.NoError(t, os.WriteFile(other, []byte("{}"), 0o644))
	_, err = Load(other)
	assert.ErrorContains(t, err, "unsupported config file type")
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Engine.Workers = 7
	cfg.Engine.MaxRunning = Duration(45 * time.Minute)

	b, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(b), "max_running: 45m0s")

	back, err := ParseYAML(b)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}
