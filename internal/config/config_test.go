package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./clipflow.db
  busy_timeout: 5s
scheduler:
  enabled: true
  timezone: Asia/Jakarta
  history_size: 200
task_engine:
  workers: 3
queue:
  max_retries: 3
  retention: 168h
uploads:
  limits:
    tiktok: 5
    youtube: 3
  window: 1h
  min_interval: 2s
accounts:
  timezone: UTC
  error_threshold: 5
orchestrator:
  platforms: [tiktok, youtube]
  jobs:
    generate: { schedule: "*/5 * * * *", batch_size: 3 }
    upload: { schedule: "*/10 * * * *", batch_size: 5 }
    cleanup: { schedule: "0 3 * * *" }
collaborators:
  generator:
    command: ./bin/generate
    timeout: 10m
  uploaders:
    tiktok: { command: ./bin/upload-tiktok, args: ["--json"] }
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("clipflow.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "debug", cfg.Logging.Level)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "Asia/Jakarta", cfg.Scheduler.Timezone)
	assert.Equal(t, 3, cfg.TaskEngine.Workers)
	assert.Equal(t, map[string]int{"tiktok": 5, "youtube": 3}, cfg.Uploads.Limits)
	assert.Equal(t, []string{"tiktok", "youtube"}, cfg.Orchestrator.Platforms)
	assert.Equal(t, 3, cfg.Orchestrator.Jobs.Generate.BatchSize)
	assert.Equal(t, []string{"--json"}, cfg.Collaborators.Uploaders["tiktok"].Args)
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	_, err := Decode("c.json", []byte(`{"logging":{"level":"info"},"notifier":{}}`))
	assert.Error(t, err, "unknown section")

	_, err = Decode("c.json", []byte(`{"logging":{}} {"logging":{}}`))
	assert.Error(t, err, "trailing data")

	_, err = Decode("c.yml", []byte("queue:\n  max_retries: 2\n  retries: 1\n"))
	assert.Error(t, err, "unknown yaml key")

	cfg, err := Decode("c.json", []byte(`{}`))
	require.NoError(t, err)
	assert.NoError(t, Validate(cfg))
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"level", Config{Logging: LoggingConfig{Level: "loud"}}, "logging.level"},
		{"driver", Config{Storage: &StorageConfig{Driver: "mongo"}}, "storage.driver"},
		{"redis url", Config{Storage: &StorageConfig{Driver: "redis"}}, "storage.url"},
		{"timezone", Config{Scheduler: SchedulerConfig{Timezone: "Mars/Olympus"}}, "scheduler.timezone"},
		{"duration", Config{Queue: QueueConfig{Retention: "a week"}}, "queue.retention"},
		{"negative duration", Config{Uploads: UploadsConfig{Window: "-1h"}}, "uploads.window"},
		{"limit platform", Config{Uploads: UploadsConfig{Limits: map[string]int{"myspace": 1}}}, "uploads.limits.myspace"},
		{"limit value", Config{Uploads: UploadsConfig{Limits: map[string]int{"tiktok": -1}}}, "uploads.limits.tiktok"},
		{"fan-out all", Config{Orchestrator: OrchestratorConfig{Platforms: []string{"all"}}}, "orchestrator.platforms[0]"},
		{"uploader command", Config{Collaborators: CollaboratorsConfig{Uploaders: map[string]CommandConfig{"youtube": {}}}}, "collaborators.uploaders.youtube.command"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			err := Validate(&cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("x", " 90s ")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	d, err = ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = ParseDurationField("queue.retention", "7d")
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, d)

	for _, bad := range []string{"soon", "1.5d", "-2d", "-1s"} {
		_, err = ParseDurationField("x.y", bad)
		require.Error(t, err, bad)
		assert.Contains(t, err.Error(), "x.y")
	}
}

func TestDecodeRejectsEmptyAndNonMapping(t *testing.T) {
	t.Parallel()
	_, err := Decode("c.yaml", []byte("  \n"))
	require.Error(t, err)
	_, err = Decode("c.yaml", []byte("- a\n- b\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mapping")
	_, err = Decode("c.yml", []byte("logging:\n  level: debug\n"))
	require.NoError(t, err)
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	newCfg, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	changed, _, restart := SummarizeConfigChange(oldCfg, newCfg)
	assert.Empty(t, changed)
	assert.Empty(t, restart)

	newCfg.Uploads.Limits["tiktok"] = 8
	newCfg.Logging.Level = "info"
	newCfg.Storage.URL = "postgres://user:secret@db/clipflow"
	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"logging", "storage", "uploads"}, changed)
	assert.Equal(t, []string{"storage"}, restart)
	assert.NotEmpty(t, attrs)
}

func TestManagerLoadAndWatch(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "clipflow.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"info"}}`), 0o644))

	m := NewConfigManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Same(t, cfg, m.Get())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(200 * time.Millisecond)

	// An invalid reload is rejected and never published.
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"loud"}}`), 0o644))
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, "info", m.Get().Logging.Level)

	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o644))
	select {
	case got := <-ch:
		assert.Equal(t, "debug", got.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload not published")
	}
	assert.Equal(t, "debug", m.Get().Logging.Level)

	cancel()
	<-done
}
