package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipflow/internal/eventbus"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "queue"))
	log.Info("item enqueued", String("queue_id", "q1"), Int("n", 2), Err(errors.New("boom")), Err(nil))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "info", m["level"])
	assert.Equal(t, "item enqueued", m["message"])
	assert.Equal(t, "queue", m["comp"])
	assert.Equal(t, "q1", m["queue_id"])
	assert.Equal(t, float64(2), m["n"])
	assert.Equal(t, "boom", m[zerolog.ErrorFieldName])
	assert.Contains(t, m["caller"], "logging_test.go:")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("dropped")
	assert.Zero(t, buf.Len())
	assert.False(t, log.Enabled(LevelInfo))
	assert.True(t, log.Enabled(LevelError))
}

func TestZeroAndNopLoggersAreSafe(t *testing.T) {
	var zero Logger
	assert.True(t, zero.IsZero())
	zero.Error("nothing happens")
	Nop().With(String("a", "b")).Warn("nothing happens")
	assert.False(t, Nop().IsZero())
}

func TestAlertSinkPublishesWarnings(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "clipflow.log")},
		Alerts: AlertConfig{
			Enabled:    true,
			MinLevel:   "warn",
			RatePerSec: 1,
		},
	}, bus)
	defer svc.Close()

	log.Info("below threshold")
	log.Warn("account deactivated", String("account_id", "a1"))
	log.Warn("throttled")

	select {
	case e := <-events:
		require.Equal(t, eventbus.TypeLogAlert, e.Type)
		a, ok := e.Data.(Alert)
		require.True(t, ok)
		assert.Equal(t, "warn", a.Level)
		assert.Equal(t, "account deactivated", a.Message)
		assert.Equal(t, "a1", a.Fields["account_id"])
	case <-time.After(time.Second):
		t.Fatal("no alert published")
	}
	select {
	case e := <-events:
		t.Fatalf("unexpected alert %v", e.Data)
	default:
	}
}

func TestApplySwapsLevel(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	cfg := Config{Level: "error", Alerts: AlertConfig{Enabled: true, MinLevel: "debug", RatePerSec: 10}}
	svc, log := New(cfg, bus)
	defer svc.Close()

	log.Warn("filtered by level")
	cfg.Level = "debug"
	svc.Apply(cfg)
	log.Warn("now visible")

	select {
	case e := <-events:
		assert.Equal(t, "now visible", e.Data.(Alert).Message)
	case <-time.After(time.Second):
		t.Fatal("no alert after Apply")
	}
}

func TestDecodeAlertFallsBackToRawText(t *testing.T) {
	a, ok := decodeAlert([]byte("not json\n"))
	require.True(t, ok)
	assert.Equal(t, "not json", a.Message)
	_, ok = decodeAlert([]byte("  "))
	assert.False(t, ok)
}
