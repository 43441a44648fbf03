package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	return m
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	l.Info("dropped", String("k", "v"))
}

func TestWithKeepsFixedFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(zerolog.New(&buf)).With(String("comp", "watering"))

	l.Info("cycle done", Int("executed", 2), Duration("took", 3*time.Millisecond), Err(errors.New("boom")))

	m := decodeLine(t, &buf)
	assert.Equal(t, "watering", m["comp"])
	assert.Equal(t, "cycle done", m["message"])
	assert.EqualValues(t, 2, m["executed"])
	assert.Equal(t, "boom", m[zerolog.ErrorFieldName])
	assert.Contains(t, m["caller"], "logx_test.go")
}

func TestEnabledFollowsLevel(t *testing.T) {
	l := New(zerolog.New(&bytes.Buffer{}).Level(zerolog.WarnLevel))
	assert.False(t, l.Enabled(LevelInfo))
	assert.True(t, l.Enabled(LevelError))
}

func TestServiceApplySwapsLevelAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plantcare.log")
	svc, l := NewService(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	t.Cleanup(func() { _ = svc.Close() })

	l.Info("hidden")
	assert.False(t, l.Enabled(LevelInfo))

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	l.Info("visible", String("plant", "basil"))
	assert.True(t, l.Enabled(LevelDebug))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "visible")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" INFO ":  zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in, zerolog.InfoLevel), in)
	}
}

func TestCronLoggerMapsPairs(t *testing.T) {
	var buf bytes.Buffer
	cl := CronLogger(New(zerolog.New(&buf)))

	cl.Error(errors.New("panic"), "job failed", "entry", 3)

	m := decodeLine(t, &buf)
	assert.Equal(t, "cron: job failed", m["message"])
	assert.EqualValues(t, 3, m["entry"])
	assert.Equal(t, "panic", m[zerolog.ErrorFieldName])
}
