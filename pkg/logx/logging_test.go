package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerZeroValueIsNop(t *testing.T) {
	t.Parallel()

	var l Logger
	require.True(t, l.IsZero())
	l.Info("nothing happens", String("k", "v"))
}

func TestNewJSONWritesFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := NewJSON(&buf, "debug").With(String("comp", "test"))
	l.Warn("hello", Int("n", 3), Duration("d", time.Second))

	var m map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m))
	assert.Equal(t, "warn", m["level"])
	assert.Equal(t, "hello", m["message"])
	assert.Equal(t, "test", m["comp"])
	assert.EqualValues(t, 3, m["n"])
	assert.Contains(t, m["caller"], "logging_test.go")
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := NewJSON(&buf, "warn")
	l.Debug("dropped")
	l.Info("dropped")
	l.Error("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "kept")
	assert.True(t, l.Enabled(LevelError))
	assert.False(t, l.Enabled(LevelDebug))
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Level
	}{
		{"trace", LevelTrace},
		{" DEBUG ", LevelDebug},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.in, LevelInfo), tt.in)
	}
}

func TestThrottle(t *testing.T) {
	t.Parallel()

	th := NewThrottle(time.Hour)
	n := 0
	for i := 0; i < 5; i++ {
		th.Do(func() { n++ })
	}
	assert.Equal(t, 1, n)

	var unthrottled *Throttle
	for i := 0; i < 3; i++ {
		unthrottled.Do(func() { n++ })
	}
	assert.Equal(t, 4, n)
}
