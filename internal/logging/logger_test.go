package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Config{Level: "debug", Output: &buf})
	require.NoError(t, err)
	log.Debug().Str("component", "router").Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "debug", line["level"])
	assert.Equal(t, "router", line["component"])
	assert.Equal(t, "hello", line["message"])
}

func TestNewLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Config{Level: "WARN", Output: &buf})
	require.NoError(t, err)
	log.Info().Msg("hidden")
	assert.Zero(t, buf.Len())
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Config{Format: "console", Output: &buf})
	require.NoError(t, err)
	log.Info().Msg("ready")
	assert.True(t, strings.Contains(buf.String(), "ready"))
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
	_, err = New(Config{Format: "xml"})
	assert.Error(t, err)
}

func TestRateLimiter(t *testing.T) {
	now := time.Unix(100, 0)
	l := NewRateLimiter(time.Second)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("dup"))
	assert.False(t, l.Allow("dup"))
	assert.True(t, l.Allow("sig"))
	now = now.Add(1500 * time.Millisecond)
	assert.True(t, l.Allow("dup"))
	assert.True(t, l.Allow(""))
}

func TestRateLimiterDebugRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf).Level(zerolog.InfoLevel)
	l := NewRateLimiter(time.Minute)
	l.Debug(log, "k").Msg("x")
	assert.Zero(t, buf.Len())

	log = log.Level(zerolog.DebugLevel)
	l.Debug(log, "k").Msg("first")
	l.Debug(log, "k").Msg("second")
	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
}
