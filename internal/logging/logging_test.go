package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/entrepeneur4lyf/threadbridge/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSON(t *testing.T) {
	defer log.SetDefault(log.Default())

	var buf bytes.Buffer
	logger, err := New(config.Log{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("thread started", "thread", "123")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "thread started", entry["msg"])
	assert.Equal(t, "123", entry["thread"])
	assert.Equal(t, "threadbridge", entry["prefix"])
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New(config.Log{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestSetLevel(t *testing.T) {
	defer log.SetDefault(log.Default())

	var buf bytes.Buffer
	logger, err := New(config.Log{Level: "warn", Format: "text"}, &buf)
	require.NoError(t, err)

	logger.Info("before")
	require.NoError(t, SetLevel(logger, "debug"))
	logger.Debug("after")

	assert.NotContains(t, buf.String(), "before")
	assert.Contains(t, buf.String(), "after")
	assert.Error(t, SetLevel(logger, "nope"))
}
