package slogx

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestNewHandlerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "json", slog.LevelInfo))

	logger.Debug("hidden")
	logger.Info("agent bound", Agent("echo"), Channel(7), Error(errors.New("boom")))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	line := lines[0]
	assert.Equal(t, "info", gjson.Get(line, "level").String())
	assert.Equal(t, "agent bound", gjson.Get(line, "message").String())
	assert.Equal(t, "echo", gjson.Get(line, KeyAgent).String())
	assert.Equal(t, int64(7), gjson.Get(line, KeyChannel).Int())
	assert.Equal(t, "boom", gjson.Get(line, "error").String())
}

func TestNewHandlerConsole(t *testing.T) {
	var buf bytes.Buffer
	slog.New(NewHandler(&buf, "console", slog.LevelDebug)).Debug("visible", LoggerName("switchboard.test"))
	assert.Contains(t, buf.String(), "visible")
	assert.Contains(t, buf.String(), "switchboard.test")
	assert.False(t, gjson.Valid(buf.String()))
}

func TestAttrs(t *testing.T) {
	assert.Equal(t, "", Error(nil).Value.String())
	assert.Equal(t, "boom", Error(errors.New("boom")).Value.String())

	attr := Stringer("retry_in", 90*time.Second)
	assert.Equal(t, "retry_in", attr.Key)
	assert.Equal(t, "1m30s", attr.Value.String())
}
