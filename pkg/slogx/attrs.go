package slogx

import (
	"fmt"
	"log/slog"
)

// Error returns a slog.Attr representing the provided error.
// The attribute key is "error" and the value is the error's message.
// A nil error is rendered as an empty string so callers don't need to guard.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

// Stringer creates a slog.Attr with the provided key and the string representation
// of the given fmt.Stringer value.
func Stringer(key string, value fmt.Stringer) slog.Attr {
	return slog.String(key, value.String())
}

const (
	// KeyLoggerName is the key for the logger name attribute.
	KeyLoggerName = "logger"
	// KeyAgent is the key used for agent names and ids.
	KeyAgent = "agent"
	// KeyChannel is the key used for channel ids.
	KeyChannel = "channel_id"
)

// LoggerName creates a slog.Attr with the provided logger name.
// The attribute key is defined by KeyLoggerName.
func LoggerName(name string) slog.Attr {
	return slog.String(KeyLoggerName, name)
}

// Agent creates a slog.Attr identifying an agent.
func Agent(name string) slog.Attr {
	return slog.String(KeyAgent, name)
}

// Channel creates a slog.Attr identifying a channel.
func Channel(id int64) slog.Attr {
	return slog.Int64(KeyChannel, id)
}

// Component returns the default logger scoped to a named switchboard component.
func Component(name string) *slog.Logger {
	return slog.Default().With(LoggerName("switchboard." + name))
}
