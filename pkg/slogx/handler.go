package slogx

import (
	"io"
	"log/slog"
	"time"

	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"
)

// NewHandler returns a slog.Handler backed by zerolog. Format "json" writes
// one JSON object per line, any other value the human readable console form.
func NewHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	out := w
	if format != "json" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Stamp}
	}
	log := zerolog.New(out).With().Timestamp().Logger()
	return zeroslog.NewHandler(log, &zeroslog.HandlerOptions{Level: level})
}
