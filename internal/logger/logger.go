// Package logger builds the process-wide slog logger for the indexer
// services.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
)

var (
	ErrUnknownLogLevel  = fmt.Errorf("unknown log level")
	ErrUnknownLogFormat = fmt.Errorf("unknown log format")
)

// New returns a logger writing to stdout at the given level ("debug",
// "info", "warn", "error", any case) in the given format. An empty format
// selects tint, the development-friendly default.
func New(level, format string) (*slog.Logger, error) {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLogLevel, level)
	}

	handler, err := newHandler(os.Stdout, format, slogLevel)
	if err != nil {
		return nil, err
	}

	return slog.New(handler), nil
}

func newHandler(w io.Writer, format string, level slog.Level) (slog.Handler, error) {
	switch strings.ToLower(format) {
	case "", "tint":
		return tint.NewHandler(w, &tint.Options{Level: level}), nil
	case "text":
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}), nil
	case "json":
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}), nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownLogFormat, format)
}
