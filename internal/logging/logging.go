// Package logging sets up the process-wide structured logger, grounded on
// the teacher's monitoring.NewLogger: JSON by default, an optional pretty
// console writer for local development, RFC3339 timestamps, caller info.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Config selects verbosity and output shape.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|pretty
}

// New builds a logger tagged with the hub's service name.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "uaip-hub").
		Logger()
}

// RecoverPanic logs and swallows a panic so one goroutine's crash doesn't
// take the process down with it. Defer it at the top of any long-running
// worker goroutine (drain loops, retry sweeps, transport read loops).
func RecoverPanic(logger zerolog.Logger, goroutine string, fields map[string]any) {
	r := recover()
	if r == nil {
		return
	}
	event := logger.Error().
		Str("goroutine", goroutine).
		Interface("panic_value", r).
		Str("stack_trace", string(debug.Stack()))
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg("goroutine panic recovered")
}
