package archimedes

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// newLogger constructs the process-wide zerolog.Logger from telemetry
// config. A single logger is threaded through the server, the pipeline, and
// the validation stage so they log to the same sink with consistent
// fields; the connection manager and task spawner do not log.
func newLogger(cfg TelemetryConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if strings.EqualFold(cfg.LogFormat, "pretty") {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	return logger.Level(level)
}

// withRequestFields returns a logger annotated with the request-scoped
// identifiers carried by ctx, for stages and handlers that want to log in
// line with the request that triggered them.
func withRequestFields(logger zerolog.Logger, ctx *Context) zerolog.Logger {
	l := logger.With()
	if ctx.RequestID != "" {
		l = l.Str("request_id", ctx.RequestID)
	}
	if ctx.TraceID != "" {
		l = l.Str("trace_id", ctx.TraceID)
	}
	if ctx.SpanID != "" {
		l = l.Str("span_id", ctx.SpanID)
	}
	if ctx.OperationID != "" {
		l = l.Str("operation_id", ctx.OperationID)
	}
	return l.Logger()
}
