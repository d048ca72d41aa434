// Package logging builds the structured loggers the sync engine components write to.
// It is a thin layer over log/slog: a Config that can live in the engine's YAML or
// JSON file, a process-wide default, and helpers that tag records with the component
// and presence session they came from.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/c0deZ3R0/go-canvas-sync/errors"
)

// Logger wraps slog.Logger with the engine's tagging helpers.
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration
type Config struct {
	Level       string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format      string `json:"format" yaml:"format"`           // text, json
	AddSource   bool   `json:"add_source" yaml:"add_source"`   // whether to add source code information
	Environment string `json:"environment" yaml:"environment"` // development, production, test

	// Output defaults to os.Stderr
	Output io.Writer `json:"-" yaml:"-"`
}

var DefaultConfig = Config{
	Level:       "info",
	Format:      "json",
	Environment: EnvProduction,
}

var defaultLogger *Logger

type contextKey string

// SessionKey carries the presence session id through a context.
const SessionKey contextKey = "session_id"

// Component names the part of the engine a record comes from.
type Component string

func (c Component) LogValue() slog.Value {
	return slog.StringValue(string(c))
}

// SyncErrorValuer renders a SyncError as a group so its kind and retryability stay
// queryable in JSON output.
type SyncErrorValuer struct {
	*errors.SyncError
}

func (e SyncErrorValuer) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("operation", string(e.Op)),
		slog.String("component", e.Component),
		slog.String("kind", string(e.Kind)),
		slog.Bool("retryable", e.Retryable),
	}
	if e.Code != "" {
		attrs = append(attrs, slog.String("code", string(e.Code)))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("cause", e.Err.Error()))
	}
	for k, v := range e.Metadata {
		attrs = append(attrs, slog.Any(k, v))
	}
	return slog.GroupValue(attrs...)
}

// Err is the attribute every component logs failures with.
func Err(err error) slog.Attr {
	var syncErr *errors.SyncError
	if errors.As(err, &syncErr) {
		return slog.Any("error", SyncErrorValuer{SyncError: syncErr})
	}
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.String("error", err.Error())
}

// NewLogger builds a logger from config. Unknown levels fall back to info.
func NewLogger(config Config) *Logger {
	level, _ := ParseLevel(config.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
	}
	return &Logger{Logger: slog.New(newHandler(config, opts))}
}

func newHandler(config Config, opts *slog.HandlerOptions) slog.Handler {
	out := config.Output
	if out == nil {
		out = os.Stderr
	}
	if config.Format == "text" {
		return slog.NewTextHandler(out, opts)
	}
	return slog.NewJSONHandler(out, opts)
}

// Discard returns a logger that drops everything; handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Or returns l, or the default logger tagged with component when l is nil.
func Or(l *slog.Logger, component Component) *slog.Logger {
	if l != nil {
		return l
	}
	return Default().WithComponent(component).Logger
}

// Init replaces the process-wide logger and slog's default.
func Init(config Config) {
	defaultLogger = NewLogger(config)
	slog.SetDefault(defaultLogger.Logger)
}

// Default returns the process-wide logger, built from DefaultConfig on first use.
func Default() *Logger {
	if defaultLogger == nil {
		Init(DefaultConfig)
	}
	return defaultLogger
}

func (l *Logger) WithComponent(component Component) *Logger {
	return &Logger{Logger: l.With(slog.Any("component", component))}
}

// ContextWithSession returns a copy of ctx carrying a presence session id.
func ContextWithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionKey, sessionID)
}

// WithSession tags records with the presence session carried by ctx, if any.
func (l *Logger) WithSession(ctx context.Context) *Logger {
	sessionID := ctx.Value(SessionKey)
	if sessionID == nil {
		return l
	}
	return &Logger{Logger: l.With(slog.String(string(SessionKey), fmt.Sprint(sessionID)))}
}

// LogError logs err at error level with its SyncError fields expanded.
func (l *Logger) LogError(ctx context.Context, err error, msg string, attrs ...slog.Attr) {
	args := make([]any, 0, len(attrs)+1)
	args = append(args, Err(err))
	for _, attr := range attrs {
		args = append(args, attr)
	}
	l.ErrorContext(ctx, msg, args...)
}
