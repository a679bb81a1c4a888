// Package logger provides structured logging with subsystem-specific levels
// and OpenTelemetry trace context integration.
package logger

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
)

type contextKey string

const loggerKey contextKey = "logger"

// Subsystem names a component whose log level can be tuned on its own.
type Subsystem string

const (
	SubsystemAPI        Subsystem = "API"
	SubsystemController Subsystem = "CONTROLLER"
	SubsystemActions    Subsystem = "ACTIONS"
	SubsystemDevices    Subsystem = "DEVICES"
	SubsystemSession    Subsystem = "SESSION"
)

// Config holds the default level and per-subsystem overrides.
type Config struct {
	DefaultLevel    slog.Level
	SubsystemLevels map[Subsystem]slog.Level
	AddSource       bool
}

// NewConfig reads LOG_LEVEL and LOG_LEVEL_<SUBSYSTEM> from the environment.
func NewConfig() Config {
	cfg := Config{
		DefaultLevel:    parseLevel(os.Getenv("LOG_LEVEL"), slog.LevelInfo),
		SubsystemLevels: make(map[Subsystem]slog.Level),
		AddSource:       os.Getenv("LOG_ADD_SOURCE") == "true",
	}
	for _, s := range []Subsystem{SubsystemAPI, SubsystemController, SubsystemActions, SubsystemDevices, SubsystemSession} {
		if v := os.Getenv("LOG_LEVEL_" + string(s)); v != "" {
			cfg.SubsystemLevels[s] = parseLevel(v, cfg.DefaultLevel)
		}
	}
	return cfg
}

// LevelFor returns the effective level of a subsystem.
func (c Config) LevelFor(s Subsystem) slog.Level {
	if lvl, ok := c.SubsystemLevels[s]; ok {
		return lvl
	}
	return c.DefaultLevel
}

func parseLevel(s string, fallback slog.Level) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return fallback
	}
}

// NewSubsystemLogger builds a JSON logger on stdout tagged with the subsystem.
// When otelHandler is non-nil records are also sent to it.
func NewSubsystemLogger(s Subsystem, cfg Config, otelHandler slog.Handler) *slog.Logger {
	var h slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LevelFor(s),
		AddSource: cfg.AddSource,
	})
	if otelHandler != nil {
		h = &fanoutHandler{handlers: []slog.Handler{h, &levelHandler{Handler: otelHandler, level: cfg.LevelFor(s)}}}
	}
	return slog.New(h).With("subsystem", string(s))
}

// AddToContext adds a logger to the context
func AddToContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the logger from context, or returns default
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// levelHandler gates a handler that has no level option of its own.
type levelHandler struct {
	slog.Handler
	level slog.Level
}

func (h *levelHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{Handler: h.Handler.WithAttrs(attrs), level: h.level}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{Handler: h.Handler.WithGroup(name), level: h.level}
}

// fanoutHandler sends each record to every wrapped handler.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (h *fanoutHandler) Enabled(ctx context.Context, l slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (h *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, hh := range h.handlers {
		if !hh.Enabled(ctx, r.Level) {
			continue
		}
		if err := hh.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		next[i] = hh.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: next}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		next[i] = hh.WithGroup(name)
	}
	return &fanoutHandler{handlers: next}
}
