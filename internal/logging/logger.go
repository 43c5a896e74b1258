// Package logging provides structured logging for burai.
// Every component logs through a *Logger tagged with its component name.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

// Level aliases slog.Level so callers need not import slog.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Logger is a slog.Logger whose level can be changed after construction.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// Config selects handler, level and destination.
type Config struct {
	Level Level

	// Output defaults to stderr.
	Output io.Writer

	// Format is "text" or "json".
	Format string

	AddSource bool
}

// DefaultConfig is text at info level on stderr.
func DefaultConfig() *Config {
	return &Config{Level: LevelInfo, Output: os.Stderr, Format: "text"}
}

var current atomic.Pointer[Logger]

// New builds a logger without touching the process default.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	lv := new(slog.LevelVar)
	lv.Set(cfg.Level)
	hopts := &slog.HandlerOptions{Level: lv, AddSource: cfg.AddSource}

	var h slog.Handler = slog.NewTextHandler(out, hopts)
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(out, hopts)
	}
	return &Logger{Logger: slog.New(h), level: lv}
}

// Init replaces the process default logger, including slog's.
func Init(cfg *Config) {
	l := New(cfg)
	current.Store(l)
	slog.SetDefault(l.Logger)
}

// Setup initializes the default logger from command settings. The returned
// closer releases the log file, if any.
func Setup(level, format, file string) (func() error, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	out, closeFn, err := OpenOutput(file)
	if err != nil {
		return nil, err
	}
	Init(&Config{Level: lvl, Output: out, Format: format})
	return closeFn, nil
}

// Default returns the process logger, creating a stderr logger on first
// use when Init was never called.
func Default() *Logger {
	if l := current.Load(); l != nil {
		return l
	}
	current.CompareAndSwap(nil, New(nil))
	return current.Load()
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return New(&Config{Level: LevelError + 4, Output: io.Discard})
}

// ParseLevel maps a textual level to a slog level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("logging: unknown level %q", s)
}

// OpenOutput returns stderr, or stderr teed with an append-only log file.
// The returned closer is a no-op when no file is configured.
func OpenOutput(path string) (io.Writer, func() error, error) {
	if path == "" {
		return os.Stderr, func() error { return nil }, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("logging: create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("logging: open log file: %w", err)
	}
	return io.MultiWriter(os.Stderr, f), f.Close, nil
}

// SetLevel adjusts the level of l and every logger derived from it.
func (l *Logger) SetLevel(level Level) { l.level.Set(level) }

// GetLevel reports the current level.
func (l *Logger) GetLevel() Level { return l.level.Level() }

// WithComponent tags records with component=name. The level is shared.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.Logger.With("component", name), level: l.level}
}

// =============================================================================
// Specialized Loggers for burai Components
// =============================================================================

// WorkerLogger returns a logger for the capture directory worker
func WorkerLogger() *Logger {
	return Default().WithComponent("worker")
}

// FlowLogger returns a logger for the flow assembler
func FlowLogger() *Logger {
	return Default().WithComponent("flow")
}

// CacheLogger returns a logger for the feature cache
func CacheLogger() *Logger {
	return Default().WithComponent("cache")
}

// DetectorLogger returns a logger for the mitigation controller
func DetectorLogger() *Logger {
	return Default().WithComponent("detector")
}

// FirewallLogger returns a logger for firewall gateways
func FirewallLogger() *Logger {
	return Default().WithComponent("firewall")
}

// NotifyLogger returns a logger for the notification sink
func NotifyLogger() *Logger {
	return Default().WithComponent("notify")
}

// MLLogger returns a logger for ML components
func MLLogger() *Logger {
	return Default().WithComponent("ml")
}

// =============================================================================
// Structured Field Helpers
// =============================================================================

// Flow returns log attributes for a flow
func Flow(client, server string, port uint16, fwd, bwd int) slog.Attr {
	return slog.Group("flow",
		slog.String("client", client),
		slog.String("server", server),
		slog.Int("port", int(port)),
		slog.Int("fwd_packets", fwd),
		slog.Int("bwd_packets", bwd),
	)
}

// IP returns a log attribute for an address
func IP(addr netip.Addr) slog.Attr {
	return slog.String("ip", addr.String())
}

// Err returns a log attribute for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}

// Duration returns a log attribute for a duration
func Duration(name string, d time.Duration) slog.Attr {
	return slog.Duration(name, d)
}

// Count returns a log attribute for a count
func Count(name string, n int64) slog.Attr {
	return slog.Int64(name, n)
}
