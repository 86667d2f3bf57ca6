// Package logging provides categorized structured logging for codeplane.
// Each subsystem logs under its own category; categories can be silenced
// individually through config. Output goes through a shared zap core.
package logging

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot         Category = "boot"         // Startup and wiring
	CategorySession      Category = "session"      // Session lifecycle
	CategoryTask         Category = "task"         // Task graph and decomposition
	CategoryAgent        Category = "agent"        // Agent registry and routing
	CategoryLock         Category = "lock"         // Distributed lock manager
	CategoryCoord        Category = "coord"        // Coordination store
	CategoryStore        Category = "store"        // Persistence store
	CategoryOrchestrator Category = "orchestrator" // Orchestrator use cases
	CategoryEvents       Category = "events"       // Event broadcast
	CategoryHTTP         Category = "http"         // Transport surface
)

// Logger wraps a zap sugared logger bound to one category.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu       sync.RWMutex
	root     *zap.Logger
	loggers  = make(map[Category]*Logger)
	disabled = make(map[Category]bool)
)

func init() {
	// Safe default so packages can log before Initialize runs (tests).
	root = zap.NewNop()
}

// Options controls logger initialization.
type Options struct {
	Level      string          // debug, info, warn, error
	JSONFormat bool            // JSON encoder instead of console
	Categories map[string]bool // category -> enabled; empty means all enabled
}

// Initialize builds the shared zap core. Call once at startup.
func Initialize(opts Options) error {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.Set(opts.Level); err != nil {
			return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if !opts.JSONFormat {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	logger, err := cfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	root = logger
	loggers = make(map[Category]*Logger)
	disabled = make(map[Category]bool)
	for cat, enabled := range opts.Categories {
		if !enabled {
			disabled[Category(cat)] = true
		}
	}
	return nil
}

// Sync flushes buffered log entries. Call on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}

// Get returns the logger for a category, creating it on first use.
func Get(cat Category) *Logger {
	mu.RLock()
	if l, ok := loggers[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}
	l := &Logger{
		category: cat,
		sugar:    root.Sugar().Named(string(cat)),
	}
	loggers[cat] = l
	return l
}

func (l *Logger) enabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return !disabled[l.category]
}

// Debug logs a debug message with printf formatting.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.enabled() {
		l.sugar.Debugf(format, args...)
	}
}

// Info logs an info message with printf formatting.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.enabled() {
		l.sugar.Infof(format, args...)
	}
}

// Warn logs a warning with printf formatting.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.enabled() {
		l.sugar.Warnf(format, args...)
	}
}

// Error logs an error with printf formatting.
func (l *Logger) Error(format string, args ...interface{}) {
	if l.enabled() {
		l.sugar.Errorf(format, args...)
	}
}

// With returns a logger carrying additional structured fields.
func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(args...)}
}

// Timer measures the duration of an operation and logs it on Stop.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation within a category.
func StartTimer(cat Category, op string) *Timer {
	return &Timer{category: cat, op: op, start: time.Now()}
}

// Stop logs the elapsed time. Slow operations (>1s) log at warn.
func (t *Timer) Stop() {
	elapsed := time.Since(t.start)
	l := Get(t.category)
	if elapsed > time.Second {
		l.Warn("%s took %s", t.op, elapsed)
		return
	}
	l.Debug("%s took %s", t.op, elapsed)
}

// Convenience helpers mirroring the per-subsystem shorthands used across
// the codebase.

func Session(format string, args ...interface{})      { Get(CategorySession).Info(format, args...) }
func SessionDebug(format string, args ...interface{}) { Get(CategorySession).Debug(format, args...) }
func Task(format string, args ...interface{})         { Get(CategoryTask).Info(format, args...) }
func TaskDebug(format string, args ...interface{})    { Get(CategoryTask).Debug(format, args...) }
func Agent(format string, args ...interface{})        { Get(CategoryAgent).Info(format, args...) }
func AgentDebug(format string, args ...interface{})   { Get(CategoryAgent).Debug(format, args...) }
func Lock(format string, args ...interface{})         { Get(CategoryLock).Info(format, args...) }
func LockDebug(format string, args ...interface{})    { Get(CategoryLock).Debug(format, args...) }
func Orch(format string, args ...interface{})         { Get(CategoryOrchestrator).Info(format, args...) }
func OrchDebug(format string, args ...interface{})    { Get(CategoryOrchestrator).Debug(format, args...) }
