// Package logging provides categorized file-based logging for forkbench.
// Each category writes to its own file under the configured logs directory.
// When file logging is disabled every logger is a no-op, except that warnings
// and errors are mirrored to the console logger installed with SetConsole.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot     Category = "boot"     // Startup, configuration
	CategoryAgent    Category = "agent"    // Step controller and run loop
	CategorySampler  Category = "sampler"  // Candidate sampling
	CategoryVerifier Category = "verifier" // Candidate selection
	CategoryTactile  Category = "tactile"  // Execution backends
	CategoryAPI      Category = "api"      // Model API calls
	CategoryReplay   Category = "replay"   // Trajectory replay
	CategoryRollout  Category = "rollout"  // Rollout sampling
	CategoryRecorder Category = "recorder" // Rejected-action sidecars
	CategoryStore    Category = "store"    // SQLite ledger
	CategoryWatch    Category = "watch"    // Directory watcher
)

// Options mirrors config.LoggingConfig to avoid an import cycle.
type Options struct {
	Enabled    bool
	Dir        string
	Level      string
	JSONFormat bool
	Categories map[string]bool
}

// Logger wraps a zap sugared logger bound to one category.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.Mutex

	opts    Options
	level   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	console zapcore.Core
	optsMu  sync.RWMutex
)

// Initialize configures file logging. It may be called again to reconfigure;
// open files are closed first.
func Initialize(o Options) error {
	CloseAll()

	lvl := zapcore.InfoLevel
	if o.Level != "" {
		parsed, err := zapcore.ParseLevel(o.Level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", o.Level, err)
		}
		lvl = parsed
	}
	level.SetLevel(lvl)

	optsMu.Lock()
	opts = o
	optsMu.Unlock()

	if !o.Enabled {
		return nil
	}
	if o.Dir == "" {
		return fmt.Errorf("logs directory required when logging is enabled")
	}
	if err := os.MkdirAll(o.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== forkbench logging initialized ===")
	boot.Info("Logs directory: %s", o.Dir)
	boot.Info("Log level: %s", lvl)
	if len(o.Categories) == 0 {
		boot.Info("All categories enabled (no category filter)")
	}
	return nil
}

// SetConsole mirrors warnings and errors of every category to l.
// Passing nil removes the console sink.
func SetConsole(l *zap.Logger) {
	var core zapcore.Core
	if l != nil {
		if c, err := zapcore.NewIncreaseLevelCore(l.Core(), zapcore.WarnLevel); err == nil {
			core = c
		} else {
			core = l.Core()
		}
	}
	optsMu.Lock()
	console = core
	optsMu.Unlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	closeLocked()
}

// IsCategoryEnabled returns whether file output is enabled for a category.
func IsCategoryEnabled(category Category) bool {
	optsMu.RLock()
	defer optsMu.RUnlock()

	if !opts.Enabled {
		return false
	}
	if opts.Categories == nil {
		return true
	}
	enabled, exists := opts.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) the logger for a category.
func Get(category Category) *Logger {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}

	optsMu.RLock()
	o := opts
	cons := console
	optsMu.RUnlock()

	var cores []zapcore.Core
	var file *os.File
	if IsCategoryEnabled(category) && o.Dir != "" {
		filename := fmt.Sprintf("%s_%s.log", time.Now().Format("2006-01-02"), category)
		logPath := filepath.Join(o.Dir, filename)
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		} else {
			file = f
			cores = append(cores, zapcore.NewCore(newEncoder(o.JSONFormat), zapcore.AddSync(f), level))
		}
	}
	if cons != nil {
		cores = append(cores, cons)
	}

	var zl *zap.Logger
	switch len(cores) {
	case 0:
		zl = zap.NewNop()
	case 1:
		zl = zap.New(cores[0])
	default:
		zl = zap.New(zapcore.NewTee(cores...))
	}

	l := &Logger{
		category: category,
		sugar:    zl.Named(string(category)).Sugar(),
		file:     file,
	}
	loggers[category] = l
	return l
}

func newEncoder(jsonFormat bool) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if jsonFormat {
		return zapcore.NewJSONEncoder(cfg)
	}
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) { l.sugar.Infof(format, args...) }

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// With returns a sugared logger carrying structured key-value context.
func (l *Logger) With(keysAndValues ...interface{}) *zap.SugaredLogger {
	return l.sugar.With(keysAndValues...)
}

// CloseAll flushes and closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	closeLocked()
}

func closeLocked() {
	for _, l := range loggers {
		_ = l.sugar.Sync()
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
