// Package logger provides the process-wide structured logger used across
// Only1MCP. It wraps zap the same way the rest of the fleet's services do:
// a package-level singleton initialized once at process startup and
// retrieved everywhere else via Get.
package logger

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu  sync.RWMutex
	log *zap.SugaredLogger
)

// Format selects the zap encoder used by Initialize.
type Format string

const (
	// FormatConsole is zap's human-readable development encoding (levels
	// are not colorized).
	FormatConsole Format = "console"
	// FormatJSON is a structured encoding suitable for log aggregation.
	FormatJSON Format = "json"
)

// Options configures Initialize.
type Options struct {
	Level  string // debug|info|warn|error
	Format Format
}

// Initialize builds the process-wide logger. Safe to call multiple times;
// the last call wins. Must be called before Get is used in anger, otherwise
// Get falls back to a no-op logger.
func Initialize(opts Options) error {
	level := zap.InfoLevel
	if opts.Level != "" {
		if err := level.Set(opts.Level); err != nil {
			return err
		}
	}

	var cfg zap.Config
	switch opts.Format {
	case FormatJSON:
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	l, err := cfg.Build()
	if err != nil {
		return err
	}

	mu.Lock()
	log = l.Sugar()
	mu.Unlock()
	return nil
}

// Get returns the process-wide logger, initializing a sane no-op default
// if Initialize was never called (e.g. in tests).
func Get() *zap.SugaredLogger {
	mu.RLock()
	l := log
	mu.RUnlock()
	if l != nil {
		return l
	}
	return zap.NewNop().Sugar()
}

// With returns a child logger annotated with the given key/value pairs.
func With(kv ...any) *zap.SugaredLogger {
	return Get().With(kv...)
}
