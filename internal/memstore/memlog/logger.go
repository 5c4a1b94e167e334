// Package memlog provides category-scoped logging for the memory engine.
// Logs are routed through a single zap.Logger; each category gets its own
// *zap.SugaredLogger so call sites read as
// memlog.Get(memlog.CategoryBlocks).Warnw("...", ...) instead of threading a
// logger value through every function signature.
package memlog

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Category identifies which subsystem emitted a log line.
type Category string

const (
	CategoryKV        Category = "kv"
	CategoryBlocks    Category = "blocks"
	CategorySemantic  Category = "semantic"
	CategoryLadder    Category = "ladder"
	CategoryMigration Category = "migration"
	CategoryEngine    Category = "engine"
)

var (
	mu      sync.RWMutex
	base    *zap.Logger
	loggers = make(map[Category]*zap.SugaredLogger)
)

// Configure installs the zap.Logger used by every category. Call once at
// process start; safe to call again in tests to swap in a zaptest logger.
func Configure(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	base = l
	loggers = make(map[Category]*zap.SugaredLogger)
}

func init() {
	Configure(zap.NewNop())
}

// Get returns (creating if needed) the sugared logger for category.
func Get(category Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l := base.With(zap.String("category", string(category))).Sugar()
	loggers[category] = l
	return l
}

// Timer measures an operation's duration and logs it on Stop.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation in the given category.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debugw(t.op+" completed", "duration", elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if the operation exceeded threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warnw(t.op+" slow", "duration", elapsed, "threshold", threshold)
	} else {
		Get(t.category).Debugw(t.op+" completed", "duration", elapsed)
	}
	return elapsed
}
