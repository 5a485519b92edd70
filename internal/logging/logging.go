// Package logging provides a small category-sugared facade over zap,
// the structured logger used throughout the archive, pipelines, and CLI
// entrypoints.
package logging

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names a subsystem so log lines can be grep'd or filtered by
// component without parsing message text.
type Category string

const (
	CategoryArchive       Category = "archive"
	CategoryBlobStore     Category = "blobstore"
	CategoryDownload      Category = "download"
	CategoryClimo         Category = "climo"
	CategorySourceAdapter Category = "sourceadapter"
	CategoryCLI           Category = "cli"
)

var (
	mu   sync.RWMutex
	base *zap.Logger = zap.NewNop()
)

// Init installs the process-wide base logger. debug toggles the level
// the way cmd/*'s --verbose flag does.
func Init(debug bool) error {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	l, err := cfg.Build()
	if err != nil {
		return err
	}
	mu.Lock()
	base = l
	mu.Unlock()
	return nil
}

// Get returns a logger scoped to category, inheriting the process-wide
// configuration installed by Init.
func Get(c Category) *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.With(zap.String("category", string(c)))
}

// Sync flushes any buffered log entries; callers should defer it in
// main().
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}

// Timer measures and logs the duration of an operation on Stop,
// mirroring the teacher's StartTimer/Stop helper used around every
// store and scan operation.
type Timer struct {
	logger *zap.Logger
	op     string
	start  time.Time
}

// StartTimer begins timing op under category c.
func StartTimer(c Category, op string) *Timer {
	return &Timer{logger: Get(c), op: op, start: time.Now()}
}

// Stop logs the elapsed duration at debug level.
func (t *Timer) Stop() {
	t.logger.Debug("timing", zap.String("op", t.op), zap.Duration("elapsed", time.Since(t.start)))
}
