// Package logging provides category-tagged logging on top of zerolog.
// All worker logging goes through this package.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Category constants for consistent logging categories.
const (
	CategoryApp        = "App"
	CategoryWorker     = "Worker"
	CategoryJob        = "Job"
	CategoryFeed       = "Feed"
	CategorySession    = "Session"
	CategoryTranscribe = "Transcribe"
	CategoryBridge     = "Bridge"
	CategoryMetrics    = "Metrics"
)

var (
	mu     sync.RWMutex
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
)

// Init initializes console logging at the given level ("debug", "info", ...).
// Unknown levels fall back to info.
func Init(level string) {
	InitWithWriter(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}, level)
}

// InitWithWriter initializes logging on w. Tests use it to capture output.
func InitWithWriter(w io.Writer, level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	l := zerolog.New(w).Level(lvl).With().Timestamp().Logger()

	mu.Lock()
	logger = l
	mu.Unlock()
}

// Shutdown pairs with Init. zerolog writes synchronously, so there is
// nothing to flush.
func Shutdown(context.Context) {}

// Logger returns the underlying zerolog logger for library adapters.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func event(level zerolog.Level, category string) *zerolog.Event {
	l := Logger()
	return l.WithLevel(level).Str("category", category)
}

// Debug logs a debug message.
func Debug(category, msg string, params ...interface{}) {
	event(zerolog.DebugLevel, category).Msgf(msg, params...)
}

// Info logs an info message.
func Info(category, msg string, params ...interface{}) {
	event(zerolog.InfoLevel, category).Msgf(msg, params...)
}

// Success logs an info message marked as a completed operation.
func Success(category, msg string, params ...interface{}) {
	event(zerolog.InfoLevel, category).Bool("success", true).Msgf(msg, params...)
}

// Warning logs a warning message.
func Warning(category, msg string, params ...interface{}) {
	event(zerolog.WarnLevel, category).Msgf(msg, params...)
}

// Error logs an error message.
func Error(category, msg string, params ...interface{}) {
	event(zerolog.ErrorLevel, category).Msgf(msg, params...)
}

// Fail logs a failure that ends the current operation.
func Fail(category, msg string, params ...interface{}) {
	event(zerolog.ErrorLevel, category).Bool("fail", true).Msgf(msg, params...)
}
