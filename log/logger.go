// Package log provides the categorized logger used across the CDP layer.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus logger and annotates each line with a category
// (usually "Component:method") and the elapsed time since the last log
// call, which makes protocol traces easier to follow.
type Logger struct {
	*logrus.Logger

	mu          sync.Mutex
	lastLogCall time.Time
}

// New creates a Logger around an existing logrus logger.
func New(logger *logrus.Logger) *Logger {
	return &Logger{Logger: logger}
}

// NewNullLogger creates a Logger that discards everything. Used in tests.
func NewNullLogger() *Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(logger)
}

// NewDebugLogger creates a Logger that writes debug lines to stderr.
func NewDebugLogger() *Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.DebugLevel)
	return New(logger)
}

// Tracef logs a trace message.
func (l *Logger) Tracef(category string, msg string, args ...any) {
	l.logf(logrus.TraceLevel, category, msg, args...)
}

// Debugf logs a debug message.
func (l *Logger) Debugf(category string, msg string, args ...any) {
	l.logf(logrus.DebugLevel, category, msg, args...)
}

// Infof logs an info message.
func (l *Logger) Infof(category string, msg string, args ...any) {
	l.logf(logrus.InfoLevel, category, msg, args...)
}

// Warnf logs a warning message.
func (l *Logger) Warnf(category string, msg string, args ...any) {
	l.logf(logrus.WarnLevel, category, msg, args...)
}

// Errorf logs an error message.
func (l *Logger) Errorf(category string, msg string, args ...any) {
	l.logf(logrus.ErrorLevel, category, msg, args...)
}

func (l *Logger) logf(level logrus.Level, category string, msg string, args ...any) {
	if l == nil || l.Logger == nil {
		return
	}
	if !l.Logger.IsLevelEnabled(level) {
		return
	}

	l.mu.Lock()
	now := time.Now()
	elapsed := now.Sub(l.lastLogCall)
	if l.lastLogCall.IsZero() {
		elapsed = 0
	}
	l.lastLogCall = now
	l.mu.Unlock()

	l.WithFields(logrus.Fields{
		"category": category,
		"elapsed":  fmt.Sprintf("%d ms", elapsed.Milliseconds()),
	}).Logf(level, msg, args...)
}

// DebugMode returns true if the logger level is debug or higher.
func (l *Logger) DebugMode() bool {
	return l.Logger.IsLevelEnabled(logrus.DebugLevel)
}

// SetLevel sets the logger level from a level name such as "debug".
func (l *Logger) SetLevel(level string) error {
	pl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	l.Logger.SetLevel(pl)
	return nil
}
