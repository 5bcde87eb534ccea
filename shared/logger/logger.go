// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

func init() {
	zerolog.TimestampFieldName = "timestamp"
	zerolog.MessageFieldName = "message"
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.LevelFieldMarshalFunc = func(l zerolog.Level) string {
		return strings.ToUpper(l.String())
	}
}

// Logger provides structured logging with workflow correlation
type Logger struct {
	Component  string
	InstanceID string
	Container  string

	zl zerolog.Logger
}

// New creates a new Logger for the specified component writing to stdout
func New(component string) *Logger {
	return NewWithWriter(component, os.Stdout)
}

// NewWithWriter creates a Logger that writes JSON lines to w
func NewWithWriter(component string, w io.Writer) *Logger {
	// Get instance ID from environment (set during deployment)
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "unknown"
	}

	container, err := os.Hostname()
	if err != nil {
		container = "unknown"
	}

	return &Logger{
		Component:  component,
		InstanceID: instanceID,
		Container:  container,
		zl:         zerolog.New(w).Level(zerolog.DebugLevel),
	}
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() *Logger {
	return NewWithWriter("nop", io.Discard)
}

// With returns a copy of the logger for a sub-component sharing the same sink
func (l *Logger) With(component string) *Logger {
	cp := *l
	cp.Component = component
	return &cp
}

// SetLevel sets the minimum level that is written. Accepts debug, info, warn, error.
func (l *Logger) SetLevel(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	l.zl = l.zl.Level(lvl)
	return nil
}

// Log creates a structured log entry and writes it to the configured sink
func (l *Logger) Log(level LogLevel, workflowID, requestID, message string, fields map[string]interface{}) {
	ev := l.zl.WithLevel(toZerolog(level))
	if ev == nil {
		return
	}
	ev = ev.
		Str("component", l.Component).
		Str("instance_id", l.InstanceID).
		Str("container", l.Container).
		Str("workflow_id", workflowID)
	if requestID != "" {
		ev = ev.Str("request_id", requestID)
	}
	if len(fields) > 0 {
		ev = ev.Interface("fields", fields)
	}
	ev.Timestamp().Msg(message)
}

// Info logs an informational message
func (l *Logger) Info(workflowID, requestID, message string, fields map[string]interface{}) {
	l.Log(INFO, workflowID, requestID, message, fields)
}

// Error logs an error message
func (l *Logger) Error(workflowID, requestID, message string, fields map[string]interface{}) {
	l.Log(ERROR, workflowID, requestID, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(workflowID, requestID, message string, fields map[string]interface{}) {
	l.Log(WARN, workflowID, requestID, message, fields)
}

// Debug logs a debug message
func (l *Logger) Debug(workflowID, requestID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, workflowID, requestID, message, fields)
}

// InfoWithDuration logs an info message with duration field
func (l *Logger) InfoWithDuration(workflowID, requestID, message string, duration time.Duration, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["duration_ms"] = float64(duration.Microseconds()) / 1000
	l.Info(workflowID, requestID, message, fields)
}

// ErrorWithErr logs an error message with the error string attached
func (l *Logger) ErrorWithErr(workflowID, requestID, message string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(workflowID, requestID, message, fields)
}

func toZerolog(level LogLevel) zerolog.Level {
	switch level {
	case DEBUG:
		return zerolog.DebugLevel
	case INFO:
		return zerolog.InfoLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
