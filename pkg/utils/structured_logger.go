package utils

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// LogFormat defines the output format for logs
type LogFormat int

const (
	FormatText LogFormat = iota
	FormatJSON
)

// ParseLogFormat parses "text" or "json".
func ParseLogFormat(format string) (LogFormat, error) {
	switch format {
	case "", "text", "console":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("invalid log format: %s", format)
	}
}

// levelState is shared by a logger and every child derived from it.
type levelState struct {
	level           atomic.Int32
	mu              sync.RWMutex
	componentLevels map[string]LogLevel
}

// StructuredLogger provides structured logging with levels and fields
type StructuredLogger struct {
	zl        zerolog.Logger
	state     *levelState
	component string
	closer    io.Closer
}

// StructuredLoggerConfig holds configuration for the logger
type StructuredLoggerConfig struct {
	Level         LogLevel
	Output        io.Writer
	Format        LogFormat
	IncludeCaller bool

	// File, when set, appends log lines to the named file instead of Output.
	File string
}

// DefaultStructuredLoggerConfig returns default configuration
func DefaultStructuredLoggerConfig() *StructuredLoggerConfig {
	return &StructuredLoggerConfig{
		Level:         INFO,
		Output:        os.Stderr,
		Format:        FormatText,
		IncludeCaller: false,
	}
}

// NewStructuredLogger creates a new structured logger
func NewStructuredLogger(config *StructuredLoggerConfig) (*StructuredLogger, error) {
	if config == nil {
		config = DefaultStructuredLoggerConfig()
	}

	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	var closer io.Closer
	if config.File != "" {
		file, err := os.OpenFile(config.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = file
		closer = file
	}

	if config.Format == FormatText {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "2006-01-02 15:04:05.000", NoColor: config.File != ""}
	}

	ctx := zerolog.New(out).With().Timestamp()
	if config.IncludeCaller {
		ctx = ctx.CallerWithSkipFrameCount(4)
	}

	state := &levelState{componentLevels: make(map[string]LogLevel)}
	state.level.Store(int32(config.Level))

	return &StructuredLogger{
		zl:     ctx.Logger().Level(zerolog.DebugLevel),
		state:  state,
		closer: closer,
	}, nil
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *StructuredLogger {
	state := &levelState{componentLevels: make(map[string]LogLevel)}
	state.level.Store(int32(ERROR))
	return &StructuredLogger{zl: zerolog.Nop(), state: state}
}

// WithField returns a new logger with an additional context field
func (sl *StructuredLogger) WithField(key string, value interface{}) *StructuredLogger {
	return sl.derive(sl.zl.With().Interface(key, value).Logger(), sl.component)
}

// WithFields returns a new logger with multiple context fields
func (sl *StructuredLogger) WithFields(fields map[string]interface{}) *StructuredLogger {
	return sl.derive(sl.zl.With().Fields(fields).Logger(), sl.component)
}

// WithComponent returns a logger with a component field
func (sl *StructuredLogger) WithComponent(component string) *StructuredLogger {
	return sl.derive(sl.zl.With().Str("component", component).Logger(), component)
}

func (sl *StructuredLogger) derive(zl zerolog.Logger, component string) *StructuredLogger {
	return &StructuredLogger{zl: zl, state: sl.state, component: component}
}

// SetComponentLevel sets the log level for a specific component
func (sl *StructuredLogger) SetComponentLevel(component string, level LogLevel) {
	sl.state.mu.Lock()
	defer sl.state.mu.Unlock()
	sl.state.componentLevels[component] = level
}

// SetLevel sets the global log level
func (sl *StructuredLogger) SetLevel(level LogLevel) {
	sl.state.level.Store(int32(level))
}

// GetLevel returns the current log level
func (sl *StructuredLogger) GetLevel() LogLevel {
	return LogLevel(sl.state.level.Load())
}

func (sl *StructuredLogger) isEnabled(level LogLevel) bool {
	if sl.component != "" {
		sl.state.mu.RLock()
		compLevel, exists := sl.state.componentLevels[sl.component]
		sl.state.mu.RUnlock()
		if exists {
			return level >= compLevel
		}
	}
	return level >= sl.GetLevel()
}

func (sl *StructuredLogger) event(level LogLevel) *zerolog.Event {
	if !sl.isEnabled(level) {
		return nil
	}
	return sl.zl.WithLevel(level.zerolog())
}

func (sl *StructuredLogger) logWithFields(level LogLevel, message string, fieldMaps ...map[string]interface{}) {
	ev := sl.event(level)
	if ev == nil {
		return
	}
	for _, fields := range fieldMaps {
		if fields != nil {
			ev = ev.Fields(fields)
		}
	}
	ev.Msg(message)
}

// Debug logs a debug message
func (sl *StructuredLogger) Debug(message string, fields ...map[string]interface{}) {
	sl.logWithFields(DEBUG, message, fields...)
}

// Info logs an info message
func (sl *StructuredLogger) Info(message string, fields ...map[string]interface{}) {
	sl.logWithFields(INFO, message, fields...)
}

// Warn logs a warning message
func (sl *StructuredLogger) Warn(message string, fields ...map[string]interface{}) {
	sl.logWithFields(WARN, message, fields...)
}

// Error logs an error message
func (sl *StructuredLogger) Error(message string, fields ...map[string]interface{}) {
	sl.logWithFields(ERROR, message, fields...)
}

// Debugf logs a formatted debug message
func (sl *StructuredLogger) Debugf(format string, args ...interface{}) {
	if ev := sl.event(DEBUG); ev != nil {
		ev.Msgf(format, args...)
	}
}

// Infof logs a formatted info message
func (sl *StructuredLogger) Infof(format string, args ...interface{}) {
	if ev := sl.event(INFO); ev != nil {
		ev.Msgf(format, args...)
	}
}

// Warnf logs a formatted warning message
func (sl *StructuredLogger) Warnf(format string, args ...interface{}) {
	if ev := sl.event(WARN); ev != nil {
		ev.Msgf(format, args...)
	}
}

// Errorf logs a formatted error message
func (sl *StructuredLogger) Errorf(format string, args ...interface{}) {
	if ev := sl.event(ERROR); ev != nil {
		ev.Msgf(format, args...)
	}
}

// Close closes the log file, if any
func (sl *StructuredLogger) Close() error {
	if sl.closer != nil {
		return sl.closer.Close()
	}
	return nil
}
