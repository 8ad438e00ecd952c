// Package logging provides simple, leveled logging for the runtime.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Logger wraps stdlib log with level support and optional structured context.
type Logger struct {
	logger  *log.Logger
	level   LogLevel
	format  string
	noColor bool
	context []any // flattened key/value pairs carried by WithXxx
	mu      *sync.Mutex
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config holds logging configuration
type Config struct {
	Level   LogLevel
	Format  string // "text" (default) or "json"
	Output  io.Writer
	Sync    bool // unused flag carried for parity with teacher's config shape
	NoColor bool
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// NewLogger creates a new logger
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	format := config.Format
	if format == "" {
		format = "text"
	}
	return &Logger{
		logger:  log.New(output, "", log.LstdFlags),
		level:   config.Level,
		format:  format,
		noColor: config.NoColor,
		mu:      &sync.Mutex{},
	}
}

// Default returns the default logger, creating it if necessary
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// WithDevice returns a logger that tags every message with device_id.
func (l *Logger) WithDevice(id uint32) *Logger {
	return l.with("device_id", id)
}

// WithWorker returns a logger that tags every message with worker_id,
// in addition to any context already attached (e.g. from WithDevice).
func (l *Logger) WithWorker(id int) *Logger {
	return l.with("worker_id", id)
}

// WithRequest returns a logger carrying the ring offset and SCSI op name
// of the command currently being processed.
func (l *Logger) WithRequest(offset uint64, op string) *Logger {
	return l.with("offset", offset, "op", op)
}

// WithError returns a logger that will append err to every message.
func (l *Logger) WithError(err error) *Logger {
	return l.with("error", err)
}

func (l *Logger) with(kv ...any) *Logger {
	cp := *l
	cp.context = append(append([]any{}, l.context...), kv...)
	return &cp
}

// formatArgs converts key-value pairs to a string
func formatArgs(args []any) string {
	if len(args) == 0 {
		return ""
	}
	var result string
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			if result != "" {
				result += " "
			}
			result += fmt.Sprintf("%v=%v", args[i], args[i+1])
		}
	}
	if result != "" {
		return " " + result
	}
	return ""
}

func (l *Logger) log(level LogLevel, prefix, msg string, args ...any) {
	if level < l.level {
		return
	}
	all := append(append([]any{}, l.context...), args...)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.format == "json" {
		l.logger.Printf(`{"level":%q,"msg":%q%s}`, prefix, msg, jsonArgs(all))
		return
	}
	l.logger.Printf("%s %s%s", prefix, msg, formatArgs(all))
}

func jsonArgs(args []any) string {
	var result string
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			result += fmt.Sprintf(`,%q:%q`, fmt.Sprint(args[i]), fmt.Sprint(args[i+1]))
		}
	}
	return result
}

func (l *Logger) Debug(msg string, args ...any) {
	l.log(LevelDebug, "[DEBUG]", msg, args...)
}

func (l *Logger) Info(msg string, args ...any) {
	l.log(LevelInfo, "[INFO]", msg, args...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.log(LevelWarn, "[WARN]", msg, args...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.log(LevelError, "[ERROR]", msg, args...)
}

// Printf-style logging
func (l *Logger) Debugf(format string, args ...any) {
	l.log(LevelDebug, "[DEBUG]", fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...any) {
	l.log(LevelInfo, "[INFO]", fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...any) {
	l.log(LevelWarn, "[WARN]", fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...any) {
	l.log(LevelError, "[ERROR]", fmt.Sprintf(format, args...))
}

// Printf logs at info level, for callers that expect a Printf-style
// logger.
func (l *Logger) Printf(format string, args ...any) {
	l.Infof(format, args...)
}

// Global convenience functions
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}
