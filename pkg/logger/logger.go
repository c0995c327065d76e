package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"
)

// Level represents log level
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	// disabledLevel suppresses all output
	disabledLevel
)

// String returns the upper-case level name used in log lines
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "OFF"
	}
}

// Config holds logger configuration
type Config struct {
	Level  string
	Format string // "text" (default) or "json"
	Output io.Writer
}

// Logger represents a structured logger
type Logger struct {
	level     Level
	format    string
	component string
	fields    []Field
	logger    *log.Logger
}

// Field represents a structured logging field
type Field struct {
	Key   string
	Value interface{}
}

// New creates a new logger
func New(cfg Config) *Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	format := strings.ToLower(cfg.Format)
	flags := log.LstdFlags
	if format == "json" {
		flags = 0
	}

	return &Logger{
		level:  parseLevel(cfg.Level),
		format: format,
		logger: log.New(output, "", flags),
	}
}

// NewNop returns a logger that discards everything
func NewNop() *Logger {
	return &Logger{
		level:  disabledLevel,
		logger: log.New(io.Discard, "", 0),
	}
}

// WithComponent creates a child logger with a component prefix
func (l *Logger) WithComponent(component string) *Logger {
	child := l.clone()
	child.component = component
	if l.format != "json" {
		child.logger = log.New(l.logger.Writer(), fmt.Sprintf("[%s] ", component), l.logger.Flags())
	}
	return child
}

// With creates a child logger that appends the given fields to every entry
func (l *Logger) With(fields ...Field) *Logger {
	child := l.clone()
	child.fields = append(child.fields, fields...)
	return child
}

func (l *Logger) clone() *Logger {
	fields := make([]Field, len(l.fields))
	copy(fields, l.fields)
	return &Logger{
		level:     l.level,
		format:    l.format,
		component: l.component,
		fields:    fields,
		logger:    l.logger,
	}
}

// Enabled reports whether entries at the given level are written
func (l *Logger) Enabled(level Level) bool {
	return l.level <= level
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, fields ...Field) {
	if l.level <= DebugLevel {
		l.log(DebugLevel, msg, fields...)
	}
}

// Info logs an info message
func (l *Logger) Info(msg string, fields ...Field) {
	if l.level <= InfoLevel {
		l.log(InfoLevel, msg, fields...)
	}
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, fields ...Field) {
	if l.level <= WarnLevel {
		l.log(WarnLevel, msg, fields...)
	}
}

// Error logs an error message
func (l *Logger) Error(msg string, fields ...Field) {
	if l.level <= ErrorLevel {
		l.log(ErrorLevel, msg, fields...)
	}
}

func (l *Logger) log(level Level, msg string, fields ...Field) {
	all := fields
	if len(l.fields) > 0 {
		all = make([]Field, 0, len(l.fields)+len(fields))
		all = append(all, l.fields...)
		all = append(all, fields...)
	}

	if l.format == "json" {
		l.logJSON(level, msg, all)
		return
	}

	if len(all) == 0 {
		l.logger.Printf("[%s] %s", level, msg)
		return
	}

	fieldStrs := make([]string, 0, len(all))
	for _, f := range all {
		fieldStrs = append(fieldStrs, fmt.Sprintf("%s=%v", f.Key, f.Value))
	}

	l.logger.Printf("[%s] %s %s", level, msg, strings.Join(fieldStrs, " "))
}

func (l *Logger) logJSON(level Level, msg string, fields []Field) {
	entry := make(map[string]interface{}, len(fields)+4)
	entry["time"] = time.Now().Format(time.RFC3339Nano)
	entry["level"] = level.String()
	entry["msg"] = msg
	if l.component != "" {
		entry["component"] = l.component
	}
	for _, f := range fields {
		if d, ok := f.Value.(time.Duration); ok {
			entry[f.Key] = d.String()
			continue
		}
		entry[f.Key] = f.Value
	}

	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf(`{"level":"ERROR","msg":"failed to encode log entry","error":%q}`, err.Error())
		return
	}
	l.logger.Print(string(data))
}

func parseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "off", "none":
		return disabledLevel
	default:
		return InfoLevel
	}
}

// Field constructors

// String creates a string field
func String(key, val string) Field {
	return Field{Key: key, Value: val}
}

// Int creates an int field
func Int(key string, val int) Field {
	return Field{Key: key, Value: val}
}

// Int64 creates an int64 field
func Int64(key string, val int64) Field {
	return Field{Key: key, Value: val}
}

// Uint8 creates a uint8 field
func Uint8(key string, val uint8) Field {
	return Field{Key: key, Value: val}
}

// Uint32 creates a uint32 field
func Uint32(key string, val uint32) Field {
	return Field{Key: key, Value: val}
}

// Uint64 creates a uint64 field
func Uint64(key string, val uint64) Field {
	return Field{Key: key, Value: val}
}

// Bool creates a bool field
func Bool(key string, val bool) Field {
	return Field{Key: key, Value: val}
}

// Duration creates a duration field
func Duration(key string, val time.Duration) Field {
	return Field{Key: key, Value: val}
}

// Error creates an error field
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: "nil"}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Any creates a field with any value
func Any(key string, val interface{}) Field {
	return Field{Key: key, Value: val}
}
