// Package logging is a thin logrus wrapper emitting one JSON object per
// line, with call sites passing context as plain maps.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogLevel is the minimum severity a Logger emits.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// ParseLevel maps a config string such as "debug" or "WARN" to a LogLevel.
// Unknown values fall back to LevelInfo.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l LogLevel) logrus() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Logger writes JSON lines through logrus.
type Logger struct {
	entry    *logrus.Logger
	out      io.Writer
	minLevel LogLevel
}

var (
	global *Logger
	mu     sync.Mutex
)

// New creates a logger writing JSON lines to out.
func New(out io.Writer, minLevel LogLevel) *Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(minLevel.logrus())
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "timestamp",
			logrus.FieldKeyMsg:  "message",
		},
	})
	return &Logger{entry: l, out: out, minLevel: minLevel}
}

// Init replaces the global logger.
func Init(out io.Writer, minLevel LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	global = New(out, minLevel)
}

// Get returns the global logger instance, defaulting to stdout at INFO.
func Get() *Logger {
	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		global = New(os.Stdout, LevelInfo)
	}
	return global
}

// MinLevel returns the minimum level the logger emits.
func (l *Logger) MinLevel() LogLevel {
	return l.minLevel
}

func (l *Logger) with(context []map[string]interface{}) *logrus.Entry {
	fields := logrus.Fields{}
	for _, kv := range context {
		for k, v := range kv {
			fields[k] = v
		}
	}
	return l.entry.WithFields(fields)
}

func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.with(context).Debug(message)
}

func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.with(context).Info(message)
}

func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.with(context).Warn(message)
}

// Error logs message at error level with err under the "error" key.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	entry := l.with(context)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(message)
}

// Package-level helpers log through Get().

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}
