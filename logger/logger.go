package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Fields mirrors logrus.Fields so callers do not import logrus directly.
type Fields map[string]interface{}

// Log is the process logger. It embeds logrus so hooks, output and level
// can be changed in place.
type Log struct {
	*logrus.Logger
}

// Entry is a log line under construction. Warn and Error are counted per
// component for the runtime report.
type Entry struct {
	*logrus.Entry
}

const rotateMaxSizeMB = 100

var globalLogger = Logger()

// Logger builds a fresh JSON logger honouring LOG_LEVEL, info otherwise.
func Logger() *Log {
	l := logrus.New()
	l.SetReportCaller(true)
	if err := applyLevel(l, envOr("LOG_LEVEL", "info")); err != nil {
		l.SetLevel(logrus.InfoLevel)
	}
	l.SetFormatter(jsonFormatter())
	l.AddHook(&callerHook{})
	return &Log{Logger: l}
}

// GetLogger returns the shared process logger.
func GetLogger() *Log {
	return globalLogger
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func callerPrettyfier(f *runtime.Frame) (string, string) {
	return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
}

func jsonFormatter() logrus.Formatter {
	return &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "timestamp",
			logrus.FieldKeyMsg:  "message",
		},
		CallerPrettyfier: callerPrettyfier,
	}
}

// applyLevel understands the extra "report" level, which logs at info and
// enables the periodic runtime report.
func applyLevel(l *logrus.Logger, level string) error {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "report" {
		l.SetLevel(logrus.InfoLevel)
		return nil
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level '%s'", level)
	}
	l.SetLevel(lvl)
	return nil
}

func (l *Log) WithComponent(component string) *Entry {
	return &Entry{Entry: l.Logger.WithField("component", component)}
}

func (l *Log) WithFields(fields Fields) *Entry {
	return &Entry{Entry: l.Logger.WithFields(logrus.Fields(fields))}
}

func (l *Log) WithError(err error) *Entry {
	return &Entry{Entry: l.Logger.WithError(err)}
}

func (e *Entry) WithComponent(component string) *Entry {
	return &Entry{Entry: e.Entry.WithField("component", component)}
}

func (e *Entry) WithFields(fields Fields) *Entry {
	return &Entry{Entry: e.Entry.WithFields(logrus.Fields(fields))}
}

func (e *Entry) WithField(key string, value interface{}) *Entry {
	return &Entry{Entry: e.Entry.WithField(key, value)}
}

func (e *Entry) WithError(err error) *Entry {
	return &Entry{Entry: e.Entry.WithError(err)}
}

func (e *Entry) Warn(args ...interface{}) {
	if component, ok := e.Entry.Data["component"].(string); ok {
		recordWarn(component)
	}
	e.Entry.Warn(args...)
}

func (e *Entry) Error(args ...interface{}) {
	if component, ok := e.Entry.Data["component"].(string); ok {
		recordError(component)
	}
	e.Entry.Error(args...)
}

// Configure applies level, format and output. LOG_LEVEL wins over level.
// A file output rotates through lumberjack when maxAge (days) is positive.
func (l *Log) Configure(level string, format string, output string, maxAge int) error {
	if err := applyLevel(l.Logger, envOr("LOG_LEVEL", level)); err != nil {
		return err
	}
	l.SetReportCaller(true)

	switch format {
	case "json", "":
		l.SetFormatter(jsonFormatter())
	case "text":
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: callerPrettyfier,
		})
	default:
		return fmt.Errorf("invalid log format '%s'", format)
	}

	switch output {
	case "stdout", "":
		l.SetOutput(os.Stdout)
	case "stderr":
		l.SetOutput(os.Stderr)
	default:
		if dir := filepath.Dir(output); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create log directory '%s': %w", dir, err)
			}
		}
		if maxAge <= 0 {
			file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("failed to open log file '%s': %w", output, err)
			}
			l.SetOutput(file)
			return nil
		}
		l.SetOutput(&lumberjack.Logger{
			Filename: output,
			MaxAge:   maxAge,
			MaxSize:  rotateMaxSizeMB,
			Compress: true,
		})
	}
	return nil
}

// LogPerformanceEntry records how long one operation of component took.
func LogPerformanceEntry(entry *Entry, component string, operation string, duration time.Duration, fields Fields) {
	out := make(Fields, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	out["duration_ms"] = float64(duration.Nanoseconds()) / 1e6
	out["operation"] = operation

	entry.WithFields(out).WithComponent(component).Info("performance metric")
}
