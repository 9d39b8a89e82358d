package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the structured logger handed to every component.
type Logger = logrus.FieldLogger

// Fields represents structured logging fields
type Fields = logrus.Fields

// NewLogger creates a JSON logger writing to stderr at the given level.
// Unknown levels fall back to info.
func NewLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(ParseLevel(level))
	return logger
}

// NewLoggerWithService creates a logger whose entries all carry a service field.
func NewLoggerWithService(serviceName, level string) *logrus.Entry {
	return NewLogger(level).WithField("service", serviceName)
}

// ParseLevel maps LOG_LEVEL style strings to logrus levels.
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Component returns a child logger tagged with the component name. A nil
// parent yields the logrus standard logger.
func Component(parent Logger, name string) Logger {
	if parent == nil {
		parent = logrus.StandardLogger()
	}
	return parent.WithField("component", name)
}

// Discard returns a logger that drops everything; used by tests.
func Discard() Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
