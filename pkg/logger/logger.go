// Package logger provides the structured logger shared by every component
// of the reactive graph core.
package logger

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger so call sites depend on a small, stable surface
// instead of the full logrus API.
type Logger struct {
	*logrus.Logger
	component string
}

// Config controls how a Logger formats output.
type Config struct {
	Level  string
	Format string // "json" or "text"
}

// New builds a Logger for the named component.
func New(component string, cfg Config) *Logger {
	base := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	base.SetOutput(os.Stdout)

	return &Logger{Logger: base, component: component}
}

// NewDefault returns an info-level, text-formatted logger for the named
// component. Every reactive-core constructor falls back to this when no
// logger is injected.
func NewDefault(component string) *Logger {
	return New(component, Config{Level: "info", Format: "text"})
}

// WithField returns a log entry tagged with the component name and the
// given field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField("component", l.component).WithField(key, value)
}

// WithFields returns a log entry tagged with the component name and the
// given fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)
	return entry.WithFields(fields)
}

// WithError returns a log entry tagged with the component name and an error.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithField("component", l.component).WithError(err)
}
