// Package logger provides the structured logger shared by every component.
// It wraps logrus so call sites can chain WithField/WithError and always
// carry the component name.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// LoggingConfig configures a Logger.
type LoggingConfig struct {
	Level  string    `yaml:"level" env:"LOTTERY_LOG_LEVEL"`
	Format string    `yaml:"format" env:"LOTTERY_LOG_FORMAT"` // "json" or "text"
	Output io.Writer `yaml:"-"`
}

// Logger is a component-scoped logrus entry.
type Logger struct {
	*logrus.Entry
	base *logrus.Logger
}

// New builds a logger from configuration. Unknown levels fall back to info.
func New(cfg LoggingConfig) *Logger {
	base := logrus.New()
	if cfg.Output != nil {
		base.SetOutput(cfg.Output)
	} else {
		base.SetOutput(os.Stderr)
	}

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	default:
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return &Logger{Entry: logrus.NewEntry(base), base: base}
}

// NewDefault creates an info-level text logger tagged with the component name.
func NewDefault(name string) *Logger {
	return New(LoggingConfig{}).Named(name)
}

// Named returns a child logger sharing the same output and level.
func (l *Logger) Named(name string) *Logger {
	if strings.TrimSpace(name) == "" {
		return l
	}
	return &Logger{Entry: l.Entry.WithField("component", name), base: l.base}
}

// SetLevel changes the level of the underlying logger and all its children.
func (l *Logger) SetLevel(level string) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	l.base.SetLevel(parsed)
	return nil
}
