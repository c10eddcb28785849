// Package log wraps logrus behind the small surface the pipeline needs.
// Verbosity is injected by the caller rather than read from the
// environment, so embedding applications control it per instance.
package log

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the logging surface pipeline components depend on.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	WithField(key string, value interface{}) Logger
}

type logger struct {
	entry *logrus.Entry
}

// New returns a logrus backed logger. With debug set, debug level entries
// are emitted.
func New(debug bool) Logger {
	l := logrus.New()
	if debug {
		l.SetLevel(logrus.DebugLevel)
	}
	return &logger{entry: logrus.NewEntry(l)}
}

// Discard returns a logger that writes nothing.
func Discard() Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &logger{entry: logrus.NewEntry(l)}
}

func (l *logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *logger) WithField(key string, value interface{}) Logger {
	return &logger{entry: l.entry.WithField(key, value)}
}
