// Package logging carries the teacher's Logger interface shape
// (pkg/mcast/definition.DefaultLogger) forward, backed by logrus instead of
// the stdlib log package, with an optional lumberjack-rotated file sink.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Logger is implemented by every logging backend the stack accepts. The
// method set matches the teacher's hand-rolled Logger interface so existing
// call sites (Debugf, Infof, Warnf, Errorf, Fatalf) carry over unchanged.
type Logger interface {
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})

	// ToggleDebug turns debug-level output on when value is true and off
	// (back to info level) when it is false, and returns value, matching
	// the teacher's DefaultLogger knob.
	ToggleDebug(value bool) bool

	// WithField returns a derived Logger that attaches one structured
	// field (peer, endpoint, sequence, component, ...) to every entry.
	WithField(key string, value interface{}) Logger
}

// Rotation configures the optional lumberjack file sink. A zero value means
// "no rotation, write straight to the writer passed to New".
type Rotation struct {
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

type logrusLogger struct {
	entry *logrus.Entry
	base  *logrus.Logger
}

// New builds a Logger. If rotation.Filename is non-empty, output is sent to
// a lumberjack-rotated file instead of w.
func New(component string, w io.Writer, rotation *Rotation) Logger {
	base := logrus.New()
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var out io.Writer = w
	if out == nil {
		out = os.Stderr
	}
	if rotation != nil && rotation.Filename != "" {
		out = &lumberjack.Logger{
			Filename:   rotation.Filename,
			MaxSize:    rotation.MaxSizeMB,
			MaxBackups: rotation.MaxBackups,
			MaxAge:     rotation.MaxAgeDays,
			Compress:   rotation.Compress,
		}
	}
	base.SetOutput(out)
	base.SetLevel(logrus.InfoLevel)

	entry := base.WithField("component", component)
	return &logrusLogger{entry: entry, base: base}
}

func (l *logrusLogger) Debug(v ...interface{})                 { l.entry.Debug(v...) }
func (l *logrusLogger) Debugf(f string, v ...interface{})       { l.entry.Debugf(f, v...) }
func (l *logrusLogger) Info(v ...interface{})                   { l.entry.Info(v...) }
func (l *logrusLogger) Infof(f string, v ...interface{})        { l.entry.Infof(f, v...) }
func (l *logrusLogger) Warn(v ...interface{})                   { l.entry.Warn(v...) }
func (l *logrusLogger) Warnf(f string, v ...interface{})        { l.entry.Warnf(f, v...) }
func (l *logrusLogger) Error(v ...interface{})                  { l.entry.Error(v...) }
func (l *logrusLogger) Errorf(f string, v ...interface{})       { l.entry.Errorf(f, v...) }
func (l *logrusLogger) Fatal(v ...interface{})                  { l.entry.Fatal(v...) }
func (l *logrusLogger) Fatalf(f string, v ...interface{})       { l.entry.Fatalf(f, v...) }

func (l *logrusLogger) ToggleDebug(value bool) bool {
	if value {
		l.base.SetLevel(logrus.DebugLevel)
	} else {
		l.base.SetLevel(logrus.InfoLevel)
	}
	return value
}

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithField(key, value), base: l.base}
}

// Noop returns a Logger that discards everything, useful for tests that do
// not want log noise but still need the interface satisfied.
func Noop() Logger {
	base := logrus.New()
	base.SetOutput(io.Discard)
	return &logrusLogger{entry: logrus.NewEntry(base), base: base}
}
