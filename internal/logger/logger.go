// Package logger wraps logrus with the level/field conventions used across
// this server, modeled after nabbar/golib's logger package but scaled down
// to what a single-process static+form server needs: level filtering, a
// file, stdout or stderr destination chosen at startup, and per-connection
// fields.
package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Level mirrors the small set of severities the server actually emits.
type Level uint8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelInfo:
		return logrus.InfoLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Logger is the narrow surface the rest of the server depends on, so
// internal packages never import logrus directly.
type Logger interface {
	WithFields(fields map[string]interface{}) Logger
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Close() error
}

type lgr struct {
	entry *logrus.Entry
	out   io.Closer
}

// Options configures where log lines go and at what level they're kept.
type Options struct {
	OpenLog  bool
	Level    Level
	FilePath string
	QueueSize int
}

// New builds a Logger. When opts.OpenLog is false, a Logger that writes to
// os.Stderr at Warn level is still returned (the server never runs fully
// silent), matching the "openLog" bootstrap parameter from the spec.
func New(opts Options) Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var closer io.Closer
	if opts.OpenLog && opts.FilePath != "" {
		f, err := os.OpenFile(opts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			l.SetOutput(f)
			closer = f
		} else {
			l.SetOutput(os.Stderr)
			l.Warnf("falling back to stderr: could not open log file %q: %v", opts.FilePath, err)
		}
	} else if !opts.OpenLog {
		l.SetOutput(os.Stderr)
		l.SetLevel(logrus.WarnLevel)
		return &lgr{entry: logrus.NewEntry(l)}
	} else {
		l.SetOutput(os.Stdout)
	}

	l.SetLevel(opts.Level.logrusLevel())
	return &lgr{entry: logrus.NewEntry(l), out: closer}
}

func (g *lgr) WithFields(fields map[string]interface{}) Logger {
	return &lgr{entry: g.entry.WithFields(fields), out: g.out}
}

func (g *lgr) Debugf(format string, args ...interface{}) { g.entry.Debugf(format, args...) }
func (g *lgr) Infof(format string, args ...interface{})  { g.entry.Infof(format, args...) }
func (g *lgr) Warnf(format string, args ...interface{})  { g.entry.Warnf(format, args...) }
func (g *lgr) Errorf(format string, args ...interface{}) { g.entry.Errorf(format, args...) }

func (g *lgr) Close() error {
	if g.out != nil {
		return g.out.Close()
	}
	return nil
}

// Noop is a Logger that discards everything; used in tests.
func Noop() Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &lgr{entry: logrus.NewEntry(l)}
}
