package logger

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Formatter formats log entries.
type Formatter logrus.Formatter

// Logger handles structured, configurable application logging.
type Logger struct {
	base   *logrus.Logger
	fields logrus.Fields
}

// NewLogger returns a new Logger instance with the given namespace
// and configuration.
func NewLogger(ns string, conf Config) *Logger {
	base := logrus.New()
	l := &Logger{base: base, fields: logrus.Fields{"ns": ns}}
	l.Configure(conf)
	return l
}

// Sub returns a new child Logger with the given namespace.
func (l *Logger) Sub(ns string, args ...interface{}) *Logger {
	sub := l.WithFields(args...)
	sub.fields["ns"] = ns
	return sub
}

// WithFields returns a new Logger instance with the given fields
// added to all log messages.
func (l *Logger) WithFields(args ...interface{}) *Logger {
	f := logrus.Fields{}
	for k, v := range l.fields {
		f[k] = v
	}
	for k, v := range fields(args...) {
		f[k] = v
	}
	return &Logger{base: l.base, fields: f}
}

// Debug logs a debug message.
//
// After the first argument, arguments are key-value pairs which are written
// as structured logs.
//
//	log.Debug("Some message here", "key1", value1, "key2", value2)
func (l *Logger) Debug(msg string, args ...interface{}) {
	defer recoverLogErr()
	l.entry(args...).Debug(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string, args ...interface{}) {
	defer recoverLogErr()
	l.entry(args...).Info(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, args ...interface{}) {
	defer recoverLogErr()
	l.entry(args...).Warn(msg)
}

// Error logs an error message.
//
// Error has a two-argument version that can be used as a shortcut.
//
//	err := startDispatcher()
//	log.Error("Couldn't start dispatcher", err)
func (l *Logger) Error(msg string, args ...interface{}) {
	defer recoverLogErr()
	if len(args) == 1 {
		args = []interface{}{"error", args[0]}
	}
	l.entry(args...).Error(msg)
}

// SetLevel sets the logging level.
func (l *Logger) SetLevel(lvl string) {
	switch strings.ToLower(lvl) {
	case "debug":
		l.base.SetLevel(logrus.DebugLevel)
	case "info":
		l.base.SetLevel(logrus.InfoLevel)
	case "warn":
		l.base.SetLevel(logrus.WarnLevel)
	case "error":
		l.base.SetLevel(logrus.ErrorLevel)
	default:
		l.base.SetLevel(logrus.InfoLevel)
	}
}

// SetFormatter sets the formatter.
func (l *Logger) SetFormatter(f Formatter) {
	l.base.Formatter = f
}

// SetOutput sets the output destination.
func (l *Logger) SetOutput(w io.Writer) {
	l.base.Out = w
}

// Discard configures the logger to discard all logs.
func (l *Logger) Discard() {
	l.SetOutput(ioutil.Discard)
}

func (l *Logger) entry(args ...interface{}) *logrus.Entry {
	return l.base.WithFields(l.fields).WithFields(fields(args...))
}

// fields converts a list of key-value pairs to a map.
func fields(args ...interface{}) map[string]interface{} {
	f := map[string]interface{}{}
	if len(args) == 1 {
		f["unknown"] = args[0]
		return f
	}
	for i := 0; i < len(args)-1; i += 2 {
		k, ok := args[i].(string)
		if !ok {
			k = fmt.Sprintf("unknown-%d", i)
		}
		f[k] = args[i+1]
	}
	return f
}

// recoverLogErr is used to recover from panics in logging code,
// so that a broken log field can never crash the caller.
func recoverLogErr() {
	if r := recover(); r != nil {
		fmt.Fprintln(os.Stderr, "recovered from logging panic", r)
	}
}
