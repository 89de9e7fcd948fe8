package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/logrusorgru/aurora"
)

var global = NewLogger("conveyor", DefaultConfig())

// SetLevel sets the logging level for the global logger.
func SetLevel(lvl string) {
	global.SetLevel(lvl)
}

// SetOutput sets the output for the global logger.
func SetOutput(w io.Writer) {
	global.SetOutput(w)
}

// Discard discards the output of the global logger.
func Discard() {
	global.Discard()
}

// Configure configures the global logger.
func Configure(c Config) {
	global.Configure(c)
}

// Debug logs to the global logger at the Debug level.
func Debug(msg string, args ...interface{}) {
	global.Debug(msg, args...)
}

// Info logs to the global logger at the Info level.
func Info(msg string, args ...interface{}) {
	global.Info(msg, args...)
}

// Error logs to the global logger at the Error level.
func Error(msg string, args ...interface{}) {
	global.Error(msg, args...)
}

// Sub returns a child of the global logger with the given namespace.
func Sub(ns string, args ...interface{}) *Logger {
	return global.Sub(ns, args...)
}

// PrintSimpleError prints a short error message to stderr, bypassing
// the structured logger. Meant for CLI command failures.
func PrintSimpleError(err error) {
	fmt.Fprintln(os.Stderr, aurora.Red("ERROR:"), err.Error())
}
