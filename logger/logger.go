package logger

import "fmt"

// Logger is the leveled logging interface used throughout the client.
// The connection provides a default implementation writing to stdout;
// callers can inject their own with the WithLogger option.
type Logger interface {
	Fatal(format string, a ...any)
	Err(format string, a ...any)
	Warn(format string, a ...any)
	Info(format string, a ...any)
	Debug(format string, a ...any)
}

// NilLogger discards every log line. Inject it where silence is wanted
// without going through the logging configuration.
type NilLogger struct{}

// Fatal panics with the formatted message so fatal conditions are never lost
func (n *NilLogger) Fatal(format string, a ...any) { panic(fmt.Sprintf(format, a...)) }

func (n *NilLogger) Err(format string, a ...any) {}

func (n *NilLogger) Warn(format string, a ...any) {}

func (n *NilLogger) Info(format string, a ...any) {}

func (n *NilLogger) Debug(format string, a ...any) {}
