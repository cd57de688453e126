package msgio

import "log/slog"

// Logger receives gateway, connection and server events as key/value
// pairs. *slog.Logger satisfies it.
//
// Dropped frames are logged at Warn, lifecycle events at Info and
// per-frame detail at Debug.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

func defaultLogger() Logger {
	return slog.Default()
}
