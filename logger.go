package msgframe

import "log/slog"

// Logger is the structured logger used by readers, connections and servers.
// *slog.Logger satisfies it; args are slog-style key-value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

func defaultLogger() Logger {
	return slog.Default()
}

// withAttrs returns a logger carrying args on every record when the logger
// supports it, as *slog.Logger does.
func withAttrs(logger Logger, args ...any) Logger {
	if l, ok := logger.(interface{ With(args ...any) *slog.Logger }); ok {
		return l.With(args...)
	}
	return logger
}
