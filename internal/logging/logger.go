package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init installs the process-wide JSON logger. Every record passes through
// the redaction layer before it reaches the handler, so feed credentials
// and task payloads never land in log output verbatim.
func Init(nodeID, level string) *slog.Logger {
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	handler = newRedactHandler(handler)
	logger := slog.New(handler).With("node_id", nodeID)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a config string to a slog level. Unrecognized values
// fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
