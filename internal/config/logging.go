package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	slogmulti "github.com/samber/slog-multi"
)

// ParseLevel maps a config log level to a slog level. Unknown values fall
// back to info; Validate rejects them earlier.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger builds the process logger: text or JSON on stderr per
// log_format, plus JSON lines appended to log_file when one is set. The
// returned cleanup closes the log file.
func SetupLogger(l *LoggingConfig, level slog.Level) (*slog.Logger, func() error, error) {
	stderr := streamHandler(os.Stderr, l.LogFormat, isTerminal(os.Stderr), level)

	if l.LogFile == "" {
		return slog.New(stderr), func() error { return nil }, nil
	}

	f, err := os.OpenFile(l.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file %s: %w", l.LogFile, err)
	}

	return SetupLoggerWithWriters(stderr, f, level), f.Close, nil
}

// SetupLoggerWithWriters fans records out to primary and to JSON lines on
// file.
func SetupLoggerWithWriters(primary slog.Handler, file io.Writer, level slog.Level) *slog.Logger {
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})

	return slog.New(slogmulti.Fanout(primary, fileHandler))
}

// streamHandler picks the handler for w: "auto" is text on a terminal and
// JSON otherwise.
func streamHandler(w io.Writer, format string, tty bool, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	switch {
	case format == "json", format == "auto" && !tty:
		return slog.NewJSONHandler(w, opts)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
