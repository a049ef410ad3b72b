// Package logging configures the connector's structured logger: a sink
// selectable as file/syslog/stdout via `log@type`, plus SIGHUP-triggered
// reopen of the file sink for log rotation.
package logging

import (
	"fmt"
	"log/slog"
	"log/syslog"
	"os"
	"strings"
	"sync"
)

// Config carries the `log[@type]`/`log.*` options.
type Config struct {
	Type     string // "file", "syslog", or "stdout"
	File     string
	Ident    string
	Facility string
	Level    string
}

// Logger wraps a *slog.Logger with the file-sink handle needed to
// implement Reopen, since slog itself has no notion of rotating its
// underlying writer.
type Logger struct {
	*slog.Logger

	mu   sync.Mutex
	cfg  Config
	file *os.File
}

// Configure builds the logger described by cfg and installs it as the
// process default.
func Configure(cfg Config) (*Logger, error) {
	l := &Logger{cfg: cfg}
	if err := l.open(); err != nil {
		return nil, err
	}
	slog.SetDefault(l.Logger)
	return l, nil
}

func (l *Logger) open() error {
	level := parseLevel(l.cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	switch l.cfg.Type {
	case "file", "":
		if l.cfg.Type == "" {
			l.Logger = slog.New(slog.NewTextHandler(os.Stdout, opts))
			return nil
		}
		f, err := os.OpenFile(l.cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("logging: open %s: %w", l.cfg.File, err)
		}
		l.file = f
		l.Logger = slog.New(slog.NewTextHandler(f, opts))
	case "syslog":
		w, err := syslog.New(parseFacility(l.cfg.Facility), l.cfg.Ident)
		if err != nil {
			return fmt.Errorf("logging: connect syslog: %w", err)
		}
		l.Logger = slog.New(slog.NewTextHandler(w, opts))
	case "stdout":
		l.Logger = slog.New(slog.NewTextHandler(os.Stdout, opts))
	default:
		return fmt.Errorf("logging: unknown log type %q", l.cfg.Type)
	}
	return nil
}

// Reopen closes and reopens the file sink, for SIGHUP-driven log
// rotation. It is a no-op for syslog and stdout sinks, which have
// nothing to rotate.
func (l *Logger) Reopen() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cfg.Type != "file" {
		return nil
	}
	old := l.file
	if err := l.open(); err != nil {
		return err
	}
	if old != nil {
		old.Close()
	}
	slog.SetDefault(l.Logger)
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseFacility(s string) syslog.Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "daemon":
		return syslog.LOG_DAEMON
	case "local0":
		return syslog.LOG_LOCAL0
	case "local1":
		return syslog.LOG_LOCAL1
	default:
		return syslog.LOG_DAEMON
	}
}
