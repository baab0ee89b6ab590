package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/TheGojiOG/LocalSM/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu     sync.RWMutex
	logger *slog.Logger
	closer io.Closer
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// Init installs the process logger. Std log output is bridged into it so
// "[Component] message" lines come out structured.
func Init(cfg config.LoggingConfig) (*slog.Logger, error) {
	out, c, err := openOutput(cfg)
	if err != nil {
		return nil, err
	}

	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level, AddSource: level == slog.LevelDebug}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	l := slog.New(handler)

	mu.Lock()
	prev := closer
	logger, closer = l, c
	mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	slog.SetDefault(l)
	log.SetFlags(0)
	log.SetOutput(bridge{})
	return l, nil
}

// L returns the process logger, or a discarding logger before Init.
func L() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if logger == nil {
		return discard
	}
	return logger
}

// Component returns a logger tagged with a component attribute.
func Component(name string) *slog.Logger {
	return L().With("component", name)
}

// Close releases the rotated log file, if any.
func Close() error {
	mu.Lock()
	c := closer
	closer = nil
	mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

// bridge receives std log lines. A leading "[Component]" tag becomes an
// attribute and lines reporting failures are raised to warn.
type bridge struct{}

func (bridge) Write(p []byte) (int, error) {
	msg := strings.TrimSpace(string(p))
	if msg == "" {
		return len(p), nil
	}
	component, rest := splitComponent(msg)
	l := L()
	if component != "" {
		l = l.With("component", component)
	}
	l.Log(context.Background(), bridgedLevel(rest), rest)
	return len(p), nil
}

func bridgedLevel(msg string) slog.Level {
	lower := strings.ToLower(msg)
	for _, marker := range []string{"error", "failed", "warning"} {
		if strings.Contains(lower, marker) {
			return slog.LevelWarn
		}
	}
	return slog.LevelInfo
}

func splitComponent(msg string) (string, string) {
	if !strings.HasPrefix(msg, "[") {
		return "", msg
	}
	end := strings.Index(msg, "]")
	if end <= 1 {
		return "", msg
	}
	component := msg[1:end]
	if strings.ContainsAny(component, " \t") {
		return "", msg
	}
	return component, strings.TrimSpace(msg[end+1:])
}

// openOutput writes to stdout, and additionally to a rotated file when one
// is configured.
func openOutput(cfg config.LoggingConfig) (io.Writer, io.Closer, error) {
	file := strings.TrimSpace(cfg.File)
	if file == "" {
		return os.Stdout, nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	rotated := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   true,
	}
	return io.MultiWriter(os.Stdout, rotated), rotated, nil
}

func parseLevel(level string) slog.Level {
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
