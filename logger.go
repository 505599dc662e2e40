package quarry

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with quarry-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithGeneration adds a generation field to the logger.
func (l *Logger) WithGeneration(gen uint64) *Logger {
	return &Logger{
		Logger: l.Logger.With("generation", gen),
	}
}

// LogApply logs a completed build pass.
func (l *Logger) LogApply(ctx context.Context, gen uint64, indexed, removed, unchanged, warnings int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "apply failed",
			"error", err,
		)
		return
	}
	if warnings > 0 {
		l.WarnContext(ctx, "apply completed with warnings",
			"generation", gen,
			"indexed", indexed,
			"removed", removed,
			"unchanged", unchanged,
			"warnings", warnings,
		)
		return
	}
	l.InfoContext(ctx, "apply completed",
		"generation", gen,
		"indexed", indexed,
		"removed", removed,
		"unchanged", unchanged,
	)
}

// LogSearch logs a search operation.
func (l *Logger) LogSearch(ctx context.Context, gen uint64, hits int, total uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"generation", gen,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "search completed",
		"generation", gen,
		"hits", hits,
		"total", total,
	)
}

// LogBackup logs a backup operation.
func (l *Logger) LogBackup(ctx context.Context, gen uint64, name string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "backup failed",
			"generation", gen,
			"name", name,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "backup completed",
		"generation", gen,
		"name", name,
	)
}

// LogRestore logs a restore operation.
func (l *Logger) LogRestore(ctx context.Context, gen uint64, name string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "restore failed",
			"name", name,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "restore completed",
		"generation", gen,
		"name", name,
	)
}
