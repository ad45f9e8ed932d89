package logger

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/GoPolymarket/capsettle/internal/pkg/apperrors"
)

var (
	globalLogger *slog.Logger
	once         sync.Once
)

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

func Init(level string) {
	once.Do(func() {
		// JSON on stdout, collected by the log shipper
		handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: parseLevel(level),
		})
		globalLogger = slog.New(handler).With(slog.String("service", "capsettle"))
		slog.SetDefault(globalLogger)
	})
}

// Get returns the global logger instance
func Get() *slog.Logger {
	if globalLogger == nil {
		Init("info")
	}
	return globalLogger
}

func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}

func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

func With(args ...any) *slog.Logger {
	return Get().With(args...)
}

// ForJob scopes a logger to one run of a scheduled job.
func ForJob(job, runID string) *slog.Logger {
	return Get().With(slog.String("job", job), slog.String("run_id", runID))
}

// LogError logs err with its error class attached. Nil errors are ignored.
func LogError(ctx context.Context, err error, msg string, args ...any) {
	LogErrorTo(ctx, Get(), err, msg, args...)
}

func LogErrorTo(ctx context.Context, l *slog.Logger, err error, msg string, args ...any) {
	if err == nil {
		return
	}
	if l == nil {
		l = Get()
	}
	args = append(args, slog.String("error", err.Error()))
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		args = append(args, slog.String("error_type", string(appErr.Type)))
	}
	l.ErrorContext(ctx, msg, args...)
}
