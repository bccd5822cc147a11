package modrt

import (
	"io"
	"log/slog"
	"os"
)

// Logger is the structured logger used by every framework component.
// Arguments are key-value pairs:
//
//	logger.Info("Bundle started", "bundle", b.SymbolicName(), "id", b.ID())
//
// The interface matches log/slog, so a *slog.Logger can be passed through
// NewSlogLogger or any adapter with the same four methods.
type Logger interface {
	// Info logs lifecycle milestones such as install, start and resolution.
	Info(msg string, args ...any)

	// Error logs failures that were isolated from the caller, for example a
	// panicking listener.
	Error(msg string, args ...any)

	// Warn logs unusual conditions that do not stop the operation.
	Warn(msg string, args ...any)

	// Debug logs detailed diagnostics like service registration.
	Debug(msg string, args ...any)
}

type slogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger adapts a *slog.Logger.
func NewSlogLogger(l *slog.Logger) Logger {
	return &slogLogger{logger: l}
}

// newDefaultLogger writes text records to stderr at info level.
func newDefaultLogger(w io.Writer) Logger {
	if w == nil {
		w = os.Stderr
	}
	return NewSlogLogger(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})))
}

func (l *slogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *slogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l *slogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *slogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
