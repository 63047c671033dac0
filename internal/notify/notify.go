package notify

import (
	"context"
	"log/slog"
)

// Severity classifies a notification for the presentation layer.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notifier delivers operator-facing notifications. Implementations must
// be safe for concurrent use; delivery is best effort and never blocks
// the caller on user interaction.
type Notifier interface {
	Notify(ctx context.Context, severity Severity, title, message string)
}

// LogNotifier writes notifications to a structured logger. It is the
// default sink when no presentation layer is attached.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier backed by the given logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs the notification at a level matching its severity.
func (n *LogNotifier) Notify(ctx context.Context, severity Severity, title, message string) {
	level := slog.LevelInfo

	switch severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityError:
		level = slog.LevelError
	}

	n.logger.Log(ctx, level, "notification",
		slog.String("title", title),
		slog.String("message", message))
}
