package settlement

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	EventRetryExhausted  = "settlement.retry_exhausted"
	EventOrphansDetected = "settlement.orphans_detected"
	EventStatusMismatch  = "settlement.status_mismatch"
)

// AdminEvent is a structured notice for operators. Delivery is up to the Notifier.
type AdminEvent struct {
	ID       string         `json:"id"`
	Kind     string         `json:"kind"`
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
	At       time.Time      `json:"at"`
}

func newAdminEvent(kind, title, message string, at time.Time, metadata map[string]any) AdminEvent {
	return AdminEvent{
		ID:       uuid.NewString(),
		Kind:     kind,
		Title:    title,
		Message:  message,
		Metadata: metadata,
		At:       at,
	}
}

// Notifier must not block the caller for long; implementations are best-effort.
type Notifier interface {
	Notify(ctx context.Context, event AdminEvent)
}

// LogNotifier writes admin events to the log.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) Notify(_ context.Context, event AdminEvent) {
	if n.Logger == nil {
		return
	}
	n.Logger.Warn("admin event",
		zap.String("event_id", event.ID),
		zap.String("kind", event.Kind),
		zap.String("title", event.Title),
		zap.String("message", event.Message),
		zap.Any("metadata", event.Metadata),
	)
}
