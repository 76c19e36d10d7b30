package paas

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vaultsettle/internal/settlement"
)

// Notifier forwards settlement admin events to the PaaS log API. Delivery is
// best-effort; failures fall back to the local log.
type Notifier struct {
	Client  *Client
	Logger  *zap.Logger
	Timeout time.Duration
}

func (n *Notifier) Notify(ctx context.Context, event settlement.AdminEvent) {
	if n == nil {
		return
	}
	fallback := settlement.LogNotifier{Logger: n.Logger}
	if n.Client == nil {
		fallback.Notify(ctx, event)
		return
	}
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	err := n.Client.CreateLog(sendCtx, CreateLogRequest{
		Action: event.Kind,
		Level:  levelForEvent(event.Kind),
		Details: map[string]any{
			"event_id": event.ID,
			"title":    event.Title,
			"message":  event.Message,
			"at":       event.At.UTC().Format(time.RFC3339),
		},
		Metadata: event.Metadata,
	})
	if err != nil {
		if n.Logger != nil {
			n.Logger.Debug("paas notify failed", zap.String("kind", event.Kind), zap.Error(err))
		}
		fallback.Notify(ctx, event)
	}
}

func levelForEvent(kind string) string {
	switch kind {
	case settlement.EventRetryExhausted:
		return "error"
	default:
		return "warn"
	}
}

var _ settlement.Notifier = (*Notifier)(nil)
