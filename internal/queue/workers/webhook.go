package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/midnight-protocol/admin/internal/queue"
	"github.com/midnight-protocol/admin/internal/webhook"
)

// Deliverer performs one signed webhook POST.
type Deliverer interface {
	Deliver(ctx context.Context, webhookID uuid.UUID, event string, body []byte, attempt int) error
}

type WebhookWorker struct {
	deliverer Deliverer
}

func NewWebhookWorker(d Deliverer) *WebhookWorker {
	return &WebhookWorker{deliverer: d}
}

func (w *WebhookWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload queue.WebhookDeliverPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w: %w", err, asynq.SkipRetry)
	}

	id, err := uuid.Parse(payload.WebhookID)
	if err != nil {
		return fmt.Errorf("parse webhook ID: %w: %w", err, asynq.SkipRetry)
	}

	attempt := 1
	if n, ok := asynq.GetRetryCount(ctx); ok {
		attempt = n + 1
	}

	err = w.deliverer.Deliver(ctx, id, payload.Event, payload.Body, attempt)
	switch {
	case err == nil:
		slog.Info("webhook delivered", "webhook_id", id, "event", payload.Event, "attempt", attempt)
		return nil
	case errors.Is(err, webhook.ErrPermanent), errors.Is(err, webhook.ErrNotFound):
		slog.Warn("webhook delivery abandoned", "webhook_id", id, "event", payload.Event, "error", err)
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	default:
		return err
	}
}
