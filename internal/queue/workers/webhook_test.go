package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midnight-protocol/admin/internal/queue"
	"github.com/midnight-protocol/admin/internal/webhook"
)

type fakeDeliverer struct {
	err     error
	calls   int
	attempt int
	body    []byte
}

func (d *fakeDeliverer) Deliver(_ context.Context, _ uuid.UUID, _ string, body []byte, attempt int) error {
	d.calls++
	d.attempt = attempt
	d.body = body
	return d.err
}

func task(t *testing.T, p queue.WebhookDeliverPayload) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	return asynq.NewTask(queue.TypeWebhookDeliver, data)
}

func TestWebhookWorker(t *testing.T) {
	payload := queue.WebhookDeliverPayload{
		WebhookID: uuid.NewString(),
		Event:     "template.updated",
		Body:      json.RawMessage(`{"event":"template.updated"}`),
	}

	t.Run("delivered", func(t *testing.T) {
		d := &fakeDeliverer{}
		require.NoError(t, NewWebhookWorker(d).ProcessTask(context.Background(), task(t, payload)))
		assert.Equal(t, 1, d.attempt)
		assert.JSONEq(t, `{"event":"template.updated"}`, string(d.body))
	})

	t.Run("retryable", func(t *testing.T) {
		d := &fakeDeliverer{err: errors.New("answered 503")}
		err := NewWebhookWorker(d).ProcessTask(context.Background(), task(t, payload))
		require.Error(t, err)
		assert.False(t, errors.Is(err, asynq.SkipRetry))
	})

	t.Run("permanent", func(t *testing.T) {
		d := &fakeDeliverer{err: fmt.Errorf("answered 410: %w", webhook.ErrPermanent)}
		err := NewWebhookWorker(d).ProcessTask(context.Background(), task(t, payload))
		assert.ErrorIs(t, err, asynq.SkipRetry)
	})

	t.Run("bad payload", func(t *testing.T) {
		d := &fakeDeliverer{}
		err := NewWebhookWorker(d).ProcessTask(context.Background(), asynq.NewTask(queue.TypeWebhookDeliver, []byte("{")))
		assert.ErrorIs(t, err, asynq.SkipRetry)

		bad := payload
		bad.WebhookID = "not-a-uuid"
		err = NewWebhookWorker(d).ProcessTask(context.Background(), task(t, bad))
		assert.ErrorIs(t, err, asynq.SkipRetry)
		assert.Zero(t, d.calls)
	})
}
