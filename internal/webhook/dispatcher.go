package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/midnight-protocol/admin/internal/models"
)

const (
	HeaderEvent     = "X-Webhook-Event"
	HeaderSignature = "X-Webhook-Signature"
	HeaderID        = "X-Webhook-ID"
	HeaderTimestamp = "X-Webhook-Timestamp"
)

// Dispatcher performs signed deliveries on behalf of the queue worker.
type Dispatcher struct {
	store      Store
	httpClient *http.Client
}

func NewDispatcher(store Store, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		store: store,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Deliver posts body to the webhook and records the attempt. Transport
// errors and 5xx/429 responses are retryable; other 4xx responses and
// inactive webhooks wrap ErrPermanent.
func (d *Dispatcher) Deliver(ctx context.Context, webhookID uuid.UUID, event string, body []byte, attempt int) error {
	wh, err := d.store.Get(ctx, webhookID)
	if err != nil {
		return err
	}
	if !wh.IsActive {
		return fmt.Errorf("webhook %s is inactive: %w", webhookID, ErrPermanent)
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w: %w", err, ErrPermanent)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderEvent, event)
	httpReq.Header.Set(HeaderSignature, Sign(wh.Secret, ts, body))
	httpReq.Header.Set(HeaderID, wh.ID.String())
	httpReq.Header.Set(HeaderTimestamp, ts)

	status := 0
	resp, err := d.httpClient.Do(httpReq)
	if err == nil {
		status = resp.StatusCode
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
	}

	rec := models.WebhookDelivery{
		WebhookID:      wh.ID,
		Event:          event,
		Payload:        body,
		ResponseStatus: status,
		Attempts:       attempt,
	}
	if err == nil && status < 300 {
		now := time.Now()
		rec.DeliveredAt = &now
	}
	if recErr := d.store.RecordDelivery(ctx, rec); recErr != nil {
		slog.Error("failed to record webhook delivery", "webhook_id", wh.ID, "error", recErr)
	}

	switch {
	case err != nil:
		return fmt.Errorf("post webhook %s: %w", wh.ID, err)
	case status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("webhook %s answered %d", wh.ID, status)
	default:
		return fmt.Errorf("webhook %s answered %d: %w", wh.ID, status, ErrPermanent)
	}
}

// Sign returns the signature header value for body sent at ts.
func Sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret, ts string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, ts, body)), []byte(signature))
}
