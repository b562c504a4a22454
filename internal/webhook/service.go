package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/midnight-protocol/admin/internal/models"
	"github.com/midnight-protocol/admin/internal/queue"
	"github.com/midnight-protocol/admin/internal/template"
)

var (
	ErrNotFound = errors.New("webhook not found")
	// ErrPermanent marks a delivery that retrying cannot fix.
	ErrPermanent = errors.New("permanent webhook failure")
)

// Events a webhook may subscribe to.
var Events = []string{
	template.EventCreated,
	template.EventUpdated,
	template.EventRestored,
	template.EventRetired,
	template.EventImported,
}

// Enqueuer hands deliveries to the background queue.
type Enqueuer interface {
	EnqueueWebhookDeliver(ctx context.Context, payload queue.WebhookDeliverPayload) error
}

type Service struct {
	store    Store
	enqueuer Enqueuer
}

func NewService(store Store, enqueuer Enqueuer) *Service {
	return &Service{store: store, enqueuer: enqueuer}
}

type CreateRequest struct {
	URL    string   `json:"url" validate:"required,url"`
	Events []string `json:"events" validate:"required,min=1"`
}

// Create registers a webhook. The signing secret is only returned here.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Webhook, error) {
	if err := template.ValidateStruct(req); err != nil {
		return nil, err
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, &template.ValidationError{Field: "url", Message: "must be an http or https URL"}
	}
	for _, e := range req.Events {
		if !slices.Contains(Events, e) {
			return nil, &template.ValidationError{Field: "events", Message: fmt.Sprintf("unknown event %q", e)}
		}
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	wh := &models.Webhook{URL: req.URL, Events: req.Events, Secret: secret}
	if err := s.store.Create(ctx, wh); err != nil {
		return nil, err
	}
	return wh, nil
}

func (s *Service) List(ctx context.Context) ([]models.Webhook, error) {
	return s.store.List(ctx)
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.store.Delete(ctx, id)
}

// Envelope is the JSON body posted to subscribers.
type Envelope struct {
	ID         string      `json:"id"`
	Event      string      `json:"event"`
	OccurredAt time.Time   `json:"occurred_at"`
	Data       interface{} `json:"data"`
}

// Dispatch enqueues event for every active webhook subscribed to it.
func (s *Service) Dispatch(ctx context.Context, event string, payload interface{}) error {
	hooks, err := s.store.Subscribed(ctx, event)
	if err != nil {
		return err
	}
	if len(hooks) == 0 {
		return nil
	}

	body, err := json.Marshal(Envelope{
		ID:         uuid.NewString(),
		Event:      event,
		OccurredAt: time.Now().UTC(),
		Data:       payload,
	})
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}

	var errs []error
	for _, wh := range hooks {
		err := s.enqueuer.EnqueueWebhookDeliver(ctx, queue.WebhookDeliverPayload{
			WebhookID: wh.ID.String(),
			Event:     event,
			Body:      body,
		})
		if err != nil {
			slog.Error("failed to enqueue webhook", "webhook_id", wh.ID, "event", event, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(b), nil
}
