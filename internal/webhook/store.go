package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/midnight-protocol/admin/internal/models"
)

// Store persists webhook registrations and delivery attempts.
type Store interface {
	Create(ctx context.Context, wh *models.Webhook) error
	Get(ctx context.Context, id uuid.UUID) (*models.Webhook, error)
	List(ctx context.Context) ([]models.Webhook, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Subscribed(ctx context.Context, event string) ([]models.Webhook, error)
	RecordDelivery(ctx context.Context, d models.WebhookDelivery) error
}

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, wh *models.Webhook) error {
	eventsJSON, err := json.Marshal(wh.Events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	err = s.db.QueryRow(ctx,
		`INSERT INTO webhooks (url, events, secret, is_active)
		 VALUES ($1, $2, $3, true)
		 RETURNING id, is_active, created_at`,
		wh.URL, eventsJSON, wh.Secret,
	).Scan(&wh.ID, &wh.IsActive, &wh.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*models.Webhook, error) {
	var wh models.Webhook
	err := s.db.QueryRow(ctx,
		`SELECT id, url, events, secret, is_active, created_at FROM webhooks WHERE id = $1`, id,
	).Scan(&wh.ID, &wh.URL, &wh.Events, &wh.Secret, &wh.IsActive, &wh.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	return &wh, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]models.Webhook, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, url, events, is_active, created_at FROM webhooks ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	webhooks := []models.Webhook{}
	for rows.Next() {
		var wh models.Webhook
		if err := rows.Scan(&wh.ID, &wh.URL, &wh.Events, &wh.IsActive, &wh.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		webhooks = append(webhooks, wh)
	}
	return webhooks, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, "DELETE FROM webhooks WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Subscribed(ctx context.Context, event string) ([]models.Webhook, error) {
	filter, _ := json.Marshal([]string{event})
	rows, err := s.db.Query(ctx,
		`SELECT id, url, events, is_active, created_at FROM webhooks
		 WHERE is_active AND events @> $1::jsonb`,
		filter,
	)
	if err != nil {
		return nil, fmt.Errorf("find matching webhooks: %w", err)
	}
	defer rows.Close()

	var webhooks []models.Webhook
	for rows.Next() {
		var wh models.Webhook
		if err := rows.Scan(&wh.ID, &wh.URL, &wh.Events, &wh.IsActive, &wh.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		webhooks = append(webhooks, wh)
	}
	return webhooks, rows.Err()
}

func (s *PostgresStore) RecordDelivery(ctx context.Context, d models.WebhookDelivery) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO webhook_deliveries (webhook_id, event, payload, response_status, attempts, delivered_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		d.WebhookID, d.Event, []byte(d.Payload), d.ResponseStatus, d.Attempts, d.DeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("record webhook delivery: %w", err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
