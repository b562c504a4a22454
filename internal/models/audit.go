package models

import (
	"encoding/json"
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// LLMCallLog records a single prompt run against an LLM provider.
type LLMCallLog struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	Operator        string          `json:"operator,omitempty" db:"operator"`
	TemplateID      *uuid.UUID      `json:"template_id,omitempty" db:"template_id"`
	TemplateName    string          `json:"template_name,omitempty" db:"template_name"`
	TemplateVersion int             `json:"template_version,omitempty" db:"template_version"`
	Provider        string          `json:"provider" db:"provider"`
	Model           string          `json:"model" db:"model"`
	InputTokens     int             `json:"input_tokens" db:"input_tokens"`
	OutputTokens    int             `json:"output_tokens" db:"output_tokens"`
	TotalTokens     int             `json:"total_tokens" db:"total_tokens"`
	CostUSD         float64         `json:"cost_usd" db:"cost_usd"`
	LatencyMs       int64           `json:"latency_ms" db:"latency_ms"`
	Success         bool            `json:"success" db:"success"`
	Error           string          `json:"error,omitempty" db:"error"`
	Metadata        json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

type AuditLog struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	Operator     string          `json:"operator,omitempty" db:"operator"`
	Action       string          `json:"action" db:"action"`
	ResourceType string          `json:"resource_type,omitempty" db:"resource_type"`
	ResourceID   *uuid.UUID      `json:"resource_id,omitempty" db:"resource_id"`
	Details      json.RawMessage `json:"details" db:"details"`
	IPAddress    *netip.Addr     `json:"ip_address,omitempty" db:"ip_address"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

type Webhook struct {
	ID        uuid.UUID `json:"id" db:"id"`
	URL       string    `json:"url" db:"url"`
	Events    []string  `json:"events" db:"events"`
	Secret    string    `json:"secret,omitempty" db:"secret"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type WebhookDelivery struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	WebhookID      uuid.UUID       `json:"webhook_id" db:"webhook_id"`
	Event          string          `json:"event" db:"event"`
	Payload        json.RawMessage `json:"payload" db:"payload"`
	ResponseStatus int             `json:"response_status" db:"response_status"`
	Attempts       int             `json:"attempts" db:"attempts"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty" db:"delivered_at"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}
