package queue

import "encoding/json"

const (
	TypeWebhookDeliver = "webhook:deliver"
)

// WebhookDeliverPayload carries one event for one webhook. The signing
// secret is looked up by the worker so it never sits in Redis.
type WebhookDeliverPayload struct {
	WebhookID string          `json:"webhook_id"`
	Event     string          `json:"event"`
	Body      json.RawMessage `json:"body"`
}
