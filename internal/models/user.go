package models

import (
	"time"

	"github.com/google/uuid"
)

// Operator is the authenticated dashboard user performing an admin call.
type Operator struct {
	Subject string `json:"subject"`
	Email   string `json:"email,omitempty"`
	Role    string `json:"role"`
}

// Label identifies the operator in version and audit rows.
func (o *Operator) Label() string {
	if o == nil {
		return ""
	}
	if o.Email != "" {
		return o.Email
	}
	return o.Subject
}

type APIKey struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	Name       string     `json:"name" db:"name"`
	KeyHash    string     `json:"-" db:"key_hash"`
	Role       string     `json:"role" db:"role"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}
