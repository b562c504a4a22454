package models

import (
	"time"

	"github.com/google/uuid"
)

// TemplateKind separates prompt templates from email templates. Names are
// unique per kind.
type TemplateKind string

const (
	KindPrompt TemplateKind = "prompt"
	KindEmail  TemplateKind = "email"
)

func (k TemplateKind) Valid() bool {
	return k == KindPrompt || k == KindEmail
}

// Content holds the body slots of a template. Prompts use Body; emails use
// Subject, HTML and Text.
type Content struct {
	Subject string `json:"subject,omitempty"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`
	Body    string `json:"body,omitempty"`
}

// Settings are the per-kind defaults stored alongside the template.
type Settings struct {
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   int      `json:"max_tokens,omitempty" validate:"gte=0"`
	FromAddress string   `json:"from_address,omitempty" validate:"omitempty,email"`
	FromName    string   `json:"from_name,omitempty"`
}

type Template struct {
	ID             uuid.UUID    `json:"id" db:"id"`
	Kind           TemplateKind `json:"kind" db:"kind"`
	Name           string       `json:"name" db:"name"`
	Description    string       `json:"description,omitempty" db:"description"`
	Category       string       `json:"category,omitempty" db:"category"`
	Content        Content      `json:"content"`
	Settings       Settings     `json:"settings"`
	Variables      []string     `json:"variables" db:"variables"`
	CurrentVersion int          `json:"current_version" db:"current_version"`
	IsActive       bool         `json:"is_active" db:"is_active"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at" db:"updated_at"`
}

// TemplateVersion is an immutable snapshot of a template's content.
type TemplateVersion struct {
	ID          uuid.UUID `json:"id" db:"id"`
	TemplateID  uuid.UUID `json:"template_id" db:"template_id"`
	Version     int       `json:"version" db:"version"`
	Content     Content   `json:"content"`
	Variables   []string  `json:"variables" db:"variables"`
	ChangeNotes string    `json:"change_notes,omitempty" db:"change_notes"`
	CreatedBy   string    `json:"created_by,omitempty" db:"created_by"`
	IsCurrent   bool      `json:"is_current" db:"is_current"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
