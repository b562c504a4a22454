package template

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/midnight-protocol/admin/internal/audit"
	"github.com/midnight-protocol/admin/internal/models"
)

// Template lifecycle events delivered to webhooks.
const (
	EventCreated  = "template.created"
	EventUpdated  = "template.updated"
	EventRestored = "template.restored"
	EventRetired  = "template.retired"
	EventImported = "templates.imported"
)

const maxAppendAttempts = 3

// Cache is the read-through cache in front of the repository.
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Publisher fans template events out to subscribers.
type Publisher interface {
	Dispatch(ctx context.Context, event string, payload interface{}) error
}

// Auditor records template mutations.
type Auditor interface {
	Log(ctx context.Context, entry audit.LogEntry) error
}

type Service struct {
	repo      Repository
	cache     Cache
	cacheTTL  time.Duration
	publisher Publisher
	auditor   Auditor
}

type Option func(*Service)

func WithCache(c Cache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = c
		s.cacheTTL = ttl
	}
}

func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithAuditor(a Auditor) Option {
	return func(s *Service) { s.auditor = a }
}

func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{repo: repo, cacheTTL: 10 * time.Minute}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Content     models.Content  `json:"content"`
	Settings    models.Settings `json:"settings"`
	ChangeNotes string          `json:"change_notes"`
	CreatedBy   string          `json:"-"`
}

func (s *Service) Create(ctx context.Context, kind models.TemplateKind, req CreateRequest) (*models.Template, error) {
	name := strings.TrimSpace(req.Name)
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := ValidateContent(kind, req.Content); err != nil {
		return nil, err
	}
	if err := ValidateSettings(req.Settings); err != nil {
		return nil, err
	}

	if _, err := s.repo.GetByName(ctx, kind, name); err == nil {
		return nil, fmt.Errorf("create %s template %q: %w", kind, name, ErrDuplicateName)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("check template name: %w", err)
	}

	vars := AllVariables(req.Content)
	t := &models.Template{
		Kind:        kind,
		Name:        name,
		Description: req.Description,
		Category:    req.Category,
		Content:     req.Content,
		Settings:    req.Settings,
		Variables:   vars,
		IsActive:    true,
	}

	notes := req.ChangeNotes
	if notes == "" {
		notes = "Initial version"
	}
	v := &models.TemplateVersion{
		Version:     1,
		Content:     req.Content,
		Variables:   vars,
		ChangeNotes: notes,
		CreatedBy:   req.CreatedBy,
		IsCurrent:   true,
	}

	if err := s.repo.Create(ctx, t, v); err != nil {
		return nil, fmt.Errorf("create %s template %q: %w", kind, name, err)
	}

	s.invalidate(ctx, t)
	s.record(ctx, "create", EventCreated, t, req.CreatedBy, map[string]interface{}{"version": 1})
	return t, nil
}

// UpdateRequest carries the full new content. Nil metadata fields keep
// their current value; the name is the template's identity and never
// changes.
type UpdateRequest struct {
	Description *string          `json:"description,omitempty"`
	Category    *string          `json:"category,omitempty"`
	Content     models.Content   `json:"content"`
	Settings    *models.Settings `json:"settings,omitempty"`
	ChangeNotes string           `json:"change_notes"`
	CreatedBy   string           `json:"-"`
}

// Update appends version current+1 with the new content and makes it
// current.
func (s *Service) Update(ctx context.Context, id uuid.UUID, req UpdateRequest) (*models.Template, error) {
	t, err := s.appendVersion(ctx, id, req.ChangeNotes, req.CreatedBy, func(t *models.Template) error {
		if req.Description != nil {
			t.Description = *req.Description
		}
		if req.Category != nil {
			t.Category = *req.Category
		}
		if req.Settings != nil {
			t.Settings = *req.Settings
		}
		t.Content = req.Content
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, "update", EventUpdated, t, req.CreatedBy, map[string]interface{}{"version": t.CurrentVersion})
	return t, nil
}

// Restore appends a new current version carrying the content of versionID.
// The restored row itself is left as it is.
func (s *Service) Restore(ctx context.Context, id, versionID uuid.UUID, notes, by string) (*models.Template, error) {
	target, err := s.repo.GetVersion(ctx, id, versionID)
	if err != nil {
		return nil, fmt.Errorf("get version %s: %w", versionID, err)
	}

	if notes == "" {
		notes = fmt.Sprintf("Restored from version %d", target.Version)
	}

	t, err := s.appendVersion(ctx, id, notes, by, func(t *models.Template) error {
		t.Content = target.Content
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, "restore", EventRestored, t, by, map[string]interface{}{
		"version":       t.CurrentVersion,
		"restored_from": target.Version,
	})
	return t, nil
}

// appendVersion re-reads the template, applies mutate and appends the result
// as the next version. A concurrent writer moving the current pointer in
// between makes the repository reject the append; the whole step is then
// retried against the fresh state.
func (s *Service) appendVersion(ctx context.Context, id uuid.UUID, notes, by string, mutate func(t *models.Template) error) (*models.Template, error) {
	for attempt := 1; attempt <= maxAppendAttempts; attempt++ {
		cur, err := s.repo.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get template %s: %w", id, err)
		}

		next := *cur
		if err := mutate(&next); err != nil {
			return nil, err
		}
		if err := ValidateContent(next.Kind, next.Content); err != nil {
			return nil, err
		}
		if err := ValidateSettings(next.Settings); err != nil {
			return nil, err
		}

		next.Variables = AllVariables(next.Content)
		v := &models.TemplateVersion{
			TemplateID:  id,
			Version:     cur.CurrentVersion + 1,
			Content:     next.Content,
			Variables:   next.Variables,
			ChangeNotes: notes,
			CreatedBy:   by,
			IsCurrent:   true,
		}

		err = s.repo.AppendVersion(ctx, &next, cur.CurrentVersion, v)
		if errors.Is(err, ErrConflict) {
			slog.Debug("template version moved, retrying append",
				"template_id", id, "expected", cur.CurrentVersion, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("append version to %s: %w", id, err)
		}

		s.invalidate(ctx, &next)
		return &next, nil
	}
	return nil, fmt.Errorf("append version to %s: %w", id, ErrConflict)
}

// Retire hides a template from default listings. Its versions are kept.
func (s *Service) Retire(ctx context.Context, id uuid.UUID, by string) (*models.Template, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get template %s: %w", id, err)
	}
	if err := s.repo.SetActive(ctx, id, false); err != nil {
		return nil, fmt.Errorf("retire template %s: %w", id, err)
	}
	t.IsActive = false

	s.invalidate(ctx, t)
	s.record(ctx, "retire", EventRetired, t, by, nil)
	return t, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Template, error) {
	key := idKey(id)
	if t := s.cached(ctx, key); t != nil {
		return t, nil
	}

	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get template %s: %w", id, err)
	}
	s.store(ctx, key, t)
	return t, nil
}

func (s *Service) GetByName(ctx context.Context, kind models.TemplateKind, name string) (*models.Template, error) {
	key := nameKey(kind, name)
	if t := s.cached(ctx, key); t != nil {
		return t, nil
	}

	t, err := s.repo.GetByName(ctx, kind, name)
	if err != nil {
		return nil, fmt.Errorf("get %s template %q: %w", kind, name, err)
	}
	s.store(ctx, key, t)
	return t, nil
}

func (s *Service) List(ctx context.Context, kind models.TemplateKind, f ListFilter) ([]models.Template, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	templates, err := s.repo.List(ctx, kind, f)
	if err != nil {
		return nil, fmt.Errorf("list %s templates: %w", kind, err)
	}
	return templates, nil
}

// ListVersions returns the version chain of a template, newest first.
func (s *Service) ListVersions(ctx context.Context, id uuid.UUID) ([]models.TemplateVersion, error) {
	versions, err := s.repo.ListVersions(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list versions of %s: %w", id, err)
	}
	return versions, nil
}

func (s *Service) cached(ctx context.Context, key string) *models.Template {
	if s.cache == nil {
		return nil
	}
	var t models.Template
	if err := s.cache.Get(ctx, key, &t); err != nil {
		return nil
	}
	return &t
}

func (s *Service) store(ctx context.Context, key string, t *models.Template) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, key, t, s.cacheTTL); err != nil {
		slog.Warn("template cache set failed", "key", key, "error", err)
	}
}

// invalidate drops every cache entry tagged with t's identity.
func (s *Service) invalidate(ctx context.Context, t *models.Template) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, idKey(t.ID), nameKey(t.Kind, t.Name)); err != nil {
		slog.Warn("template cache invalidation failed", "template_id", t.ID, "error", err)
	}
}

func (s *Service) record(ctx context.Context, action, event string, t *models.Template, by string, details map[string]interface{}) {
	if details == nil {
		details = map[string]interface{}{}
	}
	details["kind"] = t.Kind
	details["name"] = t.Name

	if s.auditor != nil {
		id := t.ID
		err := s.auditor.Log(ctx, audit.LogEntry{
			Operator:     by,
			Action:       action,
			ResourceType: string(t.Kind) + "_template",
			ResourceID:   &id,
			Details:      details,
		})
		if err != nil {
			slog.Warn("audit log failed", "action", action, "template_id", t.ID, "error", err)
		}
	}

	if s.publisher != nil {
		payload := map[string]interface{}{
			"template_id":     t.ID,
			"kind":            t.Kind,
			"name":            t.Name,
			"current_version": t.CurrentVersion,
			"operator":        by,
		}
		if err := s.publisher.Dispatch(ctx, event, payload); err != nil {
			slog.Warn("template event dispatch failed", "event", event, "template_id", t.ID, "error", err)
		}
	}
}

func idKey(id uuid.UUID) string {
	return "tmpl:" + id.String()
}

func nameKey(kind models.TemplateKind, name string) string {
	return fmt.Sprintf("tmpl:%s:name:%s", kind, name)
}
