package template

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/midnight-protocol/admin/internal/models"
)

const exportFormatVersion = "1"

// ExportDocument is the portable form of a set of templates.
type ExportDocument struct {
	FormatVersion string              `json:"format_version" yaml:"format_version"`
	Kind          models.TemplateKind `json:"kind" yaml:"kind"`
	ExportedAt    time.Time           `json:"exported_at" yaml:"exported_at"`
	Templates     []ExportedTemplate  `json:"templates" yaml:"templates"`
}

type ExportedTemplate struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Category    string            `json:"category,omitempty" yaml:"category,omitempty"`
	Subject     string            `json:"subject,omitempty" yaml:"subject,omitempty"`
	HTML        string            `json:"html,omitempty" yaml:"html,omitempty"`
	Text        string            `json:"text,omitempty" yaml:"text,omitempty"`
	Body        string            `json:"body,omitempty" yaml:"body,omitempty"`
	Settings    models.Settings   `json:"settings" yaml:"settings"`
	Variables   []string          `json:"variables" yaml:"variables"`
	Version     int               `json:"version" yaml:"version"`
	Versions    []ExportedVersion `json:"versions,omitempty" yaml:"versions,omitempty"`
}

// ExportedVersion is one history entry; exports list them oldest first.
type ExportedVersion struct {
	Version     int            `json:"version" yaml:"version"`
	Content     models.Content `json:"content" yaml:"content"`
	ChangeNotes string         `json:"change_notes,omitempty" yaml:"change_notes,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty" yaml:"created_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at" yaml:"created_at"`
}

func (e ExportedTemplate) content() models.Content {
	return models.Content{Subject: e.Subject, HTML: e.HTML, Text: e.Text, Body: e.Body}
}

type ExportRequest struct {
	IDs            []uuid.UUID `json:"ids,omitempty"`
	IncludeHistory bool        `json:"include_history,omitempty"`
}

// Export snapshots the requested templates, or every template of kind when
// no ids are given.
func (s *Service) Export(ctx context.Context, kind models.TemplateKind, req ExportRequest) (*ExportDocument, error) {
	var templates []models.Template
	if len(req.IDs) == 0 {
		all, err := s.repo.List(ctx, kind, ListFilter{IncludeRetired: true})
		if err != nil {
			return nil, fmt.Errorf("list %s templates: %w", kind, err)
		}
		templates = all
	} else {
		for _, id := range req.IDs {
			t, err := s.repo.Get(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("get template %s: %w", id, err)
			}
			if t.Kind != kind {
				return nil, fmt.Errorf("template %s is a %s template: %w", id, t.Kind, ErrNotFound)
			}
			templates = append(templates, *t)
		}
	}

	doc := &ExportDocument{
		FormatVersion: exportFormatVersion,
		Kind:          kind,
		ExportedAt:    time.Now().UTC(),
		Templates:     make([]ExportedTemplate, 0, len(templates)),
	}

	for _, t := range templates {
		et := ExportedTemplate{
			Name:        t.Name,
			Description: t.Description,
			Category:    t.Category,
			Subject:     t.Content.Subject,
			HTML:        t.Content.HTML,
			Text:        t.Content.Text,
			Body:        t.Content.Body,
			Settings:    t.Settings,
			Variables:   t.Variables,
			Version:     t.CurrentVersion,
		}
		if req.IncludeHistory {
			versions, err := s.repo.ListVersions(ctx, t.ID)
			if err != nil {
				return nil, fmt.Errorf("list versions of %s: %w", t.ID, err)
			}
			et.Versions = exportVersions(versions)
		}
		doc.Templates = append(doc.Templates, et)
	}

	return doc, nil
}

func exportVersions(versions []models.TemplateVersion) []ExportedVersion {
	out := make([]ExportedVersion, 0, len(versions))
	for _, v := range versions {
		out = append(out, ExportedVersion{
			Version:     v.Version,
			Content:     v.Content,
			ChangeNotes: v.ChangeNotes,
			CreatedBy:   v.CreatedBy,
			CreatedAt:   v.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// Strategy decides what happens to an imported template whose name already
// exists at the destination.
type Strategy int

const (
	Skip Strategy = iota
	Overwrite
	CreateNew
)

func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "", "skip":
		return Skip, nil
	case "overwrite":
		return Overwrite, nil
	case "create_new":
		return CreateNew, nil
	}
	return Skip, &ValidationError{Field: "strategy", Message: "must be one of skip, overwrite, create_new"}
}

func (st Strategy) String() string {
	switch st {
	case Overwrite:
		return "overwrite"
	case CreateNew:
		return "create_new"
	}
	return "skip"
}

// OutcomeAction is what reconciliation did with a single imported template.
type OutcomeAction string

const (
	OutcomeCreated OutcomeAction = "created"
	OutcomeUpdated OutcomeAction = "updated"
	OutcomeRenamed OutcomeAction = "renamed"
	OutcomeSkipped OutcomeAction = "skipped"
	OutcomeFailed  OutcomeAction = "failed"
)

type ImportOutcome struct {
	Name       string        `json:"name"`
	Action     OutcomeAction `json:"action"`
	TemplateID *uuid.UUID    `json:"template_id,omitempty"`
	StoredName string        `json:"stored_name,omitempty"`
	Version    int           `json:"version,omitempty"`
	Error      string        `json:"error,omitempty"`
}

type ImportResult struct {
	Imported int             `json:"imported"`
	Skipped  int             `json:"skipped"`
	Errors   []string        `json:"errors"`
	Items    []ImportOutcome `json:"items"`
}

// DecodeImportDocument parses raw JSON and requires a top-level templates
// array.
func DecodeImportDocument(raw []byte) (*ExportDocument, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, &ParseError{Err: err}
	}
	list, ok := probe["templates"]
	if !ok || len(list) == 0 || list[0] != '[' {
		return nil, &ValidationError{Field: "templates", Message: "array is required"}
	}

	var doc ExportDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &ParseError{Err: err}
	}
	return &doc, nil
}

// Import reconciles every template in raw against the destination. A failing
// item is recorded in Errors and does not stop the remaining items.
func (s *Service) Import(ctx context.Context, kind models.TemplateKind, raw []byte, st Strategy, by string) (*ImportResult, error) {
	doc, err := DecodeImportDocument(raw)
	if err != nil {
		return nil, err
	}
	return s.ImportDocument(ctx, kind, doc, st, by)
}

func (s *Service) ImportDocument(ctx context.Context, kind models.TemplateKind, doc *ExportDocument, st Strategy, by string) (*ImportResult, error) {
	if doc.Kind != "" && doc.Kind != kind {
		return nil, &ValidationError{Field: "kind", Message: fmt.Sprintf("document holds %s templates", doc.Kind)}
	}

	res := &ImportResult{Errors: []string{}, Items: make([]ImportOutcome, 0, len(doc.Templates))}
	for i, et := range doc.Templates {
		out := s.reconcile(ctx, kind, et, st, by)
		switch out.Action {
		case OutcomeSkipped:
			res.Skipped++
		case OutcomeFailed:
			label := out.Name
			if label == "" {
				label = fmt.Sprintf("#%d", i+1)
			}
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", label, out.Error))
		default:
			res.Imported++
		}
		res.Items = append(res.Items, out)
	}

	if s.publisher != nil {
		payload := map[string]interface{}{
			"kind":     kind,
			"strategy": st.String(),
			"imported": res.Imported,
			"skipped":  res.Skipped,
			"failed":   len(res.Errors),
			"operator": by,
		}
		if err := s.publisher.Dispatch(ctx, EventImported, payload); err != nil {
			slog.Warn("template event dispatch failed", "event", EventImported, "error", err)
		}
	}
	return res, nil
}

// reconcile applies st to a single imported template.
func (s *Service) reconcile(ctx context.Context, kind models.TemplateKind, et ExportedTemplate, st Strategy, by string) ImportOutcome {
	out := ImportOutcome{Name: strings.TrimSpace(et.Name)}
	fail := func(err error) ImportOutcome {
		out.Action = OutcomeFailed
		out.Error = err.Error()
		return out
	}

	if err := validateName(out.Name); err != nil {
		return fail(err)
	}
	if err := ValidateContent(kind, et.content()); err != nil {
		return fail(err)
	}

	existing, err := s.repo.GetByName(ctx, kind, out.Name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fail(err)
	}

	var t *models.Template
	switch {
	case existing == nil:
		t, err = s.createImported(ctx, kind, out.Name, et, by)
		out.Action = OutcomeCreated
	case st == Skip:
		out.Action = OutcomeSkipped
		out.TemplateID = &existing.ID
		out.StoredName = existing.Name
		out.Version = existing.CurrentVersion
		return out
	case st == Overwrite:
		desc, cat := et.Description, et.Category
		settings := et.Settings
		t, err = s.Update(ctx, existing.ID, UpdateRequest{
			Description: &desc,
			Category:    &cat,
			Content:     et.content(),
			Settings:    &settings,
			ChangeNotes: "Imported (overwrite)",
			CreatedBy:   by,
		})
		out.Action = OutcomeUpdated
	case st == CreateNew:
		var name string
		name, err = s.availableName(ctx, kind, out.Name)
		if err == nil {
			t, err = s.createImported(ctx, kind, name, et, by)
		}
		out.Action = OutcomeRenamed
	}
	if err != nil {
		return fail(err)
	}

	out.TemplateID = &t.ID
	out.StoredName = t.Name
	out.Version = t.CurrentVersion
	return out
}

// createImported creates name from et, replaying the exported history when
// the document carries one so the new chain mirrors the source.
func (s *Service) createImported(ctx context.Context, kind models.TemplateKind, name string, et ExportedTemplate, by string) (*models.Template, error) {
	history := make([]ExportedVersion, len(et.Versions))
	copy(history, et.Versions)
	sort.SliceStable(history, func(i, j int) bool { return history[i].Version < history[j].Version })

	// Nothing is written unless every version in the chain is valid.
	for _, v := range history {
		if err := ValidateContent(kind, v.Content); err != nil {
			return nil, fmt.Errorf("version %d: %w", v.Version, err)
		}
	}
	if err := ValidateContent(kind, et.content()); err != nil {
		return nil, err
	}

	first := et.content()
	notes := "Imported"
	if len(history) > 0 {
		first = history[0].Content
		if history[0].ChangeNotes != "" {
			notes = history[0].ChangeNotes
		}
	}

	t, err := s.Create(ctx, kind, CreateRequest{
		Name:        name,
		Description: et.Description,
		Category:    et.Category,
		Content:     first,
		Settings:    et.Settings,
		ChangeNotes: notes,
		CreatedBy:   by,
	})
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return t, nil
	}

	rest := history[1:]
	for _, v := range rest {
		content := v.Content
		t, err = s.appendVersion(ctx, t.ID, v.ChangeNotes, by, func(t *models.Template) error {
			t.Content = content
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("replay version %d: %w", v.Version, err)
		}
	}

	// The exported current content wins if the history ended elsewhere.
	if cur := et.content(); cur != t.Content {
		t, err = s.appendVersion(ctx, t.ID, "Imported", by, func(t *models.Template) error {
			t.Content = cur
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("apply imported content: %w", err)
		}
	}
	return t, nil
}

// availableName returns base suffixed with _imported, then _imported_2,
// _imported_3 and so on until no template of kind holds it. base is cut
// short when needed so the candidate stays within maxNameLength.
func (s *Service) availableName(ctx context.Context, kind models.TemplateKind, base string) (string, error) {
	for n := 1; ; n++ {
		suffix := "_imported"
		if n > 1 {
			suffix = fmt.Sprintf("_imported_%d", n)
		}
		candidate := truncateName(base, maxNameLength-len(suffix)) + suffix
		_, err := s.repo.GetByName(ctx, kind, candidate)
		if errors.Is(err, ErrNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
	}
}

// truncateName cuts name to at most max bytes without splitting a rune.
func truncateName(name string, max int) string {
	if len(name) <= max {
		return name
	}
	for max > 0 && !utf8.RuneStart(name[max]) {
		max--
	}
	return name[:max]
}
