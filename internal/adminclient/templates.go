package adminclient

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/midnight-protocol/admin/internal/audit"
	"github.com/midnight-protocol/admin/internal/delivery"
	"github.com/midnight-protocol/admin/internal/llm"
	"github.com/midnight-protocol/admin/internal/models"
	"github.com/midnight-protocol/admin/internal/template"
)

func (c *Client) ListTemplates(ctx context.Context, kind models.TemplateKind, f template.ListFilter) ([]models.Template, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	var out []models.Template
	if err := c.call(ctx, "get"+label(kind)+"Templates", f, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetTemplate serves repeated reads from the local cache until a mutating
// call through this client touches the template.
func (c *Client) GetTemplate(ctx context.Context, kind models.TemplateKind, id uuid.UUID) (*models.Template, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	if c.cache != nil {
		if t, ok := c.cache.Get(cacheKey(kind, id)); ok {
			return &t, nil
		}
	}

	var t models.Template
	if err := c.call(ctx, "get"+label(kind)+"Template", map[string]uuid.UUID{"id": id}, &t); err != nil {
		return nil, err
	}
	c.remember(&t)
	return &t, nil
}

func (c *Client) GetTemplateByName(ctx context.Context, kind models.TemplateKind, name string) (*models.Template, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	var t models.Template
	if err := c.call(ctx, "get"+label(kind)+"Template", map[string]string{"name": name}, &t); err != nil {
		return nil, err
	}
	c.remember(&t)
	return &t, nil
}

func (c *Client) CreateTemplate(ctx context.Context, kind models.TemplateKind, req template.CreateRequest) (*models.Template, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, &template.ValidationError{Field: "name", Message: "is required"}
	}
	if err := template.ValidateContent(kind, req.Content); err != nil {
		return nil, err
	}
	if err := template.ValidateSettings(req.Settings); err != nil {
		return nil, err
	}

	var t models.Template
	if err := c.call(ctx, "create"+label(kind)+"Template", req, &t); err != nil {
		return nil, err
	}
	c.remember(&t)
	return &t, nil
}

type updateParams struct {
	ID uuid.UUID `json:"id"`
	template.UpdateRequest
}

// UpdateTemplate, RestoreVersion and RetireTemplate drop the cached copy once
// the server has answered, whether or not the call succeeded.
func (c *Client) UpdateTemplate(ctx context.Context, kind models.TemplateKind, id uuid.UUID, req template.UpdateRequest) (*models.Template, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	if err := template.ValidateContent(kind, req.Content); err != nil {
		return nil, err
	}
	if req.Settings != nil {
		if err := template.ValidateSettings(*req.Settings); err != nil {
			return nil, err
		}
	}

	var t models.Template
	err := c.call(ctx, "update"+label(kind)+"Template", updateParams{ID: id, UpdateRequest: req}, &t)
	c.forget(kind, id)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) ListVersions(ctx context.Context, kind models.TemplateKind, id uuid.UUID) ([]models.TemplateVersion, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	var out []models.TemplateVersion
	if err := c.call(ctx, "get"+label(kind)+"Versions", map[string]uuid.UUID{"id": id}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type restoreParams struct {
	TemplateID  uuid.UUID `json:"template_id"`
	VersionID   uuid.UUID `json:"version_id"`
	ChangeNotes string    `json:"change_notes,omitempty"`
}

func (c *Client) RestoreVersion(ctx context.Context, kind models.TemplateKind, templateID, versionID uuid.UUID, notes string) (*models.Template, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	var t models.Template
	params := restoreParams{TemplateID: templateID, VersionID: versionID, ChangeNotes: notes}
	err := c.call(ctx, "restore"+label(kind)+"Version", params, &t)
	c.forget(kind, templateID)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) RetireTemplate(ctx context.Context, kind models.TemplateKind, id uuid.UUID) (*models.Template, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	var t models.Template
	err := c.call(ctx, "retire"+label(kind)+"Template", map[string]uuid.UUID{"id": id}, &t)
	c.forget(kind, id)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) Export(ctx context.Context, kind models.TemplateKind, req template.ExportRequest) (*template.ExportDocument, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	var doc template.ExportDocument
	if err := c.call(ctx, "export"+label(kind)+"Templates", req, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Import sends raw, a JSON export document. Malformed JSON and documents
// without a templates array are rejected before any request is made.
func (c *Client) Import(ctx context.Context, kind models.TemplateKind, raw []byte, strategy string) (*template.ImportResult, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	st, err := template.ParseStrategy(strategy)
	if err != nil {
		return nil, err
	}
	if _, err := template.DecodeImportDocument(raw); err != nil {
		return nil, err
	}

	var res template.ImportResult
	params := map[string]interface{}{"document": json.RawMessage(raw), "strategy": st.String()}
	if err := c.call(ctx, "import"+label(kind)+"Templates", params, &res); err != nil {
		return nil, err
	}
	c.purge()
	return &res, nil
}

func (c *Client) Preview(ctx context.Context, kind models.TemplateKind, req delivery.PreviewRequest) (*delivery.Preview, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	if req.TemplateID == nil && req.Draft == nil {
		return nil, &template.ValidationError{Field: "template_id", Message: "or draft is required"}
	}
	var p delivery.Preview
	if err := c.call(ctx, "preview"+label(kind)+"Template", req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// RunPrompt checks the temperature range and chat turns locally, then runs
// the prompt remotely.
func (c *Client) RunPrompt(ctx context.Context, req delivery.RunRequest) (*delivery.RunResult, error) {
	if err := template.ValidateStruct(req); err != nil {
		return nil, err
	}
	for _, turn := range req.Turns {
		if !llm.ValidRole(turn.Role) {
			return nil, &template.ValidationError{Field: "messages.role", Message: "must be one of system, user, assistant"}
		}
	}
	var res delivery.RunResult
	if err := c.call(ctx, "runPrompt", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) SendTestEmail(ctx context.Context, req delivery.SendTestRequest) (*delivery.SendTestResult, error) {
	if err := template.ValidateStruct(req); err != nil {
		return nil, err
	}
	var res delivery.SendTestResult
	if err := c.call(ctx, "sendTestEmail", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) LLMLogs(ctx context.Context, q audit.LLMLogQuery) ([]models.LLMCallLog, error) {
	var out []models.LLMCallLog
	if err := c.call(ctx, "getLLMLogs", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Models(ctx context.Context) ([]llm.ModelInfo, error) {
	var out []llm.ModelInfo
	if err := c.call(ctx, "getLLMModels", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
