package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/midnight-protocol/admin/internal/audit"
	"github.com/midnight-protocol/admin/internal/auth"
	"github.com/midnight-protocol/admin/internal/delivery"
	"github.com/midnight-protocol/admin/internal/models"
	"github.com/midnight-protocol/admin/internal/template"
	"github.com/midnight-protocol/admin/internal/webhook"
)

const maxRPCBody = 8 << 20

// LLMLogReader lists recorded prompt runs.
type LLMLogReader interface {
	GetLLMLogs(ctx context.Context, q audit.LLMLogQuery) ([]models.LLMCallLog, error)
}

// RPCRequest is the body of POST /api/v1/admin/rpc.
type RPCRequest struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RPCResponse is the envelope every admin call answers with.
type RPCResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

type rpcFunc func(ctx context.Context, op *models.Operator, params json.RawMessage) (interface{}, error)

type rpcAction struct {
	perm auth.Permission
	run  rpcFunc
}

// RPCHandler dispatches {action, params} calls from the admin dashboard.
type RPCHandler struct {
	templates *template.Service
	delivery  *delivery.Service
	llmLogs   LLMLogReader
	actions   map[string]rpcAction
}

func NewRPCHandler(templates *template.Service, dlv *delivery.Service, llmLogs LLMLogReader) *RPCHandler {
	h := &RPCHandler{
		templates: templates,
		delivery:  dlv,
		llmLogs:   llmLogs,
		actions:   make(map[string]rpcAction),
	}
	h.registerTemplateActions(models.KindPrompt, "Prompt")
	h.registerTemplateActions(models.KindEmail, "Email")

	h.register("runPrompt", auth.PermTemplatesSend, h.runPrompt)
	h.register("sendTestEmail", auth.PermTemplatesSend, h.sendTestEmail)
	h.register("getLLMLogs", auth.PermAdminRead, h.getLLMLogs)
	h.register("getLLMModels", auth.PermTemplatesRead, h.getLLMModels)
	return h
}

func (h *RPCHandler) register(name string, perm auth.Permission, run rpcFunc) {
	h.actions[name] = rpcAction{perm: perm, run: run}
}

// registerTemplateActions wires the per-kind actions, e.g. getPromptTemplates
// and getEmailTemplates.
func (h *RPCHandler) registerTemplateActions(kind models.TemplateKind, label string) {
	h.register("get"+label+"Templates", auth.PermTemplatesRead, h.listTemplates(kind))
	h.register("get"+label+"Template", auth.PermTemplatesRead, h.getTemplate(kind))
	h.register("create"+label+"Template", auth.PermTemplatesWrite, h.createTemplate(kind))
	h.register("update"+label+"Template", auth.PermTemplatesWrite, h.updateTemplate(kind))
	h.register("get"+label+"Versions", auth.PermTemplatesRead, h.listVersions(kind))
	h.register("restore"+label+"Version", auth.PermTemplatesWrite, h.restoreVersion(kind))
	h.register("export"+label+"Templates", auth.PermTemplatesRead, h.exportTemplates(kind))
	h.register("import"+label+"Templates", auth.PermTemplatesWrite, h.importTemplates(kind))
	h.register("preview"+label+"Template", auth.PermTemplatesRead, h.previewTemplate(kind))
	h.register("retire"+label+"Template", auth.PermTemplatesWrite, h.retireTemplate(kind))
}

// Actions lists the registered action names.
func (h *RPCHandler) Actions() []string {
	names := make([]string, 0, len(h.actions))
	for name := range h.actions {
		names = append(names, name)
	}
	return names
}

func (h *RPCHandler) Handle(w http.ResponseWriter, r *http.Request) {
	var req RPCRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRPCBody)).Decode(&req); err != nil {
		writeEnvelope(w, http.StatusBadRequest, nil, &template.ParseError{Err: err})
		return
	}

	action, ok := h.actions[req.Action]
	if !ok {
		writeEnvelope(w, http.StatusBadRequest, nil, fmt.Errorf("unknown action %q", req.Action))
		return
	}

	op := auth.OperatorFromContext(r.Context())
	if !auth.Allowed(op, action.perm) {
		writeEnvelope(w, http.StatusForbidden, nil, fmt.Errorf("action %s requires %s", req.Action, action.perm))
		return
	}

	start := time.Now()
	data, err := action.run(r.Context(), op, req.Params)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			slog.Error("admin action failed", "action", req.Action, "operator", op.Label(), "error", err)
		} else {
			slog.Info("admin action rejected", "action", req.Action, "status", status, "error", err)
		}
		writeEnvelope(w, status, nil, err)
		return
	}

	slog.Debug("admin action", "action", req.Action, "operator", op.Label(), "duration_ms", time.Since(start).Milliseconds())
	writeEnvelope(w, http.StatusOK, data, nil)
}

func writeEnvelope(w http.ResponseWriter, status int, data interface{}, err error) {
	resp := RPCResponse{
		Success:   err == nil,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var verr *template.ValidationError
	var perr *template.ParseError
	var provErr *delivery.ProviderError
	switch {
	case errors.As(err, &verr), errors.As(err, &perr):
		return http.StatusBadRequest
	case errors.Is(err, template.ErrNotFound), errors.Is(err, webhook.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, template.ErrDuplicateName), errors.Is(err, template.ErrConflict):
		return http.StatusConflict
	case errors.As(err, &provErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// decodeParams unmarshals params into dst. Absent params decode as {}.
func decodeParams(params json.RawMessage, dst interface{}) error {
	params = bytes.TrimSpace(params)
	if len(params) == 0 || bytes.Equal(params, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return &template.ParseError{Err: err}
	}
	return nil
}

type idParams struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name,omitempty"`
}

func requireID(id uuid.UUID, field string) error {
	if id == uuid.Nil {
		return &template.ValidationError{Field: field, Message: "is required"}
	}
	return nil
}

// templateOfKind loads id and hides templates of the other kind.
func (h *RPCHandler) templateOfKind(ctx context.Context, kind models.TemplateKind, id uuid.UUID) (*models.Template, error) {
	t, err := h.templates.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Kind != kind {
		return nil, fmt.Errorf("%s template %s: %w", kind, id, template.ErrNotFound)
	}
	return t, nil
}

func (h *RPCHandler) listTemplates(kind models.TemplateKind) rpcFunc {
	return func(ctx context.Context, _ *models.Operator, params json.RawMessage) (interface{}, error) {
		var f template.ListFilter
		if err := decodeParams(params, &f); err != nil {
			return nil, err
		}
		return h.templates.List(ctx, kind, f)
	}
}

func (h *RPCHandler) getTemplate(kind models.TemplateKind) rpcFunc {
	return func(ctx context.Context, _ *models.Operator, params json.RawMessage) (interface{}, error) {
		var p idParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if p.ID == uuid.Nil && p.Name != "" {
			return h.templates.GetByName(ctx, kind, p.Name)
		}
		if err := requireID(p.ID, "id"); err != nil {
			return nil, err
		}
		return h.templateOfKind(ctx, kind, p.ID)
	}
}

func (h *RPCHandler) createTemplate(kind models.TemplateKind) rpcFunc {
	return func(ctx context.Context, op *models.Operator, params json.RawMessage) (interface{}, error) {
		var req template.CreateRequest
		if err := decodeParams(params, &req); err != nil {
			return nil, err
		}
		req.CreatedBy = op.Label()
		return h.templates.Create(ctx, kind, req)
	}
}

type updateParams struct {
	ID uuid.UUID `json:"id"`
	template.UpdateRequest
}

func (h *RPCHandler) updateTemplate(kind models.TemplateKind) rpcFunc {
	return func(ctx context.Context, op *models.Operator, params json.RawMessage) (interface{}, error) {
		var p updateParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if err := requireID(p.ID, "id"); err != nil {
			return nil, err
		}
		if _, err := h.templateOfKind(ctx, kind, p.ID); err != nil {
			return nil, err
		}
		p.CreatedBy = op.Label()
		return h.templates.Update(ctx, p.ID, p.UpdateRequest)
	}
}

func (h *RPCHandler) listVersions(kind models.TemplateKind) rpcFunc {
	return func(ctx context.Context, _ *models.Operator, params json.RawMessage) (interface{}, error) {
		var p idParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if err := requireID(p.ID, "id"); err != nil {
			return nil, err
		}
		if _, err := h.templateOfKind(ctx, kind, p.ID); err != nil {
			return nil, err
		}
		return h.templates.ListVersions(ctx, p.ID)
	}
}

type restoreParams struct {
	TemplateID  uuid.UUID `json:"template_id"`
	VersionID   uuid.UUID `json:"version_id"`
	ChangeNotes string    `json:"change_notes"`
}

func (h *RPCHandler) restoreVersion(kind models.TemplateKind) rpcFunc {
	return func(ctx context.Context, op *models.Operator, params json.RawMessage) (interface{}, error) {
		var p restoreParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if err := requireID(p.TemplateID, "template_id"); err != nil {
			return nil, err
		}
		if err := requireID(p.VersionID, "version_id"); err != nil {
			return nil, err
		}
		if _, err := h.templateOfKind(ctx, kind, p.TemplateID); err != nil {
			return nil, err
		}
		return h.templates.Restore(ctx, p.TemplateID, p.VersionID, p.ChangeNotes, op.Label())
	}
}

func (h *RPCHandler) exportTemplates(kind models.TemplateKind) rpcFunc {
	return func(ctx context.Context, _ *models.Operator, params json.RawMessage) (interface{}, error) {
		var req template.ExportRequest
		if err := decodeParams(params, &req); err != nil {
			return nil, err
		}
		return h.templates.Export(ctx, kind, req)
	}
}

type importParams struct {
	Document json.RawMessage `json:"document,omitempty"`
	Strategy string          `json:"strategy"`
}

// importTemplates accepts the document as an object, as pasted JSON text, or
// inline (a templates array next to strategy).
func (h *RPCHandler) importTemplates(kind models.TemplateKind) rpcFunc {
	return func(ctx context.Context, op *models.Operator, params json.RawMessage) (interface{}, error) {
		var p importParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		st, err := template.ParseStrategy(p.Strategy)
		if err != nil {
			return nil, err
		}

		raw := bytes.TrimSpace(p.Document)
		switch {
		case len(raw) == 0:
			raw = params
		case raw[0] == '"':
			var text string
			if err := json.Unmarshal(raw, &text); err != nil {
				return nil, &template.ParseError{Err: err}
			}
			raw = []byte(text)
		}
		return h.templates.Import(ctx, kind, raw, st, op.Label())
	}
}

func (h *RPCHandler) previewTemplate(kind models.TemplateKind) rpcFunc {
	return func(ctx context.Context, _ *models.Operator, params json.RawMessage) (interface{}, error) {
		var req delivery.PreviewRequest
		if err := decodeParams(params, &req); err != nil {
			return nil, err
		}
		return h.delivery.Preview(ctx, kind, req)
	}
}

func (h *RPCHandler) retireTemplate(kind models.TemplateKind) rpcFunc {
	return func(ctx context.Context, op *models.Operator, params json.RawMessage) (interface{}, error) {
		var p idParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if err := requireID(p.ID, "id"); err != nil {
			return nil, err
		}
		if _, err := h.templateOfKind(ctx, kind, p.ID); err != nil {
			return nil, err
		}
		return h.templates.Retire(ctx, p.ID, op.Label())
	}
}

func (h *RPCHandler) runPrompt(ctx context.Context, op *models.Operator, params json.RawMessage) (interface{}, error) {
	var req delivery.RunRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	req.Operator = op.Label()
	return h.delivery.RunPrompt(ctx, req)
}

func (h *RPCHandler) sendTestEmail(ctx context.Context, op *models.Operator, params json.RawMessage) (interface{}, error) {
	var req delivery.SendTestRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	req.Operator = op.Label()
	return h.delivery.SendTestEmail(ctx, req)
}

func (h *RPCHandler) getLLMLogs(ctx context.Context, _ *models.Operator, params json.RawMessage) (interface{}, error) {
	var q audit.LLMLogQuery
	if err := decodeParams(params, &q); err != nil {
		return nil, err
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
	return h.llmLogs.GetLLMLogs(ctx, q)
}

func (h *RPCHandler) getLLMModels(_ context.Context, _ *models.Operator, _ json.RawMessage) (interface{}, error) {
	return h.delivery.ListModels(), nil
}
