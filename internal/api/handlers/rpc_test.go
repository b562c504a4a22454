package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midnight-protocol/admin/internal/audit"
	"github.com/midnight-protocol/admin/internal/auth"
	"github.com/midnight-protocol/admin/internal/delivery"
	"github.com/midnight-protocol/admin/internal/llm"
	"github.com/midnight-protocol/admin/internal/mail"
	"github.com/midnight-protocol/admin/internal/models"
	"github.com/midnight-protocol/admin/internal/template"
)

type fakeGateway struct {
	err  error
	reqs []llm.ChatRequest
}

func (g *fakeGateway) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	g.reqs = append(g.reqs, req)
	if g.err != nil {
		return nil, g.err
	}
	return &llm.ChatResponse{Provider: "openai", Model: "gpt-4o-mini", Content: "hello back", TotalTokens: 12}, nil
}

func (g *fakeGateway) ListModels() []llm.ModelInfo {
	return []llm.ModelInfo{{Provider: "openai", Model: "gpt-4o-mini", Default: true}}
}

type fakeMailer struct{ sent []mail.Message }

func (m *fakeMailer) Send(_ context.Context, msg mail.Message) (string, error) {
	m.sent = append(m.sent, msg)
	return "msg-1", nil
}

type fakeAudit struct {
	calls []models.LLMCallLog
}

func (a *fakeAudit) LogLLMCall(_ context.Context, rec models.LLMCallLog) error {
	a.calls = append(a.calls, rec)
	return nil
}

func (a *fakeAudit) GetLLMLogs(_ context.Context, q audit.LLMLogQuery) ([]models.LLMCallLog, error) {
	if q.TemplateName == "" {
		return a.calls, nil
	}
	var out []models.LLMCallLog
	for _, c := range a.calls {
		if c.TemplateName == q.TemplateName {
			out = append(out, c)
		}
	}
	return out, nil
}

type rpcFixture struct {
	handler *RPCHandler
	gateway *fakeGateway
	mailer  *fakeMailer
	audit   *fakeAudit
}

func newRPCFixture() *rpcFixture {
	svc := template.NewService(template.NewMemoryRepository())
	f := &rpcFixture{gateway: &fakeGateway{}, mailer: &fakeMailer{}, audit: &fakeAudit{}}
	dlv := delivery.NewService(svc, f.mailer, f.gateway, f.audit, nil)
	f.handler = NewRPCHandler(svc, dlv, f.audit)
	return f
}

var editor = &models.Operator{Subject: "u-1", Email: "ed@midnight.example", Role: "editor"}

type rpcResult struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	Timestamp string          `json:"timestamp"`
}

func (f *rpcFixture) call(t *testing.T, op *models.Operator, action string, params interface{}) (int, rpcResult) {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{"action": action, "params": params})
	require.NoError(t, err)
	return f.raw(t, op, body)
}

func (f *rpcFixture) raw(t *testing.T, op *models.Operator, body []byte) (int, rpcResult) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/rpc", bytes.NewReader(body))
	if op != nil {
		req = req.WithContext(auth.WithOperator(req.Context(), op))
	}
	rec := httptest.NewRecorder()
	f.handler.Handle(rec, req)

	var res rpcResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.NotEmpty(t, res.Timestamp)
	return rec.Code, res
}

func (f *rpcFixture) createPrompt(t *testing.T, name, body string) models.Template {
	t.Helper()
	status, res := f.call(t, editor, "createPromptTemplate", map[string]interface{}{
		"name":    name,
		"content": map[string]string{"body": body},
	})
	require.Equal(t, http.StatusOK, status, res.Error)
	var tmpl models.Template
	require.NoError(t, json.Unmarshal(res.Data, &tmpl))
	return tmpl
}

func TestRPC_ActionsRegistered(t *testing.T) {
	f := newRPCFixture()
	for _, name := range []string{
		"getPromptTemplates", "getPromptTemplate", "createPromptTemplate", "updatePromptTemplate",
		"getPromptVersions", "restorePromptVersion", "exportPromptTemplates", "importPromptTemplates",
		"runPrompt", "getEmailTemplates", "getEmailTemplate", "createEmailTemplate", "updateEmailTemplate",
		"getEmailVersions", "restoreEmailVersion", "exportEmailTemplates", "importEmailTemplates",
		"sendTestEmail", "previewPromptTemplate", "previewEmailTemplate", "retirePromptTemplate",
		"retireEmailTemplate", "getLLMLogs", "getLLMModels",
	} {
		assert.Contains(t, f.handler.Actions(), name)
	}
}

func TestRPC_CreateUpdateRestore(t *testing.T) {
	f := newRPCFixture()
	tmpl := f.createPrompt(t, "greeting", "Hello {{name}}")
	assert.Equal(t, 1, tmpl.CurrentVersion)
	assert.Equal(t, []string{"name"}, tmpl.Variables)

	status, res := f.call(t, editor, "updatePromptTemplate", map[string]interface{}{
		"id":           tmpl.ID,
		"content":      map[string]string{"body": "Hi {{name}} from {{city}}"},
		"change_notes": "add city",
	})
	require.Equal(t, http.StatusOK, status, res.Error)

	status, res = f.call(t, editor, "getPromptVersions", map[string]interface{}{"id": tmpl.ID})
	require.Equal(t, http.StatusOK, status)
	var versions []models.TemplateVersion
	require.NoError(t, json.Unmarshal(res.Data, &versions))
	require.Len(t, versions, 2)
	assert.Equal(t, "ed@midnight.example", versions[0].CreatedBy)

	var first models.TemplateVersion
	for _, v := range versions {
		if v.Version == 1 {
			first = v
		}
	}
	status, res = f.call(t, editor, "restorePromptVersion", map[string]interface{}{
		"template_id": tmpl.ID,
		"version_id":  first.ID,
	})
	require.Equal(t, http.StatusOK, status, res.Error)
	var restored models.Template
	require.NoError(t, json.Unmarshal(res.Data, &restored))
	assert.Equal(t, 3, restored.CurrentVersion)
	assert.Equal(t, "Hello {{name}}", restored.Content.Body)
}

func TestRPC_ErrorStatuses(t *testing.T) {
	f := newRPCFixture()
	tmpl := f.createPrompt(t, "greeting", "Hello {{name}}")

	tests := []struct {
		name   string
		op     *models.Operator
		action string
		params interface{}
		status int
	}{
		{"unknown action", editor, "dropTables", nil, http.StatusBadRequest},
		{"missing body", editor, "createPromptTemplate", map[string]interface{}{"name": "x"}, http.StatusBadRequest},
		{"duplicate name", editor, "createPromptTemplate", map[string]interface{}{
			"name": "greeting", "content": map[string]string{"body": "again"},
		}, http.StatusConflict},
		{"wrong kind", editor, "updateEmailTemplate", map[string]interface{}{
			"id": tmpl.ID, "content": map[string]string{"subject": "s", "html": "<p>x</p>"},
		}, http.StatusNotFound},
		{"missing id", editor, "getPromptVersions", map[string]interface{}{}, http.StatusBadRequest},
		{"bad strategy", editor, "importPromptTemplates", map[string]interface{}{"strategy": "merge"}, http.StatusBadRequest},
		{"viewer cannot write", &models.Operator{Subject: "v", Role: "viewer"}, "createPromptTemplate", nil, http.StatusForbidden},
		{"anonymous", nil, "getPromptTemplates", nil, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, res := f.call(t, tt.op, tt.action, tt.params)
			assert.Equal(t, tt.status, status)
			assert.False(t, res.Success)
			assert.NotEmpty(t, res.Error)
		})
	}
}

func TestRPC_MalformedBody(t *testing.T) {
	f := newRPCFixture()
	status, res := f.raw(t, editor, []byte(`{"action":`))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.False(t, res.Success)
}

func TestRPC_GetByName(t *testing.T) {
	f := newRPCFixture()
	tmpl := f.createPrompt(t, "greeting", "Hello")

	status, res := f.call(t, editor, "getPromptTemplate", map[string]string{"name": "greeting"})
	require.Equal(t, http.StatusOK, status)
	var got models.Template
	require.NoError(t, json.Unmarshal(res.Data, &got))
	assert.Equal(t, tmpl.ID, got.ID)

	status, _ = f.call(t, editor, "getEmailTemplate", map[string]string{"name": "greeting"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRPC_ImportDocumentAsText(t *testing.T) {
	f := newRPCFixture()
	f.createPrompt(t, "greeting", "Hello")

	doc := `{"templates":[{"name":"greeting","body":"Imported {{x}}"},{"name":"farewell","body":"Bye"}]}`
	status, res := f.call(t, editor, "importPromptTemplates", map[string]interface{}{
		"document": doc,
		"strategy": "create_new",
	})
	require.Equal(t, http.StatusOK, status, res.Error)

	var result template.ImportResult
	require.NoError(t, json.Unmarshal(res.Data, &result))
	assert.Equal(t, 2, result.Imported)
	assert.Empty(t, result.Errors)

	status, res = f.call(t, editor, "getPromptTemplates", nil)
	require.Equal(t, http.StatusOK, status)
	var list []models.Template
	require.NoError(t, json.Unmarshal(res.Data, &list))
	var names []string
	for _, tmpl := range list {
		names = append(names, tmpl.Name)
	}
	assert.ElementsMatch(t, []string{"greeting", "greeting_imported", "farewell"}, names)
}

func TestRPC_ImportInlineDocument(t *testing.T) {
	f := newRPCFixture()
	status, res := f.call(t, editor, "importPromptTemplates", map[string]interface{}{
		"templates": []map[string]string{{"name": "inline", "body": "x"}},
	})
	require.Equal(t, http.StatusOK, status, res.Error)

	status, res = f.call(t, editor, "importPromptTemplates", map[string]interface{}{"strategy": "skip"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, res.Error, "templates")
}

func TestRPC_RunPrompt(t *testing.T) {
	f := newRPCFixture()
	tmpl := f.createPrompt(t, "greeting", "Hello {{name}}")

	status, res := f.call(t, editor, "runPrompt", map[string]interface{}{
		"template_id": tmpl.ID,
		"values":      map[string]string{"name": "Ada"},
	})
	require.Equal(t, http.StatusOK, status, res.Error)

	var out delivery.RunResult
	require.NoError(t, json.Unmarshal(res.Data, &out))
	assert.Equal(t, "hello back", out.Output)
	assert.Equal(t, "Hello Ada", out.RenderedPrompt)
	require.Len(t, f.audit.calls, 1)
	assert.Equal(t, "ed@midnight.example", f.audit.calls[0].Operator)

	status, res = f.call(t, editor, "getLLMLogs", map[string]string{"template_name": "greeting"})
	require.Equal(t, http.StatusOK, status)
	var logs []models.LLMCallLog
	require.NoError(t, json.Unmarshal(res.Data, &logs))
	assert.Len(t, logs, 1)
}

func TestRPC_RunPromptProviderFailure(t *testing.T) {
	f := newRPCFixture()
	f.gateway.err = errors.New("upstream 503")

	status, res := f.call(t, editor, "runPrompt", map[string]interface{}{
		"draft": map[string]string{"body": "Hello"},
	})
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Contains(t, res.Error, "upstream 503")
}

func TestRPC_SendTestEmail(t *testing.T) {
	f := newRPCFixture()
	status, res := f.call(t, editor, "createEmailTemplate", map[string]interface{}{
		"name":    "welcome",
		"content": map[string]string{"subject": "Hi {{name}}", "html": "<p>Welcome {{name}}</p>"},
	})
	require.Equal(t, http.StatusOK, status, res.Error)
	var tmpl models.Template
	require.NoError(t, json.Unmarshal(res.Data, &tmpl))

	status, res = f.call(t, editor, "sendTestEmail", map[string]interface{}{
		"template_id": tmpl.ID,
		"values":      map[string]string{"name": "Ada"},
		"recipients":  []string{"qa@midnight.example"},
	})
	require.Equal(t, http.StatusOK, status, res.Error)
	require.Len(t, f.mailer.sent, 1)
	assert.Equal(t, "Hi Ada", f.mailer.sent[0].Subject)

	status, _ = f.call(t, editor, "sendTestEmail", map[string]interface{}{
		"template_id": tmpl.ID,
		"recipients":  []string{"not-an-address"},
	})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRPC_GetLLMModels(t *testing.T) {
	f := newRPCFixture()
	status, res := f.call(t, &models.Operator{Subject: "v", Role: "viewer"}, "getLLMModels", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(res.Data), "gpt-4o-mini")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(&template.ValidationError{Field: "name", Message: "is required"}))
	assert.Equal(t, http.StatusNotFound, statusFor(template.ErrNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(template.ErrConflict))
	assert.Equal(t, http.StatusBadGateway, statusFor(&delivery.ProviderError{Err: errors.New("x")}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
