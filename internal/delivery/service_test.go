package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midnight-protocol/admin/internal/audit"
	"github.com/midnight-protocol/admin/internal/llm"
	"github.com/midnight-protocol/admin/internal/mail"
	"github.com/midnight-protocol/admin/internal/models"
	"github.com/midnight-protocol/admin/internal/template"
)

type fakeTemplates map[uuid.UUID]*models.Template

func (f fakeTemplates) Get(_ context.Context, id uuid.UUID) (*models.Template, error) {
	t, ok := f[id]
	if !ok {
		return nil, template.ErrNotFound
	}
	return t, nil
}

type fakeMailer struct {
	sent    []mail.Message
	failFor map[string]error
}

func (m *fakeMailer) Send(_ context.Context, msg mail.Message) (string, error) {
	m.sent = append(m.sent, msg)
	if err := m.failFor[msg.To]; err != nil {
		return "", err
	}
	return "<" + msg.To + "@test>", nil
}

type fakeGateway struct {
	requests []llm.ChatRequest
	err      error
}

func (g *fakeGateway) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	return &llm.ChatResponse{
		Provider:     "openai",
		Model:        req.Model,
		Content:      "match found",
		InputTokens:  40,
		OutputTokens: 5,
		TotalTokens:  45,
		CostUSD:      0.001,
	}, nil
}

func (g *fakeGateway) ListModels() []llm.ModelInfo {
	return []llm.ModelInfo{{Provider: "openai", Model: "gpt-4o-mini", Default: true}}
}

type fakeCalls struct{ records []models.LLMCallLog }

func (c *fakeCalls) LogLLMCall(_ context.Context, r models.LLMCallLog) error {
	c.records = append(c.records, r)
	return nil
}

type fakeAuditor struct{ entries []audit.LogEntry }

func (a *fakeAuditor) Log(_ context.Context, e audit.LogEntry) error {
	a.entries = append(a.entries, e)
	return nil
}

type fixture struct {
	svc     *Service
	mailer  *fakeMailer
	gateway *fakeGateway
	calls   *fakeCalls
	auditor *fakeAuditor
	email   *models.Template
	prompt  *models.Template
}

func newFixture() *fixture {
	temp := 0.3
	email := &models.Template{
		ID:             uuid.New(),
		Kind:           models.KindEmail,
		Name:           "welcome",
		CurrentVersion: 2,
		Content: models.Content{
			Subject: "Welcome {{first_name}}",
			HTML:    "<p>Hi {{first_name}}, meet {{match_name}}</p>",
			Text:    "Hi {{first_name}}",
		},
		Settings: models.Settings{FromAddress: "hello@midnight.example", FromName: "Midnight"},
	}
	prompt := &models.Template{
		ID:             uuid.New(),
		Kind:           models.KindPrompt,
		Name:           "matcher",
		CurrentVersion: 4,
		Content:        models.Content{Body: "You match {{member}} with {{candidate}}."},
		Settings:       models.Settings{Model: "gpt-4o-mini", Temperature: &temp, MaxTokens: 256},
	}

	f := &fixture{
		mailer:  &fakeMailer{failFor: map[string]error{}},
		gateway: &fakeGateway{},
		calls:   &fakeCalls{},
		auditor: &fakeAuditor{},
		email:   email,
		prompt:  prompt,
	}
	templates := fakeTemplates{email.ID: email, prompt.ID: prompt}
	f.svc = NewService(templates, f.mailer, f.gateway, f.calls, f.auditor)
	return f
}

func TestPreview_StoredAndDraft(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	p, err := f.svc.Preview(ctx, models.KindEmail, PreviewRequest{
		TemplateID: &f.email.ID,
		Values:     map[string]string{"first_name": "Ada"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, p.Version)
	assert.Equal(t, "Welcome Ada", p.Content.Subject)
	assert.Equal(t, "<p>Hi Ada, meet {{match_name}}</p>", p.Content.HTML)
	assert.Equal(t, []string{"first_name", "match_name"}, p.Variables)
	assert.Equal(t, []string{"match_name"}, p.Missing)
	assert.Zero(t, p.EstimatedTokens)

	draft := &models.Content{Body: "Draft for {{member}}"}
	p, err = f.svc.Preview(ctx, models.KindPrompt, PreviewRequest{
		TemplateID: &f.prompt.ID,
		Draft:      draft,
		Values:     map[string]string{"member": "Grace"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Draft for Grace", p.Content.Body)
	assert.Zero(t, p.Version)
	assert.Positive(t, p.EstimatedTokens)
}

func TestPreview_Errors(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.Preview(ctx, models.KindEmail, PreviewRequest{})
	var verr *template.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = f.svc.Preview(ctx, models.KindEmail, PreviewRequest{TemplateID: &f.prompt.ID})
	assert.ErrorIs(t, err, template.ErrNotFound)

	missing := uuid.New()
	_, err = f.svc.Preview(ctx, models.KindPrompt, PreviewRequest{TemplateID: &missing})
	assert.ErrorIs(t, err, template.ErrNotFound)

	_, err = f.svc.Preview(ctx, models.KindEmail, PreviewRequest{Draft: &models.Content{Subject: "only subject"}})
	assert.ErrorAs(t, err, &verr)
	assert.Equal(t, "html", verr.Field)
}

func TestSendTestEmail_PerRecipientResults(t *testing.T) {
	f := newFixture()
	f.mailer.failFor["bounce@example.com"] = errors.New("550 mailbox unavailable")

	res, err := f.svc.SendTestEmail(context.Background(), SendTestRequest{
		TemplateID: &f.email.ID,
		Values:     map[string]string{"first_name": "Ada", "match_name": "Alan"},
		Recipients: []string{"ops@example.com", "bounce@example.com", "qa@example.com"},
		Operator:   "ops@example.com",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 1, res.Failed)
	assert.Empty(t, res.Missing)
	require.Len(t, res.Results, 3)
	assert.True(t, res.Results[0].Success)
	assert.Equal(t, "<ops@example.com@test>", res.Results[0].MessageID)
	assert.False(t, res.Results[1].Success)
	assert.Contains(t, res.Results[1].Error, "550")
	assert.True(t, res.Results[2].Success)

	// One call per recipient, no retry of the failure.
	require.Len(t, f.mailer.sent, 3)
	for _, m := range f.mailer.sent {
		assert.Equal(t, "Welcome Ada", m.Subject)
		assert.Equal(t, "<p>Hi Ada, meet Alan</p>", m.HTML)
		assert.Equal(t, "hello@midnight.example", m.FromAddress)
	}

	require.Len(t, f.auditor.entries, 1)
	assert.Equal(t, "send_test", f.auditor.entries[0].Action)
}

func TestSendTestEmail_Validation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	cases := map[string][]string{
		"no recipients": nil,
		"bad address":   {"ops@example.com", "not-an-email"},
	}
	for name, rcpts := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.SendTestEmail(ctx, SendTestRequest{TemplateID: &f.email.ID, Recipients: rcpts})
			var verr *template.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
	assert.Empty(t, f.mailer.sent)

	_, err := f.svc.SendTestEmail(ctx, SendTestRequest{TemplateID: &f.prompt.ID, Recipients: []string{"a@example.com"}})
	assert.ErrorIs(t, err, template.ErrNotFound)
}

func TestRunPrompt_SingleUserTurn(t *testing.T) {
	f := newFixture()

	res, err := f.svc.RunPrompt(context.Background(), RunRequest{
		TemplateID: &f.prompt.ID,
		Values:     map[string]string{"member": "Ada"},
		Operator:   "ops@example.com",
	})
	require.NoError(t, err)

	assert.Equal(t, "match found", res.Output)
	assert.Equal(t, "You match Ada with {{candidate}}.", res.RenderedPrompt)
	assert.Equal(t, []string{"candidate"}, res.Missing)

	require.Len(t, f.gateway.requests, 1)
	req := f.gateway.requests[0]
	assert.Equal(t, []llm.Message{{Role: llm.RoleUser, Content: "You match Ada with {{candidate}}."}}, req.Messages)
	assert.Equal(t, "gpt-4o-mini", req.Model)
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, 0.3, *req.Temperature, 1e-9)
	assert.Equal(t, 256, req.MaxTokens)

	require.Len(t, f.calls.records, 1)
	rec := f.calls.records[0]
	assert.True(t, rec.Success)
	assert.Equal(t, "matcher", rec.TemplateName)
	assert.Equal(t, 4, rec.TemplateVersion)
	assert.Equal(t, 45, rec.TotalTokens)

	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Metadata, &meta))
	assert.EqualValues(t, 1, meta["turns"])
}

func TestRunPrompt_SystemThenTurnsWithOverrides(t *testing.T) {
	f := newFixture()
	zero := 0.0

	_, err := f.svc.RunPrompt(context.Background(), RunRequest{
		TemplateID: &f.prompt.ID,
		Values:     map[string]string{"member": "Ada", "candidate": "Alan"},
		Turns: []llm.Message{
			{Role: llm.RoleUser, Content: "Why?"},
			{Role: llm.RoleAssistant, Content: "Shared interests."},
			{Role: llm.RoleUser, Content: "Anything else?"},
		},
		Model:       "claude-sonnet-4-20250514",
		Temperature: &zero,
	})
	require.NoError(t, err)

	req := f.gateway.requests[0]
	require.Len(t, req.Messages, 4)
	assert.Equal(t, llm.Message{Role: llm.RoleSystem, Content: "You match Ada with Alan."}, req.Messages[0])
	assert.Equal(t, "Anything else?", req.Messages[3].Content)
	assert.Equal(t, "claude-sonnet-4-20250514", req.Model)
	require.NotNil(t, req.Temperature)
	assert.Zero(t, *req.Temperature)
}

func TestRunPrompt_ProviderFailure(t *testing.T) {
	f := newFixture()
	f.gateway.err = errors.New("429 rate limited")

	_, err := f.svc.RunPrompt(context.Background(), RunRequest{TemplateID: &f.prompt.ID})
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Error(), "429")

	require.Len(t, f.gateway.requests, 1)
	require.Len(t, f.calls.records, 1)
	assert.False(t, f.calls.records[0].Success)
	assert.Contains(t, f.calls.records[0].Error, "429")
}

func TestRunPrompt_Validation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	hot := 2.5

	cases := map[string]RunRequest{
		"temperature":   {TemplateID: &f.prompt.ID, Temperature: &hot},
		"bad role":      {TemplateID: &f.prompt.ID, Turns: []llm.Message{{Role: "tool", Content: "x"}}},
		"empty content": {TemplateID: &f.prompt.ID, Turns: []llm.Message{{Role: llm.RoleUser, Content: " "}}},
		"no source":     {},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.RunPrompt(ctx, req)
			var verr *template.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
	assert.Empty(t, f.gateway.requests)
}

func TestBuildMessages(t *testing.T) {
	assert.Equal(t, []llm.Message{{Role: "user", Content: "p"}}, BuildMessages("p", nil))

	turns := []llm.Message{{Role: "user", Content: "q"}}
	got := BuildMessages("p", turns)
	assert.Equal(t, []llm.Message{{Role: "system", Content: "p"}, {Role: "user", Content: "q"}}, got)
}
