package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/midnight-protocol/admin/internal/audit"
	"github.com/midnight-protocol/admin/internal/llm"
	"github.com/midnight-protocol/admin/internal/mail"
	"github.com/midnight-protocol/admin/internal/models"
	"github.com/midnight-protocol/admin/internal/template"
	"github.com/midnight-protocol/admin/pkg/tokenizer"
)

// TemplateSource loads the stored current version of a template.
type TemplateSource interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Template, error)
}

type Mailer interface {
	Send(ctx context.Context, m mail.Message) (messageID string, err error)
}

// CallLogger persists one row per prompt run.
type CallLogger interface {
	LogLLMCall(ctx context.Context, record models.LLMCallLog) error
}

type Auditor interface {
	Log(ctx context.Context, entry audit.LogEntry) error
}

// Service renders templates for inspection and hands rendered payloads to
// the mail relay or the LLM gateway. It never retries a send.
type Service struct {
	templates TemplateSource
	mailer    Mailer
	gateway   llm.Gateway
	calls     CallLogger
	auditor   Auditor
}

func NewService(templates TemplateSource, mailer Mailer, gateway llm.Gateway, calls CallLogger, auditor Auditor) *Service {
	return &Service{
		templates: templates,
		mailer:    mailer,
		gateway:   gateway,
		calls:     calls,
		auditor:   auditor,
	}
}

// PreviewRequest renders Draft when given, otherwise the stored current
// version of TemplateID.
type PreviewRequest struct {
	TemplateID *uuid.UUID        `json:"template_id,omitempty"`
	Draft      *models.Content   `json:"draft,omitempty"`
	Values     map[string]string `json:"values"`
}

type Preview struct {
	Kind            models.TemplateKind `json:"kind"`
	Version         int                 `json:"version,omitempty"`
	Content         models.Content      `json:"content"`
	Variables       []string            `json:"variables"`
	Missing         []string            `json:"missing_variables"`
	EstimatedTokens int                 `json:"estimated_tokens,omitempty"`
}

func (s *Service) Preview(ctx context.Context, kind models.TemplateKind, req PreviewRequest) (*Preview, error) {
	src, err := s.source(ctx, kind, req.TemplateID, req.Draft)
	if err != nil {
		return nil, err
	}

	p := &Preview{
		Kind:      kind,
		Version:   src.version,
		Content:   template.RenderContent(src.content, req.Values),
		Variables: template.AllVariables(src.content),
		Missing:   template.MissingVariables(src.content, req.Values),
	}
	if kind == models.KindPrompt {
		p.EstimatedTokens = tokenizer.CountTokens(p.Content.Body)
	}
	return p, nil
}

type SendTestRequest struct {
	TemplateID *uuid.UUID        `json:"template_id,omitempty"`
	Draft      *models.Content   `json:"draft,omitempty"`
	Values     map[string]string `json:"values"`
	Recipients []string          `json:"recipients" validate:"required,min=1,max=10,dive,email"`
	Operator   string            `json:"-"`
}

type RecipientResult struct {
	Recipient string `json:"recipient"`
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type SendTestResult struct {
	Sent    int               `json:"sent"`
	Failed  int               `json:"failed"`
	Missing []string          `json:"missing_variables"`
	Results []RecipientResult `json:"results"`
}

// SendTestEmail renders the email once and calls the mailer once per
// recipient. A failed recipient does not stop the others.
func (s *Service) SendTestEmail(ctx context.Context, req SendTestRequest) (*SendTestResult, error) {
	if err := template.ValidateStruct(req); err != nil {
		return nil, err
	}
	src, err := s.source(ctx, models.KindEmail, req.TemplateID, req.Draft)
	if err != nil {
		return nil, err
	}

	rendered := template.RenderContent(src.content, req.Values)
	res := &SendTestResult{
		Missing: template.MissingVariables(src.content, req.Values),
		Results: make([]RecipientResult, 0, len(req.Recipients)),
	}

	for _, rcpt := range req.Recipients {
		r := RecipientResult{Recipient: rcpt}
		id, err := s.mailer.Send(ctx, mail.Message{
			FromAddress: src.settings.FromAddress,
			FromName:    src.settings.FromName,
			To:          rcpt,
			Subject:     rendered.Subject,
			HTML:        rendered.HTML,
			Text:        rendered.Text,
		})
		if err != nil {
			r.Error = err.Error()
			res.Failed++
			slog.Warn("test email failed", "template", src.name, "recipient", rcpt, "error", err)
		} else {
			r.Success = true
			r.MessageID = id
			res.Sent++
		}
		res.Results = append(res.Results, r)
	}

	s.audit(ctx, audit.LogEntry{
		Operator:     req.Operator,
		Action:       "send_test",
		ResourceType: "email_template",
		ResourceID:   req.TemplateID,
		Details: map[string]interface{}{
			"template": src.name,
			"sent":     res.Sent,
			"failed":   res.Failed,
		},
	})
	return res, nil
}

// RunRequest runs a prompt template. Turns are extra chat turns sent after
// the rendered prompt. Model and Temperature override the template settings.
type RunRequest struct {
	TemplateID  *uuid.UUID        `json:"template_id,omitempty"`
	Draft       *models.Content   `json:"draft,omitempty"`
	Values      map[string]string `json:"values"`
	Turns       []llm.Message     `json:"messages,omitempty"`
	Model       string            `json:"model,omitempty"`
	Temperature *float64          `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   int               `json:"max_tokens,omitempty" validate:"gte=0"`
	Operator    string            `json:"-"`
}

type RunResult struct {
	Output         string   `json:"output"`
	Provider       string   `json:"provider"`
	Model          string   `json:"model"`
	RenderedPrompt string   `json:"rendered_prompt"`
	Missing        []string `json:"missing_variables"`
	InputTokens    int      `json:"input_tokens"`
	OutputTokens   int      `json:"output_tokens"`
	TotalTokens    int      `json:"total_tokens"`
	CostUSD        float64  `json:"cost_usd"`
	LatencyMs      int64    `json:"latency_ms"`
}

// RunPrompt renders the prompt and calls the gateway once. The rendered body
// is the system turn followed by req.Turns; with no turns it is sent as the
// single user turn.
func (s *Service) RunPrompt(ctx context.Context, req RunRequest) (*RunResult, error) {
	if err := template.ValidateStruct(req); err != nil {
		return nil, err
	}
	for i, turn := range req.Turns {
		if !llm.ValidRole(turn.Role) {
			return nil, &template.ValidationError{
				Field:   fmt.Sprintf("messages[%d].role", i),
				Message: "must be one of system, user, assistant",
			}
		}
		if strings.TrimSpace(turn.Content) == "" {
			return nil, &template.ValidationError{Field: fmt.Sprintf("messages[%d].content", i), Message: "is required"}
		}
	}

	src, err := s.source(ctx, models.KindPrompt, req.TemplateID, req.Draft)
	if err != nil {
		return nil, err
	}
	rendered := template.Render(src.content.Body, req.Values)
	missing := template.MissingVariables(src.content, req.Values)

	chat := llm.ChatRequest{
		Model:       src.settings.Model,
		Messages:    BuildMessages(rendered, req.Turns),
		Temperature: src.settings.Temperature,
		MaxTokens:   src.settings.MaxTokens,
	}
	if req.Model != "" {
		chat.Model = req.Model
	}
	if req.Temperature != nil {
		chat.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		chat.MaxTokens = req.MaxTokens
	}

	resp, err := s.gateway.Chat(ctx, chat)

	record := models.LLMCallLog{
		Operator:        req.Operator,
		TemplateID:      req.TemplateID,
		TemplateName:    src.name,
		TemplateVersion: src.version,
		Model:           chat.Model,
		Success:         err == nil,
	}
	meta := map[string]interface{}{
		"turns":             len(chat.Messages),
		"missing_variables": missing,
		"estimated_tokens":  estimateTokens(chat.Messages),
	}
	record.Metadata, _ = json.Marshal(meta)

	if err != nil {
		record.Error = err.Error()
		s.logCall(ctx, record)
		return nil, &ProviderError{Err: err}
	}

	record.Provider = resp.Provider
	record.Model = resp.Model
	record.InputTokens = resp.InputTokens
	record.OutputTokens = resp.OutputTokens
	record.TotalTokens = resp.TotalTokens
	record.CostUSD = resp.CostUSD
	record.LatencyMs = resp.LatencyMs
	s.logCall(ctx, record)

	return &RunResult{
		Output:         resp.Content,
		Provider:       resp.Provider,
		Model:          resp.Model,
		RenderedPrompt: rendered,
		Missing:        missing,
		InputTokens:    resp.InputTokens,
		OutputTokens:   resp.OutputTokens,
		TotalTokens:    resp.TotalTokens,
		CostUSD:        resp.CostUSD,
		LatencyMs:      resp.LatencyMs,
	}, nil
}

// BuildMessages assembles the chat turns for a rendered prompt.
func BuildMessages(rendered string, turns []llm.Message) []llm.Message {
	if len(turns) == 0 {
		return []llm.Message{{Role: llm.RoleUser, Content: rendered}}
	}
	msgs := make([]llm.Message, 0, len(turns)+1)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: rendered})
	return append(msgs, turns...)
}

func estimateTokens(msgs []llm.Message) int {
	contents := make([]string, len(msgs))
	for i, m := range msgs {
		contents[i] = m.Content
	}
	return tokenizer.CountChatTokens(contents...)
}

// ListModels reports the models runPrompt can target.
func (s *Service) ListModels() []llm.ModelInfo {
	return s.gateway.ListModels()
}

type source struct {
	name     string
	version  int
	content  models.Content
	settings models.Settings
}

// source resolves what to render: the draft when present, else the stored
// template, which must be of kind.
func (s *Service) source(ctx context.Context, kind models.TemplateKind, id *uuid.UUID, draft *models.Content) (*source, error) {
	var src source
	if id != nil {
		t, err := s.templates.Get(ctx, *id)
		if err != nil {
			return nil, fmt.Errorf("get template %s: %w", id, err)
		}
		if t.Kind != kind {
			return nil, fmt.Errorf("template %s is a %s template: %w", id, t.Kind, template.ErrNotFound)
		}
		src = source{name: t.Name, version: t.CurrentVersion, content: t.Content, settings: t.Settings}
	}

	if draft != nil {
		src.content = *draft
		src.version = 0
		if src.name == "" {
			src.name = "draft"
		}
	} else if id == nil {
		return nil, &template.ValidationError{Field: "template_id", Message: "or draft is required"}
	}

	if err := template.ValidateContent(kind, src.content); err != nil {
		return nil, err
	}
	return &src, nil
}

func (s *Service) logCall(ctx context.Context, record models.LLMCallLog) {
	if s.calls == nil {
		return
	}
	if err := s.calls.LogLLMCall(ctx, record); err != nil {
		slog.Error("failed to record LLM call", "template", record.TemplateName, "error", err)
	}
}

func (s *Service) audit(ctx context.Context, entry audit.LogEntry) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.Log(ctx, entry); err != nil {
		slog.Error("failed to write audit log", "action", entry.Action, "error", err)
	}
}
