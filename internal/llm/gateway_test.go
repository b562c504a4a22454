package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midnight-protocol/admin/internal/config"
)

type stubProvider struct {
	name   string
	models []string
	fail   int
	calls  []ChatRequest
}

func (p *stubProvider) Name() string     { return p.name }
func (p *stubProvider) Models() []string { return p.models }

func (p *stubProvider) ChatCompletion(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	p.calls = append(p.calls, req)
	if len(p.calls) <= p.fail {
		return nil, errors.New("rate limited")
	}
	return &ChatResponse{Provider: p.name, Model: req.Model, Content: "ok"}, nil
}

func testGateway(cfg config.LLMConfig, providers ...Provider) *gateway {
	g := newGateway(cfg, providers...)
	g.backoff = func(int) time.Duration { return 0 }
	return g
}

func TestGateway_RoutesByModel(t *testing.T) {
	openai := &stubProvider{name: "openai", models: []string{"gpt-4o-mini"}}
	claude := &stubProvider{name: "anthropic", models: []string{"claude-sonnet-4-20250514"}}
	g := testGateway(config.LLMConfig{DefaultProvider: "openai", DefaultModel: "gpt-4o-mini"}, openai, claude)

	resp, err := g.Chat(context.Background(), ChatRequest{Model: "claude-sonnet-4-20250514"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", resp.Provider)
	assert.Len(t, claude.calls, 1)
	assert.Empty(t, openai.calls)
}

func TestGateway_DefaultsModelAndProvider(t *testing.T) {
	openai := &stubProvider{name: "openai", models: []string{"gpt-4o-mini"}}
	g := testGateway(config.LLMConfig{DefaultProvider: "openai", DefaultModel: "gpt-4o-mini"}, openai)

	resp, err := g.Chat(context.Background(), ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", resp.Model)

	resp, err = g.Chat(context.Background(), ChatRequest{Model: "custom-finetune"})
	require.NoError(t, err)
	assert.Equal(t, "openai", resp.Provider)
}

func TestGateway_UnknownModelWithoutDefault(t *testing.T) {
	g := testGateway(config.LLMConfig{}, &stubProvider{name: "ollama", models: []string{"llama3"}})
	_, err := g.Chat(context.Background(), ChatRequest{Model: "gpt-4o"})
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestGateway_RetriesThenFallsBack(t *testing.T) {
	primary := &stubProvider{name: "openai", models: []string{"gpt-4o"}, fail: 10}
	fallback := &stubProvider{name: "ollama", models: []string{"llama3"}}
	g := testGateway(config.LLMConfig{
		DefaultProvider:  "openai",
		DefaultModel:     "llama3",
		FallbackProvider: "ollama",
		MaxRetries:       2,
	}, primary, fallback)

	resp, err := g.Chat(context.Background(), ChatRequest{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Len(t, primary.calls, 3)
	assert.Equal(t, "ollama", resp.Provider)
	assert.Equal(t, "llama3", resp.Model)
}

func TestGateway_RecoversWithinRetries(t *testing.T) {
	p := &stubProvider{name: "openai", models: []string{"gpt-4o"}, fail: 1}
	g := testGateway(config.LLMConfig{DefaultProvider: "openai", MaxRetries: 1}, p)

	_, err := g.Chat(context.Background(), ChatRequest{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Len(t, p.calls, 2)
}

func TestGateway_ListModels(t *testing.T) {
	g := testGateway(config.LLMConfig{DefaultProvider: "openai", DefaultModel: "gpt-4o"},
		&stubProvider{name: "openai", models: []string{"gpt-4o", "gpt-4.1"}},
		&stubProvider{name: "anthropic", models: []string{"claude-opus-4-20250514"}},
	)

	models := g.ListModels()
	require.Len(t, models, 3)
	assert.Equal(t, ModelInfo{Provider: "anthropic", Model: "claude-opus-4-20250514"}, models[0])
	assert.Equal(t, ModelInfo{Provider: "openai", Model: "gpt-4.1"}, models[1])
	assert.Equal(t, ModelInfo{Provider: "openai", Model: "gpt-4o", Default: true}, models[2])
}

func TestCalculateCost(t *testing.T) {
	assert.InDelta(t, 0.03+0.06, CalculateCost("gpt-4", 1000, 1000), 1e-9)
	assert.Zero(t, CalculateCost("llama3", 5000, 5000))
}
