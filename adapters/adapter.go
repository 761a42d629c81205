// Package adapters implements the ProviderAdapter contract on top of the
// existing resilient LLM provider stack: each adapter wraps an
// llm.Provider (already decorated with retry/circuit-breaker/idempotency
// via llm.ResilientProvider) and exposes the orchestrator's narrower
// send/deadline surface.
package adapters

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cortexmux/orchestrator/config"
	"github.com/cortexmux/orchestrator/domain"
	"github.com/cortexmux/orchestrator/llm"
	"github.com/cortexmux/orchestrator/llm/idempotency"
	"github.com/cortexmux/orchestrator/llm/providers"
	"github.com/cortexmux/orchestrator/llm/providers/anthropic"
	"github.com/cortexmux/orchestrator/llm/providers/gemini"
	"github.com/cortexmux/orchestrator/llm/providers/openaicompat"
	"github.com/cortexmux/orchestrator/localllm"
	"github.com/cortexmux/orchestrator/types"
)

// Adapter is the ProviderAdapter contract: send one prompt to one
// provider, honoring a deadline, and report how long the call took.
type Adapter interface {
	Name() domain.Provider
	Send(ctx context.Context, prompt string, deadline time.Time) (raw string, latency time.Duration, err error)
}

type baseAdapter struct {
	name     domain.Provider
	provider llm.Provider
	model    string
}

func (a *baseAdapter) Name() domain.Provider { return a.name }

func (a *baseAdapter) Send(ctx context.Context, prompt string, deadline time.Time) (string, time.Duration, error) {
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	req := &llm.ChatRequest{
		Model:    a.model,
		Messages: []types.Message{{Role: types.RoleUser, Content: prompt}},
	}

	start := time.Now()
	resp, err := a.provider.Completion(ctx, req)
	latency := time.Since(start)
	if err != nil {
		return "", latency, fmt.Errorf("%s adapter: %w", a.name, err)
	}
	choice, err := llm.FirstChoice(resp)
	if err != nil {
		return "", latency, fmt.Errorf("%s adapter: %w", a.name, err)
	}
	return choice.Message.Content, latency, nil
}

// New builds the four in-scope adapters from provider config, each wrapped
// with the resilient-provider decorator (retry + circuit breaker +
// in-memory idempotency cache). It also returns an llm.ProviderRegistry
// carrying the same four resilient providers under their domain.Provider
// names, for callers (HealthMonitor) that need to probe them directly
// rather than through the narrower Adapter.Send surface.
func New(cfg config.ProvidersConfig, logger *zap.Logger) (map[domain.Provider]Adapter, *llm.ProviderRegistry, error) {
	idem := idempotency.NewMemoryManager(logger)

	out := make(map[domain.Provider]Adapter, 4)
	registry := llm.NewProviderRegistry()

	claudeProvider := anthropic.NewProvider(providers.ClaudeConfig{
		BaseProviderConfig: providers.BaseProviderConfig{
			APIKey:  cfg.Claude.APIKey,
			BaseURL: cfg.Claude.BaseURL,
			Model:   cfg.Claude.Model,
			Timeout: cfg.Claude.Timeout,
		},
	}, logger)
	claudeResilient := llm.NewResilientProviderSimple(claudeProvider, idem, logger)
	out[domain.ProviderClaude] = &baseAdapter{
		name:     domain.ProviderClaude,
		model:    cfg.Claude.Model,
		provider: claudeResilient,
	}
	registry.Register(string(domain.ProviderClaude), claudeResilient)

	geminiProvider := gemini.NewGeminiProvider(providers.GeminiConfig{
		BaseProviderConfig: providers.BaseProviderConfig{
			APIKey:  cfg.Gemini.APIKey,
			BaseURL: cfg.Gemini.BaseURL,
			Model:   cfg.Gemini.Model,
			Timeout: cfg.Gemini.Timeout,
		},
	}, logger)
	geminiResilient := llm.NewResilientProviderSimple(geminiProvider, idem, logger)
	out[domain.ProviderGemini] = &baseAdapter{
		name:     domain.ProviderGemini,
		model:    cfg.Gemini.Model,
		provider: geminiResilient,
	}
	registry.Register(string(domain.ProviderGemini), geminiResilient)

	perplexityProvider := openaicompat.New(openaicompat.Config{
		ProviderName: "perplexity",
		APIKey:       cfg.Perplexity.APIKey,
		BaseURL:      firstNonEmpty(cfg.Perplexity.BaseURL, "https://api.perplexity.ai"),
		DefaultModel: cfg.Perplexity.Model,
		Timeout:      cfg.Perplexity.Timeout,
	}, logger)
	perplexityResilient := llm.NewResilientProviderSimple(perplexityProvider, idem, logger)
	out[domain.ProviderPerplexity] = &baseAdapter{
		name:     domain.ProviderPerplexity,
		model:    cfg.Perplexity.Model,
		provider: perplexityResilient,
	}
	registry.Register(string(domain.ProviderPerplexity), perplexityResilient)

	localProvider := openaicompat.New(openaicompat.Config{
		ProviderName: "local",
		APIKey:       cfg.Local.APIKey,
		BaseURL:      firstNonEmpty(cfg.Local.BaseURL, "http://localhost:11434/v1"),
		DefaultModel: cfg.Local.Model,
		Timeout:      cfg.Local.Timeout,
	}, logger)
	localResilient := llm.NewResilientProviderSimple(localProvider, idem, logger)
	out[domain.ProviderLocal] = &baseAdapter{
		name:     domain.ProviderLocal,
		model:    cfg.Local.Model,
		provider: localResilient,
	}
	registry.Register(string(domain.ProviderLocal), localResilient)

	return out, registry, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// localLLMAdapter implements localllm.LocalLLM on top of the same
// llm.Provider contract the four ProviderAdapters use, so the local model
// rides the same resilient-provider decorator (retry + circuit breaker +
// idempotency) as every remote call.
type localLLMAdapter struct {
	provider llm.Provider
	model    string
}

func (a *localLLMAdapter) Generate(ctx context.Context, userPrompt, systemPrompt string, maxTokens int, temperature float32) (string, int, error) {
	var messages []types.Message
	if systemPrompt != "" {
		messages = append(messages, types.Message{Role: types.RoleSystem, Content: systemPrompt})
	}
	messages = append(messages, types.Message{Role: types.RoleUser, Content: userPrompt})

	resp, err := a.provider.Completion(ctx, &llm.ChatRequest{
		Model:       a.model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return "", 0, fmt.Errorf("local llm: %w", err)
	}
	choice, err := llm.FirstChoice(resp)
	if err != nil {
		return "", 0, fmt.Errorf("local llm: %w", err)
	}
	return choice.Message.Content, resp.Usage.CompletionTokens, nil
}

// NewLocalLLM builds the local-model client used by ResponseAnalyzer and
// Synthesizer, wrapping the same OpenAI-compatible HTTP client the `local`
// ProviderAdapter uses.
func NewLocalLLM(cfg config.ProviderConfig, logger *zap.Logger) (localllm.LocalLLM, error) {
	idem := idempotency.NewMemoryManager(logger)
	provider := openaicompat.New(openaicompat.Config{
		ProviderName: "local-llm",
		APIKey:       cfg.APIKey,
		BaseURL:      firstNonEmpty(cfg.BaseURL, "http://localhost:11434/v1"),
		DefaultModel: cfg.Model,
		Timeout:      cfg.Timeout,
	}, logger)
	return &localLLMAdapter{
		provider: llm.NewResilientProviderSimple(provider, idem, logger),
		model:    cfg.Model,
	}, nil
}
