package providers_test

import (
	"time"

	"go.uber.org/zap"

	"github.com/cortexmux/orchestrator/llm"
	"github.com/cortexmux/orchestrator/llm/providers"
	"github.com/cortexmux/orchestrator/llm/providers/anthropic"
	"github.com/cortexmux/orchestrator/llm/providers/gemini"
	"github.com/cortexmux/orchestrator/llm/providers/openaicompat"
)

// scopedProviderNames lists the providers this orchestrator actually
// dispatches to. The cross-provider property tests in this package drive
// all four through newScopedProvider rather than hardcoding one vendor.
var scopedProviderNames = []string{"claude", "gemini", "perplexity", "local"}

// newScopedProvider builds the llm.Provider backing one of the four
// in-scope adapters, pointed at a test server with a given key and timeout.
func newScopedProvider(name, apiKey, baseURL string, timeout time.Duration, logger *zap.Logger) llm.Provider {
	switch name {
	case "claude":
		return anthropic.NewProvider(providers.ClaudeConfig{
			BaseProviderConfig: providers.BaseProviderConfig{APIKey: apiKey, BaseURL: baseURL, Timeout: timeout},
		}, logger)
	case "gemini":
		return gemini.NewGeminiProvider(providers.GeminiConfig{
			BaseProviderConfig: providers.BaseProviderConfig{APIKey: apiKey, BaseURL: baseURL, Timeout: timeout},
		}, logger)
	default:
		return openaicompat.New(openaicompat.Config{
			ProviderName: name,
			APIKey:       apiKey,
			BaseURL:      baseURL,
			Timeout:      timeout,
		}, logger)
	}
}

// scopedCredentialHeader returns the request header a provider carries its
// API key in, so tests can assert on override behavior without assuming
// every provider speaks Bearer auth the same way.
func scopedCredentialHeader(name string) string {
	switch name {
	case "claude":
		return "x-api-key"
	case "gemini":
		return "x-goog-api-key"
	default:
		return "Authorization"
	}
}
