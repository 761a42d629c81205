// Package mocks also provides a ProviderAdapter-level mock, distinct from
// MockProvider (which implements llm.Provider one layer down). Tests that
// exercise RefinementController/Dispatcher should script against this one
// directly rather than going through the llm.Provider plumbing.
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/cortexmux/orchestrator/domain"
)

// MockResponse is one scripted reply for a given call index (0-based).
type MockResponse struct {
	Raw     string
	Err     error
	Delay   time.Duration
	Latency time.Duration
}

// MockAdapter is a scripted adapters.Adapter. Responses are selected
// strictly by call count, never by inspecting the incoming prompt, so a
// better-shaped refinement prompt cannot deterministically earn a better
// reply: scenarios must script the sequence they want up front.
type MockAdapter struct {
	mu sync.Mutex

	name      domain.Provider
	responses []MockResponse
	calls     []string

	// Default is used once responses is exhausted.
	Default MockResponse
}

// NewMockAdapter builds a MockAdapter for name with the given response
// script (index 0 is the first Send call, index 1 the second, and so on).
func NewMockAdapter(name domain.Provider, script ...MockResponse) *MockAdapter {
	return &MockAdapter{
		name:      name,
		responses: script,
		Default:   MockResponse{Raw: "mock response"},
	}
}

// Name implements adapters.Adapter.
func (m *MockAdapter) Name() domain.Provider { return m.name }

// Send implements adapters.Adapter by returning the next scripted
// response, regardless of prompt content.
func (m *MockAdapter) Send(ctx context.Context, prompt string, deadline time.Time) (string, time.Duration, error) {
	m.mu.Lock()
	idx := len(m.calls)
	m.calls = append(m.calls, prompt)
	resp := m.Default
	if idx < len(m.responses) {
		resp = m.responses[idx]
	}
	m.mu.Unlock()

	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-ctx.Done():
			return "", resp.Delay, ctx.Err()
		}
	}

	if resp.Err != nil {
		return "", resp.Latency, resp.Err
	}
	return resp.Raw, resp.Latency, nil
}

// Calls returns every prompt Send was called with, in order.
func (m *MockAdapter) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount reports how many times Send has been invoked.
func (m *MockAdapter) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// MockLocalLLM is a scripted localllm.LocalLLM for Synthesizer/Analyzer
// tests.
type MockLocalLLM struct {
	mu    sync.Mutex
	Text  string
	Err   error
	calls int
}

// Generate implements localllm.LocalLLM.
func (m *MockLocalLLM) Generate(ctx context.Context, userPrompt, systemPrompt string, maxTokens int, temperature float32) (string, int, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.Err != nil {
		return "", 0, m.Err
	}
	return m.Text, len(m.Text), nil
}

// CallCount reports how many times Generate has been invoked.
func (m *MockLocalLLM) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
