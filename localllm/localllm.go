// Package localllm defines the boundary the orchestrator uses to reach a
// local inference server for the auxiliary generation tasks that do not
// warrant a round trip to a paid third-party provider: key-fact extraction
// (ResponseAnalyzer) and answer fusion (Synthesizer), plus optional
// refinement-prompt polish (PromptShaper).
package localllm

import "context"

// LocalLLM is the local-model boundary. Implementations must be safe for
// concurrent use: the orchestrator shares a single client across every
// per-provider controller and the synthesizer.
type LocalLLM interface {
	Generate(ctx context.Context, userPrompt, systemPrompt string, maxTokens int, temperature float32) (text string, tokensGenerated int, err error)
}
