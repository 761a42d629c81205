package synth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexmux/orchestrator/domain"
	"github.com/cortexmux/orchestrator/testutil/mocks"
)

func answer(p domain.Provider, content string, confidence float64, ct domain.ContentType) domain.AnalyzedAnswer {
	return domain.AnalyzedAnswer{Provider: p, Content: content, Confidence: confidence, ContentType: ct}
}

func TestPickStrategySingleAnswerMerges(t *testing.T) {
	got := pickStrategy("what color is the sky", []domain.AnalyzedAnswer{answer(domain.ProviderClaude, "blue", 0.9, domain.ContentFactual)})
	assert.Equal(t, domain.StrategyMerge, got)
}

func TestPickStrategyContradictionPicksFactCheck(t *testing.T) {
	answers := []domain.AnalyzedAnswer{
		answer(domain.ProviderClaude, "Prices will increase next quarter.", 0.9, domain.ContentFactual),
		answer(domain.ProviderGemini, "Prices will decrease next quarter.", 0.9, domain.ContentFactual),
	}
	got := pickStrategy("what happens to prices", answers)
	assert.Equal(t, domain.StrategyFactCheck, got)
}

func TestPickStrategyComparativeCue(t *testing.T) {
	answers := []domain.AnalyzedAnswer{
		answer(domain.ProviderClaude, "Option A is cheaper.", 0.9, domain.ContentFactual),
		answer(domain.ProviderGemini, "Option A is cheaper too.", 0.9, domain.ContentFactual),
	}
	got := pickStrategy("compare option A vs option B", answers)
	assert.Equal(t, domain.StrategyCompare, got)
}

func TestPickStrategyThreeProvidersMerge(t *testing.T) {
	answers := []domain.AnalyzedAnswer{
		answer(domain.ProviderClaude, "x", 0.9, domain.ContentFactual),
		answer(domain.ProviderGemini, "x", 0.9, domain.ContentFactual),
		answer(domain.ProviderPerplexity, "x", 0.9, domain.ContentFactual),
	}
	got := pickStrategy("plain question", answers)
	assert.Equal(t, domain.StrategyMerge, got)
}

func TestContributionsNormalize(t *testing.T) {
	answers := []domain.AnalyzedAnswer{
		answer(domain.ProviderClaude, "a", 0.6, domain.ContentFactual),
		answer(domain.ProviderGemini, "b", 0.3, domain.ContentFactual),
	}
	c := contributions(answers)
	var sum float64
	for _, v := range c {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
}

func TestContributionsUniformWhenAllZero(t *testing.T) {
	answers := []domain.AnalyzedAnswer{
		answer(domain.ProviderClaude, "a", 0, domain.ContentFactual),
		answer(domain.ProviderGemini, "b", 0, domain.ContentFactual),
	}
	c := contributions(answers)
	assert.InDelta(t, 0.5, c[domain.ProviderClaude], 1e-9)
	assert.InDelta(t, 0.5, c[domain.ProviderGemini], 1e-9)
}

func TestDetectContradictionsFindsOpposingKeywords(t *testing.T) {
	answers := []domain.AnalyzedAnswer{
		answer(domain.ProviderClaude, "prices will increase", 0.9, domain.ContentFactual),
		answer(domain.ProviderGemini, "prices will decrease", 0.9, domain.ContentFactual),
	}
	contradictions := detectContradictions(answers)
	require.Len(t, contradictions, 1)
	assert.Equal(t, "claude", contradictions[0].ProviderA)
	assert.Equal(t, "gemini", contradictions[0].ProviderB)
}

func TestOverallConfidenceClampedAndPenalized(t *testing.T) {
	answers := []domain.AnalyzedAnswer{
		answer(domain.ProviderClaude, "a", 0.9, domain.ContentFactual),
		answer(domain.ProviderGemini, "b", 0.9, domain.ContentFactual),
	}
	noConflict := overallConfidence(answers, nil)
	withConflict := overallConfidence(answers, []domain.Contradiction{{ProviderA: "claude", ProviderB: "gemini"}})
	assert.Less(t, withConflict, noConflict)
	assert.GreaterOrEqual(t, withConflict, 0.0)
	assert.LessOrEqual(t, noConflict, 1.0)
}

func TestSynthesizeFactCheckOnDisagreement(t *testing.T) {
	llm := &mocks.MockLocalLLM{Text: "conflict resolved with caveats"}
	s := New(llm, false, nil)
	answers := []domain.AnalyzedAnswer{
		answer(domain.ProviderClaude, "prices will increase", 0.9, domain.ContentFactual),
		answer(domain.ProviderGemini, "prices will decrease", 0.9, domain.ContentFactual),
	}
	result := s.Synthesize(context.Background(), "what happens to prices", answers)
	assert.Equal(t, domain.StrategyFactCheck, result.Strategy)
	require.NotEmpty(t, result.Contradictions)
	assert.Less(t, result.OverallConfidence, (answers[0].Confidence+answers[1].Confidence)/2)
}

func TestSynthesizeFallbackOnlySkipsLLM(t *testing.T) {
	llm := &mocks.MockLocalLLM{Text: "should not be used"}
	s := New(llm, true, nil)
	answers := []domain.AnalyzedAnswer{answer(domain.ProviderClaude, "red, green, blue", 0.9, domain.ContentFactual)}
	result := s.Synthesize(context.Background(), "list colors", answers)
	assert.Equal(t, 0, llm.CallCount())
	assert.Contains(t, result.SynthesizedText, "red, green, blue")
}

func TestSynthesizeNoAnswersReturnsDiagnostic(t *testing.T) {
	s := New(nil, false, nil)
	result := s.Synthesize(context.Background(), "anything", nil)
	assert.Empty(t, result.Contributions)
	assert.NotEmpty(t, result.SynthesizedText)
}
