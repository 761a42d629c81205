// Package synth implements the Synthesizer: it fuses the surviving
// per-provider answers into one SynthesisResult, picking a strategy by
// the ordered cascade in §4.8 and falling back to deterministic
// concatenation whenever the local model is unavailable or disabled.
package synth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cortexmux/orchestrator/domain"
	"github.com/cortexmux/orchestrator/localllm"
)

var comparativeCues = []string{"compare", "vs", "versus", "difference", "better", "worse"}

// Synthesizer is the Synthesis core's fusion engine.
type Synthesizer struct {
	llm          localllm.LocalLLM
	fallbackOnly bool
	logger       *zap.Logger
}

// New builds a Synthesizer. llmClient may be nil, in which case every
// strategy degrades to its deterministic fallback regardless of
// fallbackOnly.
func New(llmClient localllm.LocalLLM, fallbackOnly bool, logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{llm: llmClient, fallbackOnly: fallbackOnly, logger: logger}
}

// Synthesize fuses answers (only the completed ones should be passed in)
// into a SynthesisResult. query is the original prompt, used only to
// detect comparative cues for the strategy picker.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, answers []domain.AnalyzedAnswer) domain.SynthesisResult {
	start := time.Now()
	if len(answers) == 0 {
		return domain.SynthesisResult{
			Strategy:          domain.StrategyMerge,
			Contributions:      map[domain.Provider]float64{},
			SynthesizedText:   "no provider produced a usable answer",
			ProcessingTime:    time.Since(start),
		}
	}

	strategy := pickStrategy(query, answers)
	contradictions := detectContradictions(answers)
	contributions := contributions(answers)

	text := s.fuse(ctx, strategy, answers, contradictions)

	result := domain.SynthesisResult{
		SynthesizedText:   text,
		Strategy:          strategy,
		Contributions:     contributions,
		OverallConfidence: overallConfidence(answers, contradictions),
		Contradictions:    contradictions,
		UniqueInsights:    uniqueInsights(answers),
		Sources:           mergedSources(answers),
		ProcessingTime:    time.Since(start),
	}
	return result
}

// pickStrategy applies the §4.8 first-match-wins cascade.
func pickStrategy(query string, answers []domain.AnalyzedAnswer) domain.SynthesisStrategy {
	if len(answers) == 1 {
		return domain.StrategyMerge
	}
	if len(detectContradictions(answers)) > 0 {
		return domain.StrategyFactCheck
	}
	if distinctContentTypes(answers) > 1 {
		return domain.StrategyComplement
	}
	lower := strings.ToLower(query)
	for _, cue := range comparativeCues {
		if strings.Contains(lower, cue) {
			return domain.StrategyCompare
		}
	}
	if distinctProviders(answers) >= 3 {
		return domain.StrategyMerge
	}
	return domain.StrategyPrioritize
}

func distinctContentTypes(answers []domain.AnalyzedAnswer) int {
	seen := make(map[domain.ContentType]bool)
	for _, a := range answers {
		seen[a.ContentType] = true
	}
	return len(seen)
}

func distinctProviders(answers []domain.AnalyzedAnswer) int {
	seen := make(map[domain.Provider]bool)
	for _, a := range answers {
		seen[a.Provider] = true
	}
	return len(seen)
}

func (s *Synthesizer) fuse(ctx context.Context, strategy domain.SynthesisStrategy, answers []domain.AnalyzedAnswer, contradictions []domain.Contradiction) string {
	if !s.fallbackOnly && s.llm != nil {
		prompt, system := fusionPrompt(strategy, answers, contradictions)
		text, _, err := s.llm.Generate(ctx, prompt, system, 1024, 0.3)
		if err == nil && strings.TrimSpace(text) != "" {
			return text
		}
		s.logger.Warn("synthesis fusion fell back to concatenation", zap.Error(err), zap.String("strategy", string(strategy)))
	}
	return labeledConcatenation(strategy, answers)
}

func fusionPrompt(strategy domain.SynthesisStrategy, answers []domain.AnalyzedAnswer, contradictions []domain.Contradiction) (prompt, system string) {
	var b strings.Builder
	for _, a := range answers {
		fmt.Fprintf(&b, "[%s, confidence=%.2f, type=%s]\n%s\n\n", a.Provider, a.Confidence, a.ContentType, a.Content)
	}
	switch strategy {
	case domain.StrategyCompare:
		system = "Produce a balanced comparative analysis naming each source explicitly."
	case domain.StrategyPrioritize:
		system = "Use the highest-confidence answer as the backbone and weave in supporting details from the others."
	case domain.StrategyComplement:
		system = "Show how the different perspectives below complement each other, grouped by content type."
	case domain.StrategyFactCheck:
		var c strings.Builder
		for _, ct := range contradictions {
			fmt.Fprintf(&c, "- %s says %q, %s says %q\n", ct.ProviderA, ct.ClaimA, ct.ProviderB, ct.ClaimB)
		}
		system = "Call out the conflicting claims below, rank by source credibility, and state residual uncertainty explicitly.\nKnown conflicts:\n" + c.String()
	default:
		system = "Integrate all the answers below into one coherent response, remove redundancy, and preserve every unique factual claim."
	}
	return b.String(), system
}

func labeledConcatenation(strategy domain.SynthesisStrategy, answers []domain.AnalyzedAnswer) string {
	ordered := make([]domain.AnalyzedAnswer, len(answers))
	copy(ordered, answers)
	if strategy == domain.StrategyPrioritize {
		sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Confidence > ordered[j].Confidence })
	}
	var b strings.Builder
	for _, a := range ordered {
		fmt.Fprintf(&b, "[%s]\n%s\n\n", a.Provider, strings.TrimSpace(a.Content))
	}
	return strings.TrimSpace(b.String())
}

func contributions(answers []domain.AnalyzedAnswer) map[domain.Provider]float64 {
	out := make(map[domain.Provider]float64, len(answers))
	var total float64
	for _, a := range answers {
		total += a.Confidence
	}
	if total <= 0 {
		uniform := 1.0 / float64(len(answers))
		for _, a := range answers {
			out[a.Provider] = uniform
		}
		return out
	}
	for _, a := range answers {
		out[a.Provider] = a.Confidence / total
	}
	return out
}

// detectContradictions pairwise-compares key facts across distinct
// providers for opposing-keyword collisions.
func detectContradictions(answers []domain.AnalyzedAnswer) []domain.Contradiction {
	pairs := domain.OpposingKeywordPairs()
	var out []domain.Contradiction
	for i := 0; i < len(answers); i++ {
		for j := i + 1; j < len(answers); j++ {
			a, b := answers[i], answers[j]
			if a.Provider == b.Provider {
				continue
			}
			if claimA, claimB, ok := findOpposingClaim(a, b, pairs); ok {
				out = append(out, domain.Contradiction{
					ProviderA: string(a.Provider),
					ProviderB: string(b.Provider),
					ClaimA:    claimA,
					ClaimB:    claimB,
				})
			}
		}
	}
	return out
}

func findOpposingClaim(a, b domain.AnalyzedAnswer, pairs [][2]string) (string, string, bool) {
	aFacts := append([]string{a.Content}, a.KeyFacts...)
	bFacts := append([]string{b.Content}, b.KeyFacts...)
	for _, fa := range aFacts {
		lowerA := strings.ToLower(fa)
		for _, fb := range bFacts {
			lowerB := strings.ToLower(fb)
			for _, pair := range pairs {
				if strings.Contains(lowerA, pair[0]) && strings.Contains(lowerB, pair[1]) {
					return fa, fb, true
				}
				if strings.Contains(lowerA, pair[1]) && strings.Contains(lowerB, pair[0]) {
					return fa, fb, true
				}
			}
		}
	}
	return "", "", false
}

func uniqueInsights(answers []domain.AnalyzedAnswer) map[domain.Provider][]string {
	seen := make(map[string]int, 16)
	for _, a := range answers {
		for _, f := range a.KeyFacts {
			seen[strings.ToLower(strings.TrimSpace(f))]++
		}
	}
	out := make(map[domain.Provider][]string, len(answers))
	for _, a := range answers {
		var unique []string
		for _, f := range a.KeyFacts {
			if seen[strings.ToLower(strings.TrimSpace(f))] == 1 {
				unique = append(unique, f)
			}
		}
		if len(unique) > 0 {
			out[a.Provider] = unique
		}
	}
	return out
}

func mergedSources(answers []domain.AnalyzedAnswer) []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range answers {
		for _, src := range a.Sources {
			if !seen[src] {
				seen[src] = true
				out = append(out, src)
			}
		}
	}
	return out
}

// overallConfidence implements mean(confidences) + min(0.05*N, 0.2) -
// 0.1*|contradictions|, clamped to [0,1].
func overallConfidence(answers []domain.AnalyzedAnswer, contradictions []domain.Contradiction) float64 {
	var sum float64
	for _, a := range answers {
		sum += a.Confidence
	}
	mean := sum / float64(len(answers))

	bonus := 0.05 * float64(len(answers))
	if bonus > 0.2 {
		bonus = 0.2
	}

	score := mean + bonus - 0.1*float64(len(contradictions))
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}
