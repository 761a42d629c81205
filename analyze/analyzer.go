// Package analyze implements the ResponseAnalyzer: for each surviving
// provider answer it classifies the content, extracts key facts and
// sources, and computes a confidence score the Synthesizer consumes.
package analyze

import (
	"context"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cortexmux/orchestrator/domain"
	"github.com/cortexmux/orchestrator/localllm"
)

const maxKeyFacts = 10

const factExtractionSystemPrompt = "Extract the key factual claims from the text below, one per line, plainly worded, no numbering or commentary."

var technicalCues = []string{"function", "algorithm", "api", "code", "database", "server", "protocol", "compile", "library", "framework"}
var newsCues = []string{"reported", "announced", "according to", "breaking", "yesterday", "today", "sources say", "officials said"}
var dataCues = []string{"percent", "%", "statistics", "average", "median", "correlation", "dataset", "survey found"}
var creativeCues = []string{"once upon a time", "imagine", "story", "poem", "character", "plot"}
var analyticalCues = []string{"therefore", "however", "in conclusion", "on the other hand", "analysis shows", "this suggests"}

var numericCue = regexp.MustCompile(`\d+(\.\d+)?\s*%|\b\d{2,}\b`)

var urlRE = regexp.MustCompile(`https?://[^\s)]+`)
var citationRE = regexp.MustCompile(`(?i)(according to [\w .]+|source:\s*[\w .]+|\[\d+\])`)

// Analyzer is the ResponseAnalyzer.
type Analyzer struct {
	weights map[domain.Provider]float64
	llm     localllm.LocalLLM
	logger  *zap.Logger
}

// New builds an Analyzer. llmClient may be nil, in which case key-fact
// extraction falls back to a naive line split instead of delegating to
// the local model.
func New(weights map[domain.Provider]float64, llmClient localllm.LocalLLM, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{weights: weights, llm: llmClient, logger: logger}
}

// Analyze turns one raw provider answer into an AnalyzedAnswer.
func (a *Analyzer) Analyze(ctx context.Context, provider domain.Provider, content string, responseTime time.Duration, status domain.ResponseStatus) domain.AnalyzedAnswer {
	return domain.AnalyzedAnswer{
		Provider:     provider,
		Content:      content,
		ResponseTime: responseTime,
		Status:       status,
		Confidence:   a.confidence(provider, content, responseTime),
		ContentType:  classify(content),
		KeyFacts:     a.extractKeyFacts(ctx, content),
		Sources:      extractSources(content),
	}
}

// classify applies the ordered rule cascade over lowercased text: technical
// cues first, then news, then data, then creative, then analytical, and
// factual as the default.
func classify(content string) domain.ContentType {
	lower := strings.ToLower(content)
	switch {
	case containsAny(lower, technicalCues):
		return domain.ContentTechnical
	case containsAny(lower, newsCues):
		return domain.ContentNews
	case containsAny(lower, dataCues) || numericCue.MatchString(lower):
		return domain.ContentData
	case containsAny(lower, creativeCues):
		return domain.ContentCreative
	case containsAny(lower, analyticalCues):
		return domain.ContentAnalytical
	default:
		return domain.ContentFactual
	}
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func (a *Analyzer) extractKeyFacts(ctx context.Context, content string) []string {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	if a.llm != nil {
		text, _, err := a.llm.Generate(ctx, content, factExtractionSystemPrompt, 256, 0.2)
		if err != nil {
			a.logger.Warn("key fact extraction failed, falling back to naive split", zap.Error(err))
		} else {
			facts := linesToFacts(text)
			if len(facts) > 0 {
				return facts
			}
		}
	}
	return linesToFacts(content)
}

func linesToFacts(text string) []string {
	var facts []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if line == "" {
			continue
		}
		facts = append(facts, line)
		if len(facts) == maxKeyFacts {
			break
		}
	}
	return facts
}

func extractSources(content string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range urlRE.FindAllString(content, -1) {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	for _, m := range citationRE.FindAllString(content, -1) {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

// confidence implements §4.7's scoring chain: reliability weight, then
// length/latency/hedging multipliers, clamped to [0,1].
func (a *Analyzer) confidence(provider domain.Provider, content string, responseTime time.Duration) float64 {
	score := a.weights[provider]
	if score == 0 {
		score = 0.75
	}

	switch n := len(content); {
	case n < 50:
		score *= 0.7
	case n > 500:
		score *= 1.1
	}

	switch {
	case responseTime > 0 && responseTime < 2*time.Second:
		score *= 1.05
	case responseTime > 30*time.Second:
		score *= 0.9
	}

	lower := strings.ToLower(content)
	if containsAny(lower, domain.HedgingWords()) {
		score *= 0.8
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}
