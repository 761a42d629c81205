package domain

import "github.com/google/uuid"

// NewID returns a fresh random identifier for any of the *_id fields in
// this package's records.
func NewID() string {
	return uuid.NewString()
}

// DefaultRefinementRules returns the static rule table the refinement
// controller consults. The table is not sorted by priority; the controller
// orders matching rules itself.
// Historical SuccessRate values are seed estimates, not measured; callers
// that persist RuleStats should prefer the measured rate once available.
func DefaultRefinementRules() []RefinementRule {
	return []RefinementRule{
		{
			RuleID:               "fmt-clarify",
			Trigger:              TriggerFormatMismatch,
			Action:               ActionClarifyFormat,
			Priority:             5,
			MaxApplicableAttempt: 3,
			SuccessRate:          0.78,
		},
		{
			RuleID:               "missing-request",
			Trigger:              TriggerMissingFields,
			Action:               ActionRequestMissingData,
			Priority:             5,
			MaxApplicableAttempt: 3,
			SuccessRate:          0.72,
		},
		{
			RuleID:               "struct-fix",
			Trigger:              TriggerStructureError,
			Action:               ActionFixStructure,
			Priority:             4,
			MaxApplicableAttempt: 3,
			SuccessRate:          0.70,
		},
		{
			RuleID:               "invalid-examples",
			Trigger:              TriggerInvalidData,
			Action:               ActionProvideExamples,
			Priority:             4,
			MaxApplicableAttempt: 2,
			SuccessRate:          0.65,
		},
		{
			RuleID:               "incomplete-simplify",
			Trigger:              TriggerIncompleteResponse,
			Action:               ActionSimplifyRequest,
			Priority:             3,
			MaxApplicableAttempt: 2,
			SuccessRate:          0.60,
		},
		{
			RuleID:               "incomplete-split",
			Trigger:              TriggerIncompleteResponse,
			Action:               ActionSplitRequest,
			Priority:             2,
			MaxApplicableAttempt: 3,
			SuccessRate:          0.55,
		},
		{
			RuleID:               "content-examples",
			Trigger:              TriggerContentMismatch,
			Action:               ActionProvideExamples,
			Priority:             3,
			MaxApplicableAttempt: 2,
			SuccessRate:          0.58,
		},
	}
}

// DefaultProviderWeights returns the reliability weight assigned to each
// provider: the response analyzer starts its confidence score from it, and
// the orchestrator copies it into each provider session's Weight. Seeded from the source system's service
// reliability table; local is this port's own estimate, since the source
// system never carried a local-model adapter.
func DefaultProviderWeights() map[Provider]float64 {
	return map[Provider]float64{
		ProviderClaude:     0.95,
		ProviderGemini:     0.92,
		ProviderPerplexity: 0.90,
		ProviderLocal:      0.80,
	}
}

// HedgingWords lists vocabulary that the accuracy heuristic (OutputValidator,
// §4.3) and the confidence scorer (ResponseAnalyzer, §4.7) both treat as
// reducing assertiveness.
func HedgingWords() []string {
	return []string{
		"might", "may", "could", "possibly", "perhaps", "i think", "i believe",
		"it seems", "probably", "not sure", "uncertain",
	}
}

// OpposingKeywordPairs lists word pairs the synthesizer treats as a
// contradiction signal when one provider's answer contains one member of
// the pair and another provider's answer contains the other.
func OpposingKeywordPairs() [][2]string {
	return [][2]string{
		{"increase", "decrease"},
		{"more", "less"},
		{"true", "false"},
		{"safe", "dangerous"},
		{"legal", "illegal"},
		{"possible", "impossible"},
	}
}
