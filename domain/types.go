// Package domain holds the shared data model of the orchestrator: the
// enumerated types and records described by the system's data model, used
// by every component from the provider adapters down to the persistence
// layer. It deliberately has no dependency on any other orchestrator
// package so that it can be imported everywhere without cycles.
package domain

import "time"

// Provider identifies one of the supported conversational-AI backends.
type Provider string

const (
	ProviderClaude     Provider = "claude"
	ProviderGemini     Provider = "gemini"
	ProviderPerplexity Provider = "perplexity"
	ProviderLocal      Provider = "local"
)

// OutputFormat determines the validator's grammar for a provider answer.
type OutputFormat string

const (
	FormatJSON           OutputFormat = "json"
	FormatStructuredText  OutputFormat = "structured_text"
	FormatMarkdown        OutputFormat = "markdown"
	FormatXML             OutputFormat = "xml"
)

// ExecutionMode selects how the Dispatcher fans a request out across providers.
type ExecutionMode string

const (
	ModeParallel      ExecutionMode = "parallel"
	ModeSequential    ExecutionMode = "sequential"
	ModePriorityBased ExecutionMode = "priority_based"
	ModeLoadBalanced  ExecutionMode = "load_balanced"
)

// ShapingStrategy selects a PromptShaper transform.
type ShapingStrategy string

const (
	StrategyTokenMinimization  ShapingStrategy = "token_minimization"
	StrategyClarityMaximization ShapingStrategy = "clarity_maximization"
	StrategyStructureEnforcement ShapingStrategy = "structure_enforcement"
	StrategyPrecisionTargeting ShapingStrategy = "precision_targeting"
)

// RefinementTrigger classifies why a provider answer failed validation.
type RefinementTrigger string

const (
	TriggerFormatMismatch    RefinementTrigger = "format_mismatch"
	TriggerMissingFields     RefinementTrigger = "missing_fields"
	TriggerInvalidData       RefinementTrigger = "invalid_data"
	TriggerIncompleteResponse RefinementTrigger = "incomplete_response"
	TriggerStructureError    RefinementTrigger = "structure_error"
	TriggerContentMismatch   RefinementTrigger = "content_mismatch"
)

// RefinementAction is the remedy PromptShaper applies for a trigger.
type RefinementAction string

const (
	ActionClarifyFormat      RefinementAction = "clarify_format"
	ActionRequestMissingData RefinementAction = "request_missing_data"
	ActionFixStructure       RefinementAction = "fix_structure"
	ActionProvideExamples    RefinementAction = "provide_examples"
	ActionSimplifyRequest    RefinementAction = "simplify_request"
	ActionSplitRequest       RefinementAction = "split_request"
)

// SessionState is the lifecycle state of a ProviderSession.
type SessionState string

const (
	SessionInactive    SessionState = "inactive"
	SessionActive      SessionState = "active"
	SessionBusy        SessionState = "busy"
	SessionError       SessionState = "error"
	SessionMaintenance SessionState = "maintenance"
)

// ResponseStatus is the terminal/non-terminal status of a ResponseRecord.
type ResponseStatus string

const (
	StatusPending           ResponseStatus = "pending"
	StatusProcessing        ResponseStatus = "processing"
	StatusCompleted         ResponseStatus = "completed"
	StatusRefinementNeeded  ResponseStatus = "refinement_needed"
	StatusFailed            ResponseStatus = "failed"
)

// IsTerminal reports whether s is one of the two terminal statuses.
func (s ResponseStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ContentType classifies an analyzed answer for synthesis grouping.
type ContentType string

const (
	ContentFactual   ContentType = "factual"
	ContentCreative  ContentType = "creative"
	ContentAnalytical ContentType = "analytical"
	ContentTechnical ContentType = "technical"
	ContentNews      ContentType = "news"
	ContentData      ContentType = "data"
)

// SynthesisStrategy names the fusion strategy Synthesizer picked.
type SynthesisStrategy string

const (
	StrategyMerge      SynthesisStrategy = "merge"
	StrategyCompare    SynthesisStrategy = "compare"
	StrategyPrioritize SynthesisStrategy = "prioritize"
	StrategyComplement SynthesisStrategy = "complement"
	StrategyFactCheck  SynthesisStrategy = "fact_check"
)

// ExpectedSchema is the caller-provided hint describing the wanted answer
// shape. Exactly one of Structured or Freeform should be set; Validate
// treats an empty ExpectedSchema as freeform with no required keywords.
type ExpectedSchema struct {
	// Structured maps required field names to an optional value-type hint
	// ("string", "number", "array", ...). Empty hint means any type.
	Structured map[string]string `json:"structured,omitempty"`
	// Freeform carries a textual shape description plus required keywords.
	Freeform *FreeformSchema `json:"freeform,omitempty"`
}

// FreeformSchema describes an unstructured expected answer.
type FreeformSchema struct {
	Description      string   `json:"description"`
	RequiredKeywords []string `json:"required_keywords,omitempty"`
}

// IsStructured reports whether the structured variant is in use.
func (e ExpectedSchema) IsStructured() bool {
	return len(e.Structured) > 0
}

// RefinementRule is one row of the static rule table consulted by the
// RefinementController when choosing how to rewrite a failed prompt.
type RefinementRule struct {
	RuleID             string
	Trigger            RefinementTrigger
	ProviderFilter      Provider // empty means "applies to any provider"
	Action             RefinementAction
	Priority           int // 1..5, higher wins ties
	MaxApplicableAttempt int
	SuccessRate        float64 // historical, read-only snapshot at controller start
}

// ProviderSession is the per-(process, provider) mutable state guarded by
// SessionRegistry's per-provider mutex. Fields here are never mutated
// directly by callers outside session.Registry.
type ProviderSession struct {
	Provider           Provider
	State              SessionState
	LastActivity        time.Time
	TotalRequests       int64
	SuccessfulRequests  int64
	MeanResponseTime    time.Duration
	// LatencySamples counts observations folded into MeanResponseTime, used
	// to compute the EMA's alpha (§4.5: alpha = 2/(n+1), n capped at 50) so
	// the average starts responsive and settles as more samples arrive.
	LatencySamples      int
	CurrentLoad         int
	MaxConcurrent       int
	MinInterval         time.Duration
	LastCallAt          time.Time
	Weight              float64
	SessionBlob         any // opaque, adapter-owned
}

// LoadMetric is a point-in-time snapshot of a provider's load.
type LoadMetric struct {
	Provider          Provider
	QueueLength       int
	MeanResponseTime  time.Duration
	SuccessRate       float64
	LoadFactor        float64 // current_load / max_concurrent
	CapacityScore     float64 // 1 - LoadFactor
	Timestamp         time.Time
}

// RequestRecord captures one (provider, prompt) request as sent.
type RequestRecord struct {
	RequestID       string
	Provider        Provider
	Prompt          string
	ExpectedSchema  ExpectedSchema
	Format          OutputFormat
	MaxRefinements  int
	QualityThreshold float64
	CreatedAt       time.Time
}

// AttemptRecord captures one refinement attempt within a request.
type AttemptRecord struct {
	AttemptID          string
	RequestID          string
	RefinementNumber   int // >= 1
	RuleID             string // which RefinementRule shaped this attempt's prompt, empty if the attempt-number fallback was used
	Trigger            RefinementTrigger
	RefinementPrompt    string
	ExpectedFix        string
	RawResponseSnippet string
	Success            bool
	QualityScore       float64
	Timestamp          time.Time
}

// ShapingRecord is an optional audit-trail row for one PromptShaper
// invocation, written only when persistence.record_shaping is enabled.
type ShapingRecord struct {
	RequestID  string
	Provider   Provider
	Category   string // "initial" or "refinement"
	Strategy   string
	TokenDelta int
}

// ResponseRecord captures the outcome of a (provider, request).
type ResponseRecord struct {
	ResponseID      string
	RequestID       string
	Provider        Provider
	RawText         string
	ParsedValue     any
	Status          ResponseStatus
	RefinementCount int
	QualityScore    float64
	ErrorKind       string
	Timestamp       time.Time
}

// ExecutionRecord is the top-level record of one Execute call.
type ExecutionRecord struct {
	ExecutionID     string
	OriginalPrompt  string
	TargetProviders []Provider
	ExecutionMode   ExecutionMode
	ExpectedOutput  ExpectedSchema
	Format          OutputFormat
	Priority        int
	CreatedAt       time.Time
	CompletedAt     time.Time
	ExecutionTime   time.Duration
	SuccessRate     float64
	PerProvider     map[Provider]*ResponseRecord
	Synthesis       *SynthesisResult
}

// AnalyzedAnswer is ResponseAnalyzer's output for one surviving answer.
type AnalyzedAnswer struct {
	Provider      Provider
	Content       string
	ResponseTime  time.Duration
	Status        ResponseStatus
	Confidence    float64
	ContentType   ContentType
	KeyFacts      []string
	Sources       []string
}

// Contradiction is one detected disagreement between two providers.
type Contradiction struct {
	ProviderA string
	ProviderB string
	ClaimA    string
	ClaimB    string
}

// SynthesisResult is Synthesizer's fused output.
type SynthesisResult struct {
	SynthesizedText   string
	Strategy          SynthesisStrategy
	Contributions     map[Provider]float64
	OverallConfidence float64
	Contradictions    []Contradiction
	UniqueInsights    map[Provider][]string
	Sources           []string
	ProcessingTime    time.Duration
}
