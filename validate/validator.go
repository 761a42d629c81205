// Package validate implements the OutputValidator: it scores a provider's
// raw answer against the caller's ExpectedSchema/OutputFormat and, when the
// score falls short, emits the specific issues that drive the refinement
// loop's trigger classification.
package validate

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/cortexmux/orchestrator/domain"
)

// Component weights for the overall quality score. They must sum to 1.0.
const (
	weightFormat       = 0.30
	weightStructure    = 0.30
	weightCompleteness = 0.20
	weightAccuracy     = 0.20
)

// Issue is one concrete validation failure, tagged with the refinement
// trigger it should raise.
type Issue struct {
	Trigger domain.RefinementTrigger
	Detail  string
}

// Result is the OutputValidator's verdict for one response.
type Result struct {
	QualityScore float64
	FormatScore  float64
	StructureScore float64
	CompletenessScore float64
	AccuracyScore float64
	Issues       []Issue
	Passed       bool
}

// Validator is the OutputValidator.
type Validator struct {
	// QualityThreshold is the minimum QualityScore a response must reach
	// to be considered Passed.
	QualityThreshold float64
}

// New builds a Validator with the given pass/fail threshold.
func New(qualityThreshold float64) *Validator {
	return &Validator{QualityThreshold: qualityThreshold}
}

var xmlTagRE = regexp.MustCompile(`<([a-zA-Z_][\w:-]*)[^>]*>`)
var xmlCloseRE = regexp.MustCompile(`</([a-zA-Z_][\w:-]*)>`)

// Validate scores raw against format/schema and returns the verdict.
func (v *Validator) Validate(raw string, format domain.OutputFormat, schema domain.ExpectedSchema) Result {
	var issues []Issue

	formatScore, formatIssues := v.scoreFormat(raw, format)
	issues = append(issues, formatIssues...)

	structureScore, structureIssues := v.scoreStructure(raw, format, schema)
	issues = append(issues, structureIssues...)

	completenessScore, completenessIssues := v.scoreCompleteness(raw)
	issues = append(issues, completenessIssues...)

	accuracyScore, accuracyIssues := v.scoreAccuracy(raw, schema)
	issues = append(issues, accuracyIssues...)

	overall := weightFormat*formatScore + weightStructure*structureScore +
		weightCompleteness*completenessScore + weightAccuracy*accuracyScore

	return Result{
		QualityScore:      overall,
		FormatScore:       formatScore,
		StructureScore:    structureScore,
		CompletenessScore: completenessScore,
		AccuracyScore:     accuracyScore,
		Issues:            issues,
		Passed:            overall >= v.QualityThreshold && len(issues) == 0,
	}
}

func (v *Validator) scoreFormat(raw string, format domain.OutputFormat) (float64, []Issue) {
	trimmed := strings.TrimSpace(raw)
	switch format {
	case domain.FormatJSON:
		var js any
		if err := json.Unmarshal([]byte(trimmed), &js); err == nil {
			return 1.0, nil
		}
		// The whole response isn't a clean JSON document; give fractional
		// credit if it merely contains a parseable JSON object/array amid
		// prose (§4.3), so the dominant issue is still format_mismatch but
		// the score isn't zeroed out.
		if obj, ok := extractJSONObject(trimmed); ok {
			var js2 any
			if json.Unmarshal([]byte(obj), &js2) == nil {
				return 0.5, []Issue{{domain.TriggerFormatMismatch, "response contains a JSON object but is not itself valid JSON (extra surrounding text)"}}
			}
		}
		return 0.0, []Issue{{domain.TriggerFormatMismatch, "response is not valid JSON and contains no parseable JSON object"}}
	case domain.FormatXML:
		opens := xmlTagRE.FindAllStringSubmatch(trimmed, -1)
		closes := xmlCloseRE.FindAllStringSubmatch(trimmed, -1)
		if len(opens) == 0 || len(opens) != len(closes) {
			return 0.3, []Issue{{domain.TriggerFormatMismatch, "XML tags are unbalanced or missing"}}
		}
		return 1.0, nil
	case domain.FormatMarkdown:
		if strings.ContainsAny(trimmed, "#*-") || strings.Contains(trimmed, "```") {
			return 1.0, nil
		}
		return 0.6, nil
	case domain.FormatStructuredText:
		if strings.Contains(trimmed, ":") || strings.Contains(trimmed, "\n") {
			return 1.0, nil
		}
		return 0.4, []Issue{{domain.TriggerFormatMismatch, "structured text response has no field labels"}}
	default:
		return 1.0, nil
	}
}

// extractJSONObject finds the outermost {...} or [...] span in text, if
// any, using matching bracket type first encountered.
func extractJSONObject(text string) (string, bool) {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", false
	}
	open, close := byte('{'), byte('}')
	if text[start] == '[' {
		open, close = '[', ']'
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// scoreStructure implements §4.3's structure compliance: the fraction of
// required schema keys present at the top level of the parsed value, or
// the fraction of required keywords present in freeform mode. JSON
// carriers additionally get a bracket-balance check, folded in here
// since an unbalanced document is itself a structure_error — the score
// is the lesser of the bracket check and the key/keyword fraction.
func (v *Validator) scoreStructure(raw string, format domain.OutputFormat, schema domain.ExpectedSchema) (float64, []Issue) {
	trimmed := strings.TrimSpace(raw)
	var issues []Issue

	bracketScore := 1.0
	if format == domain.FormatJSON {
		depth := 0
		unbalanced := false
		for _, r := range trimmed {
			switch r {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
				if depth < 0 {
					unbalanced = true
				}
			}
		}
		if unbalanced {
			bracketScore = 0.2
			issues = append(issues, Issue{domain.TriggerStructureError, "unbalanced closing bracket in JSON"})
		} else if depth != 0 {
			bracketScore = 0.2
			issues = append(issues, Issue{domain.TriggerStructureError, "unbalanced brackets in JSON"})
		}
	}

	fieldScore, fieldIssues := structureFieldScore(trimmed, schema)
	issues = append(issues, fieldIssues...)

	score := fieldScore
	if bracketScore < score {
		score = bracketScore
	}
	return score, issues
}

// structureFieldScore is the required-keys/keywords fraction half of
// scoreStructure, split out for readability.
func structureFieldScore(trimmed string, schema domain.ExpectedSchema) (float64, []Issue) {
	if !schema.IsStructured() {
		if schema.Freeform != nil && len(schema.Freeform.RequiredKeywords) > 0 {
			return scoreKeywords(trimmed, schema.Freeform.RequiredKeywords)
		}
		return 1.0, nil
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		// Non-JSON carriers (structured_text/markdown/xml) are checked by
		// substring presence of the field name instead of key lookup.
		return scoreKeywords(trimmed, keysOf(schema.Structured))
	}

	var missing []string
	for field := range schema.Structured {
		if _, ok := parsed[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) == 0 {
		return 1.0, nil
	}
	score := 1.0 - float64(len(missing))/float64(len(schema.Structured))
	if score < 0 {
		score = 0
	}
	var issues []Issue
	for _, f := range missing {
		issues = append(issues, Issue{domain.TriggerMissingFields, "missing required field: " + f})
	}
	return score, issues
}

// scoreCompleteness implements §4.3's completeness dimension: a
// piecewise-linear function of len(text) that saturates at 200
// characters, independent of the expected schema.
func (v *Validator) scoreCompleteness(raw string) (float64, []Issue) {
	trimmed := strings.TrimSpace(raw)
	length := len(trimmed)
	if length == 0 {
		return 0.0, []Issue{{domain.TriggerIncompleteResponse, "response is empty"}}
	}

	score := float64(length) / 200.0
	if score > 1.0 {
		score = 1.0
	}

	var issues []Issue
	if length < 10 {
		issues = append(issues, Issue{domain.TriggerIncompleteResponse, "response is too short to be useful"})
	}
	return score, issues
}

// scoreAccuracy implements §4.3's accuracy heuristic: it penalises hedging
// vocabulary and rewards assertive language, blended with a type-match
// score when the caller gave a structured schema with value-type hints.
func (v *Validator) scoreAccuracy(raw string, schema domain.ExpectedSchema) (float64, []Issue) {
	assertiveness, hedgeIssues := scoreAssertiveness(raw)

	if !schema.IsStructured() {
		return assertiveness, hedgeIssues
	}

	trimmed := strings.TrimSpace(raw)
	var parsed map[string]any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return assertiveness, hedgeIssues // format scoring already flagged the format problem
	}

	total, ok := 0, 0
	issues := hedgeIssues
	for field, kind := range schema.Structured {
		val, present := parsed[field]
		if !present || kind == "" {
			continue
		}
		total++
		if typeMatches(val, kind) {
			ok++
		} else {
			issues = append(issues, Issue{domain.TriggerInvalidData, "field " + field + " has the wrong type, expected " + kind})
		}
	}
	if total == 0 {
		return assertiveness, issues
	}
	typeScore := float64(ok) / float64(total)
	return (assertiveness + typeScore) / 2, issues
}

var assertiveMarkers = []string{"clearly", "definitely", "certainly", "is", "will", "always", "never"}

// scoreAssertiveness starts from 1.0, deducts for each hedging word present
// (domain.HedgingWords, shared with the confidence scorer), and restores
// a small amount of credit when assertive markers are also present.
func scoreAssertiveness(raw string) (float64, []Issue) {
	lower := strings.ToLower(raw)
	score := 1.0
	var issues []Issue
	for _, h := range domain.HedgingWords() {
		if strings.Contains(lower, h) {
			score -= 0.15
			issues = append(issues, Issue{domain.TriggerContentMismatch, "hedging language reduces assertiveness: " + h})
		}
	}
	if score < 1.0 {
		for _, a := range assertiveMarkers {
			if strings.Contains(lower, a) {
				score += 0.05
				break
			}
		}
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, issues
}

func typeMatches(val any, kind string) bool {
	switch kind {
	case "string":
		_, ok := val.(string)
		return ok
	case "number":
		_, ok := val.(float64)
		return ok
	case "boolean":
		_, ok := val.(bool)
		return ok
	case "array":
		_, ok := val.([]any)
		return ok
	case "object":
		_, ok := val.(map[string]any)
		return ok
	default:
		return true
	}
}

func keysOf(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func scoreKeywords(text string, keywords []string) (float64, []Issue) {
	if len(keywords) == 0 {
		return 1.0, nil
	}
	lower := strings.ToLower(text)
	var missing []string
	for _, k := range keywords {
		if !strings.Contains(lower, strings.ToLower(k)) {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return 1.0, nil
	}
	score := 1.0 - float64(len(missing))/float64(len(keywords))
	if score < 0 {
		score = 0
	}
	var issues []Issue
	for _, k := range missing {
		issues = append(issues, Issue{domain.TriggerMissingFields, "expected content missing: " + k})
	}
	return score, issues
}

// PrimaryTrigger returns the highest-priority trigger among res.Issues, for
// callers (the refinement controller) that need a single classification
// rather than the full issue list. Priority order mirrors the severity a
// reader would assign: structural breakage first, then missing data, then
// softer content mismatches.
func (res Result) PrimaryTrigger() (domain.RefinementTrigger, bool) {
	if len(res.Issues) == 0 {
		return "", false
	}
	order := []domain.RefinementTrigger{
		domain.TriggerStructureError,
		domain.TriggerFormatMismatch,
		domain.TriggerMissingFields,
		domain.TriggerInvalidData,
		domain.TriggerIncompleteResponse,
		domain.TriggerContentMismatch,
	}
	present := make(map[domain.RefinementTrigger]bool, len(res.Issues))
	for _, issue := range res.Issues {
		present[issue.Trigger] = true
	}
	for _, t := range order {
		if present[t] {
			return t, true
		}
	}
	return res.Issues[0].Trigger, true
}

// DebugString renders a quality score as a fixed-precision string, used by
// log statements that want a stable format instead of Go's %v rounding.
func DebugString(score float64) string {
	return strconv.FormatFloat(score, 'f', 3, 64)
}
