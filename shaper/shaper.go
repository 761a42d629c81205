// Package shaper implements the PromptShaper: it turns a caller's raw
// prompt plus an ExpectedSchema/OutputFormat hint into per-provider text
// carrying explicit machine-readable structure, and it turns a
// RefinementAction into a follow-up prompt when a provider's answer fails
// validation.
package shaper

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/cortexmux/orchestrator/domain"
)

// encodingName is the tokenizer model used for token accounting. cl100k_base
// covers every provider in scope closely enough for a budget estimate;
// exact per-provider tokenizers are not worth the added dependency surface.
const encodingName = "cl100k_base"

var tokenMinimizationPatterns = []struct {
	pattern *regexp.Regexp
	repl    string
}{
	{regexp.MustCompile(`(?i)\bplease\b`), ""},
	{regexp.MustCompile(`(?i)\bkindly\b`), ""},
	{regexp.MustCompile(`(?i)\bwould you\b`), ""},
	{regexp.MustCompile(`(?i)\bi would like you to\b`), ""},
	{regexp.MustCompile(`(?i)\bcan you\b`), ""},
	{regexp.MustCompile(`\s+`), " "},
}

var imperativePrefix = regexp.MustCompile(`(?i)^(can|could|would) you\s+`)

var structureEnforcement = map[domain.OutputFormat]string{
	domain.FormatJSON:          "Return only valid JSON. Do not include text before or after the JSON object.",
	domain.FormatStructuredText: "Use structured text with clear field labels, one per line.",
	domain.FormatMarkdown:       "Use proper markdown formatting.",
	domain.FormatXML:            "Return valid XML with properly closed tags.",
}

var precisionAdditions = map[domain.Provider]string{
	domain.ProviderClaude:     "Be precise and analytical.",
	domain.ProviderGemini:     "Provide accurate, factual information.",
	domain.ProviderPerplexity: "Focus on relevant, current, well-sourced information.",
	domain.ProviderLocal:      "Answer directly and concisely.",
}

var serviceClosings = map[domain.Provider]string{
	domain.ProviderClaude:     "Be precise and follow the format exactly. Do not add explanations or extra text.",
	domain.ProviderGemini:     "Ensure the output is machine-readable and parseable.",
	domain.ProviderPerplexity: "Provide structured, factual information in the specified format.",
	domain.ProviderLocal:      "Respond only with the requested format.",
}

var refinementInstructions = map[domain.RefinementAction]string{
	domain.ActionClarifyFormat:      "Your previous response did not match the required format. Re-read the format instructions and respond again using exactly that shape.",
	domain.ActionRequestMissingData: "Your previous response was missing required fields. Include every required field listed below, even if the value is unknown.",
	domain.ActionFixStructure:       "Your previous response had a structural error (unbalanced braces/tags, or fields out of place). Fix the structure and resend the full corrected response.",
	domain.ActionProvideExamples:    "Your previous response did not contain data of the right shape. Here is an example of the expected shape to imitate.",
	domain.ActionSimplifyRequest:    "Your previous response was incomplete, likely because the request was too broad. Answer a narrower version of the same request completely.",
	domain.ActionSplitRequest:       "Your previous response was incomplete. Answer only the first part below; further parts will follow in later turns.",
}

// Shaper is the PromptShaper.
type Shaper struct {
	enc *tiktoken.Tiktoken
}

// New builds a Shaper. If the tiktoken encoding cannot be loaded, token
// counts fall back to a whitespace-split approximation rather than
// failing construction.
func New() *Shaper {
	enc, _ := tiktoken.GetEncoding(encodingName)
	return &Shaper{enc: enc}
}

func (s *Shaper) tokenCount(text string) int {
	if s.enc != nil {
		return len(s.enc.Encode(text, nil, nil))
	}
	return len(strings.Fields(text))
}

// Shaped is the result of shaping one prompt for one provider.
type Shaped struct {
	OriginalPrompt string
	ShapedPrompt   string
	Provider       domain.Provider
	Format         domain.OutputFormat
	Strategy       domain.ShapingStrategy
	TokenReduction int
	ClarityScore   float64
	StructureScore float64
}

// Shape applies the given strategy plus format structure and validation
// instructions for provider p, returning the final prompt to send.
//
// Applying Shape to an already-shaped prompt with the same strategy,
// format, and provider is idempotent: the structure/validation blocks are
// only appended once because enforceStructure, addMachineLanguageStructure
// and addValidationChecklist check existing content before appending.
func (s *Shaper) Shape(prompt string, p domain.Provider, format domain.OutputFormat, schema domain.ExpectedSchema, strategy domain.ShapingStrategy) Shaped {
	optimized := s.applyStrategy(prompt, p, strategy)
	optimized = s.enforceStructure(optimized, format)
	structured := s.addMachineLanguageStructure(optimized, schema, format, p)
	final := s.addValidationChecklist(structured)

	return Shaped{
		OriginalPrompt: prompt,
		ShapedPrompt:   final,
		Provider:       p,
		Format:         format,
		Strategy:       strategy,
		TokenReduction: max0(s.tokenCount(prompt) - s.tokenCount(final)),
		ClarityScore:   s.assessClarity(final),
		StructureScore: s.assessStructureCompliance(final, format),
	}
}

func (s *Shaper) applyStrategy(prompt string, p domain.Provider, strategy domain.ShapingStrategy) string {
	switch strategy {
	case domain.StrategyTokenMinimization:
		return s.minimizeTokens(prompt)
	case domain.StrategyClarityMaximization:
		return s.maximizeClarity(prompt)
	case domain.StrategyPrecisionTargeting:
		return s.targetPrecision(prompt, p)
	case domain.StrategyStructureEnforcement:
		fallthrough
	default:
		return prompt
	}
}

func (s *Shaper) minimizeTokens(prompt string) string {
	out := prompt
	for _, r := range tokenMinimizationPatterns {
		out = r.pattern.ReplaceAllString(out, r.repl)
	}
	return strings.TrimSpace(out)
}

func (s *Shaper) maximizeClarity(prompt string) string {
	out := prompt
	if imperativePrefix.MatchString(out) {
		out = imperativePrefix.ReplaceAllString(out, "")
		if out != "" {
			out = strings.ToUpper(out[:1]) + out[1:]
		}
	}
	if !strings.HasSuffix(out, ".") && !strings.HasSuffix(out, "?") && !strings.HasSuffix(out, "!") {
		out += "."
	}
	return out
}

func (s *Shaper) targetPrecision(prompt string, p domain.Provider) string {
	addition := precisionAdditions[p]
	if addition == "" || strings.Contains(prompt, addition) {
		return prompt
	}
	return prompt + " " + addition
}

func (s *Shaper) enforceStructure(prompt string, format domain.OutputFormat) string {
	enforcement := structureEnforcement[format]
	if enforcement == "" || strings.Contains(prompt, enforcement) {
		return prompt
	}
	return prompt + " " + enforcement
}

func (s *Shaper) addMachineLanguageStructure(prompt string, schema domain.ExpectedSchema, format domain.OutputFormat, p domain.Provider) string {
	if strings.Contains(prompt, "CRITICAL:") {
		// Already carries a machine-readable structural block from a prior
		// Shape call; appending another would break idempotence (§8).
		return prompt
	}
	shapeDesc := describeSchema(schema)
	var instruction string
	switch format {
	case domain.FormatJSON:
		instruction = fmt.Sprintf("CRITICAL: Your response must be valid JSON with this shape:\n%s\n\nDo not include any text before or after the JSON. Start with { and end with }.", shapeDesc)
	case domain.FormatStructuredText:
		instruction = fmt.Sprintf("CRITICAL: Format your response exactly as follows:\n%s\n\nUse the exact field names shown above.", shapeDesc)
	case domain.FormatMarkdown:
		instruction = fmt.Sprintf("CRITICAL: Use markdown with this shape:\n%s", shapeDesc)
	case domain.FormatXML:
		instruction = fmt.Sprintf("CRITICAL: Provide XML output with this shape:\n%s\n\nEnsure proper opening and closing tags.", shapeDesc)
	}

	closing := serviceClosings[p]
	if instruction == "" {
		return strings.TrimRight(prompt+"\n\n"+closing, "\n ")
	}
	return fmt.Sprintf("%s\n\n%s\n\n%s", prompt, instruction, closing)
}

func (s *Shaper) addValidationChecklist(prompt string) string {
	if strings.Contains(prompt, "VALIDATION CHECKLIST") {
		return prompt
	}
	return prompt + "\n\nVALIDATION CHECKLIST before responding:\n" +
		"1. Response matches the exact format specified\n" +
		"2. All required fields are included\n" +
		"3. Data types are correct\n" +
		"4. No extra text outside the specified format\n" +
		"If any check fails, correct it before responding."
}

func describeSchema(schema domain.ExpectedSchema) string {
	if schema.IsStructured() {
		var b strings.Builder
		for field, kind := range schema.Structured {
			if kind == "" {
				kind = "any"
			}
			fmt.Fprintf(&b, "- %s (%s)\n", field, kind)
		}
		return b.String()
	}
	if schema.Freeform != nil {
		return schema.Freeform.Description
	}
	return "(no explicit shape given)"
}

func (s *Shaper) assessClarity(prompt string) float64 {
	score := 0.5
	if strings.ContainsAny(prompt, ":-") || strings.Contains(prompt, "1.") {
		score += 0.2
	}
	if !imperativePrefix.MatchString(prompt) {
		score += 0.1
	}
	lower := strings.ToLower(prompt)
	for _, w := range []string{"exact", "specific", "precise", "must"} {
		if strings.Contains(lower, w) {
			score += 0.1
			break
		}
	}
	words := len(strings.Fields(prompt))
	if words >= 20 && words <= 400 {
		score += 0.1
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// assessStructureCompliance is the heuristic structure-compliance score
// named in §4.2: how much of the shaped prompt's machine-readable
// scaffolding (schema block, format directive, validation checklist)
// actually made it into the final text.
func (s *Shaper) assessStructureCompliance(prompt string, format domain.OutputFormat) float64 {
	score := 0.0
	if strings.Contains(prompt, "CRITICAL:") {
		score += 0.4
	}
	if strings.Contains(prompt, "VALIDATION CHECKLIST") {
		score += 0.3
	}
	if enforcement := structureEnforcement[format]; enforcement != "" && strings.Contains(prompt, enforcement) {
		score += 0.3
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// RefinementPrompt builds the follow-up prompt sent after a validation
// failure, per the action the refinement controller chose for the trigger.
func (s *Shaper) RefinementPrompt(originalPrompt, failedOutput string, schema domain.ExpectedSchema, trigger domain.RefinementTrigger, action domain.RefinementAction, issues []string) string {
	const maxSnippet = 500
	snippet := failedOutput
	if len(snippet) > maxSnippet {
		snippet = snippet[:maxSnippet]
	}

	var issueLines strings.Builder
	for _, issue := range issues {
		fmt.Fprintf(&issueLines, "- %s\n", issue)
	}

	instruction := refinementInstructions[action]
	if instruction == "" {
		instruction = "Correct the issues below and resend the full response."
	}

	return fmt.Sprintf(
		"%s\n\nPrevious issues (%s):\n%s\nOriginal request: %s\nPrevious output (truncated): %s\nExpected shape:\n%s\n\nProvide the corrected response:",
		instruction, trigger, issueLines.String(), originalPrompt, snippet, describeSchema(schema),
	)
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
