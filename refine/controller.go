// Package refine implements the RefinementController: the per-(provider,
// request) state machine that sends a prompt, validates the answer, and
// when it falls short of the quality threshold rewrites and resends it
// up to a bounded number of times.
package refine

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cortexmux/orchestrator/adapters"
	"github.com/cortexmux/orchestrator/domain"
	"github.com/cortexmux/orchestrator/shaper"
	"github.com/cortexmux/orchestrator/types"
	"github.com/cortexmux/orchestrator/validate"
)

// Outcome is the terminal result of one controller run for one provider.
type Outcome struct {
	Response domain.ResponseRecord
	Attempts []domain.AttemptRecord
	// Shaping records every PromptShaper invocation this run made. Callers
	// only need to persist these when persistence.record_shaping is set.
	Shaping []domain.ShapingRecord
}

// Controller runs the send/validate/refine loop for a single (provider,
// request) pair. A fresh Controller is built per request; the RuleStats
// snapshot it's given is immutable for the controller's lifetime so that
// concurrent requests observe a consistent rule table (§4.4).
type Controller struct {
	adapter        adapters.Adapter
	shaper         *shaper.Shaper
	validator      *validate.Validator
	rules          []domain.RefinementRule
	maxRefinements int
	logger         *zap.Logger

	// pendingRuleID names the rule (if any, vs. the attempt-number
	// fallback) that shaped the prompt for the attempt about to run, so the
	// resulting AttemptRecord can be traced back to it for RecordRuleOutcome.
	pendingRuleID string
}

// New builds a Controller. rules should be an immutable snapshot taken
// once per execution (or once at process start), not re-fetched per
// attempt.
func New(adapter adapters.Adapter, shp *shaper.Shaper, validator *validate.Validator, rules []domain.RefinementRule, maxRefinements int, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		adapter:        adapter,
		shaper:         shp,
		validator:      validator,
		rules:          rules,
		maxRefinements: maxRefinements,
		logger:         logger,
	}
}

// Run executes the state machine described in §4.4 for req, shaping with
// strategy for the initial send. deadline, if non-zero, is passed through
// to every adapter call.
func (c *Controller) Run(ctx context.Context, req domain.RequestRecord, strategy domain.ShapingStrategy, deadline time.Time) Outcome {
	prompt := req.Prompt
	var shaping []domain.ShapingRecord
	if c.shaper != nil {
		shaped := c.shaper.Shape(req.Prompt, req.Provider, req.Format, req.ExpectedSchema, strategy)
		prompt = shaped.ShapedPrompt
		shaping = append(shaping, domain.ShapingRecord{
			RequestID:  req.RequestID,
			Provider:   req.Provider,
			Category:   "initial",
			Strategy:   string(strategy),
			TokenDelta: shaped.TokenReduction,
		})
	}

	var attempts []domain.AttemptRecord

	for attempt := 1; ; attempt++ {
		attemptDeadline := c.attemptDeadline(deadline, attempt)
		raw, latency, err := c.adapter.Send(ctx, prompt, attemptDeadline)

		if err != nil {
			if isAuthError(err) {
				c.logger.Warn("refinement controller aborting on auth error",
					zap.String("request_id", req.RequestID), zap.String("provider", string(req.Provider)))
				return Outcome{
					Response: failedResponse(req, "auth", attempt-1),
					Attempts: attempts,
					Shaping:  shaping,
				}
			}

			// Transport/timeout errors count as an attempt and are re-routed
			// as a synthetic incomplete_response issue rather than aborting.
			transportResult := validate.Result{
				Issues: []validate.Issue{{Trigger: domain.TriggerIncompleteResponse, Detail: err.Error()}},
			}
			attempts = append(attempts, c.recordAttempt(req, attempt, transportResult, "", false))
			if attempt >= c.effectiveMax() {
				return Outcome{Response: failedResponse(req, "timeout", attempt), Attempts: attempts, Shaping: shaping}
			}
			prompt, shaping = c.nextPrompt(req, "", transportResult, attempt, shaping)
			continue
		}

		result := c.validator.Validate(raw, req.Format, req.ExpectedSchema)

		if result.QualityScore >= req.QualityThreshold {
			attempts = append(attempts, c.recordAttempt(req, attempt, result, raw, true))
			return Outcome{
				Response: completedResponse(req, raw, result, attempt-1, latency),
				Attempts: attempts,
				Shaping:  shaping,
			}
		}

		attempts = append(attempts, c.recordAttempt(req, attempt, result, raw, false))

		if attempt >= c.effectiveMax() {
			return Outcome{
				Response: refinementExhaustedResponse(req, raw, result, attempt),
				Attempts: attempts,
				Shaping:  shaping,
			}
		}

		prompt, shaping = c.nextPrompt(req, raw, result, attempt, shaping)

		select {
		case <-ctx.Done():
			return Outcome{Response: failedResponse(req, "timeout", attempt), Attempts: attempts, Shaping: shaping}
		default:
		}
	}
}

// attemptDeadline implements §5's per-attempt deadline split: remaining
// wall-clock time divided evenly across the attempts still available
// (max_refinements - attempt + 1), so one slow attempt can't silently eat
// the budget the later refinement attempts depend on. A zero overall
// deadline (no caller-supplied bound) passes through unchanged.
func (c *Controller) attemptDeadline(deadline time.Time, attempt int) time.Time {
	if deadline.IsZero() {
		return deadline
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return deadline
	}
	share := c.effectiveMax() - attempt + 1
	if share <= 0 {
		share = 1
	}
	return time.Now().Add(remaining / time.Duration(share))
}

func (c *Controller) effectiveMax() int {
	if c.maxRefinements <= 0 {
		return 1
	}
	return c.maxRefinements
}

func (c *Controller) nextPrompt(req domain.RequestRecord, raw string, result validate.Result, attempt int, shaping []domain.ShapingRecord) (string, []domain.ShapingRecord) {
	trigger, ok := result.PrimaryTrigger()
	if !ok {
		trigger = domain.TriggerIncompleteResponse
	}
	rule, matched := c.pickRule(trigger, req.Provider, attempt)
	action := rule.Action
	if matched {
		c.pendingRuleID = rule.RuleID
	} else {
		c.pendingRuleID = ""
	}

	var issues []string
	for _, iss := range result.Issues {
		issues = append(issues, iss.Detail)
	}
	if c.shaper == nil {
		return req.Prompt, shaping
	}
	shaping = append(shaping, domain.ShapingRecord{
		RequestID: req.RequestID,
		Provider:  req.Provider,
		Category:  "refinement",
		Strategy:  string(action),
	})
	return c.shaper.RefinementPrompt(req.Prompt, raw, req.ExpectedSchema, trigger, action, issues), shaping
}

// pickAction implements §4.4's rule-selection algorithm and returns just
// the chosen action; see pickRule for the rule-table match itself.
func (c *Controller) pickAction(trigger domain.RefinementTrigger, provider domain.Provider, attempt int) domain.RefinementAction {
	rule, _ := c.pickRule(trigger, provider, attempt)
	return rule.Action
}

// pickRule implements §4.4's rule-selection algorithm: among rules matching
// trigger/provider/attempt, pick highest priority, tie-break by historical
// success rate. matched is false when nothing in the table applies and the
// attempt-number fallback progression was used instead; in that case the
// returned rule carries only the fallback Action, no RuleID.
func (c *Controller) pickRule(trigger domain.RefinementTrigger, provider domain.Provider, attempt int) (rule domain.RefinementRule, matched bool) {
	var candidates []domain.RefinementRule
	for _, r := range c.rules {
		if r.Trigger != trigger {
			continue
		}
		if r.ProviderFilter != "" && r.ProviderFilter != provider {
			continue
		}
		if r.MaxApplicableAttempt > 0 && attempt > r.MaxApplicableAttempt {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) > 0 {
		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].Priority != candidates[j].Priority {
				return candidates[i].Priority > candidates[j].Priority
			}
			return candidates[i].SuccessRate > candidates[j].SuccessRate
		})
		return candidates[0], true
	}

	var fallback domain.RefinementAction
	switch {
	case attempt <= 1:
		fallback = domain.ActionClarifyFormat
	case attempt == 2:
		fallback = domain.ActionProvideExamples
	default:
		fallback = domain.ActionSimplifyRequest
	}
	return domain.RefinementRule{Action: fallback}, false
}

func (c *Controller) recordAttempt(req domain.RequestRecord, attempt int, result validate.Result, raw string, success bool) domain.AttemptRecord {
	trigger, _ := result.PrimaryTrigger()
	snippet := raw
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	ruleID := c.pendingRuleID
	c.pendingRuleID = ""
	return domain.AttemptRecord{
		AttemptID:          domain.NewID(),
		RequestID:          req.RequestID,
		RefinementNumber:   attempt,
		RuleID:             ruleID,
		Trigger:            trigger,
		RawResponseSnippet: snippet,
		Success:            success,
		QualityScore:       result.QualityScore,
		Timestamp:          time.Now(),
	}
}

func completedResponse(req domain.RequestRecord, raw string, result validate.Result, refinementCount int, _ time.Duration) domain.ResponseRecord {
	return domain.ResponseRecord{
		ResponseID:      domain.NewID(),
		RequestID:       req.RequestID,
		Provider:        req.Provider,
		RawText:         raw,
		ParsedValue:     parseValue(raw, req.Format),
		Status:          domain.StatusCompleted,
		RefinementCount: refinementCount,
		QualityScore:    result.QualityScore,
		Timestamp:       time.Now(),
	}
}

func refinementExhaustedResponse(req domain.RequestRecord, raw string, result validate.Result, refinementCount int) domain.ResponseRecord {
	return domain.ResponseRecord{
		ResponseID:      domain.NewID(),
		RequestID:       req.RequestID,
		Provider:        req.Provider,
		RawText:         raw,
		ParsedValue:     parseValue(raw, req.Format),
		Status:          domain.StatusFailed,
		RefinementCount: refinementCount,
		QualityScore:    result.QualityScore,
		ErrorKind:       "refinement_exhausted",
		Timestamp:       time.Now(),
	}
}

func failedResponse(req domain.RequestRecord, errorKind string, refinementCount int) domain.ResponseRecord {
	return domain.ResponseRecord{
		ResponseID:      domain.NewID(),
		RequestID:       req.RequestID,
		Provider:        req.Provider,
		Status:          domain.StatusFailed,
		RefinementCount: refinementCount,
		ErrorKind:       errorKind,
		Timestamp:       time.Now(),
	}
}

func parseValue(raw string, format domain.OutputFormat) any {
	if format != domain.FormatJSON {
		return raw
	}
	trimmed := strings.TrimSpace(raw)
	start := strings.IndexAny(trimmed, "{[")
	if start < 0 {
		return raw
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed[start:]), &v); err != nil {
		return raw
	}
	return v
}

// isAuthError reports whether err corresponds to an unretryable
// authorization failure, per §7's error taxonomy.
func isAuthError(err error) bool {
	var terr *types.Error
	if errors.As(err, &terr) {
		return terr.Code == types.ErrAuthentication || terr.Code == types.ErrUnauthorized || terr.Code == types.ErrForbidden
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") || strings.Contains(msg, "authentication")
}
