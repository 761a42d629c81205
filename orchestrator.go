// Package orchestrator wires the Dispatch core, Refinement loop, and
// Synthesis core together behind one entry point: Execute. It is the
// top-level assembly the HTTP layer, CLI, or any other caller holds.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cortexmux/orchestrator/adapters"
	"github.com/cortexmux/orchestrator/analyze"
	"github.com/cortexmux/orchestrator/config"
	"github.com/cortexmux/orchestrator/dispatch"
	"github.com/cortexmux/orchestrator/domain"
	"github.com/cortexmux/orchestrator/internal/migration"
	"github.com/cortexmux/orchestrator/llm"
	"github.com/cortexmux/orchestrator/persist"
	"github.com/cortexmux/orchestrator/session"
	"github.com/cortexmux/orchestrator/shaper"
	"github.com/cortexmux/orchestrator/synth"
	"github.com/cortexmux/orchestrator/validate"
)

// ExecuteRequest is the caller-facing request shape for one orchestrated
// call, per the external interface surface.
type ExecuteRequest struct {
	Prompt           string
	Providers        []domain.Provider
	ExpectedOutput   domain.ExpectedSchema
	Format           domain.OutputFormat
	Mode             domain.ExecutionMode
	Priority         int
	QualityThreshold float64
	MaxRefinements   int
	Deadline         time.Duration
}

// healthCheckInterval is how often Orchestrator re-probes every provider's
// Provider.HealthCheck to keep SessionRegistry's maintenance flag current.
const healthCheckInterval = 60 * time.Second

// Orchestrator assembles every component of the system and exposes the
// single Execute entry point.
type Orchestrator struct {
	cfg           *config.Config
	registry      *session.Registry
	dispatcher    *dispatch.Dispatcher
	analyzer      *analyze.Analyzer
	synth         *synth.Synthesizer
	store         *persist.Store
	healthMonitor *llm.HealthMonitor
	processID     string
	logger        *zap.Logger
}

// New builds an Orchestrator from cfg: it constructs the provider
// adapters, seeds the session registry, runs pending persistence
// migrations, and wires the dispatcher, analyzer, and synthesizer. The
// returned Orchestrator owns a live database connection; callers should
// call Close when done.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("orchestrator: config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ad, providerRegistry, err := adapters.New(cfg.Providers, logger)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: build provider adapters: %w", err)
	}

	localLLM, err := adapters.NewLocalLLM(cfg.Providers.Local, logger)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: build local llm: %w", err)
	}

	weights := domain.DefaultProviderWeights()
	for provider, w := range map[domain.Provider]float64{
		domain.ProviderClaude:     cfg.Providers.Claude.Weight,
		domain.ProviderGemini:     cfg.Providers.Gemini.Weight,
		domain.ProviderPerplexity: cfg.Providers.Perplexity.Weight,
		domain.ProviderLocal:      cfg.Providers.Local.Weight,
	} {
		if w > 0 {
			weights[provider] = w
		}
	}

	registry := session.New(seedSessions(cfg.Providers, weights))

	healthMonitor := llm.NewHealthMonitor(providerRegistry)
	healthMonitor.OnHealthChange(func(providerCode string, healthy bool) {
		registry.MarkMaintenance(domain.Provider(providerCode), !healthy)
	})

	migrator, err := migration.NewMigratorFromPersistenceConfig(cfg.Persistence)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: build migrator: %w", err)
	}
	if err := migrator.Up(ctx); err != nil {
		return nil, fmt.Errorf("orchestrator: run migrations: %w", err)
	}

	store, err := persist.Open(cfg.Persistence, logger)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open persistence layer: %w", err)
	}

	rules, err := snapshotRules(ctx, store, logger)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: snapshot rule table: %w", err)
	}

	shp := shaper.New()
	validator := validate.New(cfg.Refinement.QualityThreshold)
	dispatcher := dispatch.New(registry, ad, shp, validator, rules, weights, cfg.Dispatcher, cfg.Providers, logger)
	analyzer := analyze.New(weights, localLLM, logger)
	synthesizer := synth.New(localLLM, cfg.Synthesis.FallbackOnly, logger)

	go healthMonitor.Run(healthCheckInterval)

	return &Orchestrator{
		cfg:           cfg,
		registry:      registry,
		dispatcher:    dispatcher,
		analyzer:      analyzer,
		synth:         synthesizer,
		store:         store,
		healthMonitor: healthMonitor,
		processID:     domain.NewID(),
		logger:        logger,
	}, nil
}

// Close releases the persistence layer's connection pool, stops the
// provider health-check loop, and every provider queue's worker pool.
func (o *Orchestrator) Close() error {
	o.healthMonitor.Stop()
	o.dispatcher.Close()
	return o.store.Close()
}

func seedSessions(cfg config.ProvidersConfig, weights map[domain.Provider]float64) map[domain.Provider]domain.ProviderSession {
	out := make(map[domain.Provider]domain.ProviderSession, 4)
	for provider, pc := range map[domain.Provider]config.ProviderConfig{
		domain.ProviderClaude:     cfg.Claude,
		domain.ProviderGemini:     cfg.Gemini,
		domain.ProviderPerplexity: cfg.Perplexity,
		domain.ProviderLocal:      cfg.Local,
	} {
		maxConcurrent := pc.MaxConcurrent
		if maxConcurrent <= 0 {
			maxConcurrent = 1
		}
		out[provider] = domain.ProviderSession{
			Provider:      provider,
			State:         domain.SessionActive,
			MaxConcurrent: maxConcurrent,
			MinInterval:   pc.MinInterval,
			Weight:        weights[provider],
		}
	}
	return out
}

// snapshotRules takes the immutable rule-table snapshot (§4.4, §11):
// static rules overlaid with the persisted historical success rate, read
// once per Orchestrator lifetime.
func snapshotRules(ctx context.Context, store *persist.Store, logger *zap.Logger) ([]domain.RefinementRule, error) {
	rules := domain.DefaultRefinementRules()
	rates, err := store.RuleSuccessRates(ctx)
	if err != nil {
		logger.Warn("could not load historical rule success rates, using static defaults", zap.Error(err))
		return rules, nil
	}
	for i, r := range rules {
		if rate, ok := rates[r.RuleID+"|"+string(r.ProviderFilter)]; ok {
			rules[i].SuccessRate = rate
		}
	}
	return rules, nil
}

func resolveMode(cfg config.DispatcherConfig, requested domain.ExecutionMode) domain.ExecutionMode {
	if requested != "" {
		return requested
	}
	switch domain.ExecutionMode(cfg.DefaultMode) {
	case domain.ModeSequential, domain.ModePriorityBased, domain.ModeLoadBalanced:
		return domain.ExecutionMode(cfg.DefaultMode)
	default:
		return domain.ModeParallel
	}
}

// Execute runs one orchestrated call across req.Providers, refining and
// synthesizing per the component design, and returns the completed
// ExecutionRecord. Execute never returns an error for per-provider
// failures; callers inspect PerProvider[p].Status for those. A non-nil
// error here means the call could not even be attempted.
func (o *Orchestrator) Execute(ctx context.Context, req ExecuteRequest) (*domain.ExecutionRecord, error) {
	if len(req.Providers) == 0 {
		return nil, fmt.Errorf("orchestrator: at least one provider is required")
	}

	threshold := req.QualityThreshold
	if threshold <= 0 {
		threshold = o.cfg.Refinement.QualityThreshold
	}
	maxRefinements := req.MaxRefinements
	if maxRefinements <= 0 {
		maxRefinements = o.cfg.Refinement.MaxAttempts
	}
	mode := resolveMode(o.cfg.Dispatcher, req.Mode)

	var deadline time.Time
	if req.Deadline > 0 {
		deadline = time.Now().Add(req.Deadline)
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	execution := &domain.ExecutionRecord{
		ExecutionID:     domain.NewID(),
		OriginalPrompt:  req.Prompt,
		TargetProviders: req.Providers,
		ExecutionMode:   mode,
		ExpectedOutput:  req.ExpectedOutput,
		Format:          req.Format,
		Priority:        req.Priority,
		CreatedAt:       time.Now(),
		PerProvider:     make(map[domain.Provider]*domain.ResponseRecord, len(req.Providers)),
	}

	results := o.dispatcher.Dispatch(ctx, dispatch.Request{
		ExecutionID:      execution.ExecutionID,
		Prompt:           req.Prompt,
		Providers:        req.Providers,
		ExpectedOutput:   req.ExpectedOutput,
		Format:           req.Format,
		Mode:             mode,
		Priority:         req.Priority,
		QualityThreshold: threshold,
		MaxRefinements:   maxRefinements,
		Deadline:         deadline,
	})

	var completed, attempted int
	var analyzed []domain.AnalyzedAnswer
	for p, res := range results {
		response := res.Response
		execution.PerProvider[p] = &response
		attempted++
		if response.Status == domain.StatusCompleted {
			completed++
			content := response.RawText
			analyzed = append(analyzed, o.analyzer.Analyze(ctx, p, content, 0, response.Status))
		}
		o.persistOutcome(ctx, execution.ExecutionID, p, req, threshold, maxRefinements, response, res.Attempts, res.Shaping)
	}

	if attempted > 0 {
		execution.SuccessRate = float64(completed) / float64(attempted)
	}

	synthesisResult := o.synth.Synthesize(ctx, req.Prompt, analyzed)
	execution.Synthesis = &synthesisResult

	execution.CompletedAt = time.Now()
	execution.ExecutionTime = execution.CompletedAt.Sub(execution.CreatedAt)

	if err := o.store.SaveExecution(ctx, *execution); err != nil {
		o.logger.Warn("persistence write failed for execution", zap.String("execution_id", execution.ExecutionID), zap.Error(err))
	}

	return execution, nil
}

func (o *Orchestrator) persistOutcome(ctx context.Context, executionID string, p domain.Provider, req ExecuteRequest, threshold float64, maxRefinements int, response domain.ResponseRecord, attempts []domain.AttemptRecord, shaping []domain.ShapingRecord) {
	requestRecord := domain.RequestRecord{
		RequestID:        domain.NewID(),
		Provider:         p,
		Prompt:           req.Prompt,
		ExpectedSchema:   req.ExpectedOutput,
		Format:           req.Format,
		MaxRefinements:   maxRefinements,
		QualityThreshold: threshold,
		CreatedAt:        time.Now(),
	}
	if err := o.store.SaveRequest(ctx, executionID, requestRecord); err != nil {
		o.logger.Warn("persistence write failed for request", zap.Error(err))
	}
	for _, a := range attempts {
		a.RequestID = requestRecord.RequestID
		if err := o.store.SaveAttempt(ctx, a); err != nil {
			o.logger.Warn("persistence write failed for attempt", zap.Error(err))
		}
		if a.RuleID != "" {
			if err := o.store.RecordRuleOutcome(ctx, a.RuleID, p, a.Success); err != nil {
				o.logger.Warn("persistence write failed for rule outcome", zap.Error(err))
			}
		}
	}
	if o.cfg.Persistence.RecordShaping {
		for _, sh := range shaping {
			sh.RequestID = requestRecord.RequestID
			if err := o.store.RecordShaping(ctx, sh.RequestID, sh.Provider, sh.Category, sh.Strategy, sh.TokenDelta); err != nil {
				o.logger.Warn("persistence write failed for shaping record", zap.Error(err))
			}
		}
	}
	response.RequestID = requestRecord.RequestID
	if err := o.store.SaveResponse(ctx, response); err != nil {
		o.logger.Warn("persistence write failed for response", zap.Error(err))
	}
}
