// Package dispatch implements the Dispatcher: it fans a shaped prompt out
// across the available providers according to an ExecutionMode, honoring
// per-provider pacing and back-pressure, and assembles the per-provider
// ResponseRecord map the caller consumes.
package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/cortexmux/orchestrator/adapters"
	"github.com/cortexmux/orchestrator/config"
	"github.com/cortexmux/orchestrator/domain"
	"github.com/cortexmux/orchestrator/internal/pool"
	"github.com/cortexmux/orchestrator/refine"
	"github.com/cortexmux/orchestrator/session"
	"github.com/cortexmux/orchestrator/shaper"
	"github.com/cortexmux/orchestrator/validate"
)

// Request bundles one call's dispatch parameters, mirroring the external
// ExecuteRequest shape but scoped to what the Dispatcher itself needs.
type Request struct {
	ExecutionID      string
	Prompt           string
	Providers        []domain.Provider
	ExpectedOutput   domain.ExpectedSchema
	Format           domain.OutputFormat
	Mode             domain.ExecutionMode
	Priority         int
	QualityThreshold float64
	MaxRefinements   int
	Deadline         time.Time
}

// Result is what one provider's dispatch produced.
type Result struct {
	Response domain.ResponseRecord
	Attempts []domain.AttemptRecord
	Shaping  []domain.ShapingRecord
}

// providerQueue bundles the back-pressure pool and pacing limiter for one
// provider.
type providerQueue struct {
	pool    *pool.GoroutinePool
	limiter *rate.Limiter
}

// Dispatcher is the Dispatch core's entry point.
type Dispatcher struct {
	registry  *session.Registry
	adapters  map[domain.Provider]adapters.Adapter
	shp       *shaper.Shaper
	validator *validate.Validator
	rules     []domain.RefinementRule
	weights   map[domain.Provider]float64

	cfg config.DispatcherConfig

	mu     sync.Mutex
	queues map[domain.Provider]*providerQueue

	logger *zap.Logger
}

// New builds a Dispatcher. providerCfg supplies per-provider MaxConcurrent
// and MinInterval used to size the back-pressure queue and pacing limiter.
func New(registry *session.Registry, ad map[domain.Provider]adapters.Adapter, shp *shaper.Shaper, validator *validate.Validator, rules []domain.RefinementRule, weights map[domain.Provider]float64, dispatcherCfg config.DispatcherConfig, providerCfg config.ProvidersConfig, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		registry:  registry,
		adapters:  ad,
		shp:       shp,
		validator: validator,
		rules:     rules,
		weights:   weights,
		cfg:       dispatcherCfg,
		queues:    make(map[domain.Provider]*providerQueue),
		logger:    logger,
	}
	d.buildQueues(providerCfg)
	return d
}

func (d *Dispatcher) buildQueues(cfg config.ProvidersConfig) {
	multiplier := d.cfg.QueueMultiplier
	if multiplier <= 0 {
		multiplier = 2
	}
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
		queueSize := maxConcurrent * multiplier
		var limiter *rate.Limiter
		if pc.MinInterval > 0 {
			limiter = rate.NewLimiter(rate.Every(pc.MinInterval), 1)
		}
		d.queues[provider] = &providerQueue{
			pool: pool.NewGoroutinePool(pool.GoroutinePoolConfig{
				MaxWorkers: maxConcurrent,
				QueueSize:  queueSize,
			}),
			limiter: limiter,
		}
	}
}

// Dispatch runs req across its providers per its ExecutionMode and
// returns the per-provider outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) map[domain.Provider]Result {
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	providers := d.availableProviders(req.Providers)

	switch req.Mode {
	case domain.ModeSequential:
		return d.runSequential(ctx, req, providers)
	case domain.ModePriorityBased:
		return d.runPriorityBased(ctx, req, providers)
	case domain.ModeLoadBalanced:
		return d.runLoadBalanced(ctx, req, providers)
	default:
		return d.runParallel(ctx, req, providers)
	}
}

func (d *Dispatcher) availableProviders(requested []domain.Provider) []domain.Provider {
	var out []domain.Provider
	for _, p := range requested {
		if _, ok := d.adapters[p]; !ok {
			continue
		}
		if d.registry.Available(p) {
			out = append(out, p)
		}
	}
	return out
}

func (d *Dispatcher) runParallel(ctx context.Context, req Request, providers []domain.Provider) map[domain.Provider]Result {
	results := make(map[domain.Provider]Result, len(providers))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range providers {
		p := p
		g.Go(func() error {
			res := d.runOne(gctx, req, p)
			mu.Lock()
			results[p] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (d *Dispatcher) runSequential(ctx context.Context, req Request, providers []domain.Provider) map[domain.Provider]Result {
	ordered := make([]domain.Provider, len(providers))
	copy(ordered, providers)
	sort.SliceStable(ordered, func(i, j int) bool {
		return d.registry.Snapshot(ordered[i]).MeanResponseTime < d.registry.Snapshot(ordered[j]).MeanResponseTime
	})

	results := make(map[domain.Provider]Result, len(ordered))
	for _, p := range ordered {
		if ctx.Err() != nil {
			break
		}
		results[p] = d.runOne(ctx, req, p)
	}
	return results
}

// computePriority implements §4.6's per-call priority formula: base
// priority adjusted by success rate, latency, and load, clamped to 1..5.
func (d *Dispatcher) computePriority(basePriority int, p domain.Provider) int {
	m := d.registry.LoadMetric(p)
	score := float64(basePriority)
	score += (m.SuccessRate - 0.5) * 2
	switch {
	case m.MeanResponseTime > 0 && m.MeanResponseTime < 2*time.Second:
		score += 0.5
	case m.MeanResponseTime > 10*time.Second:
		score -= 1
	}
	score -= m.LoadFactor * 2

	priority := int(score + 0.5)
	if priority < 1 {
		priority = 1
	}
	if priority > 5 {
		priority = 5
	}
	return priority
}

func (d *Dispatcher) runPriorityBased(ctx context.Context, req Request, providers []domain.Provider) map[domain.Provider]Result {
	type tiered struct {
		provider domain.Provider
		priority int
	}
	var ranked []tiered
	for _, p := range providers {
		ranked = append(ranked, tiered{p, d.computePriority(req.Priority, p)})
	}

	tierOf := func(priority int) int {
		switch {
		case priority >= 4:
			return 2
		case priority >= 2:
			return 1
		default:
			return 0
		}
	}

	results := make(map[domain.Provider]Result, len(ranked))
	for tier := 2; tier >= 0; tier-- {
		var batch []domain.Provider
		for _, r := range ranked {
			if _, done := results[r.provider]; done {
				continue
			}
			if tierOf(r.priority) == tier {
				batch = append(batch, r.provider)
			}
		}
		if len(batch) == 0 {
			continue
		}
		batchResults := d.runParallel(ctx, req, batch)
		for p, res := range batchResults {
			results[p] = res
		}
		if d.qualityBarMet(results, req.QualityThreshold) {
			break
		}
	}
	return results
}

func (d *Dispatcher) qualityBarMet(results map[domain.Provider]Result, threshold float64) bool {
	for _, r := range results {
		if r.Response.Status == domain.StatusCompleted && r.Response.QualityScore >= threshold {
			return true
		}
	}
	return false
}

// compositeScore implements the load_balanced mode's selection formula:
// 0.3*(1-load) + 0.3*1/(1+latency) + 0.2*success_rate + 0.2*capacity.
func (d *Dispatcher) compositeScore(p domain.Provider) float64 {
	m := d.registry.LoadMetric(p)
	latencySeconds := m.MeanResponseTime.Seconds()
	return 0.3*(1-m.LoadFactor) + 0.3*(1/(1+latencySeconds)) + 0.2*m.SuccessRate + 0.2*m.CapacityScore
}

func (d *Dispatcher) runLoadBalanced(ctx context.Context, req Request, providers []domain.Provider) map[domain.Provider]Result {
	results := make(map[domain.Provider]Result, len(providers))
	remaining := make([]domain.Provider, len(providers))
	copy(remaining, providers)

	pacing := d.cfg.LoadBalancedPacing
	first := true
	for len(remaining) > 0 {
		if ctx.Err() != nil {
			break
		}
		sort.SliceStable(remaining, func(i, j int) bool {
			return d.compositeScore(remaining[i]) > d.compositeScore(remaining[j])
		})
		best := remaining[0]
		remaining = remaining[1:]

		if !first && pacing > 0 {
			select {
			case <-time.After(pacing):
			case <-ctx.Done():
				return results
			}
		}
		first = false

		results[best] = d.runOne(ctx, req, best)
	}
	return results
}

// runOne acquires a session token, paces per min_interval, submits to the
// provider's back-pressure queue, and runs the refinement controller.
func (d *Dispatcher) runOne(ctx context.Context, req Request, p domain.Provider) Result {
	release, ok := d.registry.Acquire(p)
	if !ok {
		return Result{Response: rejectedResponse(req, p, "session_unavailable")}
	}

	var outcome refine.Outcome
	start := time.Now()

	q := d.queueFor(p)
	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			release(false, time.Since(start))
			return Result{Response: rejectedResponse(req, p, "deadline_exceeded")}
		}
	}

	done := make(chan struct{})
	submitErr := q.pool.Submit(ctx, func(taskCtx context.Context) error {
		defer close(done)
		controller := refine.New(d.adapters[p], d.shp, d.validator, d.rules, req.MaxRefinements, d.logger)
		reqRecord := domain.RequestRecord{
			RequestID:        domain.NewID(),
			Provider:         p,
			Prompt:           req.Prompt,
			ExpectedSchema:   req.ExpectedOutput,
			Format:           req.Format,
			MaxRefinements:   req.MaxRefinements,
			QualityThreshold: req.QualityThreshold,
			CreatedAt:        time.Now(),
		}
		outcome = controller.Run(taskCtx, reqRecord, domain.StrategyStructureEnforcement, req.Deadline)
		return nil
	})
	if submitErr == nil {
		select {
		case <-done:
		case <-ctx.Done():
			submitErr = ctx.Err()
		}
	}

	success := submitErr == nil && outcome.Response.Status == domain.StatusCompleted
	release(success, time.Since(start))

	if submitErr != nil {
		d.logger.Warn("provider queue rejected task", zap.String("provider", string(p)), zap.Error(submitErr))
		return Result{Response: rejectedResponse(req, p, "queued_rejected")}
	}

	return Result{Response: outcome.Response, Attempts: outcome.Attempts, Shaping: outcome.Shaping}
}

func (d *Dispatcher) queueFor(p domain.Provider) *providerQueue {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q, ok := d.queues[p]; ok {
		return q
	}
	q := &providerQueue{pool: pool.NewGoroutinePool(pool.DefaultGoroutinePoolConfig())}
	d.queues[p] = q
	return q
}

func rejectedResponse(req Request, p domain.Provider, kind string) domain.ResponseRecord {
	return domain.ResponseRecord{
		ResponseID: domain.NewID(),
		Provider:   p,
		Status:     domain.StatusFailed,
		ErrorKind:  kind,
		Timestamp:  time.Now(),
	}
}

// Close releases every provider queue's worker pool.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, q := range d.queues {
		q.pool.Close()
	}
}
