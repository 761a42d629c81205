package llm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// HealthMonitor tracks per-provider health derived from active HealthCheck
// probes (via Probe/UpdateProbe) plus a per-provider QPS counter. Unlike
// the source this was adapted from, it has no database dependency: health
// here is purely a function of the Provider contract's own HealthCheck,
// not a historical call-log table this repo's persistence layer doesn't
// carry.
type HealthMonitor struct {
	mu          sync.RWMutex
	healthScore map[string]float64             // provider_code -> score (0-1)
	qpsCounter  map[string]*QPSCounter         // provider_code -> QPS counter
	probe       map[string]ProviderProbeResult // provider_code -> active probe result
	registry    *ProviderRegistry
	ctx         context.Context
	cancel      context.CancelFunc

	// onHealthChange, if set, is called after every Probe with the
	// provider's latest healthy/unhealthy verdict, letting a caller (the
	// SessionRegistry) fold active health probing into its own state
	// without HealthMonitor needing to know about sessions.
	onHealthChange func(providerCode string, healthy bool)
}

type QPSCounter struct {
	lastSec atomic.Int64
	buckets [60]atomic.Int64
	maxQPS  atomic.Int64 // configured max QPS (0 = unlimited)
}

type ProviderHealthStats struct {
	ProviderCode string
	HealthScore  float64
	CurrentQPS   int
	ErrorRate    float64
	LatencyP95   time.Duration
	LastCheckAt  time.Time
}

type ProviderProbeResult struct {
	Healthy     bool
	Latency     time.Duration
	ErrorRate   float64
	LastError   string
	LastCheckAt time.Time
}

// NewHealthMonitor builds a HealthMonitor that probes every provider
// registered in registry. registry may be nil; IncrementQPS/UpdateProbe
// still work without it, only Run has nothing to iterate.
func NewHealthMonitor(registry *ProviderRegistry) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &HealthMonitor{
		healthScore: make(map[string]float64),
		qpsCounter:  make(map[string]*QPSCounter),
		probe:       make(map[string]ProviderProbeResult),
		registry:    registry,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// OnHealthChange installs the callback HealthMonitor notifies after each
// probe. Call before Run.
func (m *HealthMonitor) OnHealthChange(f func(providerCode string, healthy bool)) {
	m.onHealthChange = f
}

func (m *HealthMonitor) Stop() {
	m.cancel()
}

// GetHealthScore reports the Provider's health score in [0,1].
// Takes the write lock because getCurrentQPSUnsafe's bumpWindow mutates
// counter state.
func (m *HealthMonitor) GetHealthScore(providerCode string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if probe, ok := m.probe[providerCode]; ok && !probe.Healthy {
		return 0.0 // active probe failed, trip the breaker directly
	}

	if counter, exists := m.qpsCounter[providerCode]; exists && counter.maxQPS.Load() > 0 {
		currentQPS := m.getCurrentQPSUnsafe(providerCode)
		if currentQPS >= int(counter.maxQPS.Load()) {
			return 0.0 // over the configured QPS budget
		}
	}

	if score, exists := m.healthScore[providerCode]; exists {
		return score
	}
	return 1.0 // healthy by default until proven otherwise
}

// GetCurrentQPS reports the current QPS for providerCode.
func (m *HealthMonitor) GetCurrentQPS(providerCode string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getCurrentQPSUnsafe(providerCode)
}

func (m *HealthMonitor) getCurrentQPSUnsafe(providerCode string) int {
	counter, exists := m.qpsCounter[providerCode]
	if !exists {
		return 0
	}
	now := time.Now()
	counter.bumpWindow(now.Unix())
	var total int64
	for i := range counter.buckets {
		total += counter.buckets[i].Load()
	}
	if total < 0 {
		return 0
	}
	return int(total)
}

// IncrementQPS records one request against providerCode's rolling window.
func (m *HealthMonitor) IncrementQPS(providerCode string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.qpsCounter[providerCode]; !exists {
		m.qpsCounter[providerCode] = newQPSCounter(time.Now())
	}

	counter := m.qpsCounter[providerCode]
	now := time.Now().Unix()
	counter.bumpWindow(now)
	counter.buckets[now%60].Add(1)
}

// SetMaxQPS sets providerCode's max QPS (0 = unlimited).
func (m *HealthMonitor) SetMaxQPS(providerCode string, maxQPS int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.qpsCounter[providerCode]; !exists {
		m.qpsCounter[providerCode] = newQPSCounter(time.Now())
	}
	m.qpsCounter[providerCode].maxQPS.Store(int64(maxQPS))
}

// GetAllProviderStats reports every tracked provider's current stats.
// Takes the write lock because getCurrentQPSUnsafe's bumpWindow mutates
// counter state.
func (m *HealthMonitor) GetAllProviderStats() []ProviderHealthStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := make([]ProviderHealthStats, 0, len(m.healthScore))
	for providerCode, score := range m.healthScore {
		lastCheckAt := time.Now()
		errorRate := 0.0
		latency := time.Duration(0)
		if probe, ok := m.probe[providerCode]; ok {
			if !probe.LastCheckAt.IsZero() {
				lastCheckAt = probe.LastCheckAt
			}
			errorRate = probe.ErrorRate
			latency = probe.Latency
		}
		stats = append(stats, ProviderHealthStats{
			ProviderCode: providerCode,
			HealthScore:  score,
			CurrentQPS:   m.getCurrentQPSUnsafe(providerCode),
			ErrorRate:    errorRate,
			LatencyP95:   latency,
			LastCheckAt:  lastCheckAt,
		})
	}
	return stats
}

// UpdateProbe records the outcome of an out-of-band health check for
// providerCode (e.g. one run by a caller that already had a HealthStatus
// in hand, rather than going through Probe).
func (m *HealthMonitor) UpdateProbe(providerCode string, st *HealthStatus, err error) {
	if providerCode == "" {
		return
	}
	now := time.Now()
	res := ProviderProbeResult{Healthy: false, LastCheckAt: now}
	if st != nil {
		res.Healthy = st.Healthy
		res.Latency = st.Latency
		res.ErrorRate = st.ErrorRate
	}
	if err != nil {
		res.Healthy = false
		res.LastError = err.Error()
	}
	m.mu.Lock()
	m.probe[providerCode] = res
	m.mu.Unlock()
}

// Probe runs one HealthCheck against provider, records the outcome,
// updates the health score, emits the llm_provider_health_check_* metrics,
// and notifies onHealthChange if set.
func (m *HealthMonitor) Probe(ctx context.Context, providerCode string, provider Provider) {
	start := time.Now()
	status, err := provider.HealthCheck(ctx)
	latency := time.Since(start)

	m.UpdateProbe(providerCode, status, err)

	healthy := err == nil && status != nil && status.Healthy
	observeProviderHealthCheck(providerCode, healthy, latency, err)

	m.mu.Lock()
	switch {
	case healthy:
		m.healthScore[providerCode] = 1.0
	case status != nil:
		m.healthScore[providerCode] = 0.2
	default:
		m.healthScore[providerCode] = 0.0
	}
	m.mu.Unlock()

	if m.onHealthChange != nil {
		m.onHealthChange(providerCode, healthy)
	}
}

// Run probes every provider in registry once immediately, then again
// every interval, until Stop is called. Intended to run in its own
// goroutine.
func (m *HealthMonitor) Run(interval time.Duration) {
	m.probeAll()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.probeAll()
		}
	}
}

func (m *HealthMonitor) probeAll() {
	if m.registry == nil {
		return
	}
	for _, name := range m.registry.List() {
		provider, ok := m.registry.Get(name)
		if !ok {
			continue
		}
		m.Probe(m.ctx, name, provider)
	}
}

func newQPSCounter(now time.Time) *QPSCounter {
	c := &QPSCounter{}
	c.lastSec.Store(now.Unix())
	c.maxQPS.Store(0)
	return c
}

func (c *QPSCounter) bumpWindow(nowSec int64) {
	prev := c.lastSec.Load()
	for nowSec > prev {
		if c.lastSec.CompareAndSwap(prev, nowSec) {
			gap := nowSec - prev
			if gap >= 60 {
				for i := range c.buckets {
					c.buckets[i].Store(0)
				}
				return
			}
			for s := prev + 1; s <= nowSec; s++ {
				c.buckets[s%60].Store(0)
			}
			return
		}
		prev = c.lastSec.Load()
	}
}
