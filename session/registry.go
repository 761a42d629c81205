// Package session tracks per-provider call state: concurrency in flight,
// pacing between calls, and a running health/latency picture the dispatcher
// and the load-balanced execution mode consult before routing a request.
package session

import (
	"sync"
	"time"

	"github.com/cortexmux/orchestrator/domain"
)

// emaSampleCap bounds the sample count used to compute the EMA's alpha
// (§4.5: alpha = 2/(n+1), n capped at 50), so the average keeps a floor of
// responsiveness instead of flattening out entirely over a long-lived
// session.
const emaSampleCap = 50

// emaAlpha returns the EMA weight for the n-th sample folded into
// MeanResponseTime, per §4.5's alpha = 2/(n+1) with n capped at 50.
func emaAlpha(n int) float64 {
	if n > emaSampleCap {
		n = emaSampleCap
	}
	return 2.0 / float64(n+1)
}

// providerState is the mutable bookkeeping for a single provider, guarded
// by its own mutex so that a slow provider never blocks lookups for the
// others.
type providerState struct {
	mu      sync.Mutex
	session domain.ProviderSession
}

// Registry is the SessionRegistry: it hands out admission tickets per
// provider (respecting MaxConcurrent and MinInterval), and keeps a rolling
// picture of load and latency for LoadMetric snapshots.
type Registry struct {
	states map[domain.Provider]*providerState
}

// New builds a Registry seeded with one entry per provider in cfg. Callers
// that never register a provider still get well-defined zero-value
// behavior (Acquire immediately succeeds, no concurrency cap).
func New(cfg map[domain.Provider]domain.ProviderSession) *Registry {
	r := &Registry{states: make(map[domain.Provider]*providerState, len(cfg))}
	for p, s := range cfg {
		s.Provider = p
		if s.State == "" {
			s.State = domain.SessionInactive
		}
		r.states[p] = &providerState{session: s}
	}
	return r
}

func (r *Registry) stateFor(p domain.Provider) *providerState {
	st, ok := r.states[p]
	if !ok {
		st = &providerState{session: domain.ProviderSession{Provider: p, State: domain.SessionInactive, Weight: 1.0}}
		r.states[p] = st
	}
	return st
}

// Available reports whether provider p currently has spare concurrency and
// has respected its minimum inter-call interval.
func (r *Registry) Available(p domain.Provider) bool {
	st := r.stateFor(p)
	st.mu.Lock()
	defer st.mu.Unlock()
	return r.availableLocked(st)
}

func (r *Registry) availableLocked(st *providerState) bool {
	s := &st.session
	if s.State == domain.SessionMaintenance || s.State == domain.SessionError {
		return false
	}
	if s.MaxConcurrent > 0 && s.CurrentLoad >= s.MaxConcurrent {
		return false
	}
	if s.MinInterval > 0 && !s.LastCallAt.IsZero() && time.Since(s.LastCallAt) < s.MinInterval {
		return false
	}
	return true
}

// Release is returned by Acquire; calling it records the call's outcome
// and frees the concurrency slot.
type Release func(success bool, latency time.Duration)

// Acquire blocks no goroutines: it either grants an admission ticket for p
// immediately (ok == true) or reports that p has no spare capacity right
// now (ok == false), so the dispatcher can try another provider or wait.
func (r *Registry) Acquire(p domain.Provider) (release Release, ok bool) {
	st := r.stateFor(p)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !r.availableLocked(st) {
		return nil, false
	}

	s := &st.session
	s.CurrentLoad++
	s.LastCallAt = time.Now()
	s.State = domain.SessionBusy
	s.TotalRequests++

	return func(success bool, latency time.Duration) {
		st.mu.Lock()
		defer st.mu.Unlock()
		s.CurrentLoad--
		if s.CurrentLoad < 0 {
			s.CurrentLoad = 0
		}
		if success {
			s.SuccessfulRequests++
		}
		s.LatencySamples++
		if s.MeanResponseTime == 0 {
			s.MeanResponseTime = latency
		} else {
			alpha := emaAlpha(s.LatencySamples)
			s.MeanResponseTime = time.Duration(alpha*float64(latency) + (1-alpha)*float64(s.MeanResponseTime))
		}
		s.LastActivity = time.Now()
		if s.CurrentLoad == 0 && s.State == domain.SessionBusy {
			s.State = domain.SessionActive
		}
	}, true
}

// Snapshot returns a copy of the current session state for p.
func (r *Registry) Snapshot(p domain.Provider) domain.ProviderSession {
	st := r.stateFor(p)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.session
}

// LoadMetric computes a point-in-time LoadMetric for p from its snapshot.
func (r *Registry) LoadMetric(p domain.Provider) domain.LoadMetric {
	st := r.stateFor(p)
	st.mu.Lock()
	defer st.mu.Unlock()
	s := st.session

	var successRate float64 = 1.0
	if s.TotalRequests > 0 {
		successRate = float64(s.SuccessfulRequests) / float64(s.TotalRequests)
	}
	var loadFactor float64
	if s.MaxConcurrent > 0 {
		loadFactor = float64(s.CurrentLoad) / float64(s.MaxConcurrent)
	}

	return domain.LoadMetric{
		Provider:         p,
		QueueLength:      s.CurrentLoad,
		MeanResponseTime: s.MeanResponseTime,
		SuccessRate:      successRate,
		LoadFactor:       loadFactor,
		CapacityScore:    1 - loadFactor,
		Timestamp:        time.Now(),
	}
}

// MarkMaintenance flips a provider in or out of maintenance, excluding or
// re-admitting it from Acquire regardless of concurrency/pacing state.
func (r *Registry) MarkMaintenance(p domain.Provider, down bool) {
	st := r.stateFor(p)
	st.mu.Lock()
	defer st.mu.Unlock()
	if down {
		st.session.State = domain.SessionMaintenance
	} else if st.session.CurrentLoad == 0 {
		st.session.State = domain.SessionActive
	}
}

// Providers returns the set of providers this registry currently tracks.
func (r *Registry) Providers() []domain.Provider {
	out := make([]domain.Provider, 0, len(r.states))
	for p := range r.states {
		out = append(out, p)
	}
	return out
}
