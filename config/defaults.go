// =============================================================================
// Default orchestrator configuration
// =============================================================================
package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Providers:   DefaultProvidersConfig(),
		Dispatcher:  DefaultDispatcherConfig(),
		Refinement:  DefaultRefinementConfig(),
		Synthesis:   DefaultSynthesisConfig(),
		Persistence: DefaultPersistenceConfig(),
		Log:         DefaultLogConfig(),
		Telemetry:   DefaultTelemetryConfig(),
	}
}

// DefaultProvidersConfig returns default per-provider settings, seeded from
// the reliability weights observed in the source implementation this system
// was distilled from.
func DefaultProvidersConfig() ProvidersConfig {
	return ProvidersConfig{
		Claude:     ProviderConfig{Weight: 0.95, MaxConcurrent: 3, MinInterval: 2 * time.Second, Timeout: 60 * time.Second, Model: "claude-sonnet-4-5"},
		Gemini:     ProviderConfig{Weight: 0.92, MaxConcurrent: 3, MinInterval: 2 * time.Second, Timeout: 60 * time.Second, Model: "gemini-2.5-flash"},
		Perplexity: ProviderConfig{Weight: 0.90, MaxConcurrent: 2, MinInterval: 3 * time.Second, Timeout: 60 * time.Second, Model: "sonar"},
		Local:      ProviderConfig{Weight: 0.80, MaxConcurrent: 2, MinInterval: 0, Timeout: 120 * time.Second, BaseURL: "http://localhost:11434/v1", Model: "llama3.1"},
	}
}

// DefaultDispatcherConfig returns default dispatcher settings.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		DefaultMode:        "parallel",
		QueueMultiplier:    2,
		LoadBalancedPacing: 150 * time.Millisecond,
	}
}

// DefaultRefinementConfig returns default refinement loop bounds.
func DefaultRefinementConfig() RefinementConfig {
	return RefinementConfig{
		MaxAttempts:        3,
		QualityThreshold:   0.8,
		AdapterRetryBudget: 2,
	}
}

// DefaultSynthesisConfig returns default synthesis settings.
func DefaultSynthesisConfig() SynthesisConfig {
	return SynthesisConfig{
		FallbackOnly: false,
	}
}

// DefaultPersistenceConfig returns default persistence settings: an embedded
// SQLite file store, matching the single-node-only non-goal of this system.
func DefaultPersistenceConfig() PersistenceConfig {
	return PersistenceConfig{
		Driver:         "sqlite",
		DSN:            "orchestrator.db",
		MigrationsPath: "file://internal/migration/sql",
	}
}

// DefaultLogConfig returns default logging settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns default telemetry settings.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "orchestrator",
		SampleRate:   0.1,
	}
}
