// =============================================================================
// Orchestrator configuration loader
// =============================================================================
// Unified config loading: YAML file + environment variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("ORCHESTRATOR").
//	    Load()
//
// Priority: defaults -> YAML file -> environment variables
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Core configuration structure
// =============================================================================

// Config is the complete orchestrator configuration.
type Config struct {
	Providers   ProvidersConfig   `yaml:"providers" env:"PROVIDERS"`
	Dispatcher  DispatcherConfig  `yaml:"dispatcher" env:"DISPATCHER"`
	Refinement  RefinementConfig  `yaml:"refinement" env:"REFINEMENT"`
	Synthesis   SynthesisConfig   `yaml:"synthesis" env:"SYNTHESIS"`
	Persistence PersistenceConfig `yaml:"persistence" env:"PERSISTENCE"`
	Log         LogConfig         `yaml:"log" env:"LOG"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" env:"TELEMETRY"`
}

// ProvidersConfig holds the per-provider settings, one field per provider
// (claude, gemini, perplexity, local). Each field is reached by the env-var
// walker below as well as by YAML.
type ProvidersConfig struct {
	Claude     ProviderConfig `yaml:"claude" env:"CLAUDE"`
	Gemini     ProviderConfig `yaml:"gemini" env:"GEMINI"`
	Perplexity ProviderConfig `yaml:"perplexity" env:"PERPLEXITY"`
	Local      ProviderConfig `yaml:"local" env:"LOCAL"`
}

// ProviderConfig is the per-provider configuration surface of spec section 6.
type ProviderConfig struct {
	// Weight is the base reliability weight used in confidence scoring.
	Weight float64 `yaml:"weight" env:"WEIGHT"`
	// MaxConcurrent caps in-flight calls per provider.
	MaxConcurrent int `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	// MinInterval is the minimum duration between calls to this provider.
	MinInterval time.Duration `yaml:"min_interval" env:"MIN_INTERVAL"`
	APIKey      string        `yaml:"api_key" env:"API_KEY"`
	BaseURL     string        `yaml:"base_url" env:"BASE_URL"`
	Model       string        `yaml:"model" env:"MODEL"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// DispatcherConfig controls fan-out behavior.
type DispatcherConfig struct {
	// DefaultMode is one of parallel, sequential, priority_based, load_balanced.
	DefaultMode string `yaml:"default_mode" env:"DEFAULT_MODE"`
	// QueueMultiplier sets the per-provider back-pressure queue size as a
	// multiple of that provider's max_concurrent.
	QueueMultiplier int `yaml:"queue_multiplier" env:"QUEUE_MULTIPLIER"`
	// LoadBalancedPacing is the delay inserted between picks in load_balanced mode.
	LoadBalancedPacing time.Duration `yaml:"load_balanced_pacing" env:"LOAD_BALANCED_PACING"`
}

// RefinementConfig bounds the refinement loop.
type RefinementConfig struct {
	// MaxAttempts is the hard upper bound on attempts per request.
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// QualityThreshold is the default threshold when a caller omits one.
	QualityThreshold float64 `yaml:"quality_threshold" env:"QUALITY_THRESHOLD"`
	// AdapterRetryBudget bounds adapter-level transport retries per attempt.
	AdapterRetryBudget int `yaml:"adapter_retry_budget" env:"ADAPTER_RETRY_BUDGET"`
}

// SynthesisConfig controls response fusion.
type SynthesisConfig struct {
	// FallbackOnly, when true, skips LLM fusion and always uses labeled concatenation.
	FallbackOnly bool `yaml:"fallback_only" env:"FALLBACK_ONLY"`
}

// PersistenceConfig selects the record-store backend.
type PersistenceConfig struct {
	// Driver is "sqlite" (default, embedded) or "postgres".
	Driver string `yaml:"driver" env:"DRIVER"`
	// DSN is the driver-specific connection string or file path.
	DSN string `yaml:"dsn" env:"DSN"`
	// MigrationsPath is carried in the config but not read; the migrator
	// always applies its embedded SQL files.
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH"`
	// RecordShaping enables PromptShaper's optional audit trail (§11);
	// off by default to keep the hot path allocation-light.
	RecordShaping bool `yaml:"record_shaping" env:"RECORD_SHAPING"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level            string   `yaml:"level" env:"LEVEL"`
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// Loader
// =============================================================================

// Loader loads configuration with the builder pattern.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "ORCHESTRATOR",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML config file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a configuration validator.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load loads configuration. Priority: defaults -> YAML file -> env vars.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// MustLoad loads configuration, panicking on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	for name, p := range c.allProviders() {
		if p.MaxConcurrent <= 0 {
			errs = append(errs, fmt.Sprintf("%s.max_concurrent must be positive", name))
		}
		if p.Weight < 0 || p.Weight > 1 {
			errs = append(errs, fmt.Sprintf("%s.weight must be in [0,1]", name))
		}
	}

	if c.Refinement.MaxAttempts <= 0 || c.Refinement.MaxAttempts > 10 {
		errs = append(errs, "refinement.max_attempts must be in [1,10]")
	}
	if c.Refinement.QualityThreshold < 0 || c.Refinement.QualityThreshold > 1 {
		errs = append(errs, "refinement.quality_threshold must be in [0,1]")
	}
	if c.Persistence.Driver != "sqlite" && c.Persistence.Driver != "postgres" {
		errs = append(errs, "persistence.driver must be sqlite or postgres")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) allProviders() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		"claude":     c.Providers.Claude,
		"gemini":     c.Providers.Gemini,
		"perplexity": c.Providers.Perplexity,
		"local":      c.Providers.Local,
	}
}
