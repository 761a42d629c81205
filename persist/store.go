// Package persist implements the PersistenceLayer: a relational record
// store for executions, requests, attempts, responses, provider sessions,
// load metrics, and the rule/rule-stats tables, backed by GORM over an
// embedded SQLite database by default or Postgres when configured.
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/cortexmux/orchestrator/config"
	"github.com/cortexmux/orchestrator/domain"
)

// Store is the PersistenceLayer. Schema setup and evolution is owned
// entirely by internal/migration; Store never auto-migrates.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to the configured backend. It does not run migrations;
// callers run internal/migration.NewMigratorFromPersistenceConfig(cfg).Up
// once at process start before constructing a Store.
func Open(cfg config.PersistenceConfig, zlog *zap.Logger) (*Store, error) {
	if zlog == nil {
		zlog = zap.NewNop()
	}

	gcfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("persist: unsupported driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, gcfg)
	if err != nil {
		return nil, fmt.Errorf("persist: open %s: %w", cfg.Driver, err)
	}
	return &Store{db: db, logger: zlog}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- GORM row models, mirroring internal/migration's schema ---

type executionRow struct {
	ExecutionID     string `gorm:"column:execution_id;primaryKey"`
	OriginalPrompt  string `gorm:"column:original_prompt"`
	TargetProviders string `gorm:"column:target_providers"`
	ExecutionMode   string `gorm:"column:execution_mode"`
	ExpectedOutput  string `gorm:"column:expected_output"`
	Format          string `gorm:"column:format"`
	Priority        int    `gorm:"column:priority"`
	CreatedAt       time.Time `gorm:"column:created_at"`
	CompletedAt     *time.Time `gorm:"column:completed_at"`
	ExecutionTime   float64 `gorm:"column:execution_time_seconds"`
	SuccessRate     float64 `gorm:"column:success_rate"`
}

func (executionRow) TableName() string { return "executions" }

type requestRow struct {
	RequestID        string  `gorm:"column:request_id;primaryKey"`
	ExecutionID      string  `gorm:"column:execution_id"`
	Provider         string  `gorm:"column:provider"`
	Prompt           string  `gorm:"column:prompt"`
	ExpectedSchema   string  `gorm:"column:expected_schema"`
	Format           string  `gorm:"column:format"`
	MaxRefinements   int     `gorm:"column:max_refinements"`
	QualityThreshold float64 `gorm:"column:quality_threshold"`
	CreatedAt        time.Time `gorm:"column:created_at"`
}

func (requestRow) TableName() string { return "requests" }

type attemptRow struct {
	AttemptID          string  `gorm:"column:attempt_id;primaryKey"`
	RequestID          string  `gorm:"column:request_id"`
	RefinementNumber   int     `gorm:"column:refinement_number"`
	RuleID             string  `gorm:"column:rule_id"`
	Trigger            string  `gorm:"column:trigger"`
	RefinementPrompt   string  `gorm:"column:refinement_prompt"`
	ExpectedFix        string  `gorm:"column:expected_fix"`
	RawResponseSnippet string  `gorm:"column:raw_response_snippet"`
	Success            bool    `gorm:"column:success"`
	QualityScore       float64 `gorm:"column:quality_score"`
	CreatedAt          time.Time `gorm:"column:created_at"`
}

func (attemptRow) TableName() string { return "attempts" }

type responseRow struct {
	ResponseID      string  `gorm:"column:response_id;primaryKey"`
	RequestID       string  `gorm:"column:request_id"`
	Provider        string  `gorm:"column:provider"`
	RawText         string  `gorm:"column:raw_text"`
	ParsedValue     string  `gorm:"column:parsed_value"`
	Status          string  `gorm:"column:status"`
	RefinementCount int     `gorm:"column:refinement_count"`
	QualityScore    float64 `gorm:"column:quality_score"`
	ErrorKind       string  `gorm:"column:error_kind"`
	CreatedAt       time.Time `gorm:"column:created_at"`
}

func (responseRow) TableName() string { return "responses" }

type providerSessionRow struct {
	ProcessID           string    `gorm:"column:process_id;primaryKey"`
	Provider            string    `gorm:"column:provider;primaryKey"`
	State               string    `gorm:"column:state"`
	LastActivity        *time.Time `gorm:"column:last_activity"`
	TotalRequests       int64     `gorm:"column:total_requests"`
	SuccessfulRequests  int64     `gorm:"column:successful_requests"`
	MeanResponseTimeMs  int64     `gorm:"column:mean_response_time_ms"`
	CurrentLoad         int       `gorm:"column:current_load"`
	MaxConcurrent       int       `gorm:"column:max_concurrent"`
}

func (providerSessionRow) TableName() string { return "provider_sessions" }

type loadMetricRow struct {
	ID                 uint    `gorm:"column:id;primaryKey;autoIncrement"`
	Provider           string  `gorm:"column:provider"`
	QueueLength        int     `gorm:"column:queue_length"`
	MeanResponseTimeMs int64   `gorm:"column:mean_response_time_ms"`
	SuccessRate        float64 `gorm:"column:success_rate"`
	LoadFactor         float64 `gorm:"column:load_factor"`
	CapacityScore      float64 `gorm:"column:capacity_score"`
	CreatedAt          time.Time `gorm:"column:created_at"`
}

func (loadMetricRow) TableName() string { return "load_metrics" }

type ruleStatsRow struct {
	RuleID    string    `gorm:"column:rule_id;primaryKey"`
	Provider  string    `gorm:"column:provider;primaryKey"`
	Attempts  int64     `gorm:"column:attempts"`
	Successes int64     `gorm:"column:successes"`
	UpdatedAt *time.Time `gorm:"column:updated_at"`
}

func (ruleStatsRow) TableName() string { return "rule_stats" }

type shapingRecordRow struct {
	ID         uint      `gorm:"column:id;primaryKey;autoIncrement"`
	RequestID  string    `gorm:"column:request_id"`
	Provider   string    `gorm:"column:provider"`
	Category   string    `gorm:"column:category"`
	Strategy   string    `gorm:"column:strategy"`
	TokenDelta int       `gorm:"column:token_delta"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

func (shapingRecordRow) TableName() string { return "shaping_records" }

// --- writes ---

// SaveExecution appends the final record of one Execute call. Executions
// are written once, after the call completes, so there is no in-place
// mutation to guard.
func (s *Store) SaveExecution(ctx context.Context, rec domain.ExecutionRecord) error {
	targets, err := json.Marshal(rec.TargetProviders)
	if err != nil {
		return fmt.Errorf("persist: marshal target_providers: %w", err)
	}
	expected, err := json.Marshal(rec.ExpectedOutput)
	if err != nil {
		return fmt.Errorf("persist: marshal expected_output: %w", err)
	}
	completedAt := rec.CompletedAt
	row := executionRow{
		ExecutionID:     rec.ExecutionID,
		OriginalPrompt:  rec.OriginalPrompt,
		TargetProviders: string(targets),
		ExecutionMode:   string(rec.ExecutionMode),
		ExpectedOutput:  string(expected),
		Format:          string(rec.Format),
		Priority:        rec.Priority,
		CreatedAt:       rec.CreatedAt,
		CompletedAt:     &completedAt,
		ExecutionTime:   rec.ExecutionTime.Seconds(),
		SuccessRate:     rec.SuccessRate,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// SaveRequest appends one RequestRecord.
func (s *Store) SaveRequest(ctx context.Context, executionID string, rec domain.RequestRecord) error {
	schema, err := json.Marshal(rec.ExpectedSchema)
	if err != nil {
		return fmt.Errorf("persist: marshal expected_schema: %w", err)
	}
	row := requestRow{
		RequestID:        rec.RequestID,
		ExecutionID:      executionID,
		Provider:         string(rec.Provider),
		Prompt:           rec.Prompt,
		ExpectedSchema:   string(schema),
		Format:           string(rec.Format),
		MaxRefinements:   rec.MaxRefinements,
		QualityThreshold: rec.QualityThreshold,
		CreatedAt:        rec.CreatedAt,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// SaveAttempt appends one AttemptRecord.
func (s *Store) SaveAttempt(ctx context.Context, rec domain.AttemptRecord) error {
	row := attemptRow{
		AttemptID:          rec.AttemptID,
		RequestID:          rec.RequestID,
		RefinementNumber:   rec.RefinementNumber,
		RuleID:             rec.RuleID,
		Trigger:            string(rec.Trigger),
		RefinementPrompt:   rec.RefinementPrompt,
		ExpectedFix:        rec.ExpectedFix,
		RawResponseSnippet: rec.RawResponseSnippet,
		Success:            rec.Success,
		QualityScore:       rec.QualityScore,
		CreatedAt:          rec.Timestamp,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// SaveResponse appends one ResponseRecord.
func (s *Store) SaveResponse(ctx context.Context, rec domain.ResponseRecord) error {
	var parsed string
	if rec.ParsedValue != nil {
		b, err := json.Marshal(rec.ParsedValue)
		if err != nil {
			return fmt.Errorf("persist: marshal parsed_value: %w", err)
		}
		parsed = string(b)
	}
	row := responseRow{
		ResponseID:      rec.ResponseID,
		RequestID:       rec.RequestID,
		Provider:        string(rec.Provider),
		RawText:         rec.RawText,
		ParsedValue:     parsed,
		Status:          string(rec.Status),
		RefinementCount: rec.RefinementCount,
		QualityScore:    rec.QualityScore,
		ErrorKind:       rec.ErrorKind,
		CreatedAt:       rec.Timestamp,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// UpsertSession writes the current snapshot of a ProviderSession, keyed by
// (processID, provider).
func (s *Store) UpsertSession(ctx context.Context, processID string, sess domain.ProviderSession) error {
	lastActivity := sess.LastActivity
	row := providerSessionRow{
		ProcessID:          processID,
		Provider:           string(sess.Provider),
		State:              string(sess.State),
		LastActivity:       &lastActivity,
		TotalRequests:      sess.TotalRequests,
		SuccessfulRequests: sess.SuccessfulRequests,
		MeanResponseTimeMs: sess.MeanResponseTime.Milliseconds(),
		CurrentLoad:        sess.CurrentLoad,
		MaxConcurrent:      sess.MaxConcurrent,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "process_id"}, {Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "last_activity", "total_requests", "successful_requests", "mean_response_time_ms", "current_load", "max_concurrent"}),
	}).Create(&row).Error
}

// SaveLoadMetric appends one point-in-time LoadMetric snapshot.
func (s *Store) SaveLoadMetric(ctx context.Context, m domain.LoadMetric) error {
	row := loadMetricRow{
		Provider:           string(m.Provider),
		QueueLength:        m.QueueLength,
		MeanResponseTimeMs: m.MeanResponseTime.Milliseconds(),
		SuccessRate:        m.SuccessRate,
		LoadFactor:         m.LoadFactor,
		CapacityScore:      m.CapacityScore,
		CreatedAt:          m.Timestamp,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// RecordRuleOutcome upserts the RuleStats side table (§11): attempts and
// successes accumulate across executions but are only ever read back as an
// immutable snapshot at the start of a new RefinementController run.
func (s *Store) RecordRuleOutcome(ctx context.Context, ruleID string, provider domain.Provider, success bool) error {
	now := time.Now()
	var row ruleStatsRow
	err := s.db.WithContext(ctx).Where("rule_id = ? AND provider = ?", ruleID, string(provider)).First(&row).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		row = ruleStatsRow{RuleID: ruleID, Provider: string(provider)}
	case err != nil:
		return err
	}
	row.Attempts++
	if success {
		row.Successes++
	}
	row.UpdatedAt = &now
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "rule_id"}, {Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{"attempts", "successes", "updated_at"}),
	}).Create(&row).Error
}

// RecordShaping appends an optional shaping audit-trail row. Callers
// should only invoke this when persistence.record_shaping is enabled.
func (s *Store) RecordShaping(ctx context.Context, requestID string, provider domain.Provider, category, strategy string, tokenDelta int) error {
	row := shapingRecordRow{
		RequestID:  requestID,
		Provider:   string(provider),
		Category:   category,
		Strategy:   strategy,
		TokenDelta: tokenDelta,
		CreatedAt:  time.Now(),
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// --- reads (analytics, safe concurrent with writes) ---

// RuleSuccessRates returns the historical success rate for every
// (rule, provider) pair with recorded outcomes, for the controller's
// immutable rule-table snapshot (§4.4, §11).
func (s *Store) RuleSuccessRates(ctx context.Context) (map[string]float64, error) {
	var rows []ruleStatsRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(rows))
	for _, r := range rows {
		if r.Attempts == 0 {
			continue
		}
		out[r.RuleID+"|"+r.Provider] = float64(r.Successes) / float64(r.Attempts)
	}
	return out, nil
}

// ProviderSuccessRates aggregates completed/total over all persisted
// responses per provider, for operators inspecting long-run reliability.
func (s *Store) ProviderSuccessRates(ctx context.Context) (map[domain.Provider]float64, error) {
	type row struct {
		Provider string
		Total    int64
		Success  int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&responseRow{}).
		Select("provider, count(*) as total, sum(case when status = 'completed' then 1 else 0 end) as success").
		Group("provider").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[domain.Provider]float64, len(rows))
	for _, r := range rows {
		if r.Total == 0 {
			continue
		}
		out[domain.Provider(r.Provider)] = float64(r.Success) / float64(r.Total)
	}
	return out, nil
}

// GetExecution loads one execution row by id, for re-issued queries. It
// does not reconstruct the full per-provider response map; callers needing
// that should join against requests/responses directly.
func (s *Store) GetExecution(ctx context.Context, executionID string) (*domain.ExecutionRecord, error) {
	var row executionRow
	if err := s.db.WithContext(ctx).First(&row, "execution_id = ?", executionID).Error; err != nil {
		return nil, err
	}
	var targets []domain.Provider
	if err := json.Unmarshal([]byte(row.TargetProviders), &targets); err != nil {
		return nil, fmt.Errorf("persist: unmarshal target_providers: %w", err)
	}
	var expected domain.ExpectedSchema
	if err := json.Unmarshal([]byte(row.ExpectedOutput), &expected); err != nil {
		return nil, fmt.Errorf("persist: unmarshal expected_output: %w", err)
	}
	rec := &domain.ExecutionRecord{
		ExecutionID:     row.ExecutionID,
		OriginalPrompt:  row.OriginalPrompt,
		TargetProviders: targets,
		ExecutionMode:   domain.ExecutionMode(row.ExecutionMode),
		ExpectedOutput:  expected,
		Format:          domain.OutputFormat(row.Format),
		Priority:        row.Priority,
		CreatedAt:       row.CreatedAt,
		ExecutionTime:   time.Duration(row.ExecutionTime * float64(time.Second)),
		SuccessRate:     row.SuccessRate,
	}
	if row.CompletedAt != nil {
		rec.CompletedAt = *row.CompletedAt
	}
	return rec, nil
}
