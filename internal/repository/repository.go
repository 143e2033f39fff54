// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 && cfg.SQLitePath != memoryPath {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveFiling stores or replaces a filing with tenant isolation.
func (r *SQLRepository) SaveFiling(ctx context.Context, tenantID string, filing *domain.Filing) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if filing == nil || filing.FilingID == "" {
		return fmt.Errorf("%w: filingId is required", ErrInvalidInput)
	}

	submittedAt := filing.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO filings (
			id, tenant_id, taxpayer_id, income, deductions,
			business_sector, tax_period, submitted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			taxpayer_id = excluded.taxpayer_id,
			income = excluded.income,
			deductions = excluded.deductions,
			business_sector = excluded.business_sector,
			tax_period = excluded.tax_period,
			submitted_at = excluded.submitted_at
	`

	_, err := r.db.ExecContext(ctx, rebind(r.driver, query),
		filing.FilingID, tenantID, filing.TaxpayerID,
		filing.Income.String(), filing.Deductions.String(),
		filing.BusinessSector, filing.TaxPeriod, submittedAt,
	)
	return err
}

// GetFiling retrieves a filing by ID with tenant isolation.
func (r *SQLRepository) GetFiling(ctx context.Context, tenantID string, filingID string) (*domain.Filing, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, taxpayer_id, income, deductions, business_sector, tax_period, submitted_at
		FROM filings
		WHERE tenant_id = ? AND id = ?
	`

	f, err := scanFiling(r.db.QueryRowContext(ctx, rebind(r.driver, query), tenantID, filingID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ListFilingsByTaxpayer returns up to limit of the taxpayer's most recent
// filings, excluding excludeFilingID, in chronological order.
func (r *SQLRepository) ListFilingsByTaxpayer(ctx context.Context, tenantID string, taxpayerID string, excludeFilingID string, limit int) ([]domain.Filing, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if taxpayerID == "" {
		return nil, fmt.Errorf("%w: taxpayerID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT id, taxpayer_id, income, deductions, business_sector, tax_period, submitted_at
		FROM filings
		WHERE tenant_id = ? AND taxpayer_id = ? AND id <> ?
		ORDER BY submitted_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, rebind(r.driver, query), tenantID, taxpayerID, excludeFilingID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var filings []domain.Filing
	for rows.Next() {
		f, err := scanFiling(rows)
		if err != nil {
			return nil, err
		}
		filings = append(filings, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Oldest first
	for i, j := 0, len(filings)-1; i < j; i, j = i+1, j-1 {
		filings[i], filings[j] = filings[j], filings[i]
	}
	return filings, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFiling(row rowScanner) (*domain.Filing, error) {
	var f domain.Filing
	if err := row.Scan(
		&f.FilingID, &f.TaxpayerID, &f.Income, &f.Deductions,
		&f.BusinessSector, &f.TaxPeriod, &f.SubmittedAt,
	); err != nil {
		return nil, err
	}
	return &f, nil
}

// SaveAnalysis stores an analysis result with tenant isolation.
func (r *SQLRepository) SaveAnalysis(ctx context.Context, tenantID string, analysis *domain.Analysis) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	assessment, err := json.Marshal(analysis.Assessment)
	if err != nil {
		return fmt.Errorf("failed to encode assessment: %w", err)
	}
	var decision []byte
	if analysis.Decision != nil {
		decision, _ = json.Marshal(analysis.Decision)
	}
	patterns, _ := json.Marshal(analysis.Patterns)
	metadata, _ := json.Marshal(analysis.Metadata)

	query := `
		INSERT INTO analyses (
			id, tenant_id, filing_id, taxpayer_id, method, score, level,
			flagged, confidence, degraded, timestamp,
			assessment, decision, patterns, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, rebind(r.driver, query),
		analysis.ID, tenantID, analysis.FilingID, analysis.TaxpayerID,
		string(analysis.Method), analysis.Score, string(analysis.Level),
		boolToInt(analysis.Flagged), analysis.Confidence, boolToInt(analysis.Degraded),
		analysis.Timestamp,
		string(assessment), string(decision), string(patterns), string(metadata),
	)
	return err
}

// GetAnalysis retrieves an analysis by ID with tenant isolation.
func (r *SQLRepository) GetAnalysis(ctx context.Context, tenantID string, analysisID string) (*domain.Analysis, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, filing_id, taxpayer_id, method, score, level,
			   flagged, confidence, degraded, timestamp,
			   assessment, decision, patterns, metadata
		FROM analyses
		WHERE tenant_id = ? AND id = ?
	`

	a, err := scanAnalysis(r.db.QueryRowContext(ctx, rebind(r.driver, query), tenantID, analysisID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListAnalysesByTaxpayer returns the taxpayer's most recent analyses,
// newest first.
func (r *SQLRepository) ListAnalysesByTaxpayer(ctx context.Context, tenantID string, taxpayerID string, limit int) ([]domain.Analysis, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if taxpayerID == "" {
		return nil, fmt.Errorf("%w: taxpayerID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT id, tenant_id, filing_id, taxpayer_id, method, score, level,
			   flagged, confidence, degraded, timestamp,
			   assessment, decision, patterns, metadata
		FROM analyses
		WHERE tenant_id = ? AND taxpayer_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, rebind(r.driver, query), tenantID, taxpayerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	analyses := []domain.Analysis{}
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		analyses = append(analyses, *a)
	}
	return analyses, rows.Err()
}

func scanAnalysis(row rowScanner) (*domain.Analysis, error) {
	var a domain.Analysis
	var method, level string
	var flagged, degraded int
	var assessment, metadata string
	var decision, patterns sql.NullString

	if err := row.Scan(
		&a.ID, &a.TenantID, &a.FilingID, &a.TaxpayerID, &method, &a.Score, &level,
		&flagged, &a.Confidence, &degraded, &a.Timestamp,
		&assessment, &decision, &patterns, &metadata,
	); err != nil {
		return nil, err
	}

	a.Method = domain.AnalysisMethod(method)
	a.Level = domain.RiskLevel(level)
	a.Flagged = flagged == 1
	a.Degraded = degraded == 1

	if err := json.Unmarshal([]byte(assessment), &a.Assessment); err != nil {
		return nil, fmt.Errorf("failed to parse assessment: %w", err)
	}
	if decision.Valid && decision.String != "" {
		a.Decision = &domain.EnsembleDecision{}
		if err := json.Unmarshal([]byte(decision.String), a.Decision); err != nil {
			return nil, fmt.Errorf("failed to parse decision: %w", err)
		}
	}
	if patterns.Valid && patterns.String != "" {
		json.Unmarshal([]byte(patterns.String), &a.Patterns)
	}
	json.Unmarshal([]byte(metadata), &a.Metadata)

	return &a, nil
}

// SavePattern stores a fraud pattern with tenant isolation.
func (r *SQLRepository) SavePattern(ctx context.Context, tenantID string, pattern *domain.FraudPattern) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if pattern == nil || pattern.ID == "" {
		return fmt.Errorf("%w: pattern id is required", ErrInvalidInput)
	}

	indicators, _ := json.Marshal(pattern.Indicators)

	now := time.Now().UTC()
	createdAt := pattern.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
		INSERT INTO fraud_patterns (
			id, tenant_id, name, type, description, expression,
			risk_weight, indicators, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			description = excluded.description,
			expression = excluded.expression,
			risk_weight = excluded.risk_weight,
			indicators = excluded.indicators,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, rebind(r.driver, query),
		pattern.ID, tenantID, pattern.Name, string(pattern.Type), pattern.Description,
		pattern.Expression, pattern.RiskWeight, string(indicators),
		boolToInt(pattern.Enabled), createdAt, now,
	)
	return err
}

// GetPattern retrieves an enabled fraud pattern with tenant isolation.
func (r *SQLRepository) GetPattern(ctx context.Context, tenantID string, patternID string) (*domain.FraudPattern, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, type, description, expression,
			   risk_weight, indicators, enabled,
			   detection_count, false_positive_count, last_detected,
			   created_at, updated_at
		FROM fraud_patterns
		WHERE tenant_id = ? AND id = ? AND enabled = 1
	`

	p, err := scanPattern(r.db.QueryRowContext(ctx, rebind(r.driver, query), tenantID, patternID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListPatterns retrieves all enabled fraud patterns for a tenant.
func (r *SQLRepository) ListPatterns(ctx context.Context, tenantID string) ([]*domain.FraudPattern, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, type, description, expression,
			   risk_weight, indicators, enabled,
			   detection_count, false_positive_count, last_detected,
			   created_at, updated_at
		FROM fraud_patterns
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, rebind(r.driver, query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patterns []*domain.FraudPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}

	return patterns, rows.Err()
}

func scanPattern(row rowScanner) (*domain.FraudPattern, error) {
	var p domain.FraudPattern
	var patternType, indicators string
	var description sql.NullString
	var enabled int
	var lastDetected sql.NullTime

	if err := row.Scan(
		&p.ID, &p.TenantID, &p.Name, &patternType, &description, &p.Expression,
		&p.RiskWeight, &indicators, &enabled,
		&p.DetectionCount, &p.FalsePositiveCount, &lastDetected,
		&p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if lastDetected.Valid {
		t := lastDetected.Time
		p.LastDetected = &t
	}

	p.Type = domain.PatternType(patternType)
	p.Description = description.String
	p.Enabled = enabled == 1
	if err := json.Unmarshal([]byte(indicators), &p.Indicators); err != nil {
		return nil, fmt.Errorf("failed to parse indicators for %s: %w", p.ID, err)
	}
	return &p, nil
}

// DeletePattern soft-deletes a pattern by setting enabled = 0.
func (r *SQLRepository) DeletePattern(ctx context.Context, tenantID string, patternID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE fraud_patterns
		SET enabled = 0, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND enabled = 1
	`

	result, err := r.db.ExecContext(ctx, rebind(r.driver, query), time.Now().UTC(), tenantID, patternID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// RecordPatternDetections bumps the detection counter of each pattern and
// stamps its last detection time. Unknown IDs are ignored.
func (r *SQLRepository) RecordPatternDetections(ctx context.Context, tenantID string, patternIDs []string, at time.Time) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if len(patternIDs) == 0 {
		return nil
	}

	query := rebind(r.driver, `
		UPDATE fraud_patterns
		SET detection_count = detection_count + 1, last_detected = ?
		WHERE tenant_id = ? AND id = ?
	`)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range patternIDs {
		if _, err := tx.ExecContext(ctx, query, at.UTC(), tenantID, id); err != nil {
			return fmt.Errorf("failed to record detection for %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// RecordPatternFalsePositive counts a reviewer-confirmed false positive.
func (r *SQLRepository) RecordPatternFalsePositive(ctx context.Context, tenantID string, patternID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE fraud_patterns
		SET false_positive_count = false_positive_count + 1
		WHERE tenant_id = ? AND id = ? AND enabled = 1
	`

	result, err := r.db.ExecContext(ctx, rebind(r.driver, query), tenantID, patternID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveModelArtifact stores a serialized model. Artifacts are global.
func (r *SQLRepository) SaveModelArtifact(ctx context.Context, artifact *domain.ModelArtifact) error {
	if artifact == nil || artifact.Name == "" || artifact.Version == "" {
		return fmt.Errorf("%w: artifact name and version are required", ErrInvalidInput)
	}

	createdAt := artifact.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO model_artifacts (name, version, payload, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name, version) DO UPDATE SET
			payload = excluded.payload,
			created_at = excluded.created_at
	`

	_, err := r.db.ExecContext(ctx, rebind(r.driver, query),
		artifact.Name, artifact.Version, string(artifact.Payload), createdAt,
	)
	return err
}

// GetLatestModelArtifact returns the most recently stored artifact by name.
func (r *SQLRepository) GetLatestModelArtifact(ctx context.Context, name string) (*domain.ModelArtifact, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: artifact name is required", ErrInvalidInput)
	}

	query := `
		SELECT name, version, payload, created_at
		FROM model_artifacts
		WHERE name = ?
		ORDER BY created_at DESC
		LIMIT 1
	`

	var a domain.ModelArtifact
	var payload string

	err := r.db.QueryRowContext(ctx, rebind(r.driver, query), name).Scan(
		&a.Name, &a.Version, &payload, &a.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.Payload = []byte(payload)
	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}
