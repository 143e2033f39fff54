// Package domain defines the core interfaces and types for Harrier.
package domain

import (
	"context"
	"time"
)

// Repository persists filings, analyses, patterns and model artifacts.
// Tenant-scoped methods reject an empty tenantID; fraud patterns live under
// GlobalTenantID. Missing rows are reported as repository.ErrNotFound.
type Repository interface {
	SaveFiling(ctx context.Context, tenantID string, filing *Filing) error
	GetFiling(ctx context.Context, tenantID string, filingID string) (*Filing, error)
	ListFilingsByTaxpayer(ctx context.Context, tenantID string, taxpayerID string, excludeFilingID string, limit int) ([]Filing, error)

	SaveAnalysis(ctx context.Context, tenantID string, analysis *Analysis) error
	GetAnalysis(ctx context.Context, tenantID string, analysisID string) (*Analysis, error)
	// ListAnalysesByTaxpayer returns up to limit analyses, newest first.
	ListAnalysesByTaxpayer(ctx context.Context, tenantID string, taxpayerID string, limit int) ([]Analysis, error)

	SavePattern(ctx context.Context, tenantID string, pattern *FraudPattern) error
	GetPattern(ctx context.Context, tenantID string, patternID string) (*FraudPattern, error)
	ListPatterns(ctx context.Context, tenantID string) ([]*FraudPattern, error)
	DeletePattern(ctx context.Context, tenantID string, patternID string) error
	RecordPatternDetections(ctx context.Context, tenantID string, patternIDs []string, at time.Time) error
	RecordPatternFalsePositive(ctx context.Context, tenantID string, patternID string) error

	// Artifacts are global; the latest by creation time wins.
	SaveModelArtifact(ctx context.Context, artifact *ModelArtifact) error
	GetLatestModelArtifact(ctx context.Context, name string) (*ModelArtifact, error)

	Ping(ctx context.Context) error
	Close() error
}

// ModelArtifact is a stored, serialized estimator model.
type ModelArtifact struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Payload   []byte    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

// RepositoryConfig selects and tunes the SQL backend.
type RepositoryConfig struct {
	// Driver is "sqlite" (Community) or "postgres" (Pro).
	Driver string

	// SQLitePath may be ":memory:" for an ephemeral database.
	SQLitePath string

	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Pool limits; zero keeps the database/sql defaults.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
