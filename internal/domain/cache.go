package domain

import (
	"context"
	"time"
)

// Cache memoizes ensemble results per tenant. A miss returns nil, nil.
type Cache interface {
	GetAnalysis(ctx context.Context, tenantID string, key string) (*CachedAnalysis, error)
	SetAnalysis(ctx context.Context, tenantID string, key string, data *CachedAnalysis, ttl time.Duration) error

	Ping(ctx context.Context) error
	Close() error
}

// CachedAnalysis holds the pure scoring outputs that may be memoized.
// Request-specific fields (IDs, timestamps) are never cached.
type CachedAnalysis struct {
	Assessment RiskAssessment   `json:"assessment"`
	Decision   EnsembleDecision `json:"decision"`
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is "memory" or "redis".
	Type string

	// In-process LRU tier. LocalTTL caps how long an entry lives locally
	// when Redis is the shared tier behind it.
	LocalMaxSize int
	LocalTTL     time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// EnableTwoPhase puts the LRU in front of Redis.
	EnableTwoPhase bool

	// AnalysisTTL is how long ensemble results stay cached.
	AnalysisTTL time.Duration
}
