package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// New builds the analysis cache described by cfg:
//
//	memory             LRU only
//	redis              Redis only
//	redis + two-phase  LRU in front of Redis
func New(cfg domain.CacheConfig) (*AnalysisCache, error) {
	switch cfg.Type {
	case "memory":
		return NewMemory(cfg.LocalMaxSize), nil

	case "redis":
		remote, err := NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		if !cfg.EnableTwoPhase {
			return NewAnalysisCache(Tier{Name: "redis", Store: remote}), nil
		}
		localTTL := cfg.LocalTTL
		if localTTL <= 0 {
			localTTL = 5 * time.Minute
		}
		return NewAnalysisCache(
			Tier{Name: "local", Store: NewMemoryStore(cfg.LocalMaxSize), MaxTTL: localTTL},
			Tier{Name: "redis", Store: remote},
		), nil

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// NewMemory returns a single-tier in-process cache.
func NewMemory(maxSize int) *AnalysisCache {
	return NewAnalysisCache(Tier{Name: "local", Store: NewMemoryStore(maxSize)})
}

// Tier is one level of the cache. MaxTTL, when positive, caps the ttl
// requested by callers.
type Tier struct {
	Name   string
	Store  Store
	MaxTTL time.Duration
}

func (t Tier) ttl(requested time.Duration) time.Duration {
	if t.MaxTTL > 0 && requested > t.MaxTTL {
		return t.MaxTTL
	}
	return requested
}

// AnalysisCache implements domain.Cache over ordered tiers. Reads fall
// through until a hit and backfill the faster tiers; writes go to every tier.
type AnalysisCache struct {
	tiers  []Tier
	hits   atomic.Int64
	misses atomic.Int64
}

var _ domain.Cache = (*AnalysisCache)(nil)

// NewAnalysisCache builds a cache from tiers, fastest first.
func NewAnalysisCache(tiers ...Tier) *AnalysisCache {
	return &AnalysisCache{tiers: tiers}
}

// Stats summarizes cache effectiveness since start.
type Stats struct {
	Hits   int64
	Misses int64
	Tiers  []string
}

func (c *AnalysisCache) Stats() Stats {
	names := make([]string, len(c.tiers))
	for i, t := range c.tiers {
		names[i] = t.Name
	}
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Tiers: names}
}

// GetAnalysis returns the cached result for key, or nil on a miss. An entry
// that fails to decode is dropped and reported as an error.
func (c *AnalysisCache) GetAnalysis(ctx context.Context, tenantID string, key string) (*domain.CachedAnalysis, error) {
	full, err := tenantKey(tenantID, key)
	if err != nil {
		return nil, err
	}

	var errs []error
	for i, tier := range c.tiers {
		raw, err := tier.Store.Get(ctx, full)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", tier.Name, err))
			continue
		}
		if raw == nil {
			continue
		}

		ca, err := decodeAnalysis(raw)
		if err != nil {
			_ = tier.Store.Delete(ctx, full)
			return nil, fmt.Errorf("%s: corrupt entry %s: %w", tier.Name, key, err)
		}

		c.hits.Add(1)
		c.backfill(ctx, i, full, raw)
		return ca, nil
	}

	c.misses.Add(1)
	return nil, errors.Join(errs...)
}

// backfill copies a hit found at tier idx into the faster tiers. Only tiers
// with a MaxTTL are refilled, since the remaining lifetime is unknown.
func (c *AnalysisCache) backfill(ctx context.Context, idx int, key string, raw []byte) {
	for _, tier := range c.tiers[:idx] {
		if tier.MaxTTL <= 0 {
			continue
		}
		if err := tier.Store.Set(ctx, key, raw, tier.MaxTTL); err != nil {
			slog.Debug("cache backfill failed", "tier", tier.Name, "error", err)
		}
	}
}

// SetAnalysis writes data to every tier.
func (c *AnalysisCache) SetAnalysis(ctx context.Context, tenantID string, key string, data *domain.CachedAnalysis, ttl time.Duration) error {
	full, err := tenantKey(tenantID, key)
	if err != nil {
		return err
	}
	raw, err := encodeAnalysis(data)
	if err != nil {
		return err
	}

	var errs []error
	for _, tier := range c.tiers {
		if err := tier.Store.Set(ctx, full, raw, tier.ttl(ttl)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", tier.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Ping checks every tier.
func (c *AnalysisCache) Ping(ctx context.Context) error {
	for _, tier := range c.tiers {
		if err := tier.Store.Ping(ctx); err != nil {
			return fmt.Errorf("%s ping failed: %w", tier.Name, err)
		}
	}
	return nil
}

func (c *AnalysisCache) Close() error {
	var errs []error
	for _, tier := range c.tiers {
		errs = append(errs, tier.Store.Close())
	}
	return errors.Join(errs...)
}

func tenantKey(tenantID, key string) (string, error) {
	if tenantID == "" {
		return "", fmt.Errorf("tenantID is required")
	}
	return tenantID + ":" + key, nil
}
