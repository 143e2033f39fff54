package domain

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the complete Harrier configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Scoring
	Model   ModelConfig   `json:"model"`
	Scoring ScoringConfig `json:"scoring"`

	// Async pipeline
	Worker WorkerConfig `json:"worker"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// ModelConfig controls how the statistical estimator is obtained.
type ModelConfig struct {
	// Path of the serialized model artifact. Empty means repository or bootstrap.
	Path string `json:"path"`

	// AutoBootstrap trains the synthetic fixture when no artifact is found.
	AutoBootstrap bool `json:"autoBootstrap"`

	Seed    int64 `json:"seed"`
	Trees   int   `json:"trees"`
	Samples int   `json:"samples"`
}

// ScoringConfig holds rule analyzer settings.
type ScoringConfig struct {
	// SectorTablePath points to a YAML sector table. Empty uses the built-in table.
	SectorTablePath string `json:"sectorTablePath"`

	// HistoryLimit caps the prior filings fetched for a taxpayer.
	HistoryLimit int `json:"historyLimit"`
}

// WorkerConfig controls the async analysis worker.
type WorkerConfig struct {
	Enabled     bool     `json:"enabled"`
	TenantIDs   []string `json:"tenantIds"`
	WorkerCount int      `json:"workerCount"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./harrier.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			AnalysisTTL:  24 * time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Model: ModelConfig{
			AutoBootstrap: true,
			Seed:          42,
			Trees:         100,
			Samples:       1000,
		},
		Scoring: ScoringConfig{
			HistoryLimit: 10,
		},
		Worker: WorkerConfig{
			WorkerCount: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "harrier",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "harrier",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       5 * time.Minute,
		AnalysisTTL:    24 * time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "harrier-workers",
	}
	cfg.Worker.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}

// LoadConfig builds the configuration from HARRIER_* environment variables.
func LoadConfig() *Config {
	return LoadConfigFrom(os.Getenv)
}

// LoadConfigFrom builds the configuration using getenv for lookups.
func LoadConfigFrom(getenv func(string) string) *Config {
	cfg := DefaultConfig()
	if getenv("HARRIER_TIER") == string(TierPro) {
		cfg = ProConfig()
	}

	if getenv("HARRIER_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}
	if v := getenv("HARRIER_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := getenv("HARRIER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Server.Port = port
		}
	}
	if v := getenv("HARRIER_DB_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := getenv("HARRIER_POSTGRES_HOST"); v != "" {
		cfg.Repository.PostgresHost = v
	}
	if v := getenv("HARRIER_POSTGRES_USER"); v != "" {
		cfg.Repository.PostgresUser = v
	}
	if v := getenv("HARRIER_POSTGRES_PASSWORD"); v != "" {
		cfg.Repository.PostgresPassword = v
	}
	if v := getenv("HARRIER_POSTGRES_DB"); v != "" {
		cfg.Repository.PostgresDB = v
	}
	if v := getenv("HARRIER_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := getenv("HARRIER_CACHE_TTL"); v != "" {
		if ttl, err := time.ParseDuration(v); err == nil && ttl >= 0 {
			cfg.Cache.AnalysisTTL = ttl
		}
	}
	if v := getenv("HARRIER_NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}
	if v := getenv("HARRIER_MODEL_PATH"); v != "" {
		cfg.Model.Path = v
	}
	if v := getenv("HARRIER_AUTO_BOOTSTRAP"); v != "" {
		cfg.Model.AutoBootstrap = v == "true"
	}
	if v := getenv("HARRIER_SECTOR_TABLE"); v != "" {
		cfg.Scoring.SectorTablePath = v
	}
	if getenv("HARRIER_ASYNC_WORKER") == "true" {
		cfg.Worker.Enabled = true
	}
	if v := getenv("HARRIER_TENANTS"); v != "" {
		cfg.Worker.TenantIDs = splitList(v)
	}
	return cfg
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
