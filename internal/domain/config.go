package domain

import (
	"fmt"
	"time"
)

// Config holds the complete Heron configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines the default backing services
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Case-management pipeline
	Scoring  ScoringConfig  `json:"scoring"`
	Severity SeverityConfig `json:"severity"`
	Ingest   IngestConfig   `json:"ingest"`
	Trend    TrendConfig    `json:"trend"`
	Worker   WorkerConfig   `json:"worker"`

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

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// Scoring policies applied when the scorer is unavailable.
const (
	PolicyFail     = "fail"
	PolicyFallback = "fallback"
	PolicySkip     = "skip"
)

// ScoringConfig configures the assessment client.
type ScoringConfig struct {
	// Type is the primary scorer: "http" or "rules"
	Type string `json:"type"`

	// URL is the base URL of the scoring service (POST {URL}/predict).
	URL     string        `json:"url"`
	Timeout time.Duration `json:"timeout"`

	// MinScore and MaxScore bound the raw score; lower is more anomalous.
	MinScore float64 `json:"minScore"`
	MaxScore float64 `json:"maxScore"`

	// Policy decides what callers do on ErrScoringUnavailable.
	Policy string `json:"policy"`

	Defaults FeatureDefaults `json:"defaults"`
}

// FeatureDefaults substitute missing categorical descriptors.
type FeatureDefaults struct {
	TransactionType string `json:"transactionType"`
	NetworkOperator string `json:"networkOperator"`
	DeviceType      string `json:"deviceType"`
	LocationCity    string `json:"locationCity"`
	LocationCountry string `json:"locationCountry"`
	Status          string `json:"status"`
	Currency        string `json:"currency"`
}

// SeverityConfig holds the inclusive lower bound of each tier.
type SeverityConfig struct {
	Critical float64 `json:"critical"`
	High     float64 `json:"high"`
	Medium   float64 `json:"medium"`
}

// IngestConfig bounds bulk work.
type IngestConfig struct {
	// Concurrency caps in-flight records for ingestion and batch prediction.
	Concurrency int `json:"concurrency"`
}

// TrendConfig configures rate-trend caching.
type TrendConfig struct {
	CacheTTL         time.Duration `json:"cacheTtl"`
	LastGoodTTL      time.Duration `json:"lastGoodTtl"`
	QueryConcurrency int           `json:"queryConcurrency"`
}

// WorkerConfig configures the async submission worker.
type WorkerConfig struct {
	Enabled     bool `json:"enabled"`
	Concurrency int  `json:"concurrency"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 60,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./heron.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
			SubjectPrefix:     "heron",
		},
		Scoring: ScoringConfig{
			Type:     "http",
			URL:      "http://localhost:8000",
			Timeout:  10 * time.Second,
			MinScore: -0.5,
			MaxScore: 0.5,
			Policy:   PolicyFallback,
			Defaults: FeatureDefaults{
				TransactionType: "transfer",
				NetworkOperator: "TNM",
				DeviceType:      "mobile",
				LocationCity:    "Lilongwe",
				LocationCountry: "Malawi",
				Status:          "completed",
				Currency:        "MWK",
			},
		},
		Severity: SeverityConfig{
			Critical: 0.95,
			High:     0.8,
			Medium:   0.5,
		},
		Ingest: IngestConfig{
			Concurrency: 10,
		},
		Trend: TrendConfig{
			CacheTTL:         30 * time.Second,
			LastGoodTTL:      24 * time.Hour,
			QueryConcurrency: 4,
		},
		Worker: WorkerConfig{
			Enabled:     false,
			Concurrency: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "heron",
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
		PostgresDB:   "heron",
		MaxOpenConns: 25,
		MaxIdleConns: 5,
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		KeyPrefix:      "heron",
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		SubjectPrefix:     "heron",
	}
	cfg.Worker.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}

// Validate rejects configurations the services cannot start with.
func (c *Config) Validate() error {
	switch c.Repository.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported repository driver: %q", c.Repository.Driver)
	}
	switch c.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported cache type: %q", c.Cache.Type)
	}
	switch c.EventBus.Type {
	case "channel", "nats":
	default:
		return fmt.Errorf("unsupported event bus type: %q", c.EventBus.Type)
	}
	switch c.Scoring.Type {
	case "http", "rules":
	default:
		return fmt.Errorf("unsupported scorer type: %q", c.Scoring.Type)
	}
	switch c.Scoring.Policy {
	case PolicyFail, PolicyFallback, PolicySkip:
	default:
		return fmt.Errorf("unsupported scoring policy: %q", c.Scoring.Policy)
	}
	if c.Scoring.MinScore >= c.Scoring.MaxScore {
		return fmt.Errorf("scoring bounds: minScore %.3f must be below maxScore %.3f", c.Scoring.MinScore, c.Scoring.MaxScore)
	}
	if c.Scoring.Timeout <= 0 {
		return fmt.Errorf("scoring timeout must be positive")
	}
	s := c.Severity
	if !(s.Medium > 0 && s.Medium < s.High && s.High < s.Critical && s.Critical <= 1) {
		return fmt.Errorf("severity thresholds must satisfy 0 < medium < high < critical <= 1")
	}
	if c.Ingest.Concurrency < 1 {
		return fmt.Errorf("ingest concurrency must be at least 1")
	}
	return nil
}
