// Package config loads the Heron configuration from YAML and the
// environment.
package config

import (
	"fmt"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/spf13/viper"
)

// envBindings maps config keys onto the environment variables that
// override them.
var envBindings = map[string]string{
	"tier":                  "HERON_TIER",
	"repository.driver":     "HERON_DB_DRIVER",
	"repository.sqlitePath": "HERON_SQLITE_PATH",
	"scoring.url":           "HERON_SCORER_URL",
	"scoring.type":          "HERON_SCORER_TYPE",
	"scoring.policy":        "HERON_SCORING_POLICY",
	"ingest.concurrency":    "HERON_INGEST_CONCURRENCY",
	"cache.redisAddr":       "HERON_REDIS_ADDR",
	"eventBus.natsUrl":      "HERON_NATS_URL",
	"server.port":           "HERON_PORT",
}

// Load builds the configuration. The tier (from the file or HERON_TIER)
// picks the base defaults; the YAML file at path, when given, is overlaid
// on them and the environment wins over both. Keys use the camelCase names
// of the JSON form, e.g. scoring.minScore or trend.cacheTtl.
func Load(path string) (*domain.Config, error) {
	v := viper.New()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := domain.DefaultConfig()
	if domain.Tier(v.GetString("tier")) == domain.TierPro {
		cfg = domain.ProConfig()
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
