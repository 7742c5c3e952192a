package assessment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

const (
	minRisk        = 0.01
	maxRisk        = 0.99
	flaggedFloor   = 0.5
	defaultTimeout = 10 * time.Second
)

// Client normalizes scorer output into a domain.Assessment.
type Client struct {
	scorer   Scorer
	minScore float64
	maxScore float64
	timeout  time.Duration
}

// NewClient wraps scorer. Bounds are the raw score range the scorer emits.
func NewClient(scorer Scorer, minScore, maxScore float64, timeout time.Duration) (*Client, error) {
	if scorer == nil {
		return nil, fmt.Errorf("scorer is required")
	}
	if minScore >= maxScore {
		return nil, fmt.Errorf("invalid score bounds [%v, %v]", minScore, maxScore)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		scorer:   scorer,
		minScore: minScore,
		maxScore: maxScore,
		timeout:  timeout,
	}, nil
}

// NewFromConfig builds the primary client described by cfg.
func NewFromConfig(cfg domain.ScoringConfig) (*Client, error) {
	var scorer Scorer
	switch cfg.Type {
	case "http", "":
		scorer = NewHTTPScorer(cfg.URL, cfg.Timeout)
	case "rules":
		rs, err := NewRuleScorer(cfg.MinScore, cfg.MaxScore)
		if err != nil {
			return nil, err
		}
		scorer = rs
	default:
		return nil, fmt.Errorf("unsupported scorer type: %s", cfg.Type)
	}
	return NewClient(scorer, cfg.MinScore, cfg.MaxScore, cfg.Timeout)
}

// NewFallback builds the local rule-based client used by the fallback policy.
func NewFallback(cfg domain.ScoringConfig) (*Client, error) {
	rs, err := NewRuleScorer(cfg.MinScore, cfg.MaxScore)
	if err != nil {
		return nil, err
	}
	return NewClient(rs, cfg.MinScore, cfg.MaxScore, cfg.Timeout)
}

// Assess scores features and normalizes the result. Every failure wraps
// domain.ErrScoringUnavailable.
func (c *Client) Assess(ctx context.Context, features domain.Features) (*domain.Assessment, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	raw, err := c.scorer.Score(ctx, features)
	if err != nil {
		slog.Warn("scoring failed",
			"tx_id", features.TransactionID,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return nil, domain.ScoringUnavailable(err)
	}

	return &domain.Assessment{
		IsAnomaly:    raw.IsAnomaly,
		RiskScore:    c.Normalize(raw.Score, raw.IsAnomaly),
		RawScore:     raw.Score,
		ModelVersion: raw.ModelVersion,
		ModelName:    raw.ModelName,
		RiskFactors:  raw.RiskFactors,
		Confidence:   raw.Confidence,
	}, nil
}

// Normalize maps a raw score onto [0.01, 0.99], where higher means riskier.
// Flagged records never score below 0.5.
func (c *Client) Normalize(raw float64, isAnomaly bool) float64 {
	risk := (c.maxScore - raw) / (c.maxScore - c.minScore)
	risk = clamp(risk, minRisk, maxRisk)
	if isAnomaly && risk < flaggedFloor {
		risk = flaggedFloor
	}
	return risk
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
