// Package trend computes time-bucketed anomaly-rate series.
package trend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"golang.org/x/sync/errgroup"
)

// MaxPeriod bounds the number of buckets in one series.
const MaxPeriod = 1000

// Aggregator builds trend series from per-bucket store statistics.
type Aggregator struct {
	store  domain.TrendStore
	cache  domain.Cache
	cfg    domain.TrendConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewAggregator creates an aggregator. cache may be nil, which disables
// both the fresh cache and the last-known-good fallback.
func NewAggregator(store domain.TrendStore, cache domain.Cache, cfg domain.TrendConfig) *Aggregator {
	if cfg.QueryConcurrency < 1 {
		cfg.QueryConcurrency = 1
	}
	return &Aggregator{
		store:  store,
		cache:  cache,
		cfg:    cfg,
		logger: slog.Default().With("component", "trend"),
		now:    time.Now,
	}
}

// Trend returns period contiguous buckets of the given interval, oldest
// first, the last one containing the current time. Store failures yield a
// degraded series rather than an error.
func (a *Aggregator) Trend(ctx context.Context, interval domain.Interval, period int) (*domain.TrendSeries, error) {
	if !interval.Valid() {
		return nil, domain.Invalid("interval", "must be hour, day, week or month, got %q", interval)
	}
	if period < 1 || period > MaxPeriod {
		return nil, domain.Invalid("period", "must be within [1, %d], got %d", MaxPeriod, period)
	}

	now := a.now().UTC()
	freshKey := fmt.Sprintf("trend:%s:%d", interval, period)
	lastGoodKey := fmt.Sprintf("trend:last_good:%s:%d", interval, period)

	if s := a.cached(ctx, freshKey); s != nil && len(s.Points) > 0 && s.Points[len(s.Points)-1].BucketEnd.After(now) {
		return s, nil
	}

	starts := BucketStarts(interval, period, now)
	points := make([]domain.TrendPoint, period)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.QueryConcurrency)
	for i, start := range starts {
		end := step(interval, start, 1)
		points[i] = domain.TrendPoint{BucketStart: start, BucketEnd: end}
		g.Go(func() error {
			stats, err := a.store.BucketStats(gctx, start, end)
			if err != nil {
				return fmt.Errorf("bucket %s: %w", start.Format(time.RFC3339), err)
			}
			fill(&points[i], stats)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		a.logger.Warn("trend query failed, serving degraded series",
			"interval", interval,
			"period", period,
			"error", err,
		)
		return a.degraded(ctx, lastGoodKey, interval, period, starts, now), nil
	}

	series := &domain.TrendSeries{
		Interval:    interval,
		Period:      period,
		Points:      points,
		GeneratedAt: now,
	}
	a.put(ctx, freshKey, series, a.cfg.CacheTTL)
	a.put(ctx, lastGoodKey, series, a.cfg.LastGoodTTL)
	return series, nil
}

func (a *Aggregator) degraded(ctx context.Context, lastGoodKey string, interval domain.Interval, period int, starts []time.Time, now time.Time) *domain.TrendSeries {
	if s := a.cached(ctx, lastGoodKey); s != nil {
		s.Degraded = true
		s.DegradedReason = fmt.Sprintf("statistics unavailable; serving last known series from %s", s.GeneratedAt.Format(time.RFC3339))
		return s
	}

	points := make([]domain.TrendPoint, period)
	for i, start := range starts {
		points[i] = domain.TrendPoint{BucketStart: start, BucketEnd: step(interval, start, 1)}
	}
	return &domain.TrendSeries{
		Interval:       interval,
		Period:         period,
		Points:         points,
		GeneratedAt:    now,
		Degraded:       true,
		DegradedReason: "statistics unavailable; no previous series cached",
	}
}

func fill(p *domain.TrendPoint, stats *domain.BucketStats) {
	p.TotalTransactions = stats.TotalTransactions
	p.AnomalyCount = stats.AnomalyCount
	p.AverageRiskScore = stats.AverageRiskScore
	if stats.TotalTransactions > 0 {
		p.AnomalyRate = float64(stats.AnomalyCount) / float64(stats.TotalTransactions) * 100
	}
}

func (a *Aggregator) cached(ctx context.Context, key string) *domain.TrendSeries {
	if a.cache == nil {
		return nil
	}
	data, err := a.cache.Get(ctx, key)
	if err != nil || data == nil {
		return nil
	}
	var s domain.TrendSeries
	if err := json.Unmarshal(data, &s); err != nil {
		a.logger.Warn("discarding undecodable cached series", "key", key, "error", err)
		return nil
	}
	return &s
}

func (a *Aggregator) put(ctx context.Context, key string, s *domain.TrendSeries, ttl time.Duration) {
	if a.cache == nil || ttl <= 0 {
		return
	}
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := a.cache.Set(ctx, key, data, ttl); err != nil {
		a.logger.Warn("failed to cache trend series", "key", key, "error", err)
	}
}

// BucketStarts returns the start of each of the period buckets ending with
// the one that contains now, oldest first.
func BucketStarts(interval domain.Interval, period int, now time.Time) []time.Time {
	last := Align(interval, now)
	starts := make([]time.Time, period)
	for i := range period {
		starts[i] = step(interval, last, i-period+1)
	}
	return starts
}

// Align truncates t to the start of its bucket in UTC. Weeks start on Monday.
func Align(interval domain.Interval, t time.Time) time.Time {
	t = t.UTC()
	y, m, d := t.Date()
	switch interval {
	case domain.IntervalHour:
		return time.Date(y, m, d, t.Hour(), 0, 0, 0, time.UTC)
	case domain.IntervalWeek:
		offset := (int(t.Weekday()) + 6) % 7
		return time.Date(y, m, d-offset, 0, 0, 0, 0, time.UTC)
	case domain.IntervalMonth:
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
}

func step(interval domain.Interval, t time.Time, n int) time.Time {
	switch interval {
	case domain.IntervalHour:
		return t.Add(time.Duration(n) * time.Hour)
	case domain.IntervalWeek:
		return t.AddDate(0, 0, 7*n)
	case domain.IntervalMonth:
		return t.AddDate(0, n, 0)
	default:
		return t.AddDate(0, 0, n)
	}
}
