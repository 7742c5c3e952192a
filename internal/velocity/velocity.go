// Package velocity builds per-user transaction history profiles.
package velocity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// DefaultTTL is how long a computed profile stays cached.
const DefaultTTL = 30 * time.Second

// StatsSource computes a user's history before a point in time.
type StatsSource interface {
	UserStats(ctx context.Context, userID string, at time.Time) (*domain.UserProfile, error)
}

// Service computes user profiles, caching them briefly.
type Service struct {
	stats StatsSource
	cache domain.Cache
	ttl   time.Duration
}

// NewService creates a new velocity service. cache may be nil.
func NewService(stats StatsSource, cache domain.Cache) *Service {
	return &Service{
		stats: stats,
		cache: cache,
		ttl:   DefaultTTL,
	}
}

// Profile returns the history of tx's user strictly before tx's timestamp.
func (s *Service) Profile(ctx context.Context, tx *domain.Transaction) (*domain.UserProfile, error) {
	if tx == nil || tx.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	at := tx.Timestamp.UTC()
	if at.IsZero() {
		at = time.Now().UTC()
	}
	key := cacheKey(tx.UserID, at)

	if s.cache != nil {
		if data, err := s.cache.Get(ctx, key); err == nil && data != nil {
			var p domain.UserProfile
			if err := json.Unmarshal(data, &p); err == nil {
				return &p, nil
			}
		}
	}

	profile, err := s.stats.UserStats(ctx, tx.UserID, at)
	if err != nil {
		return nil, fmt.Errorf("failed to compute user stats: %w", err)
	}

	if s.cache != nil {
		if data, err := json.Marshal(profile); err == nil {
			if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
				slog.Debug("failed to cache profile", "user_id", tx.UserID, "error", err)
			}
		}
	}

	return profile, nil
}

func cacheKey(userID string, at time.Time) string {
	return "profile:" + userID + ":" + strconv.FormatInt(at.UnixNano(), 10)
}
