package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// BucketStats counts transactions and anomalies with timestamps in [from, to)
// and averages the anomalies' risk scores.
func (r *SQLRepository) BucketStats(ctx context.Context, from, to time.Time) (*domain.BucketStats, error) {
	from, to = from.UTC(), to.UTC()

	var stats domain.BucketStats

	txQuery := `SELECT COUNT(*) FROM transactions WHERE timestamp >= ? AND timestamp < ?`
	if err := r.db.QueryRowContext(ctx, r.rebind(txQuery), from, to).Scan(&stats.TotalTransactions); err != nil {
		return nil, err
	}

	var avg sql.NullFloat64
	anQuery := `SELECT COUNT(*), AVG(risk_score) FROM anomalies WHERE timestamp >= ? AND timestamp < ?`
	if err := r.db.QueryRowContext(ctx, r.rebind(anQuery), from, to).Scan(&stats.AnomalyCount, &avg); err != nil {
		return nil, err
	}
	if avg.Valid {
		stats.AverageRiskScore = avg.Float64
	}

	return &stats, nil
}
