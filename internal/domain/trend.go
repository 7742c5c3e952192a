package domain

import "time"

// Interval is a trend bucket width.
type Interval string

const (
	IntervalHour  Interval = "hour"
	IntervalDay   Interval = "day"
	IntervalWeek  Interval = "week"
	IntervalMonth Interval = "month"
)

// Valid reports whether i is a supported interval.
func (i Interval) Valid() bool {
	switch i {
	case IntervalHour, IntervalDay, IntervalWeek, IntervalMonth:
		return true
	}
	return false
}

// BucketStats are the raw counts for one time range.
type BucketStats struct {
	TotalTransactions int64
	AnomalyCount      int64
	AverageRiskScore  float64
}

// TrendPoint is one bucket of a rate trend.
type TrendPoint struct {
	BucketStart       time.Time `json:"bucketStart"`
	BucketEnd         time.Time `json:"bucketEnd"`
	TotalTransactions int64     `json:"totalTransactions"`
	AnomalyCount      int64     `json:"anomalyCount"`
	AnomalyRate       float64   `json:"anomalyRate"`
	AverageRiskScore  float64   `json:"averageRiskScore"`
}

// TrendSeries is an ordered, gap-free sequence of buckets, oldest first.
type TrendSeries struct {
	Interval    Interval     `json:"interval"`
	Period      int          `json:"period"`
	Points      []TrendPoint `json:"points"`
	GeneratedAt time.Time    `json:"generatedAt"`

	// Degraded is set when the store could not answer and Points holds
	// placeholder or last-known-good data.
	Degraded       bool   `json:"degraded"`
	DegradedReason string `json:"degradedReason,omitempty"`
}
