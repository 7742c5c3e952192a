// Package assessment turns scorer output into a canonical fraud assessment.
package assessment

import (
	"context"

	"github.com/opensource-finance/heron/internal/domain"
)

// Scorer produces a raw anomaly score for a feature record. Lower raw scores
// are more anomalous.
type Scorer interface {
	Score(ctx context.Context, features domain.Features) (*RawScore, error)
}

// RawScore is a scorer response before normalization.
type RawScore struct {
	Score        float64  `json:"anomaly_score"`
	IsAnomaly    bool     `json:"is_anomaly"`
	ModelVersion string   `json:"model_version"`
	ModelName    string   `json:"model_name,omitempty"`
	RiskFactors  []string `json:"risk_factors,omitempty"`
	Confidence   float64  `json:"confidence,omitempty"`
	Threshold    float64  `json:"threshold,omitempty"`
}
