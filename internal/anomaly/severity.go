package anomaly

import (
	"strings"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/shopspring/decimal"
)

// Thresholds are the inclusive lower risk bounds of each severity tier.
type Thresholds struct {
	Critical float64
	High     float64
	Medium   float64
}

// DefaultThresholds returns the standard tiering: 0.95 / 0.8 / 0.5.
func DefaultThresholds() Thresholds {
	return ThresholdsFrom(domain.DefaultConfig().Severity)
}

// ThresholdsFrom converts the configured tiers.
func ThresholdsFrom(cfg domain.SeverityConfig) Thresholds {
	return Thresholds{Critical: cfg.Critical, High: cfg.High, Medium: cfg.Medium}
}

// Severity maps a risk score to its tier.
func (t Thresholds) Severity(risk float64) domain.Severity {
	switch {
	case risk >= t.Critical:
		return domain.SeverityCritical
	case risk >= t.High:
		return domain.SeverityHigh
	case risk >= t.Medium:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

var (
	amountHigh     = decimal.NewFromInt(100000)
	amountElevated = decimal.NewFromInt(50000)
)

// Attribute names the detector credited with an anomaly. Rule-based model
// versions are attributed to the rule engine; everything else to the ML
// detector family that best matches the risk and amount.
func Attribute(modelVersion string, risk float64, amount decimal.Decimal) domain.TriggeredBy {
	mv := strings.ToLower(modelVersion)
	if strings.Contains(mv, "fallback") || strings.Contains(mv, "rule") {
		return domain.TriggeredBy{Type: domain.TriggerRuleEngine, Algorithm: "RuleBasedDetection", Version: modelVersion}
	}

	var algorithm string
	switch {
	case risk >= 0.9:
		algorithm = "Autoencoder"
	case risk >= 0.7 && amount.GreaterThanOrEqual(amountHigh):
		algorithm = "OneClassSVM"
	case amount.GreaterThanOrEqual(amountElevated):
		algorithm = "EnsembleDetection"
	case risk >= 0.6:
		algorithm = "LocalOutlierFactor"
	default:
		algorithm = "IsolationForest"
	}
	return domain.TriggeredBy{Type: domain.TriggerMLModel, Algorithm: algorithm, Version: modelVersion}
}
