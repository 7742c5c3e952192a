// Package anomaly builds anomaly records and drives their investigation
// lifecycle.
package anomaly

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/heron/internal/domain"
)

// DefaultRuleName is used when the caller names no detector.
const DefaultRuleName = "Manual_Creation"

// Assessor scores a transaction on demand.
type Assessor interface {
	AssessTransaction(ctx context.Context, tx *domain.Transaction) (*domain.Assessment, error)
}

// AssessorFunc adapts a function to Assessor.
type AssessorFunc func(ctx context.Context, tx *domain.Transaction) (*domain.Assessment, error)

// AssessTransaction calls f.
func (f AssessorFunc) AssessTransaction(ctx context.Context, tx *domain.Transaction) (*domain.Assessment, error) {
	return f(ctx, tx)
}

// Options override factory defaults.
type Options struct {
	RuleName    string
	Description string
	TriggeredBy *domain.TriggeredBy
}

// Factory builds anomaly records from transactions.
type Factory struct {
	thresholds Thresholds
	assessor   Assessor
	now        func() time.Time
}

// NewFactory creates a factory. assessor is only consulted when no
// assessment is supplied and may be nil otherwise.
func NewFactory(thresholds Thresholds, assessor Assessor) *Factory {
	return &Factory{
		thresholds: thresholds,
		assessor:   assessor,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// FromTransaction builds an open anomaly for tx. With a nil assessment the
// factory assesses tx itself and returns nil, nil when it is not anomalous.
// The result is not persisted.
func (f *Factory) FromTransaction(ctx context.Context, tx *domain.Transaction, assessment *domain.Assessment, opts Options) (*domain.Anomaly, error) {
	if tx == nil {
		return nil, domain.Invalid("transaction", "is required")
	}

	if assessment == nil {
		if f.assessor == nil {
			return nil, fmt.Errorf("no assessment supplied and no assessor configured")
		}
		a, err := f.assessor.AssessTransaction(ctx, tx)
		if err != nil {
			return nil, err
		}
		if !a.IsAnomaly {
			return nil, nil
		}
		assessment = a
	}

	if assessment.RiskScore < 0 || assessment.RiskScore > 1 {
		return nil, domain.Invalid("riskScore", "must be within [0, 1], got %.4f", assessment.RiskScore)
	}

	triggered := Attribute(assessment.ModelVersion, assessment.RiskScore, tx.Amount)
	if opts.TriggeredBy != nil {
		triggered = *opts.TriggeredBy
	}

	ruleName := opts.RuleName
	if ruleName == "" {
		ruleName = DefaultRuleName
	}

	description := opts.Description
	if description == "" {
		description = fmt.Sprintf("Anomaly detected with risk score %.2f using %s.", assessment.RiskScore, triggered.Algorithm)
	}

	return &domain.Anomaly{
		ID:              uuid.New().String(),
		TransactionID:   tx.ID,
		UserID:          tx.UserID,
		RuleName:        ruleName,
		Description:     description,
		Severity:        f.thresholds.Severity(assessment.RiskScore),
		Status:          domain.AnomalyOpen,
		Timestamp:       f.now(),
		RiskScore:       assessment.RiskScore,
		RiskFactors:     append([]string(nil), assessment.RiskFactors...),
		ModelVersion:    assessment.ModelVersion,
		TransactionData: tx.Clone(),
		Comments:        []domain.Comment{},
		TriggeredBy:     triggered,
	}, nil
}
