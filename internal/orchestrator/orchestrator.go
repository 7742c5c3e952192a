// Package orchestrator is the fraud anomaly lifecycle surface. It wires
// scoring, the anomaly factory and lifecycle, the consistency synchronizer,
// bulk ingestion and rate trends to storage, events and the audit log.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/heron/internal/anomaly"
	"github.com/opensource-finance/heron/internal/assessment"
	"github.com/opensource-finance/heron/internal/audit"
	"github.com/opensource-finance/heron/internal/bus"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/reconcile"
	"github.com/opensource-finance/heron/internal/trend"
	"github.com/opensource-finance/heron/internal/velocity"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("heron-orchestrator")

// Rule names recorded on anomalies raised by scoring.
const (
	DetectionRuleName = "ML_Anomaly_Detection"
	BatchRuleName     = "Batch_ML_Detection"
)

const maxAttempts = 3

// Assessor scores a feature record.
type Assessor interface {
	Assess(ctx context.Context, features domain.Features) (*domain.Assessment, error)
}

// Deps are the collaborators the orchestrator needs. Scorer and Repository
// are required; the rest have working defaults.
type Deps struct {
	Repository domain.Repository
	Scorer     Assessor

	// Fallback is used under the fallback policy. When nil it is built from
	// the scoring config as the local rule scorer.
	Fallback Assessor

	Cache domain.Cache
	Bus   domain.EventBus
	Audit domain.AuditSink
}

// Orchestrator is stateless apart from its collaborators and safe for
// concurrent use.
type Orchestrator struct {
	repo       domain.Repository
	scorer     Assessor
	fallback   Assessor
	policy     string
	defaults   domain.FeatureDefaults
	thresholds anomaly.Thresholds
	ingestConc int

	profiles  *velocity.Service
	factory   *anomaly.Factory
	lifecycle *anomaly.Manager
	sync      *reconcile.Synchronizer
	trends    *trend.Aggregator
	events    *bus.Emitter
	audit     domain.AuditSink
	logger    *slog.Logger
}

// New builds an orchestrator from cfg and deps.
func New(cfg *domain.Config, deps Deps) (*Orchestrator, error) {
	if deps.Repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if deps.Scorer == nil {
		return nil, fmt.Errorf("scorer is required")
	}
	if cfg == nil {
		cfg = domain.DefaultConfig()
	}

	logger := slog.Default().With("component", "orchestrator")

	o := &Orchestrator{
		repo:       deps.Repository,
		scorer:     deps.Scorer,
		fallback:   deps.Fallback,
		policy:     cfg.Scoring.Policy,
		defaults:   cfg.Scoring.Defaults,
		thresholds: anomaly.ThresholdsFrom(cfg.Severity),
		ingestConc: cfg.Ingest.Concurrency,
		profiles:   velocity.NewService(deps.Repository, deps.Cache),
		trends:     trend.NewAggregator(deps.Repository, deps.Cache, cfg.Trend),
		events:     bus.NewEmitter(deps.Bus, logger),
		audit:      deps.Audit,
		logger:     logger,
	}
	if o.policy == "" {
		o.policy = domain.PolicyFallback
	}
	if o.audit == nil {
		o.audit = audit.Discard{}
	}
	if o.policy == domain.PolicyFallback && o.fallback == nil {
		fb, err := assessment.NewFallback(cfg.Scoring)
		if err != nil {
			return nil, fmt.Errorf("failed to build fallback scorer: %w", err)
		}
		o.fallback = fb
	}

	o.factory = anomaly.NewFactory(o.thresholds, o)
	o.lifecycle = anomaly.NewManager(deps.Repository)
	o.sync = reconcile.New(deps.Repository, o.lifecycle, o.factory)

	return o, nil
}

// AssessTransaction scores tx under the configured policy. Under the skip
// policy a scoring failure is returned as is.
func (o *Orchestrator) AssessTransaction(ctx context.Context, tx *domain.Transaction) (*domain.Assessment, error) {
	a, skipped, err := o.assess(ctx, tx)
	if err != nil {
		return nil, err
	}
	if skipped != nil {
		return nil, skipped
	}
	return a, nil
}

// assess applies the scoring policy. Under skip, a scoring failure comes
// back as skipped with a nil assessment and a nil err.
func (o *Orchestrator) assess(ctx context.Context, tx *domain.Transaction) (a *domain.Assessment, skipped error, err error) {
	profile, perr := o.profiles.Profile(ctx, tx)
	if perr != nil {
		o.logger.Warn("velocity profile unavailable, scoring without history", "tx_id", tx.ID, "error", perr)
	}
	features := assessment.Project(tx, profile, o.defaults)

	a, err = o.scorer.Assess(ctx, features)
	if err == nil {
		return a, nil, nil
	}
	if !errors.Is(err, domain.ErrScoringUnavailable) {
		return nil, nil, err
	}

	switch o.policy {
	case domain.PolicySkip:
		o.logger.Warn("scoring unavailable, persisting unscored", "tx_id", tx.ID, "error", err)
		return nil, err, nil
	case domain.PolicyFallback:
		if o.fallback == nil {
			return nil, nil, err
		}
		o.logger.Warn("scoring unavailable, using fallback rules", "tx_id", tx.ID, "error", err)
		a, ferr := o.fallback.Assess(ctx, features)
		if ferr != nil {
			return nil, nil, errors.Join(err, ferr)
		}
		return a, nil, nil
	default:
		return nil, nil, err
	}
}

// GetRateTrend returns the anomaly-rate series for the last period buckets.
func (o *Orchestrator) GetRateTrend(ctx context.Context, interval domain.Interval, period int) (*domain.TrendSeries, error) {
	return o.trends.Trend(ctx, interval, period)
}

// GetTransaction returns a stored transaction.
func (o *Orchestrator) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return o.repo.GetTransaction(ctx, id)
}

// ListTransactions returns one page of transactions and the match count.
func (o *Orchestrator) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]*domain.Transaction, int, error) {
	filter.Page = filter.Page.Normalize()
	return o.repo.FindTransactions(ctx, filter)
}

// GetAnomaly returns a stored anomaly.
func (o *Orchestrator) GetAnomaly(ctx context.Context, id string) (*domain.Anomaly, error) {
	return o.repo.GetAnomaly(ctx, id)
}

// ListAnomalies returns one page of anomalies and the match count.
func (o *Orchestrator) ListAnomalies(ctx context.Context, filter domain.AnomalyFilter) ([]*domain.Anomaly, int, error) {
	for _, s := range filter.Statuses {
		if !s.Valid() {
			return nil, 0, domain.Invalid("status", "unknown value %q", s)
		}
	}
	if filter.Severity != "" && !filter.Severity.Valid() {
		return nil, 0, domain.Invalid("severity", "unknown value %q", filter.Severity)
	}
	filter.Page = filter.Page.Normalize()
	return o.repo.FindAnomalies(ctx, filter)
}

// AuditTrail lists audit entries for an entity, newest first.
func (o *Orchestrator) AuditTrail(ctx context.Context, entityType, entityID string, page domain.Page) ([]*domain.AuditEntry, error) {
	return o.repo.ListAudit(ctx, entityType, entityID, page)
}

// Ping checks the repository.
func (o *Orchestrator) Ping(ctx context.Context) error {
	return o.repo.Ping(ctx)
}

func (o *Orchestrator) record(ctx context.Context, actor *domain.Actor, action, entityType, entityID string, details map[string]any) {
	o.audit.Append(ctx, domain.NewAuditEntry(actor, action, entityType, entityID, details))
}

// setFraud writes is_fraud (and risk, when non-nil) on a transaction,
// re-reading on version conflicts. It returns nil when nothing changed.
func (o *Orchestrator) setFraud(ctx context.Context, txID string, isFraud bool, risk *float64) (*domain.Transaction, error) {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		var tx *domain.Transaction
		tx, err = o.repo.GetTransaction(ctx, txID)
		if err != nil {
			return nil, err
		}
		if tx.IsFraud == isFraud && (risk == nil || tx.RiskScore == *risk) {
			return nil, nil
		}
		tx.IsFraud = isFraud
		if risk != nil {
			tx.RiskScore = *risk
		}
		err = o.repo.UpdateTransaction(ctx, tx)
		if err == nil {
			return tx, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return nil, err
		}
	}
	return nil, err
}

func fail(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
