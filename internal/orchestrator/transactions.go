package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/heron/internal/anomaly"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// TransactionResult is the outcome of recording a new transaction.
type TransactionResult struct {
	Transaction *domain.Transaction `json:"transaction"`
	Assessment  *domain.Assessment  `json:"assessment,omitempty"`
	Anomaly     *domain.Anomaly     `json:"anomaly,omitempty"`

	// ScoringErr is set when the transaction was stored unscored under the
	// skip policy.
	ScoringErr error `json:"-"`

	// SyncErr is set when the transaction was stored flagged but its
	// anomaly could not be created.
	SyncErr error `json:"-"`
}

// CreateTransaction validates, scores and stores a new transaction, raising
// an anomaly when it is flagged.
func (o *Orchestrator) CreateTransaction(ctx context.Context, tx *domain.Transaction, actor *domain.Actor) (*TransactionResult, error) {
	if tx == nil {
		return nil, domain.Invalid("transaction", "is required")
	}

	ctx, span := tracer.Start(ctx, "orchestrator.CreateTransaction",
		trace.WithAttributes(attribute.String("tx_id", tx.ID)))
	defer span.End()

	o.applyDefaults(tx)
	if err := tx.Validate(); err != nil {
		return nil, fail(span, err)
	}

	res := &TransactionResult{Transaction: tx}

	a, skipped, err := o.assess(ctx, tx)
	if err != nil {
		return nil, fail(span, err)
	}
	if skipped != nil {
		res.ScoringErr = skipped
		tx.IsFraud = false
		tx.RiskScore = 0
		tx.ModelVersion = ""
	} else {
		res.Assessment = a
		tx.IsFraud = a.IsAnomaly
		tx.RiskScore = a.RiskScore
		tx.ModelVersion = a.ModelVersion
	}

	if err := o.repo.CreateTransaction(ctx, tx); err != nil {
		return nil, fail(span, err)
	}
	o.events.Emit(ctx, domain.TopicNewTransaction, tx)

	if a != nil && a.IsAnomaly {
		an, err := o.factory.FromTransaction(ctx, tx, a, anomaly.Options{RuleName: DetectionRuleName})
		if err == nil {
			err = o.repo.CreateAnomaly(ctx, an)
		}
		if err != nil {
			res.SyncErr = &domain.PropagationError{Direction: domain.DirectionTransactionToAnomaly, EntityID: tx.ID, Err: err}
			span.RecordError(res.SyncErr)
			o.logger.Warn("transaction stored but anomaly not created", "tx_id", tx.ID, "error", err)
		} else {
			res.Anomaly = an
			o.events.Emit(ctx, domain.TopicNewAnomaly, an)
			o.record(ctx, actor, domain.AuditAnomalyCreated, domain.EntityAnomaly, an.ID, map[string]any{
				"transaction_id": tx.ID,
				"risk_score":     an.RiskScore,
				"severity":       an.Severity,
				"rule_name":      an.RuleName,
			})
		}
	}

	o.record(ctx, actor, domain.AuditTransactionCreated, domain.EntityTransaction, tx.ID, map[string]any{
		"amount":        tx.Amount.String(),
		"is_fraud":      tx.IsFraud,
		"risk_score":    tx.RiskScore,
		"model_version": tx.ModelVersion,
	})

	span.SetAttributes(attribute.Bool("is_fraud", tx.IsFraud), attribute.Float64("risk_score", tx.RiskScore))
	return res, nil
}

func (o *Orchestrator) applyDefaults(tx *domain.Transaction) {
	if tx.Currency == "" {
		tx.Currency = o.defaults.Currency
	}
	if tx.Status == "" {
		tx.Status = o.defaults.Status
	}
	if tx.TransactionType == "" {
		tx.TransactionType = o.defaults.TransactionType
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now().UTC()
	}
}

// TransactionUpdateResult is the outcome of a direct transaction edit.
type TransactionUpdateResult struct {
	Transaction *domain.Transaction `json:"transaction"`
	Created     *domain.Anomaly     `json:"createdAnomaly,omitempty"`
	Updated     []*domain.Anomaly   `json:"updatedAnomalies,omitempty"`
	SyncErr     error               `json:"-"`
}

// UpdateTransaction applies patch and reconciles the linked anomalies.
func (o *Orchestrator) UpdateTransaction(ctx context.Context, id string, patch domain.TransactionPatch, actor *domain.Actor) (*TransactionUpdateResult, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.UpdateTransaction",
		trace.WithAttributes(attribute.String("tx_id", id)))
	defer span.End()

	var before, after *domain.Transaction
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		before, err = o.repo.GetTransaction(ctx, id)
		if err != nil {
			return nil, fail(span, err)
		}
		after = patch.Apply(before)
		if err := after.Validate(); err != nil {
			return nil, fail(span, err)
		}
		if unchanged(before, after) {
			return &TransactionUpdateResult{Transaction: before}, nil
		}
		err = o.repo.UpdateTransaction(ctx, after)
		if !errors.Is(err, domain.ErrConflict) {
			break
		}
	}
	if err != nil {
		return nil, fail(span, err)
	}

	res := &TransactionUpdateResult{Transaction: after}
	out, err := o.sync.TransactionChanged(ctx, before, after, actor)
	if err != nil {
		res.SyncErr = err
		o.logger.Warn("transaction change not fully propagated to anomalies", "tx_id", id, "error", err)
	}
	if out != nil {
		res.Created = out.Created
		res.Updated = out.Updated
	}

	o.events.Emit(ctx, domain.TopicTransactionUpdated, after)
	if res.Created != nil {
		o.events.Emit(ctx, domain.TopicNewAnomaly, res.Created)
		o.record(ctx, actor, domain.AuditAnomalyCreated, domain.EntityAnomaly, res.Created.ID, map[string]any{
			"transaction_id": id,
			"rule_name":      res.Created.RuleName,
		})
	}
	for _, a := range res.Updated {
		o.events.Emit(ctx, domain.TopicAnomalyUpdated, a)
	}

	o.record(ctx, actor, domain.AuditTransactionUpdated, domain.EntityTransaction, id, map[string]any{
		"previous_is_fraud": before.IsFraud,
		"is_fraud":          after.IsFraud,
		"anomalies_updated": len(res.Updated),
	})
	return res, nil
}

func unchanged(a, b *domain.Transaction) bool {
	x, y := *a, *b
	x.Amount, y.Amount = decimal.Zero, decimal.Zero
	x.ReviewedAt, y.ReviewedAt = nil, nil
	return a.Amount.Equal(b.Amount) && sameTime(a.ReviewedAt, b.ReviewedAt) && x == y
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// SyncTransactionFraudFlag sets a transaction's fraud flag by hand and
// reconciles its anomalies.
func (o *Orchestrator) SyncTransactionFraudFlag(ctx context.Context, id string, isFraud bool, actor *domain.Actor) (*TransactionUpdateResult, error) {
	return o.UpdateTransaction(ctx, id, domain.TransactionPatch{IsFraud: &isFraud}, actor)
}

// ReviewTransaction records an analyst's case decision. Confirming fraud
// sets the fraud flag and marking legitimate clears it, reconciling the
// linked anomalies; needs_review leaves the flag alone.
func (o *Orchestrator) ReviewTransaction(ctx context.Context, id string, decision domain.CaseDecision, notes string, actor *domain.Actor) (*TransactionUpdateResult, error) {
	if _, err := domain.ParseCaseDecision(string(decision)); err != nil {
		return nil, err
	}
	before, err := o.repo.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	reviewer := ""
	if actor != nil {
		reviewer = actor.UserID
	}
	patch := domain.TransactionPatch{
		CaseStatus:         &decision,
		ReviewedBy:         &reviewer,
		ReviewedAt:         &now,
		InvestigationNotes: &notes,
	}
	switch decision {
	case domain.DecisionConfirmFraud:
		patch.IsFraud = ptr(true)
	case domain.DecisionMarkLegitimate:
		patch.IsFraud = ptr(false)
	}

	res, err := o.UpdateTransaction(ctx, id, patch, actor)
	if err != nil {
		return nil, err
	}

	o.record(ctx, actor, domain.AuditCaseDecision, domain.EntityTransaction, id, map[string]any{
		"decision":              decision,
		"notes":                 notes,
		"previous_fraud_status": before.IsFraud,
		"new_fraud_status":      res.Transaction.IsFraud,
		"risk_score":            before.RiskScore,
		"amount":                before.Amount.String(),
	})
	if decision == domain.DecisionConfirmFraud {
		o.record(ctx, actor, domain.AuditFraudConfirmed, domain.EntityTransaction, id, map[string]any{
			"amount":   before.Amount.String(),
			"sender":   before.SenderAccount,
			"receiver": before.ReceiverAccount,
		})
	}
	return res, nil
}

func ptr[T any](v T) *T { return &v }

// RescoreTransaction re-runs prediction for a single stored transaction.
func (o *Orchestrator) RescoreTransaction(ctx context.Context, id string, actor *domain.Actor) (*BatchResult, error) {
	if _, err := o.repo.GetTransaction(ctx, id); err != nil {
		return nil, err
	}
	return o.BatchPredict(ctx, domain.TransactionFilter{IDs: []string{id}}, actor)
}

// BatchError names a transaction that could not be re-scored.
type BatchError struct {
	TransactionID string `json:"transactionId"`
	Reason        string `json:"reason"`
}

// BatchResult summarizes a batch prediction run.
type BatchResult struct {
	Processed        int          `json:"processed"`
	Updated          int          `json:"updated"`
	AnomaliesCreated int          `json:"anomaliesCreated"`
	Errors           []BatchError `json:"errors"`
	Cancelled        bool         `json:"cancelled"`
}

// BatchPredict re-scores every transaction matching filter with bounded
// concurrency; filter.IDs narrows the run to named transactions. Newly
// flagged transactions get an anomaly. Cancelling ctx stops scheduling and
// returns the partial result.
func (o *Orchestrator) BatchPredict(ctx context.Context, filter domain.TransactionFilter, actor *domain.Actor) (*BatchResult, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.BatchPredict")
	defer span.End()

	txs, err := o.collect(ctx, filter)
	if err != nil {
		if ctx.Err() != nil {
			return &BatchResult{Errors: []BatchError{}, Cancelled: true}, fail(span, fmt.Errorf("batch prediction cancelled: %w", ctx.Err()))
		}
		return nil, fail(span, err)
	}

	res := &BatchResult{Errors: []BatchError{}}
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(max(o.ingestConc, 1))
	for _, tx := range txs {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}
		g.Go(func() error {
			updated, created, err := o.rescore(ctx, tx)
			mu.Lock()
			defer mu.Unlock()
			res.Processed++
			if err != nil {
				res.Errors = append(res.Errors, BatchError{TransactionID: tx.ID, Reason: err.Error()})
				return nil
			}
			if updated {
				res.Updated++
			}
			if created {
				res.AnomaliesCreated++
			}
			return nil
		})
	}
	g.Wait()

	o.record(ctx, actor, domain.AuditBatchPredictCompleted, domain.EntityTransaction, "", map[string]any{
		"processed":         res.Processed,
		"updated":           res.Updated,
		"anomalies_created": res.AnomaliesCreated,
		"errors":            len(res.Errors),
		"cancelled":         res.Cancelled,
	})
	o.logger.Info("batch prediction finished",
		"processed", res.Processed,
		"updated", res.Updated,
		"anomalies_created", res.AnomaliesCreated,
		"errors", len(res.Errors),
	)

	if res.Cancelled {
		return res, fail(span, fmt.Errorf("batch prediction cancelled after %d transactions: %w", res.Processed, ctx.Err()))
	}
	return res, nil
}

// collect pages through every transaction matching filter.
func (o *Orchestrator) collect(ctx context.Context, filter domain.TransactionFilter) ([]*domain.Transaction, error) {
	var all []*domain.Transaction
	filter.Page = domain.Page{Limit: domain.MaxPageLimit}
	for {
		batch, total, err := o.repo.FindTransactions(ctx, filter)
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
		filter.Page.Offset += len(batch)
		if len(batch) == 0 || filter.Page.Offset >= total {
			return all, nil
		}
	}
}

func (o *Orchestrator) rescore(ctx context.Context, tx *domain.Transaction) (updated, created bool, err error) {
	a, skipped, err := o.assess(ctx, tx)
	if err != nil {
		return false, false, err
	}
	if skipped != nil {
		return false, false, skipped
	}

	var cur *domain.Transaction
	wasFraud := false
	for attempt := 0; attempt < maxAttempts; attempt++ {
		cur, err = o.repo.GetTransaction(ctx, tx.ID)
		if err != nil {
			return false, false, err
		}
		wasFraud = cur.IsFraud
		if cur.IsFraud == a.IsAnomaly && cur.RiskScore == a.RiskScore && cur.ModelVersion == a.ModelVersion {
			break
		}
		cur.IsFraud = a.IsAnomaly
		cur.RiskScore = a.RiskScore
		cur.ModelVersion = a.ModelVersion
		err = o.repo.UpdateTransaction(ctx, cur)
		if err == nil {
			updated = true
			o.events.Emit(ctx, domain.TopicTransactionUpdated, cur)
			break
		}
		if !errors.Is(err, domain.ErrConflict) {
			return false, false, err
		}
	}
	if err != nil {
		return false, false, err
	}

	if a.IsAnomaly && !wasFraud {
		an, err := o.factory.FromTransaction(ctx, cur, a, anomaly.Options{RuleName: BatchRuleName})
		if err == nil {
			err = o.repo.CreateAnomaly(ctx, an)
		}
		if err != nil {
			return updated, false, fmt.Errorf("anomaly not created: %w", err)
		}
		o.events.Emit(ctx, domain.TopicNewAnomaly, an)
		created = true
	}
	return updated, created, nil
}
