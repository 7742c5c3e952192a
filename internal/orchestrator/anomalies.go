package orchestrator

import (
	"context"

	"github.com/opensource-finance/heron/internal/anomaly"
	"github.com/opensource-finance/heron/internal/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AnomalyResult is the outcome of an anomaly mutation. Transaction is the
// paired transaction when it was updated. SyncErr reports a failed paired
// update; the anomaly change itself has been committed.
type AnomalyResult struct {
	Anomaly     *domain.Anomaly     `json:"anomaly"`
	Transaction *domain.Transaction `json:"transaction,omitempty"`
	Changed     bool                `json:"changed"`
	SyncErr     error               `json:"-"`
}

// CreateAnomalyFromAssessment raises an anomaly for a stored transaction.
// A nil assessment makes the orchestrator score the transaction itself; if
// the result is not anomalous, Anomaly is nil. The transaction is marked
// as fraud with the anomaly's risk.
func (o *Orchestrator) CreateAnomalyFromAssessment(ctx context.Context, txID string, a *domain.Assessment, opts anomaly.Options, actor *domain.Actor) (*AnomalyResult, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.CreateAnomalyFromAssessment",
		trace.WithAttributes(attribute.String("tx_id", txID)))
	defer span.End()

	if txID == "" {
		return nil, fail(span, domain.Invalid("transactionId", "is required"))
	}
	tx, err := o.repo.GetTransaction(ctx, txID)
	if err != nil {
		return nil, fail(span, err)
	}

	an, err := o.factory.FromTransaction(ctx, tx, a, opts)
	if err != nil {
		return nil, fail(span, err)
	}
	if an == nil {
		return &AnomalyResult{}, nil
	}

	if err := o.repo.CreateAnomaly(ctx, an); err != nil {
		return nil, fail(span, err)
	}
	o.events.Emit(ctx, domain.TopicNewAnomaly, an)
	o.record(ctx, actor, domain.AuditAnomalyCreated, domain.EntityAnomaly, an.ID, map[string]any{
		"transaction_id": txID,
		"risk_score":     an.RiskScore,
		"severity":       an.Severity,
		"rule_name":      an.RuleName,
	})

	res := &AnomalyResult{Anomaly: an, Changed: true}

	risk := an.RiskScore
	updated, err := o.setFraud(ctx, txID, true, &risk)
	if err != nil {
		res.SyncErr = &domain.PropagationError{Direction: domain.DirectionAnomalyToTransaction, EntityID: txID, Err: err}
		o.logger.Warn("failed to flag transaction for new anomaly", "tx_id", txID, "anomaly_id", an.ID, "error", err)
	} else if updated != nil {
		res.Transaction = updated
		o.events.Emit(ctx, domain.TopicTransactionUpdated, updated)
	}

	span.SetAttributes(attribute.String("anomaly_id", an.ID), attribute.Float64("risk_score", an.RiskScore))
	return res, nil
}

// UpdateAnomalyStatus moves an anomaly through its lifecycle and aligns the
// linked transaction's fraud flag.
func (o *Orchestrator) UpdateAnomalyStatus(ctx context.Context, id string, req anomaly.TransitionRequest, actor *domain.Actor) (*AnomalyResult, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.UpdateAnomalyStatus",
		trace.WithAttributes(attribute.String("anomaly_id", id), attribute.String("status", string(req.Status))))
	defer span.End()

	res, err := o.lifecycle.Transition(ctx, id, req, actor)
	if err != nil {
		return nil, fail(span, err)
	}
	return o.afterAnomalyChange(ctx, res, actor), nil
}

// UpdateAnomaly applies a general analyst edit.
func (o *Orchestrator) UpdateAnomaly(ctx context.Context, id string, patch domain.AnomalyPatch, actor *domain.Actor) (*AnomalyResult, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.UpdateAnomaly",
		trace.WithAttributes(attribute.String("anomaly_id", id)))
	defer span.End()

	res, err := o.lifecycle.Update(ctx, id, patch, actor)
	if err != nil {
		return nil, fail(span, err)
	}
	return o.afterAnomalyChange(ctx, res, actor), nil
}

func (o *Orchestrator) afterAnomalyChange(ctx context.Context, res *anomaly.Result, actor *domain.Actor) *AnomalyResult {
	out := &AnomalyResult{Anomaly: res.After, Changed: res.Changed}
	if !res.Changed {
		return out
	}

	tx, err := o.sync.AnomalyStatusChanged(ctx, res)
	if err != nil {
		out.SyncErr = err
		o.logger.Warn("anomaly change not propagated to transaction",
			"anomaly_id", res.After.ID,
			"tx_id", res.After.TransactionID,
			"error", err,
		)
	}
	out.Transaction = tx

	o.events.Emit(ctx, domain.TopicAnomalyUpdated, res.After)
	if tx != nil {
		o.events.Emit(ctx, domain.TopicTransactionUpdated, tx)
	}

	action := domain.AuditAnomalyUpdated
	if res.Closed() {
		action = domain.AuditCaseResolved
	}
	o.record(ctx, actor, action, domain.EntityAnomaly, res.After.ID, map[string]any{
		"previous_status": res.Before.Status,
		"status":          res.After.Status,
		"severity":        res.After.Severity,
		"fraud_synced":    tx != nil,
	})
	return out
}

// AddComment appends an analyst note.
func (o *Orchestrator) AddComment(ctx context.Context, id, text string, actor *domain.Actor) (*domain.Anomaly, *domain.Comment, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.AddComment",
		trace.WithAttributes(attribute.String("anomaly_id", id)))
	defer span.End()

	a, c, err := o.lifecycle.AddComment(ctx, id, text, actor)
	if err != nil {
		return nil, nil, fail(span, err)
	}

	o.events.Emit(ctx, domain.TopicAnomalyUpdated, a)
	o.record(ctx, actor, domain.AuditAnomalyCommentAdded, domain.EntityAnomaly, id, map[string]any{
		"comment_id": c.ID,
	})
	return a, c, nil
}

// DeleteAnomaly removes an anomaly. When it was the last one linked to its
// transaction, the transaction's fraud flag and risk are cleared.
func (o *Orchestrator) DeleteAnomaly(ctx context.Context, id string, actor *domain.Actor) (*AnomalyResult, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.DeleteAnomaly",
		trace.WithAttributes(attribute.String("anomaly_id", id)))
	defer span.End()

	a, err := o.repo.GetAnomaly(ctx, id)
	if err != nil {
		return nil, fail(span, err)
	}
	if err := o.repo.DeleteAnomaly(ctx, id); err != nil {
		return nil, fail(span, err)
	}

	res := &AnomalyResult{Anomaly: a, Changed: true}
	o.events.Emit(ctx, domain.TopicAnomalyDeleted, map[string]string{
		"id":            a.ID,
		"transactionId": a.TransactionID,
	})
	o.record(ctx, actor, domain.AuditAnomalyDeleted, domain.EntityAnomaly, id, map[string]any{
		"transaction_id": a.TransactionID,
		"status":         a.Status,
	})

	if a.TransactionID == "" {
		return res, nil
	}

	_, remaining, err := o.repo.FindAnomalies(ctx, domain.AnomalyFilter{
		TransactionID: a.TransactionID,
		Page:          domain.Page{Limit: 1},
	})
	if err == nil && remaining == 0 {
		zero := 0.0
		var tx *domain.Transaction
		tx, err = o.setFraud(ctx, a.TransactionID, false, &zero)
		if tx != nil {
			res.Transaction = tx
			o.events.Emit(ctx, domain.TopicTransactionUpdated, tx)
		}
	}
	if err != nil {
		res.SyncErr = &domain.PropagationError{Direction: domain.DirectionAnomalyToTransaction, EntityID: a.TransactionID, Err: err}
		o.logger.Warn("failed to clear fraud flag after anomaly deletion", "anomaly_id", id, "tx_id", a.TransactionID, "error", err)
	}
	return res, nil
}
