// Package reconcile keeps a transaction's fraud flag and its anomalies in
// agreement. Each direction writes only the other entity, so a change never
// echoes back into its own direction.
package reconcile

import (
	"context"
	"errors"
	"log/slog"

	"github.com/opensource-finance/heron/internal/anomaly"
	"github.com/opensource-finance/heron/internal/domain"
)

// Manual flag provenance.
const (
	ManualRuleName     = "Manual_Fraud_Flag"
	ManualModelVersion = "manual_v1.0"
	ManualRiskScore    = 0.9
	ManualRiskFactor   = "manual_fraud_flag"
)

const maxAttempts = 3

// Store is the persistence the synchronizer needs.
type Store interface {
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	UpdateTransaction(ctx context.Context, tx *domain.Transaction) error
	CreateAnomaly(ctx context.Context, a *domain.Anomaly) error
	GetAnomaly(ctx context.Context, id string) (*domain.Anomaly, error)
	UpdateAnomaly(ctx context.Context, a *domain.Anomaly) error
	FindAnomalies(ctx context.Context, filter domain.AnomalyFilter) ([]*domain.Anomaly, int, error)
}

// Outcome lists the anomalies written while reconciling a transaction change.
type Outcome struct {
	Created *domain.Anomaly
	Updated []*domain.Anomaly
}

// Synchronizer propagates fraud-status changes between paired entities.
type Synchronizer struct {
	store     Store
	lifecycle *anomaly.Manager
	factory   *anomaly.Factory
}

// New creates a synchronizer.
func New(store Store, lifecycle *anomaly.Manager, factory *anomaly.Factory) *Synchronizer {
	return &Synchronizer{
		store:     store,
		lifecycle: lifecycle,
		factory:   factory,
	}
}

// AnomalyStatusChanged aligns the linked transaction's is_fraud with a status
// change: resolved confirms fraud, false_positive clears it. It returns the
// updated transaction, or nil when nothing needed to change. Failures come
// back as *domain.PropagationError; the anomaly write is never undone.
func (s *Synchronizer) AnomalyStatusChanged(ctx context.Context, res *anomaly.Result) (*domain.Transaction, error) {
	if res == nil || !res.StatusChanged() || res.After.TransactionID == "" {
		return nil, nil
	}

	var want bool
	switch res.After.Status {
	case domain.AnomalyResolved:
		want = true
	case domain.AnomalyFalsePositive:
		want = false
	default:
		return nil, nil
	}

	txID := res.After.TransactionID
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		var tx *domain.Transaction
		tx, err = s.store.GetTransaction(ctx, txID)
		if err != nil {
			break
		}
		if tx.IsFraud == want {
			return nil, nil
		}

		tx.IsFraud = want
		err = s.store.UpdateTransaction(ctx, tx)
		if err == nil {
			slog.Info("transaction fraud flag synchronized",
				"tx_id", txID,
				"anomaly_id", res.After.ID,
				"is_fraud", want,
			)
			return tx, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			break
		}
	}

	return nil, &domain.PropagationError{
		Direction: domain.DirectionAnomalyToTransaction,
		EntityID:  txID,
		Err:       err,
	}
}

// TransactionChanged reconciles anomalies after a direct transaction edit.
// Flagging creates an open manual-review anomaly; unflagging moves every open
// anomaly to false_positive; edits to mirrored fields refresh each anomaly's
// transaction snapshot. Work continues past individual failures, which are
// joined into one *domain.PropagationError.
func (s *Synchronizer) TransactionChanged(ctx context.Context, before, after *domain.Transaction, actor *domain.Actor) (*Outcome, error) {
	out := &Outcome{}
	if before == nil || after == nil {
		return out, nil
	}

	var errs []error
	updated := make(map[string]*domain.Anomaly)

	switch {
	case !before.IsFraud && after.IsFraud:
		created, err := s.flag(ctx, after, actor)
		if err != nil {
			errs = append(errs, err)
		}
		out.Created = created

	case before.IsFraud && !after.IsFraud:
		for _, a := range s.unflag(ctx, after.ID, actor, &errs) {
			updated[a.ID] = a
		}
	}

	if domain.SnapshotChanged(before, after) {
		for _, a := range s.refreshSnapshots(ctx, after, &errs) {
			updated[a.ID] = a
		}
	}

	for _, a := range updated {
		out.Updated = append(out.Updated, a)
	}

	if len(errs) > 0 {
		return out, &domain.PropagationError{
			Direction: domain.DirectionTransactionToAnomaly,
			EntityID:  after.ID,
			Err:       errors.Join(errs...),
		}
	}
	return out, nil
}

func (s *Synchronizer) flag(ctx context.Context, tx *domain.Transaction, actor *domain.Actor) (*domain.Anomaly, error) {
	a, err := s.factory.FromTransaction(ctx, tx, &domain.Assessment{
		IsAnomaly:    true,
		RiskScore:    ManualRiskScore,
		ModelVersion: ManualModelVersion,
		RiskFactors:  []string{ManualRiskFactor},
	}, anomaly.Options{
		RuleName:    ManualRuleName,
		Description: "Transaction manually flagged as fraud.",
		TriggeredBy: &domain.TriggeredBy{
			Type:      domain.TriggerManualReview,
			Algorithm: "Human_Analysis",
			Version:   "1.0",
		},
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateAnomaly(ctx, a); err != nil {
		return nil, err
	}

	by := "anonymous"
	if actor != nil && actor.UserID != "" {
		by = actor.UserID
	}
	slog.Info("manual fraud flag created anomaly",
		"tx_id", tx.ID,
		"anomaly_id", a.ID,
		"flagged_by", by,
	)
	return a, nil
}

func (s *Synchronizer) unflag(ctx context.Context, txID string, actor *domain.Actor, errs *[]error) []*domain.Anomaly {
	open, err := s.linked(ctx, txID, domain.AnomalyOpen)
	if err != nil {
		*errs = append(*errs, err)
		return nil
	}

	var changed []*domain.Anomaly
	for _, a := range open {
		var res *anomaly.Result
		for attempt := 0; attempt < maxAttempts; attempt++ {
			res, err = s.lifecycle.Transition(ctx, a.ID, anomaly.TransitionRequest{Status: domain.AnomalyFalsePositive}, actor)
			if !errors.Is(err, domain.ErrConflict) {
				break
			}
		}
		if err != nil {
			*errs = append(*errs, err)
			continue
		}
		if res.Changed {
			changed = append(changed, res.After)
		}
	}
	return changed
}

func (s *Synchronizer) refreshSnapshots(ctx context.Context, tx *domain.Transaction, errs *[]error) []*domain.Anomaly {
	linked, err := s.linked(ctx, tx.ID)
	if err != nil {
		*errs = append(*errs, err)
		return nil
	}

	var refreshed []*domain.Anomaly
	for _, a := range linked {
		var cur *domain.Anomaly
		for attempt := 0; attempt < maxAttempts; attempt++ {
			cur, err = s.store.GetAnomaly(ctx, a.ID)
			if err != nil {
				break
			}
			cur.TransactionData = tx.Clone()
			err = s.store.UpdateAnomaly(ctx, cur)
			if !errors.Is(err, domain.ErrConflict) {
				break
			}
		}
		if err != nil {
			*errs = append(*errs, err)
			continue
		}
		refreshed = append(refreshed, cur)
	}
	return refreshed
}

// linked pages through every anomaly referencing txID.
func (s *Synchronizer) linked(ctx context.Context, txID string, statuses ...domain.AnomalyStatus) ([]*domain.Anomaly, error) {
	var all []*domain.Anomaly
	page := domain.Page{Limit: domain.MaxPageLimit}
	for {
		batch, total, err := s.store.FindAnomalies(ctx, domain.AnomalyFilter{
			TransactionID: txID,
			Statuses:      statuses,
			Page:          page,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
		page.Offset += len(batch)
		if len(batch) == 0 || page.Offset >= total {
			return all, nil
		}
	}
}
