package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/ingest"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// IngestBatch streams records of the given kind into the store. source is
// recorded in the audit entry only.
func (o *Orchestrator) IngestBatch(ctx context.Context, kind ingest.Kind, stream ingest.RecordStream, source string, actor *domain.Actor) (*ingest.Result, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.IngestBatch",
		trace.WithAttributes(attribute.String("kind", string(kind)), attribute.String("source", source)))
	defer span.End()

	if _, err := ingest.ParseKind(string(kind)); err != nil {
		return nil, fail(span, err)
	}

	p := ingest.NewPipeline(&recordProcessor{o: o, actor: actor}, o.ingestConc, o.defaults, o.thresholds)
	res, err := p.Run(ctx, kind, stream)

	topic, action := domain.TopicTransactionsIngested, domain.AuditTransactionsIngested
	if kind == ingest.KindAnomalies {
		topic, action = domain.TopicAnomaliesIngested, domain.AuditAnomaliesIngested
	}

	summary := map[string]any{
		"source":            source,
		"records_processed": res.Processed,
		"records_inserted":  res.Inserted,
		"errors":            len(res.Errors),
		"skipped":           len(res.Skipped),
		"status":            res.Status,
		"cancelled":         res.Cancelled,
	}
	o.events.Emit(ctx, topic, summary)
	o.record(ctx, actor, action, entityFor(kind), "", summary)

	span.SetAttributes(
		attribute.Int("processed", res.Processed),
		attribute.Int("inserted", res.Inserted),
	)
	if err != nil {
		return res, fail(span, err)
	}
	return res, nil
}

func entityFor(kind ingest.Kind) string {
	if kind == ingest.KindAnomalies {
		return domain.EntityAnomaly
	}
	return domain.EntityTransaction
}

// recordProcessor persists ingested records through the orchestrator.
type recordProcessor struct {
	o     *Orchestrator
	actor *domain.Actor
}

func (p *recordProcessor) ProcessTransaction(ctx context.Context, tx *domain.Transaction) error {
	res, err := p.o.CreateTransaction(ctx, tx, p.actor)
	if err != nil {
		return err
	}
	if res.SyncErr != nil {
		p.o.logger.Warn("ingested transaction has no anomaly", "tx_id", tx.ID, "error", res.SyncErr)
	}
	return nil
}

// ProcessAnomaly stores a pre-built anomaly. Its transaction, when named,
// must already exist; the snapshot and user are filled from it.
func (p *recordProcessor) ProcessAnomaly(ctx context.Context, a *domain.Anomaly) error {
	if a.TransactionID != "" {
		tx, err := p.o.repo.GetTransaction(ctx, a.TransactionID)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: %s", ingest.ErrReferenceMissing, a.TransactionID)
		}
		if err != nil {
			return err
		}
		if a.TransactionData == nil {
			a.TransactionData = tx.Clone()
		}
		if a.UserID == "" {
			a.UserID = tx.UserID
		}
	}

	if err := p.o.repo.CreateAnomaly(ctx, a); err != nil {
		return err
	}
	p.o.events.Emit(ctx, domain.TopicNewAnomaly, a)
	return nil
}
