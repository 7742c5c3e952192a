// Package worker scores transactions submitted asynchronously over the
// EventBus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/orchestrator"
)

// Processor records one submitted transaction.
type Processor interface {
	CreateTransaction(ctx context.Context, tx *domain.Transaction, actor *domain.Actor) (*orchestrator.TransactionResult, error)
}

// Submission is the payload of a transaction.submitted message.
type Submission struct {
	Transaction *domain.Transaction `json:"transaction"`
	Actor       *domain.Actor       `json:"actor,omitempty"`
}

// Submit queues tx for the worker.
func Submit(ctx context.Context, bus domain.EventBus, tx *domain.Transaction, actor *domain.Actor) error {
	payload, err := json.Marshal(Submission{Transaction: tx, Actor: actor})
	if err != nil {
		return fmt.Errorf("encode submission: %w", err)
	}
	return bus.Publish(ctx, domain.TopicTransactionSubmitted, payload)
}

// Worker consumes submissions with bounded concurrency.
type Worker struct {
	bus  domain.EventBus
	proc Processor
	sem  chan struct{}

	mu            sync.Mutex
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a worker allowing concurrency in-flight submissions.
func NewWorker(bus domain.EventBus, proc Processor, concurrency int) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		proc:   proc,
		sem:    make(chan struct{}, concurrency),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the submission topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionSubmitted, w.handleMessage)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("submission worker started",
		"topic", domain.TopicTransactionSubmitted,
		"concurrency", cap(w.sem),
	)
	return nil
}

// handleMessage waits for a slot, then processes the submission in the
// background so the bus can deliver the next message.
func (w *Worker) handleMessage(_ context.Context, msg *domain.Message) error {
	var sub Submission
	if err := json.Unmarshal(msg.Payload, &sub); err != nil {
		slog.Error("failed to parse submission",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if sub.Transaction == nil {
		slog.Error("submission without transaction", "message_id", msg.ID)
		return fmt.Errorf("submission %s has no transaction", msg.ID)
	}

	select {
	case w.sem <- struct{}{}:
	case <-w.ctx.Done():
		return w.ctx.Err()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()
		w.process(&sub)
	}()
	return nil
}

func (w *Worker) process(sub *Submission) {
	start := time.Now()
	tx := sub.Transaction

	slog.Debug("processing submission", "tx_id", tx.ID)

	res, err := w.proc.CreateTransaction(context.WithoutCancel(w.ctx), tx, sub.Actor)
	if err != nil {
		slog.Error("submitted transaction failed",
			"tx_id", tx.ID,
			"error", err,
		)
		return
	}

	anomalyID := ""
	if res.Anomaly != nil {
		anomalyID = res.Anomaly.ID
	}
	slog.Info("submitted transaction processed",
		"tx_id", tx.ID,
		"is_fraud", res.Transaction.IsFraud,
		"risk_score", res.Transaction.RiskScore,
		"anomaly_id", anomalyID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Stop unsubscribes and waits for in-flight submissions.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil
	w.mu.Unlock()

	w.wg.Wait()

	slog.Info("submission worker stopped")
	return nil
}

// Stats reports the worker's subscriptions and in-flight submissions.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	InFlight          int      `json:"inFlight"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		InFlight:          len(w.sem),
	}
}
