// Package ingest streams bulk transaction and anomaly records into the
// orchestrator with per-record fault isolation.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/heron/internal/anomaly"
	"github.com/opensource-finance/heron/internal/domain"
	"golang.org/x/sync/errgroup"
)

// ErrReferenceMissing is returned by a Processor when an anomaly names a
// transaction that does not exist. Such records are skipped, not failed.
var ErrReferenceMissing = errors.New("referenced transaction does not exist")

// Processor persists one parsed record.
type Processor interface {
	ProcessTransaction(ctx context.Context, tx *domain.Transaction) error
	ProcessAnomaly(ctx context.Context, a *domain.Anomaly) error
}

// Kind selects what a stream contains.
type Kind string

const (
	KindTransactions Kind = "transactions"
	KindAnomalies    Kind = "anomalies"
)

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindTransactions, KindAnomalies:
		return Kind(s), nil
	}
	return "", domain.Invalid("kind", "must be %q or %q, got %q", KindTransactions, KindAnomalies, s)
}

// Batch statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// RecordError describes one failed or skipped record.
type RecordError struct {
	Ref    string `json:"ref"`
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// Result summarizes an ingestion run.
type Result struct {
	Kind      Kind          `json:"kind"`
	Processed int           `json:"processed"`
	Parsed    int           `json:"parsed"`
	Inserted  int           `json:"inserted"`
	Errors    []RecordError `json:"errors"`
	Skipped   []RecordError `json:"skipped"`
	Cancelled bool          `json:"cancelled"`
	Status    string        `json:"status"`
	Duration  time.Duration `json:"duration"`
}

// Err reports record-level failures of an otherwise successful run.
func (r *Result) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d of %d records failed", domain.ErrBatchPartialFailure, len(r.Errors), r.Processed)
}

// Pipeline runs records through a Processor with bounded concurrency.
type Pipeline struct {
	proc        Processor
	concurrency int
	defaults    domain.FeatureDefaults
	thresholds  anomaly.Thresholds
	logger      *slog.Logger
}

// NewPipeline creates a pipeline. concurrency below 1 is treated as 1.
func NewPipeline(proc Processor, concurrency int, defaults domain.FeatureDefaults, thresholds anomaly.Thresholds) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pipeline{
		proc:        proc,
		concurrency: concurrency,
		defaults:    defaults,
		thresholds:  thresholds,
		logger:      slog.Default().With("component", "ingest"),
	}
}

// Run drains the stream. A record failure never stops the run; cancelling
// ctx stops reading and returns the partial result with an error wrapping
// ctx.Err(). A run with nothing parsed or nothing succeeding returns an
// error wrapping domain.ErrBatchFailed.
func (p *Pipeline) Run(ctx context.Context, kind Kind, stream RecordStream) (*Result, error) {
	start := time.Now()
	res := &Result{Kind: kind, Errors: []RecordError{}, Skipped: []RecordError{}}

	var mu sync.Mutex
	fail := func(rec *Record, reason string) {
		mu.Lock()
		res.Errors = append(res.Errors, RecordError{Ref: rec.Ref, Line: rec.Line, Reason: reason})
		mu.Unlock()
	}

	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)

	var streamErr error
	for {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}

		rec, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			streamErr = err
			break
		}
		res.Processed++

		if rec.Err != nil {
			fail(rec, rec.Err.Error())
			continue
		}

		work, err := p.prepare(kind, rec)
		if err != nil {
			fail(rec, err.Error())
			continue
		}
		res.Parsed++

		g.Go(func() error {
			err := work(ctx)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.Inserted++
			case errors.Is(err, ErrReferenceMissing):
				res.Skipped = append(res.Skipped, RecordError{Ref: rec.Ref, Line: rec.Line, Reason: err.Error()})
			default:
				res.Errors = append(res.Errors, RecordError{Ref: rec.Ref, Line: rec.Line, Reason: err.Error()})
			}
			return nil
		})
	}
	g.Wait()

	sort.Slice(res.Errors, func(i, j int) bool { return res.Errors[i].Line < res.Errors[j].Line })
	sort.Slice(res.Skipped, func(i, j int) bool { return res.Skipped[i].Line < res.Skipped[j].Line })
	res.Duration = time.Since(start)

	// Skipped records are neither inserted nor failed; a run of only
	// skips succeeds.
	if res.Parsed == 0 || (res.Inserted == 0 && len(res.Errors) > 0) {
		res.Status = StatusFailed
	} else {
		res.Status = StatusSuccess
	}

	p.logger.Info("ingest finished",
		"kind", kind,
		"processed", res.Processed,
		"inserted", res.Inserted,
		"errors", len(res.Errors),
		"skipped", len(res.Skipped),
		"cancelled", res.Cancelled,
		"duration_ms", res.Duration.Milliseconds(),
	)

	switch {
	case res.Cancelled:
		return res, fmt.Errorf("ingest cancelled after %d records: %w", res.Processed, ctx.Err())
	case streamErr != nil:
		res.Status = StatusFailed
		return res, fmt.Errorf("%w: %w", domain.ErrBatchFailed, streamErr)
	case res.Status == StatusFailed:
		return res, fmt.Errorf("%w: %d parsed, %d inserted", domain.ErrBatchFailed, res.Parsed, res.Inserted)
	}
	return res, nil
}

func (p *Pipeline) prepare(kind Kind, rec *Record) (func(context.Context) error, error) {
	switch kind {
	case KindTransactions:
		tx, err := ParseTransaction(rec.Fields, p.defaults)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) error { return p.proc.ProcessTransaction(ctx, tx) }, nil
	case KindAnomalies:
		a, err := ParseAnomaly(rec.Fields, p.thresholds)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) error { return p.proc.ProcessAnomaly(ctx, a) }, nil
	}
	return nil, domain.Invalid("kind", "unknown %q", kind)
}
