package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/heron/internal/assessment"
	"github.com/opensource-finance/heron/internal/audit"
	"github.com/opensource-finance/heron/internal/bus"
	"github.com/opensource-finance/heron/internal/cache"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/orchestrator"
	"github.com/opensource-finance/heron/internal/repository"
)

// app holds the backing services shared by every command.
type app struct {
	cfg   *domain.Config
	repo  *repository.SQLRepository
	cache domain.Cache
	bus   domain.EventBus
	audit *audit.Sink
	orch  *orchestrator.Orchestrator
}

func newApp(cfg *domain.Config) (*app, error) {
	a := &app{cfg: cfg}

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}
	a.repo = repo
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	a.cache = cacheImpl
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize event bus: %w", err)
	}
	a.bus = busImpl
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	scorer, err := assessment.NewFromConfig(cfg.Scoring)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize scorer: %w", err)
	}

	a.audit = audit.NewSink(repo, audit.DefaultBufferSize)

	orch, err := orchestrator.New(cfg, orchestrator.Deps{
		Repository: repo,
		Scorer:     scorer,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Audit:      a.audit,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize orchestrator: %w", err)
	}
	a.orch = orch
	slog.Info("orchestrator initialized",
		"scorer", cfg.Scoring.Type,
		"scoring_policy", cfg.Scoring.Policy,
		"ingest_concurrency", cfg.Ingest.Concurrency,
	)
	return a, nil
}

// Close releases services in reverse order. The audit sink drains before
// the repository it writes to is closed.
func (a *app) Close() error {
	var errs []error
	if a.audit != nil {
		errs = append(errs, a.audit.Close())
	}
	if a.bus != nil {
		errs = append(errs, a.bus.Close())
	}
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.repo != nil {
		errs = append(errs, a.repo.Close())
	}
	return errors.Join(errs...)
}
