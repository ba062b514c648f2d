// Package app assembles the store and services from configuration. The
// server and wfctl share it.
package app

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/pesio-ai/be-contract-workflow/internal/config"
	"github.com/pesio-ai/be-contract-workflow/internal/database"
	"github.com/pesio-ai/be-contract-workflow/internal/directory"
	"github.com/pesio-ai/be-contract-workflow/internal/logger"
	"github.com/pesio-ai/be-contract-workflow/internal/notify"
	"github.com/pesio-ai/be-contract-workflow/internal/repository"
	"github.com/pesio-ai/be-contract-workflow/internal/repository/memory"
	"github.com/pesio-ai/be-contract-workflow/internal/repository/postgres"
	"github.com/pesio-ai/be-contract-workflow/internal/scheduler"
	"github.com/pesio-ai/be-contract-workflow/internal/seed"
	"github.com/pesio-ai/be-contract-workflow/internal/service"
)

// Job names registered by RegisterJobs.
const (
	JobAudit  = "reconciliation"
	JobOutbox = "outbox-relay"
	JobAging  = "task-aging"
)

// App holds the wired engine.
type App struct {
	Store     repository.Store
	Registry  *prometheus.Registry
	Metrics   *service.Metrics
	Scenarios *service.ScenarioService
	Ledger    *service.TaskLedger
	Workflow  *service.WorkflowService
	Recon     *service.ReconciliationService

	db  *database.DB
	cfg *config.Config
	log *logger.Logger
}

// New opens the configured store, applies the seed file if one is set and
// wires the services.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log}

	switch cfg.Store {
	case config.StoreMemory:
		a.Store = memory.New()
		log.Warn().Msg("Using in-memory store; state is lost on restart")
	default:
		db, err := database.New(ctx, database.Config{
			DSN:         cfg.Database.DSN(),
			MaxConns:    cfg.Database.MaxConns,
			MinConns:    cfg.Database.MinConns,
			MaxConnTime: cfg.Database.MaxConnTime,
			MaxIdleTime: cfg.Database.MaxIdleTime,
			HealthCheck: cfg.Database.HealthCheck,
		})
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		a.db = db
		a.Store = postgres.NewStore(db)
		log.Info().
			Str("host", cfg.Database.Host).
			Str("database", cfg.Database.Database).
			Msg("Database connection established")
	}

	if cfg.SeedFile != "" {
		f, err := seed.LoadFile(cfg.SeedFile)
		if err != nil {
			a.Close()
			return nil, err
		}
		if _, err := seed.Apply(ctx, a.Store, f, log); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = service.NewMetrics(a.Registry)

	dir := directory.New(directory.NewScopePolicy(cfg.Directory.Scope), log)
	a.Scenarios = service.NewScenarioService(a.Store, log)
	a.Ledger = service.NewTaskLedger(a.Store, log)
	a.Workflow = service.NewWorkflowService(a.Store, a.Scenarios, a.Ledger, dir,
		[]service.EntityAdapter{service.ContractAdapter{}, service.NewContractChangeAdapter()},
		a.Metrics, log)
	a.Recon = service.NewReconciliationService(a.Store, a.Workflow, a.Ledger, a.Metrics, log)
	return a, nil
}

// Ping checks the backing database. The memory store is always healthy.
func (a *App) Ping(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	return a.db.Ping(ctx)
}

// Close releases the store.
func (a *App) Close() {
	if a.Store != nil {
		a.Store.Close()
	}
}

// RegisterJobs adds the periodic jobs to s. The outbox relay is only
// scheduled when pub is non-nil, and task aging only with a positive
// timeout.
func (a *App) RegisterJobs(s *scheduler.Scheduler, pub notify.Publisher) error {
	audit := func(ctx context.Context) error {
		if a.cfg.Audit.Repair {
			_, err := a.Recon.Repair(ctx)
			return err
		}
		_, err := a.Recon.Audit(ctx)
		return err
	}
	if err := s.Add(JobAudit, a.cfg.Audit.Schedule, audit); err != nil {
		return err
	}

	if pub != nil {
		relay := notify.NewRelay(a.Store, pub, a.cfg.Outbox.BatchSize, a.log)
		if err := s.Add(JobOutbox, a.cfg.Outbox.Schedule, func(ctx context.Context) error {
			n, err := relay.Flush(ctx)
			a.Metrics.OutboxSent(n)
			return err
		}); err != nil {
			return err
		}
	}

	if a.cfg.Tasks.Timeout > 0 {
		timeout := a.cfg.Tasks.Timeout
		if err := s.Add(JobAging, a.cfg.Tasks.AgingSchedule, func(ctx context.Context) error {
			_, err := a.Workflow.ExpireOverdue(ctx, timeout)
			return err
		}); err != nil {
			return err
		}
	}

	a.log.Info().
		Str("audit", a.cfg.Audit.Schedule).
		Bool("repair", a.cfg.Audit.Repair).
		Bool("outbox", pub != nil).
		Dur("task_timeout", a.cfg.Tasks.Timeout).
		Msg("Scheduled jobs registered")
	return nil
}

