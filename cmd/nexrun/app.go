package main

import (
	"context"
	"fmt"

	"github.com/aatumaykin/nexrun/internal/config"
	"github.com/aatumaykin/nexrun/internal/jobs"
	"github.com/aatumaykin/nexrun/internal/logger"
	"github.com/aatumaykin/nexrun/internal/rules"
	"github.com/aatumaykin/nexrun/internal/runlog"
	"github.com/aatumaykin/nexrun/internal/store/filestore"
	"github.com/aatumaykin/nexrun/internal/store/postgres"
)

// backend is a store that serves jobs and both rule kinds.
type backend interface {
	jobs.Store
	rules.ScheduledStore
	rules.RecurringStore
}

// app holds the components shared by serve and the management commands.
type app struct {
	cfg       *config.Config
	log       *logger.Logger
	store     backend
	jobs      *jobs.Service
	scheduled *rules.ScheduledService
	recurring *rules.RecurringService
	runs      *runlog.FileRepo
	close     func() error
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, log)
}

func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	loc, err := cfg.Schedule.Location()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, close: func() error { return nil }}

	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pg, err := postgres.Open(ctx, cfg.Store.DSN, log)
		if err != nil {
			return nil, err
		}
		a.store = pg
		a.close = pg.Close
	default:
		fs, err := filestore.New(cfg.Store.Dir, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open file store: %w", err)
		}
		a.store = fs
	}

	a.jobs = jobs.NewService(a.store, log.Component("jobs"))
	a.scheduled = rules.NewScheduledService(a.store, log.Component("rules"), rules.WithLocation(loc))
	a.recurring = rules.NewRecurringService(a.store, log.Component("rules"), rules.WithLocation(loc))
	a.runs = runlog.NewFileRepo(cfg.Runs.Dir, cfg.Runs.PageSize, nil, log.Component("runlog"))
	return a, nil
}
