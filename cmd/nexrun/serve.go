package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aatumaykin/nexrun/internal/admin"
	"github.com/aatumaykin/nexrun/internal/agents"
	"github.com/aatumaykin/nexrun/internal/fsutil"
	"github.com/aatumaykin/nexrun/internal/ids"
	"github.com/aatumaykin/nexrun/internal/jobs"
	"github.com/aatumaykin/nexrun/internal/logger"
	"github.com/aatumaykin/nexrun/internal/metrics"
	"github.com/aatumaykin/nexrun/internal/rules"
	"github.com/aatumaykin/nexrun/internal/runstate"
	"github.com/aatumaykin/nexrun/internal/runtime"
	"github.com/aatumaykin/nexrun/internal/workers"
)

const shutdownTimeout = 30 * time.Second

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the workers, the agent schedule runner and the admin server",
	Long: `Start every polling loop enabled in the configuration and block until
SIGINT or SIGTERM. Workers finish in-flight work before the process exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	logger.SetDefault(log)

	log.Info("starting nexrun",
		logger.Field{Key: "version", Value: Version},
		logger.Field{Key: "git_commit", Value: GitCommit},
		logger.Field{Key: "config", Value: configPath},
		logger.Field{Key: "workspace", Value: cfg.Workspace.Path},
		logger.Field{Key: "store", Value: cfg.Store.Driver})

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(metrics.Namespace, reg)

	loc, err := cfg.Schedule.Location()
	if err != nil {
		return err
	}

	conversations := runtime.NewEchoConversations(log)
	agentRuntime := runtime.NewEchoAgents(a.runs, log)

	g, ctx := errgroup.WithContext(ctx)
	var pools []*workers.Pool

	if cfg.Workers.JobWorkers > 0 {
		pool := workers.NewPool("jobs", cfg.Workers.JobWorkers, log)
		pools = append(pools, pool)
		worker := jobs.NewWorker(jobs.WorkerConfig{
			ID:           ids.WorkerID("jobs"),
			PollInterval: cfg.Workers.PollInterval(),
			LeaseTimeout: cfg.Workers.LeaseTimeout(),
		}, a.store, jobs.NewExecutor(conversations, log.Component("executor")), pool, log.Component("jobs"), m)
		g.Go(func() error { return worker.Run(ctx) })
	}

	if cfg.Rules.Enabled {
		ruleCfg := rules.WorkerConfig{
			PollInterval: cfg.Rules.PollInterval(),
			LeaseTimeout: cfg.Workers.LeaseTimeout(),
		}
		scheduledCfg := ruleCfg
		scheduledCfg.ID = ids.WorkerID("scheduled")
		recurringCfg := ruleCfg
		recurringCfg.ID = ids.WorkerID("recurring")

		scheduled := rules.NewScheduledWorker(scheduledCfg, a.scheduled, a.jobs, log.Component("rules"), m)
		recurring := rules.NewRecurringWorker(recurringCfg, a.recurring, a.jobs, log.Component("rules"), m)
		g.Go(func() error { return scheduled.Run(ctx) })
		g.Go(func() error { return recurring.Run(ctx) })
	}

	var runner *agents.Runner
	if cfg.Agents.Enabled {
		lock, err := agents.LockInstance(cfg.Agents.StatePath)
		if err != nil {
			if errors.Is(err, fsutil.ErrLocked) {
				return fmt.Errorf("another agent schedule runner owns %s: %w", cfg.Agents.StatePath, err)
			}
			return err
		}
		defer lock.Unlock()

		pool := workers.NewPool("agents", cfg.Agents.MaxConcurrent, log)
		pools = append(pools, pool)
		runner = agents.NewRunner(agents.RunnerConfig{
			Interval: cfg.Agents.Interval(),
			Timeout:  cfg.Agents.Timeout(),
		},
			agents.NewFileConfigRepo(cfg.Agents.ConfigPath),
			agents.NewFileStateRepo(cfg.Agents.StatePath),
			a.runs, agentRuntime, pool, log, m,
			agents.WithLocation(loc))
		g.Go(func() error { return runner.Run(ctx) })

		if cfg.Agents.WatchConfig {
			g.Go(func() error {
				return agents.WatchConfig(ctx, cfg.Agents.ConfigPath, runner.Trigger, log)
			})
		}
	}

	if cfg.Admin.Enabled {
		deps := admin.Deps{
			Jobs:     a.jobs,
			Runs:     a.runs,
			Resumer:  runstate.NewResumer(a.runs, agentRuntime, log.Component("resume")),
			Gatherer: reg,
		}
		if runner != nil {
			deps.Agents = runner
		}
		server := admin.NewServer(cfg.Admin.Addr, admin.NewRouter(deps, log), log)
		g.Go(func() error { return server.Run(ctx) })
	}

	err = g.Wait()

	// Let dispatched work finish its bookkeeping.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, p := range pools {
		if stopErr := p.Stop(shutdownCtx); stopErr != nil {
			log.Warn("worker pool did not drain",
				logger.Field{Key: "error", Value: stopErr.Error()})
		}
	}

	log.Info("nexrun stopped")
	return err
}
