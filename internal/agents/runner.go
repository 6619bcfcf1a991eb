package agents

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aatumaykin/nexrun/internal/chat"
	"github.com/aatumaykin/nexrun/internal/logger"
	"github.com/aatumaykin/nexrun/internal/metrics"
	"github.com/aatumaykin/nexrun/internal/retry"
	"github.com/aatumaykin/nexrun/internal/runlog"
	"github.com/aatumaykin/nexrun/internal/runstate"
	"github.com/aatumaykin/nexrun/internal/schedule"
	"github.com/aatumaykin/nexrun/internal/workers"
)

const (
	DefaultInterval = 60 * time.Second
	DefaultTimeout  = 30 * time.Minute
)

// RunnerConfig tunes the schedule loop.
type RunnerConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	Retry    retry.Config
}

// Option customizes a Runner.
type Option func(*Runner)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithLocation sets the time zone schedules are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(r *Runner) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// WithRand sets the randomness source for window schedules.
func WithRand(rng schedule.Rand) Option {
	return func(r *Runner) { r.rng = rng }
}

// Runner fires scheduled agents. One Runner owns a state document.
type Runner struct {
	cfg     RunnerConfig
	configs ConfigRepository
	states  StateRepository
	runs    runlog.Repository
	runtime runstate.AgentRuntime
	pool    *workers.Pool
	logger  *logger.Logger
	metrics *metrics.Metrics

	wake chan struct{}
	now  func() time.Time
	loc  *time.Location
	rng  schedule.Rand
}

type dispatch struct {
	name      string
	entry     Entry
	startedAt time.Time
}

func NewRunner(
	cfg RunnerConfig,
	configs ConfigRepository,
	states StateRepository,
	runs runlog.Repository,
	runtime runstate.AgentRuntime,
	pool *workers.Pool,
	log *logger.Logger,
	m *metrics.Metrics,
	opts ...Option,
) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry.Operation == "" {
		cfg.Retry.Operation = "agent state update"
	}
	r := &Runner{
		cfg:     cfg,
		configs: configs,
		states:  states,
		runs:    runs,
		runtime: runtime,
		pool:    pool,
		logger:  log.Component("agents"),
		metrics: m,
		wake:    make(chan struct{}, 1),
		now:     time.Now,
		loc:     time.Local,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cfg.Retry.Logger == nil {
		r.cfg.Retry.Logger = r.logger
	}
	return r
}

// Trigger wakes the loop. Concurrent triggers coalesce into one cycle.
func (r *Runner) Trigger() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run executes a cycle, then waits for the interval or a trigger, until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("agent schedule runner started",
		logger.Field{Key: "interval", Value: r.cfg.Interval.String()},
		logger.Field{Key: "timeout", Value: r.cfg.Timeout.String()})

	for {
		if err := r.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			r.metrics.PollError("agents")
			r.logger.Error("agent schedule cycle failed", err)
		}

		timer := time.NewTimer(r.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info("agent schedule runner stopped")
			return nil
		case <-r.wake:
			timer.Stop()
			r.logger.Debug("agent schedule runner woken")
		case <-timer.C:
		}
	}

	r.logger.Info("agent schedule runner stopped")
	return nil
}

// RunOnce sweeps timed out runs, initializes new agents and dispatches due ones.
// Dispatched runs finish in the pool; RunOnce does not wait for them.
func (r *Runner) RunOnce(ctx context.Context) error {
	cfg, err := r.configs.Load(ctx)
	if err != nil {
		return err
	}

	now := r.now()
	var due []dispatch
	err = r.states.Update(ctx, func(state *State) error {
		r.sweep(cfg, state, now)
		r.initialize(cfg, state, now)
		due = r.claimDue(cfg, state, now)
		return nil
	})
	if err != nil {
		// claimDue reserved a slot for every claimed agent
		for range due {
			r.pool.Release()
		}
		return fmt.Errorf("failed to update agent state: %w", err)
	}

	for _, d := range due {
		r.dispatch(ctx, d)
	}
	return nil
}

// sweep fails running agents that outlived the timeout.
func (r *Runner) sweep(cfg *Config, state *State, now time.Time) {
	for name, st := range state.Agents {
		if st.Status != StatusRunning || st.StartedAt == nil || now.Sub(*st.StartedAt) <= r.cfg.Timeout {
			continue
		}

		st.Status = StatusFailed
		st.LastError = TimedOutError
		st.RunCount++
		st.NextRunAt = nil
		if entry, ok := cfg.Agents[name]; ok && !entry.Schedule.IsOnce() {
			next, err := r.nextRun(entry.Schedule, now)
			if err != nil {
				r.logger.Warn("cannot compute next run",
					logger.Field{Key: "agent", Value: name},
					logger.Field{Key: "error", Value: err.Error()})
			}
			st.NextRunAt = next
		}
		state.Agents[name] = st

		r.metrics.AgentTimeout(name)
		r.logger.Warn("agent run timed out",
			logger.Field{Key: "agent", Value: name},
			logger.Field{Key: "started_at", Value: st.StartedAt.Format(time.RFC3339)})
	}
}

// initialize schedules agents that have no state yet without running them.
func (r *Runner) initialize(cfg *Config, state *State, now time.Time) {
	for name, entry := range cfg.Agents {
		if _, ok := state.Agents[name]; ok || entry.Schedule.IsOnce() {
			continue
		}
		next, err := r.nextRun(entry.Schedule, now)
		if err != nil {
			r.logger.Warn("skipping agent with invalid schedule",
				logger.Field{Key: "agent", Value: name},
				logger.Field{Key: "error", Value: err.Error()})
			continue
		}
		state.Agents[name] = StateEntry{Status: StatusScheduled, NextRunAt: next}
		r.logger.Info("agent scheduled",
			logger.Field{Key: "agent", Value: name},
			logger.Field{Key: "next_run_at", Value: next})
	}
}

// claimDue marks due agents running and returns them, reserving a pool slot
// for each. Agents that find no free slot stay due for a later cycle.
func (r *Runner) claimDue(cfg *Config, state *State, now time.Time) []dispatch {
	names := make([]string, 0, len(cfg.Agents))
	for name := range cfg.Agents {
		names = append(names, name)
	}
	sort.Strings(names)

	var due []dispatch
	for _, name := range names {
		entry := cfg.Agents[name]
		var current *StateEntry
		if st, ok := state.Agents[name]; ok {
			current = &st
		}
		if !ShouldRunNow(entry, current, now) {
			continue
		}
		if err := entry.Schedule.Validate(); err != nil {
			continue
		}
		if !r.pool.TryAcquire() {
			r.logger.Debug("no free agent slot, deferring",
				logger.Field{Key: "agent", Value: name},
				logger.Field{Key: "in_flight", Value: r.pool.InFlight()})
			continue
		}

		st := StateEntry{}
		if current != nil {
			st = *current
		}
		started := now
		st.Status = StatusRunning
		st.StartedAt = &started
		state.Agents[name] = st

		due = append(due, dispatch{name: name, entry: entry, startedAt: started})
	}
	return due
}

// dispatch starts d on the slot claimDue reserved. It never blocks.
func (r *Runner) dispatch(ctx context.Context, d dispatch) {
	r.logger.Info("dispatching agent", logger.Field{Key: "agent", Value: d.name})

	r.pool.Go(ctx, workers.Task{
		ID:   d.name,
		Type: "agent",
		Run: func(taskCtx context.Context) error {
			return r.execute(taskCtx, d)
		},
	})
}

func (r *Runner) execute(ctx context.Context, d dispatch) error {
	r.metrics.TaskStarted("agents")
	defer r.metrics.TaskDone("agents")

	runID, err := r.invoke(ctx, d)
	r.complete(ctx, d, runID, err)
	return err
}

// invoke creates the run, seeds it and drives the agent. Panics become errors
// so the state update still happens.
func (r *Runner) invoke(ctx context.Context, d dispatch) (runID string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("agent panicked: %v", p)
		}
	}()

	run, err := r.runs.Create(ctx, d.name)
	if err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}
	if err := r.runs.AppendEvents(ctx, run.ID, runlog.MessageEvent("", chat.UserMessage(d.entry.seedMessage()))); err != nil {
		return run.ID, fmt.Errorf("failed to seed run: %w", err)
	}
	return run.ID, r.runtime.Trigger(ctx, run.ID)
}

// complete records the outcome of an attempt. It is a no-op when the state no
// longer shows this attempt running, e.g. after the timeout sweep failed it.
func (r *Runner) complete(ctx context.Context, d dispatch, runID string, runErr error) {
	ctx = context.WithoutCancel(ctx)
	status := StatusFinished
	if runErr != nil {
		status = StatusFailed
	}

	stale := false
	err := retry.Do(ctx, r.cfg.Retry, func() error {
		return r.states.Update(ctx, func(state *State) error {
			st, ok := state.Agents[d.name]
			if !ok || st.Status != StatusRunning || st.StartedAt == nil || !st.StartedAt.Equal(d.startedAt) {
				stale = true
				return nil
			}
			stale = false

			now := r.now()
			st.LastRunAt = &now
			st.RunCount++
			st.LastRunID = runID
			st.Status = status
			st.LastError = ""
			if runErr != nil {
				st.LastError = runErr.Error()
			}

			if d.entry.Schedule.IsOnce() {
				st.Status = StatusTriggered
				st.NextRunAt = nil
			} else {
				next, err := r.nextRun(d.entry.Schedule, now)
				if err != nil && st.LastError == "" {
					st.LastError = err.Error()
				}
				st.NextRunAt = next
			}
			state.Agents[d.name] = st
			return nil
		})
	})
	if err != nil {
		r.logger.Error("failed to record agent run", err,
			logger.Field{Key: "agent", Value: d.name},
			logger.Field{Key: "run_id", Value: runID})
		return
	}
	if stale {
		r.logger.Warn("discarding result of superseded agent run",
			logger.Field{Key: "agent", Value: d.name},
			logger.Field{Key: "run_id", Value: runID})
		return
	}

	r.metrics.AgentRun(d.name, string(status))
	if runErr != nil {
		r.logger.Error("agent run failed", runErr,
			logger.Field{Key: "agent", Value: d.name},
			logger.Field{Key: "run_id", Value: runID})
		return
	}
	r.logger.Info("agent run finished",
		logger.Field{Key: "agent", Value: d.name},
		logger.Field{Key: "run_id", Value: runID})
}

// nextRun evaluates s in the runner's time zone and returns the instant in UTC.
func (r *Runner) nextRun(s schedule.Schedule, now time.Time) (*time.Time, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	next, err := schedule.ComputeNextRun(s, now.In(r.loc), r.rng)
	if err != nil || next == nil {
		return nil, err
	}
	utc := next.UTC()
	return &utc, nil
}

// Status returns the current state document.
func (r *Runner) Status(ctx context.Context) (*State, error) {
	return r.states.Load(ctx)
}
