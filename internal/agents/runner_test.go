package agents

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aatumaykin/nexrun/internal/chat"
	"github.com/aatumaykin/nexrun/internal/logger"
	"github.com/aatumaykin/nexrun/internal/retry"
	"github.com/aatumaykin/nexrun/internal/runlog"
	"github.com/aatumaykin/nexrun/internal/schedule"
	"github.com/aatumaykin/nexrun/internal/workers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRuntime struct {
	mu    sync.Mutex
	calls []string
	err   error
	panic bool
	// block, when set, holds every call until it is closed
	block chan struct{}
}

func (f *fakeRuntime) Trigger(ctx context.Context, runID string) error {
	f.mu.Lock()
	f.calls = append(f.calls, runID)
	f.mu.Unlock()
	if f.panic {
		panic("runtime exploded")
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func (f *fakeRuntime) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fixture struct {
	dir     string
	runner  *Runner
	states  *FileStateRepo
	runs    *runlog.FileRepo
	runtime *fakeRuntime
	pool    *workers.Pool
	clock   *clock
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWithPool(t, cfg, 4, opts...)
}

func newFixtureWithPool(t *testing.T, cfg Config, poolSize int, opts ...Option) *fixture {
	t.Helper()
	log := logger.Nop()
	dir := t.TempDir()

	configPath := filepath.Join(dir, "agent-schedules.json")
	writeConfig(t, configPath, cfg)

	f := &fixture{
		dir:     dir,
		states:  NewFileStateRepo(filepath.Join(dir, "agent-schedule-state.json")),
		runs:    runlog.NewFileRepo(filepath.Join(dir, "runs"), 0, nil, log),
		runtime: &fakeRuntime{},
		pool:    workers.NewPool("agents", poolSize, log),
		clock:   &clock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)},
	}
	opts = append([]Option{WithClock(f.clock.Now), WithLocation(time.UTC)}, opts...)
	f.runner = NewRunner(
		RunnerConfig{Interval: time.Hour, Retry: retry.Config{MaxAttempts: 1}},
		NewFileConfigRepo(configPath), f.states, f.runs, f.runtime, f.pool, log, nil, opts...)
	return f
}

func writeConfig(t *testing.T, path string, cfg Config) {
	t.Helper()
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func (f *fixture) cycle(t *testing.T) *State {
	t.Helper()
	require.NoError(t, f.runner.RunOnce(context.Background()))
	f.pool.Wait()
	state, err := f.states.Load(context.Background())
	require.NoError(t, err)
	return state
}

func (f *fixture) seed(t *testing.T, name string, st StateEntry) {
	t.Helper()
	require.NoError(t, f.states.Update(context.Background(), func(s *State) error {
		s.Agents[name] = st
		return nil
	}))
}

func ptr(t time.Time) *time.Time { return &t }

func boolPtr(b bool) *bool { return &b }

func TestShouldRunNow(t *testing.T) {
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	cron := Entry{Schedule: schedule.Cron("0 8 * * *")}
	past := schedule.Once(now.Add(-time.Minute))
	future := schedule.Once(now.Add(time.Minute))

	tests := []struct {
		name  string
		entry Entry
		state *StateEntry
		want  bool
	}{
		{name: "disabled", entry: Entry{Schedule: cron.Schedule, Enabled: boolPtr(false)}, want: false},
		{name: "no state", entry: cron, want: true},
		{name: "next run unset", entry: cron, state: &StateEntry{Status: StatusScheduled}, want: true},
		{name: "next run passed", entry: cron, state: &StateEntry{Status: StatusFinished, NextRunAt: ptr(now.Add(-time.Second))}, want: true},
		{name: "next run now", entry: cron, state: &StateEntry{Status: StatusScheduled, NextRunAt: ptr(now)}, want: true},
		{name: "next run ahead", entry: cron, state: &StateEntry{Status: StatusScheduled, NextRunAt: ptr(now.Add(time.Second))}, want: false},
		{name: "already running", entry: cron, state: &StateEntry{Status: StatusRunning, NextRunAt: ptr(now.Add(-time.Hour))}, want: false},
		{name: "once due", entry: Entry{Schedule: past}, want: true},
		{name: "once ahead", entry: Entry{Schedule: future}, want: false},
		{name: "once triggered", entry: Entry{Schedule: past}, state: &StateEntry{Status: StatusTriggered}, want: false},
		{name: "once timed out", entry: Entry{Schedule: past}, state: &StateEntry{Status: StatusFailed, RunCount: 1}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldRunNow(tt.entry, tt.state, now))
		})
	}
}

func TestShouldRunNow_OnceStaysTerminal(t *testing.T) {
	runAt := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	entry := Entry{Schedule: schedule.Once(runAt)}
	state := &StateEntry{Status: StatusTriggered, RunCount: 1}

	for i := 0; i < 100; i++ {
		now := runAt.Add(time.Duration(i) * 24 * time.Hour)
		assert.False(t, ShouldRunNow(entry, state, now))
	}
}

func TestRunner_InitializesWithoutRunning(t *testing.T) {
	f := newFixture(t, Config{Agents: map[string]Entry{
		"digest": {Schedule: schedule.Cron("0 8 * * *")},
		"later":  {Schedule: schedule.Once(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))},
	}})

	state := f.cycle(t)

	require.Contains(t, state.Agents, "digest")
	st := state.Agents["digest"]
	assert.Equal(t, StatusScheduled, st.Status)
	require.NotNil(t, st.NextRunAt)
	assert.Equal(t, time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC), *st.NextRunAt)
	assert.NotContains(t, state.Agents, "later", "once schedules are not initialized")
	assert.Zero(t, f.runtime.callCount())
}

func TestRunner_DispatchesDueAgent(t *testing.T) {
	f := newFixture(t, Config{Agents: map[string]Entry{
		"digest": {Schedule: schedule.Cron("0 8 * * *"), StartingMessage: "summarize"},
	}})
	f.seed(t, "digest", StateEntry{Status: StatusScheduled, NextRunAt: ptr(f.clock.Now().Add(-time.Hour))})

	state := f.cycle(t)

	st := state.Agents["digest"]
	assert.Equal(t, StatusFinished, st.Status)
	assert.Equal(t, 1, st.RunCount)
	assert.Empty(t, st.LastError)
	require.NotNil(t, st.LastRunAt)
	require.NotNil(t, st.NextRunAt)
	assert.Equal(t, time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC), *st.NextRunAt)
	require.Equal(t, 1, f.runtime.callCount())
	assert.Equal(t, f.runtime.calls[0], st.LastRunID)

	run, err := f.runs.Fetch(context.Background(), st.LastRunID)
	require.NoError(t, err)
	assert.Equal(t, "digest", run.AgentID)
	require.Len(t, run.Log, 2)
	assert.Equal(t, chat.RoleUser, run.Log[1].Message.Role)
	assert.Equal(t, "summarize", run.Log[1].Message.Content)
}

func TestRunner_DefaultSeedMessage(t *testing.T) {
	f := newFixture(t, Config{Agents: map[string]Entry{
		"digest": {Schedule: schedule.Cron("* * * * *")},
	}})
	f.seed(t, "digest", StateEntry{Status: StatusScheduled})

	state := f.cycle(t)

	run, err := f.runs.Fetch(context.Background(), state.Agents["digest"].LastRunID)
	require.NoError(t, err)
	assert.Equal(t, DefaultStartingMessage, run.Log[1].Message.Content)
}

func TestRunner_RecordsFailures(t *testing.T) {
	f := newFixture(t, Config{Agents: map[string]Entry{
		"digest": {Schedule: schedule.Cron("0 8 * * *")},
	}})
	f.runtime.err = errors.New("model unavailable")
	f.seed(t, "digest", StateEntry{Status: StatusScheduled})

	state := f.cycle(t)

	st := state.Agents["digest"]
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, "model unavailable", st.LastError)
	assert.Equal(t, 1, st.RunCount)
	assert.NotNil(t, st.NextRunAt, "a failed run still gets its next occurrence")
}

func TestRunner_PanicIsRecordedAsFailure(t *testing.T) {
	f := newFixture(t, Config{Agents: map[string]Entry{
		"a": {Schedule: schedule.Cron("0 8 * * *")},
	}})
	f.runtime.panic = true
	f.seed(t, "a", StateEntry{Status: StatusScheduled})

	state := f.cycle(t)

	st := state.Agents["a"]
	assert.Equal(t, StatusFailed, st.Status)
	assert.Contains(t, st.LastError, "runtime exploded")
}

func TestRunner_OnceFiresOnce(t *testing.T) {
	f := newFixture(t, Config{Agents: map[string]Entry{
		"launch": {Schedule: schedule.Once(time.Date(2024, 1, 1, 8, 30, 0, 0, time.UTC))},
	}})

	state := f.cycle(t)
	st := state.Agents["launch"]
	assert.Equal(t, StatusTriggered, st.Status)
	assert.Nil(t, st.NextRunAt)
	assert.Equal(t, 1, f.runtime.callCount())

	f.clock.Set(f.clock.Now().Add(48 * time.Hour))
	state = f.cycle(t)
	assert.Equal(t, StatusTriggered, state.Agents["launch"].Status)
	assert.Equal(t, 1, f.runtime.callCount())
}

func TestRunner_TimeoutSweep(t *testing.T) {
	f := newFixture(t, Config{Agents: map[string]Entry{
		"stuck": {Schedule: schedule.Cron("0 8 * * *")},
		"busy":  {Schedule: schedule.Cron("0 8 * * *")},
	}})
	now := f.clock.Now()
	f.seed(t, "stuck", StateEntry{Status: StatusRunning, StartedAt: ptr(now.Add(-31 * time.Minute)), RunCount: 2})
	f.seed(t, "busy", StateEntry{Status: StatusRunning, StartedAt: ptr(now.Add(-10 * time.Minute))})

	state := f.cycle(t)

	stuck := state.Agents["stuck"]
	assert.Equal(t, StatusFailed, stuck.Status)
	assert.Equal(t, TimedOutError, stuck.LastError)
	assert.Equal(t, 3, stuck.RunCount)
	require.NotNil(t, stuck.NextRunAt)
	assert.Equal(t, time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC), *stuck.NextRunAt)

	busy := state.Agents["busy"]
	assert.Equal(t, StatusRunning, busy.Status)
	assert.Empty(t, busy.LastError)
	assert.Zero(t, f.runtime.callCount())
}

func TestRunner_LateCompletionAfterTimeoutIsDiscarded(t *testing.T) {
	f := newFixture(t, Config{Agents: map[string]Entry{
		"slow": {Schedule: schedule.Cron("0 8 * * *")},
	}})
	started := f.clock.Now().Add(-45 * time.Minute)
	f.seed(t, "slow", StateEntry{Status: StatusRunning, StartedAt: ptr(started)})

	f.cycle(t)

	entry := Entry{Schedule: schedule.Cron("0 8 * * *")}
	f.runner.complete(context.Background(), dispatch{name: "slow", entry: entry, startedAt: started}, "late-run", nil)

	state, err := f.states.Load(context.Background())
	require.NoError(t, err)
	st := state.Agents["slow"]
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, TimedOutError, st.LastError)
	assert.Equal(t, 1, st.RunCount)
	assert.Empty(t, st.LastRunID)
}

func TestRunner_DisabledAgentIsSkipped(t *testing.T) {
	f := newFixture(t, Config{Agents: map[string]Entry{
		"off": {Schedule: schedule.Cron("* * * * *"), Enabled: boolPtr(false)},
	}})
	f.seed(t, "off", StateEntry{Status: StatusScheduled})

	state := f.cycle(t)
	assert.Equal(t, StatusScheduled, state.Agents["off"].Status)
	assert.Zero(t, f.runtime.callCount())
}

func TestRunner_EvaluatesInLocation(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	f := newFixture(t, Config{Agents: map[string]Entry{
		"digest": {Schedule: schedule.Cron("0 8 * * *")},
	}}, WithLocation(loc))

	state := f.cycle(t)

	require.NotNil(t, state.Agents["digest"].NextRunAt)
	assert.Equal(t, time.Date(2024, 1, 2, 5, 0, 0, 0, time.UTC), *state.Agents["digest"].NextRunAt)
}

func TestRunner_TriggerCoalesces(t *testing.T) {
	f := newFixture(t, Config{})
	for i := 0; i < 5; i++ {
		f.runner.Trigger()
	}
	assert.Len(t, f.runner.wake, 1)
}

func TestRunner_RunWakesOnTrigger(t *testing.T) {
	f := newFixture(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.runner.Run(ctx) }()

	writeConfig(t, filepath.Join(f.dir, "agent-schedules.json"), Config{Agents: map[string]Entry{
		"now": {Schedule: schedule.Once(f.clock.Now().Add(-time.Minute))},
	}})
	f.runner.Trigger()

	assert.Eventually(t, func() bool { return f.runtime.callCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
	f.pool.Wait()
}

func TestRunner_FullPoolDefersInsteadOfBlocking(t *testing.T) {
	f := newFixtureWithPool(t, Config{Agents: map[string]Entry{
		"alpha": {Schedule: schedule.Cron("0 8 * * *")},
		"beta":  {Schedule: schedule.Cron("0 8 * * *")},
	}}, 1)
	f.runtime.block = make(chan struct{})
	due := ptr(f.clock.Now().Add(-time.Hour))
	f.seed(t, "alpha", StateEntry{Status: StatusScheduled, NextRunAt: due})
	f.seed(t, "beta", StateEntry{Status: StatusScheduled, NextRunAt: due})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// alpha takes the only slot and hangs; beta must stay due
	require.NoError(t, f.runner.RunOnce(ctx))
	require.Eventually(t, func() bool { return f.runtime.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	state, err := f.states.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, state.Agents["alpha"].Status)
	assert.Equal(t, StatusScheduled, state.Agents["beta"].Status)
	assert.Equal(t, *due, *state.Agents["beta"].NextRunAt)

	// a second cycle with the slot still held returns as well
	require.NoError(t, f.runner.RunOnce(ctx))
	assert.Equal(t, 1, f.runtime.callCount())

	close(f.runtime.block)
	f.pool.Wait()

	state = f.cycle(t)
	assert.Equal(t, StatusFinished, state.Agents["alpha"].Status)
	assert.Equal(t, StatusFinished, state.Agents["beta"].Status)
	assert.Equal(t, 2, f.runtime.callCount())
}
