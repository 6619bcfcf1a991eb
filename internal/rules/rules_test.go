package rules

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aatumaykin/nexrun/internal/chat"
	"github.com/aatumaykin/nexrun/internal/jobs"
	"github.com/aatumaykin/nexrun/internal/logger"
	"github.com/aatumaykin/nexrun/internal/retry"
	"github.com/aatumaykin/nexrun/internal/schedule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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
	defer c.mu.Unlock()
	c.now = t
}

type fakeJobs struct {
	mu       sync.Mutex
	created  []jobs.Job
	attempts int
	err      error
}

func (f *fakeJobs) Create(ctx context.Context, projectID string, input jobs.Input) (*jobs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.err != nil {
		return nil, f.err
	}
	job, err := jobs.New(projectID, input)
	if err != nil {
		return nil, err
	}
	f.created = append(f.created, *job)
	return job, nil
}

func (f *fakeJobs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeJobs) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// runCycle runs one worker cycle under a deadline and fails if the cycle only
// ended because the deadline passed.
func runCycle(t *testing.T, cycle func(context.Context)) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cycle(ctx)
	require.NoError(t, ctx.Err(), "cycle did not finish on its own")
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text", Output: "stdout"})
	require.NoError(t, err)
	return log
}

func at(hh, mm, ss int) time.Time {
	return time.Date(2024, 3, 1, hh, mm, ss, 0, time.UTC)
}

var fastRetry = retry.Config{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

var sampleInput = jobs.Input{Messages: []chat.Message{chat.UserMessage("daily report")}}

func TestScheduledService_Create(t *testing.T) {
	svc := NewScheduledService(newMemStore(), testLogger(t))
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateScheduledInput{NextRunAt: at(10, 0, 0)})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "projectId", verr.Field)

	_, err = svc.Create(ctx, CreateScheduledInput{ProjectID: "p"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "nextRunAt", verr.Field)

	rule, err := svc.Create(ctx, CreateScheduledInput{ProjectID: "p", Input: sampleInput, NextRunAt: at(10, 0, 0)})
	require.NoError(t, err)
	assert.NotEmpty(t, rule.ID)
	assert.Nil(t, rule.ProcessedAt)
	assert.False(t, rule.Disabled)
}

func TestScheduledService_PollEligibility(t *testing.T) {
	clk := &clock{now: at(9, 0, 0)}
	store := newMemStore()
	svc := NewScheduledService(store, testLogger(t), WithClock(clk.Now))
	ctx := context.Background()

	due, err := svc.Create(ctx, CreateScheduledInput{ProjectID: "p", NextRunAt: at(10, 0, 0)})
	require.NoError(t, err)
	disabled, err := svc.Create(ctx, CreateScheduledInput{ProjectID: "p", NextRunAt: at(9, 30, 0)})
	require.NoError(t, err)
	_, err = svc.Disable(ctx, disabled.ID)
	require.NoError(t, err)

	// future rule is never claimed
	got, err := svc.Poll(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, got)

	clk.Set(at(10, 0, 1))
	got, err = svc.Poll(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, due.ID, got.ID)
	assert.Equal(t, "w1", got.WorkerID)

	// leased and disabled rules are not claimable
	got, err = svc.Poll(ctx, "w2")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = svc.MarkProcessed(ctx, due.ID, "w2", "job-x")
	assert.ErrorIs(t, err, ErrLeaseLost)

	processed, err := svc.MarkProcessed(ctx, due.ID, "w1", "job-1")
	require.NoError(t, err)
	require.NotNil(t, processed.ProcessedAt)
	assert.Equal(t, "job-1", processed.JobID)
	assert.Empty(t, processed.WorkerID)

	_, err = svc.MarkProcessed(ctx, due.ID, "w1", "job-2")
	assert.ErrorIs(t, err, ErrAlreadyProcessed)

	// processed rules stay terminal, even once re-enabled and overdue
	_, err = svc.Enable(ctx, due.ID)
	require.NoError(t, err)
	clk.Set(at(23, 0, 0))
	got, err = svc.Poll(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestScheduledWorker_FiresOnce(t *testing.T) {
	clk := &clock{now: at(12, 0, 0)}
	svc := NewScheduledService(newMemStore(), testLogger(t), WithClock(clk.Now))
	created := &fakeJobs{}
	ctx := context.Background()

	rule, err := svc.Create(ctx, CreateScheduledInput{ProjectID: "p", Input: sampleInput, NextRunAt: at(11, 0, 0)})
	require.NoError(t, err)

	w := NewScheduledWorker(WorkerConfig{ID: "w1", Retry: fastRetry}, svc, created, testLogger(t), nil)
	runCycle(t, w.RunCycle)
	runCycle(t, w.RunCycle)

	require.Equal(t, 1, created.count())
	fetched, err := svc.Fetch(ctx, rule.ID)
	require.NoError(t, err)
	assert.NotNil(t, fetched.ProcessedAt)
	assert.Equal(t, created.created[0].ID, fetched.JobID)
	assert.Equal(t, "p", created.created[0].ProjectID)
}

func TestScheduledWorker_ReleasesOnJobFailure(t *testing.T) {
	clk := &clock{now: at(12, 0, 0)}
	svc := NewScheduledService(newMemStore(), testLogger(t), WithClock(clk.Now))
	created := &fakeJobs{err: errors.New("store full")}
	ctx := context.Background()

	rule, err := svc.Create(ctx, CreateScheduledInput{ProjectID: "p", NextRunAt: at(11, 0, 0)})
	require.NoError(t, err)

	w := NewScheduledWorker(WorkerConfig{ID: "w1", Retry: fastRetry}, svc, created, testLogger(t), nil)
	runCycle(t, w.RunCycle)

	fetched, err := svc.Fetch(ctx, rule.ID)
	require.NoError(t, err)
	assert.Nil(t, fetched.ProcessedAt)
	assert.Empty(t, fetched.WorkerID)
	assert.Equal(t, "store full", fetched.LastError)
	require.NotNil(t, fetched.RetryAt)
	assert.Equal(t, at(12, 1, 0), *fetched.RetryAt)
	assert.Equal(t, 1, created.attemptCount())

	// held back until the retry delay passes
	created.err = nil
	runCycle(t, w.RunCycle)
	assert.Equal(t, 0, created.count())

	clk.Set(at(12, 1, 0))
	runCycle(t, w.RunCycle)

	fetched, err = svc.Fetch(ctx, rule.ID)
	require.NoError(t, err)
	assert.NotNil(t, fetched.ProcessedAt)
	assert.Nil(t, fetched.RetryAt)
	assert.Empty(t, fetched.LastError)
}

func TestScheduledWorker_FailingRulesTryOncePerCycle(t *testing.T) {
	clk := &clock{now: at(12, 0, 0)}
	svc := NewScheduledService(newMemStore(), testLogger(t), WithClock(clk.Now), WithRetryDelay(5*time.Minute))
	created := &fakeJobs{err: errors.New("queue down")}
	ctx := context.Background()

	for _, due := range []time.Time{at(11, 0, 0), at(11, 30, 0)} {
		_, err := svc.Create(ctx, CreateScheduledInput{ProjectID: "p", Input: sampleInput, NextRunAt: due})
		require.NoError(t, err)
	}

	w := NewScheduledWorker(WorkerConfig{ID: "w1", Retry: fastRetry}, svc, created, testLogger(t), nil)
	runCycle(t, w.RunCycle)
	assert.Equal(t, 2, created.attemptCount())

	clk.Set(at(12, 4, 59))
	runCycle(t, w.RunCycle)
	assert.Equal(t, 2, created.attemptCount())

	clk.Set(at(12, 5, 0))
	runCycle(t, w.RunCycle)
	assert.Equal(t, 4, created.attemptCount())
}

func TestRuleServices_RejectInvalidInput(t *testing.T) {
	store := newMemStore()
	scheduled := NewScheduledService(store, testLogger(t))
	recurring := NewRecurringService(store, testLogger(t))
	ctx := context.Background()

	bogus := jobs.Input{Messages: []chat.Message{{Role: "bogus", Content: "x"}}}
	var verr *ValidationError

	_, err := scheduled.Create(ctx, CreateScheduledInput{ProjectID: "p", Input: bogus, NextRunAt: at(10, 0, 0)})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "input", verr.Field)

	_, err = recurring.Create(ctx, CreateRecurringInput{ProjectID: "p", Input: bogus, Cron: "0 * * * *"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "input", verr.Field)

	rule, err := recurring.Create(ctx, CreateRecurringInput{ProjectID: "p", Input: sampleInput, Cron: "0 * * * *"})
	require.NoError(t, err)
	_, err = recurring.Update(ctx, rule.ID, UpdateRecurringInput{Input: &bogus})
	require.ErrorAs(t, err, &verr)

	fetched, err := recurring.Fetch(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, sampleInput, fetched.Input)

	all, err := scheduled.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestScheduledWorker_ReclaimsExpiredLease(t *testing.T) {
	clk := &clock{now: at(12, 0, 0)}
	svc := NewScheduledService(newMemStore(), testLogger(t), WithClock(clk.Now))
	ctx := context.Background()

	rule, err := svc.Create(ctx, CreateScheduledInput{ProjectID: "p", NextRunAt: at(11, 0, 0)})
	require.NoError(t, err)
	_, err = svc.Poll(ctx, "crashed")
	require.NoError(t, err)

	created := &fakeJobs{}
	w := NewScheduledWorker(WorkerConfig{ID: "w1", LeaseTimeout: 30 * time.Minute, Retry: fastRetry}, svc, created, testLogger(t), nil)

	clk.Set(at(12, 10, 0))
	runCycle(t, w.RunCycle)
	assert.Equal(t, 0, created.count(), "lease still valid")

	clk.Set(at(12, 31, 0))
	runCycle(t, w.RunCycle)
	assert.Equal(t, 1, created.count())

	fetched, err := svc.Fetch(ctx, rule.ID)
	require.NoError(t, err)
	assert.NotNil(t, fetched.ProcessedAt)
}

func TestRecurringService_CreateValidatesCron(t *testing.T) {
	svc := NewRecurringService(newMemStore(), testLogger(t))
	ctx := context.Background()

	tests := []struct {
		name    string
		cron    string
		wantErr bool
	}{
		{name: "every five minutes", cron: "*/5 * * * *"},
		{name: "weekdays", cron: "0 9 * * 1-5"},
		{name: "empty", cron: "", wantErr: true},
		{name: "six fields", cron: "0 */5 * * * *", wantErr: true},
		{name: "garbage", cron: "every day", wantErr: true},
		{name: "out of range", cron: "61 * * * *", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, err := svc.Create(ctx, CreateRecurringInput{ProjectID: "p", Cron: tt.cron})
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, schedule.ErrInvalidCron)
				var verr *ValidationError
				assert.ErrorAs(t, err, &verr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.cron, rule.Cron)
			assert.Nil(t, rule.NextRunAt)
		})
	}

	all, err := svc.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2, "invalid rules are never persisted")
}

func TestRecurringService_Update(t *testing.T) {
	clk := &clock{now: at(10, 0, 0)}
	store := newMemStore()
	svc := NewRecurringService(store, testLogger(t), WithClock(clk.Now), WithLocation(time.UTC))
	ctx := context.Background()

	rule, err := svc.Create(ctx, CreateRecurringInput{ProjectID: "p", Cron: "0 * * * *"})
	require.NoError(t, err)
	_, err = svc.InitializePending(ctx)
	require.NoError(t, err)

	_, err = store.UpdateRecurringRule(ctx, rule.ID, func(r *RecurringRule) error {
		r.LastError = "boom"
		r.Disabled = true
		return nil
	})
	require.NoError(t, err)

	bad := "not cron"
	_, err = svc.Update(ctx, rule.ID, UpdateRecurringInput{Cron: &bad})
	assert.ErrorIs(t, err, schedule.ErrInvalidCron)

	same := "0 * * * *"
	updated, err := svc.Update(ctx, rule.ID, UpdateRecurringInput{Cron: &same})
	require.NoError(t, err)
	assert.Equal(t, "boom", updated.LastError, "unchanged cron is not a substantive change")
	assert.NotNil(t, updated.NextRunAt)

	newCron := "30 * * * *"
	updated, err = svc.Update(ctx, rule.ID, UpdateRecurringInput{Cron: &newCron})
	require.NoError(t, err)
	assert.Empty(t, updated.LastError)
	assert.Nil(t, updated.NextRunAt)
	assert.True(t, updated.Disabled)

	_, err = store.UpdateRecurringRule(ctx, rule.ID, func(r *RecurringRule) error {
		r.LastError = "again"
		return nil
	})
	require.NoError(t, err)
	updated, err = svc.Update(ctx, rule.ID, UpdateRecurringInput{Input: &sampleInput})
	require.NoError(t, err)
	assert.Empty(t, updated.LastError)
	assert.Equal(t, sampleInput, updated.Input)

	_, err = svc.Update(ctx, "missing", UpdateRecurringInput{Input: &sampleInput})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecurringWorker_EveryFiveMinutes(t *testing.T) {
	clk := &clock{now: at(10, 2, 0)}
	svc := NewRecurringService(newMemStore(), testLogger(t), WithClock(clk.Now), WithLocation(time.UTC))
	created := &fakeJobs{}
	ctx := context.Background()

	rule, err := svc.Create(ctx, CreateRecurringInput{ProjectID: "p", Input: sampleInput, Cron: "*/5 * * * *"})
	require.NoError(t, err)

	w := NewRecurringWorker(WorkerConfig{ID: "w1", Retry: fastRetry}, svc, created, testLogger(t), nil)

	// first cycle only computes the first occurrence
	runCycle(t, w.RunCycle)
	fetched, err := svc.Fetch(ctx, rule.ID)
	require.NoError(t, err)
	require.NotNil(t, fetched.NextRunAt)
	assert.Equal(t, at(10, 5, 0), *fetched.NextRunAt)
	assert.Equal(t, 0, created.count())

	clk.Set(at(10, 4, 59))
	runCycle(t, w.RunCycle)
	assert.Equal(t, 0, created.count())

	clk.Set(at(10, 5, 30))
	runCycle(t, w.RunCycle)
	assert.Equal(t, 1, created.count())

	fetched, err = svc.Fetch(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, at(10, 10, 0), *fetched.NextRunAt)
	assert.Equal(t, 1, fetched.RunCount)
	assert.Equal(t, at(10, 5, 30), *fetched.LastRunAt)
	assert.Empty(t, fetched.WorkerID)

	// a missed window fires once and skips to the next future occurrence
	clk.Set(at(10, 27, 0))
	runCycle(t, w.RunCycle)
	assert.Equal(t, 2, created.count())
	fetched, err = svc.Fetch(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, at(10, 30, 0), *fetched.NextRunAt)
}

func TestRecurringWorker_FailureStillAdvances(t *testing.T) {
	clk := &clock{now: at(10, 0, 0)}
	svc := NewRecurringService(newMemStore(), testLogger(t), WithClock(clk.Now), WithLocation(time.UTC))
	created := &fakeJobs{err: errors.New("queue down")}
	ctx := context.Background()

	rule, err := svc.Create(ctx, CreateRecurringInput{ProjectID: "p", Cron: "0 * * * *"})
	require.NoError(t, err)

	w := NewRecurringWorker(WorkerConfig{ID: "w1", Retry: fastRetry}, svc, created, testLogger(t), nil)
	runCycle(t, w.RunCycle)

	clk.Set(at(11, 0, 5))
	runCycle(t, w.RunCycle)

	fetched, err := svc.Fetch(ctx, rule.ID)
	require.NoError(t, err)
	assert.Contains(t, fetched.LastError, "queue down")
	assert.Equal(t, at(12, 0, 0), *fetched.NextRunAt)
	assert.Equal(t, 1, fetched.RunCount)
}

func TestRecurringWorker_DisabledNeverFires(t *testing.T) {
	clk := &clock{now: at(10, 0, 0)}
	svc := NewRecurringService(newMemStore(), testLogger(t), WithClock(clk.Now), WithLocation(time.UTC))
	created := &fakeJobs{}
	ctx := context.Background()

	rule, err := svc.Create(ctx, CreateRecurringInput{ProjectID: "p", Cron: "* * * * *"})
	require.NoError(t, err)
	w := NewRecurringWorker(WorkerConfig{ID: "w1", Retry: fastRetry}, svc, created, testLogger(t), nil)
	runCycle(t, w.RunCycle)

	_, err = svc.Disable(ctx, rule.ID)
	require.NoError(t, err)

	clk.Set(at(11, 0, 0))
	runCycle(t, w.RunCycle)
	assert.Equal(t, 0, created.count())

	_, err = svc.Enable(ctx, rule.ID)
	require.NoError(t, err)
	runCycle(t, w.RunCycle)
	assert.Equal(t, 1, created.count())
}

func TestRecurringService_ReleaseRequiresLease(t *testing.T) {
	clk := &clock{now: at(10, 0, 0)}
	svc := NewRecurringService(newMemStore(), testLogger(t), WithClock(clk.Now), WithLocation(time.UTC))
	ctx := context.Background()

	rule, err := svc.Create(ctx, CreateRecurringInput{ProjectID: "p", Cron: "* * * * *"})
	require.NoError(t, err)

	_, err = svc.Release(ctx, rule.ID, "nobody", nil)
	assert.ErrorIs(t, err, ErrLeaseLost)
}

func TestRecurringService_ReleaseUsesCronUpdatedDuringLease(t *testing.T) {
	clk := &clock{now: at(10, 0, 0)}
	svc := NewRecurringService(newMemStore(), testLogger(t), WithClock(clk.Now), WithLocation(time.UTC))
	ctx := context.Background()

	rule, err := svc.Create(ctx, CreateRecurringInput{ProjectID: "p", Input: sampleInput, Cron: "0 * * * *"})
	require.NoError(t, err)
	_, err = svc.InitializePending(ctx)
	require.NoError(t, err)

	clk.Set(at(11, 0, 5))
	leased, err := svc.Poll(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, leased)

	newCron := "30 * * * *"
	_, err = svc.Update(ctx, rule.ID, UpdateRecurringInput{Cron: &newCron})
	require.NoError(t, err)

	released, err := svc.Release(ctx, rule.ID, "w1", nil)
	require.NoError(t, err)
	require.NotNil(t, released.NextRunAt)
	assert.Equal(t, at(11, 30, 0), *released.NextRunAt)
	assert.Equal(t, "30 * * * *", released.Cron)
}

func TestRunLoopStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cycles := 0
	done := make(chan struct{})
	go func() {
		runLoop(ctx, time.Millisecond, func(context.Context) {
			cycles++
			if cycles == 3 {
				cancel()
			}
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.GreaterOrEqual(t, cycles, 3)
}
