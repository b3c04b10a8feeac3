package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/voike/internal/flow"
	"github.com/rendis/voike/internal/store"
	"github.com/rendis/voike/pkg/schema"
)

type runCall struct {
	PlanID    string
	ProjectID string
	Inputs    map[string]any
	Mode      schema.ExecMode
}

type mockRunner struct {
	mu       sync.Mutex
	calls    []runCall
	compiled []string
	plans    map[string]*schema.Plan
	mode     schema.ExecMode
	err      error
}

func (r *mockRunner) GetPlan(projectID, planID string) (*schema.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	plan, ok := r.plans[planID]
	if !ok || plan.ProjectID != projectID {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "plan %s not found", planID)
	}
	return plan, nil
}

func (r *mockRunner) Plan(_ context.Context, projectID, source string) (*schema.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compiled = append(r.compiled, source)
	return &schema.Plan{ID: "compiled", ProjectID: projectID, Source: source}, nil
}

func (r *mockRunner) Execute(_ context.Context, planID, projectID string, inputs map[string]any, mode schema.ExecMode) (*schema.ExecutionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, runCall{PlanID: planID, ProjectID: projectID, Inputs: inputs, Mode: mode})
	if r.err != nil {
		return nil, r.err
	}
	m := r.mode
	if m == "" {
		m = schema.ModeSync
	}
	return &schema.ExecutionResult{Mode: m}, nil
}

func (r *mockRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestCalculateNextRun(t *testing.T) {
	s := NewScheduler(store.NewMemoryStore(), &mockRunner{}, 0, nil)
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		expr string
		want time.Time
	}{
		{"0 * * * *", time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC)},
		{"0 0 * * *", time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC)},
		{"@daily", time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		next, err := s.CalculateNextRun(tt.expr, from)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, next, tt.expr)
	}

	_, err := s.CalculateNextRun("invalid cron", from)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestAddSchedule(t *testing.T) {
	ms := store.NewMemoryStore()
	runner := &mockRunner{plans: map[string]*schema.Plan{
		"plan-1": {ID: "plan-1", ProjectID: "p1", Source: `STEP hello = OUTPUT TEXT "hi"`},
	}}
	s := NewScheduler(ms, runner, 0, nil)
	ctx := context.Background()

	sched, err := s.AddSchedule(ctx, "p1", "plan-1", "*/5 * * * *", map[string]any{"n": 1.0})
	require.NoError(t, err)
	require.NotNil(t, sched.NextRunAt)
	assert.True(t, sched.NextRunAt.After(time.Now().Add(-time.Second)))

	got, err := ms.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, "plan-1", got.PlanID)
	assert.Equal(t, `STEP hello = OUTPUT TEXT "hi"`, got.Source)

	_, err = s.AddSchedule(ctx, "p1", "plan-1", "nope", nil)
	assert.Error(t, err)

	_, err = s.AddSchedule(ctx, "p2", "plan-1", "@hourly", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	_, err = s.AddSchedule(ctx, "p1", "missing", "@hourly", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestTick_RunsDueSchedules(t *testing.T) {
	ms := store.NewMemoryStore()
	runner := &mockRunner{}
	s := NewScheduler(ms, runner, 0, nil)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, ms.CreateSchedule(ctx, &store.Schedule{
		ID: "due", ProjectID: "p1", PlanID: "plan-1", CronExpression: "0 * * * *",
		Inputs: map[string]any{"a": "b"}, Enabled: true, NextRunAt: &past,
	}))
	require.NoError(t, ms.CreateSchedule(ctx, &store.Schedule{
		ID: "later", ProjectID: "p1", PlanID: "plan-2", CronExpression: "0 * * * *",
		Enabled: true, NextRunAt: &future,
	}))
	require.NoError(t, ms.CreateSchedule(ctx, &store.Schedule{
		ID: "off", ProjectID: "p1", PlanID: "plan-3", CronExpression: "0 * * * *",
		Enabled: false, NextRunAt: &past,
	}))

	assert.Equal(t, 1, s.tick(ctx))
	require.Equal(t, 1, runner.callCount())
	assert.Equal(t, runCall{PlanID: "plan-1", ProjectID: "p1", Inputs: map[string]any{"a": "b"}, Mode: schema.ModeAuto}, runner.calls[0])

	got, err := ms.GetSchedule(ctx, "due")
	require.NoError(t, err)
	assert.Equal(t, "success", got.LastRunStatus)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now()))

	assert.Equal(t, 0, s.tick(ctx))
}

func TestTick_RecordsFailuresAndAsync(t *testing.T) {
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Minute)

	ms := store.NewMemoryStore()
	require.NoError(t, ms.CreateSchedule(ctx, &store.Schedule{
		ID: "s", ProjectID: "p", PlanID: "x", CronExpression: "@hourly", Enabled: true, NextRunAt: &past,
	}))
	NewScheduler(ms, &mockRunner{err: errors.New("Flow plan not found")}, 0, nil).tick(ctx)
	got, _ := ms.GetSchedule(ctx, "s")
	assert.Equal(t, "error", got.LastRunStatus)

	ms = store.NewMemoryStore()
	require.NoError(t, ms.CreateSchedule(ctx, &store.Schedule{
		ID: "s", ProjectID: "p", PlanID: "x", CronExpression: "@hourly", Enabled: true, NextRunAt: &past,
	}))
	NewScheduler(ms, &mockRunner{mode: schema.ModeAsync}, 0, nil).tick(ctx)
	got, _ = ms.GetSchedule(ctx, "s")
	assert.Equal(t, "scheduled", got.LastRunStatus)
}

func TestTick_SkipsInflight(t *testing.T) {
	ms := store.NewMemoryStore()
	runner := &mockRunner{}
	s := NewScheduler(ms, runner, 0, nil)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, ms.CreateSchedule(ctx, &store.Schedule{
		ID: "s", ProjectID: "p", PlanID: "x", CronExpression: "@hourly", Enabled: true, NextRunAt: &past,
	}))

	require.True(t, s.tryAcquire("s"))
	s.tick(ctx)
	assert.Zero(t, runner.callCount())
	s.release("s")
}

func TestStartStop(t *testing.T) {
	ms := store.NewMemoryStore()
	runner := &mockRunner{}
	s := NewScheduler(ms, runner, 10*time.Millisecond, nil)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, ms.CreateSchedule(ctx, &store.Schedule{
		ID: "s", ProjectID: "p", PlanID: "x", CronExpression: "@hourly", Enabled: true, NextRunAt: &past,
	}))

	require.NoError(t, s.Start(ctx))
	assert.Error(t, s.Start(ctx))
	require.Eventually(t, func() bool { return runner.callCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

func TestTick_RecompilesFromSource(t *testing.T) {
	ms := store.NewMemoryStore()
	runner := &mockRunner{}
	s := NewScheduler(ms, runner, 0, nil)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, ms.CreateSchedule(ctx, &store.Schedule{
		ID: "s", ProjectID: "p", PlanID: "stale", Source: "STEP a = LOAD CSV FROM x",
		CronExpression: "@hourly", Enabled: true, NextRunAt: &past,
	}))

	s.tick(ctx)
	assert.Equal(t, []string{"STEP a = LOAD CSV FROM x"}, runner.compiled)
	require.Equal(t, 1, runner.callCount())
	assert.Equal(t, "compiled", runner.calls[0].PlanID)
}

func TestTick_DisablesScheduleWhenPlanIsGone(t *testing.T) {
	ms := store.NewMemoryStore()
	runner := &mockRunner{err: schema.NewError(schema.ErrCodeNotFound, "plan not found")}
	s := NewScheduler(ms, runner, 0, nil)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, ms.CreateSchedule(ctx, &store.Schedule{
		ID: "s", ProjectID: "p", PlanID: "gone", CronExpression: "@hourly", Enabled: true, NextRunAt: &past,
	}))

	s.tick(ctx)
	got, err := ms.GetSchedule(ctx, "s")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "error", got.LastRunStatus)

	assert.Equal(t, 0, s.tick(ctx))
	assert.Equal(t, 1, runner.callCount())
}

func TestSchedule_SurvivesPlanEviction(t *testing.T) {
	svc, err := flow.New(flow.Config{CacheSize: 1})
	require.NoError(t, err)
	ms := store.NewMemoryStore()
	s := NewScheduler(ms, svc, 0, nil)
	ctx := context.Background()

	first, err := svc.Plan(ctx, "p", `STEP hello = OUTPUT TEXT "hi"`)
	require.NoError(t, err)
	sched, err := s.AddSchedule(ctx, "p", first.ID, "@hourly", nil)
	require.NoError(t, err)

	_, err = svc.Plan(ctx, "p", `STEP bye = OUTPUT TEXT "bye"`)
	require.NoError(t, err)
	_, err = svc.GetPlan("p", first.ID)
	require.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, ms.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{NextRunAt: &past}))
	assert.Equal(t, 1, s.tick(ctx))

	got, err := ms.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, "success", got.LastRunStatus)
	assert.True(t, got.Enabled)
}
