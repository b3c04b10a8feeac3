// Package scheduler runs flow plans outside a request: async tickets on a
// bounded worker pool and recurring executions from cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/voike/internal/logging"
	"github.com/rendis/voike/internal/store"
	"github.com/rendis/voike/pkg/schema"
)

// DefaultTickInterval is how often due schedules are checked.
const DefaultTickInterval = 60 * time.Second

// PlanRunner compiles and executes plans. Satisfied by *flow.Service.
type PlanRunner interface {
	Plan(ctx context.Context, projectID, source string) (*schema.Plan, error)
	GetPlan(projectID, planID string) (*schema.Plan, error)
	Execute(ctx context.Context, planID, projectID string, inputs map[string]any, mode schema.ExecMode) (*schema.ExecutionResult, error)
}

// Scheduler polls the store for due schedules and runs their plans.
type Scheduler struct {
	store    store.Store
	runner   PlanRunner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewScheduler creates a Scheduler. interval <= 0 uses DefaultTickInterval.
func NewScheduler(s store.Store, runner PlanRunner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logging.OrDiscard(logger),
		interval: interval,
		inflight: make(map[string]struct{}),
	}
}

// AddSchedule validates cronExpr and stores an enabled schedule for planID.
// The plan's source is stored with the schedule so later ticks can
// recompile it.
func (s *Scheduler) AddSchedule(ctx context.Context, projectID, planID, cronExpr string, inputs map[string]any) (*store.Schedule, error) {
	now := time.Now().UTC()
	next, err := s.CalculateNextRun(cronExpr, now)
	if err != nil {
		return nil, err
	}
	plan, err := s.runner.GetPlan(projectID, planID)
	if err != nil {
		return nil, err
	}
	sched := &store.Schedule{
		ID:             uuid.New().String(),
		ProjectID:      projectID,
		PlanID:         planID,
		Source:         plan.Source,
		CronExpression: cronExpr,
		Inputs:         inputs,
		Enabled:        true,
		NextRunAt:      &next,
		CreatedAt:      now,
	}
	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "schedule added",
		slog.String("schedule_id", sched.ID),
		slog.String("plan_id", planID),
		slog.String("cron", cronExpr))
	return sched, nil
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every enabled schedule whose next run is due.
func (s *Scheduler) tick(ctx context.Context) int {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list schedules", slog.String("error", err.Error()))
		return 0
	}

	now := time.Now().UTC()
	ran := 0
	for _, sched := range schedules {
		if sched.NextRunAt != nil && sched.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(sched.ID) {
			continue
		}
		if err := s.runSchedule(ctx, sched, now); err != nil {
			s.logger.Error("failed to run schedule",
				slog.String("schedule_id", sched.ID),
				slog.String("error", err.Error()))
		}
		s.release(sched.ID)
		ran++
	}
	return ran
}

// runSchedule executes one schedule and records its outcome and next run.
func (s *Scheduler) runSchedule(ctx context.Context, sched *store.Schedule, now time.Time) error {
	ctx = logging.WithPlanID(logging.WithProjectID(ctx, sched.ProjectID), sched.PlanID)
	s.logger.InfoContext(ctx, "running schedule", slog.String("schedule_id", sched.ID))

	status := "success"
	res, err := s.execute(ctx, sched)
	switch {
	case err != nil:
		status = "error"
		s.logger.ErrorContext(ctx, "scheduled run failed",
			slog.String("schedule_id", sched.ID),
			slog.String("error", err.Error()))
	case res.Mode == schema.ModeAsync:
		status = "scheduled"
	}

	update := store.ScheduleUpdate{LastRunAt: &now, LastRunStatus: status}
	if schema.IsCode(err, schema.ErrCodeNotFound) {
		// Nothing left to run; stop firing until the schedule is replaced.
		disabled := false
		update.Enabled = &disabled
		s.logger.WarnContext(ctx, "schedule disabled, plan is gone", slog.String("schedule_id", sched.ID))
	}

	next, err := s.CalculateNextRun(sched.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", sched.ID, err)
	}
	update.NextRunAt = &next
	return s.store.UpdateSchedule(ctx, sched.ID, update)
}

// execute runs the schedule's plan, recompiling it from the stored source
// so evicted plans keep running.
func (s *Scheduler) execute(ctx context.Context, sched *store.Schedule) (*schema.ExecutionResult, error) {
	planID := sched.PlanID
	if sched.Source != "" {
		plan, err := s.runner.Plan(ctx, sched.ProjectID, sched.Source)
		if err != nil {
			return nil, err
		}
		planID = plan.ID
	}
	return s.runner.Execute(ctx, planID, sched.ProjectID, sched.Inputs, schema.ModeAuto)
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun returns the first activation of cronExpr after from.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "parse cron expression %q: %s", cronExpr, err.Error()).WithCause(err)
	}
	return sched.Next(from), nil
}

// Stop shuts the loop down and waits for it to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("scheduler stopped")
	return nil
}
