package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rendis/voike/internal/flow"
	"github.com/rendis/voike/internal/logging"
	"github.com/rendis/voike/internal/streaming"
	"github.com/rendis/voike/pkg/schema"
)

// TicketRunner executes an async ticket to completion.
type TicketRunner interface {
	RunTicket(ctx context.Context, t flow.Ticket) (*schema.ExecutionResult, error)
}

// TicketRunnerFunc adapts a function to TicketRunner.
type TicketRunnerFunc func(ctx context.Context, t flow.Ticket) (*schema.ExecutionResult, error)

func (f TicketRunnerFunc) RunTicket(ctx context.Context, t flow.Ticket) (*schema.ExecutionResult, error) {
	return f(ctx, t)
}

// JobStatus is the lifecycle state of a grid job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is the queue's record of one ticket. Jobs are keyed by run id since
// the job id repeats across runs of the same plan.
type Job struct {
	Ticket     flow.Ticket    `json:"ticket"`
	Status     JobStatus      `json:"status"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Error      string         `json:"error,omitempty"`
	QueuedAt   time.Time      `json:"queuedAt"`
	StartedAt  *time.Time     `json:"startedAt,omitempty"`
	FinishedAt *time.Time     `json:"finishedAt,omitempty"`
}

// DefaultBacklog bounds the tickets waiting for a worker when
// QueueConfig.Backlog is 0.
const DefaultBacklog = 1024

// ErrQueueFull is returned when the backlog has no room for another ticket.
var ErrQueueFull = errors.New("grid queue backlog is full")

// QueueConfig configures a GridQueue.
type QueueConfig struct {
	Workers int
	// Backlog is how many accepted tickets may wait for a worker.
	Backlog int
	Events  streaming.EventHub
	Logger  *slog.Logger
}

type pendingTicket struct {
	ctx    context.Context
	ticket flow.Ticket
}

// GridQueue picks up async tickets and runs them on a worker pool. It
// implements flow.TicketSubmitter. Submission never waits for a worker: a
// dispatcher goroutine moves tickets from the backlog onto the pool.
type GridQueue struct {
	runner TicketRunner
	pool   *WorkerPool
	events streaming.EventHub
	logger *slog.Logger

	pending    chan pendingTicket
	dispatched chan struct{}
	inflight   sync.WaitGroup

	mu     sync.RWMutex
	jobs   map[string]*Job
	closed bool
}

var _ flow.TicketSubmitter = (*GridQueue)(nil)

func NewGridQueue(runner TicketRunner, cfg QueueConfig) *GridQueue {
	backlog := cfg.Backlog
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	q := &GridQueue{
		runner:     runner,
		pool:       NewWorkerPool(cfg.Workers),
		events:     cfg.Events,
		logger:     logging.OrDiscard(cfg.Logger),
		pending:    make(chan pendingTicket, backlog),
		dispatched: make(chan struct{}),
		jobs:       make(map[string]*Job),
	}
	q.pool.onPanic = func(v any) {
		q.logger.Error("grid job panicked", slog.String("panic", fmt.Sprint(v)))
	}
	go q.dispatch()
	return q
}

// SubmitTicket records t and queues it without waiting for a worker. It
// fails with ErrQueueFull when the backlog is full. The job outlives ctx's
// cancellation but keeps its values.
func (q *GridQueue) SubmitTicket(ctx context.Context, t flow.Ticket) error {
	if t.RunID == "" {
		return schema.NewError(schema.ErrCodeValidation, "ticket has no run id")
	}

	q.mu.Lock()
	if _, dup := q.jobs[t.RunID]; dup {
		q.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeValidation, "run %s already queued", t.RunID)
	}
	q.jobs[t.RunID] = &Job{Ticket: t, Status: JobQueued, QueuedAt: time.Now().UTC()}
	q.mu.Unlock()

	q.publish(ctx, t, schema.EventJobQueued, map[string]any{"jobId": t.JobID})

	q.mu.Lock()
	var err error
	if q.closed {
		err = ErrPoolShutdown
	} else {
		item := pendingTicket{
			ctx:    logging.WithIDs(context.WithoutCancel(ctx), t.ProjectID, t.PlanID, t.RunID),
			ticket: t,
		}
		select {
		case q.pending <- item:
			q.inflight.Add(1)
		default:
			err = ErrQueueFull
		}
	}
	q.mu.Unlock()

	if err != nil {
		q.finish(t.RunID, nil, err)
		return err
	}
	return nil
}

// dispatch feeds the backlog to the pool until Shutdown closes it.
func (q *GridQueue) dispatch() {
	defer close(q.dispatched)
	for item := range q.pending {
		t := item.ticket
		err := q.pool.Submit(item.ctx, func(ctx context.Context) error {
			defer q.inflight.Done()
			return q.run(ctx, t)
		})
		if err != nil {
			q.finish(t.RunID, nil, err)
			q.inflight.Done()
		}
	}
}

func (q *GridQueue) run(ctx context.Context, t flow.Ticket) error {
	now := time.Now().UTC()
	q.mu.Lock()
	if job, ok := q.jobs[t.RunID]; ok {
		job.Status = JobRunning
		job.StartedAt = &now
	}
	q.mu.Unlock()

	q.logger.InfoContext(ctx, "grid job started", slog.String("job_id", t.JobID))
	res, err := q.runner.RunTicket(ctx, t)

	var outputs map[string]any
	if res != nil {
		outputs = res.Outputs
	}
	q.finish(t.RunID, outputs, err)

	if err != nil {
		q.logger.WarnContext(ctx, "grid job failed", slog.String("job_id", t.JobID), slog.String("error", err.Error()))
		q.publish(ctx, t, schema.EventJobFailed, map[string]any{"jobId": t.JobID, "error": err.Error()})
		return err
	}
	q.logger.InfoContext(ctx, "grid job completed", slog.String("job_id", t.JobID))
	q.publish(ctx, t, schema.EventJobCompleted, map[string]any{"jobId": t.JobID})
	return nil
}

func (q *GridQueue) finish(runID string, outputs map[string]any, err error) {
	now := time.Now().UTC()
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[runID]
	if !ok {
		return
	}
	job.FinishedAt = &now
	if err != nil {
		job.Status = JobFailed
		job.Error = err.Error()
		return
	}
	job.Status = JobCompleted
	job.Outputs = outputs
}

func (q *GridQueue) publish(ctx context.Context, t flow.Ticket, eventType string, payload any) {
	if q.events == nil {
		return
	}
	_ = q.events.Publish(ctx, streaming.StreamEvent{
		ProjectID: t.ProjectID,
		PlanID:    t.PlanID,
		RunID:     t.RunID,
		EventType: eventType,
		Payload:   payload,
	})
}

// Job returns a copy of the job for runID.
func (q *GridQueue) Job(runID string) (Job, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	job, ok := q.jobs[runID]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Jobs lists projectID's jobs, oldest first. An empty projectID lists all.
func (q *GridQueue) Jobs(projectID string) []Job {
	q.mu.RLock()
	out := make([]Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		if projectID == "" || job.Ticket.ProjectID == projectID {
			out = append(out, *job)
		}
	}
	q.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out
}

// Wait blocks until every accepted job has finished.
func (q *GridQueue) Wait() { q.inflight.Wait() }

// Shutdown stops accepting tickets, runs the backlog and waits for every
// job to finish.
func (q *GridQueue) Shutdown() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.pending)
	}
	q.mu.Unlock()

	<-q.dispatched
	q.pool.Shutdown()
}

func (q *GridQueue) Metrics() PoolMetrics { return q.pool.Metrics() }
