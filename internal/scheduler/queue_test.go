package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/voike/internal/flow"
	"github.com/rendis/voike/internal/streaming"
	"github.com/rendis/voike/pkg/schema"
)

func TestGridQueue_RunsTicket(t *testing.T) {
	hub := streaming.NewMemoryHub()
	events, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{RunID: "r1"})
	require.NoError(t, err)
	defer cancel()

	var got flow.Ticket
	q := NewGridQueue(TicketRunnerFunc(func(_ context.Context, tk flow.Ticket) (*schema.ExecutionResult, error) {
		got = tk
		return &schema.ExecutionResult{Mode: schema.ModeSync, Outputs: map[string]any{"x": 1.0}}, nil
	}), QueueConfig{Workers: 2, Events: hub})
	defer q.Shutdown()

	ticket := flow.Ticket{JobID: "grid-p", PlanID: "p", ProjectID: "proj", RunID: "r1"}
	require.NoError(t, q.SubmitTicket(context.Background(), ticket))
	q.Wait()

	assert.Equal(t, ticket, got)
	job, ok := q.Job("r1")
	require.True(t, ok)
	assert.Equal(t, JobCompleted, job.Status)
	assert.Equal(t, map[string]any{"x": 1.0}, job.Outputs)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.FinishedAt)

	var types []string
	for len(types) < 2 {
		select {
		case ev := <-events:
			types = append(types, ev.EventType)
		case <-time.After(time.Second):
			t.Fatalf("events so far: %v", types)
		}
	}
	assert.Equal(t, []string{schema.EventJobQueued, schema.EventJobCompleted}, types)
}

func TestGridQueue_Failure(t *testing.T) {
	q := NewGridQueue(TicketRunnerFunc(func(context.Context, flow.Ticket) (*schema.ExecutionResult, error) {
		return nil, errors.New("plan exploded")
	}), QueueConfig{})
	defer q.Shutdown()

	require.NoError(t, q.SubmitTicket(context.Background(), flow.Ticket{RunID: "r1", ProjectID: "p"}))
	q.Wait()

	job, ok := q.Job("r1")
	require.True(t, ok)
	assert.Equal(t, JobFailed, job.Status)
	assert.Equal(t, "plan exploded", job.Error)
	assert.Equal(t, int64(1), q.Metrics().Failed)
}

func TestGridQueue_Validation(t *testing.T) {
	block := make(chan struct{})
	q := NewGridQueue(TicketRunnerFunc(func(context.Context, flow.Ticket) (*schema.ExecutionResult, error) {
		<-block
		return &schema.ExecutionResult{}, nil
	}), QueueConfig{Workers: 1})

	assert.Error(t, q.SubmitTicket(context.Background(), flow.Ticket{}))
	require.NoError(t, q.SubmitTicket(context.Background(), flow.Ticket{RunID: "r1", ProjectID: "a"}))
	assert.Error(t, q.SubmitTicket(context.Background(), flow.Ticket{RunID: "r1", ProjectID: "a"}))

	close(block)
	q.Shutdown()

	err := q.SubmitTicket(context.Background(), flow.Ticket{RunID: "r2", ProjectID: "b"})
	assert.ErrorIs(t, err, ErrPoolShutdown)
	job, ok := q.Job("r2")
	require.True(t, ok)
	assert.Equal(t, JobFailed, job.Status)

	assert.Len(t, q.Jobs("a"), 1)
	assert.Len(t, q.Jobs(""), 2)
}

func TestGridQueue_WithFlowService(t *testing.T) {
	var svc *flow.Service
	q := NewGridQueue(TicketRunnerFunc(func(ctx context.Context, tk flow.Ticket) (*schema.ExecutionResult, error) {
		return svc.RunTicket(ctx, tk)
	}), QueueConfig{Workers: 1})
	defer q.Shutdown()

	svc, err := flow.New(flow.Config{Tickets: q})
	require.NoError(t, err)

	ctx := context.Background()
	plan, err := svc.Plan(ctx, "p1", "STEP load = LOAD CSV FROM data\nSTEP n = TAKE 1 FROM load")
	require.NoError(t, err)

	res, err := svc.Execute(ctx, plan.ID, "p1", map[string]any{"data": "a\n1\n2"}, schema.ModeAsync)
	require.NoError(t, err)
	assert.Empty(t, res.Outputs)
	q.Wait()

	jobs := q.Jobs("p1")
	require.Len(t, jobs, 1)
	assert.Equal(t, res.JobID, jobs[0].Ticket.JobID)
	assert.Equal(t, JobCompleted, jobs[0].Status)
	assert.Equal(t, map[string]any{"n": []map[string]any{{"a": 1.0}}}, jobs[0].Outputs)
}

func TestGridQueue_SubmitDoesNotWaitForWorker(t *testing.T) {
	block := make(chan struct{})
	q := NewGridQueue(TicketRunnerFunc(func(context.Context, flow.Ticket) (*schema.ExecutionResult, error) {
		<-block
		return &schema.ExecutionResult{}, nil
	}), QueueConfig{Workers: 1})
	defer q.Shutdown()

	require.NoError(t, q.SubmitTicket(context.Background(), flow.Ticket{RunID: "r1", ProjectID: "p"}))
	require.Eventually(t, func() bool {
		job, _ := q.Job("r1")
		return job.Status == JobRunning
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	start := time.Now()
	require.NoError(t, q.SubmitTicket(ctx, flow.Ticket{RunID: "r2", ProjectID: "p"}))
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	job, ok := q.Job("r2")
	require.True(t, ok)
	assert.Equal(t, JobQueued, job.Status)

	close(block)
	q.Wait()

	job, _ = q.Job("r2")
	assert.Equal(t, JobCompleted, job.Status)
}

func TestGridQueue_BacklogFull(t *testing.T) {
	block := make(chan struct{})
	q := NewGridQueue(TicketRunnerFunc(func(context.Context, flow.Ticket) (*schema.ExecutionResult, error) {
		<-block
		return &schema.ExecutionResult{}, nil
	}), QueueConfig{Workers: 1, Backlog: 1})

	var full []string
	start := time.Now()
	for _, id := range []string{"r1", "r2", "r3", "r4"} {
		if err := q.SubmitTicket(context.Background(), flow.Ticket{RunID: id, ProjectID: "p"}); err != nil {
			require.ErrorIs(t, err, ErrQueueFull)
			full = append(full, id)
		}
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.NotEmpty(t, full)

	for _, id := range full {
		job, ok := q.Job(id)
		require.True(t, ok)
		assert.Equal(t, JobFailed, job.Status)
	}

	close(block)
	q.Shutdown()
	for _, job := range q.Jobs("p") {
		assert.Contains(t, []JobStatus{JobCompleted, JobFailed}, job.Status)
	}
}
