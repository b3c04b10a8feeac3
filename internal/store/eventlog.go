package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/rendis/voike/internal/logging"
	"github.com/rendis/voike/internal/streaming"
	"github.com/rendis/voike/pkg/schema"
)

// EventLog persists streaming events and replays runs from them.
type EventLog struct {
	store  Store
	logger *slog.Logger
}

// NewEventLog wraps s. A nil logger discards.
func NewEventLog(s Store, logger *slog.Logger) *EventLog {
	return &EventLog{store: s, logger: logging.OrDiscard(logger)}
}

// Record appends one streaming event. Events without a run id are ignored.
func (el *EventLog) Record(ctx context.Context, ev streaming.StreamEvent) error {
	if ev.RunID == "" {
		return nil
	}
	var payload json.RawMessage
	if ev.Payload != nil {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", ev.EventType, err)
		}
		payload = b
	}
	return el.store.AppendRunEvent(ctx, &RunEvent{
		RunID:     ev.RunID,
		ProjectID: ev.ProjectID,
		PlanID:    ev.PlanID,
		Step:      ev.Step,
		Type:      ev.EventType,
		Payload:   payload,
		Timestamp: ev.Time,
	})
}

// Attach subscribes to hub and records every matching event until ctx ends.
// The returned channel is closed once the recorder goroutine exits.
func (el *EventLog) Attach(ctx context.Context, hub streaming.EventHub, filter streaming.EventFilter) (<-chan struct{}, error) {
	ch, cancel, err := hub.Subscribe(ctx, filter)
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		for ev := range ch {
			if err := el.Record(context.WithoutCancel(ctx), ev); err != nil {
				el.logger.Warn("failed to record run event",
					slog.String("run_id", ev.RunID),
					slog.String("event_type", ev.EventType),
					slog.String("error", err.Error()))
			}
		}
	}()
	return done, nil
}

// ReplayRun rebuilds per-step state for runID. Sequence gaps are an error.
func (el *EventLog) ReplayRun(ctx context.Context, runID string) (map[string]*StepState, error) {
	events, err := el.store.GetRunEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	states := make(map[string]*StepState)
	for _, e := range events {
		if e.Step == "" {
			continue
		}
		ss, ok := states[e.Step]
		if !ok {
			ss = &StepState{RunID: runID, Step: e.Step, Status: StepPending}
			states[e.Step] = ss
		}

		switch e.Type {
		case schema.EventNodeStarted:
			ss.Status = StepRunning
			ts := e.Timestamp
			ss.StartedAt = &ts
		case schema.EventNodeCompleted:
			ss.Status = StepCompleted
			ts := e.Timestamp
			ss.CompletedAt = &ts
			if ss.StartedAt != nil {
				ss.DurationMs = ts.Sub(*ss.StartedAt).Milliseconds()
			}
		case schema.EventRunFailed:
			ss.Status = StepFailed
			ss.Error = e.Payload
		}
	}
	return states, nil
}
