// Package streaming fans run events out to in-process subscribers: the
// event recorder, MCP notifications and CLI progress output.
package streaming

import (
	"context"
	"slices"
	"time"
)

// StreamEvent is one run event. Time is stamped by the hub on publish when
// the producer leaves it zero.
type StreamEvent struct {
	ProjectID string    `json:"project_id,omitempty"`
	PlanID    string    `json:"plan_id,omitempty"`
	RunID     string    `json:"run_id"`
	Step      string    `json:"step,omitempty"`
	EventType string    `json:"event_type"`
	Payload   any       `json:"payload,omitempty"`
	Time      time.Time `json:"time"`
}

// EventFilter selects events. Empty fields match everything.
type EventFilter struct {
	ProjectID  string   `json:"project_id,omitempty"`
	PlanID     string   `json:"plan_id,omitempty"`
	RunID      string   `json:"run_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// Match reports whether e passes f.
func (f EventFilter) Match(e StreamEvent) bool {
	switch {
	case f.ProjectID != "" && f.ProjectID != e.ProjectID:
		return false
	case f.PlanID != "" && f.PlanID != e.PlanID:
		return false
	case f.RunID != "" && f.RunID != e.RunID:
		return false
	case len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType):
		return false
	}
	return true
}

// EventHub is the pub/sub seam between producers and subscribers.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
