package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"

	"github.com/rendis/voike/internal/streaming"
	"github.com/rendis/voike/pkg/schema"
)

func TestRunNotification(t *testing.T) {
	at := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	ok := runNotification(streaming.StreamEvent{
		ProjectID: "p1", PlanID: "plan-1", RunID: "run-1",
		EventType: schema.EventRunCompleted, Time: at,
	})
	assert.Equal(t, map[string]any{
		"level":  "info",
		"logger": "voike",
		"data": map[string]any{
			"event":     schema.EventRunCompleted,
			"projectId": "p1",
			"planId":    "plan-1",
			"runId":     "run-1",
			"time":      "2026-05-06T07:08:09Z",
		},
	}, ok)

	failed := runNotification(streaming.StreamEvent{
		ProjectID: "p1", RunID: "run-2", EventType: schema.EventJobFailed,
		Payload: map[string]any{"error": "boom"},
	})
	assert.Equal(t, "error", failed["level"])
	data := failed["data"].(map[string]any)
	assert.Equal(t, map[string]any{"error": "boom"}, data["payload"])
	assert.NotContains(t, data, "time")
}

func TestMCPNotifier_UnknownProjectIsSkipped(t *testing.T) {
	sessions := NewSessionRegistry()
	n := NewMCPNotifier(server.NewMCPServer("test", "0.0.0"), sessions)
	assert.NoError(t, n.Notify(context.Background(), "nobody", map[string]any{"level": "info"}))
}
