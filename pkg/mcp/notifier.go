package mcp

import (
	"context"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/voike/internal/streaming"
	"github.com/rendis/voike/pkg/schema"
)

// ProjectNotifier pushes notifications to whoever is working on a project.
type ProjectNotifier interface {
	Notify(ctx context.Context, projectID string, params map[string]any) error
}

// MCPNotifier delivers notifications/message to the session registered for
// a project.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

var _ ProjectNotifier = (*MCPNotifier)(nil)

func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify is best-effort: unknown projects are skipped and expired sessions
// are forgotten.
func (n *MCPNotifier) Notify(_ context.Context, projectID string, params map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(projectID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", params)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// runNotification shapes a terminal run or job event as logging message
// params: failures are logged at error level, everything else at info.
func runNotification(ev streaming.StreamEvent) map[string]any {
	level := "info"
	if ev.EventType == schema.EventRunFailed || ev.EventType == schema.EventJobFailed {
		level = "error"
	}
	data := map[string]any{
		"event":     ev.EventType,
		"projectId": ev.ProjectID,
		"planId":    ev.PlanID,
		"runId":     ev.RunID,
	}
	if !ev.Time.IsZero() {
		data["time"] = ev.Time.Format(time.RFC3339Nano)
	}
	if ev.Payload != nil {
		data["payload"] = ev.Payload
	}
	return map[string]any{"level": level, "logger": "voike", "data": data}
}
