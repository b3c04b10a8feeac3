package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/voike/internal/flow"
	"github.com/rendis/voike/internal/scheduler"
	"github.com/rendis/voike/internal/store"
	"github.com/rendis/voike/internal/streaming"
	"github.com/rendis/voike/internal/vasm"
	"github.com/rendis/voike/pkg/schema"
)

// JobTracker reports async grid jobs. Satisfied by *scheduler.GridQueue.
type JobTracker interface {
	Job(runID string) (scheduler.Job, bool)
	Jobs(projectID string) []scheduler.Job
}

// ScheduleAdder registers recurring plan runs. Satisfied by *scheduler.Scheduler.
type ScheduleAdder interface {
	AddSchedule(ctx context.Context, projectID, planID, cronExpr string, inputs map[string]any) (*store.Schedule, error)
}

// ServerDeps holds the dependencies for creating a Server. Only Flow is
// required; tools backed by a missing dependency report an error.
type ServerDeps struct {
	Flow      *flow.Service
	Jobs      JobTracker
	Schedules ScheduleAdder
	// Events replays recorded runs for diagram status overlays.
	Events *store.EventLog
	// Hub feeds run notifications to connected sessions.
	Hub streaming.EventHub

	Loader        *vasm.Loader
	Host          vasm.HostBridge
	MaxSteps      int
	DiagramBinDir string

	Logger *slog.Logger
}

// Server wraps an MCP server with the voike tool handlers.
type Server struct {
	flow      *flow.Service
	jobs      JobTracker
	schedules ScheduleAdder
	events    *store.EventLog
	hub       streaming.EventHub

	loader        *vasm.Loader
	host          vasm.HostBridge
	maxSteps      int
	diagramBinDir string

	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  *MCPNotifier
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	loader := deps.Loader
	if loader == nil {
		loader = vasm.NewLoader(nil)
	}

	s := &Server{
		flow:          deps.Flow,
		jobs:          deps.Jobs,
		schedules:     deps.Schedules,
		events:        deps.Events,
		hub:           deps.Hub,
		loader:        loader,
		host:          deps.Host,
		maxSteps:      deps.MaxSteps,
		diagramBinDir: deps.DiagramBinDir,
		logger:        logger,
		sessions:      NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"voike",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Voike compiles FLOW sources into plans and runs them. Use flow.plan to compile a source for a project, flow.execute to run a plan, flow.jobs to follow async runs, flow.diagram to render a plan, and vasm.run to execute a VASM program."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. Run notifications are forwarded while it serves.
func (s *Server) Serve(ctx context.Context) error {
	if s.hub != nil {
		if err := s.WatchRuns(ctx); err != nil {
			return err
		}
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// WatchRuns forwards terminal run and job events to the session that last
// used the event's project. It returns once the subscription is in place.
func (s *Server) WatchRuns(ctx context.Context) error {
	ch, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{
		EventTypes: []string{
			schema.EventRunCompleted, schema.EventRunFailed,
			schema.EventJobCompleted, schema.EventJobFailed,
		},
	})
	if err != nil {
		return err
	}
	go func() {
		defer cancel()
		for ev := range ch {
			if err := s.notifier.Notify(ctx, ev.ProjectID, runNotification(ev)); err != nil {
				s.logger.Warn("run notification failed",
					slog.String("run_id", ev.RunID),
					slog.String("error", err.Error()))
			}
		}
	}()
	return nil
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: parseTool(), Handler: s.handleParse},
		{Tool: planTool(), Handler: s.handlePlan},
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: plansTool(), Handler: s.handlePlans},
		{Tool: jobsTool(), Handler: s.handleJobs},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
		{Tool: diagramTool(), Handler: s.handleDiagram},
		{Tool: vasmRunTool(), Handler: s.handleVASMRun},
		{Tool: vasmCheckTool(), Handler: s.handleVASMCheck},
	}
}

// --- Tool definitions ---

func parseTool() mcp.Tool {
	return mcp.NewTool("flow.parse",
		mcp.WithDescription("Parse FLOW source and report its AST, errors and warnings without compiling it"),
		mcp.WithString("source", mcp.Required(), mcp.Description("FLOW source text")),
		mcp.WithString("strict", mcp.Enum("true", "false"), mcp.Description("Promote warnings to errors (default: false)")),
	)
}

func planTool() mcp.Tool {
	return mcp.NewTool("flow.plan",
		mcp.WithDescription("Compile FLOW source into a plan owned by a project"),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project that owns the plan")),
		mcp.WithString("source", mcp.Required(), mcp.Description("FLOW source text")),
	)
}

func executeTool() mcp.Tool {
	return mcp.NewTool("flow.execute",
		mcp.WithDescription("Execute a compiled plan"),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project that owns the plan")),
		mcp.WithString("plan_id", mcp.Required(), mcp.Description("Plan to execute")),
		mcp.WithObject("inputs", mcp.Description("Plan inputs keyed by declared input name")),
		mcp.WithString("mode", mcp.Enum("auto", "sync", "async"), mcp.Description("Execution mode (default: auto)")),
		mcp.WithString("run_id", mcp.Description("Run id to use (default: generated)")),
	)
}

func plansTool() mcp.Tool {
	return mcp.NewTool("flow.plans",
		mcp.WithDescription("List, fetch or delete a project's plans"),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project that owns the plans")),
		mcp.WithString("action", mcp.Enum("list", "get", "delete"), mcp.Description("Action to perform (default: list)")),
		mcp.WithString("plan_id", mcp.Description("Plan id (required for get and delete)")),
	)
}

func jobsTool() mcp.Tool {
	return mcp.NewTool("flow.jobs",
		mcp.WithDescription("Report async grid jobs of a project"),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project whose jobs to list")),
		mcp.WithString("run_id", mcp.Description("Return only the job for this run")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("flow.schedule",
		mcp.WithDescription("Run a plan on a cron schedule"),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project that owns the plan")),
		mcp.WithString("plan_id", mcp.Required(), mcp.Description("Plan to run")),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Five-field cron expression or descriptor such as @hourly")),
		mcp.WithObject("inputs", mcp.Description("Inputs passed to every run")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("flow.diagram",
		mcp.WithDescription("Render a plan as a diagram. Returns ASCII art, Mermaid, DOT, SVG, or a base64-encoded PNG image"),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project that owns the plan")),
		mcp.WithString("plan_id", mcp.Required(), mcp.Description("Plan to render")),
		mcp.WithString("format",
			mcp.Enum("mermaid", "ascii", "png", "svg", "dot"),
			mcp.Description("Output format (default: mermaid)"),
		),
		mcp.WithString("run_id", mcp.Description("Overlay the recorded step status of this run")),
	)
}

func vasmRunTool() mcp.Tool {
	return mcp.NewTool("vasm.run",
		mcp.WithDescription("Run a VASM program and return the final machine state and printed output"),
		mcp.WithString("source", mcp.Required(), mcp.Description("Program as assembly text, JSON or YAML")),
		mcp.WithString("format", mcp.Enum("auto", "asm", "json", "yaml"), mcp.Description("Source format (default: auto)")),
		mcp.WithString("max_steps", mcp.Description("Instruction budget (default: server setting)")),
		mcp.WithString("project_id", mcp.Description("Project whose tables, blobs and plans host syscalls use (default: server project)")),
	)
}

func vasmCheckTool() mcp.Tool {
	return mcp.NewTool("vasm.check",
		mcp.WithDescription("Load and lint a VASM program without running it"),
		mcp.WithString("source", mcp.Required(), mcp.Description("Program as assembly text, JSON or YAML")),
		mcp.WithString("format", mcp.Enum("auto", "asm", "json", "yaml"), mcp.Description("Source format (default: auto)")),
	)
}
