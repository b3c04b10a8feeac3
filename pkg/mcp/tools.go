package mcp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/voike/internal/diagram"
	"github.com/rendis/voike/internal/flow"
	"github.com/rendis/voike/internal/logging"
	"github.com/rendis/voike/internal/store"
	"github.com/rendis/voike/internal/vasm"
	"github.com/rendis/voike/pkg/schema"
)

// handleParse parses FLOW source without compiling it.
func (s *Server) handleParse(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source, err := req.RequireString("source")
	if err != nil {
		return mcp.NewToolResultError("source is required"), nil
	}
	if s.flow == nil {
		return mcp.NewToolResultError("flow service is not configured"), nil
	}
	strict := req.GetString("strict", "false") == "true"
	return marshalResult(s.flow.Parse(source, strict))
}

// handlePlan compiles source for a project.
func (s *Server) handlePlan(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError("project_id is required"), nil
	}
	source, err := req.RequireString("source")
	if err != nil {
		return mcp.NewToolResultError("source is required"), nil
	}
	if s.flow == nil {
		return mcp.NewToolResultError("flow service is not configured"), nil
	}
	s.captureSession(ctx, projectID)

	plan, err := s.flow.Plan(ctx, projectID, source)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("plan failed: %v", err)), nil
	}
	return marshalResult(plan)
}

// handleExecute runs a plan. The run id is always returned so callers can
// follow async jobs or request a status diagram.
func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError("project_id is required"), nil
	}
	planID, err := req.RequireString("plan_id")
	if err != nil {
		return mcp.NewToolResultError("plan_id is required"), nil
	}
	if s.flow == nil {
		return mcp.NewToolResultError("flow service is not configured"), nil
	}
	mode, err := schema.ParseExecMode(req.GetString("mode", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	runID := req.GetString("run_id", "")
	if runID == "" {
		runID = uuid.New().String()
	}
	inputs := mcp.ParseStringMap(req, "inputs", nil)

	s.captureSession(ctx, projectID)

	res, err := s.flow.ExecuteRun(ctx, runID, planID, projectID, inputs, mode)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runId": runID, "result": res})
}

// handlePlans lists, fetches or deletes plans.
func (s *Server) handlePlans(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError("project_id is required"), nil
	}
	if s.flow == nil {
		return mcp.NewToolResultError("flow service is not configured"), nil
	}

	action := req.GetString("action", "list")
	planID := req.GetString("plan_id", "")
	if action != "list" && planID == "" {
		return mcp.NewToolResultError(fmt.Sprintf("plan_id is required for %s", action)), nil
	}

	switch action {
	case "list":
		plans := s.flow.ListPlans(projectID)
		if plans == nil {
			plans = []flow.PlanSummary{}
		}
		return marshalResult(map[string]any{"plans": plans})
	case "get":
		plan, err := s.flow.GetPlan(projectID, planID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return marshalResult(plan)
	case "delete":
		if err := s.flow.DeletePlan(projectID, planID); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return marshalResult(map[string]any{"deleted": planID})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

// handleJobs reports async grid jobs.
func (s *Server) handleJobs(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError("project_id is required"), nil
	}
	if s.jobs == nil {
		return mcp.NewToolResultError("async jobs are not enabled"), nil
	}

	if runID := req.GetString("run_id", ""); runID != "" {
		job, ok := s.jobs.Job(runID)
		if !ok || job.Ticket.ProjectID != projectID {
			return mcp.NewToolResultError(fmt.Sprintf("job for run %s not found", runID)), nil
		}
		return marshalResult(job)
	}
	return marshalResult(map[string]any{"jobs": s.jobs.Jobs(projectID)})
}

// handleSchedule registers a cron schedule for an existing plan.
func (s *Server) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError("project_id is required"), nil
	}
	planID, err := req.RequireString("plan_id")
	if err != nil {
		return mcp.NewToolResultError("plan_id is required"), nil
	}
	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required"), nil
	}
	if s.flow == nil || s.schedules == nil {
		return mcp.NewToolResultError("scheduling is not enabled"), nil
	}
	if _, err := s.flow.GetPlan(projectID, planID); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sched, err := s.schedules.AddSchedule(ctx, projectID, planID, cronExpr, mcp.ParseStringMap(req, "inputs", nil))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("schedule failed: %v", err)), nil
	}
	return marshalResult(sched)
}

// handleDiagram renders a plan in the requested format.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError("project_id is required"), nil
	}
	planID, err := req.RequireString("plan_id")
	if err != nil {
		return mcp.NewToolResultError("plan_id is required"), nil
	}
	if s.flow == nil {
		return mcp.NewToolResultError("flow service is not configured"), nil
	}
	format, err := diagram.ParseFormat(req.GetString("format", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	plan, err := s.flow.GetPlan(projectID, planID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var states []*store.StepState
	if runID := req.GetString("run_id", ""); runID != "" {
		if s.events == nil {
			return mcp.NewToolResultError("run history is not enabled"), nil
		}
		replayed, err := s.events.ReplayRun(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("replay run %s: %v", runID, err)), nil
		}
		states = sortedStates(replayed)
	}

	model, err := diagram.Build(plan, states)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}
	out, err := diagram.Render(ctx, model, format, s.diagramBinDir)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram render failed: %v", err)), nil
	}
	if format.Binary() {
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(out)), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

// vasmRunResult is the vasm.run response.
type vasmRunResult struct {
	Name   string     `json:"name,omitempty"`
	State  vasm.State `json:"state"`
	Output string     `json:"output"`
}

// handleVASMRun loads and runs a program against the server's host bridge.
func (s *Server) handleVASMRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	program, errResult := s.loadProgram(req)
	if errResult != nil {
		return errResult, nil
	}

	maxSteps := s.maxSteps
	if raw := req.GetString("max_steps", ""); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return mcp.NewToolResultError(fmt.Sprintf("max_steps must be a non-negative integer, got %q", raw)), nil
		}
		maxSteps = n
	}
	if projectID := req.GetString("project_id", ""); projectID != "" {
		s.captureSession(ctx, projectID)
		ctx = logging.WithProjectID(ctx, projectID)
	}

	var out bytes.Buffer
	vm, err := vasm.New(program,
		vasm.WithHost(s.host),
		vasm.WithOutput(&out),
		vasm.WithLogger(s.logger),
		vasm.WithMaxSteps(maxSteps),
	)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := vm.Run(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("vm failed at pc %d: %v", vm.PC(), err)), nil
	}
	return marshalResult(vasmRunResult{Name: program.Name, State: vm.Snapshot(), Output: out.String()})
}

// handleVASMCheck loads and lints a program.
func (s *Server) handleVASMCheck(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	program, errResult := s.loadProgram(req)
	if errResult != nil {
		return errResult, nil
	}
	res := vasm.Lint(program)
	return marshalResult(map[string]any{
		"valid":        res.Valid(),
		"instructions": len(program.Instructions),
		"errors":       res.Errors,
		"warnings":     res.Warnings,
	})
}

func (s *Server) loadProgram(req mcp.CallToolRequest) (*vasm.Program, *mcp.CallToolResult) {
	source, err := req.RequireString("source")
	if err != nil {
		return nil, mcp.NewToolResultError("source is required")
	}
	format := vasm.Format(req.GetString("format", ""))
	if format == "auto" {
		format = vasm.FormatAuto
	}
	program, err := s.loader.Decode([]byte(source), format)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("load failed: %v", err))
	}
	return program, nil
}

// captureSession records which session last worked on projectID so run
// notifications reach it.
func (s *Server) captureSession(ctx context.Context, projectID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(projectID, session.SessionID())
	}
}

func sortedStates(m map[string]*store.StepState) []*store.StepState {
	out := make([]*store.StepState, 0, len(m))
	for _, ss := range m {
		out = append(out, ss)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
