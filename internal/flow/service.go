// Package flow is the Plan/Execute contract over the parser, plan builder and
// executor. Plans are project scoped: a plan owned by another project is
// reported exactly like an unknown one.
package flow

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/minio/highwayhash"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rendis/voike/internal/cache"
	"github.com/rendis/voike/internal/engine"
	"github.com/rendis/voike/internal/logging"
	"github.com/rendis/voike/internal/parser"
	"github.com/rendis/voike/internal/validation"
	"github.com/rendis/voike/pkg/schema"
)

// DefaultCacheSize bounds the number of plans kept when Config.CacheSize is 0.
const DefaultCacheSize = 256

// maxCallDepth bounds nested CALL steps.
const maxCallDepth = 8

var hashKey = []byte("voike-flow-plan-content-hash-key")

// Ticket is handed to a TicketSubmitter for every async execution.
type Ticket struct {
	JobID       string         `json:"jobId"`
	PlanID      string         `json:"planId"`
	ProjectID   string         `json:"projectId"`
	RunID       string         `json:"runId"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	ScheduledAt time.Time      `json:"scheduledAt"`
}

// TicketSubmitter accepts async tickets, typically a job queue.
type TicketSubmitter interface {
	SubmitTicket(ctx context.Context, t Ticket) error
}

// Config configures a Service.
type Config struct {
	// Executor configures the executor the service builds. Plans defaults to
	// the service itself so CALL steps resolve project plans.
	Executor engine.ExecutorConfig

	CacheSize int
	// Registerer, when set, receives plan cache metrics.
	Registerer prometheus.Registerer
	Tickets    TicketSubmitter
	// Validator, when set, checks run inputs against declared input types.
	Validator validation.Validator
	Logger    *slog.Logger
}

// PlanSummary is the listing view of a plan.
type PlanSummary struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Title     string    `json:"title,omitempty"`
	Nodes     int       `json:"nodes"`
	CreatedAt time.Time `json:"createdAt"`
}

// Service stores compiled plans and runs them.
type Service struct {
	exec      *engine.Executor
	tickets   TicketSubmitter
	validator validation.Validator
	logger    *slog.Logger

	plans *cache.LRU[*schema.Plan]

	mu     sync.Mutex
	byHash map[string]string // projectID + "/" + content hash -> plan id
	hashes map[string]string // plan id -> byHash key
}

// New creates a Service.
func New(cfg Config) (*Service, error) {
	s := &Service{
		tickets:   cfg.Tickets,
		validator: cfg.Validator,
		logger:    logging.OrDiscard(cfg.Logger),
		byHash:    make(map[string]string),
		hashes:    make(map[string]string),
	}

	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	opts := []cache.Option[*schema.Plan]{cache.WithEvictCallback(s.forget)}
	if cfg.Registerer != nil {
		opts = append(opts, cache.WithMetrics[*schema.Plan](cfg.Registerer, "flow_plans"))
	}
	plans, err := cache.NewLRU(size, opts...)
	if err != nil {
		return nil, err
	}
	s.plans = plans

	execCfg := cfg.Executor
	if execCfg.Plans == nil {
		execCfg.Plans = s
	}
	if execCfg.Logger == nil {
		execCfg.Logger = cfg.Logger
	}
	if s.exec, err = engine.NewExecutor(execCfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Parse parses source without compiling it.
func (s *Service) Parse(source string, strict bool) *parser.ParseResult {
	return parser.Parse(source, parser.Options{Strict: strict})
}

// Plan parses and compiles source for projectID. Identical source within a
// project returns the plan compiled earlier while it is still cached.
func (s *Service) Plan(ctx context.Context, projectID, source string) (*schema.Plan, error) {
	key, err := contentKey(projectID, source)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	id, ok := s.byHash[key]
	s.mu.Unlock()
	if ok {
		if plan, hit := s.plans.Get(id); hit {
			s.logger.DebugContext(ctx, "plan cache hit", slog.String("plan_id", id))
			return plan, nil
		}
	}

	res := s.Parse(source, false)
	if !res.OK {
		return nil, schema.NewError(schema.ErrCodeParse, res.FirstError()).
			WithDetails(map[string]any{"errors": res.Errors})
	}
	for _, w := range res.Warnings {
		s.logger.WarnContext(ctx, "flow warning", slog.String("warning", w))
	}

	plan, err := engine.BuildPlan(res.AST, projectID)
	if err != nil {
		return nil, err
	}
	plan.Source = source

	s.mu.Lock()
	s.byHash[key] = plan.ID
	s.hashes[plan.ID] = key
	s.mu.Unlock()
	if _, err := s.plans.Set(plan.ID, plan); err != nil {
		return nil, err
	}

	s.logger.InfoContext(logging.WithPlanID(ctx, plan.ID), "plan compiled",
		slog.String("project_id", projectID), slog.Int("nodes", len(plan.Graph.Nodes)))
	return plan, nil
}

// Execute runs a stored plan. Async runs are handed to the configured
// TicketSubmitter when there is one.
func (s *Service) Execute(ctx context.Context, planID, projectID string, inputs map[string]any, mode schema.ExecMode) (*schema.ExecutionResult, error) {
	return s.execute(ctx, planID, projectID, inputs, mode, engine.RunContext{ProjectID: projectID})
}

// ExecuteRun is Execute with a caller-chosen run id, so progress events and
// recorded step states can be looked up afterwards. An empty runID gets a
// fresh one.
func (s *Service) ExecuteRun(ctx context.Context, runID, planID, projectID string, inputs map[string]any, mode schema.ExecMode) (*schema.ExecutionResult, error) {
	return s.execute(ctx, planID, projectID, inputs, mode, engine.RunContext{ProjectID: projectID, RunID: runID})
}

func (s *Service) execute(ctx context.Context, planID, projectID string, inputs map[string]any, mode schema.ExecMode, rc engine.RunContext) (*schema.ExecutionResult, error) {
	plan, err := s.GetPlan(projectID, planID)
	if err != nil {
		return nil, err
	}
	if s.validator != nil {
		if err := s.validator.ValidateInputs(inputs, plan.AST.Inputs); err != nil {
			return nil, err
		}
	}
	if rc.RunID == "" {
		rc.RunID = uuid.New().String()
	}

	res, err := s.exec.Execute(ctx, plan, inputs, mode, rc)
	if err != nil {
		return nil, err
	}
	if res.Mode == schema.ModeAsync && s.tickets != nil {
		t := Ticket{
			JobID:       res.JobID,
			PlanID:      plan.ID,
			ProjectID:   projectID,
			RunID:       rc.RunID,
			Inputs:      inputs,
			ScheduledAt: *res.Metrics.ScheduledAt,
		}
		if err := s.tickets.SubmitTicket(ctx, t); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "submit ticket %s: %s", t.JobID, err.Error()).WithCause(err)
		}
	}
	return res, nil
}

// RunTicket executes a previously submitted ticket synchronously.
func (s *Service) RunTicket(ctx context.Context, t Ticket) (*schema.ExecutionResult, error) {
	return s.execute(ctx, t.PlanID, t.ProjectID, t.Inputs, schema.ModeSync,
		engine.RunContext{ProjectID: t.ProjectID, RunID: t.RunID})
}

// ListPlans returns projectID's cached plans, newest first.
func (s *Service) ListPlans(projectID string) []PlanSummary {
	var out []PlanSummary
	for _, id := range s.plans.Keys() {
		plan, ok := s.plans.Peek(id)
		if !ok || plan.ProjectID != projectID {
			continue
		}
		out = append(out, PlanSummary{
			ID:        plan.ID,
			ProjectID: plan.ProjectID,
			Title:     plan.AST.Title,
			Nodes:     len(plan.Graph.Nodes),
			CreatedAt: plan.CreatedAt,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// GetPlan returns the plan when it exists and belongs to projectID.
func (s *Service) GetPlan(projectID, planID string) (*schema.Plan, error) {
	plan, ok := s.plans.Peek(planID)
	if !ok || plan.ProjectID != projectID {
		return nil, notFound(planID)
	}
	return plan, nil
}

// DeletePlan removes a plan owned by projectID.
func (s *Service) DeletePlan(projectID, planID string) error {
	if _, err := s.GetPlan(projectID, planID); err != nil {
		return err
	}
	s.plans.Delete(planID)
	return nil
}

// CallPlan runs plan target of the caller's project synchronously and returns
// its outputs. It backs CALL steps.
func (s *Service) CallPlan(ctx context.Context, target string, inputs map[string]any, rc engine.RunContext) (any, error) {
	depth, _ := ctx.Value(callDepthKey{}).(int)
	if depth >= maxCallDepth {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "CALL %q exceeds maximum nesting depth %d", target, maxCallDepth)
	}
	ctx = context.WithValue(ctx, callDepthKey{}, depth+1)

	res, err := s.execute(ctx, target, rc.ProjectID, inputs, schema.ModeSync,
		engine.RunContext{ProjectID: rc.ProjectID, RunID: rc.RunID})
	if err != nil {
		return nil, err
	}
	return res.Outputs, nil
}

// Executor returns the service's executor.
func (s *Service) Executor() *engine.Executor {
	return s.exec
}

type callDepthKey struct{}

// forget drops the content index entry of an evicted or deleted plan.
func (s *Service) forget(planID string, _ *schema.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.hashes[planID]; ok {
		delete(s.hashes, planID)
		if s.byHash[key] == planID {
			delete(s.byHash, key)
		}
	}
}

func notFound(planID string) error {
	return schema.NewError(schema.ErrCodeNotFound, "Flow plan not found").
		WithDetails(map[string]any{"planId": planID})
}

// contentKey identifies source within a project.
func contentKey(projectID, source string) (string, error) {
	h, err := highwayhash.New64(hashKey)
	if err != nil {
		return "", err
	}
	if _, err := h.Write([]byte(source)); err != nil {
		return "", err
	}
	return projectID + "/" + hex.EncodeToString(h.Sum(nil)), nil
}
