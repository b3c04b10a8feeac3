package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/voike/internal/expressions"
	"github.com/rendis/voike/internal/logging"
	"github.com/rendis/voike/internal/streaming"
	"github.com/rendis/voike/pkg/schema"
)

// ExecutorConfig holds the executor's collaborators. Every collaborator is
// optional; absent ones fall back to the documented stub results.
type ExecutorConfig struct {
	// AutoAsyncThreshold makes ModeAuto hand plans with more nodes than this
	// to the async path. 0 keeps auto runs synchronous.
	AutoAsyncThreshold int

	Agents   AgentRunner
	APX      APXExecutor
	VPKG     VPKGBuilder
	Deployer ServiceDeployer
	Text     TextCollector
	Jobs     JobRunner
	Plans    PlanCaller
	Tables   TableStore

	Events streaming.EventHub
	Logger *slog.Logger
}

// Executor runs compiled plans. It holds no per-run state and is safe for
// concurrent use; each Execute call owns a fresh Scope.
type Executor struct {
	cfg    ExecutorConfig
	logger *slog.Logger

	cel  *expressions.CELEngine
	expr *expressions.ExprEngine
	jq   *expressions.GoJQEngine
}

// NewExecutor creates an Executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Executor{
		cfg:    cfg,
		logger: logging.OrDiscard(cfg.Logger),
		cel:    celEngine,
		expr:   expressions.NewExprEngine(),
		jq:     expressions.NewGoJQEngine(),
	}, nil
}

// ResolveMode maps ModeAuto to sync or async for plan.
func (e *Executor) ResolveMode(plan *schema.Plan, mode schema.ExecMode) schema.ExecMode {
	if mode != schema.ModeAuto {
		return mode
	}
	if e.cfg.AutoAsyncThreshold > 0 && len(plan.Graph.Nodes) > e.cfg.AutoAsyncThreshold {
		return schema.ModeAsync
	}
	return schema.ModeSync
}

// Execute runs plan against inputs. In async mode nothing runs: a ticket with
// JobID "grid-<planId>" is returned for an external job system. In sync mode
// nodes run one at a time in stored order and the first failure aborts the
// run without partial results.
func (e *Executor) Execute(ctx context.Context, plan *schema.Plan, inputs map[string]any, mode schema.ExecMode, rc RunContext) (*schema.ExecutionResult, error) {
	if plan == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan is nil")
	}
	if rc.ProjectID == "" {
		rc.ProjectID = plan.ProjectID
	}
	if rc.RunID == "" {
		rc.RunID = uuid.New().String()
	}
	rc.PlanID = plan.ID
	ctx = logging.WithIDs(ctx, rc.ProjectID, rc.PlanID, rc.RunID)

	switch e.ResolveMode(plan, mode) {
	case schema.ModeAsync:
		return e.schedule(ctx, plan, rc), nil
	case schema.ModeSync:
		return e.runSync(ctx, plan, inputs, rc)
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid execution mode %q", mode)
}

func (e *Executor) schedule(ctx context.Context, plan *schema.Plan, rc RunContext) *schema.ExecutionResult {
	now := time.Now().UTC()
	jobID := "grid-" + plan.ID

	e.logger.InfoContext(ctx, "plan scheduled", slog.String("job_id", jobID), slog.Int("nodes", len(plan.Graph.Nodes)))
	e.publish(ctx, rc, schema.EventRunScheduled, map[string]any{"jobId": jobID})

	return &schema.ExecutionResult{
		Mode:    schema.ModeAsync,
		Outputs: map[string]any{},
		Metrics: schema.Metrics{
			GeneratedAt: now,
			ScheduledAt: &now,
			NodeCount:   len(plan.Graph.Nodes),
		},
		JobID: jobID,
	}
}

func (e *Executor) runSync(ctx context.Context, plan *schema.Plan, inputs map[string]any, rc RunContext) (*schema.ExecutionResult, error) {
	start := time.Now()
	scope := expressions.NewScope(inputs)
	outputs := make(map[string]any)
	executed := 0
	sawOutput := false
	last := ""

	e.logger.DebugContext(ctx, "run started", slog.Int("nodes", len(plan.Graph.Nodes)))
	e.publish(ctx, rc, schema.EventRunStarted, nil)

	for i := range plan.Graph.Nodes {
		node := &plan.Graph.Nodes[i]
		if node.Meta.Config == nil {
			continue
		}

		stepRC := rc
		stepRC.Step = node.Meta.StepName
		stepCtx := logging.WithStep(ctx, stepRC.Step)
		e.publish(stepCtx, stepRC, schema.EventNodeStarted, map[string]any{"op": node.Op})

		nodeStart := time.Now()
		value, err := e.runNode(stepCtx, node, scope, stepRC)
		if err != nil {
			err = stepError(err, stepRC.Step)
			e.logger.WarnContext(stepCtx, "node failed", slog.String("op", node.Op), slog.String("error", err.Error()))
			e.publish(stepCtx, stepRC, schema.EventRunFailed, map[string]any{"error": err.Error()})
			return nil, err
		}

		name := node.Output()
		scope.Set(name, value)
		last = name
		executed++

		if out, ok := node.Meta.Config.(schema.OutputConfig); ok {
			outputs[out.Label] = value
			sawOutput = true
		}

		e.logger.DebugContext(stepCtx, "node completed", slog.String("op", node.Op),
			slog.Int64("elapsed_ms", time.Since(nodeStart).Milliseconds()))
		e.publish(stepCtx, stepRC, schema.EventNodeCompleted, map[string]any{"op": node.Op})
	}

	if !sawOutput && last != "" {
		v, _ := scope.Lookup(last)
		outputs[last] = v
	}

	result := &schema.ExecutionResult{
		Mode:    schema.ModeSync,
		Outputs: outputs,
		Metrics: schema.Metrics{
			ElapsedMs:     time.Since(start).Milliseconds(),
			NodesExecuted: executed,
			GeneratedAt:   time.Now().UTC(),
		},
	}
	e.publish(ctx, rc, schema.EventRunCompleted, map[string]any{"nodesExecuted": executed})
	return result, nil
}

// stepError attaches the failing step to err. Errors that are not FlowErrors
// become EXECUTION_ERROR with the original message.
func stepError(err error, step string) error {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		if fe.Step == "" {
			fe.Step = step
		}
		return err
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithStep(step).WithCause(err)
}

func (e *Executor) publish(ctx context.Context, rc RunContext, eventType string, payload any) {
	if e.cfg.Events == nil {
		return
	}
	_ = e.cfg.Events.Publish(ctx, streaming.StreamEvent{
		ProjectID: rc.ProjectID,
		PlanID:    rc.PlanID,
		RunID:     rc.RunID,
		Step:      rc.Step,
		EventType: eventType,
		Payload:   payload,
	})
}

// runNode dispatches on the node's operation config. Every config type is
// handled; CUSTOM and anything unknown is fatal.
func (e *Executor) runNode(ctx context.Context, node *schema.PlanNode, scope *expressions.Scope, rc RunContext) (any, error) {
	switch cfg := node.Meta.Config.(type) {
	case schema.LoadCSVConfig:
		v, ok := scope.Input(cfg.Input)
		if !ok {
			return nil, missing("input", cfg.Input)
		}
		return coerceRows(cfg.Input, v)

	case schema.LoadJSONConfig:
		return e.loadJSON(ctx, scope, cfg)

	case schema.LoadTableConfig:
		if v, ok := scope.Input(cfg.Table); ok {
			return coerceRows(cfg.Table, v)
		}
		if e.cfg.Tables == nil {
			return nil, missing("input", cfg.Table)
		}
		rows, err := e.cfg.Tables.ReadTable(ctx, rc.ProjectID, cfg.Table)
		if err != nil {
			return nil, err
		}
		return rows, nil

	case schema.FilterConfig:
		rows, err := dataset(scope, cfg.Source)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, 0, len(rows))
		for _, row := range rows {
			ok, err := e.matchRow(ctx, row, cfg.Condition)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, row)
			}
		}
		return out, nil

	case schema.MapConfig:
		return e.mapRows(ctx, scope, cfg)

	case schema.GroupAggConfig:
		rows, err := dataset(scope, cfg.Source)
		if err != nil {
			return nil, err
		}
		out, skipped := groupRows(rows, cfg)
		for _, fn := range skipped {
			e.logger.WarnContext(ctx, "unsupported aggregation skipped", slog.String("fn", fn))
		}
		return out, nil

	case schema.JoinConfig:
		left, err := dataset(scope, cfg.Left)
		if err != nil {
			return nil, err
		}
		right, err := dataset(scope, cfg.Right)
		if err != nil {
			return nil, err
		}
		return joinRows(left, right, cfg), nil

	case schema.SortConfig:
		rows, err := dataset(scope, cfg.Source)
		if err != nil {
			return nil, err
		}
		return sortRows(rows, cfg), nil

	case schema.TakeConfig:
		rows, err := dataset(scope, cfg.Source)
		if err != nil {
			return nil, err
		}
		return takeRows(rows, cfg.Count), nil

	case schema.LoadModelConfig:
		return map[string]any{"model": cfg.Model, "status": "loaded"}, nil

	case schema.InferConfig:
		rows, err := dataset(scope, cfg.Source)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"model":       cfg.Model,
			"predictions": []any{},
			"rows":        float64(len(rows)),
			"status":      "stub",
		}, nil

	case schema.TrainConfig:
		rows, err := dataset(scope, cfg.Source)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"model":  cfg.Model,
			"rows":   float64(len(rows)),
			"params": scope.Resolve(cfg.Params),
			"status": "queued",
		}, nil

	case schema.RunJobConfig:
		payload := scope.Resolve(cfg.Payload)
		if e.cfg.Jobs != nil {
			return e.cfg.Jobs.RunJob(ctx, cfg.Job, payload, rc)
		}
		return map[string]any{"job": cfg.Job, "payload": payload, "status": "queued"}, nil

	case schema.CallConfig:
		return e.callPlan(ctx, scope, cfg, rc)

	case schema.RunAgentConfig:
		return e.runAgent(ctx, cfg.Agent, scope.Resolve(cfg.Payload), rc)

	case schema.AskAIConfig:
		prompt := scope.Resolve(cfg.Prompt)
		if s, ok := prompt.(string); ok {
			prompt = expressions.Interpolate(s, scope)
		}
		payload := map[string]any{"prompt": prompt}
		if cfg.Payload != nil {
			payload["context"] = scope.Resolve(cfg.Payload)
		}
		return e.runAgent(ctx, "ai", payload, rc)

	case schema.APXExecConfig:
		payload := scope.Resolve(cfg.Payload)
		if e.cfg.APX != nil {
			return e.cfg.APX.ExecAPX(ctx, cfg.Target, payload, rc)
		}
		return map[string]any{"target": cfg.Target, "payload": payload, "status": "queued"}, nil

	case schema.BuildVPKGConfig:
		manifest := scope.ResolveString(cfg.ManifestRef)
		if e.cfg.VPKG != nil {
			return e.cfg.VPKG.BuildVPKG(ctx, manifest, rc)
		}
		return map[string]any{"vpkgId": "vpkg-" + cfg.ManifestRef, "manifest": manifest}, nil

	case schema.DeployServiceConfig:
		return e.deployService(ctx, scope, cfg, rc)

	case schema.OutputConfig:
		v, ok := scope.Lookup(cfg.Source)
		if !ok {
			return nil, missing("dataset", cfg.Source)
		}
		return v, nil

	case schema.OutputTextConfig:
		v := scope.Resolve(cfg.Value)
		if s, ok := v.(string); ok {
			s = expressions.Interpolate(s, scope)
			v = s
			e.publish(ctx, rc, schema.EventTextOutput, map[string]any{"text": s})
			if e.cfg.Text != nil {
				if err := e.cfg.Text.CollectText(ctx, s, rc); err != nil {
					return nil, err
				}
			}
		}
		return v, nil

	case schema.StoreConfig:
		rows, err := dataset(scope, cfg.Source)
		if err != nil {
			return nil, err
		}
		if e.cfg.Tables == nil {
			return nil, schema.NewErrorf(schema.ErrCodeUnsupported,
				"STORE into %q requires a table store", cfg.Table)
		}
		n, err := e.cfg.Tables.WriteTable(ctx, rc.ProjectID, cfg.Table, rows)
		if err != nil {
			return nil, err
		}
		return map[string]any{"table": cfg.Table, "rows": float64(n)}, nil

	case schema.CustomConfig:
		return nil, schema.NewErrorf(schema.ErrCodeUnsupported,
			"unsupported operation kind %q (%s)", cfg.Kind(), cfg.Name)
	}

	return nil, schema.NewErrorf(schema.ErrCodeUnsupported,
		"unsupported operation kind %q", node.Meta.Config.Kind())
}

func missing(what, name string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found in execution state or plan inputs", what, name).
		WithDetails(map[string]any{"identifier": name})
}

// dataset resolves name to a row set.
func dataset(scope *expressions.Scope, name string) ([]map[string]any, error) {
	v, ok := scope.Lookup(name)
	if !ok {
		return nil, missing("dataset", name)
	}
	return asRows(name, v)
}

func (e *Executor) loadJSON(ctx context.Context, scope *expressions.Scope, cfg schema.LoadJSONConfig) (any, error) {
	raw, ok := scope.Input(cfg.Input)
	if !ok {
		return nil, missing("input", cfg.Input)
	}

	doc := raw
	switch v := raw.(type) {
	case string:
		if err := json.Unmarshal([]byte(v), &doc); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeType, "input %q is not valid JSON: %s", cfg.Input, err.Error()).WithCause(err)
		}
	case []byte:
		if err := json.Unmarshal(v, &doc); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeType, "input %q is not valid JSON: %s", cfg.Input, err.Error()).WithCause(err)
		}
	}

	if cfg.Selector != "" {
		results, err := e.jq.Query(ctx, cfg.Selector, doc)
		if err != nil {
			return nil, err
		}
		// One output is the document; none or several form a dataset.
		if len(results) == 1 {
			doc = results[0]
		} else {
			doc = results
		}
	}

	if rows, err := asRows(cfg.Input, doc); err == nil {
		return coerceRows(cfg.Input, rows)
	}
	return expressions.DeepCopy(doc), nil
}

func (e *Executor) mapRows(ctx context.Context, scope *expressions.Scope, cfg schema.MapConfig) (any, error) {
	rows, err := dataset(scope, cfg.Source)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		next := expressions.DeepCopyMap(row)
		for _, f := range cfg.Fields {
			env := make(map[string]any, len(next)+1)
			for k, v := range next {
				env[k] = v
			}
			env["row"] = next
			v, err := e.expr.Evaluate(ctx, f.Expression, env)
			if err != nil {
				return nil, err
			}
			next[f.Name] = v
		}
		out[i] = next
	}
	return out, nil
}

func (e *Executor) runAgent(ctx context.Context, agent string, payload any, rc RunContext) (any, error) {
	if e.cfg.Agents != nil {
		return e.cfg.Agents.RunAgent(ctx, agent, payload, rc)
	}
	return map[string]any{
		"agent":   agent,
		"payload": payload,
		"status":  "queued",
		"message": "agent runner not configured; request recorded",
	}, nil
}

func (e *Executor) callPlan(ctx context.Context, scope *expressions.Scope, cfg schema.CallConfig, rc RunContext) (any, error) {
	if e.cfg.Plans == nil {
		return nil, schema.NewErrorf(schema.ErrCodeUnsupported, "CALL %q requires a plan caller", cfg.Target)
	}
	var inputs map[string]any
	switch v := scope.Resolve(cfg.Payload).(type) {
	case nil:
	case map[string]any:
		inputs = v
	default:
		return nil, schema.NewErrorf(schema.ErrCodeType, "CALL %q payload must be an object, got %T", cfg.Target, v)
	}
	return e.cfg.Plans.CallPlan(ctx, cfg.Target, inputs, rc)
}

func (e *Executor) deployService(ctx context.Context, scope *expressions.Scope, cfg schema.DeployServiceConfig, rc RunContext) (any, error) {
	var vpkgID string
	switch v := scope.ResolveString(cfg.VPKGRef).(type) {
	case string:
		vpkgID = v
	case map[string]any:
		vpkgID, _ = v["vpkgId"].(string)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeType,
			"vpkg reference %q resolved to %T, expected a string or an object", cfg.VPKGRef, v)
	}

	params := DeployParams{VPKGID: vpkgID, ServiceName: cfg.ServiceName, Payload: scope.Resolve(cfg.Payload)}
	if e.cfg.Deployer != nil {
		return e.cfg.Deployer.DeployService(ctx, params, rc)
	}
	return map[string]any{
		"service":  cfg.ServiceName,
		"endpoint": "/s/" + cfg.ServiceName,
		"vpkgId":   vpkgID,
	}, nil
}
