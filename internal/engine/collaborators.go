package engine

import "context"

// RunContext identifies the run a collaborator is called from.
type RunContext struct {
	ProjectID string `json:"projectId,omitempty"`
	PlanID    string `json:"planId,omitempty"`
	RunID     string `json:"runId,omitempty"`
	Step      string `json:"step,omitempty"`
}

// AgentRunner runs a named agent with a resolved payload (RUN_AGENT, ASK_AI).
type AgentRunner interface {
	RunAgent(ctx context.Context, agent string, payload any, rc RunContext) (any, error)
}

// AgentRunnerFunc adapts a function to AgentRunner.
type AgentRunnerFunc func(ctx context.Context, agent string, payload any, rc RunContext) (any, error)

func (f AgentRunnerFunc) RunAgent(ctx context.Context, agent string, payload any, rc RunContext) (any, error) {
	return f(ctx, agent, payload, rc)
}

// APXExecutor executes an infrastructure target (APX_EXEC).
type APXExecutor interface {
	ExecAPX(ctx context.Context, target string, payload any, rc RunContext) (any, error)
}

// APXExecutorFunc adapts a function to APXExecutor.
type APXExecutorFunc func(ctx context.Context, target string, payload any, rc RunContext) (any, error)

func (f APXExecutorFunc) ExecAPX(ctx context.Context, target string, payload any, rc RunContext) (any, error) {
	return f(ctx, target, payload, rc)
}

// VPKGBuilder builds a package from a resolved manifest (BUILD_VPKG).
type VPKGBuilder interface {
	BuildVPKG(ctx context.Context, manifest any, rc RunContext) (any, error)
}

// VPKGBuilderFunc adapts a function to VPKGBuilder.
type VPKGBuilderFunc func(ctx context.Context, manifest any, rc RunContext) (any, error)

func (f VPKGBuilderFunc) BuildVPKG(ctx context.Context, manifest any, rc RunContext) (any, error) {
	return f(ctx, manifest, rc)
}

// DeployParams are the arguments of a service deployment.
type DeployParams struct {
	VPKGID      string `json:"vpkgId"`
	ServiceName string `json:"serviceName"`
	Payload     any    `json:"payload,omitempty"`
}

// ServiceDeployer deploys a built package as a service (DEPLOY_SERVICE).
type ServiceDeployer interface {
	DeployService(ctx context.Context, params DeployParams, rc RunContext) (any, error)
}

// ServiceDeployerFunc adapts a function to ServiceDeployer.
type ServiceDeployerFunc func(ctx context.Context, params DeployParams, rc RunContext) (any, error)

func (f ServiceDeployerFunc) DeployService(ctx context.Context, params DeployParams, rc RunContext) (any, error) {
	return f(ctx, params, rc)
}

// TextCollector receives OUTPUT_TEXT values.
type TextCollector interface {
	CollectText(ctx context.Context, text string, rc RunContext) error
}

// TextCollectorFunc adapts a function to TextCollector.
type TextCollectorFunc func(ctx context.Context, text string, rc RunContext) error

func (f TextCollectorFunc) CollectText(ctx context.Context, text string, rc RunContext) error {
	return f(ctx, text, rc)
}

// JobRunner hands a RUN_JOB step to a job system.
type JobRunner interface {
	RunJob(ctx context.Context, job string, payload any, rc RunContext) (any, error)
}

// JobRunnerFunc adapts a function to JobRunner.
type JobRunnerFunc func(ctx context.Context, job string, payload any, rc RunContext) (any, error)

func (f JobRunnerFunc) RunJob(ctx context.Context, job string, payload any, rc RunContext) (any, error) {
	return f(ctx, job, payload, rc)
}

// PlanCaller runs another plan of the same project for a CALL step and
// returns its outputs.
type PlanCaller interface {
	CallPlan(ctx context.Context, target string, inputs map[string]any, rc RunContext) (any, error)
}

// PlanCallerFunc adapts a function to PlanCaller.
type PlanCallerFunc func(ctx context.Context, target string, inputs map[string]any, rc RunContext) (any, error)

func (f PlanCallerFunc) CallPlan(ctx context.Context, target string, inputs map[string]any, rc RunContext) (any, error) {
	return f(ctx, target, inputs, rc)
}

// TableStore reads and writes named row sets (LOAD_TABLE fallback, STORE).
// Tables are scoped by the run's project.
type TableStore interface {
	ReadTable(ctx context.Context, projectID, name string) ([]map[string]any, error)
	WriteTable(ctx context.Context, projectID, name string, rows []map[string]any) (int, error)
}
