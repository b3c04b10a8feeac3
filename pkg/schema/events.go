package schema

// Event types published on the streaming hub during execution.
const (
	EventRunStarted    = "run_started"
	EventRunCompleted  = "run_completed"
	EventRunFailed     = "run_failed"
	EventRunScheduled  = "run_scheduled"
	EventNodeStarted   = "node_started"
	EventNodeCompleted = "node_completed"
	EventTextOutput    = "text_output"

	EventJobQueued    = "job_queued"
	EventJobCompleted = "job_completed"
	EventJobFailed    = "job_failed"
)
