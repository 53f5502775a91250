package models

import "time"

// RunStatus is the lifecycle state of an agent run.
type RunStatus string

// Run lifecycle states. Completed, stopped and failed are terminal;
// a terminal run is never re-entered.
const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusStopping  RunStatus = "stopping"
	RunStatusStopped   RunStatus = "stopped"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether the status is one of the terminal states.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusStopped || s == RunStatusFailed
}

// IsActive reports whether a run in this status still occupies its project.
func (s RunStatus) IsActive() bool {
	return s == RunStatusQueued || s == RunStatusRunning
}

// AgentRun is the durable record of one agent execution on a thread.
type AgentRun struct {
	RunID       string         `json:"run_id"`
	ThreadID    string         `json:"thread_id"`
	Status      RunStatus      `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty"`
	Responses   []StreamItem   `json:"responses,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// StartRunRequest carries the client-supplied parameters for starting a run.
type StartRunRequest struct {
	ModelName            string `json:"model_name,omitempty"`
	EnableThinking       bool   `json:"enable_thinking,omitempty"`
	ReasoningEffort      string `json:"reasoning_effort,omitempty"`
	Stream               bool   `json:"stream,omitempty"`
	EnableContextManager bool   `json:"enable_context_manager,omitempty"`
	AgentConfig          string `json:"agent_config,omitempty"`
	IsAgentBuilder       bool   `json:"is_agent_builder,omitempty"`
	TargetAgentID        string `json:"target_agent_id,omitempty"`
}

// RunWorkItem is the wire contract for one queued run. Exactly one executor
// consumes each item; redelivery is deduplicated by the run lock.
type RunWorkItem struct {
	RunID                string  `json:"run_id"`
	ThreadID             string  `json:"thread_id"`
	InstanceID           string  `json:"instance_id"`
	ProjectID            string  `json:"project_id"`
	Model                string  `json:"model"`
	EnableThinking       bool    `json:"enable_thinking"`
	ReasoningEffort      string  `json:"reasoning_effort"`
	Stream               bool    `json:"stream"`
	EnableContextManager bool    `json:"enable_context_manager"`
	AgentConfig          string  `json:"agent_config,omitempty"`
	IsAgentBuilder       bool    `json:"is_agent_builder"`
	TargetAgentID        string  `json:"target_agent_id,omitempty"`
	RequestID            string  `json:"request_id"`
	AppType              AppType `json:"app_type"`
	AccountID            string  `json:"account_id"`
	SandboxID            string  `json:"sandbox_id"`
}

// TaskStatus is the transient per-run status record kept in the coordination
// store for cheap polling. Preferred over the durable row when present.
type TaskStatus struct {
	RunID     string    `json:"run_id"`
	Status    RunStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
