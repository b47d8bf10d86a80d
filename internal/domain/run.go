package domain

// Run is the in-memory record of one workflow run. Persistence is deliberately
// out of scope for this starter; the broker holds the durable state.
type Run struct {
	RunID     string         `json:"run_id"`
	Workflow  string         `json:"workflow"`
	Input     map[string]any `json:"input,omitempty"`
	FailAt    string         `json:"fail_at,omitempty"`
	ReplaySeq int64          `json:"replay_seq"`
	CreatedMS int64          `json:"created_ms"`
}

// Demo workflow steps, in execution order.
const (
	StepFetchInput = "fetch_input"
	StepTransform  = "transform"
	StepToolCall   = "tool_call"
	StepFinalize   = "finalize"
)

// WorkflowSteps returns the demo pipeline in order.
func WorkflowSteps() []string {
	return []string{StepFetchInput, StepTransform, StepToolCall, StepFinalize}
}
