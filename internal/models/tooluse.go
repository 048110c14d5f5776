package models

// ToolResultStatus is the closed set of terminal states a tool invocation
// can reach. A ToolUse carries no result until it resolves, and resolves
// exactly once.

type ToolResultStatus string

const (
	ToolOK          ToolResultStatus = "ok"
	ToolFailed      ToolResultStatus = "error"
	ToolTimedOut    ToolResultStatus = "timeout"
	ToolInterrupted ToolResultStatus = "interrupted"
)

// ToolResult is the outcome attached to a resolved ToolUse.
type ToolResult struct {
	Status ToolResultStatus `json:"status"`
	Output string           `json:"output"`
}

// ToolUse is one tool/skill/workflow invocation embedded in a single agent
// reply. Args accumulates from streamed fragments keyed by Index; Result stays
// nil until the invocation resolves and is immutable afterwards.
type ToolUse struct {
	Index        int         `json:"index"`
	Name         string      `json:"name"`
	DisplayName  string      `json:"display_name,omitempty"`
	Args         string      `json:"args"`
	SubRunID     int64       `json:"sub_run_id,omitempty"`
	Confirmation string      `json:"confirmation,omitempty"`
	Result       *ToolResult `json:"result,omitempty"`
}

// Resolved reports whether the invocation has reached a terminal state.
func (t *ToolUse) Resolved() bool {
	return t != nil && t.Result != nil
}
