package models

import "time"

type RunStatus string

const (
	RunRunning     RunStatus = "running"
	RunFinished    RunStatus = "finished"
	RunFailed      RunStatus = "failed"
	RunInterrupted RunStatus = "interrupted"
)

// Run is the accounting record of one turn-loop execution.
type Run struct {
	ID               int64     `json:"id"`
	ChatroomID       int64     `json:"chatroom_id"`
	Status           RunStatus `json:"status"`
	Error            string    `json:"error,omitempty"`
	ElapsedMS        int64     `json:"elapsed_ms"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	CreatedAt        time.Time `json:"created_at"`
	FinishedAt       time.Time `json:"finished_at,omitempty"`
}
