package models

import "time"

// Kind distinguishes the closed set of message variants stored in the log.

type Kind string

const (
	KindText    Kind = "text"
	KindToolUse Kind = "tool_use"
)

// Message is one entry of a chatroom's append-only log. Rows are immutable
// once written, except the trailing agent message whose content grows while a
// reply streams and is finalized when the reply completes.
type Message struct {
	ID               int64      `json:"id"`
	ChatroomID       int64      `json:"chatroom_id"`
	ParticipantID    int64      `json:"participant_id"`
	Kind             Kind       `json:"kind"`
	Content          string     `json:"content"`
	ToolCalls        []*ToolUse `json:"tool_calls,omitempty"`
	Files            []string   `json:"files,omitempty"`
	Topic            string     `json:"topic,omitempty"`
	PromptTokens     int64      `json:"prompt_tokens"`
	CompletionTokens int64      `json:"completion_tokens"`
	Delivered        bool       `json:"delivered"`
	CreatedAt        time.Time  `json:"created_at"`
}

// FromUser reports whether the message was written by the human participant.
func (m *Message) FromUser() bool {
	return m != nil && m.ParticipantID == UserSpeakerID
}
