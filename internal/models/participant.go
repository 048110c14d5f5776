package models

import "time"

// UserSpeakerID is the reserved participant id of the human user. The stop
// sentinel returned by speaker selection reuses the same value: selecting
// "the user" means handing the floor back, i.e. ending the turn loop.
const UserSpeakerID int64 = 0

// Participant is an agent seated in a chatroom, bound to one model
// configuration. Rows are immutable for a session's lifetime except Absent,
// which flips when the agent is removed after messages already reference it.
type Participant struct {
	ID         int64     `json:"id"`
	ChatroomID int64     `json:"chatroom_id"`
	Name       string    `json:"name"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	Abilities  string    `json:"abilities"`
	Absent     bool      `json:"absent"`
	CreatedAt  time.Time `json:"created_at"`
}
