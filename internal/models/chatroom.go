package models

import "time"

// RoomStatus is the chatroom's durable run flag. It doubles as the sole
// mutual-exclusion primitive: a turn loop must check-and-set it to running
// before starting and clear it when it exits.

type RoomStatus string

const (
	RoomIdle     RoomStatus = "idle"
	RoomRunning  RoomStatus = "running"
	RoomDisabled RoomStatus = "disabled"
)

// Chatroom groups participants and their message log.
type Chatroom struct {
	ID             int64      `json:"id"`
	UserID         int64      `json:"user_id"`
	Title          string     `json:"title"`
	Topic          string     `json:"topic"`
	Status         RoomStatus `json:"status"`
	MaxRound       int        `json:"max_round"`
	SmartSelection bool       `json:"smart_selection"`
	TruncateFrom   int64      `json:"truncate_from"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
