package models

import (
	"encoding/json"
	"strings"
)

// Priority is carried end-to-end and drives no relay behavior.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ParsePriority maps a loosely formatted priority to a known value.
// Unknown or empty input yields PriorityMedium.
func ParsePriority(value string) Priority {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "low", "baixa":
		return PriorityLow
	case "high", "alta":
		return PriorityHigh
	default:
		return PriorityMedium
	}
}

// Role records which side of the relay the local device played for a message.
type Role string

const (
	RoleOutgoing Role = "outgoing"
	RoleIncoming Role = "incoming"
)

// Status is the local lifecycle state of a message. Outgoing and incoming
// messages use disjoint status sets.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSent     Status = "sent"
	StatusError    Status = "error"
	StatusReceived Status = "received"
	StatusRead     Status = "read"

	// StatusNew is the legacy name for StatusReceived.
	StatusNew Status = "new"
)

// BroadcastReceiver is the only supported receiver value.
const BroadcastReceiver = "broadcast"

// Message is one alert as stored locally.
type Message struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	Content       string          `json:"content"`
	Priority      Priority        `json:"priority"`
	Location      string          `json:"location,omitempty"`
	Sender        string          `json:"sender"`
	Receiver      string          `json:"receiver"`
	Timestamp     string          `json:"timestamp"`
	Status        Status          `json:"status"`
	Role          Role            `json:"role"`
	SenderProfile json.RawMessage `json:"sender_profile,omitempty"`
	CreatedAt     int64           `json:"created_at"`
	UpdatedAt     int64           `json:"updated_at"`
}

// Normalize folds legacy status names into the current vocabulary.
func (s Status) Normalize() Status {
	if s == StatusNew {
		return StatusReceived
	}
	return s
}

// ValidFor reports whether status belongs to the track of role.
func (s Status) ValidFor(role Role) bool {
	switch role {
	case RoleOutgoing:
		switch s {
		case StatusPending, StatusSent, StatusError:
			return true
		}
	case RoleIncoming:
		switch s.Normalize() {
		case StatusReceived, StatusRead:
			return true
		}
	}
	return false
}

// InitialStatus returns the first state of the track for role.
func InitialStatus(role Role) Status {
	if role == RoleIncoming {
		return StatusReceived
	}
	return StatusPending
}

// CanTransition reports whether a message with role may move from one
// status to another. Staying in the same state is always allowed.
func CanTransition(role Role, from, to Status) bool {
	from, to = from.Normalize(), to.Normalize()
	if !from.ValidFor(role) || !to.ValidFor(role) {
		return false
	}
	if from == to {
		return true
	}

	switch role {
	case RoleOutgoing:
		switch from {
		case StatusPending:
			return to == StatusSent || to == StatusError
		case StatusError:
			return to == StatusSent
		}
	case RoleIncoming:
		return from == StatusReceived && to == StatusRead
	}
	return false
}
