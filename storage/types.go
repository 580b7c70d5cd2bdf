package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"alertrelay/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrInvalidTransition indicates a status change the message's track does not allow.
	ErrInvalidTransition = errors.New("storage: invalid status transition")
)

// MessageFilter narrows ListMessages and CountMessages. Zero values match everything.
type MessageFilter struct {
	Role   models.Role
	Status models.Status
	Limit  int
	Offset int
}

func validateRole(role models.Role) error {
	switch role {
	case models.RoleOutgoing, models.RoleIncoming:
		return nil
	default:
		return fmt.Errorf("invalid message role %q", role)
	}
}

func validateStatus(role models.Role, status models.Status) error {
	if !status.ValidFor(role) {
		return fmt.Errorf("invalid status %q for %s message", status, role)
	}
	return nil
}

func validatePriority(priority models.Priority) error {
	switch priority {
	case models.PriorityLow, models.PriorityMedium, models.PriorityHigh:
		return nil
	default:
		return fmt.Errorf("invalid priority %q", priority)
	}
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
