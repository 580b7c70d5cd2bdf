package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"alertrelay/models"
)

type scanner interface {
	Scan(dest ...any) error
}

type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

const messageColumns = `
	message_id,
	role,
	status,
	title,
	content,
	priority,
	location,
	sender,
	receiver,
	timestamp,
	sender_profile,
	created_at,
	updated_at`

// SaveMessage upserts a message keyed by its ID and reports whether a new
// record was created.
//
// Origin fields of an existing record are never rewritten. Its status follows
// the latest save when the role's track allows the move; regressions and saves
// under a different role are ignored. An incoming message whose ID was
// deleted locally stays deleted.
func (s *Store) SaveMessage(message models.Message) (bool, error) {
	message, err := normalizeMessage(message)
	if err != nil {
		return false, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin save message %q: %w", message.ID, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	existing, err := getMessage(tx, message.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		if message.Role == models.RoleIncoming {
			tombstoned, err := hasSeenID(tx, message.ID)
			if err != nil {
				return false, err
			}
			if tombstoned {
				return false, nil
			}
		}
		if err := insertMessage(tx, message); err != nil {
			return false, err
		}
		if err := insertSeenID(tx, message.ID, message.CreatedAt); err != nil {
			return false, err
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("commit save message %q: %w", message.ID, err)
		}
		return true, nil
	case err != nil:
		return false, err
	}

	if existing.Role != message.Role || existing.Status == message.Status {
		return false, nil
	}
	if !models.CanTransition(existing.Role, existing.Status, message.Status) {
		return false, nil
	}
	if err := setStatus(tx, message.ID, message.Status); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit save message %q: %w", message.ID, err)
	}
	return false, nil
}

// GetMessage returns one message by ID.
func (s *Store) GetMessage(messageID string) (models.Message, error) {
	if messageID == "" {
		return models.Message{}, errors.New("message_id is required")
	}
	return getMessage(s.db, messageID)
}

// ListMessages returns messages matching filter, newest first.
func (s *Store) ListMessages(filter MessageFilter) ([]models.Message, error) {
	where, args := filter.where()
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	rows, err := s.db.Query(
		`SELECT`+messageColumns+`
		FROM messages`+where+`
		ORDER BY created_at DESC, message_id ASC
		LIMIT ? OFFSET ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

// CountMessages returns the number of messages matching filter.
func (s *Store) CountMessages(filter MessageFilter) (int, error) {
	where, args := filter.where()
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

// UpdateStatus moves a message to status if its track allows it.
func (s *Store) UpdateStatus(messageID string, status models.Status) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}
	status = status.Normalize()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	existing, err := getMessage(s.db, messageID)
	if err != nil {
		return err
	}
	if existing.Status == status {
		return nil
	}
	if !models.CanTransition(existing.Role, existing.Status, status) {
		return fmt.Errorf("%w: %s message %q from %s to %s", ErrInvalidTransition, existing.Role, messageID, existing.Status, status)
	}
	return setStatus(s.db, messageID, status)
}

// MarkRead marks a received message as read. Already read messages are left alone.
func (s *Store) MarkRead(messageID string) error {
	return s.UpdateStatus(messageID, models.StatusRead)
}

// DeleteMessage removes a message. Its ID stays in seen_message_ids so a
// later rebroadcast of the same message is not stored again.
func (s *Store) DeleteMessage(messageID string) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete message %q: %w", messageID, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.Exec(`DELETE FROM messages WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("delete message %q: %w", messageID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for delete %q: %w", messageID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	if err := insertSeenID(tx, messageID, nowUnixMilli()); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete message %q: %w", messageID, err)
	}
	return nil
}

// ClearAll removes every message, tombstone and setting.
func (s *Store) ClearAll() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin clear all: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, table := range []string{"messages", "seen_message_ids", "settings"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear all: %w", err)
	}
	return nil
}

func (f MessageFilter) where() (string, []any) {
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 2)
	if f.Role != "" {
		clauses = append(clauses, "role = ?")
		args = append(args, string(f.Role))
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status.Normalize()))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func normalizeMessage(message models.Message) (models.Message, error) {
	if strings.TrimSpace(message.ID) == "" {
		return message, errors.New("message_id is required")
	}
	if strings.TrimSpace(message.Content) == "" {
		return message, errors.New("content is required")
	}
	if strings.TrimSpace(message.Timestamp) == "" {
		return message, errors.New("timestamp is required")
	}
	if err := validateRole(message.Role); err != nil {
		return message, err
	}
	if message.Status == "" {
		message.Status = models.InitialStatus(message.Role)
	}
	message.Status = message.Status.Normalize()
	if err := validateStatus(message.Role, message.Status); err != nil {
		return message, err
	}
	if message.Priority == "" {
		message.Priority = models.PriorityMedium
	}
	if err := validatePriority(message.Priority); err != nil {
		return message, err
	}
	if message.Receiver == "" {
		message.Receiver = models.BroadcastReceiver
	}
	if len(message.SenderProfile) > 0 && !json.Valid(message.SenderProfile) {
		return message, errors.New("sender_profile must be valid JSON")
	}

	now := nowUnixMilli()
	if message.CreatedAt == 0 {
		message.CreatedAt = now
	}
	message.UpdatedAt = now
	return message, nil
}

func insertMessage(tx *sql.Tx, message models.Message) error {
	_, err := tx.Exec(
		`INSERT INTO messages (`+messageColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		message.ID,
		string(message.Role),
		string(message.Status),
		message.Title,
		message.Content,
		string(message.Priority),
		nullString(message.Location),
		message.Sender,
		message.Receiver,
		message.Timestamp,
		nullString(string(message.SenderProfile)),
		message.CreatedAt,
		message.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message %q: %w", message.ID, err)
	}
	return nil
}

func setStatus(db execer, messageID string, status models.Status) error {
	res, err := db.Exec(
		`UPDATE messages
		SET status = ?, updated_at = ?
		WHERE message_id = ?`,
		string(status),
		nowUnixMilli(),
		messageID,
	)
	if err != nil {
		return fmt.Errorf("update status for message %q: %w", messageID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for status update %q: %w", messageID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func getMessage(db queryRower, messageID string) (models.Message, error) {
	row := db.QueryRow(
		`SELECT`+messageColumns+`
		FROM messages
		WHERE message_id = ?`,
		messageID,
	)
	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Message{}, ErrNotFound
		}
		return models.Message{}, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

func scanMessage(row scanner) (models.Message, error) {
	var (
		message  models.Message
		role     string
		status   string
		priority string
		location sql.NullString
		profile  sql.NullString
	)
	if err := row.Scan(
		&message.ID,
		&role,
		&status,
		&message.Title,
		&message.Content,
		&priority,
		&location,
		&message.Sender,
		&message.Receiver,
		&message.Timestamp,
		&profile,
		&message.CreatedAt,
		&message.UpdatedAt,
	); err != nil {
		return models.Message{}, err
	}

	message.Role = models.Role(role)
	message.Status = models.Status(status).Normalize()
	message.Priority = models.Priority(priority)
	message.Location = location.String
	if profile.Valid && profile.String != "" {
		message.SenderProfile = json.RawMessage(profile.String)
	}
	return message, nil
}
