package storage

import (
	"errors"
	"fmt"
)

// HasSeenID returns true if a message ID has been stored at any point,
// including messages deleted since.
func (s *Store) HasSeenID(messageID string) (bool, error) {
	if messageID == "" {
		return false, errors.New("message_id is required")
	}
	return hasSeenID(s.db, messageID)
}

// PruneSeenIDs removes tombstones older than cutoffTimestamp (unix ms) whose
// message no longer exists.
func (s *Store) PruneSeenIDs(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.Exec(
		`DELETE FROM seen_message_ids
		WHERE received_at < ?
		AND message_id NOT IN (SELECT message_id FROM messages)`,
		cutoffTimestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("prune seen message IDs: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for seen ID prune: %w", err)
	}

	return rowsAffected, nil
}

func insertSeenID(db execer, messageID string, receivedAt int64) error {
	if receivedAt == 0 {
		receivedAt = nowUnixMilli()
	}

	_, err := db.Exec(
		`INSERT INTO seen_message_ids (message_id, received_at)
		VALUES (?, ?)
		ON CONFLICT(message_id) DO UPDATE SET received_at = excluded.received_at`,
		messageID,
		receivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert seen message ID %q: %w", messageID, err)
	}

	return nil
}

func hasSeenID(db queryRower, messageID string) (bool, error) {
	var exists int
	if err := db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM seen_message_ids WHERE message_id = ?)`,
		messageID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check seen message ID %q: %w", messageID, err)
	}

	return exists == 1, nil
}
