package storage

import (
	"testing"

	"alertrelay/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func outgoingMessage(id, content string) models.Message {
	return models.Message{
		ID:        id,
		Title:     "Alert " + id,
		Content:   content,
		Priority:  models.PriorityHigh,
		Sender:    "Self",
		Receiver:  models.BroadcastReceiver,
		Timestamp: "2026-01-01T00:00:00.000Z",
		Status:    models.StatusPending,
		Role:      models.RoleOutgoing,
	}
}

func incomingMessage(id, content string) models.Message {
	return models.Message{
		ID:        id,
		Title:     "Alert " + id,
		Content:   content,
		Priority:  models.PriorityMedium,
		Sender:    "Alice",
		Receiver:  models.BroadcastReceiver,
		Timestamp: "T",
		Status:    models.StatusReceived,
		Role:      models.RoleIncoming,
	}
}

func mustSave(t *testing.T, store *Store, message models.Message) bool {
	t.Helper()

	created, err := store.SaveMessage(message)
	if err != nil {
		t.Fatalf("save message %q: %v", message.ID, err)
	}
	return created
}
