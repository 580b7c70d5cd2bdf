package relay

import "alertrelay/models"

// EventType names an orchestrator event.
type EventType string

const (
	EventPeerDiscovered  EventType = "peer_discovered"
	EventMessageReceived EventType = "message_received"
	EventRelayCompleted  EventType = "relay_completed"
)

// Event is delivered on the Events channel. Exactly one payload field is set.
type Event struct {
	Type    EventType       `json:"type"`
	Peer    *models.Peer    `json:"peer,omitempty"`
	Message *models.Message `json:"message,omitempty"`
	Outcome *Outcome        `json:"outcome,omitempty"`
}

// Outcome summarizes one relay attempt of an outgoing message.
type Outcome struct {
	MessageID string        `json:"message_id"`
	Status    models.Status `json:"status"`
	Attempted int           `json:"attempted"`
	Delivered int           `json:"delivered"`
}
