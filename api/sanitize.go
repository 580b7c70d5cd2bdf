package api

import (
	"github.com/microcosm-cc/bluemonday"

	"alertrelay/models"
	"alertrelay/relay"
)

type sanitizer interface {
	Sanitize(s string) string
}

func newSanitizer() sanitizer {
	return bluemonday.StrictPolicy()
}

// sanitizeMessage strips markup from the peer-supplied text of incoming
// messages. Outgoing messages were typed locally and pass through as is.
func sanitizeMessage(p sanitizer, message models.Message) models.Message {
	if message.Role != models.RoleIncoming {
		return message
	}
	message.Title = p.Sanitize(message.Title)
	message.Content = p.Sanitize(message.Content)
	message.Location = p.Sanitize(message.Location)
	message.Sender = p.Sanitize(message.Sender)
	return message
}

func sanitizeMessages(p sanitizer, messages []models.Message) []models.Message {
	out := make([]models.Message, 0, len(messages))
	for _, message := range messages {
		out = append(out, sanitizeMessage(p, message))
	}
	return out
}

func sanitizePeers(p sanitizer, peers []models.Peer) []models.Peer {
	out := make([]models.Peer, 0, len(peers))
	for _, peer := range peers {
		peer.DisplayName = p.Sanitize(peer.DisplayName)
		out = append(out, peer)
	}
	return out
}

func sanitizeEvent(p sanitizer, event relay.Event) relay.Event {
	if event.Message != nil {
		message := sanitizeMessage(p, *event.Message)
		event.Message = &message
	}
	if event.Peer != nil {
		peer := *event.Peer
		peer.DisplayName = p.Sanitize(peer.DisplayName)
		event.Peer = &peer
	}
	return event
}
