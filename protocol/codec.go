// Package protocol encodes messages for the inbox and announce
// characteristics and decodes inbound payloads.
//
// The wire form is a flat JSON object with named fields, so any endpoint can
// decode it without negotiating a schema version.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"alertrelay/models"
	"alertrelay/radio"
)

const (
	// DefaultTitle is used when an inbound payload carries no title.
	DefaultTitle = "Untitled"
	// DefaultSender is used when an inbound payload carries no sender.
	DefaultSender = "Unknown"
)

var (
	// ErrParse marks a malformed inbound payload.
	ErrParse = errors.New("protocol: malformed payload")
	// ErrIncompleteMessage is returned by Encode for messages missing required fields.
	ErrIncompleteMessage = errors.New("protocol: message missing required fields")
)

// ParseError describes why an inbound payload was rejected.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %v", ErrParse, e.Err)
	}
	return fmt.Sprintf("%v: field %q: %v", ErrParse, e.Field, e.Err)
}

func (e *ParseError) Unwrap() []error {
	return []error{ErrParse, e.Err}
}

var errMissing = errors.New("missing")

// Record is the wire representation of a message.
type Record struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	Content       string          `json:"content"`
	Priority      string          `json:"priority"`
	Location      string          `json:"location,omitempty"`
	SenderProfile json.RawMessage `json:"senderProfile,omitempty"`
	Sender        string          `json:"sender"`
	Receiver      string          `json:"receiver"`
	Timestamp     string          `json:"timestamp"`
	Status        string          `json:"status"`
}

// Legacy field names accepted on decode, keyed by the current name.
var aliases = map[string][]string{
	"title":         {"titulo"},
	"content":       {"mensagem"},
	"priority":      {"prioridade"},
	"location":      {"localizacao"},
	"senderProfile": {"perfil"},
	"sender":        {"remetente"},
	"receiver":      {"destinatario"},
}

// Encode serializes msg into its wire form.
func Encode(msg models.Message) ([]byte, error) {
	if strings.TrimSpace(msg.ID) == "" || strings.TrimSpace(msg.Content) == "" || strings.TrimSpace(msg.Timestamp) == "" {
		return nil, ErrIncompleteMessage
	}

	record := Record{
		ID:        msg.ID,
		Title:     msg.Title,
		Content:   msg.Content,
		Priority:  string(models.ParsePriority(string(msg.Priority))),
		Location:  msg.Location,
		Sender:    msg.Sender,
		Receiver:  msg.Receiver,
		Timestamp: msg.Timestamp,
		Status:    string(msg.Status),
	}
	if record.Receiver == "" {
		record.Receiver = models.BroadcastReceiver
	}
	if profile := bytes.TrimSpace(msg.SenderProfile); len(profile) > 0 && !bytes.Equal(profile, []byte("null")) {
		record.SenderProfile = profile
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal wire record: %w", err)
	}
	return payload, nil
}

// EncodeLimit is Encode bounded by a single-write limit. A limit <= 0
// disables the check.
func EncodeLimit(msg models.Message, limit int) ([]byte, error) {
	payload, err := Encode(msg)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(payload) > limit {
		return nil, fmt.Errorf("%w: %d bytes exceeds write limit of %d", radio.ErrPayloadTooLarge, len(payload), limit)
	}
	return payload, nil
}

// Decode parses an inbound payload. The result is always an incoming
// message with status received; the sender's status is discarded.
func Decode(payload []byte) (models.Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return models.Message{}, &ParseError{Err: err}
	}
	if fields == nil {
		return models.Message{}, &ParseError{Err: errors.New("payload is not an object")}
	}

	id, err := requiredText(fields, "id")
	if err != nil {
		return models.Message{}, err
	}
	content, err := requiredText(fields, "content")
	if err != nil {
		return models.Message{}, err
	}
	timestamp, err := requiredText(fields, "timestamp")
	if err != nil {
		return models.Message{}, err
	}

	msg := models.Message{
		ID:        id,
		Content:   content,
		Timestamp: timestamp,
		Status:    models.StatusReceived,
		Role:      models.RoleIncoming,
	}

	optional := []struct {
		name     string
		fallback string
		dst      *string
	}{
		{"title", DefaultTitle, &msg.Title},
		{"location", "", &msg.Location},
		{"sender", DefaultSender, &msg.Sender},
		{"receiver", models.BroadcastReceiver, &msg.Receiver},
	}
	// A mistyped optional field falls back to its default instead of
	// invalidating the record.
	for _, f := range optional {
		value, ok, err := textField(fields, f.name, false)
		if err != nil || !ok || strings.TrimSpace(value) == "" {
			value = f.fallback
		}
		*f.dst = value
	}

	priority, _, err := textField(fields, "priority", false)
	if err != nil {
		priority = ""
	}
	msg.Priority = models.ParsePriority(priority)

	if raw, ok := lookup(fields, "senderProfile"); ok {
		var compacted bytes.Buffer
		if err := json.Compact(&compacted, raw); err != nil {
			return models.Message{}, &ParseError{Field: "senderProfile", Err: err}
		}
		msg.SenderProfile = compacted.Bytes()
	}

	return msg, nil
}

func requiredText(fields map[string]json.RawMessage, name string) (string, error) {
	value, ok, err := textField(fields, name, true)
	if err != nil {
		return "", err
	}
	if !ok || strings.TrimSpace(value) == "" {
		return "", &ParseError{Field: name, Err: errMissing}
	}
	return value, nil
}

// textField reads a string field. With allowNumber, a JSON number is kept
// as its literal text.
func textField(fields map[string]json.RawMessage, name string, allowNumber bool) (string, bool, error) {
	raw, ok := lookup(fields, name)
	if !ok {
		return "", false, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, true, nil
	}
	if allowNumber {
		var number json.Number
		decoder := json.NewDecoder(bytes.NewReader(raw))
		decoder.UseNumber()
		if err := decoder.Decode(&number); err == nil {
			return number.String(), true, nil
		}
	}
	return "", false, &ParseError{Field: name, Err: errors.New("unexpected type")}
}

// lookup returns a present, non-null field by its current or legacy name.
func lookup(fields map[string]json.RawMessage, name string) (json.RawMessage, bool) {
	for _, key := range append([]string{name}, aliases[name]...) {
		raw, ok := fields[key]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			continue
		}
		return raw, true
	}
	return nil, false
}
