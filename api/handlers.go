package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"alertrelay/models"
	"alertrelay/radio"
	"alertrelay/relay"
	"alertrelay/storage"
)

type messageList struct {
	Messages []models.Message `json:"messages"`
	Total    int              `json:"total"`
}

type statusView struct {
	relay.Snapshot
	PendingCount int `json:"pending_count"`
	UnreadCount  int `json:"unread_count"`
	EventClients int `json:"event_clients"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var draft relay.Draft
	if !s.decodeBody(w, r, &draft) {
		return
	}

	message, err := s.relay.SendMessage(r.Context(), draft)
	if err != nil {
		s.writeRelayError(w, err, message)
		return
	}
	writeSuccess(w, http.StatusAccepted, message)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error(), nil)
		return
	}

	messages, err := s.store.ListMessages(filter)
	if err != nil {
		s.writeInternal(w, "list messages", err)
		return
	}
	total, err := s.store.CountMessages(storage.MessageFilter{Role: filter.Role, Status: filter.Status})
	if err != nil {
		s.writeInternal(w, "count messages", err)
		return
	}
	writeSuccess(w, http.StatusOK, messageList{
		Messages: sanitizeMessages(s.sanitizer, messages),
		Total:    total,
	})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	message, err := s.store.GetMessage(chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, "get message", err)
		return
	}
	writeSuccess(w, http.StatusOK, sanitizeMessage(s.sanitizer, message))
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.MarkRead(id); err != nil {
		s.writeStoreError(w, "mark read", err)
		return
	}
	message, err := s.store.GetMessage(id)
	if err != nil {
		s.writeStoreError(w, "get message", err)
		return
	}
	writeSuccess(w, http.StatusOK, sanitizeMessage(s.sanitizer, message))
}

func (s *Server) handleResend(w http.ResponseWriter, r *http.Request) {
	message, err := s.relay.Resend(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeRelayError(w, err, message)
		return
	}
	writeSuccess(w, http.StatusAccepted, message)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteMessage(id); err != nil {
		s.writeStoreError(w, "delete message", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.GetSettings()
	if err != nil {
		s.writeInternal(w, "get settings", err)
		return
	}
	writeSuccess(w, http.StatusOK, settings)
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var settings models.Settings
	if !s.decodeBody(w, r, &settings) {
		return
	}
	if err := s.store.SaveSettings(settings); err != nil {
		s.writeInternal(w, "save settings", err)
		return
	}
	saved, err := s.store.GetSettings()
	if err != nil {
		s.writeInternal(w, "get settings", err)
		return
	}
	writeSuccess(w, http.StatusOK, saved)
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearAll(); err != nil {
		s.writeInternal(w, "clear data", err)
		return
	}
	s.logger.Info("local data cleared", "ip", clientIP(r))
	writeSuccess(w, http.StatusOK, map[string]bool{"cleared": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := s.relay.Snapshot(r.Context())
	snapshot.LastPeers = sanitizePeers(s.sanitizer, snapshot.LastPeers)

	pending, err := s.store.CountMessages(storage.MessageFilter{Role: models.RoleOutgoing, Status: models.StatusPending})
	if err != nil {
		s.writeInternal(w, "count pending", err)
		return
	}
	unread, err := s.store.CountMessages(storage.MessageFilter{Role: models.RoleIncoming, Status: models.StatusReceived})
	if err != nil {
		s.writeInternal(w, "count unread", err)
		return
	}

	view := statusView{Snapshot: snapshot, PendingCount: pending, UnreadCount: unread}
	if s.hub != nil {
		view.EventClients = s.hub.ClientCount()
	}
	writeSuccess(w, http.StatusOK, view)
}

func (s *Server) handleStartListening(w http.ResponseWriter, r *http.Request) {
	if err := s.relay.StartListening(r.Context()); err != nil {
		s.writeRelayError(w, err, nil)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]bool{"listening": true})
}

func (s *Server) handleStopListening(w http.ResponseWriter, r *http.Request) {
	s.relay.StopListening()
	writeSuccess(w, http.StatusOK, map[string]bool{"listening": false})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("accept event stream", "ip", clientIP(r), "error", err)
		return
	}

	// Clients only listen; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	if !s.hub.add(c) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.hub.remove(c)

	s.logger.Debug("event client connected", "ip", clientIP(r))
	c.writePump(ctx)
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, fmt.Sprintf("Invalid request body: %v", err), nil)
		return false
	}
	return true
}

func parseFilter(r *http.Request) (storage.MessageFilter, error) {
	query := r.URL.Query()
	filter := storage.MessageFilter{
		Role:   models.Role(query.Get("role")),
		Status: models.Status(query.Get("status")).Normalize(),
	}

	switch filter.Role {
	case "", models.RoleOutgoing, models.RoleIncoming:
	default:
		return filter, fmt.Errorf("unknown role %q", filter.Role)
	}
	if filter.Status != "" {
		if filter.Role != "" && !filter.Status.ValidFor(filter.Role) {
			return filter, fmt.Errorf("status %q does not apply to %s messages", filter.Status, filter.Role)
		}
		if !filter.Status.ValidFor(models.RoleOutgoing) && !filter.Status.ValidFor(models.RoleIncoming) {
			return filter, fmt.Errorf("unknown status %q", filter.Status)
		}
	}

	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := query.Get(name)
		if raw == "" {
			continue
		}
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			return filter, fmt.Errorf("invalid %s %q", name, raw)
		}
		*dst = value
	}
	return filter, nil
}

// writeRelayError maps orchestrator failures. A message that was persisted
// before the failure is returned in data.
func (s *Server) writeRelayError(w http.ResponseWriter, err error, message any) {
	if m, ok := message.(models.Message); ok && m.ID == "" {
		message = nil
	}

	switch {
	case errors.Is(err, relay.ErrEmptyContent):
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error(), nil)
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, "Message not found", nil)
	case errors.Is(err, relay.ErrNotResendable):
		writeError(w, http.StatusConflict, CodeNotResendable, err.Error(), message)
	case errors.Is(err, radio.ErrPermissionDenied):
		writeError(w, http.StatusServiceUnavailable, CodePermissionDenied, "Bluetooth permission denied", message)
	case errors.Is(err, radio.ErrAdapterNotReady):
		writeError(w, http.StatusServiceUnavailable, CodeAdapterNotReady, "Bluetooth adapter is not ready", message)
	case errors.Is(err, relay.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "Relay is shutting down", message)
	default:
		s.logger.Error("relay request failed", "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "Internal server error", message)
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, "Message not found", nil)
	case errors.Is(err, storage.ErrInvalidTransition):
		writeError(w, http.StatusConflict, CodeInvalidTransition, err.Error(), nil)
	default:
		s.writeInternal(w, op, err)
	}
}

func (s *Server) writeInternal(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op, "error", err)
	writeError(w, http.StatusInternalServerError, CodeInternal, "Internal server error", nil)
}
