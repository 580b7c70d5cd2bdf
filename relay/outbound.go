package relay

import (
	"context"
	"errors"

	"alertrelay/models"
	"alertrelay/network"
	"alertrelay/protocol"
	"alertrelay/radio"
)

// relay announces message to subscribed centrals, pushes it to every peer
// found in one scan session, one connection at a time, and records the final
// status.
func (r *Relay) relay(ctx context.Context, message models.Message) Outcome {
	logger := r.opts.Logger.With("message_id", message.ID)

	r.announce(ctx, message)
	peers, err := r.scan(ctx)
	if err != nil {
		logger.Warn("relay scan ended with error", "peers", len(peers), "error", err)
	}

	outcome := Outcome{MessageID: message.ID, Attempted: len(peers)}
	for _, peer := range peers {
		if ctx.Err() != nil {
			break
		}
		if err := r.deliver(ctx, peer.DeviceID, message); err != nil {
			logger.Warn("relay to peer failed",
				"device_id", peer.DeviceID,
				"kind", kindName(err),
				"error", err,
			)
			continue
		}
		outcome.Delivered++
		logger.Debug("relayed to peer", "device_id", peer.DeviceID)
	}

	outcome.Status = models.StatusError
	if outcome.Delivered > 0 {
		outcome.Status = models.StatusSent
	}
	if err := r.opts.Store.UpdateStatus(message.ID, outcome.Status); err != nil {
		logger.Warn("record relay status", "status", outcome.Status, "error", err)
	}
	r.release(message.ID)

	logger.Info("relay complete", "status", outcome.Status, "attempted", outcome.Attempted, "delivered", outcome.Delivered)
	r.emit(Event{Type: EventRelayCompleted, Outcome: &outcome})
	return outcome
}

// deliver writes message to one peer. A peer already held by the listener is
// written over its existing connection, which stays open.
func (r *Relay) deliver(ctx context.Context, deviceID string, message models.Message) error {
	if conn, ok := r.heldConnection(deviceID); ok {
		return r.write(ctx, conn, message)
	}

	return r.opts.Connections.WithConnection(ctx, deviceID, func(conn *network.Connection) error {
		if _, err := conn.Subscribe(ctx, r.opts.Layout.Service, r.opts.Layout.Announce, r.notifyHandler(deviceID)); err != nil {
			r.opts.Logger.Debug("peer announce channel unavailable", "device_id", deviceID, "error", err)
		}
		return r.write(ctx, conn, message)
	})
}

func (r *Relay) write(ctx context.Context, conn *network.Connection, message models.Message) error {
	payload, err := protocol.EncodeLimit(message, conn.MaxWriteSize())
	if err != nil {
		return err
	}
	return conn.Write(ctx, r.opts.Layout.Service, r.opts.Layout.Inbox, payload)
}

// announce notifies centrals subscribed to this device, when the gateway can
// act as a peripheral.
func (r *Relay) announce(ctx context.Context, message models.Message) {
	peripheral, ok := r.opts.Gateway.(radio.Peripheral)
	if !ok {
		return
	}
	r.advertiseMu.Lock()
	advertising := r.advertising
	r.advertiseMu.Unlock()
	if !advertising {
		return
	}

	payload, err := protocol.EncodeLimit(message, radio.DefaultMaxWriteSize)
	if err != nil {
		r.opts.Logger.Warn("encode announcement", "message_id", message.ID, "error", err)
		return
	}
	if err := peripheral.Announce(ctx, payload); err != nil {
		r.opts.Logger.Warn("announce message", "message_id", message.ID, "error", err)
	}
}

func kindName(err error) string {
	switch {
	case errors.Is(err, radio.ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, radio.ErrConnectFailure):
		return "connect_failure"
	case errors.Is(err, radio.ErrWriteFailure):
		return "write_failure"
	case errors.Is(err, radio.ErrServiceNotFound):
		return "service_not_found"
	case errors.Is(err, radio.ErrAdapterNotReady):
		return "adapter_not_ready"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "unknown"
	}
}
