package relay

import (
	"context"
	"time"

	"alertrelay/network"
	"alertrelay/radio"
)

// StartListening periodically scans for peers, connects to each new one and
// subscribes to its announce characteristic. It is idempotent.
func (r *Relay) StartListening(ctx context.Context) error {
	if r.ctx.Err() != nil {
		return ErrClosed
	}
	if err := r.ready(ctx); err != nil {
		return err
	}

	r.listenMu.Lock()
	defer r.listenMu.Unlock()
	if r.listening {
		return nil
	}

	listenCtx, cancel := context.WithCancel(r.ctx)
	r.listening = true
	r.listenCtx = listenCtx
	r.listenCancel = cancel

	r.wg.Add(1)
	go r.tickSweeps(listenCtx)

	r.opts.Logger.Info("listening for peer alerts", "interval", r.opts.ListenInterval)
	return nil
}

// StopListening cancels the active scan and releases every held connection
// and subscription. It is idempotent.
func (r *Relay) StopListening() {
	r.listenMu.Lock()
	if !r.listening {
		r.listenMu.Unlock()
		return
	}
	r.listening = false
	r.listenCancel()
	r.listenCtx = nil
	r.listenCancel = nil
	held := r.held
	r.held = make(map[string]heldPeer)
	r.listenMu.Unlock()

	r.opts.Discovery.StopScan()
	for deviceID, peer := range held {
		if err := peer.conn.Close(); err != nil {
			r.opts.Logger.Debug("close listened peer", "device_id", deviceID, "error", err)
		}
	}
	r.opts.Logger.Info("stopped listening", "released", len(held))
}

// Listening reports whether listen sweeps are active.
func (r *Relay) Listening() bool {
	r.listenMu.Lock()
	defer r.listenMu.Unlock()
	return r.listening
}

func (r *Relay) tickSweeps(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.ListenInterval)
	defer ticker.Stop()

	r.requestSweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pruneLimiters()
			r.requestSweep()
		}
	}
}

func (r *Relay) requestSweep() {
	select {
	case r.sweeps <- struct{}{}:
	default:
	}
}

func (r *Relay) currentListenContext() context.Context {
	r.listenMu.Lock()
	defer r.listenMu.Unlock()
	if !r.listening {
		return nil
	}
	return r.listenCtx
}

// sweep runs one scan and attaches to every peer not already held.
func (r *Relay) sweep(ctx context.Context) {
	peers, err := r.scan(ctx)
	if err != nil && ctx.Err() == nil {
		r.opts.Logger.Warn("listen scan ended with error", "peers", len(peers), "error", err)
	}

	for _, peer := range peers {
		if ctx.Err() != nil {
			return
		}
		if _, ok := r.heldConnection(peer.DeviceID); ok {
			continue
		}
		if err := r.attach(ctx, peer.DeviceID); err != nil {
			r.opts.Logger.Warn("listen to peer failed", "device_id", peer.DeviceID, "kind", kindName(err), "error", err)
		}
	}
}

func (r *Relay) attach(ctx context.Context, deviceID string) error {
	conn, err := r.opts.Connections.Connect(ctx, deviceID)
	if err != nil {
		return err
	}
	sub, err := conn.Subscribe(ctx, r.opts.Layout.Service, r.opts.Layout.Announce, r.notifyHandler(deviceID))
	if err != nil {
		_ = conn.Close()
		return err
	}

	r.listenMu.Lock()
	if !r.listening || ctx.Err() != nil {
		r.listenMu.Unlock()
		_ = conn.Close()
		return nil
	}
	r.held[deviceID] = heldPeer{conn: conn, sub: sub}
	r.wg.Add(1)
	r.listenMu.Unlock()

	r.opts.Logger.Debug("subscribed to peer announcements", "device_id", deviceID)
	go r.watch(deviceID, conn, sub)
	return nil
}

// watch frees a held peer once its subscription or link ends, so the next
// sweep can reconnect.
func (r *Relay) watch(deviceID string, conn *network.Connection, sub radio.Subscription) {
	defer r.wg.Done()

	select {
	case <-sub.Done():
		r.opts.Logger.Info("peer subscription ended", "device_id", deviceID)
	case <-conn.Done():
	}

	r.listenMu.Lock()
	if current, ok := r.held[deviceID]; ok && current.conn == conn {
		delete(r.held, deviceID)
	}
	r.listenMu.Unlock()
	_ = conn.Close()
}

func (r *Relay) heldConnection(deviceID string) (*network.Connection, bool) {
	r.listenMu.Lock()
	defer r.listenMu.Unlock()
	peer, ok := r.held[deviceID]
	if !ok || peer.conn.State() != network.StateReady {
		return nil, false
	}
	return peer.conn, true
}
