package network

import (
	"context"
	"fmt"
	"sync"

	"alertrelay/radio"
)

// ConnectionState represents the lifecycle state of one peer connection.
type ConnectionState string

const (
	StateConnecting    ConnectionState = "CONNECTING"
	StateReady         ConnectionState = "READY"
	StateDisconnecting ConnectionState = "DISCONNECTING"
	StateDisconnected  ConnectionState = "DISCONNECTED"
)

// Connection is one open, service-resolved link to a peer. It is owned by a
// single peer interaction and must be closed on every exit path.
type Connection struct {
	manager  *Manager
	deviceID string
	handle   radio.Handle
	maxWrite int

	stateMu sync.RWMutex
	state   ConnectionState

	subsMu sync.Mutex
	subs   []radio.Subscription

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

func newConnection(manager *Manager, deviceID string) *Connection {
	return &Connection{
		manager:  manager,
		deviceID: deviceID,
		state:    StateConnecting,
		closed:   make(chan struct{}),
	}
}

// DeviceID returns the peer's device identifier.
func (c *Connection) DeviceID() string {
	return c.deviceID
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Done is closed when the connection is fully disconnected.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// MaxWriteSize returns the largest payload accepted by Write.
func (c *Connection) MaxWriteSize() int {
	return c.maxWrite
}

// Write sends payload to a characteristic and waits for the peer's response.
func (c *Connection) Write(ctx context.Context, serviceUUID, charUUID string, payload []byte) error {
	if c.State() != StateReady {
		return radio.Wrap("write", c.deviceID, radio.ErrWriteFailure, radio.ErrNotConnected)
	}
	if c.maxWrite > 0 && len(payload) > c.maxWrite {
		return radio.Wrap("write", c.deviceID, radio.ErrPayloadTooLarge,
			fmt.Errorf("%d bytes exceeds write limit of %d", len(payload), c.maxWrite))
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.manager.opts.WriteTimeout)
	defer cancel()
	if err := c.manager.opts.Gateway.WriteCharacteristic(writeCtx, c.handle, serviceUUID, charUUID, payload); err != nil {
		return radio.Wrap("write", c.deviceID, radio.ErrWriteFailure, err)
	}
	return nil
}

// Subscribe starts notifications on a characteristic. The subscription is
// cancelled when the connection closes.
func (c *Connection) Subscribe(ctx context.Context, serviceUUID, charUUID string, onNotify func([]byte)) (radio.Subscription, error) {
	if c.State() != StateReady {
		return nil, radio.ErrNotConnected
	}
	sub, err := c.manager.opts.Gateway.Subscribe(ctx, c.handle, serviceUUID, charUUID, onNotify)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s on %s: %w", charUUID, c.deviceID, err)
	}

	c.subsMu.Lock()
	c.subs = append(c.subs, sub)
	c.subsMu.Unlock()
	return sub, nil
}

// Close cancels subscriptions and disconnects. It is safe to call more than once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.setState(StateDisconnecting)

		c.subsMu.Lock()
		subs := c.subs
		c.subs = nil
		c.subsMu.Unlock()
		for _, sub := range subs {
			_ = sub.Cancel()
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.manager.opts.DisconnectTimeout)
		defer cancel()
		if err := c.manager.opts.Gateway.Disconnect(ctx, c.deviceID); err != nil {
			c.closeErr = fmt.Errorf("disconnect %s: %w", c.deviceID, err)
		}

		c.manager.release(c)
		c.setState(StateDisconnected)
		close(c.closed)
	})
	return c.closeErr
}

func (c *Connection) setState(state ConnectionState) {
	c.stateMu.Lock()
	c.state = state
	c.stateMu.Unlock()
}
