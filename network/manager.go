package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"alertrelay/radio"
)

const (
	// DefaultConnectTimeout bounds connect plus service resolution.
	DefaultConnectTimeout = 15 * time.Second
	// DefaultWriteTimeout bounds one write round trip.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultDisconnectTimeout bounds teardown of one link.
	DefaultDisconnectTimeout = 5 * time.Second
)

// ErrAlreadyConnected indicates the peer already has an open connection.
var ErrAlreadyConnected = errors.New("network: peer already connected")

// ManagerOptions configures the connection lifecycle manager.
type ManagerOptions struct {
	Gateway radio.Gateway

	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
	DisconnectTimeout time.Duration
	// MaxWriteSize caps the per-link limit reported by the gateway. Zero
	// keeps the gateway's value.
	MaxWriteSize int

	Logger *slog.Logger
}

// Manager gates radio use on adapter readiness and opens connections one
// attempt at a time.
type Manager struct {
	opts ManagerOptions

	initMu      sync.Mutex
	initialized bool
	initErr     error

	// slot admits one in-flight connection attempt.
	slot chan struct{}

	connMu      sync.Mutex
	connections map[string]*Connection
}

// NewManager creates a manager with validated options.
func NewManager(options ManagerOptions) (*Manager, error) {
	if options.Gateway == nil {
		return nil, errors.New("gateway is required")
	}
	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = DefaultConnectTimeout
	}
	if options.WriteTimeout <= 0 {
		options.WriteTimeout = DefaultWriteTimeout
	}
	if options.DisconnectTimeout <= 0 {
		options.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if options.MaxWriteSize < 0 {
		options.MaxWriteSize = 0
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	return &Manager{
		opts:        options,
		slot:        make(chan struct{}, 1),
		connections: make(map[string]*Connection),
	}, nil
}

// Init checks permissions and adapter power. A successful result is kept;
// after a failure Init may be called again.
func (m *Manager) Init(ctx context.Context) error {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	if m.initialized && m.initErr == nil {
		return nil
	}

	err := m.checkAdapter(ctx)
	m.initialized = true
	m.initErr = err
	if err != nil {
		m.opts.Logger.Warn("radio adapter not ready", "error", err)
	}
	return err
}

// Ready reports whether scan and connect operations may start.
func (m *Manager) Ready(ctx context.Context) error {
	m.initMu.Lock()
	initialized, initErr := m.initialized, m.initErr
	m.initMu.Unlock()

	if !initialized {
		return fmt.Errorf("%w: not initialized", radio.ErrAdapterNotReady)
	}
	if initErr != nil {
		return initErr
	}
	return m.checkPower(ctx)
}

// Connect opens a link to deviceID and resolves its services. On failure
// the link is torn down and the error matches radio.ErrConnectFailure.
func (m *Manager) Connect(ctx context.Context, deviceID string) (*Connection, error) {
	if err := m.Ready(ctx); err != nil {
		return nil, err
	}
	if _, ok := m.Connected(deviceID); ok {
		return nil, radio.Wrap("connect", deviceID, radio.ErrConnectFailure, ErrAlreadyConnected)
	}

	select {
	case m.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-m.slot }()

	attemptCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	conn := newConnection(m, deviceID)
	handle, err := m.opts.Gateway.Connect(attemptCtx, deviceID)
	if err != nil {
		m.teardown(deviceID)
		return nil, radio.Wrap("connect", deviceID, radio.ErrConnectFailure, err)
	}
	if err := m.opts.Gateway.ResolveServices(attemptCtx, handle); err != nil {
		m.teardown(deviceID)
		return nil, radio.Wrap("resolve services", deviceID, radio.ErrConnectFailure, err)
	}

	conn.handle = handle
	conn.maxWrite = m.opts.Gateway.MaxWriteSize(handle)
	if m.opts.MaxWriteSize > 0 && (conn.maxWrite <= 0 || m.opts.MaxWriteSize < conn.maxWrite) {
		conn.maxWrite = m.opts.MaxWriteSize
	}
	conn.setState(StateReady)

	m.connMu.Lock()
	m.connections[deviceID] = conn
	m.connMu.Unlock()

	m.opts.Logger.Debug("peer connected", "device_id", deviceID, "max_write", conn.maxWrite)
	return conn, nil
}

// Disconnect closes the open connection to deviceID, if any.
func (m *Manager) Disconnect(ctx context.Context, deviceID string) error {
	if conn, ok := m.Connected(deviceID); ok {
		return conn.Close()
	}
	disconnectCtx, cancel := context.WithTimeout(ctx, m.opts.DisconnectTimeout)
	defer cancel()
	return m.opts.Gateway.Disconnect(disconnectCtx, deviceID)
}

// WithConnection runs fn with a fresh connection to deviceID and always
// disconnects afterwards, including when fn panics.
func (m *Manager) WithConnection(ctx context.Context, deviceID string, fn func(*Connection) error) error {
	conn, err := m.Connect(ctx, deviceID)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			m.opts.Logger.Warn("disconnect failed", "device_id", deviceID, "error", closeErr)
		}
	}()

	return fn(conn)
}

// Connected returns the open connection to deviceID.
func (m *Manager) Connected(deviceID string) (*Connection, bool) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	conn, ok := m.connections[deviceID]
	return conn, ok
}

// CloseAll closes every open connection.
func (m *Manager) CloseAll() {
	m.connMu.Lock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.connMu.Unlock()

	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			m.opts.Logger.Warn("disconnect failed", "device_id", conn.DeviceID(), "error", err)
		}
	}
}

func (m *Manager) release(conn *Connection) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if current, ok := m.connections[conn.deviceID]; ok && current == conn {
		delete(m.connections, conn.deviceID)
	}
}

// teardown disconnects a half-open link with a fresh deadline, since the
// attempt context may already be expired.
func (m *Manager) teardown(deviceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DisconnectTimeout)
	defer cancel()
	if err := m.opts.Gateway.Disconnect(ctx, deviceID); err != nil {
		m.opts.Logger.Debug("teardown after failed connect", "device_id", deviceID, "error", err)
	}
}

func (m *Manager) checkAdapter(ctx context.Context) error {
	granted, err := m.opts.Gateway.RequestPermissions(ctx)
	if err != nil {
		return radio.Wrap("request permissions", "", radio.ErrPermissionDenied, err)
	}
	if !granted {
		return radio.ErrPermissionDenied
	}
	return m.checkPower(ctx)
}

func (m *Manager) checkPower(ctx context.Context) error {
	state, err := m.opts.Gateway.PowerState(ctx)
	if err != nil {
		return radio.Wrap("power state", "", radio.ErrAdapterNotReady, err)
	}
	if state != radio.PowerOn {
		return fmt.Errorf("%w: power state %s", radio.ErrAdapterNotReady, state)
	}
	return nil
}
