// Package discovery runs time-boxed scan sessions for relay peers.
package discovery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"alertrelay/models"
	"alertrelay/radio"
)

// DefaultScanWindow bounds each scan session.
const DefaultScanWindow = 10 * time.Second

// ErrScanInProgress is returned when a session is already running.
var ErrScanInProgress = errors.New("discovery: scan already in progress")

// Gate reports whether the radio may be used.
type Gate interface {
	Ready(ctx context.Context) error
}

// Config controls scan sessions.
type Config struct {
	Window time.Duration
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	out := c
	if out.Window <= 0 {
		out.Window = DefaultScanWindow
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Result summarizes a finished session.
type Result struct {
	// Peers holds each discovered device once, in discovery order.
	Peers []models.Peer
	// Err matches radio.ErrScanFailure when the adapter aborted the scan.
	Err error
	// Stopped is set when the session was stopped before its window expired.
	Stopped bool
}

// Manager owns at most one active scan session.
type Manager struct {
	gateway radio.Gateway
	gate    Gate
	cfg     Config

	mu     sync.Mutex
	active *Session
	last   []models.Peer
}

// NewManager creates a manager. gate may be nil.
func NewManager(gateway radio.Gateway, gate Gate, config Config) *Manager {
	return &Manager{
		gateway: gateway,
		gate:    gate,
		cfg:     config.withDefaults(),
	}
}

// StartScan begins one session filtered by serviceUUID.
//
// onPeerFound fires once per device. onComplete fires exactly once when the
// window expires, the adapter reports a scan error, or the session is
// stopped. Both run on the session goroutine and must not call StopScan.
// Either callback may be nil.
func (m *Manager) StartScan(ctx context.Context, serviceUUID string, onPeerFound func(models.Peer), onComplete func(Result)) (*Session, error) {
	if m.gate != nil {
		if err := m.gate.Ready(ctx); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		m.cfg.Logger.Info("scan already in progress; ignoring start request", "service", serviceUUID)
		return nil, ErrScanInProgress
	}
	session := newSession(ctx, m.cfg.Window, onPeerFound, onComplete)
	m.active = session
	m.mu.Unlock()

	if err := m.gateway.Scan(session.ctx, serviceUUID, session.found, session.failed); err != nil {
		session.failed(err)
	}

	m.cfg.Logger.Debug("scan session started", "service", serviceUUID, "window", m.cfg.Window)
	go session.run(m)
	return session, nil
}

// StopScan ends the active session, if any, and waits for it to finish.
// It is safe to call at any time.
func (m *Manager) StopScan() {
	m.mu.Lock()
	session := m.active
	m.mu.Unlock()

	if session != nil {
		session.Stop()
	}
}

// Scanning reports whether a session is active.
func (m *Manager) Scanning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// LastPeers returns the peers of the most recently completed session.
func (m *Manager) LastPeers() []models.Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Peer(nil), m.last...)
}

func (m *Manager) finish(session *Session) {
	_ = m.gateway.StopScan()

	m.mu.Lock()
	if m.active == session {
		m.active = nil
	}
	m.last = append([]models.Peer(nil), session.peers...)
	m.mu.Unlock()
}

// Session is one time-boxed scan. Its discovered-peer set lives only as long
// as the session.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	onPeerFound func(models.Peer)
	onComplete  func(Result)

	sightings chan radio.Sighting
	scanErrs  chan error

	stopMu  sync.Mutex
	stopped bool

	seen   map[string]struct{}
	peers  []models.Peer
	result Result
	done   chan struct{}
}

func newSession(parent context.Context, window time.Duration, onPeerFound func(models.Peer), onComplete func(Result)) *Session {
	ctx, cancel := context.WithTimeout(parent, window)
	return &Session{
		ctx:         ctx,
		cancel:      cancel,
		onPeerFound: onPeerFound,
		onComplete:  onComplete,
		sightings:   make(chan radio.Sighting, 32),
		scanErrs:    make(chan error, 1),
		seen:        make(map[string]struct{}),
		done:        make(chan struct{}),
	}
}

// Done is closed after onComplete has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Result returns the session outcome. It is only meaningful after Done is closed.
func (s *Session) Result() Result {
	select {
	case <-s.done:
		return s.result
	default:
		return Result{}
	}
}

// Wait blocks until the session completes or ctx ends.
func (s *Session) Wait(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
		return s.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Stop ends the session early and waits for completion. Calling Stop on a
// finished session is a no-op.
func (s *Session) Stop() {
	s.stopMu.Lock()
	s.stopped = true
	s.stopMu.Unlock()

	s.cancel()
	<-s.done
}

func (s *Session) found(sighting radio.Sighting) {
	select {
	case s.sightings <- sighting:
	case <-s.ctx.Done():
	}
}

func (s *Session) failed(err error) {
	if err == nil {
		return
	}
	select {
	case s.scanErrs <- err:
	default:
	}
}

func (s *Session) run(m *Manager) {
	var result Result

loop:
	for {
		select {
		case <-s.ctx.Done():
			s.stopMu.Lock()
			result.Stopped = s.stopped || errors.Is(s.ctx.Err(), context.Canceled)
			s.stopMu.Unlock()
			break loop
		case err := <-s.scanErrs:
			result.Err = radio.Wrap("scan", "", radio.ErrScanFailure, err)
			m.cfg.Logger.Warn("scan aborted by adapter", "error", err)
			break loop
		case sighting := <-s.sightings:
			s.record(sighting)
		}
	}

	s.cancel()
	m.finish(s)

	result.Peers = append([]models.Peer(nil), s.peers...)
	s.result = result
	m.cfg.Logger.Debug("scan session complete", "peers", len(result.Peers), "stopped", result.Stopped, "error", result.Err)
	if s.onComplete != nil {
		s.onComplete(result)
	}
	close(s.done)
}

func (s *Session) record(sighting radio.Sighting) {
	if sighting.DeviceID == "" {
		return
	}
	if _, exists := s.seen[sighting.DeviceID]; exists {
		return
	}
	s.seen[sighting.DeviceID] = struct{}{}

	peer := models.Peer{
		DeviceID:       sighting.DeviceID,
		DisplayName:    sighting.Name,
		SignalStrength: sighting.RSSI,
	}
	s.peers = append(s.peers, peer)
	if s.onPeerFound != nil && s.ctx.Err() == nil {
		s.onPeerFound(peer)
	}
}
