// Package lanradio carries the relay GATT profile over the local network:
// peers are found with mDNS and each connection is a TCP link exchanging
// length-prefixed JSON frames. It lets devices without a usable Bluetooth
// adapter take part in a relay and backs integration testing.
package lanradio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grandcat/zeroconf"

	"alertrelay/radio"
)

const (
	// DefaultDialTimeout bounds TCP dial and hello exchange.
	DefaultDialTimeout = 5 * time.Second
	// DefaultRequestTimeout bounds one request on a link.
	DefaultRequestTimeout = 10 * time.Second
)

// Config controls the LAN gateway.
type Config struct {
	SelfDeviceID  string
	DeviceName    string
	ListenAddress string
	Service       string
	Domain        string

	MaxWriteSize   int
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	Logger         *slog.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.ListenAddress == "" {
		out.ListenAddress = ":0"
	}
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.MaxWriteSize <= 0 {
		out.MaxWriteSize = radio.DefaultMaxWriteSize
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = DefaultRequestTimeout
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

// Gateway implements radio.Gateway and radio.Peripheral over TCP and mDNS.
type Gateway struct {
	cfg    Config
	browse browseFunc

	mu        sync.Mutex
	closed    bool
	endpoints map[string]endpoint
	links     map[string]*link
	scanID    uint64
	scanStop  context.CancelFunc

	peripheral
}

// New creates a gateway. Nothing is listened on until Advertise.
func New(config Config) (*Gateway, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.SelfDeviceID) == "" {
		return nil, errors.New("self device ID is required")
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	g := &Gateway{
		cfg:       cfg,
		browse:    browse,
		endpoints: make(map[string]endpoint),
		links:     make(map[string]*link),
	}
	g.peripheral.inbound = make(map[*inboundConn]struct{})
	return g, nil
}

// Close stops advertising, scanning and every outbound link.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	links := make([]*link, 0, len(g.links))
	for _, l := range g.links {
		links = append(links, l)
	}
	g.links = make(map[string]*link)
	g.mu.Unlock()

	_ = g.StopScan()
	for _, l := range links {
		l.close()
	}
	return g.StopAdvertising()
}

// PowerState implements radio.Gateway. The network is treated as powered
// until Close.
func (g *Gateway) PowerState(ctx context.Context) (radio.PowerState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return radio.PowerOff, nil
	}
	return radio.PowerOn, nil
}

// RequestPermissions implements radio.Gateway. No grant is needed.
func (g *Gateway) RequestPermissions(ctx context.Context) (bool, error) {
	return true, nil
}

// Scan implements radio.Gateway by browsing mDNS until ctx ends or StopScan.
func (g *Gateway) Scan(ctx context.Context, serviceUUID string, onFound func(radio.Sighting), onError func(error)) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return radio.ErrAdapterNotReady
	}
	if g.scanStop != nil {
		g.mu.Unlock()
		return radio.Wrap("scan", "", radio.ErrScanFailure, errors.New("scan already running"))
	}
	scanCtx, cancel := context.WithCancel(ctx)
	g.scanID++
	id := g.scanID
	g.scanStop = cancel
	g.mu.Unlock()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	go func() {
		defer g.endScan(id)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					<-scanCtx.Done()
					return
				}
				if entry == nil {
					continue
				}
				sighting, ep, ok := parseEntry(entry, g.cfg.SelfDeviceID, serviceUUID)
				if !ok {
					continue
				}
				g.mu.Lock()
				g.endpoints[sighting.DeviceID] = ep
				g.mu.Unlock()
				onFound(sighting)
			}
		}
	}()

	go func() {
		if err := g.browse(scanCtx, g.cfg.Service, g.cfg.Domain, entries); err != nil && scanCtx.Err() == nil {
			g.cfg.Logger.Warn("mDNS browse failed", "error", err)
			if onError != nil {
				onError(err)
			}
		}
	}()
	return nil
}

// StopScan implements radio.Gateway.
func (g *Gateway) StopScan() error {
	g.mu.Lock()
	cancel := g.scanStop
	g.scanStop = nil
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (g *Gateway) endScan(id uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.scanID == id && g.scanStop != nil {
		g.scanStop()
		g.scanStop = nil
	}
}

// Connect implements radio.Gateway. The device must have been seen by a scan.
func (g *Gateway) Connect(ctx context.Context, deviceID string) (radio.Handle, error) {
	g.mu.Lock()
	ep, ok := g.endpoints[deviceID]
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return nil, radio.ErrAdapterNotReady
	}
	if !ok {
		return nil, fmt.Errorf("no known address for device %q", deviceID)
	}

	dialer := net.Dialer{Timeout: g.cfg.DialTimeout}
	var (
		conn    net.Conn
		dialErr error
	)
	for _, address := range ep.addresses {
		conn, dialErr = dialer.DialContext(ctx, "tcp", net.JoinHostPort(address, fmt.Sprint(ep.port)))
		if dialErr == nil {
			break
		}
	}
	if conn == nil {
		return nil, fmt.Errorf("dial %s: %w", deviceID, dialErr)
	}

	if err := sendFrame(conn, frame{Type: typeHello, DeviceID: g.cfg.SelfDeviceID, Name: g.cfg.DeviceName}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}
	hello, err := readFrameWithTimeout(conn, g.cfg.DialTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if hello.Type != typeHello || hello.DeviceID != deviceID {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected hello from %q", hello.DeviceID)
	}

	l := newLink(deviceID, conn, g.cfg.Logger)
	g.mu.Lock()
	previous := g.links[deviceID]
	g.links[deviceID] = l
	g.mu.Unlock()
	if previous != nil {
		previous.close()
	}

	go l.readLoop()
	return l, nil
}

// Disconnect implements radio.Gateway.
func (g *Gateway) Disconnect(ctx context.Context, deviceID string) error {
	g.mu.Lock()
	l := g.links[deviceID]
	delete(g.links, deviceID)
	g.mu.Unlock()
	if l != nil {
		l.close()
	}
	return nil
}

// ResolveServices implements radio.Gateway.
func (g *Gateway) ResolveServices(ctx context.Context, h radio.Handle) error {
	l, err := g.link(h)
	if err != nil {
		return err
	}
	resp, err := l.request(ctx, g.cfg.RequestTimeout, frame{Type: typeResolve})
	if err != nil {
		return err
	}
	if len(resp.Services) == 0 {
		return radio.ErrServiceNotFound
	}
	l.setServices(resp.Services)
	return nil
}

// WriteCharacteristic implements radio.Gateway.
func (g *Gateway) WriteCharacteristic(ctx context.Context, h radio.Handle, serviceUUID, charUUID string, payload []byte) error {
	l, err := g.link(h)
	if err != nil {
		return err
	}
	if !l.hasService(serviceUUID) {
		return radio.ErrServiceNotFound
	}
	_, err = l.request(ctx, g.cfg.RequestTimeout, frame{
		Type:           typeWrite,
		Service:        serviceUUID,
		Characteristic: charUUID,
		Payload:        payload,
	})
	return err
}

// Subscribe implements radio.Gateway.
func (g *Gateway) Subscribe(ctx context.Context, h radio.Handle, serviceUUID, charUUID string, onNotify func([]byte)) (radio.Subscription, error) {
	l, err := g.link(h)
	if err != nil {
		return nil, err
	}
	if !l.hasService(serviceUUID) {
		return nil, radio.ErrServiceNotFound
	}
	if _, err := l.request(ctx, g.cfg.RequestTimeout, frame{
		Type:           typeSubscribe,
		Service:        serviceUUID,
		Characteristic: charUUID,
	}); err != nil {
		return nil, err
	}
	return l.addSubscription(serviceUUID, charUUID, onNotify), nil
}

// MaxWriteSize implements radio.Gateway.
func (g *Gateway) MaxWriteSize(h radio.Handle) int {
	return g.cfg.MaxWriteSize
}

func (g *Gateway) link(h radio.Handle) (*link, error) {
	l, ok := h.(*link)
	if !ok || l == nil {
		return nil, radio.ErrNotConnected
	}
	select {
	case <-l.done:
		return nil, radio.ErrNotConnected
	default:
	}
	return l, nil
}

// link is one outbound connection. It doubles as the radio.Handle.
type link struct {
	deviceID string
	conn     net.Conn
	logger   *slog.Logger

	writeMu sync.Mutex
	seq     atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan frame

	servicesMu sync.RWMutex
	services   []string

	subsMu sync.Mutex
	subs   []*subscription

	done      chan struct{}
	closeOnce sync.Once
}

func newLink(deviceID string, conn net.Conn, logger *slog.Logger) *link {
	return &link{
		deviceID: deviceID,
		conn:     conn,
		logger:   logger,
		pending:  make(map[uint64]chan frame),
		done:     make(chan struct{}),
	}
}

func (l *link) DeviceID() string { return l.deviceID }

func (l *link) send(f frame) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return sendFrame(l.conn, f)
}

func (l *link) request(ctx context.Context, timeout time.Duration, f frame) (frame, error) {
	f.Seq = l.seq.Add(1)
	reply := make(chan frame, 1)

	l.pendingMu.Lock()
	l.pending[f.Seq] = reply
	l.pendingMu.Unlock()
	defer func() {
		l.pendingMu.Lock()
		delete(l.pending, f.Seq)
		l.pendingMu.Unlock()
	}()

	if err := l.send(f); err != nil {
		return frame{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-reply:
		if resp.Type == typeError {
			return resp, fmt.Errorf("%s rejected by %s: %s", f.Type, l.deviceID, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-timer.C:
		return frame{}, fmt.Errorf("%s to %s timed out", f.Type, l.deviceID)
	case <-l.done:
		return frame{}, radio.ErrNotConnected
	}
}

func (l *link) readLoop() {
	defer l.close()

	for {
		payload, err := readFrame(l.conn)
		if err != nil {
			return
		}
		f, err := decodeFrame(payload)
		if err != nil {
			l.logger.Debug("dropping bad frame", "device_id", l.deviceID, "error", err)
			continue
		}

		if f.Type == typeNotify {
			l.dispatch(f)
			continue
		}

		l.pendingMu.Lock()
		reply, ok := l.pending[f.Seq]
		l.pendingMu.Unlock()
		if ok {
			reply <- f
		}
	}
}

func (l *link) dispatch(f frame) {
	l.subsMu.Lock()
	subs := append([]*subscription(nil), l.subs...)
	l.subsMu.Unlock()

	for _, sub := range subs {
		if radio.SameUUID(sub.charUUID, f.Characteristic) {
			sub.onNotify(append([]byte(nil), f.Payload...))
		}
	}
}

func (l *link) setServices(services []string) {
	l.servicesMu.Lock()
	l.services = append([]string(nil), services...)
	l.servicesMu.Unlock()
}

func (l *link) hasService(serviceUUID string) bool {
	l.servicesMu.RLock()
	defer l.servicesMu.RUnlock()
	for _, s := range l.services {
		if radio.SameUUID(s, serviceUUID) {
			return true
		}
	}
	return false
}

func (l *link) addSubscription(serviceUUID, charUUID string, onNotify func([]byte)) *subscription {
	sub := &subscription{
		link:        l,
		serviceUUID: serviceUUID,
		charUUID:    charUUID,
		onNotify:    onNotify,
		done:        make(chan struct{}),
	}
	l.subsMu.Lock()
	l.subs = append(l.subs, sub)
	l.subsMu.Unlock()

	select {
	case <-l.done:
		sub.end()
	default:
	}
	return sub
}

func (l *link) removeSubscription(target *subscription) {
	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	kept := l.subs[:0]
	for _, sub := range l.subs {
		if sub != target {
			kept = append(kept, sub)
		}
	}
	l.subs = kept
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		_ = l.conn.Close()

		l.subsMu.Lock()
		subs := l.subs
		l.subs = nil
		l.subsMu.Unlock()
		for _, sub := range subs {
			sub.end()
		}
	})
}

type subscription struct {
	link        *link
	serviceUUID string
	charUUID    string
	onNotify    func([]byte)
	done        chan struct{}
	endOnce     sync.Once
}

func (s *subscription) Done() <-chan struct{} { return s.done }

// Cancel stops notifications. The peer is told best-effort.
func (s *subscription) Cancel() error {
	s.link.removeSubscription(s)
	select {
	case <-s.link.done:
	default:
		_ = s.link.send(frame{
			Type:           typeUnsubscribe,
			Seq:            s.link.seq.Add(1),
			Service:        s.serviceUUID,
			Characteristic: s.charUUID,
		})
	}
	s.end()
	return nil
}

func (s *subscription) end() {
	s.endOnce.Do(func() { close(s.done) })
}
