// Package fake provides an in-memory radio gateway for tests and demos.
//
// A standalone Gateway sees only the sightings scripted with AddSighting.
// Gateways joined to the same Air also see each other while advertising:
// writes reach the target's inbox handler and announcements reach every
// central subscribed to the announcing device.
package fake

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"alertrelay/radio"
)

// Write records one characteristic write.
type Write struct {
	DeviceID       string
	Service        string
	Characteristic string
	Payload        []byte
}

// Air is a shared medium for several fake gateways.
type Air struct {
	mu      sync.Mutex
	devices map[string]*Gateway
}

// NewAir creates an empty medium.
func NewAir() *Air {
	return &Air{devices: make(map[string]*Gateway)}
}

// Join creates a gateway with the given device id attached to the medium.
func (a *Air) Join(deviceID, name string) *Gateway {
	g := NewGateway()
	g.id = deviceID
	g.name = name
	g.air = a

	a.mu.Lock()
	a.devices[deviceID] = g
	a.mu.Unlock()
	return g
}

func (a *Air) lookup(deviceID string) *Gateway {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.devices[deviceID]
}

func (a *Air) others(self string) []*Gateway {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Gateway, 0, len(a.devices))
	for id, g := range a.devices {
		if id != self {
			out = append(out, g)
		}
	}
	return out
}

type handle struct {
	deviceID string
}

func (h *handle) DeviceID() string { return h.deviceID }

type subscription struct {
	deviceID  string
	onNotify  func([]byte)
	done      chan struct{}
	closeOnce sync.Once
	owner     *Gateway
}

func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Cancel() error {
	s.owner.removeSubscription(s)
	return nil
}

func (s *subscription) end() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Gateway is an in-memory radio.Gateway and radio.Peripheral.
type Gateway struct {
	id   string
	name string
	air  *Air

	mu       sync.Mutex
	power    radio.PowerState
	granted  bool
	maxWrite int
	// per-device overrides of maxWrite
	deviceMaxWrite map[string]int

	sightings []radio.Sighting
	scanErr   error
	scanning  bool
	scanID    uint64
	stopScan  context.CancelFunc
	scanCount int

	connectErr map[string]error
	resolveErr map[string]error
	writeErr   map[string]error

	open        map[string]bool
	maxOpen     int
	connects    []string
	disconnects []string
	writes      []Write
	subs        map[string][]*subscription

	advertising bool
	layout      radio.Layout
	onWrite     radio.InboundWrite
	announced   [][]byte
}

// NewGateway returns a powered, permitted gateway with no peers.
func NewGateway() *Gateway {
	return &Gateway{
		power:      radio.PowerOn,
		granted:    true,
		maxWrite:   radio.DefaultMaxWriteSize,
		connectErr: make(map[string]error),
		resolveErr: make(map[string]error),
		writeErr:   make(map[string]error),

		deviceMaxWrite: make(map[string]int),
		open:       make(map[string]bool),
		subs:       make(map[string][]*subscription),
		layout:     radio.DefaultLayout(),
	}
}

// ID returns the device id assigned by Air.Join.
func (g *Gateway) ID() string { return g.id }

// SetPower changes the reported power state.
func (g *Gateway) SetPower(state radio.PowerState) {
	g.mu.Lock()
	g.power = state
	g.mu.Unlock()
}

// SetPermission changes the answer of RequestPermissions.
func (g *Gateway) SetPermission(granted bool) {
	g.mu.Lock()
	g.granted = granted
	g.mu.Unlock()
}

// SetMaxWriteSize changes the per-write limit reported for every handle.
func (g *Gateway) SetMaxWriteSize(limit int) {
	g.mu.Lock()
	g.maxWrite = limit
	g.mu.Unlock()
}

// SetDeviceMaxWriteSize overrides the write limit reported for deviceID.
func (g *Gateway) SetDeviceMaxWriteSize(deviceID string, limit int) {
	g.mu.Lock()
	g.deviceMaxWrite[deviceID] = limit
	g.mu.Unlock()
}

// AddSighting scripts an advertisement reported by every scan, in order.
// Adding the same device twice produces duplicate sightings.
func (g *Gateway) AddSighting(s radio.Sighting) {
	g.mu.Lock()
	g.sightings = append(g.sightings, s)
	g.mu.Unlock()
}

// SetScanError makes every scan report err after its sightings.
func (g *Gateway) SetScanError(err error) {
	g.mu.Lock()
	g.scanErr = err
	g.mu.Unlock()
}

// FailConnect makes Connect to deviceID fail with err.
func (g *Gateway) FailConnect(deviceID string, err error) {
	g.mu.Lock()
	g.connectErr[deviceID] = err
	g.mu.Unlock()
}

// FailResolve makes ResolveServices for deviceID fail with err.
func (g *Gateway) FailResolve(deviceID string, err error) {
	g.mu.Lock()
	g.resolveErr[deviceID] = err
	g.mu.Unlock()
}

// FailWrite makes writes to deviceID fail with err.
func (g *Gateway) FailWrite(deviceID string, err error) {
	g.mu.Lock()
	g.writeErr[deviceID] = err
	g.mu.Unlock()
}

// PowerState implements radio.Gateway.
func (g *Gateway) PowerState(ctx context.Context) (radio.PowerState, error) {
	if err := ctx.Err(); err != nil {
		return radio.PowerUnknown, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.power, nil
}

// RequestPermissions implements radio.Gateway.
func (g *Gateway) RequestPermissions(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.granted, nil
}

// Scan implements radio.Gateway.
func (g *Gateway) Scan(ctx context.Context, serviceUUID string, onFound func(radio.Sighting), onError func(error)) error {
	g.mu.Lock()
	if g.power != radio.PowerOn {
		g.mu.Unlock()
		return radio.ErrAdapterNotReady
	}
	if g.scanning {
		g.mu.Unlock()
		return radio.Wrap("scan", "", radio.ErrScanFailure, errors.New("scan already running"))
	}
	scanCtx, cancel := context.WithCancel(ctx)
	g.scanID++
	id := g.scanID
	g.scanning = true
	g.stopScan = cancel
	g.scanCount++
	sightings := append([]radio.Sighting(nil), g.sightings...)
	scanErr := g.scanErr
	g.mu.Unlock()

	for _, other := range g.air.others(g.id) {
		if s, ok := other.advertisement(serviceUUID); ok {
			sightings = append(sightings, s)
		}
	}

	go func() {
		defer g.endScan(id)
		for _, s := range sightings {
			if scanCtx.Err() != nil {
				return
			}
			onFound(s)
		}
		if scanErr != nil && scanCtx.Err() == nil {
			onError(scanErr)
			return
		}
		<-scanCtx.Done()
	}()
	return nil
}

// StopScan implements radio.Gateway.
func (g *Gateway) StopScan() error {
	g.mu.Lock()
	cancel := g.stopScan
	g.stopScan = nil
	g.scanning = false
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// endScan releases the scan slot unless a newer scan already owns it.
func (g *Gateway) endScan(id uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.scanID != id {
		return
	}
	g.scanning = false
	if g.stopScan != nil {
		g.stopScan()
		g.stopScan = nil
	}
}

// ScanCount returns how many scans were started.
func (g *Gateway) ScanCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.scanCount
}

func (g *Gateway) known(deviceID string) bool {
	g.mu.Lock()
	for _, s := range g.sightings {
		if s.DeviceID == deviceID {
			g.mu.Unlock()
			return true
		}
	}
	g.mu.Unlock()
	return g.air.lookup(deviceID) != nil
}

// Connect implements radio.Gateway.
func (g *Gateway) Connect(ctx context.Context, deviceID string) (radio.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !g.known(deviceID) {
		return nil, fmt.Errorf("unknown device %q", deviceID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.connects = append(g.connects, deviceID)
	if err := g.connectErr[deviceID]; err != nil {
		return nil, err
	}
	g.open[deviceID] = true
	if len(g.open) > g.maxOpen {
		g.maxOpen = len(g.open)
	}
	return &handle{deviceID: deviceID}, nil
}

// Disconnect implements radio.Gateway. Subscriptions on the link end.
func (g *Gateway) Disconnect(ctx context.Context, deviceID string) error {
	g.mu.Lock()
	g.disconnects = append(g.disconnects, deviceID)
	delete(g.open, deviceID)
	subs := g.subs[deviceID]
	delete(g.subs, deviceID)
	g.mu.Unlock()

	for _, sub := range subs {
		sub.end()
	}
	return nil
}

// DropConnection simulates a link loss initiated by the remote side.
func (g *Gateway) DropConnection(deviceID string) {
	g.mu.Lock()
	delete(g.open, deviceID)
	subs := g.subs[deviceID]
	delete(g.subs, deviceID)
	g.mu.Unlock()

	for _, sub := range subs {
		sub.end()
	}
}

// ResolveServices implements radio.Gateway.
func (g *Gateway) ResolveServices(ctx context.Context, h radio.Handle) error {
	if err := g.checkOpen(h); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resolveErr[h.DeviceID()]
}

// WriteCharacteristic implements radio.Gateway.
func (g *Gateway) WriteCharacteristic(ctx context.Context, h radio.Handle, serviceUUID, charUUID string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := g.checkOpen(h); err != nil {
		return err
	}

	g.mu.Lock()
	g.writes = append(g.writes, Write{
		DeviceID:       h.DeviceID(),
		Service:        serviceUUID,
		Characteristic: charUUID,
		Payload:        append([]byte(nil), payload...),
	})
	err := g.writeErr[h.DeviceID()]
	g.mu.Unlock()
	if err != nil {
		return err
	}

	if target := g.air.lookup(h.DeviceID()); target != nil {
		target.deliver(g.id, charUUID, payload)
	}
	return nil
}

// Subscribe implements radio.Gateway.
func (g *Gateway) Subscribe(ctx context.Context, h radio.Handle, serviceUUID, charUUID string, onNotify func([]byte)) (radio.Subscription, error) {
	if err := g.checkOpen(h); err != nil {
		return nil, err
	}
	sub := &subscription{
		deviceID: h.DeviceID(),
		onNotify: onNotify,
		done:     make(chan struct{}),
		owner:    g,
	}
	g.mu.Lock()
	g.subs[sub.deviceID] = append(g.subs[sub.deviceID], sub)
	g.mu.Unlock()
	return sub, nil
}

// MaxWriteSize implements radio.Gateway.
func (g *Gateway) MaxWriteSize(h radio.Handle) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if limit, ok := g.deviceMaxWrite[h.DeviceID()]; ok {
		return limit
	}
	return g.maxWrite
}

// Notify pushes payload to every subscription on deviceID.
func (g *Gateway) Notify(deviceID string, payload []byte) {
	g.mu.Lock()
	subs := append([]*subscription(nil), g.subs[deviceID]...)
	g.mu.Unlock()

	for _, sub := range subs {
		select {
		case <-sub.done:
			continue
		default:
		}
		sub.onNotify(append([]byte(nil), payload...))
	}
}

// Subscriptions returns the number of live subscriptions on deviceID.
func (g *Gateway) Subscriptions(deviceID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs[deviceID])
}

// Writes returns a copy of recorded writes.
func (g *Gateway) Writes() []Write {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Write(nil), g.writes...)
}

// Connects returns the device ids passed to Connect, in order.
func (g *Gateway) Connects() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.connects...)
}

// Disconnects returns the device ids passed to Disconnect, in order.
func (g *Gateway) Disconnects() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.disconnects...)
}

// OpenConnections returns the number of currently open links.
func (g *Gateway) OpenConnections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.open)
}

// MaxConcurrentConnections returns the peak number of simultaneously open links.
func (g *Gateway) MaxConcurrentConnections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxOpen
}

// Advertise implements radio.Peripheral.
func (g *Gateway) Advertise(ctx context.Context, layout radio.Layout, name string, onWrite radio.InboundWrite) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.power != radio.PowerOn {
		return radio.ErrAdapterNotReady
	}
	g.advertising = true
	g.layout = layout
	if name != "" {
		g.name = name
	}
	g.onWrite = onWrite
	return nil
}

// Announce implements radio.Peripheral.
func (g *Gateway) Announce(ctx context.Context, payload []byte) error {
	g.mu.Lock()
	if !g.advertising {
		g.mu.Unlock()
		return errors.New("fake: not advertising")
	}
	g.announced = append(g.announced, append([]byte(nil), payload...))
	g.mu.Unlock()

	for _, other := range g.air.others(g.id) {
		other.Notify(g.id, payload)
	}
	return nil
}

// StopAdvertising implements radio.Peripheral.
func (g *Gateway) StopAdvertising() error {
	g.mu.Lock()
	g.advertising = false
	g.onWrite = nil
	g.mu.Unlock()
	return nil
}

// Announced returns a copy of payloads passed to Announce.
func (g *Gateway) Announced() [][]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([][]byte(nil), g.announced...)
}

func (g *Gateway) advertisement(serviceUUID string) (radio.Sighting, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.advertising || g.power != radio.PowerOn || !radio.SameUUID(g.layout.Service, serviceUUID) {
		return radio.Sighting{}, false
	}
	return radio.Sighting{DeviceID: g.id, Name: g.name}, true
}

func (g *Gateway) deliver(from, charUUID string, payload []byte) {
	g.mu.Lock()
	handler := g.onWrite
	inbox := g.layout.Inbox
	g.mu.Unlock()
	if handler == nil || !radio.SameUUID(inbox, charUUID) {
		return
	}
	handler(from, append([]byte(nil), payload...))
}

func (g *Gateway) checkOpen(h radio.Handle) error {
	if h == nil {
		return radio.ErrNotConnected
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open[h.DeviceID()] {
		return radio.ErrNotConnected
	}
	return nil
}

func (g *Gateway) removeSubscription(target *subscription) {
	g.mu.Lock()
	subs := g.subs[target.deviceID]
	kept := subs[:0]
	for _, sub := range subs {
		if sub != target {
			kept = append(kept, sub)
		}
	}
	if len(kept) == 0 {
		delete(g.subs, target.deviceID)
	} else {
		g.subs[target.deviceID] = kept
	}
	g.mu.Unlock()
	target.end()
}

var (
	_ radio.Gateway    = (*Gateway)(nil)
	_ radio.Peripheral = (*Gateway)(nil)
)
