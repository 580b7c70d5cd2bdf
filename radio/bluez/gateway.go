// Package bluez implements the central side of the relay radio on Linux by
// driving BlueZ over the system D-Bus.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"alertrelay/radio"
)

const (
	busName              = "org.bluez"
	adapterInterface     = "org.bluez.Adapter1"
	deviceInterface      = "org.bluez.Device1"
	gattServiceInterface = "org.bluez.GattService1"
	gattCharInterface    = "org.bluez.GattCharacteristic1"
	propertiesInterface  = "org.freedesktop.DBus.Properties"
	getManagedObjects    = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"

	// DefaultAdapter is the HCI adapter used when none is configured.
	DefaultAdapter = "hci0"
	// DefaultResolveTimeout bounds the wait for GATT service discovery.
	DefaultResolveTimeout = 10 * time.Second

	attHeaderSize = 3
	pollInterval  = 100 * time.Millisecond
)

// Config controls the BlueZ gateway.
type Config struct {
	Adapter        string
	ResolveTimeout time.Duration
	Logger         *slog.Logger
}

func (c Config) withDefaults() Config {
	out := c
	if out.Adapter == "" {
		out.Adapter = DefaultAdapter
	}
	if out.ResolveTimeout <= 0 {
		out.ResolveTimeout = DefaultResolveTimeout
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Gateway is a radio.Gateway backed by BlueZ.
type Gateway struct {
	cfg         Config
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath

	signals chan *dbus.Signal

	mu         sync.Mutex
	devices    map[string]*device
	watchers   map[int]func(*dbus.Signal)
	nextWatch  int
	scanCancel context.CancelFunc
	scanID     uint64
	// scanIdle is closed once the last scan has stopped adapter discovery.
	scanIdle chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// New connects to the system bus and starts the signal dispatcher.
func New(config Config) (*Gateway, error) {
	cfg := config.withDefaults()

	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}

	g := &Gateway{
		cfg:         cfg,
		conn:        conn,
		adapterPath: dbus.ObjectPath("/org/bluez/" + cfg.Adapter),
		signals:     make(chan *dbus.Signal, 100),
		devices:     make(map[string]*device),
		watchers:    make(map[int]func(*dbus.Signal)),
		done:        make(chan struct{}),
	}
	conn.Signal(g.signals)
	go g.dispatch()
	return g, nil
}

// Close stops scanning, disconnects every device and detaches from D-Bus.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() {
		_ = g.StopScan()

		g.mu.Lock()
		ids := make([]string, 0, len(g.devices))
		for id := range g.devices {
			ids = append(ids, id)
		}
		g.mu.Unlock()
		for _, id := range ids {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = g.Disconnect(ctx, id)
			cancel()
		}

		g.conn.RemoveSignal(g.signals)
		close(g.done)
	})
	return nil
}

func (g *Gateway) dispatch() {
	for {
		select {
		case <-g.done:
			return
		case sig, ok := <-g.signals:
			if !ok {
				return
			}
			if sig == nil {
				continue
			}
			g.mu.Lock()
			watchers := make([]func(*dbus.Signal), 0, len(g.watchers))
			for _, w := range g.watchers {
				watchers = append(watchers, w)
			}
			g.mu.Unlock()
			for _, w := range watchers {
				w(sig)
			}
		}
	}
}

func (g *Gateway) watch(fn func(*dbus.Signal)) func() {
	g.mu.Lock()
	id := g.nextWatch
	g.nextWatch++
	g.watchers[id] = fn
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		delete(g.watchers, id)
		g.mu.Unlock()
	}
}

func (g *Gateway) addMatch(rule string) error {
	return g.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err
}

func (g *Gateway) removeMatch(rule string) {
	_ = g.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule).Err
}

func (g *Gateway) adapter() dbus.BusObject {
	return g.conn.Object(busName, g.adapterPath)
}

// PowerState implements radio.Gateway.
func (g *Gateway) PowerState(ctx context.Context) (radio.PowerState, error) {
	var powered dbus.Variant
	if err := g.adapter().CallWithContext(ctx, propertiesInterface+".Get", 0, adapterInterface, "Powered").Store(&powered); err != nil {
		return radio.PowerUnknown, fmt.Errorf("read %s power: %w", g.cfg.Adapter, err)
	}
	on, ok := powered.Value().(bool)
	if !ok {
		return radio.PowerUnknown, nil
	}
	if on {
		return radio.PowerOn, nil
	}
	return radio.PowerOff, nil
}

// RequestPermissions implements radio.Gateway. BlueZ has no runtime grant;
// a D-Bus policy denial on the adapter is reported as not granted.
func (g *Gateway) RequestPermissions(ctx context.Context) (bool, error) {
	var props map[string]dbus.Variant
	err := g.adapter().CallWithContext(ctx, propertiesInterface+".GetAll", 0, adapterInterface).Store(&props)
	if err == nil {
		return true, nil
	}
	if isAccessDenied(err) {
		return false, nil
	}
	return false, fmt.Errorf("query adapter %s: %w", g.cfg.Adapter, err)
}

// Scan implements radio.Gateway with LE discovery filtered by serviceUUID.
func (g *Gateway) Scan(ctx context.Context, serviceUUID string, onFound func(radio.Sighting), onError func(error)) error {
	g.mu.Lock()
	if g.scanCancel != nil {
		g.mu.Unlock()
		return radio.Wrap("scan", "", radio.ErrScanFailure, errors.New("discovery already running"))
	}
	scanCtx, cancel := context.WithCancel(ctx)
	g.scanID++
	id := g.scanID
	g.scanCancel = cancel
	previous := g.scanIdle
	idle := make(chan struct{})
	g.scanIdle = idle
	g.mu.Unlock()

	if previous != nil {
		select {
		case <-previous:
		case <-scanCtx.Done():
			g.endScan(id, idle)
			return radio.Wrap("scan", "", radio.ErrScanFailure, scanCtx.Err())
		}
	}

	filter := map[string]interface{}{
		"Transport": "le",
		"UUIDs":     []string{serviceUUID},
	}
	if err := g.adapter().CallWithContext(scanCtx, adapterInterface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		g.cfg.Logger.Warn("set discovery filter failed; scanning unfiltered", "error", err)
	}

	addedRule := "type='signal',interface='org.freedesktop.DBus.ObjectManager',member='InterfacesAdded'"
	changedRule := fmt.Sprintf("type='signal',interface='%s',member='PropertiesChanged',path_namespace='%s'", propertiesInterface, g.adapterPath)
	for _, rule := range []string{addedRule, changedRule} {
		if err := g.addMatch(rule); err != nil {
			g.endScan(id, idle)
			return radio.Wrap("scan", "", radio.ErrScanFailure, fmt.Errorf("add match: %w", err))
		}
	}

	unwatch := g.watch(func(sig *dbus.Signal) {
		if scanCtx.Err() != nil {
			return
		}
		switch sig.Name {
		case "org.freedesktop.DBus.ObjectManager.InterfacesAdded":
			path, ifaces, ok := interfacesAdded(sig)
			if !ok || !isDevicePath(g.adapterPath, path) {
				return
			}
			if props, ok := ifaces[deviceInterface]; ok {
				if s, ok := sightingFromProps(props, serviceUUID); ok {
					onFound(s)
				}
			}
		case propertiesInterface + ".PropertiesChanged":
			if !isDevicePath(g.adapterPath, sig.Path) {
				return
			}
			changed, ok := changedProperties(sig, deviceInterface)
			if !ok {
				return
			}
			if _, hasRSSI := changed["RSSI"]; !hasRSSI {
				return
			}
			var props map[string]dbus.Variant
			obj := g.conn.Object(busName, sig.Path)
			if err := obj.CallWithContext(scanCtx, propertiesInterface+".GetAll", 0, deviceInterface).Store(&props); err != nil {
				return
			}
			if s, ok := sightingFromProps(props, serviceUUID); ok {
				onFound(s)
			}
		}
	})

	if err := g.adapter().CallWithContext(scanCtx, adapterInterface+".StartDiscovery", 0).Err; err != nil {
		unwatch()
		g.removeMatch(addedRule)
		g.removeMatch(changedRule)
		g.endScan(id, idle)
		return radio.Wrap("scan", "", radio.ErrScanFailure, err)
	}

	go func() {
		<-scanCtx.Done()
		unwatch()
		g.removeMatch(addedRule)
		g.removeMatch(changedRule)

		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := g.adapter().CallWithContext(stopCtx, adapterInterface+".StopDiscovery", 0).Err; err != nil {
			g.cfg.Logger.Debug("stop discovery", "error", err)
		}
		g.endScan(id, idle)
	}()
	return nil
}

// StopScan implements radio.Gateway. The slot is free on return; adapter
// discovery is stopped in the background and the next Scan waits for it.
func (g *Gateway) StopScan() error {
	g.mu.Lock()
	cancel := g.scanCancel
	g.scanCancel = nil
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// endScan marks scan id as fully stopped and frees the slot if it still
// owns it.
func (g *Gateway) endScan(id uint64, idle chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	close(idle)
	if g.scanID == id && g.scanCancel != nil {
		g.scanCancel()
		g.scanCancel = nil
	}
}

// Connect implements radio.Gateway.
func (g *Gateway) Connect(ctx context.Context, deviceID string) (radio.Handle, error) {
	path := devicePath(g.adapterPath, deviceID)
	if err := g.conn.Object(busName, path).CallWithContext(ctx, deviceInterface+".Connect", 0).Err; err != nil {
		return nil, fmt.Errorf("connect %s: %w", deviceID, err)
	}

	d := &device{id: deviceID, path: path}
	g.mu.Lock()
	g.devices[deviceID] = d
	g.mu.Unlock()

	rule := fmt.Sprintf("type='signal',interface='%s',member='PropertiesChanged',path='%s'", propertiesInterface, path)
	if err := g.addMatch(rule); err == nil {
		d.unwatch = g.watch(func(sig *dbus.Signal) {
			if sig.Path != path {
				return
			}
			changed, ok := changedProperties(sig, deviceInterface)
			if !ok {
				return
			}
			if v, ok := changed["Connected"]; ok {
				if connected, _ := v.Value().(bool); !connected {
					d.endSubscriptions()
				}
			}
		})
		d.rule = rule
	}
	return d, nil
}

// Disconnect implements radio.Gateway.
func (g *Gateway) Disconnect(ctx context.Context, deviceID string) error {
	g.mu.Lock()
	d := g.devices[deviceID]
	delete(g.devices, deviceID)
	g.mu.Unlock()

	path := devicePath(g.adapterPath, deviceID)
	err := g.conn.Object(busName, path).CallWithContext(ctx, deviceInterface+".Disconnect", 0).Err
	if d != nil {
		d.endSubscriptions()
		if d.unwatch != nil {
			d.unwatch()
			g.removeMatch(d.rule)
		}
	}
	if err != nil {
		return fmt.Errorf("disconnect %s: %w", deviceID, err)
	}
	return nil
}

// ResolveServices implements radio.Gateway: it waits for ServicesResolved
// and indexes the device's characteristics.
func (g *Gateway) ResolveServices(ctx context.Context, h radio.Handle) error {
	d, err := g.device(h)
	if err != nil {
		return err
	}

	resolveCtx, cancel := context.WithTimeout(ctx, g.cfg.ResolveTimeout)
	defer cancel()
	obj := g.conn.Object(busName, d.path)
	for {
		var resolved dbus.Variant
		if err := obj.CallWithContext(resolveCtx, propertiesInterface+".Get", 0, deviceInterface, "ServicesResolved").Store(&resolved); err == nil {
			if done, _ := resolved.Value().(bool); done {
				break
			}
		}
		select {
		case <-resolveCtx.Done():
			return fmt.Errorf("wait for services on %s: %w", d.id, resolveCtx.Err())
		case <-time.After(pollInterval):
		}
	}

	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	if err := g.conn.Object(busName, "/").CallWithContext(ctx, getManagedObjects, 0).Store(&objects); err != nil {
		return fmt.Errorf("list GATT objects: %w", err)
	}
	chars := indexCharacteristics(objects, d.path)
	if len(chars) == 0 {
		return radio.ErrServiceNotFound
	}
	d.setCharacteristics(chars)
	return nil
}

// WriteCharacteristic implements radio.Gateway with a write-with-response.
func (g *Gateway) WriteCharacteristic(ctx context.Context, h radio.Handle, serviceUUID, charUUID string, payload []byte) error {
	d, err := g.device(h)
	if err != nil {
		return err
	}
	char, ok := d.characteristic(serviceUUID, charUUID)
	if !ok {
		return radio.ErrServiceNotFound
	}
	options := map[string]interface{}{"type": "request"}
	return g.conn.Object(busName, char.path).CallWithContext(ctx, gattCharInterface+".WriteValue", 0, payload, options).Err
}

// Subscribe implements radio.Gateway with StartNotify.
func (g *Gateway) Subscribe(ctx context.Context, h radio.Handle, serviceUUID, charUUID string, onNotify func([]byte)) (radio.Subscription, error) {
	d, err := g.device(h)
	if err != nil {
		return nil, err
	}
	char, ok := d.characteristic(serviceUUID, charUUID)
	if !ok {
		return nil, radio.ErrServiceNotFound
	}

	rule := fmt.Sprintf("type='signal',interface='%s',member='PropertiesChanged',path='%s'", propertiesInterface, char.path)
	if err := g.addMatch(rule); err != nil {
		return nil, fmt.Errorf("add match: %w", err)
	}

	sub := &subscription{gateway: g, path: char.path, rule: rule, done: make(chan struct{})}
	sub.unwatch = g.watch(func(sig *dbus.Signal) {
		if sig.Path != char.path {
			return
		}
		if value, ok := notificationValue(sig); ok {
			onNotify(value)
		}
	})

	if err := g.conn.Object(busName, char.path).CallWithContext(ctx, gattCharInterface+".StartNotify", 0).Err; err != nil {
		sub.unwatch()
		g.removeMatch(rule)
		return nil, fmt.Errorf("start notify on %s: %w", charUUID, err)
	}
	d.addSubscription(sub)
	return sub, nil
}

// MaxWriteSize implements radio.Gateway from the negotiated ATT MTU.
func (g *Gateway) MaxWriteSize(h radio.Handle) int {
	d, err := g.device(h)
	if err != nil {
		return radio.DefaultMaxWriteSize
	}
	return writeSizeFromMTU(d.mtu())
}

func (g *Gateway) device(h radio.Handle) (*device, error) {
	d, ok := h.(*device)
	if !ok || d == nil {
		return nil, radio.ErrNotConnected
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if current, ok := g.devices[d.id]; !ok || current != d {
		return nil, radio.ErrNotConnected
	}
	return d, nil
}

func isAccessDenied(err error) bool {
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		return strings.HasSuffix(dbusErr.Name, ".AccessDenied") || strings.HasSuffix(dbusErr.Name, ".NotPermitted")
	}
	var dbusErrPtr *dbus.Error
	if errors.As(err, &dbusErrPtr) {
		return strings.HasSuffix(dbusErrPtr.Name, ".AccessDenied") || strings.HasSuffix(dbusErrPtr.Name, ".NotPermitted")
	}
	return false
}
