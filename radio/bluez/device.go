package bluez

import (
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"alertrelay/radio"
)

type characteristic struct {
	path    dbus.ObjectPath
	service string
	uuid    string
	mtu     int
}

// device is a connected peer. It doubles as the radio.Handle.
type device struct {
	id   string
	path dbus.ObjectPath

	rule    string
	unwatch func()

	mu    sync.Mutex
	chars []characteristic
	subs  []*subscription
}

func (d *device) DeviceID() string { return d.id }

func (d *device) setCharacteristics(chars []characteristic) {
	d.mu.Lock()
	d.chars = chars
	d.mu.Unlock()
}

func (d *device) characteristic(serviceUUID, charUUID string) (characteristic, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.chars {
		if radio.SameUUID(c.service, serviceUUID) && radio.SameUUID(c.uuid, charUUID) {
			return c, true
		}
	}
	return characteristic{}, false
}

func (d *device) mtu() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	best := 0
	for _, c := range d.chars {
		if c.mtu > best {
			best = c.mtu
		}
	}
	return best
}

func (d *device) addSubscription(sub *subscription) {
	d.mu.Lock()
	d.subs = append(d.subs, sub)
	d.mu.Unlock()
}

func (d *device) endSubscriptions() {
	d.mu.Lock()
	subs := d.subs
	d.subs = nil
	d.mu.Unlock()
	for _, sub := range subs {
		sub.release(false)
	}
}

type subscription struct {
	gateway *Gateway
	path    dbus.ObjectPath
	rule    string
	unwatch func()

	once sync.Once
	done chan struct{}
}

func (s *subscription) Done() <-chan struct{} { return s.done }

// Cancel stops notifications on the characteristic.
func (s *subscription) Cancel() error {
	s.release(true)
	return nil
}

func (s *subscription) release(stopNotify bool) {
	s.once.Do(func() {
		s.unwatch()
		s.gateway.removeMatch(s.rule)
		if stopNotify {
			_ = s.gateway.conn.Object(busName, s.path).Call(gattCharInterface+".StopNotify", 0).Err
		}
		close(s.done)
	})
}

// devicePath maps a MAC address to its BlueZ object path under adapterPath.
func devicePath(adapterPath dbus.ObjectPath, address string) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapterPath) + "/dev_" + strings.ReplaceAll(strings.ToUpper(address), ":", "_"))
}

func isDevicePath(adapterPath, path dbus.ObjectPath) bool {
	rest, ok := strings.CutPrefix(string(path), string(adapterPath)+"/dev_")
	return ok && rest != "" && !strings.Contains(rest, "/")
}

func sightingFromProps(props map[string]dbus.Variant, serviceUUID string) (radio.Sighting, bool) {
	address, _ := props["Address"].Value().(string)
	if address == "" {
		return radio.Sighting{}, false
	}

	if serviceUUID != "" {
		uuids, _ := props["UUIDs"].Value().([]string)
		advertised := false
		for _, uuid := range uuids {
			if radio.SameUUID(uuid, serviceUUID) {
				advertised = true
				break
			}
		}
		if !advertised {
			return radio.Sighting{}, false
		}
	}

	sighting := radio.Sighting{DeviceID: address}
	if name, ok := props["Alias"].Value().(string); ok && name != address {
		sighting.Name = name
	}
	if name, ok := props["Name"].Value().(string); ok && name != "" {
		sighting.Name = name
	}
	if rssi, ok := props["RSSI"].Value().(int16); ok {
		sighting.RSSI = &rssi
	}
	return sighting, true
}

func interfacesAdded(sig *dbus.Signal) (dbus.ObjectPath, map[string]map[string]dbus.Variant, bool) {
	if len(sig.Body) < 2 {
		return "", nil, false
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return "", nil, false
	}
	ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
	return path, ifaces, ok
}

// changedProperties returns the changed set of a PropertiesChanged signal
// for iface.
func changedProperties(sig *dbus.Signal, iface string) (map[string]dbus.Variant, bool) {
	if len(sig.Body) < 2 {
		return nil, false
	}
	if name, ok := sig.Body[0].(string); !ok || name != iface {
		return nil, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	return changed, ok
}

func notificationValue(sig *dbus.Signal) ([]byte, bool) {
	changed, ok := changedProperties(sig, gattCharInterface)
	if !ok {
		return nil, false
	}
	v, ok := changed["Value"]
	if !ok {
		return nil, false
	}
	value, ok := v.Value().([]byte)
	return value, ok
}

// indexCharacteristics lists the GATT characteristics below devPath with the
// UUID of their owning service.
func indexCharacteristics(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant, devPath dbus.ObjectPath) []characteristic {
	prefix := string(devPath) + "/"
	services := make(map[dbus.ObjectPath]string)
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if svc, ok := ifaces[gattServiceInterface]; ok {
			uuid, _ := svc["UUID"].Value().(string)
			services[path] = uuid
		}
	}

	chars := make([]characteristic, 0)
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[gattCharInterface]
		if !ok {
			continue
		}
		uuid, _ := props["UUID"].Value().(string)
		servicePath, _ := props["Service"].Value().(dbus.ObjectPath)
		c := characteristic{path: path, uuid: uuid, service: services[servicePath]}
		if mtu, ok := props["MTU"].Value().(uint16); ok {
			c.mtu = int(mtu)
		}
		chars = append(chars, c)
	}
	return chars
}

func writeSizeFromMTU(mtu int) int {
	if mtu <= attHeaderSize {
		return radio.DefaultMaxWriteSize
	}
	return mtu - attHeaderSize
}
