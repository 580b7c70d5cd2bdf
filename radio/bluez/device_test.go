package bluez

import (
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"

	"alertrelay/radio"
)

const testAdapter = dbus.ObjectPath("/org/bluez/hci0")

func TestDevicePath(t *testing.T) {
	got := devicePath(testAdapter, "aa:bb:cc:dd:ee:ff")
	if got != "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF" {
		t.Fatalf("unexpected path %s", got)
	}
	if !isDevicePath(testAdapter, got) {
		t.Fatal("expected device path to be recognized")
	}
	if isDevicePath(testAdapter, got+"/service0010") {
		t.Fatal("expected service path to be rejected")
	}
	if isDevicePath("/org/bluez/hci1", got) {
		t.Fatal("expected other adapter to be rejected")
	}
}

func TestSightingFromProps(t *testing.T) {
	rssi := int16(-61)
	props := map[string]dbus.Variant{
		"Address": dbus.MakeVariant("AA:BB:CC:DD:EE:FF"),
		"Name":    dbus.MakeVariant("Pixel"),
		"UUIDs":   dbus.MakeVariant([]string{"0000180f-0000-1000-8000-00805f9b34fb", radio.ServiceUUID}),
		"RSSI":    dbus.MakeVariant(rssi),
	}

	s, ok := sightingFromProps(props, radio.ServiceUUID)
	if !ok {
		t.Fatal("expected sighting")
	}
	if s.DeviceID != "AA:BB:CC:DD:EE:FF" || s.Name != "Pixel" || s.RSSI == nil || *s.RSSI != rssi {
		t.Fatalf("unexpected sighting: %+v", s)
	}

	if _, ok := sightingFromProps(props, "11111111-2222-3333-4444-555555555555"); ok {
		t.Fatal("expected device without the relay service to be skipped")
	}
	if _, ok := sightingFromProps(map[string]dbus.Variant{}, ""); ok {
		t.Fatal("expected device without address to be skipped")
	}
}

func TestNotificationValue(t *testing.T) {
	sig := &dbus.Signal{
		Path: testAdapter + "/dev_AA/service0010/char0011",
		Name: propertiesInterface + ".PropertiesChanged",
		Body: []interface{}{
			gattCharInterface,
			map[string]dbus.Variant{"Value": dbus.MakeVariant([]byte(`{"id":"1"}`))},
			[]string{},
		},
	}
	value, ok := notificationValue(sig)
	if !ok || string(value) != `{"id":"1"}` {
		t.Fatalf("unexpected notification value %q (ok=%v)", value, ok)
	}

	sig.Body[0] = deviceInterface
	if _, ok := notificationValue(sig); ok {
		t.Fatal("expected non-characteristic change to be ignored")
	}
}

func TestIndexCharacteristics(t *testing.T) {
	dev := devicePath(testAdapter, "AA:BB:CC:DD:EE:FF")
	svc := dev + "/service0010"
	objects := map[dbus.ObjectPath]map[string]map[string]dbus.Variant{
		svc: {gattServiceInterface: {"UUID": dbus.MakeVariant(radio.ServiceUUID)}},
		svc + "/char0011": {gattCharInterface: {
			"UUID":    dbus.MakeVariant(radio.InboxCharacteristicUUID),
			"Service": dbus.MakeVariant(svc),
			"MTU":     dbus.MakeVariant(uint16(247)),
		}},
		svc + "/char0013": {gattCharInterface: {
			"UUID":    dbus.MakeVariant(radio.AnnounceCharacteristicUUID),
			"Service": dbus.MakeVariant(svc),
		}},
		devicePath(testAdapter, "11:22:33:44:55:66") + "/service0010/char0011": {gattCharInterface: {
			"UUID": dbus.MakeVariant(radio.InboxCharacteristicUUID),
		}},
	}

	d := &device{id: "AA:BB:CC:DD:EE:FF", path: dev}
	d.setCharacteristics(indexCharacteristics(objects, dev))

	inbox, ok := d.characteristic(radio.ServiceUUID, radio.InboxCharacteristicUUID)
	if !ok || inbox.path != svc+"/char0011" {
		t.Fatalf("expected inbox characteristic, got %+v (ok=%v)", inbox, ok)
	}
	if _, ok := d.characteristic(radio.ServiceUUID, radio.AnnounceCharacteristicUUID); !ok {
		t.Fatal("expected announce characteristic")
	}
	if got := writeSizeFromMTU(d.mtu()); got != 244 {
		t.Fatalf("expected write size 244, got %d", got)
	}
	if got := writeSizeFromMTU(0); got != radio.DefaultMaxWriteSize {
		t.Fatalf("expected default write size, got %d", got)
	}
}

func TestIsAccessDenied(t *testing.T) {
	if !isAccessDenied(dbus.Error{Name: "org.freedesktop.DBus.Error.AccessDenied"}) {
		t.Fatal("expected AccessDenied to be recognized")
	}
	if isAccessDenied(dbus.Error{Name: "org.bluez.Error.Failed"}) {
		t.Fatal("expected other errors to pass through")
	}
	if isAccessDenied(errors.New("plain")) {
		t.Fatal("expected plain error to pass through")
	}
}
