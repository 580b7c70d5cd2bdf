// Package radio defines the boundary between the relay core and the
// platform's short-range radio stack.
//
// A Gateway exposes the central role: power and permission checks, scanning,
// connecting, resolving services, writing and subscribing to characteristics.
// Implementations that can also act as a GATT server implement Peripheral.
package radio

import (
	"context"
	"strings"
)

const (
	// ServiceUUID gates scan filtering; every relay node advertises it.
	ServiceUUID = "4fafc201-1fb5-459e-8fcc-c5c9c331914b"
	// InboxCharacteristicUUID accepts writes carrying one message.
	InboxCharacteristicUUID = "beb5483e-36e1-4688-b7f5-ea07361b26a8"
	// AnnounceCharacteristicUUID notifies subscribers about new messages.
	AnnounceCharacteristicUUID = "e1f404b8-7d99-4a98-a7b3-2e2c4d34d8f7"

	// DefaultMaxWriteSize is the largest ATT attribute value (512 bytes).
	DefaultMaxWriteSize = 512
)

// PowerState is the adapter's reported power state.
type PowerState string

const (
	PowerOn      PowerState = "on"
	PowerOff     PowerState = "off"
	PowerUnknown PowerState = "unknown"
)

// Layout names the service and the two characteristics of the relay profile.
type Layout struct {
	Service  string `json:"service" yaml:"service"`
	Inbox    string `json:"inbox" yaml:"inbox"`
	Announce string `json:"announce" yaml:"announce"`
}

// DefaultLayout returns the well-known relay profile.
func DefaultLayout() Layout {
	return Layout{
		Service:  ServiceUUID,
		Inbox:    InboxCharacteristicUUID,
		Announce: AnnounceCharacteristicUUID,
	}
}

// SameUUID compares two UUID strings case-insensitively.
func SameUUID(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Sighting is one advertisement observed while scanning.
type Sighting struct {
	DeviceID string
	Name     string
	RSSI     *int16
}

// Handle identifies an open link returned by Gateway.Connect.
type Handle interface {
	DeviceID() string
}

// Subscription is an active notification subscription.
type Subscription interface {
	// Done is closed when the subscription ends for any reason.
	Done() <-chan struct{}
	// Cancel tears the subscription down. It is safe to call more than once.
	Cancel() error
}

// Gateway is the central-role radio capability consumed by the relay.
//
// Scan returns once scanning has started; sightings and errors are reported
// through the callbacks, from any goroutine, until ctx ends or StopScan is
// called. All other operations block until the adapter answers or ctx ends.
type Gateway interface {
	PowerState(ctx context.Context) (PowerState, error)
	RequestPermissions(ctx context.Context) (bool, error)
	Scan(ctx context.Context, serviceUUID string, onFound func(Sighting), onError func(error)) error
	StopScan() error
	Connect(ctx context.Context, deviceID string) (Handle, error)
	Disconnect(ctx context.Context, deviceID string) error
	ResolveServices(ctx context.Context, h Handle) error
	WriteCharacteristic(ctx context.Context, h Handle, serviceUUID, charUUID string, payload []byte) error
	Subscribe(ctx context.Context, h Handle, serviceUUID, charUUID string, onNotify func([]byte)) (Subscription, error)
	MaxWriteSize(h Handle) int
}

// InboundWrite receives a payload written to the local inbox characteristic.
type InboundWrite func(deviceID string, payload []byte)

// Peripheral is implemented by gateways that can also serve the relay
// profile, so that remote centrals can write to this device and subscribe
// to its announcements.
type Peripheral interface {
	Advertise(ctx context.Context, layout Layout, name string, onWrite InboundWrite) error
	Announce(ctx context.Context, payload []byte) error
	StopAdvertising() error
}
