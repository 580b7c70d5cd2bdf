package lanradio

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"alertrelay/radio"
)

// registry stands in for the mDNS network: registrations become browse
// results.
type registry struct {
	mu      sync.Mutex
	entries []*zeroconf.ServiceEntry
}

func (r *registry) register(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: instance, Service: service, Domain: domain},
		HostName:      instance + ".local",
		Port:          port,
		Text:          append([]string(nil), text...),
		AddrIPv4:      []net.IP{net.ParseIP("127.0.0.1")},
	})
	return nil, nil
}

func (r *registry) browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	r.mu.Lock()
	snapshot := append([]*zeroconf.ServiceEntry(nil), r.entries...)
	r.mu.Unlock()

	for _, entry := range snapshot {
		select {
		case entries <- entry:
		case <-ctx.Done():
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

func newTestGateway(t *testing.T, reg *registry, deviceID, name string) *Gateway {
	t.Helper()
	g, err := New(Config{
		SelfDeviceID:   deviceID,
		DeviceName:     name,
		ListenAddress:  "127.0.0.1:0",
		RequestTimeout: 2 * time.Second,
		registerFn:     reg.register,
		browseFn:       reg.browse,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func subscriberCount(g *Gateway) int {
	g.advMu.Lock()
	announce := g.layout.Announce
	g.advMu.Unlock()

	g.inboundMu.Lock()
	defer g.inboundMu.Unlock()
	count := 0
	for c := range g.inbound {
		if c.isSubscribed(announce) {
			count++
		}
	}
	return count
}

func scanFor(t *testing.T, g *Gateway, deviceID string) radio.Sighting {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	found := make(chan radio.Sighting, 8)
	if err := g.Scan(ctx, radio.ServiceUUID, func(s radio.Sighting) { found <- s }, func(err error) {
		t.Errorf("unexpected scan error: %v", err)
	}); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	defer g.StopScan()

	for {
		select {
		case s := <-found:
			if s.DeviceID == deviceID {
				return s
			}
		case <-ctx.Done():
			t.Fatalf("device %s not found", deviceID)
		}
	}
}

func TestLoopbackWriteAndAnnounce(t *testing.T) {
	reg := &registry{}
	alice := newTestGateway(t, reg, "alice", "Alice")
	bob := newTestGateway(t, reg, "bob", "Bob")

	type inbound struct {
		from    string
		payload []byte
	}
	writes := make(chan inbound, 4)
	if err := bob.Advertise(context.Background(), radio.DefaultLayout(), "Bob", func(from string, payload []byte) {
		writes <- inbound{from: from, payload: payload}
	}); err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}

	sighting := scanFor(t, alice, "bob")
	if sighting.Name != "Bob" {
		t.Fatalf("expected advertised name Bob, got %q", sighting.Name)
	}

	ctx := context.Background()
	h, err := alice.Connect(ctx, "bob")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := alice.ResolveServices(ctx, h); err != nil {
		t.Fatalf("ResolveServices failed: %v", err)
	}

	payload := []byte(`{"id":"1","content":"hi","timestamp":"T"}`)
	if err := alice.WriteCharacteristic(ctx, h, radio.ServiceUUID, radio.InboxCharacteristicUUID, payload); err != nil {
		t.Fatalf("WriteCharacteristic failed: %v", err)
	}
	select {
	case got := <-writes:
		if got.from != "alice" || !bytes.Equal(got.payload, payload) {
			t.Fatalf("unexpected inbound write: %s from %s", got.payload, got.from)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("write did not reach bob")
	}

	err = alice.WriteCharacteristic(ctx, h, radio.ServiceUUID, radio.AnnounceCharacteristicUUID, payload)
	if err == nil || !strings.Contains(err.Error(), "not writable") {
		t.Fatalf("expected write to announce characteristic to be rejected, got %v", err)
	}
	if err := alice.WriteCharacteristic(ctx, h, "00000000-0000-0000-0000-000000000000", radio.InboxCharacteristicUUID, payload); !errors.Is(err, radio.ErrServiceNotFound) {
		t.Fatalf("expected ErrServiceNotFound, got %v", err)
	}

	notified := make(chan []byte, 4)
	sub, err := alice.Subscribe(ctx, h, radio.ServiceUUID, radio.AnnounceCharacteristicUUID, func(p []byte) { notified <- p })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	waitForCondition(t, time.Second, func() bool { return subscriberCount(bob) == 1 })

	if err := bob.Announce(ctx, []byte("alert")); err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	select {
	case got := <-notified:
		if string(got) != "alert" {
			t.Fatalf("unexpected notification %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("announcement did not reach alice")
	}

	if err := alice.Disconnect(ctx, "bob"); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("expected subscription to end on disconnect")
	}
	waitForCondition(t, time.Second, func() bool { return subscriberCount(bob) == 0 })

	if err := alice.WriteCharacteristic(ctx, h, radio.ServiceUUID, radio.InboxCharacteristicUUID, payload); !errors.Is(err, radio.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after disconnect, got %v", err)
	}
}

func TestConnectUnknownDevice(t *testing.T) {
	g := newTestGateway(t, &registry{}, "alice", "Alice")
	if _, err := g.Connect(context.Background(), "ghost"); err == nil {
		t.Fatal("expected connect to an unseen device to fail")
	}
}

func TestScanWhileScanningFails(t *testing.T) {
	g := newTestGateway(t, &registry{}, "alice", "Alice")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := g.Scan(ctx, radio.ServiceUUID, func(radio.Sighting) {}, nil); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if err := g.Scan(ctx, radio.ServiceUUID, func(radio.Sighting) {}, nil); !errors.Is(err, radio.ErrScanFailure) {
		t.Fatalf("expected ErrScanFailure, got %v", err)
	}
	_ = g.StopScan()
	if err := g.Scan(ctx, radio.ServiceUUID, func(radio.Sighting) {}, nil); err != nil {
		t.Fatalf("expected scan after StopScan to start, got %v", err)
	}
}

func TestCloseReportsPowerOff(t *testing.T) {
	g := newTestGateway(t, &registry{}, "alice", "Alice")
	if err := g.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	state, err := g.PowerState(context.Background())
	if err != nil || state != radio.PowerOff {
		t.Fatalf("expected PowerOff after Close, got %s (%v)", state, err)
	}
}

func TestParseEntry(t *testing.T) {
	entry := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: "Carol"},
		Port:          9000,
		Text:          []string{"device_id=carol", "service=" + radio.ServiceUUID, "version=1"},
		AddrIPv4:      []net.IP{net.ParseIP("10.0.0.3"), net.ParseIP("10.0.0.3")},
	}

	sighting, ep, ok := parseEntry(entry, "self", strings.ToUpper(radio.ServiceUUID))
	if !ok {
		t.Fatal("expected entry to parse")
	}
	if sighting.DeviceID != "carol" || sighting.Name != "Carol" {
		t.Fatalf("unexpected sighting: %+v", sighting)
	}
	if len(ep.addresses) != 1 || ep.port != 9000 {
		t.Fatalf("expected one deduplicated address, got %+v", ep)
	}

	if _, _, ok := parseEntry(entry, "carol", radio.ServiceUUID); ok {
		t.Fatal("expected own advertisement to be skipped")
	}
	if _, _, ok := parseEntry(entry, "self", "11111111-2222-3333-4444-555555555555"); ok {
		t.Fatal("expected other service to be skipped")
	}
}

func TestFrameLimits(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, make([]byte, MaxFrameSize+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}

	payload, err := encodeFrame(frame{Type: typeWrite, Seq: 3, Payload: []byte{0, 1, 2}})
	if err != nil {
		t.Fatalf("encodeFrame failed: %v", err)
	}
	if err := writeFrame(&buf, payload); err != nil {
		t.Fatalf("writeFrame failed: %v", err)
	}
	read, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame failed: %v", err)
	}
	f, err := decodeFrame(read)
	if err != nil {
		t.Fatalf("decodeFrame failed: %v", err)
	}
	if f.Type != typeWrite || f.Seq != 3 || !bytes.Equal(f.Payload, []byte{0, 1, 2}) {
		t.Fatalf("unexpected frame: %+v", f)
	}

	if _, err := decodeFrame([]byte(`{"seq":1}`)); !errors.Is(err, ErrInvalidFrameType) {
		t.Fatalf("expected ErrInvalidFrameType, got %v", err)
	}
}
