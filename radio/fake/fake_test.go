package fake

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"alertrelay/radio"
)

func TestAirDeliversWritesAndAnnouncements(t *testing.T) {
	air := NewAir()
	alice := air.Join("alice", "Alice")
	bob := air.Join("bob", "Bob")

	var (
		mu       sync.Mutex
		inbox    [][]byte
		notified [][]byte
	)
	if err := bob.Advertise(context.Background(), radio.DefaultLayout(), "Bob", func(from string, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		if from != "alice" {
			t.Errorf("unexpected writer: %q", from)
		}
		inbox = append(inbox, payload)
	}); err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}

	found := make(chan radio.Sighting, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := alice.Scan(ctx, radio.ServiceUUID, func(s radio.Sighting) { found <- s }, func(error) {}); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	select {
	case s := <-found:
		if s.DeviceID != "bob" || s.Name != "Bob" {
			t.Fatalf("unexpected sighting: %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for sighting")
	}
	_ = alice.StopScan()

	h, err := alice.Connect(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if _, err := alice.Subscribe(context.Background(), h, radio.ServiceUUID, radio.AnnounceCharacteristicUUID, func(p []byte) {
		mu.Lock()
		notified = append(notified, p)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := alice.WriteCharacteristic(context.Background(), h, radio.ServiceUUID, radio.InboxCharacteristicUUID, []byte("hello")); err != nil {
		t.Fatalf("WriteCharacteristic failed: %v", err)
	}
	if err := bob.Announce(context.Background(), []byte("news")); err != nil {
		t.Fatalf("Announce failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(inbox) != 1 || string(inbox[0]) != "hello" {
		t.Fatalf("unexpected inbox: %q", inbox)
	}
	if len(notified) != 1 || string(notified[0]) != "news" {
		t.Fatalf("unexpected notifications: %q", notified)
	}
}

func TestDisconnectEndsSubscriptions(t *testing.T) {
	g := NewGateway()
	g.AddSighting(radio.Sighting{DeviceID: "peer"})

	h, err := g.Connect(context.Background(), "peer")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	sub, err := g.Subscribe(context.Background(), h, radio.ServiceUUID, radio.AnnounceCharacteristicUUID, func([]byte) {})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := g.Disconnect(context.Background(), "peer"); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	select {
	case <-sub.Done():
	default:
		t.Fatalf("expected subscription to end on disconnect")
	}
	if err := g.WriteCharacteristic(context.Background(), h, radio.ServiceUUID, radio.InboxCharacteristicUUID, nil); !errors.Is(err, radio.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after disconnect, got %v", err)
	}
}

func TestScanReportsScriptedError(t *testing.T) {
	g := NewGateway()
	g.SetScanError(errors.New("scan aborted"))

	errs := make(chan error, 1)
	if err := g.Scan(context.Background(), radio.ServiceUUID, func(radio.Sighting) {}, func(err error) { errs <- err }); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	select {
	case err := <-errs:
		if err == nil || err.Error() != "scan aborted" {
			t.Fatalf("unexpected scan error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for scan error")
	}
}

func TestScanSlotIsFreeOnceStopScanReturns(t *testing.T) {
	g := NewGateway()
	g.AddSighting(radio.Sighting{DeviceID: "peer-a"})

	for round := 0; round < 100; round++ {
		if err := g.Scan(context.Background(), radio.ServiceUUID, func(radio.Sighting) {}, func(error) {}); err != nil {
			t.Fatalf("round %d: Scan failed: %v", round, err)
		}
		if err := g.StopScan(); err != nil {
			t.Fatalf("round %d: StopScan failed: %v", round, err)
		}
	}
	if err := g.StopScan(); err != nil {
		t.Fatalf("StopScan on idle gateway failed: %v", err)
	}
	if g.ScanCount() != 100 {
		t.Fatalf("expected 100 scans, got %d", g.ScanCount())
	}
}

func TestScanWhileScanningFails(t *testing.T) {
	g := NewGateway()
	if err := g.Scan(context.Background(), radio.ServiceUUID, func(radio.Sighting) {}, func(error) {}); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	defer g.StopScan()

	err := g.Scan(context.Background(), radio.ServiceUUID, func(radio.Sighting) {}, func(error) {})
	if !errors.Is(err, radio.ErrScanFailure) {
		t.Fatalf("expected ErrScanFailure for overlapping scan, got %v", err)
	}
}

func TestDeviceWriteLimitOverridesDefault(t *testing.T) {
	g := NewGateway()
	g.AddSighting(radio.Sighting{DeviceID: "peer-a"})
	g.AddSighting(radio.Sighting{DeviceID: "peer-b"})
	g.SetDeviceMaxWriteSize("peer-a", 20)

	ctx := context.Background()
	a, err := g.Connect(ctx, "peer-a")
	if err != nil {
		t.Fatalf("Connect peer-a failed: %v", err)
	}
	b, err := g.Connect(ctx, "peer-b")
	if err != nil {
		t.Fatalf("Connect peer-b failed: %v", err)
	}
	if got := g.MaxWriteSize(a); got != 20 {
		t.Fatalf("expected peer-a limit 20, got %d", got)
	}
	if got := g.MaxWriteSize(b); got != radio.DefaultMaxWriteSize {
		t.Fatalf("expected peer-b default limit, got %d", got)
	}
}
