package network

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"alertrelay/radio"
	"alertrelay/radio/fake"
)

func newTestManager(t *testing.T, gateway radio.Gateway) *Manager {
	t.Helper()

	manager, err := NewManager(ManagerOptions{Gateway: gateway})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if err := manager.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return manager
}

func gatewayWithPeers(ids ...string) *fake.Gateway {
	gateway := fake.NewGateway()
	for _, id := range ids {
		gateway.AddSighting(radio.Sighting{DeviceID: id})
	}
	return gateway
}

func TestInitGate(t *testing.T) {
	gateway := fake.NewGateway()
	manager, err := NewManager(ManagerOptions{Gateway: gateway})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	if err := manager.Ready(context.Background()); !errors.Is(err, radio.ErrAdapterNotReady) {
		t.Fatalf("expected ErrAdapterNotReady before Init, got %v", err)
	}

	gateway.SetPermission(false)
	if err := manager.Init(context.Background()); !errors.Is(err, radio.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if err := manager.Ready(context.Background()); !errors.Is(err, radio.ErrPermissionDenied) {
		t.Fatalf("expected Ready to report the init failure, got %v", err)
	}

	gateway.SetPermission(true)
	gateway.SetPower(radio.PowerOff)
	if err := manager.Init(context.Background()); !errors.Is(err, radio.ErrAdapterNotReady) {
		t.Fatalf("expected ErrAdapterNotReady, got %v", err)
	}

	gateway.SetPower(radio.PowerOn)
	if err := manager.Init(context.Background()); err != nil {
		t.Fatalf("expected Init to succeed once powered, got %v", err)
	}
	if err := manager.Ready(context.Background()); err != nil {
		t.Fatalf("Ready failed: %v", err)
	}

	gateway.SetPower(radio.PowerUnknown)
	if err := manager.Ready(context.Background()); !errors.Is(err, radio.ErrAdapterNotReady) {
		t.Fatalf("expected ErrAdapterNotReady after power loss, got %v", err)
	}
	if _, err := manager.Connect(context.Background(), "peer"); !errors.Is(err, radio.ErrAdapterNotReady) {
		t.Fatalf("expected Connect to refuse while not ready, got %v", err)
	}
}

func TestConnectFailureLeavesNoHalfOpenLink(t *testing.T) {
	gateway := gatewayWithPeers("refuses", "no-service")
	gateway.FailConnect("refuses", errors.New("page timeout"))
	gateway.FailResolve("no-service", radio.ErrServiceNotFound)
	manager := newTestManager(t, gateway)

	for _, id := range []string{"refuses", "no-service"} {
		conn, err := manager.Connect(context.Background(), id)
		if !errors.Is(err, radio.ErrConnectFailure) {
			t.Fatalf("%s: expected ErrConnectFailure, got %v", id, err)
		}
		if conn != nil {
			t.Fatalf("%s: expected no connection", id)
		}
		if _, ok := manager.Connected(id); ok {
			t.Fatalf("%s: expected no registered connection", id)
		}
	}

	if _, err := manager.Connect(context.Background(), "no-service"); !errors.Is(err, radio.ErrServiceNotFound) {
		t.Fatalf("expected resolve cause to be preserved, got %v", err)
	}
	if gateway.OpenConnections() != 0 {
		t.Fatalf("expected no open links, got %d", gateway.OpenConnections())
	}
	disconnects := strings.Join(gateway.Disconnects(), ",")
	if !strings.Contains(disconnects, "refuses") || !strings.Contains(disconnects, "no-service") {
		t.Fatalf("expected teardown for both failures, got %q", disconnects)
	}
}

func TestWithConnectionAlwaysDisconnects(t *testing.T) {
	gateway := gatewayWithPeers("peer")
	manager := newTestManager(t, gateway)

	fnErr := errors.New("boom")
	if err := manager.WithConnection(context.Background(), "peer", func(conn *Connection) error {
		if conn.State() != StateReady {
			t.Fatalf("expected ready connection, got %s", conn.State())
		}
		return fnErr
	}); !errors.Is(err, fnErr) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if gateway.OpenConnections() != 0 {
		t.Fatalf("expected link closed after error")
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected panic to propagate")
			}
		}()
		_ = manager.WithConnection(context.Background(), "peer", func(*Connection) error {
			panic("write exploded")
		})
	}()
	if gateway.OpenConnections() != 0 {
		t.Fatalf("expected link closed after panic")
	}
	if len(gateway.Disconnects()) != 2 {
		t.Fatalf("expected two disconnects, got %v", gateway.Disconnects())
	}
}

func TestConnectionWrite(t *testing.T) {
	gateway := gatewayWithPeers("peer", "flaky")
	gateway.SetMaxWriteSize(16)
	gateway.FailWrite("flaky", errors.New("att error 0x0e"))
	manager := newTestManager(t, gateway)

	conn, err := manager.Connect(context.Background(), "peer")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if conn.MaxWriteSize() != 16 {
		t.Fatalf("unexpected max write size: %d", conn.MaxWriteSize())
	}
	if err := conn.Write(context.Background(), radio.ServiceUUID, radio.InboxCharacteristicUUID, []byte("short")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	err = conn.Write(context.Background(), radio.ServiceUUID, radio.InboxCharacteristicUUID, []byte(strings.Repeat("x", 17)))
	if !errors.Is(err, radio.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if _, err := manager.Connect(context.Background(), "peer"); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := conn.Write(context.Background(), radio.ServiceUUID, radio.InboxCharacteristicUUID, []byte("late")); !errors.Is(err, radio.ErrWriteFailure) {
		t.Fatalf("expected ErrWriteFailure after close, got %v", err)
	}
	if conn.State() != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", conn.State())
	}

	err = manager.WithConnection(context.Background(), "flaky", func(conn *Connection) error {
		return conn.Write(context.Background(), radio.ServiceUUID, radio.InboxCharacteristicUUID, []byte("x"))
	})
	if !errors.Is(err, radio.ErrWriteFailure) {
		t.Fatalf("expected ErrWriteFailure, got %v", err)
	}

	if writes := gateway.Writes(); len(writes) != 2 || writes[0].DeviceID != "peer" {
		t.Fatalf("unexpected recorded writes: %+v", writes)
	}
}

func TestConfiguredWriteLimitCapsGatewayLimit(t *testing.T) {
	gateway := gatewayWithPeers("peer")
	manager, err := NewManager(ManagerOptions{Gateway: gateway, MaxWriteSize: 100})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if err := manager.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	conn, err := manager.Connect(context.Background(), "peer")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer conn.Close()
	if conn.MaxWriteSize() != 100 {
		t.Fatalf("expected configured cap, got %d", conn.MaxWriteSize())
	}
}

func TestCloseCancelsSubscriptions(t *testing.T) {
	gateway := gatewayWithPeers("peer")
	manager := newTestManager(t, gateway)

	conn, err := manager.Connect(context.Background(), "peer")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	sub, err := conn.Subscribe(context.Background(), radio.ServiceUUID, radio.AnnounceCharacteristicUUID, func([]byte) {})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	manager.CloseAll()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected subscription to end")
	}
	select {
	case <-conn.Done():
	default:
		t.Fatalf("expected connection done")
	}
	if _, err := conn.Subscribe(context.Background(), radio.ServiceUUID, radio.AnnounceCharacteristicUUID, func([]byte) {}); !errors.Is(err, radio.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

type slowGateway struct {
	*fake.Gateway

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (g *slowGateway) Connect(ctx context.Context, deviceID string) (radio.Handle, error) {
	current := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		peak := g.maxInFlight.Load()
		if current <= peak || g.maxInFlight.CompareAndSwap(peak, current) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return g.Gateway.Connect(ctx, deviceID)
}

func TestConnectAttemptsAreSequential(t *testing.T) {
	gateway := &slowGateway{Gateway: gatewayWithPeers("a", "b", "c")}
	manager := newTestManager(t, gateway)

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := manager.WithConnection(context.Background(), id, func(*Connection) error { return nil }); err != nil {
				t.Errorf("WithConnection %s failed: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	if peak := gateway.maxInFlight.Load(); peak != 1 {
		t.Fatalf("expected one in-flight connection attempt, got %d", peak)
	}
}
