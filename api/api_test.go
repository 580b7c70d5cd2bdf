package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alertrelay/discovery"
	"alertrelay/models"
	"alertrelay/network"
	"alertrelay/radio"
	"alertrelay/radio/fake"
	"alertrelay/relay"
	"alertrelay/storage"
)

type envelope struct {
	Result  string          `json:"result"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type apiRig struct {
	gateway *fake.Gateway
	store   *storage.Store
	relay   *relay.Relay
	hub     *Hub
	server  *Server
}

func newAPIRig(t *testing.T, gateway *fake.Gateway, cfg Config) *apiRig {
	t.Helper()

	store, err := storage.OpenPath(filepath.Join(t.TempDir(), storage.DefaultDBFileName))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	connections, err := network.NewManager(network.ManagerOptions{
		Gateway:        gateway,
		ConnectTimeout: time.Second,
		WriteTimeout:   time.Second,
	})
	require.NoError(t, err)

	r, err := relay.New(relay.Options{
		Gateway:        gateway,
		Connections:    connections,
		Discovery:      discovery.NewManager(gateway, connections, discovery.Config{Window: 50 * time.Millisecond}),
		Store:          store,
		DeviceName:     "Test Device",
		ListenInterval: 40 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})

	hub := NewHub(nil)
	server, err := NewServer(cfg, r, store, hub)
	require.NoError(t, err)

	return &apiRig{gateway: gateway, store: store, relay: r, hub: hub, server: server}
}

func (rig *apiRig) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "127.0.0.1:50000"
	rec := httptest.NewRecorder()
	rig.server.Handler().ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), "body: %s", rec.Body.String())
	return rec, env
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func saveIncoming(t *testing.T, store *storage.Store, id, content string) {
	t.Helper()
	_, err := store.SaveMessage(models.Message{
		ID:        id,
		Title:     "Alert",
		Content:   content,
		Priority:  models.PriorityHigh,
		Sender:    "Peer",
		Receiver:  models.BroadcastReceiver,
		Timestamp: "2024-05-01T10:00:00.000Z",
		Status:    models.StatusReceived,
		Role:      models.RoleIncoming,
	})
	require.NoError(t, err)
}

func saveOutgoing(t *testing.T, store *storage.Store, id string, status models.Status) {
	t.Helper()
	_, err := store.SaveMessage(models.Message{
		ID:        id,
		Title:     "Mine",
		Content:   "Local alert",
		Priority:  models.PriorityMedium,
		Sender:    "Me",
		Receiver:  models.BroadcastReceiver,
		Timestamp: "2024-05-01T10:00:00.000Z",
		Status:    status,
		Role:      models.RoleOutgoing,
	})
	require.NoError(t, err)
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

func TestSendMessageAcceptedAndRelayed(t *testing.T) {
	gateway := fake.NewGateway()
	gateway.AddSighting(radio.Sighting{DeviceID: "peer-a", Name: "Peer A"})
	rig := newAPIRig(t, gateway, Config{})
	require.NoError(t, rig.relay.Init(context.Background()))

	rec, env := rig.do(t, http.MethodPost, "/api/messages", relay.Draft{Title: "Fall", Content: "Need help", Priority: models.PriorityHigh})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "ok", env.Result)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))

	message := decodeData[models.Message](t, env)
	assert.NotEmpty(t, message.ID)
	assert.Equal(t, models.RoleOutgoing, message.Role)
	assert.Equal(t, models.BroadcastReceiver, message.Receiver)

	waitForCondition(t, 2*time.Second, func() bool {
		stored, err := rig.store.GetMessage(message.ID)
		return err == nil && stored.Status == models.StatusSent
	})
}

func TestSendMessageWithAdapterOffReturnsPendingMessage(t *testing.T) {
	gateway := fake.NewGateway()
	gateway.SetPower(radio.PowerOff)
	rig := newAPIRig(t, gateway, Config{})

	rec, env := rig.do(t, http.MethodPost, "/api/messages", relay.Draft{Content: "Need help"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "error", env.Result)
	assert.Equal(t, CodeAdapterNotReady, env.Code)

	message := decodeData[models.Message](t, env)
	require.NotEmpty(t, message.ID)
	stored, err := rig.store.GetMessage(message.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Equal(t, "Untitled", stored.Title)
}

func TestSendMessageWithoutPermission(t *testing.T) {
	gateway := fake.NewGateway()
	gateway.SetPermission(false)
	rig := newAPIRig(t, gateway, Config{})

	rec, env := rig.do(t, http.MethodPost, "/api/messages", relay.Draft{Content: "Need help"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, CodePermissionDenied, env.Code)
}

func TestSendMessageRejectsInvalidBody(t *testing.T) {
	rig := newAPIRig(t, fake.NewGateway(), Config{})

	rec, env := rig.do(t, http.MethodPost, "/api/messages", relay.Draft{Title: "Only title", Content: "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeInvalidRequest, env.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader("{not json"))
	recorder := httptest.NewRecorder()
	rig.server.Handler().ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	total, err := rig.store.CountMessages(storage.MessageFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestSendMessageRateLimited(t *testing.T) {
	gateway := fake.NewGateway()
	gateway.SetPower(radio.PowerOff)
	rig := newAPIRig(t, gateway, Config{ComposeRequests: 2, ComposeWindow: time.Hour})

	for i := 0; i < 2; i++ {
		rec, _ := rig.do(t, http.MethodPost, "/api/messages", relay.Draft{Content: "Need help"})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	}
	rec, env := rig.do(t, http.MethodPost, "/api/messages", relay.Draft{Content: "Need help"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, CodeRateLimited, env.Code)

	rec, _ = rig.do(t, http.MethodGet, "/api/messages", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "reads are not rate limited")
}

func TestListMessagesFiltersAndSanitizes(t *testing.T) {
	rig := newAPIRig(t, fake.NewGateway(), Config{})
	saveIncoming(t, rig.store, "in-1", `<script>alert(1)</script>Need <b>help</b>`)
	saveOutgoing(t, rig.store, "out-1", models.StatusPending)

	rec, env := rig.do(t, http.MethodGet, "/api/messages?role=incoming&status=new", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeData[messageList](t, env)
	require.Len(t, list.Messages, 1)
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, "in-1", list.Messages[0].ID)
	assert.NotContains(t, list.Messages[0].Content, "<script>")
	assert.Contains(t, list.Messages[0].Content, "help")

	rec, env = rig.do(t, http.MethodGet, "/api/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decodeData[messageList](t, env).Total)

	rec, env = rig.do(t, http.MethodGet, "/api/messages?role=outgoing&status=read", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeInvalidRequest, env.Code)

	rec, _ = rig.do(t, http.MethodGet, "/api/messages?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetMarkReadAndDeleteMessage(t *testing.T) {
	rig := newAPIRig(t, fake.NewGateway(), Config{})
	saveIncoming(t, rig.store, "in-1", "Need help")
	saveOutgoing(t, rig.store, "out-1", models.StatusSent)

	rec, env := rig.do(t, http.MethodPost, "/api/messages/in-1/read", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StatusRead, decodeData[models.Message](t, env).Status)

	rec, env = rig.do(t, http.MethodPost, "/api/messages/out-1/read", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeInvalidTransition, env.Code)

	rec, _ = rig.do(t, http.MethodDelete, "/api/messages/in-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env = rig.do(t, http.MethodGet, "/api/messages/in-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, env.Code)

	rec, _ = rig.do(t, http.MethodDelete, "/api/messages/in-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResendRules(t *testing.T) {
	gateway := fake.NewGateway()
	gateway.AddSighting(radio.Sighting{DeviceID: "peer-a"})
	rig := newAPIRig(t, gateway, Config{})
	require.NoError(t, rig.relay.Init(context.Background()))
	saveOutgoing(t, rig.store, "sent-1", models.StatusSent)
	saveOutgoing(t, rig.store, "failed-1", models.StatusError)
	saveIncoming(t, rig.store, "in-1", "Need help")

	rec, env := rig.do(t, http.MethodPost, "/api/messages/sent-1/resend", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeNotResendable, env.Code)

	rec, _ = rig.do(t, http.MethodPost, "/api/messages/in-1/resend", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = rig.do(t, http.MethodPost, "/api/messages/missing/resend", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = rig.do(t, http.MethodPost, "/api/messages/failed-1/resend", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	waitForCondition(t, 2*time.Second, func() bool {
		stored, err := rig.store.GetMessage("failed-1")
		return err == nil && stored.Status == models.StatusSent
	})
}

func TestSettingsAndClearAll(t *testing.T) {
	rig := newAPIRig(t, fake.NewGateway(), Config{})
	saveIncoming(t, rig.store, "in-1", "Need help")

	settings := models.Settings{Nickname: "Ana", Profile: models.UserProfile{BloodType: "O+"}}
	rec, env := rig.do(t, http.MethodPut, "/api/settings", settings)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, settings, decodeData[models.Settings](t, env))

	rec, env = rig.do(t, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Ana", decodeData[models.Settings](t, env).Nickname)

	rec, _ = rig.do(t, http.MethodDelete, "/api/data", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := rig.store.GetSettings()
	require.NoError(t, err)
	assert.Equal(t, models.Settings{}, got)
	total, err := rig.store.CountMessages(storage.MessageFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestStatusAndListenToggle(t *testing.T) {
	gateway := fake.NewGateway()
	gateway.AddSighting(radio.Sighting{DeviceID: "peer-a", Name: "<i>Peer</i>"})
	rig := newAPIRig(t, gateway, Config{})
	saveOutgoing(t, rig.store, "out-1", models.StatusPending)
	saveIncoming(t, rig.store, "in-1", "Need help")

	rec, env := rig.do(t, http.MethodPost, "/api/listen", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]bool{"listening": true}, decodeData[map[string]bool](t, env))

	waitForCondition(t, 2*time.Second, func() bool { return gateway.Subscriptions("peer-a") == 1 })

	rec, env = rig.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeData[statusView](t, env)
	assert.True(t, status.Ready)
	assert.True(t, status.Listening)
	assert.Equal(t, 1, status.PendingCount)
	assert.Equal(t, 1, status.UnreadCount)
	require.NotEmpty(t, status.LastPeers)
	assert.Equal(t, "Peer", status.LastPeers[0].DisplayName)

	rec, _ = rig.do(t, http.MethodDelete, "/api/listen", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	waitForCondition(t, time.Second, func() bool { return gateway.Subscriptions("peer-a") == 0 })

	_, env = rig.do(t, http.MethodGet, "/api/status", nil)
	assert.False(t, decodeData[statusView](t, env).Listening)
}

func TestStartListeningWithAdapterOff(t *testing.T) {
	gateway := fake.NewGateway()
	gateway.SetPower(radio.PowerOff)
	rig := newAPIRig(t, gateway, Config{})

	rec, env := rig.do(t, http.MethodPost, "/api/listen", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, CodeAdapterNotReady, env.Code)
}

func TestUnknownRoute(t *testing.T) {
	rig := newAPIRig(t, fake.NewGateway(), Config{})
	rec, env := rig.do(t, http.MethodGet, "/api/nothing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, env.Code)
}

func TestEventStreamDeliversSanitizedMessages(t *testing.T) {
	rig := newAPIRig(t, fake.NewGateway(), Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rig.hub.Run(ctx, rig.relay.Events())

	srv := httptest.NewServer(rig.server.Handler())
	defer srv.Close()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dialCancel()
	conn, _, err := websocket.Dial(dialCtx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/events", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	waitForCondition(t, time.Second, func() bool { return rig.hub.ClientCount() == 1 })

	payload := []byte(`{"id":"m-1","title":"<b>Fall</b>","content":"<img src=x onerror=alert(1)>Help","timestamp":"2024-05-01T10:00:00.000Z","sender":"Bob","priority":"high"}`)
	_, created, err := rig.relay.Ingest("peer-b", payload)
	require.NoError(t, err)
	require.True(t, created)

	readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readCancel()
	_, raw, err := conn.Read(readCtx)
	require.NoError(t, err)

	var event relay.Event
	require.NoError(t, json.Unmarshal(raw, &event))
	assert.Equal(t, relay.EventMessageReceived, event.Type)
	require.NotNil(t, event.Message)
	assert.Equal(t, "m-1", event.Message.ID)
	assert.Equal(t, "Fall", event.Message.Title)
	assert.Equal(t, "Help", event.Message.Content)

	cancel()
	waitForCondition(t, time.Second, func() bool { return rig.hub.ClientCount() == 0 })
	_, _, err = conn.Read(readCtx)
	assert.Error(t, err, "hub shutdown closes client sockets")
}
