// Package relay drives the proximity relay: it pushes locally created
// messages to every peer found in one scan session and ingests messages
// announced or written by peers.
//
// All radio work (scans, connects, writes, subscribes, announcements) runs
// on a single worker goroutine, so connections to distinct peers are
// strictly sequential. Callers never block on radio work. Inbound writes
// from centrals arrive on the gateway's own goroutines and only touch the
// store.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"alertrelay/discovery"
	"alertrelay/models"
	"alertrelay/network"
	"alertrelay/protocol"
	"alertrelay/radio"
)

const (
	// DefaultListenInterval spaces listen sweeps.
	DefaultListenInterval = 30 * time.Second
	// DefaultIngestRate bounds inbound payloads per peer per second.
	DefaultIngestRate = 5
	// DefaultIngestBurst is the per-peer burst allowance.
	DefaultIngestBurst = 10

	defaultTitle    = "Untitled"
	timestampLayout = "2006-01-02T15:04:05.000Z07:00"
	limiterIdleTTL  = 10 * time.Minute
)

var (
	// ErrEmptyContent is returned for drafts without content.
	ErrEmptyContent = errors.New("relay: message content is required")
	// ErrNotResendable is returned when a message cannot be relayed again.
	ErrNotResendable = errors.New("relay: message cannot be resent")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("relay: shut down")
	// ErrRateLimited is returned when a peer exceeds its ingest rate.
	ErrRateLimited = errors.New("relay: peer rate limited")
)

// Store is the persistence the orchestrator depends on.
type Store interface {
	SaveMessage(message models.Message) (bool, error)
	GetMessage(messageID string) (models.Message, error)
	UpdateStatus(messageID string, status models.Status) error
	GetSettings() (models.Settings, error)
}

// Draft holds the user-entered fields of a new message.
type Draft struct {
	Title    string          `json:"title"`
	Content  string          `json:"content"`
	Priority models.Priority `json:"priority"`
	Location string          `json:"location,omitempty"`
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Gateway     radio.Gateway
	Connections *network.Manager
	Discovery   *discovery.Manager
	Store       Store
	Layout      radio.Layout

	// DeviceName is the sender name used when no nickname is configured.
	DeviceName     string
	ListenInterval time.Duration
	IngestRate     rate.Limit
	IngestBurst    int

	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string
}

type heldPeer struct {
	conn *network.Connection
	sub  radio.Subscription
}

type peerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Relay is the orchestrator. Create it with New, then call Init.
type Relay struct {
	opts Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once

	jobs   chan models.Message
	sweeps chan struct{}

	// ids of messages queued for or undergoing a relay
	inflightMu sync.Mutex
	inflight   map[string]struct{}

	listenMu     sync.Mutex
	listening    bool
	listenCtx    context.Context
	listenCancel context.CancelFunc
	held         map[string]heldPeer

	limiterMu sync.Mutex
	limiters  map[string]*peerLimiter

	advertiseMu sync.Mutex
	advertising bool

	eventsMu     sync.RWMutex
	eventsClosed bool
	events       chan Event
}

// New validates options and creates an orchestrator.
func New(options Options) (*Relay, error) {
	if options.Gateway == nil {
		return nil, errors.New("gateway is required")
	}
	if options.Connections == nil {
		return nil, errors.New("connection manager is required")
	}
	if options.Discovery == nil {
		return nil, errors.New("discovery manager is required")
	}
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	if options.Layout == (radio.Layout{}) {
		options.Layout = radio.DefaultLayout()
	}
	if strings.TrimSpace(options.DeviceName) == "" {
		options.DeviceName = "Unknown"
	}
	if options.ListenInterval <= 0 {
		options.ListenInterval = DefaultListenInterval
	}
	if options.IngestRate <= 0 {
		options.IngestRate = DefaultIngestRate
	}
	if options.IngestBurst <= 0 {
		options.IngestBurst = DefaultIngestBurst
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	if options.NewID == nil {
		options.NewID = uuid.NewString
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		opts:     options,
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(chan models.Message, 32),
		sweeps:   make(chan struct{}, 1),
		held:     make(map[string]heldPeer),
		inflight: make(map[string]struct{}),
		limiters: make(map[string]*peerLimiter),
		events:   make(chan Event, 128),
	}

	r.wg.Add(1)
	go r.loop()
	return r, nil
}

// Init runs the adapter readiness gate and, when the gateway can serve the
// relay profile, starts advertising it. A failed Init may be retried.
func (r *Relay) Init(ctx context.Context) error {
	if r.ctx.Err() != nil {
		return ErrClosed
	}
	if err := r.opts.Connections.Init(ctx); err != nil {
		return err
	}

	if peripheral, ok := r.opts.Gateway.(radio.Peripheral); ok {
		r.advertiseMu.Lock()
		defer r.advertiseMu.Unlock()
		if !r.advertising {
			if err := peripheral.Advertise(ctx, r.opts.Layout, r.opts.DeviceName, r.onInboxWrite); err != nil {
				r.opts.Logger.Warn("advertising relay service failed", "error", err)
			} else {
				r.advertising = true
			}
		}
	}
	return nil
}

// Shutdown stops listening, ends the worker, closes every connection and
// closes the event stream.
func (r *Relay) Shutdown(ctx context.Context) error {
	var shutdownErr error
	r.stopOnce.Do(func() {
		r.StopListening()
		r.cancel()
		r.opts.Discovery.StopScan()

		done := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			shutdownErr = fmt.Errorf("wait for relay worker: %w", ctx.Err())
		}

		r.opts.Connections.CloseAll()

		r.advertiseMu.Lock()
		if r.advertising {
			if peripheral, ok := r.opts.Gateway.(radio.Peripheral); ok {
				_ = peripheral.StopAdvertising()
			}
			r.advertising = false
		}
		r.advertiseMu.Unlock()

		r.eventsMu.Lock()
		r.eventsClosed = true
		close(r.events)
		r.eventsMu.Unlock()
	})
	return shutdownErr
}

// Events streams peerDiscovered, messageReceived and relayCompleted events.
// Events are dropped when the consumer falls behind.
func (r *Relay) Events() <-chan Event {
	return r.events
}

// SendMessage persists a new outgoing message as pending and starts its
// relay. When the adapter is not ready the message stays pending and the
// readiness error is returned; no scan is started.
func (r *Relay) SendMessage(ctx context.Context, draft Draft) (models.Message, error) {
	if r.ctx.Err() != nil {
		return models.Message{}, ErrClosed
	}
	content := strings.TrimSpace(draft.Content)
	if content == "" {
		return models.Message{}, ErrEmptyContent
	}

	settings, err := r.opts.Store.GetSettings()
	if err != nil {
		r.opts.Logger.Warn("read settings for new message", "error", err)
	}

	title := strings.TrimSpace(draft.Title)
	if title == "" {
		title = defaultTitle
	}
	message := models.Message{
		ID:            r.opts.NewID(),
		Title:         title,
		Content:       content,
		Priority:      models.ParsePriority(string(draft.Priority)),
		Location:      strings.TrimSpace(draft.Location),
		Sender:        settings.DisplayName(r.opts.DeviceName),
		Receiver:      models.BroadcastReceiver,
		Timestamp:     r.opts.Now().UTC().Format(timestampLayout),
		Status:        models.StatusPending,
		Role:          models.RoleOutgoing,
		SenderProfile: profileBlob(settings),
	}

	if _, err := r.opts.Store.SaveMessage(message); err != nil {
		return message, fmt.Errorf("persist message: %w", err)
	}
	if stored, err := r.opts.Store.GetMessage(message.ID); err == nil {
		message = stored
	}

	if err := r.ready(ctx); err != nil {
		r.opts.Logger.Warn("message kept pending; radio not ready", "message_id", message.ID, "error", err)
		return message, err
	}

	if err := r.enqueue(ctx, message); err != nil {
		return message, err
	}
	return message, nil
}

// Resend relays a pending or failed outgoing message again. A message whose
// relay is still queued or running is not resendable.
func (r *Relay) Resend(ctx context.Context, messageID string) (models.Message, error) {
	message, err := r.opts.Store.GetMessage(messageID)
	if err != nil {
		return models.Message{}, err
	}
	if message.Role != models.RoleOutgoing || message.Status == models.StatusSent {
		return message, fmt.Errorf("%w: %s message in status %s", ErrNotResendable, message.Role, message.Status)
	}
	if err := r.ready(ctx); err != nil {
		return message, err
	}
	if err := r.enqueue(ctx, message); err != nil {
		return message, err
	}
	return message, nil
}

// Ingest decodes and stores one inbound payload from deviceID. Malformed
// payloads are logged and dropped. It reports whether a new record was
// created.
func (r *Relay) Ingest(deviceID string, payload []byte) (models.Message, bool, error) {
	if !r.allow(deviceID) {
		r.opts.Logger.Warn("dropping payload from rate limited peer", "device_id", deviceID)
		return models.Message{}, false, ErrRateLimited
	}

	message, err := protocol.Decode(payload)
	if err != nil {
		r.opts.Logger.Warn("dropping malformed payload", "device_id", deviceID, "bytes", len(payload), "error", err)
		return models.Message{}, false, err
	}

	created, err := r.opts.Store.SaveMessage(message)
	if err != nil {
		r.opts.Logger.Error("store inbound message", "device_id", deviceID, "message_id", message.ID, "error", err)
		return message, false, err
	}
	if !created {
		r.opts.Logger.Debug("duplicate message ignored", "device_id", deviceID, "message_id", message.ID)
		return message, false, nil
	}

	if stored, err := r.opts.Store.GetMessage(message.ID); err == nil {
		message = stored
	}
	r.opts.Logger.Info("message received", "device_id", deviceID, "message_id", message.ID, "priority", message.Priority)
	r.emit(Event{Type: EventMessageReceived, Message: &message})
	return message, true, nil
}

// Snapshot describes the orchestrator's current radio activity.
type Snapshot struct {
	Ready       bool          `json:"ready"`
	ReadyError  string        `json:"ready_error,omitempty"`
	Advertising bool          `json:"advertising"`
	Listening   bool          `json:"listening"`
	Scanning    bool          `json:"scanning"`
	HeldPeers   []string      `json:"held_peers"`
	LastPeers   []models.Peer `json:"last_peers"`
}

// Snapshot reports readiness and radio activity.
func (r *Relay) Snapshot(ctx context.Context) Snapshot {
	snapshot := Snapshot{
		Scanning:  r.opts.Discovery.Scanning(),
		LastPeers: r.opts.Discovery.LastPeers(),
		HeldPeers: make([]string, 0),
	}
	if err := r.opts.Connections.Ready(ctx); err != nil {
		snapshot.ReadyError = err.Error()
	} else {
		snapshot.Ready = true
	}

	r.advertiseMu.Lock()
	snapshot.Advertising = r.advertising
	r.advertiseMu.Unlock()

	r.listenMu.Lock()
	snapshot.Listening = r.listening
	for id := range r.held {
		snapshot.HeldPeers = append(snapshot.HeldPeers, id)
	}
	r.listenMu.Unlock()
	return snapshot
}

// ready checks the adapter gate, retrying Init when an earlier attempt failed.
func (r *Relay) ready(ctx context.Context) error {
	if err := r.opts.Connections.Ready(ctx); err == nil {
		return nil
	}
	if err := r.Init(ctx); err != nil {
		return err
	}
	return r.opts.Connections.Ready(ctx)
}

func (r *Relay) loop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case message := <-r.jobs:
			r.relay(r.ctx, message)
		case <-r.sweeps:
			if ctx := r.currentListenContext(); ctx != nil {
				r.sweep(ctx)
			}
		}
	}
}

func (r *Relay) enqueue(ctx context.Context, message models.Message) error {
	if r.ctx.Err() != nil {
		return ErrClosed
	}

	r.inflightMu.Lock()
	if _, busy := r.inflight[message.ID]; busy {
		r.inflightMu.Unlock()
		return fmt.Errorf("%w: relay already in progress", ErrNotResendable)
	}
	r.inflight[message.ID] = struct{}{}
	r.inflightMu.Unlock()

	select {
	case r.jobs <- message:
		return nil
	case <-ctx.Done():
		r.release(message.ID)
		return ctx.Err()
	case <-r.ctx.Done():
		r.release(message.ID)
		return ErrClosed
	}
}

func (r *Relay) release(messageID string) {
	r.inflightMu.Lock()
	delete(r.inflight, messageID)
	r.inflightMu.Unlock()
}

// scan runs one discovery session and returns its peers. Peers found before
// an adapter scan error are still returned.
func (r *Relay) scan(ctx context.Context) ([]models.Peer, error) {
	session, err := r.opts.Discovery.StartScan(ctx, r.opts.Layout.Service, func(peer models.Peer) {
		r.emit(Event{Type: EventPeerDiscovered, Peer: &peer})
	}, nil)
	if err != nil {
		return nil, err
	}

	result, err := session.Wait(ctx)
	if err != nil {
		session.Stop()
		result = session.Result()
		return result.Peers, err
	}
	return result.Peers, result.Err
}

func (r *Relay) emit(event Event) {
	r.eventsMu.RLock()
	defer r.eventsMu.RUnlock()
	if r.eventsClosed {
		return
	}
	select {
	case r.events <- event:
	default:
		r.opts.Logger.Debug("event dropped; consumer is behind", "type", event.Type)
	}
}

func (r *Relay) onInboxWrite(deviceID string, payload []byte) {
	_, _, _ = r.Ingest(deviceID, payload)
}

func (r *Relay) notifyHandler(deviceID string) func([]byte) {
	return func(payload []byte) {
		_, _, _ = r.Ingest(deviceID, payload)
	}
}

func (r *Relay) allow(deviceID string) bool {
	r.limiterMu.Lock()
	defer r.limiterMu.Unlock()

	now := r.opts.Now()
	entry, ok := r.limiters[deviceID]
	if !ok {
		entry = &peerLimiter{limiter: rate.NewLimiter(r.opts.IngestRate, r.opts.IngestBurst)}
		r.limiters[deviceID] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}

func (r *Relay) pruneLimiters() {
	r.limiterMu.Lock()
	defer r.limiterMu.Unlock()

	cutoff := r.opts.Now().Add(-limiterIdleTTL)
	for id, entry := range r.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(r.limiters, id)
		}
	}
}

func profileBlob(settings models.Settings) json.RawMessage {
	if settings.Profile.IsZero() && strings.TrimSpace(settings.Nickname) == "" {
		return nil
	}
	blob, err := json.Marshal(struct {
		Nickname string `json:"nickname,omitempty"`
		models.UserProfile
	}{
		Nickname:    strings.TrimSpace(settings.Nickname),
		UserProfile: settings.Profile,
	})
	if err != nil {
		return nil
	}
	return blob
}
