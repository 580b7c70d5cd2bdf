package lanradio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"alertrelay/radio"
)

type peripheral struct {
	advMu    sync.Mutex
	listener net.Listener
	mdns     *broadcaster
	layout   radio.Layout
	onWrite  radio.InboundWrite

	inboundMu sync.Mutex
	inbound   map[*inboundConn]struct{}

	wg sync.WaitGroup
}

type inboundConn struct {
	conn     net.Conn
	deviceID string

	writeMu    sync.Mutex
	subMu      sync.Mutex
	subscribed map[string]bool
}

func (c *inboundConn) send(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return sendFrame(c.conn, f)
}

func (c *inboundConn) setSubscribed(charUUID string, on bool) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if on {
		c.subscribed[charUUID] = true
		return
	}
	delete(c.subscribed, charUUID)
}

func (c *inboundConn) isSubscribed(charUUID string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for uuid := range c.subscribed {
		if radio.SameUUID(uuid, charUUID) {
			return true
		}
	}
	return false
}

// Advertise implements radio.Peripheral: it starts the TCP listener and
// registers the relay service via mDNS. Calling it again only swaps the
// write handler.
func (g *Gateway) Advertise(ctx context.Context, layout radio.Layout, name string, onWrite radio.InboundWrite) error {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return radio.ErrAdapterNotReady
	}
	if name == "" {
		name = g.cfg.DeviceName
	}
	if name == "" {
		name = g.cfg.SelfDeviceID
	}

	g.advMu.Lock()
	defer g.advMu.Unlock()

	g.layout = layout
	g.onWrite = onWrite
	if g.listener != nil {
		return nil
	}

	listener, err := net.Listen("tcp", g.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", g.cfg.ListenAddress, err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	mdns, err := startBroadcaster(g.cfg, layout, name, port)
	if err != nil {
		_ = listener.Close()
		return err
	}

	g.listener = listener
	g.mdns = mdns
	g.wg.Add(1)
	go g.acceptLoop(listener)

	g.cfg.Logger.Info("advertising relay service", "address", listener.Addr().String(), "mdns_service", g.cfg.Service)
	return nil
}

// Addr returns the listening address, or nil when not advertising.
func (g *Gateway) Addr() net.Addr {
	g.advMu.Lock()
	defer g.advMu.Unlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Announce implements radio.Peripheral by notifying every link subscribed
// to the announce characteristic.
func (g *Gateway) Announce(ctx context.Context, payload []byte) error {
	g.advMu.Lock()
	layout := g.layout
	advertising := g.listener != nil
	g.advMu.Unlock()
	if !advertising {
		return errors.New("lanradio: not advertising")
	}

	g.inboundMu.Lock()
	targets := make([]*inboundConn, 0, len(g.inbound))
	for c := range g.inbound {
		if c.isSubscribed(layout.Announce) {
			targets = append(targets, c)
		}
	}
	g.inboundMu.Unlock()

	var errs []error
	for _, c := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.send(frame{
			Type:           typeNotify,
			Service:        layout.Service,
			Characteristic: layout.Announce,
			Payload:        payload,
		}); err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", c.deviceID, err))
		}
	}
	return errors.Join(errs...)
}

// StopAdvertising implements radio.Peripheral.
func (g *Gateway) StopAdvertising() error {
	g.advMu.Lock()
	listener := g.listener
	mdns := g.mdns
	g.listener = nil
	g.mdns = nil
	g.onWrite = nil
	g.advMu.Unlock()

	if listener == nil {
		return nil
	}
	mdns.stop()
	closeErr := listener.Close()

	g.inboundMu.Lock()
	for c := range g.inbound {
		_ = c.conn.Close()
	}
	g.inboundMu.Unlock()

	g.wg.Wait()
	return closeErr
}

func (g *Gateway) acceptLoop(listener net.Listener) {
	defer g.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			g.cfg.Logger.Warn("accept connection", "error", err)
			continue
		}

		g.wg.Add(1)
		go g.handleInbound(conn)
	}
}

func (g *Gateway) handleInbound(conn net.Conn) {
	defer g.wg.Done()
	defer conn.Close()

	hello, err := readFrameWithTimeout(conn, g.cfg.DialTimeout)
	if err != nil || hello.Type != typeHello || hello.DeviceID == "" {
		g.cfg.Logger.Debug("rejecting link without hello", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	if err := sendFrame(conn, frame{Type: typeHello, DeviceID: g.cfg.SelfDeviceID, Name: g.cfg.DeviceName}); err != nil {
		return
	}

	c := &inboundConn{conn: conn, deviceID: hello.DeviceID, subscribed: make(map[string]bool)}
	g.inboundMu.Lock()
	g.inbound[c] = struct{}{}
	g.inboundMu.Unlock()
	defer func() {
		g.inboundMu.Lock()
		delete(g.inbound, c)
		g.inboundMu.Unlock()
	}()

	g.advMu.Lock()
	stopped := g.listener == nil
	g.advMu.Unlock()
	if stopped {
		return
	}

	for {
		payload, err := readFrame(conn)
		if err != nil {
			return
		}
		req, err := decodeFrame(payload)
		if err != nil {
			_ = c.send(frame{Type: typeError, Error: err.Error()})
			continue
		}
		if err := c.send(g.serve(c, req)); err != nil {
			return
		}
	}
}

func (g *Gateway) serve(c *inboundConn, req frame) frame {
	g.advMu.Lock()
	layout := g.layout
	onWrite := g.onWrite
	g.advMu.Unlock()

	reject := func(format string, args ...any) frame {
		return frame{Type: typeError, Seq: req.Seq, Error: fmt.Sprintf(format, args...)}
	}

	switch req.Type {
	case typeResolve:
		return frame{Type: typeServices, Seq: req.Seq, Services: []string{layout.Service}}
	case typeWrite:
		if !radio.SameUUID(req.Service, layout.Service) || !radio.SameUUID(req.Characteristic, layout.Inbox) {
			return reject("characteristic %s is not writable", req.Characteristic)
		}
		if onWrite != nil {
			onWrite(c.deviceID, append([]byte(nil), req.Payload...))
		}
		return frame{Type: typeAck, Seq: req.Seq}
	case typeSubscribe, typeUnsubscribe:
		if !radio.SameUUID(req.Service, layout.Service) || !radio.SameUUID(req.Characteristic, layout.Announce) {
			return reject("characteristic %s does not notify", req.Characteristic)
		}
		c.setSubscribed(req.Characteristic, req.Type == typeSubscribe)
		return frame{Type: typeAck, Seq: req.Seq}
	default:
		return reject("unsupported frame type %q", req.Type)
	}
}
