package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rescp17/dropmesh/internal/clock"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	writeTimeout          = 10 * time.Second
)

// Options configures a Channel.
type Options struct {
	// URL is the relay address; see ResolveEndpoint.
	URL            string
	Info           PeerInfo
	ICEMode        ICEMode
	ReconnectDelay time.Duration
	Clock          clock.Clock
	Dialer         *websocket.Dialer
	Logger         *slog.Logger
}

// Handlers are invoked from the channel's reader goroutine. Callers that
// own an event loop should post onto it rather than do work inline.
type Handlers struct {
	OnOpen    func()
	OnMessage func(msg *Message)
	OnError   func(err error)
}

// Channel is a resilient client connection to the signaling relay. It
// connects on construction, announces the local identity on every open and
// reconnects once per unexpected close after a fixed delay.
type Channel struct {
	url      string
	mode     ICEMode
	delay    time.Duration
	clock    clock.Clock
	dialer   *websocket.Dialer
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	writeMu  sync.Mutex
	mu       sync.Mutex
	handlers Handlers
	info     PeerInfo
	conn     *websocket.Conn
	timer    clock.Timer
	relayICE []ICEServer
	closed   bool
}

// New starts connecting to the relay and returns immediately.
func New(opts Options, handlers Handlers) *Channel {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ICEMode == "" {
		opts.ICEMode = ICEModeServer
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		url:      ResolveEndpoint(opts.URL, "localhost", false),
		mode:     opts.ICEMode,
		delay:    opts.ReconnectDelay,
		clock:    opts.Clock,
		dialer:   opts.Dialer,
		logger:   opts.Logger.With("component", "signaling"),
		ctx:      ctx,
		cancel:   cancel,
		handlers: handlers,
		info:     opts.Info,
	}
	go c.connect()
	return c
}

// URL returns the resolved relay endpoint.
func (c *Channel) URL() string {
	return c.url
}

func (c *Channel) connect() {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	c.logger.Debug("Dialing relay", "url", c.url)
	conn, _, err := c.dialer.DialContext(c.ctx, c.url, nil)
	if err != nil {
		c.reportError(fmt.Errorf("dialing relay %s: %w", c.url, err))
		c.scheduleReconnect()
		return
	}

	// writeMu is held from publishing conn until the UPDATE is written, so a
	// concurrent Send that sees the new conn queues behind the announcement.
	c.writeMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.writeMu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	info := c.info
	onOpen := c.handlers.OnOpen
	c.mu.Unlock()
	announced := c.writeLocked(conn, NewUpdate(info))
	c.writeMu.Unlock()

	c.logger.Info("Connected to relay", "url", c.url, "announced", announced)
	if onOpen != nil {
		onOpen()
	}
	go c.readLoop(conn)
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}
		c.handleFrame(data)
	}
}

func (c *Channel) handleFrame(data []byte) {
	msg, err := Decode(data)
	if err != nil {
		c.logger.Warn("Dropping relay frame", "error", err)
		c.reportError(err)
		return
	}
	c.mu.Lock()
	if msg.Type == TypeHello && len(msg.ICEServers) > 0 {
		c.relayICE = append([]ICEServer(nil), msg.ICEServers...)
	}
	onMessage := c.handlers.OnMessage
	closed := c.closed
	c.mu.Unlock()

	if !closed && onMessage != nil {
		onMessage(msg)
	}
}

func (c *Channel) handleClose(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	closed := c.closed
	c.mu.Unlock()
	_ = conn.Close()
	if closed {
		return
	}

	c.logger.Warn("Relay connection closed", "error", err)
	c.reportError(fmt.Errorf("relay connection closed: %w", err))
	c.scheduleReconnect()
}

func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.timer != nil {
		return
	}
	c.logger.Info("Scheduling relay reconnect", "delay", c.delay)
	c.timer = c.clock.AfterFunc(c.delay, func() {
		c.mu.Lock()
		c.timer = nil
		c.mu.Unlock()
		c.connect()
	})
}

func (c *Channel) reportError(err error) {
	c.mu.Lock()
	onError := c.handlers.OnError
	closed := c.closed
	c.mu.Unlock()
	if !closed && onError != nil {
		onError(err)
	}
}

// Send writes msg to the relay. It returns false when the socket is not
// open; messages are never queued.
func (c *Channel) Send(msg *Message) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.logger.Debug("Relay not open, dropping message", "type", msg.Type)
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(conn, msg)
}

// writeLocked encodes and writes msg. The caller holds writeMu.
func (c *Channel) writeLocked(conn *websocket.Conn, msg *Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to encode relay message", "type", msg.Type, "error", err)
		return false
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Warn("Failed to write relay message", "type", msg.Type, "error", err)
		return false
	}
	return true
}

// IsOpen reports whether the socket is currently connected.
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// ICEServers returns the servers to hand to new transports under the
// configured mode.
func (c *Channel) ICEServers() []webrtc.ICEServer {
	c.mu.Lock()
	relay := c.relayICE
	c.mu.Unlock()
	return ResolveICEServers(c.mode, relay)
}

// Destroy closes the socket and suppresses every future reconnect. It is
// safe to call more than once.
func (c *Channel) Destroy() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.handlers = Handlers{}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	c.logger.Info("Signaling channel destroyed")
}
