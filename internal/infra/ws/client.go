// Package ws wraps a gorilla/websocket connection with serialized writes,
// a dedicated read loop and observer registration for messages, errors and
// state changes.
package ws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"crypto_sync/internal/domain"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	readChunkSize           = 4 << 10
)

// MessageType distinguishes text and binary payloads.
type MessageType int

const (
	TextMessage   MessageType = websocket.TextMessage
	BinaryMessage MessageType = websocket.BinaryMessage
)

// Message is one complete, reassembled inbound message.
type Message struct {
	Type       MessageType
	Data       []byte
	ReceivedAt time.Time
}

// Text returns the payload as a string.
func (m Message) Text() string {
	return string(m.Data)
}

// StateChange describes a transition reported to state observers.
type StateChange struct {
	From   domain.ConnectionState
	To     domain.ConnectionState
	Reason string
}

// Option configures a Client.
type Option func(*Client)

// WithHeader sets handshake headers.
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h }
}

// WithReadLimit caps the size of one inbound message.
func WithReadLimit(n int64) Option {
	return func(c *Client) { c.readLimit = n }
}

// WithHandshakeTimeout overrides the dial handshake timeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialer.HandshakeTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client is a reconnectable duplex socket. One connection is open at a time;
// after it closes, Connect may be called again.
type Client struct {
	dialer    websocket.Dialer
	header    http.Header
	readLimit int64
	logger    *slog.Logger

	mu    sync.RWMutex
	conn  *websocket.Conn
	state domain.ConnectionState
	url   string

	// closeReason is set by Disconnect while a dial is in flight.
	closeRequested bool
	closeReason    string

	writeMu sync.Mutex

	obs observers
	wg  sync.WaitGroup
}

// NewClient creates a disconnected client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		dialer: websocket.Dialer{
			HandshakeTimeout: defaultHandshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
		logger: slog.Default().With("module", "ws_client"),
		state:  domain.StateDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials uri and starts the read loop.
func (c *Client) Connect(ctx context.Context, uri string) error {
	c.mu.Lock()
	if c.state != domain.StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w (state %s)", domain.ErrAlreadyConnected, state)
	}
	c.state = domain.StateConnecting
	c.url = uri
	c.closeRequested = false
	c.closeReason = ""
	c.mu.Unlock()
	c.obs.emitState(StateChange{From: domain.StateDisconnected, To: domain.StateConnecting})

	header := c.header
	if header == nil {
		header = make(http.Header)
		header.Set("User-Agent", "crypto-sync")
	}

	conn, _, err := c.dialer.DialContext(ctx, uri, header)
	if err != nil {
		c.setState(domain.StateDisconnected, "dial failed")
		return domain.NewNetworkError("connect", fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err))
	}
	if c.readLimit > 0 {
		conn.SetReadLimit(c.readLimit)
	}

	c.mu.Lock()
	if c.closeRequested {
		reason := c.closeReason
		c.closeRequested = false
		c.mu.Unlock()
		conn.Close()
		c.setState(domain.StateDisconnected, reason)
		return fmt.Errorf("connect: %w: closed during handshake (%s)", domain.ErrConnectionFailed, reason)
	}
	c.conn = conn
	c.state = domain.StateConnected
	c.mu.Unlock()
	c.obs.emitState(StateChange{From: domain.StateConnecting, To: domain.StateConnected})

	c.wg.Add(1)
	go c.readLoop(conn)

	c.logger.Info("WebSocket connected", slog.String("url", uri))
	return nil
}

// Disconnect sends a close frame with reason and closes the socket.
// During a dial the socket is closed as soon as the handshake completes.
// It is a no-op when already disconnected.
func (c *Client) Disconnect(reason string) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		if c.state == domain.StateConnecting {
			c.closeRequested = true
			c.closeReason = reason
		}
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.setStateIfCurrent(conn, domain.StateClosing, reason)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	werr := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))

	c.closeConnection(conn, reason)
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		return domain.NewFatalNetworkError("close", werr)
	}
	return nil
}

// Wait blocks until every read loop started by this client has exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Send writes one message. Concurrent senders are serialized so frames never interleave.
func (c *Client) Send(msgType MessageType, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.RLock()
	conn, state := c.conn, c.state
	c.mu.RUnlock()

	if conn == nil || state != domain.StateConnected {
		return fmt.Errorf("send: %w (state %s)", domain.ErrNotConnected, state)
	}

	conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	if err := conn.WriteMessage(int(msgType), payload); err != nil {
		c.obs.emitError(err)
		return domain.NewNetworkError("write", err)
	}
	return nil
}

// SendText is Send with a text frame.
func (c *Client) SendText(s string) error {
	return c.Send(TextMessage, []byte(s))
}

// State returns the current connection state.
func (c *Client) State() domain.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// URL returns the last dialed address.
func (c *Client) URL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.url
}

// OnMessage registers h for every complete inbound message.
func (c *Client) OnMessage(h func(Message)) (unregister func()) {
	return c.obs.addMessage(h)
}

// OnError registers h for transport errors.
func (c *Client) OnError(h func(error)) (unregister func()) {
	return c.obs.addError(h)
}

// OnStateChange registers h for state transitions.
func (c *Client) OnStateChange(h func(StateChange)) (unregister func()) {
	return c.obs.addState(h)
}

// readLoop runs for the lifetime of one connection.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("WebSocket read loop panic recovered", slog.Any("panic", r))
			c.closeConnection(conn, "panic")
		}
	}()

	var buf bytes.Buffer
	chunk := make([]byte, readChunkSize)

	for {
		msgType, r, err := conn.NextReader()
		if err != nil {
			c.handleReadError(conn, err)
			return
		}

		// Accumulate frames until the message boundary (io.EOF on the reader).
		buf.Reset()
		if err := readFrames(r, &buf, chunk); err != nil {
			c.handleReadError(conn, err)
			return
		}

		data := make([]byte, buf.Len())
		copy(data, buf.Bytes())
		c.obs.emitMessage(Message{Type: MessageType(msgType), Data: data, ReceivedAt: time.Now()})
	}
}

func readFrames(r io.Reader, buf *bytes.Buffer, chunk []byte) error {
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (c *Client) handleReadError(conn *websocket.Conn, err error) {
	var ce *websocket.CloseError
	switch {
	case errors.As(err, &ce):
		// gorilla's default close handler already echoed the close frame.
		c.logger.Info("WebSocket closed by peer", slog.Int("code", ce.Code), slog.String("text", ce.Text))
		c.setStateIfCurrent(conn, domain.StateClosing, ce.Text)
		c.closeConnection(conn, "closed by peer")
	default:
		if c.isCurrent(conn) {
			c.logger.Warn("WebSocket read error", slog.Any("error", err))
			c.obs.emitError(domain.NewNetworkError("read", err))
		}
		c.closeConnection(conn, "read error")
	}
}

func (c *Client) isCurrent(conn *websocket.Conn) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn == conn
}

// closeConnection closes conn and reports Disconnected once per connection.
func (c *Client) closeConnection(conn *websocket.Conn, reason string) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = nil
	from := c.state
	c.state = domain.StateDisconnected
	c.mu.Unlock()

	conn.Close()
	c.obs.emitState(StateChange{From: from, To: domain.StateDisconnected, Reason: reason})
}

func (c *Client) setState(to domain.ConnectionState, reason string) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from != to {
		c.obs.emitState(StateChange{From: from, To: to, Reason: reason})
	}
}

func (c *Client) setStateIfCurrent(conn *websocket.Conn, to domain.ConnectionState, reason string) {
	c.mu.Lock()
	if c.conn != conn || c.state == to {
		c.mu.Unlock()
		return
	}
	from := c.state
	c.state = to
	c.mu.Unlock()
	c.obs.emitState(StateChange{From: from, To: to, Reason: reason})
}
