package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultCallTimeout bounds one request/reply round trip
	DefaultCallTimeout = 30 * time.Second

	// DefaultDialTimeout bounds the websocket handshake
	DefaultDialTimeout = 10 * time.Second
)

// ClientOptions configures a Client
type ClientOptions struct {
	CallTimeout   time.Duration
	DialTimeout   time.Duration
	AutoReconnect bool
}

// Client wraps exactly one request/reply socket to a handler endpoint.
// Calls are strictly serialized: never more than one request in flight.
// A timeout, transport loss, or malformed reply poisons the socket; the
// next call rebuilds it transparently when AutoReconnect is set.
type Client struct {
	addr string
	opts ClientOptions

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewClient creates a client for the given "host:port" endpoint without
// connecting. The first Call (or an explicit Connect) dials the socket.
func NewClient(addr string, opts ClientOptions) *Client {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	return &Client{addr: addr, opts: opts}
}

// Address returns the configured endpoint
func (c *Client) Address() string {
	return c.addr
}

// Connect establishes the transport. It is idempotent: an already-connected
// client returns nil immediately.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrNotConnected
	}
	if c.conn != nil {
		return nil
	}
	return c.dialLocked(ctx)
}

func (c *Client) dialLocked(ctx context.Context) error {
	u := url.URL{Scheme: "ws", Host: c.addr, Path: "/"}
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.DialTimeout}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrNetwork, c.addr, err)
	}
	c.conn = conn
	return nil
}

// poisonLocked tears down a socket that can no longer be trusted to hold
// the request/reply discipline
func (c *Client) poisonLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Call sends {"method","params"} and waits for the reply frame, up to the
// configured timeout. A failure on a previously cached socket is retried
// once on a fresh socket; the retry's outcome is what the caller sees.
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (*Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrNotConnected
	}

	hadCached := c.conn != nil
	if c.conn == nil {
		if err := c.dialLocked(ctx); err != nil {
			return nil, err
		}
	}

	reply, err := c.roundTripLocked(ctx, method, params)
	if err == nil {
		return reply, nil
	}
	c.poisonLocked()

	// One transparent rebuild for stale cached sockets. A failure on a
	// freshly dialed socket is genuine and surfaces to the caller.
	if !hadCached || !c.opts.AutoReconnect {
		return nil, err
	}
	if err := c.dialLocked(ctx); err != nil {
		return nil, err
	}
	reply, err = c.roundTripLocked(ctx, method, params)
	if err != nil {
		c.poisonLocked()
		return nil, err
	}
	return reply, nil
}

func (c *Client) roundTripLocked(ctx context.Context, method string, params map[string]any) (*Reply, error) {
	frame, err := json.Marshal(Request{Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrProtocol, err)
	}

	// The effective deadline is the sooner of CallTimeout and the caller's
	// context; probes pass short contexts and must not wait out CallTimeout
	deadline := time.Now().Add(c.opts.CallTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return nil, classifyTransportErr(err, "send")
	}

	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, classifyTransportErr(err, "receive")
	}
	if msgType != websocket.TextMessage {
		return nil, fmt.Errorf("%w: unexpected frame type %d", ErrProtocol, msgType)
	}
	return DecodeReply(data)
}

// Ping is the liveness shortcut: call("ping", {}) with a short timeout
func (c *Client) Ping(ctx context.Context) error {
	reply, err := c.Call(ctx, "ping", map[string]any{})
	if err != nil {
		return err
	}
	if !reply.Success {
		return fmt.Errorf("%w: ping refused: %s", ErrProtocol, reply.Error)
	}
	return nil
}

// Close releases the transport. Further calls fail with ErrNotConnected.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// Terminate is Close without caring about the outcome
func (c *Client) Terminate() {
	_ = c.Close()
}

func classifyTransportErr(err error, op string) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s", ErrTimeout, op)
	}
	return fmt.Errorf("%w: %s: %v", ErrNetwork, op, err)
}
