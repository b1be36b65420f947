package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"pulsepipe/internal/models"
	"pulsepipe/pkg/codec"
)

// ErrDisconnected is returned by a Handle with no client attached, and by
// a Client after a failed exchange.
var ErrDisconnected = errors.New("not connected")

// Client requests frames from a Responder. It allows one outstanding
// request at a time; a failed or abandoned exchange closes the connection
// so a late reply can never be paired with a later request.
//
// Close may be called at any time, including while Next is blocked; the
// pending Next then fails with ErrDisconnected.
type Client struct {
	// mu serializes requests
	mu     sync.Mutex
	conn   *websocket.Conn
	broken atomic.Bool
}

// Dial connects to the responder at url (see URL).
func Dial(ctx context.Context, url string) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Client{conn: conn}, nil
}

// Next sends one request and waits for its reply. It blocks until the
// pipeline has a frame, ctx ends, or the connection fails.
func (c *Client) Next(ctx context.Context) (*models.ProcessedFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken.Load() {
		return nil, ErrDisconnected
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		c.conn.SetReadDeadline(deadline)
	} else {
		c.conn.SetWriteDeadline(time.Time{})
		c.conn.SetReadDeadline(time.Time{})
	}

	// Unblock the read when ctx is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	frame, err := c.exchange()
	if err != nil {
		closed := c.broken.Swap(true)
		c.conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// The conn deadline may fire just ahead of ctx's own timer.
		if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
			return nil, context.DeadlineExceeded
		}
		if closed {
			return nil, ErrDisconnected
		}
		return nil, err
	}
	return frame, nil
}

func (c *Client) exchange() (*models.ProcessedFrame, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, RequestToken); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	kind, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	if kind != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: non-binary reply", ErrProtocol)
	}
	frame, err := codec.DecodeFrame(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return frame, nil
}

// Close closes the connection. It does not wait for a request in flight.
func (c *Client) Close() error {
	if c.broken.Swap(true) {
		return nil
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

// Handle is an optional, atomically swappable Client, for callers that
// attach and detach from the responder at runtime.
type Handle struct {
	p atomic.Pointer[Client]
}

// Swap installs c (nil detaches) and returns the previous client.
func (h *Handle) Swap(c *Client) *Client {
	return h.p.Swap(c)
}

// Load returns the current client, or nil.
func (h *Handle) Load() *Client {
	return h.p.Load()
}

// Next requests a frame through the current client.
func (h *Handle) Next(ctx context.Context) (*models.ProcessedFrame, error) {
	c := h.p.Load()
	if c == nil {
		return nil, ErrDisconnected
	}
	return c.Next(ctx)
}

// Close detaches and closes the current client, if any.
func (h *Handle) Close() error {
	if c := h.p.Swap(nil); c != nil {
		return c.Close()
	}
	return nil
}
