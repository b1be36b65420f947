package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pulsepipe/pkg/codec"
)

// Remote protocol operations.
const (
	opGet    = "get"
	opSet    = "set"
	opDelete = "delete"
	opPing   = "ping"
)

// DefaultCallTimeout bounds a remote call whose context has no deadline.
const DefaultCallTimeout = 2 * time.Second

// RedialBackoff is how long a Client waits after a failed dial before it
// dials again. Calls made meanwhile fail with ErrUnavailable at once.
const RedialBackoff = 500 * time.Millisecond

// ErrUnavailable is returned while a Client backs off after a failed dial.
var ErrUnavailable = errors.New("config store unavailable")

type request struct {
	Op     string            `cbor:"op"`
	Key    string            `cbor:"key,omitempty"`
	Fields map[string]string `cbor:"fields,omitempty"`
}

type reply struct {
	Fields map[string]string `cbor:"fields,omitempty"`
	Err    string            `cbor:"err,omitempty"`
}

// Server exposes a Store to Clients over WebSocket.
type Server struct {
	backing  Store
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewServer serves backing. The server does not close backing.
func NewServer(backing Store, logger *slog.Logger) *Server {
	return &Server{
		backing: backing,
		logger:  logger.With("component", "store-server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// ListenAndServe serves on host:port until ctx is cancelled. host must be
// loopback.
func (s *Server) ListenAndServe(ctx context.Context, host string, port int) error {
	if err := CheckLoopback(host); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		s.closeConns()
	}()
	s.logger.Info("config store listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeHTTP upgrades the connection and answers requests until the peer
// goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.track(conn, true)
	defer func() {
		s.track(conn, false)
		conn.Close()
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("store connection closed", "remote", r.RemoteAddr, "error", err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}

		var req request
		var rep reply
		if err := codec.Unmarshal(data, &req); err != nil {
			rep.Err = "malformed request: " + err.Error()
		} else {
			rep = s.handle(r.Context(), req)
		}

		out, err := codec.Marshal(rep)
		if err != nil {
			s.logger.Error("encode reply", "error", err)
			return
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, out); err != nil {
			return
		}
	}
}

// Hijacked connections outlive http.Server.Shutdown, so they are tracked
// and closed here.
func (s *Server) track(conn *websocket.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

func (s *Server) handle(ctx context.Context, req request) reply {
	var err error
	var rep reply
	switch req.Op {
	case opGet:
		rep.Fields, err = s.backing.GetFields(ctx, req.Key)
	case opSet:
		err = s.backing.SetFields(ctx, req.Key, req.Fields)
	case opDelete:
		err = s.backing.Delete(ctx, req.Key)
	case opPing:
		err = s.backing.Ping(ctx)
	default:
		err = fmt.Errorf("unknown operation %q", req.Op)
	}
	if err != nil {
		rep.Err = err.Error()
	}
	return rep
}

// Client is a Store backed by a remote Server. A broken connection is
// redialled on the next call, but no sooner than backoff after a failed
// dial.
type Client struct {
	url     string
	dialer  *websocket.Dialer
	backoff time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	retryAt time.Time
}

// Dial connects to the store server at host:port and pings it. host must
// be loopback.
func Dial(ctx context.Context, host string, port int) (*Client, error) {
	if err := CheckLoopback(host); err != nil {
		return nil, err
	}
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(host, strconv.Itoa(port)), Path: "/"}
	c := &Client{
		url:     u.String(),
		dialer:  &websocket.Dialer{HandshakeTimeout: DefaultCallTimeout},
		backoff: RedialBackoff,
	}
	if err := c.Ping(ctx); err != nil {
		return nil, fmt.Errorf("config store at %s unreachable: %w", c.url, err)
	}
	return c, nil
}

func (c *Client) call(ctx context.Context, req request) (map[string]string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}
	deadline, _ := ctx.Deadline()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		if time.Now().Before(c.retryAt) {
			return nil, ErrUnavailable
		}
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.retryAt = time.Now().Add(c.backoff)
			return nil, err
		}
		c.conn = conn
	}

	rep, err := c.roundTrip(req, deadline)
	if err != nil {
		c.conn.Close()
		c.conn = nil
		return nil, err
	}
	if rep.Err != "" {
		return nil, errors.New(rep.Err)
	}
	return rep.Fields, nil
}

func (c *Client) roundTrip(req request, deadline time.Time) (reply, error) {
	var rep reply
	data, err := codec.Marshal(req)
	if err != nil {
		return rep, err
	}
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return rep, err
	}
	c.conn.SetReadDeadline(deadline)
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		return rep, err
	}
	if err := codec.Unmarshal(msg, &rep); err != nil {
		return rep, fmt.Errorf("malformed reply: %w", err)
	}
	return rep, nil
}

func (c *Client) GetFields(ctx context.Context, key string) (map[string]string, error) {
	fields, err := c.call(ctx, request{Op: opGet, Key: key})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	if fields == nil {
		fields = map[string]string{}
	}
	return fields, nil
}

func (c *Client) SetFields(ctx context.Context, key string, fields map[string]string) error {
	if _, err := c.call(ctx, request{Op: opSet, Key: key, Fields: fields}); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	if _, err := c.call(ctx, request{Op: opDelete, Key: key}); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, request{Op: opPing})
	return err
}

// Close drops the connection. Later calls redial.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := c.conn.Close()
	c.conn = nil
	return err
}
