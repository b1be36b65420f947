// Package dispatch delivers processed frames to network clients.
//
// The protocol is strict request/reply over WebSocket binary messages: the
// client sends RequestToken and receives exactly one encoded frame. A
// single Responder serves one request at a time across all connections,
// so a second client waits until the first reply has been written.
//
// A request blocks until a frame is available. There is no timeout: a
// client connected to a pipeline that never produces data waits until it
// gives up or the responder shuts down.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pulsepipe/internal/models"
	"pulsepipe/pkg/codec"
	"pulsepipe/pkg/slot"
)

// RequestToken is the only request the responder answers.
var RequestToken = []byte("next")

// ErrProtocol reports a reply that is not a well-formed frame.
var ErrProtocol = errors.New("protocol violation")

// State is the responder state.
type State int32

const (
	Listening State = iota
	BlockedOnBuffer
	Replied
)

func (s State) String() string {
	switch s {
	case Listening:
		return "listening"
	case BlockedOnBuffer:
		return "blocked_on_buffer"
	case Replied:
		return "replied"
	default:
		return "unknown"
	}
}

// ResponderStats counts responder activity.
type ResponderStats struct {
	Served      uint64
	Ignored     uint64
	Connections int
	State       State
}

// Responder answers frame requests from the dispatch buffer.
type Responder struct {
	buffer      *slot.Slot[*models.ProcessedFrame]
	compression codec.Compression
	logger      *slog.Logger
	upgrader    websocket.Upgrader

	// serve holds one request at a time
	serve sync.Mutex
	state atomic.Int32

	served  atomic.Uint64
	ignored atomic.Uint64

	connMu sync.Mutex
	conns  map[*websocket.Conn]struct{}

	ctx context.Context
}

// NewResponder serves frames taken from buffer, encoded with compression.
func NewResponder(buffer *slot.Slot[*models.ProcessedFrame], compression codec.Compression, logger *slog.Logger) *Responder {
	return &Responder{
		buffer:      buffer,
		compression: compression,
		logger:      logger.With("component", "responder"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
		},
		conns: make(map[*websocket.Conn]struct{}),
		ctx:   context.Background(),
	}
}

// Serve accepts connections on ln until ctx is cancelled. Requests blocked
// on the buffer are released by the cancellation.
func (r *Responder) Serve(ctx context.Context, ln net.Listener) error {
	r.ctx = ctx
	srv := &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		r.closeConns()
	}()

	r.logger.Info("responder listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-stopped
	return nil
}

// ServeHTTP handles one client connection. A reader goroutine owns the
// read side so that a client going away cancels its pending request even
// while the handler waits on the buffer.
func (r *Responder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("upgrade failed", "remote", req.RemoteAddr, "error", err)
		return
	}
	id := uuid.NewString()
	logger := r.logger.With("conn", id, "remote", req.RemoteAddr)
	r.track(conn, true)
	defer func() {
		r.track(conn, false)
		conn.Close()
	}()
	logger.Debug("client connected")

	ctx, cancel := context.WithCancel(r.ctx)
	defer cancel()
	requests := make(chan []byte)
	go func() {
		defer cancel()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				logger.Debug("client disconnected", "error", err)
				return
			}
			select {
			case requests <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var msg []byte
		select {
		case msg = <-requests:
		case <-ctx.Done():
			return
		}
		if !bytes.Equal(msg, RequestToken) {
			// Anything but the request token is ignored; the connection keeps
			// waiting for a well-formed request.
			r.ignored.Add(1)
			logger.Debug("ignoring unrecognized request", "bytes", len(msg))
			continue
		}
		if err := r.reply(ctx, conn); err != nil {
			logger.Debug("request abandoned", "error", err)
			return
		}
	}
}

// reply blocks for a frame and writes it to conn. Frames that fail to
// encode are skipped so the client never sees a partial frame. A frame
// taken for a client that has gone is put back for the next request.
func (r *Responder) reply(ctx context.Context, conn *websocket.Conn) error {
	r.serve.Lock()
	defer r.serve.Unlock()
	defer r.state.Store(int32(Listening))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.state.Store(int32(BlockedOnBuffer))
		frame, err := r.buffer.TakeBlocking(ctx)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			r.requeue(frame)
			return err
		}
		data, err := codec.EncodeFrame(frame, r.compression)
		if err != nil {
			r.logger.Error("frame not encodable, waiting for the next one", "timestamp", frame.Timestamp, "error", err)
			continue
		}
		r.state.Store(int32(Replied))
		if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			r.requeue(frame)
			return fmt.Errorf("write reply: %w", err)
		}
		r.served.Add(1)
		return nil
	}
}

// requeue returns an undelivered frame to the buffer. If the bridge has
// refilled it meanwhile the frame is dropped.
func (r *Responder) requeue(frame *models.ProcessedFrame) {
	if !r.buffer.TryPut(frame) {
		r.logger.Debug("undelivered frame dropped", "timestamp", frame.Timestamp)
	}
}

func (r *Responder) track(conn *websocket.Conn, add bool) {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if add {
		r.conns[conn] = struct{}{}
	} else {
		delete(r.conns, conn)
	}
}

func (r *Responder) closeConns() {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	for conn := range r.conns {
		conn.Close()
	}
}

// Stats returns a snapshot of responder counters.
func (r *Responder) Stats() ResponderStats {
	r.connMu.Lock()
	n := len(r.conns)
	r.connMu.Unlock()
	return ResponderStats{
		Served:      r.served.Load(),
		Ignored:     r.ignored.Load(),
		Connections: n,
		State:       State(r.state.Load()),
	}
}

// URL returns the WebSocket URL of a responder bound to host:port.
func URL(host string, port int) string {
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/"
}
