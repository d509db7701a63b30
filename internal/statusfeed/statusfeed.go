// Package statusfeed exposes the capture session state over HTTP.
//
//   - GET /api/status returns the current snapshot as JSON.
//   - GET /ws/status is a websocket that pushes a snapshot after every change
//     and accepts control commands:
//
//	{"type":"acquire"}
//	{"type":"switch_facing","facing":"environment"}
//	{"type":"release"}
package statusfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/vistalk/internal/observe"
	"github.com/MrWong99/vistalk/internal/session"
	"github.com/MrWong99/vistalk/pkg/media"
)

// Routes served by [Handler.Register].
const (
	StatusPath = "/api/status"
	SocketPath = "/ws/status"
)

// Message types on the websocket.
const (
	TypeSnapshot     = "snapshot"
	TypeError        = "error"
	TypeAck          = "ack"
	TypeAcquire      = "acquire"
	TypeSwitchFacing = "switch_facing"
	TypeRelease      = "release"
)

// commandTimeout bounds a single control command.
const commandTimeout = 30 * time.Second

// writeTimeout bounds a single websocket write.
const writeTimeout = 5 * time.Second

// Controller is the part of a capture session the feed needs. Implemented
// by [session.Session].
type Controller interface {
	Snapshot() session.Snapshot
	Subscribe() (<-chan session.Snapshot, func())
	Acquire(ctx context.Context) error
	SwitchFacing(ctx context.Context, f media.Facing) error
	Release(ctx context.Context) error
}

// Command is a client-to-server message.
type Command struct {
	Type   string       `json:"type"`
	Facing media.Facing `json:"facing,omitempty"`
}

// Message is a server-to-client message.
type Message struct {
	Type     string            `json:"type"`
	Snapshot *session.Snapshot `json:"snapshot,omitempty"`
	Command  string            `json:"command,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Option configures a [Handler].
type Option func(*Handler)

// WithOriginPatterns allows cross-origin websocket clients whose Origin host
// matches one of patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) { h.origins = append(h.origins, patterns...) }
}

// Handler serves the status endpoints for one session.
type Handler struct {
	ctl     Controller
	origins []string
}

// New creates a Handler for ctl.
func New(ctl Controller, opts ...Option) *Handler {
	h := &Handler{ctl: ctl}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register adds the status routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+StatusPath, h.serveStatus)
	mux.HandleFunc("GET "+SocketPath, h.serveSocket)
}

func (h *Handler) serveStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(h.ctl.Snapshot()); err != nil {
		http.Error(w, `{"error":"encode snapshot"}`, http.StatusInternalServerError)
	}
}

func (h *Handler) serveSocket(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		log.Warn("statusfeed: accept websocket", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	snaps, unsubscribe := h.ctl.Subscribe()
	defer unsubscribe()

	go func() {
		defer cancel()
		h.readCommands(ctx, conn)
	}()

	log.Debug("statusfeed: client connected", "remote", r.RemoteAddr)
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case snap, ok := <-snaps:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "session stopped")
				return
			}
			if err := write(ctx, conn, Message{Type: TypeSnapshot, Snapshot: &snap}); err != nil {
				log.Debug("statusfeed: client gone", "err", err)
				return
			}
		}
	}
}

// readCommands handles client commands until the connection closes. A
// malformed command is answered with an error message and the connection
// stays open.
func (h *Handler) readCommands(ctx context.Context, conn *websocket.Conn) {
	log := observe.Logger(ctx)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				log.Debug("statusfeed: read command", "err", err)
			}
			return
		}
		var cmd Command
		if typ != websocket.MessageText || json.Unmarshal(data, &cmd) != nil {
			if err := write(ctx, conn, Message{Type: TypeError, Error: "malformed command"}); err != nil {
				return
			}
			continue
		}

		reply := Message{Type: TypeAck, Command: cmd.Type}
		if err := h.execute(ctx, cmd); err != nil {
			reply = Message{Type: TypeError, Command: cmd.Type, Error: err.Error()}
		}
		if err := write(ctx, conn, reply); err != nil {
			return
		}
	}
}

func (h *Handler) execute(ctx context.Context, cmd Command) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	switch cmd.Type {
	case TypeAcquire:
		return h.ctl.Acquire(ctx)
	case TypeSwitchFacing:
		return h.ctl.SwitchFacing(ctx, cmd.Facing)
	case TypeRelease:
		return h.ctl.Release(ctx)
	default:
		return fmt.Errorf("unknown command %q", cmd.Type)
	}
}

func write(ctx context.Context, conn *websocket.Conn, m Message) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, m)
}
