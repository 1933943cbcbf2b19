package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dshills/orchestra-go/events"
	"github.com/dshills/orchestra-go/graph/emit"
)

// DefaultSocketIdleTimeout closes connections with no inbound frames.
// Clients keep a connection alive with ping frames.
const DefaultSocketIdleTimeout = 5 * time.Minute

// clientFrame is one client→server websocket message.
type clientFrame struct {
	Type          string `json:"type"`
	WorkflowID    string `json:"workflow_id,omitempty"`
	AfterSequence int64  `json:"after_sequence,omitempty"`
}

// SocketHandler upgrades connections, registers them on the hub, and
// services the client frame protocol: subscription management, ping,
// and event-log backfill.
type SocketHandler struct {
	hub      *events.Hub
	svc      *Service
	logger   emit.Emitter
	upgrader websocket.Upgrader

	// IdleTimeout bounds the wait for the next client frame. Zero means
	// DefaultSocketIdleTimeout.
	IdleTimeout time.Duration
}

// NewSocketHandler wires the socket endpoint to the hub and service.
func NewSocketHandler(hub *events.Hub, svc *Service, logger emit.Emitter) *SocketHandler {
	if logger == nil {
		logger = emit.NewNullEmitter()
	}
	return &SocketHandler{
		hub:    hub,
		svc:    svc,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Dashboard clients connect from arbitrary local origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler.
func (h *SocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Emit(emit.Event{Msg: "socket_upgrade_failed", Meta: map[string]any{"error": err.Error()}})
		return
	}

	conn := h.hub.Register(ws)
	defer h.hub.Remove(conn)

	idle := h.IdleTimeout
	if idle <= 0 {
		idle = DefaultSocketIdleTimeout
	}

	for {
		// The deadline is refreshed per frame; a silent client times out.
		if err := ws.SetReadDeadline(time.Now().Add(idle)); err != nil {
			return
		}
		var frame clientFrame
		if err := ws.ReadJSON(&frame); err != nil {
			return
		}
		h.handle(r.Context(), conn, frame)
	}
}

func (h *SocketHandler) handle(ctx context.Context, conn *events.Conn, frame clientFrame) {
	switch frame.Type {
	case "subscribe":
		if frame.WorkflowID != "" {
			conn.Subscribe(frame.WorkflowID)
		}
	case "unsubscribe":
		if frame.WorkflowID != "" {
			conn.Unsubscribe(frame.WorkflowID)
		}
	case "subscribe_all":
		conn.SubscribeAll()
	case "ping":
		_ = conn.Send(events.Frame{Type: "pong"})
	case "backfill_request":
		h.backfill(ctx, conn, frame)
	default:
		h.logger.Emit(emit.Event{Msg: "socket_unknown_frame", Meta: map[string]any{"type": frame.Type}})
	}
}

// backfill replays the persisted event log after the client's last seen
// sequence. A gap at the front of the replay means retention already
// removed part of the requested range.
func (h *SocketHandler) backfill(ctx context.Context, conn *events.Conn, frame clientFrame) {
	if frame.WorkflowID == "" {
		_ = conn.Send(events.Frame{Type: "backfill_complete", Payload: map[string]any{"workflow_id": ""}})
		return
	}

	evs, err := h.svc.Events(ctx, frame.WorkflowID, frame.AfterSequence)
	if err != nil {
		h.logger.Emit(emit.Event{
			ThreadID: frame.WorkflowID,
			Msg:      "socket_backfill_failed",
			Meta:     map[string]any{"error": err.Error()},
		})
		_ = conn.Send(events.Frame{Type: "backfill_expired", Payload: map[string]any{"workflow_id": frame.WorkflowID}})
		return
	}

	if len(evs) > 0 && evs[0].Sequence > frame.AfterSequence+1 {
		_ = conn.Send(events.Frame{Type: "backfill_expired", Payload: map[string]any{
			"workflow_id":    frame.WorkflowID,
			"first_sequence": evs[0].Sequence,
		}})
	}
	for _, ev := range evs {
		if err := conn.Send(events.Frame{Type: "event", Payload: ev}); err != nil {
			return
		}
	}
	_ = conn.Send(events.Frame{Type: "backfill_complete", Payload: map[string]any{
		"workflow_id": frame.WorkflowID,
		"count":       len(evs),
	}})
}
