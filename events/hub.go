package events

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Frame is one server→client websocket message.
type Frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// socket is the write side of a connection. *websocket.Conn satisfies
// it; tests substitute a fake.
type socket interface {
	WriteJSON(v any) error
	Close() error
}

// Conn tracks one connection and its subscription set. An empty set
// means "all workflows".
type Conn struct {
	mu   sync.Mutex
	sock socket
	subs map[string]bool
	all  bool
}

// Subscribe adds a workflow to the connection's filter.
func (c *Conn) Subscribe(workflowID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[workflowID] = true
}

// Unsubscribe removes a workflow from the filter.
func (c *Conn) Unsubscribe(workflowID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, workflowID)
}

// SubscribeAll switches the connection to receive every workflow.
func (c *Conn) SubscribeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.all = true
}

func (c *Conn) wants(workflowID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.all || len(c.subs) == 0 || c.subs[workflowID]
}

// Send writes one frame. Writes are serialized per connection.
func (c *Conn) Send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock.WriteJSON(f)
}

// Hub fans events out to registered connections with subscription
// filtering. A failed send silently removes the connection; there are
// no retries.
type Hub struct {
	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[*Conn]struct{})}
}

// Register adds a websocket connection to the hub and returns its
// subscription handle.
func (h *Hub) Register(ws *websocket.Conn) *Conn {
	return h.register(ws)
}

func (h *Hub) register(sock socket) *Conn {
	conn := &Conn{sock: sock, subs: make(map[string]bool)}
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
	return conn
}

// Remove drops a connection from the hub and closes its socket.
func (h *Hub) Remove(conn *Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	_ = conn.sock.Close()
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Broadcast implements Broadcaster for persisted workflow events.
func (h *Hub) Broadcast(event WorkflowEvent) {
	h.send(event.WorkflowID, Frame{Type: "event", Payload: event})
}

// BroadcastStream implements Broadcaster for ephemeral stream events.
// Stream events ride the same "event" frame type, shaped as an
// unsequenced WorkflowEvent, so clients need one decoder.
func (h *Hub) BroadcastStream(event StreamEvent) {
	wire := WorkflowEvent{
		WorkflowID: event.WorkflowID,
		Timestamp:  event.Timestamp,
		Agent:      event.Agent,
		Type:       EventStream,
		Level:      LevelTrace,
		Message:    event.Content,
		Payload: map[string]any{
			"subtype":    string(event.Subtype),
			"tool_name":  event.ToolName,
			"tool_input": event.ToolInput,
		},
	}
	h.send(event.WorkflowID, Frame{Type: "event", Payload: wire})
}

func (h *Hub) send(workflowID string, f Frame) {
	h.mu.Lock()
	targets := make([]*Conn, 0, len(h.conns))
	for conn := range h.conns {
		targets = append(targets, conn)
	}
	h.mu.Unlock()

	for _, conn := range targets {
		if !conn.wants(workflowID) {
			continue
		}
		if err := conn.Send(f); err != nil {
			h.Remove(conn)
		}
	}
}

// Close drops every connection, closing each socket.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.conns = make(map[*Conn]struct{})
	h.mu.Unlock()

	for _, conn := range conns {
		_ = conn.sock.Close()
	}
}
