package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// maxFrameBytes bounds inbound client frames. Requests are small control
// messages; anything larger is a broken client.
const maxFrameBytes = 1 << 20

// Dispatcher handles one client frame. Implementations run synchronously on
// the connection's read loop, so a connection processes one request at a
// time. Ping frames never reach the dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, conn *Conn, msg *ClientMessage)
}

// ConnectionManager tracks live WebSocket connections, one per client.
// Each Go process has a single instance.
type ConnectionManager struct {
	connections map[string]*Conn
	mu          sync.RWMutex

	writeTimeout time.Duration
}

// Conn is a single WebSocket client. All writes go through Send, which
// serializes frames onto the socket; gorilla permits only one concurrent
// writer.
type Conn struct {
	ID string

	sock         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// Context is cancelled when the client disconnects or a write fails. Session
// work for this connection runs under it.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// Send marshals a payload and writes it as one text frame. A failed write
// cancels the connection context so in-flight work stops instead of
// streaming into a dead socket.
func (c *Conn) Send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := c.ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.sock.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
		c.cancel()
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// SendError emits an error event, logging instead of failing when the
// connection is already gone.
func (c *Conn) SendError(message string) {
	if err := c.Send(&ErrorPayload{Event: EventError, Message: message}); err != nil {
		slog.Warn("Failed to send error event", "connection_id", c.ID, "error", err)
	}
}

// NewConnectionManager creates a ConnectionManager.
func NewConnectionManager(writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		connections:  make(map[string]*Conn),
		writeTimeout: writeTimeout,
	}
}

// HandleConnection owns the lifecycle of one upgraded socket: register, read
// frames, dispatch, unregister. Called by the WebSocket HTTP handler; blocks
// until the connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, sock *websocket.Conn, dispatch Dispatcher) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Conn{
		ID:           uuid.New().String(),
		sock:         sock,
		writeTimeout: m.writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	m.register(c)
	defer m.unregister(c)

	sock.SetReadLimit(maxFrameBytes)

	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket frame",
				"connection_id", c.ID, "error", err)
			c.SendError("invalid message")
			continue
		}

		if msg.Type == MessagePing {
			if err := c.Send(&PongPayload{Event: EventPong}); err != nil {
				slog.Warn("Failed to send pong", "connection_id", c.ID, "error", err)
			}
			continue
		}

		dispatch.Dispatch(ctx, c, &msg)
	}
}

// ActiveConnections returns the count of live connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// CloseAll closes every live connection, unblocking their read loops. Called
// during server shutdown; WebSocket connections are hijacked and outlive
// http.Server.Shutdown otherwise.
func (m *ConnectionManager) CloseAll() {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		c.cancel()
		_ = c.sock.Close()
	}
}

func (m *ConnectionManager) register(c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
	slog.Debug("WebSocket connected", "connection_id", c.ID)
}

func (m *ConnectionManager) unregister(c *Conn) {
	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.sock.Close()
	slog.Debug("WebSocket disconnected", "connection_id", c.ID)
}
