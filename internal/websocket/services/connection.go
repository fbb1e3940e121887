package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	subModels "wandererkills/internal/subscriptions/models"
	subServices "wandererkills/internal/subscriptions/services"
	"wandererkills/internal/websocket/models"
	"wandererkills/pkg/bus"
	"wandererkills/pkg/config"
	"wandererkills/pkg/errs"
)

const (
	defaultQueueSize = 256
	pingInterval     = 30 * time.Second
	readTimeout      = 60 * time.Second
	writeTimeout     = 10 * time.Second
	idleWindow       = 90 * time.Second
)

// ConnectionManager owns all websocket connections. Each connection binds to
// its subscriber's delivery topic on the bus; the subscription registry stays
// the single source of truth for what the subscriber watches.
type ConnectionManager struct {
	registry  *subServices.Registry
	preloader *subServices.Preloader
	feed      *bus.Bus
	queueSize int

	mu          sync.RWMutex
	connections map[string]*models.Connection

	total    atomic.Int64
	enqueued atomic.Int64
	dropped  atomic.Int64
	commands atomic.Int64
	errors   atomic.Int64
}

// NewConnectionManager creates a new connection manager.
func NewConnectionManager(registry *subServices.Registry, preloader *subServices.Preloader, feed *bus.Bus) *ConnectionManager {
	return &ConnectionManager{
		registry:    registry,
		preloader:   preloader,
		feed:        feed,
		queueSize:   config.GetIntEnv("WS_QUEUE_SIZE", defaultQueueSize),
		connections: make(map[string]*models.Connection),
	}
}

// Register adds a new connection, starts its write pump and sends the
// welcome frame.
func (m *ConnectionManager) Register(conn *websocket.Conn) *models.Connection {
	c := models.NewConnection(conn, m.queueSize)

	m.mu.Lock()
	m.connections[c.ID] = c
	m.mu.Unlock()
	m.total.Add(1)

	go c.WritePump(pingInterval, writeTimeout)

	m.send(c, models.Frame{
		Type: models.FrameConnected,
		Data: map[string]any{"connection_id": c.ID},
	})

	slog.Info("WebSocket connection added", "connection_id", c.ID)
	return c
}

// Remove tears a connection down: detach the delivery topic, drop the
// subscription, close the socket.
func (m *ConnectionManager) Remove(connectionID string) {
	m.mu.Lock()
	c, exists := m.connections[connectionID]
	if exists {
		delete(m.connections, connectionID)
	}
	m.mu.Unlock()
	if !exists {
		return
	}

	if subscriberID := c.Unbind(); subscriberID != "" {
		if err := m.registry.Unsubscribe(subscriberID); err != nil && !errs.IsNotFound(err) {
			slog.Warn("Failed to drop subscription on disconnect",
				"subscriber_id", subscriberID, "error", err)
		}
	}
	c.Close()

	slog.Info("WebSocket connection removed", "connection_id", connectionID)
}

// Handle runs a connection's read loop until the client disconnects or the
// request context ends.
func (m *ConnectionManager) Handle(ctx context.Context, c *models.Connection) {
	defer m.Remove(c.ID)

	c.Conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.MarkPong()
		c.Conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	messageChan := make(chan []byte, 16)
	errorChan := make(chan error, 1)
	go func() {
		for {
			_, message, err := c.Conn.ReadMessage()
			if err != nil {
				errorChan <- err
				return
			}
			select {
			case messageChan <- message:
			case <-c.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		case message := <-messageChan:
			var cmd models.Command
			if err := json.Unmarshal(message, &cmd); err != nil {
				m.sendError(c, "malformed command")
				continue
			}
			m.handleCommand(ctx, c, cmd)
		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("WebSocket read failed", "connection_id", c.ID, "error", err)
			}
			return
		}
	}
}

func (m *ConnectionManager) handleCommand(ctx context.Context, c *models.Connection, cmd models.Command) {
	m.commands.Add(1)

	switch cmd.Type {
	case models.CommandHeartbeat:
		m.send(c, models.Frame{Type: models.FrameHeartbeat})
	case models.CommandSubscribe:
		m.handleSubscribe(ctx, c, cmd)
	case models.CommandUnsubscribe:
		m.handleUnsubscribe(c)
	default:
		m.sendError(c, fmt.Sprintf("unknown command type: %q", cmd.Type))
	}
}

func (m *ConnectionManager) handleSubscribe(ctx context.Context, c *models.Connection, cmd models.Command) {
	sub, err := m.registry.Subscribe(cmd.SubscriberID, cmd.SystemIDs, cmd.CharacterIDs, "")
	if err != nil {
		m.sendError(c, err.Error())
		return
	}

	cancel := m.feed.Subscribe(bus.TopicSubscriber(sub.SubscriberID), func(msg bus.Message) {
		update, ok := msg.Payload.(subModels.KillUpdate)
		if !ok {
			return
		}
		m.send(c, models.Frame{Type: update.Type, Data: update.Data})
	})
	c.BindFeed(sub.SubscriberID, cancel)

	m.send(c, models.Frame{
		Type: models.FrameSubscribed,
		Data: map[string]any{
			"subscription_id": sub.ID,
			"systems":         sub.Systems(),
			"characters":      sub.Characters(),
		},
	})

	if m.preloader != nil && len(sub.SystemIDs) > 0 {
		m.preloader.Preload(context.WithoutCancel(ctx), sub)
	}
}

func (m *ConnectionManager) handleUnsubscribe(c *models.Connection) {
	subscriberID := c.Unbind()
	if subscriberID == "" {
		m.sendError(c, "no active subscription")
		return
	}
	if err := m.registry.Unsubscribe(subscriberID); err != nil && !errs.IsNotFound(err) {
		slog.Warn("Failed to drop subscription", "subscriber_id", subscriberID, "error", err)
	}
	m.send(c, models.Frame{Type: models.FrameUnsubscribed})
}

// send enqueues a frame on the connection's bounded queue.
func (m *ConnectionManager) send(c *models.Connection, f models.Frame) {
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now().UTC()
	}
	ok, dropped := c.Enqueue(f)
	if ok {
		m.enqueued.Add(1)
	}
	if dropped > 0 {
		m.dropped.Add(int64(dropped))
		slog.Warn("Slow websocket consumer, dropped oldest frames",
			"connection_id", c.ID, "dropped", dropped)
	}
}

func (m *ConnectionManager) sendError(c *models.Connection, message string) {
	m.errors.Add(1)
	m.send(c, models.Frame{Type: models.FrameError, Error: message})
}

// CleanupInactive removes connections that stopped answering pings.
func (m *ConnectionManager) CleanupInactive() {
	m.mu.RLock()
	var inactive []string
	for id, c := range m.connections {
		if !c.Alive(idleWindow) {
			inactive = append(inactive, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range inactive {
		slog.Info("Removing inactive websocket connection", "connection_id", id)
		m.Remove(id)
	}
}

// CloseAll tears down every connection, used on shutdown.
func (m *ConnectionManager) CloseAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.connections))
	for id := range m.connections {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Remove(id)
	}
}

// Len reports the number of active connections.
func (m *ConnectionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// Connections returns the public view of every active connection.
func (m *ConnectionManager) Connections() []models.ConnectionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]models.ConnectionInfo, 0, len(m.connections))
	for _, c := range m.connections {
		infos = append(infos, c.Info())
	}
	return infos
}

// Snapshot returns module statistics.
func (m *ConnectionManager) Snapshot() models.Stats {
	m.mu.RLock()
	active := len(m.connections)
	m.mu.RUnlock()

	return models.Stats{
		ActiveConnections: active,
		TotalConnections:  m.total.Load(),
		FramesEnqueued:    m.enqueued.Load(),
		FramesDropped:     m.dropped.Load(),
		CommandsHandled:   m.commands.Load(),
		CommandErrors:     m.errors.Load(),
	}
}
