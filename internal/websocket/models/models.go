// Package models defines the websocket wire protocol and connection state:
// inbound client commands, outbound frames, and the per-connection bounded
// delivery queue.
package models

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Inbound command types.
const (
	CommandSubscribe   = "subscribe"
	CommandUnsubscribe = "unsubscribe"
	CommandHeartbeat   = "heartbeat"
)

// Outbound frame types.
const (
	FrameConnected    = "connected"
	FrameSubscribed   = "subscribed"
	FrameUnsubscribed = "unsubscribed"
	FrameKillUpdate   = "detailed_kill_update"
	FrameHeartbeat    = "heartbeat"
	FrameError        = "error"
)

// Command is one inbound client message.
type Command struct {
	Type         string  `json:"type"`
	SubscriberID string  `json:"subscriber_id,omitempty"`
	SystemIDs    []int64 `json:"system_ids,omitempty"`
	CharacterIDs []int64 `json:"character_ids,omitempty"`
}

// Frame is one outbound message.
type Frame struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Connection wraps one websocket client. Every write goes through the write
// pump so data frames and ping control frames never interleave. The outbound
// queue is bounded: when a slow consumer falls behind, the oldest queued
// frame is dropped to make room, never the ingest path blocked.
type Connection struct {
	ID        string          `json:"id"`
	Conn      *websocket.Conn `json:"-"`
	CreatedAt time.Time       `json:"created_at"`

	queue chan Frame
	done  chan struct{}
	once  sync.Once

	mu           sync.RWMutex
	subscriberID string
	cancelFeed   func()
	lastPong     time.Time
}

// ConnectionInfo is the public representation of a connection.
type ConnectionInfo struct {
	ID           string    `json:"id"`
	SubscriberID string    `json:"subscriber_id,omitempty"`
	QueueDepth   int       `json:"queue_depth"`
	CreatedAt    time.Time `json:"created_at"`
}

// Stats represents websocket module statistics.
type Stats struct {
	ActiveConnections int   `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	FramesEnqueued    int64 `json:"frames_enqueued"`
	FramesDropped     int64 `json:"frames_dropped"`
	CommandsHandled   int64 `json:"commands_handled"`
	CommandErrors     int64 `json:"command_errors"`
}

// NewConnection creates a connection with a bounded outbound queue.
func NewConnection(conn *websocket.Conn, queueSize int) *Connection {
	now := time.Now()
	return &Connection{
		ID:        uuid.New().String(),
		Conn:      conn,
		CreatedAt: now,
		queue:     make(chan Frame, queueSize),
		done:      make(chan struct{}),
		lastPong:  now,
	}
}

// Enqueue queues a frame for delivery. When the queue is full the oldest
// frame is evicted; dropped reports how many were lost. Returns false once
// the connection is closed.
func (c *Connection) Enqueue(f Frame) (ok bool, dropped int) {
	for {
		select {
		case <-c.done:
			return false, dropped
		case c.queue <- f:
			return true, dropped
		default:
		}
		select {
		case <-c.queue:
			dropped++
		default:
		}
	}
}

// QueueDepth reports the number of frames waiting for the write pump.
func (c *Connection) QueueDepth() int {
	return len(c.queue)
}

// WritePump drains the outbound queue and emits keepalive pings. It owns all
// writes on the underlying connection and exits on the first write failure.
func (c *Connection) WritePump(pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case f := <-c.queue:
			c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.Conn.WriteJSON(f); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// Close shuts the connection down. Idempotent.
func (c *Connection) Close() {
	c.once.Do(func() {
		close(c.done)
		if c.Conn != nil {
			c.Conn.Close()
		}
	})
}

// Done is closed when the connection has shut down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// BindFeed attaches the connection to a subscriber's delivery topic,
// replacing any previous binding.
func (c *Connection) BindFeed(subscriberID string, cancel func()) {
	c.mu.Lock()
	prev := c.cancelFeed
	c.subscriberID = subscriberID
	c.cancelFeed = cancel
	c.mu.Unlock()

	if prev != nil {
		prev()
	}
}

// Unbind detaches the delivery topic and returns the subscriber id that was
// bound, or "" when there was none.
func (c *Connection) Unbind() string {
	c.mu.Lock()
	subscriberID := c.subscriberID
	cancel := c.cancelFeed
	c.subscriberID = ""
	c.cancelFeed = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return subscriberID
}

// SubscriberID returns the currently bound subscriber id, if any.
func (c *Connection) SubscriberID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscriberID
}

// MarkPong records keepalive activity.
func (c *Connection) MarkPong() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPong = time.Now()
}

// Alive reports whether the connection responded to a ping within window.
func (c *Connection) Alive(window time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.lastPong) < window
}

// Info returns the public representation of the connection.
func (c *Connection) Info() ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConnectionInfo{
		ID:           c.ID,
		SubscriberID: c.subscriberID,
		QueueDepth:   len(c.queue),
		CreatedAt:    c.CreatedAt,
	}
}
