// Package client provides a reusable WebSocket load test client for the chat
// backend. It connects using gobwas/ws (the same library the server uses),
// offers a blocking Join that completes when the server delivers the
// recent-history snapshot, and tracks per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Wire event types. Mirrored here so the loadtest module does not depend on
// the server module.
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinRoom           = "join_room"
	TypeSendMessage        = "send_message"
	TypeTyping             = "typing"
	TypeSendPrivateMessage = "send_private_message"
	TypeFetchOlderMessages = "fetch_older_messages"
	TypeReportUser         = "report_user"
	TypePing               = "ping"
)

// Server -> Client message types.
const (
	TypeLastMessages          = "last_messages"
	TypeUserJoined            = "user_joined"
	TypeUserLeft              = "user_left"
	TypeReceiveMessage        = "receive_message"
	TypeUserTyping            = "user_typing"
	TypeReceivePrivateMessage = "receive_private_message"
	TypePrivateMessageSent    = "private_message_sent"
	TypeOlderMessages         = "older_messages"
	TypeRateLimited           = "rate_limited"
	TypeBanned                = "banned"
	TypeError                 = "error"
	TypePong                  = "pong"
)

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	JoinLatency      time.Duration
	FirstMsgLatency  time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated user connection to the chat server.
// It manages the WebSocket lifecycle and dispatches incoming messages to
// registered handlers. The server requires no handshake: a connection is
// usable immediately, and Join enters a room when the scenario calls for one.
type Client struct {
	conn      net.Conn
	connected time.Time
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
	firstMsg  time.Time

	joinMu   sync.Mutex
	username string
	room     string
	joined   bool
	joinErr  string
}

// New dials the WebSocket URL and starts the read loop. ConnectLatency
// covers the dial only; the server needs no handshake beyond the upgrade.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:      conn,
		connected: time.Now(),
		handlers:  make(map[string]func(json.RawMessage)),
		done:      make(chan struct{}),
	}
	c.metrics.ConnectLatency = c.connected.Sub(start)

	go c.readLoop()

	return c, nil
}

// Send marshals msg and writes it as one text frame. Safe for concurrent
// use; the mutex also covers the sent-message count.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// On sets the handler for one server event type, replacing any previous one.
// Handlers run on the read loop goroutine with the raw event JSON, so they
// must not block. Register handlers before Join: the server stays silent
// until the join is sent, so registration races with no traffic.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlers[msgType] = handler
}

// Join claims the given username, enters the room, and blocks until the
// server confirms the join by delivering the recent-history snapshot or the
// context is cancelled. A refused join (banned, rate limited, invalid name)
// is returned as an error.
func (c *Client) Join(ctx context.Context, username, room string) error {
	c.joinMu.Lock()
	c.username = username
	c.room = room
	c.joinMu.Unlock()

	joinStart := time.Now()
	if err := c.Send(map[string]string{
		"type":     TypeJoinRoom,
		"username": username,
		"room":     room,
	}); err != nil {
		return fmt.Errorf("send join_room: %w", err)
	}

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("connection closed before join completed")
		case <-ticker.C:
			c.joinMu.Lock()
			joined, joinErr := c.joined, c.joinErr
			c.joinMu.Unlock()
			if joinErr != "" {
				return fmt.Errorf("join refused: %s", joinErr)
			}
			if joined {
				c.mu.Lock()
				c.metrics.JoinLatency = time.Since(joinStart)
				c.mu.Unlock()
				return nil
			}
		}
	}
}

// Close tears the connection down and stops the read loop. Calling it again
// is a no-op.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Username returns the name claimed by Join, or an empty string if the
// client has not joined a room.
func (c *Client) Username() string {
	c.joinMu.Lock()
	defer c.joinMu.Unlock()
	return c.username
}

// Room returns the room entered by Join, or an empty string if the client
// has not joined a room.
func (c *Client) Room() string {
	c.joinMu.Lock()
	defer c.joinMu.Unlock()
	return c.room
}

// GetMetrics returns a snapshot of the client's metrics. Scenarios poll it
// while the read loop is still running, so the copy is taken under the lock.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// readLoop reads frames until the connection closes, resolving pending joins
// and handing each event to its registered handler. A read error after Close
// is the shutdown path, not a failure.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.mu.Lock()
			c.metrics.Errors++
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		if c.firstMsg.IsZero() {
			c.firstMsg = time.Now()
			c.metrics.FirstMsgLatency = c.metrics.ConnectLatency + c.firstMsg.Sub(c.connected)
		}
		c.metrics.MessagesReceived++
		c.mu.Unlock()

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		// Resolve a pending Join internally: the history snapshot confirms
		// it, while error, banned, and rate_limited before confirmation
		// mean the join was refused.
		switch envelope.Type {
		case TypeLastMessages:
			c.joinMu.Lock()
			c.joined = true
			c.joinMu.Unlock()
		case TypeError, TypeBanned, TypeRateLimited:
			c.joinMu.Lock()
			if !c.joined && c.joinErr == "" {
				c.joinErr = refusalText(envelope.Type, data)
			}
			c.joinMu.Unlock()
		}

		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}

// refusalText extracts a human-readable reason from a join refusal event.
func refusalText(msgType string, data []byte) string {
	switch msgType {
	case TypeError:
		var msg struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &msg); err == nil && msg.Message != "" {
			return msg.Message
		}
		return "server error"
	case TypeBanned:
		var msg struct {
			Reason    string `json:"reason"`
			ExpiresIn int    `json:"expiresIn"`
		}
		if err := json.Unmarshal(data, &msg); err == nil && msg.Reason != "" {
			return fmt.Sprintf("banned (%s, expires in %ds)", msg.Reason, msg.ExpiresIn)
		}
		return "banned"
	case TypeRateLimited:
		var msg struct {
			RetryAfter int `json:"retryAfter"`
		}
		if err := json.Unmarshal(data, &msg); err == nil && msg.RetryAfter > 0 {
			return fmt.Sprintf("rate limited (retry after %ds)", msg.RetryAfter)
		}
		return "rate limited"
	}
	return msgType
}
