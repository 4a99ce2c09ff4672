// Package messaging provides the NATS-backed fan-out bus that carries chat
// traffic between server instances: room broadcast channels, per-connection
// direct delivery, and the abuse report feed.
package messaging

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectReports carries abuse reports from chat servers to the moderator
// service.
const SubjectReports = "report.filed"

// Envelope wraps every room broadcast. Payload is the fully-encoded client
// event; Origin and Exclude let a subscriber drop events its own connection
// produced (join/leave announcements, typing indicators).
type Envelope struct {
	Origin  string          `json:"origin,omitempty"`
	Exclude bool            `json:"exclude,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Config holds bus connection settings.
type Config struct {
	Host           string        // broker host
	Port           int           // broker port
	Name           string        // client name for identification
	ConnectTimeout time.Duration // dial timeout per attempt
	RetryBaseWait  time.Duration // backoff unit: wait = base * attempt
	MaxRetryWait   time.Duration // backoff ceiling
	ConnectRetries int           // initial connect attempts before giving up
}

// DefaultConfig returns sensible defaults (localhost broker, 5 connect
// attempts backing off from 500ms up to 10s).
func DefaultConfig() Config {
	return Config{
		Host:           "localhost",
		Port:           4222,
		Name:           "rtchat",
		ConnectTimeout: 5 * time.Second,
		RetryBaseWait:  500 * time.Millisecond,
		MaxRetryWait:   10 * time.Second,
		ConnectRetries: 5,
	}
}

// URL renders the broker address in NATS form.
func (c Config) URL() string {
	return fmt.Sprintf("nats://%s:%d", c.Host, c.Port)
}

// backoffWait computes the linear capped backoff for the given 1-based
// attempt number. The same curve is used for initial connects and for
// mid-session reconnects.
func (c Config) backoffWait(attempt int) time.Duration {
	wait := c.RetryBaseWait * time.Duration(attempt)
	if wait > c.MaxRetryWait {
		wait = c.MaxRetryWait
	}
	return wait
}

// Bus wraps the NATS connection with the chat fan-out primitives. Room
// subscriptions are keyed by connection id so each connection's subscription
// can be cancelled individually on disconnect.
type Bus struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Connect dials the broker, retrying with linear capped backoff up to
// cfg.ConnectRetries attempts. Once connected, mid-session drops reconnect
// indefinitely on the same backoff curve; only the initial connect can fail
// permanently.
func Connect(cfg Config) (*Bus, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			wait := cfg.backoffWait(attempts)
			log.Printf("[bus] reconnect attempt %d in %s", attempts, wait)
			return wait
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[bus] disconnected: %v", err)
			} else {
				log.Printf("[bus] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[bus] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[bus] connection closed")
		}),
	}

	var (
		nc  *nats.Conn
		err error
	)
	for attempt := 1; ; attempt++ {
		nc, err = nats.Connect(cfg.URL(), opts...)
		if err == nil {
			break
		}
		if attempt >= cfg.ConnectRetries {
			return nil, fmt.Errorf("bus: connect to %s failed after %d attempts: %w", cfg.URL(), attempt, err)
		}
		wait := cfg.backoffWait(attempt)
		log.Printf("[bus] connect attempt %d/%d failed: %v (retrying in %s)", attempt, cfg.ConnectRetries, err, wait)
		time.Sleep(wait)
	}

	log.Printf("[bus] connected to %s", nc.ConnectedUrl())

	return &Bus{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// RoomSubject returns the broadcast subject of a room. Room names are
// user-supplied strings, so they are encoded to a subject-safe token.
func RoomSubject(room string) string {
	return "room." + token(room)
}

// directPrefix returns the subject prefix for direct deliveries to one
// server instance; the connection id completes the subject.
func directPrefix(server string) string {
	return "direct." + token(server) + "."
}

// token encodes an arbitrary name into the NATS subject alphabet.
func token(name string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(name))
}

func roomSubKey(connID string) string {
	return "roomsub:" + connID
}

// PublishRoomAll broadcasts an event to every subscriber of a room,
// including the connection that produced it.
func (b *Bus) PublishRoomAll(room string, payload []byte) error {
	return b.publishRoom(room, Envelope{Payload: payload})
}

// PublishRoomExcept broadcasts an event to every subscriber of a room except
// the origin connection, which drops it on receipt.
func (b *Bus) PublishRoomExcept(room, origin string, payload []byte) error {
	return b.publishRoom(room, Envelope{Origin: origin, Exclude: true, Payload: payload})
}

func (b *Bus) publishRoom(room string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: marshal envelope: %w", err)
	}
	subject := RoomSubject(room)
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	return nil
}

// SubscribeRoom subscribes one connection to a room's broadcast channel.
// deliver receives the event payload bytes, already filtered for the
// origin-exclusion rule. The subscription is keyed by connection id so
// multiple connections on the same server can follow the same room.
func (b *Bus) SubscribeRoom(room, connID string, deliver func(payload []byte)) error {
	subject := RoomSubject(room)
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Printf("[bus] bad envelope on %s: %v", msg.Subject, err)
			return
		}
		if env.Exclude && env.Origin == connID {
			return
		}
		deliver(env.Payload)
	})
	if err != nil {
		return fmt.Errorf("bus: subscribe %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs[roomSubKey(connID)] = sub
	b.mu.Unlock()
	return nil
}

// UnsubscribeRoom cancels a connection's room subscription. After it
// returns, no further deliveries are dispatched for that connection.
func (b *Bus) UnsubscribeRoom(connID string) error {
	return b.unsubscribe(roomSubKey(connID))
}

// PublishDirect sends an event to a single connection on whichever server
// instance holds it. The payload travels bare; there is no exclusion
// filtering on point-to-point delivery.
func (b *Bus) PublishDirect(server, connID string, payload []byte) error {
	subject := directPrefix(server) + connID
	if err := b.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	return nil
}

// SubscribeDirect opens this instance's direct-delivery subscription
// (one wildcard subscription per server process). deliver receives the
// target connection id parsed from the subject plus the payload.
func (b *Bus) SubscribeDirect(server string, deliver func(connID string, payload []byte)) error {
	prefix := directPrefix(server)
	subject := prefix + "*"
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		connID := strings.TrimPrefix(msg.Subject, prefix)
		deliver(connID, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("bus: subscribe %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs["direct"] = sub
	b.mu.Unlock()
	return nil
}

// PublishReport publishes an abuse report to the moderator feed.
func (b *Bus) PublishReport(data []byte) error {
	if err := b.conn.Publish(SubjectReports, data); err != nil {
		return fmt.Errorf("bus: publish %s: %w", SubjectReports, err)
	}
	return nil
}

// SubscribeReports subscribes to the abuse report feed.
func (b *Bus) SubscribeReports(handler func(data []byte)) error {
	sub, err := b.conn.Subscribe(SubjectReports, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("bus: subscribe %s: %w", SubjectReports, err)
	}

	b.mu.Lock()
	b.subs["reports"] = sub
	b.mu.Unlock()
	return nil
}

// Close drains all active subscriptions and closes the connection.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[bus] drain %s: %v", key, err)
		}
	}
	b.subs = make(map[string]*nats.Subscription)

	if err := b.conn.Drain(); err != nil {
		log.Printf("[bus] connection drain: %v", err)
	}

	log.Printf("[bus] closed")
}

// unsubscribe removes and unsubscribes a tracked subscription.
func (b *Bus) unsubscribe(key string) error {
	b.mu.Lock()
	sub, ok := b.subs[key]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("bus: no subscription for %s", key)
	}
	delete(b.subs, key)
	b.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("bus: unsubscribe %s: %w", key, err)
	}
	return nil
}
