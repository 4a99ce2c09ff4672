// Package router translates chat operations into durable log writes and bus
// publishes, in that order: nothing is announced to a room that was not
// stored first.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/ArditZubaku/my-realtime-chat/internal/chat"
	"github.com/ArditZubaku/my-realtime-chat/internal/metrics"
	"github.com/ArditZubaku/my-realtime-chat/internal/presence"
	"github.com/ArditZubaku/my-realtime-chat/internal/protocol"
)

// LogStore is the slice of the message store the router writes to.
type LogStore interface {
	AppendRoom(ctx context.Context, msg chat.Message) error
	AppendPrivate(ctx context.Context, pm chat.PrivateMessage) error
}

// BusPublisher is the slice of the fan-out bus the router publishes on.
type BusPublisher interface {
	PublishRoomAll(room string, payload []byte) error
	PublishRoomExcept(room, origin string, payload []byte) error
	PublishDirect(server, connID string, payload []byte) error
}

// PresenceLookup resolves usernames to socket locations.
type PresenceLookup interface {
	Lookup(ctx context.Context, username string) (presence.Location, bool, error)
}

// Router owns the fan-out write path. It composes each outbound event once;
// subscribers write the payload bytes to their sockets verbatim.
type Router struct {
	store    LogStore
	bus      BusPublisher
	presence PresenceLookup
}

// New creates a Router over the given store, bus, and presence directory.
func New(store LogStore, bus BusPublisher, presence PresenceLookup) *Router {
	return &Router{store: store, bus: bus, presence: presence}
}

// BroadcastMessage appends a room message to its log and then broadcasts it
// to every subscriber of the room, sender included. An append failure aborts
// the broadcast; a failed publish after a successful append leaves the
// message in the log.
func (r *Router) BroadcastMessage(ctx context.Context, msg chat.Message) error {
	start := time.Now()
	if err := r.store.AppendRoom(ctx, msg); err != nil {
		return fmt.Errorf("router: store message for %q: %w", msg.Room, err)
	}
	metrics.HistoryAppendSeconds.Observe(time.Since(start).Seconds())

	payload, err := protocol.NewServerMessage(protocol.TypeReceiveMessage, msg)
	if err != nil {
		return fmt.Errorf("router: encode receive_message: %w", err)
	}
	if err := r.bus.PublishRoomAll(msg.Room, payload); err != nil {
		return fmt.Errorf("router: broadcast to %q: %w", msg.Room, err)
	}
	return nil
}

// BroadcastTyping fans a typing indicator out to the room, excluding the
// typist. Nothing is persisted.
func (r *Router) BroadcastTyping(room, username string, isTyping bool, origin string) error {
	payload, err := protocol.NewServerMessage(protocol.TypeUserTyping, protocol.UserTypingMsg{
		Username: username,
		IsTyping: isTyping,
	})
	if err != nil {
		return fmt.Errorf("router: encode user_typing: %w", err)
	}
	if err := r.bus.PublishRoomExcept(room, origin, payload); err != nil {
		return fmt.Errorf("router: typing broadcast to %q: %w", room, err)
	}
	return nil
}

// DeliverPrivate appends a private message to its directional conversation
// log and then attempts delivery: if the recipient is bound in the presence
// directory, the event is published directly to their connection. It reports
// whether delivery was attempted; (false, nil) means the recipient is
// offline, which is a normal outcome, not an error.
func (r *Router) DeliverPrivate(ctx context.Context, pm chat.PrivateMessage) (bool, error) {
	start := time.Now()
	if err := r.store.AppendPrivate(ctx, pm); err != nil {
		return false, fmt.Errorf("router: store private message: %w", err)
	}
	metrics.HistoryAppendSeconds.Observe(time.Since(start).Seconds())

	loc, found, err := r.presence.Lookup(ctx, pm.To)
	if err != nil {
		return false, fmt.Errorf("router: locate %q: %w", pm.To, err)
	}
	if !found {
		return false, nil
	}

	payload, err := protocol.NewServerMessage(protocol.TypeReceivePrivateMessage, protocol.ReceivePrivateMessageMsg{
		From:      pm.From,
		Message:   pm.Body,
		Timestamp: pm.Timestamp,
	})
	if err != nil {
		return false, fmt.Errorf("router: encode receive_private_message: %w", err)
	}
	if err := r.bus.PublishDirect(loc.Server, loc.ConnID, payload); err != nil {
		return false, fmt.Errorf("router: direct publish to %s/%s: %w", loc.Server, loc.ConnID, err)
	}
	return true, nil
}

// AnnounceJoin tells a room that a user joined. The joining connection is
// excluded from the broadcast.
func (r *Router) AnnounceJoin(room, username, origin string) error {
	payload, err := protocol.NewServerMessage(protocol.TypeUserJoined, protocol.UserJoinedMsg{
		Username: username,
		Room:     room,
	})
	if err != nil {
		return fmt.Errorf("router: encode user_joined: %w", err)
	}
	if err := r.bus.PublishRoomExcept(room, origin, payload); err != nil {
		return fmt.Errorf("router: join announce to %q: %w", room, err)
	}
	return nil
}

// AnnounceLeave tells a room that a user left. The leaving connection is
// excluded from the broadcast.
func (r *Router) AnnounceLeave(room, username, origin string) error {
	payload, err := protocol.NewServerMessage(protocol.TypeUserLeft, protocol.UserLeftMsg{
		Username: username,
		Room:     room,
	})
	if err != nil {
		return fmt.Errorf("router: encode user_left: %w", err)
	}
	if err := r.bus.PublishRoomExcept(room, origin, payload); err != nil {
		return fmt.Errorf("router: leave announce to %q: %w", room, err)
	}
	return nil
}
