package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

const (
	// RoomPrefix is the key prefix of room message logs.
	RoomPrefix = "room:"
	// ConversationPrefix is the key prefix of directional private logs.
	ConversationPrefix = "PM:"
)

// Paging validation errors, distinct from storage failures so callers can
// report them as bad input rather than a backend problem.
var (
	ErrPageSize  = errors.New("page size must be positive")
	ErrPageIndex = errors.New("page index must not be negative")
)

// Store persists room and private-conversation message logs as Redis lists.
// List order is append order, so every log is totally ordered by arrival at
// the store; single-key list operations keep concurrent appends atomic.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a message log store backed by Redis.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// RoomKey returns the Redis key of a room's message log.
func RoomKey(room string) string {
	return RoomPrefix + room
}

// ConversationKey returns the Redis key of the private log from one user to
// another. The reverse direction is a separate key.
func ConversationKey(from, to string) string {
	return ConversationPrefix + from + ":" + to
}

// AppendRoom appends one message to the tail of its room's log.
func (s *Store) AppendRoom(ctx context.Context, msg Message) error {
	if msg.Room == "" {
		return fmt.Errorf("chat: append room message: empty room")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("chat: marshal room message: %w", err)
	}
	if err := s.rdb.RPush(ctx, RoomKey(msg.Room), data).Err(); err != nil {
		return fmt.Errorf("chat: append to %s: %w", RoomKey(msg.Room), err)
	}
	return nil
}

// RoomTail returns the last n messages of a room's log, oldest first. A room
// with fewer than n messages yields all of them; an unknown room yields an
// empty slice.
func (s *Store) RoomTail(ctx context.Context, room string, n int) ([]Message, error) {
	if n <= 0 {
		return []Message{}, nil
	}
	key := RoomKey(room)
	raw, err := s.rdb.LRange(ctx, key, int64(-n), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("chat: tail of %s: %w", key, err)
	}
	return decodeMessages(key, raw), nil
}

// RoomPage returns one fixed-size window of a room's log, counted backward
// from the newest entry: pageIndex 0 is the newest pageSize messages,
// pageIndex 1 the pageSize before those, and so on. Messages within the
// window come back oldest first. A window that starts past the beginning of
// the log is truncated; one that lies entirely before the beginning is empty.
func (s *Store) RoomPage(ctx context.Context, room string, pageSize, pageIndex int) ([]Message, error) {
	if pageSize <= 0 {
		return nil, ErrPageSize
	}
	if pageIndex < 0 {
		return nil, ErrPageIndex
	}

	key := RoomKey(room)
	length, err := s.rdb.LLen(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("chat: length of %s: %w", key, err)
	}

	// Appends land at the tail, so these head-relative indexes stay valid
	// even if messages arrive between the LLEN and the LRANGE.
	end := length - 1 - int64(pageIndex)*int64(pageSize)
	if end < 0 {
		return []Message{}, nil
	}
	start := end - int64(pageSize) + 1
	if start < 0 {
		start = 0
	}

	raw, err := s.rdb.LRange(ctx, key, start, end).Result()
	if err != nil {
		return nil, fmt.Errorf("chat: page of %s: %w", key, err)
	}
	return decodeMessages(key, raw), nil
}

// AppendPrivate appends one message to the tail of its directional
// conversation log.
func (s *Store) AppendPrivate(ctx context.Context, pm PrivateMessage) error {
	if pm.From == "" || pm.To == "" {
		return fmt.Errorf("chat: append private message: empty participant")
	}
	data, err := json.Marshal(pm)
	if err != nil {
		return fmt.Errorf("chat: marshal private message: %w", err)
	}
	key := ConversationKey(pm.From, pm.To)
	if err := s.rdb.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("chat: append to %s: %w", key, err)
	}
	return nil
}

// ConversationTail returns the last n messages sent from one user to
// another, oldest first.
func (s *Store) ConversationTail(ctx context.Context, from, to string, n int) ([]PrivateMessage, error) {
	if n <= 0 {
		return []PrivateMessage{}, nil
	}
	key := ConversationKey(from, to)
	raw, err := s.rdb.LRange(ctx, key, int64(-n), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("chat: tail of %s: %w", key, err)
	}

	msgs := make([]PrivateMessage, 0, len(raw))
	for _, r := range raw {
		var pm PrivateMessage
		if err := json.Unmarshal([]byte(r), &pm); err != nil {
			log.Printf("[chat] skipping corrupt entry in %s: %v", key, err)
			continue
		}
		msgs = append(msgs, pm)
	}
	return msgs, nil
}

// decodeMessages unmarshals raw list entries into Messages. A corrupt entry
// is logged and skipped rather than failing the whole read.
func decodeMessages(key string, raw []string) []Message {
	msgs := make([]Message, 0, len(raw))
	for _, r := range raw {
		var m Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			log.Printf("[chat] skipping corrupt entry in %s: %v", key, err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs
}
