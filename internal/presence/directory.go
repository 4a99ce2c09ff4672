// Package presence maintains the shared username -> socket location
// directory that lets any server instance find where a user is connected.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix is the prefix of presence keys in Redis.
const KeyPrefix = "user_sockets:"

// Location identifies the socket a username is bound to: the server instance
// holding the connection plus the connection id on that instance.
type Location struct {
	Server string `json:"server"`
	ConnID string `json:"conn_id"`
}

// Directory is the Redis-backed presence map. Bindings carry no TTL; they
// are written at join and removed at disconnect. Binding an already-bound
// username overwrites the previous location (last writer wins).
type Directory struct {
	rdb          *redis.Client
	unbindScript *redis.Script
}

// NewDirectory creates a Directory backed by the given Redis client.
func NewDirectory(rdb *redis.Client) *Directory {
	return &Directory{
		rdb:          rdb,
		unbindScript: redis.NewScript(unbindLua),
	}
}

// Key returns the Redis key of a username's binding.
func Key(username string) string {
	return KeyPrefix + username
}

// Bind records username as connected at loc, replacing any previous binding.
func (d *Directory) Bind(ctx context.Context, username string, loc Location) error {
	if username == "" {
		return fmt.Errorf("presence: bind: empty username")
	}
	data, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("presence: marshal location: %w", err)
	}
	if err := d.rdb.Set(ctx, Key(username), data, 0).Err(); err != nil {
		return fmt.Errorf("presence: bind %q: %w", username, err)
	}
	return nil
}

// Lookup returns the location bound to username. The second return value is
// false when the user is not bound anywhere; that is not an error.
func (d *Directory) Lookup(ctx context.Context, username string) (Location, bool, error) {
	data, err := d.rdb.Get(ctx, Key(username)).Result()
	if errors.Is(err, redis.Nil) {
		return Location{}, false, nil
	}
	if err != nil {
		return Location{}, false, fmt.Errorf("presence: lookup %q: %w", username, err)
	}
	var loc Location
	if err := json.Unmarshal([]byte(data), &loc); err != nil {
		return Location{}, false, fmt.Errorf("presence: decode location of %q: %w", username, err)
	}
	return loc, true, nil
}

// Unbind removes the binding for username only if it still points at loc,
// and reports whether a deletion happened. A username rebound by a newer
// login keeps its binding, so a late disconnect cleanup cannot evict it.
// Location structs marshal with fixed field order, which makes the stored
// and presented values byte-comparable.
func (d *Directory) Unbind(ctx context.Context, username string, loc Location) (bool, error) {
	data, err := json.Marshal(loc)
	if err != nil {
		return false, fmt.Errorf("presence: marshal location: %w", err)
	}
	n, err := d.unbindScript.Run(ctx, d.rdb, []string{Key(username)}, string(data)).Int()
	if err != nil {
		return false, fmt.Errorf("presence: unbind %q: %w", username, err)
	}
	return n == 1, nil
}

// unbindLua deletes the key only when its current value matches the caller's
// serialized location.
const unbindLua = `
local current = redis.call('GET', KEYS[1])
if current == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`
