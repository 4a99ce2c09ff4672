// Package ban provides username-keyed temporary bans backed by Redis. A ban
// is the key ban:<username> holding the reason string, with the ban duration
// as its TTL, so lifting happens by expiry with no sweeper. Repeat offenses
// escalate through a 24h offense counter kept alongside.
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// BanPrefix namespaces active ban keys.
	BanPrefix = "ban:"

	// ReportsPrefix is the Redis key prefix for the per-username offense
	// counters driving the escalating ban durations.
	ReportsPrefix = "reports:"

	// Escalating ban durations.
	Ban15Min  = 15 * time.Minute // 1st offense
	Ban1Hour  = 1 * time.Hour    // 2nd offense
	Ban24Hour = 24 * time.Hour   // 3rd+ offense

	// ReportsTTL is how long the offense counter lives without new offenses
	// before resetting to zero.
	ReportsTTL = 24 * time.Hour

	// AutoBanThreshold is the default number of reports within the counter
	// window that escalates into a ban.
	AutoBanThreshold = 3
)

// escalation maps offense count (1-based) to ban duration; offenses past the
// end of the ladder stay at the last rung. There are no permanent bans.
var escalation = []time.Duration{Ban15Min, Ban1Hour, Ban24Hour}

func escalationDuration(offenses int) time.Duration {
	if offenses < 1 {
		offenses = 1
	}
	if offenses > len(escalation) {
		offenses = len(escalation)
	}
	return escalation[offenses-1]
}

// Store reads and writes ban state on a shared Redis client.
type Store struct {
	client *redis.Client
}

// NewStore creates a ban store on the given Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// IsBanned reports whether a username is currently banned, along with the
// remaining seconds and the recorded reason. The value and TTL are fetched in
// one pipelined round trip. Redis errors are returned so callers can decide
// how to handle them; the join path fails open.
func (s *Store) IsBanned(ctx context.Context, username string) (bool, int, string, error) {
	key := BanPrefix + username

	pipe := s.client.Pipeline()
	get := pipe.Get(ctx, key)
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return false, 0, "", err
	}

	reason, err := get.Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, "", nil
	}
	if err != nil {
		return false, 0, "", err
	}

	remaining := 0
	if d, err := ttl.Result(); err == nil && d > 0 {
		remaining = int(d.Seconds())
	}
	return true, remaining, reason, nil
}

// Ban bans a username for the given duration with the given reason. The ban
// expires on its own once the duration elapses.
func (s *Store) Ban(ctx context.Context, username string, duration time.Duration, reason string) error {
	return s.client.Set(ctx, BanPrefix+username, reason, duration).Err()
}

// Unban lifts a ban immediately.
func (s *Store) Unban(ctx context.Context, username string) error {
	return s.client.Del(ctx, BanPrefix+username).Err()
}

// OffenseCount returns the current offense counter for a username. A missing
// or expired counter reads as zero.
func (s *Store) OffenseCount(ctx context.Context, username string) (int, error) {
	val, err := s.client.Get(ctx, ReportsPrefix+username).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// Escalate records one more offense against a username and applies a ban
// whose duration climbs the ladder (15 minutes, then 1 hour, then 24 hours
// for every offense after that). The counter's TTL is armed only when the
// counter is created, so the 24h window does not slide with each offense.
// Returns the applied duration.
func (s *Store) Escalate(ctx context.Context, username string, reason string) (time.Duration, error) {
	key := ReportsPrefix + username

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ban: escalate incr: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, ReportsTTL).Err(); err != nil {
			return 0, fmt.Errorf("ban: escalate expire: %w", err)
		}
	}

	duration := escalationDuration(int(count))
	if err := s.Ban(ctx, username, duration, reason); err != nil {
		return 0, fmt.Errorf("ban: escalate ban: %w", err)
	}
	return duration, nil
}
