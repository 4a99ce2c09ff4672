// Package ratelimit enforces per-user action budgets with Redis fixed
// windows: the first action in a window creates a counter carrying the
// window's TTL, later actions increment it, and the budget is spent once the
// counter passes the rule's limit. Counters live in Redis so every chat
// instance sees the same spend.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is one action budget: how many times a user may perform an action per
// window. Key prefixes the identifier in Redis, keeping rules independent of
// each other.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

var (
	// RuleMessage allows 20 room messages per 10 seconds per username.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 20, Window: 10 * time.Second}

	// RulePrivate allows 10 private messages per 10 seconds per username.
	RulePrivate = Rule{Key: "rl:pm:", Limit: 10, Window: 10 * time.Second}

	// RuleJoin allows 5 room joins per minute per connection.
	RuleJoin = Rule{Key: "rl:join:", Limit: 5, Window: 1 * time.Minute}
)

// Limiter answers allow/deny against the shared counters.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow spends one unit of the identifier's budget under rule and reports
// whether the spend stayed within the limit. Chat must keep flowing through
// a limiter outage, so every Redis failure here allows the action and hands
// the error back for the caller's log.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] count %s: %v (allowing)", key, err)
		return true, err
	}
	if count == 1 {
		// The first action in a window arms its expiry. If arming fails the
		// counter would never reset, so it is removed instead.
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] arm window %s: %v (allowing)", key, err)
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// RetryAfter returns how many seconds remain until the identifier's current
// window expires, rounded up. When the key has no TTL, or on Redis errors, it
// reports the full window so clients back off conservatively.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) int {
	key := rule.Key + identifier
	fullWindow := int((rule.Window + time.Second - 1) / time.Second)

	ttl, err := l.client.TTL(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] window ttl %s: %v", key, err)
		return fullWindow
	}
	if ttl <= 0 {
		return fullWindow
	}
	return int((ttl + time.Second - 1) / time.Second)
}
