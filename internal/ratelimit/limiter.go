// Package ratelimit throttles senders and connection attempts with a fixed
// window counter in Redis. Sends are keyed by sender user ID and upgrades by
// remote IP.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is one limit: at most Limit hits per Window for each identifier under
// the Key prefix.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

var (
	// RuleSend allows 20 sends per 10 seconds per sender.
	RuleSend = Rule{Key: "rl:send:", Limit: 20, Window: 10 * time.Second}

	// RuleConnect allows 30 WebSocket upgrades per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 30, Window: time.Minute}
)

// hit increments the window counter and starts its expiry on the first hit
// in one round trip, so a counter never outlives its window. It returns the
// count and the remaining TTL in milliseconds.
var hit = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int           // hits left in the current window
	RetryAfter time.Duration // until the window resets; zero when allowed
}

// Limiter checks rules against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow records a hit for identifier under rule. On Redis errors it fails
// open: the hit is allowed and the error returned for logging.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (Decision, error) {
	key := rule.Key + identifier

	res, err := hit.Run(ctx, l.client, []string{key}, rule.Window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		log.Printf("[ratelimit] redis error key=%s: %v (failing open)", key, err)
		return Decision{Allowed: true, Remaining: rule.Limit}, err
	}

	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	d := Decision{Allowed: count <= rule.Limit, Remaining: max(rule.Limit-count, 0)}
	if !d.Allowed && ttl > 0 {
		d.RetryAfter = ttl
	}
	return d, nil
}

// Remaining reports how many hits identifier has left under rule without
// recording one. A missing counter means the full limit.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("[ratelimit] redis GET error key=%s: %v (failing open)", key, err)
		return rule.Limit, err
	}
	return max(rule.Limit-count, 0), nil
}
