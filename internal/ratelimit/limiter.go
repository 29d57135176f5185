// Package ratelimit keeps fixed-window counters in Redis. Engines that share
// one account use it for the typing cooldown, so only one of them signals a
// chat per window.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/whisper/matchsync/internal/logging"
)

// Rule is a window policy: key prefix, events allowed per window, window length.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

// RuleTyping allows one typing signal per user and chat every 3 seconds.
var RuleTyping = Rule{Key: "rl:typing:", Limit: 1, Window: 3 * time.Second}

// WithWindow returns a copy of r with a different window.
func (r Rule) WithWindow(d time.Duration) Rule {
	r.Window = d
	return r
}

// Limiter counts events per identifier in Redis.
type Limiter struct {
	client *redis.Client
	log    *logrus.Entry
}

// NewLimiter creates a Limiter backed by client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client, log: logging.For("ratelimit")}
}

// Allow counts one event for identifier and reports whether it is within
// rule. The counter and its expiry are written in one pipeline; the expiry
// is only set when the key has none, so the window is anchored at the first
// event. A Redis failure allows the event and returns the error.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.ExpireNX(ctx, key, rule.Window)
		return nil
	})
	if err != nil {
		l.log.WithError(err).WithField("key", key).Debug("window check failed, allowing")
		return true, fmt.Errorf("ratelimit: allow %s: %w", key, err)
	}
	return int(incr.Val()) <= rule.Limit, nil
}
