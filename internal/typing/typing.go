// Package typing sends the outbound "I am typing" signal. It is debounced on
// the leading edge: the first keystroke in a chat sends at once and further
// keystrokes are dropped until the cooldown has passed. No "stopped typing"
// signal exists; the server expires the state on its own.
package typing

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/whisper/matchsync/internal/access"
	"github.com/whisper/matchsync/internal/logging"
	"github.com/whisper/matchsync/internal/metrics"
	"github.com/whisper/matchsync/internal/ratelimit"
)

// Sender delivers the typing signal for a chat.
type Sender interface {
	SetTyping(ctx context.Context, chatID string) error
}

// Cooldown decides whether a signal for chatID may be sent now. Acquire
// claims the window when it returns true.
type Cooldown interface {
	Acquire(ctx context.Context, chatID string) bool
}

// Config holds tunables for the Controller.
type Config struct {
	Cooldown    time.Duration
	SendTimeout time.Duration
}

// DefaultConfig returns a 3 second cooldown.
func DefaultConfig() Config {
	return Config{Cooldown: 3 * time.Second, SendTimeout: 5 * time.Second}
}

// MemoryCooldown tracks the last signal per chat in process.
type MemoryCooldown struct {
	clk    clock.Clock
	window time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

// NewMemoryCooldown creates a MemoryCooldown. A nil clock means wall time.
func NewMemoryCooldown(clk clock.Clock, window time.Duration) *MemoryCooldown {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryCooldown{clk: clk, window: window, last: make(map[string]time.Time)}
}

func (c *MemoryCooldown) Acquire(_ context.Context, chatID string) bool {
	now := c.clk.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if last, ok := c.last[chatID]; ok && now.Sub(last) < c.window {
		return false
	}
	c.last[chatID] = now
	return true
}

// RedisCooldown shares the window across processes through a Limiter.
type RedisCooldown struct {
	limiter *ratelimit.Limiter
	rule    ratelimit.Rule
	userID  string
}

// NewRedisCooldown creates a RedisCooldown for userID with the given window.
func NewRedisCooldown(limiter *ratelimit.Limiter, userID string, window time.Duration) *RedisCooldown {
	rule := ratelimit.RuleTyping
	if window > 0 {
		rule = rule.WithWindow(window)
	}
	return &RedisCooldown{limiter: limiter, rule: rule, userID: userID}
}

func (c *RedisCooldown) Acquire(ctx context.Context, chatID string) bool {
	ok, _ := c.limiter.Allow(ctx, c.userID+":"+chatID, c.rule)
	return ok
}

// Controller debounces typing signals per chat.
type Controller struct {
	sender   Sender
	cooldown Cooldown
	timeout  time.Duration
	gate     GateReader
	log      *logrus.Entry

	wg sync.WaitGroup
}

// GateReader returns the current access gate.
type GateReader interface {
	Gate() access.Gate
}

// Option configures a Controller.
type Option func(*Controller)

// WithGate drops every signal while g is closed.
func WithGate(g GateReader) Option {
	return func(c *Controller) { c.gate = g }
}

// New creates a Controller.
func New(sender Sender, cooldown Cooldown, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		sender:   sender,
		cooldown: cooldown,
		timeout:  cfg.SendTimeout,
		log:      logging.For("typing"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NotifyTyping is called on every local input change in chatID. It reports
// whether a signal was sent. The send runs in the background and its errors
// are dropped.
func (c *Controller) NotifyTyping(chatID string) bool {
	if c.gate != nil && !c.gate.Gate().IsOpen() {
		metrics.TypingSignals.WithLabelValues("gated").Inc()
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	if !c.cooldown.Acquire(ctx, chatID) {
		cancel()
		metrics.TypingSignals.WithLabelValues("suppressed").Inc()
		return false
	}

	metrics.TypingSignals.WithLabelValues("sent").Inc()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		if err := c.sender.SetTyping(ctx, chatID); err != nil {
			c.log.WithError(err).WithField("chat_id", chatID).Debug("typing signal failed")
		}
	}()
	return true
}

// Wait blocks until in-flight signals finish.
func (c *Controller) Wait() {
	c.wg.Wait()
}
