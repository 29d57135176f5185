// Package engine composes the sync engine for one signed-in user: the
// process-wide access gate and block relation, and a factory for gated
// screens that share them.
package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/whisper/matchsync/internal/access"
	"github.com/whisper/matchsync/internal/apperr"
	"github.com/whisper/matchsync/internal/block"
	"github.com/whisper/matchsync/internal/chat"
	"github.com/whisper/matchsync/internal/lifecycle"
	"github.com/whisper/matchsync/internal/logging"
	"github.com/whisper/matchsync/internal/ratelimit"
	"github.com/whisper/matchsync/internal/roster"
	"github.com/whisper/matchsync/internal/screen"
	"github.com/whisper/matchsync/internal/session"
	"github.com/whisper/matchsync/internal/thread"
	"github.com/whisper/matchsync/internal/typing"
)

// API is everything the engine reads from and writes to the server.
type API interface {
	roster.Source
	thread.Source
	lifecycle.Remote
	typing.Sender
	access.StatusSource
}

// Mirror observes gate changes and screen snapshots.
type Mirror interface {
	Gate(access.Gate)
	Roster(roster.Snapshot)
	Thread(thread.Snapshot)
}

// RefreshSource delivers out-of-band requests to reload the access status.
// A Mirror that also implements it is subscribed on Start.
type RefreshSource interface {
	OnRefresh(fn func()) (stop func(), err error)
}

// Config holds the engine settings.
type Config struct {
	Identity session.Identity
	Screen   screen.Config
	Thread   thread.Config
	Access   access.MonitorConfig
	Typing   typing.Config
}

// DefaultConfig returns the standard settings for id.
func DefaultConfig(id session.Identity) Config {
	acc := access.DefaultMonitorConfig()
	acc.UserID = id.UserID
	return Config{
		Identity: id,
		Screen:   screen.DefaultConfig(),
		Thread:   thread.DefaultConfig(),
		Access:   acc,
		Typing:   typing.DefaultConfig(),
	}
}

// Option configures optional collaborators.
type Option func(*Engine)

// WithClock replaces the wall clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) { e.clk = clk }
}

// WithRedis backs the status cache and typing cooldown with Redis so they
// are shared across engine processes for the same account.
func WithRedis(client *redis.Client) Option {
	return func(e *Engine) { e.redis = client }
}

// WithReporter stores a report whenever a block carries a reason.
func WithReporter(r lifecycle.Reporter) Option {
	return func(e *Engine) { e.reporter = r }
}

// WithMirror publishes gate changes and snapshots.
func WithMirror(m Mirror) Option {
	return func(e *Engine) { e.mirror = m }
}

// Engine owns the state shared by all screens of one user.
type Engine struct {
	api      API
	cfg      Config
	clk      clock.Clock
	redis    *redis.Client
	reporter lifecycle.Reporter
	mirror   Mirror
	log      *logrus.Entry

	state    *access.State
	monitor  *access.Monitor
	blocks   *block.Relation
	recent   *chat.MessageBuffer
	cooldown typing.Cooldown

	mu      sync.Mutex
	screens map[*screen.Controller]struct{}
	detach  func()
	unhook  func()
	closed  bool
}

// New builds a stopped Engine.
func New(api API, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		api:     api,
		cfg:     cfg,
		clk:     clock.New(),
		log:     logging.For("engine").WithField("user_id", cfg.Identity.UserID),
		blocks:  block.New(),
		recent:  chat.NewMessageBuffer(),
		screens: make(map[*screen.Controller]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.state = access.NewState(cfg.Identity.Role)

	var cache access.StatusCache
	if e.redis != nil {
		cache = access.NewRedisStatusCache(e.redis)
		e.cooldown = typing.NewRedisCooldown(ratelimit.NewLimiter(e.redis), cfg.Identity.UserID, cfg.Typing.Cooldown)
	} else {
		e.cooldown = typing.NewMemoryCooldown(e.clk, cfg.Typing.Cooldown)
	}
	accCfg := cfg.Access
	if accCfg.UserID == "" {
		accCfg.UserID = cfg.Identity.UserID
	}
	e.monitor = access.NewMonitor(e.state, api, cache, e.clk, accCfg)

	if e.mirror != nil {
		e.detach = e.state.Subscribe(func(_, next access.Gate) { e.mirror.Gate(next) })
	}
	return e
}

// Start loads the access status and the block list, then keeps the status
// fresh in the background. Only an authentication failure is returned; any
// other failure leaves the last known state and is retried by polling.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.monitor.Seed(ctx); err != nil {
		e.log.WithError(err).Debug("status cache unavailable")
	}
	if err := e.monitor.Refresh(ctx); err != nil {
		if errors.Is(err, apperr.ErrAuthentication) {
			return err
		}
		e.log.WithError(err).Warn("initial access refresh failed")
	}

	loader := lifecycle.New(lifecycle.Deps{
		SelfID: e.cfg.Identity.UserID,
		Remote: e.api,
		Blocks: e.blocks,
		Access: e.state,
		Clock:  e.clk,
	})
	if err := loader.LoadBlocked(ctx); err != nil {
		if errors.Is(err, apperr.ErrAuthentication) {
			return err
		}
		e.log.WithError(err).Warn("initial block list load failed")
	}

	e.monitor.Start()
	if rs, ok := e.mirror.(RefreshSource); ok {
		stop, err := rs.OnRefresh(e.RefreshAccess)
		if err != nil {
			e.log.WithError(err).Warn("refresh requests unavailable")
		} else {
			e.mu.Lock()
			e.unhook = stop
			e.mu.Unlock()
		}
	}
	e.log.WithField("gate", e.state.Gate().String()).Info("engine started")
	return nil
}

// NewScreen builds a GatedScreenController with its own synchronizers,
// lifecycle manager and typing controller. Close on the engine closes every
// screen it returned.
func (e *Engine) NewScreen() *screen.Controller {
	self := e.cfg.Identity.UserID
	rost := roster.New(e.api, e.blocks, e.clk)
	thr := thread.New(e.api, self, e.clk, e.recent, e.cfg.Thread)
	actions := lifecycle.New(lifecycle.Deps{
		SelfID:   self,
		Remote:   e.api,
		Thread:   thr,
		Peers:    rost,
		Blocks:   e.blocks,
		Access:   e.state,
		Gate:     e.state,
		Recent:   e.recent,
		Reporter: e.reporter,
		Clock:    e.clk,
	})

	d := screen.Deps{
		State:   e.state,
		Blocks:  e.blocks,
		Roster:  rost,
		Thread:  thr,
		Actions: actions,
		Typing:  typing.New(e.api, e.cooldown, e.cfg.Typing, typing.WithGate(e.state)),
		Clock:   e.clk,
	}
	if e.mirror != nil {
		d.OnRoster = e.mirror.Roster
		d.OnThread = e.mirror.Thread
	}
	c := screen.New(d, e.cfg.Screen)

	e.mu.Lock()
	if !e.closed {
		e.screens[c] = struct{}{}
	}
	e.mu.Unlock()
	return c
}

// Release closes c and forgets it.
func (e *Engine) Release(c *screen.Controller) {
	e.mu.Lock()
	delete(e.screens, c)
	e.mu.Unlock()
	c.Close()
	c.Typing().Wait()
}

// RefreshAccess polls the access status now instead of at the next tick.
func (e *Engine) RefreshAccess() {
	e.monitor.PollNow()
}

// State returns the process-wide access state.
func (e *Engine) State() *access.State { return e.state }

// Blocks returns the process-wide block relation.
func (e *Engine) Blocks() *block.Relation { return e.blocks }

// Identity returns the signed-in user.
func (e *Engine) Identity() session.Identity { return e.cfg.Identity }

// Close stops the monitor and every screen.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	screens := make([]*screen.Controller, 0, len(e.screens))
	for c := range e.screens {
		screens = append(screens, c)
	}
	e.screens = nil
	detach, unhook := e.detach, e.unhook
	e.mu.Unlock()

	if unhook != nil {
		unhook()
	}
	e.monitor.Stop()
	if detach != nil {
		detach()
	}
	for _, c := range screens {
		c.Close()
		c.Typing().Wait()
	}
	e.log.Info("engine closed")
}
