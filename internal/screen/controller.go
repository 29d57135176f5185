// Package screen runs one gated screen. It consults the access gate before
// starting any synchronizer, follows gate transitions while mounted, and
// cancels every timer it owns on unmount.
package screen

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/whisper/matchsync/internal/access"
	"github.com/whisper/matchsync/internal/apperr"
	"github.com/whisper/matchsync/internal/block"
	"github.com/whisper/matchsync/internal/lifecycle"
	"github.com/whisper/matchsync/internal/logging"
	"github.com/whisper/matchsync/internal/poll"
	"github.com/whisper/matchsync/internal/roster"
	"github.com/whisper/matchsync/internal/thread"
	"github.com/whisper/matchsync/internal/typing"
)

// Capability names what a screen needs once its gate is open.
type Capability string

const (
	CapChats         Capability = "chats"
	CapInterests     Capability = "interests"
	CapFavorites     Capability = "favorites"
	CapNotifications Capability = "notifications"
	CapSearch        Capability = "search"
)

// ParseCapability validates a capability name.
func ParseCapability(s string) (Capability, error) {
	switch c := Capability(s); c {
	case CapChats, CapInterests, CapFavorites, CapNotifications, CapSearch:
		return c, nil
	}
	return "", apperr.Validation("unknown capability %q", s)
}

// Screen is what the controller drives. Exactly one of ShowBlocked or
// ShowContent is called on mount and on every gate transition.
type Screen interface {
	ShowBlocked(gate access.Gate)
	ShowContent()
}

// RosterView is implemented by screens that render the chat list.
type RosterView interface {
	ShowRoster(roster.Snapshot)
}

// ThreadView is implemented by screens that render an open thread.
type ThreadView interface {
	ShowThread(thread.Snapshot)
}

// Refresher is implemented by non-chat screens that reload their content on
// a fixed cadence while open.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Config holds the poll cadences.
type Config struct {
	RosterInterval  time.Duration
	ThreadInterval  time.Duration
	RefreshInterval time.Duration
}

// DefaultConfig returns the standard cadences.
func DefaultConfig() Config {
	return Config{
		RosterInterval:  roster.DefaultInterval,
		ThreadInterval:  thread.DefaultConfig().Interval,
		RefreshInterval: 30 * time.Second,
	}
}

// Deps are the per-screen collaborators, built by the engine.
type Deps struct {
	State   *access.State
	Blocks  *block.Relation
	Roster  *roster.Synchronizer
	Thread  *thread.Synchronizer
	Actions *lifecycle.Manager
	Typing  *typing.Controller
	Clock   clock.Clock

	// OnRoster and OnThread observe every snapshot; either may be nil.
	OnRoster func(roster.Snapshot)
	OnThread func(thread.Snapshot)
}

// Controller is the GatedScreenController for one mounted screen.
type Controller struct {
	d   Deps
	cfg Config
	log *logrus.Entry

	mu         sync.Mutex
	screen     Screen
	capability Capability
	mounted    bool
	open       bool
	threadID   string
	refresher  *poll.Poller[struct{}]
	detach     []func()
}

// New creates an unmounted Controller.
func New(d Deps, cfg Config) *Controller {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	return &Controller{d: d, cfg: cfg, log: logging.For("screen")}
}

// Mount evaluates the gate for s. When it is closed no poller starts and s
// is told to show the blocking modal. Mounting again replaces the previous
// screen.
func (c *Controller) Mount(s Screen, capability Capability) access.Gate {
	c.Unmount()

	c.mu.Lock()
	c.screen = s
	c.capability = capability
	c.mounted = true
	c.detach = append(c.detach, c.d.State.Subscribe(c.onGate))
	if rv, ok := s.(RosterView); ok || c.d.OnRoster != nil {
		c.detach = append(c.detach, c.d.Roster.OnSnapshot(func(snap roster.Snapshot) {
			if ok {
				rv.ShowRoster(snap)
			}
			if c.d.OnRoster != nil {
				c.d.OnRoster(snap)
			}
		}))
	}
	if tv, ok := s.(ThreadView); ok || c.d.OnThread != nil {
		c.detach = append(c.detach, c.d.Thread.OnSnapshot(func(snap thread.Snapshot) {
			if ok {
				tv.ShowThread(snap)
			}
			if c.d.OnThread != nil {
				c.d.OnThread(snap)
			}
		}))
	}
	if r, ok := s.(Refresher); ok && capability != CapChats {
		c.refresher = poll.New("screen_"+string(capability), c.d.Clock, c.cfg.RefreshInterval,
			func(ctx context.Context) (struct{}, error) { return struct{}{}, r.Refresh(ctx) },
			func(uint64, struct{}) {})
	}

	gate := c.d.State.Gate()
	c.open = gate.IsOpen()
	if c.open {
		c.startLocked()
	}
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"capability": capability, "gate": gate.String()}).Debug("screen mounted")
	if gate.IsOpen() {
		s.ShowContent()
	} else {
		s.ShowBlocked(gate)
	}
	return gate
}

// Unmount cancels every timer the controller owns.
func (c *Controller) Unmount() {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return
	}
	detach := c.detach
	c.detach = nil
	c.stopLocked()
	c.mounted = false
	c.open = false
	c.threadID = ""
	c.screen = nil
	c.refresher = nil
	c.mu.Unlock()

	for _, fn := range detach {
		fn()
	}
	c.d.Thread.Close()
	c.d.Roster.Select("")
}

// Close unmounts and releases the synchronizers.
func (c *Controller) Close() {
	c.Unmount()
	c.d.Roster.Close()
	c.d.Thread.Close()
}

// Gate returns the current gate.
func (c *Controller) Gate() access.Gate {
	return c.d.State.Gate()
}

// OpenThread starts polling chatID and selects it in the roster. Opening the
// thread that is already open is a no-op.
func (c *Controller) OpenThread(chatID string) error {
	if chatID == "" {
		return apperr.Validation("chat id is empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mounted || c.capability != CapChats {
		return apperr.Validation("no chat screen mounted")
	}
	if peer, ok := c.d.Roster.PeerOf(chatID); ok && c.d.Blocks.IsBlocked(peer) {
		return apperr.Validation("chat %s is with a blocked user", chatID)
	}
	if !c.open {
		return fmt.Errorf("screen: open thread: %w", apperr.ErrAccessDenied)
	}
	if c.threadID == chatID {
		return nil
	}
	c.threadID = chatID
	c.d.Thread.Start(chatID, c.cfg.ThreadInterval)
	c.d.Roster.Select(chatID)
	return nil
}

// CloseThread stops the open thread.
func (c *Controller) CloseThread() {
	c.mu.Lock()
	had := c.threadID != ""
	c.threadID = ""
	c.mu.Unlock()

	if had {
		c.d.Thread.Close()
		c.d.Roster.Select("")
	}
}

// ThreadID returns the open thread, or "".
func (c *Controller) ThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

// Actions exposes the lifecycle manager for this screen.
func (c *Controller) Actions() *lifecycle.Manager { return c.d.Actions }

// Typing exposes the typing controller for this screen.
func (c *Controller) Typing() *typing.Controller { return c.d.Typing }

// RunningPollers counts the pollers the controller currently has running.
func (c *Controller) RunningPollers() int {
	c.mu.Lock()
	r := c.refresher
	c.mu.Unlock()

	n := 0
	if c.d.Roster.Running() {
		n++
	}
	if c.d.Thread.Running() {
		n++
	}
	if r != nil && r.Running() {
		n++
	}
	return n
}

func (c *Controller) onGate(prev, next access.Gate) {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return
	}
	s := c.screen
	wasOpen := c.open
	c.open = next.IsOpen()
	switch {
	case c.open && !wasOpen:
		c.startLocked()
	case !c.open && wasOpen:
		c.stopLocked()
	}
	c.mu.Unlock()

	if next.IsOpen() {
		if !wasOpen {
			s.ShowContent()
		}
		return
	}
	c.log.WithField("gate", next.String()).Info("gate closed, polling stopped")
	s.ShowBlocked(next)
}

func (c *Controller) startLocked() {
	if c.capability == CapChats {
		c.d.Roster.Start(c.cfg.RosterInterval)
		if c.threadID != "" {
			c.d.Thread.Start(c.threadID, c.cfg.ThreadInterval)
		}
		return
	}
	if c.refresher != nil {
		c.refresher.Start()
	}
}

func (c *Controller) stopLocked() {
	c.d.Roster.Stop()
	c.d.Thread.Stop()
	if c.refresher != nil {
		c.refresher.Stop()
	}
}
