// Package roster keeps the chat list in sync with the server. Each poll
// replaces the whole roster; a client-side block filter is layered on top so
// a blocked peer disappears before the server knows about the block.
package roster

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/whisper/matchsync/internal/block"
	"github.com/whisper/matchsync/internal/chat"
	"github.com/whisper/matchsync/internal/logging"
	"github.com/whisper/matchsync/internal/poll"
)

// DefaultInterval is the roster poll cadence.
const DefaultInterval = 5 * time.Second

// Source lists the user's chats.
type Source interface {
	ListChats(ctx context.Context) ([]chat.Chat, error)
}

// Snapshot is the filtered roster, most recently active first.
type Snapshot struct {
	Chats      []chat.Chat `json:"chats"`
	SelectedID string      `json:"selected_id,omitempty"`
}

// Synchronizer polls the roster and emits filtered snapshots.
type Synchronizer struct {
	src    Source
	blocks *block.Relation
	clk    clock.Clock
	log    *logrus.Entry

	emitMu    sync.Mutex // held across snapshot and delivery
	mu        sync.Mutex
	poller    *poll.Poller[[]chat.Chat]
	interval  time.Duration
	server    []chat.Chat // last server roster, sorted
	received  bool
	selected  string
	listeners map[int]func(Snapshot)
	nextID    int

	unsubscribe func()
}

// New creates a stopped Synchronizer. Block changes re-emit the current
// roster immediately.
func New(src Source, blocks *block.Relation, clk clock.Clock) *Synchronizer {
	s := &Synchronizer{
		src:       src,
		blocks:    blocks,
		clk:       clk,
		interval:  DefaultInterval,
		listeners: make(map[int]func(Snapshot)),
		log:       logging.For("roster"),
	}
	s.unsubscribe = blocks.Subscribe(s.onBlockChange)
	return s
}

// OnSnapshot registers fn for every emitted snapshot. The returned function
// removes it.
func (s *Synchronizer) OnSnapshot(fn func(Snapshot)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Start begins polling every interval; a non-positive interval means
// DefaultInterval. Restarting with a different interval replaces the timer.
func (s *Synchronizer) Start(interval time.Duration) poll.Handle {
	if interval <= 0 {
		interval = DefaultInterval
	}

	s.mu.Lock()
	if s.poller != nil && s.interval != interval {
		s.poller.Stop()
		s.poller = nil
	}
	if s.poller == nil {
		s.interval = interval
		s.poller = poll.New("roster", s.clk, interval, s.src.ListChats, s.apply)
	}
	p := s.poller
	s.mu.Unlock()

	return p.Start()
}

// Stop halts polling. The last roster is kept.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	p := s.poller
	s.mu.Unlock()
	if p != nil {
		p.Stop()
	}
}

// Running reports whether the roster poller is active.
func (s *Synchronizer) Running() bool {
	s.mu.Lock()
	p := s.poller
	s.mu.Unlock()
	return p != nil && p.Running()
}

// Refresh issues an out-of-band poll when running.
func (s *Synchronizer) Refresh() {
	s.mu.Lock()
	p := s.poller
	s.mu.Unlock()
	if p != nil {
		p.PollNow()
	}
}

// Close stops polling and detaches from the block relation.
func (s *Synchronizer) Close() {
	s.Stop()
	s.unsubscribe()
}

// Select marks chatID as the open chat and re-emits. Selecting a chat hidden
// by a block leaves nothing selected.
func (s *Synchronizer) Select(chatID string) {
	s.mu.Lock()
	s.selected = chatID
	s.mu.Unlock()
	s.emit()
}

// Selected returns the selected chat id.
func (s *Synchronizer) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Snapshot returns the current filtered roster.
func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// PeerOf returns the peer of chatID from the last server roster.
func (s *Synchronizer) PeerOf(chatID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.server {
		if c.ID == chatID {
			return c.Peer.UserID, true
		}
	}
	return "", false
}

// ChatOf returns the chat with peerID from the last server roster.
func (s *Synchronizer) ChatOf(peerID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.server {
		if c.Peer.UserID == peerID {
			return c.ID, true
		}
	}
	return "", false
}

func (s *Synchronizer) apply(_ uint64, chats []chat.Chat) {
	sorted := make([]chat.Chat, len(chats))
	copy(sorted, chats)
	chat.SortByRecency(sorted)

	s.mu.Lock()
	s.server = sorted
	s.received = true
	s.mu.Unlock()

	s.log.WithField("chats", len(sorted)).Debug("roster applied")
	s.emit()
}

func (s *Synchronizer) onBlockChange() {
	s.mu.Lock()
	received := s.received
	s.mu.Unlock()
	if received {
		s.emit()
	}
}

// snapshotLocked filters blocked peers and drops the selection when its chat
// is hidden by a block. Callers hold s.mu.
func (s *Synchronizer) snapshotLocked() Snapshot {
	out := make([]chat.Chat, 0, len(s.server))
	for _, c := range s.server {
		if s.blocks.IsBlocked(c.Peer.UserID) {
			if c.ID == s.selected {
				s.selected = ""
			}
			continue
		}
		out = append(out, c)
	}
	return Snapshot{Chats: out, SelectedID: s.selected}
}

// emit delivers the current roster. Deliveries are serialized and each one
// recomputes the snapshot, so the last listener call always sees the latest
// server list and block relation.
func (s *Synchronizer) emit() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	snap := s.snapshotLocked()
	listeners := make([]func(Snapshot), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}
