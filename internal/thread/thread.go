// Package thread keeps one open chat's messages in sync with the server and
// reconciles each poll with local optimistic state: pending sends, reaction
// toggles and deletes that the server has not reflected yet.
package thread

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/whisper/matchsync/internal/chat"
	"github.com/whisper/matchsync/internal/logging"
	"github.com/whisper/matchsync/internal/metrics"
	"github.com/whisper/matchsync/internal/poll"
)

// Source reads a chat's messages (newest last) and who is typing in it.
type Source interface {
	ListMessages(ctx context.Context, chatID string) ([]chat.Message, error)
	GetTyping(ctx context.Context, chatID string) ([]string, error)
}

// Config holds tunables for the thread Synchronizer.
type Config struct {
	// Interval is the poll cadence.
	Interval time.Duration
	// ProximityWindow bounds the creation-time difference between a pending
	// message and a server message it may be matched to.
	ProximityWindow time.Duration
	// MaxResolveAttempts is how many polls after a successful write may miss
	// the message before it is marked failed.
	MaxResolveAttempts int
}

// DefaultConfig returns the standard thread settings.
func DefaultConfig() Config {
	return Config{
		Interval:           3 * time.Second,
		ProximityWindow:    10 * time.Second,
		MaxResolveAttempts: 5,
	}
}

// Snapshot is the displayed thread, newest message first.
type Snapshot struct {
	ChatID   string         `json:"chat_id"`
	Messages []chat.Message `json:"messages"`
	Typing   []string       `json:"typing"`
}

type result struct {
	msgs     []chat.Message
	typing   []string
	typingOK bool
}

type pendingMsg struct {
	msg      chat.Message
	serverID string
	acked    bool
	attempts int
}

// overlay is a local change layered over server data. settle is the first
// poll sequence allowed to drop it; zero while the write is in flight.
type overlay struct {
	present bool
	settle  uint64
}

type reactionKey struct {
	messageID string
	emoji     string
}

// Synchronizer polls at most one chat at a time.
type Synchronizer struct {
	src    Source
	selfID string
	clk    clock.Clock
	cfg    Config
	buffer *chat.MessageBuffer
	log    *logrus.Entry

	emitMu    sync.Mutex // held across snapshot and delivery
	mu        sync.Mutex
	chatID    string
	poller    *poll.Poller[result]
	server    []chat.Message
	seen      map[string]struct{}
	typing    []string
	pending   []*pendingMsg
	reactions map[reactionKey]*overlay
	deletes   map[string]*overlay
	listeners map[int]func(Snapshot)
	nextID    int
}

// New creates a stopped Synchronizer for the user selfID. buffer may be nil.
func New(src Source, selfID string, clk clock.Clock, buffer *chat.MessageBuffer, cfg Config) *Synchronizer {
	if clk == nil {
		clk = clock.New()
	}
	return &Synchronizer{
		src:       src,
		selfID:    selfID,
		clk:       clk,
		cfg:       cfg,
		buffer:    buffer,
		log:       logging.For("thread"),
		listeners: make(map[int]func(Snapshot)),
	}
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

// Start polls chatID every interval; a non-positive interval uses the
// configured one. Starting the chat that is already running returns its
// handle. Starting another chat stops the current one and discards its
// local state.
func (s *Synchronizer) Start(chatID string, interval time.Duration) poll.Handle {
	if interval <= 0 {
		interval = s.cfg.Interval
	}

	s.mu.Lock()
	if s.poller != nil && s.chatID == chatID {
		p := s.poller
		s.mu.Unlock()
		return p.Start()
	}
	old := s.poller
	s.resetLocked(chatID)
	var p *poll.Poller[result]
	p = poll.New("thread", s.clk, interval, func(ctx context.Context) (result, error) {
		return s.fetch(ctx, chatID)
	}, func(seq uint64, res result) {
		s.apply(p, seq, res)
	})
	s.poller = p
	s.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	return p.Start()
}

// Stop halts polling for the current chat. Its state is kept until another
// chat is started.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	p := s.poller
	s.mu.Unlock()
	if p != nil {
		p.Stop()
	}
}

// Close stops polling and forgets the current chat.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	p := s.poller
	s.poller = nil
	s.resetLocked("")
	s.mu.Unlock()
	if p != nil {
		p.Stop()
	}
}

// Running reports whether a chat is being polled.
func (s *Synchronizer) Running() bool {
	s.mu.Lock()
	p := s.poller
	s.mu.Unlock()
	return p != nil && p.Running()
}

// ChatID returns the current chat, or "" if none.
func (s *Synchronizer) ChatID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatID
}

// Refresh issues an out-of-band poll and returns its sequence number, or 0
// when stopped.
func (s *Synchronizer) Refresh() uint64 {
	s.mu.Lock()
	p := s.poller
	s.mu.Unlock()
	if p == nil {
		return 0
	}
	return p.PollNow()
}

// Snapshot returns the current display state.
func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.composeLocked()
}

// Lookup finds a displayed message in chatID by server or local id.
func (s *Synchronizer) Lookup(chatID, key string) (chat.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chatID != s.chatID {
		return chat.Message{}, false
	}
	for _, m := range s.composeLocked().Messages {
		if m.ID == key || (m.LocalID != "" && m.LocalID == key) {
			return m, true
		}
	}
	return chat.Message{}, false
}

// PeerOf returns the other participant of chatID from the loaded messages.
// It only knows the open chat, and only once the peer has written in it.
func (s *Synchronizer) PeerOf(chatID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chatID == "" || chatID != s.chatID {
		return "", false
	}
	for _, m := range s.server {
		if m.SenderID != "" && m.SenderID != s.selfID {
			return m.SenderID, true
		}
	}
	return "", false
}

// AddPending shows m at the head of the thread until a poll confirms it. It
// reports false when m is not for the open chat.
func (s *Synchronizer) AddPending(m chat.Message) bool {
	s.mu.Lock()
	if m.ChatID != s.chatID || s.chatID == "" {
		s.mu.Unlock()
		return false
	}
	m.Pending = true
	s.pending = append(s.pending, &pendingMsg{msg: m})
	metrics.PendingMessages.Inc()
	s.mu.Unlock()

	s.emit()
	return true
}

// Ack records the server copy of a pending message. The next poll that
// contains it resolves the pending entry.
func (s *Synchronizer) Ack(localID string, server chat.Message) {
	s.mu.Lock()
	p := s.findPendingLocked(localID)
	if p != nil {
		p.serverID = server.ID
		p.acked = true
	}
	s.mu.Unlock()
}

// Fail marks a pending message failed. It stays visible until Acknowledge.
func (s *Synchronizer) Fail(localID string) {
	s.mu.Lock()
	p := s.findPendingLocked(localID)
	if p == nil || p.msg.Failed {
		s.mu.Unlock()
		return
	}
	p.msg.Failed = true
	s.mu.Unlock()

	s.emit()
}

// Acknowledge removes a failed message from display. It reports whether a
// failed message with localID was found.
func (s *Synchronizer) Acknowledge(localID string) bool {
	s.mu.Lock()
	removed := false
	for i, p := range s.pending {
		if p.msg.LocalID == localID && p.msg.Failed {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			metrics.PendingMessages.Dec()
			removed = true
			break
		}
	}
	s.mu.Unlock()

	if removed {
		s.emit()
	}
	return removed
}

// BeginReaction shows the current user's emoji on messageID as present or
// absent while the write is in flight.
func (s *Synchronizer) BeginReaction(chatID, messageID, emoji string, present bool) {
	s.mu.Lock()
	if chatID != s.chatID {
		s.mu.Unlock()
		return
	}
	s.reactions[reactionKey{messageID, emoji}] = &overlay{present: present}
	s.mu.Unlock()

	s.emit()
}

// EndReaction finishes a reaction write. A failed write drops the overlay,
// reverting the display. A successful one keeps it until a poll issued
// after the write has been applied.
func (s *Synchronizer) EndReaction(chatID, messageID, emoji string, ok bool) {
	key := reactionKey{messageID, emoji}
	s.settle(chatID, ok, func() (*overlay, func()) {
		return s.reactions[key], func() { delete(s.reactions, key) }
	})
}

// BeginDelete hides messageID while the delete is in flight.
func (s *Synchronizer) BeginDelete(chatID, messageID string) {
	s.mu.Lock()
	if chatID != s.chatID {
		s.mu.Unlock()
		return
	}
	s.deletes[messageID] = &overlay{present: false}
	s.mu.Unlock()

	s.emit()
}

// EndDelete finishes a delete. A failed delete shows the message again.
func (s *Synchronizer) EndDelete(chatID, messageID string, ok bool) {
	s.settle(chatID, ok, func() (*overlay, func()) {
		return s.deletes[messageID], func() { delete(s.deletes, messageID) }
	})
}

func (s *Synchronizer) settle(chatID string, ok bool, find func() (*overlay, func())) {
	s.mu.Lock()
	if chatID != s.chatID {
		s.mu.Unlock()
		return
	}
	ov, drop := find()
	if ov == nil {
		s.mu.Unlock()
		return
	}
	if !ok {
		drop()
		s.mu.Unlock()
		s.emit()
		return
	}
	p := s.poller
	s.mu.Unlock()

	var seq uint64
	if p != nil {
		seq = p.PollNow()
	}

	s.mu.Lock()
	if chatID != s.chatID {
		s.mu.Unlock()
		return
	}
	if seq == 0 || p.Applied() >= seq {
		drop()
	} else {
		ov.settle = seq
	}
	s.mu.Unlock()
}

func (s *Synchronizer) fetch(ctx context.Context, chatID string) (result, error) {
	msgs, err := s.src.ListMessages(ctx, chatID)
	if err != nil {
		return result{}, err
	}
	res := result{msgs: msgs}
	typing, err := s.src.GetTyping(ctx, chatID)
	if err != nil {
		s.log.WithError(err).WithField("chat_id", chatID).Debug("typing poll failed")
		return res, nil
	}
	res.typing, res.typingOK = typing, true
	return res, nil
}

func (s *Synchronizer) apply(from *poll.Poller[result], seq uint64, res result) {
	s.mu.Lock()
	if s.poller != from || s.chatID == "" {
		// A late result for a chat that is no longer open.
		s.mu.Unlock()
		return
	}

	for k, ov := range s.reactions {
		if ov.settle != 0 && ov.settle <= seq {
			delete(s.reactions, k)
		}
	}
	for k, ov := range s.deletes {
		if ov.settle != 0 && ov.settle <= seq {
			delete(s.deletes, k)
		}
	}

	s.resolveLocked(res.msgs)

	s.server = res.msgs
	s.seen = make(map[string]struct{}, len(res.msgs))
	for _, m := range res.msgs {
		s.seen[m.ID] = struct{}{}
	}
	if res.typingOK {
		s.typing = s.typing[:0]
		for _, id := range res.typing {
			if id != s.selfID {
				s.typing = append(s.typing, id)
			}
		}
	}

	if s.buffer != nil {
		visible := make([]chat.Message, 0, len(res.msgs))
		for _, m := range res.msgs {
			if _, hidden := s.deletes[m.ID]; !hidden {
				visible = append(visible, m)
			}
		}
		s.buffer.Record(s.chatID, visible)
	}
	s.mu.Unlock()

	s.emit()
}

// resolveLocked replaces pending messages that appear in msgs. A pending
// message matches its acknowledged server id, or else an unclaimed message
// new since the previous poll with the same sender and content created
// within the proximity window.
func (s *Synchronizer) resolveLocked(msgs []chat.Message) {
	if len(s.pending) == 0 {
		return
	}

	byID := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = struct{}{}
	}
	claimed := make(map[string]struct{})
	kept := s.pending[:0]

	for _, p := range s.pending {
		if p.serverID != "" {
			if _, ok := byID[p.serverID]; ok {
				claimed[p.serverID] = struct{}{}
				continue
			}
		}
		if p.msg.Failed {
			kept = append(kept, p)
			continue
		}
		if p.serverID == "" {
			if id, ok := s.matchLocked(p.msg, msgs, claimed); ok {
				claimed[id] = struct{}{}
				continue
			}
		}

		if p.acked {
			p.attempts++
			if p.attempts >= s.cfg.MaxResolveAttempts {
				p.msg.Failed = true
				s.log.WithField("local_id", p.msg.LocalID).Warn("pending message not confirmed, marking failed")
			}
		}
		kept = append(kept, p)
	}

	resolved := len(s.pending) - len(kept)
	for i := len(kept); i < len(s.pending); i++ {
		s.pending[i] = nil
	}
	s.pending = kept
	if resolved > 0 {
		metrics.PendingMessages.Sub(float64(resolved))
	}
}

func (s *Synchronizer) matchLocked(local chat.Message, msgs []chat.Message, claimed map[string]struct{}) (string, bool) {
	for _, m := range msgs {
		if _, old := s.seen[m.ID]; old {
			continue
		}
		if _, taken := claimed[m.ID]; taken {
			continue
		}
		if m.SenderID != local.SenderID || !m.Content.Equal(local.Content) {
			continue
		}
		d := m.CreatedAt.Sub(local.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= s.cfg.ProximityWindow {
			return m.ID, true
		}
	}
	return "", false
}

func (s *Synchronizer) findPendingLocked(localID string) *pendingMsg {
	for _, p := range s.pending {
		if p.msg.LocalID == localID {
			return p
		}
	}
	return nil
}

func (s *Synchronizer) resetLocked(chatID string) {
	if n := len(s.pending); n > 0 {
		metrics.PendingMessages.Sub(float64(n))
	}
	s.chatID = chatID
	s.server = nil
	s.seen = make(map[string]struct{})
	s.typing = nil
	s.pending = nil
	s.reactions = make(map[reactionKey]*overlay)
	s.deletes = make(map[string]*overlay)
}

// composeLocked layers local state over the last server list and returns it
// newest first.
func (s *Synchronizer) composeLocked() Snapshot {
	msgs := make([]chat.Message, 0, len(s.server)+len(s.pending))
	for _, m := range s.server {
		if _, hidden := s.deletes[m.ID]; hidden {
			continue
		}
		for k, ov := range s.reactions {
			if k.messageID == m.ID {
				m.Reactions = m.Reactions.With(s.selfID, k.emoji, ov.present)
			}
		}
		msgs = append(msgs, m)
	}
	for _, p := range s.pending {
		msgs = append(msgs, p.msg)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return Snapshot{
		ChatID:   s.chatID,
		Messages: msgs,
		Typing:   append([]string(nil), s.typing...),
	}
}

// emit delivers the current thread. Deliveries are serialized and each one
// recomputes the snapshot, so listeners never see an older state last.
func (s *Synchronizer) emit() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.chatID == "" {
		s.mu.Unlock()
		return
	}
	snap := s.composeLocked()
	listeners := make([]func(Snapshot), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}
