// Package lifecycle runs the user actions on messages and peers: send,
// reaction toggle, delete and block. Each action updates the local view
// first, then performs the remote write and rolls the local change back if
// the write fails.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/whisper/matchsync/internal/access"
	"github.com/whisper/matchsync/internal/apperr"
	"github.com/whisper/matchsync/internal/block"
	"github.com/whisper/matchsync/internal/chat"
	"github.com/whisper/matchsync/internal/logging"
	"github.com/whisper/matchsync/internal/metrics"
	"github.com/whisper/matchsync/internal/report"
	"github.com/whisper/matchsync/internal/thread"
)

// Remote is the subset of the API the manager writes to.
type Remote interface {
	SendMessage(ctx context.Context, chatID string, content chat.Content) (chat.Message, error)
	AddReaction(ctx context.Context, chatID, messageID, emoji string) error
	RemoveReaction(ctx context.Context, chatID, messageID, emoji string) error
	DeleteMessage(ctx context.Context, chatID, messageID string) error
	BlockUser(ctx context.Context, userID string) error
	UnblockUser(ctx context.Context, userID string) error
	ListBlockedUsers(ctx context.Context) ([]string, error)
}

// Peers resolves chats to peers and back.
type Peers interface {
	PeerOf(chatID string) (string, bool)
	ChatOf(peerID string) (string, bool)
}

// DenialHandler folds a server access denial into the gate.
type DenialHandler interface {
	ApplyDenial(apperr.DeniedStatus)
}

// GateReader returns the current access gate.
type GateReader interface {
	Gate() access.Gate
}

// Reporter stores block reports and counts recent ones per reported user.
type Reporter interface {
	Create(ctx context.Context, r *report.Report) error
	CountRecent(ctx context.Context, reportedID string, window time.Duration) (int, error)
}

// Repeat reports: a peer reported this many times within the window is
// flagged in the log for moderation review.
const (
	RepeatReportWindow    = 24 * time.Hour
	RepeatReportThreshold = 3
)

// Deps are the collaborators of a Manager. Gate, Reporter and Recent are
// optional; without a Gate every action is allowed.
type Deps struct {
	SelfID   string
	Remote   Remote
	Thread   *thread.Synchronizer
	Peers    Peers
	Blocks   *block.Relation
	Access   DenialHandler
	Gate     GateReader
	Recent   *chat.MessageBuffer
	Reporter Reporter
	Clock    clock.Clock
}

// Manager performs user actions for one screen.
type Manager struct {
	d     Deps
	clk   clock.Clock
	locks *keyedMutex
	log   *logrus.Entry
}

// New creates a Manager.
func New(d Deps) *Manager {
	clk := d.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		d:     d,
		clk:   clk,
		locks: newKeyedMutex(),
		log:   logging.For("lifecycle"),
	}
}

// Send validates content, shows it as pending in the open thread and posts
// it. On failure the message stays visible as failed until Acknowledge.
func (m *Manager) Send(ctx context.Context, chatID string, content chat.Content) (chat.Message, error) {
	if err := m.checkGate("send"); err != nil {
		return chat.Message{}, err
	}
	if err := chat.ValidateContent(content); err != nil {
		return chat.Message{}, m.reject("send", err)
	}
	if err := m.checkPeer(chatID); err != nil {
		return chat.Message{}, m.reject("send", err)
	}

	msg := chat.Message{
		LocalID:   chat.NewLocalID(),
		ChatID:    chatID,
		SenderID:  m.d.SelfID,
		Content:   content,
		CreatedAt: m.clk.Now(),
		Pending:   true,
	}
	m.d.Thread.AddPending(msg)

	server, err := m.d.Remote.SendMessage(ctx, chatID, content)
	if err != nil {
		m.d.Thread.Fail(msg.LocalID)
		msg.Failed = true
		return msg, m.fail("send", err)
	}

	m.d.Thread.Ack(msg.LocalID, server)
	m.d.Thread.Refresh()
	metrics.ActionsTotal.WithLabelValues("send", "ok").Inc()
	return msg, nil
}

// Acknowledge removes a failed message from chatID's thread.
func (m *Manager) Acknowledge(chatID, localID string) bool {
	if m.d.Thread.ChatID() != chatID {
		return false
	}
	return m.d.Thread.Acknowledge(localID)
}

// ToggleReaction flips the current user's emoji on a message. Toggles of the
// same message and emoji run one at a time, so two calls in a row cancel
// out. It reports whether the reaction is now present.
func (m *Manager) ToggleReaction(ctx context.Context, chatID, messageID, emoji string) (bool, error) {
	if err := m.checkGate("react"); err != nil {
		return false, err
	}
	if err := chat.ValidateEmoji(emoji); err != nil {
		return false, m.reject("react", err)
	}

	unlock := m.locks.Lock(chatID + "|" + messageID + "|" + emoji)
	defer unlock()

	msg, err := m.confirmed(chatID, messageID)
	if err != nil {
		return false, m.reject("react", err)
	}

	add := !msg.Reactions.Has(m.d.SelfID, emoji)
	m.d.Thread.BeginReaction(chatID, msg.ID, emoji, add)
	if add {
		err = m.d.Remote.AddReaction(ctx, chatID, msg.ID, emoji)
	} else {
		err = m.d.Remote.RemoveReaction(ctx, chatID, msg.ID, emoji)
	}
	m.d.Thread.EndReaction(chatID, msg.ID, emoji, err == nil)
	if err != nil {
		return !add, m.fail("react", err)
	}

	metrics.ActionsTotal.WithLabelValues("react", "ok").Inc()
	return add, nil
}

// Delete removes one of the current user's messages within DeleteWindow of
// its creation. Anything else is rejected without a remote call.
func (m *Manager) Delete(ctx context.Context, chatID, messageID string) error {
	if err := m.checkGate("delete"); err != nil {
		return err
	}
	unlock := m.locks.Lock(chatID + "|" + messageID + "|delete")
	defer unlock()

	msg, err := m.confirmed(chatID, messageID)
	if err != nil {
		return m.reject("delete", err)
	}
	if msg.SenderID != m.d.SelfID {
		return m.reject("delete", apperr.Validation("only the sender can delete a message"))
	}
	if !msg.Deletable(m.d.SelfID, m.clk.Now()) {
		return m.reject("delete", apperr.Validation("message is older than %s", chat.DeleteWindow))
	}

	m.d.Thread.BeginDelete(chatID, msg.ID)
	err = m.d.Remote.DeleteMessage(ctx, chatID, msg.ID)
	m.d.Thread.EndDelete(chatID, msg.ID, err == nil)
	if err != nil {
		return m.fail("delete", err)
	}

	metrics.ActionsTotal.WithLabelValues("delete", "ok").Inc()
	return nil
}

// BlockOption configures Block.
type BlockOption func(*blockOptions)

type blockOptions struct {
	reason string
}

// WithReport files a block report with reason alongside the block.
func WithReport(reason string) BlockOption {
	return func(o *blockOptions) { o.reason = reason }
}

// Block hides peerID at once and then records the block remotely.
func (m *Manager) Block(ctx context.Context, peerID string, opts ...BlockOption) error {
	var o blockOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := m.checkGate("block"); err != nil {
		return err
	}
	if peerID == "" || peerID == m.d.SelfID {
		return m.reject("block", apperr.Validation("invalid peer %q", peerID))
	}
	if o.reason != "" && !report.ValidReason(o.reason) {
		return m.reject("block", apperr.Validation("invalid report reason %q", o.reason))
	}

	unlock := m.locks.Lock("block|" + peerID)
	defer unlock()

	was := m.d.Blocks.Block(peerID)
	if err := m.d.Remote.BlockUser(ctx, peerID); err != nil {
		m.d.Blocks.Restore(peerID, was)
		return m.fail("block", err)
	}
	m.d.Blocks.Settle(peerID)
	metrics.ActionsTotal.WithLabelValues("block", "ok").Inc()

	if o.reason != "" {
		m.fileReport(ctx, peerID, o.reason)
	}
	return nil
}

// Unblock shows peerID's chat again at once and then records it remotely.
func (m *Manager) Unblock(ctx context.Context, peerID string) error {
	if err := m.checkGate("unblock"); err != nil {
		return err
	}
	unlock := m.locks.Lock("block|" + peerID)
	defer unlock()

	was := m.d.Blocks.Unblock(peerID)
	if err := m.d.Remote.UnblockUser(ctx, peerID); err != nil {
		m.d.Blocks.Restore(peerID, was)
		return m.fail("unblock", err)
	}
	m.d.Blocks.Settle(peerID)
	metrics.ActionsTotal.WithLabelValues("unblock", "ok").Inc()
	return nil
}

// LoadBlocked seeds the block relation from the server.
func (m *Manager) LoadBlocked(ctx context.Context) error {
	ids, err := m.d.Remote.ListBlockedUsers(ctx)
	if err != nil {
		m.handleDenied(err)
		return fmt.Errorf("lifecycle: load blocked: %w", err)
	}
	m.d.Blocks.Replace(ids)
	return nil
}

func (m *Manager) fileReport(ctx context.Context, peerID, reason string) {
	if m.d.Reporter == nil {
		return
	}
	r := &report.Report{ReporterID: m.d.SelfID, ReportedID: peerID, Reason: reason}
	if chatID, ok := m.d.Peers.ChatOf(peerID); ok {
		r.ChatID = chatID
		if m.d.Recent != nil {
			r.Messages = m.d.Recent.Get(chatID)
		}
	}
	if err := m.d.Reporter.Create(ctx, r); err != nil {
		m.log.WithError(err).WithField("peer_id", peerID).Warn("block report not stored")
		return
	}

	n, err := m.d.Reporter.CountRecent(ctx, peerID, RepeatReportWindow)
	if err != nil {
		m.log.WithError(err).WithField("peer_id", peerID).Debug("report count unavailable")
		return
	}
	if n >= RepeatReportThreshold {
		m.log.WithFields(logrus.Fields{"peer_id": peerID, "reports": n}).Warn("peer reported repeatedly")
	}
}

// checkGate rejects an action while the access gate is closed.
func (m *Manager) checkGate(action string) error {
	if m.d.Gate == nil {
		return nil
	}
	if g := m.d.Gate.Gate(); !g.IsOpen() {
		return m.reject(action, fmt.Errorf("%w: %s", apperr.ErrAccessDenied, g))
	}
	return nil
}

// checkPeer rejects chats with a blocked peer. The peer comes from the
// roster, then from the open thread. While any peer is blocked, a chat
// whose peer cannot be resolved is rejected.
func (m *Manager) checkPeer(chatID string) error {
	peer, ok := m.d.Peers.PeerOf(chatID)
	if !ok {
		peer, ok = m.d.Thread.PeerOf(chatID)
	}
	switch {
	case ok && m.d.Blocks.IsBlocked(peer):
		return apperr.Validation("cannot message a blocked user")
	case !ok && len(m.d.Blocks.List()) > 0:
		return apperr.Validation("chat %s not loaded yet", chatID)
	}
	return nil
}

// confirmed returns the displayed message, rejecting unknown and pending ones.
func (m *Manager) confirmed(chatID, messageID string) (chat.Message, error) {
	msg, ok := m.d.Thread.Lookup(chatID, messageID)
	if !ok {
		return chat.Message{}, apperr.Validation("message %s not found", messageID)
	}
	if !msg.Confirmed() {
		return chat.Message{}, apperr.Validation("message %s is not confirmed yet", messageID)
	}
	return msg, nil
}

func (m *Manager) reject(action string, err error) error {
	metrics.ActionsTotal.WithLabelValues(action, "rejected").Inc()
	return fmt.Errorf("lifecycle: %s: %w", action, err)
}

func (m *Manager) fail(action string, err error) error {
	metrics.ActionsTotal.WithLabelValues(action, "failed").Inc()
	m.log.WithError(err).WithField("action", action).Warn("action failed")
	m.handleDenied(err)
	return fmt.Errorf("lifecycle: %s: %w", action, err)
}

func (m *Manager) handleDenied(err error) {
	var denied *apperr.AccessDeniedError
	if errors.As(err, &denied) && m.d.Access != nil {
		m.d.Access.ApplyDenial(denied.Status)
	}
}
