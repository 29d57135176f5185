package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whisper/matchsync/internal/access"
	"github.com/whisper/matchsync/internal/apperr"
	"github.com/whisper/matchsync/internal/lifecycle"
	"github.com/whisper/matchsync/internal/logging"
	"github.com/whisper/matchsync/internal/protocol"
	"github.com/whisper/matchsync/internal/roster"
	"github.com/whisper/matchsync/internal/screen"
	"github.com/whisper/matchsync/internal/session"
	"github.com/whisper/matchsync/internal/thread"
)

// ActionTimeout bounds one user action. It is not tied to the connection, so
// an action started before a disconnect still resolves or rolls back.
const ActionTimeout = 15 * time.Second

// Screens builds and releases gated screens for the signed-in user.
type Screens interface {
	NewScreen() *screen.Controller
	Release(*screen.Controller)
	Identity() session.Identity
}

// Host binds host connections to screens: one screen per connection.
type Host struct {
	screens    Screens
	dispatcher *MessageDispatcher
	log        *logrus.Entry

	mu    sync.Mutex
	views map[string]*hostView
	wg    sync.WaitGroup
}

// NewHost creates a Host and registers its handlers on a new dispatcher.
func NewHost(screens Screens) *Host {
	h := &Host{
		screens:    screens,
		dispatcher: NewMessageDispatcher(),
		log:        logging.For("host"),
		views:      make(map[string]*hostView),
	}
	d := h.dispatcher
	d.Register(protocol.TypeMount, h.withView(h.handleMount))
	d.Register(protocol.TypeUnmount, h.withView(h.handleUnmount))
	d.Register(protocol.TypeOpenThread, h.withView(h.handleOpenThread))
	d.Register(protocol.TypeCloseThread, h.withView(h.handleCloseThread))
	d.Register(protocol.TypeSend, h.withView(h.handleSend))
	d.Register(protocol.TypeReact, h.withView(h.handleReact))
	d.Register(protocol.TypeDelete, h.withView(h.handleDelete))
	d.Register(protocol.TypeBlock, h.withView(h.handleBlock))
	d.Register(protocol.TypeUnblock, h.withView(h.handleUnblock))
	d.Register(protocol.TypeTyping, h.withView(h.handleTyping))
	d.Register(protocol.TypeAckFailed, h.withView(h.handleAckFailed))
	return h
}

// Attach wires the host into s.
func (h *Host) Attach(s *Server) {
	s.SetOnConnect(h.Connect)
	s.SetOnDisconnect(h.Disconnect)
}

// Dispatch handles one raw host message; it is the server's onMessage.
func (h *Host) Dispatch(conn *Connection, data []byte) {
	h.dispatcher.Dispatch(conn, data)
}

// Connect creates the connection's screen and greets the host.
func (h *Host) Connect(conn *Connection) {
	v := &hostView{conn: conn, screen: h.screens.NewScreen(), log: h.log.WithField("conn_id", conn.ID)}
	h.mu.Lock()
	h.views[conn.ID] = v
	h.mu.Unlock()

	v.emit(protocol.TypeConnected, protocol.ConnectedMsg{
		ConnectionID: conn.ID,
		UserID:       h.screens.Identity().UserID,
	})
}

// Disconnect releases the connection's screen. Actions in flight finish on
// their own context.
func (h *Host) Disconnect(conn *Connection) {
	h.mu.Lock()
	v := h.views[conn.ID]
	delete(h.views, conn.ID)
	h.mu.Unlock()
	if v != nil {
		h.screens.Release(v.screen)
	}
}

// Wait blocks until in-flight actions finish.
func (h *Host) Wait() {
	h.wg.Wait()
}

func (h *Host) withView(fn func(v *hostView, msg interface{})) MessageHandler {
	return func(conn *Connection, msg interface{}) {
		h.mu.Lock()
		v := h.views[conn.ID]
		h.mu.Unlock()
		if v == nil {
			return
		}
		fn(v, msg)
	}
}

// runAction performs a user action off the read loop and reports failure as
// action_error.
func (h *Host) runAction(v *hostView, action, requestID string, fn func(ctx context.Context) error) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), ActionTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			v.actionError(action, requestID, err)
		}
	}()
}

func (h *Host) handleMount(v *hostView, msg interface{}) {
	m, ok := msg.(protocol.MountMsg)
	if !ok {
		return
	}
	capability, err := screen.ParseCapability(m.Capability)
	if err != nil {
		v.actionError(protocol.TypeMount, "", err)
		return
	}
	v.setCapability(capability)
	v.screen.Mount(v, capability)
}

func (h *Host) handleUnmount(v *hostView, _ interface{}) {
	v.screen.Unmount()
}

func (h *Host) handleOpenThread(v *hostView, msg interface{}) {
	m, ok := msg.(protocol.OpenThreadMsg)
	if !ok {
		return
	}
	if err := v.screen.OpenThread(m.ChatID); err != nil {
		v.actionError(protocol.TypeOpenThread, "", err)
	}
}

func (h *Host) handleCloseThread(v *hostView, _ interface{}) {
	v.screen.CloseThread()
}

func (h *Host) handleSend(v *hostView, msg interface{}) {
	m, ok := msg.(protocol.SendMsg)
	if !ok {
		return
	}
	h.runAction(v, protocol.TypeSend, m.RequestID, func(ctx context.Context) error {
		_, err := v.screen.Actions().Send(ctx, m.ChatID, m.Content)
		return err
	})
}

func (h *Host) handleReact(v *hostView, msg interface{}) {
	m, ok := msg.(protocol.ReactMsg)
	if !ok {
		return
	}
	h.runAction(v, protocol.TypeReact, m.RequestID, func(ctx context.Context) error {
		_, err := v.screen.Actions().ToggleReaction(ctx, m.ChatID, m.MessageID, m.Emoji)
		return err
	})
}

func (h *Host) handleDelete(v *hostView, msg interface{}) {
	m, ok := msg.(protocol.DeleteMsg)
	if !ok {
		return
	}
	h.runAction(v, protocol.TypeDelete, m.RequestID, func(ctx context.Context) error {
		return v.screen.Actions().Delete(ctx, m.ChatID, m.MessageID)
	})
}

func (h *Host) handleBlock(v *hostView, msg interface{}) {
	m, ok := msg.(protocol.BlockMsg)
	if !ok {
		return
	}
	var opts []lifecycle.BlockOption
	if m.Reason != "" {
		opts = append(opts, lifecycle.WithReport(m.Reason))
	}
	h.runAction(v, protocol.TypeBlock, m.RequestID, func(ctx context.Context) error {
		return v.screen.Actions().Block(ctx, m.UserID, opts...)
	})
}

func (h *Host) handleUnblock(v *hostView, msg interface{}) {
	m, ok := msg.(protocol.UnblockMsg)
	if !ok {
		return
	}
	h.runAction(v, protocol.TypeUnblock, m.RequestID, func(ctx context.Context) error {
		return v.screen.Actions().Unblock(ctx, m.UserID)
	})
}

func (h *Host) handleTyping(v *hostView, msg interface{}) {
	m, ok := msg.(protocol.TypingMsg)
	if !ok || m.ChatID == "" {
		return
	}
	v.screen.Typing().NotifyTyping(m.ChatID)
}

func (h *Host) handleAckFailed(v *hostView, msg interface{}) {
	m, ok := msg.(protocol.AckFailedMsg)
	if !ok {
		return
	}
	if !v.screen.Actions().Acknowledge(m.ChatID, m.LocalID) {
		v.actionError(protocol.TypeAckFailed, "", apperr.Validation("no failed message %s", m.LocalID))
	}
}

// hostView is the screen.Screen for one connection. It forwards every
// callback to the host as a protocol message.
type hostView struct {
	conn   *Connection
	screen *screen.Controller
	log    *logrus.Entry

	mu         sync.Mutex
	capability screen.Capability
}

func (v *hostView) setCapability(c screen.Capability) {
	v.mu.Lock()
	v.capability = c
	v.mu.Unlock()
}

func (v *hostView) currentCapability() screen.Capability {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.capability
}

func (v *hostView) ShowBlocked(g access.Gate) {
	v.emit(protocol.TypeGate, protocol.GateMsg{Gate: g})
}

func (v *hostView) ShowContent() {
	v.emit(protocol.TypeContent, protocol.ContentMsg{Capability: string(v.currentCapability())})
}

func (v *hostView) ShowRoster(s roster.Snapshot) {
	v.emit(protocol.TypeRoster, protocol.RosterMsg{Roster: s})
}

func (v *hostView) ShowThread(s thread.Snapshot) {
	v.emit(protocol.TypeThread, protocol.ThreadMsg{Thread: s})
}

// Refresh asks the host to reload a non-chat screen by repeating the content
// message.
func (v *hostView) Refresh(ctx context.Context) error {
	v.ShowContent()
	return nil
}

func (v *hostView) actionError(action, requestID string, err error) {
	v.emit(protocol.TypeActionError, protocol.ActionErrorMsg{
		RequestID: requestID,
		Action:    action,
		Code:      apperr.Code(err),
		Message:   err.Error(),
	})
}

// emit is the boundary between engine callbacks and the host. A panic here
// must not take down the synchronizer that produced the snapshot.
func (v *hostView) emit(msgType string, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			v.log.WithError(fmt.Errorf("panic: %v", r)).WithField("type", msgType).Error("emit panicked")
		}
	}()
	send(v.log, v.conn, msgType, payload)
}
