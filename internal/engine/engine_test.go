package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/whisper/matchsync/internal/access"
	"github.com/whisper/matchsync/internal/apperr"
	"github.com/whisper/matchsync/internal/chat"
	"github.com/whisper/matchsync/internal/roster"
	"github.com/whisper/matchsync/internal/screen"
	"github.com/whisper/matchsync/internal/session"
	"github.com/whisper/matchsync/internal/thread"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

type fakeAPI struct {
	mu       sync.Mutex
	active   bool
	authFail bool
	blocked  []string
	chats    []chat.Chat
	sends    int
	typings  int
}

func completeProfile() *access.Profile {
	return &access.Profile{
		FirstName: "A", LastName: "B", DateOfBirth: "1990-01-01",
		City: "Pune", State: "MH", Religion: "R", Caste: "C",
		Photos:             []string{"1", "2", "3"},
		VerificationStatus: access.VerificationApproved,
	}
}

func (f *fakeAPI) setActive(v bool) {
	f.mu.Lock()
	f.active = v
	f.mu.Unlock()
}

func (f *fakeAPI) CurrentSubscription(ctx context.Context) (access.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.authFail {
		return access.Subscription{}, fmt.Errorf("remote: %w", apperr.ErrAuthentication)
	}
	return access.Subscription{Active: f.active}, nil
}

func (f *fakeAPI) MyProfile(ctx context.Context) (*access.Profile, error) {
	return completeProfile(), nil
}

func (f *fakeAPI) ListChats(ctx context.Context) ([]chat.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chat.Chat(nil), f.chats...), nil
}

func (f *fakeAPI) ListMessages(ctx context.Context, chatID string) ([]chat.Message, error) {
	return nil, nil
}

func (f *fakeAPI) GetTyping(ctx context.Context, chatID string) ([]string, error) {
	return nil, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, chatID string, content chat.Content) (chat.Message, error) {
	f.mu.Lock()
	f.sends++
	f.mu.Unlock()
	return chat.Message{ID: "m1", ChatID: chatID, SenderID: "me", Content: content, CreatedAt: time.Now()}, nil
}

func (f *fakeAPI) SetTyping(ctx context.Context, chatID string) error {
	f.mu.Lock()
	f.typings++
	f.mu.Unlock()
	return nil
}

func (f *fakeAPI) writes() (sends, typings int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends, f.typings
}

func (f *fakeAPI) AddReaction(ctx context.Context, chatID, messageID, emoji string) error {
	return nil
}

func (f *fakeAPI) RemoveReaction(ctx context.Context, chatID, messageID, emoji string) error {
	return nil
}

func (f *fakeAPI) DeleteMessage(ctx context.Context, chatID, messageID string) error { return nil }

func (f *fakeAPI) BlockUser(ctx context.Context, userID string) error { return nil }

func (f *fakeAPI) UnblockUser(ctx context.Context, userID string) error { return nil }

func (f *fakeAPI) ListBlockedUsers(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.blocked...), nil
}

type gateScreen struct {
	mu      sync.Mutex
	blocked int
	content int
}

func (s *gateScreen) ShowBlocked(access.Gate) {
	s.mu.Lock()
	s.blocked++
	s.mu.Unlock()
}

func (s *gateScreen) ShowContent() {
	s.mu.Lock()
	s.content++
	s.mu.Unlock()
}

func (s *gateScreen) counts() (blocked, content int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked, s.content
}

type recordingMirror struct {
	mu      sync.Mutex
	gates   []access.Gate
	rosters int
}

func (m *recordingMirror) Gate(g access.Gate) {
	m.mu.Lock()
	m.gates = append(m.gates, g)
	m.mu.Unlock()
}

func (m *recordingMirror) Roster(roster.Snapshot) {
	m.mu.Lock()
	m.rosters++
	m.mu.Unlock()
}

func (m *recordingMirror) Thread(thread.Snapshot) {}

func (m *recordingMirror) seen() (gates []access.Gate, rosters int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]access.Gate(nil), m.gates...), m.rosters
}

func newEngine(t *testing.T, api *fakeAPI, opts ...Option) (*Engine, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	opts = append([]Option{WithClock(mock)}, opts...)
	e := New(api, DefaultConfig(session.Identity{UserID: "me", Role: access.RoleUser}), opts...)
	t.Cleanup(e.Close)
	return e, mock
}

func TestStartLoadsGateAndBlocks(t *testing.T) {
	api := &fakeAPI{active: true, blocked: []string{"p2"}}
	e, _ := newEngine(t, api)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if g := e.State().Gate(); !g.IsOpen() {
		t.Errorf("gate = %v, want open", g)
	}
	if !e.Blocks().IsBlocked("p2") {
		t.Error("p2 should be blocked after start")
	}
}

func TestStartReturnsAuthenticationFailure(t *testing.T) {
	api := &fakeAPI{authFail: true}
	e, _ := newEngine(t, api)

	err := e.Start(context.Background())
	if !errors.Is(err, apperr.ErrAuthentication) {
		t.Fatalf("err = %v, want authentication failure", err)
	}
}

func TestScreenFollowsMonitoredGate(t *testing.T) {
	api := &fakeAPI{chats: []chat.Chat{{ID: "c1", Peer: chat.PeerSummary{UserID: "p1"}}}}
	e, mock := newEngine(t, api)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	c := e.NewScreen()
	s := &gateScreen{}
	if g := c.Mount(s, screen.CapChats); g.Kind != access.GateBlockedBySubscription {
		t.Fatalf("gate = %v, want blocked_by_subscription", g)
	}
	if n := c.RunningPollers(); n != 0 {
		t.Fatalf("running pollers = %d, want 0", n)
	}

	api.setActive(true)
	mock.Add(access.DefaultMonitorConfig().Interval)

	waitFor(t, func() bool { return e.State().Gate().IsOpen() })
	waitFor(t, func() bool { return c.RunningPollers() == 1 })
	if _, content := s.counts(); content != 1 {
		t.Errorf("content shown %d times, want 1", content)
	}
}

func TestMirrorSeesGateAndRoster(t *testing.T) {
	api := &fakeAPI{active: true, chats: []chat.Chat{{ID: "c1", Peer: chat.PeerSummary{UserID: "p1"}}}}
	m := &recordingMirror{}
	e, _ := newEngine(t, api, WithMirror(m))
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	c := e.NewScreen()
	c.Mount(&gateScreen{}, screen.CapChats)

	waitFor(t, func() bool { _, n := m.seen(); return n > 0 })
	gates, _ := m.seen()
	if len(gates) == 0 || !gates[len(gates)-1].IsOpen() {
		t.Errorf("gates = %v, want last open", gates)
	}
}

func TestCloseStopsEveryScreen(t *testing.T) {
	api := &fakeAPI{active: true}
	e, _ := newEngine(t, api)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	a, b := e.NewScreen(), e.NewScreen()
	a.Mount(&gateScreen{}, screen.CapChats)
	b.Mount(&gateScreen{}, screen.CapChats)
	if a.RunningPollers() != 1 || b.RunningPollers() != 1 {
		t.Fatal("screens should be polling")
	}

	e.Close()
	if a.RunningPollers() != 0 || b.RunningPollers() != 0 {
		t.Error("pollers still running after Close")
	}
}

func TestReleaseForgetsScreen(t *testing.T) {
	api := &fakeAPI{active: true}
	e, _ := newEngine(t, api)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	c := e.NewScreen()
	c.Mount(&gateScreen{}, screen.CapChats)
	e.Release(c)
	if c.RunningPollers() != 0 {
		t.Error("released screen still polling")
	}

	e.mu.Lock()
	n := len(e.screens)
	e.mu.Unlock()
	if n != 0 {
		t.Errorf("tracked screens = %d, want 0", n)
	}
}

func TestClosedGateBlocksScreenActions(t *testing.T) {
	api := &fakeAPI{chats: []chat.Chat{{ID: "c1", Peer: chat.PeerSummary{UserID: "p1"}}}}
	e, _ := newEngine(t, api)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	c := e.NewScreen()
	if g := c.Mount(&gateScreen{}, screen.CapChats); g.Kind != access.GateBlockedBySubscription {
		t.Fatalf("gate = %v, want blocked_by_subscription", g)
	}

	if _, err := c.Actions().Send(context.Background(), "c1", chat.NewText("hello")); !errors.Is(err, apperr.ErrAccessDenied) {
		t.Errorf("Send err = %v, want access denied", err)
	}
	if c.Typing().NotifyTyping("c1") {
		t.Error("typing signal sent behind a closed gate")
	}
	c.Typing().Wait()
	if sends, typings := api.writes(); sends != 0 || typings != 0 {
		t.Errorf("remote writes = %d sends, %d typing; want none", sends, typings)
	}
}

// refreshingMirror also hands out refresh requests.
type refreshingMirror struct {
	recordingMirror
	mu      sync.Mutex
	refresh func()
	stopped bool
}

func (m *refreshingMirror) OnRefresh(fn func()) (func(), error) {
	m.mu.Lock()
	m.refresh = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.stopped = true
		m.mu.Unlock()
	}, nil
}

func (m *refreshingMirror) request() {
	m.mu.Lock()
	fn := m.refresh
	m.mu.Unlock()
	fn()
}

func TestRefreshRequestReloadsGate(t *testing.T) {
	api := &fakeAPI{active: true}
	m := &refreshingMirror{}
	e, _ := newEngine(t, api, WithMirror(m))
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !e.State().Gate().IsOpen() {
		t.Fatalf("gate = %v, want open", e.State().Gate())
	}

	// No tick elapses; only the request reloads the status.
	api.setActive(false)
	m.request()
	waitFor(t, func() bool { return e.State().Gate().Kind == access.GateBlockedBySubscription })

	e.Close()
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		t.Error("Close must stop listening for refresh requests")
	}
}
