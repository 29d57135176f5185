package ws

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/matchsync/internal/access"
	"github.com/whisper/matchsync/internal/chat"
	"github.com/whisper/matchsync/internal/engine"
	"github.com/whisper/matchsync/internal/session"
)

type fakeAPI struct{}

func (fakeAPI) CurrentSubscription(ctx context.Context) (access.Subscription, error) {
	return access.Subscription{}, nil
}

func (fakeAPI) MyProfile(ctx context.Context) (*access.Profile, error) { return nil, nil }

func (fakeAPI) ListChats(ctx context.Context) ([]chat.Chat, error) {
	return []chat.Chat{{ID: "c1", Peer: chat.PeerSummary{UserID: "p1", DisplayName: "Asha"}}}, nil
}

func (fakeAPI) ListMessages(ctx context.Context, chatID string) ([]chat.Message, error) {
	return nil, nil
}

func (fakeAPI) GetTyping(ctx context.Context, chatID string) ([]string, error) { return nil, nil }

func (fakeAPI) SendMessage(ctx context.Context, chatID string, content chat.Content) (chat.Message, error) {
	return chat.Message{ID: "m1", ChatID: chatID, Content: content, CreatedAt: time.Now()}, nil
}

func (fakeAPI) SetTyping(ctx context.Context, chatID string) error { return nil }

func (fakeAPI) AddReaction(ctx context.Context, chatID, messageID, emoji string) error { return nil }

func (fakeAPI) RemoveReaction(ctx context.Context, chatID, messageID, emoji string) error {
	return nil
}

func (fakeAPI) DeleteMessage(ctx context.Context, chatID, messageID string) error { return nil }

func (fakeAPI) BlockUser(ctx context.Context, userID string) error { return nil }

func (fakeAPI) UnblockUser(ctx context.Context, userID string) error { return nil }

func (fakeAPI) ListBlockedUsers(ctx context.Context) ([]string, error) { return nil, nil }

// startBridge serves a host bridge for a user with role over httptest.
func startBridge(t *testing.T, role access.Role) (*Server, string) {
	t.Helper()
	eng := engine.New(fakeAPI{}, engine.DefaultConfig(session.Identity{UserID: "me", Role: role}))
	t.Cleanup(eng.Close)

	host := NewHost(eng)
	srv := NewServer(DefaultServerConfig(), host.Dispatch)
	host.Attach(srv)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
		ts.Close()
		host.Wait()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) net.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if br != nil {
		// Frames that arrived with the handshake response are buffered in br.
		return &bufferedConn{Conn: conn, r: io.MultiReader(br, conn)}
	}
	return conn
}

type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func write(t *testing.T, conn net.Conn, msg string) {
	t.Helper()
	if err := wsutil.WriteClientMessage(conn, ws.OpText, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readType reads engine messages until one of type want arrives.
func readType(t *testing.T, conn net.Conn, want string) map[string]interface{} {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			t.Fatalf("waiting for %q: %v", want, err)
		}
		var m map[string]interface{}
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if m["type"] == want {
			return m
		}
	}
}

// readTypes reads engine messages in any order until every type in want
// has arrived, returning the last message of each.
func readTypes(t *testing.T, conn net.Conn, want ...string) map[string]map[string]interface{} {
	t.Helper()
	got := make(map[string]map[string]interface{})
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	for len(got) < len(want) {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			t.Fatalf("waiting for %v: %v", want, err)
		}
		var m map[string]interface{}
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		for _, w := range want {
			if m["type"] == w {
				got[w] = m
			}
		}
	}
	return got
}

func TestConnectGreetsHost(t *testing.T) {
	srv, url := startBridge(t, access.RoleUser)
	conn := dial(t, url)

	m := readType(t, conn, "connected")
	if m["user_id"] != "me" {
		t.Errorf("user_id = %v", m["user_id"])
	}
	if id, _ := m["connection_id"].(string); srv.Connections().Get(id) == nil {
		t.Errorf("connection %v not registered", m["connection_id"])
	}
}

func TestMountClosedGateSendsModal(t *testing.T) {
	_, url := startBridge(t, access.RoleUser)
	conn := dial(t, url)
	readType(t, conn, "connected")

	write(t, conn, `{"type":"mount","capability":"chats"}`)
	m := readType(t, conn, "gate")
	gate, _ := m["gate"].(map[string]interface{})
	if gate["kind"] != "blocked_by_subscription" {
		t.Errorf("gate = %v, want blocked_by_subscription", gate)
	}

	write(t, conn, `{"type":"open_thread","chat_id":"c1"}`)
	m = readType(t, conn, "action_error")
	if m["code"] != "access_denied" {
		t.Errorf("code = %v, want access_denied", m["code"])
	}

	write(t, conn, `{"type":"send","request_id":"r2","chat_id":"c1","content":{"type":"text","text":"hi"}}`)
	m = readType(t, conn, "action_error")
	if m["request_id"] != "r2" || m["code"] != "access_denied" {
		t.Errorf("send behind closed gate: %v", m)
	}
}

func TestMountOpenGateStreamsRoster(t *testing.T) {
	_, url := startBridge(t, access.RoleVendor)
	conn := dial(t, url)
	readType(t, conn, "connected")

	write(t, conn, `{"type":"mount","capability":"chats"}`)
	got := readTypes(t, conn, "content", "roster")
	if got["content"]["capability"] != "chats" {
		t.Errorf("capability = %v", got["content"]["capability"])
	}

	r, _ := got["roster"]["roster"].(map[string]interface{})
	chats, _ := r["chats"].([]interface{})
	if len(chats) != 1 {
		t.Fatalf("chats = %v", r["chats"])
	}

	write(t, conn, `{"type":"open_thread","chat_id":"c1"}`)
	m := readType(t, conn, "thread")
	th, _ := m["thread"].(map[string]interface{})
	if th["chat_id"] != "c1" {
		t.Errorf("thread = %v", th)
	}
}

func TestActionErrorEchoesRequestID(t *testing.T) {
	_, url := startBridge(t, access.RoleVendor)
	conn := dial(t, url)
	readType(t, conn, "connected")

	write(t, conn, `{"type":"mount","capability":"chats"}`)
	readType(t, conn, "content")

	write(t, conn, `{"type":"delete","request_id":"r7","chat_id":"c1","message_id":"nope"}`)
	m := readType(t, conn, "action_error")
	if m["request_id"] != "r7" || m["action"] != "delete" {
		t.Errorf("action_error = %v", m)
	}
	if m["code"] != "validation_failure" {
		t.Errorf("code = %v, want validation_failure", m["code"])
	}
}

func TestPingAndBadInput(t *testing.T) {
	_, url := startBridge(t, access.RoleUser)
	conn := dial(t, url)
	readType(t, conn, "connected")

	write(t, conn, `{"type":"ping"}`)
	readType(t, conn, "pong")

	write(t, conn, `{"type":"warp"}`)
	m := readType(t, conn, "error")
	if m["code"] != "parse_error" {
		t.Errorf("code = %v, want parse_error", m["code"])
	}

	write(t, conn, `{"type":"mount","capability":"dashboard"}`)
	m = readType(t, conn, "action_error")
	if m["code"] != "validation_failure" {
		t.Errorf("code = %v, want validation_failure", m["code"])
	}
}

func TestDisconnectReleasesScreen(t *testing.T) {
	srv, url := startBridge(t, access.RoleVendor)
	conn := dial(t, url)
	readType(t, conn, "connected")
	write(t, conn, `{"type":"mount","capability":"chats"}`)
	readType(t, conn, "content")

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for srv.Connections().Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection not removed after close")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHeartbeatEvictsIdleConnection(t *testing.T) {
	srv, url := startBridge(t, access.RoleUser)
	conn := dial(t, url)
	readType(t, conn, "connected")

	cfg := HeartbeatConfig{Interval: time.Second, Timeout: time.Second}
	checkConnections(srv, cfg, time.Now().Add(time.Minute))
	if n := srv.Connections().Count(); n != 0 {
		t.Errorf("connections = %d, want 0", n)
	}
}
