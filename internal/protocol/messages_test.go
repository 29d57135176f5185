package protocol

import (
	"encoding/json"
	"testing"

	"github.com/whisper/matchsync/internal/access"
	"github.com/whisper/matchsync/internal/chat"
	"github.com/whisper/matchsync/internal/roster"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid mount message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Mount(t *testing.T) {
	input := []byte(`{"type":"mount","capability":"chats"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMount {
		t.Fatalf("expected type %q, got %q", TypeMount, msgType)
	}

	m, ok := msg.(MountMsg)
	if !ok {
		t.Fatalf("expected MountMsg, got %T", msg)
	}
	if m.Capability != "chats" {
		t.Errorf("expected capability %q, got %q", "chats", m.Capability)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a send message decodes the tagged content
// ---------------------------------------------------------------------------

func TestParseClientMessage_Send(t *testing.T) {
	input := []byte(`{"type":"send","request_id":"r1","chat_id":"abc-123","content":{"type":"image","image_url":"https://cdn.example.com/a.jpg"}}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSend {
		t.Fatalf("expected type %q, got %q", TypeSend, msgType)
	}

	sm, ok := msg.(SendMsg)
	if !ok {
		t.Fatalf("expected SendMsg, got %T", msg)
	}
	if sm.ChatID != "abc-123" || sm.RequestID != "r1" {
		t.Errorf("unexpected ids: %+v", sm)
	}
	if sm.Content.Kind() != chat.KindImage {
		t.Errorf("expected image content, got %v", sm.Content.Kind())
	}
	if sm.Content.URL() != "https://cdn.example.com/a.jpg" {
		t.Errorf("unexpected url %q", sm.Content.URL())
	}
}

// ---------------------------------------------------------------------------
// Test: Content carrying two payloads is rejected at parse time
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendAmbiguousContent(t *testing.T) {
	input := []byte(`{"type":"send","chat_id":"c1","content":{"type":"text","text":"hi","image_url":"https://x/y.png"}}`)

	if _, _, err := ParseClientMessage(input); err == nil {
		t.Fatal("expected error for content with two payloads")
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a gate server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_Gate(t *testing.T) {
	payload := GateMsg{Gate: access.BlockedByVerification(access.VerificationRejected, "blurry photo")}

	data, err := NewServerMessage(TypeGate, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeGate {
		t.Errorf("expected type %q, got %v", TypeGate, result["type"])
	}
	gate, ok := result["gate"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected gate to be an object, got %T", result["gate"])
	}
	if gate["kind"] != "blocked_by_verification" {
		t.Errorf("expected kind blocked_by_verification, got %v", gate["kind"])
	}
	if gate["status"] != "rejected" || gate["reason"] != "blurry photo" {
		t.Errorf("unexpected gate payload: %v", gate)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a roster server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_Roster(t *testing.T) {
	payload := RosterMsg{Roster: roster.Snapshot{
		Chats:      []chat.Chat{{ID: "c1", UnreadCount: 2}, {ID: "c2"}},
		SelectedID: "c1",
	}}

	data, err := NewServerMessage(TypeRoster, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Type   string          `json:"type"`
		Roster roster.Snapshot `json:"roster"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result.Type != TypeRoster {
		t.Errorf("expected type %q, got %q", TypeRoster, result.Type)
	}
	if len(result.Roster.Chats) != 2 || result.Roster.Chats[0].UnreadCount != 2 {
		t.Errorf("unexpected roster: %+v", result.Roster)
	}
	if result.Roster.SelectedID != "c1" {
		t.Errorf("expected selected c1, got %q", result.Roster.SelectedID)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"find_match"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected error for unknown type, got nil")
	}
	if msgType != "find_match" {
		t.Errorf("expected type %q, got %q", "find_match", msgType)
	}
	if msg != nil {
		t.Errorf("expected nil msg, got %v", msg)
	}
}

// ---------------------------------------------------------------------------
// Test: Engine-only types are rejected from the host
// ---------------------------------------------------------------------------

func TestParseClientMessage_EngineTypeRejected(t *testing.T) {
	for _, typ := range []string{TypeConnected, TypeGate, TypeRoster, TypeThread, TypeActionError} {
		input := []byte(`{"type":"` + typ + `"}`)
		if _, _, err := ParseClientMessage(input); err == nil {
			t.Errorf("expected error for engine type %q", typ)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Server messages overwrite any type in the payload
// ---------------------------------------------------------------------------

func TestNewServerMessage_TypeInjected(t *testing.T) {
	data, err := NewServerMessage(TypeActionError, ActionErrorMsg{
		Type:      "bogus",
		RequestID: "r9",
		Action:    "delete",
		Code:      "validation_failure",
		Message:   "too late",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded ActionErrorMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != TypeActionError {
		t.Errorf("expected type %q, got %q", TypeActionError, decoded.Type)
	}
	if decoded.RequestID != "r9" || decoded.Action != "delete" || decoded.Code != "validation_failure" {
		t.Errorf("unexpected payload: %+v", decoded)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"chat_id":"abc"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{not valid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all host message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantType string
	}{
		{"mount", `{"type":"mount","capability":"favorites"}`, TypeMount},
		{"unmount", `{"type":"unmount"}`, TypeUnmount},
		{"open_thread", `{"type":"open_thread","chat_id":"c1"}`, TypeOpenThread},
		{"close_thread", `{"type":"close_thread"}`, TypeCloseThread},
		{"send", `{"type":"send","chat_id":"c1","content":{"type":"text","text":"hi"}}`, TypeSend},
		{"react", `{"type":"react","chat_id":"c1","message_id":"m1","emoji":"❤️"}`, TypeReact},
		{"delete", `{"type":"delete","chat_id":"c1","message_id":"m1"}`, TypeDelete},
		{"block", `{"type":"block","user_id":"u2","reason":"spam"}`, TypeBlock},
		{"unblock", `{"type":"unblock","user_id":"u2"}`, TypeUnblock},
		{"typing", `{"type":"typing","chat_id":"c1"}`, TypeTyping},
		{"ack_failed", `{"type":"ack_failed","chat_id":"c1","local_id":"local-1"}`, TypeAckFailed},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tt.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tt.wantType {
				t.Errorf("expected type %q, got %q", tt.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
