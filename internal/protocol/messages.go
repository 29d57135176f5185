// Package protocol defines the host bridge messages exchanged between a UI
// host and the sync engine. All messages are JSON objects with a "type"
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/whisper/matchsync/internal/access"
	"github.com/whisper/matchsync/internal/chat"
	"github.com/whisper/matchsync/internal/roster"
	"github.com/whisper/matchsync/internal/thread"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Host -> Engine message types.
const (
	TypeMount       = "mount"
	TypeUnmount     = "unmount"
	TypeOpenThread  = "open_thread"
	TypeCloseThread = "close_thread"
	TypeSend        = "send"
	TypeReact       = "react"
	TypeDelete      = "delete"
	TypeBlock       = "block"
	TypeUnblock     = "unblock"
	TypeTyping      = "typing"
	TypeAckFailed   = "ack_failed"
	TypePing        = "ping"
)

// Engine -> Host message types.
const (
	TypeConnected   = "connected"
	TypeGate        = "gate"
	TypeContent     = "content"
	TypeRoster      = "roster"
	TypeThread      = "thread"
	TypeActionError = "action_error"
	TypeError       = "error"
	TypePong        = "pong"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Host -> Engine message structs
// ---------------------------------------------------------------------------

// MountMsg mounts the connection's screen with a capability.
type MountMsg struct {
	Type       string `json:"type"`
	Capability string `json:"capability"`
}

// UnmountMsg releases the mounted screen.
type UnmountMsg struct {
	Type string `json:"type"`
}

// OpenThreadMsg opens a chat thread on a mounted chats screen.
type OpenThreadMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// CloseThreadMsg closes the open thread.
type CloseThreadMsg struct {
	Type string `json:"type"`
}

// SendMsg posts a message. RequestID, when set, is echoed on action_error.
type SendMsg struct {
	Type      string       `json:"type"`
	RequestID string       `json:"request_id,omitempty"`
	ChatID    string       `json:"chat_id"`
	Content   chat.Content `json:"content"`
}

// ReactMsg toggles the user's reaction on a message.
type ReactMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// DeleteMsg deletes one of the user's own messages.
type DeleteMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

// BlockMsg blocks a peer. A non-empty Reason also files a report.
type BlockMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	UserID    string `json:"user_id"`
	Reason    string `json:"reason,omitempty"`
}

// UnblockMsg unblocks a peer.
type UnblockMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	UserID    string `json:"user_id"`
}

// TypingMsg reports a local input change in a chat.
type TypingMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// AckFailedMsg dismisses a failed outgoing message.
type AckFailedMsg struct {
	Type    string `json:"type"`
	ChatID  string `json:"chat_id"`
	LocalID string `json:"local_id"`
}

// PingMsg is a host-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Engine -> Host message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent once the connection is established.
type ConnectedMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}

// GateMsg tells the host to show the blocking modal for Gate.
type GateMsg struct {
	Type string      `json:"type"`
	Gate access.Gate `json:"gate"`
}

// ContentMsg tells the host the gate is open and content may be shown.
type ContentMsg struct {
	Type       string `json:"type"`
	Capability string `json:"capability"`
}

// RosterMsg carries a roster snapshot.
type RosterMsg struct {
	Type   string          `json:"type"`
	Roster roster.Snapshot `json:"roster"`
}

// ThreadMsg carries a thread snapshot.
type ThreadMsg struct {
	Type   string          `json:"type"`
	Thread thread.Snapshot `json:"thread"`
}

// ActionErrorMsg reports a failed user action. Code is apperr.Code of the
// failure.
type ActionErrorMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Action    string `json:"action"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// ErrorMsg reports a malformed or unsupported host message.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the engine's response to a host ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw bytes into a typed host message. An error is
// returned for unknown or engine-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeMount:
		var m MountMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUnmount:
		var m UnmountMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeOpenThread:
		var m OpenThreadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCloseThread:
		var m CloseThreadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSend:
		var m SendMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReact:
		var m ReactMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDelete:
		var m DeleteMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeBlock:
		var m BlockMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUnblock:
		var m UnblockMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAckFailed:
		var m AckFailedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes payload and injects msgType under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
