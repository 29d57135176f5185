package chat

import (
	"sort"
	"time"
)

// PeerSummary is the profile snippet shown for the other side of a chat.
type PeerSummary struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	PhotoURL    string `json:"photo_url,omitempty"`
}

// Chat is one roster row.
type Chat struct {
	ID            string      `json:"id"`
	Peer          PeerSummary `json:"peer"`
	LastMessage   string      `json:"last_message,omitempty"`
	LastMessageAt time.Time   `json:"last_message_at"`
	UnreadCount   int         `json:"unread_count"`
	PeerOnline    bool        `json:"peer_online"`
	PeerTyping    bool        `json:"peer_typing"`
}

// SortByRecency orders chats most recently active first, ties by ID.
func SortByRecency(chats []Chat) {
	sort.SliceStable(chats, func(i, j int) bool {
		a, b := chats[i], chats[j]
		if !a.LastMessageAt.Equal(b.LastMessageAt) {
			return a.LastMessageAt.After(b.LastMessageAt)
		}
		return a.ID < b.ID
	})
}
