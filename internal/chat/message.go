package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DeleteWindow is how long after creation a sender may delete a message.
const DeleteWindow = 5 * time.Minute

const localIDPrefix = "local-"

// Message is one entry in a thread. A pending message has no server ID yet
// and is identified by its LocalID.
type Message struct {
	ID        string      `json:"id,omitempty"`
	LocalID   string      `json:"local_id,omitempty"`
	ChatID    string      `json:"chat_id"`
	SenderID  string      `json:"sender_id"`
	Content   Content     `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
	Read      bool        `json:"read"`
	Reactions ReactionSet `json:"reactions,omitempty"`
	Pending   bool        `json:"pending,omitempty"`
	Failed    bool        `json:"failed,omitempty"`
}

// NewLocalID returns a fresh client-side identifier.
func NewLocalID() string {
	return localIDPrefix + uuid.NewString()
}

// IsLocalID reports whether id was produced by NewLocalID.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}

// Key is the identifier the host uses to address the message.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.LocalID
}

// Confirmed reports whether the server has assigned the message an identity.
func (m Message) Confirmed() bool {
	return !m.Pending && m.ID != ""
}

// Deletable reports whether userID may delete m at now.
func (m Message) Deletable(userID string, now time.Time) bool {
	return m.Confirmed() && m.SenderID == userID && now.Sub(m.CreatedAt) < DeleteWindow
}
