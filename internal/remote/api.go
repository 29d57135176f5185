package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/whisper/matchsync/internal/access"
	"github.com/whisper/matchsync/internal/chat"
	"github.com/whisper/matchsync/internal/logging"
)

// messageWire is the flat message shape the API returns.
type messageWire struct {
	ID        string          `json:"id"`
	ChatID    string          `json:"chat_id"`
	SenderID  string          `json:"sender_id"`
	CreatedAt time.Time       `json:"created_at"`
	Read      bool            `json:"read"`
	Reactions []chat.Reaction `json:"reactions"`
	chat.Fields
}

func (w messageWire) toMessage() (chat.Message, error) {
	content, err := chat.ContentFromFields(w.Fields)
	if err != nil {
		return chat.Message{}, fmt.Errorf("message %s: %w", w.ID, err)
	}
	return chat.Message{
		ID:        w.ID,
		ChatID:    w.ChatID,
		SenderID:  w.SenderID,
		Content:   content,
		CreatedAt: w.CreatedAt,
		Read:      w.Read,
		Reactions: chat.NewReactionSet(w.Reactions...),
	}, nil
}

type userIDs struct {
	UserIDs []string `json:"user_ids"`
}

type emojiBody struct {
	Emoji string `json:"emoji"`
}

// ListChats returns the roster in server order.
func (c *Client) ListChats(ctx context.Context) ([]chat.Chat, error) {
	var chats []chat.Chat
	if err := c.do(ctx, http.MethodGet, "/api/chats", nil, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

// ListMessages returns a chat's messages, newest last. Messages whose content
// is malformed are skipped.
func (c *Client) ListMessages(ctx context.Context, chatID string) ([]chat.Message, error) {
	var wire []messageWire
	if err := c.do(ctx, http.MethodGet, chatPath(chatID)+"/messages", nil, &wire); err != nil {
		return nil, err
	}
	msgs := make([]chat.Message, 0, len(wire))
	for _, w := range wire {
		m, err := w.toMessage()
		if err != nil {
			logging.For("remote").WithError(err).WithField("chat_id", chatID).Warn("skipping malformed message")
			continue
		}
		if m.ChatID == "" {
			m.ChatID = chatID
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// SendMessage posts content and returns the server copy.
func (c *Client) SendMessage(ctx context.Context, chatID string, content chat.Content) (chat.Message, error) {
	var w messageWire
	if err := c.do(ctx, http.MethodPost, chatPath(chatID)+"/messages", content.Fields(), &w); err != nil {
		return chat.Message{}, err
	}
	m, err := w.toMessage()
	if err != nil {
		return chat.Message{}, fmt.Errorf("remote: send message: %w", err)
	}
	if m.ChatID == "" {
		m.ChatID = chatID
	}
	return m, nil
}

// SetTyping signals that the current user is typing in chatID.
func (c *Client) SetTyping(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodPost, chatPath(chatID)+"/typing", nil, nil)
}

// GetTyping returns the users currently typing in chatID.
func (c *Client) GetTyping(ctx context.Context, chatID string) ([]string, error) {
	var out userIDs
	if err := c.do(ctx, http.MethodGet, chatPath(chatID)+"/typing", nil, &out); err != nil {
		return nil, err
	}
	return out.UserIDs, nil
}

func (c *Client) AddReaction(ctx context.Context, chatID, messageID, emoji string) error {
	return c.do(ctx, http.MethodPost, messagePath(chatID, messageID)+"/reactions", emojiBody{emoji}, nil)
}

func (c *Client) RemoveReaction(ctx context.Context, chatID, messageID, emoji string) error {
	return c.do(ctx, http.MethodDelete, messagePath(chatID, messageID)+"/reactions", emojiBody{emoji}, nil)
}

func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	return c.do(ctx, http.MethodDelete, messagePath(chatID, messageID), nil, nil)
}

func (c *Client) BlockUser(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodPost, "/api/blocks/"+url.PathEscape(userID), nil, nil)
}

func (c *Client) UnblockUser(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodDelete, "/api/blocks/"+url.PathEscape(userID), nil, nil)
}

// ListBlockedUsers returns the ids the current user has blocked.
func (c *Client) ListBlockedUsers(ctx context.Context) ([]string, error) {
	var out userIDs
	if err := c.do(ctx, http.MethodGet, "/api/blocks", nil, &out); err != nil {
		return nil, err
	}
	return out.UserIDs, nil
}

// CurrentSubscription returns the current subscription. A user without one
// gets an inactive subscription.
func (c *Client) CurrentSubscription(ctx context.Context) (access.Subscription, error) {
	var sub access.Subscription
	err := c.do(ctx, http.MethodGet, "/api/subscriptions/current", nil, &sub)
	if isNotFound(err) {
		return access.Subscription{}, nil
	}
	return sub, err
}

// MyProfile returns the signed-in user's profile, or nil if none exists.
func (c *Client) MyProfile(ctx context.Context) (*access.Profile, error) {
	var p access.Profile
	err := c.do(ctx, http.MethodGet, "/api/profiles/me", nil, &p)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
