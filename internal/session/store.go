package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/matchsync/internal/apperr"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 24 * time.Hour
)

// Session is the credential record the host app writes for a signed-in user.
type Session struct {
	ID        string `redis:"id"`
	UserID    string `redis:"user_id"`
	Token     string `redis:"token"`
	ExpiresAt int64  `redis:"expires_at"` // unix timestamp, 0 if unknown
}

// Store reads one session's credentials from Redis.
type Store struct {
	client    *redis.Client
	sessionID string
}

// NewStore creates a Store for sessionID on client.
func NewStore(client *redis.Client, sessionID string) *Store {
	return &Store{client: client, sessionID: sessionID}
}

// Get retrieves the session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context) (*Session, error) {
	var sess Session
	if err := s.client.HGetAll(ctx, SessionPrefix+s.sessionID).Scan(&sess); err != nil {
		return nil, fmt.Errorf("session: get: %w", err)
	}
	if sess.Token == "" {
		return nil, nil
	}
	return &sess, nil
}

// Put stores sess under the store's session id with the default TTL.
func (s *Store) Put(ctx context.Context, sess Session) error {
	key := SessionPrefix + s.sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key,
		"id", s.sessionID,
		"user_id", sess.UserID,
		"token", sess.Token,
		"expires_at", sess.ExpiresAt,
	)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Token implements remote.TokenSource. The token is read on every call so a
// renewal by the host app is picked up without a restart.
func (s *Store) Token(ctx context.Context) (string, error) {
	sess, err := s.Get(ctx)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", fmt.Errorf("session: %w: session %s not found", apperr.ErrAuthentication, s.sessionID)
	}
	if sess.ExpiresAt != 0 && time.Now().Unix() >= sess.ExpiresAt {
		return "", fmt.Errorf("session: %w: session %s expired", apperr.ErrAuthentication, s.sessionID)
	}
	return sess.Token, nil
}

// Delete removes the session from Redis.
func (s *Store) Delete(ctx context.Context) error {
	return s.client.Del(ctx, SessionPrefix+s.sessionID).Err()
}
