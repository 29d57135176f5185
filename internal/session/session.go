// Package session supplies the bearer credential the remote client sends and
// the identity encoded in it. Tokens are either fixed at startup or read from
// a Redis hash the host app's auth layer maintains.
package session

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/whisper/matchsync/internal/access"
	"github.com/whisper/matchsync/internal/apperr"
)

// Identity is who a token belongs to.
type Identity struct {
	UserID string
	Role   access.Role
}

// ParseIdentity reads the subject and role claims from token without
// verifying its signature; the API verifies every request. The user id comes
// from "sub", falling back to "user_id". A missing role means a regular user.
func ParseIdentity(token string) (Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("session: parse token: %w", err)
	}

	id := Identity{Role: access.RoleUser}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		id.UserID = sub
	} else if uid, ok := claims["user_id"].(string); ok {
		id.UserID = uid
	}
	if role, ok := claims["role"].(string); ok && role != "" {
		id.Role = access.Role(role)
	}
	if id.UserID == "" {
		return Identity{}, fmt.Errorf("session: token has no subject")
	}
	return id, nil
}

// Static is a fixed token.
type Static string

// Token implements remote.TokenSource.
func (s Static) Token(ctx context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("session: %w: no token configured", apperr.ErrAuthentication)
	}
	return string(s), nil
}
