package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/matchsync/internal/access"
	"github.com/whisper/matchsync/internal/apperr"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestParseIdentity(t *testing.T) {
	tests := []struct {
		name   string
		claims jwt.MapClaims
		want   Identity
	}{
		{"sub and role", jwt.MapClaims{"sub": "u1", "role": "vendor"}, Identity{UserID: "u1", Role: access.RoleVendor}},
		{"user_id fallback", jwt.MapClaims{"user_id": "u2"}, Identity{UserID: "u2", Role: access.RoleUser}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseIdentity(signed(t, tt.claims))
			if err != nil {
				t.Fatalf("ParseIdentity() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestParseIdentityErrors(t *testing.T) {
	if _, err := ParseIdentity("not-a-jwt"); err == nil {
		t.Error("expected error for malformed token")
	}
	if _, err := ParseIdentity(signed(t, jwt.MapClaims{"role": "user"})); err == nil {
		t.Error("expected error for token without subject")
	}
}

func TestStaticToken(t *testing.T) {
	if tok, err := Static("abc").Token(context.Background()); err != nil || tok != "abc" {
		t.Errorf("Token() = %q, %v", tok, err)
	}
	if _, err := Static("").Token(context.Background()); !errors.Is(err, apperr.ErrAuthentication) {
		t.Errorf("expected authentication failure, got %v", err)
	}
}

func newTestStore(t *testing.T, id string) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	s := NewStore(client, id)
	t.Cleanup(func() {
		s.Delete(ctx)
		client.Close()
	})
	return s
}

func TestStoreToken(t *testing.T) {
	s := newTestStore(t, "test_session_token")
	ctx := context.Background()

	if _, err := s.Token(ctx); !errors.Is(err, apperr.ErrAuthentication) {
		t.Fatalf("expected authentication failure for missing session, got %v", err)
	}

	if err := s.Put(ctx, Session{UserID: "u1", Token: "tok", ExpiresAt: time.Now().Add(time.Hour).Unix()}); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	tok, err := s.Token(ctx)
	if err != nil || tok != "tok" {
		t.Fatalf("Token() = %q, %v", tok, err)
	}

	if err := s.Put(ctx, Session{UserID: "u1", Token: "tok", ExpiresAt: time.Now().Add(-time.Minute).Unix()}); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if _, err := s.Token(ctx); !errors.Is(err, apperr.ErrAuthentication) {
		t.Errorf("expected authentication failure for expired session, got %v", err)
	}
}
