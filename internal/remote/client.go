// Package remote is the HTTP client for the matchmaking API. Every call
// carries a bearer token and maps failures onto the apperr taxonomy.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/whisper/matchsync/internal/apperr"
)

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 64 << 10

// TokenSource supplies the bearer credential for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Config holds client settings.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// DefaultConfig returns a Config with a 10 second timeout.
func DefaultConfig() Config {
	return Config{
		BaseURL:   "http://localhost:3000",
		Timeout:   10 * time.Second,
		UserAgent: "matchsync/1",
	}
}

// Client talks to the remote API.
type Client struct {
	base   *url.URL
	tokens TokenSource
	http   *http.Client
	agent  string
}

// New creates a Client. A nil httpClient gets one with cfg.Timeout.
func New(cfg Config, tokens TokenSource, httpClient *http.Client) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("remote: base url %q must be absolute", cfg.BaseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{base: base, tokens: tokens, http: httpClient, agent: cfg.UserAgent}, nil
}

// errorBody is the JSON error shape returned by the API.
type errorBody struct {
	Error   string               `json:"error"`
	Message string               `json:"message"`
	Gate    *apperr.DeniedStatus `json:"gate"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("remote: %s %s: encode: %w", method, path, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("remote: %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.agent != "" {
		req.Header.Set("User-Agent", c.agent)
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("remote: %s %s: %w: %w", method, path, apperr.ErrAuthentication, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("remote: %s %s: %w: %w", method, path, apperr.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("remote: %s %s: %w", method, path, statusError(resp))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("remote: %s %s: decode: %w: %w", method, path, apperr.ErrNetwork, err)
	}
	return nil
}

// statusError maps a non-2xx response onto the error taxonomy.
func statusError(resp *http.Response) error {
	var eb errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &eb)
	}
	msg := eb.Message
	if msg == "" {
		msg = eb.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", apperr.ErrAuthentication, msg)
	case http.StatusForbidden:
		denied := &apperr.AccessDeniedError{Message: msg}
		if eb.Gate != nil {
			denied.Status = *eb.Gate
		}
		return denied
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", apperr.ErrNotFound, msg)
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
		return apperr.Validation("%s", msg)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d: %s", apperr.ErrNetwork, resp.StatusCode, msg)
	}
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, msg)
}

func chatPath(chatID string) string {
	return "/api/chats/" + url.PathEscape(chatID)
}

func messagePath(chatID, messageID string) string {
	return chatPath(chatID) + "/messages/" + url.PathEscape(messageID)
}

// isNotFound reports whether err is a 404 from the API.
func isNotFound(err error) bool {
	return errors.Is(err, apperr.ErrNotFound)
}
