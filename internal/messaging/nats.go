// Package messaging mirrors engine state onto NATS so companion processes
// can observe gate changes and screen snapshots without polling the API.
package messaging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/whisper/matchsync/internal/access"
	"github.com/whisper/matchsync/internal/logging"
	"github.com/whisper/matchsync/internal/roster"
	"github.com/whisper/matchsync/internal/thread"
)

// NATS subject prefixes. Each is followed by "." and an id.
const (
	SubjectGate   = "sync.gate"   // + .<user_id>
	SubjectRoster = "sync.roster" // + .<user_id>
	SubjectThread = "sync.thread" // + .<chat_id>

	// SubjectRefresh is published by companions (a billing or verification
	// service) when a user's access status changed server-side.
	SubjectRefresh = "sync.refresh" // + .<user_id>
)

// GateSubject returns the gate subject for userID.
func GateSubject(userID string) string { return SubjectGate + "." + userID }

// RosterSubject returns the roster subject for userID.
func RosterSubject(userID string) string { return SubjectRoster + "." + userID }

// ThreadSubject returns the thread subject for chatID.
func ThreadSubject(chatID string) string { return SubjectThread + "." + chatID }

// RefreshSubject returns the access refresh subject for userID.
func RefreshSubject(userID string) string { return SubjectRefresh + "." + userID }

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	log  *logrus.Entry
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "matchsync",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config. It returns an error
// if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	log := logging.For("nats")
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithError(err).Warn("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.WithField("url", nc.ConnectedUrl()).Info("connected")

	return &NATSClient{
		conn: nc,
		log:  log,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishJSON encodes v and publishes it to subject.
func (c *NATSClient) PublishJSON(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return c.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// Unsubscribe removes the subscription for subject.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Flush waits until the server has processed every buffered publish.
func (c *NATSClient) Flush() error {
	return c.conn.Flush()
}

// Close drains all active subscriptions and closes the connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.WithError(err).WithField("subject", subject).Warn("drain failed")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.WithError(err).Warn("connection drain failed")
	}
}

// GateEvent is published on every gate change.
type GateEvent struct {
	UserID string      `json:"user_id"`
	Gate   access.Gate `json:"gate"`
	At     time.Time   `json:"at"`
}

// RosterEvent carries one roster snapshot.
type RosterEvent struct {
	UserID string          `json:"user_id"`
	Roster roster.Snapshot `json:"roster"`
}

// ThreadEvent carries one thread snapshot.
type ThreadEvent struct {
	UserID string          `json:"user_id"`
	Thread thread.Snapshot `json:"thread"`
}

// Mirror publishes one user's engine state. Publish failures are logged and
// otherwise ignored.
type Mirror struct {
	client *NATSClient
	userID string
	log    *logrus.Entry
}

// NewMirror creates a Mirror for userID.
func NewMirror(client *NATSClient, userID string) *Mirror {
	return &Mirror{client: client, userID: userID, log: logging.For("mirror")}
}

// Gate publishes a gate change.
func (m *Mirror) Gate(g access.Gate) {
	m.publish(GateSubject(m.userID), GateEvent{UserID: m.userID, Gate: g, At: time.Now()})
}

// Roster publishes a roster snapshot.
func (m *Mirror) Roster(s roster.Snapshot) {
	m.publish(RosterSubject(m.userID), RosterEvent{UserID: m.userID, Roster: s})
}

// Thread publishes a thread snapshot.
func (m *Mirror) Thread(s thread.Snapshot) {
	if s.ChatID == "" {
		return
	}
	m.publish(ThreadSubject(s.ChatID), ThreadEvent{UserID: m.userID, Thread: s})
}

// OnRefresh calls fn whenever a companion asks for an access refresh of the
// mirrored user. The returned function stops listening.
func (m *Mirror) OnRefresh(fn func()) (func(), error) {
	subject := RefreshSubject(m.userID)
	if err := m.client.Subscribe(subject, func([]byte) {
		m.log.WithField("subject", subject).Debug("access refresh requested")
		fn()
	}); err != nil {
		return nil, err
	}
	return func() {
		if err := m.client.Unsubscribe(subject); err != nil {
			m.log.WithError(err).WithField("subject", subject).Debug("unsubscribe failed")
		}
	}, nil
}

func (m *Mirror) publish(subject string, v interface{}) {
	if err := m.client.PublishJSON(subject, v); err != nil {
		m.log.WithError(err).WithField("subject", subject).Debug("publish failed")
	}
}
