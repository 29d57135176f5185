package access

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/whisper/matchsync/internal/logging"
	"github.com/whisper/matchsync/internal/poll"
)

// Subscription is the current subscription as reported by the server.
type Subscription struct {
	Active    bool       `json:"active"`
	Plan      string     `json:"plan,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// StatusSource reads the remote inputs of the gate. MyProfile returns a nil
// profile when the user has not created one.
type StatusSource interface {
	CurrentSubscription(ctx context.Context) (Subscription, error)
	MyProfile(ctx context.Context) (*Profile, error)
}

// MonitorConfig holds tunables for the status Monitor.
type MonitorConfig struct {
	Interval time.Duration
	UserID   string
}

// DefaultMonitorConfig returns a MonitorConfig polling every 30 seconds.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{Interval: 30 * time.Second}
}

type status struct {
	sub     Subscription
	profile *Profile
	epoch   uint64
}

// Monitor is the single writer of State's remote inputs. It polls the
// subscription and profile endpoints and optionally mirrors the result to a
// StatusCache.
type Monitor struct {
	state  *State
	src    StatusSource
	cache  StatusCache
	userID string
	poller *poll.Poller[status]
	log    *logrus.Entry
}

// NewMonitor creates a stopped Monitor. cache may be nil.
func NewMonitor(state *State, src StatusSource, cache StatusCache, clk clock.Clock, cfg MonitorConfig) *Monitor {
	m := &Monitor{
		state:  state,
		src:    src,
		cache:  cache,
		userID: cfg.UserID,
		log:    logging.For("access"),
	}
	m.poller = poll.New("access", clk, cfg.Interval, m.fetch, func(_ uint64, st status) {
		m.apply(context.Background(), st)
	})
	state.OnStale(func() { m.poller.PollNow() })
	return m
}

// Seed loads cached inputs into State so the gate reflects the last known
// status before the first poll completes. A cache miss leaves State as is.
func (m *Monitor) Seed(ctx context.Context) error {
	if m.cache == nil || m.userID == "" {
		return nil
	}
	in, ok, err := m.cache.Load(ctx, m.userID)
	if err != nil {
		return err
	}
	if ok {
		m.state.Set(in)
		m.log.WithField("gate", m.state.Gate().String()).Debug("seeded gate from cache")
	}
	return nil
}

// Refresh loads status once and applies it.
func (m *Monitor) Refresh(ctx context.Context) error {
	st, err := m.fetch(ctx)
	if err != nil {
		return err
	}
	m.apply(ctx, st)
	return nil
}

// Start begins background polling.
func (m *Monitor) Start() poll.Handle {
	return m.poller.Start()
}

// PollNow issues an out-of-band status poll while started.
func (m *Monitor) PollNow() {
	m.poller.PollNow()
}

// Stop halts background polling.
func (m *Monitor) Stop() {
	m.poller.Stop()
}

func (m *Monitor) fetch(ctx context.Context) (status, error) {
	epoch := m.state.DenialEpoch()
	sub, err := m.src.CurrentSubscription(ctx)
	if err != nil {
		return status{}, fmt.Errorf("access: subscription: %w", err)
	}
	profile, err := m.src.MyProfile(ctx)
	if err != nil {
		return status{}, fmt.Errorf("access: profile: %w", err)
	}
	return status{sub: sub, profile: profile, epoch: epoch}, nil
}

func (m *Monitor) apply(ctx context.Context, st status) {
	in := Inputs{
		SubscriptionActive: st.sub.Active,
		ProfileComplete:    ProfileComplete(st.profile),
	}
	if st.profile != nil {
		in.Verification = st.profile.VerificationStatus
		in.VerificationReason = st.profile.VerificationReason
	}
	if !m.state.SetFetched(in, st.epoch) {
		m.log.Debug("status fetched before a denial, dropped")
		return
	}

	if m.cache != nil && m.userID != "" {
		if err := m.cache.Save(ctx, m.userID, in); err != nil {
			m.log.WithError(err).Debug("status cache write failed")
		}
	}
}
