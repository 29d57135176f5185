package access

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/whisper/matchsync/internal/apperr"
	"github.com/whisper/matchsync/internal/logging"
	"github.com/whisper/matchsync/internal/metrics"
)

// State is the process-wide observable gate. Until the first status load its
// inputs are zero-valued, so a user's gate starts closed.
//
// Subscribers run synchronously, in update order, and must not write to the
// State they observe.
type State struct {
	mu     sync.RWMutex
	inputs Inputs
	gate   Gate
	loaded bool
	// denials counts ApplyDenial calls; status fetched before the latest
	// denial is discarded.
	denials uint64
	subs   map[int]func(prev, next Gate)
	nextID int

	// notifyMu keeps notifications in update order.
	notifyMu sync.Mutex

	staleMu sync.Mutex
	onStale func()

	log *logrus.Entry
}

// NewState creates a State for an account with the given role.
func NewState(role Role) *State {
	in := Inputs{Role: role}
	return &State{
		inputs: in,
		gate:   EvaluateInputs(in),
		subs:   make(map[int]func(prev, next Gate)),
		log:    logging.For("access"),
	}
}

// Gate returns the current gate.
func (s *State) Gate() Gate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gate
}

// Inputs returns the inputs the current gate was derived from.
func (s *State) Inputs() Inputs {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inputs
}

// Loaded reports whether status has been written at least once.
func (s *State) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// Subscribe registers fn to be called on every gate change. The returned
// function removes it.
func (s *State) Subscribe(fn func(prev, next Gate)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Set replaces every input except the role.
func (s *State) Set(in Inputs) {
	s.update(func(cur *Inputs) {
		role := cur.Role
		*cur = in
		cur.Role = role
	})
}

// DenialEpoch returns the number of denials applied so far. A status
// fetch records it before issuing and passes it to SetFetched.
func (s *State) DenialEpoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.denials
}

// SetFetched is Set for status fetched at epoch. It is dropped, and reports
// false, when a denial was applied after the fetch was issued.
func (s *State) SetFetched(in Inputs, epoch uint64) bool {
	applied := false
	s.update(func(cur *Inputs) {
		if s.denials != epoch {
			return
		}
		role := cur.Role
		*cur = in
		cur.Role = role
		applied = true
	})
	return applied
}

// SetSubscription records a subscription poll result.
func (s *State) SetSubscription(active bool) {
	s.update(func(in *Inputs) { in.SubscriptionActive = active })
}

// SetProfile records a profile poll result. A nil profile is incomplete and
// carries no verification status.
func (s *State) SetProfile(p *Profile) {
	s.update(func(in *Inputs) {
		in.ProfileComplete = ProfileComplete(p)
		in.Verification, in.VerificationReason = "", ""
		if p != nil {
			in.Verification = p.VerificationStatus
			in.VerificationReason = p.VerificationReason
		}
	})
}

// ApplyDenial folds a server-reported denial into the inputs so the gate can
// close before the next status poll. When the payload reports nothing, or
// the gate still evaluates open, the status is marked stale and a refresh is
// requested.
func (s *State) ApplyDenial(d apperr.DeniedStatus) {
	s.update(func(in *Inputs) {
		s.denials++
		if d.SubscriptionActive != nil {
			in.SubscriptionActive = *d.SubscriptionActive
		}
		if d.VerificationStatus != "" {
			in.Verification = VerificationStatus(d.VerificationStatus)
			in.VerificationReason = d.VerificationReason
		}
		if d.ProfileComplete != nil {
			in.ProfileComplete = *d.ProfileComplete
		}
	})

	if s.Gate().IsOpen() {
		s.log.Warn("access denied while gate open, refreshing status")
		s.staleMu.Lock()
		fn := s.onStale
		s.staleMu.Unlock()
		if fn != nil {
			fn()
		}
	}
}

// OnStale sets the hook ApplyDenial uses to request a status refresh.
func (s *State) OnStale(fn func()) {
	s.staleMu.Lock()
	s.onStale = fn
	s.staleMu.Unlock()
}

func (s *State) update(mutate func(*Inputs)) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	prev := s.gate
	mutate(&s.inputs)
	s.loaded = true
	next := EvaluateInputs(s.inputs)
	s.gate = next
	var subs []func(prev, next Gate)
	if next != prev {
		subs = make([]func(prev, next Gate), 0, len(s.subs))
		for _, fn := range s.subs {
			subs = append(subs, fn)
		}
	}
	s.mu.Unlock()

	if next == prev {
		return
	}

	s.log.WithFields(logrus.Fields{"from": prev.String(), "to": next.String()}).Info("gate changed")
	metrics.GateTransitions.WithLabelValues(next.String()).Inc()
	for _, fn := range subs {
		fn(prev, next)
	}
}
