// Package block holds the process-wide set of peers the signed-in user has
// blocked. Local changes take effect immediately; a server listing replaces
// the set without undoing local changes that are still in flight.
package block

import (
	"sort"
	"sync"
)

// Relation is the blocked-peer set. The lifecycle manager is its only writer.
type Relation struct {
	mu      sync.RWMutex
	blocked map[string]struct{}
	// pending holds peers whose local change has not been confirmed, mapped
	// to the state the change set.
	pending map[string]bool
	subs    map[int]func()
	nextID  int
}

// New creates an empty Relation.
func New() *Relation {
	return &Relation{
		blocked: make(map[string]struct{}),
		pending: make(map[string]bool),
		subs:    make(map[int]func()),
	}
}

// IsBlocked reports whether peerID is blocked.
func (r *Relation) IsBlocked(peerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.blocked[peerID]
	return ok
}

// List returns the blocked peers, sorted.
func (r *Relation) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.blocked))
	for id := range r.blocked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Subscribe registers fn to run after every change. The returned function
// removes it.
func (r *Relation) Subscribe(fn func()) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// Block marks peerID blocked ahead of server confirmation. It reports whether
// peerID was previously blocked.
func (r *Relation) Block(peerID string) (was bool) {
	return r.setLocal(peerID, true)
}

// Unblock marks peerID unblocked ahead of server confirmation. It reports
// whether peerID was previously blocked.
func (r *Relation) Unblock(peerID string) (was bool) {
	return r.setLocal(peerID, false)
}

// Settle records that the server confirmed the last local change for peerID.
func (r *Relation) Settle(peerID string) {
	r.mu.Lock()
	delete(r.pending, peerID)
	r.mu.Unlock()
}

// Restore puts peerID back into the given state after a failed remote write.
func (r *Relation) Restore(peerID string, blocked bool) {
	r.mu.Lock()
	delete(r.pending, peerID)
	changed := r.set(peerID, blocked)
	subs := r.snapshotSubs(changed)
	r.mu.Unlock()
	notify(subs)
}

// Replace installs the server's blocked list. Local changes that are still
// pending win over the listing.
func (r *Relation) Replace(peerIDs []string) {
	next := make(map[string]struct{}, len(peerIDs))
	for _, id := range peerIDs {
		next[id] = struct{}{}
	}

	r.mu.Lock()
	for id, blocked := range r.pending {
		if blocked {
			next[id] = struct{}{}
		} else {
			delete(next, id)
		}
	}
	changed := len(next) != len(r.blocked)
	if !changed {
		for id := range next {
			if _, ok := r.blocked[id]; !ok {
				changed = true
				break
			}
		}
	}
	r.blocked = next
	subs := r.snapshotSubs(changed)
	r.mu.Unlock()
	notify(subs)
}

func (r *Relation) setLocal(peerID string, blocked bool) bool {
	r.mu.Lock()
	_, was := r.blocked[peerID]
	r.pending[peerID] = blocked
	changed := r.set(peerID, blocked)
	subs := r.snapshotSubs(changed)
	r.mu.Unlock()
	notify(subs)
	return was
}

func (r *Relation) set(peerID string, blocked bool) bool {
	_, was := r.blocked[peerID]
	if was == blocked {
		return false
	}
	if blocked {
		r.blocked[peerID] = struct{}{}
	} else {
		delete(r.blocked, peerID)
	}
	return true
}

func (r *Relation) snapshotSubs(changed bool) []func() {
	if !changed {
		return nil
	}
	subs := make([]func(), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	return subs
}

func notify(subs []func()) {
	for _, fn := range subs {
		fn()
	}
}
