// Package peer tracks the logical remote repos this process has ever
// established a channel with: their identity, which channels currently
// reach them, what we believe about their per-document sync state, and
// which documents they have asked us to push future changes for.
package peer

import (
	"sort"
	"sync"
	"time"

	"github.com/schoolai/loro-extended-core/internal/channel"
	"github.com/schoolai/loro-extended-core/internal/identity"
	"github.com/schoolai/loro-extended-core/internal/version"
)

// SyncStatus is the discriminant of PerDocSyncState's tagged union.
type SyncStatus int

const (
	Unknown SyncStatus = iota
	SyncPending
	Synced
	Absent
)

// PerDocSyncState is what we believe about one peer's awareness of one
// document (spec §3). LastKnownVersion is meaningful only when Status ==
// Synced, and must never regress for a given (peer, doc) pair.
type PerDocSyncState struct {
	Status           SyncStatus
	LastKnownVersion version.Vector
	LastUpdated      time.Time
}

// State is one peer's full record.
type State struct {
	Identity       identity.RepoIdentity
	Channels       map[channel.ID]struct{}
	DocSyncStates  map[string]PerDocSyncState
	Subscriptions  map[string]struct{}
}

func newState(id identity.RepoIdentity) *State {
	return &State{
		Identity:      id,
		Channels:      make(map[channel.ID]struct{}),
		DocSyncStates: make(map[string]PerDocSyncState),
		Subscriptions: make(map[string]struct{}),
	}
}

// IsSubscribed reports whether this peer has an active bidirectional
// subscription to docID.
func (s *State) IsSubscribed(docID string) bool {
	_, ok := s.Subscriptions[docID]
	return ok
}

// Registry is the process-wide map from PeerId to State.
type Registry struct {
	mu    sync.Mutex
	peers map[string]*State
}

// NewRegistry constructs an empty peer registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*State)}
}

// EnsureChannel records that chID now reaches peer id (creating the peer
// record on first Established channel, per spec §3's lifecycle summary).
func (r *Registry) EnsureChannel(id identity.RepoIdentity, chID channel.ID) *State {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.peers[id.PeerID]
	if !ok {
		s = newState(id)
		r.peers[id.PeerID] = s
	}
	s.Channels[chID] = struct{}{}
	return s
}

// RemoveChannel removes chID from peerID's reachable set. The peer record
// itself is retained even if this empties the set (spec §3: "peer record
// MAY be retained... but is unreachable"), since its doc_sync_states are
// still useful once a new channel to the same peer opens.
func (r *Registry) RemoveChannel(peerID string, chID channel.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.peers[peerID]
	if !ok {
		return
	}
	delete(s.Channels, chID)
}

// Get returns peerID's record, if known.
func (r *Registry) Get(peerID string) (*State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.peers[peerID]
	return s, ok
}

// Reachable reports whether peerID has at least one live channel.
func (r *Registry) Reachable(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.peers[peerID]
	return ok && len(s.Channels) > 0
}

// SetDocSyncState records our current belief about peerID's awareness of
// docID. Callers are responsible for the monotonic-version invariant;
// SetSynced below enforces it for the common case.
func (r *Registry) SetDocSyncState(peerID, docID string, state PerDocSyncState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.peers[peerID]
	if !ok {
		return
	}
	s.DocSyncStates[docID] = state
}

// SetSynced records a Synced state, merging the new version with whatever
// was previously known so LastKnownVersion never regresses (spec §3).
func (r *Registry) SetSynced(peerID, docID string, v version.Vector, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.peers[peerID]
	if !ok {
		return
	}
	prev := s.DocSyncStates[docID]
	merged := v
	if prev.Status == Synced {
		merged = version.Merge(prev.LastKnownVersion, v)
	}
	s.DocSyncStates[docID] = PerDocSyncState{Status: Synced, LastKnownVersion: merged, LastUpdated: now}
}

// Subscribe adds docID to peerID's subscription set.
func (r *Registry) Subscribe(peerID, docID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.peers[peerID]
	if !ok {
		return
	}
	s.Subscriptions[docID] = struct{}{}
}

// All returns every known peer id, sorted, for deterministic iteration.
func (r *Registry) All() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PendingLongerThan returns peer ids whose DocSyncStates[docID] is
// SyncPending and has been since before cutoff, for heartbeat re-sync
// (spec §4.5.6).
func (r *Registry) PendingLongerThan(docID string, cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for id, s := range r.peers {
		st, ok := s.DocSyncStates[docID]
		if ok && st.Status == SyncPending && st.LastUpdated.Before(cutoff) && len(s.Channels) > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
