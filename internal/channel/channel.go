// Package channel models one end-to-end transport route between this
// process and a single remote endpoint: the Pending/Established state
// machine spec §3/§4.4 assigns to a ChannelId, and the registry of all
// live channels the Synchronizer consults on every dispatch.
package channel

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/schoolai/loro-extended-core/internal/identity"
)

// ID is a process-unique, monotonically increasing channel identifier,
// allocated by the adapter that owns the channel.
type ID uint64

// nextID backs NextID: a single process-wide counter shared by every
// adapter implementation. Spec §3 requires ChannelId to be "unique within
// a process," but "allocated by the adapter owning the channel" — if each
// adapter type minted ids from its own private counter, two adapters of
// different kinds wired into the same Repo (e.g. a storage adapter and a
// network adapter, as cmd/syncnode does) would both hand out id 1 and
// collide in AdapterManager's channel-to-adapter lookup. Routing through
// one shared counter keeps per-adapter allocation simple while satisfying
// the process-wide uniqueness invariant.
var nextID atomic.Uint64

// NextID returns the next process-wide unique channel id. Adapters call
// this instead of keeping a private counter.
func NextID() ID {
	return ID(nextID.Add(1))
}

// Kind determines rules and ephemeral hop behavior for a channel.
type Kind string

const (
	Network       Kind = "network"
	Storage       Kind = "storage"
	Bridge        Kind = "bridge"
	EphemeralOnly Kind = "ephemeral-only"
)

// Status distinguishes the two states a channel can be in. It exists so
// State's zero value cannot be mistaken for a valid Pending record; callers
// should switch on Status rather than testing PeerIdentity for zero-value.
type Status int

const (
	Pending Status = iota
	Established
)

// State is the tagged record for one channel: spec §3's ChannelState
// union collapsed into one struct with a discriminant, since Go has no
// sum types. Fields meaningful only in one state are zero-valued in the
// other; Status is authoritative.
type State struct {
	ID          ID
	Status      Status
	AdapterID   string
	AdapterType string
	Kind        Kind

	// Populated only once Status == Established.
	PeerID       string
	PeerIdentity identity.RepoIdentity
}

// pendingBufferLimit bounds how many established-phase messages a channel
// still in Pending may buffer before it is reset (spec §4.4).
const pendingBufferLimit = 64

// Registry is the process-wide map from ChannelId to State, plus the small
// per-channel buffer used while a handshake is outstanding. It is not
// safe for concurrent use from outside the Synchronizer's single dispatch
// goroutine, matching spec §5's single-threaded program loop; the
// internal mutex exists only to make that explicit and catch accidental
// misuse, not to support genuine concurrent callers.
type Registry struct {
	mu       sync.Mutex
	channels map[ID]*State
	buffers  map[ID][]interface{}
}

// NewRegistry constructs an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[ID]*State),
		buffers:  make(map[ID][]interface{}),
	}
}

// Open allocates a Pending channel record for a newly opened transport.
func (r *Registry) Open(id ID, adapterID, adapterType string, kind Kind) *State {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &State{ID: id, Status: Pending, AdapterID: adapterID, AdapterType: adapterType, Kind: kind}
	r.channels[id] = s
	return s
}

// Get returns the channel record for id, if any.
func (r *Registry) Get(id ID) (*State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.channels[id]
	return s, ok
}

// Establish promotes a Pending channel to Established, recording the
// remote peer's identity. It is an error to establish an already-
// established or unknown channel; callers must not call this twice per
// spec §3's "Pending -> Established exactly once, never returns".
func (r *Registry) Establish(id ID, peerIdentity identity.RepoIdentity) (*State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.channels[id]
	if !ok {
		return nil, fmt.Errorf("channel: establish: unknown channel %d", id)
	}
	if s.Status == Established {
		return nil, fmt.Errorf("channel: establish: channel %d already established", id)
	}
	s.Status = Established
	s.PeerID = peerIdentity.PeerID
	s.PeerIdentity = peerIdentity
	return s, nil
}

// Close removes a channel's record and buffer. Callers are responsible
// for also removing it from the owning peer's channel set.
func (r *Registry) Close(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, id)
	delete(r.buffers, id)
}

// Buffer appends an established-phase message received while id is still
// Pending. It reports whether the buffer overflowed pendingBufferLimit,
// which signals the caller to reset the channel (spec §4.4).
func (r *Registry) Buffer(id ID, msg interface{}) (overflowed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffers[id] = append(r.buffers[id], msg)
	return len(r.buffers[id]) > pendingBufferLimit
}

// DrainBuffer returns and clears the buffered messages for id, to be
// replayed after promotion to Established.
func (r *Registry) DrainBuffer(id ID) []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.buffers[id]
	delete(r.buffers, id)
	return msgs
}

// Established returns every channel currently in the Established state,
// ordered by ID for deterministic iteration (tests and logs rely on
// stable ordering; the protocol itself is order-insensitive per spec §5).
func (r *Registry) Established() []*State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*State, 0, len(r.channels))
	for _, s := range r.channels {
		if s.Status == Established {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByAdapter returns every channel (any status) owned by adapterID, used
// by AdapterManager.RemoveAdapter's on_reset reclamation.
func (r *Registry) ByAdapter(adapterID string) []*State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*State, 0)
	for _, s := range r.channels {
		if s.AdapterID == adapterID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
