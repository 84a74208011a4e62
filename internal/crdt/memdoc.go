package crdt

import (
	"encoding/json"
	"sync"

	"github.com/schoolai/loro-extended-core/internal/version"
)

// entry is one field of a MemDoc. Conflict resolution follows the
// teacher's crdt_resolver.go: vector-clock causality first, last-writer-
// wins on timestamp (then peer id) for genuinely concurrent writes.
type entry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value,omitempty"`
	Deleted   bool            `json:"deleted,omitempty"`
	Vector    version.Vector  `json:"vector"`
	Timestamp int64           `json:"timestamp"`
	PeerID    string          `json:"peer_id"`
}

// MemDoc is a small LWW map CRDT: good enough to drive the Synchronizer's
// sync protocol end-to-end in tests, not a substitute for a real CRDT
// runtime (Loro) in production.
type MemDoc struct {
	mu      sync.Mutex
	peerID  string
	nowFn   func() int64
	entries map[string]entry
	frontier version.Vector
	subs    []func()
}

// NewMemDoc constructs an empty document owned by peerID. nowFn supplies
// monotonic-enough timestamps for LWW tie-breaking; tests may inject a
// deterministic clock.
func NewMemDoc(peerID string, nowFn func() int64) *MemDoc {
	return &MemDoc{
		peerID:   peerID,
		nowFn:    nowFn,
		entries:  make(map[string]entry),
		frontier: version.New(),
	}
}

type mutator struct {
	doc *MemDoc
	set map[string]interface{}
	del map[string]struct{}
}

func (m *mutator) Set(key string, value interface{}) { m.set[key] = value }
func (m *mutator) Delete(key string)                 { m.del[key] = struct{}{} }

// Change applies fn's staged writes as one local commit with a single
// incremented frontier entry, then notifies local-update subscribers.
func (d *MemDoc) Change(fn func(Mutator)) error {
	m := &mutator{doc: d, set: map[string]interface{}{}, del: map[string]struct{}{}}
	fn(m)

	d.mu.Lock()
	if len(m.set) == 0 && len(m.del) == 0 {
		d.mu.Unlock()
		return nil
	}

	d.frontier = version.Increment(d.frontier, d.peerID)
	ts := d.nowFn()
	v := d.frontier.Clone()

	for k, val := range m.set {
		raw, err := json.Marshal(val)
		if err != nil {
			d.mu.Unlock()
			return err
		}
		d.entries[k] = entry{Key: k, Value: raw, Vector: v, Timestamp: ts, PeerID: d.peerID}
	}
	for k := range m.del {
		d.entries[k] = entry{Key: k, Deleted: true, Vector: v, Timestamp: ts, PeerID: d.peerID}
	}
	subs := append([]func(){}, d.subs...)
	d.mu.Unlock()

	for _, cb := range subs {
		cb()
	}
	return nil
}

// View returns a snapshot of the live (non-deleted) key/value pairs.
func (d *MemDoc) View() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]interface{}, len(d.entries))
	for k, e := range d.entries {
		if e.Deleted {
			continue
		}
		var v interface{}
		_ = json.Unmarshal(e.Value, &v)
		out[k] = v
	}
	return out
}

func (d *MemDoc) Version() version.Vector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frontier.Clone()
}

// Export returns every entry whose vector is not already covered by from.
// An empty from covers nothing, so the result is a full snapshot —
// exactly the boundary behavior spec §4.5.3/§8 requires.
func (d *MemDoc) Export(from version.Vector) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	diff := make([]entry, 0, len(d.entries))
	for _, e := range d.entries {
		if !version.AtLeast(from, e.Vector) {
			diff = append(diff, e)
		}
	}
	if len(diff) == 0 {
		return nil, nil
	}
	return json.Marshal(diff)
}

// Import merges previously-exported entries. Idempotent: re-importing the
// same bytes never changes state or fires subscribers a second time.
func (d *MemDoc) Import(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var incoming []entry
	if err := json.Unmarshal(data, &incoming); err != nil {
		return err
	}
	if len(incoming) == 0 {
		return nil
	}

	d.mu.Lock()
	changed := false
	for _, in := range incoming {
		existing, ok := d.entries[in.Key]
		if !ok {
			d.entries[in.Key] = in
			changed = true
			continue
		}
		resolved := resolve(existing, in)
		if !entriesEqual(existing, resolved) {
			d.entries[in.Key] = resolved
			changed = true
		}
	}
	if changed {
		merged := d.frontier.Clone()
		for _, in := range incoming {
			merged = version.Merge(merged, in.Vector)
		}
		d.frontier = merged
	}
	subs := append([]func(){}, d.subs...)
	d.mu.Unlock()

	if changed {
		for _, cb := range subs {
			cb()
		}
	}
	return nil
}

func (d *MemDoc) SubscribeLocalUpdates(cb func()) Unsubscribe {
	d.mu.Lock()
	d.subs = append(d.subs, cb)
	idx := len(d.subs) - 1
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if idx < len(d.subs) {
			d.subs[idx] = func() {}
		}
	}
}

// resolve picks a winner between two versions of the same key, following
// crdt_resolver.go's ResolveConflict: causal order first, then LWW by
// timestamp, then by peer id as a final deterministic tiebreak.
func resolve(a, b entry) entry {
	switch version.Compare(a.Vector, b.Vector) {
	case version.After:
		return a
	case version.Before:
		return b
	case version.Equal:
		return a
	default: // Concurrent
		if a.Timestamp > b.Timestamp {
			return a
		}
		if a.Timestamp < b.Timestamp {
			return b
		}
		if a.PeerID >= b.PeerID {
			return a
		}
		return b
	}
}

func entriesEqual(a, b entry) bool {
	return a.Deleted == b.Deleted && string(a.Value) == string(b.Value) &&
		a.Timestamp == b.Timestamp && a.PeerID == b.PeerID
}
