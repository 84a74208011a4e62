package synchronizer

import (
	"time"

	"github.com/schoolai/loro-extended-core/internal/channel"
	"github.com/schoolai/loro-extended-core/internal/crdt"
	"github.com/schoolai/loro-extended-core/internal/document"
	"github.com/schoolai/loro-extended-core/internal/identity"
	"github.com/schoolai/loro-extended-core/internal/peer"
	"github.com/schoolai/loro-extended-core/internal/rules"
)

// Config is the fixed, never-mutated-after-construction configuration the
// Program consults. Unlike the registries in Model, these values do not
// change over the program's lifetime.
type Config struct {
	OurIdentity       identity.RepoIdentity
	Rules             rules.Rules
	Signer            *identity.Signer
	HeartbeatInterval time.Duration
	PendingTimeout    time.Duration
	NetworkHops       uint8
	NewDoc            func(docID string) crdt.Doc
	NewEphemeralStore func(docID, namespace string) crdt.EphemeralStore
}

// DefaultConfig fills in the spec's stated defaults (5s heartbeat, 30s
// pending timeout, 1-hop ephemeral gossip) for any zero-valued field.
func DefaultConfig(cfg Config) Config {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = 30 * time.Second
	}
	if cfg.NetworkHops == 0 {
		cfg.NetworkHops = 1
	}
	return cfg
}

// Model is the Program's sole mutable state (spec §5: "the Synchronizer
// owns the sole mutable reference to the model"). Update mutates it
// in place through the registries' own locking rather than threading a
// copy-on-write value through every call, since Go has no persistent-data-
// structure idiom the rest of this codebase uses; the single-goroutine
// dispatch loop is what actually provides the "one mutable owner"
// guarantee, not immutability of Model itself.
type Model struct {
	cfg Config

	Channels  *channel.Registry
	Peers     *peer.Registry
	Documents *document.Registry

	enqueue func(Msg)
	now     func() time.Time

	// importingFrom is scratch state read synchronously inside the
	// onLocalChange callback Doc.Import triggers, so the resulting
	// local-doc-change message can carry the originating peer id without
	// threading it through the crdt.Doc interface itself (spec §4.5.4).
	importingFrom string
}

// NewModel constructs an empty Model. enqueue must deliver msg onto the
// same dispatch queue Update's caller is draining; it is called
// synchronously from within Update (via Doc import callbacks), never from
// another goroutine.
func NewModel(cfg Config, enqueue func(Msg), now func() time.Time) *Model {
	if now == nil {
		now = time.Now
	}
	return &Model{
		cfg:       DefaultConfig(cfg),
		Channels:  channel.NewRegistry(),
		Peers:     peer.NewRegistry(),
		Documents: document.NewRegistry(),
		enqueue:   enqueue,
		now:       now,
	}
}

func (m *Model) onLocalChange(docID string) {
	m.enqueue(LocalDocChange(docID, m.importingFrom))
}

// ensureDoc creates docID's DocState if it does not already exist,
// wiring its local-update subscription back onto this Model's dispatch
// queue. Safe to call repeatedly; Ensure itself is idempotent.
func (m *Model) ensureDoc(docID string) *document.State {
	ds, _ := m.Documents.Ensure(docID, func() crdt.Doc { return m.cfg.NewDoc(docID) }, m.onLocalChange)
	return ds
}

func (m *Model) ephemeralStore(docID string, ds *document.State, namespace string) crdt.EphemeralStore {
	return ds.EphemeralStore(namespace, func() crdt.EphemeralStore { return m.cfg.NewEphemeralStore(docID, namespace) })
}

func (m *Model) buildContext(ch *channel.State, docID string) rules.Context {
	return rules.Context{
		ChannelKind:  rules.ChannelKind(ch.Kind),
		AdapterType:  ch.AdapterType,
		PeerIdentity: ch.PeerIdentity,
		DocID:        docID,
		OurIdentity:  m.cfg.OurIdentity,
	}
}

// firstChannelForPeer returns the lowest-numbered Established channel id
// reaching peerID, used when the heartbeat needs to address a peer that
// has no specific channel context (spec §4.5.6).
func (m *Model) firstChannelForPeer(peerID string) (channel.ID, bool) {
	for _, ch := range m.Channels.Established() {
		if ch.PeerID == peerID {
			return ch.ID, true
		}
	}
	return 0, false
}
