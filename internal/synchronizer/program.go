package synchronizer

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/schoolai/loro-extended-core/internal/adapter"
	"github.com/schoolai/loro-extended-core/internal/channel"
	"github.com/schoolai/loro-extended-core/internal/crdt"
	"github.com/schoolai/loro-extended-core/internal/document"
	"github.com/schoolai/loro-extended-core/internal/identity"
	"github.com/schoolai/loro-extended-core/internal/logging"
	"github.com/schoolai/loro-extended-core/internal/monitoring"
	"github.com/schoolai/loro-extended-core/internal/peer"
	"github.com/schoolai/loro-extended-core/internal/tracing"
	"github.com/schoolai/loro-extended-core/internal/version"
	"github.com/schoolai/loro-extended-core/internal/wire"
)

// queueDepth bounds the dispatch queue so a burst of channel-receive
// events from many adapters cannot grow without limit; callers that hit
// a full queue block in Enqueue, providing natural backpressure.
const queueDepth = 1024

// callFunc is Program's synchronous escape hatch for facade calls (Get,
// Has, Delete, ReadyStates, ...): it runs on the single dispatch goroutine
// like any Update/Command, but bypasses the Msg/Command vocabulary
// entirely since these reads and small mutations have no wire
// counterpart and no peer needs to observe them as protocol messages.
type callFunc func(*Model)

// Program is the Synchronizer's single-goroutine dispatch loop (spec §5):
// it owns the Model, drains channel/heartbeat/facade events from one
// queue, and feeds every event through Update then Executor in turn, one
// at a time, so the Model never has more than one mutator.
type Program struct {
	model    *Model
	exec     *Executor
	adapters *adapter.Manager
	logger   *logging.Logger
	metrics  *monitoring.Metrics

	queue chan Msg
	calls chan callFunc

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewProgram constructs a Program and its AdapterManager, wiring adapter
// callbacks straight onto the dispatch queue (spec §5: "adapters... must
// not mutate program state directly"). Run must be called before any
// adapter is added.
func NewProgram(cfg Config, logger *logging.Logger, metrics *monitoring.Metrics) *Program {
	if logger == nil {
		logger = &logging.Logger{Logger: zap.NewNop()}
	}
	if metrics == nil {
		metrics = monitoring.NewMetrics()
	}

	p := &Program{
		logger:  logger,
		metrics: metrics,
		queue:   make(chan Msg, queueDepth),
		calls:   make(chan callFunc, queueDepth),
		stopCh:  make(chan struct{}),
	}
	p.model = NewModel(cfg, p.Enqueue, time.Now)
	p.adapters = adapter.NewManager(adapter.Callbacks{
		OnChannelOpen: func(id channel.ID, kind channel.Kind, adapterID, adapterType string) {
			p.Enqueue(ChannelOpen(id, kind, adapterID, adapterType))
		},
		OnChannelClose: func(id channel.ID) {
			p.Enqueue(ChannelClose(id))
		},
		OnReceive: func(from channel.ID, msg wire.ChannelMsg) {
			p.metrics.MessagesReceived.Inc()
			p.Enqueue(ChannelReceiveMessage(from, msg))
		},
	})
	p.exec = NewExecutor(p.model, p.adapters, logger, metrics)
	return p
}

// Enqueue delivers msg onto the dispatch queue; it is safe to call from
// any goroutine, including adapter I/O goroutines and the CRDT runtime's
// local-update callback. It blocks only if the queue is saturated, and
// returns immediately once the Program has started shutting down.
func (p *Program) Enqueue(msg Msg) {
	select {
	case p.queue <- msg:
	case <-p.stopCh:
	}
}

// call runs fn synchronously on the dispatch goroutine and blocks until
// it returns, giving facade methods read/write access to the Model
// without violating the single-mutable-owner invariant. Once Shutdown has
// stopped the Program, call returns without waiting, and fn is not run
// unless the loop had already picked it up.
func (p *Program) call(fn callFunc) {
	done := make(chan struct{})
	wrapped := func(m *Model) {
		fn(m)
		close(done)
	}
	select {
	case p.calls <- wrapped:
	case <-p.stopCh:
		return
	}
	select {
	case <-done:
	case <-p.stopCh:
	}
}

// Run starts the dispatch goroutine. It returns immediately; the loop
// runs until ctx is cancelled or Shutdown is called.
func (p *Program) Run(ctx context.Context) {
	p.wg.Add(1)
	go p.loop(ctx)
}

func (p *Program) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.model.cfg.HeartbeatInterval)
	defer ticker.Stop()

	p.dispatch(ctx, Start())
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.metrics.HeartbeatTicks.Inc()
			p.dispatch(ctx, Heartbeat())
		case fn := <-p.calls:
			fn(p.model)
		case msg := <-p.queue:
			p.dispatch(ctx, msg)
		}
	}
}

// dispatch runs one message through Update then Executor, wrapped in a
// tracing span (spec §5's single dispatch step is the natural unit of
// trace granularity: a slow sync-request or wedged heartbeat shows up as
// one long span instead of scattered, uncorrelated adapter-level ones).
func (p *Program) dispatch(ctx context.Context, msg Msg) {
	ctx, span := tracing.StartSpan(ctx, "synchronizer.dispatch", attribute.Int("msg_type", int(msg.Type)))
	defer span.End()
	cmds := Update(p.model, msg)
	p.exec.ExecuteAll(ctx, cmds)
}

// AddAdapter starts a and registers it with the AdapterManager. Starting
// an adapter may synchronously fire OnChannelOpen for channels that are
// already open (e.g. bridgeadapter); those events land on the dispatch
// queue like any other, so AddAdapter itself does no Model mutation.
func (p *Program) AddAdapter(a adapter.Adapter) error {
	err := p.adapters.AddAdapter(a)
	p.Enqueue(AddAdapter(a))
	return err
}

// RemoveAdapter stops adapterID's adapter and enqueues a channel-close for
// every channel it owned, so Update retires the corresponding peers.
func (p *Program) RemoveAdapter(adapterID string) error {
	err := p.adapters.RemoveAdapter(adapterID, func(id channel.ID) {
		p.Enqueue(ChannelClose(id))
	})
	p.Enqueue(RemoveAdapter(adapterID))
	return err
}

// Flush blocks until every adapter has drained its outbound sends.
func (p *Program) Flush() error {
	return p.adapters.Flush()
}

// Shutdown flushes, stops the dispatch loop, and stops every adapter.
// Idempotent: repeated calls after the first are no-ops (spec §5).
func (p *Program) Shutdown() error {
	flushErr := p.adapters.Flush()
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	shutdownErr := p.adapters.Shutdown()
	if flushErr != nil {
		return flushErr
	}
	return shutdownErr
}

// --- facade-level synchronous accessors used by repo.Repo/DocHandle ---

// EnsureDoc returns docID's DocState, creating and subscribing it to
// local-update notification on first reference (spec §3, Repo::get).
func (p *Program) EnsureDoc(docID string) *document.State {
	var ds *document.State
	p.call(func(m *Model) { ds = m.ensureDoc(docID) })
	return ds
}

// HasDoc reports whether docID already has a local DocState, without
// creating one.
func (p *Program) HasDoc(docID string) bool {
	var ok bool
	p.call(func(m *Model) { _, ok = m.Documents.Get(docID) })
	return ok
}

// DeleteDoc removes docID's local DocState and broadcasts a delete
// message to every established channel (Repo::delete, spec §6).
func (p *Program) DeleteDoc(docID string) {
	p.Enqueue(DocDeleted(docID))
}

// RequestDoc records that a caller referenced docID without blocking on
// its creation (Repo::get's lazy-creation trigger, spec §4.5: "doc-
// requested"). EnsureDoc is used instead wherever a DocHandle needs to
// return usable methods immediately; RequestDoc exists for callers that
// only care about eventually having the doc tracked.
func (p *Program) RequestDoc(docID string) {
	p.Enqueue(DocRequested(docID))
}

// Change stages fn through docID's CRDT handle, creating the DocState
// first if needed (DocHandle::change).
func (p *Program) Change(docID string, fn func(crdt.Mutator)) error {
	var err error
	p.call(func(m *Model) {
		ds := m.ensureDoc(docID)
		err = ds.Doc.Change(fn)
	})
	return err
}

// View returns docID's current materialized value (DocHandle::doc_view).
func (p *Program) View(docID string) map[string]interface{} {
	var out map[string]interface{}
	p.call(func(m *Model) {
		ds := m.ensureDoc(docID)
		out = ds.Doc.View()
	})
	return out
}

// Version returns docID's current frontier.
func (p *Program) Version(docID string) version.Vector {
	var v version.Vector
	p.call(func(m *Model) {
		ds := m.ensureDoc(docID)
		v = ds.Doc.Version()
	})
	return v
}

// SetEphemeralLocal stages value as our own presence in (docID,
// namespace)'s store and enqueues the local-ephemeral-change message that
// triggers gossip with a fresh hop budget (spec §4.5.5). value is applied
// synchronously on the dispatch goroutine so a subsequent GetAllStates
// from the same caller always observes it.
func (p *Program) SetEphemeralLocal(docID, namespace string, value interface{}) {
	p.call(func(m *Model) {
		ds := m.ensureDoc(docID)
		store := m.ephemeralStore(docID, ds, namespace)
		if ms, ok := store.(*crdt.MemEphemeralStore); ok {
			ms.SetLocal(m.cfg.OurIdentity.PeerID, value)
		}
	})
	p.Enqueue(LocalEphemeralChange(docID, namespace))
}

// EphemeralStates returns every live peer value currently known for
// (docID, namespace).
func (p *Program) EphemeralStates(docID, namespace string) map[string]interface{} {
	var out map[string]interface{}
	p.call(func(m *Model) {
		ds := m.ensureDoc(docID)
		store := m.ephemeralStore(docID, ds, namespace)
		out = store.GetAllStates()
	})
	return out
}

// SubscribeEphemeral registers cb to run (on the dispatch goroutine,
// synchronously with whatever mutation triggered it) whenever
// (docID, namespace)'s store changes. The returned func unsubscribes.
func (p *Program) SubscribeEphemeral(docID, namespace string, cb func()) func() {
	var unsub crdt.Unsubscribe
	p.call(func(m *Model) {
		ds := m.ensureDoc(docID)
		store := m.ephemeralStore(docID, ds, namespace)
		unsub = store.Subscribe(cb)
	})
	return func() {
		p.call(func(*Model) {
			if unsub != nil {
				unsub()
			}
		})
	}
}

// ReadyStates returns the per-peer (and local) awareness view for docID
// (spec §3 ReadyState, §6 DocHandle::ready_states). The local repo always
// appears first with an empty Channels slice.
func (p *Program) ReadyStates(docID string) []ReadyState {
	var out []ReadyState
	p.call(func(m *Model) {
		localStatus := "absent"
		if _, ok := m.Documents.Get(docID); ok {
			localStatus = "synced"
		}
		out = append(out, ReadyState{DocID: docID, Identity: m.cfg.OurIdentity, Status: localStatus, IsLocal: true})

		for _, peerID := range m.Peers.All() {
			ps, ok := m.Peers.Get(peerID)
			if !ok {
				continue
			}
			out = append(out, ReadyState{
				DocID:    docID,
				Identity: ps.Identity,
				Status:   readyStatusOf(ps.DocSyncStates[docID].Status),
				Channels: sortedChannelIDs(ps.Channels),
			})
		}
	})
	return out
}

func readyStatusOf(status peer.SyncStatus) string {
	switch status {
	case peer.SyncPending:
		return "pending"
	case peer.Synced:
		return "synced"
	default: // Unknown, Absent
		return "absent"
	}
}

func sortedChannelIDs(set map[channel.ID]struct{}) []channel.ID {
	out := make([]channel.ID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ReadyState is the derived per-(doc, identity) awareness view spec §3
// defines: whether that identity is believed absent, pending, or synced
// for a document, and which channels currently reach it.
type ReadyState struct {
	DocID    string
	Identity identity.RepoIdentity
	Status   string
	Channels []channel.ID
	// IsLocal marks the always-present entry for this process's own repo
	// (spec §3: "the local repo always appears in this list").
	IsLocal bool
}
