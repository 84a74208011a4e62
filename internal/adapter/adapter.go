// Package adapter declares the transport abstraction the Synchronizer
// drives: an Adapter owns zero or more channels, emits inbound envelopes
// through the callbacks given to it at Start, and accepts outbound
// envelopes through Send/SendEstablishment. AdapterManager multiplexes
// many adapters behind the single set of callbacks the Synchronizer
// installs once, grounded on the connection/handler bookkeeping the
// teacher's network_manager.go does for a single custom transport.
package adapter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/schoolai/loro-extended-core/internal/channel"
	"github.com/schoolai/loro-extended-core/internal/wire"
)

// EstablishmentEnvelope addresses a single Pending channel; it is the
// only kind of envelope an adapter may deliver before a channel has
// completed its handshake.
type EstablishmentEnvelope struct {
	ChannelID channel.ID
	Message   wire.ChannelMsg
}

// EstablishedEnvelope addresses one or more Established channels; an
// adapter must silently drop delivery to any target channel id that is
// not (or no longer) Established.
type EstablishedEnvelope struct {
	ChannelIDs []channel.ID
	Message    wire.ChannelMsg
}

// Callbacks is the fixed set of inbound notifications an Adapter invokes.
// The Synchronizer installs exactly one Callbacks value on the manager;
// adapters never see the Synchronizer directly.
type Callbacks struct {
	OnChannelOpen  func(id channel.ID, kind channel.Kind, adapterID, adapterType string)
	OnChannelClose func(id channel.ID)
	OnReceive      func(fromChannelID channel.ID, msg wire.ChannelMsg)
}

// Adapter is the only extension point at the transport boundary (spec
// §4.2). Implementations must guarantee at-most-once delivery per frame
// and FIFO ordering within a single channel; ordering across channels is
// not guaranteed or required.
type Adapter interface {
	ID() string
	Type() string

	// Start wires cb as the adapter's inbound notification sink and begins
	// whatever I/O loop the transport needs. Called at most once.
	Start(cb Callbacks) error
	// Stop tears down the adapter's I/O without waiting for in-flight
	// sends to complete; callers needing that should Flush first.
	Stop() error
	// Flush blocks until all outbound sends accepted so far have been
	// written to the underlying transport.
	Flush() error

	// Channels lists every channel id this adapter currently owns, along
	// with its kind, for reconciliation after reconnects.
	Channels() []channel.ID
	KindOf(id channel.ID) (channel.Kind, bool)

	SendEstablishment(env EstablishmentEnvelope) (sent int, err error)
	Send(env EstablishedEnvelope) (sent int, err error)
}

// Manager multiplexes zero or more Adapters behind one Callbacks value.
// It holds no protocol state of its own: spec §4.2 is explicit that "the
// manager itself is not a mutex — all shared state lives in the
// Synchronizer program loop." Its mutex here only protects the adapter
// map from concurrent Add/Remove/Send calls, which may legitimately come
// from different goroutines (the Synchronizer's command executor and an
// adapter's own I/O goroutine reporting on_reset).
type Manager struct {
	mu       sync.Mutex
	cb       Callbacks
	adapters map[string]Adapter
}

// NewManager constructs a Manager that forwards every adapter's inbound
// notifications to cb.
func NewManager(cb Callbacks) *Manager {
	return &Manager{cb: cb, adapters: make(map[string]Adapter)}
}

// AddAdapter starts a and registers it. Idempotent: adding an adapter
// whose ID is already registered is a no-op that returns nil.
func (m *Manager) AddAdapter(a Adapter) error {
	m.mu.Lock()
	if _, exists := m.adapters[a.ID()]; exists {
		m.mu.Unlock()
		return nil
	}
	m.adapters[a.ID()] = a
	m.mu.Unlock()

	return a.Start(m.cb)
}

// RemoveAdapter stops adapterID's adapter and invokes onReset with every
// channel id it owned, so the Synchronizer can retire the corresponding
// peers and channel records (spec §4.2's on_reset callback).
func (m *Manager) RemoveAdapter(adapterID string, onReset func(channel.ID)) error {
	m.mu.Lock()
	a, ok := m.adapters[adapterID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("adapter: remove: unknown adapter %q", adapterID)
	}
	ids := append([]channel.ID{}, a.Channels()...)
	delete(m.adapters, adapterID)
	m.mu.Unlock()

	err := a.Stop()
	for _, id := range ids {
		onReset(id)
	}
	return err
}

// SendEstablishment routes env to the adapter owning env.ChannelID.
func (m *Manager) SendEstablishment(env EstablishmentEnvelope) (int, error) {
	a, ok := m.ownerOf(env.ChannelID)
	if !ok {
		return 0, nil
	}
	return a.SendEstablishment(env)
}

// Send fans env out across however many adapters own its target channel
// ids, returning the total delivered count.
func (m *Manager) Send(env EstablishedEnvelope) (int, error) {
	byAdapter := make(map[string][]channel.ID)
	for _, id := range env.ChannelIDs {
		a, ok := m.ownerOf(id)
		if !ok {
			continue
		}
		byAdapter[a.ID()] = append(byAdapter[a.ID()], id)
	}

	m.mu.Lock()
	total := 0
	var firstErr error
	for adapterID, ids := range byAdapter {
		a := m.adapters[adapterID]
		n, err := a.Send(EstablishedEnvelope{ChannelIDs: ids, Message: env.Message})
		total += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.mu.Unlock()
	return total, firstErr
}

func (m *Manager) ownerOf(id channel.ID) (Adapter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.adapters {
		for _, owned := range a.Channels() {
			if owned == id {
				return a, true
			}
		}
	}
	return nil, false
}

// Flush flushes every registered adapter, returning the first error.
func (m *Manager) Flush() error {
	m.mu.Lock()
	adapters := make([]Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		adapters = append(adapters, a)
	}
	m.mu.Unlock()

	var firstErr error
	for _, a := range adapters {
		if err := a.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Shutdown flushes then stops and removes every adapter.
func (m *Manager) Shutdown() error {
	if err := m.Flush(); err != nil {
		return err
	}

	m.mu.Lock()
	ids := make([]string, 0, len(m.adapters))
	for id := range m.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	m.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := m.RemoveAdapter(id, func(channel.ID) {}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
