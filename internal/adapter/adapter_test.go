package adapter

import (
	"testing"

	"github.com/schoolai/loro-extended-core/internal/channel"
	"github.com/schoolai/loro-extended-core/internal/wire"
)

type fakeAdapter struct {
	id, typ  string
	channels []channel.ID
	kinds    map[channel.ID]channel.Kind
	sent     []wire.ChannelMsg
	stopped  bool
	flushed  bool
}

func newFake(id string, ids ...channel.ID) *fakeAdapter {
	kinds := make(map[channel.ID]channel.Kind)
	for _, id := range ids {
		kinds[id] = channel.Network
	}
	return &fakeAdapter{id: id, typ: "fake", channels: ids, kinds: kinds}
}

func (f *fakeAdapter) ID() string   { return f.id }
func (f *fakeAdapter) Type() string { return f.typ }
func (f *fakeAdapter) Start(Callbacks) error { return nil }
func (f *fakeAdapter) Stop() error           { f.stopped = true; return nil }
func (f *fakeAdapter) Flush() error          { f.flushed = true; return nil }
func (f *fakeAdapter) Channels() []channel.ID { return f.channels }
func (f *fakeAdapter) KindOf(id channel.ID) (channel.Kind, bool) {
	k, ok := f.kinds[id]
	return k, ok
}

func (f *fakeAdapter) SendEstablishment(env EstablishmentEnvelope) (int, error) {
	f.sent = append(f.sent, env.Message)
	return 1, nil
}

func (f *fakeAdapter) Send(env EstablishedEnvelope) (int, error) {
	f.sent = append(f.sent, env.Message)
	return len(env.ChannelIDs), nil
}

func TestAddAdapterIsIdempotent(t *testing.T) {
	m := NewManager(Callbacks{})
	a := newFake("a1", 1)
	if err := m.AddAdapter(a); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := m.AddAdapter(a); err != nil {
		t.Fatalf("re-add: %v", err)
	}
}

func TestSendRoutesToOwningAdapter(t *testing.T) {
	m := NewManager(Callbacks{})
	a1 := newFake("a1", 1, 2)
	a2 := newFake("a2", 3)
	_ = m.AddAdapter(a1)
	_ = m.AddAdapter(a2)

	n, err := m.Send(EstablishedEnvelope{ChannelIDs: []channel.ID{1, 3}, Message: wire.ChannelMsg{Type: wire.TypeDirectoryRequest}})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 delivered, got %d", n)
	}
	if len(a1.sent) != 1 || len(a2.sent) != 1 {
		t.Fatalf("expected one send fanned out to each owning adapter: a1=%d a2=%d", len(a1.sent), len(a2.sent))
	}
}

func TestSendToUnknownChannelDeliversNothing(t *testing.T) {
	m := NewManager(Callbacks{})
	a1 := newFake("a1", 1)
	_ = m.AddAdapter(a1)

	n, err := m.Send(EstablishedEnvelope{ChannelIDs: []channel.ID{99}, Message: wire.ChannelMsg{Type: wire.TypeDirectoryRequest}})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 delivered to unknown channel, got %d", n)
	}
}

func TestRemoveAdapterInvokesOnResetForEachChannel(t *testing.T) {
	m := NewManager(Callbacks{})
	a1 := newFake("a1", 1, 2)
	_ = m.AddAdapter(a1)

	var reset []channel.ID
	if err := m.RemoveAdapter("a1", func(id channel.ID) { reset = append(reset, id) }); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(reset) != 2 {
		t.Fatalf("expected on_reset called for both channels, got %v", reset)
	}
	if !a1.stopped {
		t.Fatalf("expected adapter stopped")
	}
}

func TestRemoveUnknownAdapterErrors(t *testing.T) {
	m := NewManager(Callbacks{})
	if err := m.RemoveAdapter("ghost", func(channel.ID) {}); err == nil {
		t.Fatalf("expected error removing unknown adapter")
	}
}

func TestShutdownFlushesAndStopsAll(t *testing.T) {
	m := NewManager(Callbacks{})
	a1 := newFake("a1", 1)
	_ = m.AddAdapter(a1)

	if err := m.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !a1.flushed || !a1.stopped {
		t.Fatalf("expected adapter flushed and stopped: flushed=%v stopped=%v", a1.flushed, a1.stopped)
	}
}
