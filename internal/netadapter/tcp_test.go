package netadapter

import (
	"testing"
	"time"

	"github.com/schoolai/loro-extended-core/internal/adapter"
	"github.com/schoolai/loro-extended-core/internal/channel"
	"github.com/schoolai/loro-extended-core/internal/identity"
	"github.com/schoolai/loro-extended-core/internal/wire"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestDialAndListenExchangeEstablishRequest(t *testing.T) {
	server := New("server", nil)
	var serverOpened []channel.ID
	var serverReceived []wire.ChannelMsg
	if err := server.Start(adapter.Callbacks{
		OnChannelOpen: func(id channel.ID, kind channel.Kind, adapterID, adapterType string) {
			serverOpened = append(serverOpened, id)
		},
		OnReceive: func(from channel.ID, msg wire.ChannelMsg) {
			serverReceived = append(serverReceived, msg)
		},
	}); err != nil {
		t.Fatalf("server start: %v", err)
	}
	if err := server.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer server.Stop()

	client := New("client", nil)
	if err := client.Start(adapter.Callbacks{}); err != nil {
		t.Fatalf("client start: %v", err)
	}
	chID, err := client.Dial(server.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Stop()

	msg := wire.ChannelMsg{
		Type: wire.TypeEstablishRequest,
		EstablishRequest: &wire.EstablishRequest{
			Identity: identity.RepoIdentity{PeerID: "1", Name: "client"},
		},
	}
	if _, err := client.SendEstablishment(adapter.EstablishmentEnvelope{ChannelID: chID, Message: msg}); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, time.Second, func() bool { return len(serverReceived) == 1 })
	if serverReceived[0].EstablishRequest.Identity.PeerID != "1" {
		t.Fatalf("unexpected received message: %+v", serverReceived[0])
	}
	if len(serverOpened) != 1 {
		t.Fatalf("expected server to report one channel open, got %d", len(serverOpened))
	}
}

func TestStopClosesConnectionsAndFiresOnChannelClose(t *testing.T) {
	server := New("server", nil)
	closed := make(chan channel.ID, 1)
	if err := server.Start(adapter.Callbacks{
		OnChannelClose: func(id channel.ID) { closed <- id },
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := server.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}

	client := New("client", nil)
	_ = client.Start(adapter.Callbacks{})
	if _, err := client.Dial(server.Addr().String()); err != nil {
		t.Fatalf("dial: %v", err)
	}

	waitFor(t, time.Second, func() bool { return len(server.Channels()) == 1 })
	_ = server.Stop()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatalf("expected OnChannelClose to fire after Stop")
	}
	_ = client.Stop()
}

func TestSendToUnknownChannelReturnsZeroSent(t *testing.T) {
	a := New("a", nil)
	_ = a.Start(adapter.Callbacks{})
	n, err := a.Send(adapter.EstablishedEnvelope{
		ChannelIDs: []channel.ID{99},
		Message:    wire.ChannelMsg{Type: wire.TypeDirectoryRequest, DirectoryRequest: &wire.DirectoryRequest{}},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 sent to unknown channel, got %d", n)
	}
}
