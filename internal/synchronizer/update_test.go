package synchronizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/schoolai/loro-extended-core/internal/channel"
	"github.com/schoolai/loro-extended-core/internal/crdt"
	"github.com/schoolai/loro-extended-core/internal/identity"
	"github.com/schoolai/loro-extended-core/internal/peer"
	"github.com/schoolai/loro-extended-core/internal/rules"
	"github.com/schoolai/loro-extended-core/internal/version"
	"github.com/schoolai/loro-extended-core/internal/wire"
)

func testModel(peerID string, r rules.Rules) (*Model, *[]Msg) {
	enq := &[]Msg{}
	cfg := Config{
		OurIdentity: identity.RepoIdentity{PeerID: peerID, Name: peerID, Type: identity.KindUser},
		Rules:       r,
		NewDoc: func(string) crdt.Doc {
			return crdt.NewMemDoc(peerID, func() int64 { return time.Now().UnixNano() })
		},
		NewEphemeralStore: func(string, string) crdt.EphemeralStore {
			return crdt.NewMemEphemeralStore(time.Now, 0)
		},
	}
	m := NewModel(cfg, func(msg Msg) { *enq = append(*enq, msg) }, time.Now)
	return m, enq
}

func findCommand(cmds []Command, typ CmdType) (Command, bool) {
	for _, c := range cmds {
		if c.Type == typ {
			return c, true
		}
	}
	return Command{}, false
}

func establish(t *testing.T, m *Model, chID channel.ID, kind channel.Kind, peerIdentity identity.RepoIdentity) {
	t.Helper()
	Update(m, ChannelOpen(chID, kind, "adapter-1", "test"))
	cmds := Update(m, ChannelReceiveMessage(chID, wire.ChannelMsg{
		Type:             wire.TypeEstablishRequest,
		EstablishRequest: &wire.EstablishRequest{Identity: peerIdentity},
	}))
	_, ok := findCommand(cmds, CmdSendEstablishmentMessage)
	require.True(t, ok, "expected establish-response to be sent back")

	ch, ok := m.Channels.Get(chID)
	require.True(t, ok)
	require.Equal(t, channel.Established, ch.Status)
	require.Equal(t, peerIdentity.PeerID, ch.PeerID)
}

func TestChannelOpenSendsEstablishRequest(t *testing.T) {
	m, _ := testModel("1", rules.NewDefault())
	cmds := Update(m, ChannelOpen(1, channel.Network, "a1", "test"))
	cmd, ok := findCommand(cmds, CmdSendEstablishmentMessage)
	require.True(t, ok)
	require.Equal(t, wire.TypeEstablishRequest, cmd.SendEstablishmentMessage.Message.Type)

	ch, ok := m.Channels.Get(1)
	require.True(t, ok)
	require.Equal(t, channel.Pending, ch.Status)
}

func TestEstablishRequestPromotesAndIssuesDirectoryRequest(t *testing.T) {
	m, _ := testModel("1", rules.NewDefault())
	establish(t, m, 1, channel.Network, identity.RepoIdentity{PeerID: "2", Name: "peer2"})

	p, ok := m.Peers.Get("2")
	require.True(t, ok)
	_, hasChannel := p.Channels[1]
	require.True(t, hasChannel, "peer must list the established channel (invariant 1)")
}

func TestPendingChannelBuffersThenReplaysAfterPromotion(t *testing.T) {
	m, _ := testModel("1", rules.NewDefault())
	Update(m, ChannelOpen(1, channel.Network, "a1", "test"))

	// A directory-request arrives before the handshake completes.
	cmds := Update(m, ChannelReceiveMessage(1, wire.ChannelMsg{Type: wire.TypeDirectoryRequest, DirectoryRequest: &wire.DirectoryRequest{}}))
	require.Empty(t, cmds, "established-phase message on a Pending channel must not be processed yet")

	cmds = Update(m, ChannelReceiveMessage(1, wire.ChannelMsg{
		Type:             wire.TypeEstablishRequest,
		EstablishRequest: &wire.EstablishRequest{Identity: identity.RepoIdentity{PeerID: "2", Name: "peer2"}},
	}))
	// The buffered directory-request should have been replayed, yielding a
	// directory-response in addition to the establish-response/request.
	var sawDirectoryResponse bool
	for _, c := range cmds {
		if c.Type == CmdSendMessage && c.SendMessage.Message.Type == wire.TypeDirectoryResponse {
			sawDirectoryResponse = true
		}
	}
	require.True(t, sawDirectoryResponse, "buffered message must be replayed after promotion")
}

func TestDirectoryRequestFiltersByVisibility(t *testing.T) {
	r := rules.NewDefault()
	r.Visibility = func(ctx rules.Context) bool { return ctx.ChannelKind == rules.Storage }

	m, _ := testModel("1", r)
	establish(t, m, 1, channel.Network, identity.RepoIdentity{PeerID: "2", Name: "peer2"})
	m.ensureDoc("d1")

	cmds := Update(m, ChannelReceiveMessage(1, wire.ChannelMsg{Type: wire.TypeDirectoryRequest, DirectoryRequest: &wire.DirectoryRequest{}}))
	cmd, ok := findCommand(cmds, CmdSendMessage)
	require.True(t, ok)
	require.Empty(t, cmd.SendMessage.Message.DirectoryResponse.DocIDs, "network channel must not see the doc when visibility requires storage")
}

func TestDirectoryResponseCreatesDocAndRequestsSyncWithEmptyVersion(t *testing.T) {
	m, _ := testModel("1", rules.NewDefault())
	establish(t, m, 1, channel.Network, identity.RepoIdentity{PeerID: "2", Name: "peer2"})

	cmds := Update(m, ChannelReceiveMessage(1, wire.ChannelMsg{
		Type:              wire.TypeDirectoryResponse,
		DirectoryResponse: &wire.DirectoryResponse{DocIDs: []string{"d1"}},
	}))

	_, hasDoc := m.Documents.Get("d1")
	require.True(t, hasDoc, "an announced unknown doc must be created locally")

	cmd, ok := findCommand(cmds, CmdSendMessage)
	require.True(t, ok)
	require.Equal(t, wire.TypeSyncRequest, cmd.SendMessage.Message.Type)
	require.True(t, cmd.SendMessage.Message.SyncRequest.RequesterVersion.IsEmpty())
	require.True(t, cmd.SendMessage.Message.SyncRequest.Bidirectional)

	p, _ := m.Peers.Get("2")
	require.Equal(t, peer.SyncPending, p.DocSyncStates["d1"].Status)
}

func TestSyncRequestForUnknownDocReturnsUnavailable(t *testing.T) {
	m, _ := testModel("1", rules.NewDefault())
	establish(t, m, 1, channel.Network, identity.RepoIdentity{PeerID: "2", Name: "peer2"})

	cmds := Update(m, ChannelReceiveMessage(1, wire.ChannelMsg{
		Type:       wire.TypeSyncRequest,
		SyncRequest: &wire.SyncRequest{DocID: "ghost", RequesterVersion: version.New(), Bidirectional: true},
	}))
	cmd, ok := findCommand(cmds, CmdSendMessage)
	require.True(t, ok)
	require.Equal(t, wire.Unavailable, cmd.SendMessage.Message.Sync.Transmission.Kind)
}

func TestSyncRequestWithEmptyVersionProducesSnapshotNeverUpdate(t *testing.T) {
	m, _ := testModel("1", rules.NewDefault())
	establish(t, m, 1, channel.Network, identity.RepoIdentity{PeerID: "2", Name: "peer2"})

	ds := m.ensureDoc("d1")
	require.NoError(t, ds.Doc.Change(func(mut crdt.Mutator) { mut.Set("k", "v") }))

	cmds := Update(m, ChannelReceiveMessage(1, wire.ChannelMsg{
		Type:        wire.TypeSyncRequest,
		SyncRequest: &wire.SyncRequest{DocID: "d1", RequesterVersion: version.New(), Bidirectional: true},
	}))
	cmd, ok := findCommand(cmds, CmdSendMessage)
	require.True(t, ok)
	require.Equal(t, wire.Snapshot, cmd.SendMessage.Message.Sync.Transmission.Kind)
}

func TestSyncRequestAtCurrentVersionIsUpToDate(t *testing.T) {
	m, _ := testModel("1", rules.NewDefault())
	establish(t, m, 1, channel.Network, identity.RepoIdentity{PeerID: "2", Name: "peer2"})

	ds := m.ensureDoc("d1")
	require.NoError(t, ds.Doc.Change(func(mut crdt.Mutator) { mut.Set("k", "v") }))
	v := ds.Doc.Version()

	cmds := Update(m, ChannelReceiveMessage(1, wire.ChannelMsg{
		Type:        wire.TypeSyncRequest,
		SyncRequest: &wire.SyncRequest{DocID: "d1", RequesterVersion: v, Bidirectional: true},
	}))
	cmd, ok := findCommand(cmds, CmdSendMessage)
	require.True(t, ok)
	require.Equal(t, wire.UpToDate, cmd.SendMessage.Message.Sync.Transmission.Kind)
}

func TestSyncResponseImportsAndNeverRegresses(t *testing.T) {
	m, _ := testModel("1", rules.NewDefault())
	establish(t, m, 1, channel.Network, identity.RepoIdentity{PeerID: "2", Name: "peer2"})

	remote := crdt.NewMemDoc("2", func() int64 { return time.Now().UnixNano() })
	require.NoError(t, remote.Change(func(mut crdt.Mutator) { mut.Set("hello", "world") }))
	data, err := remote.Export(version.New())
	require.NoError(t, err)

	before := m.ensureDoc("d1").Doc.Version()
	Update(m, ChannelReceiveMessage(1, wire.ChannelMsg{
		Type: wire.TypeSync,
		Sync: &wire.SyncMessage{DocID: "d1", Transmission: wire.SyncTransmission{Kind: wire.Snapshot, Data: data, Version: remote.Version()}},
	}))

	ds, _ := m.Documents.Get("d1")
	after := ds.Doc.Version()
	require.True(t, version.AtLeast(after, before), "merge must never regress the local version")
	require.Equal(t, "world", ds.Doc.View()["hello"])

	p, _ := m.Peers.Get("2")
	require.Equal(t, peer.Synced, p.DocSyncStates["d1"].Status)
}

func TestLocalDocChangePropagatesToSubscribedPeer(t *testing.T) {
	m, _ := testModel("1", rules.NewDefault())
	establish(t, m, 1, channel.Network, identity.RepoIdentity{PeerID: "2", Name: "peer2"})
	m.Peers.Subscribe("2", "d1")

	ds := m.ensureDoc("d1")
	require.NoError(t, ds.Doc.Change(func(mut crdt.Mutator) { mut.Set("a", 1) }))

	cmds := Update(m, LocalDocChange("d1", ""))
	cmd, ok := findCommand(cmds, CmdSendMessage)
	require.True(t, ok)
	require.Equal(t, wire.TypeSync, cmd.SendMessage.Message.Type)
}

func TestLocalDocChangeExcludesOriginatingPeer(t *testing.T) {
	m, _ := testModel("1", rules.NewDefault())
	establish(t, m, 1, channel.Network, identity.RepoIdentity{PeerID: "2", Name: "peer2"})
	m.Peers.Subscribe("2", "d1")
	m.ensureDoc("d1")

	cmds := Update(m, LocalDocChange("d1", "2"))
	require.Empty(t, cmds, "the peer whose sync caused the change must not receive it back")
}

func TestLocalDocChangeAnnouncesRatherThanPushesWhenNotSubscribed(t *testing.T) {
	m, _ := testModel("1", rules.NewDefault())
	establish(t, m, 1, channel.Network, identity.RepoIdentity{PeerID: "2", Name: "peer2"})

	ds := m.ensureDoc("d1")
	require.NoError(t, ds.Doc.Change(func(mut crdt.Mutator) { mut.Set("a", 1) }))

	cmds := Update(m, LocalDocChange("d1", ""))
	cmd, ok := findCommand(cmds, CmdSendMessage)
	require.True(t, ok)
	require.Equal(t, wire.TypeDirectoryResponse, cmd.SendMessage.Message.Type)
}

func TestLocalDocChangeSendsNothingToAbsentPeer(t *testing.T) {
	m, _ := testModel("1", rules.NewDefault())
	establish(t, m, 1, channel.Network, identity.RepoIdentity{PeerID: "2", Name: "peer2"})
	m.Peers.SetDocSyncState("2", "d1", peer.PerDocSyncState{Status: peer.Absent, LastUpdated: time.Now()})

	ds := m.ensureDoc("d1")
	require.NoError(t, ds.Doc.Change(func(mut crdt.Mutator) { mut.Set("a", 1) }))

	cmds := Update(m, LocalDocChange("d1", ""))
	require.Empty(t, cmds, "absent peers must receive nothing")
}

func TestEphemeralHopZeroDoesNotRebroadcast(t *testing.T) {
	m, _ := testModel("1", rules.NewDefault())
	establish(t, m, 1, channel.Network, identity.RepoIdentity{PeerID: "2", Name: "peer2"})
	establish(t, m, 2, channel.Network, identity.RepoIdentity{PeerID: "3", Name: "peer3"})
	m.ensureDoc("d1")

	cmds := Update(m, ChannelReceiveMessage(1, wire.ChannelMsg{
		Type: wire.TypeEphemeral,
		Ephemeral: &wire.EphemeralMessage{
			DocID: "d1", HopsRemaining: 0,
			Stores: []wire.EphemeralStoreFrame{{PeerID: "2", Namespace: "cursor", Data: []byte(`[]`)}},
		},
	}))
	_, rebroadcast := findCommand(cmds, CmdSendMessage)
	require.False(t, rebroadcast, "hops_remaining == 0 must not re-broadcast")

	applyCmd, ok := findCommand(cmds, CmdApplyEphemeral)
	require.True(t, ok)
	require.Equal(t, "cursor", applyCmd.ApplyEphemeral.Namespace)
}

func TestEphemeralHopOneRebroadcastsWithDecrementedHop(t *testing.T) {
	m, _ := testModel("2", rules.NewDefault())
	establish(t, m, 1, channel.Network, identity.RepoIdentity{PeerID: "1", Name: "peer1"})
	establish(t, m, 2, channel.Network, identity.RepoIdentity{PeerID: "3", Name: "peer3"})
	m.ensureDoc("d1")

	cmds := Update(m, ChannelReceiveMessage(1, wire.ChannelMsg{
		Type: wire.TypeEphemeral,
		Ephemeral: &wire.EphemeralMessage{
			DocID: "d1", HopsRemaining: 1,
			Stores: []wire.EphemeralStoreFrame{{PeerID: "1", Namespace: "cursor", Data: []byte(`[]`)}},
		},
	}))
	cmd, ok := findCommand(cmds, CmdSendMessage)
	require.True(t, ok)
	require.Equal(t, []channel.ID{2}, cmd.SendMessage.ChannelIDs, "must forward only to the non-sender peer")
	require.EqualValues(t, 0, cmd.SendMessage.Message.Ephemeral.HopsRemaining)
}

func TestSyncRequestDeniedByRulesIsSilentlyDropped(t *testing.T) {
	r := rules.NewDefault()
	r.CanReceive = func(rules.Context) bool { return false }

	m, _ := testModel("1", r)
	establish(t, m, 1, channel.Network, identity.RepoIdentity{PeerID: "2", Name: "peer2"})
	m.ensureDoc("d1")

	cmds := Update(m, ChannelReceiveMessage(1, wire.ChannelMsg{
		Type:        wire.TypeSyncRequest,
		SyncRequest: &wire.SyncRequest{DocID: "d1", RequesterVersion: version.New(), Bidirectional: true},
	}))
	_, sentSync := findCommand(cmds, CmdSendMessage)
	require.False(t, sentSync, "a denied sync-request must not be answered")
}

func TestHeartbeatReannouncesOnlyUnknownOrPendingAwareness(t *testing.T) {
	m, _ := testModel("1", rules.NewDefault())
	establish(t, m, 1, channel.Network, identity.RepoIdentity{PeerID: "2", Name: "peer2"})
	establish(t, m, 2, channel.Network, identity.RepoIdentity{PeerID: "3", Name: "peer3"})
	m.ensureDoc("d1")
	m.ensureDoc("d2")

	// peer 2 is Pending on d1, Synced on d2: only d1 should be re-announced.
	m.Peers.SetDocSyncState("2", "d1", peer.PerDocSyncState{Status: peer.SyncPending, LastUpdated: time.Now()})
	m.Peers.SetSynced("2", "d2", version.New(), time.Now())
	// peer 3 has never heard of either doc (Unknown): both should be announced.

	cmds := Update(m, Heartbeat())

	var toTwo, toThree []string
	for _, c := range cmds {
		if c.Type != CmdSendMessage || c.SendMessage.Message.Type != wire.TypeDirectoryResponse {
			continue
		}
		docIDs := c.SendMessage.Message.DirectoryResponse.DocIDs
		for _, id := range c.SendMessage.ChannelIDs {
			if id == 1 {
				toTwo = append(toTwo, docIDs...)
			}
			if id == 2 {
				toThree = append(toThree, docIDs...)
			}
		}
	}
	require.ElementsMatch(t, []string{"d1"}, toTwo)
	require.ElementsMatch(t, []string{"d1", "d2"}, toThree)
}

func TestRemoteDeleteRemovesLocalDoc(t *testing.T) {
	m, _ := testModel("1", rules.NewDefault())
	establish(t, m, 1, channel.Network, identity.RepoIdentity{PeerID: "2", Name: "peer2"})
	m.ensureDoc("d1")
	Update(m, ChannelReceiveMessage(1, wire.ChannelMsg{Type: wire.TypeDelete, Delete: &wire.DeleteMessage{DocID: "d1"}}))
	_, ok := m.Documents.Get("d1")
	require.False(t, ok)
}

func TestChannelCloseRetiresPeerChannelAndCleansEphemeral(t *testing.T) {
	m, _ := testModel("1", rules.NewDefault())
	establish(t, m, 1, channel.Network, identity.RepoIdentity{PeerID: "2", Name: "peer2"})
	ds := m.ensureDoc("d1")
	m.ephemeralStore("d1", ds, "cursor")

	cmds := Update(m, ChannelClose(1))
	p, _ := m.Peers.Get("2")
	_, stillThere := p.Channels[1]
	require.False(t, stillThere)

	cmd, ok := findCommand(cmds, CmdApplyEphemeral)
	require.True(t, ok)
	require.Equal(t, "2", cmd.ApplyEphemeral.DeletePeerID)
}
