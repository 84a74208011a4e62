package synchronizer

import (
	"github.com/google/uuid"

	"github.com/schoolai/loro-extended-core/internal/channel"
	"github.com/schoolai/loro-extended-core/internal/identity"
	"github.com/schoolai/loro-extended-core/internal/peer"
	"github.com/schoolai/loro-extended-core/internal/version"
	"github.com/schoolai/loro-extended-core/internal/wire"
)

// Update is the Program's pure core (spec §4.5): given the current model
// and one message, it mutates the model's registries and returns the
// commands the executor must run. It never performs I/O itself.
func Update(m *Model, msg Msg) []Command {
	switch msg.Type {
	case MsgStart:
		return nil
	case MsgHeartbeat:
		return onHeartbeat(m)
	case MsgChannelOpen:
		return onChannelOpen(m, msg.ChannelOpen)
	case MsgChannelClose:
		return onChannelClose(m, msg.ChannelClose)
	case MsgChannelReceiveMessage:
		return onChannelReceiveMessage(m, msg.ChannelReceiveMessage)
	case MsgLocalDocChange:
		return onLocalDocChange(m, msg.LocalDocChange)
	case MsgLocalEphemeralChange:
		return onLocalEphemeralChange(m, msg.LocalEphemeralChange)
	case MsgDocRequested:
		return []Command{subscribeDocCmd(msg.DocRequested.DocID)}
	case MsgDocDeleted:
		return onDocDeleted(m, msg.DocDeleted)
	case MsgAddAdapter:
		return []Command{logCmd("info", "adapter added", map[string]interface{}{"adapter_id": msg.AddAdapter.Adapter.ID(), "adapter_type": msg.AddAdapter.Adapter.Type()})}
	case MsgRemoveAdapter:
		return []Command{logCmd("info", "adapter removed", map[string]interface{}{"adapter_id": msg.RemoveAdapter.AdapterID})}
	default:
		return nil
	}
}

// --- channel lifecycle (spec §4.5.1, §4.4) ---

func onChannelOpen(m *Model, msg *ChannelOpenMsg) []Command {
	m.Channels.Open(msg.ChannelID, msg.AdapterID, msg.AdapterType, msg.Kind)

	// Our adapters never know the remote peer's identity at open time
	// (handshake is what establishes it), so every channel speaks first
	// unconditionally (spec §4.5.1's "otherwise send unconditionally"
	// branch). Both sides doing this on a bridge/network channel produces
	// a simultaneous double establish-request, which the duplicate-
	// handshake handling in onEstablishRequest/onEstablishResponse
	// resolves harmlessly rather than needing a initiator tie-break.
	assertion, _ := m.cfg.Signer.Sign(m.cfg.OurIdentity)
	req := wire.ChannelMsg{Type: wire.TypeEstablishRequest, EstablishRequest: &wire.EstablishRequest{
		Identity:  m.cfg.OurIdentity,
		Assertion: assertion,
	}}
	return []Command{sendEstablishmentCmd(msg.ChannelID, req)}
}

func onChannelClose(m *Model, msg *ChannelCloseMsg) []Command {
	ch, ok := m.Channels.Get(msg.ChannelID)
	if !ok {
		return nil
	}
	var cmds []Command
	if ch.Status == channel.Established {
		m.Peers.RemoveChannel(ch.PeerID, msg.ChannelID)
		cmds = append(cmds, ephemeralCleanupForPeer(m, ch.PeerID)...)
	}
	m.Channels.Close(msg.ChannelID)
	return cmds
}

// ephemeralCleanupForPeer removes peerID from every ephemeral store across
// every document, per spec §4.5.5's disconnect-cleanup rule.
func ephemeralCleanupForPeer(m *Model, peerID string) []Command {
	var cmds []Command
	for _, docID := range m.Documents.All() {
		ds, ok := m.Documents.Get(docID)
		if !ok {
			continue
		}
		for namespace := range ds.EphemeralStores {
			cmds = append(cmds, deleteEphemeralPeerCmd(docID, namespace, peerID))
		}
	}
	return cmds
}

func onChannelReceiveMessage(m *Model, msg *ChannelReceiveMessageMsg) []Command {
	ch, ok := m.Channels.Get(msg.FromChannelID)
	if !ok {
		return []Command{logCmd("warn", "message on unknown channel", map[string]interface{}{"channel_id": msg.FromChannelID})}
	}

	if ch.Status != channel.Established {
		switch msg.Message.Type {
		case wire.TypeEstablishRequest:
			return onEstablishRequest(m, msg.FromChannelID, ch, msg.Message.EstablishRequest)
		case wire.TypeEstablishResponse:
			return onEstablishResponse(m, msg.FromChannelID, ch, msg.Message.EstablishResponse)
		default:
			overflowed := m.Channels.Buffer(msg.FromChannelID, msg.Message)
			if overflowed {
				m.Channels.Close(msg.FromChannelID)
				return []Command{logCmd("warn", "pending buffer overflow, channel reset", map[string]interface{}{"channel_id": msg.FromChannelID})}
			}
			return nil
		}
	}

	return handleEstablished(m, msg.FromChannelID, ch, msg.Message)
}

func handleEstablished(m *Model, chID channel.ID, ch *channel.State, wm wire.ChannelMsg) []Command {
	switch wm.Type {
	case wire.TypeEstablishRequest:
		return onEstablishRequest(m, chID, ch, wm.EstablishRequest)
	case wire.TypeEstablishResponse:
		return onEstablishResponse(m, chID, ch, wm.EstablishResponse)
	case wire.TypeDirectoryRequest:
		return onDirectoryRequest(m, chID, ch)
	case wire.TypeDirectoryResponse:
		return onDirectoryResponse(m, chID, ch, wm.DirectoryResponse)
	case wire.TypeSyncRequest:
		return onSyncRequest(m, chID, ch, wm.SyncRequest)
	case wire.TypeSync:
		return onSync(m, chID, ch, wm.Sync)
	case wire.TypeDelete:
		return onRemoteDelete(m, wm.Delete)
	case wire.TypeEphemeral:
		return onEphemeral(m, chID, ch, wm.Ephemeral)
	case wire.TypeBatch:
		var cmds []Command
		for _, inner := range wm.Batch {
			cmds = append(cmds, handleEstablished(m, chID, ch, inner)...)
		}
		return cmds
	default:
		return []Command{logCmd("warn", "unknown message type", map[string]interface{}{"type": wm.Type})}
	}
}

func (m *Model) sign() string {
	assertion, _ := m.cfg.Signer.Sign(m.cfg.OurIdentity)
	return assertion
}

func onEstablishRequest(m *Model, chID channel.ID, ch *channel.State, req *wire.EstablishRequest) []Command {
	ack := wire.ChannelMsg{Type: wire.TypeEstablishResponse, EstablishResponse: &wire.EstablishResponse{
		Identity: m.cfg.OurIdentity, Assertion: m.sign(),
	}}

	if ch.Status == channel.Established {
		// Benign duplicate from a simultaneous handshake
		// (spec §4.4): both sides may have sent establish-request: reply
		// again rather than treating it as a state violation.
		return []Command{sendEstablishmentCmd(chID, ack)}
	}

	if err := m.cfg.Signer.Verify(req.Identity, req.Assertion); err != nil {
		return []Command{logCmd("warn", "establish-request failed identity verification", map[string]interface{}{"error": err.Error()})}
	}

	cmds := promote(m, chID, req.Identity)
	cmds = append(cmds, sendEstablishmentCmd(chID, ack))
	return cmds
}

func onEstablishResponse(m *Model, chID channel.ID, ch *channel.State, resp *wire.EstablishResponse) []Command {
	if ch.Status == channel.Established {
		return nil // duplicate, already promoted
	}
	if err := m.cfg.Signer.Verify(resp.Identity, resp.Assertion); err != nil {
		return []Command{logCmd("warn", "establish-response failed identity verification", map[string]interface{}{"error": err.Error()})}
	}
	return promote(m, chID, resp.Identity)
}

// promote carries out spec §4.5.1's post-promotion steps: add the channel
// to the peer's set, request their directory, and replay anything
// buffered while the handshake was outstanding.
func promote(m *Model, chID channel.ID, peerIdentity identity.RepoIdentity) []Command {
	ch, err := m.Channels.Establish(chID, peerIdentity)
	if err != nil {
		return []Command{logCmd("warn", "establish failed", map[string]interface{}{"error": err.Error()})}
	}
	m.Peers.EnsureChannel(peerIdentity, chID)

	cmds := []Command{sendMessageCmd([]channel.ID{chID}, wire.ChannelMsg{Type: wire.TypeDirectoryRequest, DirectoryRequest: &wire.DirectoryRequest{}})}

	for _, buffered := range m.Channels.DrainBuffer(chID) {
		if wm, ok := buffered.(wire.ChannelMsg); ok {
			cmds = append(cmds, handleEstablished(m, chID, ch, wm)...)
		}
	}
	return cmds
}

// --- directory (spec §4.5.2) ---

func onDirectoryRequest(m *Model, chID channel.ID, ch *channel.State) []Command {
	var visible []string
	for _, docID := range m.Documents.All() {
		ctx := m.buildContext(ch, docID)
		if m.cfg.Rules.Visibility(ctx) {
			visible = append(visible, docID)
		}
	}
	resp := wire.ChannelMsg{Type: wire.TypeDirectoryResponse, DirectoryResponse: &wire.DirectoryResponse{DocIDs: visible}}
	return []Command{sendMessageCmd([]channel.ID{chID}, resp)}
}

func onDirectoryResponse(m *Model, chID channel.ID, ch *channel.State, resp *wire.DirectoryResponse) []Command {
	var cmds []Command
	var batch []wire.ChannelMsg

	for _, docID := range resp.DocIDs {
		var reqV version.Vector
		if ds, ok := m.Documents.Get(docID); ok {
			reqV = ds.Doc.Version()
		} else {
			reqV = version.New()
			cmds = append(cmds, subscribeDocCmd(docID))
		}

		if ch.PeerID != "" {
			m.Peers.SetDocSyncState(ch.PeerID, docID, peer.PerDocSyncState{Status: peer.SyncPending, LastUpdated: m.now()})
		}

		batch = append(batch, wire.ChannelMsg{Type: wire.TypeSyncRequest, SyncRequest: &wire.SyncRequest{
			DocID: docID, RequesterVersion: reqV, Bidirectional: true,
		}})
	}

	if len(batch) == 1 {
		cmds = append(cmds, sendMessageCmd([]channel.ID{chID}, batch[0]))
	} else if len(batch) > 1 {
		cmds = append(cmds, sendMessageCmd([]channel.ID{chID}, wire.ChannelMsg{Type: wire.TypeBatch, Batch: batch}))
	}
	return cmds
}

// --- sync (spec §4.5.3) ---

func onSyncRequest(m *Model, chID channel.ID, ch *channel.State, req *wire.SyncRequest) []Command {
	ctx := m.buildContext(ch, req.DocID)
	if !m.cfg.Rules.CanReceive(ctx) {
		return []Command{logCmd("debug", "sync-request denied by rules", map[string]interface{}{"doc_id": req.DocID})}
	}

	ds, ok := m.Documents.Get(req.DocID)
	if !ok {
		reply := wire.ChannelMsg{Type: wire.TypeSync, Sync: &wire.SyncMessage{
			DocID:        req.DocID,
			Transmission: wire.SyncTransmission{Kind: wire.Unavailable},
		}}
		return []Command{sendMessageCmd([]channel.ID{chID}, reply)}
	}

	data, err := ds.Doc.Export(req.RequesterVersion)
	if err != nil {
		return []Command{logCmd("warn", "export failed", map[string]interface{}{"doc_id": req.DocID, "error": err.Error()})}
	}
	v := ds.Doc.Version()

	kind := wire.Update
	switch {
	case len(data) == 0 && version.AtLeast(v, req.RequesterVersion):
		kind = wire.UpToDate
	case req.RequesterVersion.IsEmpty():
		kind = wire.Snapshot
	}

	reply := wire.ChannelMsg{Type: wire.TypeSync, Sync: &wire.SyncMessage{
		DocID:        req.DocID,
		Transmission: wire.SyncTransmission{Kind: kind, Data: data, Version: v},
	}}
	cmds := []Command{sendMessageCmd([]channel.ID{chID}, reply)}

	if ch.PeerID != "" {
		// Merge rather than overwrite: req.RequesterVersion is the peer's
		// own claim about itself, but a replayed or reordered sync-request
		// must never regress what we already believe it knows (spec §8
		// invariant 2, "last_known_version is vector-monotonically
		// non-decreasing").
		m.Peers.SetSynced(ch.PeerID, req.DocID, req.RequesterVersion, m.now())
		if req.Bidirectional {
			m.Peers.Subscribe(ch.PeerID, req.DocID)
		}
	}
	return cmds
}

func onSync(m *Model, chID channel.ID, ch *channel.State, msg *wire.SyncMessage) []Command {
	switch msg.Transmission.Kind {
	case wire.Unavailable:
		if ch.PeerID != "" {
			m.Peers.SetDocSyncState(ch.PeerID, msg.DocID, peer.PerDocSyncState{Status: peer.Absent, LastUpdated: m.now()})
		}
		return nil

	case wire.UpToDate:
		if ch.PeerID != "" {
			m.Peers.SetSynced(ch.PeerID, msg.DocID, msg.Transmission.Version, m.now())
		}
		return nil

	case wire.Snapshot, wire.Update:
		ctx := m.buildContext(ch, msg.DocID)
		if len(msg.Transmission.Data) == 0 {
			if ch.PeerID != "" {
				m.Peers.SetSynced(ch.PeerID, msg.DocID, msg.Transmission.Version, m.now())
			}
			return nil
		}
		if !m.cfg.Rules.CanReceive(ctx) {
			return []Command{logCmd("debug", "sync data denied by rules", map[string]interface{}{"doc_id": msg.DocID})}
		}

		ds := m.ensureDoc(msg.DocID)
		m.importingFrom = ch.PeerID
		err := ds.Doc.Import(msg.Transmission.Data)
		m.importingFrom = ""
		if err != nil {
			return []Command{logCmd("warn", "import failed", map[string]interface{}{"doc_id": msg.DocID, "error": err.Error()})}
		}

		if ch.PeerID != "" {
			m.Peers.SetSynced(ch.PeerID, msg.DocID, msg.Transmission.Version, m.now())
		}
		return nil

	default:
		return nil
	}
}

func onRemoteDelete(m *Model, msg *wire.DeleteMessage) []Command {
	_ = m.Documents.Delete(msg.DocID)
	return nil
}

// --- propagation on local/imported change (spec §4.5.4) ---

func onLocalDocChange(m *Model, msg *LocalDocChangeMsg) []Command {
	ds, ok := m.Documents.Get(msg.DocID)
	if !ok {
		return nil
	}
	ourVersion := ds.Doc.Version()

	var cmds []Command
	for _, ch := range m.Channels.Established() {
		if msg.ExcludePeerID != "" && ch.PeerID == msg.ExcludePeerID {
			continue
		}

		var subscribed bool
		var syncState peer.PerDocSyncState
		if p, ok := m.Peers.Get(ch.PeerID); ok {
			subscribed = p.IsSubscribed(msg.DocID)
			syncState = p.DocSyncStates[msg.DocID]
		}
		ctx := m.buildContext(ch, msg.DocID)

		if subscribed {
			data, err := ds.Doc.Export(syncState.LastKnownVersion)
			if err != nil {
				cmds = append(cmds, logCmd("warn", "export for propagation failed", map[string]interface{}{"doc_id": msg.DocID, "error": err.Error()}))
				continue
			}
			kind := wire.Update
			if syncState.LastKnownVersion.IsEmpty() {
				kind = wire.Snapshot
			}
			update := wire.ChannelMsg{Type: wire.TypeSync, Sync: &wire.SyncMessage{
				DocID:        msg.DocID,
				Transmission: wire.SyncTransmission{Kind: kind, Data: data, Version: ourVersion},
			}}
			cmds = append(cmds, sendMessageCmd([]channel.ID{ch.ID}, update))
			if ch.PeerID != "" {
				m.Peers.SetSynced(ch.PeerID, msg.DocID, ourVersion, m.now())
			}
			continue
		}

		announce := func() {
			cmds = append(cmds, sendMessageCmd([]channel.ID{ch.ID}, wire.ChannelMsg{
				Type: wire.TypeDirectoryResponse, DirectoryResponse: &wire.DirectoryResponse{DocIDs: []string{msg.DocID}},
			}))
		}

		switch syncState.Status {
		case peer.Unknown:
			if m.cfg.Rules.CanReveal(ctx) {
				announce()
			}
		case peer.SyncPending:
			announce()
		case peer.Synced:
			ord := version.Compare(syncState.LastKnownVersion, ourVersion)
			if ord == version.Before || ord == version.Concurrent {
				announce()
			}
		case peer.Absent:
			// send nothing
		}
	}
	return cmds
}

// --- ephemeral protocol (spec §4.5.5) ---

func onLocalEphemeralChange(m *Model, msg *LocalEphemeralChangeMsg) []Command {
	targets := channelIDs(m.Channels.Established())
	if len(targets) == 0 {
		return nil
	}
	return []Command{{
		Type: CmdBroadcastEphemeralNamespace,
		BroadcastEphemeralNamespace: &BroadcastEphemeralNamespaceCmd{
			DocID: msg.DocID, Namespace: msg.Namespace, HopsRemaining: m.cfg.NetworkHops, ToChannelIDs: targets,
		},
	}}
}

func onEphemeral(m *Model, chID channel.ID, ch *channel.State, msg *wire.EphemeralMessage) []Command {
	ds, ok := m.Documents.Get(msg.DocID)
	if !ok {
		return []Command{logCmd("debug", "ephemeral for unknown doc", map[string]interface{}{"doc_id": msg.DocID})}
	}

	var cmds []Command
	for _, frame := range msg.Stores {
		m.ephemeralStore(msg.DocID, ds, frame.Namespace)
		cmds = append(cmds, applyEphemeralCmd(msg.DocID, frame.Namespace, frame.Data))
	}

	if msg.HopsRemaining == 0 {
		return cmds
	}

	var targets []channel.ID
	for _, other := range m.Channels.Established() {
		if other.ID == chID || (ch.PeerID != "" && other.PeerID == ch.PeerID) {
			continue
		}
		targets = append(targets, other.ID)
	}
	if len(targets) == 0 {
		return cmds
	}

	rebroadcast := wire.ChannelMsg{Type: wire.TypeEphemeral, Ephemeral: &wire.EphemeralMessage{
		DocID:         msg.DocID,
		HopsRemaining: msg.HopsRemaining - 1,
		Stores:        msg.Stores,
		CorrelationID: msg.CorrelationID,
	}}
	cmds = append(cmds, sendMessageCmd(targets, rebroadcast))
	return cmds
}

func channelIDs(states []*channel.State) []channel.ID {
	ids := make([]channel.ID, len(states))
	for i, s := range states {
		ids[i] = s.ID
	}
	return ids
}

// --- doc lifecycle ---

func onDocDeleted(m *Model, msg *DocDeletedMsg) []Command {
	targets := channelIDs(m.Channels.Established())
	_ = m.Documents.Delete(msg.DocID)
	if len(targets) == 0 {
		return nil
	}
	del := wire.ChannelMsg{Type: wire.TypeDelete, Delete: &wire.DeleteMessage{DocID: msg.DocID}}
	return []Command{sendMessageCmd(targets, del)}
}

// --- heartbeat (spec §4.5.6) ---

func onHeartbeat(m *Model) []Command {
	var cmds []Command

	established := channelIDs(m.Channels.Established())
	if len(established) > 0 {
		var items []BroadcastEphemeralNamespaceCmd
		for _, docID := range m.Documents.All() {
			ds, ok := m.Documents.Get(docID)
			if !ok {
				continue
			}
			for namespace := range ds.EphemeralStores {
				items = append(items, BroadcastEphemeralNamespaceCmd{
					DocID: docID, Namespace: namespace, HopsRemaining: m.cfg.NetworkHops, ToChannelIDs: established,
				})
			}
		}
		if len(items) > 0 {
			cmds = append(cmds, Command{Type: CmdBroadcastEphemeralBatch, BroadcastEphemeralBatch: &BroadcastEphemeralBatchCmd{
				Items: items, ToChannelIDs: established,
			}})
		}
	}

	cutoff := m.now().Add(-m.cfg.PendingTimeout)
	for _, docID := range m.Documents.All() {
		ds, ok := m.Documents.Get(docID)
		if !ok {
			continue
		}
		for _, peerID := range m.Peers.PendingLongerThan(docID, cutoff) {
			chID, ok := m.firstChannelForPeer(peerID)
			if !ok {
				continue
			}
			req := wire.ChannelMsg{Type: wire.TypeSyncRequest, SyncRequest: &wire.SyncRequest{
				DocID: docID, RequesterVersion: ds.Doc.Version(), Bidirectional: true,
			}}
			cmds = append(cmds, sendMessageCmd([]channel.ID{chID}, req))
		}
	}

	cmds = append(cmds, heartbeatDirectoryReannounce(m)...)
	return cmds
}

// heartbeatDirectoryReannounce re-announces every visible document to
// every established channel whose peer awareness is still Unknown or
// Pending (not yet Synced or Absent). The source re-announces everything
// on every heartbeat; this narrows that to bound bandwidth at scale, per
// spec §9's open question and this module's documented decision.
func heartbeatDirectoryReannounce(m *Model) []Command {
	var cmds []Command
	for _, ch := range m.Channels.Established() {
		var announce []string
		for _, docID := range m.Documents.All() {
			ctx := m.buildContext(ch, docID)
			if !m.cfg.Rules.Visibility(ctx) {
				continue
			}

			status := peer.Unknown
			if p, ok := m.Peers.Get(ch.PeerID); ok {
				status = p.DocSyncStates[docID].Status
			}
			if status == peer.Unknown || status == peer.SyncPending {
				announce = append(announce, docID)
			}
		}
		if len(announce) == 0 {
			continue
		}
		resp := wire.ChannelMsg{Type: wire.TypeDirectoryResponse, DirectoryResponse: &wire.DirectoryResponse{DocIDs: announce}}
		cmds = append(cmds, sendMessageCmd([]channel.ID{ch.ID}, resp))
	}
	return cmds
}

// newCorrelationID is used by the executor when building outbound
// ephemeral frames that don't already carry one (local-origin gossip).
func newCorrelationID() string { return uuid.NewString() }
