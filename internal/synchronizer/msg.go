// Package synchronizer implements the Program: a pure update(msg, model)
// state machine (spec §4.5) driving the channel/peer/document registries,
// wrapped in a single-goroutine dispatch loop (spec §5) that feeds it
// messages from adapters, the CRDT runtime's local-update subscriptions,
// and a heartbeat ticker.
package synchronizer

import (
	"github.com/schoolai/loro-extended-core/internal/adapter"
	"github.com/schoolai/loro-extended-core/internal/channel"
	"github.com/schoolai/loro-extended-core/internal/wire"
)

// MsgType discriminates the Program's inbound message union (spec §4.5).
type MsgType int

const (
	MsgStart MsgType = iota
	MsgHeartbeat
	MsgChannelOpen
	MsgChannelClose
	MsgChannelReceiveMessage
	MsgLocalDocChange
	MsgLocalEphemeralChange
	MsgDocRequested
	MsgDocDeleted
	MsgAddAdapter
	MsgRemoveAdapter
)

// Msg is the tagged union every message dispatched to Update carries.
// Exactly one pointer field matching Type is populated.
type Msg struct {
	Type MsgType

	ChannelOpen           *ChannelOpenMsg
	ChannelClose          *ChannelCloseMsg
	ChannelReceiveMessage *ChannelReceiveMessageMsg
	LocalDocChange        *LocalDocChangeMsg
	LocalEphemeralChange  *LocalEphemeralChangeMsg
	DocRequested          *DocRequestedMsg
	DocDeleted            *DocDeletedMsg
	AddAdapter            *AddAdapterMsg
	RemoveAdapter         *RemoveAdapterMsg
}

type ChannelOpenMsg struct {
	ChannelID   channel.ID
	Kind        channel.Kind
	AdapterID   string
	AdapterType string
}

type ChannelCloseMsg struct {
	ChannelID channel.ID
}

type ChannelReceiveMessageMsg struct {
	FromChannelID channel.ID
	Message       wire.ChannelMsg
}

type LocalDocChangeMsg struct {
	DocID string
	// ExcludePeerID is the peer whose inbound sync caused this change, if
	// any, so the propagation loop does not echo it straight back (spec
	// §4.5.4: "P is excluded from the propagation loop"). Empty for
	// changes originating from local application code.
	ExcludePeerID string
}

type LocalEphemeralChangeMsg struct {
	DocID     string
	Namespace string
}

type DocRequestedMsg struct {
	DocID string
}

type DocDeletedMsg struct {
	DocID string
}

type AddAdapterMsg struct {
	Adapter adapter.Adapter
}

type RemoveAdapterMsg struct {
	AdapterID string
}

// Start constructs the bootstrap message.
func Start() Msg { return Msg{Type: MsgStart} }

// Heartbeat constructs the periodic tick message.
func Heartbeat() Msg { return Msg{Type: MsgHeartbeat} }

// ChannelOpen constructs a channel-open message.
func ChannelOpen(id channel.ID, kind channel.Kind, adapterID, adapterType string) Msg {
	return Msg{Type: MsgChannelOpen, ChannelOpen: &ChannelOpenMsg{ChannelID: id, Kind: kind, AdapterID: adapterID, AdapterType: adapterType}}
}

// ChannelClose constructs a channel-close message.
func ChannelClose(id channel.ID) Msg {
	return Msg{Type: MsgChannelClose, ChannelClose: &ChannelCloseMsg{ChannelID: id}}
}

// ChannelReceiveMessage constructs an inbound wire message event.
func ChannelReceiveMessage(from channel.ID, msg wire.ChannelMsg) Msg {
	return Msg{Type: MsgChannelReceiveMessage, ChannelReceiveMessage: &ChannelReceiveMessageMsg{FromChannelID: from, Message: msg}}
}

// LocalDocChange constructs a local-doc-change message.
func LocalDocChange(docID, excludePeerID string) Msg {
	return Msg{Type: MsgLocalDocChange, LocalDocChange: &LocalDocChangeMsg{DocID: docID, ExcludePeerID: excludePeerID}}
}

// LocalEphemeralChange constructs a local-ephemeral-change message.
func LocalEphemeralChange(docID, namespace string) Msg {
	return Msg{Type: MsgLocalEphemeralChange, LocalEphemeralChange: &LocalEphemeralChangeMsg{DocID: docID, Namespace: namespace}}
}

// DocRequested constructs a doc-requested message.
func DocRequested(docID string) Msg {
	return Msg{Type: MsgDocRequested, DocRequested: &DocRequestedMsg{DocID: docID}}
}

// DocDeleted constructs a doc-deleted message.
func DocDeleted(docID string) Msg {
	return Msg{Type: MsgDocDeleted, DocDeleted: &DocDeletedMsg{DocID: docID}}
}

// AddAdapter constructs an add-adapter message.
func AddAdapter(a adapter.Adapter) Msg {
	return Msg{Type: MsgAddAdapter, AddAdapter: &AddAdapterMsg{Adapter: a}}
}

// RemoveAdapter constructs a remove-adapter message.
func RemoveAdapter(adapterID string) Msg {
	return Msg{Type: MsgRemoveAdapter, RemoveAdapter: &RemoveAdapterMsg{AdapterID: adapterID}}
}
