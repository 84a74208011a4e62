package synchronizer

import (
	"github.com/schoolai/loro-extended-core/internal/channel"
	"github.com/schoolai/loro-extended-core/internal/wire"
)

// CmdType discriminates the Program's outbound command union (spec §4.5).
type CmdType int

const (
	CmdSendMessage CmdType = iota
	CmdSendEstablishmentMessage
	CmdSubscribeDoc
	CmdApplyEphemeral
	CmdBroadcastEphemeralBatch
	CmdBroadcastEphemeralNamespace
	CmdDispatch
	CmdBatch
	CmdLog
)

// Command is the tagged union Update returns; the CommandExecutor performs
// the side effect each one names. Exactly one pointer field matching Type
// is populated, except CmdBatch which carries its sequence directly.
type Command struct {
	Type CmdType

	SendMessage                 *SendMessageCmd
	SendEstablishmentMessage    *SendEstablishmentMessageCmd
	SubscribeDoc                *SubscribeDocCmd
	ApplyEphemeral              *ApplyEphemeralCmd
	BroadcastEphemeralBatch     *BroadcastEphemeralBatchCmd
	BroadcastEphemeralNamespace *BroadcastEphemeralNamespaceCmd
	Dispatch                    *Msg
	Batch                       []Command
	Log                         *LogCmd
}

// SendMessageCmd addresses one or more already-Established channels.
type SendMessageCmd struct {
	ChannelIDs []channel.ID
	Message    wire.ChannelMsg
}

// SendEstablishmentMessageCmd addresses a single still-Pending channel.
type SendEstablishmentMessageCmd struct {
	ChannelID channel.ID
	Message   wire.ChannelMsg
}

// SubscribeDocCmd ensures docID has a DocState, creating and subscribing
// it to local-update notification if this is the first reference.
type SubscribeDocCmd struct {
	DocID string
}

// ApplyEphemeralCmd applies (or, if DeletePeerID is set, removes a single
// peer from) one document's namespaced ephemeral store.
type ApplyEphemeralCmd struct {
	DocID        string
	Namespace    string
	Data         []byte
	DeletePeerID string
}

// BroadcastEphemeralNamespaceCmd gossips one (doc_id, namespace) store to
// a set of channels with a starting hop budget.
type BroadcastEphemeralNamespaceCmd struct {
	DocID         string
	Namespace     string
	HopsRemaining uint8
	ToChannelIDs  []channel.ID
}

// BroadcastEphemeralBatchCmd coalesces many namespace broadcasts destined
// for the same channel set into a single wire batch (used by the
// heartbeat's presence refresh, spec §4.5.6).
type BroadcastEphemeralBatchCmd struct {
	Items        []BroadcastEphemeralNamespaceCmd
	ToChannelIDs []channel.ID
}

// LogCmd is a structured log line the executor emits via its logger.
type LogCmd struct {
	Level   string // "debug", "info", "warn", "error"
	Message string
	Fields  map[string]interface{}
}

func logCmd(level, message string, fields map[string]interface{}) Command {
	return Command{Type: CmdLog, Log: &LogCmd{Level: level, Message: message, Fields: fields}}
}

func sendMessageCmd(ids []channel.ID, msg wire.ChannelMsg) Command {
	return Command{Type: CmdSendMessage, SendMessage: &SendMessageCmd{ChannelIDs: ids, Message: msg}}
}

func sendEstablishmentCmd(id channel.ID, msg wire.ChannelMsg) Command {
	return Command{Type: CmdSendEstablishmentMessage, SendEstablishmentMessage: &SendEstablishmentMessageCmd{ChannelID: id, Message: msg}}
}

func subscribeDocCmd(docID string) Command {
	return Command{Type: CmdSubscribeDoc, SubscribeDoc: &SubscribeDocCmd{DocID: docID}}
}

func applyEphemeralCmd(docID, namespace string, data []byte) Command {
	return Command{Type: CmdApplyEphemeral, ApplyEphemeral: &ApplyEphemeralCmd{DocID: docID, Namespace: namespace, Data: data}}
}

func deleteEphemeralPeerCmd(docID, namespace, peerID string) Command {
	return Command{Type: CmdApplyEphemeral, ApplyEphemeral: &ApplyEphemeralCmd{DocID: docID, Namespace: namespace, DeletePeerID: peerID}}
}

func dispatchCmd(msg Msg) Command {
	return Command{Type: CmdDispatch, Dispatch: &msg}
}

func batchCmd(cmds ...Command) Command {
	return Command{Type: CmdBatch, Batch: cmds}
}
