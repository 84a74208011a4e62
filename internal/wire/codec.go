// Package wire implements the bit-exact binary framing of spec §6: a
// 4-byte magic, a 1-byte type discriminant, and ULEB128 length-prefixed
// fields. It is the one place in this module where interoperability with
// other language implementations of the same protocol matters, so the
// encoding is hand-rolled rather than left to encoding/gob or JSON.
package wire

import (
	"bytes"
	"fmt"

	"github.com/schoolai/loro-extended-core/internal/identity"
	"github.com/schoolai/loro-extended-core/internal/version"
)

// Magic is the 4-byte frame prefix, "%LOR".
var Magic = [4]byte{0x25, 0x4C, 0x4F, 0x52}

// MaxFrameSize is the fragmentation threshold named as an Open Question in
// spec §9 and resolved in SPEC_FULL.md section E.3: frames at or beyond
// this size are rejected rather than silently shipped, since reassembly of
// oversized frames is a separate, out-of-scope concern.
const MaxFrameSize = 1 << 20 // 1 MiB

// MessageType is the 1-byte wire discriminant.
type MessageType byte

const (
	TypeEstablishRequest MessageType = iota + 1
	TypeEstablishResponse
	TypeDirectoryRequest
	TypeDirectoryResponse
	TypeSyncRequest
	TypeSync // carries SyncTransmission; used for both sync-response and unsolicited update
	TypeDelete
	TypeEphemeral
	TypeBatch
)

// DecodeError is returned for any malformed frame. Per spec §7, callers
// must not advance past a frame that fails to decode.
type DecodeError struct{ Reason string }

func (e *DecodeError) Error() string { return "wire: decode: " + e.Reason }

func decodeErr(format string, args ...interface{}) error {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

// SyncTransmissionKind tags the four possible shapes of a sync reply.
type SyncTransmissionKind byte

const (
	Snapshot SyncTransmissionKind = iota + 1
	Update
	UpToDate
	Unavailable
)

// SyncTransmission is the payload of a sync-response/update message.
type SyncTransmission struct {
	Kind    SyncTransmissionKind
	Data    []byte // empty for UpToDate/Unavailable
	Version version.Vector
}

// EstablishRequest carries the initiator's identity plus an optional
// signed assertion (internal/identity).
type EstablishRequest struct {
	Identity  identity.RepoIdentity
	Assertion string
}

// EstablishResponse mirrors EstablishRequest for the responding side.
type EstablishResponse struct {
	Identity  identity.RepoIdentity
	Assertion string
}

// DirectoryRequest has no fields; it simply asks "what do you have?".
type DirectoryRequest struct{}

// DirectoryResponse announces a set of document ids the sender is willing
// to reveal the existence of (already filtered by Rules.Visibility).
type DirectoryResponse struct {
	DocIDs []string
}

// SyncRequest asks the receiver to compute a diff from RequesterVersion.
type SyncRequest struct {
	DocID            string
	RequesterVersion version.Vector
	Bidirectional    bool
}

// SyncMessage is the sync-response/update wire shape.
type SyncMessage struct {
	DocID        string
	Transmission SyncTransmission
}

// DeleteMessage announces that DocID was deleted locally.
type DeleteMessage struct {
	DocID string
}

// EphemeralStoreFrame is one namespaced ephemeral blob inside an Ephemeral
// message.
type EphemeralStoreFrame struct {
	PeerID    string
	Namespace string
	Data      []byte
}

// EphemeralMessage carries hop-bounded presence/cursor gossip for a doc.
type EphemeralMessage struct {
	DocID         string
	HopsRemaining uint8
	Stores        []EphemeralStoreFrame
	CorrelationID string // uuid, dedupe aid for logs/metrics only
}

// ChannelMsg is a tagged union over every wire message kind. Exactly one
// of the typed fields matching Type is populated; codec functions switch
// on Type and an unhandled Type reaches the switch default, which returns
// an error rather than silently dropping a frame.
type ChannelMsg struct {
	Type MessageType

	EstablishRequest  *EstablishRequest
	EstablishResponse *EstablishResponse
	DirectoryRequest  *DirectoryRequest
	DirectoryResponse *DirectoryResponse
	SyncRequest       *SyncRequest
	Sync              *SyncMessage
	Delete            *DeleteMessage
	Ephemeral         *EphemeralMessage
	Batch             []ChannelMsg
}

// Encode serializes msg into a bit-exact wire frame.
func Encode(msg ChannelMsg) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(Magic[:])
	buf.WriteByte(byte(msg.Type))

	switch msg.Type {
	case TypeEstablishRequest:
		if msg.EstablishRequest == nil {
			return nil, fmt.Errorf("wire: establish-request payload missing")
		}
		writeIdentity(&buf, msg.EstablishRequest.Identity)
		writeString(&buf, msg.EstablishRequest.Assertion)
	case TypeEstablishResponse:
		if msg.EstablishResponse == nil {
			return nil, fmt.Errorf("wire: establish-response payload missing")
		}
		writeIdentity(&buf, msg.EstablishResponse.Identity)
		writeString(&buf, msg.EstablishResponse.Assertion)
	case TypeDirectoryRequest:
		// no fields
	case TypeDirectoryResponse:
		if msg.DirectoryResponse == nil {
			return nil, fmt.Errorf("wire: directory-response payload missing")
		}
		writeUvarint(&buf, uint64(len(msg.DirectoryResponse.DocIDs)))
		for _, id := range msg.DirectoryResponse.DocIDs {
			writeString(&buf, id)
		}
	case TypeSyncRequest:
		if msg.SyncRequest == nil {
			return nil, fmt.Errorf("wire: sync-request payload missing")
		}
		writeString(&buf, msg.SyncRequest.DocID)
		writeVector(&buf, msg.SyncRequest.RequesterVersion)
		writeBool(&buf, msg.SyncRequest.Bidirectional)
	case TypeSync:
		if msg.Sync == nil {
			return nil, fmt.Errorf("wire: sync payload missing")
		}
		writeString(&buf, msg.Sync.DocID)
		writeTransmission(&buf, msg.Sync.Transmission)
	case TypeDelete:
		if msg.Delete == nil {
			return nil, fmt.Errorf("wire: delete payload missing")
		}
		writeString(&buf, msg.Delete.DocID)
	case TypeEphemeral:
		if msg.Ephemeral == nil {
			return nil, fmt.Errorf("wire: ephemeral payload missing")
		}
		writeString(&buf, msg.Ephemeral.DocID)
		buf.WriteByte(msg.Ephemeral.HopsRemaining)
		writeString(&buf, msg.Ephemeral.CorrelationID)
		writeUvarint(&buf, uint64(len(msg.Ephemeral.Stores)))
		for _, s := range msg.Ephemeral.Stores {
			writeString(&buf, s.PeerID)
			writeString(&buf, s.Namespace)
			writeBytes(&buf, s.Data)
		}
	case TypeBatch:
		writeUvarint(&buf, uint64(len(msg.Batch)))
		for _, inner := range msg.Batch {
			encoded, err := Encode(inner)
			if err != nil {
				return nil, err
			}
			writeBytes(&buf, encoded)
		}
	default:
		return nil, fmt.Errorf("wire: unknown message type %d", msg.Type)
	}

	if buf.Len() >= MaxFrameSize {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds fragmentation threshold %d", buf.Len(), MaxFrameSize)
	}
	return buf.Bytes(), nil
}

// Decode parses a wire frame previously produced by Encode.
func Decode(data []byte) (ChannelMsg, error) {
	r := &reader{buf: data}

	var magic [4]byte
	if !r.readFixed(magic[:]) {
		return ChannelMsg{}, decodeErr("truncated magic")
	}
	if magic != Magic {
		return ChannelMsg{}, decodeErr("bad magic %x", magic)
	}

	typByte, ok := r.readByte()
	if !ok {
		return ChannelMsg{}, decodeErr("truncated type")
	}
	typ := MessageType(typByte)

	msg := ChannelMsg{Type: typ}
	switch typ {
	case TypeEstablishRequest:
		id, err := readIdentity(r)
		if err != nil {
			return ChannelMsg{}, err
		}
		assertion, err := r.readString()
		if err != nil {
			return ChannelMsg{}, err
		}
		msg.EstablishRequest = &EstablishRequest{Identity: id, Assertion: assertion}
	case TypeEstablishResponse:
		id, err := readIdentity(r)
		if err != nil {
			return ChannelMsg{}, err
		}
		assertion, err := r.readString()
		if err != nil {
			return ChannelMsg{}, err
		}
		msg.EstablishResponse = &EstablishResponse{Identity: id, Assertion: assertion}
	case TypeDirectoryRequest:
		msg.DirectoryRequest = &DirectoryRequest{}
	case TypeDirectoryResponse:
		n, err := r.readUvarint()
		if err != nil {
			return ChannelMsg{}, err
		}
		ids := make([]string, 0, n)
		for i := uint64(0); i < n; i++ {
			s, err := r.readString()
			if err != nil {
				return ChannelMsg{}, err
			}
			ids = append(ids, s)
		}
		msg.DirectoryResponse = &DirectoryResponse{DocIDs: ids}
	case TypeSyncRequest:
		docID, err := r.readString()
		if err != nil {
			return ChannelMsg{}, err
		}
		v, err := readVector(r)
		if err != nil {
			return ChannelMsg{}, err
		}
		b, err := r.readBool()
		if err != nil {
			return ChannelMsg{}, err
		}
		msg.SyncRequest = &SyncRequest{DocID: docID, RequesterVersion: v, Bidirectional: b}
	case TypeSync:
		docID, err := r.readString()
		if err != nil {
			return ChannelMsg{}, err
		}
		t, err := readTransmission(r)
		if err != nil {
			return ChannelMsg{}, err
		}
		msg.Sync = &SyncMessage{DocID: docID, Transmission: t}
	case TypeDelete:
		docID, err := r.readString()
		if err != nil {
			return ChannelMsg{}, err
		}
		msg.Delete = &DeleteMessage{DocID: docID}
	case TypeEphemeral:
		docID, err := r.readString()
		if err != nil {
			return ChannelMsg{}, err
		}
		hops, ok := r.readByte()
		if !ok {
			return ChannelMsg{}, decodeErr("truncated hops_remaining")
		}
		corr, err := r.readString()
		if err != nil {
			return ChannelMsg{}, err
		}
		n, err := r.readUvarint()
		if err != nil {
			return ChannelMsg{}, err
		}
		stores := make([]EphemeralStoreFrame, 0, n)
		for i := uint64(0); i < n; i++ {
			peerID, err := r.readString()
			if err != nil {
				return ChannelMsg{}, err
			}
			ns, err := r.readString()
			if err != nil {
				return ChannelMsg{}, err
			}
			data, err := r.readBytes()
			if err != nil {
				return ChannelMsg{}, err
			}
			stores = append(stores, EphemeralStoreFrame{PeerID: peerID, Namespace: ns, Data: data})
		}
		msg.Ephemeral = &EphemeralMessage{DocID: docID, HopsRemaining: hops, CorrelationID: corr, Stores: stores}
	case TypeBatch:
		n, err := r.readUvarint()
		if err != nil {
			return ChannelMsg{}, err
		}
		inner := make([]ChannelMsg, 0, n)
		for i := uint64(0); i < n; i++ {
			raw, err := r.readBytes()
			if err != nil {
				return ChannelMsg{}, err
			}
			m, err := Decode(raw)
			if err != nil {
				return ChannelMsg{}, err
			}
			inner = append(inner, m)
		}
		msg.Batch = inner
	default:
		return ChannelMsg{}, decodeErr("unknown type %d", typByte)
	}

	if !r.atEnd() {
		return ChannelMsg{}, decodeErr("trailing bytes after %d message", typ)
	}
	return msg, nil
}
