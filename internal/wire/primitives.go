package wire

import (
	"bytes"
	"sort"

	"github.com/schoolai/loro-extended-core/internal/identity"
	"github.com/schoolai/loro-extended-core/internal/version"
)

func writeUvarint(buf *bytes.Buffer, v uint64) {
	for v >= 0x80 {
		buf.WriteByte(byte(v) | 0x80)
		v >>= 7
	}
	buf.WriteByte(byte(v))
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

func writeBool(buf *bytes.Buffer, b bool) {
	if b {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func writeIdentity(buf *bytes.Buffer, id identity.RepoIdentity) {
	writeString(buf, id.PeerID)
	writeString(buf, id.Name)
	writeString(buf, string(id.Type))
}

// writeVector encodes the vector sorted by peer id so two callers with the
// same logical vector produce byte-identical frames (relevant to the
// storage-adapter determinism requirement of spec §6).
func writeVector(buf *bytes.Buffer, v version.Vector) {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	writeUvarint(buf, uint64(len(keys)))
	for _, k := range keys {
		writeString(buf, k)
		writeUvarint(buf, uint64(v[k]))
	}
}

func writeTransmission(buf *bytes.Buffer, t SyncTransmission) {
	buf.WriteByte(byte(t.Kind))
	writeBytes(buf, t.Data)
	writeVector(buf, t.Version)
}

// reader walks a decode buffer, tracking malformed input without panicking.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) atEnd() bool { return r.pos >= len(r.buf) }

func (r *reader) readFixed(dst []byte) bool {
	if len(r.buf)-r.pos < len(dst) {
		return false
	}
	copy(dst, r.buf[r.pos:r.pos+len(dst)])
	r.pos += len(dst)
	return true
}

func (r *reader) readByte() (byte, bool) {
	if r.pos >= len(r.buf) {
		return 0, false
	}
	b := r.buf[r.pos]
	r.pos++
	return b, true
}

func (r *reader) readUvarint() (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, ok := r.readByte()
		if !ok {
			return 0, decodeErr("truncated uleb128")
		}
		if shift >= 64 {
			return 0, decodeErr("uleb128 overflow")
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
	}
}

func (r *reader) readBytes() ([]byte, error) {
	n, err := r.readUvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(r.buf)-r.pos) {
		return nil, decodeErr("truncated byte field (want %d, have %d)", n, len(r.buf)-r.pos)
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return out, nil
}

func (r *reader) readString() (string, error) {
	b, err := r.readBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) readBool() (bool, error) {
	b, ok := r.readByte()
	if !ok {
		return false, decodeErr("truncated bool")
	}
	return b != 0, nil
}

func readIdentity(r *reader) (identity.RepoIdentity, error) {
	peerID, err := r.readString()
	if err != nil {
		return identity.RepoIdentity{}, err
	}
	name, err := r.readString()
	if err != nil {
		return identity.RepoIdentity{}, err
	}
	kind, err := r.readString()
	if err != nil {
		return identity.RepoIdentity{}, err
	}
	return identity.RepoIdentity{PeerID: peerID, Name: name, Type: identity.Kind(kind)}, nil
}

func readVector(r *reader) (version.Vector, error) {
	n, err := r.readUvarint()
	if err != nil {
		return nil, err
	}
	v := make(version.Vector, n)
	for i := uint64(0); i < n; i++ {
		k, err := r.readString()
		if err != nil {
			return nil, err
		}
		c, err := r.readUvarint()
		if err != nil {
			return nil, err
		}
		v[k] = int64(c)
	}
	return v, nil
}

func readTransmission(r *reader) (SyncTransmission, error) {
	kindByte, ok := r.readByte()
	if !ok {
		return SyncTransmission{}, decodeErr("truncated transmission kind")
	}
	data, err := r.readBytes()
	if err != nil {
		return SyncTransmission{}, err
	}
	v, err := readVector(r)
	if err != nil {
		return SyncTransmission{}, err
	}
	return SyncTransmission{Kind: SyncTransmissionKind(kindByte), Data: data, Version: v}, nil
}
