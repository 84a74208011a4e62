package pqc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
)

// sealedSnapshot is the on-disk envelope format: a Kyber-encrypted blob
// plus a Dilithium signature over it for tamper detection.
type sealedSnapshot struct {
	KeyID      string `json:"key_id"`
	Algorithm  string `json:"algorithm"`
	Ciphertext string `json:"ciphertext"`
	Signature  string `json:"signature"`
}

// Sealer encrypts and signs whole CRDT snapshot/update blobs before they
// touch disk, and reverses the process on read. Unlike the teacher's
// EncryptionManager, which walked a document's fields individually, a
// CRDT export is already one opaque byte blob, so there is nothing to
// walk: Seal/Open operate on the whole thing.
type Sealer struct {
	mu  sync.RWMutex
	key *SnapshotKeyPair
}

// NewSealer constructs a Sealer bound to key. A nil key makes Seal/Open
// transparent pass-throughs, so callers can wire a storage adapter
// without encryption simply by never setting a key.
func NewSealer(key *SnapshotKeyPair) *Sealer {
	return &Sealer{key: key}
}

// SetKey replaces the sealing key, e.g. after a key rotation.
func (s *Sealer) SetKey(key *SnapshotKeyPair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = key
}

// Enabled reports whether a key is configured.
func (s *Sealer) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key != nil
}

// Seal encrypts and signs plaintext, returning a base64 envelope ready to
// write to disk. If no key is configured, Seal returns plaintext
// unchanged.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	s.mu.RLock()
	key := s.key
	s.mu.RUnlock()
	if key == nil {
		return plaintext, nil
	}

	ciphertext, err := key.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("pqc: seal: %w", err)
	}

	env := sealedSnapshot{
		KeyID:      key.ID,
		Algorithm:  key.Algorithm,
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}
	signable, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("pqc: seal: marshal for signing: %w", err)
	}
	sig, err := key.Sign(signable)
	if err != nil {
		return nil, fmt.Errorf("pqc: seal: sign: %w", err)
	}
	env.Signature = base64.StdEncoding.EncodeToString(sig)

	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("pqc: seal: marshal envelope: %w", err)
	}
	return out, nil
}

// Open reverses Seal. If no key is configured, Open returns sealed
// unchanged (the disengaged-encryption symmetric case to Seal).
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	s.mu.RLock()
	key := s.key
	s.mu.RUnlock()
	if key == nil {
		return sealed, nil
	}

	var env sealedSnapshot
	if err := json.Unmarshal(sealed, &env); err != nil {
		return nil, fmt.Errorf("pqc: open: unmarshal envelope: %w", err)
	}
	if env.KeyID != key.ID {
		return nil, fmt.Errorf("pqc: open: envelope sealed with key %q, have %q", env.KeyID, key.ID)
	}

	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return nil, fmt.Errorf("pqc: open: decode signature: %w", err)
	}
	unsigned := env
	unsigned.Signature = ""
	signable, err := json.Marshal(unsigned)
	if err != nil {
		return nil, fmt.Errorf("pqc: open: marshal for verify: %w", err)
	}
	if !key.Verify(signable, sig) {
		return nil, fmt.Errorf("pqc: open: signature verification failed")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("pqc: open: decode ciphertext: %w", err)
	}
	plaintext, err := key.Decrypt(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("pqc: open: decrypt: %w", err)
	}
	return plaintext, nil
}
