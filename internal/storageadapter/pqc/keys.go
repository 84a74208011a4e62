// Package pqc provides optional post-quantum encryption-at-rest for the
// storage adapter's persisted CRDT snapshots: Kyber-768 for key
// encapsulation, Dilithium mode3 for integrity signatures over the
// encrypted blob. Adapted from the teacher's internal/crypto/pqc, whose
// per-field document encryption this package narrows to whole-snapshot
// encryption, since a CRDT export is already one opaque blob rather than
// a structured document with named sensitive fields.
package pqc

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/sign"
)

// SnapshotKeyPair bundles the Kyber encryption keys and Dilithium signing
// keys used to protect one storage adapter's persisted snapshots.
type SnapshotKeyPair struct {
	ID        string    `json:"id"`
	Algorithm string    `json:"algorithm"`
	CreatedAt time.Time `json:"created_at"`

	KyberPublicKey  kem.PublicKey  `json:"-"`
	KyberPrivateKey kem.PrivateKey `json:"-"`

	DilithiumPublicKey  sign.PublicKey  `json:"-"`
	DilithiumPrivateKey sign.PrivateKey `json:"-"`

	KyberPublicKeyBytes      []byte `json:"kyber_public_key"`
	KyberPrivateKeyBytes     []byte `json:"kyber_private_key,omitempty"`
	DilithiumPublicKeyBytes  []byte `json:"dilithium_public_key"`
	DilithiumPrivateKeyBytes []byte `json:"dilithium_private_key,omitempty"`
}

// GenerateSnapshotKeyPair generates a fresh Kyber+Dilithium key pair for a
// storage adapter's own snapshot encryption.
func GenerateSnapshotKeyPair() (*SnapshotKeyPair, error) {
	kyberPair, err := GenerateKyberKeyPair()
	if err != nil {
		return nil, fmt.Errorf("pqc: generate kyber keys: %w", err)
	}
	dilithiumPair, err := GenerateDilithiumKeyPair()
	if err != nil {
		return nil, fmt.Errorf("pqc: generate dilithium keys: %w", err)
	}

	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, fmt.Errorf("pqc: generate key id: %w", err)
	}

	kyberPubBytes, err := kyberPair.MarshalPublicKey()
	if err != nil {
		return nil, fmt.Errorf("pqc: marshal kyber public key: %w", err)
	}
	kyberPrivBytes, err := kyberPair.MarshalPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("pqc: marshal kyber private key: %w", err)
	}
	dilithiumPubBytes, err := dilithiumPair.MarshalPublicKey()
	if err != nil {
		return nil, fmt.Errorf("pqc: marshal dilithium public key: %w", err)
	}
	dilithiumPrivBytes, err := dilithiumPair.MarshalPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("pqc: marshal dilithium private key: %w", err)
	}

	return &SnapshotKeyPair{
		ID:                       fmt.Sprintf("%x", idBytes),
		Algorithm:                "Kyber-768+Dilithium-3",
		CreatedAt:                time.Now(),
		KyberPublicKey:           kyberPair.PublicKey,
		KyberPrivateKey:          kyberPair.PrivateKey,
		DilithiumPublicKey:       dilithiumPair.PublicKey,
		DilithiumPrivateKey:      dilithiumPair.PrivateKey,
		KyberPublicKeyBytes:      kyberPubBytes,
		KyberPrivateKeyBytes:     kyberPrivBytes,
		DilithiumPublicKeyBytes:  dilithiumPubBytes,
		DilithiumPrivateKeyBytes: dilithiumPrivBytes,
	}, nil
}

// LoadSnapshotKeyPair restores a key pair previously written by Marshal or
// MarshalWithPrivateKey.
func LoadSnapshotKeyPair(data []byte) (*SnapshotKeyPair, error) {
	var kp SnapshotKeyPair
	if err := json.Unmarshal(data, &kp); err != nil {
		return nil, fmt.Errorf("pqc: unmarshal key pair: %w", err)
	}

	if len(kp.KyberPublicKeyBytes) > 0 {
		pub, err := UnmarshalKyberPublicKey(kp.KyberPublicKeyBytes)
		if err != nil {
			return nil, fmt.Errorf("pqc: unmarshal kyber public key: %w", err)
		}
		kp.KyberPublicKey = pub
	}
	if len(kp.KyberPrivateKeyBytes) > 0 {
		priv, err := UnmarshalKyberPrivateKey(kp.KyberPrivateKeyBytes)
		if err != nil {
			return nil, fmt.Errorf("pqc: unmarshal kyber private key: %w", err)
		}
		kp.KyberPrivateKey = priv
	}
	if len(kp.DilithiumPublicKeyBytes) > 0 {
		pub, err := UnmarshalDilithiumPublicKey(kp.DilithiumPublicKeyBytes)
		if err != nil {
			return nil, fmt.Errorf("pqc: unmarshal dilithium public key: %w", err)
		}
		kp.DilithiumPublicKey = pub
	}
	if len(kp.DilithiumPrivateKeyBytes) > 0 {
		priv, err := UnmarshalDilithiumPrivateKey(kp.DilithiumPrivateKeyBytes)
		if err != nil {
			return nil, fmt.Errorf("pqc: unmarshal dilithium private key: %w", err)
		}
		kp.DilithiumPrivateKey = priv
	}
	return &kp, nil
}

// Marshal serializes the key pair without private key material, suitable
// for sharing the public half.
func (kp *SnapshotKeyPair) Marshal() ([]byte, error) {
	public := *kp
	public.KyberPrivateKeyBytes = nil
	public.DilithiumPrivateKeyBytes = nil
	return json.Marshal(public)
}

// MarshalWithPrivateKey serializes the full key pair, including private
// key material. Callers must only persist this to storage the adapter
// itself controls.
func (kp *SnapshotKeyPair) MarshalWithPrivateKey() ([]byte, error) {
	return json.Marshal(kp)
}

// Encrypt encrypts plaintext under this pair's Kyber public key.
func (kp *SnapshotKeyPair) Encrypt(plaintext []byte) ([]byte, error) {
	if kp.KyberPublicKey == nil {
		return nil, fmt.Errorf("pqc: no kyber public key available")
	}
	return KyberEncrypt(kp.KyberPublicKey, plaintext)
}

// Decrypt decrypts ciphertext previously produced by Encrypt.
func (kp *SnapshotKeyPair) Decrypt(ciphertext []byte) ([]byte, error) {
	if kp.KyberPrivateKey == nil {
		return nil, fmt.Errorf("pqc: no kyber private key available")
	}
	return KyberDecrypt(kp.KyberPrivateKey, ciphertext)
}

// Sign signs message with this pair's Dilithium private key.
func (kp *SnapshotKeyPair) Sign(message []byte) ([]byte, error) {
	if kp.DilithiumPrivateKey == nil {
		return nil, fmt.Errorf("pqc: no dilithium private key available")
	}
	return DilithiumSign(kp.DilithiumPrivateKey, message)
}

// Verify checks a signature produced by Sign.
func (kp *SnapshotKeyPair) Verify(message, signature []byte) bool {
	if kp.DilithiumPublicKey == nil {
		return false
	}
	return DilithiumVerify(kp.DilithiumPublicKey, message, signature)
}
