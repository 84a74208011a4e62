package pqc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/kyber/kyber768"
)

// KyberKeyPair is the encryption half of a SnapshotKeyPair: Kyber-768 keys
// used to wrap the AES-256-GCM key a storage adapter seals a snapshot
// blob with.
type KyberKeyPair struct {
	PublicKey  kem.PublicKey
	PrivateKey kem.PrivateKey
	Scheme     kem.Scheme
}

// GenerateKyberKeyPair generates a fresh Kyber-768 key pair.
func GenerateKyberKeyPair() (*KyberKeyPair, error) {
	scheme := kyber768.Scheme()
	publicKey, privateKey, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("pqc: generate kyber key pair: %w", err)
	}

	return &KyberKeyPair{
		PublicKey:  publicKey,
		PrivateKey: privateKey,
		Scheme:     scheme,
	}, nil
}

// KyberEncrypt seals plaintext (a serialized CRDT snapshot, in this
// package's one caller) under a Kyber-768 public key: the KEM shared
// secret becomes an AES-256-GCM key, and the Kyber ciphertext is
// prepended so the matching private key can recover it.
func KyberEncrypt(publicKey kem.PublicKey, plaintext []byte) ([]byte, error) {
	scheme := kyber768.Scheme()

	kemCiphertext, sharedSecret, err := scheme.Encapsulate(publicKey)
	if err != nil {
		return nil, fmt.Errorf("pqc: kyber encapsulate: %w", err)
	}

	sealed, err := aesSeal(sharedSecret, plaintext)
	if err != nil {
		return nil, fmt.Errorf("pqc: seal snapshot: %w", err)
	}

	out := make([]byte, scheme.CiphertextSize()+len(sealed))
	copy(out[:scheme.CiphertextSize()], kemCiphertext)
	copy(out[scheme.CiphertextSize():], sealed)
	return out, nil
}

// KyberDecrypt reverses KyberEncrypt, recovering the snapshot plaintext a
// storage adapter previously sealed.
func KyberDecrypt(privateKey kem.PrivateKey, ciphertext []byte) ([]byte, error) {
	scheme := kyber768.Scheme()

	if len(ciphertext) < scheme.CiphertextSize() {
		return nil, fmt.Errorf("pqc: sealed snapshot shorter than kyber ciphertext")
	}

	kemCiphertext := ciphertext[:scheme.CiphertextSize()]
	sealed := ciphertext[scheme.CiphertextSize():]

	sharedSecret, err := scheme.Decapsulate(privateKey, kemCiphertext)
	if err != nil {
		return nil, fmt.Errorf("pqc: kyber decapsulate: %w", err)
	}

	plaintext, err := aesOpen(sharedSecret, sealed)
	if err != nil {
		return nil, fmt.Errorf("pqc: open sealed snapshot: %w", err)
	}
	return plaintext, nil
}

// MarshalPublicKey serializes kp's public key for storage in a
// SnapshotKeyPair record.
func (kp *KyberKeyPair) MarshalPublicKey() ([]byte, error) {
	return kp.PublicKey.MarshalBinary()
}

// MarshalPrivateKey serializes kp's private key. Callers must only persist
// this where the storage adapter itself controls access.
func (kp *KyberKeyPair) MarshalPrivateKey() ([]byte, error) {
	return kp.PrivateKey.MarshalBinary()
}

// UnmarshalKyberPublicKey restores a public key previously produced by
// MarshalPublicKey.
func UnmarshalKyberPublicKey(data []byte) (kem.PublicKey, error) {
	scheme := kyber768.Scheme()
	pub, err := scheme.UnmarshalBinaryPublicKey(data)
	if err != nil {
		return nil, fmt.Errorf("pqc: unmarshal kyber public key: %w", err)
	}
	return pub, nil
}

// UnmarshalKyberPrivateKey restores a private key previously produced by
// MarshalPrivateKey.
func UnmarshalKyberPrivateKey(data []byte) (kem.PrivateKey, error) {
	scheme := kyber768.Scheme()
	priv, err := scheme.UnmarshalBinaryPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("pqc: unmarshal kyber private key: %w", err)
	}
	return priv, nil
}

// kyberSharedSecretToAESKey derives a 32-byte AES-256 key from a Kyber
// shared secret, which is not guaranteed to already be 32 bytes.
func kyberSharedSecretToAESKey(sharedSecret []byte) []byte {
	if len(sharedSecret) == 32 {
		return sharedSecret
	}
	key := sha256.Sum256(sharedSecret)
	return key[:]
}

// aesSeal encrypts a snapshot blob with AES-256-GCM under a key derived
// from a Kyber shared secret.
func aesSeal(sharedSecret, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(kyberSharedSecretToAESKey(sharedSecret))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// aesOpen reverses aesSeal.
func aesOpen(sharedSecret, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(kyberSharedSecretToAESKey(sharedSecret))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("pqc: sealed snapshot shorter than AES-GCM nonce")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
