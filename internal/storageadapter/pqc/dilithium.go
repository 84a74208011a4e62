package pqc

import (
	"fmt"

	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/dilithium/mode3"
)

// DilithiumKeyPair is the signing half of a SnapshotKeyPair: Dilithium-3
// keys used to authenticate an encrypted snapshot blob before it is
// persisted by a storage adapter.
type DilithiumKeyPair struct {
	PublicKey  sign.PublicKey
	PrivateKey sign.PrivateKey
	Scheme     sign.Scheme
}

// GenerateDilithiumKeyPair generates a fresh Dilithium-3 key pair.
func GenerateDilithiumKeyPair() (*DilithiumKeyPair, error) {
	scheme := mode3.Scheme()
	publicKey, privateKey, err := scheme.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("pqc: generate dilithium key pair: %w", err)
	}

	return &DilithiumKeyPair{
		PublicKey:  publicKey,
		PrivateKey: privateKey,
		Scheme:     scheme,
	}, nil
}

// DilithiumSign signs a snapshot blob's digest with a Dilithium-3 private
// key. The signature authenticates the exact ciphertext a storage adapter
// is about to write; it carries no domain separation beyond that.
func DilithiumSign(privateKey sign.PrivateKey, message []byte) ([]byte, error) {
	scheme := mode3.Scheme()
	return scheme.Sign(privateKey, message, nil), nil
}

// DilithiumVerify checks a signature produced by DilithiumSign before a
// storage adapter accepts a sealed snapshot it did not write itself.
func DilithiumVerify(publicKey sign.PublicKey, message []byte, signature []byte) bool {
	scheme := mode3.Scheme()
	return scheme.Verify(publicKey, message, signature, nil)
}

// MarshalPublicKey serializes kp's public key for storage in a
// SnapshotKeyPair record.
func (kp *DilithiumKeyPair) MarshalPublicKey() ([]byte, error) {
	return kp.PublicKey.MarshalBinary()
}

// MarshalPrivateKey serializes kp's private key. Callers must only persist
// this where the storage adapter itself controls access.
func (kp *DilithiumKeyPair) MarshalPrivateKey() ([]byte, error) {
	return kp.PrivateKey.MarshalBinary()
}

// UnmarshalDilithiumPublicKey restores a public key previously produced by
// MarshalPublicKey.
func UnmarshalDilithiumPublicKey(data []byte) (sign.PublicKey, error) {
	scheme := mode3.Scheme()
	pub, err := scheme.UnmarshalBinaryPublicKey(data)
	if err != nil {
		return nil, fmt.Errorf("pqc: unmarshal dilithium public key: %w", err)
	}
	return pub, nil
}

// UnmarshalDilithiumPrivateKey restores a private key previously produced
// by MarshalPrivateKey.
func UnmarshalDilithiumPrivateKey(data []byte) (sign.PrivateKey, error) {
	scheme := mode3.Scheme()
	priv, err := scheme.UnmarshalBinaryPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("pqc: unmarshal dilithium private key: %w", err)
	}
	return priv, nil
}
