package pqc_test

import (
	"bytes"
	"testing"

	"github.com/schoolai/loro-extended-core/internal/storageadapter/pqc"
)

func TestKyberEncryptDecryptRoundTrip(t *testing.T) {
	kp, err := pqc.GenerateKyberKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	plaintext := []byte("snapshot bytes")

	ciphertext, err := pqc.KyberEncrypt(kp.PublicKey, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	decrypted, err := pqc.KyberDecrypt(kp.PrivateKey, ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(plaintext, decrypted) {
		t.Fatalf("round trip mismatch: got %q want %q", decrypted, plaintext)
	}
}

func TestDilithiumSignVerifyRoundTrip(t *testing.T) {
	kp, err := pqc.GenerateDilithiumKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	msg := []byte("envelope bytes")

	sig, err := pqc.DilithiumSign(kp.PrivateKey, msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !pqc.DilithiumVerify(kp.PublicKey, msg, sig) {
		t.Fatalf("expected signature to verify")
	}
	if pqc.DilithiumVerify(kp.PublicKey, []byte("tampered"), sig) {
		t.Fatalf("expected signature to fail over tampered message")
	}
}

func TestSnapshotKeyPairMarshalRoundTrip(t *testing.T) {
	kp, err := pqc.GenerateSnapshotKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	data, err := kp.MarshalWithPrivateKey()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	loaded, err := pqc.LoadSnapshotKeyPair(data)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	plaintext := []byte("round trip via loaded key")
	ciphertext, err := kp.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	decrypted, err := loaded.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypt with loaded key: %v", err)
	}
	if !bytes.Equal(plaintext, decrypted) {
		t.Fatalf("mismatch after reload: got %q want %q", decrypted, plaintext)
	}
}

func TestSnapshotKeyPairMarshalOmitsPrivateKeys(t *testing.T) {
	kp, err := pqc.GenerateSnapshotKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	data, err := kp.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if bytes.Contains(data, kp.KyberPrivateKeyBytes) {
		t.Fatalf("expected public Marshal to omit private key bytes")
	}
}

func TestSealerRoundTrip(t *testing.T) {
	kp, err := pqc.GenerateSnapshotKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	s := pqc.NewSealer(kp)

	plaintext := []byte("a crdt export blob")
	sealed, err := s.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Equal(sealed, plaintext) {
		t.Fatalf("expected sealed output to differ from plaintext")
	}

	opened, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", opened, plaintext)
	}
}

func TestSealerWithoutKeyIsPassthrough(t *testing.T) {
	s := pqc.NewSealer(nil)
	plaintext := []byte("unencrypted")

	sealed, err := s.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !bytes.Equal(sealed, plaintext) {
		t.Fatalf("expected passthrough when disabled")
	}
	if s.Enabled() {
		t.Fatalf("expected Enabled() false with no key")
	}
}

func TestSealerRejectsWrongKey(t *testing.T) {
	kp1, _ := pqc.GenerateSnapshotKeyPair()
	kp2, _ := pqc.GenerateSnapshotKeyPair()

	s1 := pqc.NewSealer(kp1)
	sealed, err := s1.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	s2 := pqc.NewSealer(kp2)
	if _, err := s2.Open(sealed); err == nil {
		t.Fatalf("expected open with the wrong key to fail")
	}
}
