package identity

import "testing"

func TestSignVerifyRoundTrip(t *testing.T) {
	s := NewSigner("shared-secret")
	id := RepoIdentity{PeerID: "1", Name: "alice", Type: KindUser}

	token, err := s.Sign(id)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if token == "" {
		t.Fatalf("expected non-empty assertion")
	}
	if err := s.Verify(id, token); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyRejectsMismatchedIdentity(t *testing.T) {
	s := NewSigner("shared-secret")
	id := RepoIdentity{PeerID: "1", Name: "alice", Type: KindUser}
	token, _ := s.Sign(id)

	spoofed := RepoIdentity{PeerID: "2", Name: "eve", Type: KindUser}
	if err := s.Verify(spoofed, token); err == nil {
		t.Fatalf("expected verification failure for mismatched identity")
	}
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	id := RepoIdentity{PeerID: "1", Name: "alice", Type: KindUser}
	token, _ := NewSigner("secret-a").Sign(id)

	if err := NewSigner("secret-b").Verify(id, token); err == nil {
		t.Fatalf("expected verification failure for wrong secret")
	}
}

func TestDisabledSignerIsNoOp(t *testing.T) {
	var s *Signer
	id := RepoIdentity{PeerID: "1", Name: "alice", Type: KindUser}

	token, err := s.Sign(id)
	if err != nil || token != "" {
		t.Fatalf("expected empty assertion from disabled signer, got %q err=%v", token, err)
	}
	if err := s.Verify(id, ""); err != nil {
		t.Fatalf("expected disabled signer to accept empty assertion: %v", err)
	}
}
