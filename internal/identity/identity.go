// Package identity defines the RepoIdentity value every channel carries
// once established, and a lightweight JWT-backed assertion peers exchange
// during handshake so a claimed identity can be verified before the Rules
// Evaluator is asked to trust it.
package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Kind is the declared role of a repo identity.
type Kind string

const (
	KindUser    Kind = "user"
	KindService Kind = "service"
)

// RepoIdentity identifies a process for the lifetime of its run.
type RepoIdentity struct {
	PeerID string `json:"peer_id"`
	Name   string `json:"name"`
	Type   Kind   `json:"type"`
}

// assertionClaims embeds a RepoIdentity inside a signed JWT so the
// receiving side of a handshake can detect a spoofed peer_id before the
// channel is promoted to Established.
type assertionClaims struct {
	PeerID string `json:"peer_id"`
	Name   string `json:"name"`
	Type   Kind   `json:"type"`
	jwt.RegisteredClaims
}

// Signer signs and verifies handshake identity assertions with a shared
// secret. A nil *Signer (zero secret) disables assertions: Sign returns an
// empty string and Verify always succeeds, so deployments that don't need
// anti-spoofing checks pay no cost.
type Signer struct {
	secret []byte
	ttl    time.Duration
}

// NewSigner builds a Signer from a shared secret. An empty secret disables
// signing/verification.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret), ttl: 30 * time.Second}
}

// Sign produces a short-lived assertion binding id to the current instant.
func (s *Signer) Sign(id RepoIdentity) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", nil
	}
	claims := assertionClaims{
		PeerID: id.PeerID,
		Name:   id.Name,
		Type:   id.Type,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify checks that assertion was signed by this Signer's secret and
// matches the claimed identity. An empty assertion is accepted iff
// signing is disabled (no secret configured).
func (s *Signer) Verify(id RepoIdentity, assertion string) error {
	if s == nil || len(s.secret) == 0 {
		return nil
	}
	if assertion == "" {
		return fmt.Errorf("identity: missing assertion for %s", id.PeerID)
	}

	token, err := jwt.ParseWithClaims(assertion, &assertionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("identity: unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return fmt.Errorf("identity: invalid assertion: %w", err)
	}
	claims, ok := token.Claims.(*assertionClaims)
	if !ok || !token.Valid {
		return fmt.Errorf("identity: invalid assertion claims")
	}
	if claims.PeerID != id.PeerID || claims.Name != id.Name || claims.Type != id.Type {
		return fmt.Errorf("identity: assertion does not match claimed identity %s", id.PeerID)
	}
	return nil
}
