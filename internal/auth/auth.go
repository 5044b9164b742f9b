// Package auth implements the symmetric-secret peer handshake that gates
// gossip acceptance. Authenticity is all it provides: confidentiality is
// assumed from the underlying transport.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/clusterdns/clusterd/internal/registry"
)

// Timeout bounds how long a handshake may take before the peer is
// rejected.
const Timeout = 5 * time.Second

// NewNonce mints a fresh 32-byte random nonce for a handshake.
func NewNonce() ([32]byte, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, fmt.Errorf("generating nonce: %w", err)
	}
	return nonce, nil
}

// Respond computes the responder's MAC over nonce‖responderID‖topicID,
// proving possession of secret without revealing it. Folding topicID into
// every MAC is what keeps two clusters that share a secret but configure
// different gossip topics from authenticating into one mesh: a peer on
// the wrong topic fails verification exactly like a peer with the wrong
// secret.
func Respond(secret []byte, nonce [32]byte, responderID registry.PeerID, topicID [32]byte) [32]byte {
	return mac(secret, nonce[:], responderID[:], topicID[:])
}

// Verify checks a responder's MAC against the expected value in
// constant time.
func Verify(secret []byte, nonce [32]byte, responderID registry.PeerID, topicID [32]byte, got [32]byte) bool {
	want := Respond(secret, nonce, responderID, topicID)
	return hmac.Equal(want[:], got[:])
}

// Ack computes the initiator's closing MAC over
// nonce‖initiatorID‖topicID‖"ack", completing the mutual handshake.
func Ack(secret []byte, nonce [32]byte, initiatorID registry.PeerID, topicID [32]byte) [32]byte {
	return mac(secret, nonce[:], initiatorID[:], topicID[:], []byte("ack"))
}

// VerifyAck checks an initiator's closing MAC in constant time.
func VerifyAck(secret []byte, nonce [32]byte, initiatorID registry.PeerID, topicID [32]byte, got [32]byte) bool {
	want := Ack(secret, nonce, initiatorID, topicID)
	return hmac.Equal(want[:], got[:])
}

func mac(secret []byte, parts ...[]byte) [32]byte {
	h := hmac.New(sha256.New, secret)
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// State is a peer's position in the authentication state machine.
type State int

const (
	Discovered State = iota
	Authenticating
	Ready
	Rejected
	Gone
)

func (s State) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case Authenticating:
		return "authenticating"
	case Ready:
		return "ready"
	case Rejected:
		return "rejected"
	case Gone:
		return "gone"
	default:
		return "unknown"
	}
}

// Session tracks one peer's handshake progress: the nonce this node
// issued (as initiator) or must respond to (as responder), and the
// deadline by which the handshake must complete.
type Session struct {
	State    State
	Nonce    [32]byte
	Deadline time.Time
	// Initiator is true if this node sent the challenge. The gossip
	// adapter challenges every peer it discovers, so both sides of a pair
	// initiate their own session. The initiator expects a response then
	// sends an ack; the responder expects a challenge then sends a response.
	Initiator bool
}

// NewSession starts a handshake in the Discovered state.
func NewSession() *Session {
	return &Session{State: Discovered, Deadline: time.Now().Add(Timeout)}
}

// Expired reports whether the handshake has run past its deadline
// without reaching Ready or Rejected.
func (s *Session) Expired(now time.Time) bool {
	return (s.State == Discovered || s.State == Authenticating) && now.After(s.Deadline)
}
