// Package peerid stands in for the DHT's external PeerID/public-key
// cryptography collaborator (spec.md §1). It derives peer identities from
// Ed25519 public keys, signing and verifying through the teacher's
// pkg/crypto/classical package rather than calling crypto/ed25519 directly.
package peerid

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/shadowmesh/kaddht/pkg/crypto/classical"
)

// ErrKeyGenerationFailed is returned when the underlying RNG fails.
var ErrKeyGenerationFailed = errors.New("peerid: keypair generation failed")

// ID is an opaque peer identity: the raw bytes a KadKey is derived from.
// When derived from a keypair (FromPublicKey) it is the raw Ed25519 public
// key itself, not a hash of it.
type ID string

// Bytes returns the identity's canonical byte encoding.
func (id ID) Bytes() []byte {
	return []byte(id)
}

// String renders the identity as hex for logs.
func (id ID) String() string {
	return hex.EncodeToString(id.Bytes())
}

// Keypair is an Ed25519 keypair whose public key deterministically derives
// an ID. The field types stay crypto/ed25519's (rather than classical's
// []byte-based Ed25519Keypair) because x509.CreateCertificate, used to
// mint this node's TLS identity, requires a crypto.Signer private key.
type Keypair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// Generate creates a new Ed25519 keypair via classical.GenerateEd25519Keypair.
func Generate() (*Keypair, error) {
	kp, err := classical.GenerateEd25519Keypair()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}
	return &Keypair{PublicKey: ed25519.PublicKey(kp.PublicKey), PrivateKey: ed25519.PrivateKey(kp.PrivateKey)}, nil
}

// ID returns the peer identity derived from the keypair's public key.
func (kp *Keypair) ID() ID {
	return FromPublicKey(kp.PublicKey)
}

// Sign signs message with the keypair's private key.
func (kp *Keypair) Sign(message []byte) []byte {
	sig, err := classical.Ed25519Sign(message, kp.PrivateKey)
	if err != nil {
		// kp.PrivateKey is always classical.Ed25519PrivateKeySize bytes,
		// produced by Generate or loaded from a same-sized identity file,
		// so Ed25519Sign's only failure mode (wrong key length) cannot occur.
		panic(err)
	}
	return sig
}

// FromPublicKey derives the PeerID that corresponds to an Ed25519 public key.
// Mirrors libp2p's convention of embedding the raw public key in the peer
// identity for small (Ed25519-sized) keys rather than hashing it, so the
// IPNS validator can recover the key straight back out of the ID.
func FromPublicKey(pub ed25519.PublicKey) ID {
	return ID(pub)
}

// PublicKey recovers the Ed25519 public key embedded in id, failing if id
// is not a validly sized Ed25519-derived identity.
func PublicKey(id ID) (ed25519.PublicKey, error) {
	b := id.Bytes()
	if len(b) != classical.Ed25519PublicKeySize {
		return nil, fmt.Errorf("peerid: identity is not an Ed25519-derived PeerID (got %d bytes, want %d)", len(b), classical.Ed25519PublicKeySize)
	}
	return ed25519.PublicKey(b), nil
}

// Verify checks sig over message against the public key embedded in id.
func Verify(id ID, message, sig []byte) bool {
	pub, err := PublicKey(id)
	if err != nil {
		return false
	}
	return classical.Ed25519Verify(message, sig, pub)
}
