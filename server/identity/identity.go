// Package identity implements the cell's identity and crypto provider:
// it owns the private key material and exposes sign/verify and sealed
// asymmetric encryption so no other package handles raw keys.
package identity

import (
	t "github.com/cellmesh/cell/server/cell/types"
)

// Provider is the contract consumed by the protocol engine.
type Provider interface {
	// ID returns the stable cell identifier.
	ID() string
	// PublicKey returns the cell's composite public key (signing + box).
	PublicKey() string
	// Sign signs a message with the cell's private signing key.
	Sign(msg []byte) ([]byte, error)
	// Verify checks a signature against a composite public key.
	Verify(msg, sig []byte, publicKey string) bool
	// SealFor encrypts plaintext for a recipient and signs the result.
	SealFor(recipientPublicKey string, plaintext []byte) (*t.SealedBlob, error)
	// OpenFrom verifies and decrypts a sealed blob from the claimed
	// sender. Returns types.ErrDecryption when the blob is not
	// addressed to this cell and types.ErrIntegrity when the
	// signature does not match the ciphertext.
	OpenFrom(senderPublicKey string, blob *t.SealedBlob) ([]byte, error)
	// Ready is closed once key material is available.
	Ready() <-chan struct{}
}

// Rotator is implemented by providers that support encryption-key
// rotation. The previous key generation stays usable for opening
// backlog envelopes.
type Rotator interface {
	// Rotate replaces the box key pair and returns hex hashes of the
	// old and new composite public keys.
	Rotate(reason string) (oldKeyHash, newKeyHash string, err error)
}
