package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"

	t "github.com/cellmesh/cell/server/cell/types"
)

// Composite public key: 32 bytes ed25519 signing key followed by
// 32 bytes curve25519 box key, base64 url-encoded without padding.
const compositeKeyLen = ed25519.PublicKeySize + 32

var b64 = base64.URLEncoding.WithPadding(base64.NoPadding)

// Keyring is the file-backed Provider implementation.
type Keyring struct {
	lock sync.Mutex

	name    string
	created time.Time

	signPub  ed25519.PublicKey
	signPriv ed25519.PrivateKey

	boxPub  *[32]byte
	boxPriv *[32]byte
	// Previous generation kept after a rotation for backlog envelopes.
	prevBoxPriv *[32]byte

	id    string
	ready chan struct{}
}

// keyfile is the stored representation of a Keyring.
type keyfile struct {
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
	SigningPriv []byte    `json:"signing_priv"`
	BoxPriv     []byte    `json:"box_priv"`
	PrevBoxPriv []byte    `json:"prev_box_priv,omitempty"`
}

// Generate creates a fresh keyring for a named cell.
func Generate(name string) (*Keyring, error) {
	if name == "" {
		return nil, errors.New("identity: empty cell name")
	}

	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: signing key generation: %w", err)
	}
	boxPub, boxPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: box key generation: %w", err)
	}

	kr := &Keyring{
		name:     name,
		created:  time.Now().UTC().Truncate(time.Second),
		signPub:  signPub,
		signPriv: signPriv,
		boxPub:   boxPub,
		boxPriv:  boxPriv,
		ready:    make(chan struct{}),
	}
	kr.id = deriveID(kr.name, kr.created, kr.signPub)
	close(kr.ready)
	return kr, nil
}

// Load reads a keyring from its keyfile.
func Load(path string) (*Keyring, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: keyfile read: %w", err)
	}

	var kf keyfile
	if err = json.Unmarshal(raw, &kf); err != nil {
		return nil, fmt.Errorf("identity: keyfile parse: %w", err)
	}
	if len(kf.SigningPriv) != ed25519.PrivateKeySize || len(kf.BoxPriv) != 32 {
		return nil, errors.New("identity: keyfile has malformed key material")
	}

	kr := &Keyring{
		name:     kf.Name,
		created:  kf.CreatedAt,
		signPriv: ed25519.PrivateKey(kf.SigningPriv),
		boxPriv:  new([32]byte),
		ready:    make(chan struct{}),
	}
	kr.signPub = kr.signPriv.Public().(ed25519.PublicKey)
	copy(kr.boxPriv[:], kf.BoxPriv)
	kr.boxPub = boxPublic(kr.boxPriv)
	if len(kf.PrevBoxPriv) == 32 {
		kr.prevBoxPriv = new([32]byte)
		copy(kr.prevBoxPriv[:], kf.PrevBoxPriv)
	}
	kr.id = deriveID(kr.name, kr.created, kr.signPub)
	close(kr.ready)
	return kr, nil
}

// Save writes the keyring to a keyfile readable only by the owner.
func (kr *Keyring) Save(path string) error {
	kr.lock.Lock()
	kf := keyfile{
		Name:        kr.name,
		CreatedAt:   kr.created,
		SigningPriv: []byte(kr.signPriv),
		BoxPriv:     kr.boxPriv[:],
	}
	if kr.prevBoxPriv != nil {
		kf.PrevBoxPriv = kr.prevBoxPriv[:]
	}
	kr.lock.Unlock()

	raw, err := json.MarshalIndent(&kf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0600)
}

// Name returns the cell name the keyring was generated for.
func (kr *Keyring) Name() string {
	return kr.name
}

func (kr *Keyring) ID() string {
	return kr.id
}

func (kr *Keyring) PublicKey() string {
	kr.lock.Lock()
	defer kr.lock.Unlock()
	return compositeKey(kr.signPub, kr.boxPub)
}

func (kr *Keyring) Ready() <-chan struct{} {
	return kr.ready
}

func (kr *Keyring) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(kr.signPriv, msg), nil
}

func (kr *Keyring) Verify(msg, sig []byte, publicKey string) bool {
	return VerifySignature(msg, sig, publicKey)
}

// VerifySignature checks a detached signature against the signing half
// of a composite public key. Needs no private key material, so third
// parties use it to check receipts.
func VerifySignature(msg, sig []byte, publicKey string) bool {
	signPub, _, err := splitCompositeKey(publicKey)
	if err != nil {
		return false
	}
	return ed25519.Verify(signPub, msg, sig)
}

func (kr *Keyring) SealFor(recipientPublicKey string, plaintext []byte) (*t.SealedBlob, error) {
	_, recipientBox, err := splitCompositeKey(recipientPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: recipient key: %s", t.ErrValidation, err)
	}

	var nonce [24]byte
	if _, err = io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("identity: nonce: %w", err)
	}

	kr.lock.Lock()
	boxPriv := kr.boxPriv
	kr.lock.Unlock()

	ct := box.Seal(nil, plaintext, &nonce, recipientBox, boxPriv)
	sig := ed25519.Sign(kr.signPriv, signedPortion(nonce[:], ct))

	return &t.SealedBlob{Ciphertext: ct, Nonce: nonce[:], Signature: sig}, nil
}

func (kr *Keyring) OpenFrom(senderPublicKey string, blob *t.SealedBlob) ([]byte, error) {
	if blob == nil || len(blob.Nonce) != 24 {
		return nil, t.ErrValidation
	}
	senderSign, senderBox, err := splitCompositeKey(senderPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: sender key: %s", t.ErrValidation, err)
	}

	// Signature first: a mismatch means tampering regardless of the
	// addressee, and must never read as "not for me".
	if !ed25519.Verify(senderSign, signedPortion(blob.Nonce, blob.Ciphertext), blob.Signature) {
		return nil, t.ErrIntegrity
	}

	var nonce [24]byte
	copy(nonce[:], blob.Nonce)

	kr.lock.Lock()
	keys := []*[32]byte{kr.boxPriv}
	if kr.prevBoxPriv != nil {
		keys = append(keys, kr.prevBoxPriv)
	}
	kr.lock.Unlock()

	for _, priv := range keys {
		if plaintext, ok := box.Open(nil, blob.Ciphertext, &nonce, senderBox, priv); ok {
			return plaintext, nil
		}
	}
	return nil, t.ErrDecryption
}

// Rotate replaces the box key pair, keeping one previous generation so
// envelopes sealed against the old key stay readable.
func (kr *Keyring) Rotate(reason string) (string, string, error) {
	if reason == "" {
		return "", "", fmt.Errorf("%w: rotation reason required", t.ErrValidation)
	}

	newPub, newPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("identity: box key generation: %w", err)
	}

	kr.lock.Lock()
	oldHash := t.HashString(compositeKey(kr.signPub, kr.boxPub))
	kr.prevBoxPriv = kr.boxPriv
	kr.boxPriv = newPriv
	kr.boxPub = newPub
	newHash := t.HashString(compositeKey(kr.signPub, kr.boxPub))
	kr.lock.Unlock()

	return oldHash, newHash, nil
}

// ValidatePublicKey checks that a string is a well-formed composite
// public key without performing any crypto.
func ValidatePublicKey(key string) error {
	if _, _, err := splitCompositeKey(key); err != nil {
		return fmt.Errorf("%w: public key %s", t.ErrValidation, err)
	}
	return nil
}

func deriveID(name string, created time.Time, signPub ed25519.PublicKey) string {
	material := name + "\n" + created.UTC().Format(time.RFC3339) + "\n" + b64.EncodeToString(signPub)
	return t.HashString(material)[:32]
}

func compositeKey(signPub ed25519.PublicKey, boxPub *[32]byte) string {
	buf := make([]byte, 0, compositeKeyLen)
	buf = append(buf, signPub...)
	buf = append(buf, boxPub[:]...)
	return b64.EncodeToString(buf)
}

func splitCompositeKey(key string) (ed25519.PublicKey, *[32]byte, error) {
	raw, err := b64.DecodeString(key)
	if err != nil {
		return nil, nil, errors.New("not base64")
	}
	if len(raw) != compositeKeyLen {
		return nil, nil, errors.New("wrong length")
	}
	signPub := ed25519.PublicKey(raw[:ed25519.PublicKeySize])
	boxPub := new([32]byte)
	copy(boxPub[:], raw[ed25519.PublicKeySize:])
	return signPub, boxPub, nil
}

func signedPortion(nonce, ct []byte) []byte {
	buf := make([]byte, 0, len(nonce)+len(ct))
	buf = append(buf, nonce...)
	buf = append(buf, ct...)
	return buf
}

func boxPublic(priv *[32]byte) *[32]byte {
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, priv)
	return &pub
}
