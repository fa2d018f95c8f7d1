// Package identity holds the long-term identity of this device, its signed prekey and its pool of
// one-time prekeys.
package identity

import (
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/kevinburke/nacl/box"
	"github.com/meow-io/go-hush/protocol/x3dh"
)

type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

func NewKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: error generating key: %w", err)
	}
	return &KeyPair{Private: *priv, Public: *pub}, nil
}

type Identity struct {
	Agreement      KeyPair
	SigningPrivate ed25519.PrivateKey
	SigningPublic  ed25519.PublicKey
}

func NewIdentity() (*Identity, error) {
	kp, err := NewKeyPair()
	if err != nil {
		return nil, err
	}
	pub, priv, err := ed25519.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: error generating signing key: %w", err)
	}
	return &Identity{Agreement: *kp, SigningPrivate: priv, SigningPublic: pub}, nil
}

// Fingerprint is a stable, human comparable digest of both public keys.
func (i *Identity) Fingerprint() string {
	h := sha256.New()
	h.Write(i.Agreement.Public[:])
	h.Write(i.SigningPublic)
	return hex.EncodeToString(h.Sum(nil))
}

func (i *Identity) SignPrekey(kp *KeyPair) []byte {
	return ed25519.Sign(i.SigningPrivate, kp.Public[:])
}

// NewSignedPrekey returns a fresh prekey and its signature.
func (i *Identity) NewSignedPrekey() (*KeyPair, []byte, error) {
	kp, err := NewKeyPair()
	if err != nil {
		return nil, nil, err
	}
	return kp, i.SignPrekey(kp), nil
}

func NewOneTimePrekeys(n int) ([]*KeyPair, error) {
	keys := make([]*KeyPair, n)
	for i := range keys {
		kp, err := NewKeyPair()
		if err != nil {
			return nil, err
		}
		keys[i] = kp
	}
	return keys, nil
}

// Bundle is what a peer needs to start a conversation with a user. The key server hands out each
// one-time prekey at most once.
type Bundle struct {
	UserID          string    `cbor:"u"`
	IdentityKey     [32]byte  `cbor:"ik"`
	SigningKey      []byte    `cbor:"sk"`
	SignedPrekey    [32]byte  `cbor:"spk"`
	PrekeySignature []byte    `cbor:"sig"`
	OneTimePrekey   *[32]byte `cbor:"otpk,omitempty"`
}

func (b *Bundle) Verify() error {
	if err := x3dh.VerifyPrekey(ed25519.PublicKey(b.SigningKey), b.SignedPrekey, b.PrekeySignature); err != nil {
		return fmt.Errorf("identity: bundle for %s: %w", b.UserID, err)
	}
	return nil
}

// PublicKeys is the set of public material published for this device.
type PublicKeys struct {
	UserID          string     `cbor:"u"`
	IdentityKey     [32]byte   `cbor:"ik"`
	SigningKey      []byte     `cbor:"sk"`
	SignedPrekey    [32]byte   `cbor:"spk"`
	PrekeySignature []byte     `cbor:"sig"`
	OneTimePrekeys  [][32]byte `cbor:"otpks"`
}

// Pop hands out a bundle carrying the oldest remaining one-time prekey, if there is one, and removes it.
func (pk *PublicKeys) Pop() *Bundle {
	b := &Bundle{
		UserID:          pk.UserID,
		IdentityKey:     pk.IdentityKey,
		SigningKey:      pk.SigningKey,
		SignedPrekey:    pk.SignedPrekey,
		PrekeySignature: pk.PrekeySignature,
	}
	if len(pk.OneTimePrekeys) != 0 {
		otpk := pk.OneTimePrekeys[0]
		b.OneTimePrekey = &otpk
		pk.OneTimePrekeys = pk.OneTimePrekeys[1:]
	}
	return b
}
