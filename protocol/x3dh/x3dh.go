// Package x3dh derives the initial shared secret of a conversation from long-term identity keys, a signed
// prekey and an optional one-time prekey.
package x3dh

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const SecretSize = 32

var (
	ErrBadSignature = errors.New("x3dh: signed prekey signature does not verify")
	info            = []byte("hush-x3dh")
)

// Initiate derives the secret from the initiator's side.
func Initiate(ourIdentity, ourEphemeral, theirIdentity, theirPrekey [32]byte, theirOneTime *[32]byte) ([]byte, error) {
	dh1, err := dh(ourIdentity, theirPrekey)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(ourEphemeral, theirIdentity)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(ourEphemeral, theirPrekey)
	if err != nil {
		return nil, err
	}
	dhs := [][]byte{dh1, dh2, dh3}
	if theirOneTime != nil {
		dh4, err := dh(ourEphemeral, *theirOneTime)
		if err != nil {
			return nil, err
		}
		dhs = append(dhs, dh4)
	}
	return derive(dhs)
}

// Respond derives the same secret from the responder's side. ourOneTime must be given if and only if
// the initiator used one.
func Respond(ourIdentity, ourPrekey [32]byte, ourOneTime *[32]byte, theirIdentity, theirEphemeral [32]byte) ([]byte, error) {
	dh1, err := dh(ourPrekey, theirIdentity)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(ourIdentity, theirEphemeral)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(ourPrekey, theirEphemeral)
	if err != nil {
		return nil, err
	}
	dhs := [][]byte{dh1, dh2, dh3}
	if ourOneTime != nil {
		dh4, err := dh(*ourOneTime, theirEphemeral)
		if err != nil {
			return nil, err
		}
		dhs = append(dhs, dh4)
	}
	return derive(dhs)
}

// AssociatedData binds both identities into every message of the conversation.
func AssociatedData(initiatorIdentity, responderIdentity [32]byte) []byte {
	ad := make([]byte, 0, 64)
	ad = append(ad, initiatorIdentity[:]...)
	return append(ad, responderIdentity[:]...)
}

func VerifyPrekey(signingKey ed25519.PublicKey, prekey [32]byte, sig []byte) error {
	if len(signingKey) != ed25519.PublicKeySize || !ed25519.Verify(signingKey, prekey[:], sig) {
		return ErrBadSignature
	}
	return nil
}

func dh(priv, pub [32]byte) ([]byte, error) {
	out, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, fmt.Errorf("x3dh: error computing dh: %w", err)
	}
	return out, nil
}

func derive(dhs [][]byte) ([]byte, error) {
	ikm := make([]byte, 32, 32*(len(dhs)+1))
	for i := range ikm {
		ikm[i] = 0xff
	}
	for _, d := range dhs {
		ikm = append(ikm, d...)
	}
	secret := make([]byte, SecretSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, make([]byte, sha256.Size), info), secret); err != nil {
		return nil, err
	}
	for i := range ikm {
		ikm[i] = 0
	}
	return secret, nil
}
