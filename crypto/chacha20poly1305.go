package crypto

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"golang.org/x/crypto/chacha20poly1305"
)

const KeySize = chacha20poly1305.KeySize

var (
	ErrKeySize   = errors.New("crypto: key is wrong length")
	ErrTruncated = errors.New("crypto: sealed message too short")
)

var zeroNonce12 = make([]byte, chacha20poly1305.NonceSize)

func SliceToKey(b []byte) nacl.Key {
	return nacl.Key(b)
}

// NewKey returns a fresh random symmetric key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := crypto_rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

func EncryptWithDH(pub, priv, msg, ad []byte) ([]byte, error) {
	key := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return EncryptWithKey(key[:], msg, ad)
}

func DecryptWithDH(pub, priv, enc, ad []byte) ([]byte, error) {
	key := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return DecryptWithKey(key[:], enc, ad)
}

// EncryptWithKey uses a fixed nonce and must only be used with single-use keys.
func EncryptWithKey(key, msg, ad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return cipher.Seal(nil, zeroNonce12, msg, ad), nil
}

func DecryptWithKey(key, enc, ad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return cipher.Open(nil, zeroNonce12, enc, ad)
}

// Seal encrypts with a random nonce, which is prepended to the result.
func Seal(key, msg, ad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, cipher.NonceSize(), cipher.NonceSize()+len(msg)+cipher.Overhead())
	if _, err := crypto_rand.Read(nonce); err != nil {
		return nil, err
	}
	return cipher.Seal(nonce, nonce, msg, ad), nil
}

func Open(key, sealed, ad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < cipher.NonceSize()+cipher.Overhead() {
		return nil, ErrTruncated
	}
	return cipher.Open(nil, sealed[:cipher.NonceSize()], sealed[cipher.NonceSize():], ad)
}

type sealedBox struct {
	PublicKey []byte `cbor:"pk"`
	Body      []byte `cbor:"b"`
}

// SealTo encrypts msg to recipient from a throwaway key pair. Only the holder of the
// recipient's private key can open it, and it carries no sender identity.
func SealTo(recipient [32]byte, msg []byte) ([]byte, error) {
	pub, priv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	body, err := EncryptWithDH(recipient[:], priv[:], msg, pub[:])
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(&sealedBox{PublicKey: pub[:], Body: body})
}

func OpenFrom(priv [32]byte, sealed []byte) ([]byte, error) {
	sb := &sealedBox{}
	if err := cbor.Unmarshal(sealed, sb); err != nil {
		return nil, fmt.Errorf("crypto: error decoding sealed box: %w", err)
	}
	if len(sb.PublicKey) != 32 {
		return nil, ErrKeySize
	}
	return DecryptWithDH(sb.PublicKey, priv[:], sb.Body, sb.PublicKey)
}
