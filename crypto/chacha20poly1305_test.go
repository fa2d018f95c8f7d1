package crypto

import (
	"testing"

	"github.com/kevinburke/nacl/box"
	"github.com/stretchr/testify/require"
	crypto_rand "crypto/rand"
)

func TestSealOpen(t *testing.T) {
	require := require.New(t)
	key, err := NewKey()
	require.Nil(err)

	sealed, err := Seal(key, []byte("hello"), []byte("ad"))
	require.Nil(err)
	again, err := Seal(key, []byte("hello"), []byte("ad"))
	require.Nil(err)
	require.NotEqual(sealed, again)

	out, err := Open(key, sealed, []byte("ad"))
	require.Nil(err)
	require.Equal([]byte("hello"), out)

	_, err = Open(key, sealed, []byte("other"))
	require.NotNil(err)
	_, err = Open(key, sealed[:5], nil)
	require.ErrorIs(err, ErrTruncated)
}

func TestWrongKeySize(t *testing.T) {
	require := require.New(t)
	_, err := EncryptWithKey([]byte{1, 2, 3}, []byte("x"), nil)
	require.ErrorIs(err, ErrKeySize)
	_, err = Seal(nil, []byte("x"), nil)
	require.ErrorIs(err, ErrKeySize)
}

func TestSealToOpenFrom(t *testing.T) {
	require := require.New(t)
	pub, priv, err := box.GenerateKey(crypto_rand.Reader)
	require.Nil(err)
	_, otherPriv, err := box.GenerateKey(crypto_rand.Reader)
	require.Nil(err)

	sealed, err := SealTo(*pub, []byte("for you"))
	require.Nil(err)

	out, err := OpenFrom(*priv, sealed)
	require.Nil(err)
	require.Equal([]byte("for you"), out)

	_, err = OpenFrom(*otherPriv, sealed)
	require.NotNil(err)
}
