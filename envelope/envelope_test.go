package envelope

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeForEncrypted(t *testing.T) {
	require := require.New(t)
	otpk := [32]byte{9}
	m := &OutgoingMessage{
		ID:          uuid.New(),
		SenderID:    "alice",
		Timestamp:   time.UnixMilli(1000),
		Type:        PayloadTypeEncrypted,
		Ciphertext:  []byte("sealed"),
		Certificate: &Certificate{UserID: "alice"},
		CollapseID:  "loc",
	}
	r := &Recipient{
		Certificate:  &Certificate{UserID: "bob"},
		EncryptedKey: []byte("key"),
		Invitation:   &Invitation{IdentityKey: [32]byte{1}, EphemeralKey: [32]byte{2}, OneTimePrekey: &otpk},
	}
	require.ErrorIs(m.Validate(), ErrNoRecipients)
	m.Recipients = []*Recipient{r}
	require.Nil(m.Validate())

	e, err := m.EnvelopeFor(r)
	require.Nil(err)
	b, err := Marshal(e)
	require.Nil(err)
	decoded := &Envelope{}
	require.Nil(Unmarshal(b, decoded))

	require.Equal(m.ID, decoded.ID)
	require.True(decoded.Timestamp.Equal(m.Timestamp))
	require.True(r.Invitation.Equal(decoded.Invitation))
	require.Equal("bob", decoded.ReceiverCertificate.UserID)

	bundle := decoded.Bundle()
	require.True(bundle.Meta.Collapsing())
	require.False(bundle.Meta.Authenticated)
	epc, err := bundle.Container.Decode()
	require.Nil(err)
	require.Equal([]byte("sealed"), epc.Ciphertext)
	require.Equal([]byte("key"), epc.EncryptedKey)
}

func TestDecodeRejectsOtherTypes(t *testing.T) {
	_, err := (&PayloadContainer{Type: "text", Data: []byte("hi")}).Decode()
	require.ErrorIs(t, err, ErrInvalidPayloadType)
	_, err = (&PayloadContainer{Type: PayloadTypeEncrypted, Data: []byte{0xff}}).Decode()
	require.ErrorIs(t, err, ErrInvalidPayloadType)
}

func TestInvitationEqual(t *testing.T) {
	require := require.New(t)
	a, b := [32]byte{1}, [32]byte{1}
	i1 := &Invitation{IdentityKey: [32]byte{1}, OneTimePrekey: &a}
	i2 := &Invitation{IdentityKey: [32]byte{1}, OneTimePrekey: &b}
	require.True(i1.Equal(i2))
	i2.OneTimePrekey = nil
	require.False(i1.Equal(i2))
	var none *Invitation
	require.True(none.Equal(nil))
	require.False(none.Equal(i1))
}

func TestSealPayload(t *testing.T) {
	require := require.New(t)
	pc := &PayloadContainer{Type: "text", Data: []byte("hi")}
	ct, key, err := SealPayload(pc, "alice")
	require.Nil(err)

	out, err := OpenPayload(ct, key, "alice")
	require.Nil(err)
	require.Equal(pc, out)

	_, err = OpenPayload(ct, key, "mallory")
	require.NotNil(err)
}
