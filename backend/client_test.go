package backend

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/meow-io/go-hush/config"
	"github.com/meow-io/go-hush/envelope"
	"github.com/meow-io/go-hush/identity"
	"github.com/meow-io/go-hush/internal/relaytest"
	"github.com/meow-io/go-hush/internal/test"
	"github.com/stretchr/testify/require"
)

func publicKeys(t *testing.T, user string, n int) *identity.PublicKeys {
	id, err := identity.NewIdentity()
	require.Nil(t, err)
	spk, sig, err := id.NewSignedPrekey()
	require.Nil(t, err)
	otpks, err := identity.NewOneTimePrekeys(n)
	require.Nil(t, err)
	pk := &identity.PublicKeys{
		UserID:          user,
		IdentityKey:     id.Agreement.Public,
		SigningKey:      id.SigningPublic,
		SignedPrekey:    spk.Public,
		PrekeySignature: sig,
	}
	for _, kp := range otpks {
		pk.OneTimePrekeys = append(pk.OneTimePrekeys, kp.Public)
	}
	return pk
}

func TestKeys(t *testing.T) {
	require := require.New(t)
	relay := relaytest.New()
	defer relay.Close()
	c := config.NewConfig()
	bob := NewClient(c, relay.URL()+"/", "bob")
	alice := NewClient(c, relay.URL(), "alice")

	_, err := alice.GetUserKeys(context.Background(), "bob")
	require.True(IsNotFound(err))

	pk := publicKeys(t, "bob", 2)
	require.Nil(bob.PublishKeys(context.Background(), pk))

	for i := 0; i < 2; i++ {
		b, err := alice.GetUserKeys(context.Background(), "bob")
		require.Nil(err)
		require.Nil(b.Verify())
		require.Equal(pk.OneTimePrekeys[i], *b.OneTimePrekey)
	}
	b, err := alice.GetUserKeys(context.Background(), "bob")
	require.Nil(err)
	require.Nil(b.OneTimePrekey)

	// republishing does not hand out used one-time prekeys again
	require.Nil(bob.PublishKeys(context.Background(), pk))
	require.Equal(0, relay.OneTimePrekeyCount("bob"))
}

func TestMessages(t *testing.T) {
	require := require.New(t)
	relay := relaytest.New()
	defer relay.Close()
	c := config.NewConfig()
	cl := test.NewClock()
	alice := NewClient(c, relay.URL(), "alice")
	bob := NewClient(c, relay.URL(), "bob")

	require.ErrorIs(alice.PostMessage(context.Background(), &envelope.OutgoingMessage{ID: uuid.New()}), envelope.ErrNoRecipients)

	m := &envelope.OutgoingMessage{
		ID:         uuid.New(),
		SenderID:   "alice",
		Timestamp:  cl.Now(),
		Type:       envelope.PayloadTypeReset,
		Recipients: []*envelope.Recipient{{Certificate: &envelope.Certificate{UserID: "bob"}}},
	}
	require.Nil(alice.PostMessage(context.Background(), m))

	envs, err := bob.FetchMessages(context.Background())
	require.Nil(err)
	require.Len(envs, 1)
	require.Equal(m.ID, envs[0].ID)
	require.Equal("alice", envs[0].SenderID)
	require.True(m.Timestamp.Equal(envs[0].Timestamp))
	require.Equal(envelope.PayloadTypeReset, envs[0].Payload.Type)

	envs, err = bob.FetchMessages(context.Background())
	require.Nil(err)
	require.Empty(envs)
}

func TestErrors(t *testing.T) {
	require := require.New(t)
	relay := relaytest.New()
	c := config.NewConfig()
	alice := NewClient(c, relay.URL(), "alice")

	relay.SetDown(true)
	_, err := alice.FetchMessages(context.Background())
	var se *StatusError
	require.ErrorAs(err, &se)
	require.Equal(503, se.Code)
	require.Equal("relay down", se.Body)

	relay.Close()
	_, err = alice.FetchMessages(context.Background())
	require.ErrorIs(err, ErrUnavailable)
}
