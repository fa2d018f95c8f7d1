package mailbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/meow-io/go-hush/config"
	"github.com/meow-io/go-hush/envelope"
	"github.com/meow-io/go-hush/internal/test"
	"github.com/stretchr/testify/require"
)

var errNoSession = errors.New("no session")

type fakeEncrypter struct {
	lock sync.Mutex
	// failures is how many more Encrypt calls fail for a peer, -1 for always.
	failures    map[string]int
	invitations map[string]*envelope.Invitation
	inits       []string
	initErr     error
}

func (fe *fakeEncrypter) Encrypt(_ context.Context, data []byte, peer string, collapsing bool) ([]byte, error) {
	fe.lock.Lock()
	defer fe.lock.Unlock()
	switch n := fe.failures[peer]; {
	case n < 0:
		return nil, errNoSession
	case n > 0:
		fe.failures[peer] = n - 1
		return nil, errNoSession
	}
	return append([]byte(peer+":"), data...), nil
}

func (fe *fakeEncrypter) ConversationInvitation(peer string, _ bool) (*envelope.Invitation, error) {
	fe.lock.Lock()
	defer fe.lock.Unlock()
	return fe.invitations[peer], nil
}

func (fe *fakeEncrypter) InitConversation(_ context.Context, peer string, _ bool) error {
	fe.lock.Lock()
	defer fe.lock.Unlock()
	fe.inits = append(fe.inits, peer)
	return fe.initErr
}

type fakeSender struct {
	lock     sync.Mutex
	messages []*envelope.OutgoingMessage
	err      error
}

func (fs *fakeSender) PostMessage(_ context.Context, m *envelope.OutgoingMessage) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if err := m.Validate(); err != nil {
		return err
	}
	fs.messages = append(fs.messages, m)
	return fs.err
}

func certs(peers ...string) []*envelope.Certificate {
	out := make([]*envelope.Certificate, 0, len(peers))
	for _, p := range peers {
		out = append(out, &envelope.Certificate{UserID: p})
	}
	return out
}

func recipients(m *envelope.OutgoingMessage) []string {
	var out []string
	for _, r := range m.Recipients {
		out = append(out, r.Certificate.UserID)
	}
	sort.Strings(out)
	return out
}

func newMailbox(fe *fakeEncrypter, fs *fakeSender) *Mailbox {
	c := config.NewConfig(config.WithUserID("alice"), config.WithMaxConcurrentRecipients(2))
	return New(c, test.NewClock(), fe, fs)
}

var hello = &envelope.PayloadContainer{Type: "text", Data: []byte("hello")}

func TestSendToAll(t *testing.T) {
	require := require.New(t)
	inv := &envelope.Invitation{IdentityKey: [32]byte{1}}
	fe := &fakeEncrypter{invitations: map[string]*envelope.Invitation{"bob": inv}}
	fs := &fakeSender{}
	m := newMailbox(fe, fs)

	sender := &envelope.Certificate{UserID: "alice"}
	report, err := m.Send(context.Background(), hello, certs("bob", "carol", "dave"), sender, envelope.PriorityHigh, "typing")
	require.Nil(err)
	require.ElementsMatch([]string{"bob", "carol", "dave"}, report.Delivered)
	require.Empty(report.Retried)
	require.Empty(report.Failed)

	require.Len(fs.messages, 1)
	msg := fs.messages[0]
	require.Equal("alice", msg.SenderID)
	require.Equal(envelope.PayloadTypeEncrypted, msg.Type)
	require.Equal(envelope.PriorityHigh, msg.Priority)
	require.Equal("typing", msg.CollapseID)
	require.Equal(sender, msg.Certificate)
	require.Equal([]string{"bob", "carol", "dave"}, recipients(msg))

	for _, r := range msg.Recipients {
		key := r.EncryptedKey[len(r.Certificate.UserID)+1:]
		pc, err := envelope.OpenPayload(msg.Ciphertext, key, "alice")
		require.Nil(err)
		require.Equal(hello, pc)
		if r.Certificate.UserID == "bob" {
			require.Equal(inv, r.Invitation)
		} else {
			require.Nil(r.Invitation)
		}
	}
	require.Empty(fe.inits)
}

func TestSendRetriesFailedRecipient(t *testing.T) {
	require := require.New(t)
	fe := &fakeEncrypter{failures: map[string]int{"carol": 1}}
	fs := &fakeSender{}
	m := newMailbox(fe, fs)

	report, err := m.Send(context.Background(), hello, certs("bob", "carol"), nil, envelope.PriorityNormal, "")
	require.Nil(err)
	require.Equal([]string{"bob"}, report.Delivered)
	require.Equal([]string{"carol"}, report.Retried)
	require.Empty(report.Failed)
	require.Equal([]string{"carol"}, fe.inits)

	require.Len(fs.messages, 2)
	require.Equal([]string{"bob"}, recipients(fs.messages[0]))
	require.Equal([]string{"carol"}, recipients(fs.messages[1]))
	require.Equal(fs.messages[0].ID, fs.messages[1].ID)
	require.Equal(fs.messages[0].Ciphertext, fs.messages[1].Ciphertext)
}

func TestSendReportsRetryFailure(t *testing.T) {
	require := require.New(t)
	fe := &fakeEncrypter{failures: map[string]int{"carol": -1, "dave": 1}}
	fs := &fakeSender{}
	m := newMailbox(fe, fs)

	report, err := m.Send(context.Background(), hello, certs("bob", "carol", "dave"), nil, envelope.PriorityNormal, "")
	require.Nil(err)
	require.Equal([]string{"bob"}, report.Delivered)
	require.Equal([]string{"dave"}, report.Retried)
	require.Len(report.Failed, 1)
	require.ErrorIs(report.Failed["carol"], errNoSession)
}

func TestSendSkipsEmptyPost(t *testing.T) {
	require := require.New(t)
	initErr := errors.New("no keys")
	fe := &fakeEncrypter{failures: map[string]int{"bob": -1, "carol": -1}, initErr: initErr}
	fs := &fakeSender{}
	m := newMailbox(fe, fs)

	report, err := m.Send(context.Background(), hello, certs("bob", "carol"), nil, envelope.PriorityNormal, "")
	require.Nil(err)
	require.Empty(report.Delivered)
	require.Len(report.Failed, 2)
	require.ErrorIs(report.Failed["bob"], initErr)
	require.Empty(fs.messages)
	require.ElementsMatch([]string{"bob", "carol"}, fe.inits)
}

func TestSendPostFailure(t *testing.T) {
	require := require.New(t)
	postErr := errors.New("relay down")
	fe := &fakeEncrypter{}
	fs := &fakeSender{err: postErr}
	m := newMailbox(fe, fs)

	report, err := m.Send(context.Background(), hello, certs("bob", "carol"), nil, envelope.PriorityNormal, "")
	require.Nil(err)
	require.Empty(report.Delivered)
	require.ErrorIs(report.Failed["bob"], postErr)
	require.ErrorIs(report.Failed["carol"], postErr)
}

func TestSendReset(t *testing.T) {
	require := require.New(t)
	fe := &fakeEncrypter{}
	fs := &fakeSender{}
	m := newMailbox(fe, fs)

	_, err := m.Send(context.Background(), nil, certs("bob", "carol"), nil, envelope.PriorityNormal, "")
	require.ErrorIs(err, ErrResetRecipients)
	_, err = m.Send(context.Background(), hello, nil, nil, envelope.PriorityNormal, "")
	require.ErrorIs(err, envelope.ErrNoRecipients)

	report, err := m.Send(context.Background(), nil, certs("bob"), &envelope.Certificate{UserID: "alice"}, envelope.PriorityNormal, "loc")
	require.Nil(err)
	require.Equal([]string{"bob"}, report.Delivered)
	require.Len(fs.messages, 1)
	msg := fs.messages[0]
	require.Equal(envelope.PayloadTypeReset, msg.Type)
	require.Equal("loc", msg.CollapseID)
	require.Nil(msg.Ciphertext)
	require.Nil(msg.Recipients[0].EncryptedKey)
	require.Nil(msg.Recipients[0].Invitation)

	// a reset carries the invitation to the conversation that replaces the old one
	inv := &envelope.Invitation{IdentityKey: [32]byte{1}, EphemeralKey: [32]byte{2}, SignedPrekey: [32]byte{3}}
	fe.invitations = map[string]*envelope.Invitation{"bob": inv}
	_, err = m.Send(context.Background(), nil, certs("bob"), &envelope.Certificate{UserID: "alice"}, envelope.PriorityNormal, "")
	require.Nil(err)
	require.Len(fs.messages, 2)
	require.Equal(inv, fs.messages[1].Recipients[0].Invitation)

	env, err := msg.EnvelopeFor(msg.Recipients[0])
	require.Nil(err)
	require.Equal(envelope.PayloadTypeReset, env.Payload.Type)
	require.Equal("alice", env.SenderCertificate.UserID)
	require.Equal("bob", env.ReceiverCertificate.UserID)
}

func TestResetSender(t *testing.T) {
	require := require.New(t)
	fs := &fakeSender{}
	c := config.NewConfig(config.WithUserID("alice"))
	rs := NewResetSender(c, test.NewClock(), fs)

	require.Nil(rs.SendResetReply(context.Background(), "bob", nil, &envelope.Certificate{UserID: "alice"}, "", nil))
	require.Len(fs.messages, 1)
	require.Equal([]string{"bob"}, recipients(fs.messages[0]))
	require.Equal(envelope.PriorityHigh, fs.messages[0].Priority)
	require.Nil(fs.messages[0].Recipients[0].Invitation)

	inv := &envelope.Invitation{IdentityKey: [32]byte{1}, EphemeralKey: [32]byte{2}, SignedPrekey: [32]byte{3}}
	require.Nil(rs.SendResetReply(context.Background(), "bob", &envelope.Certificate{UserID: "bob"}, &envelope.Certificate{UserID: "alice"}, "loc", inv))
	require.Len(fs.messages, 2)
	env, err := fs.messages[1].EnvelopeFor(fs.messages[1].Recipients[0])
	require.Nil(err)
	require.Equal(envelope.PayloadTypeReset, env.Payload.Type)
	require.Equal(inv, env.Invitation)
	require.Equal("loc", env.CollapseID)
}
