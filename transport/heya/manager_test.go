package heya

import (
	"context"
	crypto_rand "crypto/rand"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/meow-io/go-hush/config"
	"github.com/meow-io/go-hush/envelope"
	"github.com/meow-io/go-hush/internal/db"
	"github.com/meow-io/go-hush/internal/test"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

// fakeServer keeps every inbox's messages in memory and notifies the client that owns the token.
type fakeServer struct {
	lock    sync.Mutex
	queues  map[[32]byte][][]byte
	owners  map[[32]byte]string
	clients map[string]*fakeClient
	trimmed map[[32]byte]uint64
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		queues:  make(map[[32]byte][][]byte),
		owners:  make(map[[32]byte]string),
		clients: make(map[string]*fakeClient),
		trimmed: make(map[[32]byte]uint64),
	}
}

func (fs *fakeServer) dial(host string, port int, privateKeyPKCS1, cert []byte, _ func(int)) (client, error) {
	if len(privateKeyPKCS1) == 0 {
		privateKeyPKCS1 = make([]byte, 16)
		if _, err := crypto_rand.Read(privateKeyPKCS1); err != nil {
			return nil, err
		}
		cert = append([]byte("cert-"), privateKeyPKCS1...)
	}
	fc := &fakeClient{server: fs, key: privateKeyPKCS1, cert: cert, events: make(chan *event, 100)}
	fs.lock.Lock()
	fs.clients[string(privateKeyPKCS1)] = fc
	fs.lock.Unlock()
	return fc, nil
}

func (fs *fakeServer) trimmedTo(token []byte) uint64 {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	return fs.trimmed[[32]byte(token)]
}

type fakeClient struct {
	server *fakeServer
	key    []byte
	cert   []byte
	events chan *event
}

func (fc *fakeClient) Connect(context.Context) error { return nil }

func (fc *fakeClient) Register(context.Context, string) error { return nil }

func (fc *fakeClient) MakeSendToken(context.Context, time.Time, time.Time) ([]byte, error) {
	token := make([]byte, 32)
	if _, err := crypto_rand.Read(token); err != nil {
		return nil, err
	}
	fc.server.lock.Lock()
	defer fc.server.lock.Unlock()
	fc.server.owners[[32]byte(token)] = string(fc.key)
	return token, nil
}

func (fc *fakeClient) Want(_ context.Context, token []byte, seq uint64) ([]byte, error) {
	fc.server.lock.Lock()
	defer fc.server.lock.Unlock()
	q := fc.server.queues[[32]byte(token)]
	if seq >= uint64(len(q)) {
		return nil, nil
	}
	return q[seq], nil
}

func (fc *fakeClient) Trim(_ context.Context, token []byte, seq uint64) error {
	fc.server.lock.Lock()
	defer fc.server.lock.Unlock()
	fc.server.trimmed[[32]byte(token)] = seq
	return nil
}

func (fc *fakeClient) Send(_ context.Context, token, body []byte) error {
	fs := fc.server
	fs.lock.Lock()
	defer fs.lock.Unlock()
	t := [32]byte(token)
	fs.queues[t] = append(fs.queues[t], body)
	if owner, ok := fs.clients[fs.owners[t]]; ok {
		owner.events <- &event{token: t, seq: uint64(len(fs.queues[t]))}
	}
	return nil
}

// Events replays what is waiting on the client's tokens, then signals the end of the intro.
func (fc *fakeClient) Events(context.Context) <-chan *event {
	fs := fc.server
	fs.lock.Lock()
	defer fs.lock.Unlock()
	for token, owner := range fs.owners {
		if owner == string(fc.key) && len(fs.queues[token]) != 0 {
			fc.events <- &event{token: token, seq: uint64(len(fs.queues[token]))}
		}
	}
	fc.events <- &event{doneIntro: true}
	return fc.events
}

func (fc *fakeClient) Credentials() ([]byte, []byte) {
	return fc.key, fc.cert
}

func (fc *fakeClient) Close() {}

type testUser struct {
	db       *db.Database
	manager  *Manager
	received chan *envelope.Envelope
}

func newUser(t *testing.T, server *fakeServer) *testUser {
	c := config.NewConfig()
	d := test.NewTestDatabase(c, test.NewClock())
	t.Cleanup(func() { _ = d.Shutdown() })
	u := &testUser{db: d, received: make(chan *envelope.Envelope, 10)}
	u.start(t, server)
	return u
}

func (u *testUser) start(t *testing.T, server *fakeServer) {
	m, err := newManager(config.NewConfig(), u.db, func(_ context.Context, env *envelope.Envelope) error {
		u.received <- env
		return nil
	}, server.dial)
	require.Nil(t, err)
	require.Nil(t, m.Start())
	u.manager = m
	t.Cleanup(func() { _ = m.Shutdown() })
}

func (u *testUser) next(t *testing.T) *envelope.Envelope {
	select {
	case env := <-u.received:
		return env
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no envelope received")
		return nil
	}
}

func testEnvelope(sender string) *envelope.Envelope {
	return &envelope.Envelope{
		ID:        uuid.New(),
		SenderID:  sender,
		Timestamp: time.UnixMilli(1700000000000).UTC(),
		Payload:   &envelope.PayloadContainer{Type: envelope.PayloadTypeReset},
	}
}

func TestParseURL(t *testing.T) {
	require := require.New(t)
	pu := &ParsedURL{Host: "heya.example", Port: 9000, PublicBytes: [32]byte{1}, SendToken: [32]byte{2}}
	parsed, err := ParseURL(pu.URL())
	require.Nil(err)
	require.Equal(pu, parsed)

	parsed, err = ParseURL("heya://heya.example/AQAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA/AgAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	require.Nil(err)
	require.Equal(DefaultPort, parsed.Port)
	require.Equal(pu.PublicBytes, parsed.PublicBytes)

	for _, bad := range []string{
		"http://heya.example/AQ/AQ",
		"heya://heya.example/AQAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		"heya://heya.example/AQ/AgAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		"heya://heya.example:notaport/AQAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA/AgAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
	} {
		_, err := ParseURL(bad)
		require.NotNil(err, bad)
	}
}

func TestSendAndReceive(t *testing.T) {
	require := require.New(t)
	server := newFakeServer()
	alice := newUser(t, server)
	bob := newUser(t, server)
	ctx := context.Background()

	inbox, err := bob.manager.CreateInbox(ctx, "auth", "heya.test", 8337)
	require.Nil(err)
	require.Equal([]string{inbox.URL()}, bob.manager.URLs())

	env := testEnvelope("alice")
	require.ErrorIs(alice.manager.Send(ctx, inbox.URL(), env), ErrNoInbox)

	_, err = alice.manager.CreateInbox(ctx, "auth", "heya.test", 8337)
	require.Nil(err)
	require.Nil(alice.manager.Send(ctx, inbox.URL(), env))

	got := bob.next(t)
	require.Equal(env.ID, got.ID)
	require.Equal("alice", got.SenderID)
	require.True(env.Timestamp.Equal(got.Timestamp))
	require.Equal(envelope.PayloadTypeReset, got.Payload.Type)
	require.Eventually(func() bool { return server.trimmedTo(inbox.SendToken) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestRestartResumesFromSavedSeq(t *testing.T) {
	require := require.New(t)
	server := newFakeServer()
	alice := newUser(t, server)
	bob := newUser(t, server)
	ctx := context.Background()

	inbox, err := bob.manager.CreateInbox(ctx, "auth", "heya.test", 8337)
	require.Nil(err)
	_, err = alice.manager.CreateInbox(ctx, "auth", "heya.test", 8337)
	require.Nil(err)

	first := testEnvelope("alice")
	require.Nil(alice.manager.Send(ctx, inbox.URL(), first))
	require.Equal(first.ID, bob.next(t).ID)
	require.Eventually(func() bool { return server.trimmedTo(inbox.SendToken) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Nil(bob.manager.Shutdown())

	second := testEnvelope("alice")
	require.Nil(alice.manager.Send(ctx, inbox.URL(), second))

	bob.start(t, server)
	bob.manager.WaitForPending()
	require.Equal(second.ID, bob.next(t).ID)
	require.Equal([]string{inbox.URL()}, bob.manager.URLs())

	var nextSeq uint64
	require.Nil(bob.db.RunReadOnly("read seq", func() error {
		return bob.db.Tx.Get(&nextSeq, "SELECT next_seq FROM _heya_inboxes")
	}))
	require.Equal(uint64(2), nextSeq)
	select {
	case env := <-bob.received:
		require.FailNow("unexpected envelope", "%s", env.ID)
	default:
	}
}

func TestDropsUndecryptable(t *testing.T) {
	require := require.New(t)
	server := newFakeServer()
	bob := newUser(t, server)
	ctx := context.Background()

	inbox, err := bob.manager.CreateInbox(ctx, "auth", "heya.test", 8337)
	require.Nil(err)
	require.Nil(inbox.client.Send(ctx, inbox.SendToken, []byte("garbage")))
	require.Nil(bob.manager.Send(ctx, inbox.URL(), testEnvelope("bob")))

	got := bob.next(t)
	require.Equal("bob", got.SenderID)
	require.Eventually(func() bool { return server.trimmedTo(inbox.SendToken) == 2 }, 5*time.Second, 10*time.Millisecond)
}
