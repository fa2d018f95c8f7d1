package postoffice

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/meow-io/go-hush/config"
	"github.com/meow-io/go-hush/envelope"
	"github.com/meow-io/go-hush/internal/test"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type fakeFetcher struct {
	lock    sync.Mutex
	batches [][]*envelope.Envelope
}

func (ff *fakeFetcher) FetchMessages(context.Context) ([]*envelope.Envelope, error) {
	ff.lock.Lock()
	defer ff.lock.Unlock()
	if len(ff.batches) == 0 {
		return nil, nil
	}
	b := ff.batches[0]
	ff.batches = ff.batches[1:]
	return b, nil
}

type recorder struct {
	lock     sync.Mutex
	received []string
}

func (r *recorder) handle(_ context.Context, b *envelope.Bundle) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.received = append(r.received, string(b.Container.Data))
	return nil
}

func (r *recorder) all() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]string(nil), r.received...)
}

type testDispatcher struct {
	*Dispatcher
	clock   *test.Clock
	fetcher *fakeFetcher
}

func newTestDispatcher(t *testing.T, opts ...config.Option) *testDispatcher {
	c := config.NewConfig(opts...)
	cl := test.NewClock()
	d := test.NewTestDatabase(c, cl)
	t.Cleanup(func() { _ = d.Shutdown() })
	ff := &fakeFetcher{}
	pd, err := NewDispatcher(c, d, cl, ff, prometheus.NewRegistry())
	require.Nil(t, err)
	require.Nil(t, pd.Start())
	t.Cleanup(func() { _ = pd.Shutdown() })
	return &testDispatcher{Dispatcher: pd, clock: cl, fetcher: ff}
}

func (td *testDispatcher) envelope(sender string, t envelope.PayloadType, data string, collapseID string) *envelope.Envelope {
	e := &envelope.Envelope{
		ID:         uuid.New(),
		SenderID:   sender,
		Timestamp:  td.clock.Now(),
		CollapseID: collapseID,
		Payload:    &envelope.PayloadContainer{Type: t, Data: []byte(data)},
	}
	td.clock.AdvanceMs(1)
	return e
}

func (td *testDispatcher) count(r Result) float64 {
	return testutil.ToFloat64(td.metrics.envelopes.WithLabelValues(r.String()))
}

func TestReceiveDeliversOnce(t *testing.T) {
	require := require.New(t)
	td := newTestDispatcher(t)
	r := &recorder{}
	td.RegisterHandler("text", r.handle)

	e := td.envelope("alice", "text", "hi", "")
	result, err := td.Receive(context.Background(), e)
	require.Nil(err)
	require.Equal(Delivered, result)

	result, err = td.Receive(context.Background(), e)
	require.Nil(err)
	require.Equal(Duplicate, result)

	// the same id from another sender is a different envelope
	other := *e
	other.SenderID = "bob"
	result, err = td.Receive(context.Background(), &other)
	require.Nil(err)
	require.Equal(Delivered, result)

	require.Equal([]string{"hi", "hi"}, r.all())
	require.Equal(float64(2), td.count(Delivered))
	require.Equal(float64(1), td.count(Duplicate))
}

func TestDecodingStrategiesChain(t *testing.T) {
	require := require.New(t)
	td := newTestDispatcher(t)

	td.RegisterDecodingStrategy("outer", func(_ context.Context, b *envelope.Bundle) (*envelope.Bundle, error) {
		return &envelope.Bundle{Container: &envelope.PayloadContainer{Type: "middle", Data: b.Container.Data}, Meta: b.Meta}, nil
	})
	td.RegisterDecodingStrategy("middle", func(_ context.Context, b *envelope.Bundle) (*envelope.Bundle, error) {
		meta := b.Meta
		meta.Authenticated = true
		return &envelope.Bundle{Container: &envelope.PayloadContainer{Type: "text", Data: append(b.Container.Data, '!')}, Meta: meta}, nil
	})
	intercepted := 0
	td.SetDecodingSuccessInterceptor(func(b *envelope.Bundle) {
		intercepted++
	})
	got := make(chan *envelope.Bundle, 1)
	td.RegisterHandler("text", func(_ context.Context, b *envelope.Bundle) error {
		got <- b
		return nil
	})

	result, err := td.Receive(context.Background(), td.envelope("alice", "outer", "hi", ""))
	require.Nil(err)
	require.Equal(Delivered, result)
	b := <-got
	require.Equal("hi!", string(b.Container.Data))
	require.True(b.Meta.Authenticated)
	require.Equal("alice", b.Meta.SenderID)
	require.Equal(1, intercepted)

	td.UnregisterDecodingStrategy("outer")
	result, err = td.Receive(context.Background(), td.envelope("alice", "outer", "hi", ""))
	require.ErrorIs(err, ErrNoHandler)
	require.Equal(Failed, result)
}

func TestDecodeFailureIsNotRetried(t *testing.T) {
	require := require.New(t)
	td := newTestDispatcher(t)
	boom := errors.New("boom")
	td.RegisterDecodingStrategy("bad", func(context.Context, *envelope.Bundle) (*envelope.Bundle, error) {
		return nil, boom
	})

	e := td.envelope("alice", "bad", "x", "")
	result, err := td.Receive(context.Background(), e)
	require.ErrorIs(err, boom)
	require.Equal(Failed, result)

	result, err = td.Receive(context.Background(), e)
	require.Nil(err)
	require.Equal(Duplicate, result)

	require.Nil(td.db.RunReadOnly("check state", func() error {
		state, err := td.db.state(e.ID, e.SenderID)
		require.Nil(err)
		require.Equal(stateHandled, state)
		return nil
	}))
}

func TestNoDataAndDepth(t *testing.T) {
	require := require.New(t)
	td := newTestDispatcher(t)
	td.RegisterDecodingStrategy("control", func(context.Context, *envelope.Bundle) (*envelope.Bundle, error) {
		return nil, nil
	})
	td.RegisterDecodingStrategy("loop", func(_ context.Context, b *envelope.Bundle) (*envelope.Bundle, error) {
		return b, nil
	})

	result, err := td.Receive(context.Background(), td.envelope("alice", "control", "", ""))
	require.Nil(err)
	require.Equal(NoData, result)

	result, err = td.Receive(context.Background(), td.envelope("alice", "loop", "", ""))
	require.ErrorIs(err, ErrDecodeDepth)
	require.Equal(Failed, result)

	result, err = td.Receive(context.Background(), &envelope.Envelope{ID: uuid.New(), SenderID: "alice"})
	require.ErrorIs(err, ErrEmptyEnvelope)
	require.Equal(Failed, result)
}

func TestHandlerTimeout(t *testing.T) {
	require := require.New(t)
	td := newTestDispatcher(t)
	release := make(chan struct{})
	td.RegisterHandler("slow", func(ctx context.Context, _ *envelope.Bundle) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	r := &recorder{}
	td.RegisterHandler("text", r.handle)

	result, err := td.ReceiveWithTimeout(context.Background(), td.envelope("alice", "slow", "", ""), 20*time.Millisecond)
	require.Nil(err)
	require.Equal(TimedOut, result)

	// the stuck handler does not hold up later envelopes
	result, err = td.Receive(context.Background(), td.envelope("alice", "text", "next", ""))
	require.Nil(err)
	require.Equal(Delivered, result)
	close(release)

	require.Equal(float64(1), td.count(TimedOut))
}

func TestHandlerError(t *testing.T) {
	require := require.New(t)
	td := newTestDispatcher(t)
	boom := errors.New("boom")
	td.RegisterHandler("text", func(context.Context, *envelope.Bundle) error { return boom })

	result, err := td.Receive(context.Background(), td.envelope("alice", "text", "hi", ""))
	require.ErrorIs(err, boom)
	require.Equal(Failed, result)
}

func TestCacheRetention(t *testing.T) {
	require := require.New(t)
	td := newTestDispatcher(t, config.WithEnvelopeRetentionMs(1000))
	r := &recorder{}
	td.RegisterHandler("text", r.handle)

	e := td.envelope("alice", "text", "hi", "")
	result, err := td.Receive(context.Background(), e)
	require.Nil(err)
	require.Equal(Delivered, result)

	td.clock.AdvanceMs(400)
	result, err = td.Receive(context.Background(), e)
	require.Nil(err)
	require.Equal(Duplicate, result)

	td.clock.AdvanceMs(2000)
	result, err = td.Receive(context.Background(), e)
	require.Nil(err)
	require.Equal(Delivered, result)
}

func TestFetchCollapses(t *testing.T) {
	require := require.New(t)
	td := newTestDispatcher(t)
	r := &recorder{}
	td.RegisterHandler("location", r.handle)
	td.RegisterHandler("text", r.handle)
	td.RegisterDecodingStrategy("bad", func(context.Context, *envelope.Bundle) (*envelope.Bundle, error) {
		return nil, errors.New("cannot decode")
	})

	t1 := td.envelope("alice", "location", "t1", "loc")
	t2 := td.envelope("alice", "location", "t2", "loc")
	t3 := td.envelope("alice", "location", "t3", "loc")
	plain := td.envelope("alice", "text", "plain", "")
	bad := td.envelope("alice", "bad", "", "")
	bobs := td.envelope("bob", "location", "bob", "loc")
	td.fetcher.batches = [][]*envelope.Envelope{
		{t2, plain, t3, bad, t1, bobs},
		{t3, plain},
	}

	report, err := td.FetchMessages(context.Background())
	require.Nil(err)
	require.Equal(3, report.Delivered)
	require.Equal(2, report.Superseded)
	require.Equal(1, report.Failed)
	require.Len(report.Errors, 1)
	require.ElementsMatch([]string{"plain", "t3", "bob"}, r.all())

	report, err = td.FetchMessages(context.Background())
	require.Nil(err)
	require.Equal(2, report.Duplicates)
	require.Equal(0, report.Delivered)

	report, err = td.FetchMessages(context.Background())
	require.Nil(err)
	require.Equal(&FetchReport{}, report)
}

func TestFetchWithoutFetcher(t *testing.T) {
	c := config.NewConfig()
	cl := test.NewClock()
	d := test.NewTestDatabase(c, cl)
	t.Cleanup(func() { _ = d.Shutdown() })
	pd, err := NewDispatcher(c, d, cl, nil, nil)
	require.Nil(t, err)
	_, err = pd.FetchMessages(context.Background())
	require.ErrorIs(t, err, ErrNoFetcher)
}
