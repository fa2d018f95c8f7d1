package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueSerializesPerPeer(t *testing.T) {
	require := require.New(t)
	q := newQueues()
	var (
		lock    sync.Mutex
		running int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.Nil(q.run(context.Background(), "bob", func() error {
				lock.Lock()
				running++
				if running > maxSeen {
					maxSeen = running
				}
				lock.Unlock()
				time.Sleep(time.Millisecond)
				lock.Lock()
				running--
				lock.Unlock()
				return nil
			}))
		}()
	}
	wg.Wait()
	require.Equal(1, maxSeen)
}

func TestQueueAllowsOtherPeers(t *testing.T) {
	q := newQueues()
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = q.run(context.Background(), "bob", func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	done := make(chan struct{})
	go func() {
		_ = q.run(context.Background(), "carol", func() error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("carol was blocked by bob")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, q.run(ctx, "bob", func() error { return nil }), context.DeadlineExceeded)
	close(release)
}
