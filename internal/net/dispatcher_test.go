package net

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kadnet/go-kad-dht/kbucket"
	"github.com/kadnet/go-kad-dht/key"

	"github.com/stretchr/testify/require"
)

type senderFunc func(ctx context.Context, to kbucket.Contact, target key.ID) ([]kbucket.Contact, error)

func (f senderFunc) SendFindNode(ctx context.Context, to kbucket.Contact, target key.ID) ([]kbucket.Contact, error) {
	return f(ctx, to, target)
}

func echoSender() Sender {
	return senderFunc(func(_ context.Context, to kbucket.Contact, _ key.ID) ([]kbucket.Contact, error) {
		return []kbucket.Contact{to}, nil
	})
}

func TestNewDispatcherValidates(t *testing.T) {
	_, err := NewDispatcher(context.Background(), echoSender(), 0, time.Second)
	require.Error(t, err)
	_, err = NewDispatcher(context.Background(), echoSender(), 1, 0)
	require.Error(t, err)
}

func TestSubmitReturnsResponse(t *testing.T) {
	d, err := NewDispatcher(context.Background(), echoSender(), 2, time.Second)
	require.NoError(t, err)
	defer d.Close()

	to := kbucket.NewContact(key.Random(), nil)
	res := <-d.Submit(to, key.Random())
	require.NoError(t, res.Err)
	require.Equal(t, to, res.From)
	require.Equal(t, []kbucket.Contact{to}, res.Closer)

	closer, err := d.FindNode(context.Background(), to, key.Random())
	require.NoError(t, err)
	require.Len(t, closer, 1)
}

func TestErrorsBecomeUnresponsive(t *testing.T) {
	d, err := NewDispatcher(context.Background(), senderFunc(func(context.Context, kbucket.Contact, key.ID) ([]kbucket.Contact, error) {
		return nil, errors.New("connection reset")
	}), 1, time.Second)
	require.NoError(t, err)
	defer d.Close()

	res := <-d.Submit(kbucket.NewContact(key.Random(), nil), key.Random())
	require.ErrorIs(t, res.Err, ErrPeerUnresponsive)
	require.ErrorIs(t, d.Ping(context.Background(), kbucket.NewContact(key.Random(), nil)), ErrPeerUnresponsive)
}

func TestRequestTimeout(t *testing.T) {
	d, err := NewDispatcher(context.Background(), senderFunc(func(ctx context.Context, _ kbucket.Contact, _ key.ID) ([]kbucket.Contact, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), 1, 20*time.Millisecond)
	require.NoError(t, err)
	defer d.Close()

	start := time.Now()
	res := <-d.Submit(kbucket.NewContact(key.Random(), nil), key.Random())
	require.ErrorIs(t, res.Err, ErrPeerUnresponsive)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	require.GreaterOrEqual(t, res.Latency, 20*time.Millisecond)
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	const workers = 3
	var inflight, peak int32
	d, err := NewDispatcher(context.Background(), senderFunc(func(context.Context, kbucket.Contact, key.ID) ([]kbucket.Contact, error) {
		n := atomic.AddInt32(&inflight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		return nil, nil
	}), workers, time.Second)
	require.NoError(t, err)
	defer d.Close()

	var results []<-chan Result
	for i := 0; i < 20; i++ {
		results = append(results, d.Submit(kbucket.NewContact(key.Random(), nil), key.Random()))
	}
	for _, r := range results {
		require.NoError(t, (<-r).Err)
	}
	require.LessOrEqual(t, atomic.LoadInt32(&peak), int32(workers))
	require.Greater(t, atomic.LoadInt32(&peak), int32(1))
}

func TestFindNodeHonoursCallerContext(t *testing.T) {
	release := make(chan struct{})
	d, err := NewDispatcher(context.Background(), senderFunc(func(context.Context, kbucket.Contact, key.ID) ([]kbucket.Contact, error) {
		<-release
		return nil, nil
	}), 1, time.Minute)
	require.NoError(t, err)
	defer d.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = d.FindNode(ctx, kbucket.NewContact(key.Random(), nil), key.Random())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseFailsPendingRequests(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	d, err := NewDispatcher(context.Background(), senderFunc(func(ctx context.Context, _ kbucket.Contact, _ key.ID) ([]kbucket.Contact, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	}), 1, time.Minute)
	require.NoError(t, err)

	inflight := d.Submit(kbucket.NewContact(key.Random(), nil), key.Random())
	<-started
	queued := d.Submit(kbucket.NewContact(key.Random(), nil), key.Random())

	require.NoError(t, d.Close())
	require.ErrorIs(t, (<-inflight).Err, ErrPeerUnresponsive)
	require.ErrorIs(t, (<-queued).Err, ErrDispatcherClosed)
	require.ErrorIs(t, (<-d.Submit(kbucket.NewContact(key.Random(), nil), key.Random())).Err, ErrDispatcherClosed)
	require.NoError(t, d.Close())
}
