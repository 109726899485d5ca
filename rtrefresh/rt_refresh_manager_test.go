package rtrefresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kadnet/go-kad-dht/kbucket"
	"github.com/kadnet/go-kad-dht/key"

	"github.com/stretchr/testify/require"
)

func newTestTable(t *testing.T, local key.ID) *kbucket.RoutingTable {
	rt, err := kbucket.NewRoutingTable(2, local, nil, time.Second, 3)
	require.NoError(t, err)
	return rt
}

func TestSkipRefreshOnGapCpls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	local := key.Random()

	// adds a peer for the cpl of the target
	qFuncWithIgnore := func(rt *kbucket.RoutingTable, ignoreCpl uint) func(c context.Context, target key.ID) error {
		return func(c context.Context, target key.ID) error {
			if target == local {
				return nil
			}
			cpl := uint(local.CommonPrefixLen(target))
			if cpl == ignoreCpl {
				return nil
			}
			id, err := rt.GenRandIDForCpl(cpl)
			require.NoError(t, err)
			rt.Insert(c, kbucket.NewContact(id, nil))
			return nil
		}
	}

	rt := newTestTable(t, local)
	r := &RtRefreshManager{ctx: ctx, rt: rt, refreshKeyGenFnc: rt.GenRandIDForCpl, self: local,
		noResultsForCpl: map[uint]int{}, cplIntervals: map[uint]time.Duration{}, refreshQueryTimeout: time.Second}
	icpl := uint(2)
	id, err := rt.GenRandIDForCpl(10)
	require.NoError(t, err)
	require.True(t, rt.Insert(ctx, kbucket.NewContact(id, nil)))
	r.refreshQueryFnc = qFuncWithIgnore(rt, icpl)
	require.NoError(t, r.doRefresh(true))

	for i := uint(0); i < 10; i++ {
		if i == icpl {
			require.Equal(t, 0, rt.NPeersForCpl(i))
			continue
		}
		require.Equal(t, 1, rt.NPeersForCpl(i))
	}
	require.Equal(t, 2, rt.NPeersForCpl(10))
	for i := uint(11); i < 20; i++ {
		require.Equal(t, 0, rt.NPeersForCpl(i))
	}

	// the ignored cpl is given up on after repeated empty refreshes
	require.NoError(t, r.doRefresh(true))
	require.Equal(t, 2, r.noResultsForCpl[icpl])
	var queried []uint
	r.refreshQueryFnc = func(_ context.Context, target key.ID) error {
		queried = append(queried, uint(local.CommonPrefixLen(target)))
		return nil
	}
	require.NoError(t, r.doRefresh(true))
	require.NotContains(t, queried, icpl)
}

func TestRefreshErrorsAreAggregated(t *testing.T) {
	local := key.Random()
	rt := newTestTable(t, local)
	require.True(t, rt.Insert(context.Background(), kbucket.NewContact(key.RandomWithCPL(local, 1), nil)))

	r := &RtRefreshManager{ctx: context.Background(), rt: rt, refreshKeyGenFnc: rt.GenRandIDForCpl, self: local,
		noResultsForCpl: map[uint]int{}, cplIntervals: map[uint]time.Duration{}, refreshQueryTimeout: time.Second,
		refreshQueryFnc: func(context.Context, key.ID) error { return errors.New("boom") }}

	err := r.doRefresh(true)
	require.Error(t, err)
	// self query plus cpls 0 and 1
	require.Contains(t, err.Error(), "3 errors occurred")
}

func TestQueryTimeoutIsNotAnError(t *testing.T) {
	local := key.Random()
	r := &RtRefreshManager{ctx: context.Background(), self: local, refreshQueryTimeout: 10 * time.Millisecond,
		refreshQueryFnc: func(ctx context.Context, _ key.ID) error {
			<-ctx.Done()
			return ctx.Err()
		}}
	require.NoError(t, r.queryForSelf())
}

func TestJitteredInterval(t *testing.T) {
	interval := time.Minute
	r, err := NewRtRefreshManager(key.Random(), newTestTable(t, key.Random()), false, nil, nil, nil, time.Second, interval, time.Minute)
	require.NoError(t, err)

	distinct := map[time.Duration]struct{}{}
	for cpl := uint(0); cpl < 64; cpl++ {
		d := r.intervalForCpl(cpl)
		require.GreaterOrEqual(t, d, interval/2)
		require.Less(t, d, 3*interval/2)
		require.Equal(t, d, r.intervalForCpl(cpl))
		distinct[d] = struct{}{}
	}
	require.Greater(t, len(distinct), 1)

	// a bucket touched just now is not refreshed, one untouched for long is
	var refreshed int
	r.refreshKeyGenFnc = r.rt.GenRandIDForCpl
	r.refreshQueryFnc = func(context.Context, key.ID) error {
		refreshed++
		return nil
	}
	var skips []bool
	r.RefreshLaunched = func(cpl uint, skipped bool) {
		require.Zero(t, cpl)
		skips = append(skips, skipped)
	}
	require.NoError(t, r.refreshCplIfEligible(0, time.Now()))
	require.Equal(t, 0, refreshed)
	require.NoError(t, r.refreshCplIfEligible(0, time.Now().Add(-2*interval)))
	require.Equal(t, 1, refreshed)
	require.Equal(t, []bool{true, false}, skips)
}

func TestNewRtRefreshManagerValidates(t *testing.T) {
	_, err := NewRtRefreshManager(key.Random(), nil, false, nil, nil, nil, time.Second, 0, time.Minute)
	require.Error(t, err)
	_, err = NewRtRefreshManager(key.Random(), nil, false, nil, nil, nil, 0, time.Minute, time.Minute)
	require.Error(t, err)
}

func TestStalePeersAreEvicted(t *testing.T) {
	local := key.Random()
	rt := newTestTable(t, local)
	alive := kbucket.NewContact(key.RandomWithCPL(local, 0), nil)
	dead := kbucket.NewContact(key.RandomWithCPL(local, 1), nil)
	require.True(t, rt.Insert(context.Background(), alive))
	require.True(t, rt.Insert(context.Background(), dead))

	var mu sync.Mutex
	var pinged []key.ID
	r, err := NewRtRefreshManager(local, rt, false, rt.GenRandIDForCpl,
		func(context.Context, key.ID) error { return nil },
		func(_ context.Context, c kbucket.Contact) error {
			mu.Lock()
			pinged = append(pinged, c.ID)
			mu.Unlock()
			if c.ID == dead.ID {
				return errors.New("no answer")
			}
			return nil
		},
		time.Second, time.Hour, time.Nanosecond)
	require.NoError(t, err)
	require.NoError(t, r.Start())
	defer r.Close()

	require.NoError(t, <-r.Refresh(false))

	require.ElementsMatch(t, []key.ID{alive.ID, dead.ID}, pinged)
	_, found := rt.Find(dead.ID)
	require.False(t, found)
	_, found = rt.Find(alive.ID)
	require.True(t, found)
}

func TestRefreshAfterClose(t *testing.T) {
	local := key.Random()
	rt := newTestTable(t, local)
	r, err := NewRtRefreshManager(local, rt, false, rt.GenRandIDForCpl,
		func(context.Context, key.ID) error { return nil }, nil, time.Second, time.Hour, time.Hour)
	require.NoError(t, err)
	require.NoError(t, r.Start())
	require.NoError(t, <-r.Refresh(true))
	require.NoError(t, r.Close())
	require.ErrorIs(t, <-r.Refresh(true), context.Canceled)
	r.RefreshNoWait()
}
