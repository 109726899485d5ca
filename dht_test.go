package dht

import (
	"context"
	"fmt"
	"testing"
	"time"

	detectrace "github.com/ipfs/go-detect-race"
	tu "github.com/libp2p/go-libp2p-testing/etc"
	"github.com/stretchr/testify/require"

	"github.com/kadnet/go-kad-dht/internal/simnet"
	"github.com/kadnet/go-kad-dht/kbucket"
	"github.com/kadnet/go-kad-dht/key"
	"github.com/kadnet/go-kad-dht/metrics"
)

func newTestNetwork(t *testing.T, opts ...simnet.Option) *simnet.Network {
	t.Helper()
	n, err := simnet.New(opts...)
	require.NoError(t, err)
	return n
}

func setupDHT(ctx context.Context, t *testing.T, net *simnet.Network, options ...Option) *KadDHT {
	t.Helper()
	self, err := net.NewIdentity()
	require.NoError(t, err)

	d, err := New(ctx, self, net.Client(self),
		append([]Option{DisableAutoRefresh(), RequestTimeout(time.Second)}, options...)...)
	require.NoError(t, err)
	require.NoError(t, net.Attach(self, d))
	t.Cleanup(func() {
		net.Detach(self)
		d.Close()
	})
	return d
}

func setupDHTS(ctx context.Context, t *testing.T, net *simnet.Network, n int, options ...Option) []*KadDHT {
	t.Helper()
	dhts := make([]*KadDHT, n)
	ids := make(map[key.ID]struct{}, n)
	for i := 0; i < n; i++ {
		dhts[i] = setupDHT(ctx, t, net, options...)
		id := dhts[i].Self().ID
		if _, dup := ids[id]; dup {
			t.Fatal("duplicate node id")
		}
		ids[id] = struct{}{}
	}
	return dhts
}

// joinAll joins every node through all the nodes that joined before it.
func joinAll(ctx context.Context, t *testing.T, dhts []*KadDHT) {
	t.Helper()
	var bootstrap []kbucket.Contact
	for _, d := range dhts {
		require.NoError(t, d.Join(ctx, bootstrap))
		require.True(t, d.Joined())
		bootstrap = append(bootstrap, d.Self())
	}
}

func contactSet(contacts []kbucket.Contact) map[key.ID]struct{} {
	set := make(map[key.ID]struct{}, len(contacts))
	for _, c := range contacts {
		set[c.ID] = struct{}{}
	}
	return set
}

func TestFiveNodeCluster(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := newTestNetwork(t)
	dhts := setupDHTS(ctx, t, net, 5, BucketSize(4), Concurrency(3), Resiliency(2))
	joinAll(ctx, t, dhts)

	for _, d := range dhts {
		contacts := d.GetAllContacts()
		require.Len(t, contacts, 4, d.RoutingTableDump())
		set := contactSet(contacts)
		for _, other := range dhts {
			if other == d {
				continue
			}
			require.Contains(t, set, other.Self().ID)
		}
	}
}

func TestLookupConvergence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nDHTs := 10
	if detectrace.WithRace() {
		nDHTs = 6
	}

	net := newTestNetwork(t)
	dhts := setupDHTS(ctx, t, net, nDHTs, Concurrency(3), Resiliency(4))
	joinAll(ctx, t, dhts)

	for _, d := range dhts {
		for _, other := range dhts {
			if other == d {
				continue
			}
			closest, err := d.FindClosest(ctx, other.Self().ID, 0)
			require.NoError(t, err)
			require.NotEmpty(t, closest)
			require.Equal(t, other.Self().ID, closest[0].ID,
				"lookup from %s for %s", d.Self().ID.ShortString(), other.Self().ID.ShortString())
			for i := 1; i < len(closest); i++ {
				require.True(t, key.Closer(closest[i-1].ID, closest[i].ID, other.Self().ID) ||
					closest[i-1].ID.Distance(other.Self().ID).Cmp(closest[i].ID.Distance(other.Self().ID)) == 0)
			}
		}
	}

	// every node queried every other one, so every table is complete
	for _, d := range dhts {
		require.Equal(t, nDHTs-1, d.RoutingTable().Size(), d.RoutingTableDump())
	}
}

func TestLookupConvergenceWithLatency(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := newTestNetwork(t, simnet.Latency(2*time.Millisecond, 3*time.Millisecond), simnet.Seed(42))
	dhts := setupDHTS(ctx, t, net, 8, Concurrency(3), Resiliency(4))
	joinAll(ctx, t, dhts)

	for i, d := range dhts {
		target := dhts[(i+3)%len(dhts)].Self().ID
		closest, err := d.StartLookup(ctx, target, 0).Await(10 * time.Second)
		require.NoError(t, err)
		require.Equal(t, target, closest[0].ID)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	ctx := context.Background()
	net := newTestNetwork(t)
	self, err := net.NewIdentity()
	require.NoError(t, err)
	rpc := net.Client(self)

	for i, opts := range [][]Option{
		{BucketSize(0)},
		{Concurrency(0)},
		{Resiliency(-1)},
		{ThreadsPerNode(0)},
		{RequestTimeout(0)},
		{MaxFailures(0)},
		{RoutingTableRefreshPeriod(-time.Second)},
	} {
		_, err := New(ctx, self, rpc, opts...)
		require.Error(t, err, "options set %d", i)
	}

	_, err = New(ctx, self, nil)
	require.Error(t, err)

	d, err := New(ctx, self, rpc, BucketSize(8), ProbeTimeout(time.Second))
	require.NoError(t, err)
	require.Equal(t, 8, d.RoutingTable().BucketSize())
	require.NoError(t, d.Close())
}

func TestNotJoined(t *testing.T) {
	ctx := context.Background()
	net := newTestNetwork(t)
	d := setupDHT(ctx, t, net)

	require.False(t, d.Joined())
	_, err := d.FindClosest(ctx, key.Random(), 0)
	require.ErrorIs(t, err, ErrNotJoined)
	require.ErrorIs(t, <-d.RefreshRoutingTable(), ErrNotJoined)
	require.ErrorIs(t, <-d.ForceRefresh(), ErrNotJoined)
}

func TestContextShutDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	net := newTestNetwork(t)
	d := setupDHT(ctx, t, net)
	require.NoError(t, d.Join(ctx, nil))

	select {
	case <-d.Context().Done():
		t.Fatal("context is already done")
	default:
	}

	cancel()
	select {
	case <-d.Context().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context should be done after the parent context was cancelled")
	}

	_, err := d.FindClosest(context.Background(), key.Random(), 0)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, d.Join(context.Background(), nil), ErrClosed)
}

func TestCloseStopsRunningLookups(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := newTestNetwork(t)
	dhts := setupDHTS(ctx, t, net, 4, RequestTimeout(time.Minute))
	joinAll(ctx, t, dhts)
	for _, d := range dhts[1:] {
		net.SetDown(d.Self(), true)
	}

	l := dhts[0].StartLookup(ctx, key.Random(), 0)
	_, err := l.Await(50 * time.Millisecond)
	require.ErrorIs(t, err, ErrLookupTimeout)

	require.NoError(t, dhts[0].Close())
	select {
	case <-l.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("lookup still running after close")
	}
}

func TestRefreshAfterJoin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := newTestNetwork(t)
	dhts := setupDHTS(ctx, t, net, 6)
	joinAll(ctx, t, dhts)

	require.NoError(t, <-dhts[0].ForceRefresh())
	require.NoError(t, <-dhts[0].RefreshRoutingTable())
}

func TestJoinedNodeBecomesKnown(t *testing.T) {
	if detectrace.WithRace() {
		t.Skip("skipping due to race detector max goroutines")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := newTestNetwork(t)
	dhts := setupDHTS(ctx, t, net, 6)
	joinAll(ctx, t, dhts)

	// a late node bootstrapping from a single contact, refreshing in the background
	late, err := net.NewIdentity()
	require.NoError(t, err)
	d, err := New(ctx, late, net.Client(late), RequestTimeout(time.Second))
	require.NoError(t, err)
	defer d.Close()
	require.NoError(t, net.Attach(late, d))
	defer net.Detach(late)

	require.NoError(t, d.Join(ctx, []kbucket.Contact{dhts[0].Self()}))
	require.Equal(t, len(dhts), d.RoutingTable().Size(), d.RoutingTableDump())

	wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
	defer wcancel()
	require.NoError(t, tu.WaitFor(wctx, func() error {
		for _, other := range dhts {
			if _, ok := other.RoutingTable().Find(late.ID); !ok {
				return fmt.Errorf("%s does not know the late node yet", other.Self().ID.ShortString())
			}
		}
		return nil
	}))
}

func routingTableGauge(t *testing.T, self key.ID) (int64, bool) {
	t.Helper()
	for _, m := range metrics.GaugeRegistry.Read() {
		if m.Descriptor.Name != "kadnet_dht_routing_table_num_entries" {
			continue
		}
		for _, ts := range m.TimeSeries {
			if len(ts.LabelValues) == 0 || ts.LabelValues[0].Value != self.String() {
				continue
			}
			require.Len(t, ts.Points, 1)
			v, ok := ts.Points[0].Value.(int64)
			require.True(t, ok)
			return v, true
		}
	}
	return 0, false
}

func TestRoutingTableSizeGauge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := newTestNetwork(t)
	dhts := setupDHTS(ctx, t, net, 4)
	joinAll(ctx, t, dhts)

	d := dhts[3]
	v, ok := routingTableGauge(t, d.Self().ID)
	require.True(t, ok)
	require.EqualValues(t, d.RoutingTable().Size(), v)

	require.NoError(t, d.Close())
	v, ok = routingTableGauge(t, d.Self().ID)
	require.True(t, ok)
	require.Zero(t, v)
}
