package dht

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log"
	"github.com/jbenet/goprocess"
	goprocessctx "github.com/jbenet/goprocess/context"
	"go.opencensus.io/metric/metricdata"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"

	dhtnet "github.com/kadnet/go-kad-dht/internal/net"
	"github.com/kadnet/go-kad-dht/kbucket"
	"github.com/kadnet/go-kad-dht/key"
	"github.com/kadnet/go-kad-dht/metrics"
	"github.com/kadnet/go-kad-dht/netsize"
	"github.com/kadnet/go-kad-dht/persist"
	"github.com/kadnet/go-kad-dht/rtrefresh"
)

var logger = logging.Logger("dht")

// FindNodeRPC is the transport a node uses to ask a contact for the contacts
// it knows closest to target. The deadline of the request is carried by ctx.
// Any error is treated as the contact being unresponsive.
type FindNodeRPC interface {
	SendFindNode(ctx context.Context, to kbucket.Contact, target key.ID) ([]kbucket.Contact, error)
}

// KadDHT is a Kademlia node: a routing table of known contacts and the
// iterative lookup that keeps it populated.
type KadDHT struct {
	self kbucket.Contact

	routingTable     *kbucket.RoutingTable
	dispatcher       *dhtnet.Dispatcher
	rtRefreshManager *rtrefresh.RtRefreshManager
	snapshotter      persist.Snapshotter
	seeder           persist.Seeder
	nsEstimator      *netsize.Estimator
	rtEvents         *rtEventChannel

	bucketSize int
	alpha      int
	beta       int

	ctx  context.Context
	proc goprocess.Process

	joinLk      sync.Mutex
	joined      int32
	refreshOnce sync.Once

	gaugeLabels []metricdata.LabelValue
}

// New creates a new node with the given contact, sending its requests through rpc.
// The node answers requests once its HandleFindNode is wired to the transport,
// and performs lookups once Join succeeded.
func New(ctx context.Context, self kbucket.Contact, rpc FindNodeRPC, options ...Option) (*KadDHT, error) {
	var cfg config
	if err := cfg.apply(append([]Option{defaults}, options...)...); err != nil {
		return nil, err
	}
	if err := cfg.applyFallbacks(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if rpc == nil {
		return nil, fmt.Errorf("no rpc transport given")
	}

	dht := &KadDHT{
		self:        self,
		snapshotter: cfg.snapshotter,
		bucketSize:  cfg.bucketSize,
		alpha:       cfg.concurrency,
		beta:        cfg.resiliency,
	}
	dht.rtEvents = routingTableEvents(ctx)
	dht.proc = goprocessctx.WithContextAndTeardown(ctx, dht.teardown)
	dht.ctx = dht.newContextWithLocalTags(goprocessctx.OnClosingContext(dht.proc))

	var err error
	dht.dispatcher, err = dhtnet.NewDispatcher(dht.ctx, rpc, cfg.threadsPerNode, cfg.requestTimeout)
	if err != nil {
		dht.proc.Close()
		return nil, err
	}
	dht.routingTable, err = kbucket.NewRoutingTable(cfg.bucketSize, self.ID, dht.dispatcher, cfg.probeTimeout, cfg.maxFailures)
	if err != nil {
		dht.proc.Close()
		return nil, err
	}
	dht.routingTable.PeerAdded = func(c kbucket.Contact) {
		logger.Debugw("peer added to routing table", "self", dht.self.ID, "peer", c)
		stats.Record(dht.ctx, metrics.RoutingTablePeersAdded.M(1))
		dht.publishRoutingTableEvent(NewRoutingTableEvent(NewRoutingTablePeerUpdatedEvent([]kbucket.Contact{c}, nil), nil))
	}
	dht.routingTable.PeerRemoved = func(c kbucket.Contact) {
		logger.Debugw("peer removed from routing table", "self", dht.self.ID, "peer", c)
		stats.Record(dht.ctx, metrics.RoutingTablePeersRemoved.M(1))
		dht.publishRoutingTableEvent(NewRoutingTableEvent(NewRoutingTablePeerUpdatedEvent(nil, []kbucket.Contact{c}), nil))
	}
	dht.seeder = persist.NewRandomSeeder(dht.dispatcher, cfg.seedTarget)
	dht.nsEstimator = netsize.NewEstimator(self.ID, dht.routingTable, netsize.WithBucketSize(cfg.bucketSize))

	dht.rtRefreshManager, err = rtrefresh.NewRtRefreshManager(
		self.ID, dht.routingTable, cfg.routingTable.autoRefresh,
		dht.routingTable.GenRandIDForCpl,
		dht.refreshQuery,
		dht.dispatcher.Ping,
		cfg.routingTable.refreshQueryTimeout,
		cfg.routingTable.refreshPeriod,
		cfg.routingTable.staleGracePeriod)
	if err != nil {
		dht.proc.Close()
		return nil, err
	}
	dht.rtRefreshManager.RefreshLaunched = func(cpl uint, skipped bool) {
		dht.publishRoutingTableEvent(NewRoutingTableEvent(nil, NewBucketRefreshLaunchedEvent(int(cpl), skipped)))
	}

	dht.gaugeLabels = []metricdata.LabelValue{
		metricdata.NewLabelValue(self.ID.String()),
		metricdata.NewLabelValue(fmt.Sprintf("%p", dht)),
	}
	if err := metrics.RoutingTableNumEntries.UpsertEntry(func() int64 {
		return int64(dht.routingTable.Size())
	}, dht.gaugeLabels...); err != nil {
		logger.Warnw("failed to register routing table size gauge", "error", err)
	}

	return dht, nil
}

// teardown runs once the process is closing, after every child exited.
func (dht *KadDHT) teardown() error {
	var err error
	// pending requests fail first so that running lookups end their round
	if dht.dispatcher != nil {
		err = dht.dispatcher.Close()
	}
	if dht.rtRefreshManager != nil {
		if rerr := dht.rtRefreshManager.Close(); err == nil {
			err = rerr
		}
	}
	if dht.snapshotter != nil && dht.routingTable != nil && dht.routingTable.Size() > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if serr := dht.snapshotter.Store(ctx, dht.routingTable); serr != nil {
			logger.Warnw("failed to store routing table snapshot", "error", serr)
		} else {
			logger.Debugw("stored routing table snapshot", "self", dht.self.ID, "contacts", dht.routingTable.Size())
		}
		cancel()
	}
	if dht.gaugeLabels != nil {
		// the registry keeps entries forever, stop reading from the closed table
		if gerr := metrics.RoutingTableNumEntries.UpsertEntry(func() int64 { return 0 }, dht.gaugeLabels...); gerr != nil {
			logger.Debugw("failed to reset routing table size gauge", "error", gerr)
		}
	}
	return err
}

// newContextWithLocalTags returns a new context.Context with the InstanceID and
// PeerID keys populated. It will also take any extra tags that need adding to
// the context as tag.Mutators.
func (dht *KadDHT) newContextWithLocalTags(ctx context.Context, extraTags ...tag.Mutator) context.Context {
	extraTags = append(
		extraTags,
		tag.Upsert(metrics.KeyLocalPeerID, dht.self.ID.String()),
		tag.Upsert(metrics.KeyInstanceID, fmt.Sprintf("%p", dht)),
	)
	ctx, _ = tag.New(
		ctx,
		extraTags...,
	) // ignoring error as it is unrelated to the actual function of this code.
	return ctx
}

// refreshQuery runs the lookup a refresh of target asks for. An empty table
// has nothing to refresh.
func (dht *KadDHT) refreshQuery(ctx context.Context, target key.ID) error {
	if dht.routingTable.Size() == 0 {
		return nil
	}
	_, err := dht.FindClosest(ctx, target, dht.bucketSize)
	return err
}

// Self returns the contact of the local node.
func (dht *KadDHT) Self() kbucket.Contact {
	return dht.self
}

// Joined reports whether the node has joined a network.
func (dht *KadDHT) Joined() bool {
	return atomic.LoadInt32(&dht.joined) == 1
}

func (dht *KadDHT) setJoined(joined bool) {
	var v int32
	if joined {
		v = 1
	}
	atomic.StoreInt32(&dht.joined, v)
}

// RoutingTable returns the routing table of the node.
func (dht *KadDHT) RoutingTable() *kbucket.RoutingTable {
	return dht.routingTable
}

// GetAllContacts returns a copy of every contact in the routing table.
func (dht *KadDHT) GetAllContacts() []kbucket.Contact {
	return dht.routingTable.ListContacts()
}

// RoutingTableDump returns a human readable description of the routing table.
func (dht *KadDHT) RoutingTableDump() string {
	return dht.routingTable.String()
}

// RefreshRoutingTable tells the DHT to refresh its routing tables.
//
// The returned channel will block until the refresh finishes, then yield the
// error and close. The channel is buffered and safe to ignore. A node that
// has not joined a network yields ErrNotJoined.
func (dht *KadDHT) RefreshRoutingTable() <-chan error {
	if !dht.Joined() {
		return notJoinedCh()
	}
	return dht.rtRefreshManager.Refresh(false)
}

// ForceRefresh acts like RefreshRoutingTable but forces the DHT to refresh all
// buckets in the Routing Table irrespective of when they were last refreshed.
//
// The returned channel will block until the refresh finishes, then yield the
// error and close. The channel is buffered and safe to ignore.
func (dht *KadDHT) ForceRefresh() <-chan error {
	if !dht.Joined() {
		return notJoinedCh()
	}
	return dht.rtRefreshManager.Refresh(true)
}

func notJoinedCh() <-chan error {
	ch := make(chan error, 1)
	ch <- ErrNotJoined
	close(ch)
	return ch
}

// Context returns the DHT's context.
func (dht *KadDHT) Context() context.Context {
	return dht.ctx
}

// Process returns DHT goprocess.Process.
func (dht *KadDHT) Process() goprocess.Process {
	return dht.proc
}

// Close calls goprocess.Process Close.
func (dht *KadDHT) Close() error {
	return dht.proc.Close()
}

func (dht *KadDHT) closed() bool {
	return dht.ctx.Err() != nil
}
