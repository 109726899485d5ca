package dht

import (
	"fmt"
	"time"

	ds "github.com/ipfs/go-datastore"

	"github.com/kadnet/go-kad-dht/persist"
)

// Options is a structure containing all the options that can be used when constructing a DHT.
type config struct {
	bucketSize     int
	concurrency    int
	resiliency     int
	threadsPerNode int
	requestTimeout time.Duration
	probeTimeout   time.Duration
	maxFailures    int

	routingTable struct {
		refreshQueryTimeout time.Duration
		refreshPeriod       time.Duration
		autoRefresh         bool
		staleGracePeriod    time.Duration
	}

	datastore         ds.Datastore
	snapshotNamespace string
	snapshotter       persist.Snapshotter
	seedTarget        int
}

// apply applies the given options to this Option
func (c *config) apply(opts ...Option) error {
	for i, opt := range opts {
		if err := opt(c); err != nil {
			return fmt.Errorf("dht option %d failed: %s", i, err)
		}
	}
	return nil
}

// Option DHT option type.
type Option func(*config) error

const (
	defaultBucketSize     = 20
	defaultConcurrency    = 3
	defaultResiliency     = 3
	defaultThreadsPerNode = 4
)

// defaults are the default DHT options. This option will be automatically
// prepended to any options you pass to the DHT constructor.
var defaults = func(o *config) error {
	o.bucketSize = defaultBucketSize
	o.concurrency = defaultConcurrency
	o.resiliency = defaultResiliency
	o.threadsPerNode = defaultThreadsPerNode
	o.requestTimeout = 10 * time.Second
	o.maxFailures = 3

	o.routingTable.refreshQueryTimeout = time.Minute
	o.routingTable.refreshPeriod = 10 * time.Minute
	o.routingTable.autoRefresh = true

	o.snapshotNamespace = "/dht"
	return nil
}

// applyFallbacks sets default DHT options. It is applied after Defaults and any options passed to the constructor in
// order to allow for defaults that are based on other set options.
func (c *config) applyFallbacks() error {
	if c.probeTimeout == 0 {
		c.probeTimeout = c.requestTimeout
	}
	if c.routingTable.staleGracePeriod == 0 {
		c.routingTable.staleGracePeriod = c.routingTable.refreshPeriod
	}
	if c.seedTarget == 0 {
		c.seedTarget = c.bucketSize
	}
	if c.snapshotter == nil && c.datastore != nil {
		s, err := persist.NewDatastoreSnapshotter(c.datastore, c.snapshotNamespace)
		if err != nil {
			return err
		}
		c.snapshotter = s
	}
	return nil
}

func (c *config) validate() error {
	if c.bucketSize < 1 {
		return fmt.Errorf("bucket size must be positive, got %d", c.bucketSize)
	}
	if c.concurrency < 1 {
		return fmt.Errorf("concurrency (alpha) must be positive, got %d", c.concurrency)
	}
	if c.resiliency < 1 {
		return fmt.Errorf("resiliency (beta) must be positive, got %d", c.resiliency)
	}
	if c.threadsPerNode < 1 {
		return fmt.Errorf("threads per node must be positive, got %d", c.threadsPerNode)
	}
	if c.requestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", c.requestTimeout)
	}
	if c.probeTimeout <= 0 {
		return fmt.Errorf("probe timeout must be positive, got %s", c.probeTimeout)
	}
	if c.maxFailures < 1 {
		return fmt.Errorf("max failures must be positive, got %d", c.maxFailures)
	}
	if c.routingTable.refreshPeriod <= 0 {
		return fmt.Errorf("routing table refresh period must be positive, got %s", c.routingTable.refreshPeriod)
	}
	if c.routingTable.refreshQueryTimeout <= 0 {
		return fmt.Errorf("routing table refresh query timeout must be positive, got %s", c.routingTable.refreshQueryTimeout)
	}
	return nil
}

// BucketSize configures the bucket size (k) of the routing table. It is
// also the number of contacts a lookup returns by default.
//
// The default value is 20.
func BucketSize(bucketSize int) Option {
	return func(c *config) error {
		c.bucketSize = bucketSize
		return nil
	}
}

// Concurrency configures the number of concurrent requests (alpha) issued
// by each round of a lookup.
//
// The default value is 3.
func Concurrency(alpha int) Option {
	return func(c *config) error {
		c.concurrency = alpha
		return nil
	}
}

// Resiliency configures the number of consecutive rounds without a closer
// contact (beta) after which a lookup gives up.
//
// The default value is 3.
func Resiliency(beta int) Option {
	return func(c *config) error {
		c.resiliency = beta
		return nil
	}
}

// ThreadsPerNode configures the number of workers executing the outbound
// requests of the node, shared by all its lookups.
//
// The default value is 4.
func ThreadsPerNode(n int) Option {
	return func(c *config) error {
		c.threadsPerNode = n
		return nil
	}
}

// RequestTimeout sets the time a contact has to answer a request before
// being considered unresponsive.
//
// The default value is 10 seconds.
func RequestTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		c.requestTimeout = timeout
		return nil
	}
}

// ProbeTimeout sets the time the least recently seen contact of a full
// bucket has to answer the liveness probe before being evicted.
//
// Defaults to the request timeout.
func ProbeTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		c.probeTimeout = timeout
		return nil
	}
}

// MaxFailures sets the number of consecutive failed requests after which a
// contact is evicted without a probe as soon as a fresher contact shows up.
//
// The default value is 3.
func MaxFailures(n int) Option {
	return func(c *config) error {
		c.maxFailures = n
		return nil
	}
}

// RoutingTableRefreshQueryTimeout sets the timeout for routing table refresh
// queries.
func RoutingTableRefreshQueryTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		c.routingTable.refreshQueryTimeout = timeout
		return nil
	}
}

// RoutingTableRefreshPeriod sets the mean period for refreshing buckets in the
// routing table. The DHT will refresh buckets every period by:
//
//  1. First searching for nearby peers to figure out how many buckets we should try to fill.
//  2. Then searching for a random key in each bucket that hasn't been queried in
//     the last refresh period, jittered per bucket.
func RoutingTableRefreshPeriod(period time.Duration) Option {
	return func(c *config) error {
		c.routingTable.refreshPeriod = period
		return nil
	}
}

// RoutingTableStaleGracePeriod sets how long a contact may go unseen before a
// refresh checks its liveness.
//
// Defaults to the refresh period.
func RoutingTableStaleGracePeriod(period time.Duration) Option {
	return func(c *config) error {
		c.routingTable.staleGracePeriod = period
		return nil
	}
}

// DisableAutoRefresh completely disables 'auto-refresh' on the DHT routing
// table. The routing table is then only refreshed on RefreshRoutingTable and
// ForceRefresh.
func DisableAutoRefresh() Option {
	return func(c *config) error {
		c.routingTable.autoRefresh = false
		return nil
	}
}

// Datastore configures the DHT to use the specified datastore for routing
// table snapshots.
//
// Defaults to no datastore, in which case no snapshot is taken.
func Datastore(ds ds.Datastore) Option {
	return func(c *config) error {
		c.datastore = ds
		return nil
	}
}

// RoutingTableSnapshotter configures how the routing table is saved on Close
// and restored by a Join without bootstrap contacts. It takes precedence over
// Datastore.
func RoutingTableSnapshotter(s persist.Snapshotter) Option {
	return func(c *config) error {
		c.snapshotter = s
		return nil
	}
}

// SeedTarget sets how many live contacts of a restored snapshot are put back
// in the routing table before joining through them.
//
// Defaults to the bucket size.
func SeedTarget(n int) Option {
	return func(c *config) error {
		if n < 1 {
			return fmt.Errorf("seed target must be positive, got %d", n)
		}
		c.seedTarget = n
		return nil
	}
}
