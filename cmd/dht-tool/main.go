// dht-tool spins up a cluster of nodes on an in-memory network, joins them
// one after the other and checks that every node finds every other one.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	logging "github.com/ipfs/go-log"
	"github.com/spf13/cobra"

	dht "github.com/kadnet/go-kad-dht"
	"github.com/kadnet/go-kad-dht/internal/simnet"
	"github.com/kadnet/go-kad-dht/kbucket"
)

var (
	nodes       int
	bucketSize  int
	alpha       int
	beta        int
	threads     int
	timeout     time.Duration
	refresh     time.Duration
	latency     time.Duration
	jitter      time.Duration
	loss        float64
	seed        int64
	awaitFor    time.Duration
	dumpTables  bool
	logLevel    string
	failOnMiss  bool
	lookupLimit int
)

var rootCmd = &cobra.Command{
	Use:   "dht-tool",
	Short: "Kademlia DHT cluster simulator",
	Long: "Runs a cluster of DHT nodes on an in-memory network with configurable latency and loss, " +
		"joins every node through the ones started before it, then makes every node look up every other one.",
	SilenceUsage: true,
	RunE:         runCluster,
}

func init() {
	f := rootCmd.Flags()
	f.IntVarP(&nodes, "nodes", "n", 10, "number of nodes in the cluster")
	f.IntVarP(&bucketSize, "bucket-size", "k", 20, "bucket size")
	f.IntVar(&alpha, "alpha", 3, "lookup concurrency")
	f.IntVar(&beta, "beta", 3, "unimproved rounds before a lookup stops")
	f.IntVar(&threads, "threads", 4, "request workers per node")
	f.DurationVar(&timeout, "timeout", 2*time.Second, "request timeout")
	f.DurationVar(&refresh, "refresh", 10*time.Minute, "mean routing table refresh period, 0 disables refreshes")
	f.DurationVar(&latency, "latency", 0, "one way network latency")
	f.DurationVar(&jitter, "jitter", 0, "random latency added to every message")
	f.Float64Var(&loss, "loss", 0, "probability for a message to be lost")
	f.Int64Var(&seed, "seed", time.Now().UnixNano(), "seed of the network randomness")
	f.DurationVar(&awaitFor, "await", 30*time.Second, "how long to wait for a single lookup")
	f.BoolVar(&dumpTables, "dump", false, "print every routing table at the end")
	f.StringVar(&logLevel, "log-level", "warn", "log level of the dht subsystems")
	f.BoolVar(&failOnMiss, "strict", true, "exit with an error if a lookup does not find its target first")
	f.IntVar(&lookupLimit, "lookups", 0, "stop after that many lookups, 0 means every pair")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCluster(cmd *cobra.Command, _ []string) error {
	if nodes < 2 {
		return errors.New("a cluster needs at least two nodes")
	}
	if err := logging.SetLogLevelRegex("^dht", logLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()

	net, err := simnet.New(simnet.Latency(latency, jitter), simnet.Loss(loss), simnet.Seed(seed))
	if err != nil {
		return err
	}

	opts := []dht.Option{
		dht.BucketSize(bucketSize),
		dht.Concurrency(alpha),
		dht.Resiliency(beta),
		dht.ThreadsPerNode(threads),
		dht.RequestTimeout(timeout),
	}
	if refresh > 0 {
		opts = append(opts, dht.RoutingTableRefreshPeriod(refresh))
	} else {
		opts = append(opts, dht.DisableAutoRefresh())
	}

	out := cmd.OutOrStdout()
	cluster := make([]*dht.KadDHT, 0, nodes)
	defer func() {
		for _, d := range cluster {
			d.Close()
		}
	}()

	start := time.Now()
	var bootstrap []kbucket.Contact
	for i := 0; i < nodes; i++ {
		self, err := net.NewIdentity()
		if err != nil {
			return err
		}
		d, err := dht.New(ctx, self, net.Client(self), opts...)
		if err != nil {
			return err
		}
		cluster = append(cluster, d)
		if err := net.Attach(self, d); err != nil {
			return err
		}
		if err := d.Join(ctx, bootstrap); err != nil {
			return fmt.Errorf("node %d (%s) failed to join: %w", i, self.ID.ShortString(), err)
		}
		bootstrap = append(bootstrap, self)
	}
	fmt.Fprintf(out, "joined %d nodes in %s\n", nodes, time.Since(start).Truncate(time.Millisecond))

	start = time.Now()
	var lookups, misses, failures int
outer:
	for _, d := range cluster {
		for _, other := range cluster {
			if other == d {
				continue
			}
			if lookupLimit > 0 && lookups >= lookupLimit {
				break outer
			}
			lookups++
			target := other.Self().ID
			closest, err := d.StartLookup(ctx, target, bucketSize).Await(awaitFor)
			switch {
			case err != nil:
				failures++
				fmt.Fprintf(out, "lookup from %s for %s failed: %s\n", d.Self().ID.ShortString(), target.ShortString(), err)
			case len(closest) == 0 || closest[0].ID != target:
				misses++
				fmt.Fprintf(out, "lookup from %s for %s did not find its target first\n", d.Self().ID.ShortString(), target.ShortString())
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
	fmt.Fprintf(out, "ran %d lookups in %s: %d failed, %d missed\n", lookups, time.Since(start).Truncate(time.Millisecond), failures, misses)

	for _, d := range cluster {
		estimate := "n/a"
		if size, err := d.NetworkSize(); err == nil {
			estimate = fmt.Sprint(size)
		}
		fmt.Fprintf(out, "%s: %d contacts, network size estimate %s\n", d.Self().ID.ShortString(), d.RoutingTable().Size(), estimate)
		if dumpTables {
			fmt.Fprint(out, d.RoutingTableDump())
		}
	}
	sent, dropped := net.Stats()
	fmt.Fprintf(out, "network: %d requests, %d dropped\n", sent, dropped)

	if failOnMiss && failures+misses > 0 {
		return fmt.Errorf("%d of %d lookups did not converge", failures+misses, lookups)
	}
	return nil
}
