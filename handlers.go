package dht

import (
	"context"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/tag"

	"github.com/kadnet/go-kad-dht/kbucket"
	"github.com/kadnet/go-kad-dht/key"
	"github.com/kadnet/go-kad-dht/metrics"
)

// HandleFindNode answers a FindNode RPC from a remote node: it returns the
// bucket size closest contacts to target, never including from itself.
//
// The requester is inserted into the routing table, which is how a node
// that only sends requests still becomes known to the nodes it queries.
func (dht *KadDHT) HandleFindNode(ctx context.Context, from kbucket.Contact, target key.ID) []kbucket.Contact {
	start := time.Now()
	if dht.closed() {
		return nil
	}
	mctx, _ := tag.New(dht.ctx, metrics.UpsertRpcType(metrics.RpcFindNode))
	stats.Record(mctx, metrics.ReceivedRequests.M(1))
	defer func() {
		stats.Record(mctx, metrics.InboundRequestLatency.M(float64(time.Since(start))/float64(time.Millisecond)))
	}()

	if from.ID != dht.self.ID && from.Addr != nil {
		dht.routingTable.InsertAsync(dht.ctx, from)
	}

	closest := dht.routingTable.ClosestTo(target, dht.bucketSize+1)
	out := make([]kbucket.Contact, 0, len(closest))
	for _, c := range closest {
		if c.ID == from.ID {
			continue
		}
		out = append(out, c)
		if len(out) == dht.bucketSize {
			break
		}
	}
	logger.Debugw("handled find node", "self", dht.self.ID, "from", from.ID, "target", target, "returned", len(out))
	return out
}
