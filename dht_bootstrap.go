package dht

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadnet/go-kad-dht/kbucket"
	"github.com/kadnet/go-kad-dht/qpeerset"
)

// Join connects the node to the network the bootstrap contacts belong to. The
// bootstrap contacts are added to the routing table, then a lookup for the
// node's own identifier fills the table with its neighbourhood.
//
// Join fails with ErrJoinFailed if none of the bootstrap contacts answered, in
// which case they are removed again and the node stays un-joined. Without
// bootstrap contacts the node is the first of a new network, unless a
// snapshot of a previous routing table can be restored.
//
// A successful join starts the periodic refresh of the routing table.
func (dht *KadDHT) Join(ctx context.Context, bootstrap []kbucket.Contact) (err error) {
	ctx, span := startSpan(ctx, "Join", trace.WithAttributes(attribute.Int("Bootstrap", len(bootstrap))))
	defer endSpan(span, &err)

	if dht.closed() {
		return ErrClosed
	}

	dht.joinLk.Lock()
	defer dht.joinLk.Unlock()

	seeds := make([]kbucket.Contact, 0, len(bootstrap))
	for _, c := range bootstrap {
		if c.ID == dht.self.ID {
			continue
		}
		seeds = append(seeds, c)
	}
	if len(seeds) == 0 {
		dht.restoreSnapshot(ctx)
		logger.Infow("joined", "self", dht.self.ID, "contacts", dht.routingTable.Size())
		dht.markJoined()
		return nil
	}

	for _, c := range seeds {
		dht.routingTable.Insert(ctx, c)
	}
	res, lookupErr := dht.runLookup(ctx, dht.self.ID, seeds, dht.bucketSize)

	reached := 0
	for _, c := range seeds {
		if res.qps.Contains(c.ID) && res.qps.GetState(c.ID) == qpeerset.PeerQueried {
			reached++
		}
	}
	if reached == 0 {
		for _, c := range seeds {
			dht.routingTable.Remove(c.ID)
		}
		dht.setJoined(false)
		if lookupErr != nil && ctx.Err() != nil {
			return fmt.Errorf("%w: %s", ErrJoinFailed, lookupErr)
		}
		return fmt.Errorf("%w: none of %d bootstrap contacts responded", ErrJoinFailed, len(seeds))
	}

	logger.Infow("joined", "self", dht.self.ID, "bootstrap", len(seeds), "reached", reached,
		"rounds", res.rounds, "contacts", dht.routingTable.Size())
	dht.markJoined()
	return nil
}

// restoreSnapshot seeds the routing table from the last stored snapshot, if
// any, and looks up the node's own identifier through the restored contacts.
// Failing to restore is not an error: the node then starts a new network.
func (dht *KadDHT) restoreSnapshot(ctx context.Context) {
	if dht.snapshotter == nil {
		return
	}
	candidates, err := dht.snapshotter.Load(ctx)
	if err != nil {
		logger.Warnw("failed to load routing table snapshot", "error", err)
		return
	}
	if len(candidates) == 0 {
		return
	}
	if err := dht.seeder.Seed(ctx, dht.routingTable, candidates, nil); err != nil {
		logger.Infow("routing table restored partially", "error", err, "candidates", len(candidates), "contacts", dht.routingTable.Size())
	}
	if dht.routingTable.Size() == 0 {
		logger.Infow("no contact of the snapshot responded, starting a new network", "candidates", len(candidates))
		return
	}
	seeds := dht.routingTable.ClosestTo(dht.self.ID, dht.alpha)
	if _, err := dht.runLookup(ctx, dht.self.ID, seeds, dht.bucketSize); err != nil {
		logger.Infow("self lookup after restoring snapshot failed", "error", err)
	}
}

func (dht *KadDHT) markJoined() {
	dht.setJoined(true)
	dht.refreshOnce.Do(func() {
		if err := dht.rtRefreshManager.Start(); err != nil {
			logger.Warnw("failed to start routing table refresh", "error", err)
		}
	})
}
