package persist

import (
	"context"

	log "github.com/ipfs/go-log"

	"github.com/kadnet/go-kad-dht/kbucket"
)

var logSnapshot = log.Logger("dht/snapshot")
var logSeed = log.Logger("dht/seeder")

// A Seeder fills a routing table from a set of candidates, typically recovered
// from a snapshot, resorting to fallback contacts when the candidates are
// unworkable.
type Seeder interface {
	// Seed inserts live contacts from candidates into the routing table, then
	// from fallback if candidates did not provide enough of them.
	Seed(ctx context.Context, into *kbucket.RoutingTable, candidates []kbucket.Contact, fallback []kbucket.Contact) error
}

// A Snapshotter provides the ability to save and restore a routing table from a persistent medium.
type Snapshotter interface {
	// Load recovers a snapshot from storage, and returns candidates to integrate in a fresh routing table.
	Load(ctx context.Context) ([]kbucket.Contact, error)

	// Store persists the current state of the routing table.
	Store(ctx context.Context, rt *kbucket.RoutingTable) error
}
