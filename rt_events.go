package dht

import (
	"context"
	"sync"

	"github.com/kadnet/go-kad-dht/kbucket"
	"github.com/kadnet/go-kad-dht/key"
)

func NewRoutingTableEvent(
	peerUpdate *RoutingTablePeerUpdatedEvent,
	bucketEvt *BucketRefreshLaunchedEvent,
) *RoutingTableEvent {
	return &RoutingTableEvent{
		PeerUpdated:           peerUpdate,
		BucketRefreshLaunched: bucketEvt,
	}
}

// RoutingTableEvent is emitted for every notable event that happens to the routing table.
// RoutingTableEvent supports JSON marshalling because all of its fields do, recursively.
type RoutingTableEvent struct {
	// PeerUpdated, if not nil, describes contacts entering or leaving the routing table
	PeerUpdated *RoutingTablePeerUpdatedEvent
	// BucketRefreshLaunched, if not nil, describes a bucket refresh being attempted
	BucketRefreshLaunched *BucketRefreshLaunchedEvent
}

// RoutingTablePeerUpdatedEvent describes contacts being added to or removed from the routing table.
type RoutingTablePeerUpdatedEvent struct {
	// Added is a set of contacts being added to the routing table
	Added []key.ID
	// Removed is a set of contacts being removed from the routing table
	Removed []key.ID
}

func NewRoutingTablePeerUpdatedEvent(added, removed []kbucket.Contact) *RoutingTablePeerUpdatedEvent {
	return &RoutingTablePeerUpdatedEvent{
		Added:   contactIDs(added),
		Removed: contactIDs(removed),
	}
}

// BucketRefreshLaunchedEvent describes a bucket refresh event.
type BucketRefreshLaunchedEvent struct {
	// CPL is the common prefix length of the bucket being refreshed
	CPL int
	// Skipped is whether the refresh is being skipped
	Skipped bool
}

func NewBucketRefreshLaunchedEvent(cpl int, skipped bool) *BucketRefreshLaunchedEvent {
	return &BucketRefreshLaunchedEvent{CPL: cpl, Skipped: skipped}
}

type rtEventKey struct{}

type rtEventChannel struct {
	mu  sync.Mutex
	ctx context.Context
	ch  chan<- *RoutingTableEvent
}

// waitThenClose is spawned in a goroutine when the channel is registered. This
// safely cleans up the channel when the context has been canceled.
func (e *rtEventChannel) waitThenClose() {
	<-e.ctx.Done()
	e.mu.Lock()
	close(e.ch)
	e.ch = nil
	e.mu.Unlock()
}

// send sends an event on the event channel, aborting if either the passed or
// the internal context expire.
func (e *rtEventChannel) send(ctx context.Context, ev *RoutingTableEvent) {
	e.mu.Lock()
	// Closed.
	if e.ch == nil {
		e.mu.Unlock()
		return
	}
	// in case the passed context is unrelated, wait on both.
	select {
	case e.ch <- ev:
	case <-e.ctx.Done():
	case <-ctx.Done():
	}
	e.mu.Unlock()
}

// RegisterForRoutingTableEvents registers a routing table event channel with the given context.
// The returned context can be passed in when creating a DHT to receive routing table events on
// the returned channels.
//
// The passed context MUST be canceled when the caller is no longer interested
// in routing table events.
func RegisterForRoutingTableEvents(ctx context.Context) (context.Context, <-chan *RoutingTableEvent) {
	ch := make(chan *RoutingTableEvent, RoutingTableEventBufferSize)
	ech := &rtEventChannel{ch: ch, ctx: ctx}
	go ech.waitThenClose()
	return context.WithValue(ctx, rtEventKey{}, ech), ch
}

// Number of events to buffer.
var RoutingTableEventBufferSize = 16

// routingTableEvents returns the event channel registered with ctx, if any.
func routingTableEvents(ctx context.Context) *rtEventChannel {
	ich := ctx.Value(rtEventKey{})
	if ich == nil {
		return nil
	}
	// We *want* to panic here.
	return ich.(*rtEventChannel)
}

// publishRoutingTableEvent sends ev to the channel registered with the
// context the node was created with, until the node closes.
func (dht *KadDHT) publishRoutingTableEvent(ev *RoutingTableEvent) {
	if dht.rtEvents == nil {
		return
	}
	dht.rtEvents.send(dht.ctx, ev)
}
