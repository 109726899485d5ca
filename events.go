package dht

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/kadnet/go-kad-dht/key"
)

// LookupEvent is emitted for every notable event that happens during a DHT lookup.
// LookupEvent supports JSON marshalling because all of its fields do, recursively.
type LookupEvent struct {
	// ID is a unique identifier for the lookup instance
	ID uuid.UUID
	// Target is the identifier the lookup is searching for.
	Target key.ID
	// Seed, if not nil, lists the contacts the lookup starts from.
	Seed *LookupSeedEvent
	// Round, if not nil, describes the outcome of one round of requests.
	Round *LookupRoundEvent
	// Terminate, if not nil, describe a termination event.
	Terminate *LookupTerminateEvent
}

// LookupSeedEvent describes the initial state of a lookup.
type LookupSeedEvent struct {
	// Heard is the set of contacts the lookup starts from.
	Heard []key.ID
}

// LookupRoundEvent describes a lookup state update at the end of a round.
type LookupRoundEvent struct {
	// Round is the 1-based number of the round.
	Round int
	// Queried is a set of contacts that responded during the round.
	Queried []key.ID
	// Unreachable is a set of contacts that did not respond during the round.
	Unreachable []key.ID
	// Heard is a set of contacts learned during the round.
	Heard []key.ID
	// Improved tells whether the round found a contact closer to the target
	// than the best one known before it.
	Improved bool
	// Unimproved is the number of consecutive rounds, this one included,
	// that did not improve the best known distance.
	Unimproved int
}

// LookupTerminateEvent describes a lookup termination event.
type LookupTerminateEvent struct {
	// Reason is the reason for lookup termination.
	Reason LookupTerminationReason
	// Rounds is the number of rounds the lookup ran.
	Rounds int
}

// NewLookupEvent creates a LookupEvent for the lookup id searching for target.
func NewLookupEvent(id uuid.UUID, target key.ID, seed *LookupSeedEvent, round *LookupRoundEvent, terminate *LookupTerminateEvent) *LookupEvent {
	return &LookupEvent{
		ID:        id,
		Target:    target,
		Seed:      seed,
		Round:     round,
		Terminate: terminate,
	}
}

// LookupTerminationReason captures reasons for terminating a lookup.
type LookupTerminationReason int

const (
	// LookupCancelled indicates that the lookup was aborted by the context.
	LookupCancelled LookupTerminationReason = iota
	// LookupStarvation indicates that the lookup terminated due to lack of unqueried contacts.
	LookupStarvation
	// LookupCompleted indicates that the lookup terminated successfully, every one of the closest contacts having been queried.
	LookupCompleted
	// LookupStalled indicates that the lookup terminated after too many rounds without getting closer to the target.
	LookupStalled
)

func (r LookupTerminationReason) String() string {
	switch r {
	case LookupCancelled:
		return "cancelled"
	case LookupStarvation:
		return "starvation"
	case LookupCompleted:
		return "completed"
	case LookupStalled:
		return "stalled"
	default:
		panic(fmt.Sprintf("unknown LookupTerminationReason %d", r))
	}
}

type routingLookupKey struct{}

type lookupEventChannel struct {
	mu  sync.Mutex
	ctx context.Context
	ch  chan<- *LookupEvent
}

// waitThenClose is spawned in a goroutine when the channel is registered. This
// safely cleans up the channel when the context has been canceled.
func (e *lookupEventChannel) waitThenClose() {
	<-e.ctx.Done()
	e.mu.Lock()
	close(e.ch)
	// 1. Signals that we're done.
	// 2. Frees memory (in case we end up hanging on to this for a while).
	e.ch = nil
	e.mu.Unlock()
}

// send sends an event on the event channel, aborting if either the passed or
// the internal context expire.
func (e *lookupEventChannel) send(ctx context.Context, ev *LookupEvent) {
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

// RegisterForLookupEvents registers a lookup event channel with the given context.
// The returned context can be passed to DHT queries to receive lookup events on
// the returned channels.
//
// The passed context MUST be canceled when the caller is no longer interested
// in query events.
func RegisterForLookupEvents(ctx context.Context) (context.Context, <-chan *LookupEvent) {
	ch := make(chan *LookupEvent, LookupEventBufferSize)
	ech := &lookupEventChannel{ch: ch, ctx: ctx}
	go ech.waitThenClose()
	return context.WithValue(ctx, routingLookupKey{}, ech), ch
}

// Number of events to buffer.
var LookupEventBufferSize = 16

// PublishLookupEvent publishes a query event to the query event channel
// associated with the given context, if any.
func PublishLookupEvent(ctx context.Context, ev *LookupEvent) {
	ich := ctx.Value(routingLookupKey{})
	if ich == nil {
		return
	}

	// We *want* to panic here.
	ech := ich.(*lookupEventChannel)
	ech.send(ctx, ev)
}
