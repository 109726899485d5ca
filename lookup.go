package dht

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	dhtnet "github.com/kadnet/go-kad-dht/internal/net"
	"github.com/kadnet/go-kad-dht/kbucket"
	"github.com/kadnet/go-kad-dht/key"
	"github.com/kadnet/go-kad-dht/metrics"
	"github.com/kadnet/go-kad-dht/qpeerset"
)

type lookupResult struct {
	// closest non-failed contacts, ascending distance to the target.
	closest []kbucket.Contact
	// number of contacts that answered.
	responded int
	rounds    int
	reason    LookupTerminationReason
	qps       *qpeerset.QueryPeerset
}

// FindClosest runs an iterative lookup for target and returns the count
// closest contacts found, closest first. A non-positive count means the
// bucket size.
//
// If the context is canceled, this function will return the context error along
// with the closest contacts it has found so far.
func (dht *KadDHT) FindClosest(ctx context.Context, target key.ID, count int) (_ []kbucket.Contact, err error) {
	ctx, span := startSpan(ctx, "FindClosest", trace.WithAttributes(attribute.String("Target", target.String())))
	defer endSpan(span, &err)

	if dht.closed() {
		return nil, ErrClosed
	}
	if !dht.Joined() {
		return nil, ErrNotJoined
	}
	if count <= 0 {
		count = dht.bucketSize
	}

	res, err := dht.runLookup(ctx, target, dht.routingTable.ClosestTo(target, dht.alpha), count)
	if err != nil {
		return res.closest, err
	}
	dht.routingTable.MarkTouched(target)
	if res.reason == LookupCompleted && len(res.closest) == dht.bucketSize {
		if err := dht.nsEstimator.Track(target, res.closest); err != nil {
			logger.Warnw("network size estimator track error", "error", err)
		}
	}
	return res.closest, nil
}

// NetworkSize returns an estimate of the number of nodes in the network,
// derived from the lookups this node completed.
func (dht *KadDHT) NetworkSize() (int32, error) {
	return dht.nsEstimator.NetworkSize()
}

// runLookup queries the alpha closest unqueried contacts of the shortlist,
// round after round, until the count closest known contacts have all answered,
// beta rounds in a row failed to get closer to target, or no candidate is
// left. The returned result is never nil.
func (dht *KadDHT) runLookup(ctx context.Context, target key.ID, seeds []kbucket.Contact, count int) (_ *lookupResult, err error) {
	id := uuid.New()
	ctx, span := startSpan(ctx, "runLookup", trace.WithAttributes(
		attribute.String("LookupID", id.String()),
		attribute.Int("Seeds", len(seeds)),
	))
	defer endSpan(span, &err)

	qps := qpeerset.NewQueryPeerset(target)
	for _, s := range seeds {
		if s.ID == dht.self.ID {
			continue
		}
		qps.TryAdd(s, dht.self.ID)
	}
	PublishLookupEvent(ctx, NewLookupEvent(id, target,
		&LookupSeedEvent{Heard: contactIDs(qps.GetClosestInStates(qpeerset.PeerHeard))}, nil, nil))
	logger.Debugw("starting lookup", "self", dht.self.ID, "lookup", id, "target", target, "seeds", qps.Len())

	res := &lookupResult{qps: qps}
	unimproved := 0
	for {
		if ctx.Err() != nil {
			res.reason = LookupCancelled
			break
		}
		if res.responded > 0 && allQueried(qps, qps.GetClosestNInStates(count, qpeerset.PeerHeard, qpeerset.PeerQueried)) {
			res.reason = LookupCompleted
			break
		}
		candidates := qps.GetClosestNInStates(dht.alpha, qpeerset.PeerHeard)
		if len(candidates) == 0 {
			res.reason = LookupStarvation
			break
		}

		res.rounds++
		for _, c := range candidates {
			qps.SetState(c.ID, qpeerset.PeerWaiting)
		}
		bestBefore := qps.ClosestDistance(qpeerset.PeerHeard, qpeerset.PeerWaiting, qpeerset.PeerQueried)
		round := dht.runRound(qps, candidates)
		res.responded += len(round.Queried)

		bestAfter := qps.ClosestDistance(qpeerset.PeerHeard, qpeerset.PeerQueried)
		round.Round = res.rounds
		round.Improved = bestAfter != nil && bestAfter.Cmp(bestBefore) < 0
		switch {
		case round.Improved:
			unimproved = 0
		case res.responded > 0:
			// rounds before anyone answered only try more seeds
			unimproved++
		}
		round.Unimproved = unimproved
		PublishLookupEvent(ctx, NewLookupEvent(id, target, nil, round, nil))

		if unimproved >= dht.beta {
			res.reason = LookupStalled
			break
		}
	}

	res.closest = qps.GetClosestNInStates(count, qpeerset.PeerHeard, qpeerset.PeerQueried)
	PublishLookupEvent(ctx, NewLookupEvent(id, target, nil, nil,
		&LookupTerminateEvent{Reason: res.reason, Rounds: res.rounds}))

	outcome := res.reason.String()
	switch {
	case res.reason == LookupCancelled:
		err = ctx.Err()
	case res.responded == 0:
		outcome = "exhausted"
		err = ErrLookupExhausted
	}
	span.SetAttributes(attribute.String("Outcome", outcome), attribute.Int("Rounds", res.rounds))
	mctx := dht.newContextWithLocalTags(ctx, tag.Upsert(metrics.KeyOutcome, outcome))
	stats.Record(mctx, metrics.Lookups.M(1), metrics.LookupRounds.M(int64(res.rounds)))
	logger.Debugw("lookup finished", "self", dht.self.ID, "lookup", id, "target", target,
		"outcome", outcome, "rounds", res.rounds, "responded", res.responded, "found", len(res.closest))
	return res, err
}

// runRound queries candidates in parallel and waits for every one of them to
// answer or fail. Results are merged into qps and the routing table.
func (dht *KadDHT) runRound(qps *qpeerset.QueryPeerset, candidates []kbucket.Contact) *LookupRoundEvent {
	pending := make([]<-chan dhtnet.Result, len(candidates))
	for i, c := range candidates {
		pending[i] = dht.dispatcher.Submit(c, qps.Target())
	}

	ev := &LookupRoundEvent{}
	// the round is a barrier: every request ends, at the latest when it times out
	for i, ch := range pending {
		c := candidates[i]
		r := <-ch
		if r.Err != nil {
			qps.SetState(c.ID, qpeerset.PeerUnreachable)
			dht.routingTable.MarkFailed(c.ID)
			ev.Unreachable = append(ev.Unreachable, c.ID)
			continue
		}

		qps.SetState(c.ID, qpeerset.PeerQueried)
		ev.Queried = append(ev.Queried, c.ID)
		dht.routingTable.InsertAsync(dht.ctx, c)

		for _, next := range r.Closer {
			if next.ID == dht.self.ID || !qps.TryAdd(next, c.ID) {
				continue
			}
			ev.Heard = append(ev.Heard, next.ID)
			// known contacts keep their failure count until they answer themselves
			if _, known := dht.routingTable.Find(next.ID); !known && next.Addr != nil {
				dht.routingTable.InsertAsync(dht.ctx, next)
			}
		}
	}
	return ev
}

// allQueried reports whether contacts is non-empty and every one of them answered.
func allQueried(qps *qpeerset.QueryPeerset, contacts []kbucket.Contact) bool {
	if len(contacts) == 0 {
		return false
	}
	for _, c := range contacts {
		if qps.GetState(c.ID) != qpeerset.PeerQueried {
			return false
		}
	}
	return true
}

func contactIDs(contacts []kbucket.Contact) []key.ID {
	ids := make([]key.ID, len(contacts))
	for i, c := range contacts {
		ids[i] = c.ID
	}
	return ids
}

// Lookup is a lookup running in the background, started by StartLookup.
type Lookup struct {
	cancel context.CancelFunc
	done   chan struct{}

	closest []kbucket.Contact
	err     error
}

// StartLookup starts looking for the count closest contacts to target and
// returns immediately.
func (dht *KadDHT) StartLookup(ctx context.Context, target key.ID, count int) *Lookup {
	ctx, cancel := context.WithCancel(ctx)
	l := &Lookup{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(l.done)
		defer cancel()
		l.closest, l.err = dht.FindClosest(ctx, target, count)
	}()
	return l
}

// Await waits up to timeout for the lookup to finish and returns its result.
// It returns ErrLookupTimeout if the lookup is still running after timeout,
// in which case the lookup goes on and Await may be called again. A
// non-positive timeout waits until the lookup finishes.
func (l *Lookup) Await(timeout time.Duration) ([]kbucket.Contact, error) {
	if timeout <= 0 {
		<-l.done
		return l.closest, l.err
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-l.done:
		return l.closest, l.err
	case <-t.C:
		return nil, ErrLookupTimeout
	}
}

// Cancel stops the lookup at the end of its current round. Await then returns
// the contacts found so far along with context.Canceled.
func (l *Lookup) Cancel() {
	l.cancel()
}

// Done is closed once the lookup finished.
func (l *Lookup) Done() <-chan struct{} {
	return l.done
}
