package rtrefresh

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log"

	"github.com/kadnet/go-kad-dht/kbucket"
	"github.com/kadnet/go-kad-dht/key"
)

var logger = logging.Logger("dht/RtRefreshManager")

const (
	maxNoResultsAfterRefresh = 2
	peerPingTimeout          = 10 * time.Second
)

type triggerRefreshReq struct {
	respCh          chan error
	forceCplRefresh bool
}

type RtRefreshManager struct {
	ctx       context.Context
	cancel    context.CancelFunc
	refcount  sync.WaitGroup
	closeOnce sync.Once

	// identifier of the local node.
	self key.ID
	rt   *kbucket.RoutingTable

	enableAutoRefresh   bool                                           // should run periodic refreshes ?
	refreshKeyGenFnc    func(cpl uint) (key.ID, error)                 // generate the target for the query to refresh this cpl
	refreshQueryFnc     func(ctx context.Context, target key.ID) error // query to run for a refresh.
	refreshQueryTimeout time.Duration                                  // timeout for one refresh query

	// liveness check for contacts not seen within the grace period.
	pingFnc func(ctx context.Context, c kbucket.Contact) error

	// mean interval between two refreshes of a cpl. Every cpl draws its own
	// interval in [refreshInterval/2, 3*refreshInterval/2) so that the nodes of
	// a network do not all refresh the same range at once. A cpl is not
	// refreshed before its interval elapsed, unless a "forced" refresh is done.
	refreshInterval                    time.Duration
	successfulOutboundQueryGracePeriod time.Duration

	triggerRefresh  chan *triggerRefreshReq // channel to write refresh requests to.
	noResultsForCpl map[uint]int            // tracks how many times we didn't get any peer for a cpl
	cplIntervals    map[uint]time.Duration  // jittered refresh interval per cpl
	lastSelfQuery   time.Time
	rng             *rand.Rand

	// RefreshLaunched is called for every cpl a refresh cycle considers,
	// with skipped set when the cpl is not refreshed. Set it before Start.
	RefreshLaunched func(cpl uint, skipped bool)
}

func NewRtRefreshManager(self key.ID, rt *kbucket.RoutingTable, autoRefresh bool,
	refreshKeyGenFnc func(cpl uint) (key.ID, error),
	refreshQueryFnc func(ctx context.Context, target key.ID) error,
	pingFnc func(ctx context.Context, c kbucket.Contact) error,
	refreshQueryTimeout time.Duration,
	refreshInterval time.Duration,
	successfulOutboundQueryGracePeriod time.Duration) (*RtRefreshManager, error) {

	if refreshInterval <= 0 {
		return nil, fmt.Errorf("refresh interval must be positive, got %s", refreshInterval)
	}
	if refreshQueryTimeout <= 0 {
		return nil, fmt.Errorf("refresh query timeout must be positive, got %s", refreshQueryTimeout)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RtRefreshManager{
		ctx:    ctx,
		cancel: cancel,
		self:   self,
		rt:     rt,

		enableAutoRefresh: autoRefresh,
		refreshKeyGenFnc:  refreshKeyGenFnc,
		refreshQueryFnc:   refreshQueryFnc,
		pingFnc:           pingFnc,

		refreshQueryTimeout:                refreshQueryTimeout,
		refreshInterval:                    refreshInterval,
		successfulOutboundQueryGracePeriod: successfulOutboundQueryGracePeriod,

		triggerRefresh:  make(chan *triggerRefreshReq),
		noResultsForCpl: make(map[uint]int),
		cplIntervals:    make(map[uint]time.Duration),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		RefreshLaunched: func(uint, bool) {},
	}, nil
}

func (r *RtRefreshManager) Start() error {
	r.refcount.Add(1)
	go r.loop()
	return nil
}

func (r *RtRefreshManager) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		r.refcount.Wait()
	})
	return nil
}

// Refresh requests the refresh manager to refresh the Routing Table.
// If the force parameter is set to true, all buckets will be refreshed irrespective of when they were last refreshed.
//
// The returned channel will block until the refresh finishes, then yield the
// error and close. The channel is buffered and safe to ignore.
func (r *RtRefreshManager) Refresh(force bool) <-chan error {
	resp := make(chan error, 1)
	select {
	case r.triggerRefresh <- &triggerRefreshReq{respCh: resp, forceCplRefresh: force}:
	case <-r.ctx.Done():
		resp <- r.ctx.Err()
		close(resp)
	}
	return resp
}

// RefreshNoWait requests the refresh manager to refresh the Routing Table.
// However, it moves on without blocking if it's request can't get through.
func (r *RtRefreshManager) RefreshNoWait() {
	select {
	case r.triggerRefresh <- &triggerRefreshReq{}:
	default:
	}
}

func (r *RtRefreshManager) loop() {
	defer r.refcount.Done()

	var refreshTickrCh <-chan time.Time
	if r.enableAutoRefresh {
		err := r.doRefresh(true)
		if err != nil {
			logger.Warnw("failed when refreshing routing table", "error", err)
		}
		// tick faster than the shortest jittered interval can elapse
		t := time.NewTicker(r.refreshInterval / 4)
		defer t.Stop()
		refreshTickrCh = t.C
	}

	for {
		var waiting []chan<- error
		var forced bool
		select {
		case <-refreshTickrCh:
		case triggerRefreshReq := <-r.triggerRefresh:
			if triggerRefreshReq.respCh != nil {
				waiting = append(waiting, triggerRefreshReq.respCh)
			}
			forced = forced || triggerRefreshReq.forceCplRefresh
		case <-r.ctx.Done():
			return
		}

		// Batch multiple refresh requests if they're all waiting at the same time.
	OuterLoop:
		for {
			select {
			case triggerRefreshReq := <-r.triggerRefresh:
				if triggerRefreshReq.respCh != nil {
					waiting = append(waiting, triggerRefreshReq.respCh)
				}
				forced = forced || triggerRefreshReq.forceCplRefresh
			default:
				break OuterLoop
			}
		}

		// EXECUTE the refresh

		r.evictStalePeers()

		// Query for self and refresh the required buckets
		err := r.doRefresh(forced)
		for _, w := range waiting {
			w <- err
			close(w)
		}
		if err != nil {
			logger.Warnw("failed when refreshing routing table", "error", err)
		}
	}
}

// evictStalePeers pings the contacts that haven't been heard from in the
// interval they should have been, and evicts them if they don't reply.
func (r *RtRefreshManager) evictStalePeers() {
	if r.pingFnc == nil {
		return
	}
	var wg sync.WaitGroup
	for _, c := range r.rt.ListContacts() {
		if time.Since(c.LastSeen) > r.successfulOutboundQueryGracePeriod {
			wg.Add(1)
			go func(c kbucket.Contact) {
				defer wg.Done()
				livelinessCtx, cancel := context.WithTimeout(r.ctx, peerPingTimeout)
				defer cancel()
				if err := r.pingFnc(livelinessCtx, c); err != nil {
					logger.Debugw("evicting peer after failed ping", "peer", c, "error", err)
					r.rt.Remove(c.ID)
					return
				}
				r.rt.Insert(r.ctx, c)
			}(c)
		}
	}
	wg.Wait()
}

func (r *RtRefreshManager) doRefresh(forceRefresh bool) error {
	var merr error

	if forceRefresh || time.Since(r.lastSelfQuery) > r.refreshInterval {
		if err := r.queryForSelf(); err != nil {
			merr = multierror.Append(merr, err)
		} else {
			r.lastSelfQuery = time.Now()
		}
	}

	for c, lastRefreshedAt := range r.rt.GetTrackedCplsForRefresh() {
		cpl := uint(c)

		// skip cpls that we've stopped discovering new peers for
		if r.noResultsForCpl[cpl] >= maxNoResultsAfterRefresh {
			r.RefreshLaunched(cpl, true)
			continue
		}

		isCplFull := r.rt.IsBucketFull(cpl)
		peersBeforeRefresh := r.rt.GetPeersForCpl(cpl)

		var err error
		if forceRefresh {
			err = r.refreshCpl(cpl)
		} else {
			err = r.refreshCplIfEligible(cpl, lastRefreshedAt)
		}

		if err != nil {
			merr = multierror.Append(merr, err)
		} else {
			if !refreshDiscoverNewPeers(isCplFull, peersBeforeRefresh, r.rt.GetPeersForCpl(cpl)) {
				r.noResultsForCpl[cpl] = r.noResultsForCpl[cpl] + 1
			}
		}
	}

	return merr
}

// did we discover any new peers because of the refresh for this cpl ?
// Only if they have the exact same elements
// should we consider that we didn't discover any new peers.
// This is because peers can also randomly drop on and off the routing table.
func refreshDiscoverNewPeers(wasCplFull bool, peersBeforeRefresh []key.ID, peersAfterRefresh []key.ID) bool {
	// we should always refresh buckets that were once full
	if wasCplFull || (len(peersBeforeRefresh) != len(peersAfterRefresh)) {
		return true
	}

	before := make(map[key.ID]struct{}, len(peersBeforeRefresh))
	for _, id := range peersBeforeRefresh {
		before[id] = struct{}{}
	}
	for _, id := range peersAfterRefresh {
		if _, ok := before[id]; !ok {
			return true
		}
	}
	return false
}

// intervalForCpl returns the jittered refresh interval of cpl, drawing one
// the first time it is asked for.
func (r *RtRefreshManager) intervalForCpl(cpl uint) time.Duration {
	if d, ok := r.cplIntervals[cpl]; ok {
		return d
	}
	d := r.refreshInterval/2 + time.Duration(r.rng.Int63n(int64(r.refreshInterval)))
	r.cplIntervals[cpl] = d
	return d
}

func (r *RtRefreshManager) refreshCplIfEligible(cpl uint, lastRefreshedAt time.Time) error {
	if time.Since(lastRefreshedAt) <= r.intervalForCpl(cpl) {
		logger.Debugf("not running refresh for cpl %d as time since last refresh not above interval", cpl)
		r.RefreshLaunched(cpl, true)
		return nil
	}

	return r.refreshCpl(cpl)
}

func (r *RtRefreshManager) refreshCpl(cpl uint) error {
	r.RefreshLaunched(cpl, false)

	// gen a target for the query to refresh the cpl
	target, err := r.refreshKeyGenFnc(cpl)
	if err != nil {
		return fmt.Errorf("failed to generated query key for cpl=%d, err=%s", cpl, err)
	}

	logger.Infof("starting refreshing cpl %d with key %s (routing table size was %d)",
		cpl, target, r.rt.Size())

	if err := r.runRefreshDHTQuery(target); err != nil {
		return fmt.Errorf("failed to refresh cpl=%d, err=%s", cpl, err)
	}
	// the next refresh of this range waits for a freshly drawn interval
	delete(r.cplIntervals, cpl)

	logger.Infof("finished refreshing cpl %d, routing table size is now %d", cpl, r.rt.Size())
	return nil
}

func (r *RtRefreshManager) queryForSelf() error {
	if err := r.runRefreshDHTQuery(r.self); err != nil {
		return fmt.Errorf("failed to query for self, err=%s", err)
	}
	return nil
}

func (r *RtRefreshManager) runRefreshDHTQuery(target key.ID) error {
	queryCtx, cancel := context.WithTimeout(r.ctx, r.refreshQueryTimeout)
	defer cancel()

	err := r.refreshQueryFnc(queryCtx, target)

	if err == nil || (errors.Is(err, context.DeadlineExceeded) && queryCtx.Err() == context.DeadlineExceeded) {
		return nil
	}

	return fmt.Errorf("failed to run refresh DHT query for key=%s, err=%s", target, err)
}
