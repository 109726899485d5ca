// Package kbucket implements the routing table of a Kademlia node: a set of
// bounded k-buckets indexed by the common prefix length of each contact with
// the local identifier.
package kbucket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"

	"github.com/kadnet/go-kad-dht/key"
)

var logger = logging.Logger("dht/kbucket")

// ErrCplOutOfRange is returned when asking for a bucket that cannot exist.
var ErrCplOutOfRange = errors.New("common prefix length out of range")

// Pinger checks whether a contact is still alive. It is used to decide
// whether the least recently seen contact of a full bucket gets evicted.
type Pinger interface {
	Ping(ctx context.Context, c Contact) error
}

// PingerFunc adapts a function to the Pinger interface.
type PingerFunc func(ctx context.Context, c Contact) error

func (f PingerFunc) Ping(ctx context.Context, c Contact) error {
	return f(ctx, c)
}

// RoutingTable is the set of contacts known to the local node, one bucket per
// common prefix length with the local identifier.
type RoutingTable struct {
	self         key.ID
	bucketSize   int
	maxFailures  int
	pinger       Pinger
	probeTimeout time.Duration

	mu      sync.RWMutex
	buckets [key.BitLen]*bucket
	size    int

	// notification functions, called without the table lock held.
	PeerAdded   func(Contact)
	PeerRemoved func(Contact)
}

// NewRoutingTable creates a routing table for the node identified by self.
// A full bucket probes its least recently seen contact through pinger, waiting
// at most probeTimeout, unless that contact already failed maxFailures times.
// A nil pinger keeps the existing contact whenever a bucket is full.
func NewRoutingTable(bucketSize int, self key.ID, pinger Pinger, probeTimeout time.Duration, maxFailures int) (*RoutingTable, error) {
	if bucketSize < 1 {
		return nil, fmt.Errorf("bucket size must be positive, got %d", bucketSize)
	}
	if maxFailures < 1 {
		return nil, fmt.Errorf("max failures must be positive, got %d", maxFailures)
	}
	if pinger != nil && probeTimeout <= 0 {
		return nil, fmt.Errorf("probe timeout must be positive, got %s", probeTimeout)
	}
	return &RoutingTable{
		self:         self,
		bucketSize:   bucketSize,
		maxFailures:  maxFailures,
		pinger:       pinger,
		probeTimeout: probeTimeout,
		PeerAdded:    func(Contact) {},
		PeerRemoved:  func(Contact) {},
	}, nil
}

// Self returns the identifier of the local node.
func (rt *RoutingTable) Self() key.ID {
	return rt.self
}

// BucketSize returns the capacity k of every bucket.
func (rt *RoutingTable) BucketSize() int {
	return rt.bucketSize
}

func (rt *RoutingTable) cpl(id key.ID) int {
	cpl := rt.self.CommonPrefixLen(id)
	if cpl >= key.BitLen {
		cpl = key.BitLen - 1
	}
	return cpl
}

// bucketLocked returns the bucket for cpl, allocating it on first use.
func (rt *RoutingTable) bucketLocked(cpl int) *bucket {
	b := rt.buckets[cpl]
	if b == nil {
		b = newBucket(rt.bucketSize)
		rt.buckets[cpl] = b
	}
	return b
}

type insertOutcome int

const (
	inserted insertOutcome = iota
	parked
	needsProbe
)

// Insert adds c to the table or refreshes it if it is already known. It
// reports whether c is in the table once the call returns.
//
// When the target bucket is full, the least recently seen contact is probed
// without holding the table lock. It is evicted in favour of c if the probe
// fails or if it has already failed too often; otherwise c is kept in the
// bucket's replacement cache.
func (rt *RoutingTable) Insert(ctx context.Context, c Contact) bool {
	b, lrs, outcome := rt.tryInsert(c)
	switch outcome {
	case inserted:
		return true
	case parked:
		return false
	}
	return rt.probe(ctx, b, lrs, c)
}

// InsertAsync is like Insert but never waits for a probe. If the least
// recently seen contact of a full bucket has to be probed, c waits in the
// replacement cache and the probe runs in the background on ctx; c takes the
// probed contact's slot if it does not answer. It reports whether c was in
// the table when the call returned.
func (rt *RoutingTable) InsertAsync(ctx context.Context, c Contact) bool {
	b, lrs, outcome := rt.tryInsert(c)
	switch outcome {
	case inserted:
		return true
	case parked:
		return false
	}
	rt.mu.Lock()
	b.addReplacement(c)
	rt.mu.Unlock()
	go rt.probe(ctx, b, lrs, c)
	return false
}

// tryInsert does everything Insert does short of probing. When it returns
// needsProbe, the bucket is marked as probing and the caller must call probe
// with the returned least recently seen contact.
func (rt *RoutingTable) tryInsert(c Contact) (*bucket, Contact, insertOutcome) {
	if c.ID == rt.self {
		logger.Errorw("refusing to insert the local node into its own routing table", "id", c.ID)
		return nil, Contact{}, parked
	}

	now := time.Now()
	c.LastSeen = now
	c.Failures = 0
	cpl := rt.cpl(c.ID)

	rt.mu.Lock()
	b := rt.bucketLocked(cpl)
	b.lastTouched = now

	if e := b.find(c.ID); e != nil {
		existing := e.Value.(*Contact)
		existing.LastSeen = now
		existing.Failures = 0
		if c.Addr != nil {
			existing.Addr = c.Addr
		}
		b.list.MoveToFront(e)
		rt.mu.Unlock()
		return b, Contact{}, inserted
	}

	if b.len() < rt.bucketSize {
		b.pushFront(c)
		b.replacements.Remove(c.ID)
		rt.size++
		rt.mu.Unlock()
		rt.PeerAdded(c)
		return b, Contact{}, inserted
	}

	lrs := *b.leastRecentlySeen()
	if lrs.Failures >= rt.maxFailures {
		b.remove(lrs.ID)
		b.pushFront(c)
		b.replacements.Remove(c.ID)
		rt.mu.Unlock()
		logger.Debugw("evicted stale contact", "evicted", lrs, "added", c, "failures", lrs.Failures)
		rt.PeerRemoved(lrs)
		rt.PeerAdded(c)
		return b, Contact{}, inserted
	}

	if b.probing || rt.pinger == nil {
		b.addReplacement(c)
		rt.mu.Unlock()
		return b, Contact{}, parked
	}
	b.probing = true
	rt.mu.Unlock()
	return b, lrs, needsProbe
}

// probe pings lrs and gives its slot to c if it does not answer. It reports
// whether c is in the table afterwards.
func (rt *RoutingTable) probe(ctx context.Context, b *bucket, lrs Contact, c Contact) bool {
	pctx, cancel := context.WithTimeout(ctx, rt.probeTimeout)
	err := rt.pinger.Ping(pctx, lrs)
	cancel()

	rt.mu.Lock()
	b.probing = false
	if b.find(c.ID) != nil {
		// promoted from the replacement cache while we were probing
		rt.mu.Unlock()
		return true
	}
	e := b.find(lrs.ID)
	if err == nil || ctx.Err() != nil {
		if err == nil && e != nil {
			existing := e.Value.(*Contact)
			existing.LastSeen = time.Now()
			existing.Failures = 0
			b.list.MoveToFront(e)
		}
		b.addReplacement(c)
		rt.mu.Unlock()
		return false
	}

	evicted := e != nil
	if evicted {
		b.list.Remove(e)
		rt.size--
	}
	if b.len() >= rt.bucketSize {
		// filled up by someone else while we were probing
		b.addReplacement(c)
		rt.mu.Unlock()
		if evicted {
			rt.PeerRemoved(lrs)
		}
		return false
	}
	b.pushFront(c)
	b.replacements.Remove(c.ID)
	rt.size++
	rt.mu.Unlock()

	if evicted {
		logger.Debugw("evicted unresponsive contact", "evicted", lrs, "added", c, "error", err)
		rt.PeerRemoved(lrs)
	}
	rt.PeerAdded(c)
	return true
}

// Remove deletes the contact with the given identifier, if present. The most
// recent replacement for its bucket, if any, takes the freed slot.
func (rt *RoutingTable) Remove(id key.ID) {
	if id == rt.self {
		return
	}
	rt.mu.Lock()
	b := rt.buckets[rt.cpl(id)]
	if b == nil {
		rt.mu.Unlock()
		return
	}
	b.replacements.Remove(id)
	removed, ok := b.remove(id)
	if !ok {
		rt.mu.Unlock()
		return
	}
	rt.size--

	promoted, hasReplacement := b.popReplacement()
	if hasReplacement {
		promoted.LastSeen = time.Now()
		promoted.Failures = 0
		b.pushFront(promoted)
		rt.size++
	}
	rt.mu.Unlock()

	rt.PeerRemoved(removed)
	if hasReplacement {
		logger.Debugw("promoted replacement contact", "removed", removed, "promoted", promoted)
		rt.PeerAdded(promoted)
	}
}

// MarkFailed records that the contact with the given identifier did not
// answer a request. It returns the updated failure count, or 0 if the
// contact is unknown.
func (rt *RoutingTable) MarkFailed(id key.ID) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	b := rt.buckets[rt.cpl(id)]
	if b == nil {
		return 0
	}
	e := b.find(id)
	if e == nil {
		return 0
	}
	c := e.Value.(*Contact)
	c.Failures++
	return c.Failures
}

// MarkTouched records that a lookup for id ran, so the bucket covering id
// does not need a refresh for a while.
func (rt *RoutingTable) MarkTouched(id key.ID) {
	rt.mu.Lock()
	rt.bucketLocked(rt.cpl(id)).lastTouched = time.Now()
	rt.mu.Unlock()
}

// Find returns the contact with the given identifier.
func (rt *RoutingTable) Find(id key.ID) (Contact, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	b := rt.buckets[rt.cpl(id)]
	if b == nil {
		return Contact{}, false
	}
	e := b.find(id)
	if e == nil {
		return Contact{}, false
	}
	return *e.Value.(*Contact), true
}

// ClosestTo returns up to count contacts ordered by ascending XOR distance to
// target, most recently seen first among equally distant contacts.
func (rt *RoutingTable) ClosestTo(target key.ID, count int) []Contact {
	if count <= 0 {
		return nil
	}
	all := rt.ListContacts()
	SortClosest(all, target)
	if len(all) > count {
		all = all[:count]
	}
	return all
}

// ListContacts returns a copy of every contact in the table, bucket by bucket.
func (rt *RoutingTable) ListContacts() []Contact {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]Contact, 0, rt.size)
	for _, b := range rt.buckets {
		if b != nil {
			out = append(out, b.contacts()...)
		}
	}
	return out
}

// Size returns the number of contacts in the table.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.size
}

// NPeersForCpl returns the number of contacts in the bucket for cpl.
func (rt *RoutingTable) NPeersForCpl(cpl uint) int {
	if cpl >= key.BitLen {
		return 0
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if b := rt.buckets[cpl]; b != nil {
		return b.len()
	}
	return 0
}

// IsBucketFull reports whether the bucket for cpl holds k contacts.
func (rt *RoutingTable) IsBucketFull(cpl uint) bool {
	return rt.NPeersForCpl(cpl) >= rt.bucketSize
}

// GetPeersForCpl returns the identifiers of the contacts in the bucket for cpl.
func (rt *RoutingTable) GetPeersForCpl(cpl uint) []key.ID {
	if cpl >= key.BitLen {
		return nil
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	b := rt.buckets[cpl]
	if b == nil {
		return nil
	}
	ids := make([]key.ID, 0, b.len())
	for e := b.list.Front(); e != nil; e = e.Next() {
		ids = append(ids, e.Value.(*Contact).ID)
	}
	return ids
}

// GetTrackedCplsForRefresh returns, for every cpl from 0 up to the highest
// cpl holding a contact, the last time its bucket was touched.
func (rt *RoutingTable) GetTrackedCplsForRefresh() []time.Time {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	maxCpl := 0
	for i := key.BitLen - 1; i >= 0; i-- {
		if b := rt.buckets[i]; b != nil && b.len() > 0 {
			maxCpl = i
			break
		}
	}
	out := make([]time.Time, maxCpl+1)
	for i := range out {
		if b := rt.buckets[i]; b != nil {
			out[i] = b.lastTouched
		}
	}
	return out
}

// GenRandIDForCpl returns a random identifier that falls in the bucket for cpl.
func (rt *RoutingTable) GenRandIDForCpl(cpl uint) (key.ID, error) {
	if cpl >= key.BitLen {
		return key.Zero, ErrCplOutOfRange
	}
	return key.RandomWithCPL(rt.self, int(cpl)), nil
}

// Print writes a human readable dump of the table to w.
func (rt *RoutingTable) Print(w io.Writer) {
	now := time.Now()
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	fmt.Fprintf(w, "Routing table of %s, %d contacts, k=%d\n", rt.self.ShortString(), rt.size, rt.bucketSize)
	for cpl, b := range rt.buckets {
		if b == nil || b.len() == 0 {
			continue
		}
		fmt.Fprintf(w, "  bucket %3d: %d/%d (replacements %d)\n", cpl, b.len(), rt.bucketSize, b.replacements.Len())
		contacts := b.contacts()
		sort.SliceStable(contacts, func(i, j int) bool {
			return key.Closer(contacts[i].ID, contacts[j].ID, rt.self)
		})
		for _, c := range contacts {
			fmt.Fprintf(w, "    %s  seen %s ago", c, now.Sub(c.LastSeen).Truncate(time.Millisecond))
			if c.Failures > 0 {
				fmt.Fprintf(w, "  failures %d", c.Failures)
			}
			fmt.Fprintln(w)
		}
	}
}

func (rt *RoutingTable) String() string {
	var sb strings.Builder
	rt.Print(&sb)
	return sb.String()
}
