package qpeerset

import (
	"math/big"
	"sort"

	"github.com/kadnet/go-kad-dht/kbucket"
	"github.com/kadnet/go-kad-dht/key"
)

// QueryPeerset maintains the state of a Kademlia iterative lookup.
// The lookup state is a set of contacts, each labeled with a peer state.
// It is not safe for concurrent use.
type QueryPeerset struct {
	// the identifier being searched for
	target key.ID

	// all known contacts
	all []queryPeerState

	// sorted is true if all is currently in sorted order
	sorted bool
}

// NewQueryPeerset creates a new empty set of contacts for a lookup of target.
func NewQueryPeerset(target key.ID) *QueryPeerset {
	return &QueryPeerset{
		target: target,
		all:    []queryPeerState{},
	}
}

// Target returns the identifier the lookup is searching for.
func (qp *QueryPeerset) Target() key.ID {
	return qp.target
}

func (qp *QueryPeerset) find(id key.ID) int {
	for i := range qp.all {
		if qp.all[i].contact.ID == id {
			return i
		}
	}
	return -1
}

func (qp *QueryPeerset) sort() {
	if qp.sorted {
		return
	}
	sort.Sort((*sortedQueryPeerset)(qp))
	qp.sorted = true
}

// TryAdd adds the contact c to the peer set.
// If a contact with the same identifier is already present, no action is taken.
// Otherwise, the contact is added with state set to PeerHeard.
// TryAdd returns true iff the contact was not already present.
func (qp *QueryPeerset) TryAdd(c kbucket.Contact, referredBy key.ID) bool {
	if qp.find(c.ID) >= 0 {
		return false
	}
	qp.all = append(qp.all, queryPeerState{
		contact:    c,
		distance:   c.ID.Distance(qp.target),
		state:      PeerHeard,
		referredBy: referredBy,
	})
	qp.sorted = false
	return true
}

// Contains reports whether a contact with identifier id is in the peer set.
func (qp *QueryPeerset) Contains(id key.ID) bool {
	return qp.find(id) >= 0
}

// SetState sets the state of contact id to s.
// If id is not in the peerset, SetState panics.
func (qp *QueryPeerset) SetState(id key.ID, s PeerState) {
	qp.all[qp.find(id)].state = s
}

// GetState returns the state of contact id.
// If id is not in the peerset, GetState panics.
func (qp *QueryPeerset) GetState(id key.ID) PeerState {
	return qp.all[qp.find(id)].state
}

// GetReferrer returns the identifier of the contact that referred us to id.
// If id is not in the peerset, GetReferrer panics.
func (qp *QueryPeerset) GetReferrer(id key.ID) key.ID {
	return qp.all[qp.find(id)].referredBy
}

// GetContact returns the contact with identifier id.
// If id is not in the peerset, GetContact panics.
func (qp *QueryPeerset) GetContact(id key.ID) kbucket.Contact {
	return qp.all[qp.find(id)].contact
}

// GetClosestNInStates returns the closest to the target contacts, which are in one of the given states.
// It returns n contacts or less, if fewer contacts meet the condition.
// The returned contacts are sorted in ascending order by their distance to the target.
func (qp *QueryPeerset) GetClosestNInStates(n int, states ...PeerState) []kbucket.Contact {
	qp.sort()
	m := make(map[PeerState]struct{}, len(states))
	for i := range states {
		m[states[i]] = struct{}{}
	}

	results := make([]kbucket.Contact, 0, n)
	for _, p := range qp.all {
		if len(results) >= n {
			break
		}
		if _, ok := m[p.state]; ok {
			results = append(results, p.contact)
		}
	}
	return results
}

// GetClosestInStates returns the contacts, which are in one of the given states.
// The returned contacts are sorted in ascending order by their distance to the target.
func (qp *QueryPeerset) GetClosestInStates(states ...PeerState) []kbucket.Contact {
	return qp.GetClosestNInStates(len(qp.all), states...)
}

// ClosestDistance returns the distance to the target of the closest contact
// in one of the given states, or nil if no contact is in those states.
func (qp *QueryPeerset) ClosestDistance(states ...PeerState) *big.Int {
	qp.sort()
	for _, p := range qp.all {
		for _, s := range states {
			if p.state == s {
				return p.distance
			}
		}
	}
	return nil
}

func (qp *QueryPeerset) count(s PeerState) int {
	n := 0
	for _, p := range qp.all {
		if p.state == s {
			n++
		}
	}
	return n
}

// NumHeard returns the number of contacts in state PeerHeard.
func (qp *QueryPeerset) NumHeard() int {
	return qp.count(PeerHeard)
}

// NumWaiting returns the number of contacts in state PeerWaiting.
func (qp *QueryPeerset) NumWaiting() int {
	return qp.count(PeerWaiting)
}

// NumQueried returns the number of contacts in state PeerQueried.
func (qp *QueryPeerset) NumQueried() int {
	return qp.count(PeerQueried)
}

// Len returns the number of contacts in the peer set, whatever their state.
func (qp *QueryPeerset) Len() int {
	return len(qp.all)
}
