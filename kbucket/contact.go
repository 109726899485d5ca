package kbucket

import (
	"fmt"
	"sort"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/kadnet/go-kad-dht/key"
)

// Contact is a peer known to the local node: its identifier, the endpoint it
// can be reached at and liveness metadata maintained by the routing table.
type Contact struct {
	ID   key.ID
	Addr ma.Multiaddr

	// LastSeen is the last time the contact was inserted or answered a request.
	LastSeen time.Time
	// Failures counts consecutive requests the contact failed to answer.
	Failures int
}

// NewContact returns a contact for id reachable at addr.
func NewContact(id key.ID, addr ma.Multiaddr) Contact {
	return Contact{ID: id, Addr: addr}
}

func (c Contact) String() string {
	if c.Addr == nil {
		return c.ID.ShortString()
	}
	return fmt.Sprintf("%s@%s", c.ID.ShortString(), c.Addr)
}

// SortClosest sorts contacts by ascending XOR distance to target. Equally
// distant contacts are ordered most recently seen first.
func SortClosest(contacts []Contact, target key.ID) {
	sort.SliceStable(contacts, func(i, j int) bool {
		switch key.CompareDistance(contacts[i].ID, contacts[j].ID, target) {
		case -1:
			return true
		case 1:
			return false
		}
		return contacts[i].LastSeen.After(contacts[j].LastSeen)
	})
}
