package qpeerset

import (
	"fmt"
	"math/big"

	"github.com/kadnet/go-kad-dht/kbucket"
	"github.com/kadnet/go-kad-dht/key"
)

// PeerState describes the state of a contact during the lifecycle of an individual lookup.
type PeerState int

const (
	// PeerHeard is applied to contacts which have not been queried yet.
	PeerHeard PeerState = iota
	// PeerWaiting is applied to contacts that are currently being queried.
	PeerWaiting
	// PeerQueried is applied to contacts who have been queried and a response was retrieved successfully.
	PeerQueried
	// PeerUnreachable is applied to contacts who have been queried and a response was not retrieved successfully.
	PeerUnreachable
)

func (ps PeerState) String() string {
	switch ps {
	case PeerHeard:
		return "HEARD"
	case PeerWaiting:
		return "WAITING"
	case PeerQueried:
		return "QUERIED"
	case PeerUnreachable:
		return "UNREACHABLE"
	default:
		panic(fmt.Sprintf("unknown PeerState %d", ps))
	}
}

type queryPeerState struct {
	contact    kbucket.Contact
	distance   *big.Int
	state      PeerState
	referredBy key.ID
}

type sortedQueryPeerset QueryPeerset

func (sqp *sortedQueryPeerset) Len() int {
	return len(sqp.all)
}

func (sqp *sortedQueryPeerset) Swap(i, j int) {
	sqp.all[i], sqp.all[j] = sqp.all[j], sqp.all[i]
}

func (sqp *sortedQueryPeerset) Less(i, j int) bool {
	di, dj := sqp.all[i].distance, sqp.all[j].distance
	return di.Cmp(dj) == -1
}
