package dht

import (
	"errors"

	dhtnet "github.com/kadnet/go-kad-dht/internal/net"
)

var (
	// ErrPeerUnresponsive is the error of any RPC that got no answer in time.
	// Lookups recover from it locally and never return it.
	ErrPeerUnresponsive = dhtnet.ErrPeerUnresponsive

	// ErrLookupExhausted is returned by a lookup in which no contact ever
	// responded, including lookups that had no contact to start from.
	ErrLookupExhausted = errors.New("lookup exhausted: no contact responded")

	// ErrJoinFailed is returned by Join when none of the bootstrap contacts
	// responded.
	ErrJoinFailed = errors.New("join failed")

	// ErrNotJoined is returned by lookups on a node that has not joined a
	// network yet, or whose last join failed.
	ErrNotJoined = errors.New("node has not joined a network")

	// ErrClosed is returned by operations on a closed node.
	ErrClosed = errors.New("dht closed")

	// ErrLookupTimeout is returned by Lookup.Await when the lookup did not
	// finish within the given time. The lookup itself keeps running.
	ErrLookupTimeout = errors.New("timed out waiting for lookup result")
)
