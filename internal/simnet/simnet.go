// Package simnet is an in-memory network carrying FindNode RPCs between nodes
// of the same process, with configurable latency and message loss.
package simnet

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/kadnet/go-kad-dht/kbucket"
	"github.com/kadnet/go-kad-dht/key"
)

var logger = logging.Logger("dht/simnet")

var (
	// ErrConnectionRefused is returned when nothing listens on the address of the contact.
	ErrConnectionRefused = errors.New("connection refused")
	// ErrPeerIDMismatch is returned when the node listening on an address is not the expected one.
	ErrPeerIDMismatch = errors.New("peer id mismatch")
)

// Handler answers the FindNode RPCs received by a node.
type Handler interface {
	HandleFindNode(ctx context.Context, from kbucket.Contact, target key.ID) []kbucket.Contact
}

type endpoint struct {
	contact kbucket.Contact
	handler Handler
	down    bool
}

// Network routes RPCs between the endpoints attached to it. It is safe for
// concurrent use.
type Network struct {
	latency time.Duration
	jitter  time.Duration
	loss    float64

	rngLk sync.Mutex
	rng   *rand.Rand

	mu        sync.RWMutex
	endpoints map[string]*endpoint
	nextPort  int

	sent    int64
	dropped int64
}

// Option configures a Network.
type Option func(*Network) error

// Latency delays every message by d plus a uniformly random extra delay up to jitter.
func Latency(d, jitter time.Duration) Option {
	return func(n *Network) error {
		if d < 0 || jitter < 0 {
			return fmt.Errorf("latency and jitter must not be negative, got %s and %s", d, jitter)
		}
		n.latency = d
		n.jitter = jitter
		return nil
	}
}

// Loss drops every message with probability p.
func Loss(p float64) Option {
	return func(n *Network) error {
		if p < 0 || p > 1 {
			return fmt.Errorf("loss probability must be within [0, 1], got %f", p)
		}
		n.loss = p
		return nil
	}
}

// Seed makes the latency and loss draws of the network reproducible.
func Seed(seed int64) Option {
	return func(n *Network) error {
		n.rng = rand.New(rand.NewSource(seed))
		return nil
	}
}

// New creates an empty network.
func New(opts ...Option) (*Network, error) {
	n := &Network{
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		endpoints: make(map[string]*endpoint),
		nextPort:  4001,
	}
	for i, opt := range opts {
		if err := opt(n); err != nil {
			return nil, fmt.Errorf("simnet option %d failed: %s", i, err)
		}
	}
	return n, nil
}

// NewIdentity generates a fresh ed25519 identity and returns the contact a
// node with that identity would be reachable at on this network.
func (n *Network) NewIdentity() (kbucket.Contact, error) {
	_, pub, err := crypto.GenerateEd25519Key(crand.Reader)
	if err != nil {
		return kbucket.Contact{}, err
	}
	pid, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return kbucket.Contact{}, err
	}

	n.mu.Lock()
	port := n.nextPort
	n.nextPort++
	n.mu.Unlock()

	addr, err := ma.NewMultiaddr(fmt.Sprintf("/ip4/127.0.0.1/udp/%d/p2p/%s", port, pid))
	if err != nil {
		return kbucket.Contact{}, err
	}
	return kbucket.NewContact(key.FromPeerID(pid), addr), nil
}

// Attach makes c reachable at its address, with RPCs answered by h.
func (n *Network) Attach(c kbucket.Contact, h Handler) error {
	if c.Addr == nil {
		return fmt.Errorf("contact %s has no address", c.ID.ShortString())
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	addr := c.Addr.String()
	if _, ok := n.endpoints[addr]; ok {
		return fmt.Errorf("address %s already in use", addr)
	}
	n.endpoints[addr] = &endpoint{contact: c, handler: h}
	return nil
}

// Detach removes the endpoint of c. Later RPCs to it are refused.
func (n *Network) Detach(c kbucket.Contact) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c.Addr != nil {
		delete(n.endpoints, c.Addr.String())
	}
}

// SetDown makes the endpoint of c silently drop every RPC, or answer again.
func (n *Network) SetDown(c kbucket.Contact, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c.Addr == nil {
		return
	}
	if e, ok := n.endpoints[c.Addr.String()]; ok {
		e.down = down
	}
}

// Stats returns the number of RPCs sent and dropped so far.
func (n *Network) Stats() (sent, dropped int64) {
	return atomic.LoadInt64(&n.sent), atomic.LoadInt64(&n.dropped)
}

func (n *Network) delay() time.Duration {
	d := n.latency
	if n.jitter > 0 {
		n.rngLk.Lock()
		d += time.Duration(n.rng.Int63n(int64(n.jitter)))
		n.rngLk.Unlock()
	}
	return d
}

func (n *Network) lost() bool {
	if n.loss == 0 {
		return false
	}
	n.rngLk.Lock()
	defer n.rngLk.Unlock()
	return n.rng.Float64() < n.loss
}

// transit waits for a message to cross the network. A lost message only
// returns, with the error of ctx, once ctx is done.
func (n *Network) transit(ctx context.Context) error {
	if n.lost() {
		atomic.AddInt64(&n.dropped, 1)
		<-ctx.Done()
		return ctx.Err()
	}
	d := n.delay()
	if d == 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Client returns the RPC client a node with contact self uses on this network.
func (n *Network) Client(self kbucket.Contact) *Client {
	return &Client{net: n, self: self}
}

// Client sends FindNode RPCs on behalf of one node.
type Client struct {
	net  *Network
	self kbucket.Contact
}

// SendFindNode asks to for the contacts it knows closest to target. It fails
// immediately if nothing listens on the address of to, and otherwise waits
// for the answer until ctx is done.
func (c *Client) SendFindNode(ctx context.Context, to kbucket.Contact, target key.ID) ([]kbucket.Contact, error) {
	if to.Addr == nil {
		return nil, fmt.Errorf("contact %s has no address", to.ID.ShortString())
	}
	atomic.AddInt64(&c.net.sent, 1)

	c.net.mu.RLock()
	e, ok := c.net.endpoints[to.Addr.String()]
	var down bool
	var remote kbucket.Contact
	var h Handler
	if ok {
		down, remote, h = e.down, e.contact, e.handler
	}
	c.net.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectionRefused, to.Addr)
	}
	if remote.ID != to.ID {
		return nil, fmt.Errorf("%w: dialed %s, reached %s", ErrPeerIDMismatch, to.ID.ShortString(), remote.ID.ShortString())
	}
	if down {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	if err := c.net.transit(ctx); err != nil {
		return nil, err
	}
	closer := h.HandleFindNode(ctx, c.self, target)
	if err := c.net.transit(ctx); err != nil {
		logger.Debugw("response lost", "from", to, "error", err)
		return nil, err
	}

	out := make([]kbucket.Contact, len(closer))
	copy(out, closer)
	return out, nil
}
