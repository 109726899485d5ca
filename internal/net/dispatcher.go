// Package net executes outbound FindNode RPCs on behalf of a node through a
// fixed pool of workers. It is the boundary where transport errors become
// ErrPeerUnresponsive.
package net

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"

	"go.opencensus.io/stats"
	"go.opencensus.io/tag"

	"github.com/kadnet/go-kad-dht/kbucket"
	"github.com/kadnet/go-kad-dht/key"
	"github.com/kadnet/go-kad-dht/metrics"
)

var logger = logging.Logger("dht/net")

// ErrPeerUnresponsive is returned for any RPC that did not produce a response
// in time, whatever the underlying transport failure was.
var ErrPeerUnresponsive = errors.New("peer unresponsive")

// ErrDispatcherClosed is returned for RPCs submitted to, or still queued in, a
// closed dispatcher.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// Sender asks a contact for the contacts it knows closest to target. The
// deadline of the RPC is carried by ctx.
type Sender interface {
	SendFindNode(ctx context.Context, to kbucket.Contact, target key.ID) ([]kbucket.Contact, error)
}

// Result is the outcome of one FindNode RPC.
type Result struct {
	From    kbucket.Contact
	Closer  []kbucket.Contact
	Err     error
	Latency time.Duration
}

type job struct {
	to     kbucket.Contact
	target key.ID
	out    chan<- Result
}

// Dispatcher runs FindNode RPCs on a fixed number of workers. RPCs are not
// bound to the context of whoever submitted them: once picked up by a worker
// they run until they answer, time out, or the dispatcher is closed.
type Dispatcher struct {
	ctx     context.Context
	cancel  context.CancelFunc
	sender  Sender
	timeout time.Duration

	jobs chan job
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts workers goroutines executing RPCs through sender, each
// bounded by timeout. Tags on ctx are attached to the recorded metrics.
func NewDispatcher(ctx context.Context, sender Sender, workers int, timeout time.Duration) (*Dispatcher, error) {
	if workers < 1 {
		return nil, fmt.Errorf("worker count must be positive, got %d", workers)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("request timeout must be positive, got %s", timeout)
	}
	ctx, cancel := context.WithCancel(ctx)
	d := &Dispatcher{
		ctx:     ctx,
		cancel:  cancel,
		sender:  sender,
		timeout: timeout,
		jobs:    make(chan job, workers*16),
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	return d, nil
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case j := <-d.jobs:
			if d.ctx.Err() != nil {
				j.out <- Result{From: j.to, Err: ErrDispatcherClosed}
				continue
			}
			j.out <- d.send(j.to, j.target)
		}
	}
}

func (d *Dispatcher) send(to kbucket.Contact, target key.ID) Result {
	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()
	ctx, _ = tag.New(ctx, metrics.UpsertRpcType(metrics.RpcFindNode))

	start := time.Now()
	closer, err := d.sender.SendFindNode(ctx, to, target)
	latency := time.Since(start)
	if err != nil {
		stats.Record(ctx,
			metrics.SentRequests.M(1),
			metrics.SentRequestErrors.M(1),
		)
		logger.Debugw("request failed", "error", err, "to", to, "target", target)
		return Result{From: to, Err: fmt.Errorf("%w: %s", ErrPeerUnresponsive, err), Latency: latency}
	}

	stats.Record(ctx,
		metrics.SentRequests.M(1),
		metrics.OutboundRequestLatency.M(float64(latency)/float64(time.Millisecond)),
	)
	return Result{From: to, Closer: closer, Latency: latency}
}

// Submit queues a FindNode RPC to to. The returned channel receives exactly
// one Result. Submit blocks while the queue is full.
func (d *Dispatcher) Submit(to kbucket.Contact, target key.ID) <-chan Result {
	out := make(chan Result, 1)

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed || d.ctx.Err() != nil {
		out <- Result{From: to, Err: ErrDispatcherClosed}
		return out
	}
	select {
	case d.jobs <- job{to: to, target: target, out: out}:
	case <-d.ctx.Done():
		out <- Result{From: to, Err: ErrDispatcherClosed}
	}
	return out
}

// FindNode submits a FindNode RPC and waits for its result or for ctx to be
// done. An RPC abandoned because of ctx still runs to completion.
func (d *Dispatcher) FindNode(ctx context.Context, to kbucket.Contact, target key.ID) ([]kbucket.Contact, error) {
	select {
	case res := <-d.Submit(to, target):
		return res.Closer, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ping checks that c answers a FindNode RPC for its own identifier. It runs on
// the calling goroutine rather than on a worker so that routing table probes
// never wait behind queued lookups.
func (d *Dispatcher) Ping(ctx context.Context, c kbucket.Contact) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	ctx, _ = tag.New(ctx, metrics.UpsertRpcType(metrics.RpcProbe))

	start := time.Now()
	if _, err := d.sender.SendFindNode(ctx, c, c.ID); err != nil {
		stats.Record(ctx,
			metrics.SentRequests.M(1),
			metrics.SentRequestErrors.M(1),
		)
		logger.Debugw("probe failed", "error", err, "to", c)
		return fmt.Errorf("%w: %s", ErrPeerUnresponsive, err)
	}
	stats.Record(ctx,
		metrics.SentRequests.M(1),
		metrics.OutboundRequestLatency.M(float64(time.Since(start))/float64(time.Millisecond)),
	)
	return nil
}

// Close stops the workers. RPCs still queued complete with
// ErrDispatcherClosed, RPCs in flight see their context cancelled.
func (d *Dispatcher) Close() error {
	d.cancel()
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.wg.Wait()
	for {
		select {
		case j := <-d.jobs:
			j.out <- Result{From: j.to, Err: ErrDispatcherClosed}
		default:
			return nil
		}
	}
}
