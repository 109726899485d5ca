// Package netsize estimates the number of nodes in the network from the
// distances between lookup targets and the contacts found closest to them.
//
// With N nodes spread uniformly over the keyspace, the i-th closest node to a
// random target lies on average at a normed distance of i/(N+1). The
// estimator averages the observed distance of every rank over many lookups
// and fits that line.
package netsize

import (
	"errors"
	"math"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log"

	"github.com/kadnet/go-kad-dht/kbucket"
	"github.com/kadnet/go-kad-dht/key"
)

var (
	ErrNotEnoughData   = errors.New("not enough data")
	ErrWrongNumOfPeers = errors.New("expected bucket size number of contacts")
)

var (
	MaxMeasurementAge        = 2 * time.Hour
	MinMeasurementsThreshold = 5
	MaxMeasurementsThreshold = 150
)

const invalidEstimate int32 = -1

var logger = logging.Logger("dht/netsize")

// 2^256, the size of the keyspace.
var keyspaceSize = new(big.Float).SetInt(new(big.Int).Lsh(big.NewInt(1), key.BitLen))

type measurement struct {
	distance  float64
	weight    float64
	timestamp time.Time
}

// Estimator keeps the results of recent lookups and derives the network size
// from them. It is safe for concurrent use.
type Estimator struct {
	localID        key.ID
	rt             *kbucket.RoutingTable
	bucketSize     int
	weightFuncType WeightFuncType

	measurementsLk sync.Mutex
	// rank in the lookup result -> measurements, oldest first
	measurements map[int][]measurement

	netSizeCache int32
}

// NewEstimator returns an estimator for the node with identifier localID,
// whose routing table is rt.
func NewEstimator(localID key.ID, rt *kbucket.RoutingTable, opts ...Option) *Estimator {
	e := &Estimator{
		localID:        localID,
		rt:             rt,
		bucketSize:     DefaultBucketSize,
		weightFuncType: DefaultWeightFuncType,
		measurements:   make(map[int][]measurement),
		netSizeCache:   invalidEstimate,
	}
	for _, opt := range opts {
		opt(e)
	}
	for i := 0; i < e.bucketSize; i++ {
		e.measurements[i] = []measurement{}
	}
	return e
}

// NormedDistance returns the XOR distance between a and b divided by the
// size of the keyspace, a number in [0, 1).
func NormedDistance(a, b key.ID) float64 {
	d := new(big.Float).SetInt(a.Distance(b))
	normed, _ := d.Quo(d, keyspaceSize).Float64()
	return normed
}

// Track records the result of a lookup for target. closest must hold exactly
// bucket size contacts, closest first.
func (e *Estimator) Track(target key.ID, closest []kbucket.Contact) error {
	if len(closest) != e.bucketSize {
		return ErrWrongNumOfPeers
	}

	now := time.Now()
	weight := e.calcWeight(target)

	e.measurementsLk.Lock()
	defer e.measurementsLk.Unlock()
	for i, c := range closest {
		ms := append(e.measurements[i], measurement{
			distance:  NormedDistance(c.ID, target),
			weight:    weight,
			timestamp: now,
		})
		if len(ms) > MaxMeasurementsThreshold {
			ms = ms[len(ms)-MaxMeasurementsThreshold:]
		}
		e.measurements[i] = ms
	}
	atomic.StoreInt32(&e.netSizeCache, invalidEstimate)
	return nil
}

// NetworkSize returns the current estimate of the number of nodes in the
// network, or ErrNotEnoughData while too few lookups were tracked.
func (e *Estimator) NetworkSize() (int32, error) {
	e.measurementsLk.Lock()
	defer e.measurementsLk.Unlock()

	if e.garbageCollect() {
		atomic.StoreInt32(&e.netSizeCache, invalidEstimate)
	}
	if cached := atomic.LoadInt32(&e.netSizeCache); cached != invalidEstimate {
		return cached, nil
	}

	// least squares fit of avg distance = slope * rank, through the origin
	var sumXY, sumXX float64
	for i := 0; i < e.bucketSize; i++ {
		ms := e.measurements[i]
		if len(ms) < MinMeasurementsThreshold {
			return 0, ErrNotEnoughData
		}
		var weights, weighted float64
		for _, m := range ms {
			weights += m.weight
			weighted += m.weight * m.distance
		}
		if weights == 0 {
			return 0, ErrNotEnoughData
		}
		x := float64(i + 1)
		sumXY += x * weighted / weights
		sumXX += x * x
	}
	slope := sumXY / sumXX
	if slope <= 0 {
		return 0, ErrNotEnoughData
	}

	estimate := int32(math.Round(1/slope - 1))
	if estimate < 1 {
		estimate = 1
	}
	atomic.StoreInt32(&e.netSizeCache, estimate)
	logger.Debugw("new network size estimate", "estimate", estimate, "local", e.localID)
	return estimate, nil
}

// garbageCollect drops the measurements older than MaxMeasurementAge and
// reports whether it dropped any. The caller holds measurementsLk.
func (e *Estimator) garbageCollect() bool {
	cutoff := time.Now().Add(-MaxMeasurementAge)
	dropped := false
	for i, ms := range e.measurements {
		keep := 0
		for keep < len(ms) && ms[keep].timestamp.Before(cutoff) {
			keep++
		}
		if keep > 0 {
			dropped = true
			e.measurements[i] = ms[keep:]
		}
	}
	return dropped
}
