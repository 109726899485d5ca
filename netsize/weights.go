package netsize

import (
	"fmt"
	"math"

	"github.com/kadnet/go-kad-dht/key"
)

type WeightFuncType string

const (
	WeightFuncNone                   WeightFuncType = "NONE"
	WeightFuncInverse                WeightFuncType = "INVERSE"
	WeightFuncExponentialCPL         WeightFuncType = "EXPONENTIAL_CPL"
	WeightFuncExponentialBucketLevel WeightFuncType = "EXPONENTIAL_BUCKET_LEVEL"
)

// calcWeight selects the configured weight function and calculates the
// weight of the data points of a lookup for target.
func (e *Estimator) calcWeight(target key.ID) float64 {
	switch e.weightFuncType {
	case WeightFuncNone:
		return 1
	case WeightFuncInverse:
		return e.weightFuncInverse(target)
	case WeightFuncExponentialCPL:
		return e.weightFuncExponentialCPL(target)
	case WeightFuncExponentialBucketLevel:
		return e.weightFuncExponentialBucketLevel(target)
	default:
		panic(fmt.Sprintf("unknown weight func type %s", e.weightFuncType))
	}
}

// weightFuncInverse decreases the weight of data points inverse proportional to the
// common prefix length between the target and the local identifier.
// CPL: 0 -> 1/(0 + 1) -> 1
// CPL: 1 -> 1/(1 + 1) -> 0.5
// CPL: 2 -> 1/(2 + 1) -> 0.333
func (e *Estimator) weightFuncInverse(target key.ID) float64 {
	cpl := key.CommonPrefixLen(target, e.localID)
	return 1 / (float64(cpl) + 1)
}

// weightFuncExponentialCPL weighs data points exponentially less with
// increasing common prefix length between the target and the local identifier.
// Lookups close to the local node ran through a denser part of the routing
// table and say less about the network as a whole.
// CPL: 0 -> 1/2**0 -> 1
// CPL: 1 -> 1/2**1 -> 0.5
// CPL: 2 -> 1/2**2 -> 0.25
func (e *Estimator) weightFuncExponentialCPL(target key.ID) float64 {
	cpl := key.CommonPrefixLen(target, e.localID)
	return 1 / math.Pow(2, float64(cpl))
}

// weightFuncExponentialBucketLevel weighs data points exponentially less if
// the target falls into a bucket that is not full.
// Bucket Level: 20 -> 1/2^0 -> weight: 1
// Bucket Level: 17 -> 1/2^3 -> weight: 1/8
// Bucket Level: 10 -> 1/2^10 -> weight: 1/1024
func (e *Estimator) weightFuncExponentialBucketLevel(target key.ID) float64 {
	cpl := key.CommonPrefixLen(target, e.localID)
	bucketLevel := e.rt.NPeersForCpl(uint(cpl))
	return math.Pow(2, float64(bucketLevel-e.bucketSize))
}
