package netsize

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadnet/go-kad-dht/kbucket"
	"github.com/kadnet/go-kad-dht/key"
)

func TestNewEstimator(t *testing.T) {
	self := key.Random()
	rt, err := kbucket.NewRoutingTable(4, self, nil, 0, 1)
	require.NoError(t, err)

	e := NewEstimator(self, rt, WithBucketSize(4), WithWeightFunc(WeightFuncInverse))
	assert.Equal(t, self, e.localID)
	assert.Equal(t, rt, e.rt)
	assert.Equal(t, 4, e.bucketSize)
	assert.Equal(t, WeightFuncInverse, e.weightFuncType)
	assert.Len(t, e.measurements, 4)
	assert.Equal(t, invalidEstimate, e.netSizeCache)
}

func TestNormedDistance(t *testing.T) {
	a := key.Random()
	assert.Zero(t, NormedDistance(a, a))

	// differing in the first bit only is half the keyspace away
	b := a
	b[0] ^= 0x80
	assert.InDelta(t, 0.5, NormedDistance(a, b), 1e-12)

	b[0] ^= 0xc0
	assert.InDelta(t, 0.25, NormedDistance(a, b), 1e-12)

	for i := 0; i < 100; i++ {
		d := NormedDistance(key.Random(), key.Random())
		assert.GreaterOrEqual(t, d, 0.0)
		assert.Less(t, d, 1.0)
	}
}

func TestTrackWrongNumOfPeers(t *testing.T) {
	e := NewEstimator(key.Random(), nil, WithBucketSize(4), WithWeightFunc(WeightFuncNone))
	err := e.Track(key.Random(), randomContacts(3))
	assert.ErrorIs(t, err, ErrWrongNumOfPeers)
}

func TestNotEnoughData(t *testing.T) {
	e := NewEstimator(key.Random(), nil, WithBucketSize(4), WithWeightFunc(WeightFuncNone))
	_, err := e.NetworkSize()
	assert.ErrorIs(t, err, ErrNotEnoughData)

	all := randomContacts(100)
	for i := 0; i < MinMeasurementsThreshold-1; i++ {
		require.NoError(t, e.Track(key.Random(), closestOf(all, key.Random(), 4)))
	}
	_, err = e.NetworkSize()
	assert.ErrorIs(t, err, ErrNotEnoughData)
}

func TestNetworkSize(t *testing.T) {
	const (
		n          = 1000
		bucketSize = 20
	)
	for _, wft := range []WeightFuncType{WeightFuncNone, WeightFuncExponentialCPL} {
		t.Run(string(wft), func(t *testing.T) {
			e := NewEstimator(key.Random(), nil, WithBucketSize(bucketSize), WithWeightFunc(wft))
			all := randomContacts(n)
			for i := 0; i < 100; i++ {
				target := key.Random()
				require.NoError(t, e.Track(target, closestOf(all, target, bucketSize)))
			}

			estimate, err := e.NetworkSize()
			require.NoError(t, err)
			assert.Greater(t, estimate, int32(n/2))
			assert.Less(t, estimate, int32(2*n))

			// cached until the next lookup is tracked
			assert.Equal(t, estimate, e.netSizeCache)
			again, err := e.NetworkSize()
			require.NoError(t, err)
			assert.Equal(t, estimate, again)

			target := key.Random()
			require.NoError(t, e.Track(target, closestOf(all, target, bucketSize)))
			assert.Equal(t, invalidEstimate, e.netSizeCache)
		})
	}
}

func TestMeasurementsAreBounded(t *testing.T) {
	e := NewEstimator(key.Random(), nil, WithBucketSize(2), WithWeightFunc(WeightFuncNone))
	all := randomContacts(10)
	for i := 0; i < MaxMeasurementsThreshold+10; i++ {
		target := key.Random()
		require.NoError(t, e.Track(target, closestOf(all, target, 2)))
	}
	for _, ms := range e.measurements {
		assert.Len(t, ms, MaxMeasurementsThreshold)
	}
}

func TestGarbageCollect(t *testing.T) {
	e := NewEstimator(key.Random(), nil, WithBucketSize(2), WithWeightFunc(WeightFuncNone))
	all := randomContacts(10)
	for i := 0; i < MinMeasurementsThreshold; i++ {
		target := key.Random()
		require.NoError(t, e.Track(target, closestOf(all, target, 2)))
	}
	_, err := e.NetworkSize()
	require.NoError(t, err)

	// age the first measurement of every rank
	for _, ms := range e.measurements {
		ms[0].timestamp = time.Now().Add(-MaxMeasurementAge - time.Minute)
	}
	// the cached estimate goes along with the expired data
	_, err = e.NetworkSize()
	assert.ErrorIs(t, err, ErrNotEnoughData)
	for _, ms := range e.measurements {
		assert.Len(t, ms, MinMeasurementsThreshold-1)
	}
}

func TestCachedEstimateExpires(t *testing.T) {
	e := NewEstimator(key.Random(), nil, WithBucketSize(2), WithWeightFunc(WeightFuncNone))
	all := randomContacts(10)
	for i := 0; i < 2*MinMeasurementsThreshold; i++ {
		target := key.Random()
		require.NoError(t, e.Track(target, closestOf(all, target, 2)))
	}
	estimate, err := e.NetworkSize()
	require.NoError(t, err)
	require.Equal(t, estimate, e.netSizeCache)

	for _, ms := range e.measurements {
		for i := range ms {
			ms[i].timestamp = time.Now().Add(-MaxMeasurementAge - time.Minute)
		}
	}
	_, err = e.NetworkSize()
	assert.ErrorIs(t, err, ErrNotEnoughData)
	assert.Equal(t, invalidEstimate, e.netSizeCache)
	for _, ms := range e.measurements {
		assert.Empty(t, ms)
	}
}

func TestWeights(t *testing.T) {
	self := key.Random()
	rt, err := kbucket.NewRoutingTable(4, self, nil, 0, 1)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		require.True(t, rt.Insert(context.Background(), kbucket.NewContact(key.RandomWithCPL(self, 3), nil)))
	}

	e := NewEstimator(self, rt, WithBucketSize(4))
	target := key.RandomWithCPL(self, 3)

	e.weightFuncType = WeightFuncNone
	assert.Equal(t, 1.0, e.calcWeight(target))
	e.weightFuncType = WeightFuncInverse
	assert.Equal(t, 0.25, e.calcWeight(target))
	e.weightFuncType = WeightFuncExponentialCPL
	assert.Equal(t, 0.125, e.calcWeight(target))
	e.weightFuncType = WeightFuncExponentialBucketLevel
	assert.Equal(t, math.Pow(2, -2), e.calcWeight(target))

	e.weightFuncType = "BOGUS"
	assert.Panics(t, func() { e.calcWeight(target) })
}

func randomContacts(n int) []kbucket.Contact {
	out := make([]kbucket.Contact, n)
	for i := range out {
		out[i] = kbucket.NewContact(key.Random(), nil)
	}
	return out
}

func closestOf(all []kbucket.Contact, target key.ID, count int) []kbucket.Contact {
	sorted := append([]kbucket.Contact(nil), all...)
	kbucket.SortClosest(sorted, target)
	return sorted[:count]
}
