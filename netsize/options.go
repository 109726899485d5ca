package netsize

type Option func(*Estimator)

var (
	DefaultBucketSize     = 20
	DefaultWeightFuncType = WeightFuncExponentialCPL
)

// WithBucketSize sets the number of contacts every tracked lookup result must hold.
func WithBucketSize(bucketSize int) Option {
	return func(es *Estimator) {
		es.bucketSize = bucketSize
	}
}

func WithWeightFunc(wft WeightFuncType) Option {
	return func(es *Estimator) {
		es.weightFuncType = wft
	}
}
