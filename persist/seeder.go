package persist

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/kadnet/go-kad-dht/kbucket"
)

var SeedDialGracePeriod = 5 * time.Second
var ErrPartialSeed = errors.New("routing table seeded partially")

type randomSeeder struct {
	pinger kbucket.Pinger
	target int
}

var _ Seeder = (*randomSeeder)(nil)

// NewRandomSeeder returns a Seeder that seeds a routing table with `target` random live contacts from
// the supplied candidate set, resorting to fallback contacts if the candidates are unworkable.
// Liveness is checked with pinger, all candidates of a batch at once.
func NewRandomSeeder(pinger kbucket.Pinger, target int) Seeder {
	return &randomSeeder{pinger, target}
}

func (rs *randomSeeder) Seed(ctx context.Context, into *kbucket.RoutingTable, candidates []kbucket.Contact, fallback []kbucket.Contact) error {
	cpy := make([]kbucket.Contact, len(candidates))
	copy(cpy, candidates)
	rand.Shuffle(len(cpy), func(i, j int) {
		cpy[i], cpy[j] = cpy[j], cpy[i]
	})

	left := rs.target
	if left <= 0 {
		return nil
	}
	left = rs.seedFrom(ctx, into, cpy, left)
	if left == 0 {
		return nil
	}
	if len(fallback) > 0 {
		logSeed.Warnw("resorting to fallback contacts to fill routing table", "missing", left)
		left = rs.seedFrom(ctx, into, fallback, left)
	}
	if left > 0 {
		logSeed.Warnw("unable to seed routing table to target", "missing", left)
		return ErrPartialSeed
	}
	return nil
}

// seedFrom pings every contact of batch and inserts the live ones until left
// reaches zero. It returns how many contacts are still missing.
func (rs *randomSeeder) seedFrom(ctx context.Context, into *kbucket.RoutingTable, batch []kbucket.Contact, left int) int {
	type result struct {
		c   kbucket.Contact
		err error
	}

	ctx, cancel := context.WithTimeout(ctx, SeedDialGracePeriod)
	defer cancel()

	resCh := make(chan result, len(batch))
	for _, c := range batch {
		if c.ID == into.Self() {
			resCh <- result{c, errors.New("candidate is the local node")}
			continue
		}
		go func(c kbucket.Contact) {
			resCh <- result{c, rs.pinger.Ping(ctx, c)}
		}(c)
	}

	for range batch {
		res := <-resCh
		if res.err != nil {
			logSeed.Infow("discarded routing table candidate", "contact", res.c, "error", res.err)
			continue
		}
		if left > 0 && into.Insert(ctx, res.c) {
			left--
		}
	}
	return left
}
