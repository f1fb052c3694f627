package harness

import (
	"math/rand/v2"
	"time"
)

const (
	saltProducer = uint64(0x70726f64) // "prod"
	saltConsumer = uint64(0x636f6e73) // "cons"
)

// newRand returns a generator owned by exactly one actor loop.
func newRand(s settings, salt uint64, id int) *rand.Rand {
	if !s.seeded {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	return rand.New(rand.NewPCG(s.seed, salt^uint64(id)))
}

// jitter draws delays uniformly from [minDelay, maxDelay].
type jitter struct {
	minDelay time.Duration
	maxDelay time.Duration
	rng      *rand.Rand
}

func newJitter(s settings, rng *rand.Rand) jitter {
	return jitter{minDelay: s.minDelay, maxDelay: s.maxDelay, rng: rng}
}

func (j jitter) next() time.Duration {
	if j.maxDelay <= j.minDelay {
		return j.minDelay
	}

	return j.minDelay + time.Duration(j.rng.Int64N(int64(j.maxDelay-j.minDelay)+1))
}

// intBetween draws uniformly from [lo, hi].
func intBetween(rng *rand.Rand, lo, hi int) int {
	if hi <= lo {
		return lo
	}

	return lo + rng.IntN(hi-lo+1)
}
