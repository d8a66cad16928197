package core

import (
	"github.com/MichaelTJones/pcg"
)

// Sampler is the source of uniform variates used by waypoint generation.
type Sampler interface {
	// Float64 returns a value in [0, 1).
	Float64() float64
}

// Rand is a PCG32 random source. It is not safe for concurrent use; each
// commander owns its own.
type Rand struct {
	r *pcg.PCG32
}

const pcgSequence = 0xda3e39cb94b95bdb

// NewRand returns a generator seeded with seed.
func NewRand(seed int64) *Rand {
	r := &Rand{r: pcg.NewPCG32()}
	r.Seed(seed)
	return r
}

// Seed resets the generator state.
func (r *Rand) Seed(seed int64) {
	r.r.Seed(uint64(seed), pcgSequence)
}

// Float64 returns a value in [0, 1).
func (r *Rand) Float64() float64 {
	return float64(r.r.Random()) / (1 << 32)
}

// Uniform draws a value in [lo, hi) from s.
func Uniform(s Sampler, lo, hi float64) float64 {
	return lo + (hi-lo)*s.Float64()
}
