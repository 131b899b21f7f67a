package sampler

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand/v2"
)

// Source supplies standard normal draws. *math/rand/v2.Rand satisfies it.
// A Source is used by one run at a time and need not be safe for
// concurrent use.
type Source interface {
	NormFloat64() float64
}

// pcgStream is the fixed PCG stream selector; only the seed varies.
const pcgStream = 0x9e3779b97f4a7c15

// NewSource returns a PCG-backed Source. Equal seeds produce equal sequences.
func NewSource(seed uint64) *mrand.Rand {
	return mrand.New(mrand.NewPCG(seed, pcgStream))
}

// RandomSeed returns a seed from crypto/rand, falling back to a fixed value
// if the system source fails.
func RandomSeed() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 42
	}
	return binary.LittleEndian.Uint64(buf[:])
}
