package dandelion

import (
	"github.com/decred/dcrd/crypto/rand"
)

// RandSource is the source of randomness for coin flips and embargo jitter.
// Routing decisions leak information about the origin of a transaction, so
// the default source is a cryptographically secure one.
type RandSource interface {
	// Float64 returns a uniform number in [0, 1).
	Float64() float64

	// IntN returns a uniform number in [0, n).
	IntN(n int) int
}

// cryptoRand is a RandSource backed by the process wide CSPRNG.
type cryptoRand struct{}

// Float64 returns a uniform number in [0, 1) using the top 53 bits of a
// random word.
func (cryptoRand) Float64() float64 {
	return float64(rand.Uint64()>>11) / (1 << 53)
}

// IntN returns a uniform number in [0, n).
func (cryptoRand) IntN(n int) int {
	return rand.IntN(n)
}

// CryptoRand returns the default, cryptographically secure RandSource.
func CryptoRand() RandSource {
	return cryptoRand{}
}
