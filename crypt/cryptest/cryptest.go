// Package cryptest provides deterministic stand-ins for the crypt
// capabilities. Nothing here is cryptographic; the doubles exist so tests
// can predict every key the hierarchy produces.
package cryptest

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/lethe-kms/go-lethe/crypt"
)

// Hasher accumulates input into a rolling 64-bit state replicated across the
// digest. Collisions are trivial to construct; tests only need determinism.
type Hasher struct {
	state uint64
	folds *atomic.Int64
}

// NewHasher returns a crypt.NewHasher backed by the rolling-state double.
func NewHasher() crypt.Hasher {
	return &Hasher{}
}

// CountingHasher returns a hasher constructor whose instances bump folds on
// every Finish, so tests can assert how many derivation steps ran.
func CountingHasher(folds *atomic.Int64) crypt.NewHasher {
	return func() crypt.Hasher {
		return &Hasher{folds: folds}
	}
}

func (h *Hasher) Update(data []byte) {
	for _, b := range data {
		h.state = h.state*1099511628211 + uint64(b) + 1
	}
}

func (h *Hasher) Finish() crypt.Key {
	if h.folds != nil {
		h.folds.Add(1)
	}
	var k crypt.Key
	for i := 0; i < crypt.KeySize; i += 8 {
		binary.LittleEndian.PutUint64(k[i:], h.state+uint64(i))
	}
	h.state = 0
	return k
}

// KeyGen hands out keys 1, 2, 3, ... so tests can predict every draw.
type KeyGen struct {
	next uint64
}

func (g *KeyGen) GenerateKey() (crypt.Key, error) {
	g.next++
	var k crypt.Key
	binary.LittleEndian.PutUint64(k[:], g.next)
	return k, nil
}

// Drawn reports how many keys the generator has issued.
func (g *KeyGen) Drawn() uint64 {
	return g.next
}

// ZeroIVGenerator issues all-zero IVs, collapsing ciphertexts to a function
// of key and plaintext alone.
type ZeroIVGenerator struct{}

func (ZeroIVGenerator) GenerateIV(iv []byte) error {
	if len(iv) < crypt.IVSize {
		return crypt.ErrIVBufferTooSmall
	}
	clear(iv[:crypt.IVSize])
	return nil
}
