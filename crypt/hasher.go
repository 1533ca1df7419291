package crypt

import (
	"hash"

	"golang.org/x/crypto/blake2b"
)

// Hasher folds byte strings into a fixed-width digest. A Hasher is not
// required to be safe for concurrent use; derivation paths construct one per
// fold.
type Hasher interface {
	Update(data []byte)

	// Finish returns the digest of everything written since construction or
	// the previous Finish, then resets.
	Finish() Key
}

// NewHasher constructs a fresh Hasher.
type NewHasher func() Hasher

type blake2bHasher struct {
	h hash.Hash
}

// NewBlake2b returns a BLAKE2b-256 backed Hasher.
func NewBlake2b() Hasher {
	h, _ := blake2b.New256(nil)
	return &blake2bHasher{h: h}
}

func (b *blake2bHasher) Update(data []byte) {
	b.h.Write(data)
}

func (b *blake2bHasher) Finish() Key {
	var k Key
	b.h.Sum(k[:0])
	b.h.Reset()
	return k
}

// Digest hashes the concatenation of data in one shot.
func Digest(newHasher NewHasher, data ...[]byte) Key {
	h := newHasher()
	for _, d := range data {
		h.Update(d)
	}
	return h.Finish()
}
