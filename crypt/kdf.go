package crypt

import (
	"encoding/binary"

	"golang.org/x/crypto/chacha20"
)

// KDF expands a parent key into independent subkeys, one per 64-bit
// identifier. Implementations must be deterministic: the same parent key and
// id always yield the same subkey.
type KDF interface {
	Derive(id uint64) Key
}

// NewKDF binds a KDF implementation to a parent key.
type NewKDF func(key Key) KDF

type chachaKDF struct {
	key Key
}

// NewChaCha20 returns a multi-output KDF. Subkey i is the first KeySize
// bytes of the ChaCha20 keystream keyed by the parent key with i as the
// nonce.
func NewChaCha20(key Key) KDF {
	return &chachaKDF{key: key}
}

func (k *chachaKDF) Derive(id uint64) Key {
	var nonce [chacha20.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[:8], id)

	// Widths are fixed at compile time, the constructor cannot fail.
	c, _ := chacha20.NewUnauthenticatedCipher(k.key[:], nonce[:])

	var out Key
	c.XORKeyStream(out[:], out[:])
	return out
}

type singleOutputKDF struct {
	key Key
}

// NewSingleOutput returns a KDF that yields the parent key for every id. It
// exists for callers that manage subkey uniqueness themselves.
func NewSingleOutput(key Key) KDF {
	return singleOutputKDF{key: key}
}

func (k singleOutputKDF) Derive(uint64) Key {
	return k.key
}
