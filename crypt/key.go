package crypt

import (
	"crypto/rand"

	"github.com/awnumar/memguard"
)

const (
	// KeySize is the width of every key in the hierarchy.
	KeySize = 32

	// IVSize is the initialization vector width used by the bulk Crypter.
	IVSize = 16
)

// Key is raw key material. Callers that hold a Key beyond the scope of a
// single operation are responsible for wiping it when done.
type Key [KeySize]byte

// Wipe zeroes the key material in place.
func (k *Key) Wipe() {
	memguard.WipeBytes(k[:])
}

// HeapSize reports the byte cost of a cached key.
func (k Key) HeapSize() int {
	return KeySize
}

// KeyGenerator draws fresh root key material.
type KeyGenerator interface {
	GenerateKey() (Key, error)
}

// RandomKeyGenerator draws keys from the operating system CSPRNG.
type RandomKeyGenerator struct{}

func (RandomKeyGenerator) GenerateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, err
	}
	return k, nil
}
