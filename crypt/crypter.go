package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
)

// ErrBadIVLength is returned when an IV does not match the crypter's width.
var ErrBadIVLength = errors.New("iv length does not match the crypter iv width")

// Crypter is the bulk cipher applied to journaled and persisted state.
// Encrypt and Decrypt transform data in place.
type Crypter interface {
	Encrypt(key Key, iv, data []byte) error
	Decrypt(key Key, iv, data []byte) error
}

// Aes256Ctr implements Crypter with AES-256 in counter mode. CTR is length
// preserving, which the on-disk record formats rely on; authenticity comes
// from the MAC callers apply over the ciphertext.
type Aes256Ctr struct{}

func (Aes256Ctr) Encrypt(key Key, iv, data []byte) error {
	return ctrXOR(key, iv, data)
}

func (Aes256Ctr) Decrypt(key Key, iv, data []byte) error {
	return ctrXOR(key, iv, data)
}

func ctrXOR(key Key, iv, data []byte) error {
	if len(iv) != IVSize {
		return ErrBadIVLength
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return err
	}
	cipher.NewCTR(block, iv).XORKeyStream(data, data)
	return nil
}
