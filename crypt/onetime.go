package crypt

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrOnetimeCiphertext is returned when a onetime ciphertext is malformed or
// fails authentication.
var ErrOnetimeCiphertext = errors.New("onetime ciphertext is malformed or has been tampered with")

// OnetimeEncrypt seals plaintext under key with a freshly drawn nonce. The
// nonce is prefixed to the returned ciphertext. The key must not seal more
// than one message; rotate it after use.
func OnetimeEncrypt(key Key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize, chacha20poly1305.NonceSize+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// OnetimeDecrypt opens a ciphertext produced by OnetimeEncrypt.
func OnetimeDecrypt(key Key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, ErrOnetimeCiphertext
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce, sealed := ciphertext[:chacha20poly1305.NonceSize], ciphertext[chacha20poly1305.NonceSize:]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrOnetimeCiphertext
	}
	return plaintext, nil
}
