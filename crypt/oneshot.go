package crypt

import (
	"errors"
	"fmt"
	"io"
)

// ErrOneshotTruncated is returned when a oneshot ciphertext is shorter than
// its IV prefix.
var ErrOneshotTruncated = errors.New("oneshot ciphertext is shorter than its iv prefix")

// OneshotEncrypt writes iv || ciphertext to w. The plaintext buffer is
// encrypted in place.
func OneshotEncrypt(w io.Writer, c Crypter, ivg IVGenerator, key Key, data []byte) error {
	iv := make([]byte, IVSize)
	if err := ivg.GenerateIV(iv); err != nil {
		return fmt.Errorf("generating oneshot iv: %w", err)
	}
	if err := c.Encrypt(key, iv, data); err != nil {
		return fmt.Errorf("encrypting oneshot payload: %w", err)
	}
	if _, err := w.Write(iv); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// OneshotDecrypt reads an iv-prefixed ciphertext from r and returns the
// plaintext.
func OneshotDecrypt(r io.Reader, c Crypter, key Key) ([]byte, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(buf) < IVSize {
		return nil, ErrOneshotTruncated
	}
	iv, data := buf[:IVSize], buf[IVSize:]
	if err := c.Decrypt(key, iv, data); err != nil {
		return nil, err
	}
	return data, nil
}
