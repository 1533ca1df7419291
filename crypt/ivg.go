package crypt

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
)

// ErrIVBufferTooSmall is returned when the destination buffer cannot hold a
// full IV.
var ErrIVBufferTooSmall = errors.New("iv buffer is smaller than the iv width")

// IVGenerator fills buffers with initialization vectors. Generators must
// never repeat an IV for the lifetime of the key they are paired with.
type IVGenerator interface {
	GenerateIV(iv []byte) error
}

// SequentialIVGenerator issues counter IVs. Uniqueness only holds within the
// lifetime of the generator, so it must be paired with keys that do not
// outlive it.
type SequentialIVGenerator struct {
	mu  sync.Mutex
	ctr uint64
}

func NewSequentialIVGenerator() *SequentialIVGenerator {
	return &SequentialIVGenerator{}
}

func (g *SequentialIVGenerator) GenerateIV(iv []byte) error {
	if len(iv) < IVSize {
		return ErrIVBufferTooSmall
	}
	g.mu.Lock()
	ctr := g.ctr
	g.ctr++
	g.mu.Unlock()

	clear(iv[:IVSize])
	binary.BigEndian.PutUint64(iv[IVSize-8:IVSize], ctr)
	return nil
}

// RandomIVGenerator draws IVs from the operating system CSPRNG. Safe across
// process restarts, which makes it the default for persisted state.
type RandomIVGenerator struct{}

func (RandomIVGenerator) GenerateIV(iv []byte) error {
	if len(iv) < IVSize {
		return ErrIVBufferTooSmall
	}
	_, err := rand.Read(iv[:IVSize])
	return err
}
