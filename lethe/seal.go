package lethe

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/veraison/go-cose"

	"github.com/lethe-kms/go-lethe/crypt"
)

// Checkpoint attests the durable state of an instance at an epoch. The
// digest covers the snapshot file as persisted, so a verifier holding the
// checkpoint can detect any later tampering with the state at rest.
type Checkpoint struct {
	Instance    []byte `cbor:"1,keyasint"`
	Epoch       uint64 `cbor:"2,keyasint"`
	StateDigest []byte `cbor:"3,keyasint"`
	Timestamp   int64  `cbor:"4,keyasint"`
}

// SealCheckpoint signs a checkpoint of the last committed state as a COSE
// Sign1 message.
func (l *Lethe) SealCheckpoint(signer cose.Signer) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}

	data, err := os.ReadFile(filepath.Join(l.dir, snapshotName))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	digest := crypt.Digest(l.newHasher, data)

	checkpoint := Checkpoint{
		Instance:    l.instance[:],
		Epoch:       l.epoch,
		StateDigest: digest[:],
		Timestamp:   time.Now().Unix(),
	}
	payload, err := snapEncMode.Marshal(&checkpoint)
	if err != nil {
		return nil, fmt.Errorf("encoding checkpoint: %w", err)
	}

	msg := cose.NewSign1Message()
	msg.Headers.Protected[cose.HeaderLabelAlgorithm] = signer.Algorithm()
	msg.Payload = payload
	if err := msg.Sign(rand.Reader, nil, signer); err != nil {
		return nil, fmt.Errorf("signing checkpoint: %w", err)
	}
	return msg.MarshalCBOR()
}

// VerifyCheckpoint checks a sealed checkpoint's signature and returns its
// contents.
func VerifyCheckpoint(sealed []byte, verifier cose.Verifier) (Checkpoint, error) {
	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(sealed); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: decoding sealed checkpoint: %v", ErrLoad, err)
	}
	if err := msg.Verify(nil, verifier); err != nil {
		return Checkpoint{}, fmt.Errorf("verifying checkpoint: %w", err)
	}
	var checkpoint Checkpoint
	if err := snapDecMode.Unmarshal(msg.Payload, &checkpoint); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: decoding checkpoint payload: %v", ErrLoad, err)
	}
	return checkpoint, nil
}
