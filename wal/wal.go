package wal

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/lethe-kms/go-lethe/crypt"
)

const (
	recordHeaderSize = 29 // epoch 8 | op 1 | a 8 | b 8 | payload len 4
	recordTagSize    = 16
	maxPayloadSize   = 1 << 20
)

// Journal is an append-only file of sealed records. Payloads are encrypted
// with a subkey of the journal key and every record carries a truncated
// keyed digest, so a record that fails authentication is indistinguishable
// from a torn write and ends the replayable prefix.
type Journal struct {
	mu sync.Mutex

	f *os.File

	crypter   crypt.Crypter
	ivg       crypt.IVGenerator
	newHasher crypt.NewHasher
	encKey    crypt.Key
	macKey    crypt.Key

	log *zap.Logger

	epoch     uint64
	committed []Record
	pending   []Record
}

// Open opens or creates the journal at path. The encryption and
// authentication subkeys are derived from key, so reopening with a
// different key yields an empty journal rather than an error.
func Open(path string, key crypt.Key, opts ...Option) (*Journal, error) {
	cfg := newConfig(opts)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, &Error{Op: "open", Cause: CauseIo, Err: err}
	}

	kdf := cfg.NewKDF(key)
	j := &Journal{
		f:         f,
		crypter:   cfg.Crypter,
		ivg:       cfg.IVG,
		newHasher: cfg.NewHasher,
		encKey:    kdf.Derive(0),
		macKey:    kdf.Derive(1),
		log:       cfg.Log,
	}
	if err := j.load(); err != nil {
		f.Close()
		return nil, err
	}
	return j, nil
}

// load scans the file for the longest prefix of intact records ending at a
// commit marker and truncates everything after it.
func (j *Journal) load() error {
	data, err := io.ReadAll(j.f)
	if err != nil {
		return &Error{Op: "read", Cause: CauseIo, Err: err}
	}

	var (
		recs    []Record
		off     int
		durable int
		marked  int
	)
	for {
		r, n, err := j.unseal(data[off:])
		if err != nil {
			if errors.Is(err, ErrCorruptRecord) {
				j.log.Debug("journal scan stopped", zap.Int("offset", off), zap.Error(err))
			}
			break
		}
		recs = append(recs, r)
		off += n
		if r.Op == OpCommit {
			durable = off
			marked = len(recs)
			j.epoch = r.Epoch
		}
	}
	j.committed = recs[:marked]

	if durable != len(data) {
		j.log.Warn("discarding journal tail past the last commit marker",
			zap.Int("durable", durable), zap.Int("size", len(data)))
		if err := j.f.Truncate(int64(durable)); err != nil {
			return &Error{Op: "truncate", Cause: CauseIo, Err: err}
		}
	}
	if _, err := j.f.Seek(int64(durable), io.SeekStart); err != nil {
		return &Error{Op: "seek", Cause: CauseIo, Err: err}
	}
	return nil
}

// Append seals r and writes it to the journal. The record is not durable
// until Persist or Commit.
func (j *Journal) Append(r Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return ErrClosed
	}
	return j.append(r)
}

func (j *Journal) append(r Record) error {
	buf, err := j.seal(r)
	if err != nil {
		return err
	}
	if _, err := j.f.Write(buf); err != nil {
		return &Error{Op: "append", Cause: CauseIo, Err: err}
	}
	j.pending = append(j.pending, r)
	return nil
}

// Persist flushes appended records to stable storage without committing
// them.
func (j *Journal) Persist() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return ErrClosed
	}
	if err := j.f.Sync(); err != nil {
		return &Error{Op: "sync", Cause: CauseIo, Err: err}
	}
	return nil
}

// Commit appends the epoch's commit marker and syncs. Once Commit returns,
// every record appended for the epoch survives a crash.
func (j *Journal) Commit(epoch uint64, payload []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return ErrClosed
	}
	if err := j.append(Record{Epoch: epoch, Op: OpCommit, Payload: payload}); err != nil {
		return err
	}
	if err := j.f.Sync(); err != nil {
		return &Error{Op: "sync", Cause: CauseIo, Err: err}
	}
	j.committed = append(j.committed, j.pending...)
	j.pending = nil
	j.epoch = epoch
	return nil
}

// Records returns the committed records, commit markers included, in append
// order.
func (j *Journal) Records() []Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Record(nil), j.committed...)
}

// Pending returns records appended since the last commit marker. Pending
// records never survive a reopen.
func (j *Journal) Pending() []Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Record(nil), j.pending...)
}

// Epoch returns the epoch of the most recent commit marker, zero for a
// journal that has never committed.
func (j *Journal) Epoch() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.epoch
}

// Reset empties the journal. Callers reset after the journaled state has
// been captured by a snapshot.
func (j *Journal) Reset() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return ErrClosed
	}
	if err := j.f.Truncate(0); err != nil {
		return &Error{Op: "truncate", Cause: CauseIo, Err: err}
	}
	if _, err := j.f.Seek(0, io.SeekStart); err != nil {
		return &Error{Op: "seek", Cause: CauseIo, Err: err}
	}
	if err := j.f.Sync(); err != nil {
		return &Error{Op: "sync", Cause: CauseIo, Err: err}
	}
	j.committed = nil
	j.pending = nil
	return nil
}

// Close wipes the journal subkeys and releases the file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	j.encKey.Wipe()
	j.macKey.Wipe()
	err := j.f.Close()
	j.f = nil
	if err != nil {
		return &Error{Op: "close", Cause: CauseIo, Err: err}
	}
	return nil
}

func (j *Journal) seal(r Record) ([]byte, error) {
	if len(r.Payload) > maxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	n := recordHeaderSize + len(r.Payload) + crypt.IVSize + recordTagSize
	buf := make([]byte, n)
	binary.BigEndian.PutUint64(buf[0:8], r.Epoch)
	buf[8] = r.Op
	binary.BigEndian.PutUint64(buf[9:17], r.A)
	binary.BigEndian.PutUint64(buf[17:25], r.B)
	binary.BigEndian.PutUint32(buf[25:29], uint32(len(r.Payload)))

	ct := buf[recordHeaderSize : recordHeaderSize+len(r.Payload)]
	iv := buf[recordHeaderSize+len(r.Payload) : n-recordTagSize]
	copy(ct, r.Payload)
	if err := j.ivg.GenerateIV(iv); err != nil {
		return nil, &Error{Op: "seal", Cause: CauseIV, Err: err}
	}
	if len(ct) > 0 {
		if err := j.crypter.Encrypt(j.encKey, iv, ct); err != nil {
			return nil, &Error{Op: "seal", Cause: CauseCrypt, Err: err}
		}
	}
	tag := crypt.Digest(j.newHasher, j.macKey[:], buf[:n-recordTagSize])
	copy(buf[n-recordTagSize:], tag[:recordTagSize])
	return buf, nil
}

// unseal parses and authenticates the record at the head of data. A short
// read reports an unexpected EOF, a tag mismatch reports ErrCorruptRecord;
// both end the replayable prefix.
func (j *Journal) unseal(data []byte) (Record, int, error) {
	if len(data) < recordHeaderSize {
		return Record{}, 0, io.ErrUnexpectedEOF
	}
	payLen := int(binary.BigEndian.Uint32(data[25:29]))
	if payLen > maxPayloadSize {
		return Record{}, 0, ErrCorruptRecord
	}
	n := recordHeaderSize + payLen + crypt.IVSize + recordTagSize
	if len(data) < n {
		return Record{}, 0, io.ErrUnexpectedEOF
	}
	want := crypt.Digest(j.newHasher, j.macKey[:], data[:n-recordTagSize])
	if subtle.ConstantTimeCompare(want[:recordTagSize], data[n-recordTagSize:n]) != 1 {
		return Record{}, 0, ErrCorruptRecord
	}

	r := Record{
		Epoch: binary.BigEndian.Uint64(data[0:8]),
		Op:    data[8],
		A:     binary.BigEndian.Uint64(data[9:17]),
		B:     binary.BigEndian.Uint64(data[17:25]),
	}
	if payLen > 0 {
		r.Payload = make([]byte, payLen)
		copy(r.Payload, data[recordHeaderSize:recordHeaderSize+payLen])
		iv := data[recordHeaderSize+payLen : n-recordTagSize]
		if err := j.crypter.Decrypt(j.encKey, iv, r.Payload); err != nil {
			return Record{}, 0, &Error{Op: "read", Cause: CauseCrypt, Err: err}
		}
	}
	return r, n, nil
}
