package lethe

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lethe-kms/go-lethe/crypt"
	"github.com/lethe-kms/go-lethe/khf"
	"github.com/lethe-kms/go-lethe/wal"
)

// KeyID addresses one encryptable unit: a block within an object.
type KeyID struct {
	Obj uint64
	Blk uint64
}

// Stats summarizes the scheme after a commit.
type Stats struct {
	Epoch   uint64
	Rotated int
	Keys    uint64
	Roots   int
}

// Lethe composes the forest, the journal and the snapshot into the
// secure-deletion scheme. Derive runs under a read lock against the
// committed forest; Update, Delete and Commit serialize under the write
// lock.
type Lethe struct {
	mu sync.RWMutex

	log       *zap.Logger
	keygen    crypt.KeyGenerator
	crypter   crypt.Crypter
	ivg       crypt.IVGenerator
	newHasher crypt.NewHasher

	dir      string
	instance uuid.UUID
	epoch    uint64

	forest  *khf.Khf
	journal *wal.Journal

	bindings map[KeyID]uint64
	nextSlot uint64

	updatedSlots map[uint64]struct{}
	updating     crypt.Key
	haveUpdating bool

	snapKey    crypt.Key
	snapMacKey crypt.Key

	implicitBind bool
	closed       bool
}

// Open loads or creates scheme state under dir. rootKey protects every
// persisted artifact; the forest's own roots are drawn from the key
// generator and live only inside the encrypted snapshot.
func Open(dir string, rootKey crypt.Key, opts ...Option) (*Lethe, error) {
	cfg := newConfig(opts...)

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}

	kdf := cfg.NewKDF(rootKey)
	l := &Lethe{
		log:          cfg.Logger,
		keygen:       cfg.KeyGen,
		crypter:      cfg.Crypter,
		ivg:          cfg.IVG,
		newHasher:    cfg.NewHasher,
		dir:          dir,
		bindings:     map[KeyID]uint64{},
		updatedSlots: map[uint64]struct{}{},
		snapKey:      kdf.Derive(1),
		snapMacKey:   kdf.Derive(3),
		implicitBind: cfg.ImplicitBind,
	}
	walKey := kdf.Derive(2)

	forestOpts := []khf.Option{
		khf.WithFanouts(cfg.Fanouts),
		khf.WithFragmented(cfg.Fragmented),
		khf.WithCacheLimit(cfg.CacheLimit),
		khf.WithDeriver(khf.Deriver{NewHasher: cfg.NewHasher, NewKDF: cfg.NewKDF}),
	}

	state, ok, err := loadSnapshot(filepath.Join(dir, snapshotName), l.crypter, l.newHasher, l.snapKey, l.snapMacKey)
	if err != nil {
		return nil, err
	}
	if ok {
		err = l.restore(state, forestOpts)
	} else {
		err = l.bootstrap(forestOpts)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Instance != uuid.Nil && cfg.Instance != l.instance {
		return nil, fmt.Errorf("%w: have %s, want %s", ErrWrongInstance, l.instance, cfg.Instance)
	}

	journal, err := wal.Open(filepath.Join(dir, journalName), walKey,
		wal.WithCrypter(l.crypter),
		wal.WithIVGenerator(l.ivg),
		wal.WithHasher(l.newHasher),
		wal.WithKDF(cfg.NewKDF),
		wal.WithLogger(l.log))
	walKey.Wipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	l.journal = journal

	if err := l.replay(); err != nil {
		journal.Close()
		return nil, err
	}
	return l, nil
}

func (l *Lethe) bootstrap(forestOpts []khf.Option) error {
	root, err := l.keygen.GenerateKey()
	if err != nil {
		return fmt.Errorf("%w: drawing forest root: %v", ErrPersist, err)
	}
	spanning, err := l.keygen.GenerateKey()
	if err != nil {
		return fmt.Errorf("%w: drawing spanning root: %v", ErrPersist, err)
	}

	l.instance = uuid.New()
	l.forest = khf.New(root, spanning, forestOpts...)
	return l.persistSnapshot()
}

func (l *Lethe) restore(state snapshotState, forestOpts []khf.Option) error {
	instance, err := uuid.FromBytes(state.Instance)
	if err != nil {
		return fmt.Errorf("%w: snapshot instance id: %v", ErrLoad, err)
	}
	l.instance = instance
	l.epoch = state.Epoch
	l.nextSlot = state.NextSlot

	roots := make([]khf.Node, 0, len(state.Roots))
	for _, r := range state.Roots {
		if len(r.Key) != crypt.KeySize {
			return fmt.Errorf("%w: snapshot root key width", ErrLoad)
		}
		var key crypt.Key
		copy(key[:], r.Key)
		memguard.WipeBytes(r.Key)
		roots = append(roots, khf.Node{Pos: khf.Pos{Level: r.Level, Index: r.Index}, Key: key})
	}
	if len(state.Spanning) != crypt.KeySize {
		return fmt.Errorf("%w: snapshot spanning key width", ErrLoad)
	}
	var spanning crypt.Key
	copy(spanning[:], state.Spanning)
	memguard.WipeBytes(state.Spanning)

	// Snapshot tunables win over caller options for a restored instance.
	forestOpts = append(forestOpts,
		khf.WithFanouts(state.Fanouts),
		khf.WithFragmented(state.Fragmented))
	l.forest = khf.Restore(roots, khf.Node{Key: spanning}, state.Keys, state.Keys, forestOpts...)

	for _, b := range state.Bindings {
		l.bindings[KeyID{Obj: b.Obj, Blk: b.Blk}] = b.Slot
	}
	return nil
}

// replay reapplies journaled epochs newer than the snapshot. The commit
// marker payload carries the epoch's updating and spanning roots, so the
// replayed forest matches the one that crashed mid-commit.
func (l *Lethe) replay() error {
	recs := l.journal.Records()
	if len(recs) == 0 || l.journal.Epoch() <= l.epoch {
		return nil
	}

	var pending []wal.Record
	applied := false
	for _, r := range recs {
		if r.Op != wal.OpCommit {
			pending = append(pending, r)
			continue
		}
		if r.Epoch <= l.epoch {
			pending = nil
			continue
		}
		if err := l.applyEpoch(pending, r); err != nil {
			return err
		}
		pending = nil
		applied = true
	}
	if !applied {
		return nil
	}

	l.log.Info("replayed journal", zap.Uint64("epoch", l.epoch))

	// Complete the interrupted commit: capture the replayed state, then
	// clear the journal.
	if err := l.persistSnapshot(); err != nil {
		l.log.Warn("snapshot persist after replay failed; journal retained", zap.Error(err))
		return nil
	}
	if err := l.journal.Reset(); err != nil {
		l.log.Warn("journal reset after replay failed", zap.Error(err))
	}
	return nil
}

func (l *Lethe) applyEpoch(recs []wal.Record, marker wal.Record) error {
	rotated := map[uint64]struct{}{}
	for _, r := range recs {
		switch r.Op {
		case wal.OpInsert:
			if len(r.Payload) != 8 {
				return fmt.Errorf("%w: insert record payload width", ErrLoad)
			}
			slot := binary.BigEndian.Uint64(r.Payload)
			l.bindings[KeyID{Obj: r.A, Blk: r.B}] = slot
			l.forest.MarkKey(slot)
			if slot+1 > l.nextSlot {
				l.nextSlot = slot + 1
			}
		case wal.OpRotate:
			rotated[r.A] = struct{}{}
		case wal.OpRotateRange:
			for slot := r.A; slot < r.B; slot++ {
				rotated[slot] = struct{}{}
			}
		case wal.OpDelete:
			for id, slot := range l.bindings {
				if slot == r.A {
					delete(l.bindings, id)
					break
				}
			}
			l.deleteSlot(r.A, rotated)
		default:
			return fmt.Errorf("%w: unknown journal opcode %d", ErrLoad, r.Op)
		}
	}

	if len(marker.Payload) != 2*crypt.KeySize {
		return fmt.Errorf("%w: commit marker payload width", ErrLoad)
	}
	var updating, spanning crypt.Key
	copy(updating[:], marker.Payload[:crypt.KeySize])
	copy(spanning[:], marker.Payload[crypt.KeySize:])

	old, err := l.forest.Update(rotated, updating, spanning)
	updating.Wipe()
	if err != nil {
		return fmt.Errorf("%w: replaying epoch %d: %v", ErrLoad, marker.Epoch, err)
	}
	for i := range old {
		old[i].Key.Wipe()
	}
	l.epoch = marker.Epoch
	return nil
}

// Derive returns the key bound to id, creating the binding on first use
// when implicit binding is enabled. A slot rotated this epoch yields its
// post-rotation key, matching what Update handed out.
func (l *Lethe) Derive(id KeyID) (crypt.Key, error) {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return crypt.Key{}, ErrClosed
	}
	if slot, ok := l.bindings[id]; ok {
		if _, rotated := l.updatedSlots[slot]; rotated {
			key := l.forest.RotatedKey(l.updating, slot)
			l.mu.RUnlock()
			return key, nil
		}
		key, err := l.forest.Derive(slot)
		l.mu.RUnlock()
		return key, err
	}
	l.mu.RUnlock()

	if !l.implicitBind {
		return crypt.Key{}, fmt.Errorf("%w: object %d block %d", ErrNonExistentKey, id.Obj, id.Blk)
	}
	return l.bind(id)
}

func (l *Lethe) bind(id KeyID) (crypt.Key, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return crypt.Key{}, ErrClosed
	}
	// Another binder may have won the race between the read and write
	// locks.
	if slot, ok := l.bindings[id]; ok {
		if _, rotated := l.updatedSlots[slot]; rotated {
			return l.forest.RotatedKey(l.updating, slot), nil
		}
		return l.forest.Derive(slot)
	}

	slot := l.nextSlot

	// A slot handed back by a tail delete still sits under committed
	// coverage. Rebinding it is a rotation, or the bind would reissue the
	// retired key and the commit would never patch it out. The rotate
	// record is journaled even if a speculated range covers the slot: the
	// delete record ahead of it drops range rotations at or past the
	// truncation point during replay.
	if slot < l.forest.CommittedKeys() {
		if err := l.ensureEpochKey(); err != nil {
			return crypt.Key{}, err
		}
		if err := l.journal.Append(wal.Record{Epoch: l.epoch + 1, Op: wal.OpRotate, A: slot}); err != nil {
			return crypt.Key{}, fmt.Errorf("%w: %v", ErrPersist, err)
		}
		if err := l.journalInsert(id, slot); err != nil {
			return crypt.Key{}, err
		}
		l.updatedSlots[slot] = struct{}{}
		l.forest.MarkKey(slot)
		l.bindings[id] = slot
		l.nextSlot = slot + 1
		return l.forest.RotatedKey(l.updating, slot), nil
	}

	key, err := l.forest.DeriveMut(slot)
	if err != nil {
		return crypt.Key{}, err
	}
	if err := l.journalInsert(id, slot); err != nil {
		return crypt.Key{}, err
	}
	l.bindings[id] = slot
	l.nextSlot = slot + 1
	return key, nil
}

func (l *Lethe) journalInsert(id KeyID, slot uint64) error {
	var payload [8]byte
	binary.BigEndian.PutUint64(payload[:], slot)
	rec := wal.Record{Epoch: l.epoch + 1, Op: wal.OpInsert, A: id.Obj, B: id.Blk, Payload: payload[:]}
	if err := l.journal.Append(rec); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

// Update rotates id's key and returns the fresh key, which Derive yields
// from this point on. The deletion of the old key is durable only after
// Commit.
func (l *Lethe) Update(id KeyID) (crypt.Key, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return crypt.Key{}, ErrClosed
	}
	slot, ok := l.bindings[id]
	if !ok {
		return crypt.Key{}, fmt.Errorf("%w: object %d block %d", ErrNonExistentKey, id.Obj, id.Blk)
	}
	return l.rotate(slot)
}

func (l *Lethe) rotate(slot uint64) (crypt.Key, error) {
	if err := l.ensureEpochKey(); err != nil {
		return crypt.Key{}, err
	}
	if _, seen := l.updatedSlots[slot]; !seen && !l.forest.Speculated(slot) {
		if err := l.journal.Append(wal.Record{Epoch: l.epoch + 1, Op: wal.OpRotate, A: slot}); err != nil {
			return crypt.Key{}, fmt.Errorf("%w: %v", ErrPersist, err)
		}
	}
	l.updatedSlots[slot] = struct{}{}
	return l.forest.RotatedKey(l.updating, slot), nil
}

// ensureEpochKey lazily draws the updating root the epoch's rotations hang
// from.
func (l *Lethe) ensureEpochKey() error {
	if l.haveUpdating {
		return nil
	}
	key, err := l.keygen.GenerateKey()
	if err != nil {
		return &wal.Error{Op: "rotate", Cause: wal.CauseKMS, Err: err}
	}
	l.updating = key
	l.haveUpdating = true
	return nil
}

// UpdateRange rotates every id and returns their fresh keys in input
// order. Contiguous slot runs are journaled as range records, at most
// SpeculationChunkSize slots each, and marked speculated, so later point
// rotations inside a run add no journal entries.
func (l *Lethe) UpdateRange(ids ...KeyID) ([]crypt.Key, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	slots := make([]uint64, len(ids))
	for i, id := range ids {
		slot, ok := l.bindings[id]
		if !ok {
			return nil, fmt.Errorf("%w: object %d block %d", ErrNonExistentKey, id.Obj, id.Blk)
		}
		slots[i] = slot
	}
	if err := l.ensureEpochKey(); err != nil {
		return nil, err
	}

	for _, run := range slotRuns(slots) {
		for start := run[0]; start < run[1]; start += SpeculationChunkSize {
			end := min(start+SpeculationChunkSize, run[1])
			if end-start < 2 || l.forest.Speculated(start) {
				continue
			}
			rec := wal.Record{Epoch: l.epoch + 1, Op: wal.OpRotateRange, A: start, B: end}
			if err := l.journal.Append(rec); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrPersist, err)
			}
			l.forest.SpeculateRange(start, end)
		}
	}

	keys := make([]crypt.Key, len(slots))
	for i, slot := range slots {
		key, err := l.rotate(slot)
		if err != nil {
			return nil, err
		}
		keys[i] = key
	}
	return keys, nil
}

// slotRuns groups slots into sorted contiguous [start, end) runs,
// deduplicating as it goes.
func slotRuns(slots []uint64) [][2]uint64 {
	if len(slots) == 0 {
		return nil
	}
	sorted := append([]uint64(nil), slots...)
	slices.Sort(sorted)

	var runs [][2]uint64
	start, end := sorted[0], sorted[0]+1
	for _, s := range sorted[1:] {
		if s < end {
			continue
		}
		if s == end {
			end++
			continue
		}
		runs = append(runs, [2]uint64{start, end})
		start, end = s, s+1
	}
	return append(runs, [2]uint64{start, end})
}

// Delete removes the binding for id. A binding at the end of the slot space
// is truncated away; an interior delete degrades to a rotation. Either way
// the retired key is underivable after the next Commit.
func (l *Lethe) Delete(id KeyID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	slot, ok := l.bindings[id]
	if !ok {
		return fmt.Errorf("%w: object %d block %d", ErrNonExistentKey, id.Obj, id.Blk)
	}
	if err := l.journal.Append(wal.Record{Epoch: l.epoch + 1, Op: wal.OpDelete, A: slot}); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	delete(l.bindings, id)
	l.deleteSlot(slot, l.updatedSlots)
	return nil
}

// deleteSlot truncates slot off the end of the forest or, when it is
// interior, marks it for rotation. Truncation also drops rotations at or
// beyond the new end, which would otherwise target keys that no longer
// exist at commit time.
func (l *Lethe) deleteSlot(slot uint64, rotated map[uint64]struct{}) {
	if l.forest.Delete(slot) {
		l.nextSlot = slot
		for s := range rotated {
			if s >= slot {
				delete(rotated, s)
			}
		}
		return
	}
	rotated[slot] = struct{}{}
}

// Commit makes every mutation since the last commit durable and advances
// the epoch. Only after Commit returns is the deletion guarantee in force
// for rotated and deleted ids.
func (l *Lethe) Commit() (Stats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Stats{}, ErrClosed
	}

	if len(l.updatedSlots) == 0 && len(l.journal.Pending()) == 0 &&
		l.forest.NumKeys() == l.forest.CommittedKeys() {
		return l.stats(0), nil
	}

	if err := l.ensureEpochKey(); err != nil {
		return Stats{}, err
	}
	spanning, err := l.keygen.GenerateKey()
	if err != nil {
		return Stats{}, &wal.Error{Op: "commit", Cause: wal.CauseKMS, Err: err}
	}

	// The commit marker is the durability point. Its payload carries the
	// epoch's key material so a crash from here on replays to this exact
	// state.
	payload := make([]byte, 2*crypt.KeySize)
	copy(payload[:crypt.KeySize], l.updating[:])
	copy(payload[crypt.KeySize:], spanning[:])
	err = l.journal.Commit(l.epoch+1, payload)
	memguard.WipeBytes(payload)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrPersist, err)
	}

	old, err := l.forest.Update(l.updatedSlots, l.updating, spanning)
	if err != nil {
		return Stats{}, fmt.Errorf("folding rotations into the forest: %w", err)
	}
	for i := range old {
		old[i].Key.Wipe()
	}
	rotated := len(old)

	l.epoch++
	l.updating.Wipe()
	l.haveUpdating = false
	l.updatedSlots = map[uint64]struct{}{}

	if err := l.persistSnapshot(); err != nil {
		l.log.Warn("snapshot persist failed; journal retained for replay", zap.Error(err))
		return l.stats(rotated), nil
	}
	if err := l.journal.Reset(); err != nil {
		l.log.Warn("journal reset failed", zap.Error(err))
	}
	return l.stats(rotated), nil
}

func (l *Lethe) stats(rotated int) Stats {
	return Stats{
		Epoch:   l.epoch,
		Rotated: rotated,
		Keys:    l.forest.NumKeys(),
		Roots:   l.forest.NumRoots(),
	}
}

// OnetimeEncrypt seals plaintext under key for callers that want ad hoc
// encryption without a tracked binding. The key must seal one message only;
// rotate it after use.
func (l *Lethe) OnetimeEncrypt(key crypt.Key, plaintext []byte) ([]byte, error) {
	return crypt.OnetimeEncrypt(key, plaintext)
}

// OnetimeDecrypt opens a ciphertext produced by OnetimeEncrypt.
func (l *Lethe) OnetimeDecrypt(key crypt.Key, ciphertext []byte) ([]byte, error) {
	return crypt.OnetimeDecrypt(key, ciphertext)
}

// Instance returns the identity of the forest this scheme serves.
func (l *Lethe) Instance() uuid.UUID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.instance
}

// Epoch returns the last committed epoch.
func (l *Lethe) Epoch() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.epoch
}

// Stats reports the scheme's current shape without committing anything.
func (l *Lethe) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stats(0)
}

// Close releases the journal and wipes resident subkeys. Uncommitted
// mutations are discarded, exactly as a crash would discard them.
func (l *Lethe) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.snapKey.Wipe()
	l.snapMacKey.Wipe()
	if l.haveUpdating {
		l.updating.Wipe()
	}
	return l.journal.Close()
}
