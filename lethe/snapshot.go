package lethe

import (
	"bytes"
	"cmp"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/awnumar/memguard"
	"github.com/fxamacker/cbor/v2"

	"github.com/lethe-kms/go-lethe/crypt"
)

// Snapshot file layout: magic, version tag, then the CBOR state encrypted
// as an iv-prefixed oneshot blob, then a keyed digest over everything
// before it.
var snapshotMagic = [8]byte{'L', 'E', 'T', 'H', 'E', 'K', 'H', 'F'}

const snapshotVersion uint64 = 1

var (
	snapEncMode cbor.EncMode
	snapDecMode cbor.DecMode
)

func init() {
	var err error
	snapEncMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	snapDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

type snapshotRoot struct {
	Level uint64 `cbor:"1,keyasint"`
	Index uint64 `cbor:"2,keyasint"`
	Key   []byte `cbor:"3,keyasint"`
}

type snapshotBinding struct {
	Obj  uint64 `cbor:"1,keyasint"`
	Blk  uint64 `cbor:"2,keyasint"`
	Slot uint64 `cbor:"3,keyasint"`
}

type snapshotState struct {
	Instance   []byte            `cbor:"1,keyasint"`
	Epoch      uint64            `cbor:"2,keyasint"`
	Fanouts    []uint64          `cbor:"3,keyasint"`
	Fragmented bool              `cbor:"4,keyasint,omitempty"`
	Keys       uint64            `cbor:"5,keyasint"`
	Roots      []snapshotRoot    `cbor:"6,keyasint"`
	Spanning   []byte            `cbor:"7,keyasint"`
	Bindings   []snapshotBinding `cbor:"8,keyasint,omitempty"`
	NextSlot   uint64            `cbor:"9,keyasint"`
}

func (l *Lethe) snapshotState() snapshotState {
	roots := l.forest.Roots()
	sroots := make([]snapshotRoot, 0, len(roots))
	for _, r := range roots {
		sroots = append(sroots, snapshotRoot{
			Level: r.Pos.Level,
			Index: r.Pos.Index,
			Key:   append([]byte(nil), r.Key[:]...),
		})
	}

	bindings := make([]snapshotBinding, 0, len(l.bindings))
	for id, slot := range l.bindings {
		bindings = append(bindings, snapshotBinding{Obj: id.Obj, Blk: id.Blk, Slot: slot})
	}
	slices.SortFunc(bindings, func(a, b snapshotBinding) int {
		return cmp.Compare(a.Slot, b.Slot)
	})

	spanning := l.forest.SpanningRoot()
	return snapshotState{
		Instance:   l.instance[:],
		Epoch:      l.epoch,
		Fanouts:    l.forest.Topology().Fanouts(),
		Fragmented: l.forest.Fragmented(),
		Keys:       l.forest.CommittedKeys(),
		Roots:      sroots,
		Spanning:   append([]byte(nil), spanning.Key[:]...),
		Bindings:   bindings,
		NextSlot:   l.nextSlot,
	}
}

// persistSnapshot captures the committed state, encrypted and authenticated
// under the snapshot subkeys, replacing the previous snapshot atomically.
func (l *Lethe) persistSnapshot() error {
	state := l.snapshotState()
	body, err := snapEncMode.Marshal(&state)
	for _, r := range state.Roots {
		memguard.WipeBytes(r.Key)
	}
	memguard.WipeBytes(state.Spanning)
	if err != nil {
		return fmt.Errorf("%w: encoding snapshot: %v", ErrPersist, err)
	}

	var buf bytes.Buffer
	buf.Write(snapshotMagic[:])
	var ver [VersionTagSize]byte
	binary.BigEndian.PutUint64(ver[:], snapshotVersion)
	buf.Write(ver[:])
	if err := crypt.OneshotEncrypt(&buf, l.crypter, l.ivg, l.snapKey, body); err != nil {
		return fmt.Errorf("%w: sealing snapshot: %v", ErrPersist, err)
	}
	mac := crypt.Digest(l.newHasher, l.snapMacKey[:], buf.Bytes())
	buf.Write(mac[:])

	path := filepath.Join(l.dir, snapshotName)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("%w: writing snapshot: %v", ErrPersist, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: syncing snapshot: %v", ErrPersist, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: closing snapshot: %v", ErrPersist, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: replacing snapshot: %v", ErrPersist, err)
	}
	return nil
}

// loadSnapshot reads and authenticates the snapshot at path. A missing file
// reports ok false with no error; that is a fresh instance, not a failure.
func loadSnapshot(path string, c crypt.Crypter, nh crypt.NewHasher, key, macKey crypt.Key) (snapshotState, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return snapshotState{}, false, nil
	}
	if err != nil {
		return snapshotState{}, false, fmt.Errorf("%w: %v", ErrLoad, err)
	}

	headerLen := len(snapshotMagic) + VersionTagSize
	if len(data) < headerLen+crypt.KeySize {
		return snapshotState{}, false, fmt.Errorf("%w: snapshot is truncated", ErrLoad)
	}
	if !bytes.Equal(data[:len(snapshotMagic)], snapshotMagic[:]) {
		return snapshotState{}, false, fmt.Errorf("%w: snapshot magic mismatch", ErrLoad)
	}
	if v := binary.BigEndian.Uint64(data[len(snapshotMagic):headerLen]); v != snapshotVersion {
		return snapshotState{}, false, fmt.Errorf("%w: unsupported snapshot version %d", ErrLoad, v)
	}

	body, tag := data[:len(data)-crypt.KeySize], data[len(data)-crypt.KeySize:]
	want := crypt.Digest(nh, macKey[:], body)
	if subtle.ConstantTimeCompare(want[:], tag) != 1 {
		return snapshotState{}, false, fmt.Errorf("%w: snapshot failed authentication", ErrLoad)
	}

	plain, err := crypt.OneshotDecrypt(bytes.NewReader(body[headerLen:]), c, key)
	if err != nil {
		return snapshotState{}, false, fmt.Errorf("%w: opening snapshot: %v", ErrLoad, err)
	}
	var state snapshotState
	err = snapDecMode.Unmarshal(plain, &state)
	memguard.WipeBytes(plain)
	if err != nil {
		return snapshotState{}, false, fmt.Errorf("%w: decoding snapshot: %v", ErrLoad, err)
	}
	return state, true, nil
}
