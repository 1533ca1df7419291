package khf

import (
	"errors"
	"slices"
	"sort"

	"github.com/lethe-kms/go-lethe/crypt"
	"github.com/lethe-kms/go-lethe/keycache"
)

// ErrKeyNotCovered is returned by Derive for ids beyond the forest's
// in-flight coverage.
var ErrKeyNotCovered = errors.New("key id is not covered by the forest")

// DefaultCacheLimit bounds each derivation cache to four pages of accounted
// key material.
const DefaultCacheLimit = 16384

// Khf is a keyed hash forest. It is not safe for concurrent use; callers
// serialize access (the composing scheme holds a read-write lock).
type Khf struct {
	topology   *Topology
	deriver    Deriver
	fragmented bool

	keys         uint64 // coverage as of the last update
	inFlightKeys uint64 // coverage including uncommitted appends

	roots        []Node // sorted by coverage, disjoint ranges
	spanningRoot Node   // covers keys appended since the last update

	readCache  *keycache.Cache[Pos, crypt.Key]
	writeCache *keycache.Cache[Pos, crypt.Key]

	speculated [][2]uint64 // ranges already journaled for this epoch
}

// Config collects the tunables accepted by New and Restore.
type Config struct {
	Fanouts    []uint64
	Fragmented bool
	CacheLimit int
	Deriver    Deriver
}

// Option configures a forest. Options type assert to the configuration they
// apply to and ignore anything else.
type Option func(any)

// WithFanouts sets the per-level fanout list.
func WithFanouts(fanouts []uint64) Option {
	return func(opts any) {
		if o, ok := opts.(*Config); ok {
			o.Fanouts = fanouts
		}
	}
}

// WithFragmented re-roots rotated ranges at the leaf level instead of
// DefaultRootLevel, trading root list size for finer rotation granularity.
func WithFragmented(fragmented bool) Option {
	return func(opts any) {
		if o, ok := opts.(*Config); ok {
			o.Fragmented = fragmented
		}
	}
}

// WithCacheLimit bounds each derivation cache to limit bytes.
func WithCacheLimit(limit int) Option {
	return func(opts any) {
		if o, ok := opts.(*Config); ok {
			o.CacheLimit = limit
		}
	}
}

// WithDeriver substitutes the hash and KDF capabilities.
func WithDeriver(d Deriver) Option {
	return func(opts any) {
		if o, ok := opts.(*Config); ok {
			o.Deriver = d
		}
	}
}

func newConfig(opts ...Option) Config {
	cfg := Config{CacheLimit: DefaultCacheLimit}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.Deriver.NewHasher == nil {
		cfg.Deriver.NewHasher = crypt.NewBlake2b
	}
	if cfg.Deriver.NewKDF == nil {
		cfg.Deriver.NewKDF = crypt.NewChaCha20
	}
	return cfg
}

// New returns an empty forest rooted at rootKey. spanningKey covers keys
// appended before the first update.
func New(rootKey, spanningKey crypt.Key, opts ...Option) *Khf {
	cfg := newConfig(opts...)
	return &Khf{
		topology:     NewTopology(cfg.Fanouts),
		deriver:      cfg.Deriver,
		fragmented:   cfg.Fragmented,
		roots:        []Node{{Key: rootKey}},
		spanningRoot: Node{Key: spanningKey},
		readCache:    keycache.New[Pos, crypt.Key](cfg.CacheLimit),
		writeCache:   keycache.New[Pos, crypt.Key](cfg.CacheLimit),
	}
}

// Restore rebuilds a forest from persisted state.
func Restore(roots []Node, spanning Node, keys, inFlight uint64, opts ...Option) *Khf {
	cfg := newConfig(opts...)
	return &Khf{
		topology:     NewTopology(cfg.Fanouts),
		deriver:      cfg.Deriver,
		fragmented:   cfg.Fragmented,
		keys:         keys,
		inFlightKeys: inFlight,
		roots:        slices.Clone(roots),
		spanningRoot: spanning,
		readCache:    keycache.New[Pos, crypt.Key](cfg.CacheLimit),
		writeCache:   keycache.New[Pos, crypt.Key](cfg.CacheLimit),
	}
}

// Topology returns the forest's tree shape.
func (k *Khf) Topology() *Topology {
	return k.topology
}

// NumKeys returns the in-flight coverage, including uncommitted appends.
func (k *Khf) NumKeys() uint64 {
	return k.inFlightKeys
}

// CommittedKeys returns the coverage as of the last update.
func (k *Khf) CommittedKeys() uint64 {
	return k.keys
}

// NumRoots returns the size of the root list.
func (k *Khf) NumRoots() int {
	return len(k.roots)
}

// Roots returns a copy of the root list, for persistence.
func (k *Khf) Roots() []Node {
	return slices.Clone(k.roots)
}

// SpanningRoot returns the root covering appended keys, for persistence.
func (k *Khf) SpanningRoot() Node {
	return k.spanningRoot
}

// Fragmented reports whether updates re-root at the leaf level.
func (k *Khf) Fragmented() bool {
	return k.fragmented
}

// IsConsolidated reports whether a single top-level root covers the forest.
func (k *Khf) IsConsolidated() bool {
	return len(k.roots) == 1 && k.roots[0].Pos == (Pos{})
}

// coveringRoot returns the root whose range contains pos. Leaves appended
// since the last update always derive from the spanning root, so the keys
// they are handed survive the update's coverage patch unchanged.
func (k *Khf) coveringRoot(pos Pos) Node {
	start := k.topology.Start(pos)
	if start >= k.keys {
		return k.spanningRoot
	}
	if k.IsConsolidated() {
		return k.roots[0]
	}
	i := sort.Search(len(k.roots), func(i int) bool {
		return k.topology.End(k.roots[i].Pos) > start
	})
	if i < len(k.roots) && k.topology.IsAncestor(k.roots[i].Pos, pos) {
		return k.roots[i]
	}
	return k.spanningRoot
}

// Derive returns the key for id on the read path. Ids beyond in-flight
// coverage yield ErrKeyNotCovered; a covered id is derived from its root,
// resuming from the deepest cached ancestor.
func (k *Khf) Derive(id uint64) (crypt.Key, error) {
	if id >= k.inFlightKeys {
		return crypt.Key{}, ErrKeyNotCovered
	}

	pos := k.topology.LeafPos(id)
	if key, ok := k.readCache.Get(pos); ok {
		return key, nil
	}
	return k.coveringRoot(pos).DeriveCached(k.deriver, k.topology, pos, k.cacheFloor(id), k.readCache)
}

// cacheFloor returns the lowest leaf id whose cache entries are usable when
// deriving id. Appended leaves derive from the spanning root, whose
// intermediate keys must not mix with committed material cached at the same
// positions.
func (k *Khf) cacheFloor(id uint64) uint64 {
	if id >= k.keys {
		return k.keys
	}
	return 0
}

// MarkKey extends in-flight coverage to include id without deriving it.
func (k *Khf) MarkKey(id uint64) {
	if id+1 > k.inFlightKeys {
		k.inFlightKeys = id + 1
	}
}

// DeriveMut derives the key for id on the write path, extending coverage to
// include it. The leaf entry is pinned in the write cache so material for
// in-flight writes cannot be evicted before the next update.
func (k *Khf) DeriveMut(id uint64) (crypt.Key, error) {
	pos := k.topology.LeafPos(id)
	if key, ok := k.writeCache.Get(pos); ok {
		return key, nil
	}

	k.MarkKey(id)
	key, err := k.coveringRoot(pos).DeriveCached(k.deriver, k.topology, pos, k.cacheFloor(id), k.writeCache, k.readCache)
	if err != nil {
		return crypt.Key{}, err
	}
	k.writeCache.Pin(pos)
	return key, nil
}

// KeyedID pairs a key id with its derived key.
type KeyedID struct {
	ID  uint64
	Key crypt.Key
}

// RangedDerive derives keys for [start, end) on the read path, stopping at
// the first id beyond coverage.
func (k *Khf) RangedDerive(start, end uint64) ([]KeyedID, error) {
	var out []KeyedID
	for id := start; id < end; id++ {
		key, err := k.Derive(id)
		if errors.Is(err, ErrKeyNotCovered) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, KeyedID{ID: id, Key: key})
	}
	return out, nil
}

// RangedDeriveMut derives keys for [start, end) on the write path,
// extending coverage as it goes.
func (k *Khf) RangedDeriveMut(start, end uint64) ([]KeyedID, error) {
	out := make([]KeyedID, 0, end-start)
	for id := start; id < end; id++ {
		key, err := k.DeriveMut(id)
		if err != nil {
			return nil, err
		}
		out = append(out, KeyedID{ID: id, Key: key})
	}
	return out, nil
}

// Delete removes id from coverage. Only the last in-flight id can truly be
// deleted; the returned flag is false when the caller must degrade the
// delete to an update instead.
func (k *Khf) Delete(id uint64) bool {
	if id+1 == k.inFlightKeys {
		k.inFlightKeys = id
		return true
	}
	return false
}

// SpeculateRange records that [start, end) has already been journaled as
// rotated for this epoch. Point rotations inside the range need no further
// journal entries; callers consult Speculated before logging.
func (k *Khf) SpeculateRange(start, end uint64) {
	k.speculated = append(k.speculated, [2]uint64{start, end})
}

// Speculated reports whether id falls in a range journaled by
// SpeculateRange this epoch.
func (k *Khf) Speculated(id uint64) bool {
	for _, r := range k.speculated {
		if r[0] <= id && id < r[1] {
			return true
		}
	}
	return false
}

// RotatedKey returns the key id will hold once an update patches its range
// with subroots drawn from updating.
func (k *Khf) RotatedKey(updating crypt.Key, id uint64) crypt.Key {
	return Node{Key: updating}.Derive(k.deriver, k.topology, k.topology.LeafPos(id))
}

// updatedRanges groups a rotation set into sorted contiguous [start, end)
// ranges.
func updatedRanges(ids map[uint64]struct{}) [][2]uint64 {
	if len(ids) == 0 {
		return nil
	}

	sorted := make([]uint64, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	slices.Sort(sorted)

	var ranges [][2]uint64
	start, length := sorted[0], uint64(1)
	for _, id := range sorted[1:] {
		if id == start+length {
			length++
			continue
		}
		ranges = append(ranges, [2]uint64{start, start + length})
		start, length = id, 1
	}
	return append(ranges, [2]uint64{start, start + length})
}

// updateKeys replaces the coverage of [start, end) with subroots of level
// derived from root, re-rooting the partially covered prefix and suffix of
// neighboring roots so total coverage is preserved. Level 0 collapses the
// forest to the single given root.
func (k *Khf) updateKeys(level, start, end uint64, root Node) {
	if level == 0 {
		k.roots = []Node{root}
		return
	}

	// An empty forest grows its first coverage directly from root.
	if len(k.roots) == 0 {
		k.roots = root.Coverage(k.deriver, k.topology, level, start, end)
		return
	}

	// A consolidated forest is first fragmented to cover its keys.
	if k.IsConsolidated() {
		k.roots = k.roots[0].Coverage(k.deriver, k.topology, level, 0, max(k.inFlightKeys, end))
	}

	var kept, updated []Node

	// The first affected root may have a prefix outside the update that
	// must be re-rooted to keep its keys stable.
	updateStart := len(k.roots) - 1
	for i, r := range k.roots {
		if start < k.topology.End(r.Pos) {
			updateStart = i
			break
		}
	}
	first := k.roots[updateStart]
	if k.topology.Start(first.Pos) != start {
		updated = append(updated, first.Coverage(k.deriver, k.topology, level, k.topology.Start(first.Pos), start)...)
	}

	kept = append(kept, k.roots[:updateStart]...)

	// Replacement roots for the rotated range.
	updated = append(updated, root.Coverage(k.deriver, k.topology, level, start, end)...)

	// The last affected root may likewise have a suffix to preserve.
	rest := k.roots[updateStart:]
	updateEnd := len(rest)
	if end < k.topology.End(rest[len(rest)-1].Pos) {
		for i, r := range rest {
			if end <= k.topology.End(r.Pos) {
				updateEnd = i + 1
				break
			}
		}
		last := rest[updateEnd-1]
		if k.topology.End(last.Pos) != end {
			updated = append(updated, last.Coverage(k.deriver, k.topology, level, end, k.topology.End(last.Pos))...)
		}
	}

	kept = append(kept, updated...)
	kept = append(kept, rest[updateEnd:]...)
	k.roots = kept
}

// truncateKeys drops coverage beyond keys, re-rooting the partially covered
// tail root.
func (k *Khf) truncateKeys(keys uint64) {
	if k.IsConsolidated() {
		k.roots = k.roots[0].Coverage(k.deriver, k.topology, DefaultRootLevel, 0, keys)
		return
	}

	i := 0
	for ; i < len(k.roots); i++ {
		if k.topology.End(k.roots[i].Pos) > keys {
			break
		}
	}
	root := k.roots[i]
	start := k.topology.Start(root.Pos)
	k.roots = append(k.roots[:i], root.Coverage(k.deriver, k.topology, DefaultRootLevel, start, keys)...)
}

// Update applies the epoch's rotations. ids is the set of rotated key ids;
// updating provides the key material for the replacement subroots and
// spanning becomes the root for the next epoch's appends. The previous keys
// of every rotated id are returned so the caller can account for, then
// wipe, the material being retired. Both caches are dropped and all pins
// released; speculation ranges are reset.
func (k *Khf) Update(ids map[uint64]struct{}, updating, spanning crypt.Key) ([]KeyedID, error) {
	old := make([]KeyedID, 0, len(ids))
	for id := range ids {
		key, err := k.Derive(id)
		if err != nil {
			return nil, err
		}
		old = append(old, KeyedID{ID: id, Key: key})
	}

	level, consolidateLevel := uint64(DefaultRootLevel), uint64(0)
	if k.fragmented {
		level = k.topology.Height() - 1
		consolidateLevel = level
	}

	updatingRoot := Node{Key: updating}
	switch {
	case k.inFlightKeys == 0:
		// Everything was deleted. A fragmented forest has no leaves left to
		// root, so its coverage empties out entirely.
		if k.fragmented {
			k.roots = nil
		} else {
			k.updateKeys(0, 0, 0, updatingRoot)
		}
	case k.inFlightKeys >= k.keys && uint64(len(old)) >= k.inFlightKeys:
		// Appended and also rotated every key.
		k.updateKeys(consolidateLevel, 0, k.inFlightKeys, updatingRoot)
	case k.inFlightKeys >= k.keys:
		// Appends first take over coverage from the spanning root, then the
		// rotated ranges are patched.
		k.updateKeys(level, k.keys, k.inFlightKeys, k.spanningRoot)
		for _, r := range updatedRanges(ids) {
			k.updateKeys(level, r[0], r[1], updatingRoot)
		}
	case uint64(len(old)) >= k.inFlightKeys:
		// Truncated and rotated everything that remains.
		k.updateKeys(consolidateLevel, 0, k.inFlightKeys, updatingRoot)
	default:
		k.truncateKeys(k.inFlightKeys)
		for _, r := range updatedRanges(ids) {
			k.updateKeys(level, r[0], r[1], updatingRoot)
		}
	}

	k.keys = k.inFlightKeys
	k.spanningRoot = Node{Key: spanning}
	k.speculated = nil

	k.writeCache.UnpinAll()
	k.writeCache.Clear()
	k.readCache.Clear()

	return old, nil
}
