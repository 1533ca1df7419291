package khf

// Pos addresses a node in a tree. Level 0 is the root; level Height()-1
// holds the leaves. The zero Pos is the root position.
type Pos struct {
	Level uint64
	Index uint64
}

// HeapSize reports the cache accounting cost of a position.
func (p Pos) HeapSize() int {
	return 16
}

// DefaultFanouts is the per-level fanout list used when none is configured.
var DefaultFanouts = []uint64{4, 4, 4, 4}

// DefaultRootLevel is the level at which rotated ranges are re-rooted by an
// update. Level 1 keeps the root list shallow; fragmented forests re-root at
// the leaf level instead.
const DefaultRootLevel = 1

// Topology captures the shape shared by every tree in a forest. It is fully
// determined by the fanout list and precomputes, per level, the number of
// leaves beneath a node at that level.
type Topology struct {
	descendants []uint64
}

// NewTopology builds the topology for a fanout list. A nil or empty list
// selects DefaultFanouts.
func NewTopology(fanouts []uint64) *Topology {
	if len(fanouts) == 0 {
		fanouts = DefaultFanouts
	}

	leaves := uint64(1)
	for _, f := range fanouts {
		leaves *= f
	}

	descendants := make([]uint64, 0, len(fanouts)+2)
	descendants = append(descendants, 0)
	for _, f := range fanouts {
		descendants = append(descendants, leaves)
		leaves /= f
	}
	descendants = append(descendants, 1)

	return &Topology{descendants: descendants}
}

// Fanouts returns the fanout list the topology was built from.
func (t *Topology) Fanouts() []uint64 {
	fanouts := make([]uint64, 0, len(t.descendants)-2)
	for level := 1; level < len(t.descendants)-1; level++ {
		fanouts = append(fanouts, t.descendants[level]/t.descendants[level+1])
	}
	return fanouts
}

// Height is the number of levels, including the root and leaf levels.
func (t *Topology) Height() uint64 {
	return uint64(len(t.descendants))
}

// Fanout returns the number of children of a node at level.
func (t *Topology) Fanout(level uint64) uint64 {
	if level == 0 {
		return 0
	}
	if level == t.Height() {
		return 1
	}
	return t.descendants[level] / t.descendants[level+1]
}

// Descendants returns the number of leaves beneath a node at level.
func (t *Topology) Descendants(level uint64) uint64 {
	return t.descendants[level]
}

// Start returns the first leaf id covered by p.
func (t *Topology) Start(p Pos) uint64 {
	if p.Level == 0 {
		return 0
	}
	return p.Index * t.descendants[p.Level]
}

// End returns one past the last leaf id covered by p.
func (t *Topology) End(p Pos) uint64 {
	if p.Level == 0 {
		return 0
	}
	return t.Start(p) + t.descendants[p.Level]
}

// Offset returns the index at level of the node covering leaf.
func (t *Topology) Offset(leaf, level uint64) uint64 {
	if level == 0 {
		return 0
	}
	return leaf / t.descendants[level]
}

// IsAncestor reports whether n is an ancestor of m. The root position acts
// as the ancestor of every other position but never as a descendant.
func (t *Topology) IsAncestor(n, m Pos) bool {
	if m == (Pos{}) {
		return false
	}
	if n == (Pos{}) {
		return true
	}
	return t.Start(n) <= t.Start(m) && t.End(m) <= t.End(n)
}

// LeafPos returns the position of leaf id.
func (t *Topology) LeafPos(leaf uint64) Pos {
	return Pos{Level: t.Height() - 1, Index: leaf}
}

// Path returns the positions from from down to to, both inclusive. to must
// lie beneath from.
func (t *Topology) Path(from, to Pos) []Pos {
	path := []Pos{from}
	leaf := t.Start(to)
	for cur := from; cur != to; {
		level := cur.Level + 1
		cur = Pos{Level: level, Index: t.Offset(leaf, level)}
		path = append(path, cur)
	}
	return path
}

// Coverage returns the minimal ordered set of positions of level at least
// level that exactly covers the leaves [start, end). level must satisfy
// 0 < level < Height().
func (t *Topology) Coverage(level, start, end uint64) []Pos {
	if level == 0 || level >= t.Height() {
		panic("khf: coverage level out of range")
	}
	if start > end {
		return nil
	}

	var cover []Pos

	// Wide subtrees while start is unaligned to the next level up, whole
	// subtrees at the target level, then narrower subtrees for the tail.
	for l := t.Height() - 1; l > level; l-- {
		for start%t.descendants[l-1] != 0 && start+t.descendants[l] <= end {
			cover = append(cover, Pos{Level: l, Index: t.Offset(start, l)})
			start += t.descendants[l]
		}
	}
	for start+t.descendants[level] <= end {
		cover = append(cover, Pos{Level: level, Index: t.Offset(start, level)})
		start += t.descendants[level]
	}
	for l := level + 1; l < t.Height(); l++ {
		for start+t.descendants[l] <= end {
			cover = append(cover, Pos{Level: l, Index: t.Offset(start, l)})
			start += t.descendants[l]
		}
	}

	return cover
}
