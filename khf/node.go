package khf

import (
	"encoding/binary"

	"github.com/lethe-kms/go-lethe/crypt"
	"github.com/lethe-kms/go-lethe/keycache"
)

// Deriver folds a parent key and a child position into the child's key. The
// hasher binds the position into a seed, the KDF expands the seed into the
// child key material.
type Deriver struct {
	NewHasher crypt.NewHasher
	NewKDF    crypt.NewKDF
}

func (d Deriver) child(parent crypt.Key, pos Pos) crypt.Key {
	h := d.NewHasher()
	h.Update(parent[:])

	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], pos.Level)
	h.Update(b[:])
	binary.LittleEndian.PutUint64(b[:], pos.Index)
	h.Update(b[:])

	seed := h.Finish()
	key := d.NewKDF(seed).Derive(pos.Index)
	seed.Wipe()
	return key
}

// Walk folds key down path, invoking visit with every position and the key
// held there. The first path element carries the starting key untouched.
// Returns the key at the final position.
func (d Deriver) Walk(key crypt.Key, path []Pos, visit func(Pos, crypt.Key)) crypt.Key {
	for i, pos := range path {
		if i > 0 {
			key = d.child(key, pos)
		}
		if visit != nil {
			visit(pos, key)
		}
	}
	return key
}

// Node is a forest root: a position and the key held there. Keys for
// positions beneath a node are derived on demand, never stored.
type Node struct {
	Pos Pos
	Key crypt.Key
}

// Derive computes the key at pos from the node's key. pos must lie beneath
// the node (or be the node itself).
func (n Node) Derive(d Deriver, t *Topology, pos Pos) crypt.Key {
	if n.Pos == pos {
		return n.Key
	}
	return d.Walk(n.Key, t.Path(n.Pos, pos), nil)
}

// DeriveCached computes the key at pos, resuming from the deepest ancestor
// already present in the first cache and inserting every key derived along
// the way into all of them. Positions whose coverage starts below
// cacheFloor are excluded from the cache entirely; the engine uses the
// floor to keep spanning-root derivations from aliasing committed material
// at shared ancestor positions.
func (n Node) DeriveCached(d Deriver, t *Topology, pos Pos, cacheFloor uint64, caches ...*keycache.Cache[Pos, crypt.Key]) (crypt.Key, error) {
	if n.Pos == pos {
		return n.Key, nil
	}

	path := t.Path(n.Pos, pos)

	start, startKey := 0, n.Key
	for i := len(path) - 1; i > 0; i-- {
		if t.Start(path[i]) < cacheFloor {
			break
		}
		if k, ok := caches[0].Get(path[i]); ok {
			start, startKey = i, k
			break
		}
	}
	if path[start] == pos {
		return startKey, nil
	}

	var insertErr error
	key := d.Walk(startKey, path[start:], func(p Pos, k crypt.Key) {
		if t.Start(p) < cacheFloor {
			return
		}
		for _, c := range caches {
			if err := c.Insert(p, k); err != nil && insertErr == nil {
				insertErr = err
			}
		}
	})
	if insertErr != nil {
		return crypt.Key{}, insertErr
	}
	return key, nil
}

// Coverage returns subroots of level at least level covering [start, end),
// each keyed by derivation from this node.
func (n Node) Coverage(d Deriver, t *Topology, level, start, end uint64) []Node {
	positions := t.Coverage(level, start, end)
	nodes := make([]Node, 0, len(positions))
	for _, pos := range positions {
		nodes = append(nodes, Node{Pos: pos, Key: n.Derive(d, t, pos)})
	}
	return nodes
}
