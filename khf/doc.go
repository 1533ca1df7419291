// Package khf implements a keyed hash forest: a forest of fixed-fanout key
// trees in which every leaf key is derived from the root that covers it.
// Because derivation only flows downward, discarding a root makes every key
// beneath it underivable, which is what turns key rotation into secure
// deletion.
//
// The forest is a sorted list of subtree roots with disjoint, contiguous
// leaf coverage, plus a spanning root that covers keys appended since the
// last update. An update rebuilds the root list so that every rotated range
// is re-rooted under freshly drawn key material.
package khf
