package khf

// Stats summarizes the forest's shape.
type Stats struct {
	Keys         uint64 // coverage as of the last update
	InFlight     uint64 // coverage including uncommitted appends
	Roots        int    // size of the root list
	RootLevel    uint64 // level rotated ranges are re-rooted at
	Consolidated bool
	Fragmented   bool
}

// Stats reports the forest's current shape.
func (k *Khf) Stats() Stats {
	level := uint64(DefaultRootLevel)
	if k.fragmented {
		level = k.topology.Height() - 1
	}
	return Stats{
		Keys:         k.keys,
		InFlight:     k.inFlightKeys,
		Roots:        len(k.roots),
		RootLevel:    level,
		Consolidated: k.IsConsolidated(),
		Fragmented:   k.fragmented,
	}
}
