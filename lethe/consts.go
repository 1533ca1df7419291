package lethe

import "github.com/lethe-kms/go-lethe/crypt"

const (
	// BlockSize is the I/O unit callers encrypt per derived key.
	BlockSize = 4096

	// SectorSize is the device sector width.
	SectorSize = 512

	// KeySize and IVSize mirror the crypt package widths for callers that
	// size buffers against this package alone.
	KeySize = crypt.KeySize
	IVSize  = crypt.IVSize

	// VersionTagSize is the width of the version tag carried by persisted
	// artifacts and per-sector metadata.
	VersionTagSize = 8

	// UnpaddedSectorSize is the payload left in a sector after its version
	// tag.
	UnpaddedSectorSize = SectorSize - VersionTagSize

	// DefaultKeyCacheLimit bounds each derivation cache to four pages.
	DefaultKeyCacheLimit = 16384

	// SpeculationChunkSize is the slot span journaled as a single range
	// record when a caller rotates in bulk.
	SpeculationChunkSize = 8192
)

const (
	snapshotName = "khf.snapshot"
	journalName  = "khf.wal"
)
