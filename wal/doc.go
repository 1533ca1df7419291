// Package wal implements the encrypted write-ahead journal for key-state
// mutations. Mutations are appended as sealed records and become durable at
// the next commit marker. On open, any tail past the last intact commit
// marker is discarded, so a journal always replays to a consistent epoch
// boundary.
package wal
