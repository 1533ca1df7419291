// Package lethe implements the secure-deletion key-management scheme. Every
// addressable unit of storage is bound to a slot in a keyed hash forest;
// deleting the unit is rotating its slot to fresh key material and
// committing, after which the old key is underivable from anything the
// system retains.
//
// Mutations are journaled to an encrypted write-ahead log and become durable
// at Commit, which writes the epoch's commit marker, folds the rotations
// into the forest, and captures the result in an encrypted snapshot. A crash
// at any point recovers to the last committed epoch.
package lethe
