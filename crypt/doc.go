// Package crypt defines the cryptographic capabilities the key hierarchy is
// built on: hashing, key derivation, IV generation, bulk encryption and
// single-use sealing. Each capability is a small interface with one
// production implementation so that tests can substitute deterministic
// doubles (see the cryptest subpackage).
package crypt
