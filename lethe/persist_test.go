package lethe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"gotest.tools/v3/assert"

	"github.com/lethe-kms/go-lethe/crypt"
	"github.com/lethe-kms/go-lethe/crypt/cryptest"
)

func TestStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, testRootKey(),
		WithFanouts([]uint64{2, 2}),
		WithKeyGenerator(&cryptest.KeyGen{}))
	assert.NilError(t, err)

	ids := []KeyID{{0, 0}, {0, 1}, {7, 3}}
	want := make([]crypt.Key, len(ids))
	for i, id := range ids {
		want[i], err = l.Derive(id)
		assert.NilError(t, err)
	}
	_, err = l.Commit()
	assert.NilError(t, err)
	instance := l.Instance()
	assert.NilError(t, l.Close())

	l, err = Open(dir, testRootKey(), WithKeyGenerator(&cryptest.KeyGen{}))
	assert.NilError(t, err)
	defer l.Close()

	assert.Equal(t, instance, l.Instance())
	assert.Equal(t, uint64(1), l.Epoch())
	for i, id := range ids {
		got, err := l.Derive(id)
		assert.NilError(t, err)
		assert.Equal(t, want[i], got)
	}
}

func TestRestoredInstanceKeepsItsFanouts(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, testRootKey(),
		WithFanouts([]uint64{2, 2}),
		WithKeyGenerator(&cryptest.KeyGen{}))
	assert.NilError(t, err)
	_, err = l.Derive(KeyID{})
	assert.NilError(t, err)
	_, err = l.Commit()
	assert.NilError(t, err)
	assert.NilError(t, l.Close())

	// Caller options must not override the persisted shape.
	l, err = Open(dir, testRootKey(),
		WithFanouts([]uint64{4, 4, 4, 4}),
		WithKeyGenerator(&cryptest.KeyGen{}))
	assert.NilError(t, err)
	defer l.Close()
	assert.DeepEqual(t, []uint64{2, 2}, l.forest.Topology().Fanouts())
}

func TestTamperedSnapshotRejected(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, testRootKey(), WithKeyGenerator(&cryptest.KeyGen{}))
	assert.NilError(t, err)
	assert.NilError(t, l.Close())

	path := filepath.Join(dir, snapshotName)
	data, err := os.ReadFile(path)
	assert.NilError(t, err)
	data[len(data)/2] ^= 0x01
	assert.NilError(t, os.WriteFile(path, data, 0o600))

	_, err = Open(dir, testRootKey(), WithKeyGenerator(&cryptest.KeyGen{}))
	assert.ErrorIs(t, err, ErrLoad)
}

func TestWrongRootKeyRejected(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, testRootKey(), WithKeyGenerator(&cryptest.KeyGen{}))
	assert.NilError(t, err)
	assert.NilError(t, l.Close())

	other := testRootKey()
	other[0] ^= 0xff
	_, err = Open(dir, other, WithKeyGenerator(&cryptest.KeyGen{}))
	assert.ErrorIs(t, err, ErrLoad)
}

func TestWrongInstanceRejected(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, testRootKey(), WithKeyGenerator(&cryptest.KeyGen{}))
	assert.NilError(t, err)
	instance := l.Instance()
	assert.NilError(t, l.Close())

	_, err = Open(dir, testRootKey(),
		WithKeyGenerator(&cryptest.KeyGen{}),
		WithInstance(uuid.New()))
	assert.ErrorIs(t, err, ErrWrongInstance)

	l, err = Open(dir, testRootKey(),
		WithKeyGenerator(&cryptest.KeyGen{}),
		WithInstance(instance))
	assert.NilError(t, err)
	assert.NilError(t, l.Close())
}
