package wal

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lethe-kms/go-lethe/crypt"
)

func testKey() crypt.Key {
	var k crypt.Key
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func testJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal")
	j, err := Open(path, testKey())
	require.NoError(t, err)
	return j, path
}

func TestJournalRoundTrip(t *testing.T) {
	j, path := testJournal(t)

	rec := Record{Epoch: 1, Op: OpInsert, A: 5, B: 9, Payload: []byte("binding")}
	require.NoError(t, j.Append(rec))
	assert.Len(t, j.Pending(), 1)
	assert.Empty(t, j.Records())

	require.NoError(t, j.Commit(1, []byte("epoch one roots")))
	assert.Empty(t, j.Pending())
	require.NoError(t, j.Close())

	j, err := Open(path, testKey())
	require.NoError(t, err)
	defer j.Close()

	recs := j.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, rec, recs[0])
	assert.Equal(t, OpCommit, recs[1].Op)
	assert.Equal(t, []byte("epoch one roots"), recs[1].Payload)
	assert.Equal(t, uint64(1), j.Epoch())
}

func TestJournalPendingDiscardedOnReopen(t *testing.T) {
	j, path := testJournal(t)

	require.NoError(t, j.Append(Record{Epoch: 1, Op: OpRotate, A: 3}))
	require.NoError(t, j.Persist())
	require.NoError(t, j.Close())

	j, err := Open(path, testKey())
	require.NoError(t, err)
	defer j.Close()

	assert.Empty(t, j.Records(), "records past the last commit marker must not replay")
	assert.Empty(t, j.Pending())

	// The tail was physically removed, not just skipped.
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())
}

func TestJournalTailAfterCommitDiscarded(t *testing.T) {
	j, path := testJournal(t)

	require.NoError(t, j.Append(Record{Epoch: 1, Op: OpRotate, A: 0}))
	require.NoError(t, j.Commit(1, nil))
	require.NoError(t, j.Append(Record{Epoch: 2, Op: OpRotate, A: 1}))
	require.NoError(t, j.Close())

	j, err := Open(path, testKey())
	require.NoError(t, err)
	defer j.Close()

	recs := j.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(1), recs[0].Epoch)
	assert.Equal(t, uint64(1), j.Epoch())
}

func TestJournalTamperRollsBackEpoch(t *testing.T) {
	j, path := testJournal(t)

	require.NoError(t, j.Append(Record{Epoch: 1, Op: OpRotate, A: 0}))
	require.NoError(t, j.Commit(1, nil))
	require.NoError(t, j.Append(Record{Epoch: 2, Op: OpRotate, A: 1}))
	require.NoError(t, j.Commit(2, nil))
	require.NoError(t, j.Close())

	// Flip a bit in the final commit marker's tag.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0x01
	require.NoError(t, os.WriteFile(path, data, 0o600))

	j, err = Open(path, testKey())
	require.NoError(t, err)
	defer j.Close()

	assert.Equal(t, uint64(1), j.Epoch(), "a damaged marker must roll back to the prior epoch")
	require.Len(t, j.Records(), 2)
	assert.Equal(t, uint64(1), j.Records()[1].Epoch)
}

func TestJournalPayloadEncryptedAtRest(t *testing.T) {
	j, path := testJournal(t)

	secret := []byte("super secret key material")
	require.NoError(t, j.Append(Record{Epoch: 1, Op: OpInsert, Payload: secret}))
	require.NoError(t, j.Commit(1, secret))
	require.NoError(t, j.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(data, secret), "payloads must not appear in the clear")
}

func TestJournalWrongKeyReadsEmpty(t *testing.T) {
	j, path := testJournal(t)

	require.NoError(t, j.Append(Record{Epoch: 1, Op: OpInsert, Payload: []byte("binding")}))
	require.NoError(t, j.Commit(1, nil))
	require.NoError(t, j.Close())

	other := testKey()
	other[0] ^= 0xff
	j, err := Open(path, other)
	require.NoError(t, err)
	defer j.Close()

	assert.Empty(t, j.Records())
	assert.Equal(t, uint64(0), j.Epoch())
}

func TestJournalReset(t *testing.T) {
	j, path := testJournal(t)

	require.NoError(t, j.Append(Record{Epoch: 1, Op: OpDelete, A: 7}))
	require.NoError(t, j.Commit(1, nil))
	require.NoError(t, j.Reset())
	assert.Empty(t, j.Records())
	require.NoError(t, j.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())
}

func TestJournalClosed(t *testing.T) {
	j, _ := testJournal(t)
	require.NoError(t, j.Close())

	assert.ErrorIs(t, j.Append(Record{}), ErrClosed)
	assert.ErrorIs(t, j.Commit(1, nil), ErrClosed)
	assert.ErrorIs(t, j.Reset(), ErrClosed)
	assert.NoError(t, j.Close(), "double close is harmless")
}

func TestJournalPayloadTooLarge(t *testing.T) {
	j, _ := testJournal(t)
	defer j.Close()

	err := j.Append(Record{Epoch: 1, Op: OpInsert, Payload: make([]byte, maxPayloadSize+1)})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}
