package crypt

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlake2bDigest(t *testing.T) {
	a := Digest(NewBlake2b, []byte("parent"), []byte("child"))
	b := Digest(NewBlake2b, []byte("parent"), []byte("child"))
	c := Digest(NewBlake2b, []byte("parent"), []byte("other"))

	assert.Equal(t, a, b, "digest must be deterministic")
	assert.NotEqual(t, a, c, "digest must depend on input")
	assert.NotEqual(t, Key{}, a)
}

func TestBlake2bFinishResets(t *testing.T) {
	h := NewBlake2b()
	h.Update([]byte("one"))
	first := h.Finish()

	h.Update([]byte("one"))
	second := h.Finish()

	assert.Equal(t, first, second, "Finish must reset the hasher state")
}

func TestChaCha20KDF(t *testing.T) {
	parent := Digest(NewBlake2b, []byte("parent"))
	kdf := NewChaCha20(parent)

	k0 := kdf.Derive(0)
	k1 := kdf.Derive(1)
	assert.NotEqual(t, k0, k1, "distinct ids must yield distinct subkeys")
	assert.Equal(t, k0, NewChaCha20(parent).Derive(0), "derivation must be deterministic")

	other := NewChaCha20(Digest(NewBlake2b, []byte("other")))
	assert.NotEqual(t, k0, other.Derive(0), "subkeys must depend on the parent key")
}

func TestSingleOutputKDF(t *testing.T) {
	parent := Digest(NewBlake2b, []byte("parent"))
	kdf := NewSingleOutput(parent)
	assert.Equal(t, parent, kdf.Derive(0))
	assert.Equal(t, parent, kdf.Derive(42))
}

func TestSequentialIVGenerator(t *testing.T) {
	g := NewSequentialIVGenerator()

	a := make([]byte, IVSize)
	b := make([]byte, IVSize)
	require.NoError(t, g.GenerateIV(a))
	require.NoError(t, g.GenerateIV(b))
	assert.NotEqual(t, a, b, "sequential ivs must not repeat")

	short := make([]byte, IVSize-1)
	assert.ErrorIs(t, g.GenerateIV(short), ErrIVBufferTooSmall)
}

func TestAes256CtrRoundTrip(t *testing.T) {
	key := Digest(NewBlake2b, []byte("bulk key"))
	iv := make([]byte, IVSize)
	require.NoError(t, RandomIVGenerator{}.GenerateIV(iv))

	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	data := bytes.Clone(plaintext)

	var c Aes256Ctr
	require.NoError(t, c.Encrypt(key, iv, data))
	assert.NotEqual(t, plaintext, data)

	require.NoError(t, c.Decrypt(key, iv, data))
	assert.Equal(t, plaintext, data)
}

func TestAes256CtrRejectsBadIV(t *testing.T) {
	key := Digest(NewBlake2b, []byte("bulk key"))
	var c Aes256Ctr
	assert.ErrorIs(t, c.Encrypt(key, make([]byte, IVSize-1), []byte("x")), ErrBadIVLength)
}

func TestOnetimeRoundTrip(t *testing.T) {
	key := Digest(NewBlake2b, []byte("onetime"))

	ct, err := OnetimeEncrypt(key, []byte("sector payload"))
	require.NoError(t, err)

	pt, err := OnetimeDecrypt(key, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("sector payload"), pt)
}

func TestOnetimeEmptyPlaintext(t *testing.T) {
	key := Digest(NewBlake2b, []byte("onetime"))

	ct, err := OnetimeEncrypt(key, nil)
	require.NoError(t, err)

	pt, err := OnetimeDecrypt(key, ct)
	require.NoError(t, err)
	assert.Empty(t, pt)
}

func TestOnetimeTamperDetected(t *testing.T) {
	key := Digest(NewBlake2b, []byte("onetime"))

	ct, err := OnetimeEncrypt(key, []byte("sector payload"))
	require.NoError(t, err)

	ct[len(ct)-1] ^= 0x01
	_, err = OnetimeDecrypt(key, ct)
	assert.ErrorIs(t, err, ErrOnetimeCiphertext)

	_, err = OnetimeDecrypt(key, ct[:4])
	assert.ErrorIs(t, err, ErrOnetimeCiphertext)
}

func TestOnetimeWrongKey(t *testing.T) {
	ct, err := OnetimeEncrypt(Digest(NewBlake2b, []byte("k1")), []byte("payload"))
	require.NoError(t, err)

	_, err = OnetimeDecrypt(Digest(NewBlake2b, []byte("k2")), ct)
	assert.ErrorIs(t, err, ErrOnetimeCiphertext)
}

func TestOneshotRoundTrip(t *testing.T) {
	key := Digest(NewBlake2b, []byte("state key"))
	plaintext := []byte("serialized forest state")

	var buf bytes.Buffer
	data := bytes.Clone(plaintext)
	require.NoError(t, OneshotEncrypt(&buf, Aes256Ctr{}, RandomIVGenerator{}, key, data))
	assert.Greater(t, buf.Len(), len(plaintext), "output must carry the iv prefix")

	got, err := OneshotDecrypt(&buf, Aes256Ctr{}, key)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestOneshotTruncated(t *testing.T) {
	key := Digest(NewBlake2b, []byte("state key"))
	_, err := OneshotDecrypt(bytes.NewReader(make([]byte, IVSize-2)), Aes256Ctr{}, key)
	assert.ErrorIs(t, err, ErrOneshotTruncated)
}

func TestKeyWipe(t *testing.T) {
	k := Digest(NewBlake2b, []byte("secret"))
	require.NotEqual(t, Key{}, k)
	k.Wipe()
	assert.Equal(t, Key{}, k)
}
