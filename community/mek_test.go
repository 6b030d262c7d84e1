package community

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateMEKStartsAtGenerationZero(t *testing.T) {
	mk, err := GenerateMEK()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), mk.Generation)
	assert.NotEqual(t, [32]byte{}, mk.Key, "key must be random material")
}

func TestSealOpenRoundtrip(t *testing.T) {
	mk, err := GenerateMEK()
	require.NoError(t, err)

	plaintext := []byte("movie night at 8")
	sealed, err := mk.SealMessage(plaintext)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "movie night", "sealed content must not leak plaintext")

	opened, err := mk.OpenMessage(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestOpenRejectsOtherGeneration(t *testing.T) {
	gen0, err := GenerateMEK()
	require.NoError(t, err)
	gen1, err := Rotate(gen0)
	require.NoError(t, err)

	sealed, err := gen0.SealMessage([]byte("sealed under zero"))
	require.NoError(t, err)

	_, err = gen1.OpenMessage(sealed)
	assert.ErrorIs(t, err, ErrStaleKey)
}

func TestOpenRejectsMalformedContent(t *testing.T) {
	mk, err := GenerateMEK()
	require.NoError(t, err)

	_, err = mk.OpenMessage([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformedContent)

	_, err = mk.OpenMessage(nil)
	assert.ErrorIs(t, err, ErrMalformedContent)
}

func TestRotateProducesFreshMaterial(t *testing.T) {
	gen0, err := GenerateMEK()
	require.NoError(t, err)

	gen1, err := Rotate(gen0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), gen1.Generation)
	assert.NotEqual(t, gen0.Key, gen1.Key, "rotation must not reuse key material")

	// Rotating from nothing is how the very first key is made.
	first, err := Rotate(nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), first.Generation)
}

func TestKeyringOpensCurrentAndRetired(t *testing.T) {
	kr := NewKeyring()

	gen0, err := GenerateMEK()
	require.NoError(t, err)
	kr.Install(gen0)

	oldSealed, err := kr.Seal([]byte("before rotation"))
	require.NoError(t, err)

	gen1, err := Rotate(gen0)
	require.NoError(t, err)
	kr.Install(gen1)

	newSealed, err := kr.Seal([]byte("after rotation"))
	require.NoError(t, err)

	opened, err := kr.Open(oldSealed)
	require.NoError(t, err, "retired generation must stay readable")
	assert.Equal(t, []byte("before rotation"), opened)

	opened, err = kr.Open(newSealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("after rotation"), opened)
}

func TestKeyringPrunesBeyondRetentionDepth(t *testing.T) {
	kr := NewKeyring()

	mk, err := GenerateMEK()
	require.NoError(t, err)
	kr.Install(mk)
	sealedByGen := map[uint32][]byte{}

	sealed, err := kr.Seal([]byte("content"))
	require.NoError(t, err)
	sealedByGen[0] = sealed

	for i := 0; i < 6; i++ {
		mk, err = Rotate(mk)
		require.NoError(t, err)
		kr.Install(mk)
		sealed, err := kr.Seal([]byte("content"))
		require.NoError(t, err)
		sealedByGen[mk.Generation] = sealed
	}

	// Current is generation 6; generations older than 6-4 are gone.
	_, err = kr.Open(sealedByGen[0])
	assert.ErrorIs(t, err, ErrStaleKey)
	_, err = kr.Open(sealedByGen[1])
	assert.ErrorIs(t, err, ErrStaleKey)

	for gen := uint32(2); gen <= 6; gen++ {
		_, err := kr.Open(sealedByGen[gen])
		assert.NoError(t, err, "generation %d should be retained", gen)
	}
}

func TestKeyringOutOfOrderInstall(t *testing.T) {
	kr := NewKeyring()

	gen0, err := GenerateMEK()
	require.NoError(t, err)
	gen1, err := Rotate(gen0)
	require.NoError(t, err)

	kr.Install(gen1)
	kr.Install(gen0)

	cur, ok := kr.Generation()
	require.True(t, ok)
	assert.Equal(t, uint32(1), cur, "older install must not displace the current key")

	sealed, err := gen0.SealMessage([]byte("late arrival"))
	require.NoError(t, err)
	opened, err := kr.Open(sealed)
	require.NoError(t, err, "older generation lands in history")
	assert.Equal(t, []byte("late arrival"), opened)
}

func TestKeyringSealWithoutKey(t *testing.T) {
	kr := NewKeyring()
	_, err := kr.Seal([]byte("too early"))
	assert.ErrorIs(t, err, ErrNoMediaKey)

	_, ok := kr.Generation()
	assert.False(t, ok)
}

func TestKeyringWipe(t *testing.T) {
	kr := NewKeyring()
	mk, err := GenerateMEK()
	require.NoError(t, err)
	kr.Install(mk)

	sealed, err := kr.Seal([]byte("gone after wipe"))
	require.NoError(t, err)

	kr.Wipe()

	_, err = kr.Seal([]byte("anything"))
	assert.ErrorIs(t, err, ErrNoMediaKey)
	_, err = kr.Open(sealed)
	assert.ErrorIs(t, err, ErrStaleKey)
}
