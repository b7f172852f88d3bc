package smt

import (
	"crypto/rand"
	"testing"

	"github.com/minio/sha256-simd"
	"github.com/rolled-bit/go-rollup/db/memorydb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomProof(count, size int) [][]byte {
	proof := make([][]byte, count)
	for i := range proof {
		proof[i] = make([]byte, size)
		rand.Read(proof[i])
	}
	return proof
}

func TestProofs(t *testing.T) {
	smt := newTestTree(t, memorydb.NewDB(), nil)
	badProof := randomProof(256, 32)

	_, err := smt.Update([]byte("testKey"), []byte("testValue"))
	require.NoError(t, err)

	proof, err := smt.Prove([]byte("testKey"))
	require.NoError(t, err)
	assert.True(t, smt.VerifyProof(proof, []byte("testKey"), []byte("testValue")))
	assert.False(t, smt.VerifyProof(proof, []byte("testKey"), []byte("badValue")))
	assert.False(t, smt.VerifyProof(proof, []byte("testKey1"), []byte("testValue")))
	assert.False(t, smt.VerifyProof(badProof, []byte("testKey"), []byte("testValue")))

	_, err = smt.Update([]byte("testKey2"), []byte("testValue"))
	require.NoError(t, err)

	proof, err = smt.Prove([]byte("testKey2"))
	require.NoError(t, err)
	assert.True(t, smt.VerifyProof(proof, []byte("testKey2"), []byte("testValue")))
	assert.False(t, smt.VerifyProof(proof, []byte("testKey3"), []byte("testValue")))

	// absence proof
	proof, err = smt.Prove([]byte("testKey3"))
	require.NoError(t, err)
	assert.True(t, smt.VerifyProof(proof, []byte("testKey3"), nil))
	assert.False(t, smt.VerifyProof(proof, []byte("testKey3"), []byte("badValue")))
	assert.False(t, smt.VerifyProof(proof, []byte("testKey2"), nil))
}

func TestCompactProofs(t *testing.T) {
	smt := newTestTree(t, memorydb.NewDB(), nil)
	_, err := smt.Update([]byte("testKey"), []byte("testValue"))
	require.NoError(t, err)
	_, err = smt.Update([]byte("testKey2"), []byte("testValue"))
	require.NoError(t, err)
	root := smt.Root()

	proof, err := smt.ProveForRoot([]byte("testKey2"), root)
	require.NoError(t, err)
	compact, err := smt.CompactProof(proof)
	require.NoError(t, err)
	assert.Less(t, len(compact), len(proof))
	decompacted, err := smt.DecompactProof(compact)
	require.NoError(t, err)
	assert.Equal(t, proof, decompacted)

	_, err = smt.Update([]byte("testKey2"), []byte("testValue2"))
	require.NoError(t, err)

	compact, err = smt.ProveCompact([]byte("testKey2"), root)
	require.NoError(t, err)
	assert.True(t, VerifyCompactProof(compact, root, []byte("testKey2"), []byte("testValue"), sha256.New(), 256))
	assert.False(t, VerifyCompactProof(compact, root, []byte("testKey2"), []byte("badValue"), sha256.New(), 256))
	assert.False(t, smt.VerifyCompactProof(compact, []byte("testKey2"), []byte("testValue")), "root moved on")
}

func TestBadProofSizes(t *testing.T) {
	smt := newTestTree(t, memorydb.NewDB(), nil)

	tests := []struct {
		name  string
		proof [][]byte
	}{
		{"TooLong", randomProof(257, 32)},
		{"TooShort", randomProof(254, 32)},
		{"ShortNodes", randomProof(256, 31)},
		{"LongNodes", randomProof(256, 33)},
		{"TinyNodes", randomProof(256, 1)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.False(t, smt.VerifyProof(test.proof, []byte("testKey3"), nil))
		})
	}

	_, err := smt.CompactProof(randomProof(257, 32))
	assert.ErrorIs(t, err, ErrBadProof)
	_, err = smt.DecompactProof(randomProof(254, 32))
	assert.ErrorIs(t, err, ErrBadProof)
	_, err = smt.DecompactProof([][]byte{})
	assert.ErrorIs(t, err, ErrBadProof)
}
