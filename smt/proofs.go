package smt

import (
	"bytes"
	"hash"
)

func (smt *SparseMerkleTree) VerifyProof(proof [][]byte, key []byte, value []byte) bool {
	return VerifyProof(proof, smt.Root(), key, value, smt.newHasher(), smt.depth)
}

func (smt *SparseMerkleTree) VerifyCompactProof(proof [][]byte, key []byte, value []byte) bool {
	return VerifyCompactProof(proof, smt.Root(), key, value, smt.newHasher(), smt.depth)
}

func (smt *SparseMerkleTree) CompactProof(proof [][]byte) ([][]byte, error) {
	return compactProof(proof, smt.defaults)
}

func (smt *SparseMerkleTree) DecompactProof(proof [][]byte) ([][]byte, error) {
	return decompactProof(proof, smt.defaults)
}

// VerifyProof checks that key holds value under root. An empty value proves
// absence.
func VerifyProof(proof [][]byte, root []byte, key []byte, value []byte, hasher hash.Hash, depth int) bool {
	if len(proof) != depth {
		return false
	}
	path := digest(hasher, key)
	current := make([]byte, hasher.Size())
	if len(value) > 0 {
		current = digest(hasher, value)
	}
	for i := depth - 1; i >= 0; i-- {
		if len(proof[i]) != hasher.Size() {
			return false
		}
		if isRight(path, i, depth) {
			current = digest(hasher, proof[i], current)
		} else {
			current = digest(hasher, current, proof[i])
		}
	}
	return bytes.Equal(current, root)
}

// VerifyCompactProof verifies a proof produced by CompactProof.
func VerifyCompactProof(proof [][]byte, root []byte, key []byte, value []byte, hasher hash.Hash, depth int) bool {
	defaults := defaultNodes(func() hash.Hash { return hasher }, depth)
	decompacted, err := decompactProof(proof, defaults)
	if err != nil {
		return false
	}
	return VerifyProof(decompacted, root, key, value, hasher, depth)
}

// compactProof replaces default side nodes with a bitmask. The first element
// of the result is the bitmask; a set bit marks a default node.
func compactProof(proof [][]byte, defaults [][]byte) ([][]byte, error) {
	depth := len(defaults) - 1
	if len(proof) != depth {
		return nil, ErrBadProof
	}
	bits := make([]byte, (depth+7)/8)
	compact := [][]byte{bits}
	for i := 0; i < depth; i++ {
		if bytes.Equal(proof[i], defaults[i+1]) {
			setBit(bits, i)
		} else {
			compact = append(compact, proof[i])
		}
	}
	return compact, nil
}

func decompactProof(proof [][]byte, defaults [][]byte) ([][]byte, error) {
	depth := len(defaults) - 1
	if len(proof) == 0 || len(proof[0]) != (depth+7)/8 {
		return nil, ErrBadProof
	}
	bits := proof[0]
	if len(proof)-1 != depth-countSetBits(bits, depth) {
		return nil, ErrBadProof
	}
	decompacted := make([][]byte, depth)
	position := 1
	for i := 0; i < depth; i++ {
		if hasBit(bits, i) {
			decompacted[i] = defaults[i+1]
		} else {
			decompacted[i] = proof[position]
			position++
		}
	}
	return decompacted, nil
}
