// Package smt implements a Sparse Merkle tree whose new nodes are kept in
// memory until the owner commits them into a storage transaction.
package smt

import (
	"bytes"
	"errors"
	"fmt"
	"hash"
	"sync"

	rollupdb "github.com/rolled-bit/go-rollup/db"
)

var (
	ErrCorruptDB = errors.New("smt: missing tree node")
	ErrBadDepth  = errors.New("smt: depth out of range")
	ErrBadProof  = errors.New("smt: bad proof size")
)

// SparseMerkleTree is a Sparse Merkle tree over hashed keys. Leaves hold
// arbitrary values; an absent leaf hashes to all zero bytes.
type SparseMerkleTree struct {
	lock      sync.RWMutex
	db        rollupdb.Reader
	namespace []byte
	newHasher func() hash.Hash
	depth     int
	defaults  [][]byte

	root      []byte
	committed []byte
	pending   map[string][]byte
}

// NewSparseMerkleTree restores a tree at root, or an empty tree when root is nil.
// Nodes are read from db under namespace.
func NewSparseMerkleTree(db rollupdb.Reader, namespace []byte, newHasher func() hash.Hash, root []byte, depth int) (*SparseMerkleTree, error) {
	size := newHasher().Size()
	if depth <= 0 || depth > size*8 {
		return nil, ErrBadDepth
	}
	smt := &SparseMerkleTree{
		db:        db,
		namespace: namespace,
		newHasher: newHasher,
		depth:     depth,
		defaults:  defaultNodes(newHasher, depth),
		pending:   make(map[string][]byte),
	}
	if root == nil {
		root = smt.defaults[0]
	}
	smt.root = root
	smt.committed = root
	return smt, nil
}

// defaultNodes returns the hashes of empty subtrees, indexed by level. Level 0
// is the root and level depth is a leaf.
func defaultNodes(newHasher func() hash.Hash, depth int) [][]byte {
	hasher := newHasher()
	nodes := make([][]byte, depth+1)
	nodes[depth] = make([]byte, hasher.Size())
	for i := depth - 1; i >= 0; i-- {
		nodes[i] = digest(hasher, nodes[i+1], nodes[i+1])
	}
	return nodes
}

func digest(hasher hash.Hash, data ...[]byte) []byte {
	hasher.Reset()
	for _, d := range data {
		hasher.Write(d)
	}
	return hasher.Sum(nil)
}

// Root returns the current root, including uncommitted updates.
func (smt *SparseMerkleTree) Root() []byte {
	smt.lock.RLock()
	defer smt.lock.RUnlock()
	return smt.root
}

// CommittedRoot returns the root as of the last Commit.
func (smt *SparseMerkleTree) CommittedRoot() []byte {
	smt.lock.RLock()
	defer smt.lock.RUnlock()
	return smt.committed
}

// EmptyRoot is the root of a tree without leaves.
func (smt *SparseMerkleTree) EmptyRoot() []byte {
	return smt.defaults[0]
}

func (smt *SparseMerkleTree) Depth() int {
	return smt.depth
}

func (smt *SparseMerkleTree) path(key []byte) []byte {
	return digest(smt.newHasher(), key)
}

func (smt *SparseMerkleTree) node(hash []byte) ([]byte, error) {
	if value, ok := smt.pending[string(hash)]; ok {
		return value, nil
	}
	value, exists, err := smt.db.Get(smt.namespace, hash)
	if err != nil {
		return nil, rollupdb.StorageError("smt get node", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %x", ErrCorruptDB, hash)
	}
	return value, nil
}

// Get returns the value stored for key, or nil if there is none.
func (smt *SparseMerkleTree) Get(key []byte) ([]byte, error) {
	smt.lock.RLock()
	defer smt.lock.RUnlock()
	return smt.getForRoot(key, smt.root)
}

// GetForRoot reads key at an older root whose nodes are still stored.
func (smt *SparseMerkleTree) GetForRoot(key []byte, root []byte) ([]byte, error) {
	smt.lock.RLock()
	defer smt.lock.RUnlock()
	return smt.getForRoot(key, root)
}

func (smt *SparseMerkleTree) getForRoot(key []byte, root []byte) ([]byte, error) {
	path := smt.path(key)
	size := len(smt.defaults[0])
	current := root
	for i := 0; i < smt.depth; i++ {
		if bytes.Equal(current, smt.defaults[i]) {
			return nil, nil
		}
		children, err := smt.node(current)
		if err != nil {
			return nil, err
		}
		if isRight(path, i, smt.depth) {
			current = children[size:]
		} else {
			current = children[:size]
		}
	}
	if bytes.Equal(current, smt.defaults[smt.depth]) {
		return nil, nil
	}
	return smt.node(current)
}

// Update sets key to value and returns the new root. A nil or empty value
// removes the leaf.
func (smt *SparseMerkleTree) Update(key []byte, value []byte) ([]byte, error) {
	smt.lock.Lock()
	defer smt.lock.Unlock()

	path := smt.path(key)
	sideNodes, err := smt.sideNodesForRoot(path, smt.root)
	if err != nil {
		return nil, err
	}

	hasher := smt.newHasher()
	current := smt.defaults[smt.depth]
	if len(value) > 0 {
		current = digest(hasher, value)
		smt.pending[string(current)] = append([]byte(nil), value...)
	}
	for i := smt.depth - 1; i >= 0; i-- {
		var children []byte
		if isRight(path, i, smt.depth) {
			children = concat(sideNodes[i], current)
		} else {
			children = concat(current, sideNodes[i])
		}
		current = digest(hasher, children)
		if !bytes.Equal(current, smt.defaults[i]) {
			smt.pending[string(current)] = children
		}
	}
	smt.root = current
	return current, nil
}

// sideNodesForRoot returns the siblings along path; entry i is the sibling of
// the path node at level i+1.
func (smt *SparseMerkleTree) sideNodesForRoot(path []byte, root []byte) ([][]byte, error) {
	size := len(smt.defaults[0])
	sideNodes := make([][]byte, smt.depth)
	current := root
	for i := 0; i < smt.depth; i++ {
		if bytes.Equal(current, smt.defaults[i]) {
			for j := i; j < smt.depth; j++ {
				sideNodes[j] = smt.defaults[j+1]
			}
			return sideNodes, nil
		}
		children, err := smt.node(current)
		if err != nil {
			return nil, err
		}
		if isRight(path, i, smt.depth) {
			sideNodes[i] = children[:size]
			current = children[size:]
		} else {
			sideNodes[i] = children[size:]
			current = children[:size]
		}
	}
	return sideNodes, nil
}

// Commit writes the nodes of the current root that are not stored yet into w
// and makes the current root the committed root. Nodes superseded by later
// updates since the last Commit are dropped. Nodes are content addressed, so
// w may be flushed ahead of the transaction that records the root.
func (smt *SparseMerkleTree) Commit(w rollupdb.Writer) error {
	smt.lock.Lock()
	defer smt.lock.Unlock()

	written := make(map[string]struct{})
	if err := smt.commitNode(w, smt.root, 0, written); err != nil {
		return err
	}
	smt.pending = make(map[string][]byte)
	smt.committed = smt.root
	return nil
}

// commitNode writes hash and its pending descendants. A node missing from
// pending is already stored, and so is everything below it.
func (smt *SparseMerkleTree) commitNode(w rollupdb.Writer, hash []byte, level int, written map[string]struct{}) error {
	if bytes.Equal(hash, smt.defaults[level]) {
		return nil
	}
	if _, ok := written[string(hash)]; ok {
		return nil
	}
	value, ok := smt.pending[string(hash)]
	if !ok {
		return nil
	}
	if err := w.Set(smt.namespace, hash, value); err != nil {
		return rollupdb.StorageError("smt commit", err)
	}
	written[string(hash)] = struct{}{}
	if level == smt.depth {
		return nil
	}
	size := len(smt.defaults[0])
	if err := smt.commitNode(w, value[:size], level+1, written); err != nil {
		return err
	}
	return smt.commitNode(w, value[size:], level+1, written)
}

// Discard drops uncommitted updates and returns to the committed root.
func (smt *SparseMerkleTree) Discard() {
	smt.lock.Lock()
	defer smt.lock.Unlock()

	smt.pending = make(map[string][]byte)
	smt.root = smt.committed
}

// Prove returns the side nodes for key at the current root, leaf level last.
func (smt *SparseMerkleTree) Prove(key []byte) ([][]byte, error) {
	return smt.ProveForRoot(key, smt.Root())
}

// ProveForRoot generates a Merkle proof for key at a specific root.
func (smt *SparseMerkleTree) ProveForRoot(key []byte, root []byte) ([][]byte, error) {
	smt.lock.RLock()
	defer smt.lock.RUnlock()
	return smt.sideNodesForRoot(smt.path(key), root)
}

// ProveCompact generates a compacted Merkle proof for key at root.
func (smt *SparseMerkleTree) ProveCompact(key []byte, root []byte) ([][]byte, error) {
	proof, err := smt.ProveForRoot(key, root)
	if err != nil {
		return nil, err
	}
	return smt.CompactProof(proof)
}

func concat(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
