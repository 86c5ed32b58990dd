// Package merkle builds Merkle trees over an object's ordered chunk keys,
// giving callers a way to reconcile a stored object against an externally
// recorded root without invoking any write_chunk/read_chunk callback.
package merkle

import (
	"crypto/sha256"
	"fmt"

	"github.com/cbergoon/merkletree"
)

// TreeManager builds and caches Merkle trees keyed by object name.
type TreeManager struct {
	treeCache map[string]*merkletree.MerkleTree
}

// NewTreeManager creates a new, empty tree manager.
func NewTreeManager() *TreeManager {
	return &TreeManager{
		treeCache: make(map[string]*merkletree.MerkleTree),
	}
}

// ChunkContent implements merkletree.Content over a single chunk key.
// Leaf order must match chunk ordinal order for the root to be a
// meaningful object-level fingerprint.
type ChunkContent struct {
	key string
}

// CalculateHash implements the Content interface.
func (c ChunkContent) CalculateHash() ([]byte, error) {
	h := sha256.New()
	if _, err := h.Write([]byte(c.key)); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// Equals implements the Content interface.
func (c ChunkContent) Equals(other merkletree.Content) (bool, error) {
	o, ok := other.(ChunkContent)
	if !ok {
		return false, fmt.Errorf("merkle: type mismatch comparing chunk content")
	}
	return c.key == o.key, nil
}

// NewChunkContent wraps a chunk key as tree content.
func NewChunkContent(key string) ChunkContent {
	return ChunkContent{key: key}
}

// BuildTree builds a Merkle tree from an object's ordered chunk keys.
func (m *TreeManager) BuildTree(chunkKeys []string) (*merkletree.MerkleTree, error) {
	if len(chunkKeys) == 0 {
		return nil, fmt.Errorf("merkle: cannot build tree from an empty chunk key list")
	}

	contents := make([]merkletree.Content, len(chunkKeys))
	for i, key := range chunkKeys {
		contents[i] = NewChunkContent(key)
	}

	tree, err := merkletree.NewTree(contents)
	if err != nil {
		return nil, fmt.Errorf("merkle: failed to build tree: %w", err)
	}
	return tree, nil
}

// Root returns the Merkle root hash for a tree.
func Root(tree *merkletree.MerkleTree) []byte {
	if tree == nil {
		return nil
	}
	return tree.MerkleRoot()
}

// VerifyTree verifies the internal structure of the tree against its
// own recomputed hashes.
func VerifyTree(tree *merkletree.MerkleTree) (bool, error) {
	if tree == nil {
		return false, fmt.Errorf("merkle: cannot verify a nil tree")
	}
	return tree.VerifyTree()
}

// BuildAndCache builds a tree for an object's chunk keys and caches it
// under objectName for later reconciliation.
func (m *TreeManager) BuildAndCache(objectName string, chunkKeys []string) (*merkletree.MerkleTree, error) {
	tree, err := m.BuildTree(chunkKeys)
	if err != nil {
		return nil, err
	}
	m.treeCache[objectName] = tree
	return tree, nil
}

// CachedTree retrieves a previously cached tree for an object name.
func (m *TreeManager) CachedTree(objectName string) (*merkletree.MerkleTree, bool) {
	tree, ok := m.treeCache[objectName]
	return tree, ok
}

// ClearCache discards every cached tree.
func (m *TreeManager) ClearCache() {
	m.treeCache = make(map[string]*merkletree.MerkleTree)
}

// RemoveFromCache discards the cached tree for a single object name.
func (m *TreeManager) RemoveFromCache(objectName string) {
	delete(m.treeCache, objectName)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// VerifyCached is the object-level verify flow Library.VerifyObject drives:
// reuse objectKey's cached tree if one is already built, otherwise build and
// cache it, then check the (possibly reused) tree's root against
// expectedRoot. A caller that mutates an object's chunk sequence (store,
// replace, delete) must evict objectKey from the cache first, or this will
// keep verifying against the stale sequence; Library does this via
// RemoveFromCache whenever it unwinds an object's edges.
func (m *TreeManager) VerifyCached(objectKey string, chunkKeys []string, expectedRoot []byte) error {
	if len(chunkKeys) == 0 {
		return fmt.Errorf("merkle: cannot verify integrity with an empty chunk key list")
	}

	tree, ok := m.CachedTree(objectKey)
	if !ok {
		var err error
		tree, err = m.BuildAndCache(objectKey, chunkKeys)
		if err != nil {
			return fmt.Errorf("merkle: failed to build tree for verification: %w", err)
		}
	}
	return verifyRoot(tree, expectedRoot, func() { m.RemoveFromCache(objectKey) })
}

// verifyRoot checks tree's internal consistency and its root against
// expectedRoot, calling onMismatch (if non-nil) before reporting a
// mismatch so a caller can evict whatever led it to this stale tree.
func verifyRoot(tree *merkletree.MerkleTree, expectedRoot []byte, onMismatch func()) error {
	valid, err := VerifyTree(tree)
	if err != nil {
		return fmt.Errorf("merkle: tree verification failed: %w", err)
	}
	if !valid {
		return fmt.Errorf("merkle: tree structure is invalid")
	}

	actualRoot := Root(tree)
	if !bytesEqual(actualRoot, expectedRoot) {
		// A mismatch here means either real corruption or a cache the
		// caller forgot to invalidate; either way the cached tree is no
		// longer trustworthy, so drop it rather than keep serving it.
		if onMismatch != nil {
			onMismatch()
		}
		return fmt.Errorf("merkle: root mismatch: expected %x, got %x", expectedRoot, actualRoot)
	}
	return nil
}
