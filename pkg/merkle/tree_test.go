package merkle

import (
	"bytes"
	"fmt"
	"testing"
)

func TestNewTreeManager(t *testing.T) {
	tm := NewTreeManager()

	if tm == nil {
		t.Fatal("NewTreeManager() returned nil")
	}

	if tm.treeCache == nil {
		t.Error("TreeManager tree cache is nil")
	}
}

func TestChunkContent(t *testing.T) {
	key1 := "chunk-key-1"
	key2 := "chunk-key-2"

	c1 := NewChunkContent(key1)
	c2 := NewChunkContent(key2)
	c3 := NewChunkContent(key1)

	hash1, err := c1.CalculateHash()
	if err != nil {
		t.Fatalf("CalculateHash() error = %v", err)
	}

	hash2, err := c2.CalculateHash()
	if err != nil {
		t.Fatalf("CalculateHash() error = %v", err)
	}

	hash3, err := c3.CalculateHash()
	if err != nil {
		t.Fatalf("CalculateHash() error = %v", err)
	}

	if !bytes.Equal(hash1, hash3) {
		t.Error("same chunk key produced different hashes")
	}

	if bytes.Equal(hash1, hash2) {
		t.Error("different chunk keys produced the same hash")
	}

	equal, err := c1.Equals(c3)
	if err != nil {
		t.Fatalf("Equals() error = %v", err)
	}
	if !equal {
		t.Error("equal chunk keys should return true")
	}

	equal, err = c1.Equals(c2)
	if err != nil {
		t.Fatalf("Equals() error = %v", err)
	}
	if equal {
		t.Error("different chunk keys should return false")
	}
}

func TestBuildTree(t *testing.T) {
	tm := NewTreeManager()

	tests := []struct {
		name      string
		chunkKeys []string
		wantErr   bool
	}{
		{
			name:      "valid tree with one chunk key",
			chunkKeys: []string{"key1"},
			wantErr:   false,
		},
		{
			name:      "valid tree with multiple chunk keys",
			chunkKeys: []string{"key1", "key2", "key3", "key4"},
			wantErr:   false,
		},
		{
			name:      "empty chunk key list",
			chunkKeys: []string{},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree, err := tm.BuildTree(tt.chunkKeys)

			if (err != nil) != tt.wantErr {
				t.Errorf("BuildTree() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && tree == nil {
				t.Error("BuildTree() returned nil tree without error")
			}
		})
	}
}

func TestRoot(t *testing.T) {
	tm := NewTreeManager()

	keys := []string{"key1", "key2", "key3"}
	tree, err := tm.BuildTree(keys)
	if err != nil {
		t.Fatalf("BuildTree() error = %v", err)
	}

	root := Root(tree)
	if root == nil {
		t.Error("Root() returned nil")
	}

	if nilRoot := Root(nil); nilRoot != nil {
		t.Error("Root(nil) should return nil")
	}
}

func TestVerifyTree(t *testing.T) {
	tm := NewTreeManager()

	keys := []string{"key1", "key2", "key3", "key4"}
	tree, err := tm.BuildTree(keys)
	if err != nil {
		t.Fatalf("BuildTree() error = %v", err)
	}

	valid, err := VerifyTree(tree)
	if err != nil {
		t.Fatalf("VerifyTree() error = %v", err)
	}

	if !valid {
		t.Error("VerifyTree() returned false for a valid tree")
	}

	if _, err = VerifyTree(nil); err == nil {
		t.Error("VerifyTree(nil) should return an error")
	}
}

func TestBuildAndCache(t *testing.T) {
	tm := NewTreeManager()

	keys := []string{"key1", "key2"}
	objectName := "report.csv"

	tree, err := tm.BuildAndCache(objectName, keys)
	if err != nil {
		t.Fatalf("BuildAndCache() error = %v", err)
	}
	if tree == nil {
		t.Fatal("BuildAndCache() returned nil tree")
	}

	cached, ok := tm.CachedTree(objectName)
	if !ok {
		t.Error("tree not found in cache")
	}
	if cached != tree {
		t.Error("cached tree differs from the built tree")
	}
}

func TestCachedTree(t *testing.T) {
	tm := NewTreeManager()

	keys := []string{"key1", "key2"}
	objectName := "report.csv"

	if _, err := tm.BuildAndCache(objectName, keys); err != nil {
		t.Fatalf("BuildAndCache() error = %v", err)
	}

	tree, ok := tm.CachedTree(objectName)
	if !ok {
		t.Error("CachedTree() returned false for a cached tree")
	}
	if tree == nil {
		t.Error("CachedTree() returned a nil tree")
	}

	if _, ok = tm.CachedTree("nonexistent"); ok {
		t.Error("CachedTree() returned true for a non-existent entry")
	}
}

func TestClearCache(t *testing.T) {
	tm := NewTreeManager()

	if _, err := tm.BuildAndCache("object1", []string{"key1", "key2"}); err != nil {
		t.Fatalf("BuildAndCache() error = %v", err)
	}
	if _, err := tm.BuildAndCache("object2", []string{"key3", "key4"}); err != nil {
		t.Fatalf("BuildAndCache() error = %v", err)
	}

	tm.ClearCache()

	if _, ok := tm.CachedTree("object1"); ok {
		t.Error("cache still contains object1 after ClearCache()")
	}
	if _, ok := tm.CachedTree("object2"); ok {
		t.Error("cache still contains object2 after ClearCache()")
	}
}

func TestRemoveFromCache(t *testing.T) {
	tm := NewTreeManager()

	if _, err := tm.BuildAndCache("object1", []string{"key1", "key2"}); err != nil {
		t.Fatalf("BuildAndCache() error = %v", err)
	}
	if _, err := tm.BuildAndCache("object2", []string{"key3", "key4"}); err != nil {
		t.Fatalf("BuildAndCache() error = %v", err)
	}

	tm.RemoveFromCache("object1")

	if _, ok := tm.CachedTree("object1"); ok {
		t.Error("object1 still in cache after removal")
	}
	if _, ok := tm.CachedTree("object2"); !ok {
		t.Error("object2 removed from cache unexpectedly")
	}
}

func TestVerifyCached_DifferentKeysMismatchRoot(t *testing.T) {
	tm := NewTreeManager()

	keys := []string{"key1", "key2", "key3"}
	tree, err := tm.BuildTree(keys)
	if err != nil {
		t.Fatalf("BuildTree() error = %v", err)
	}
	expectedRoot := Root(tree)

	differentKeys := []string{"key-x", "key-y", "key-z"}
	if err := tm.VerifyCached("obj-different", differentKeys, expectedRoot); err == nil {
		t.Error("VerifyCached() should fail when the object's current keys don't match the recorded root")
	}
}

func TestBytesEqual(t *testing.T) {
	tests := []struct {
		name string
		a    []byte
		b    []byte
		want bool
	}{
		{"equal bytes", []byte{1, 2, 3}, []byte{1, 2, 3}, true},
		{"different bytes", []byte{1, 2, 3}, []byte{1, 2, 4}, false},
		{"different lengths", []byte{1, 2}, []byte{1, 2, 3}, false},
		{"both empty", []byte{}, []byte{}, true},
		{"one empty", []byte{1}, []byte{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := bytesEqual(tt.a, tt.b)
			if got != tt.want {
				t.Errorf("bytesEqual() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestVerifyCached exercises the cache-aware flow Library.VerifyObject
// drives: a first call builds and caches the tree, a second call against
// the same key must reuse the cached entry (and still pass), and a root
// mismatch must evict the cache entry rather than leave it to be reused.
func TestVerifyCached(t *testing.T) {
	tm := NewTreeManager()

	keys := []string{"key1", "key2", "key3"}
	tree, err := tm.BuildTree(keys)
	if err != nil {
		t.Fatalf("BuildTree() error = %v", err)
	}
	root := Root(tree)

	if err := tm.VerifyCached("obj1", keys, root); err != nil {
		t.Fatalf("VerifyCached() first call error = %v", err)
	}
	cached, ok := tm.CachedTree("obj1")
	if !ok || cached == nil {
		t.Fatal("VerifyCached() should have cached a tree for obj1")
	}

	if err := tm.VerifyCached("obj1", keys, root); err != nil {
		t.Fatalf("VerifyCached() second call (cache hit) error = %v", err)
	}

	wrongRoot := make([]byte, len(root))
	copy(wrongRoot, root)
	wrongRoot[0] ^= 0xFF
	if err := tm.VerifyCached("obj1", keys, wrongRoot); err == nil {
		t.Error("VerifyCached() should fail with a wrong root")
	}
	if _, ok := tm.CachedTree("obj1"); ok {
		t.Error("VerifyCached() should evict the cache entry after a root mismatch")
	}

	if err := tm.VerifyCached("obj2", nil, root); err == nil {
		t.Error("VerifyCached() should fail with an empty chunk key list")
	}
}

func BenchmarkBuildTree_SmallTree(b *testing.B) {
	tm := NewTreeManager()
	keys := []string{"key1", "key2", "key3", "key4"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := tm.BuildTree(keys); err != nil {
			b.Fatalf("BuildTree() error = %v", err)
		}
	}
}

func BenchmarkBuildTree_LargeTree(b *testing.B) {
	tm := NewTreeManager()

	keys := make([]string, 100)
	for i := 0; i < 100; i++ {
		keys[i] = fmt.Sprintf("key-%d", i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := tm.BuildTree(keys); err != nil {
			b.Fatalf("BuildTree() error = %v", err)
		}
	}
}

func BenchmarkVerifyCached(b *testing.B) {
	tm := NewTreeManager()
	keys := []string{"key1", "key2", "key3", "key4", "key5"}
	tree, err := tm.BuildTree(keys)
	if err != nil {
		b.Fatalf("BuildTree() error = %v", err)
	}
	root := Root(tree)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := tm.VerifyCached("bench-obj", keys, root); err != nil {
			b.Fatalf("VerifyCached() error = %v", err)
		}
	}
}
