// Package dedupe is an embedded content-addressed deduplication library.
// Given an opaque byte object identified by a caller-chosen name, it
// splits the object into variable-size chunks using a content-defined
// boundary detector, assigns each chunk a content-derived key, and
// records a mapping from the object to its ordered chunk sequence in a
// persistent index. Physical storage of chunk bytes is delegated to a
// caller-supplied ChunkStore; the library owns only the index and the
// chunking algorithm.
package dedupe

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/saworbit/dedupe/internal/metrics"
	"github.com/saworbit/dedupe/internal/platform"
	"github.com/saworbit/dedupe/pkg/chunker"
	"github.com/saworbit/dedupe/pkg/config"
	"github.com/saworbit/dedupe/pkg/index"
	"github.com/saworbit/dedupe/pkg/merkle"
)

// Library is the façade: it orchestrates store/retrieve/delete against
// an index.Index and a caller-supplied ChunkStore, validating arguments
// and serializing every call on a single per-instance lock.
type Library struct {
	mu         sync.Mutex
	idx        index.Index
	chunkStore ChunkStore
	trees      *merkle.TreeManager
}

// treeCacheKey namespaces an object's VerifyObject tree cache entry by
// container, since flat mode and every pool container share one Library.
func treeCacheKey(namespace, name string) string {
	return namespace + "\x00" + name
}

// CreateIndex initializes a new index at path with cfg and opens a
// Library bound to it. cfg.IndexPerObject selects flat or pool+container
// shape.
func CreateIndex(path string, cfg config.Config, store ChunkStore) (*Library, error) {
	if store == nil {
		return nil, newErr("create_index", KindInvalidArgument, errNilChunkStore)
	}
	path = platform.LongPathname(path)
	var idx index.Index
	var err error
	if cfg.IndexPerObject {
		idx, err = index.CreatePool(path, cfg)
	} else {
		idx, err = index.CreateFlat(path, cfg)
	}
	if err != nil {
		return nil, newErr("create_index", KindInvalidArgument, err)
	}
	return &Library{idx: idx, chunkStore: store, trees: merkle.NewTreeManager()}, nil
}

// OpenIndex opens a previously created index at path, detecting flat vs
// pool shape from its persisted config.
func OpenIndex(path string, store ChunkStore) (*Library, error) {
	if store == nil {
		return nil, newErr("open_index", KindInvalidArgument, errNilChunkStore)
	}
	path = platform.LongPathname(path)
	probe, err := index.OpenFlat(path)
	if err != nil {
		return nil, newErr("open_index", KindIndexCorruption, err)
	}
	if !probe.Config().IndexPerObject {
		return &Library{idx: probe, chunkStore: store, trees: merkle.NewTreeManager()}, nil
	}
	if err := probe.Close(); err != nil {
		log.Printf("[dedupe] open_index: closing flat probe: %v", err)
	}
	idx, err := index.OpenPool(path)
	if err != nil {
		return nil, newErr("open_index", KindIndexCorruption, err)
	}
	return &Library{idx: idx, chunkStore: store, trees: merkle.NewTreeManager()}, nil
}

// Close releases the underlying index handle.
func (l *Library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.idx.Close()
}

func chunkerParams(cfg config.Config) chunker.Params {
	return chunker.Params{
		MinSize:            cfg.MinChunkSize,
		MaxSize:            cfg.MaxChunkSize,
		Shift:              cfg.ShiftCount,
		BoundaryCheckBytes: cfg.BoundaryCheckBytes,
	}
}

// sanitizeName deterministically strips characters hostile to storage
// keys (path separators, NUL, and other control bytes) from a
// caller-chosen object or container name.
func sanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r == 0:
			b.WriteRune('_')
		case r < 0x20:
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

var (
	errNilChunkStore = chunkStoreError("dedupe: chunk store must not be nil")
	errEmptyName     = chunkStoreError("dedupe: object name must not be empty")
)

type chunkStoreError string

func (e chunkStoreError) Error() string { return string(e) }

func errObjectExists(name string) error {
	return fmt.Errorf("object %q already exists", name)
}

func errChunkWriteFailed(key string) error {
	return fmt.Errorf("write_chunk callback failed for key %q", key)
}

func errChunkReadMismatch(key string) error {
	return fmt.Errorf("read_chunk callback returned unexpected data for key %q", key)
}

// StoreObject chunks data and records it under name. Fails with
// KindConflict if an object by that name already exists.
func (l *Library) StoreObject(name string, data []byte) ([]string, error) {
	return l.store(defaultNamespace, name, data, false)
}

// StoreOrReplaceObject stores data under name, deleting any prior object
// of the same name first.
func (l *Library) StoreOrReplaceObject(name string, data []byte) ([]string, error) {
	return l.store(defaultNamespace, name, data, true)
}

// StoreObjectIn and StoreOrReplaceObjectIn are the pool-mode equivalents,
// scoping the operation to a named container.
func (l *Library) StoreObjectIn(container, name string, data []byte) ([]string, error) {
	return l.store(container, name, data, false)
}

func (l *Library) StoreOrReplaceObjectIn(container, name string, data []byte) ([]string, error) {
	return l.store(container, name, data, true)
}

const defaultNamespace = ""

func (l *Library) store(namespace, rawName string, data []byte, replace bool) ([]string, error) {
	if rawName == "" {
		return nil, newErr("store_object", KindInvalidArgument, errEmptyName)
	}
	name := sanitizeName(rawName)

	chunks, err := chunker.Split(data, chunkerParams(l.idx.Config()))
	if err != nil {
		return nil, newErr("store_object", KindInvalidArgument, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	exists, err := l.idx.ObjectExists(namespace, name)
	if err != nil {
		return nil, newErr("store_object", KindInvalidArgument, err)
	}
	if exists {
		if !replace {
			return nil, newErr("store_object", KindConflict, errObjectExists(name))
		}
		if _, err := l.deleteLocked(namespace, name); err != nil {
			return nil, err
		}
	}

	inputs := make([]index.ChunkInput, len(chunks))
	for i, c := range chunks {
		inputs[i] = index.ChunkInput{Key: c.Key, Length: c.Length, Position: c.Position, Ordinal: c.Ordinal}
	}

	if err := l.idx.AddObjectChunks(namespace, name, uint64(len(data)), inputs); err != nil {
		return nil, newErr("store_object", KindInvalidArgument, err)
	}

	keys := make([]string, len(chunks))
	for i, c := range chunks {
		keys[i] = c.Key
		if !l.chunkStore.WriteChunk(c.Key, c.Data) {
			l.compensate(namespace, name)
			metrics.StoreFailureTotal.Inc()
			return nil, newErr("store_object", KindCallbackFailure, errChunkWriteFailed(c.Key))
		}
	}

	metrics.ObserveStore(len(data), len(chunks))
	return keys, nil
}

// StoreObjectStream is the streaming store variant of §4.5: it chunks r
// and interleaves each chunk's edge insertion with its write_chunk call
// as the chunk is produced, rather than chunking the whole object into
// memory first like StoreObject does. length must be the exact byte
// count r will yield.
func (l *Library) StoreObjectStream(name string, r io.Reader, length uint64) ([]string, error) {
	return l.storeStream(defaultNamespace, name, r, length, false)
}

// StoreOrReplaceObjectStream is StoreObjectStream, replacing any prior
// object of the same name first.
func (l *Library) StoreOrReplaceObjectStream(name string, r io.Reader, length uint64) ([]string, error) {
	return l.storeStream(defaultNamespace, name, r, length, true)
}

func (l *Library) StoreObjectStreamIn(container, name string, r io.Reader, length uint64) ([]string, error) {
	return l.storeStream(container, name, r, length, false)
}

func (l *Library) StoreOrReplaceObjectStreamIn(container, name string, r io.Reader, length uint64) ([]string, error) {
	return l.storeStream(container, name, r, length, true)
}

func (l *Library) storeStream(namespace, rawName string, r io.Reader, length uint64, replace bool) ([]string, error) {
	if rawName == "" {
		return nil, newErr("store_object_stream", KindInvalidArgument, errEmptyName)
	}
	name := sanitizeName(rawName)

	l.mu.Lock()
	defer l.mu.Unlock()

	exists, err := l.idx.ObjectExists(namespace, name)
	if err != nil {
		return nil, newErr("store_object_stream", KindInvalidArgument, err)
	}
	if exists {
		if !replace {
			return nil, newErr("store_object_stream", KindConflict, errObjectExists(name))
		}
		if _, err := l.deleteLocked(namespace, name); err != nil {
			return nil, err
		}
	}

	var keys []string
	var failedKey string
	streamErr := chunker.SplitStream(r, length, chunkerParams(l.idx.Config()), func(c chunker.Chunk) bool {
		input := index.ChunkInput{Key: c.Key, Length: c.Length, Position: c.Position, Ordinal: c.Ordinal}
		if err := l.idx.AddObjectChunk(namespace, name, length, input); err != nil {
			failedKey = c.Key
			return false
		}
		if !l.chunkStore.WriteChunk(c.Key, c.Data) {
			failedKey = c.Key
			return false
		}
		keys = append(keys, c.Key)
		return true
	})
	if streamErr != nil {
		l.compensate(namespace, name)
		metrics.StoreFailureTotal.Inc()
		if failedKey != "" {
			return nil, newErr("store_object_stream", KindCallbackFailure, errChunkWriteFailed(failedKey))
		}
		return nil, newErr("store_object_stream", KindInvalidArgument, streamErr)
	}

	metrics.ObserveStore(int(length), len(keys))
	return keys, nil
}

// compensate runs the garbage-collect compensation path: remove every
// edge this object contributed to the index, then best-effort delete
// the bytes of any chunk key whose refcount reached zero as a result.
func (l *Library) compensate(namespace, name string) {
	zeroed, err := l.idx.DeleteObjectChunks(namespace, name)
	if err != nil {
		log.Printf("[dedupe] compensation: failed to unwind object %q: %v", name, err)
		return
	}
	l.trees.RemoveFromCache(treeCacheKey(namespace, name))
	for _, key := range zeroed {
		if !l.chunkStore.DeleteChunk(key) {
			log.Printf("[dedupe] compensation: failed to delete orphaned chunk %q", key)
		}
	}
}

// RetrieveObjectMetadata returns an object's total length and ordered
// chunk keys without reading any chunk bytes.
func (l *Library) RetrieveObjectMetadata(name string) (ObjectInfo, error) {
	return l.retrieveMetadata(defaultNamespace, name)
}

func (l *Library) RetrieveObjectMetadataIn(container, name string) (ObjectInfo, error) {
	return l.retrieveMetadata(container, name)
}

// ObjectInfo is the public view of an object's metadata.
type ObjectInfo struct {
	Name          string
	ContentLength uint64
	ChunkKeys     []string
	// MerkleRoot is the root recorded at store time, or nil if the
	// object was written via the streaming store path.
	MerkleRoot []byte
}

func (l *Library) retrieveMetadata(namespace, name string) (ObjectInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.metadataLocked(namespace, name)
}

func (l *Library) metadataLocked(namespace, name string) (ObjectInfo, error) {
	meta, err := l.idx.GetObjectMetadata(namespace, name)
	if err != nil {
		if err == index.ErrObjectNotFound {
			return ObjectInfo{}, newErr("retrieve_object_metadata", KindNotFound, err)
		}
		return ObjectInfo{}, newErr("retrieve_object_metadata", KindInvalidArgument, err)
	}
	keys := make([]string, len(meta.Edges))
	for i, e := range meta.Edges {
		keys[i] = e.ChunkKey
	}
	return ObjectInfo{Name: name, ContentLength: meta.ContentLength, ChunkKeys: keys, MerkleRoot: meta.MerkleRoot}, nil
}

// RetrieveObject reads an object back in full, reassembling it from its
// chunks in ordinal order.
func (l *Library) RetrieveObject(name string) ([]byte, error) {
	return l.retrieve(defaultNamespace, name)
}

func (l *Library) RetrieveObjectIn(container, name string) ([]byte, error) {
	return l.retrieve(container, name)
}

func (l *Library) retrieve(namespace, name string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	meta, err := l.idx.GetObjectMetadata(namespace, name)
	if err != nil {
		if err == index.ErrObjectNotFound {
			return nil, newErr("retrieve_object", KindNotFound, err)
		}
		return nil, newErr("retrieve_object", KindInvalidArgument, err)
	}

	out := make([]byte, meta.ContentLength)
	for _, e := range meta.Edges {
		data := l.chunkStore.ReadChunk(e.ChunkKey)
		if len(data) != e.Length {
			return nil, newErr("retrieve_object", KindConsistencyWarning, errChunkReadMismatch(e.ChunkKey))
		}
		copy(out[e.Position:e.Position+uint64(e.Length)], data)
	}
	return out, nil
}

// RetrieveObjectStream is the streaming read variant of §4.6: it writes
// name's chunks sequentially into dst in ordinal order, then seeks dst
// back to the origin so the caller can read the reassembled object
// without the library ever holding it in memory at once.
func (l *Library) RetrieveObjectStream(name string, dst io.WriteSeeker) error {
	return l.retrieveStream(defaultNamespace, name, dst)
}

func (l *Library) RetrieveObjectStreamIn(container, name string, dst io.WriteSeeker) error {
	return l.retrieveStream(container, name, dst)
}

func (l *Library) retrieveStream(namespace, name string, dst io.WriteSeeker) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	meta, err := l.idx.GetObjectMetadata(namespace, name)
	if err != nil {
		if err == index.ErrObjectNotFound {
			return newErr("retrieve_object_stream", KindNotFound, err)
		}
		return newErr("retrieve_object_stream", KindInvalidArgument, err)
	}

	for _, e := range meta.Edges {
		data := l.chunkStore.ReadChunk(e.ChunkKey)
		if len(data) != e.Length {
			return newErr("retrieve_object_stream", KindConsistencyWarning, errChunkReadMismatch(e.ChunkKey))
		}
		if _, err := dst.Write(data); err != nil {
			return newErr("retrieve_object_stream", KindInvalidArgument, err)
		}
	}

	if _, err := dst.Seek(0, io.SeekStart); err != nil {
		return newErr("retrieve_object_stream", KindInvalidArgument, err)
	}
	return nil
}

// DeleteObject removes an object and best-effort deletes any chunk
// bytes whose refcount reached zero as a result.
func (l *Library) DeleteObject(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.deleteLocked(defaultNamespace, name)
	return err
}

func (l *Library) DeleteObjectIn(container, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.deleteLocked(container, name)
	return err
}

func (l *Library) deleteLocked(namespace, name string) ([]string, error) {
	zeroed, err := l.idx.DeleteObjectChunks(namespace, name)
	if err != nil {
		if err == index.ErrObjectNotFound {
			return nil, newErr("delete_object", KindNotFound, err)
		}
		return nil, newErr("delete_object", KindInvalidArgument, err)
	}
	l.trees.RemoveFromCache(treeCacheKey(namespace, name))
	for _, key := range zeroed {
		if !l.chunkStore.DeleteChunk(key) {
			log.Printf("[dedupe] delete_object: failed to delete orphaned chunk %q", key)
		}
	}
	metrics.DeleteTotal.Inc()
	return zeroed, nil
}

// ObjectExists reports whether name exists in the default namespace.
func (l *Library) ObjectExists(name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.idx.ObjectExists(defaultNamespace, name)
}

func (l *Library) ObjectExistsIn(container, name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.idx.ObjectExists(container, name)
}

// ChunkExists reports whether a chunk key is currently referenced.
func (l *Library) ChunkExists(key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.idx.ChunkExists(defaultNamespace, key)
}

func (l *Library) ChunkExistsIn(container, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.idx.ChunkExists(container, key)
}

// ListObjects returns every object name in the default namespace.
func (l *Library) ListObjects() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.idx.ListObjects(defaultNamespace)
}

func (l *Library) ListObjectsIn(container string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.idx.ListObjects(container)
}

// IndexStats reports object/chunk counts and the logical/physical byte
// ratio for the default namespace.
type IndexStats = index.Stats

func (l *Library) IndexStats() (IndexStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.idx.Stats(defaultNamespace)
}

func (l *Library) IndexStatsIn(container string) (IndexStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.idx.Stats(container)
}

// BackupIndex writes a consistent point-in-time copy of the index to
// destination.
func (l *Library) BackupIndex(destination string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.idx.Backup(destination)
}

// AddContainer registers a new, empty container. Pool mode only.
func (l *Library) AddContainer(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.idx.AddContainer(sanitizeName(name))
}

// DeleteContainer implements §4.8: repeatedly list and delete the
// container's objects until the listing is empty, then remove the
// container row itself.
func (l *Library) DeleteContainer(name string) error {
	for {
		l.mu.Lock()
		names, err := l.idx.ListObjects(name)
		if err != nil {
			l.mu.Unlock()
			return newErr("delete_container", KindInvalidArgument, err)
		}
		if len(names) == 0 {
			err := l.idx.DeleteContainer(name)
			l.mu.Unlock()
			if err != nil {
				return newErr("delete_container", KindInvalidArgument, err)
			}
			return nil
		}
		target := names[0]
		_, err = l.deleteLocked(name, target)
		l.mu.Unlock()
		if err != nil {
			return err
		}
	}
}

// ListContainers returns every registered container name. Pool mode only.
func (l *Library) ListContainers() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.idx.ListContainers()
}

// ImportContainerIndex merges an external container index into a local
// container, creating it if absent. Pool mode only.
func (l *Library) ImportContainerIndex(name, path string, incrementRefcount bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.idx.ImportContainerIndex(sanitizeName(name), path, incrementRefcount)
}

// BackupContainerIndex clones a container's contents into a new local
// container backed at dst. Pool mode only.
func (l *Library) BackupContainerIndex(src, dst, newName string, incrementRefcount bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.idx.BackupContainerIndex(src, dst, sanitizeName(newName), incrementRefcount)
}

// ObjectRoot returns the Merkle root recorded for name at store time,
// or nil if the object was written via the streaming store path and
// carries no root.
func (l *Library) ObjectRoot(name string) ([]byte, error) {
	return l.objectRoot(defaultNamespace, name)
}

func (l *Library) ObjectRootIn(container, name string) ([]byte, error) {
	return l.objectRoot(container, name)
}

func (l *Library) objectRoot(namespace, name string) ([]byte, error) {
	info, err := l.retrieveMetadata(namespace, name)
	if err != nil {
		return nil, err
	}
	return info.MerkleRoot, nil
}

// VerifyObject rebuilds a Merkle tree from an object's current chunk
// key sequence and checks it against the root recorded at store time,
// reusing the library's per-object tree cache across repeated calls
// against an unchanged object. It reports (false, nil) rather than an
// error for a detected mismatch; it returns an error only when the
// object cannot be read at all, or carries no recorded root to check
// against. Requires no ReadChunk callback, so it reconciles index
// integrity independent of whether the external chunk store is
// reachable.
func (l *Library) VerifyObject(name string) (bool, error) {
	return l.verifyObject(defaultNamespace, name)
}

func (l *Library) VerifyObjectIn(container, name string) (bool, error) {
	return l.verifyObject(container, name)
}

func (l *Library) verifyObject(namespace, name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, err := l.metadataLocked(namespace, name)
	if err != nil {
		return false, err
	}
	if info.MerkleRoot == nil {
		return false, newErr("verify_object", KindConsistencyWarning, fmt.Errorf("object %q carries no recorded merkle root", name))
	}
	if err := l.trees.VerifyCached(treeCacheKey(namespace, name), info.ChunkKeys, info.MerkleRoot); err != nil {
		return false, nil
	}
	return true, nil
}
