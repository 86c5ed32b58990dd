package index

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"

	"github.com/saworbit/dedupe/pkg/merkle"
)

const (
	objPrefix   = "o:"
	edgePrefix  = "e:"
	chunkPrefix = "c:"
)

type objectRecord struct {
	ContentLength uint64 `json:"content_length"`
	// MerkleRoot is the Merkle root over the object's ordered chunk-key
	// sequence, computed at store time. Populated by AddObjectChunks;
	// left empty by the streaming AddObjectChunk path, since the full
	// chunk sequence isn't known until the stream completes.
	MerkleRoot []byte `json:"merkle_root,omitempty"`
}

type edgeRecord struct {
	ChunkKey string `json:"chunk_key"`
	Position uint64 `json:"position"`
	Length   int    `json:"length"`
}

type chunkRecord struct {
	Length   int `json:"length"`
	RefCount int `json:"refcount"`
}

// nsStore holds the objects/object_map/chunks tables for one namespace
// (a flat index, or a single container's own index). Callers serialize
// access; nsStore performs no locking of its own.
type nsStore struct {
	db *pebble.DB
}

func newNsStore(db *pebble.DB) *nsStore {
	return &nsStore{db: db}
}

func objectKey(name string) []byte { return []byte(objPrefix + name) }

func edgeKey(name string, ordinal int) []byte {
	var ord [4]byte
	binary.BigEndian.PutUint32(ord[:], uint32(ordinal))
	return append([]byte(edgePrefix+name+"\x00"), ord[:]...)
}

func edgePrefixFor(name string) []byte {
	return []byte(edgePrefix + name + "\x00")
}

func chunkKey(key string) []byte { return []byte(chunkPrefix + key) }

func (s *nsStore) ObjectExists(name string) (bool, error) {
	_, closer, err := s.db.Get(objectKey(name))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

func (s *nsStore) ChunkExists(key string) (bool, error) {
	_, closer, err := s.db.Get(chunkKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

func (s *nsStore) getChunk(key string) (chunkRecord, bool, error) {
	val, closer, err := s.db.Get(chunkKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return chunkRecord{}, false, nil
	}
	if err != nil {
		return chunkRecord{}, false, err
	}
	defer closer.Close()
	var rec chunkRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return chunkRecord{}, false, fmt.Errorf("index: decode chunk record %q: %w", key, err)
	}
	return rec, true, nil
}

// AddObjectChunks inserts the object row and every edge in one atomic
// batch: either all of it lands or none does.
func (s *nsStore) AddObjectChunks(name string, contentLength uint64, chunks []ChunkInput) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	objRec := objectRecord{ContentLength: contentLength, MerkleRoot: merkleRootOf(chunks)}
	objData, err := json.Marshal(objRec)
	if err != nil {
		return fmt.Errorf("index: encode object record: %w", err)
	}
	if err := batch.Set(objectKey(name), objData, nil); err != nil {
		return err
	}

	// Two edges in the same call can carry the same content key (e.g. a
	// repetitive input producing identical max-size chunks). Tally the
	// per-key delta across the whole batch before touching the
	// committed chunk row once per key, rather than reading that row
	// once per edge: reading per-edge would have every duplicate
	// observe the same pre-call "not found"/refcount state and each
	// stage a +1, undercounting the key's true refcount by the number
	// of extra duplicates.
	deltas := make(map[string]int, len(chunks))
	lengths := make(map[string]int, len(chunks))
	for _, c := range chunks {
		if err := s.stageEdge(batch, name, c); err != nil {
			return err
		}
		deltas[c.Key]++
		lengths[c.Key] = c.Length
	}
	for key, delta := range deltas {
		if err := s.stageChunkIncrementBy(batch, key, lengths[key], delta); err != nil {
			return err
		}
	}

	return batch.Commit(pebble.Sync)
}

// AddObjectChunk is the streaming form: one edge per call, creating or
// updating the object row as it goes.
func (s *nsStore) AddObjectChunk(name string, contentLength uint64, chunk ChunkInput) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	objRec := objectRecord{ContentLength: contentLength}
	objData, err := json.Marshal(objRec)
	if err != nil {
		return fmt.Errorf("index: encode object record: %w", err)
	}
	if err := batch.Set(objectKey(name), objData, nil); err != nil {
		return err
	}

	if err := s.stageEdge(batch, name, chunk); err != nil {
		return err
	}
	if err := s.stageChunkIncrementBy(batch, chunk.Key, chunk.Length, 1); err != nil {
		return err
	}

	return batch.Commit(pebble.Sync)
}

// merkleRootOf builds a Merkle tree over chunks in ordinal order and
// returns its root, or nil if chunks is empty (an empty object has no
// meaningful root to verify against).
func merkleRootOf(chunks []ChunkInput) []byte {
	if len(chunks) == 0 {
		return nil
	}
	ordered := make([]ChunkInput, len(chunks))
	copy(ordered, chunks)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Ordinal < ordered[j].Ordinal })

	keys := make([]string, len(ordered))
	for i, c := range ordered {
		keys[i] = c.Key
	}
	tree, err := merkle.NewTreeManager().BuildTree(keys)
	if err != nil {
		return nil
	}
	return merkle.Root(tree)
}

func (s *nsStore) stageEdge(batch *pebble.Batch, name string, c ChunkInput) error {
	rec := edgeRecord{ChunkKey: c.Key, Position: c.Position, Length: c.Length}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("index: encode edge record: %w", err)
	}
	return batch.Set(edgeKey(name, c.Ordinal), data, nil)
}

// stageChunkIncrementBy upserts a chunk's refcount, adding delta to
// whatever is currently committed. The read goes directly against the
// underlying db, since pebble batches are write-only until committed;
// that's safe across separate calls because all index mutation happens
// under the façade's single lock and each call commits before the next
// begins, but it means a single call must pass the full delta it owns
// for key rather than calling this once per edge — see AddObjectChunks.
func (s *nsStore) stageChunkIncrementBy(batch *pebble.Batch, key string, length, delta int) error {
	rec, found, err := s.getChunk(key)
	if err != nil {
		return err
	}
	if !found {
		rec = chunkRecord{Length: length, RefCount: delta}
	} else {
		rec.RefCount += delta
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("index: encode chunk record: %w", err)
	}
	return batch.Set(chunkKey(key), data, nil)
}

func (s *nsStore) GetObjectMetadata(name string) (ObjectMetadata, error) {
	val, closer, err := s.db.Get(objectKey(name))
	if errors.Is(err, pebble.ErrNotFound) {
		return ObjectMetadata{}, ErrObjectNotFound
	}
	if err != nil {
		return ObjectMetadata{}, err
	}
	var obj objectRecord
	decodeErr := json.Unmarshal(val, &obj)
	closer.Close()
	if decodeErr != nil {
		return ObjectMetadata{}, fmt.Errorf("index: decode object record %q: %w", name, decodeErr)
	}

	edges, err := s.listEdges(name)
	if err != nil {
		return ObjectMetadata{}, err
	}

	return ObjectMetadata{Name: name, ContentLength: obj.ContentLength, Edges: edges, MerkleRoot: obj.MerkleRoot}, nil
}

func (s *nsStore) listEdges(name string) ([]Edge, error) {
	prefix := edgePrefixFor(name)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var edges []Edge
	ordinal := 0
	for iter.First(); iter.Valid(); iter.Next() {
		var rec edgeRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("index: decode edge record for %q ordinal %d: %w", name, ordinal, err)
		}
		edges = append(edges, Edge{Ordinal: ordinal, Position: rec.Position, Length: rec.Length, ChunkKey: rec.ChunkKey})
		ordinal++
	}
	return edges, iter.Error()
}

// DeleteObjectChunks removes the object's row and every edge, decrements
// the referenced chunks, and returns the keys whose refcount reached
// zero (those rows are deleted too).
func (s *nsStore) DeleteObjectChunks(name string) ([]string, error) {
	edges, err := s.listEdges(name)
	if err != nil {
		return nil, err
	}
	if exists, err := s.ObjectExists(name); err != nil {
		return nil, err
	} else if !exists {
		return nil, ErrObjectNotFound
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Delete(objectKey(name), nil); err != nil {
		return nil, err
	}

	var zeroed []string
	counts := make(map[string]int)
	for _, e := range edges {
		if err := batch.Delete(edgeKey(name, e.Ordinal), nil); err != nil {
			return nil, err
		}
		counts[e.ChunkKey]++
	}
	for key, n := range counts {
		rec, found, err := s.getChunk(key)
		if err != nil {
			return nil, err
		}
		if !found {
			continue // already gone; nothing to decrement
		}
		rec.RefCount -= n
		if rec.RefCount <= 0 {
			if err := batch.Delete(chunkKey(key), nil); err != nil {
				return nil, err
			}
			zeroed = append(zeroed, key)
			continue
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("index: encode chunk record: %w", err)
		}
		if err := batch.Set(chunkKey(key), data, nil); err != nil {
			return nil, err
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, err
	}
	return zeroed, nil
}

func (s *nsStore) ListObjects() ([]string, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(objPrefix),
		UpperBound: prefixUpperBound([]byte(objPrefix)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var names []string
	for iter.First(); iter.Valid(); iter.Next() {
		names = append(names, string(iter.Key()[len(objPrefix):]))
	}
	return names, iter.Error()
}

func (s *nsStore) Stats() (Stats, error) {
	var st Stats

	objIter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(objPrefix),
		UpperBound: prefixUpperBound([]byte(objPrefix)),
	})
	if err != nil {
		return st, err
	}
	defer objIter.Close()
	for objIter.First(); objIter.Valid(); objIter.Next() {
		var obj objectRecord
		if err := json.Unmarshal(objIter.Value(), &obj); err != nil {
			return st, err
		}
		st.ObjectCount++
		st.LogicalBytes += obj.ContentLength
	}
	if err := objIter.Error(); err != nil {
		return st, err
	}

	chunkIter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(chunkPrefix),
		UpperBound: prefixUpperBound([]byte(chunkPrefix)),
	})
	if err != nil {
		return st, err
	}
	defer chunkIter.Close()
	for chunkIter.First(); chunkIter.Valid(); chunkIter.Next() {
		var rec chunkRecord
		if err := json.Unmarshal(chunkIter.Value(), &rec); err != nil {
			return st, err
		}
		st.ChunkCount++
		st.PhysicalBytes += uint64(rec.Length)
	}
	if err := chunkIter.Error(); err != nil {
		return st, err
	}

	if st.PhysicalBytes > 0 {
		st.Ratio = float64(st.LogicalBytes) / float64(st.PhysicalBytes)
	}
	return st, nil
}

func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	return append(upper, 0xff)
}
