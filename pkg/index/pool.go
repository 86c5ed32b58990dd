package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/cockroachdb/pebble"

	"github.com/saworbit/dedupe/pkg/config"
)

const containerPrefix = "ctr:"

type containerRecord struct {
	Location string `json:"location"`
}

// PoolIndex is the pool+container index shape: a pool-level pebble
// database holding config and the container registry, plus one
// independently-scoped pebble database per container holding that
// container's objects/object_map/chunks.
type PoolIndex struct {
	db         *pebble.DB
	baseDir    string
	cfg        config.Config
	containers map[string]*nsStore
	dbs        map[string]*pebble.DB
}

// CreatePool initializes a new pool index at path with the given config.
func CreatePool(path string, cfg config.Config) (*PoolIndex, error) {
	if !cfg.IndexPerObject {
		return nil, fmt.Errorf("index: CreatePool requires index_per_object=true in config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("index: invalid config: %w", err)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}
	p := &PoolIndex{
		db:         db,
		baseDir:    path,
		cfg:        cfg,
		containers: make(map[string]*nsStore),
		dbs:        make(map[string]*pebble.DB),
	}
	if err := p.saveConfig(cfg); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// OpenPool opens an existing pool index and loads its persisted config.
func OpenPool(path string) (*PoolIndex, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}
	p := &PoolIndex{
		db:         db,
		baseDir:    path,
		containers: make(map[string]*nsStore),
		dbs:        make(map[string]*pebble.DB),
	}
	cfg, err := p.loadConfig()
	if err != nil {
		db.Close()
		return nil, err
	}
	p.cfg = cfg
	return p, nil
}

func (p *PoolIndex) saveConfig(cfg config.Config) error {
	kv := configToKV(cfg)
	batch := p.db.NewBatch()
	defer batch.Close()
	for k, v := range kv {
		if err := batch.Set([]byte(cfgPrefix+k), []byte(v), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (p *PoolIndex) loadConfig() (config.Config, error) {
	kv := make(map[string]string)
	for _, k := range configKeys {
		val, closer, err := p.db.Get([]byte(cfgPrefix + k))
		if err != nil {
			return config.Config{}, fmt.Errorf("%w: missing key %q", ErrCorrupt, k)
		}
		kv[k] = string(val)
		closer.Close()
	}
	return configFromKV(kv)
}

func (p *PoolIndex) Config() config.Config { return p.cfg }

func (p *PoolIndex) containerLocation(name string) (string, bool, error) {
	val, closer, err := p.db.Get([]byte(containerPrefix + name))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	defer closer.Close()
	var rec containerRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return "", false, fmt.Errorf("index: decode container record %q: %w", name, err)
	}
	return rec.Location, true, nil
}

// container lazily opens (and caches) the named container's own index.
func (p *PoolIndex) container(name string) (*nsStore, error) {
	if ns, ok := p.containers[name]; ok {
		return ns, nil
	}
	loc, ok, err := p.containerLocation(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrContainerNotFound
	}
	db, err := pebble.Open(loc, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("index: open container %q at %s: %w", name, loc, err)
	}
	ns := newNsStore(db)
	p.containers[name] = ns
	p.dbs[name] = db
	return ns, nil
}

// AddContainer registers a brand new, empty container under name, backed
// by its own pebble database under the pool's base directory.
func (p *PoolIndex) AddContainer(name string) error {
	if _, ok, err := p.containerLocation(name); err != nil {
		return err
	} else if ok {
		return ErrContainerExists
	}

	loc := filepath.Join(p.baseDir, "containers", name)
	db, err := pebble.Open(loc, &pebble.Options{})
	if err != nil {
		return fmt.Errorf("index: create container %q at %s: %w", name, loc, err)
	}

	rec := containerRecord{Location: loc}
	data, err := json.Marshal(rec)
	if err != nil {
		db.Close()
		return fmt.Errorf("index: encode container record: %w", err)
	}
	if err := p.db.Set([]byte(containerPrefix+name), data, pebble.Sync); err != nil {
		db.Close()
		return err
	}

	p.containers[name] = newNsStore(db)
	p.dbs[name] = db
	return nil
}

// DeleteContainer removes the container registry row and releases its
// database handle. The façade is responsible for first emptying the
// container of objects (§4.8); DeleteContainer does not check that.
func (p *PoolIndex) DeleteContainer(name string) error {
	if _, ok, err := p.containerLocation(name); err != nil {
		return err
	} else if !ok {
		return ErrContainerNotFound
	}
	if db, open := p.dbs[name]; open {
		db.Close()
		delete(p.dbs, name)
		delete(p.containers, name)
	}
	return p.db.Delete([]byte(containerPrefix+name), pebble.Sync)
}

func (p *PoolIndex) ListContainers() ([]string, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(containerPrefix),
		UpperBound: prefixUpperBound([]byte(containerPrefix)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var names []string
	for iter.First(); iter.Valid(); iter.Next() {
		names = append(names, string(iter.Key()[len(containerPrefix):]))
	}
	return names, iter.Error()
}

// ImportContainerIndex merges an external container index (built by
// BackupContainerIndex or another pool's container) into container name,
// creating it if absent. When incrementRefcount is true every imported
// edge is replayed as a fresh insertion, so shared chunk keys already
// present in the destination have their refcounts bumped accordingly.
// When false, the source's rows are cloned verbatim, overwriting any
// destination rows of the same key — intended for populating a
// previously empty container from a trusted snapshot.
func (p *PoolIndex) ImportContainerIndex(name, path string, incrementRefcount bool) error {
	if _, ok, err := p.containerLocation(name); err != nil {
		return err
	} else if !ok {
		if err := p.AddContainer(name); err != nil {
			return err
		}
	}
	dest, err := p.container(name)
	if err != nil {
		return err
	}

	srcDB, err := pebble.Open(path, &pebble.Options{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("index: open import source %s: %w", path, err)
	}
	defer srcDB.Close()
	src := newNsStore(srcDB)

	return copyContainer(src, dest, incrementRefcount)
}

// BackupContainerIndex copies container src's full contents into a new
// local container newName backed at directory dst, using the same
// increment-refcount semantics as ImportContainerIndex.
func (p *PoolIndex) BackupContainerIndex(src, dst, newName string, incrementRefcount bool) error {
	srcNS, err := p.container(src)
	if err != nil {
		return err
	}

	if _, ok, err := p.containerLocation(newName); err != nil {
		return err
	} else if ok {
		return ErrContainerExists
	}

	db, err := pebble.Open(dst, &pebble.Options{})
	if err != nil {
		return fmt.Errorf("index: create backup container at %s: %w", dst, err)
	}
	rec := containerRecord{Location: dst}
	data, err := json.Marshal(rec)
	if err != nil {
		db.Close()
		return fmt.Errorf("index: encode container record: %w", err)
	}
	if err := p.db.Set([]byte(containerPrefix+newName), data, pebble.Sync); err != nil {
		db.Close()
		return err
	}

	destNS := newNsStore(db)
	p.containers[newName] = destNS
	p.dbs[newName] = db

	return copyContainer(srcNS, destNS, incrementRefcount)
}

func copyContainer(src, dest *nsStore, incrementRefcount bool) error {
	names, err := src.ListObjects()
	if err != nil {
		return err
	}

	if incrementRefcount {
		for _, name := range names {
			meta, err := src.GetObjectMetadata(name)
			if err != nil {
				return err
			}
			chunks := make([]ChunkInput, len(meta.Edges))
			for i, e := range meta.Edges {
				chunks[i] = ChunkInput{Key: e.ChunkKey, Length: e.Length, Position: e.Position, Ordinal: e.Ordinal}
			}
			if err := dest.AddObjectChunks(name, meta.ContentLength, chunks); err != nil {
				return err
			}
		}
		return nil
	}

	batch := dest.db.NewBatch()
	defer batch.Close()
	for _, name := range names {
		meta, err := src.GetObjectMetadata(name)
		if err != nil {
			return err
		}
		objRec := objectRecord{ContentLength: meta.ContentLength, MerkleRoot: meta.MerkleRoot}
		objData, err := json.Marshal(objRec)
		if err != nil {
			return fmt.Errorf("index: encode object record: %w", err)
		}
		if err := batch.Set(objectKey(name), objData, nil); err != nil {
			return err
		}
		for _, e := range meta.Edges {
			edgeData, err := json.Marshal(edgeRecord{ChunkKey: e.ChunkKey, Position: e.Position, Length: e.Length})
			if err != nil {
				return fmt.Errorf("index: encode edge record: %w", err)
			}
			if err := batch.Set(edgeKey(name, e.Ordinal), edgeData, nil); err != nil {
				return err
			}
			rec, found, err := src.getChunk(e.ChunkKey)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			chunkData, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("index: encode chunk record: %w", err)
			}
			if err := batch.Set(chunkKey(e.ChunkKey), chunkData, nil); err != nil {
				return err
			}
		}
	}
	return batch.Commit(pebble.Sync)
}

func (p *PoolIndex) ObjectExists(namespace, name string) (bool, error) {
	ns, err := p.container(namespace)
	if err != nil {
		return false, err
	}
	// Fixed: check objectName within the given container's own store,
	// not the container name checked twice.
	return ns.ObjectExists(name)
}

func (p *PoolIndex) ChunkExists(namespace, key string) (bool, error) {
	ns, err := p.container(namespace)
	if err != nil {
		return false, err
	}
	return ns.ChunkExists(key)
}

func (p *PoolIndex) AddObjectChunks(namespace, name string, contentLength uint64, chunks []ChunkInput) error {
	ns, err := p.container(namespace)
	if err != nil {
		return err
	}
	return ns.AddObjectChunks(name, contentLength, chunks)
}

func (p *PoolIndex) AddObjectChunk(namespace, name string, contentLength uint64, chunk ChunkInput) error {
	ns, err := p.container(namespace)
	if err != nil {
		return err
	}
	return ns.AddObjectChunk(name, contentLength, chunk)
}

func (p *PoolIndex) GetObjectMetadata(namespace, name string) (ObjectMetadata, error) {
	ns, err := p.container(namespace)
	if err != nil {
		return ObjectMetadata{}, err
	}
	return ns.GetObjectMetadata(name)
}

func (p *PoolIndex) DeleteObjectChunks(namespace, name string) ([]string, error) {
	ns, err := p.container(namespace)
	if err != nil {
		return nil, err
	}
	return ns.DeleteObjectChunks(name)
}

func (p *PoolIndex) ListObjects(namespace string) ([]string, error) {
	ns, err := p.container(namespace)
	if err != nil {
		return nil, err
	}
	return ns.ListObjects()
}

func (p *PoolIndex) Stats(namespace string) (Stats, error) {
	ns, err := p.container(namespace)
	if err != nil {
		return Stats{}, err
	}
	return ns.Stats()
}

func (p *PoolIndex) Backup(destination string) error {
	return p.db.Checkpoint(destination)
}

func (p *PoolIndex) Close() error {
	var firstErr error
	for _, db := range p.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := p.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
