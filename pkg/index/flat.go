package index

import (
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/saworbit/dedupe/pkg/config"
)

const cfgPrefix = "cfg:"

// FlatIndex is the single-namespace index shape: one pebble database
// holding config, objects, object_map, and chunks.
type FlatIndex struct {
	*nsStore
	db  *pebble.DB
	cfg config.Config
}

// CreateFlat initializes a new flat index at path with the given
// configuration, persisting the config row before any object is stored.
func CreateFlat(path string, cfg config.Config) (*FlatIndex, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("index: invalid config: %w", err)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}
	fi := &FlatIndex{nsStore: newNsStore(db), db: db, cfg: cfg}
	if err := fi.saveConfig(cfg); err != nil {
		db.Close()
		return nil, err
	}
	return fi, nil
}

// OpenFlat opens an existing flat index and loads its persisted config.
func OpenFlat(path string) (*FlatIndex, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}
	fi := &FlatIndex{nsStore: newNsStore(db), db: db}
	cfg, err := fi.loadConfig()
	if err != nil {
		db.Close()
		return nil, err
	}
	fi.cfg = cfg
	return fi, nil
}

func (f *FlatIndex) saveConfig(cfg config.Config) error {
	kv := configToKV(cfg)
	batch := f.db.NewBatch()
	defer batch.Close()
	for k, v := range kv {
		if err := batch.Set([]byte(cfgPrefix+k), []byte(v), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (f *FlatIndex) loadConfig() (config.Config, error) {
	kv := make(map[string]string)
	for _, k := range configKeys {
		val, closer, err := f.db.Get([]byte(cfgPrefix + k))
		if err != nil {
			return config.Config{}, fmt.Errorf("%w: missing key %q", ErrCorrupt, k)
		}
		kv[k] = string(val)
		closer.Close()
	}
	return configFromKV(kv)
}

func (f *FlatIndex) Config() config.Config { return f.cfg }

func (f *FlatIndex) ObjectExists(_, name string) (bool, error) {
	return f.nsStore.ObjectExists(name)
}

func (f *FlatIndex) ChunkExists(_, key string) (bool, error) {
	return f.nsStore.ChunkExists(key)
}

func (f *FlatIndex) AddObjectChunks(_, name string, contentLength uint64, chunks []ChunkInput) error {
	return f.nsStore.AddObjectChunks(name, contentLength, chunks)
}

func (f *FlatIndex) AddObjectChunk(_, name string, contentLength uint64, chunk ChunkInput) error {
	return f.nsStore.AddObjectChunk(name, contentLength, chunk)
}

func (f *FlatIndex) GetObjectMetadata(_, name string) (ObjectMetadata, error) {
	return f.nsStore.GetObjectMetadata(name)
}

func (f *FlatIndex) DeleteObjectChunks(_, name string) ([]string, error) {
	return f.nsStore.DeleteObjectChunks(name)
}

func (f *FlatIndex) ListObjects(_ string) ([]string, error) {
	return f.nsStore.ListObjects()
}

func (f *FlatIndex) Stats(_ string) (Stats, error) {
	return f.nsStore.Stats()
}

func (f *FlatIndex) Backup(destination string) error {
	return f.db.Checkpoint(destination)
}

func (f *FlatIndex) AddContainer(string) error        { return ErrNotPoolMode }
func (f *FlatIndex) DeleteContainer(string) error      { return ErrNotPoolMode }
func (f *FlatIndex) ListContainers() ([]string, error) { return nil, ErrNotPoolMode }
func (f *FlatIndex) ImportContainerIndex(_, _ string, _ bool) error {
	return ErrNotPoolMode
}
func (f *FlatIndex) BackupContainerIndex(_, _, _ string, _ bool) error {
	return ErrNotPoolMode
}

func (f *FlatIndex) Close() error {
	return f.db.Close()
}
