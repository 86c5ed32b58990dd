// Package index implements the persistent mapping of configuration,
// objects, and chunk reference counts that the library façade relies on.
// Two concrete shapes share these types: a flat single-namespace store
// (FlatIndex) and a pool store multiplexing independent per-container
// namespaces (PoolIndex). Both are backed by cockroachdb/pebble.
package index

import (
	"errors"

	"github.com/saworbit/dedupe/pkg/config"
)

// Sentinel errors the façade translates into its own error Kinds.
var (
	ErrObjectNotFound    = errors.New("index: object not found")
	ErrObjectExists      = errors.New("index: object already exists")
	ErrChunkNotFound     = errors.New("index: chunk not found")
	ErrContainerNotFound = errors.New("index: container not found")
	ErrContainerExists   = errors.New("index: container already exists")
	ErrNotPoolMode       = errors.New("index: operation requires pool mode")
	ErrCorrupt           = errors.New("index: missing or invalid configuration row")
)

// ChunkInput describes one chunk edge to be recorded against an object.
type ChunkInput struct {
	Key      string
	Length   int
	Position uint64
	Ordinal  int
}

// Edge is one (ordinal, position, length, chunk_key) relation persisted
// for an object.
type Edge struct {
	Ordinal  int
	Position uint64
	Length   int
	ChunkKey string
}

// ObjectMetadata is an object's total length plus its ordered chunk edges.
type ObjectMetadata struct {
	Name          string
	ContentLength uint64
	Edges         []Edge
	// MerkleRoot is the root recorded at store time over the object's
	// ordered chunk-key sequence. Nil for objects written via the
	// streaming AddObjectChunk path.
	MerkleRoot []byte
}

// Stats summarizes one namespace (a flat index or a single container).
type Stats struct {
	ObjectCount   int
	ChunkCount    int
	LogicalBytes  uint64
	PhysicalBytes uint64
	Ratio         float64
}

// Index is the abstract store interface the façade consumes; it is
// unaware of which concrete shape backs it. Object- and chunk-level
// operations take a namespace argument that flat stores ignore and pool
// stores resolve to one container's own sub-index.
type Index interface {
	Config() config.Config

	ObjectExists(namespace, name string) (bool, error)
	ChunkExists(namespace, key string) (bool, error)

	AddObjectChunks(namespace, name string, contentLength uint64, chunks []ChunkInput) error
	AddObjectChunk(namespace, name string, contentLength uint64, chunk ChunkInput) error

	GetObjectMetadata(namespace, name string) (ObjectMetadata, error)
	DeleteObjectChunks(namespace, name string) ([]string, error)

	ListObjects(namespace string) ([]string, error)
	Stats(namespace string) (Stats, error)

	Backup(destination string) error

	AddContainer(name string) error
	DeleteContainer(name string) error
	ListContainers() ([]string, error)
	ImportContainerIndex(name, path string, incrementRefcount bool) error
	BackupContainerIndex(src, dst, newName string, incrementRefcount bool) error

	Close() error
}
