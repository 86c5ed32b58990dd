// Package config defines the index configuration record: the chunking
// parameters and namespace mode recorded once at index creation and
// read-only thereafter.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds the chunking parameters and namespace mode for an index.
// It is written once at index creation and never changes afterward.
type Config struct {
	// MinChunkSize is the minimum chunk size in bytes. Also the size of
	// the sliding window used for boundary detection.
	MinChunkSize int

	// MaxChunkSize is the hard cap on chunk size in bytes.
	MaxChunkSize int

	// ShiftCount is the number of bytes the sliding window advances per step.
	ShiftCount int

	// BoundaryCheckBytes is the number of leading zero bytes required in a
	// window hash to mark a content-defined boundary. Expected average
	// chunk size is approximately 2^(8*BoundaryCheckBytes) bytes.
	BoundaryCheckBytes int

	// IndexPerObject selects pool+container mode (true) over flat mode
	// (false).
	IndexPerObject bool
}

// DefaultConfig returns conservative chunking defaults suitable for
// general-purpose object sizes.
func DefaultConfig() *Config {
	return &Config{
		MinChunkSize:       1024,
		MaxChunkSize:       65536,
		ShiftCount:         64,
		BoundaryCheckBytes: 2,
		IndexPerObject:     false,
	}
}

// LoadFromEnv loads configuration from environment variables, falling back
// to DefaultConfig for anything unset.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("DEDUPE_MIN_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MinChunkSize = n
		}
	}
	if v := os.Getenv("DEDUPE_MAX_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxChunkSize = n
		}
	}
	if v := os.Getenv("DEDUPE_SHIFT_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ShiftCount = n
		}
	}
	if v := os.Getenv("DEDUPE_BOUNDARY_CHECK_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BoundaryCheckBytes = n
		}
	}
	if v := os.Getenv("DEDUPE_INDEX_PER_OBJECT"); v != "" {
		cfg.IndexPerObject = v == "1" || v == "true" || v == "TRUE"
	}

	return cfg
}

// Validate checks the invariants required of a Config before it can be
// used to create or open an index.
func (c *Config) Validate() error {
	if c.MinChunkSize <= 0 {
		return fmt.Errorf("min chunk size must be positive, got: %d", c.MinChunkSize)
	}
	if c.MinChunkSize%64 != 0 {
		return fmt.Errorf("min chunk size must be a multiple of 64, got: %d", c.MinChunkSize)
	}
	if c.MinChunkSize < 128 {
		return fmt.Errorf("min chunk size must be >= 128, got: %d", c.MinChunkSize)
	}
	if c.MaxChunkSize%64 != 0 {
		return fmt.Errorf("max chunk size must be a multiple of 64, got: %d", c.MaxChunkSize)
	}
	if c.MaxChunkSize < 8*c.MinChunkSize {
		return fmt.Errorf("max chunk size must be >= 8x min chunk size (min=%d max=%d)", c.MinChunkSize, c.MaxChunkSize)
	}
	if c.BoundaryCheckBytes < 1 || c.BoundaryCheckBytes > 8 {
		return fmt.Errorf("boundary check bytes must be between 1 and 8, got: %d", c.BoundaryCheckBytes)
	}
	if c.ShiftCount <= 0 || c.ShiftCount > c.MinChunkSize {
		return fmt.Errorf("shift count must be in (0, min chunk size] (shift=%d min=%d)", c.ShiftCount, c.MinChunkSize)
	}
	return nil
}

// ShiftWarning returns a non-empty diagnostic if BoundaryCheckBytes is set
// high enough that MD5's 16-byte digest makes a content-defined boundary
// astronomically unlikely within any practical max_chunk_size, meaning
// every chunk will effectively be cut by the hard cap instead. This does
// not fail Validate; it is advisory only.
func (c *Config) ShiftWarning() string {
	if c.BoundaryCheckBytes >= 8 {
		return fmt.Sprintf("boundary_check_bytes=%d implies an expected chunk size near 2^%d bytes; "+
			"chunking will be dominated by max_chunk_size rather than content-defined boundaries",
			c.BoundaryCheckBytes, 8*c.BoundaryCheckBytes)
	}
	return ""
}
