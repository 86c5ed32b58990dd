package index

import (
	"fmt"
	"strconv"

	"github.com/saworbit/dedupe/pkg/config"
)

// configKeys enumerates the config record's fields in the order they are
// persisted, shared between flat and pool config rows.
var configKeys = []string{
	"min_chunk_size",
	"max_chunk_size",
	"shift_count",
	"boundary_check_bytes",
	"index_per_object",
}

func configToKV(cfg config.Config) map[string]string {
	return map[string]string{
		"min_chunk_size":       strconv.Itoa(cfg.MinChunkSize),
		"max_chunk_size":       strconv.Itoa(cfg.MaxChunkSize),
		"shift_count":          strconv.Itoa(cfg.ShiftCount),
		"boundary_check_bytes": strconv.Itoa(cfg.BoundaryCheckBytes),
		"index_per_object":     strconv.FormatBool(cfg.IndexPerObject),
	}
}

func configFromKV(kv map[string]string) (config.Config, error) {
	var cfg config.Config
	var err error

	if cfg.MinChunkSize, err = strconv.Atoi(kv["min_chunk_size"]); err != nil {
		return config.Config{}, fmt.Errorf("%w: min_chunk_size: %v", ErrCorrupt, err)
	}
	if cfg.MaxChunkSize, err = strconv.Atoi(kv["max_chunk_size"]); err != nil {
		return config.Config{}, fmt.Errorf("%w: max_chunk_size: %v", ErrCorrupt, err)
	}
	if cfg.ShiftCount, err = strconv.Atoi(kv["shift_count"]); err != nil {
		return config.Config{}, fmt.Errorf("%w: shift_count: %v", ErrCorrupt, err)
	}
	if cfg.BoundaryCheckBytes, err = strconv.Atoi(kv["boundary_check_bytes"]); err != nil {
		return config.Config{}, fmt.Errorf("%w: boundary_check_bytes: %v", ErrCorrupt, err)
	}
	if cfg.IndexPerObject, err = strconv.ParseBool(kv["index_per_object"]); err != nil {
		return config.Config{}, fmt.Errorf("%w: index_per_object: %v", ErrCorrupt, err)
	}
	return cfg, nil
}
