package config

import (
	"os"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.MinChunkSize != 1024 {
		t.Errorf("Expected default min chunk size 1024, got %d", cfg.MinChunkSize)
	}
	if cfg.MaxChunkSize != 65536 {
		t.Errorf("Expected default max chunk size 65536, got %d", cfg.MaxChunkSize)
	}
	if cfg.ShiftCount != 64 {
		t.Errorf("Expected default shift count 64, got %d", cfg.ShiftCount)
	}
	if cfg.BoundaryCheckBytes != 2 {
		t.Errorf("Expected default boundary check bytes 2, got %d", cfg.BoundaryCheckBytes)
	}
	if cfg.IndexPerObject {
		t.Error("Expected default mode to be flat (IndexPerObject = false)")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig() should validate, got error: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("DEDUPE_MIN_CHUNK_SIZE", "256")
	os.Setenv("DEDUPE_MAX_CHUNK_SIZE", "4096")
	os.Setenv("DEDUPE_SHIFT_COUNT", "32")
	os.Setenv("DEDUPE_BOUNDARY_CHECK_BYTES", "1")
	os.Setenv("DEDUPE_INDEX_PER_OBJECT", "true")
	defer func() {
		os.Unsetenv("DEDUPE_MIN_CHUNK_SIZE")
		os.Unsetenv("DEDUPE_MAX_CHUNK_SIZE")
		os.Unsetenv("DEDUPE_SHIFT_COUNT")
		os.Unsetenv("DEDUPE_BOUNDARY_CHECK_BYTES")
		os.Unsetenv("DEDUPE_INDEX_PER_OBJECT")
	}()

	cfg := LoadFromEnv()

	if cfg.MinChunkSize != 256 {
		t.Errorf("Expected min chunk size 256, got %d", cfg.MinChunkSize)
	}
	if cfg.MaxChunkSize != 4096 {
		t.Errorf("Expected max chunk size 4096, got %d", cfg.MaxChunkSize)
	}
	if cfg.ShiftCount != 32 {
		t.Errorf("Expected shift count 32, got %d", cfg.ShiftCount)
	}
	if cfg.BoundaryCheckBytes != 1 {
		t.Errorf("Expected boundary check bytes 1, got %d", cfg.BoundaryCheckBytes)
	}
	if !cfg.IndexPerObject {
		t.Error("Expected IndexPerObject to be true")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{
			name:    "valid default config",
			cfg:     DefaultConfig(),
			wantErr: false,
		},
		{
			name: "min chunk size not multiple of 64",
			cfg: func() *Config {
				c := DefaultConfig()
				c.MinChunkSize = 130
				return c
			}(),
			wantErr: true,
		},
		{
			name: "min chunk size below 128",
			cfg: func() *Config {
				c := DefaultConfig()
				c.MinChunkSize = 64
				c.MaxChunkSize = 512
				return c
			}(),
			wantErr: true,
		},
		{
			name: "max chunk size not multiple of 64",
			cfg: func() *Config {
				c := DefaultConfig()
				c.MaxChunkSize = 10000
				return c
			}(),
			wantErr: true,
		},
		{
			name: "max chunk size less than 8x min",
			cfg: func() *Config {
				c := DefaultConfig()
				c.MinChunkSize = 1024
				c.MaxChunkSize = 2048
				return c
			}(),
			wantErr: true,
		},
		{
			name: "boundary check bytes zero",
			cfg: func() *Config {
				c := DefaultConfig()
				c.BoundaryCheckBytes = 0
				return c
			}(),
			wantErr: true,
		},
		{
			name: "boundary check bytes too large",
			cfg: func() *Config {
				c := DefaultConfig()
				c.BoundaryCheckBytes = 9
				return c
			}(),
			wantErr: true,
		},
		{
			name: "shift count exceeds min chunk size",
			cfg: func() *Config {
				c := DefaultConfig()
				c.ShiftCount = c.MinChunkSize + 1
				return c
			}(),
			wantErr: true,
		},
		{
			name: "shift count zero",
			cfg: func() *Config {
				c := DefaultConfig()
				c.ShiftCount = 0
				return c
			}(),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestShiftWarning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxChunkSize = 1024 * 1024 * 1024
	cfg.MinChunkSize = 128 * 1024 * 1024
	cfg.BoundaryCheckBytes = 8
	cfg.ShiftCount = 64

	if w := cfg.ShiftWarning(); w == "" {
		t.Error("expected a warning for boundary_check_bytes=8")
	}

	cfg.BoundaryCheckBytes = 2
	if w := cfg.ShiftWarning(); w != "" {
		t.Errorf("expected no warning for boundary_check_bytes=2, got %q", w)
	}
}
