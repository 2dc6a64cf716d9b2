// Package config provides configuration management for cortex.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// Defaults for every recognized option. The Config struct enumerates the
// complete option surface; unknown settings keys are rejected in strict mode.
const (
	DefaultCacheSize      = 1000
	DefaultCacheTTLSec    = 3600
	DefaultDimension      = 384
	DefaultMaxElements    = 100000
	DefaultEfConstruction = 200
	DefaultM              = 16
	DefaultTimeoutMS      = 5000
	DefaultVectorWeight   = 0.5
	DefaultRRFK           = 60
	DefaultResultCacheSz  = 100
	DefaultResultTTLSec   = 300
)

// EmbedderConfig configures the embedding generator.
type EmbedderConfig struct {
	Model         string `json:"model"`          // model identifier (e.g. "bge-small-en-v1.5")
	ModelPath     string `json:"model_path"`     // path to the ONNX model file
	TokenizerPath string `json:"tokenizer_path"` // path to tokenizer.json
	LibraryPath   string `json:"library_path"`   // path to the onnxruntime shared library
	CacheSize     int    `json:"cache_size"`
	CacheTTLSec   int    `json:"cache_ttl"`
	Verbose       bool   `json:"verbose"`
}

// CacheTTL returns the embedding cache TTL as a duration.
func (e EmbedderConfig) CacheTTL() time.Duration {
	return time.Duration(e.CacheTTLSec) * time.Second
}

// VectorIndexConfig configures the ANN index.
type VectorIndexConfig struct {
	Dimension      int `json:"dimension"`
	MaxElements    int `json:"max_elements"`
	EfConstruction int `json:"ef_construction"`
	M              int `json:"m"`
}

// MemoryStoreConfig configures the record store.
type MemoryStoreConfig struct {
	DBPath    string `json:"db_path"` // overrides <base>/data/memories.db when set
	TimeoutMS int    `json:"timeout"` // SQLite busy timeout
}

// HybridConfig configures rank fusion and the result cache.
type HybridConfig struct {
	VectorWeight      float64 `json:"vector_weight"`
	RRFK              int     `json:"rrf_k"`
	ResultCacheSize   int     `json:"result_cache_size"`
	ResultCacheTTLSec int     `json:"result_cache_ttl"`
}

// ResultCacheTTL returns the result cache TTL as a duration.
func (h HybridConfig) ResultCacheTTL() time.Duration {
	return time.Duration(h.ResultCacheTTLSec) * time.Second
}

// Config holds the complete engine configuration.
type Config struct {
	BasePath    string            `json:"base_path"`
	Embedder    EmbedderConfig    `json:"embedder"`
	VectorIndex VectorIndexConfig `json:"vector_index"`
	MemoryStore MemoryStoreConfig `json:"memory_store"`
	Hybrid      HybridConfig      `json:"hybrid"`
}

// Default returns a Config with default values for every option.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		BasePath: filepath.Join(home, ".claude", "memory"),
		Embedder: EmbedderConfig{
			Model:       "bge-small-en-v1.5",
			CacheSize:   DefaultCacheSize,
			CacheTTLSec: DefaultCacheTTLSec,
		},
		VectorIndex: VectorIndexConfig{
			Dimension:      DefaultDimension,
			MaxElements:    DefaultMaxElements,
			EfConstruction: DefaultEfConstruction,
			M:              DefaultM,
		},
		MemoryStore: MemoryStoreConfig{
			TimeoutMS: DefaultTimeoutMS,
		},
		Hybrid: HybridConfig{
			VectorWeight:      DefaultVectorWeight,
			RRFK:              DefaultRRFK,
			ResultCacheSize:   DefaultResultCacheSz,
			ResultCacheTTLSec: DefaultResultTTLSec,
		},
	}
}

// Load reads a JSON settings file merged over Default(). In strict mode
// unknown keys are an error; otherwise they are logged and ignored.
func Load(path string, strict bool) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}

	if !strict {
		probe := json.NewDecoder(bytes.NewReader(data))
		probe.DisallowUnknownFields()
		if err := probe.Decode(Default()); err != nil {
			log.Warn().Err(err).Msg("Ignoring unrecognized settings")
		}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}

	return cfg, cfg.Validate()
}

// Validate checks option ranges and fills zero values with defaults.
func (c *Config) Validate() error {
	if c.BasePath == "" {
		return fmt.Errorf("base_path is required")
	}
	if c.Embedder.CacheSize <= 0 {
		c.Embedder.CacheSize = DefaultCacheSize
	}
	if c.Embedder.CacheTTLSec <= 0 {
		c.Embedder.CacheTTLSec = DefaultCacheTTLSec
	}
	if c.VectorIndex.Dimension <= 0 {
		return fmt.Errorf("vector_index.dimension must be positive")
	}
	if c.VectorIndex.MaxElements <= 0 {
		c.VectorIndex.MaxElements = DefaultMaxElements
	}
	if c.VectorIndex.EfConstruction <= 0 {
		c.VectorIndex.EfConstruction = DefaultEfConstruction
	}
	if c.VectorIndex.M <= 0 {
		c.VectorIndex.M = DefaultM
	}
	if c.MemoryStore.TimeoutMS <= 0 {
		c.MemoryStore.TimeoutMS = DefaultTimeoutMS
	}
	if c.Hybrid.VectorWeight < 0 || c.Hybrid.VectorWeight > 1 {
		return fmt.Errorf("hybrid.vector_weight %v outside [0,1]", c.Hybrid.VectorWeight)
	}
	if c.Hybrid.RRFK <= 0 {
		c.Hybrid.RRFK = DefaultRRFK
	}
	if c.Hybrid.ResultCacheSize <= 0 {
		c.Hybrid.ResultCacheSize = DefaultResultCacheSz
	}
	if c.Hybrid.ResultCacheTTLSec <= 0 {
		c.Hybrid.ResultCacheTTLSec = DefaultResultTTLSec
	}
	return nil
}

// DataDir returns the directory holding persistent state.
func (c *Config) DataDir() string { return filepath.Join(c.BasePath, "data") }

// DBPath returns the row store path, honoring the override.
func (c *Config) DBPath() string {
	if c.MemoryStore.DBPath != "" {
		return c.MemoryStore.DBPath
	}
	return filepath.Join(c.DataDir(), "memories.db")
}

// VectorDir returns the vector index directory.
func (c *Config) VectorDir() string { return filepath.Join(c.DataDir(), "vector") }

// BackupsDir returns the directory the repair tool writes backups into.
func (c *Config) BackupsDir() string { return filepath.Join(c.DataDir(), "backups") }

// EnsureDirs creates the persistent directory tree with owner-only access.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir(), c.VectorDir(), c.BackupsDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Base(dir), err)
		}
	}
	return nil
}
