// Package config loads and validates the fhirsearch configuration.
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then FHIRSEARCH_* environment variables (highest priority).
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete fhirsearch configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" json:"server"`
	Store      StoreConfig      `yaml:"store" json:"store"`
	Chunker    ChunkerConfig    `yaml:"chunker" json:"chunker"`
	Queue      QueueConfig      `yaml:"queue" json:"queue"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	Rerank     RerankConfig     `yaml:"rerank" json:"rerank"`
	Search     SearchConfig     `yaml:"search" json:"search"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// StoreConfig configures the vector store.
type StoreConfig struct {
	// DataDir is the directory holding the chunk database, vector index,
	// sparse index, journal, and dead-letter log.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// SparseBackend selects the full-text backend: "bleve" (default) or
	// "fts5" (SQLite FTS5, shares the chunk database).
	SparseBackend string `yaml:"sparse_backend" json:"sparse_backend"`

	// PoolSize is the number of pooled store connections.
	PoolSize int `yaml:"pool_size" json:"pool_size"`

	// PoolOverflow is the number of additional connections allowed beyond
	// PoolSize under burst load.
	PoolOverflow int `yaml:"pool_overflow" json:"pool_overflow"`

	// PoolAcquireTimeout bounds the wait for a pooled connection.
	PoolAcquireTimeout time.Duration `yaml:"pool_acquire_timeout" json:"pool_acquire_timeout"`
}

// ChunkerConfig configures JSON-aware chunking.
type ChunkerConfig struct {
	MinSize int `yaml:"min_size" json:"min_size"`
	MaxSize int `yaml:"max_size" json:"max_size"`

	// Overlap is the character overlap used by the plain-text fallback
	// splitter only; the JSON-aware strategy never overlaps.
	Overlap int `yaml:"overlap" json:"overlap"`
}

// QueueConfig configures the durable ingestion queue.
type QueueConfig struct {
	Capacity int `yaml:"capacity" json:"capacity"`

	// SubmitWait bounds how long a submission may block waiting for
	// queue space before it is rejected with queue_full. Default 0
	// (reject immediately); raising it is a deployment policy.
	SubmitWait time.Duration `yaml:"submit_wait" json:"submit_wait"`

	Workers        int           `yaml:"workers" json:"workers"`
	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" json:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay" json:"retry_max_delay"`
	DrainTimeout   time.Duration `yaml:"drain_timeout" json:"drain_timeout"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// Provider selects the backend: "ollama" (default) or "static"
	// (hash-based, deterministic, no network; for tests and air-gapped runs).
	Provider string `yaml:"provider" json:"provider"`

	Model      string `yaml:"model" json:"model"`
	Dimensions int    `yaml:"dimensions" json:"dimensions"`
	OllamaHost string `yaml:"ollama_host" json:"ollama_host"`

	// Timeout bounds every provider call.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// CacheSize is the query-embedding LRU capacity.
	CacheSize int `yaml:"cache_size" json:"cache_size"`
}

// RerankConfig configures the cross-encoder rerank stage.
type RerankConfig struct {
	// Endpoint is the cross-encoder scoring service base URL.
	// Empty disables reranking (rerank requests degrade to hybrid order).
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	CacheEntries int           `yaml:"cache_entries" json:"cache_entries"`
	CacheTTL     time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// SearchConfig configures the retrieval engine.
type SearchConfig struct {
	// KRetrieve is the candidate pool size for each hybrid leg.
	KRetrieve int `yaml:"k_retrieve" json:"k_retrieve"`

	// WeightSparse and WeightDense are the hybrid fusion weights.
	WeightSparse float64 `yaml:"weight_sparse" json:"weight_sparse"`
	WeightDense  float64 `yaml:"weight_dense" json:"weight_dense"`

	// AutoDetectTypes enables keyword-based resource-type filtering for
	// dense and hybrid queries without an explicit resource_type filter.
	AutoDetectTypes bool `yaml:"auto_detect_types" json:"auto_detect_types"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`
	FilePath  string `yaml:"file_path" json:"file_path"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Store: StoreConfig{
			DataDir:            defaultDataDir(),
			SparseBackend:      "bleve",
			PoolSize:           10,
			PoolOverflow:       5,
			PoolAcquireTimeout: 30 * time.Second,
		},
		Chunker: ChunkerConfig{
			MinSize: 500,
			MaxSize: 1000,
			Overlap: 200,
		},
		Queue: QueueConfig{
			Capacity:       1000,
			Workers:        workers,
			MaxRetries:     5,
			RetryBaseDelay: 1 * time.Second,
			RetryMaxDelay:  60 * time.Second,
			DrainTimeout:   30 * time.Second,
		},
		Embeddings: EmbeddingsConfig{
			Provider:   "ollama",
			Model:      "mxbai-embed-large",
			Dimensions: 1024,
			OllamaHost: "http://localhost:11434",
			Timeout:    30 * time.Second,
			CacheSize:  1000,
		},
		Rerank: RerankConfig{
			Timeout:      30 * time.Second,
			CacheEntries: 10000,
			CacheTTL:     3600 * time.Second,
		},
		Search: SearchConfig{
			KRetrieve:       50,
			WeightSparse:    0.5,
			WeightDense:     0.5,
			AutoDetectTypes: true,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
	}
}

// Load reads configuration from the given YAML path (optional) and applies
// environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Chunker.MinSize <= 0 || c.Chunker.MaxSize <= 0 {
		return fmt.Errorf("chunker sizes must be positive (min=%d max=%d)", c.Chunker.MinSize, c.Chunker.MaxSize)
	}
	if c.Chunker.MinSize > c.Chunker.MaxSize {
		return fmt.Errorf("chunker min_size %d exceeds max_size %d", c.Chunker.MinSize, c.Chunker.MaxSize)
	}
	if c.Chunker.Overlap >= c.Chunker.MaxSize {
		return fmt.Errorf("chunker overlap %d must be smaller than max_size %d", c.Chunker.Overlap, c.Chunker.MaxSize)
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue capacity must be positive, got %d", c.Queue.Capacity)
	}
	if c.Queue.Workers < 2 {
		return fmt.Errorf("queue workers must be at least 2, got %d", c.Queue.Workers)
	}
	if c.Search.WeightSparse < 0 || c.Search.WeightDense < 0 {
		return fmt.Errorf("hybrid weights must be non-negative")
	}
	if c.Search.WeightSparse+c.Search.WeightDense == 0 {
		return fmt.Errorf("hybrid weights must not both be zero")
	}
	if c.Embeddings.Dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive, got %d", c.Embeddings.Dimensions)
	}
	return nil
}

// applyEnvOverrides applies FHIRSEARCH_* environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FHIRSEARCH_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("FHIRSEARCH_DATA_DIR"); v != "" {
		cfg.Store.DataDir = v
	}
	if v := os.Getenv("FHIRSEARCH_SPARSE_BACKEND"); v != "" {
		cfg.Store.SparseBackend = v
	}
	if v := os.Getenv("FHIRSEARCH_OLLAMA_HOST"); v != "" {
		cfg.Embeddings.OllamaHost = v
	}
	if v := os.Getenv("FHIRSEARCH_EMBED_PROVIDER"); v != "" {
		cfg.Embeddings.Provider = v
	}
	if v := os.Getenv("FHIRSEARCH_EMBED_MODEL"); v != "" {
		cfg.Embeddings.Model = v
	}
	if v := os.Getenv("FHIRSEARCH_RERANK_ENDPOINT"); v != "" {
		cfg.Rerank.Endpoint = v
	}
	if v := os.Getenv("FHIRSEARCH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v, ok := envInt("FHIRSEARCH_QUEUE_CAPACITY"); ok {
		cfg.Queue.Capacity = v
	}
	if v, ok := envInt("FHIRSEARCH_QUEUE_WORKERS"); ok {
		cfg.Queue.Workers = v
	}
	if v, ok := envInt("FHIRSEARCH_EMBED_DIMENSIONS"); ok {
		cfg.Embeddings.Dimensions = v
	}
	if v, ok := envFloat("FHIRSEARCH_WEIGHT_SPARSE"); ok {
		cfg.Search.WeightSparse = v
	}
	if v, ok := envFloat("FHIRSEARCH_WEIGHT_DENSE"); ok {
		cfg.Search.WeightDense = v
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(name string) (float64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fhirsearch"
	}
	return home + "/.fhirsearch"
}
