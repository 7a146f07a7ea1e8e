package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 500, cfg.Chunker.MinSize)
	assert.Equal(t, 1000, cfg.Chunker.MaxSize)
	assert.Equal(t, 200, cfg.Chunker.Overlap)
	assert.Equal(t, 1000, cfg.Queue.Capacity)
	assert.GreaterOrEqual(t, cfg.Queue.Workers, 2)
	assert.Equal(t, 5, cfg.Queue.MaxRetries)
	assert.Equal(t, 1*time.Second, cfg.Queue.RetryBaseDelay)
	assert.Equal(t, 60*time.Second, cfg.Queue.RetryMaxDelay)
	assert.Equal(t, 30*time.Second, cfg.Queue.DrainTimeout)
	assert.Equal(t, 10, cfg.Store.PoolSize)
	assert.Equal(t, 5, cfg.Store.PoolOverflow)
	assert.Equal(t, "bleve", cfg.Store.SparseBackend)
	assert.Equal(t, 1024, cfg.Embeddings.Dimensions)
	assert.Equal(t, 10000, cfg.Rerank.CacheEntries)
	assert.Equal(t, 3600*time.Second, cfg.Rerank.CacheTTL)
	assert.Equal(t, 50, cfg.Search.KRetrieve)
	assert.Equal(t, 0.5, cfg.Search.WeightSparse)
	assert.Equal(t, 0.5, cfg.Search.WeightDense)

	require.NoError(t, cfg.Validate())
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  addr: ":9090"
chunker:
  min_size: 400
  max_size: 800
queue:
  capacity: 500
  workers: 4
search:
  weight_sparse: 0.7
  weight_dense: 0.3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 400, cfg.Chunker.MinSize)
	assert.Equal(t, 800, cfg.Chunker.MaxSize)
	assert.Equal(t, 500, cfg.Queue.Capacity)
	assert.Equal(t, 4, cfg.Queue.Workers)
	assert.Equal(t, 0.7, cfg.Search.WeightSparse)
	// Untouched sections keep their defaults.
	assert.Equal(t, 5, cfg.Queue.MaxRetries)
	assert.Equal(t, 1024, cfg.Embeddings.Dimensions)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FHIRSEARCH_ADDR", ":7070")
	t.Setenv("FHIRSEARCH_QUEUE_CAPACITY", "250")
	t.Setenv("FHIRSEARCH_WEIGHT_SPARSE", "0.8")
	t.Setenv("FHIRSEARCH_EMBED_PROVIDER", "static")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, 250, cfg.Queue.Capacity)
	assert.Equal(t, 0.8, cfg.Search.WeightSparse)
	assert.Equal(t, "static", cfg.Embeddings.Provider)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9090\"\n"), 0o644))

	t.Setenv("FHIRSEARCH_ADDR", ":7070")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults valid", func(c *Config) {}, true},
		{"min over max", func(c *Config) { c.Chunker.MinSize = 2000 }, false},
		{"zero max", func(c *Config) { c.Chunker.MaxSize = 0 }, false},
		{"overlap too large", func(c *Config) { c.Chunker.Overlap = 1000 }, false},
		{"zero capacity", func(c *Config) { c.Queue.Capacity = 0 }, false},
		{"one worker", func(c *Config) { c.Queue.Workers = 1 }, false},
		{"negative weight", func(c *Config) { c.Search.WeightSparse = -0.1 }, false},
		{"both weights zero", func(c *Config) {
			c.Search.WeightSparse = 0
			c.Search.WeightDense = 0
		}, false},
		{"zero dimensions", func(c *Config) { c.Embeddings.Dimensions = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
