package store

import (
	"fmt"
	"path/filepath"
)

// Sparse backend names.
const (
	SparseBackendBleve = "bleve"
	SparseBackendFTS5  = "fts5"
)

// NewSparseIndex builds the configured sparse backend under dataDir.
// An empty dataDir creates an in-memory index for tests.
func NewSparseIndex(backend, dataDir string) (SparseIndex, error) {
	switch backend {
	case "", SparseBackendBleve:
		path := ""
		if dataDir != "" {
			path = filepath.Join(dataDir, "sparse.bleve")
		}
		return NewBleveSparseIndex(path)
	case SparseBackendFTS5:
		path := ""
		if dataDir != "" {
			path = filepath.Join(dataDir, "sparse.db")
		}
		return NewFTSSparseIndex(path)
	default:
		return nil, fmt.Errorf("unknown sparse backend %q", backend)
	}
}
