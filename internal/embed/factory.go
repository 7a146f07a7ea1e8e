package embed

import (
	"github.com/hcai-dev/fhirsearch/internal/config"
	ferrors "github.com/hcai-dev/fhirsearch/internal/errors"
)

// New builds the configured embedding provider wrapped in an LRU cache.
func New(cfg config.EmbeddingsConfig) (Embedder, error) {
	var inner Embedder
	switch cfg.Provider {
	case "", "ollama":
		inner = NewOllamaEmbedder(OllamaConfig{
			Host:       cfg.OllamaHost,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			Timeout:    cfg.Timeout,
		})
	case "static":
		inner = NewStaticEmbedder(cfg.Dimensions)
	default:
		return nil, ferrors.Newf(ferrors.KindValidation, "embed.new",
			"unknown embedding provider %q", cfg.Provider)
	}
	return NewCachedEmbedder(inner, cfg.CacheSize), nil
}
