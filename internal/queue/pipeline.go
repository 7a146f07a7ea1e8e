package queue

import (
	"context"
	"log/slog"

	"github.com/hcai-dev/fhirsearch/internal/chunk"
	"github.com/hcai-dev/fhirsearch/internal/embed"
	ferrors "github.com/hcai-dev/fhirsearch/internal/errors"
	"github.com/hcai-dev/fhirsearch/internal/fhir"
	"github.com/hcai-dev/fhirsearch/internal/store"
)

// Processor runs the per-submission ingestion pipeline: parse, chunk,
// extract metadata, embed, upsert. Each call is all-or-nothing against
// the chunk table, so a retried item never leaves partial chunks behind.
type Processor struct {
	chunker  *chunk.Chunker
	embedder embed.Embedder
	store    *store.Store
	log      *slog.Logger
}

var _ Ingestor = (*Processor)(nil)

// NewProcessor wires the pipeline stages.
func NewProcessor(chunker *chunk.Chunker, embedder embed.Embedder, st *store.Store, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{chunker: chunker, embedder: embedder, store: st, log: log}
}

// Process ingests one submission and reports how many chunks were newly
// inserted versus overwritten. inserted == 0 with no error means the
// resource was already present in identical chunk layout.
func (p *Processor) Process(ctx context.Context, sub *fhir.Submission) (inserted, updated int, err error) {
	resource, err := sub.Resource()
	if err != nil {
		return 0, 0, err
	}

	texts := p.chunker.Split(sub.ResourceJSON, sub.Content)

	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, 0, err
	}
	if len(vectors) != len(texts) {
		return 0, 0, ferrors.Newf(ferrors.KindFatal, "queue.process",
			"embedder returned %d vectors for %d chunks", len(vectors), len(texts))
	}

	records := make([]*store.ChunkRecord, len(texts))
	for i, text := range texts {
		md := fhir.ExtractMetadata(sub, resource, i, len(texts), len(text))
		records[i] = &store.ChunkRecord{
			ChunkID:  md.ChunkID,
			Content:  text,
			Vector:   vectors[i],
			Metadata: md,
		}
	}

	inserted, updated, err = p.store.UpsertBatch(ctx, records)
	if err != nil {
		return 0, 0, err
	}

	p.log.Debug("submission ingested",
		slog.String("resource_id", sub.ResourceID),
		slog.String("resource_type", sub.ResourceType),
		slog.Int("chunks", len(records)),
		slog.Int("inserted", inserted),
		slog.Int("updated", updated))
	return inserted, updated, nil
}
