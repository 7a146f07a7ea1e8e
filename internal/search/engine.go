package search

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/hcai-dev/fhirsearch/internal/config"
	"github.com/hcai-dev/fhirsearch/internal/embed"
	ferrors "github.com/hcai-dev/fhirsearch/internal/errors"
	"github.com/hcai-dev/fhirsearch/internal/store"
)

// DefaultK is the result count when a request does not specify one.
const DefaultK = 10

// Request is one retrieval query.
type Request struct {
	Query string `json:"query"`

	// K is the number of results to return. Zero means DefaultK.
	K int `json:"k"`

	// KRetrieve overrides the configured candidate pool size for this
	// request. Zero keeps the configured value.
	KRetrieve int `json:"k_retrieve,omitempty"`

	// Filter is an exact-match metadata filter applied to candidates.
	Filter map[string]string `json:"filter,omitempty"`

	// Weights overrides the configured hybrid fusion weights. Ignored
	// by dense and sparse queries.
	Weights *Weights `json:"weights,omitempty"`
}

// Weights are per-request hybrid fusion weights.
type Weights struct {
	Sparse float64 `json:"sparse"`
	Dense  float64 `json:"dense"`
}

// TimelineRequest asks for a patient's chunks in reverse chronological
// order.
type TimelineRequest struct {
	PatientID     string   `json:"patient_id"`
	ResourceTypes []string `json:"resource_types,omitempty"`
	Limit         int      `json:"limit"`
}

// Engine runs retrieval queries against the store.
type Engine struct {
	store    *store.Store
	embedder embed.Embedder
	cfg      config.SearchConfig
	log      *slog.Logger
}

// NewEngine wires the retrieval engine.
func NewEngine(st *store.Store, embedder embed.Embedder, cfg config.SearchConfig, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if cfg.KRetrieve <= 0 {
		cfg.KRetrieve = 50
	}
	return &Engine{store: st, embedder: embedder, cfg: cfg, log: log}
}

// Dense runs vector similarity search.
func (e *Engine) Dense(ctx context.Context, req Request) ([]Result, error) {
	if err := normalize(&req); err != nil {
		return nil, err
	}

	vector, err := e.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	hits, err := e.store.DenseSearch(ctx, vector, e.kRetrieve(req), req.Filter)
	if err != nil {
		return nil, err
	}

	results := toResults(hits)
	results = e.applyDetectedTypes(req, results)
	return truncate(results, req.K), nil
}

// Sparse runs BM25 keyword search. Type auto-detection never applies
// here; the keywords themselves already carry the signal.
func (e *Engine) Sparse(ctx context.Context, req Request) ([]Result, error) {
	if err := normalize(&req); err != nil {
		return nil, err
	}

	hits, err := e.store.SparseSearch(ctx, req.Query, e.kRetrieve(req), req.Filter)
	if err != nil {
		return nil, err
	}
	return truncate(toResults(hits), req.K), nil
}

// Hybrid runs both legs in parallel and fuses their rankings.
func (e *Engine) Hybrid(ctx context.Context, req Request) ([]Result, error) {
	if err := normalize(&req); err != nil {
		return nil, err
	}
	k := e.kRetrieve(req)

	ws, wd := e.cfg.WeightSparse, e.cfg.WeightDense
	if req.Weights != nil {
		ws, wd = req.Weights.Sparse, req.Weights.Dense
		if ws < 0 || wd < 0 || ws+wd == 0 {
			return nil, ferrors.Validation("search.hybrid", "invalid fusion weights")
		}
	}

	var (
		sparseHits []store.ScoredChunk
		denseHits  []store.ScoredChunk
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := e.store.SparseSearch(gctx, req.Query, k, req.Filter)
		if err != nil {
			return err
		}
		sparseHits = hits
		return nil
	})
	g.Go(func() error {
		vector, err := e.embedder.Embed(gctx, req.Query)
		if err != nil {
			return err
		}
		hits, err := e.store.DenseSearch(gctx, vector, k, req.Filter)
		if err != nil {
			return err
		}
		denseHits = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	results := fuse(sparseHits, denseHits, ws, wd)
	results = e.applyDetectedTypes(req, results)
	return truncate(results, req.K), nil
}

// Timeline returns a patient's chunks newest first by effective date,
// chunks without a date last.
func (e *Engine) Timeline(ctx context.Context, req TimelineRequest) ([]Result, error) {
	if req.PatientID == "" {
		return nil, ferrors.Validation("search.timeline", "missing patient_id")
	}
	if req.Limit <= 0 {
		req.Limit = DefaultK
	}

	q := store.ScanQuery{
		Equals:  map[string]string{"patient_id": req.PatientID},
		OrderBy: "effective_date",
		Limit:   req.Limit,
	}
	if len(req.ResourceTypes) > 0 {
		q.In = map[string][]string{"resource_type": req.ResourceTypes}
	}

	chunks, err := e.store.FilteredScan(ctx, q)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(chunks))
	for i, chunk := range chunks {
		results[i] = Result{
			ChunkID:  chunk.ChunkID,
			Content:  chunk.Content,
			Metadata: chunk.Metadata,
		}
	}
	return results, nil
}

// kRetrieve widens the candidate pool so post-filtering and fusion have
// headroom. The pool never shrinks below the requested k.
func (e *Engine) kRetrieve(req Request) int {
	pool := e.cfg.KRetrieve
	if req.KRetrieve > 0 {
		pool = req.KRetrieve
	}
	if req.K > pool {
		return req.K
	}
	return pool
}

// applyDetectedTypes narrows dense and hybrid results to the resource
// types implied by query keywords. An explicit resource_type filter
// always wins; detection is skipped entirely.
func (e *Engine) applyDetectedTypes(req Request, results []Result) []Result {
	if !e.cfg.AutoDetectTypes {
		return results
	}
	if _, explicit := req.Filter["resource_type"]; explicit {
		return results
	}
	detected := DetectResourceTypes(req.Query)
	if len(detected) == 0 {
		return results
	}

	allowed := make(map[string]bool, len(detected))
	for _, t := range detected {
		allowed[t] = true
	}
	filtered := results[:0]
	for _, r := range results {
		if allowed[r.Metadata.ResourceType] {
			filtered = append(filtered, r)
		}
	}
	e.log.Debug("resource types auto-detected",
		slog.String("query", req.Query),
		slog.Any("types", detected),
		slog.Int("kept", len(filtered)))
	return filtered
}

func normalize(req *Request) error {
	if req.Query == "" {
		return ferrors.Validation("search.query", "missing query")
	}
	if req.K <= 0 {
		req.K = DefaultK
	}
	return nil
}

func toResults(hits []store.ScoredChunk) []Result {
	results := make([]Result, len(hits))
	for i, h := range hits {
		results[i] = Result{
			ChunkID:  h.Chunk.ChunkID,
			Content:  h.Chunk.Content,
			Score:    h.Score,
			Metadata: h.Chunk.Metadata,
		}
	}
	return results
}

func truncate(results []Result, k int) []Result {
	if len(results) > k {
		return results[:k]
	}
	return results
}
