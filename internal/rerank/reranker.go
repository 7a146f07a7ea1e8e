package rerank

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/hcai-dev/fhirsearch/internal/config"
	"github.com/hcai-dev/fhirsearch/internal/search"
)

// Response is the outcome of a rerank request. Reranked is false when
// the provider was unavailable and the hybrid order was returned as-is.
type Response struct {
	Results  []search.Result `json:"results"`
	Reranked bool            `json:"reranked"`
}

// Stats reports reranker health.
type Stats struct {
	Cache        CacheStats `json:"cache"`
	Degradations int64      `json:"degradations"`
	Enabled      bool       `json:"enabled"`
}

// Reranker runs the two-stage retrieval: hybrid candidates first, then
// cross-encoder reordering. Provider failures never fail the request;
// the hybrid ranking is served instead and counted as a degradation.
type Reranker struct {
	engine   *search.Engine
	provider Provider
	cache    *Cache
	poolSize int
	log      *slog.Logger

	degradations atomic.Int64
}

// New wires the reranker. A nil provider disables scoring; every
// request then degrades to the hybrid order.
func New(engine *search.Engine, provider Provider, cfg config.RerankConfig, poolSize int, log *slog.Logger) *Reranker {
	if log == nil {
		log = slog.Default()
	}
	if poolSize <= 0 {
		poolSize = 50
	}
	return &Reranker{
		engine:   engine,
		provider: provider,
		cache:    NewCache(cfg.CacheEntries, cfg.CacheTTL),
		poolSize: poolSize,
		log:      log,
	}
}

// Rerank retrieves the hybrid candidate pool and reorders it by
// cross-encoder score, returning the top req.K.
func (r *Reranker) Rerank(ctx context.Context, req search.Request) (*Response, error) {
	k := req.K
	if k <= 0 {
		k = search.DefaultK
	}

	// Retrieve the full candidate pool; the final cut happens after
	// scoring.
	poolReq := req
	poolReq.K = r.poolSize
	if req.KRetrieve > 0 {
		poolReq.K = req.KRetrieve
	}
	if k > poolReq.K {
		poolReq.K = k
	}
	candidates, err := r.engine.Hybrid(ctx, poolReq)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return &Response{Results: []search.Result{}, Reranked: false}, nil
	}

	scores, ok := r.score(ctx, req.Query, candidates)
	if !ok {
		return &Response{Results: top(candidates, k), Reranked: false}, nil
	}

	reordered := make([]search.Result, len(candidates))
	copy(reordered, candidates)
	for i := range reordered {
		reordered[i].Score = scores[reordered[i].ChunkID]
	}
	sort.SliceStable(reordered, func(i, j int) bool {
		if reordered[i].Score != reordered[j].Score {
			return reordered[i].Score > reordered[j].Score
		}
		return reordered[i].ChunkID < reordered[j].ChunkID
	})
	return &Response{Results: top(reordered, k), Reranked: true}, nil
}

// score returns cross-encoder scores by chunk ID, consulting the cache
// first. ok=false means the caller should fall back to the hybrid order.
func (r *Reranker) score(ctx context.Context, query string, candidates []search.Result) (map[string]float64, bool) {
	if r.provider == nil {
		r.degradations.Add(1)
		return nil, false
	}

	ids := make([]string, len(candidates))
	docs := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ChunkID
		docs[i] = c.Content
	}

	fp := Fingerprint(query, ids)
	if cached, ok := r.cache.Get(fp); ok {
		return cached, true
	}

	raw, err := r.provider.Score(ctx, query, docs)
	if err != nil {
		r.degradations.Add(1)
		r.log.Warn("rerank provider failed, serving hybrid order",
			slog.String("error", err.Error()))
		return nil, false
	}

	scores := make(map[string]float64, len(ids))
	for i, id := range ids {
		scores[id] = raw[i]
	}
	r.cache.Put(fp, scores)
	return scores, true
}

func top(results []search.Result, k int) []search.Result {
	if len(results) > k {
		return results[:k]
	}
	return results
}

// Stats reports cache and degradation counters.
func (r *Reranker) Stats() Stats {
	return Stats{
		Cache:        r.cache.Stats(),
		Degradations: r.degradations.Load(),
		Enabled:      r.provider != nil,
	}
}

// Close releases the provider.
func (r *Reranker) Close() error {
	if r.provider == nil {
		return nil
	}
	return r.provider.Close()
}
