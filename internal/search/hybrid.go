package search

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/thebtf/cortex/internal/store"
	"github.com/thebtf/cortex/pkg/models"
)

const (
	// DefaultLimit is applied when the caller leaves Limit unset (negative).
	DefaultLimit = 10
	// overFetchFactor gives rank fusion room beyond the requested limit.
	overFetchFactor = 3

	slowQueryThreshold = 100 * time.Millisecond
)

// Options control a search request. A zero Limit returns an empty envelope;
// a negative Limit selects the default.
type Options struct {
	Limit        int
	Type         models.MemoryType
	ProjectHash  string
	Source       string
	VectorWeight float64 // 0 means the configured default; bm25 weight is the complement
	RRFK         int
	MinScore     float64
	Types        []models.MemoryType // additional type filter set (any-of)
}

// DefaultOptions returns Options with the default limit.
func DefaultOptions() Options { return Options{Limit: DefaultLimit} }

// QueryStats describes one executed search.
type QueryStats struct {
	Query         string        `json:"query"`
	VectorHits    int           `json:"vector_hits"`
	BM25Hits      int           `json:"bm25_hits"`
	Fused         int           `json:"fused"`
	Latency       time.Duration `json:"latency_ns"`
	FromCache     bool          `json:"from_cache"`
	VectorSkipped bool          `json:"vector_skipped"` // embedding failed; lexical-only degradation
}

// Response is the search envelope.
type Response struct {
	Results []models.SearchResult `json:"results"`
	Stats   QueryStats            `json:"stats"`
}

func (c *Coordinator) fillDefaults(opts *Options) {
	if opts.Limit < 0 {
		opts.Limit = DefaultLimit
	}
	if opts.VectorWeight <= 0 || opts.VectorWeight > 1 {
		opts.VectorWeight = c.cfg.Hybrid.VectorWeight
	}
	if opts.RRFK <= 0 {
		opts.RRFK = c.cfg.Hybrid.RRFK
	}
}

// Search runs the hybrid query: embed, probe the vector index and the
// lexical index in parallel with over-fetch, fuse ranks with weighted RRF,
// re-apply filters against hydrated rows, and cache the envelope. Identical
// in-flight queries coalesce.
func (c *Coordinator) Search(ctx context.Context, query string, opts Options) (*Response, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	c.fillDefaults(&opts)

	if strings.TrimSpace(query) == "" || opts.Limit == 0 {
		return &Response{Results: []models.SearchResult{}, Stats: QueryStats{Query: query}}, nil
	}

	key := c.cache.key("hybrid", query, opts)
	if cached, ok := c.cache.get(key); ok {
		c.metrics.recordCacheHit(ctx)
		resp := *cached
		resp.Stats.FromCache = true
		return &resp, nil
	}

	result, err, _ := c.searchGroup.Do(cacheKeyString(key), func() (any, error) {
		return c.executeHybrid(ctx, query, opts)
	})
	if err != nil {
		return nil, err
	}

	resp := result.(*Response)
	c.cache.put(key, resp)
	return resp, nil
}

func cacheKeyString(key uint64) string {
	const digits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = digits[key&0xf]
		key >>= 4
	}
	return string(buf)
}

func (c *Coordinator) executeHybrid(ctx context.Context, query string, opts Options) (*Response, error) {
	start := time.Now()
	stats := QueryStats{Query: query}

	fetch := opts.Limit * overFetchFactor

	var (
		vectorIDs []string
		bm25      []store.FTSMatch
	)

	queryVec, embErr := c.embedder.Embed(ctx, query)
	if embErr != nil {
		// Lexical-only degradation: a cold or broken model should not take
		// BM25 down with it.
		stats.VectorSkipped = true
		c.log.Warn().Err(embErr).Msg("Query embedding failed, lexical-only search")
	}

	g, gctx := errgroup.WithContext(ctx)
	if embErr == nil {
		g.Go(func() error {
			ids, _, err := c.index.Search(queryVec, fetch)
			if err != nil {
				return err
			}
			vectorIDs = ids
			return nil
		})
	}
	g.Go(func() error {
		matches, err := c.store.FTS(gctx, query, store.FTSOptions{
			Limit:       fetch,
			Type:        opts.Type,
			ProjectHash: opts.ProjectHash,
			Source:      opts.Source,
		})
		if err != nil {
			return err
		}
		bm25 = matches
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	bm25IDs := make([]string, len(bm25))
	for i, m := range bm25 {
		bm25IDs[i] = m.ID
	}
	stats.VectorHits = len(vectorIDs)
	stats.BM25Hits = len(bm25IDs)

	fused := fuseRanks(vectorIDs, bm25IDs, opts.VectorWeight, 1-opts.VectorWeight, opts.RRFK)
	stats.Fused = len(fused)

	results, err := c.hydrate(ctx, fused, opts)
	if err != nil {
		return nil, err
	}

	stats.Latency = time.Since(start)
	c.metrics.recordQuery(ctx, stats.Latency)
	if stats.Latency > slowQueryThreshold {
		c.log.Warn().Str("query", truncateForLog(query)).Dur("latency", stats.Latency).Msg("Slow search query")
	}

	return &Response{Results: results, Stats: stats}, nil
}

// hydrate fetches rows for fused candidates and re-applies the declared
// filters against them. The vector index can briefly hold entries whose row
// was mutated out of the filter set or soft-deleted; the hydrated row is
// authoritative.
func (c *Coordinator) hydrate(ctx context.Context, fused []candidate, opts Options) ([]models.SearchResult, error) {
	ids := make([]string, len(fused))
	for i, f := range fused {
		ids[i] = f.id
	}

	rows, err := c.store.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]models.SearchResult, 0, opts.Limit)
	for _, f := range fused {
		if f.score < opts.MinScore {
			continue
		}
		m, ok := rows[f.id]
		if !ok || m.Status != models.StatusActive {
			continue
		}
		if opts.Type != "" && m.Type != opts.Type {
			continue
		}
		if opts.ProjectHash != "" && m.ProjectHash != opts.ProjectHash {
			continue
		}
		if opts.Source != "" && m.Source != opts.Source {
			continue
		}
		if len(opts.Types) > 0 && !typeIn(m.Type, opts.Types) {
			continue
		}

		var sources []string
		if f.vectorRank >= 0 {
			sources = append(sources, "vector")
		}
		if f.bm25Rank >= 0 {
			sources = append(sources, "bm25")
		}
		m.Embedding = nil
		results = append(results, models.SearchResult{
			Memory:     m,
			FusedScore: f.score,
			VectorRank: f.vectorRank,
			BM25Rank:   f.bm25Rank,
			Sources:    sources,
		})
		if len(results) >= opts.Limit {
			break
		}
	}
	return results, nil
}

func typeIn(t models.MemoryType, set []models.MemoryType) bool {
	for _, s := range set {
		if t == s {
			return true
		}
	}
	return false
}

// SearchVector probes only the vector index.
func (c *Coordinator) SearchVector(ctx context.Context, query string, k int) (*Response, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" || k == 0 {
		return &Response{Results: []models.SearchResult{}, Stats: QueryStats{Query: query}}, nil
	}
	if k < 0 {
		k = DefaultLimit
	}

	start := time.Now()
	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	ids, _, err := c.index.Search(vec, k)
	if err != nil {
		return nil, err
	}

	fused := make([]candidate, len(ids))
	for i, id := range ids {
		fused[i] = candidate{id: id, score: rrf(i, c.cfg.Hybrid.RRFK), vectorRank: i, bm25Rank: -1}
	}

	results, err := c.hydrate(ctx, fused, Options{Limit: k})
	if err != nil {
		return nil, err
	}

	latency := time.Since(start)
	c.metrics.recordQuery(ctx, latency)
	return &Response{
		Results: results,
		Stats:   QueryStats{Query: query, VectorHits: len(ids), Fused: len(results), Latency: latency},
	}, nil
}

// SearchBM25 probes only the lexical index.
func (c *Coordinator) SearchBM25(ctx context.Context, query string, limit int) (*Response, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" || limit == 0 {
		return &Response{Results: []models.SearchResult{}, Stats: QueryStats{Query: query}}, nil
	}
	if limit < 0 {
		limit = DefaultLimit
	}

	start := time.Now()
	matches, err := c.store.FTS(ctx, query, store.FTSOptions{Limit: limit})
	if err != nil {
		return nil, err
	}

	fused := make([]candidate, len(matches))
	for i, m := range matches {
		fused[i] = candidate{id: m.ID, score: rrf(m.Rank, c.cfg.Hybrid.RRFK), vectorRank: -1, bm25Rank: m.Rank}
	}

	results, err := c.hydrate(ctx, fused, Options{Limit: limit})
	if err != nil {
		return nil, err
	}

	latency := time.Since(start)
	c.metrics.recordQuery(ctx, latency)
	return &Response{
		Results: results,
		Stats:   QueryStats{Query: query, BM25Hits: len(matches), Fused: len(results), Latency: latency},
	}, nil
}

func truncateForLog(s string) string {
	const max = 50
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
