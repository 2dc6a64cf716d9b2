// Package search provides the hybrid search coordinator: lifecycle and
// migrations, dual writes across the row store and vector index, BM25+vector
// rank fusion, and the result cache.
package search

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/thebtf/cortex/internal/config"
	"github.com/thebtf/cortex/internal/embedding"
	"github.com/thebtf/cortex/internal/store"
	"github.com/thebtf/cortex/internal/vector"
	"github.com/thebtf/cortex/pkg/models"
)

// Embedder is the embedding generator surface the coordinator consumes.
// embedding.Service implements it; tests inject a deterministic fake.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Preload(ctx context.Context) error
	Dimensions() int
	Loaded() bool
	Stats() embedding.Stats
	Close() error
}

// InsertHook observes every successfully inserted record. Callers wire
// journal dual-writes here; hooks run after the row commit.
type InsertHook func(m *models.Memory)

// Coordinator owns the engine's subsystems and orchestrates queries and
// writes across them.
type Coordinator struct {
	cfg *config.Config
	log zerolog.Logger

	initGroup   singleflight.Group
	searchGroup singleflight.Group

	mu          sync.RWMutex
	initialized bool
	closed      bool

	embedder Embedder
	store    *store.Store
	index    *vector.Index

	cache   *resultCache
	metrics *Metrics

	pendingMu sync.Mutex
	pending   map[string]struct{} // ids whose vector add must be replayed

	insertHooks []InsertHook
}

// Option customizes coordinator construction.
type Option func(*Coordinator)

// WithEmbedder substitutes the embedding generator (tests, alternate models).
func WithEmbedder(e Embedder) Option {
	return func(c *Coordinator) { c.embedder = e }
}

// WithInsertHook registers a post-insert observer.
func WithInsertHook(h InsertHook) Option {
	return func(c *Coordinator) { c.insertHooks = append(c.insertHooks, h) }
}

// New creates an uninitialized coordinator.
func New(cfg *config.Config, log zerolog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:     cfg,
		log:     log.With().Str("component", "coordinator").Logger(),
		cache:   newResultCache(cfg.Hybrid.ResultCacheSize, cfg.Hybrid.ResultCacheTTL()),
		metrics: newMetrics(),
		pending: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ComponentStatus is the per-subsystem initialization outcome.
type ComponentStatus struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// InitResult reports initialization per component.
type InitResult struct {
	Embedder    ComponentStatus `json:"embedder"`
	MemoryStore ComponentStatus `json:"memory_store"`
	VectorIndex ComponentStatus `json:"vector_index"`
	IndexLoaded bool            `json:"index_loaded"`
	VectorCount int             `json:"vector_count"`
}

// Initialize brings up all subsystems in dependency order: directories,
// embedding generator (model stays unloaded), row store with migrations,
// vector index. Concurrent calls collapse into one initialization.
func (c *Coordinator) Initialize(ctx context.Context) (*InitResult, error) {
	result, err, _ := c.initGroup.Do("init", func() (any, error) {
		c.mu.RLock()
		done := c.initialized
		c.mu.RUnlock()
		if done {
			return &InitResult{
				Embedder:    ComponentStatus{OK: true},
				MemoryStore: ComponentStatus{OK: true},
				VectorIndex: ComponentStatus{OK: true},
				VectorCount: c.index.Count(),
			}, nil
		}
		return c.initialize(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(*InitResult), nil
}

func (c *Coordinator) initialize(_ context.Context) (*InitResult, error) {
	res := &InitResult{}

	if err := c.cfg.EnsureDirs(); err != nil {
		return nil, models.WrapError(models.CodeBackend, "create data directories", err)
	}

	if c.embedder == nil {
		c.embedder = embedding.NewService(c.cfg.Embedder, c.cfg.VectorIndex.Dimension, nil, c.log)
	}
	res.Embedder = ComponentStatus{OK: true, Message: "model loads lazily"}

	st, err := store.Open(store.Config{
		Path:      c.cfg.DBPath(),
		TimeoutMS: c.cfg.MemoryStore.TimeoutMS,
		Dimension: c.cfg.VectorIndex.Dimension,
	}, c.log)
	if err != nil {
		res.MemoryStore = ComponentStatus{Message: err.Error()}
		return res, err
	}
	res.MemoryStore = ComponentStatus{OK: true}

	ix := vector.New(vector.Options{
		Dir:            c.cfg.VectorDir(),
		Dimension:      c.cfg.VectorIndex.Dimension,
		MaxElements:    c.cfg.VectorIndex.MaxElements,
		M:              c.cfg.VectorIndex.M,
		EfConstruction: c.cfg.VectorIndex.EfConstruction,
	}, c.log)
	ixStatus, err := ix.Initialize()
	if err != nil {
		res.VectorIndex = ComponentStatus{Message: err.Error()}
		_ = st.Close()
		return res, err
	}
	res.VectorIndex = ComponentStatus{OK: true}
	res.IndexLoaded = ixStatus.Loaded
	res.VectorCount = ixStatus.VectorCount

	c.mu.Lock()
	c.store = st
	c.index = ix
	c.initialized = true
	c.closed = false
	c.mu.Unlock()

	c.log.Info().
		Bool("index_loaded", ixStatus.Loaded).
		Int("vectors", ixStatus.VectorCount).
		Int("repaired", ixStatus.Repaired).
		Msg("Coordinator initialized")
	return res, nil
}

// ready guards every operation behind initialization state.
func (c *Coordinator) ready() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.initialized || c.closed {
		return models.NewError(models.CodeNotInitialized, "coordinator not initialized")
	}
	return nil
}

// InsertOptions control embedding generation on insert.
type InsertOptions struct {
	GenerateEmbedding bool
}

// DefaultInsertOptions enables embedding generation.
func DefaultInsertOptions() InsertOptions { return InsertOptions{GenerateEmbedding: true} }

// InsertResult reports the stored id and whether an embedding was attached.
type InsertResult struct {
	ID       string `json:"id"`
	Embedded bool   `json:"embedded"`
}

// Insert embeds the draft (summary over content), writes the row, then adds
// the vector. A failed vector add after a committed row is queued for
// backfill; the row is never rolled back, and the index never holds a vector
// for a missing row.
func (c *Coordinator) Insert(ctx context.Context, draft *models.Draft, opts InsertOptions) (*InsertResult, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if err := draft.Validate(); err != nil {
		return nil, err
	}

	var emb []float32
	if opts.GenerateEmbedding {
		vec, err := c.embedder.Embed(ctx, draft.EmbedText())
		if err != nil {
			if models.IsCode(err, models.CodeInvalidInput) {
				return nil, err
			}
			// Degraded insert: the row lands without a vector and backfill
			// converges once the model is back.
			c.log.Warn().Err(err).Msg("Embedding failed on insert, storing without vector")
		} else {
			emb = vec
		}
	}

	m, err := c.store.Insert(ctx, draft, emb)
	if err != nil {
		return nil, err
	}

	if emb != nil {
		if _, err := c.index.Add(m.ID, emb); err != nil {
			c.enqueuePending(m.ID)
			c.log.Warn().Err(err).Str("id", m.ID).Msg("Vector add failed, queued for backfill")
		}
	}

	for _, hook := range c.insertHooks {
		hook(m)
	}
	c.cache.purge()

	return &InsertResult{ID: m.ID, Embedded: emb != nil}, nil
}

// Update merges the patch; content or summary changes re-embed and replace
// the vector after the row commit. The index is untouched when the row
// update does not apply.
func (c *Coordinator) Update(ctx context.Context, id string, patch *models.Patch) (bool, error) {
	if err := c.ready(); err != nil {
		return false, err
	}
	if patch == nil || patch.Empty() {
		return false, models.NewError(models.CodeInvalidInput, "empty patch")
	}

	var emb []float32
	if patch.Reembed() {
		text := ""
		if patch.Summary != nil && *patch.Summary != "" {
			text = *patch.Summary
		} else if patch.Content != nil {
			text = *patch.Content
		}
		if text != "" {
			vec, err := c.embedder.Embed(ctx, text)
			if err != nil {
				if models.IsCode(err, models.CodeInvalidInput) {
					return false, err
				}
				c.log.Warn().Err(err).Str("id", id).Msg("Re-embedding failed on update")
			} else {
				emb = vec
				patch.Embedding = vec
			}
		}
	}

	ok, err := c.store.Update(ctx, id, patch)
	if err != nil || !ok {
		return ok, err
	}

	if emb != nil {
		if _, err := c.index.Add(id, emb); err != nil {
			c.enqueuePending(id)
			c.log.Warn().Err(err).Str("id", id).Msg("Vector replace failed, queued for backfill")
		}
	}
	c.cache.purge()
	return true, nil
}

// Delete removes the row (soft by default) and tombstones the vector.
// Tombstoning is idempotent, so retrying after a crash is safe.
func (c *Coordinator) Delete(ctx context.Context, id string, hard bool) (bool, error) {
	if err := c.ready(); err != nil {
		return false, err
	}

	ok, err := c.store.Delete(ctx, id, hard)
	if err != nil {
		return false, err
	}
	c.index.Remove(id)
	c.dequeuePending(id)
	c.cache.purge()
	return ok, nil
}

// Get returns the record by id, or nil when absent.
func (c *Coordinator) Get(ctx context.Context, id string, includeEmbedding bool) (*models.Memory, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.store.Get(ctx, id, includeEmbedding)
}

// RecordAccess bumps usage counters for a retrieved record.
func (c *Coordinator) RecordAccess(ctx context.Context, id string, success bool) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.store.RecordAccess(ctx, id, success)
}

// Embed exposes the generator for callers that need raw vectors.
func (c *Coordinator) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.embedder.Embed(ctx, text)
}

// PreloadModel loads the embedding model eagerly.
func (c *Coordinator) PreloadModel(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.embedder.Preload(ctx)
}

func (c *Coordinator) enqueuePending(id string) {
	c.pendingMu.Lock()
	c.pending[id] = struct{}{}
	c.pendingMu.Unlock()
	c.metrics.PendingVectorAdd.Store(int64(c.pendingLen()))
}

func (c *Coordinator) dequeuePending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
	c.metrics.PendingVectorAdd.Store(int64(c.pendingLen()))
}

func (c *Coordinator) pendingLen() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

func (c *Coordinator) pendingIDs() []string {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	return ids
}

// BackfillOptions control the embedding backfill pass.
type BackfillOptions struct {
	BatchSize  int
	OnProgress func(processed, errors int)
}

// BackfillResult summarizes a backfill pass.
type BackfillResult struct {
	Processed int     `json:"processed"`
	Skipped   int     `json:"skipped"`
	Errors    int     `json:"errors"`
	ErrList   []error `json:"-"`
}

// BackfillEmbeddings converges the row store and vector index: it first
// replays queued vector adds from stored embeddings, then embeds rows that
// lack one, in batches, saving the index at the end. Idempotent per id;
// per-record errors accumulate instead of aborting the pass.
func (c *Coordinator) BackfillEmbeddings(ctx context.Context, opts BackfillOptions) (*BackfillResult, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 50
	}

	result := &BackfillResult{}

	// Recovery queue first: these rows already hold their embedding.
	for _, id := range c.pendingIDs() {
		vec, err := c.store.GetEmbedding(ctx, id)
		if err != nil {
			result.Errors++
			result.ErrList = append(result.ErrList, err)
			continue
		}
		if vec == nil {
			// Row vanished or lost its embedding; nothing to replay.
			c.dequeuePending(id)
			result.Skipped++
			continue
		}
		if _, err := c.index.Add(id, vec); err != nil {
			result.Errors++
			result.ErrList = append(result.ErrList, err)
			continue
		}
		c.dequeuePending(id)
		result.Processed++
	}

	// Rows still missing embeddings. Failed rows stay in the scan window, so
	// the offset advances past exactly the rows that keep erroring.
	stuck := 0
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		missing, err := c.store.MissingEmbeddings(ctx, batch, stuck)
		if err != nil {
			return result, err
		}
		if len(missing) == 0 {
			break
		}

		texts := make([]string, len(missing))
		for i, m := range missing {
			if m.Summary != "" {
				texts[i] = m.Summary
			} else {
				texts[i] = m.Content
			}
		}

		vecs, err := c.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			// Batch-level failure (model unavailable): abort, nothing converges.
			return result, err
		}

		for i, m := range missing {
			if _, err := c.store.SetEmbedding(ctx, m.ID, vecs[i]); err != nil {
				stuck++
				result.Errors++
				result.ErrList = append(result.ErrList, err)
				continue
			}
			if _, err := c.index.Add(m.ID, vecs[i]); err != nil {
				c.enqueuePending(m.ID)
				result.Errors++
				result.ErrList = append(result.ErrList, err)
				continue
			}
			result.Processed++
		}

		if opts.OnProgress != nil {
			opts.OnProgress(result.Processed, result.Errors)
		}
	}

	if err := c.index.Save(); err != nil {
		result.ErrList = append(result.ErrList, err)
		result.Errors++
	}
	c.cache.purge()
	return result, nil
}

// Save persists the vector index; row store commits are synchronous.
func (c *Coordinator) Save() error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.index.Save()
}

// Shutdown saves the index and closes every subsystem. Idempotent; further
// operations fail with NotInitialized.
func (c *Coordinator) Shutdown() error {
	c.mu.Lock()
	if c.closed || !c.initialized {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var firstErr error
	if err := c.index.Save(); err != nil {
		firstErr = err
	}
	if err := c.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.embedder.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	c.log.Info().Msg("Coordinator shut down")
	return firstErr
}

// HealthStatus is one component's health verdict.
type HealthStatus struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// Health is the aggregate health report.
type Health struct {
	Healthy     bool         `json:"healthy"`
	Embedder    HealthStatus `json:"embedder"`
	MemoryStore HealthStatus `json:"memory_store"`
	VectorIndex HealthStatus `json:"vector_index"`
}

// HealthCheck reports per-component liveness. Cheap by contract: it pings
// the store and inspects in-memory state, never running inference.
func (c *Coordinator) HealthCheck() *Health {
	h := &Health{}

	if err := c.ready(); err != nil {
		h.Embedder = HealthStatus{Message: "not initialized"}
		h.MemoryStore = HealthStatus{Message: "not initialized"}
		h.VectorIndex = HealthStatus{Message: "not initialized"}
		return h
	}

	if c.embedder.Loaded() {
		h.Embedder = HealthStatus{Healthy: true, Message: "model loaded"}
	} else {
		h.Embedder = HealthStatus{Healthy: true, Message: "model not yet loaded"}
	}

	if err := c.store.Ping(); err != nil {
		h.MemoryStore = HealthStatus{Message: err.Error()}
	} else {
		h.MemoryStore = HealthStatus{Healthy: true}
	}

	h.VectorIndex = HealthStatus{Healthy: true}
	if frag := c.index.Fragmentation(); frag > 0.3 {
		h.VectorIndex.Message = "fragmentation above rebuild threshold"
	}

	h.Healthy = h.Embedder.Healthy && h.MemoryStore.Healthy && h.VectorIndex.Healthy
	return h
}

// EngineStats aggregates statistics across subsystems.
type EngineStats struct {
	Store         *models.Stats   `json:"store"`
	Embedder      embedding.Stats `json:"embedder"`
	Search        Snapshot        `json:"search"`
	Vectors       int             `json:"vectors"`
	Fragmentation float64         `json:"fragmentation"`
}

// GetStats returns the aggregate statistics snapshot.
func (c *Coordinator) GetStats(ctx context.Context) (*EngineStats, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	storeStats, err := c.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &EngineStats{
		Store:         storeStats,
		Embedder:      c.embedder.Stats(),
		Search:        c.metrics.snapshot(),
		Vectors:       c.index.Count(),
		Fragmentation: c.index.Fragmentation(),
	}, nil
}

// Store exposes the row store to the repair surface.
func (c *Coordinator) Store() *store.Store { return c.store }

// Index exposes the vector index to the repair surface.
func (c *Coordinator) Index() *vector.Index { return c.index }
