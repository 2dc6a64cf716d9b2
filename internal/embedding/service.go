package embedding

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/thebtf/cortex/internal/config"
	"github.com/thebtf/cortex/pkg/models"
	"github.com/thebtf/cortex/pkg/vecmath"
)

const (
	// MaxTokens is the encoder's sequence budget.
	MaxTokens = 512
	// MaxChars is the character window applied before tokenization.
	MaxChars = MaxTokens * 4
	// batchChunkSize bounds in-flight texts per inference call.
	batchChunkSize = 10

	loadRetryBase = time.Second
	loadRetryCap  = 30 * time.Second
)

// Stats is a snapshot of generator counters.
type Stats struct {
	TotalEmbeddings uint64        `json:"total_embeddings"`
	CacheHits       uint64        `json:"cache_hits"`
	CacheMisses     uint64        `json:"cache_misses"`
	Errors          uint64        `json:"errors"`
	AvgLatency      time.Duration `json:"avg_latency_ns"`
	ModelLoaded     bool          `json:"model_loaded"`
	LoadDuration    time.Duration `json:"model_load_ns"`
}

// Service wraps a sentence-embedding model with caching, truncation, and
// lazy loading. The model loads on first use; concurrent first calls collapse
// into a single load, and failed loads retry with capped exponential backoff.
type Service struct {
	cfg     config.EmbedderConfig
	dim     int
	cache   *Cache
	factory ModelFactory
	log     zerolog.Logger

	loadGroup singleflight.Group
	mu        sync.RWMutex
	model     Model
	loadDur   time.Duration
	failures  int
	nextRetry time.Time

	total     atomic.Uint64
	errors    atomic.Uint64
	latencyNs atomic.Int64
}

// NewService creates a generator. The model is not loaded until the first
// embed (or Preload). A nil factory uses the ONNX encoder from cfg.
func NewService(cfg config.EmbedderConfig, dim int, factory ModelFactory, log zerolog.Logger) *Service {
	if factory == nil {
		factory = func() (Model, error) { return NewONNXModel(cfg, dim) }
	}
	return &Service{
		cfg:     cfg,
		dim:     dim,
		cache:   NewCache(cfg.CacheSize, cfg.CacheTTL()),
		factory: factory,
		log:     log.With().Str("component", "embedding").Logger(),
	}
}

// Dimensions returns the embedding vector size.
func (s *Service) Dimensions() int { return s.dim }

// Preload loads the model eagerly. Safe to call concurrently.
func (s *Service) Preload(ctx context.Context) error {
	_, err := s.ensureModel(ctx)
	return err
}

// Loaded reports whether the model is resident.
func (s *Service) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model != nil
}

// ensureModel returns the loaded model, loading it on first use. Concurrent
// callers share one in-flight load via singleflight. While the backoff window
// after a failed load is open, callers fail fast with ModelUnavailable.
func (s *Service) ensureModel(ctx context.Context) (Model, error) {
	s.mu.RLock()
	if m := s.model; m != nil {
		s.mu.RUnlock()
		return m, nil
	}
	retryAt := s.nextRetry
	s.mu.RUnlock()

	if !retryAt.IsZero() && time.Now().Before(retryAt) {
		return nil, models.NewError(models.CodeModelUnavailable, "model load backing off after failure")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err, _ := s.loadGroup.Do("load", func() (any, error) {
		s.mu.RLock()
		if m := s.model; m != nil {
			s.mu.RUnlock()
			return m, nil
		}
		s.mu.RUnlock()

		if s.cfg.Verbose {
			fmt.Fprintf(os.Stderr, "cortex: loading embedding model %s\n", s.cfg.Model)
		}

		start := time.Now()
		m, err := s.factory()
		if err != nil {
			s.mu.Lock()
			s.failures++
			delay := loadRetryBase << (s.failures - 1)
			if delay > loadRetryCap || delay <= 0 {
				delay = loadRetryCap
			}
			s.nextRetry = time.Now().Add(delay)
			s.mu.Unlock()
			s.log.Warn().Err(err).Dur("retry_in", delay).Msg("Model load failed")
			return nil, models.WrapError(models.CodeModelUnavailable, "load embedding model", err)
		}

		dur := time.Since(start)
		s.mu.Lock()
		s.model = m
		s.loadDur = dur
		s.failures = 0
		s.nextRetry = time.Time{}
		s.mu.Unlock()

		s.log.Info().Str("model", m.Name()).Dur("load_time", dur).Msg("Embedding model loaded")
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(Model), nil
}

// Truncate bounds text to MaxChars, preferring the last whitespace boundary
// when one falls within the final 20% of the window. Deterministic and
// silent.
func Truncate(text string) string {
	if len(text) <= MaxChars {
		return text
	}
	window := text[:MaxChars]
	if idx := strings.LastIndexFunc(window, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	}); idx >= MaxChars*4/5 {
		return window[:idx]
	}
	return window
}

// Embed returns the L2-normalized embedding for text, consulting the cache
// first. Empty or whitespace-only input is InvalidInput.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, models.NewError(models.CodeInvalidInput, "cannot embed empty text")
	}

	text = Truncate(text)
	key := Fingerprint(text)
	if vec, ok := s.cache.Get(key); ok {
		return vec, nil
	}

	model, err := s.ensureModel(ctx)
	if err != nil {
		s.errors.Add(1)
		return nil, err
	}

	start := time.Now()
	vec, err := model.Embed(text)
	if err != nil {
		s.errors.Add(1)
		return nil, models.WrapError(models.CodeModelUnavailable, "embedding inference", err)
	}
	vecmath.Normalize(vec)

	s.total.Add(1)
	s.latencyNs.Add(time.Since(start).Nanoseconds())
	s.cache.Set(key, vec)
	return vec, nil
}

// EmbedBatch embeds texts in input order, running inference in bounded
// chunks. Cached entries are reused; only misses reach the model.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))
	missIdx := make([]int, 0, len(texts))
	missTexts := make([]string, 0, len(texts))

	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, models.Errorf(models.CodeInvalidInput, "cannot embed empty text at index %d", i)
		}
		t := Truncate(text)
		if vec, ok := s.cache.Get(Fingerprint(t)); ok {
			results[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}

	if len(missTexts) == 0 {
		return results, nil
	}

	model, err := s.ensureModel(ctx)
	if err != nil {
		s.errors.Add(1)
		return nil, err
	}

	for offset := 0; offset < len(missTexts); offset += batchChunkSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(offset+batchChunkSize, len(missTexts))
		chunk := missTexts[offset:end]

		start := time.Now()
		vecs, err := model.EmbedBatch(chunk)
		if err != nil {
			s.errors.Add(1)
			return nil, models.WrapError(models.CodeModelUnavailable, "batch embedding inference", err)
		}
		s.total.Add(uint64(len(chunk)))
		s.latencyNs.Add(time.Since(start).Nanoseconds())

		for j, vec := range vecs {
			vecmath.Normalize(vec)
			idx := missIdx[offset+j]
			results[idx] = vec
			s.cache.Set(Fingerprint(missTexts[offset+j]), vec)
		}
	}

	return results, nil
}

// Cache exposes the embedding cache for maintenance and tests.
func (s *Service) Cache() *Cache { return s.cache }

// Stats returns generator counters.
func (s *Service) Stats() Stats {
	hits, misses := s.cache.Counters()
	total := s.total.Load()

	var avg time.Duration
	if total > 0 {
		avg = time.Duration(s.latencyNs.Load() / int64(total))
	}

	s.mu.RLock()
	loaded := s.model != nil
	loadDur := s.loadDur
	s.mu.RUnlock()

	return Stats{
		TotalEmbeddings: total,
		CacheHits:       hits,
		CacheMisses:     misses,
		Errors:          s.errors.Load(),
		AvgLatency:      avg,
		ModelLoaded:     loaded,
		LoadDuration:    loadDur,
	}
}

// Close releases the model if loaded.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil {
		return nil
	}
	err := s.model.Close()
	s.model = nil
	return err
}
