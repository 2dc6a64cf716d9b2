package search

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/cortex/internal/config"
	"github.com/thebtf/cortex/internal/embedding"
	"github.com/thebtf/cortex/pkg/models"
	"github.com/thebtf/cortex/pkg/vecmath"
)

const testDim = 64

// fakeEmbedder is a deterministic bag-of-tokens encoder: each token bumps a
// hashed bucket, then the vector is normalized. Token overlap maps directly
// to cosine similarity, which keeps ranking assertions stable.
type fakeEmbedder struct {
	calls  atomic.Int64
	failMU atomic.Bool // when set, Embed fails with ModelUnavailable
}

func tokenVec(text string) []float32 {
	v := make([]float32, testDim)
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	})
	for _, f := range fields {
		v[xxhash.Sum64String(f)%testDim]++
	}
	vecmath.Normalize(v)
	return v
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.failMU.Load() {
		return nil, models.NewError(models.CodeModelUnavailable, "induced failure")
	}
	if strings.TrimSpace(text) == "" {
		return nil, models.NewError(models.CodeInvalidInput, "cannot embed empty text")
	}
	f.calls.Add(1)
	return tokenVec(text), nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Preload(context.Context) error { return nil }
func (f *fakeEmbedder) Dimensions() int               { return testDim }
func (f *fakeEmbedder) Loaded() bool                  { return true }
func (f *fakeEmbedder) Stats() embedding.Stats        { return embedding.Stats{ModelLoaded: true} }
func (f *fakeEmbedder) Close() error                  { return nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.BasePath = t.TempDir()
	cfg.VectorIndex.Dimension = testDim
	cfg.VectorIndex.MaxElements = 1000
	require.NoError(t, cfg.Validate())
	return cfg
}

// newTestCoordinator initializes a coordinator on temp dirs with the fake
// embedder.
func newTestCoordinator(t *testing.T, opts ...Option) (*Coordinator, *fakeEmbedder) {
	t.Helper()

	fake := &fakeEmbedder{}
	opts = append([]Option{WithEmbedder(fake)}, opts...)
	c := New(testConfig(t), zerolog.Nop(), opts...)

	_, err := c.Initialize(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown() })
	return c, fake
}

func seedScenarioRecords(t *testing.T, c *Coordinator) (a, b, cID string) {
	t.Helper()
	ctx := context.Background()

	ra, err := c.Insert(ctx, &models.Draft{
		ID:      "rec-a",
		Content: "React hooks let functional components hold state.",
		Type:    models.MemTypeLearning,
		Source:  "user",
	}, DefaultInsertOptions())
	require.NoError(t, err)

	rb, err := c.Insert(ctx, &models.Draft{
		ID:      "rec-b",
		Content: "Vue composition API is similar to React hooks.",
		Type:    models.MemTypePattern,
		Source:  "user",
	}, DefaultInsertOptions())
	require.NoError(t, err)

	rc, err := c.Insert(ctx, &models.Draft{
		ID:      "rec-c",
		Content: "Python asyncio enables asynchronous programming.",
		Type:    models.MemTypeLearning,
		Source:  "user",
	}, DefaultInsertOptions())
	require.NoError(t, err)

	return ra.ID, rb.ID, rc.ID
}
