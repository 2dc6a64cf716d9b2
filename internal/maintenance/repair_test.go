package maintenance

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/cortex/internal/store"
	"github.com/thebtf/cortex/internal/vector"
	"github.com/thebtf/cortex/pkg/models"
)

const testDim = 4

func newFixture(t *testing.T) (*store.Store, *vector.Index, *Service) {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(store.Config{
		Path:      filepath.Join(dir, "memories.db"),
		TimeoutMS: 1000,
		Dimension: testDim,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ix := vector.New(vector.Options{Dir: dir, Dimension: testDim, MaxElements: 100}, zerolog.Nop())
	_, err = ix.Initialize()
	require.NoError(t, err)

	return st, ix, NewService(st, ix, zerolog.Nop())
}

func vec(seed float32) []float32 {
	return []float32{seed, 1, 0, 0}
}

func TestRun_AllStepsPass(t *testing.T) {
	_, _, svc := newFixture(t)

	reports := svc.Run(context.Background(), nil)
	require.Len(t, reports, len(AllSteps))
	for _, r := range reports {
		assert.True(t, r.OK, "step %s: %s", r.Step, r.Message)
	}
}

func TestRun_UnknownStep(t *testing.T) {
	_, _, svc := newFixture(t)

	reports := svc.Run(context.Background(), []string{"defragment-tapes"})
	require.Len(t, reports, 1)
	assert.False(t, reports[0].OK)
}

func TestCheckIntegrity_FlagsOrphans(t *testing.T) {
	st, ix, svc := newFixture(t)
	ctx := context.Background()

	_, err := st.Insert(ctx, &models.Draft{ID: "live", Content: "kept", Source: "user"}, vec(1))
	require.NoError(t, err)
	_, err = ix.Add("live", vec(1))
	require.NoError(t, err)

	// Index entry without a row.
	_, err = ix.Add("orphan", vec(2))
	require.NoError(t, err)

	_, err = svc.CheckIntegrity(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rebuild-mapping")
}

func TestRebuildMapping(t *testing.T) {
	st, ix, svc := newFixture(t)
	ctx := context.Background()

	_, err := st.Insert(ctx, &models.Draft{ID: "m1", Content: "first", Source: "user"}, vec(1))
	require.NoError(t, err)
	_, err = st.Insert(ctx, &models.Draft{ID: "m2", Content: "second", Source: "user"}, vec(2))
	require.NoError(t, err)
	// No embedding: must not enter the rebuilt index.
	_, err = st.Insert(ctx, &models.Draft{ID: "m3", Content: "third", Source: "user"}, nil)
	require.NoError(t, err)

	// Stale index state: an orphan plus heavy tombstoning.
	_, err = ix.Add("orphan", vec(9))
	require.NoError(t, err)
	ix.Remove("orphan")

	msg, err := svc.RebuildMapping(ctx)
	require.NoError(t, err)
	assert.Contains(t, msg, "2 vectors")

	assert.True(t, ix.Has("m1"))
	assert.True(t, ix.Has("m2"))
	assert.False(t, ix.Has("m3"))
	assert.False(t, ix.Has("orphan"))
	assert.Equal(t, 0.0, ix.Fragmentation())

	// The rebuild is persisted.
	_, err = svc.CheckIntegrity(ctx)
	assert.NoError(t, err)
}
