package vector

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/cortex/pkg/models"
	"github.com/thebtf/cortex/pkg/vecmath"
)

const testDim = 4

func newTestIndex(t *testing.T, maxElements int) *Index {
	t.Helper()
	ix := New(Options{
		Dir:         t.TempDir(),
		Dimension:   testDim,
		MaxElements: maxElements,
	}, zerolog.Nop())
	status, err := ix.Initialize()
	require.NoError(t, err)
	assert.False(t, status.Loaded)
	return ix
}

func unit(components ...float32) []float32 {
	v := make([]float32, testDim)
	copy(v, components)
	vecmath.Normalize(v)
	return v
}

func TestAddAndSearch(t *testing.T) {
	ix := newTestIndex(t, 100)

	_, err := ix.Add("a", unit(1, 0, 0, 0))
	require.NoError(t, err)
	_, err = ix.Add("b", unit(0, 1, 0, 0))
	require.NoError(t, err)
	_, err = ix.Add("c", unit(0.9, 0.1, 0, 0))
	require.NoError(t, err)

	ids, dists, err := ix.Search(unit(1, 0, 0, 0), 2)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, "a", ids[0])
	assert.Equal(t, "c", ids[1])
	assert.Less(t, dists[0], dists[1], "results ordered by ascending distance")

	assert.True(t, ix.Has("a"))
	assert.Equal(t, 3, ix.Count())
	assert.Equal(t, []string{"a", "b", "c"}, ix.AllIDs())
}

func TestAdd_SlotAssignmentAndUpdate(t *testing.T) {
	ix := newTestIndex(t, 100)

	res, err := ix.Add("a", unit(1, 0, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Position)
	assert.False(t, res.IsUpdate)

	res, err = ix.Add("b", unit(0, 1, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Position)

	// Replacing a vector keeps its slot.
	res, err = ix.Add("a", unit(0, 0, 1, 0))
	require.NoError(t, err)
	assert.True(t, res.IsUpdate)
	assert.Equal(t, 0, res.Position)

	ids, _, err := ix.Search(unit(0, 0, 1, 0), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
}

func TestAdd_DimensionMismatch(t *testing.T) {
	ix := newTestIndex(t, 100)

	_, err := ix.Add("a", []float32{1, 0})
	assert.True(t, models.IsCode(err, models.CodeInvalidInput))
	assert.Equal(t, 0, ix.Count(), "failed add leaves the index unchanged")

	_, _, err = ix.Search([]float32{1, 0}, 1)
	assert.True(t, models.IsCode(err, models.CodeInvalidInput))
}

func TestRemove_TombstonesAndReuse(t *testing.T) {
	ix := newTestIndex(t, 100)

	_, err := ix.Add("a", unit(1, 0, 0, 0))
	require.NoError(t, err)
	_, err = ix.Add("b", unit(0, 1, 0, 0))
	require.NoError(t, err)

	assert.True(t, ix.Remove("a"))
	assert.False(t, ix.Remove("a"), "remove is idempotent")
	assert.False(t, ix.Has("a"))
	assert.Equal(t, 1, ix.Count())
	assert.InDelta(t, 0.5, ix.Fragmentation(), 1e-9)

	// Tombstoned entries never surface in search results.
	ids, _, err := ix.Search(unit(1, 0, 0, 0), 5)
	require.NoError(t, err)
	assert.NotContains(t, ids, "a")

	// The freed slot is reused before the slot space grows.
	res, err := ix.Add("c", unit(0, 0, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Position)
	assert.Equal(t, 0.0, ix.Fragmentation())
}

func TestCapacity(t *testing.T) {
	ix := newTestIndex(t, 2)

	_, err := ix.Add("a", unit(1, 0, 0, 0))
	require.NoError(t, err)
	_, err = ix.Add("b", unit(0, 1, 0, 0))
	require.NoError(t, err)

	_, err = ix.Add("c", unit(0, 0, 1, 0))
	assert.True(t, models.IsCode(err, models.CodeCapacityExceeded))

	// A removal frees capacity via the tombstone list.
	ix.Remove("a")
	_, err = ix.Add("c", unit(0, 0, 1, 0))
	assert.NoError(t, err)
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()

	ix := New(Options{Dir: dir, Dimension: testDim, MaxElements: 100}, zerolog.Nop())
	_, err := ix.Initialize()
	require.NoError(t, err)

	_, err = ix.Add("a", unit(1, 0, 0, 0))
	require.NoError(t, err)
	_, err = ix.Add("b", unit(0, 1, 0, 0))
	require.NoError(t, err)
	ix.Remove("b")
	require.NoError(t, ix.Save())

	reloaded := New(Options{Dir: dir, Dimension: testDim, MaxElements: 100}, zerolog.Nop())
	status, err := reloaded.Initialize()
	require.NoError(t, err)
	assert.True(t, status.Loaded)
	assert.Equal(t, 1, status.VectorCount)

	ids, _, err := reloaded.Search(unit(1, 0, 0, 0), 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
	assert.False(t, reloaded.Has("b"), "tombstone survives reload")

	// The freed slot is still reusable after reload.
	res, err := reloaded.Add("c", unit(0, 0, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Position)
}

func TestInitialize_RepairsMappingAheadOfGraph(t *testing.T) {
	dir := t.TempDir()

	ix := New(Options{Dir: dir, Dimension: testDim, MaxElements: 100}, zerolog.Nop())
	_, err := ix.Initialize()
	require.NoError(t, err)
	_, err = ix.Add("a", unit(1, 0, 0, 0))
	require.NoError(t, err)
	require.NoError(t, ix.Save())

	// Simulate a crash that wrote the mapping ahead of the graph: splice an
	// entry for a slot the graph never saw.
	mf, err := loadMapping(filepath.Join(dir, "mapping.json"))
	require.NoError(t, err)
	mf.IDToPosition["ghost"] = 7
	mf.PositionToID[7] = "ghost"
	mf.NextPosition = 8
	require.NoError(t, saveMapping(filepath.Join(dir, "mapping.json"), mf))

	reloaded := New(Options{Dir: dir, Dimension: testDim, MaxElements: 100}, zerolog.Nop())
	status, err := reloaded.Initialize()
	require.NoError(t, err)
	assert.Equal(t, 1, status.Repaired)
	assert.Equal(t, 1, status.VectorCount)
	assert.False(t, reloaded.Has("ghost"))
	assert.True(t, reloaded.Has("a"))
}

func TestInitialize_CorruptGraph(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.bin"), []byte("not a graph"), 0o600))

	ix := New(Options{Dir: dir, Dimension: testDim, MaxElements: 100}, zerolog.Nop())
	_, err := ix.Initialize()
	require.Error(t, err)
	assert.True(t, models.IsCode(err, models.CodeIndexCorrupt))
}

func TestMappingToleratesExtraFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"idToPosition": {"a": 0},
		"positionToId": {"0": "a"},
		"deletedPositions": [],
		"nextPosition": 1,
		"dimension": 4,
		"created_at": "2025-01-01T00:00:00Z",
		"updated_at": "2025-01-01T00:00:00Z",
		"some_future_field": {"x": 1}
	}`), 0o600))

	mf, err := loadMapping(path)
	require.NoError(t, err)
	assert.Equal(t, 0, mf.IDToPosition["a"])
	assert.Equal(t, 1, mf.NextPosition)
}

func TestSearch_EmptyAndZeroK(t *testing.T) {
	ix := newTestIndex(t, 100)

	ids, _, err := ix.Search(unit(1, 0, 0, 0), 5)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = ix.Add("a", unit(1, 0, 0, 0))
	require.NoError(t, err)

	ids, _, err = ix.Search(unit(1, 0, 0, 0), 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestReset(t *testing.T) {
	ix := newTestIndex(t, 100)
	_, err := ix.Add("a", unit(1, 0, 0, 0))
	require.NoError(t, err)
	ix.Remove("a")

	ix.Reset()
	assert.Equal(t, 0, ix.Count())
	assert.Equal(t, 0.0, ix.Fragmentation())

	res, err := ix.Add("b", unit(0, 1, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Position)
}
