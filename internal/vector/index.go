// Package vector provides the persistent approximate-nearest-neighbor index:
// an HNSW graph over integer slots plus the external id↔slot mapping with
// tombstones and a free list.
package vector

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/coder/hnsw"
	"github.com/google/renameio"
	"github.com/rs/zerolog"

	"github.com/thebtf/cortex/pkg/models"
)

// Options configure the index.
type Options struct {
	Dir            string // directory holding index.bin and mapping.json
	Dimension      int
	MaxElements    int
	M              int
	EfConstruction int // reserved; coder/hnsw sizes its layers from M/Ml
}

// InitStatus reports what Initialize found on disk.
type InitStatus struct {
	Loaded      bool `json:"loaded"`
	VectorCount int  `json:"vector_count"`
	Repaired    int  `json:"repaired"` // mapping entries trimmed at load
}

// AddResult reports where a vector landed.
type AddResult struct {
	Position int
	IsUpdate bool
}

// Index is the persistent ANN index. Search runs under a shared lock; Add,
// Remove, and Save take the exclusive lock.
type Index struct {
	opts Options
	log  zerolog.Logger

	mu        sync.RWMutex
	graph     *hnsw.Graph[int]
	idToPos   map[string]int
	posToID   map[int]string
	deleted   map[int]struct{} // tombstoned slots, reused by Add
	nextPos   int
	createdAt string
}

// New creates an unopened index; call Initialize before use.
func New(opts Options, log zerolog.Logger) *Index {
	if opts.MaxElements <= 0 {
		opts.MaxElements = 100000
	}
	return &Index{
		opts:    opts,
		log:     log.With().Str("component", "vector").Logger(),
		idToPos: make(map[string]int),
		posToID: make(map[int]string),
		deleted: make(map[int]struct{}),
	}
}

func (ix *Index) indexPath() string   { return filepath.Join(ix.opts.Dir, "index.bin") }
func (ix *Index) mappingPath() string { return filepath.Join(ix.opts.Dir, "mapping.json") }

func (ix *Index) newGraph() *hnsw.Graph[int] {
	g := hnsw.NewGraph[int]()
	g.Distance = hnsw.CosineDistance
	if ix.opts.M > 0 {
		g.M = ix.opts.M
	}
	return g
}

// Initialize loads the graph and mapping when present, otherwise starts
// empty. A mapping entry whose slot the graph does not contain is a
// repairable inconsistency from a crash between the two writes: the entry is
// dropped and its slot tombstoned.
func (ix *Index) Initialize() (InitStatus, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.graph = ix.newGraph()

	f, err := os.Open(ix.indexPath())
	if os.IsNotExist(err) {
		return InitStatus{}, nil
	}
	if err != nil {
		return InitStatus{}, models.WrapError(models.CodeIndexCorrupt, "open index file", err)
	}
	defer f.Close()

	if err := ix.graph.Import(bufio.NewReader(f)); err != nil {
		return InitStatus{}, models.WrapError(models.CodeIndexCorrupt, "import graph", err)
	}

	mf, err := loadMapping(ix.mappingPath())
	if err != nil {
		return InitStatus{}, models.WrapError(models.CodeIndexCorrupt, "load mapping", err)
	}

	status := InitStatus{Loaded: true}
	if mf == nil {
		// Graph without mapping: nothing is addressable; treat as empty.
		ix.graph = ix.newGraph()
		return InitStatus{Loaded: true, Repaired: 0}, nil
	}

	if mf.Dimension != 0 && ix.opts.Dimension != 0 && mf.Dimension != ix.opts.Dimension {
		return InitStatus{}, models.Errorf(models.CodeIndexCorrupt,
			"mapping dimension %d does not match configured %d", mf.Dimension, ix.opts.Dimension)
	}

	ix.nextPos = mf.NextPosition
	ix.createdAt = mf.CreatedAt
	for _, pos := range mf.DeletedPositions {
		ix.deleted[pos] = struct{}{}
	}
	for id, pos := range mf.IDToPosition {
		if _, ok := ix.graph.Lookup(pos); !ok {
			// Mapping ran ahead of the graph; treat the entry as removed.
			ix.deleted[pos] = struct{}{}
			status.Repaired++
			continue
		}
		ix.idToPos[id] = pos
		ix.posToID[pos] = id
	}

	if status.Repaired > 0 {
		ix.log.Warn().Int("trimmed", status.Repaired).Msg("Repaired mapping entries missing from graph")
	}

	status.VectorCount = len(ix.idToPos)
	return status, nil
}

// Add inserts or replaces the vector for id. New ids reuse a tombstoned slot
// before extending the slot space.
func (ix *Index) Add(id string, vec []float32) (AddResult, error) {
	if ix.opts.Dimension > 0 && len(vec) != ix.opts.Dimension {
		return AddResult{}, models.Errorf(models.CodeInvalidInput,
			"vector dimension %d, expected %d", len(vec), ix.opts.Dimension)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.graph == nil {
		return AddResult{}, models.NewError(models.CodeNotInitialized, "vector index not initialized")
	}

	if pos, ok := ix.idToPos[id]; ok {
		ix.graph.Delete(pos)
		ix.graph.Add(hnsw.MakeNode(pos, vec))
		return AddResult{Position: pos, IsUpdate: true}, nil
	}

	var pos int
	switch {
	case len(ix.deleted) > 0:
		pos = ix.popTombstone()
		ix.graph.Delete(pos) // drop the stale graph entry before reuse
	case ix.nextPos >= ix.opts.MaxElements:
		return AddResult{}, models.Errorf(models.CodeCapacityExceeded,
			"index full at %d elements", ix.opts.MaxElements)
	default:
		pos = ix.nextPos
		ix.nextPos++
	}

	ix.graph.Add(hnsw.MakeNode(pos, vec))
	ix.idToPos[id] = pos
	ix.posToID[pos] = id
	return AddResult{Position: pos}, nil
}

// popTombstone removes and returns the lowest tombstoned slot.
// Deterministic reuse keeps rebuild comparisons stable.
func (ix *Index) popTombstone() int {
	best := -1
	for pos := range ix.deleted {
		if best < 0 || pos < best {
			best = pos
		}
	}
	delete(ix.deleted, best)
	return best
}

// Remove unmaps id and tombstones its slot. The graph entry stays until the
// slot is reused or the index rebuilt; searches filter unmapped slots.
// Idempotent: removing an absent id returns false.
func (ix *Index) Remove(id string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	pos, ok := ix.idToPos[id]
	if !ok {
		return false
	}
	delete(ix.idToPos, id)
	delete(ix.posToID, pos)
	ix.deleted[pos] = struct{}{}
	return true
}

// Search returns up to k live ids ordered by ascending cosine distance.
// Tombstoned slots are skipped, so the internal candidate count is padded by
// the tombstone population; the returned count may still be below k. An
// optional efSearch overrides the graph's beam width for this call (which
// takes the exclusive lock, since the width is graph state).
func (ix *Index) Search(vec []float32, k int, efSearch ...int) (ids []string, distances []float32, err error) {
	if ix.opts.Dimension > 0 && len(vec) != ix.opts.Dimension {
		return nil, nil, models.Errorf(models.CodeInvalidInput,
			"vector dimension %d, expected %d", len(vec), ix.opts.Dimension)
	}
	if k <= 0 {
		return nil, nil, nil
	}

	if len(efSearch) > 0 && efSearch[0] > 0 {
		ix.mu.Lock()
		defer ix.mu.Unlock()
		if ix.graph == nil {
			return nil, nil, models.NewError(models.CodeNotInitialized, "vector index not initialized")
		}
		prev := ix.graph.EfSearch
		ix.graph.EfSearch = efSearch[0]
		defer func() { ix.graph.EfSearch = prev }()
		return ix.searchLocked(vec, k)
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.graph == nil {
		return nil, nil, models.NewError(models.CodeNotInitialized, "vector index not initialized")
	}
	return ix.searchLocked(vec, k)
}

func (ix *Index) searchLocked(vec []float32, k int) (ids []string, distances []float32, err error) {
	if ix.graph.Len() == 0 {
		return nil, nil, nil
	}

	nodes := ix.graph.Search(vec, k+len(ix.deleted))
	for _, node := range nodes {
		id, ok := ix.posToID[node.Key]
		if !ok {
			continue // tombstoned slot
		}
		ids = append(ids, id)
		distances = append(distances, hnsw.CosineDistance(vec, node.Value))
		if len(ids) >= k {
			break
		}
	}
	return ids, distances, nil
}

// Has reports whether id is live in the index.
func (ix *Index) Has(id string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.idToPos[id]
	return ok
}

// Position returns the slot for id.
func (ix *Index) Position(id string) (int, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	pos, ok := ix.idToPos[id]
	return pos, ok
}

// AllIDs returns every live id, sorted for determinism.
func (ix *Index) AllIDs() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	ids := make([]string, 0, len(ix.idToPos))
	for id := range ix.idToPos {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of live vectors.
func (ix *Index) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.idToPos)
}

// Fragmentation returns the tombstone share of the slot space. Past ~0.3 the
// repair tool should rebuild from the record store.
func (ix *Index) Fragmentation() float64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.nextPos == 0 {
		return 0
	}
	return float64(len(ix.deleted)) / float64(ix.nextPos)
}

// Reset drops all in-memory state and starts an empty graph. Used by the
// repair tool before replaying from the record store.
func (ix *Index) Reset() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.graph = ix.newGraph()
	ix.idToPos = make(map[string]int)
	ix.posToID = make(map[int]string)
	ix.deleted = make(map[int]struct{})
	ix.nextPos = 0
}

// Save persists the graph and mapping, each via write-temp-then-rename.
// The graph lands first, so a crash between the writes leaves the previous
// mapping beside the new graph: graph nodes it does not name are skipped by
// searches, and entries whose slot the graph lacks are trimmed by
// Initialize. An entry whose slot was reused since the previous save is not
// detected.
func (ix *Index) Save() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.graph == nil {
		return models.NewError(models.CodeNotInitialized, "vector index not initialized")
	}

	start := time.Now()

	t, err := renameio.TempFile(ix.opts.Dir, ix.indexPath())
	if err != nil {
		return models.WrapError(models.CodeBackend, "stage index file", err)
	}
	defer t.Cleanup()

	if err := ix.graph.Export(t); err != nil {
		return models.WrapError(models.CodeBackend, "export graph", err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return models.WrapError(models.CodeBackend, "replace index file", err)
	}

	deleted := make([]int, 0, len(ix.deleted))
	for pos := range ix.deleted {
		deleted = append(deleted, pos)
	}
	sort.Ints(deleted)

	mf := &mappingFile{
		IDToPosition:     ix.idToPos,
		PositionToID:     ix.posToID,
		DeletedPositions: deleted,
		NextPosition:     ix.nextPos,
		Dimension:        ix.opts.Dimension,
		CreatedAt:        ix.createdAt,
	}
	if err := saveMapping(ix.mappingPath(), mf); err != nil {
		return models.WrapError(models.CodeBackend, "persist mapping", err)
	}
	ix.createdAt = mf.CreatedAt

	ix.log.Debug().
		Int("vectors", len(ix.idToPos)).
		Int("tombstones", len(deleted)).
		Dur("elapsed", time.Since(start)).
		Msg("Vector index saved")
	return nil
}
