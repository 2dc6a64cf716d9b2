package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/cortex/pkg/models"
)

const testDim = 8

// newTestStore opens a store on a temp-dir database.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(Config{
		Path:      filepath.Join(t.TempDir(), "memories.db"),
		TimeoutMS: 1000,
		Dimension: testDim,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// testVec returns a valid embedding whose first component encodes seed.
func testVec(seed float32) []float32 {
	v := make([]float32, testDim)
	v[0] = seed
	v[1] = 1
	return v
}

// mustInsert inserts a draft and fails the test on error.
func mustInsert(t *testing.T, s *Store, d *models.Draft, emb []float32) *models.Memory {
	t.Helper()
	m, err := s.Insert(context.Background(), d, emb)
	require.NoError(t, err)
	return m
}
