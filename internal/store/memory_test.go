package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/cortex/pkg/models"
)

func TestInsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := mustInsert(t, s, &models.Draft{
		ID:      "m1",
		Content: "React hooks let components hold state",
		Summary: "hooks overview",
		Type:    models.MemTypeLearning,
		Tags:    []string{"react", " react ", "hooks"},
		Source:  "user",
	}, testVec(1))

	assert.Equal(t, 1, m.Version)
	assert.Equal(t, models.StatusActive, m.Status)

	got, err := s.Get(ctx, "m1", false)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "React hooks let components hold state", got.Content)
	assert.Equal(t, models.MemTypeLearning, got.Type)
	assert.Equal(t, models.JSONStringArray{"react", "hooks"}, got.Tags)
	assert.Equal(t, 0.5, got.ExtractionConfidence)
	assert.Equal(t, 1.0, got.Strength)
	assert.Nil(t, got.Embedding, "embedding omitted by default")
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))

	withEmb, err := s.Get(ctx, "m1", true)
	require.NoError(t, err)
	assert.Equal(t, testVec(1), withEmb.Embedding)
}

func TestInsert_GeneratesID(t *testing.T) {
	s := newTestStore(t)
	m := mustInsert(t, s, &models.Draft{Content: "x", Source: "user"}, nil)
	assert.NotEmpty(t, m.ID)
}

func TestInsert_DuplicateID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, &models.Draft{ID: "dup", Content: "x", Source: "user"}, nil)

	_, err := s.Insert(ctx, &models.Draft{ID: "dup", Content: "y", Source: "user"}, nil)
	assert.True(t, models.IsCode(err, models.CodeAlreadyExists))

	// Soft-deleted rows still hold the id.
	_, err = s.Delete(ctx, "dup", false)
	require.NoError(t, err)
	_, err = s.Insert(ctx, &models.Draft{ID: "dup", Content: "z", Source: "user"}, nil)
	assert.True(t, models.IsCode(err, models.CodeAlreadyExists))

	// A hard delete frees it.
	_, err = s.Delete(ctx, "dup", true)
	require.NoError(t, err)
	_, err = s.Insert(ctx, &models.Draft{ID: "dup", Content: "z", Source: "user"}, nil)
	assert.NoError(t, err)
}

func TestInsert_BadEmbeddingDimension(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Insert(context.Background(),
		&models.Draft{Content: "x", Source: "user"}, []float32{1, 2})
	assert.True(t, models.IsCode(err, models.CodeInvalidInput))
}

func TestUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, &models.Draft{ID: "u1", Content: "before", Source: "user"}, nil)

	content := "after"
	ok, err := s.Update(ctx, "u1", &models.Patch{Content: &content})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, "u1", false)
	require.NoError(t, err)
	assert.Equal(t, "after", got.Content)
	assert.Equal(t, 2, got.Version)

	// Blind update: same value still bumps the version.
	ok, err = s.Update(ctx, "u1", &models.Patch{Content: &content})
	require.NoError(t, err)
	assert.True(t, ok)
	got, _ = s.Get(ctx, "u1", false)
	assert.Equal(t, 3, got.Version)

	// Missing rows report false without an error.
	ok, err = s.Update(ctx, "ghost", &models.Patch{Content: &content})
	require.NoError(t, err)
	assert.False(t, ok)

	// Empty patches are caller bugs.
	_, err = s.Update(ctx, "u1", &models.Patch{})
	assert.True(t, models.IsCode(err, models.CodeInvalidInput))
}

func TestUpdate_ReviveSoftDeleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, &models.Draft{ID: "r1", Content: "body", Source: "user"}, nil)
	_, err := s.Delete(ctx, "r1", false)
	require.NoError(t, err)

	active := models.StatusActive
	ok, err := s.Update(ctx, "r1", &models.Patch{Status: &active})
	require.NoError(t, err)
	assert.True(t, ok)

	got, _ := s.Get(ctx, "r1", false)
	assert.Equal(t, models.StatusActive, got.Status)
}

func TestDelete_SoftAndHard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, &models.Draft{ID: "d1", Content: "to delete", Source: "user"}, nil)

	ok, err := s.Delete(ctx, "d1", false)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, "d1", false)
	require.NoError(t, err)
	require.NotNil(t, got, "soft-deleted rows stay readable")
	assert.Equal(t, models.StatusDeleted, got.Status)

	// Soft delete removed the FTS entry.
	matches, err := s.FTS(ctx, "delete", FTSOptions{})
	require.NoError(t, err)
	assert.Empty(t, matches)

	ok, err = s.Delete(ctx, "d1", true)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = s.Get(ctx, "d1", false)
	require.NoError(t, err)
	assert.Nil(t, got)

	ok, err = s.Delete(ctx, "d1", true)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEmbeddingGetSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, &models.Draft{ID: "e1", Content: "x", Source: "user"}, nil)

	vec, err := s.GetEmbedding(ctx, "e1")
	require.NoError(t, err)
	assert.Nil(t, vec)

	ok, err := s.SetEmbedding(ctx, "e1", testVec(3))
	require.NoError(t, err)
	assert.True(t, ok)

	vec, err = s.GetEmbedding(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, testVec(3), vec)

	_, err = s.SetEmbedding(ctx, "e1", []float32{1})
	assert.True(t, models.IsCode(err, models.CodeInvalidInput))
}

func TestRecordAccess_EWMA(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, &models.Draft{ID: "a1", Content: "x", Source: "user"}, nil)

	require.NoError(t, s.RecordAccess(ctx, "a1", true))
	got, _ := s.Get(ctx, "a1", false)
	assert.Equal(t, 1, got.UsageCount)
	assert.InDelta(t, 0.55, got.UsageSuccessRate, 1e-9) // 0.9*0.5 + 0.1*1
	require.NotNil(t, got.LastAccessed)
	assert.WithinDuration(t, time.Now(), *got.LastAccessed, 5*time.Second)

	require.NoError(t, s.RecordAccess(ctx, "a1", false))
	got, _ = s.Get(ctx, "a1", false)
	assert.Equal(t, 2, got.UsageCount)
	assert.InDelta(t, 0.495, got.UsageSuccessRate, 1e-9) // 0.9*0.55
}

func TestQuery_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, &models.Draft{ID: "q1", Content: "a", Source: "user", Type: models.MemTypeLearning, ProjectHash: "p1"}, nil)
	mustInsert(t, s, &models.Draft{ID: "q2", Content: "b", Source: "system", Type: models.MemTypePattern, ProjectHash: "p1"}, nil)
	mustInsert(t, s, &models.Draft{ID: "q3", Content: "c", Source: "user", Type: models.MemTypeLearning, ProjectHash: "p2"}, nil)
	_, err := s.Delete(ctx, "q3", false)
	require.NoError(t, err)

	rows, err := s.Query(ctx, models.QueryOptions{Status: models.StatusActive, Type: models.MemTypeLearning})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "q1", rows[0].ID)

	rows, err = s.Query(ctx, models.QueryOptions{Status: models.StatusActive, ProjectHash: "p1"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = s.Query(ctx, models.QueryOptions{Status: models.StatusDeleted})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "q3", rows[0].ID)

	rows, err = s.Query(ctx, models.QueryOptions{Source: "system"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "q2", rows[0].ID)
}

func TestQuery_OrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	low, high := 0.2, 0.9
	mustInsert(t, s, &models.Draft{ID: "o1", Content: "a", Source: "user", QualityScore: &low}, nil)
	mustInsert(t, s, &models.Draft{ID: "o2", Content: "b", Source: "user", QualityScore: &high}, nil)

	rows, err := s.Query(ctx, models.QueryOptions{OrderBy: "quality_score", Order: "desc", Limit: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "o2", rows[0].ID)

	rows, err = s.Query(ctx, models.QueryOptions{OrderBy: "quality_score", Order: "asc", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, "o1", rows[0].ID)
}

func TestFTS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, &models.Draft{ID: "f1", Content: "Python asyncio enables asynchronous programming", Source: "user"}, nil)
	mustInsert(t, s, &models.Draft{ID: "f2", Content: "React hooks hold state", Summary: "frontend state", Source: "user"}, nil)
	mustInsert(t, s, &models.Draft{ID: "f3", Content: "Rust ownership model", Source: "user", Tags: []string{"asyncio"}}, nil)

	matches, err := s.FTS(ctx, "asyncio", FTSOptions{})
	require.NoError(t, err)
	require.Len(t, matches, 2, "content and tag matches")
	assert.Equal(t, 0, matches[0].Rank)
	assert.Equal(t, 1, matches[1].Rank)

	// Summary column is searchable.
	matches, err = s.FTS(ctx, "frontend", FTSOptions{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "f2", matches[0].ID)

	// FTS operator syntax is neutralized, not parsed.
	_, err = s.FTS(ctx, `asyncio AND "unbalanced`, FTSOptions{})
	assert.NoError(t, err)

	matches, err = s.FTS(ctx, "", FTSOptions{})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFTS_UpdateKeepsIndexInSync(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, &models.Draft{ID: "s1", Content: "original wording", Source: "user"}, nil)

	content := "replacement phrasing"
	_, err := s.Update(ctx, "s1", &models.Patch{Content: &content})
	require.NoError(t, err)

	matches, err := s.FTS(ctx, "original", FTSOptions{})
	require.NoError(t, err)
	assert.Empty(t, matches)

	matches, err = s.FTS(ctx, "replacement", FTSOptions{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "s1", matches[0].ID)
}

func TestMissingEmbeddings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, &models.Draft{ID: "n1", Content: "no vector yet", Summary: "pending", Source: "user"}, nil)
	mustInsert(t, s, &models.Draft{ID: "n2", Content: "has vector", Source: "user"}, testVec(1))
	mustInsert(t, s, &models.Draft{ID: "n3", Content: "gone", Source: "user"}, nil)
	_, err := s.Delete(ctx, "n3", false)
	require.NoError(t, err)

	missing, err := s.MissingEmbeddings(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, missing, 1, "only active rows without embeddings")
	assert.Equal(t, "n1", missing[0].ID)
	assert.Equal(t, "pending", missing[0].Summary)
}

func TestGetByIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, &models.Draft{ID: "g1", Content: "a", Source: "user"}, nil)
	mustInsert(t, s, &models.Draft{ID: "g2", Content: "b", Source: "user"}, nil)

	rows, err := s.GetByIDs(ctx, []string{"g1", "g2", "ghost"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Contains(t, rows, "g1")
	assert.NotContains(t, rows, "ghost")
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, &models.Draft{ID: "t1", Content: "a", Source: "user", Type: models.MemTypeLearning}, testVec(1))
	mustInsert(t, s, &models.Draft{ID: "t2", Content: "b", Source: "system"}, nil)
	_, err := s.Delete(ctx, "t2", false)
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus["active"])
	assert.Equal(t, 1, stats.ByStatus["deleted"])
	assert.Equal(t, 1, stats.ByType["learning"])
	assert.Equal(t, 1, stats.BySource["user"])
	assert.Equal(t, 1, stats.WithEmbedding)
	assert.InDelta(t, 0.5, stats.EmbeddingCoverage, 1e-9)
}
