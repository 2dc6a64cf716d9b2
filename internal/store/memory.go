package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/thebtf/cortex/pkg/models"
	"github.com/thebtf/cortex/pkg/vecmath"
)

const memoryColumns = `id, version, content, summary, memory_type, intent, tags_json,
	source, source_id, session_id, project_hash,
	extraction_confidence, quality_score, usage_count, usage_success_rate,
	last_accessed, strength, decay_score, created_at, updated_at, status`

// usageEWMAAlpha is the smoothing constant for usage_success_rate.
const usageEWMAAlpha = 0.1

func nowUTC() string { return time.Now().UTC().Format(time.RFC3339) }

func orDefault(f *float64, def float64) float64 {
	if f != nil {
		return *f
	}
	return def
}

// Insert validates the draft and writes a new row with version 1. Fails with
// AlreadyExists when any row (active or soft-deleted) holds the id; reviving
// a soft-deleted id is an update, and a hard delete frees the id.
func (s *Store) Insert(ctx context.Context, d *models.Draft, embedding []float32) (*models.Memory, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if embedding != nil && s.dim > 0 && len(embedding) != s.dim {
		return nil, models.Errorf(models.CodeInvalidInput,
			"embedding dimension %d, expected %d", len(embedding), s.dim)
	}

	id := d.ID
	if id == "" {
		id = uuid.NewString()
	}

	var exists int
	if err := s.queryRowContext(ctx, "SELECT COUNT(1) FROM memories WHERE id = ?", id).Scan(&exists); err != nil {
		return nil, classify(err, "check existing id")
	}
	if exists > 0 {
		return nil, models.Errorf(models.CodeAlreadyExists, "memory %q already exists", id)
	}

	now := time.Now().UTC()
	m := &models.Memory{
		ID:                   id,
		Version:              1,
		Content:              d.Content,
		Summary:              d.Summary,
		Type:                 d.Type,
		Intent:               d.Intent,
		Tags:                 models.NormalizeTags(d.Tags),
		Source:               d.Source,
		SourceID:             d.SourceID,
		SessionID:            d.SessionID,
		ProjectHash:          d.ProjectHash,
		ExtractionConfidence: orDefault(d.ExtractionConfidence, 0.5),
		QualityScore:         orDefault(d.QualityScore, 0.5),
		UsageSuccessRate:     0.5,
		Strength:             orDefault(d.Strength, 1.0),
		DecayScore:           orDefault(d.DecayScore, 1.0),
		Embedding:            embedding,
		CreatedAt:            now,
		UpdatedAt:            now,
		Status:               models.StatusActive,
	}

	var blob any
	if embedding != nil {
		blob = vecmath.ToBytes(embedding)
	}
	tagsJSON, _ := models.JSONStringArray(m.Tags).Value()

	_, err := s.execRetry(ctx, `
		INSERT INTO memories (
			id, version, content, summary, memory_type, intent, tags_json,
			source, source_id, session_id, project_hash,
			extraction_confidence, quality_score, usage_count, usage_success_rate,
			last_accessed, strength, decay_score, embedding, created_at, updated_at, status
		) VALUES (?, 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, NULL, ?, ?, ?, ?, ?, 'active')`,
		m.ID, m.Content, m.Summary, string(m.Type), m.Intent, tagsJSON,
		m.Source, nullable(m.SourceID), nullable(m.SessionID), nullable(m.ProjectHash),
		m.ExtractionConfidence, m.QualityScore, m.UsageSuccessRate,
		m.Strength, m.DecayScore, blob,
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return nil, classify(err, "insert memory")
	}

	return m, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// scanMemory reads a row selected with memoryColumns.
func scanMemory(scan func(dest ...any) error) (*models.Memory, error) {
	var m models.Memory
	var sourceID, sessionID, projectHash, lastAccessed sql.NullString
	var memType, status, createdAt, updatedAt string

	err := scan(
		&m.ID, &m.Version, &m.Content, &m.Summary, &memType, &m.Intent, &m.Tags,
		&m.Source, &sourceID, &sessionID, &projectHash,
		&m.ExtractionConfidence, &m.QualityScore, &m.UsageCount, &m.UsageSuccessRate,
		&lastAccessed, &m.Strength, &m.DecayScore, &createdAt, &updatedAt, &status,
	)
	if err != nil {
		return nil, err
	}

	m.Type = models.MemoryType(memType)
	m.Status = models.MemoryStatus(status)
	m.SourceID = sourceID.String
	m.SessionID = sessionID.String
	m.ProjectHash = projectHash.String
	m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	m.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	if lastAccessed.Valid {
		if t, err := time.Parse(time.RFC3339, lastAccessed.String); err == nil {
			m.LastAccessed = &t
		}
	}
	return &m, nil
}

// Get returns the row for id (active or soft-deleted), or nil when absent.
// The embedding blob is only fetched when includeEmbedding is set.
func (s *Store) Get(ctx context.Context, id string, includeEmbedding bool) (*models.Memory, error) {
	row := s.queryRowContext(ctx,
		"SELECT "+memoryColumns+" FROM memories WHERE id = ?", id)

	m, err := scanMemory(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "get memory")
	}

	if includeEmbedding {
		emb, err := s.GetEmbedding(ctx, id)
		if err != nil {
			return nil, err
		}
		m.Embedding = emb
	}
	return m, nil
}

// Update merges the patch into the row, bumping version and updated_at.
// Returns false when no row exists. Blind with respect to value equality:
// patching a field to its current value still counts as a mutation.
func (s *Store) Update(ctx context.Context, id string, p *models.Patch) (bool, error) {
	if p == nil || p.Empty() {
		return false, models.NewError(models.CodeInvalidInput, "empty patch")
	}
	if p.Embedding != nil && s.dim > 0 && len(p.Embedding) != s.dim {
		return false, models.Errorf(models.CodeInvalidInput,
			"embedding dimension %d, expected %d", len(p.Embedding), s.dim)
	}
	if p.Type != nil && !p.Type.Valid() {
		return false, models.Errorf(models.CodeInvalidInput, "unknown memory type %q", *p.Type)
	}

	sets := []string{"version = version + 1", "updated_at = ?"}
	args := []any{nowUTC()}

	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if p.Content != nil {
		add("content", *p.Content)
	}
	if p.Summary != nil {
		add("summary", *p.Summary)
	}
	if p.Type != nil {
		add("memory_type", string(*p.Type))
	}
	if p.Intent != nil {
		add("intent", *p.Intent)
	}
	if p.Tags != nil {
		tagsJSON, _ := models.JSONStringArray(models.NormalizeTags(p.Tags)).Value()
		add("tags_json", tagsJSON)
	}
	if p.SourceID != nil {
		add("source_id", nullable(*p.SourceID))
	}
	if p.SessionID != nil {
		add("session_id", nullable(*p.SessionID))
	}
	if p.ProjectHash != nil {
		add("project_hash", nullable(*p.ProjectHash))
	}
	if p.QualityScore != nil {
		add("quality_score", *p.QualityScore)
	}
	if p.Strength != nil {
		add("strength", *p.Strength)
	}
	if p.DecayScore != nil {
		add("decay_score", *p.DecayScore)
	}
	if p.Status != nil {
		add("status", string(*p.Status))
	}
	if p.Embedding != nil {
		add("embedding", vecmath.ToBytes(p.Embedding))
	}

	args = append(args, id)
	res, err := s.execRetry(ctx,
		"UPDATE memories SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return false, classify(err, "update memory")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Delete soft-deletes by default (row persists with status=deleted) or
// removes the row when hard is set. The FTS entry goes away in both cases
// via the status-aware triggers.
func (s *Store) Delete(ctx context.Context, id string, hard bool) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if hard {
		res, err = s.execRetry(ctx, "DELETE FROM memories WHERE id = ?", id)
	} else {
		res, err = s.execRetry(ctx,
			"UPDATE memories SET status = 'deleted', version = version + 1, updated_at = ? WHERE id = ? AND status = 'active'",
			nowUTC(), id)
	}
	if err != nil {
		return false, classify(err, "delete memory")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetEmbedding stores the embedding blob for id.
func (s *Store) SetEmbedding(ctx context.Context, id string, vec []float32) (bool, error) {
	if s.dim > 0 && len(vec) != s.dim {
		return false, models.Errorf(models.CodeInvalidInput,
			"embedding dimension %d, expected %d", len(vec), s.dim)
	}
	res, err := s.execRetry(ctx,
		"UPDATE memories SET embedding = ?, updated_at = ? WHERE id = ?",
		vecmath.ToBytes(vec), nowUTC(), id)
	if err != nil {
		return false, classify(err, "set embedding")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetEmbedding returns the stored embedding for id, or nil when absent.
func (s *Store) GetEmbedding(ctx context.Context, id string) ([]float32, error) {
	var blob []byte
	err := s.queryRowContext(ctx, "SELECT embedding FROM memories WHERE id = ?", id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "get embedding")
	}
	if blob == nil {
		return nil, nil
	}
	vec, err := vecmath.FromBytes(blob)
	if err != nil {
		return nil, models.WrapError(models.CodeStorageCorrupt, "decode embedding blob", err)
	}
	return vec, nil
}

// RecordAccess increments usage counters and folds the outcome into the
// exponentially weighted success rate (new = 0.9*old + 0.1*outcome).
func (s *Store) RecordAccess(ctx context.Context, id string, success bool) error {
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	_, err := s.execRetry(ctx, `
		UPDATE memories SET
			usage_count = usage_count + 1,
			usage_success_rate = usage_success_rate * (1.0 - ?) + ? * ?,
			last_accessed = ?
		WHERE id = ?`,
		usageEWMAAlpha, usageEWMAAlpha, outcome, nowUTC(), id)
	if err != nil {
		return classify(err, "record access")
	}
	return nil
}

var orderColumns = map[string]string{
	"created_at":    "created_at",
	"updated_at":    "updated_at",
	"quality_score": "quality_score",
	"usage_count":   "usage_count",
	"decay_score":   "decay_score",
}

// Query returns a structured listing. The default ordering (status +
// memory_type filter, created_at DESC) rides the declared indexes.
func (s *Store) Query(ctx context.Context, opts models.QueryOptions) ([]*models.Memory, error) {
	where := []string{"1=1"}
	var args []any

	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(opts.Status))
	}
	if opts.Type != "" {
		where = append(where, "memory_type = ?")
		args = append(args, string(opts.Type))
	}
	if opts.ProjectHash != "" {
		where = append(where, "project_hash = ?")
		args = append(args, opts.ProjectHash)
	}
	if opts.Source != "" {
		where = append(where, "source = ?")
		args = append(args, opts.Source)
	}

	orderBy, ok := orderColumns[opts.OrderBy]
	if !ok {
		orderBy = "created_at"
	}
	dir := "DESC"
	if strings.EqualFold(opts.Order, "asc") {
		dir = "ASC"
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(
		"SELECT %s FROM memories WHERE %s ORDER BY %s %s LIMIT ? OFFSET ?",
		memoryColumns, strings.Join(where, " AND "), orderBy, dir)
	args = append(args, limit, opts.Offset)

	rows, err := s.queryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "query memories")
	}
	defer rows.Close()

	var out []*models.Memory
	for rows.Next() {
		m, err := scanMemory(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetByIDs hydrates rows for the given ids; missing ids are skipped.
func (s *Store) GetByIDs(ctx context.Context, ids []string) (map[string]*models.Memory, error) {
	out := make(map[string]*models.Memory, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+memoryColumns+" FROM memories WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, classify(err, "get memories by ids")
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMemory(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		out[m.ID] = m
	}
	return out, rows.Err()
}

// FTSOptions filter a full-text query.
type FTSOptions struct {
	Limit       int
	Type        models.MemoryType
	ProjectHash string
	Source      string
}

// FTSMatch is one lexical hit. Rank is the 0-based result position; Score is
// the raw bm25() value (lower is better).
type FTSMatch struct {
	ID    string
	Rank  int
	Score float64
}

// buildMatchQuery converts free text into an FTS5 MATCH expression: each
// token quoted to neutralize operator syntax, OR-joined like the scored
// keyword search this descends from.
func buildMatchQuery(query string) string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r > 127)
	})
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}

// FTS runs a BM25-ranked full-text query over active rows.
func (s *Store) FTS(ctx context.Context, query string, opts FTSOptions) ([]FTSMatch, error) {
	match := buildMatchQuery(query)
	if match == "" {
		return nil, nil
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	where := []string{"memories_fts MATCH ?", "m.status = 'active'"}
	args := []any{match}
	if opts.Type != "" {
		where = append(where, "m.memory_type = ?")
		args = append(args, string(opts.Type))
	}
	if opts.ProjectHash != "" {
		where = append(where, "m.project_hash = ?")
		args = append(args, opts.ProjectHash)
	}
	if opts.Source != "" {
		where = append(where, "m.source = ?")
		args = append(args, opts.Source)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, bm25(memories_fts) AS score
		FROM memories_fts
		JOIN memories m ON m.rowid = memories_fts.rowid
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY score
		LIMIT ?`, args...)
	if err != nil {
		return nil, classify(err, "fts query")
	}
	defer rows.Close()

	var matches []FTSMatch
	for rows.Next() {
		var m FTSMatch
		if err := rows.Scan(&m.ID, &m.Score); err != nil {
			return nil, fmt.Errorf("scan fts row: %w", err)
		}
		m.Rank = len(matches)
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// MissingEmbedding is one backfill candidate.
type MissingEmbedding struct {
	ID      string
	Content string
	Summary string
}

// MissingEmbeddings pages through active rows without an embedding, oldest
// first, for backfill.
func (s *Store) MissingEmbeddings(ctx context.Context, limit, offset int) ([]MissingEmbedding, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.queryContext(ctx, `
		SELECT id, content, summary FROM memories
		WHERE embedding IS NULL AND status = 'active'
		ORDER BY created_at
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, classify(err, "scan missing embeddings")
	}
	defer rows.Close()

	var out []MissingEmbedding
	for rows.Next() {
		var m MissingEmbedding
		if err := rows.Scan(&m.ID, &m.Content, &m.Summary); err != nil {
			return nil, fmt.Errorf("scan missing embedding row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// EmbeddedIDs returns every id with a stored embedding, active rows only.
// Used for index rebuilds.
func (s *Store) EmbeddedIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM memories WHERE embedding IS NOT NULL AND status = 'active' ORDER BY created_at")
	if err != nil {
		return nil, classify(err, "list embedded ids")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Stats returns counts by status, type, and source plus embedding coverage.
func (s *Store) Stats(ctx context.Context) (*models.Stats, error) {
	stats := &models.Stats{
		ByStatus: make(map[string]int),
		ByType:   make(map[string]int),
		BySource: make(map[string]int),
	}

	counted := func(query string, into map[string]int) error {
		rows, err := s.db.QueryContext(ctx, query)
		if err != nil {
			return classify(err, "stats query")
		}
		defer rows.Close()
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				return err
			}
			into[key] = n
		}
		return rows.Err()
	}

	if err := counted("SELECT status, COUNT(1) FROM memories GROUP BY status", stats.ByStatus); err != nil {
		return nil, err
	}
	if err := counted("SELECT memory_type, COUNT(1) FROM memories GROUP BY memory_type", stats.ByType); err != nil {
		return nil, err
	}
	if err := counted("SELECT source, COUNT(1) FROM memories GROUP BY source", stats.BySource); err != nil {
		return nil, err
	}

	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1), COUNT(embedding) FROM memories").Scan(&stats.Total, &stats.WithEmbedding)
	if err != nil {
		return nil, classify(err, "stats totals")
	}
	if stats.Total > 0 {
		stats.EmbeddingCoverage = float64(stats.WithEmbedding) / float64(stats.Total)
	}

	return stats, nil
}
