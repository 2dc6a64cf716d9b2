// Package models contains domain models for cortex.
package models

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// MemoryType classifies a memory record for storage and retrieval.
type MemoryType string

const (
	MemTypeObservation MemoryType = "observation"
	MemTypeLearning    MemoryType = "learning"
	MemTypePattern     MemoryType = "pattern"
	MemTypeSkill       MemoryType = "skill"
	MemTypeDecision    MemoryType = "decision"
	MemTypeInsight     MemoryType = "insight"
	MemTypeFact        MemoryType = "fact"
)

// AllMemoryTypes lists every valid memory type.
var AllMemoryTypes = []MemoryType{
	MemTypeObservation,
	MemTypeLearning,
	MemTypePattern,
	MemTypeSkill,
	MemTypeDecision,
	MemTypeInsight,
	MemTypeFact,
}

// Valid reports whether t is a recognized memory type.
func (t MemoryType) Valid() bool {
	for _, mt := range AllMemoryTypes {
		if t == mt {
			return true
		}
	}
	return false
}

// MemoryStatus is the lifecycle status of a memory record.
type MemoryStatus string

const (
	// StatusActive means the record is live and visible to search.
	StatusActive MemoryStatus = "active"
	// StatusDeleted means the record is soft-deleted: the row persists and
	// remains readable by id, but search never returns it.
	StatusDeleted MemoryStatus = "deleted"
)

// JSONStringArray is a custom type for handling JSON string arrays in SQLite.
type JSONStringArray []string

// Scan implements sql.Scanner for JSONStringArray.
func (j *JSONStringArray) Scan(src interface{}) error {
	if src == nil {
		*j = nil
		return nil
	}

	var data []byte
	switch v := src.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("JSONStringArray: unsupported type %T", src)
	}

	if len(data) == 0 {
		*j = nil
		return nil
	}

	return json.Unmarshal(data, j)
}

// Value implements driver.Valuer for JSONStringArray.
func (j JSONStringArray) Value() (driver.Value, error) {
	if j == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(j))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Memory is one durable unit of stored content with provenance and usage
// metadata. The canonical row shape of the record store.
type Memory struct {
	ID                   string          `json:"id"`
	Version              int             `json:"version"`
	Content              string          `json:"content"`
	Summary              string          `json:"summary,omitempty"`
	Type                 MemoryType      `json:"memory_type"`
	Intent               string          `json:"intent,omitempty"`
	Tags                 JSONStringArray `json:"tags,omitempty"`
	Source               string          `json:"source"`
	SourceID             string          `json:"source_id,omitempty"`
	SessionID            string          `json:"session_id,omitempty"`
	ProjectHash          string          `json:"project_hash,omitempty"`
	ExtractionConfidence float64         `json:"extraction_confidence"`
	QualityScore         float64         `json:"quality_score"`
	UsageCount           int             `json:"usage_count"`
	UsageSuccessRate     float64         `json:"usage_success_rate"`
	LastAccessed         *time.Time      `json:"last_accessed,omitempty"`
	Strength             float64         `json:"strength"`
	DecayScore           float64         `json:"decay_score"`
	Embedding            []float32       `json:"-"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	Status               MemoryStatus    `json:"status"`
}

// EmbedText returns the text used for embedding generation: the summary when
// present, otherwise the content.
func (m *Memory) EmbedText() string {
	if strings.TrimSpace(m.Summary) != "" {
		return m.Summary
	}
	return m.Content
}

// Draft is the insert payload produced by callers and upstream adapters.
// Pointer fields distinguish "not provided" from a zero value.
type Draft struct {
	ID                   string
	Content              string
	Summary              string
	Type                 MemoryType
	Intent               string
	Tags                 []string
	Source               string
	SourceID             string
	SessionID            string
	ProjectHash          string
	ExtractionConfidence *float64
	QualityScore         *float64
	Strength             *float64
	DecayScore           *float64
}

// Validate checks the draft's required fields and value ranges.
// An empty Type defaults to observation.
func (d *Draft) Validate() error {
	if strings.TrimSpace(d.Content) == "" {
		return NewError(CodeInvalidInput, "content is required")
	}
	if strings.TrimSpace(d.Source) == "" {
		return NewError(CodeInvalidInput, "source is required")
	}
	if d.Type == "" {
		d.Type = MemTypeObservation
	}
	if !d.Type.Valid() {
		return Errorf(CodeInvalidInput, "unknown memory type %q", d.Type)
	}
	for _, f := range []*float64{d.ExtractionConfidence, d.QualityScore, d.Strength, d.DecayScore} {
		if f != nil && (*f < 0 || *f > 1) {
			return Errorf(CodeInvalidInput, "score %v outside [0,1]", *f)
		}
	}
	return nil
}

// EmbedText returns the text used for embedding generation.
func (d *Draft) EmbedText() string {
	if strings.TrimSpace(d.Summary) != "" {
		return d.Summary
	}
	return d.Content
}

// Patch carries a partial update for a memory record. Nil pointer fields are
// left untouched; a nil Tags slice means unchanged (use an empty slice to
// clear). Embedding is set by the coordinator when content or summary change.
type Patch struct {
	Content      *string
	Summary      *string
	Type         *MemoryType
	Intent       *string
	Tags         []string
	SourceID     *string
	SessionID    *string
	ProjectHash  *string
	QualityScore *float64
	Strength     *float64
	DecayScore   *float64
	Status       *MemoryStatus
	Embedding    []float32
}

// Empty reports whether the patch would change nothing.
func (p *Patch) Empty() bool {
	return p.Content == nil && p.Summary == nil && p.Type == nil &&
		p.Intent == nil && p.Tags == nil && p.SourceID == nil &&
		p.SessionID == nil && p.ProjectHash == nil && p.QualityScore == nil &&
		p.Strength == nil && p.DecayScore == nil && p.Status == nil &&
		p.Embedding == nil
}

// Reembed reports whether the patch touches embedded text.
func (p *Patch) Reembed() bool {
	return p.Content != nil || p.Summary != nil
}

// NormalizeTags trims, drops empties, and dedupes tags preserving first-seen
// order. The result is never nil so the stored form is always a JSON array.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// ParseTags accepts the two on-the-wire tag shapes adapters produce: a JSON
// array or a comma-joined string. The canonical form is the normalized array.
func ParseTags(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []string{}
	}
	if strings.HasPrefix(raw, "[") {
		var arr []string
		if err := json.Unmarshal([]byte(raw), &arr); err == nil {
			return NormalizeTags(arr)
		}
	}
	return NormalizeTags(strings.Split(raw, ","))
}

// QueryOptions is the structured listing filter for Store.Query.
type QueryOptions struct {
	Status      MemoryStatus
	Type        MemoryType
	ProjectHash string
	Source      string
	OrderBy     string // created_at | updated_at | quality_score | usage_count | decay_score
	Order       string // asc | desc
	Limit       int
	Offset      int
}

// Stats is a snapshot of record-store contents.
type Stats struct {
	Total             int            `json:"total"`
	ByStatus          map[string]int `json:"by_status"`
	ByType            map[string]int `json:"by_type"`
	BySource          map[string]int `json:"by_source"`
	WithEmbedding     int            `json:"with_embedding"`
	EmbeddingCoverage float64        `json:"embedding_coverage"`
}

// SearchResult is one hydrated hit from hybrid search, annotated with the
// contributing rankers.
type SearchResult struct {
	Memory     *Memory  `json:"memory"`
	FusedScore float64  `json:"fused_score"`
	VectorRank int      `json:"vector_rank"` // -1 when absent from the vector list
	BM25Rank   int      `json:"bm25_rank"`   // -1 when absent from the lexical list
	Sources    []string `json:"sources"`     // subset of {"bm25","vector"}
}
