// Package maintenance provides the operational repair surface: integrity
// checks, FTS rebuild, vacuum, and vector index reconstruction. Each step is
// independently invokable.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/cortex/internal/store"
	"github.com/thebtf/cortex/internal/vector"
)

// Step names accepted by Run.
const (
	StepIntegrity      = "integrity"
	StepMigrations     = "migrations"
	StepRebuildFTS     = "rebuild-fts"
	StepVacuum         = "vacuum"
	StepRebuildMapping = "rebuild-mapping"
)

// AllSteps in their default execution order.
var AllSteps = []string{StepIntegrity, StepMigrations, StepRebuildFTS, StepVacuum, StepRebuildMapping}

// Report is the outcome of one repair step.
type Report struct {
	Step     string        `json:"step"`
	OK       bool          `json:"ok"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Service runs repair steps against an opened store and index.
type Service struct {
	store *store.Store
	index *vector.Index
	log   zerolog.Logger
}

// NewService creates the repair service.
func NewService(st *store.Store, ix *vector.Index, log zerolog.Logger) *Service {
	return &Service{
		store: st,
		index: ix,
		log:   log.With().Str("component", "maintenance").Logger(),
	}
}

// Run executes the named steps in order, continuing past failures so one bad
// step does not mask the rest of the report.
func (s *Service) Run(ctx context.Context, steps []string) []Report {
	if len(steps) == 0 {
		steps = AllSteps
	}

	reports := make([]Report, 0, len(steps))
	for _, step := range steps {
		start := time.Now()
		var (
			msg string
			err error
		)
		switch step {
		case StepIntegrity:
			msg, err = s.CheckIntegrity(ctx)
		case StepMigrations:
			err = s.store.Migrate(ctx)
		case StepRebuildFTS:
			err = s.store.RebuildFTS(ctx)
		case StepVacuum:
			err = s.store.Vacuum(ctx)
		case StepRebuildMapping:
			msg, err = s.RebuildMapping(ctx)
		default:
			err = fmt.Errorf("unknown repair step %q", step)
		}

		report := Report{Step: step, OK: err == nil, Message: msg, Duration: time.Since(start)}
		if err != nil {
			report.Message = err.Error()
		}
		reports = append(reports, report)

		evt := s.log.Info()
		if err != nil {
			evt = s.log.Error().Err(err)
		}
		evt.Str("step", step).Dur("elapsed", report.Duration).Msg("Repair step finished")
	}
	return reports
}

// CheckIntegrity verifies the row store and the index/mapping consistency.
func (s *Service) CheckIntegrity(ctx context.Context) (string, error) {
	verdict, err := s.store.IntegrityCheck(ctx)
	if err != nil {
		return "", err
	}
	if verdict != "ok" {
		return "", fmt.Errorf("sqlite integrity check failed: %s", verdict)
	}

	// Every indexed id must still have a live (active) row.
	orphans := 0
	for _, id := range s.index.AllIDs() {
		m, err := s.store.Get(ctx, id, false)
		if err != nil {
			return "", err
		}
		if m == nil || m.Status != "active" {
			orphans++
		}
	}

	msg := fmt.Sprintf("sqlite ok, %d vectors, %d orphaned index entries, fragmentation %.2f",
		s.index.Count(), orphans, s.index.Fragmentation())
	if orphans > 0 {
		return msg, fmt.Errorf("%d index entries without live rows (run rebuild-mapping)", orphans)
	}
	return msg, nil
}

// RebuildMapping reconstructs the vector index from the embeddings stored in
// the row store. The recovery path for corruption and the compaction path
// once tombstones exceed the fragmentation threshold.
func (s *Service) RebuildMapping(ctx context.Context) (string, error) {
	ids, err := s.store.EmbeddedIDs(ctx)
	if err != nil {
		return "", err
	}

	s.index.Reset()

	added := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		vec, err := s.store.GetEmbedding(ctx, id)
		if err != nil {
			return "", err
		}
		if vec == nil {
			continue
		}
		if _, err := s.index.Add(id, vec); err != nil {
			return "", fmt.Errorf("re-add %s: %w", id, err)
		}
		added++
	}

	if err := s.index.Save(); err != nil {
		return "", err
	}
	return fmt.Sprintf("rebuilt index with %d vectors", added), nil
}
