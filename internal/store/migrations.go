package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/thebtf/cortex/pkg/models"
)

// Migration is one schema change. SQL migrations run as a single script;
// Handler is the imperative alternative for changes that need per-statement
// control. Exactly one of SQL or Handler is set.
type Migration struct {
	Version     int
	Name        string
	Description string
	SQL         string
	Handler     func(ctx context.Context, tx *sql.Tx) error
}

// Migrations is the ordered list of all schema migrations.
var Migrations = []Migration{
	{
		Version:     1,
		Name:        "memories_table",
		Description: "memory rows with provenance, usage and scoring columns",
		SQL: `
			CREATE TABLE IF NOT EXISTS memories (
				id TEXT PRIMARY KEY,
				version INTEGER NOT NULL DEFAULT 1,
				content TEXT NOT NULL,
				summary TEXT NOT NULL DEFAULT '',
				memory_type TEXT NOT NULL DEFAULT 'observation'
					CHECK(memory_type IN ('observation','learning','pattern','skill','decision','insight','fact')),
				intent TEXT NOT NULL DEFAULT '',
				tags_json TEXT NOT NULL DEFAULT '[]',
				source TEXT NOT NULL,
				source_id TEXT,
				session_id TEXT,
				project_hash TEXT,
				extraction_confidence REAL NOT NULL DEFAULT 0.5,
				quality_score REAL NOT NULL DEFAULT 0.5,
				usage_count INTEGER NOT NULL DEFAULT 0,
				usage_success_rate REAL NOT NULL DEFAULT 0.5,
				last_accessed TEXT,
				strength REAL NOT NULL DEFAULT 1.0,
				decay_score REAL NOT NULL DEFAULT 1.0,
				embedding BLOB,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active','deleted'))
			);

			CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(memory_type);
			CREATE INDEX IF NOT EXISTS idx_memories_project ON memories(project_hash);
			CREATE INDEX IF NOT EXISTS idx_memories_source ON memories(source);
			CREATE INDEX IF NOT EXISTS idx_memories_status ON memories(status);
			CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at DESC);
			CREATE INDEX IF NOT EXISTS idx_memories_updated ON memories(updated_at DESC);
		`,
	},
	{
		Version:     2,
		Name:        "memories_fts",
		Description: "FTS5 index over content, summary and tags with sync triggers",
		Handler:     createFTS,
	},
	{
		Version:     3,
		Name:        "memories_composite_indexes",
		Description: "composite and partial indexes for ranked listings and backfill",
		SQL: `
			CREATE INDEX IF NOT EXISTS idx_memories_quality
				ON memories(status, quality_score DESC, usage_count DESC);
			CREATE INDEX IF NOT EXISTS idx_memories_decay
				ON memories(status, decay_score DESC, created_at DESC);
			CREATE INDEX IF NOT EXISTS idx_memories_missing_embedding
				ON memories(created_at) WHERE embedding IS NULL;
		`,
	},
}

// ftsStatements are run one at a time: trigger bodies contain semicolons, so
// the script form cannot be split safely.
var ftsStatements = []string{
	`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
		content, summary, tags_json,
		content='memories',
		content_rowid='rowid'
	)`,
	`CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories
	WHEN new.status = 'active' BEGIN
		INSERT INTO memories_fts(rowid, content, summary, tags_json)
		VALUES (new.rowid, new.content, new.summary, new.tags_json);
	END`,
	`CREATE TRIGGER IF NOT EXISTS memories_au_del AFTER UPDATE ON memories
	WHEN old.status = 'active' BEGIN
		INSERT INTO memories_fts(memories_fts, rowid, content, summary, tags_json)
		VALUES ('delete', old.rowid, old.content, old.summary, old.tags_json);
	END`,
	`CREATE TRIGGER IF NOT EXISTS memories_au_ins AFTER UPDATE ON memories
	WHEN new.status = 'active' BEGIN
		INSERT INTO memories_fts(rowid, content, summary, tags_json)
		VALUES (new.rowid, new.content, new.summary, new.tags_json);
	END`,
	`CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories
	WHEN old.status = 'active' BEGIN
		INSERT INTO memories_fts(memories_fts, rowid, content, summary, tags_json)
		VALUES ('delete', old.rowid, old.content, old.summary, old.tags_json);
	END`,
}

func createFTS(ctx context.Context, tx *sql.Tx) error {
	for _, stmt := range ftsStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil && !isIdempotentDDLError(err) {
			return err
		}
	}
	return nil
}

// isIdempotentDDLError reports whether err is a tolerable "already exists"
// class failure from re-running idempotent DDL.
func isIdempotentDDLError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate column")
}

// MigrationRecord is one ledger row.
type MigrationRecord struct {
	Version     int
	Name        string
	AppliedAt   time.Time
	Description string
	DurationMS  int64
}

// Migrate applies every migration whose version is greater than the current
// ledger maximum, in order, each inside its own transaction. The runner stops
// at the first failure; no higher version is recorded.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TEXT NOT NULL,
			description TEXT,
			duration_ms INTEGER
		)
	`); err != nil {
		return models.WrapError(models.CodeMigrationFailed, "ensure migration ledger", err)
	}

	current, err := s.currentVersion(ctx)
	if err != nil {
		return err
	}

	applied := 0
	for _, m := range Migrations {
		if m.Version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return models.WrapError(models.CodeMigrationFailed,
				fmt.Sprintf("migration %d (%s)", m.Version, m.Name), err)
		}
		applied++
	}

	if applied > 0 {
		s.log.Info().Int("applied", applied).Msg("Schema migrations applied")
	}
	return nil
}

func (s *Store) currentVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, models.WrapError(models.CodeMigrationFailed, "read migration ledger", err)
	}
	return int(version.Int64), nil
}

func (s *Store) applyMigration(ctx context.Context, m Migration) error {
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	switch {
	case m.Handler != nil:
		if err := m.Handler(ctx, tx); err != nil {
			return err
		}
	default:
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil && !isIdempotentDDLError(err) {
			return err
		}
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name, applied_at, description, duration_ms) VALUES (?, ?, ?, ?, ?)",
		m.Version, m.Name, time.Now().UTC().Format(time.RFC3339), m.Description,
		time.Since(start).Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}

	return tx.Commit()
}

// AppliedMigrations returns the ledger contents in version order.
func (s *Store) AppliedMigrations(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT version, name, applied_at, COALESCE(description, ''), COALESCE(duration_ms, 0) FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, classify(err, "list migrations")
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		var rec MigrationRecord
		var appliedAt string
		if err := rows.Scan(&rec.Version, &rec.Name, &appliedAt, &rec.Description, &rec.DurationMS); err != nil {
			return nil, fmt.Errorf("scan migration row: %w", err)
		}
		rec.AppliedAt, _ = time.Parse(time.RFC3339, appliedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RebuildFTS drops the full-text index contents and repopulates from the
// memories table, then requests an optimize pass. Repair operation.
func (s *Store) RebuildFTS(ctx context.Context) error {
	stmts := []string{
		`INSERT INTO memories_fts(memories_fts) VALUES('delete-all')`,
		`INSERT INTO memories_fts(rowid, content, summary, tags_json)
			SELECT rowid, content, summary, tags_json FROM memories WHERE status = 'active'`,
		`INSERT INTO memories_fts(memories_fts) VALUES('optimize')`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return classify(err, "rebuild fts")
		}
	}
	return nil
}
