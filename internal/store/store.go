// Package store provides the durable SQLite row store for memory records:
// schema migrations, CRUD, the BM25 full-text index, and statistics.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/thebtf/cortex/pkg/models"
)

// Config holds record store configuration.
type Config struct {
	Path      string
	TimeoutMS int
	Dimension int // expected embedding length; blob writes are validated against it
}

// Store provides database operations with a prepared statement cache.
type Store struct {
	db        *sql.DB
	dim       int
	log       zerolog.Logger
	stmtCache map[string]*sql.Stmt
	stmtMu    sync.RWMutex
}

const busyRetries = 3

// Open opens (or creates) the database, applies pragmas, and runs pending
// migrations.
func Open(cfg Config, log zerolog.Logger) (*Store, error) {
	timeout := cfg.TimeoutMS
	if timeout <= 0 {
		timeout = 5000
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)",
		cfg.Path, timeout,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL lets readers run alongside the single writer; busy_timeout covers
	// write-write contention between pool connections.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{
		db:        db,
		dim:       cfg.Dimension,
		log:       log.With().Str("component", "store").Logger(),
		stmtCache: make(map[string]*sql.Stmt),
	}

	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection and all cached statements.
func (s *Store) Close() error {
	s.stmtMu.Lock()
	for _, stmt := range s.stmtCache {
		_ = stmt.Close()
	}
	s.stmtCache = nil
	s.stmtMu.Unlock()

	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping() error { return s.db.Ping() }

// DB returns the underlying handle for maintenance operations.
func (s *Store) DB() *sql.DB { return s.db }

// getStmt returns a cached prepared statement, creating it if necessary.
func (s *Store) getStmt(query string) (*sql.Stmt, error) {
	s.stmtMu.RLock()
	stmt, ok := s.stmtCache[query]
	s.stmtMu.RUnlock()
	if ok {
		return stmt, nil
	}

	s.stmtMu.Lock()
	defer s.stmtMu.Unlock()

	if stmt, ok := s.stmtCache[query]; ok {
		return stmt, nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, err
	}
	s.stmtCache[query] = stmt
	return stmt, nil
}

// isBusy reports whether err is transient SQLITE_BUSY/LOCKED contention.
func isBusy(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		code := serr.Code()
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return false
}

// classify maps a driver error to the store's error taxonomy.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if isBusy(err) {
		return models.WrapError(models.CodeStorageBusy, op, err)
	}
	if strings.Contains(err.Error(), "malformed") || strings.Contains(err.Error(), "corrupt") {
		return models.WrapError(models.CodeStorageCorrupt, op, err)
	}
	return models.WrapError(models.CodeBackend, op, err)
}

// execRetry executes a statement, retrying briefly on transient contention
// beyond the driver's own busy timeout.
func (s *Store) execRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var lastErr error
	for attempt := 0; attempt < busyRetries; attempt++ {
		stmt, err := s.getStmt(query)
		if err != nil {
			return nil, err
		}
		res, err := stmt.ExecContext(ctx, args...)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !isBusy(err) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return nil, lastErr
}

// queryContext executes a query through the statement cache.
func (s *Store) queryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	stmt, err := s.getStmt(query)
	if err != nil {
		return s.db.QueryContext(ctx, query, args...)
	}
	return stmt.QueryContext(ctx, args...)
}

// queryRowContext executes a single-row query through the statement cache.
func (s *Store) queryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	stmt, err := s.getStmt(query)
	if err != nil {
		return s.db.QueryRowContext(ctx, query, args...)
	}
	return stmt.QueryRowContext(ctx, args...)
}

// IntegrityCheck runs PRAGMA integrity_check and returns its verdict.
func (s *Store) IntegrityCheck(ctx context.Context) (string, error) {
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return "", classify(err, "integrity check")
	}
	return result, nil
}

// Vacuum reclaims free pages. WAL checkpointing happens implicitly.
func (s *Store) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return classify(err, "vacuum")
	}
	return nil
}
