// Package telemetry keeps a SQLite log of match runs: one row per engine
// run with its coverage, plus the per-type match counts.
package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/boblangley/blockrecon/internal/matcher"
	"github.com/boblangley/blockrecon/internal/types"
)

// MemoryPath opens a private in-memory store.
const MemoryPath = ":memory:"

const schema = `
CREATE TABLE IF NOT EXISTS match_runs (
	id TEXT PRIMARY KEY,
	engine TEXT NOT NULL,
	started_at TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	candidates INTEGER NOT NULL,
	matched INTEGER NOT NULL,
	unmatched INTEGER NOT NULL,
	references_matched INTEGER NOT NULL,
	coverage REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_match_runs_engine ON match_runs(engine, started_at);
CREATE TABLE IF NOT EXISTS match_run_types (
	run_id TEXT NOT NULL REFERENCES match_runs(id) ON DELETE CASCADE,
	match_type TEXT NOT NULL,
	count INTEGER NOT NULL,
	PRIMARY KEY (run_id, match_type)
);
`

// Store records match runs.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Config holds store options.
type Config struct {
	// Path is the SQLite file, or MemoryPath.
	Path string

	Logger *slog.Logger
}

// Run is one recorded match run.
type Run struct {
	ID        string          `json:"id"`
	Engine    string          `json:"engine"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
	Summary   matcher.Summary `json:"summary"`
}

// Open opens or creates the store.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dsn := cfg.Path
	if dsn != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("create telemetry directory: %w", err)
		}
		dsn += "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open telemetry: %w", err)
	}
	// One connection keeps an in-memory database alive and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init telemetry schema: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logger.Debug("enable foreign keys", "error", err)
	}

	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordRun stores one engine's summary and returns the new run id.
func (s *Store) RecordRun(ctx context.Context, engine string, summary matcher.Summary, duration time.Duration) (string, error) {
	id := uuid.New().String()
	started := s.now().UTC().Add(-duration)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin run: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO match_runs (id, engine, started_at, duration_ms, candidates, matched, unmatched, references_matched, coverage)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, engine, started.Format(time.RFC3339Nano), duration.Milliseconds(),
		summary.Candidates, summary.Matched, summary.Unmatched, summary.ReferencesMatched, summary.Coverage,
	); err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}

	for t, n := range summary.ByType {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO match_run_types (run_id, match_type, count) VALUES (?, ?, ?)`,
			id, string(t), n,
		); err != nil {
			return "", fmt.Errorf("insert run type %s: %w", t, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit run: %w", err)
	}
	s.logger.Debug("match run recorded", "run", id, "engine", engine, "coverage", summary.Coverage)
	return id, nil
}

// Runs returns the most recent runs, newest first. An empty engine returns
// runs of every engine; limit <= 0 returns all.
func (s *Store) Runs(ctx context.Context, engine string, limit int) ([]Run, error) {
	query := `SELECT id, engine, started_at, duration_ms, candidates, matched, unmatched, references_matched, coverage
		FROM match_runs`
	var args []any
	if engine != "" {
		query += " WHERE engine = ?"
		args = append(args, engine)
	}
	query += " ORDER BY started_at DESC, rowid DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started string
		var ms int64
		if err := rows.Scan(&r.ID, &r.Engine, &started, &ms,
			&r.Summary.Candidates, &r.Summary.Matched, &r.Summary.Unmatched,
			&r.Summary.ReferencesMatched, &r.Summary.Coverage); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		r.Duration = time.Duration(ms) * time.Millisecond
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read runs: %w", err)
	}

	for i := range runs {
		byType, err := s.runTypes(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Summary.ByType = byType
	}
	return runs, nil
}

func (s *Store) runTypes(ctx context.Context, runID string) (map[types.MatchType]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT match_type, count FROM match_run_types WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run types: %w", err)
	}
	defer rows.Close()

	byType := make(map[types.MatchType]int)
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("scan run type: %w", err)
		}
		byType[types.MatchType(t)] = n
	}
	return byType, rows.Err()
}

// Latest returns the newest run of every engine, sorted by engine.
func (s *Store) Latest(ctx context.Context) ([]Run, error) {
	runs, err := s.Runs(ctx, "", 0)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var latest []Run
	for _, r := range runs {
		if seen[r.Engine] {
			continue
		}
		seen[r.Engine] = true
		latest = append(latest, r)
	}
	sort.Slice(latest, func(i, j int) bool { return latest[i].Engine < latest[j].Engine })
	return latest, nil
}

// Prune deletes all but the newest keep runs of each engine.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM match_runs WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY engine ORDER BY started_at DESC, rowid DESC) AS n
				FROM match_runs
			) WHERE n > ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
