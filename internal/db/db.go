// Package db projects change histories, sources, matches and block adjacency
// into a LadybugDB graph so they can be explored with Cypher.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	lbug "github.com/LadybugDB/go-ladybug"
)

// Record is one result row keyed by the names in the RETURN clause.
type Record map[string]any

// GraphDB is the provenance graph. It holds one connection; LadybugDB
// serializes statements on it.
type GraphDB struct {
	db       *lbug.Database
	conn     *lbug.Connection
	path     string
	readOnly bool
	logger   *slog.Logger
}

// Config configures Open.
type Config struct {
	// Path of the database directory; parent directories are created.
	Path string

	// ReadOnly skips schema creation and rejects writes.
	ReadOnly bool

	// AutoRecover retries a failed open once after discarding the
	// write-ahead log. Uncommitted writes from a crashed run are lost.
	AutoRecover bool

	Logger *slog.Logger
}

// Open opens the graph at cfg.Path, creating it and its schema if needed.
func Open(cfg Config) (*GraphDB, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	sysCfg := lbug.DefaultSystemConfig()
	sysCfg.ReadOnly = cfg.ReadOnly

	database, err := openDatabase(cfg, sysCfg, logger)
	if err != nil {
		return nil, err
	}

	conn, err := lbug.OpenConnection(database)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("open connection: %w", err)
	}

	g := &GraphDB{
		db:       database,
		conn:     conn,
		path:     cfg.Path,
		readOnly: cfg.ReadOnly,
		logger:   logger,
	}
	if cfg.ReadOnly {
		return g, nil
	}
	if err := g.initSchema(); err != nil {
		g.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return g, nil
}

func openDatabase(cfg Config, sysCfg lbug.SystemConfig, logger *slog.Logger) (*lbug.Database, error) {
	database, err := lbug.OpenDatabase(cfg.Path, sysCfg)
	if err == nil {
		return database, nil
	}
	if !cfg.AutoRecover {
		return nil, fmt.Errorf("open database: %w", err)
	}

	logger.Warn("graph open failed, discarding write-ahead log", "path", cfg.Path, "error", err)
	if err := discardWAL(cfg.Path); err != nil {
		logger.Warn("could not discard write-ahead log", "error", err)
	}
	database, err = lbug.OpenDatabase(cfg.Path, sysCfg)
	if err != nil {
		return nil, fmt.Errorf("open database after recovery: %w", err)
	}
	logger.Info("graph recovered", "path", cfg.Path)
	return database, nil
}

// discardWAL deletes the "<path>.wal" file LadybugDB replays on open. A
// missing file is not an error.
func discardWAL(dbPath string) error {
	err := os.Remove(dbPath + ".wal")
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove WAL file: %w", err)
	}
	return nil
}

// nodeTables lists every node table, in the order ClearDatabase empties them.
var nodeTables = []string{"Change", "Candidate", "Block", "Source"}

func (g *GraphDB) initSchema() error {
	schemas := []string{
		// Reference blocks carry the current text of their history
		`CREATE NODE TABLE IF NOT EXISTS Block(
			id STRING,
			page INT64,
			reference_text STRING,
			current_text STRING,
			recalculation_count INT64,
			manual_override_count INT64,
			PRIMARY KEY(id)
		)`,

		`CREATE NODE TABLE IF NOT EXISTS Change(
			id STRING,
			block_id STRING,
			change_type STRING,
			timestamp STRING,
			previous_text STRING,
			new_text STRING,
			consensus_score DOUBLE,
			user_id STRING,
			change_reason STRING,
			PRIMARY KEY(id)
		)`,

		// Source id is the engine name, qualified by config hash when present
		`CREATE NODE TABLE IF NOT EXISTS Source(
			id STRING,
			engine_name STRING,
			configuration_hash STRING,
			PRIMARY KEY(id)
		)`,

		// Candidate blocks from other engines, keyed engine/page/block
		`CREATE NODE TABLE IF NOT EXISTS Candidate(
			id STRING,
			engine_name STRING,
			block_id STRING,
			page INT64,
			text STRING,
			PRIMARY KEY(id)
		)`,

		`CREATE REL TABLE IF NOT EXISTS HAS_CHANGE(FROM Block TO Change, seq INT64)`,
		`CREATE REL TABLE IF NOT EXISTS PRODUCED_BY(FROM Change TO Source)`,
		`CREATE REL TABLE IF NOT EXISTS ALTERNATIVE(FROM Change TO Source)`,
		`CREATE REL TABLE IF NOT EXISTS TRIGGERED_BY(FROM Change TO Block)`,
		`CREATE REL TABLE IF NOT EXISTS NEIGHBOR_OF(FROM Block TO Block)`,
		`CREATE REL TABLE IF NOT EXISTS EXTRACTED_BY(FROM Candidate TO Source)`,
		`CREATE REL TABLE IF NOT EXISTS MATCHED(FROM Candidate TO Block, match_type STRING, score DOUBLE, bbox_similarity DOUBLE)`,
	}

	for _, schema := range schemas {
		// IF NOT EXISTS covers reopen; anything else surfaces on first use
		if _, err := g.conn.Query(schema); err != nil {
			g.logger.Debug("schema statement failed", "query", schema, "error", err)
		}
	}

	return nil
}

// Execute runs a Cypher statement, preparing it when params are given, and
// returns every row with LadybugDB values converted by convertLbugValue.
func (g *GraphDB) Execute(ctx context.Context, query string, params map[string]any) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var result *lbug.QueryResult
	var err error

	if len(params) > 0 {
		stmt, prepErr := g.conn.Prepare(query)
		if prepErr != nil {
			return nil, fmt.Errorf("prepare query: %w", prepErr)
		}
		defer stmt.Close()

		result, err = g.conn.Execute(stmt, params)
	} else {
		result, err = g.conn.Query(query)
	}

	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer result.Close()

	// Empty, not nil, so callers can tell "no rows" from an error
	records := make([]Record, 0)
	for result.HasNext() {
		tuple, err := result.Next()
		if err != nil {
			return nil, fmt.Errorf("fetch row: %w", err)
		}

		row, err := tuple.GetAsMap()
		if err != nil {
			return nil, fmt.Errorf("convert row: %w", err)
		}

		converted := make(Record, len(row))
		for k, v := range row {
			converted[k] = convertLbugValue(v)
		}
		records = append(records, converted)
	}

	return records, nil
}

// convertLbugValue turns nodes and relationships into plain maps (their
// properties plus "_label") and recurses into lists, so records encode as
// JSON for MCP and gRPC clients. Scalars pass through.
func convertLbugValue(v any) any {
	switch val := v.(type) {
	case lbug.Node:
		return propertyMap(val.Label, val.Properties)
	case lbug.Relationship:
		return propertyMap(val.Label, val.Properties)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = convertLbugValue(item)
		}
		return out
	default:
		return v
	}
}

func propertyMap(label string, props map[string]any) map[string]any {
	m := make(map[string]any, len(props)+1)
	for k, v := range props {
		m[k] = convertLbugValue(v)
	}
	m["_label"] = label
	return m
}

// ExecuteWrite runs a mutating statement and discards its rows.
func (g *GraphDB) ExecuteWrite(ctx context.Context, query string, params map[string]any) error {
	_, err := g.Execute(ctx, query, params)
	return err
}

// Path returns the path the graph was opened at.
func (g *GraphDB) Path() string {
	return g.path
}

// Close releases the connection and the database. It always returns nil.
func (g *GraphDB) Close() error {
	if g.conn != nil {
		g.conn.Close()
	}
	if g.db != nil {
		g.db.Close()
	}
	return nil
}

// ClearDatabase deletes every node and edge but keeps the schema, so a
// rebuild can re-project histories from the tracker. Only context
// cancellation stops it; per-table failures are logged.
func (g *GraphDB) ClearDatabase(ctx context.Context) error {
	for _, table := range nodeTables {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := g.ExecuteWrite(ctx, fmt.Sprintf("MATCH (n:%s) DETACH DELETE n", table), nil); err != nil {
			g.logger.Debug("clear table failed", "table", table, "error", err)
		}
	}
	g.logger.Info("graph cleared", "tables", len(nodeTables))
	return nil
}

// Count returns the number of nodes with the given label.
func (g *GraphDB) Count(ctx context.Context, label string) (int, error) {
	records, err := g.Execute(ctx, fmt.Sprintf("MATCH (n:%s) RETURN count(n) AS total", label), nil)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", label, err)
	}
	if len(records) == 0 {
		return 0, nil
	}
	return toInt(records[0]["total"]), nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int32:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}
