package server

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/boblangley/blockrecon/internal/config"
	"github.com/boblangley/blockrecon/internal/db"
	"github.com/boblangley/blockrecon/internal/reconcile"
	"github.com/boblangley/blockrecon/internal/search"
	"github.com/boblangley/blockrecon/internal/telemetry"
)

// Helper functions

func createTempDir(t *testing.T, prefix string) string {
	t.Helper()
	dir, err := os.MkdirTemp("", prefix)
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func createTempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(createTempDir(t, "test_db_"), "test.lbug")
}

// createExtractionDir writes a two-block reference layout and a tesseract
// reading of it.
func createExtractionDir(t *testing.T) string {
	t.Helper()
	dir := createTempDir(t, "test_extraction_")
	files := map[string]string{
		"reference.jsonl": `{"id":"title","page":0,"text":"Unit 3: Fractions","bbox":[50,20,200,30]}
{"id":"q1","page":0,"text":"1. Simplify 4/8","bbox":[50,55,150,20]}
`,
		"tesseract.jsonl": `{"id":"w1","page":0,"text":"Unit 3: Fractions","bbox":[50,20,250,50]}
{"id":"w2","page":0,"text":"1. Simplify 4/B","bbox":[50,55,200,75]}
`,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}
	return dir
}

type testEnv struct {
	server  *MCPServer
	service *reconcile.Service
	db      *db.GraphDB
	dir     string
}

func setupTestMCPServer(t *testing.T) *testEnv {
	t.Helper()
	graphDB, err := db.Open(db.Config{Path: createTempDB(t)})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { graphDB.Close() })

	store, err := telemetry.Open(telemetry.Config{Path: telemetry.MemoryPath})
	if err != nil {
		t.Fatalf("Failed to open telemetry: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	svc := reconcile.New(reconcile.Config{Engine: config.Default(), DB: graphDB, Telemetry: store})
	dir := createExtractionDir(t)

	mcpServer := NewMCPServer(MCPConfig{
		Service:   svc,
		DB:        graphDB,
		Search:    search.New(graphDB),
		Telemetry: store,
		Dir:       dir,
	})
	return &testEnv{server: mcpServer, service: svc, db: graphDB, dir: dir}
}

// connect opens an in-memory client session to the server.
func connect(t *testing.T, m *MCPServer) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	clientTransport, serverTransport := mcp.NewInMemoryTransports()

	ss, err := m.server.Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatalf("server connect failed: %v", err)
	}
	t.Cleanup(func() { ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client connect failed: %v", err)
	}
	t.Cleanup(func() { cs.Close() })
	return cs
}

// call invokes a tool and decodes its JSON payload.
func call(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) map[string]any {
	t.Helper()
	if args == nil {
		args = map[string]any{}
	}
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s) failed: %v", name, err)
	}
	if len(res.Content) != 1 {
		t.Fatalf("CallTool(%s): expected 1 content item, got %d", name, len(res.Content))
	}
	text, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected text content, got %T", name, res.Content[0])
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(text.Text), &out); err != nil {
		t.Fatalf("CallTool(%s): invalid JSON %q: %v", name, text.Text, err)
	}
	return out
}

func mustSucceed(t *testing.T, name string, out map[string]any) {
	t.Helper()
	if out["success"] != true {
		t.Fatalf("%s failed: %v", name, out["error"])
	}
}

func tesseract() map[string]any {
	return map[string]any{"engine": "tesseract", "config": map[string]any{"psm": 6}, "confidence": 0.8}
}

// ==================== Initialization Tests ====================

func TestMCPServerInitialization(t *testing.T) {
	env := setupTestMCPServer(t)
	if env.server.server == nil {
		t.Error("Internal MCP server should not be nil")
	}
	if env.server.service == nil || env.server.db == nil || env.server.search == nil {
		t.Error("dependencies should be wired")
	}
}

func TestToolsListed(t *testing.T) {
	cs := connect(t, setupTestMCPServer(t).server)
	res, err := cs.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}

	names := make(map[string]bool)
	for _, tool := range res.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{
		"match_document", "record_initial_extract", "record_consensus_selection",
		"record_manual_override", "record_recalculation", "get_history",
		"get_current_text", "get_statistics", "detect_propagation",
		"rank_sources", "compare_sources", "search_blocks", "cypher_query",
		"get_graph_schema",
	} {
		if !names[want] {
			t.Errorf("tool %s not registered", want)
		}
	}
}

// ==================== Tool Result Helper Tests ====================

func TestToolResultHelper(t *testing.T) {
	result, err := toolResult(map[string]any{"success": true, "results": []string{"a", "b"}})
	if err != nil {
		t.Fatalf("toolResult failed: %v", err)
	}
	if len(result.Content) != 1 {
		t.Errorf("Expected 1 content item, got %d", len(result.Content))
	}
}

func TestErrorResultHelper(t *testing.T) {
	result, err := errorResult(os.ErrNotExist)
	if err != nil {
		t.Fatalf("errorResult failed: %v", err)
	}
	text := result.Content[0].(*mcp.TextContent).Text
	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		t.Fatal(err)
	}
	if out["success"] != false || out["error"] != os.ErrNotExist.Error() {
		t.Errorf("unexpected error payload %v", out)
	}
}

// ==================== Matching Tool Tests ====================

func TestMatchDocumentTool(t *testing.T) {
	env := setupTestMCPServer(t)
	cs := connect(t, env.server)

	out := call(t, cs, "match_document", map[string]any{})
	mustSucceed(t, "match_document", out)
	if out["baselined"] != float64(2) {
		t.Errorf("baselined = %v, want 2", out["baselined"])
	}
	engines, _ := out["engines"].([]any)
	if len(engines) != 1 {
		t.Fatalf("expected one engine, got %v", out["engines"])
	}
	engine := engines[0].(map[string]any)
	if engine["matches"] != nil {
		t.Error("matches should be omitted unless requested")
	}

	withMatches := call(t, cs, "match_document", map[string]any{"include_matches": true})
	mustSucceed(t, "match_document", withMatches)
	engine = withMatches["engines"].([]any)[0].(map[string]any)
	if matches, _ := engine["matches"].([]any); len(matches) != 2 {
		t.Errorf("expected 2 matches, got %v", engine["matches"])
	}
}

func TestMatchDocumentToolBadDir(t *testing.T) {
	cs := connect(t, setupTestMCPServer(t).server)
	out := call(t, cs, "match_document", map[string]any{"dir": "/nonexistent/extraction"})
	if out["success"] != false {
		t.Error("missing directory should fail")
	}
}

// ==================== Recording Tool Tests ====================

func TestRecordingWorkflow(t *testing.T) {
	env := setupTestMCPServer(t)
	cs := connect(t, env.server)
	mustSucceed(t, "match_document", call(t, cs, "match_document", map[string]any{}))

	out := call(t, cs, "record_consensus_selection", map[string]any{
		"block_id":        "q1",
		"text":            "1. Simplify 4/B",
		"source":          tesseract(),
		"consensus_score": 0.6,
		"alternatives":    []any{map[string]any{"engine": "reference"}},
	})
	mustSucceed(t, "record_consensus_selection", out)
	change := out["change"].(map[string]any)
	if change["change_type"] != "consensus_selection" || change["previous_text"] != "1. Simplify 4/8" {
		t.Errorf("unexpected change %v", change)
	}

	mustSucceed(t, "record_manual_override", call(t, cs, "record_manual_override", map[string]any{
		"block_id": "q1",
		"text":     "1. Simplify 4/8",
		"source":   map[string]any{"engine": "reference"},
		"user_id":  "grader-7",
		"reason":   "B is an OCR error",
	}))
	mustSucceed(t, "record_recalculation", call(t, cs, "record_recalculation", map[string]any{
		"block_id":         "title",
		"text":             "Unit 3 - Fractions",
		"source":           tesseract(),
		"trigger_block_id": "q1",
	}))

	text := call(t, cs, "get_current_text", map[string]any{"block_id": "q1"})
	mustSucceed(t, "get_current_text", text)
	if text["text"] != "1. Simplify 4/8" {
		t.Errorf("current text = %v", text["text"])
	}

	history := call(t, cs, "get_history", map[string]any{"block_id": "q1"})
	mustSucceed(t, "get_history", history)
	h := history["history"].(map[string]any)
	if changes, _ := h["changes"].([]any); len(changes) != 2 || h["manual_override_count"] != float64(1) {
		t.Errorf("unexpected history %v", h)
	}

	stats := call(t, cs, "get_statistics", nil)
	mustSucceed(t, "get_statistics", stats)
	s := stats["statistics"].(map[string]any)
	if s["total_blocks"] != float64(2) || s["blocks_with_overrides"] != float64(1) {
		t.Errorf("unexpected statistics %v", s)
	}
	if runs, _ := stats["match_runs"].([]any); len(runs) != 1 {
		t.Errorf("expected one latest match run, got %v", stats["match_runs"])
	}

	chain := call(t, cs, "detect_propagation", map[string]any{"block_id": "q1"})
	mustSucceed(t, "detect_propagation", chain)
	c := chain["chain"].(map[string]any)
	if c["total_affected_blocks"] != float64(1) {
		t.Errorf("unexpected chain %v", c)
	}

	// The projection follows every recorded change
	rows, err := env.db.Execute(context.Background(),
		"MATCH (b:Block {id: 'q1'})-[:HAS_CHANGE]->(c:Change) RETURN count(c) AS n", nil)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if n, _ := rows[0]["n"].(int64); n != 3 {
		t.Errorf("expected 3 changes in the graph, got %v", rows[0]["n"])
	}
}

func TestRecordToolErrors(t *testing.T) {
	env := setupTestMCPServer(t)
	cs := connect(t, env.server)

	// No baseline yet
	out := call(t, cs, "record_manual_override", map[string]any{
		"block_id": "q1",
		"text":     "x",
		"source":   tesseract(),
		"user_id":  "u",
	})
	if out["success"] != false {
		t.Error("override without baseline should fail")
	}

	mustSucceed(t, "record_initial_extract", call(t, cs, "record_initial_extract", map[string]any{
		"block_id": "q1",
		"text":     "x",
		"source":   tesseract(),
	}))
	dup := call(t, cs, "record_initial_extract", map[string]any{
		"block_id": "q1",
		"text":     "y",
		"source":   tesseract(),
	})
	if dup["success"] != false {
		t.Error("second baseline should fail")
	}

	missing := call(t, cs, "get_history", map[string]any{"block_id": "nope"})
	if missing["success"] != false {
		t.Error("unknown block should fail")
	}
}

// ==================== Ranking Tool Tests ====================

func TestRankAndCompareTools(t *testing.T) {
	env := setupTestMCPServer(t)
	cs := connect(t, env.server)
	mustSucceed(t, "match_document", call(t, cs, "match_document", map[string]any{}))
	mustSucceed(t, "record_consensus_selection", call(t, cs, "record_consensus_selection", map[string]any{
		"block_id":        "title",
		"text":            "Unit 3: Fractions",
		"source":          map[string]any{"engine": "tesseract"},
		"consensus_score": 1.0,
	}))

	rank := call(t, cs, "rank_sources", map[string]any{})
	mustSucceed(t, "rank_sources", rank)
	if ranking, _ := rank["ranking"].([]any); len(ranking) != 2 {
		t.Errorf("expected reference and tesseract, got %v", rank["ranking"])
	}

	cmp := call(t, cs, "compare_sources", map[string]any{"source_a": "tesseract", "source_b": "reference"})
	mustSucceed(t, "compare_sources", cmp)

	unknown := call(t, cs, "compare_sources", map[string]any{"source_a": "tesseract", "source_b": "abbyy"})
	if unknown["success"] != false {
		t.Error("unknown source should fail")
	}
}

// ==================== Graph Tool Tests ====================

func TestSearchBlocksTool(t *testing.T) {
	env := setupTestMCPServer(t)
	cs := connect(t, env.server)
	mustSucceed(t, "match_document", call(t, cs, "match_document", map[string]any{}))

	out := call(t, cs, "search_blocks", map[string]any{"query": "fractions"})
	mustSucceed(t, "search_blocks", out)
	results, _ := out["results"].([]any)
	if len(results) != 1 || results[0].(map[string]any)["block_id"] != "title" {
		t.Errorf("unexpected results %v", out["results"])
	}

	empty := call(t, cs, "search_blocks", map[string]any{"query": " "})
	if empty["success"] != false {
		t.Error("empty query should fail")
	}
}

func TestCypherQueryTool(t *testing.T) {
	env := setupTestMCPServer(t)
	cs := connect(t, env.server)
	mustSucceed(t, "match_document", call(t, cs, "match_document", map[string]any{}))

	out := call(t, cs, "cypher_query", map[string]any{
		"query": "MATCH (c:Candidate)-[m:MATCHED]->(b:Block) RETURN c.id AS candidate, b.id AS block ORDER BY block",
	})
	mustSucceed(t, "cypher_query", out)
	if rows, _ := out["results"].([]any); len(rows) != 2 {
		t.Errorf("expected 2 matched candidates, got %v", out["results"])
	}

	bad := call(t, cs, "cypher_query", map[string]any{"query": "NOT CYPHER"})
	if bad["success"] != false {
		t.Error("invalid query should fail")
	}
}

func TestGetGraphSchemaTool(t *testing.T) {
	cs := connect(t, setupTestMCPServer(t).server)
	out := call(t, cs, "get_graph_schema", nil)
	mustSucceed(t, "get_graph_schema", out)

	schema := out["schema"].(map[string]any)
	nodes := schema["nodes"].(map[string]any)
	for _, label := range []string{"Block", "Change", "Source", "Candidate"} {
		if _, ok := nodes[label]; !ok {
			t.Errorf("schema missing node %s", label)
		}
	}
	if rels, _ := schema["relationships"].([]any); len(rels) != 7 {
		t.Errorf("expected 7 relationships, got %d", len(rels))
	}
}

func TestToolsWithoutGraph(t *testing.T) {
	svc := reconcile.New(reconcile.Config{Engine: config.Default()})
	cs := connect(t, NewMCPServer(MCPConfig{Service: svc}))

	if out := call(t, cs, "cypher_query", map[string]any{"query": "MATCH (n) RETURN n"}); out["success"] != false {
		t.Error("cypher_query without a graph should fail")
	}
	if out := call(t, cs, "search_blocks", map[string]any{"query": "x"}); out["success"] != false {
		t.Error("search_blocks without a graph should fail")
	}
	if out := call(t, cs, "match_document", map[string]any{}); out["success"] != false {
		t.Error("match_document without a directory should fail")
	}
}
