// Package server provides MCP, gRPC, health and change feed endpoints over
// the reconcile service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/boblangley/blockrecon/internal/db"
	"github.com/boblangley/blockrecon/internal/parser"
	"github.com/boblangley/blockrecon/internal/reconcile"
	"github.com/boblangley/blockrecon/internal/search"
	"github.com/boblangley/blockrecon/internal/telemetry"
	"github.com/boblangley/blockrecon/internal/tracker"
	"github.com/boblangley/blockrecon/internal/types"
	"github.com/boblangley/blockrecon/internal/version"
)

// MCPServer provides the MCP interface to the reconcile service.
type MCPServer struct {
	server    *mcp.Server
	service   *reconcile.Service
	db        *db.GraphDB
	search    *search.Searcher
	telemetry *telemetry.Store
	dir       string
	logger    *slog.Logger
}

// MCPConfig holds MCP server configuration. DB, Search and Telemetry are
// optional; the tools that need them report an error when absent.
type MCPConfig struct {
	Service   *reconcile.Service
	DB        *db.GraphDB
	Search    *search.Searcher
	Telemetry *telemetry.Store

	// Dir is the extraction directory match_document uses by default.
	Dir string

	Logger *slog.Logger
}

// NewMCPServer creates a new MCP server instance.
func NewMCPServer(cfg MCPConfig) *MCPServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	server := mcp.NewServer(
		&mcp.Implementation{Name: version.Name, Version: version.Version},
		nil,
	)

	m := &MCPServer{
		server:    server,
		service:   cfg.Service,
		db:        cfg.DB,
		search:    cfg.Search,
		telemetry: cfg.Telemetry,
		dir:       cfg.Dir,
		logger:    logger,
	}

	m.registerTools()
	return m
}

// HTTPHandler returns an http.Handler that serves the MCP protocol over HTTP
// using the streamable HTTP transport.
func (m *MCPServer) HTTPHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcp.Server {
			return m.server
		},
		&mcp.StreamableHTTPOptions{
			JSONResponse: true,
			Logger:       m.logger,
		},
	)
}

func (m *MCPServer) registerTools() {
	// Matching
	m.registerMatchDocument()

	// Change recording
	m.registerRecordInitialExtract()
	m.registerRecordConsensusSelection()
	m.registerRecordManualOverride()
	m.registerRecordRecalculation()

	// History and analysis
	m.registerGetHistory()
	m.registerGetCurrentText()
	m.registerGetStatistics()
	m.registerDetectPropagation()
	m.registerRankSources()
	m.registerCompareSources()

	// Graph tools
	m.registerSearchBlocks()
	m.registerCypherQuery()
	m.registerGetGraphSchema()
}

// Tool result helper
func toolResult(data any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(jsonBytes)},
		},
	}, nil
}

// Error result helper
func errorResult(err error) (*mcp.CallToolResult, error) {
	return toolResult(map[string]any{
		"success": false,
		"error":   err.Error(),
	})
}

func fail(err error) (*mcp.CallToolResult, any, error) {
	res, _ := errorResult(err)
	return res, nil, nil
}

func succeed(data map[string]any) (*mcp.CallToolResult, any, error) {
	data["success"] = true
	res, _ := toolResult(data)
	return res, nil, nil
}

// ============ Matching Tools ============

type matchDocumentInput struct {
	Dir            string `json:"dir,omitempty" jsonschema:"Extraction directory holding reference.jsonl and engine files (default: the watched directory)"`
	IncludeMatches bool   `json:"include_matches,omitempty" jsonschema:"Return every match, not only the per-engine summary"`
}

func (m *MCPServer) registerMatchDocument() {
	mcp.AddTool(m.server, &mcp.Tool{
		Name:        "match_document",
		Description: "Match every engine's blocks in an extraction directory against the reference layout and baseline new reference blocks",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input matchDocumentInput) (*mcp.CallToolResult, any, error) {
		dir := input.Dir
		if dir == "" {
			dir = m.dir
		}
		if dir == "" {
			return fail(errors.New("dir is required"))
		}

		doc, err := parser.LoadDirectory(dir)
		if err != nil {
			return fail(err)
		}
		result, err := m.service.Run(ctx, doc)
		if err != nil {
			m.logger.Error("match document failed", "dir", dir, "error", err)
			return fail(err)
		}

		if !input.IncludeMatches {
			for i := range result.Engines {
				result.Engines[i].Matches = nil
			}
		}
		return succeed(map[string]any{
			"engines":   result.Engines,
			"baselined": result.Baselined,
			"neighbors": result.Neighbors,
		})
	})
}

// ============ Recording Tools ============

type sourceInput struct {
	Engine     string         `json:"engine" jsonschema:"Engine that produced the text"`
	Config     map[string]any `json:"config,omitempty" jsonschema:"Engine parameters; hashed into the source identity"`
	Confidence float64        `json:"confidence,omitempty" jsonschema:"Engine confidence in [0,1]"`
}

func (s sourceInput) attribution() types.SourceAttribution {
	return tracker.NewSourceAttribution(s.Engine, s.Config, s.Confidence)
}

func attributions(in []sourceInput) []types.SourceAttribution {
	if len(in) == 0 {
		return nil
	}
	out := make([]types.SourceAttribution, len(in))
	for i, s := range in {
		out[i] = s.attribution()
	}
	return out
}

func (m *MCPServer) record(ctx context.Context, req reconcile.RecordRequest) (*mcp.CallToolResult, any, error) {
	change, err := m.service.Record(ctx, req)
	if err != nil {
		m.logger.Warn("record change failed", "block", req.BlockID, "type", req.Type.String(), "error", err)
		return fail(err)
	}
	return succeed(map[string]any{"change": change})
}

type recordInitialExtractInput struct {
	BlockID string      `json:"block_id" jsonschema:"Block identifier"`
	Text    string      `json:"text" jsonschema:"Baseline text"`
	Source  sourceInput `json:"source" jsonschema:"Source of the baseline"`
}

func (m *MCPServer) registerRecordInitialExtract() {
	mcp.AddTool(m.server, &mcp.Tool{
		Name:        "record_initial_extract",
		Description: "Record the immutable baseline text of a block",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input recordInitialExtractInput) (*mcp.CallToolResult, any, error) {
		return m.record(ctx, reconcile.RecordRequest{
			BlockID: input.BlockID,
			Type:    types.ChangeInitialExtract,
			Text:    input.Text,
			Source:  input.Source.attribution(),
		})
	})
}

type recordConsensusSelectionInput struct {
	BlockID        string        `json:"block_id" jsonschema:"Block identifier"`
	Text           string        `json:"text" jsonschema:"Selected text"`
	Source         sourceInput   `json:"source" jsonschema:"Winning source"`
	ConsensusScore *float64      `json:"consensus_score" jsonschema:"Agreement score of the selection"`
	Alternatives   []sourceInput `json:"alternatives,omitempty" jsonschema:"Sources that lost the vote"`
}

func (m *MCPServer) registerRecordConsensusSelection() {
	mcp.AddTool(m.server, &mcp.Tool{
		Name:        "record_consensus_selection",
		Description: "Record the text chosen by consensus among engines, with the losing alternatives",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input recordConsensusSelectionInput) (*mcp.CallToolResult, any, error) {
		return m.record(ctx, reconcile.RecordRequest{
			BlockID:        input.BlockID,
			Type:           types.ChangeConsensusSelection,
			Text:           input.Text,
			Source:         input.Source.attribution(),
			ConsensusScore: input.ConsensusScore,
			Alternatives:   attributions(input.Alternatives),
		})
	})
}

type recordManualOverrideInput struct {
	BlockID string      `json:"block_id" jsonschema:"Block identifier"`
	Text    string      `json:"text" jsonschema:"Corrected text"`
	Source  sourceInput `json:"source" jsonschema:"Source whose reading the reviewer chose"`
	UserID  string      `json:"user_id" jsonschema:"Reviewer"`
	Reason  string      `json:"reason,omitempty" jsonschema:"Why the text was overridden"`
}

func (m *MCPServer) registerRecordManualOverride() {
	mcp.AddTool(m.server, &mcp.Tool{
		Name:        "record_manual_override",
		Description: "Record a text set by a reviewer",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input recordManualOverrideInput) (*mcp.CallToolResult, any, error) {
		return m.record(ctx, reconcile.RecordRequest{
			BlockID: input.BlockID,
			Type:    types.ChangeManualOverride,
			Text:    input.Text,
			Source:  input.Source.attribution(),
			UserID:  input.UserID,
			Reason:  input.Reason,
		})
	})
}

type recordRecalculationInput struct {
	BlockID        string      `json:"block_id" jsonschema:"Block identifier"`
	Text           string      `json:"text" jsonschema:"Recomputed text"`
	Source         sourceInput `json:"source" jsonschema:"Source that recomputed the text"`
	TriggerBlockID string      `json:"trigger_block_id" jsonschema:"Neighbor whose change caused the recalculation"`
}

func (m *MCPServer) registerRecordRecalculation() {
	mcp.AddTool(m.server, &mcp.Tool{
		Name:        "record_recalculation",
		Description: "Record a text recomputed because a neighboring block changed",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input recordRecalculationInput) (*mcp.CallToolResult, any, error) {
		return m.record(ctx, reconcile.RecordRequest{
			BlockID:        input.BlockID,
			Type:           types.ChangeRecalculation,
			Text:           input.Text,
			Source:         input.Source.attribution(),
			TriggerBlockID: input.TriggerBlockID,
		})
	})
}

// ============ History Tools ============

type blockInput struct {
	BlockID string `json:"block_id" jsonschema:"Block identifier"`
}

func (m *MCPServer) registerGetHistory() {
	mcp.AddTool(m.server, &mcp.Tool{
		Name:        "get_history",
		Description: "Get the full change history of a block",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input blockInput) (*mcp.CallToolResult, any, error) {
		h, ok := m.service.Tracker().History(input.BlockID)
		if !ok {
			return fail(fmt.Errorf("block %q: %w", input.BlockID, reconcile.ErrUnknownBlock))
		}
		return succeed(map[string]any{"history": h})
	})
}

func (m *MCPServer) registerGetCurrentText() {
	mcp.AddTool(m.server, &mcp.Tool{
		Name:        "get_current_text",
		Description: "Get the current text of a block",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input blockInput) (*mcp.CallToolResult, any, error) {
		text, ok := m.service.Tracker().CurrentText(input.BlockID)
		if !ok {
			return fail(fmt.Errorf("block %q: %w", input.BlockID, reconcile.ErrUnknownBlock))
		}
		return succeed(map[string]any{"block_id": input.BlockID, "text": text})
	})
}

func (m *MCPServer) registerGetStatistics() {
	mcp.AddTool(m.server, &mcp.Tool{
		Name:        "get_statistics",
		Description: "Get change counts across all blocks and the latest match coverage per engine",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input struct{}) (*mcp.CallToolResult, any, error) {
		data := map[string]any{"statistics": m.service.Tracker().Statistics()}
		if m.telemetry != nil {
			runs, err := m.telemetry.Latest(ctx)
			if err != nil {
				m.logger.Warn("load match runs failed", "error", err)
			} else {
				data["match_runs"] = runs
			}
		}
		return succeed(data)
	})
}

type detectPropagationInput struct {
	BlockID  string `json:"block_id" jsonschema:"Block whose change is the trigger"`
	ChangeID string `json:"change_id,omitempty" jsonschema:"Trigger change (default: the block's latest change)"`
}

func (m *MCPServer) registerDetectPropagation() {
	mcp.AddTool(m.server, &mcp.Tool{
		Name:        "detect_propagation",
		Description: "Trace the recalculations a block's change caused in neighboring blocks",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input detectPropagationInput) (*mcp.CallToolResult, any, error) {
		chain, err := m.service.Propagate(ctx, input.BlockID, input.ChangeID)
		if err != nil {
			return fail(err)
		}
		return succeed(map[string]any{"chain": chain})
	})
}

type rankSourcesInput struct {
	IncludeConfig bool `json:"include_config,omitempty" jsonschema:"Treat each engine configuration as its own source"`
}

func (m *MCPServer) registerRankSources() {
	mcp.AddTool(m.server, &mcp.Tool{
		Name:        "rank_sources",
		Description: "Rank extraction sources by historical accuracy",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input rankSourcesInput) (*mcp.CallToolResult, any, error) {
		return succeed(map[string]any{"ranking": m.service.Rank(input.IncludeConfig).Sources})
	})
}

type compareSourcesInput struct {
	SourceA       string `json:"source_a" jsonschema:"First source id"`
	SourceB       string `json:"source_b" jsonschema:"Second source id"`
	IncludeConfig bool   `json:"include_config,omitempty" jsonschema:"Source ids include the configuration hash"`
}

func (m *MCPServer) registerCompareSources() {
	mcp.AddTool(m.server, &mcp.Tool{
		Name:        "compare_sources",
		Description: "Compare two sources head to head",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input compareSourcesInput) (*mcp.CallToolResult, any, error) {
		cmp, err := m.service.Compare(input.SourceA, input.SourceB, input.IncludeConfig)
		if err != nil {
			return fail(err)
		}
		return succeed(map[string]any{"comparison": cmp})
	})
}

// ============ Graph Tools ============

type searchBlocksInput struct {
	Query           string  `json:"query" jsonschema:"Search keywords"`
	Limit           int     `json:"limit,omitempty" jsonschema:"Maximum results to return (default 10)"`
	Pages           []int   `json:"pages,omitempty" jsonschema:"Restrict to these pages"`
	Engine          string  `json:"engine,omitempty" jsonschema:"Restrict candidate hits to one engine"`
	BlocksOnly      bool    `json:"blocks_only,omitempty" jsonschema:"Ignore candidate text"`
	FusionMethod    string  `json:"fusion_method,omitempty" jsonschema:"rrf (default) or weighted"`
	BlockWeight     float64 `json:"block_weight,omitempty" jsonschema:"Weight of block text hits for weighted fusion"`
	CandidateWeight float64 `json:"candidate_weight,omitempty" jsonschema:"Weight of candidate text hits for weighted fusion"`
}

func (m *MCPServer) registerSearchBlocks() {
	mcp.AddTool(m.server, &mcp.Tool{
		Name:        "search_blocks",
		Description: "BM25 keyword search over block text and the candidate text matched to each block",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input searchBlocksInput) (*mcp.CallToolResult, any, error) {
		if m.search == nil {
			return fail(errors.New("search requires the graph database"))
		}

		opts := search.DefaultOptions()
		if input.Limit > 0 {
			opts.Limit = input.Limit
		}
		opts.Pages = input.Pages
		opts.Engine = input.Engine
		opts.IncludeCandidates = !input.BlocksOnly
		if input.FusionMethod != "" {
			opts.FusionMethod = search.FusionMethod(input.FusionMethod)
		}
		if input.BlockWeight > 0 || input.CandidateWeight > 0 {
			opts.BlockWeight = input.BlockWeight
			opts.CandidateWeight = input.CandidateWeight
		}

		results, err := m.search.Search(ctx, input.Query, opts)
		if err != nil {
			m.logger.Error("search failed", "error", err)
			return fail(err)
		}
		if results == nil {
			results = []search.Result{}
		}
		return succeed(map[string]any{"results": results})
	})
}

type cypherQueryInput struct {
	Query string `json:"query" jsonschema:"Cypher query string"`
}

func (m *MCPServer) registerCypherQuery() {
	mcp.AddTool(m.server, &mcp.Tool{
		Name:        "cypher_query",
		Description: "Execute a Cypher query against the provenance graph",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input cypherQueryInput) (*mcp.CallToolResult, any, error) {
		if m.db == nil {
			return fail(errors.New("graph database is not configured"))
		}
		results, err := m.db.Execute(ctx, input.Query, nil)
		if err != nil {
			m.logger.Error("cypher query failed", "error", err)
			return fail(err)
		}
		return succeed(map[string]any{"results": results})
	})
}

func (m *MCPServer) registerGetGraphSchema() {
	mcp.AddTool(m.server, &mcp.Tool{
		Name:        "get_graph_schema",
		Description: "Get the provenance graph schema for constructing Cypher queries",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input struct{}) (*mcp.CallToolResult, any, error) {
		return succeed(map[string]any{"schema": graphSchema})
	})
}

var graphSchema = map[string]any{
	"nodes": map[string]any{
		"Block": map[string]any{
			"description": "A reference block with the current text of its history",
			"properties":  []string{"id", "page", "reference_text", "current_text", "recalculation_count", "manual_override_count"},
			"example":     "MATCH (b:Block) WHERE b.manual_override_count > 0 RETURN b",
		},
		"Change": map[string]any{
			"description": "One entry of a block's history; the baseline is change_type initial_extract",
			"properties":  []string{"id", "block_id", "change_type", "timestamp", "previous_text", "new_text", "consensus_score", "user_id", "change_reason"},
			"example":     "MATCH (c:Change {change_type: 'manual_override'}) RETURN c",
		},
		"Source": map[string]any{
			"description": "An extraction engine, qualified by configuration hash when one was given",
			"properties":  []string{"id", "engine_name", "configuration_hash"},
			"example":     "MATCH (s:Source {engine_name: 'tesseract'}) RETURN s",
		},
		"Candidate": map[string]any{
			"description": "A block read by a candidate engine; id is engine/page/block",
			"properties":  []string{"id", "engine_name", "block_id", "page", "text"},
			"example":     "MATCH (c:Candidate {engine_name: 'tesseract'}) RETURN c",
		},
	},
	"relationships": []map[string]any{
		{
			"type":        "HAS_CHANGE",
			"from":        "Block",
			"to":          "Change",
			"properties":  []string{"seq"},
			"description": "Block history in order, baseline at seq 0",
			"example":     "MATCH (b:Block {id: 'r1'})-[r:HAS_CHANGE]->(c:Change) RETURN c ORDER BY r.seq",
		},
		{
			"type":        "PRODUCED_BY",
			"from":        "Change",
			"to":          "Source",
			"properties":  []string{},
			"description": "Source credited with a change's text",
			"example":     "MATCH (c:Change)-[:PRODUCED_BY]->(s:Source) RETURN s.id, count(c)",
		},
		{
			"type":        "ALTERNATIVE",
			"from":        "Change",
			"to":          "Source",
			"properties":  []string{},
			"description": "Source that was considered but not selected",
			"example":     "MATCH (c:Change)-[:ALTERNATIVE]->(s:Source {engine_name: 'docling'}) RETURN c",
		},
		{
			"type":        "TRIGGERED_BY",
			"from":        "Change",
			"to":          "Block",
			"properties":  []string{},
			"description": "Recalculation caused by a neighbor's change",
			"example":     "MATCH (c:Change)-[:TRIGGERED_BY]->(b:Block {id: 'r1'}) RETURN c.block_id",
		},
		{
			"type":        "NEIGHBOR_OF",
			"from":        "Block",
			"to":          "Block",
			"properties":  []string{},
			"description": "Blocks adjacent in the reference layout",
			"example":     "MATCH (a:Block {id: 'r1'})-[:NEIGHBOR_OF]->(n:Block) RETURN n.id",
		},
		{
			"type":        "EXTRACTED_BY",
			"from":        "Candidate",
			"to":          "Source",
			"properties":  []string{},
			"description": "Engine that produced a candidate block",
			"example":     "MATCH (c:Candidate)-[:EXTRACTED_BY]->(s:Source) RETURN s.id, count(c)",
		},
		{
			"type":        "MATCHED",
			"from":        "Candidate",
			"to":          "Block",
			"properties":  []string{"match_type", "score", "bbox_similarity"},
			"description": "Candidate paired with a reference block by the matcher",
			"example":     "MATCH (c:Candidate)-[m:MATCHED]->(b:Block) WHERE m.match_type STARTS WITH 'forced' RETURN c, b",
		},
	},
	"common_patterns": []map[string]any{
		{
			"name":        "Override hotspots",
			"description": "Sources whose text reviewers replaced most often",
			"query":       "MATCH (b:Block)-[r:HAS_CHANGE]->(c:Change {change_type: 'manual_override'}) MATCH (b)-[p:HAS_CHANGE]->(prev:Change)-[:PRODUCED_BY]->(s:Source) WHERE p.seq = r.seq - 1 RETURN s.id, count(*) AS overrides ORDER BY overrides DESC",
		},
		{
			"name":        "Unmatched candidates",
			"description": "Candidate blocks of an engine that matched nothing",
			"query":       "MATCH (c:Candidate {engine_name: $engine}) WHERE NOT (c)-[:MATCHED]->() RETURN c",
		},
		{
			"name":        "Ripple of a change",
			"description": "Blocks recalculated because of a given block",
			"query":       "MATCH (c:Change {change_type: 'recalculation'})-[:TRIGGERED_BY]->(b:Block {id: $block_id}) RETURN c.block_id, c.new_text",
		},
	},
}
