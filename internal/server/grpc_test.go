package server

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"

	"github.com/boblangley/blockrecon/internal/config"
	"github.com/boblangley/blockrecon/internal/db"
	"github.com/boblangley/blockrecon/internal/parser"
	"github.com/boblangley/blockrecon/internal/reconcile"
	"github.com/boblangley/blockrecon/internal/search"
	"github.com/boblangley/blockrecon/internal/tracker"
)

func setupTestGRPCServer(t *testing.T) (*GRPCServer, *reconcile.Service) {
	t.Helper()
	graphDB, err := db.Open(db.Config{Path: createTempDB(t)})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { graphDB.Close() })

	svc := reconcile.New(reconcile.Config{Engine: config.Default(), DB: graphDB})
	doc, err := parser.LoadDirectory(createExtractionDir(t))
	if err != nil {
		t.Fatalf("Failed to load extraction: %v", err)
	}
	if _, err := svc.Run(context.Background(), doc); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	grpcServer := NewGRPCServer(GRPCConfig{
		Service: svc,
		DB:      graphDB,
		Search:  search.New(graphDB),
	})
	return grpcServer, svc
}

func startTestGRPCServer(t *testing.T, server *GRPCServer) (*Client, func()) {
	t.Helper()

	// Find an available port
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	addr := lis.Addr().String()

	go func() {
		if err := server.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			t.Logf("Server error: %v", err)
		}
	}()

	client, err := Dial(addr)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	cleanup := func() {
		client.Close()
		server.Stop()
	}
	return client, cleanup
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// ==================== Initialization Tests ====================

func TestGRPCServerInitialization(t *testing.T) {
	grpcServer, _ := setupTestGRPCServer(t)

	if grpcServer.server == nil {
		t.Error("Internal gRPC server should not be nil")
	}
	info := grpcServer.server.GetServiceInfo()
	methods := info[ServiceName].Methods
	if len(methods) != 7 {
		t.Errorf("expected 7 registered methods, got %d", len(methods))
	}
}

func TestJSONCodec(t *testing.T) {
	codec := jsonCodec{}
	if codec.Name() != "json" {
		t.Errorf("Name() = %s", codec.Name())
	}
	data, err := codec.Marshal(&CompareRequest{SourceA: "a", SourceB: "b"})
	if err != nil {
		t.Fatal(err)
	}
	var req CompareRequest
	if err := codec.Unmarshal(data, &req); err != nil {
		t.Fatal(err)
	}
	if req.SourceA != "a" || req.SourceB != "b" {
		t.Errorf("unexpected decode %+v", req)
	}
}

// ==================== Query Tests ====================

func TestGRPCQuery(t *testing.T) {
	grpcServer, _ := setupTestGRPCServer(t)
	client, cleanup := startTestGRPCServer(t, grpcServer)
	defer cleanup()

	rows, err := client.Query(testContext(t), "MATCH (b:Block) RETURN b.id AS id ORDER BY id")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(rows) != 2 || rows[0]["id"] != "q1" || rows[1]["id"] != "title" {
		t.Errorf("unexpected rows %v", rows)
	}
}

func TestGRPCQueryInvalid(t *testing.T) {
	grpcServer, _ := setupTestGRPCServer(t)
	client, cleanup := startTestGRPCServer(t, grpcServer)
	defer cleanup()

	if _, err := client.Query(testContext(t), "INVALID CYPHER QUERY"); err == nil {
		t.Error("Query should fail for invalid cypher")
	}
}

func TestGRPCSearch(t *testing.T) {
	grpcServer, _ := setupTestGRPCServer(t)
	client, cleanup := startTestGRPCServer(t, grpcServer)
	defer cleanup()

	results, err := client.Search(testContext(t), &SearchRequest{Query: "simplify"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].BlockID != "q1" {
		t.Errorf("unexpected results %+v", results)
	}
}

// ==================== History Tests ====================

func TestGRPCHistoryAndStatistics(t *testing.T) {
	grpcServer, svc := setupTestGRPCServer(t)
	client, cleanup := startTestGRPCServer(t, grpcServer)
	defer cleanup()
	ctx := testContext(t)

	source := tracker.NewSourceAttribution("tesseract", nil, 0.7)
	if _, err := svc.Tracker().RecordManualOverride("q1", "1. Simplify 4/8 ", source, "u1", "spacing"); err != nil {
		t.Fatal(err)
	}

	h, err := client.History(ctx, "q1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if h.CurrentText != "1. Simplify 4/8 " || h.ManualOverrideCount != 1 {
		t.Errorf("unexpected history %+v", h)
	}
	if h.InitialExtract.SourceAttribution.EngineName != parser.ReferenceEngine {
		t.Errorf("baseline source = %s", h.InitialExtract.SourceAttribution.EngineName)
	}

	if _, err := client.History(ctx, "missing"); err == nil {
		t.Error("unknown block should fail")
	}

	stats, err := client.Statistics(ctx)
	if err != nil {
		t.Fatalf("Statistics failed: %v", err)
	}
	if stats.TotalBlocks != 2 || stats.BlocksWithOverrides != 1 {
		t.Errorf("unexpected statistics %+v", stats)
	}
}

// ==================== Analysis Tests ====================

func TestGRPCRankAndCompare(t *testing.T) {
	grpcServer, svc := setupTestGRPCServer(t)
	client, cleanup := startTestGRPCServer(t, grpcServer)
	defer cleanup()
	ctx := testContext(t)

	source := tracker.NewSourceAttribution("tesseract", nil, 0.9)
	if _, err := svc.Tracker().RecordConsensusSelection("title", "Unit 3: Fractions", source, 1); err != nil {
		t.Fatal(err)
	}

	ranking, err := client.Rank(ctx, false)
	if err != nil {
		t.Fatalf("Rank failed: %v", err)
	}
	if len(ranking) != 2 || ranking[0].Rank != 1 {
		t.Errorf("unexpected ranking %+v", ranking)
	}

	cmp, err := client.Compare(ctx, "tesseract", "reference", false)
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	if cmp.SourceA != "tesseract" || cmp.ScoreDelta != cmp.ScoreA-cmp.ScoreB {
		t.Errorf("unexpected comparison %+v", cmp)
	}

	if _, err := client.Compare(ctx, "tesseract", "abbyy", false); err == nil {
		t.Error("unknown source should fail")
	}
}

func TestGRPCDetectPropagation(t *testing.T) {
	grpcServer, svc := setupTestGRPCServer(t)
	client, cleanup := startTestGRPCServer(t, grpcServer)
	defer cleanup()
	ctx := testContext(t)

	source := tracker.NewSourceAttribution("tesseract", nil, 0.9)
	override, err := svc.Tracker().RecordManualOverride("q1", "1. Simplify 6/8", source, "u1", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Tracker().RecordRecalculation("title", "Unit 3: Fractions!", source, "q1"); err != nil {
		t.Fatal(err)
	}

	chain, err := client.Propagation(ctx, "q1", override.ChangeID)
	if err != nil {
		t.Fatalf("Propagation failed: %v", err)
	}
	if chain.TriggerChangeID != override.ChangeID || chain.TotalAffectedBlocks != 1 {
		t.Errorf("unexpected chain %+v", chain)
	}
	if len(chain.PropagationSteps) != 1 || chain.PropagationSteps[0].AffectedBlockID != "title" {
		t.Errorf("unexpected steps %+v", chain.PropagationSteps)
	}

	if _, err := client.Propagation(ctx, "q1", "chg-99999999"); err == nil {
		t.Error("unknown change should fail")
	}
}
