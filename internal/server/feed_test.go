package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/boblangley/blockrecon/internal/config"
	"github.com/boblangley/blockrecon/internal/reconcile"
	"github.com/boblangley/blockrecon/internal/tracker"
	"github.com/boblangley/blockrecon/internal/types"
)

func startTestFeed(t *testing.T, cfg FeedConfig) (*Feed, *httptest.Server) {
	t.Helper()
	feed := NewFeed(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go feed.Run(ctx)

	srv := httptest.NewServer(feed)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return feed, srv
}

func dialFeed(t *testing.T, feed *Feed, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	// Wait for the subscription to register
	deadline := time.Now().Add(2 * time.Second)
	for feed.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) FeedEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	var ev FeedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("Invalid event %s: %v", data, err)
	}
	return ev
}

// ==================== Feed Tests ====================

func TestFeedBroadcastsChanges(t *testing.T) {
	feed, srv := startTestFeed(t, FeedConfig{})
	conn := dialFeed(t, feed, srv)

	tr := tracker.New(tracker.WithObserver(feed.Observe))
	src := tracker.NewSourceAttribution("tesseract", nil, 0.9)
	if _, err := tr.RecordInitialExtract("b1", "Grade 8", src); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.RecordManualOverride("b1", "Grade 9", src, "u1", "typo"); err != nil {
		t.Fatal(err)
	}

	first := readEvent(t, conn)
	if first.Type != "change" || first.Change == nil || first.Change.ChangeType != types.ChangeInitialExtract {
		t.Errorf("unexpected first event %+v", first)
	}
	second := readEvent(t, conn)
	if second.Change == nil || second.Change.ChangeType != types.ChangeManualOverride || second.Change.NewText != "Grade 9" {
		t.Errorf("unexpected second event %+v", second)
	}
}

func TestFeedPublishRunOmitsMatches(t *testing.T) {
	feed, srv := startTestFeed(t, FeedConfig{})
	conn := dialFeed(t, feed, srv)

	result := reconcile.RunResult{
		Baselined: 2,
		Engines: []reconcile.EngineResult{{
			Engine:  "tesseract",
			Matches: []types.Match{{CandidateBlockID: "t1", ReferenceBlockID: "r1"}},
		}},
	}
	feed.PublishRun(result)

	ev := readEvent(t, conn)
	if ev.Type != "run" || ev.Run == nil {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Run.Baselined != 2 || len(ev.Run.Engines) != 1 || ev.Run.Engines[0].Matches != nil {
		t.Errorf("unexpected run %+v", ev.Run)
	}
	if len(result.Engines[0].Matches) != 1 {
		t.Error("PublishRun must not modify the caller's result")
	}
}

func TestFeedWithService(t *testing.T) {
	feed, srv := startTestFeed(t, FeedConfig{})
	conn := dialFeed(t, feed, srv)

	svc := reconcile.New(reconcile.Config{
		Engine:  config.Default(),
		Tracker: tracker.New(tracker.WithObserver(feed.Observe)),
	})
	score := 0.75
	src := tracker.NewSourceAttribution("docling", nil, 0.8)
	if _, err := svc.Record(context.Background(), reconcile.RecordRequest{BlockID: "b1", Type: types.ChangeInitialExtract, Text: "x", Source: src}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Record(context.Background(), reconcile.RecordRequest{BlockID: "b1", Type: types.ChangeConsensusSelection, Text: "y", Source: src, ConsensusScore: &score}); err != nil {
		t.Fatal(err)
	}

	readEvent(t, conn)
	ev := readEvent(t, conn)
	if ev.Change == nil || ev.Change.ConsensusScore == nil || *ev.Change.ConsensusScore != 0.75 {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestFeedRejectsForeignOrigin(t *testing.T) {
	_, srv := startTestFeed(t, FeedConfig{AllowedOrigins: []string{"https://review.example"}})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	header := http.Header{"Origin": []string{"https://evil.example"}}
	if _, _, err := websocket.DefaultDialer.Dial(wsURL, header); err == nil {
		t.Error("foreign origin should be rejected")
	}

	header.Set("Origin", "https://review.example")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	conn.Close()
}

func TestFeedUnsubscribe(t *testing.T) {
	feed, srv := startTestFeed(t, FeedConfig{})
	conn := dialFeed(t, feed, srv)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for feed.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not removed after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
