package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/boblangley/blockrecon/internal/config"
	"github.com/boblangley/blockrecon/internal/reconcile"
	"github.com/boblangley/blockrecon/internal/tracker"
	"github.com/boblangley/blockrecon/internal/types"
)

// Test helper functions

func createTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}
	return path
}

func createExtraction(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	createTestFile(t, dir, "reference.jsonl", `{"id":"h1","page":0,"text":"Weekly Quiz","bbox":[40,20,200,30]}
{"id":"q1","page":0,"text":"What is 7 x 8?","bbox":[40,55,160,20]}
`)
	createTestFile(t, dir, "tesseract.jsonl", `{"id":"w1","page":0,"text":"Weekly Quiz","bbox":[40,20,240,50]}
{"id":"w2","page":0,"text":"What is 7 x B?","bbox":[40,55,200,75]}
`)
	return dir
}

// createHistory writes a history file with a baseline, an override and a
// recalculation it caused.
func createHistory(t *testing.T) string {
	t.Helper()
	tr := tracker.New()
	ref := types.SourceAttribution{EngineName: "reference", ConfidenceScore: 1}
	tess := tracker.NewSourceAttribution("tesseract", nil, 0.8)

	steps := []func() error{
		func() error { _, err := tr.RecordInitialExtract("h1", "Weekly Quiz", ref); return err },
		func() error { _, err := tr.RecordInitialExtract("q1", "What is 7 x 8?", ref); return err },
		func() error {
			_, err := tr.RecordConsensusSelection("q1", "What is 7 x B?", tess, 0.5)
			return err
		},
		func() error {
			_, err := tr.RecordManualOverride("q1", "What is 7 x 8?", ref, "grader", "OCR confusion")
			return err
		},
		func() error {
			_, err := tr.RecordRecalculation("h1", "Weekly Quiz 3", tess, "q1")
			return err
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("failed to build history: %v", err)
		}
	}

	path := filepath.Join(t.TempDir(), "history.jsonl.xz")
	if err := tr.ExportFile(path); err != nil {
		t.Fatalf("failed to export history: %v", err)
	}
	return path
}

// run parses args and runs the selected command, returning its output.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	var cli CLI
	k, err := newParser(&cli, &out)
	if err != nil {
		t.Fatalf("newParser failed: %v", err)
	}
	ctx, err := k.Parse(args)
	if err != nil {
		return "", err
	}
	err = ctx.Run()
	return out.String(), err
}

// ==================== Match Tests ====================

func TestMatchCommand(t *testing.T) {
	out, err := run(t, "match", createExtraction(t))
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}
	if !strings.Contains(out, "tesseract") || !strings.Contains(out, "100.0%") {
		t.Errorf("unexpected output:\n%s", out)
	}
	if !strings.Contains(out, "baselined 2 block(s)") {
		t.Errorf("missing baseline count:\n%s", out)
	}
}

func TestMatchCommandJSON(t *testing.T) {
	out, err := run(t, "--json", "match", "--matches", createExtraction(t))
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}
	var result reconcile.RunResult
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if len(result.Engines) != 1 || len(result.Engines[0].Matches) != 2 {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestMatchCommandSave(t *testing.T) {
	dir := createExtraction(t)
	history := filepath.Join(t.TempDir(), "history.jsonl")

	if _, err := run(t, "--history", history, "match", "--save", dir); err != nil {
		t.Fatalf("match --save failed: %v", err)
	}
	out, err := run(t, "--history", history, "stats")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if !strings.Contains(out, "blocks") || !strings.Contains(out, "2") {
		t.Errorf("unexpected stats:\n%s", out)
	}
}

func TestMatchCommandUnknownEngine(t *testing.T) {
	if _, err := run(t, "match", "--engine", "abbyy", createExtraction(t)); err == nil {
		t.Error("unknown engine should fail")
	}
}

func TestMatchSaveRequiresHistory(t *testing.T) {
	if _, err := run(t, "match", "--save", createExtraction(t)); err == nil {
		t.Error("--save without --history should fail")
	}
}

// ==================== History Tests ====================

func TestHistoryCommand(t *testing.T) {
	out, err := run(t, "--history", createHistory(t), "history", "q1")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	for _, want := range []string{"initial_extract", "consensus_selection", "manual_override"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %s:\n%s", want, out)
		}
	}

	if _, err := run(t, "--history", createHistory(t), "history", "nope"); err == nil {
		t.Error("unknown block should fail")
	}
}

func TestCommandsRequireHistory(t *testing.T) {
	for _, args := range [][]string{{"stats"}, {"rank"}, {"compare", "a", "b"}, {"history", "q1"}, {"propagate", "q1"}} {
		if _, err := run(t, args...); err == nil {
			t.Errorf("%v without --history should fail", args)
		}
	}
}

// ==================== Analysis Tests ====================

func TestStatsCommandJSON(t *testing.T) {
	out, err := run(t, "--json", "--history", createHistory(t), "stats")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	var stats tracker.Statistics
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if stats.TotalBlocks != 2 || stats.BlocksWithOverrides != 1 || stats.BlocksWithRecalculations != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestRankCommand(t *testing.T) {
	out, err := run(t, "--json", "--history", createHistory(t), "rank")
	if err != nil {
		t.Fatalf("rank failed: %v", err)
	}
	var ranking []types.RankedSource
	if err := json.Unmarshal([]byte(out), &ranking); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(ranking) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(ranking))
	}
	for i, r := range ranking {
		if r.Rank != i+1 {
			t.Errorf("rank %d at position %d", r.Rank, i)
		}
		if r.Metrics.AccuracyScore < 0 || r.Metrics.AccuracyScore > 1 {
			t.Errorf("score out of range: %v", r.Metrics.AccuracyScore)
		}
	}
}

func TestCompareCommand(t *testing.T) {
	history := createHistory(t)
	out, err := run(t, "--history", history, "compare", "reference", "tesseract")
	if err != nil {
		t.Fatalf("compare failed: %v", err)
	}
	if !strings.Contains(out, "winner") || !strings.Contains(out, "selection_rate") {
		t.Errorf("unexpected output:\n%s", out)
	}

	if _, err := run(t, "--history", history, "compare", "reference", "abbyy"); err == nil {
		t.Error("unknown source should fail")
	}
}

func TestPropagateCommand(t *testing.T) {
	out, err := run(t, "--json", "--history", createHistory(t), "propagate", "--dir", createExtraction(t), "q1")
	if err != nil {
		t.Fatalf("propagate failed: %v", err)
	}
	var chain types.PropagationChain
	if err := json.Unmarshal([]byte(out), &chain); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if chain.TotalAffectedBlocks != 1 || chain.PropagationSteps[0].AffectedBlockID != "h1" {
		t.Errorf("unexpected chain %+v", chain)
	}
}

func TestPropagateRequiresDir(t *testing.T) {
	if _, err := run(t, "--history", createHistory(t), "propagate", "q1"); err == nil {
		t.Error("offline propagate without --dir should fail")
	}
}

// ==================== Export Tests ====================

func TestExportCommand(t *testing.T) {
	out := filepath.Join(t.TempDir(), "plain.jsonl")
	msg, err := run(t, "--history", createHistory(t), "export", "--out", out)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if !strings.Contains(msg, "exported 2 block(s)") {
		t.Errorf("unexpected output %q", msg)
	}

	// The plain export loads back with the same content
	svc := reconcile.New(reconcile.Config{Engine: config.Default()})
	n, err := svc.LoadHistories(t.Context(), out)
	if err != nil || n != 2 {
		t.Fatalf("reload: n=%d err=%v", n, err)
	}
	text, _ := svc.Tracker().CurrentText("h1")
	if text != "Weekly Quiz 3" {
		t.Errorf("current text = %q", text)
	}
}

func TestLogLevel(t *testing.T) {
	if _, err := run(t, "--log-level", "verbose", "stats"); err == nil {
		t.Error("unknown --log-level should be rejected")
	}

	g := &Globals{LogLevel: "loud"}
	if _, err := g.logger(); err == nil {
		t.Error("logger should fail on an unknown level")
	}
	if _, err := g.service(t.Context()); err == nil {
		t.Error("service should surface the log level error")
	}

	g.LogLevel = "debug"
	if _, err := g.logger(); err != nil {
		t.Errorf("debug level rejected: %v", err)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "blockrecon ") {
		t.Errorf("unexpected version output %q", out)
	}
}
