package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

// ==================== Default Tests ====================

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() should validate: %v", err)
	}
}

func TestDefaultThresholds(t *testing.T) {
	cfg := Default()

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"fuzzy", cfg.Matcher.FuzzyThreshold, 0.7},
		{"high similarity", cfg.Matcher.HighSimilarityThreshold, 0.90},
		{"spatial floor", cfg.Matcher.SpatialIoUFloor, 0.1},
		{"forced floor", cfg.Matcher.ForcedMinIoU, 0.001},
		{"propagation similarity", cfg.Propagation.SimilarityThreshold, 0.95},
	}
	for _, tc := range tests {
		if tc.got != tc.want {
			t.Errorf("%s = %v, want %v", tc.name, tc.got, tc.want)
		}
	}

	if cfg.Propagation.MaxVisits() != 100 {
		t.Errorf("MaxVisits() = %d, want 100", cfg.Propagation.MaxVisits())
	}
}

func TestRankerWeightsNormalized(t *testing.T) {
	w := RankerWeights{SelectionRate: 3, OverrideResistance: 2.5, FinalOutput: 3.5, ConsensusScore: 1}.Normalized()
	sum := w.SelectionRate + w.OverrideResistance + w.FinalOutput + w.ConsensusScore
	if sum < 0.999999 || sum > 1.000001 {
		t.Errorf("normalized weights sum to %v", sum)
	}
	if w.SelectionRate < 0.2999 || w.SelectionRate > 0.3001 {
		t.Errorf("SelectionRate = %v, want 0.3", w.SelectionRate)
	}

	zero := RankerWeights{}.Normalized()
	if zero.FinalOutput < 0.3499 || zero.FinalOutput > 0.3501 {
		t.Errorf("zero weights should fall back to defaults, got %+v", zero)
	}
}

// ==================== Load Tests ====================

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") failed: %v", err)
	}
	if cfg.Matcher.FuzzyThreshold != 0.7 {
		t.Errorf("expected defaults, got %+v", cfg.Matcher)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "blockrecon.yaml", `
matcher:
  fuzzy_threshold: 0.8
filter:
  ignore_images: true
propagation:
  max_depth: 4
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Matcher.FuzzyThreshold != 0.8 {
		t.Errorf("FuzzyThreshold = %v, want 0.8", cfg.Matcher.FuzzyThreshold)
	}
	if cfg.Matcher.HighSimilarityThreshold != 0.90 {
		t.Errorf("untouched HighSimilarityThreshold = %v, want 0.90", cfg.Matcher.HighSimilarityThreshold)
	}
	if !cfg.Filter.IgnoreImages {
		t.Error("IgnoreImages should be true")
	}
	if cfg.Filter.ImagePlaceholder != "[IMAGE]" {
		t.Errorf("ImagePlaceholder = %q, want default", cfg.Filter.ImagePlaceholder)
	}
	if cfg.Propagation.MaxVisits() != 40 {
		t.Errorf("MaxVisits() = %d, want 40", cfg.Propagation.MaxVisits())
	}
}

func TestLoadRejectsOutOfRange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.yaml", "matcher:\n  spatial_iou_floor: 1.5\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "spatial_iou_floor") {
		t.Errorf("error should name the field, got %v", err)
	}
}

func TestLoadRejectsInvertedThresholds(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.yaml", "matcher:\n  fuzzy_threshold: 0.95\n  high_similarity_threshold: 0.9\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected error when high similarity threshold is below fuzzy threshold")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.yaml", "matcher: [unterminated\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

// ==================== JSON Snapshot Tests ====================

func TestWriteAndLoadJSON(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	cfg := Default()
	cfg.Filter.IgnoreImages = true
	cfg.Neighbors.Margin = 0.25

	if err := WriteJSON(cfg, dir); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}

	loaded, err := LoadJSON(dir)
	if err != nil {
		t.Fatalf("LoadJSON failed: %v", err)
	}
	if loaded != cfg {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", loaded, cfg)
	}
}

func TestLoadJSONMissing(t *testing.T) {
	if _, err := LoadJSON(t.TempDir()); err == nil {
		t.Fatal("expected error for missing snapshot")
	}
}
