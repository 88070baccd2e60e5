// Package config provides the blockrecon configuration value object.
//
// A Config is built once at process start (Default, optionally overlaid by a
// YAML file through Load) and passed by value into the matcher, detector and
// ranker. There is no package-level mutable state.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the reconciliation engine.
type Config struct {
	Matcher     MatcherConfig     `yaml:"matcher" json:"matcher"`
	Filter      FilterConfig      `yaml:"filter" json:"filter"`
	Propagation PropagationConfig `yaml:"propagation" json:"propagation"`
	Ranker      RankerWeights     `yaml:"ranker" json:"ranker"`
	Neighbors   NeighborConfig    `yaml:"neighbors" json:"neighbors"`
}

// MatcherConfig holds the thresholds of the matching cascade.
type MatcherConfig struct {
	// FuzzyThreshold is the minimum best-of similarity for a fuzzy match.
	FuzzyThreshold float64 `yaml:"fuzzy_threshold" json:"fuzzy_threshold"`

	// HighSimilarityThreshold upgrades a fuzzy match to exact with score 1.0.
	// Line-break and whitespace differences land above it.
	HighSimilarityThreshold float64 `yaml:"high_similarity_threshold" json:"high_similarity_threshold"`

	// FuzzyMinLengthRatio is the minimum shorter/longer rune-length ratio
	// for a fuzzy match. 0 compares every pair, so a correctly read fragment
	// scores through partial ratio and can snap to exact.
	FuzzyMinLengthRatio float64 `yaml:"fuzzy_min_length_ratio" json:"fuzzy_min_length_ratio"`

	// SingleCharMinConfidence and SingleCharMinOverlap gate containment
	// matches for one-character candidates.
	SingleCharMinConfidence float64 `yaml:"single_char_min_confidence" json:"single_char_min_confidence"`
	SingleCharMinOverlap    float64 `yaml:"single_char_min_overlap" json:"single_char_min_overlap"`

	// DeferFragments leaves multi-character candidates whose text is a strict
	// part of the overlapping reference to the combination stages instead of
	// matching them spatially. Single characters are always deferred.
	DeferFragments bool `yaml:"defer_fragments" json:"defer_fragments"`

	// SpatialIoUFloor is the minimum IoU for a spatial-first match.
	SpatialIoUFloor float64 `yaml:"spatial_iou_floor" json:"spatial_iou_floor"`
	// SpatialWeight is the share of IoU in spatial scores; text gets the rest.
	SpatialWeight float64 `yaml:"spatial_weight" json:"spatial_weight"`
	// SpatialWithTextThreshold and SpatialPartialTextThreshold pick the
	// spatial match type from the text similarity.
	SpatialWithTextThreshold    float64 `yaml:"spatial_with_text_threshold" json:"spatial_with_text_threshold"`
	SpatialPartialTextThreshold float64 `yaml:"spatial_partial_text_threshold" json:"spatial_partial_text_threshold"`

	// CharComboMargin expands the target rect by this fraction of its height
	// when deciding which single characters are eligible.
	CharComboMargin        float64 `yaml:"char_combo_margin" json:"char_combo_margin"`
	CharComboMinConfidence float64 `yaml:"char_combo_min_confidence" json:"char_combo_min_confidence"`

	// WordComboMaxWords limits candidates considered for word combination.
	WordComboMaxWords    int     `yaml:"word_combo_max_words" json:"word_combo_max_words"`
	WordComboMinCoverage float64 `yaml:"word_combo_min_coverage" json:"word_combo_min_coverage"`
	WordComboMinWeight   float64 `yaml:"word_combo_min_weight" json:"word_combo_min_weight"`

	SpatialClusterSize          int     `yaml:"spatial_cluster_size" json:"spatial_cluster_size"`
	SpatialClusterMinSimilarity float64 `yaml:"spatial_cluster_min_similarity" json:"spatial_cluster_min_similarity"`

	// ForcedMinIoU is the ultra-relaxed floor of the forced fallback. Below
	// it the nearest reference by center distance is taken instead.
	ForcedMinIoU float64 `yaml:"forced_min_iou" json:"forced_min_iou"`
	// ForcedSpatialWeight is the share of IoU in forced scores.
	ForcedSpatialWeight float64 `yaml:"forced_spatial_weight" json:"forced_spatial_weight"`
	ForcedGoodIoU       float64 `yaml:"forced_good_iou" json:"forced_good_iou"`
	ForcedWeakIoU       float64 `yaml:"forced_weak_iou" json:"forced_weak_iou"`

	// Parallel runs pages concurrently.
	Parallel bool `yaml:"parallel" json:"parallel"`
}

// FilterConfig decides which blocks take part in matching.
type FilterConfig struct {
	IgnoreImages     bool   `yaml:"ignore_images" json:"ignore_images"`
	ImagePlaceholder string `yaml:"image_placeholder" json:"image_placeholder"`
}

// PropagationConfig bounds the propagation traversal.
type PropagationConfig struct {
	// SimilarityThreshold: a recalculation counts as a change when its
	// magnitude exceeds 1 - SimilarityThreshold.
	SimilarityThreshold float64 `yaml:"similarity_threshold" json:"similarity_threshold"`
	MaxDepth            int     `yaml:"max_depth" json:"max_depth"`
	// VisitFactor times MaxDepth caps the number of visited blocks.
	VisitFactor int `yaml:"visit_factor" json:"visit_factor"`
}

// MaxVisits returns the node-visit safety cap.
func (p PropagationConfig) MaxVisits() int {
	return p.MaxDepth * p.VisitFactor
}

// RankerWeights weight the components of the accuracy score.
type RankerWeights struct {
	SelectionRate      float64 `yaml:"selection_rate" json:"selection_rate"`
	OverrideResistance float64 `yaml:"override_resistance" json:"override_resistance"`
	FinalOutput        float64 `yaml:"final_output" json:"final_output"`
	ConsensusScore     float64 `yaml:"consensus_score" json:"consensus_score"`
}

// Normalized scales the weights to sum to 1. All-zero weights fall back to
// the defaults.
func (w RankerWeights) Normalized() RankerWeights {
	total := w.SelectionRate + w.OverrideResistance + w.FinalOutput + w.ConsensusScore
	if total <= 0 {
		return Default().Ranker.Normalized()
	}
	return RankerWeights{
		SelectionRate:      w.SelectionRate / total,
		OverrideResistance: w.OverrideResistance / total,
		FinalOutput:        w.FinalOutput / total,
		ConsensusScore:     w.ConsensusScore / total,
	}
}

// NeighborConfig controls how adjacency is derived from reference layout.
type NeighborConfig struct {
	// Margin expands each rect by this fraction of its smaller side.
	Margin float64 `yaml:"margin" json:"margin"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		Matcher: MatcherConfig{
			FuzzyThreshold:              0.7,
			HighSimilarityThreshold:     0.90,
			FuzzyMinLengthRatio:         0,
			SingleCharMinConfidence:     0.6,
			SingleCharMinOverlap:        0.3,
			SpatialIoUFloor:             0.1,
			SpatialWeight:               0.8,
			SpatialWithTextThreshold:    0.5,
			SpatialPartialTextThreshold: 0.3,
			CharComboMargin:             0.5,
			CharComboMinConfidence:      0.5,
			WordComboMaxWords:           2,
			WordComboMinCoverage:        0.7,
			WordComboMinWeight:          0.5,
			SpatialClusterSize:          5,
			SpatialClusterMinSimilarity: 0.6,
			ForcedMinIoU:                0.001,
			ForcedSpatialWeight:         0.9,
			ForcedGoodIoU:               0.5,
			ForcedWeakIoU:               0.1,
			Parallel:                    true,
		},
		Filter: FilterConfig{
			IgnoreImages:     false,
			ImagePlaceholder: "[IMAGE]",
		},
		Propagation: PropagationConfig{
			SimilarityThreshold: 0.95,
			MaxDepth:            10,
			VisitFactor:         10,
		},
		Ranker: RankerWeights{
			SelectionRate:      0.3,
			OverrideResistance: 0.25,
			FinalOutput:        0.35,
			ConsensusScore:     0.1,
		},
		Neighbors: NeighborConfig{
			Margin: 0.5,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges.
func (c Config) Validate() error {
	unit := map[string]float64{
		"matcher.fuzzy_threshold":                c.Matcher.FuzzyThreshold,
		"matcher.high_similarity_threshold":      c.Matcher.HighSimilarityThreshold,
		"matcher.fuzzy_min_length_ratio":         c.Matcher.FuzzyMinLengthRatio,
		"matcher.single_char_min_confidence":     c.Matcher.SingleCharMinConfidence,
		"matcher.single_char_min_overlap":        c.Matcher.SingleCharMinOverlap,
		"matcher.spatial_iou_floor":              c.Matcher.SpatialIoUFloor,
		"matcher.spatial_weight":                 c.Matcher.SpatialWeight,
		"matcher.spatial_with_text_threshold":    c.Matcher.SpatialWithTextThreshold,
		"matcher.spatial_partial_text_threshold": c.Matcher.SpatialPartialTextThreshold,
		"matcher.char_combo_min_confidence":      c.Matcher.CharComboMinConfidence,
		"matcher.word_combo_min_coverage":        c.Matcher.WordComboMinCoverage,
		"matcher.word_combo_min_weight":          c.Matcher.WordComboMinWeight,
		"matcher.spatial_cluster_min_similarity": c.Matcher.SpatialClusterMinSimilarity,
		"matcher.forced_min_iou":                 c.Matcher.ForcedMinIoU,
		"matcher.forced_spatial_weight":          c.Matcher.ForcedSpatialWeight,
		"matcher.forced_good_iou":                c.Matcher.ForcedGoodIoU,
		"matcher.forced_weak_iou":                c.Matcher.ForcedWeakIoU,
		"propagation.similarity_threshold":       c.Propagation.SimilarityThreshold,
	}
	for name, v := range unit {
		if v < 0 || v > 1 {
			return fmt.Errorf("invalid config: %s must be within [0,1], got %v", name, v)
		}
	}
	if c.Matcher.HighSimilarityThreshold < c.Matcher.FuzzyThreshold {
		return fmt.Errorf("invalid config: matcher.high_similarity_threshold below fuzzy_threshold")
	}
	if c.Matcher.WordComboMaxWords < 1 || c.Matcher.SpatialClusterSize < 2 {
		return fmt.Errorf("invalid config: word_combo_max_words must be >= 1 and spatial_cluster_size >= 2")
	}
	if c.Propagation.MaxDepth < 1 || c.Propagation.VisitFactor < 1 {
		return fmt.Errorf("invalid config: propagation.max_depth and visit_factor must be positive")
	}
	if c.Neighbors.Margin < 0 {
		return fmt.Errorf("invalid config: neighbors.margin must not be negative")
	}
	w := c.Ranker
	if w.SelectionRate < 0 || w.OverrideResistance < 0 || w.FinalOutput < 0 || w.ConsensusScore < 0 {
		return fmt.Errorf("invalid config: ranker weights must not be negative")
	}
	return nil
}

// WriteJSON writes the effective config to dir/effective_config.json.
func WriteJSON(cfg Config, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(filepath.Join(dir, "effective_config.json"), data, 0644)
}

// LoadJSON loads a config written by WriteJSON.
func LoadJSON(dir string) (Config, error) {
	data, err := os.ReadFile(filepath.Join(dir, "effective_config.json"))
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}
