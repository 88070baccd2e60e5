// Package types defines the core data structures for blockrecon.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// BBoxFormat identifies how the four bbox values of a Block are laid out.
type BBoxFormat int

const (
	// BBoxXYWH is [x, y, width, height], used by the reference layout extractor.
	BBoxXYWH BBoxFormat = iota
	// BBoxCorners is [x1, y1, x2, y2], used by candidate recognition engines.
	BBoxCorners
)

// String returns the tag used in files and logs.
func (f BBoxFormat) String() string {
	if f == BBoxCorners {
		return "corners"
	}
	return "xywh"
}

// Block is a unit of extracted text on a page.
type Block struct {
	// ID is unique per engine and document.
	ID string `json:"id"`

	// Page is the zero-based page index.
	Page int `json:"page"`

	// Text is the extracted text, already trimmed by the extraction layer.
	Text string `json:"text"`

	// BBox holds four values whose meaning depends on BBoxFormat.
	// Nil or malformed boxes are skipped by spatial strategies.
	BBox []float64 `json:"bbox,omitempty"`

	// BBoxFormat tells geometry how to read BBox.
	BBoxFormat BBoxFormat `json:"-"`

	// Confidence is the engine's own confidence, if it reports one.
	Confidence float64 `json:"confidence,omitempty"`
}

// MatchType records which strategy produced a Match.
type MatchType string

const (
	MatchExactText            MatchType = "exact_text"
	MatchExactTextNormalized  MatchType = "exact_text_normalized"
	MatchExactHighSimilarity  MatchType = "exact_high_similarity"
	MatchFuzzySimilarity      MatchType = "fuzzy_similarity"
	MatchSingleCharContain    MatchType = "single_char_containment"
	MatchSpatialOnly          MatchType = "spatial_only"
	MatchSpatialPartialText   MatchType = "spatial_partial_text"
	MatchSpatialWithText      MatchType = "spatial_with_text"
	MatchCharacterCombination MatchType = "character_combination"
	MatchWordCombination      MatchType = "word_combination"
	MatchSpatialCombination   MatchType = "spatial_combination"
	MatchForcedSpatialGood    MatchType = "forced_spatial_good"
	MatchForcedSpatialWeak    MatchType = "forced_spatial_weak"
	MatchForcedSpatialMinimal MatchType = "forced_spatial_minimal"
)

// MatchTypes lists every match type in cascade order.
var MatchTypes = []MatchType{
	MatchExactText,
	MatchExactTextNormalized,
	MatchExactHighSimilarity,
	MatchFuzzySimilarity,
	MatchSingleCharContain,
	MatchSpatialOnly,
	MatchSpatialPartialText,
	MatchSpatialWithText,
	MatchCharacterCombination,
	MatchWordCombination,
	MatchSpatialCombination,
	MatchForcedSpatialGood,
	MatchForcedSpatialWeak,
	MatchForcedSpatialMinimal,
}

// IsExact reports whether the match type always carries a score of 1.0.
func (t MatchType) IsExact() bool {
	switch t {
	case MatchExactText, MatchExactTextNormalized, MatchExactHighSimilarity:
		return true
	}
	return false
}

// IsCombination reports whether the match type maps many candidates to one reference.
func (t MatchType) IsCombination() bool {
	switch t {
	case MatchCharacterCombination, MatchWordCombination, MatchSpatialCombination:
		return true
	}
	return false
}

// IsForced reports whether the match came from the forced fallback.
func (t MatchType) IsForced() bool {
	switch t {
	case MatchForcedSpatialGood, MatchForcedSpatialWeak, MatchForcedSpatialMinimal:
		return true
	}
	return false
}

// Match pairs one candidate block with one reference block.
type Match struct {
	CandidateBlockID string    `json:"candidate_block_id"`
	ReferenceBlockID string    `json:"reference_block_id"`
	Page             int       `json:"page"`
	SimilarityScore  float64   `json:"similarity_score"`
	MatchType        MatchType `json:"match_type"`
	BBoxSimilarity   float64   `json:"bbox_similarity"`
}

// SourceAttribution records who produced a text value and how.
type SourceAttribution struct {
	EngineName          string         `json:"engine_name"`
	ConfigurationHash   string         `json:"configuration_hash,omitempty"`
	ConfigurationParams map[string]any `json:"configuration_params,omitempty"`
	ConfidenceScore     float64        `json:"confidence_score"`
	ProcessingTimestamp *time.Time     `json:"processing_timestamp,omitempty"`
	ExtractionMetadata  map[string]any `json:"extraction_metadata,omitempty"`
}

// SourceID identifies the source for ranking. With includeConfig the
// engine name is qualified by a short configuration hash.
func (s SourceAttribution) SourceID(includeConfig bool) string {
	if includeConfig && s.ConfigurationHash != "" {
		h := s.ConfigurationHash
		if len(h) > 8 {
			h = h[:8]
		}
		return s.EngineName + "@" + h
	}
	return s.EngineName
}

// ChangeType is the closed set of reasons a block's text can change.
type ChangeType int

const (
	ChangeInitialExtract ChangeType = iota
	ChangeConsensusSelection
	ChangeManualOverride
	ChangeMergeResult
	ChangeRecalculation
	ChangeCorrection
)

// ChangeTypes lists every change type.
var ChangeTypes = []ChangeType{
	ChangeInitialExtract,
	ChangeConsensusSelection,
	ChangeManualOverride,
	ChangeMergeResult,
	ChangeRecalculation,
	ChangeCorrection,
}

var changeTypeTags = [...]string{
	ChangeInitialExtract:     "initial_extract",
	ChangeConsensusSelection: "consensus_selection",
	ChangeManualOverride:     "manual_override",
	ChangeMergeResult:        "merge_result",
	ChangeRecalculation:      "recalculation",
	ChangeCorrection:         "correction",
}

// String returns the tag used in exports.
func (c ChangeType) String() string {
	if c < 0 || int(c) >= len(changeTypeTags) {
		return fmt.Sprintf("change_type(%d)", int(c))
	}
	return changeTypeTags[c]
}

// ParseChangeType converts a tag back into a ChangeType.
func ParseChangeType(s string) (ChangeType, error) {
	for i, tag := range changeTypeTags {
		if tag == s {
			return ChangeType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown change type %q", s)
}

// MarshalJSON renders the change type as its string tag.
func (c ChangeType) MarshalJSON() ([]byte, error) {
	if c < 0 || int(c) >= len(changeTypeTags) {
		return nil, fmt.Errorf("invalid change type %d", int(c))
	}
	return json.Marshal(changeTypeTags[c])
}

// UnmarshalJSON parses a string tag.
func (c *ChangeType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("change type: %w", err)
	}
	parsed, err := ParseChangeType(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// MetaTriggerBlockID is the metadata key naming the block whose change
// caused a recalculation.
const MetaTriggerBlockID = "trigger_block_id"

// BlockChange is one entry in a block's history.
type BlockChange struct {
	ChangeID           string              `json:"change_id"`
	BlockID            string              `json:"block_id"`
	ChangeType         ChangeType          `json:"change_type"`
	Timestamp          time.Time           `json:"timestamp"`
	PreviousText       *string             `json:"previous_text,omitempty"`
	NewText            string              `json:"new_text"`
	SourceAttribution  SourceAttribution   `json:"source_attribution"`
	ConsensusScore     *float64            `json:"consensus_score,omitempty"`
	AlternativeSources []SourceAttribution `json:"alternative_sources,omitempty"`
	UserID             string              `json:"user_id,omitempty"`
	ChangeReason       string              `json:"change_reason,omitempty"`
	AffectedNeighbors  []string            `json:"affected_neighbors,omitempty"`
	Metadata           map[string]any      `json:"metadata,omitempty"`
}

// Previous returns the previous text, or "" when there was none.
func (c BlockChange) Previous() string {
	if c.PreviousText == nil {
		return ""
	}
	return *c.PreviousText
}

// TriggerBlockID returns the trigger named in the metadata, if any.
func (c BlockChange) TriggerBlockID() string {
	if v, ok := c.Metadata[MetaTriggerBlockID].(string); ok {
		return v
	}
	return ""
}

// ChangeHistory is the append-only record of one block.
type ChangeHistory struct {
	BlockID             string        `json:"block_id"`
	InitialExtract      BlockChange   `json:"initial_extract"`
	Changes             []BlockChange `json:"changes"`
	CurrentText         string        `json:"current_text"`
	RecalculationCount  int           `json:"recalculation_count"`
	ManualOverrideCount int           `json:"manual_override_count"`
}

// Latest returns the most recent change, falling back to the baseline.
func (h ChangeHistory) Latest() BlockChange {
	if n := len(h.Changes); n > 0 {
		return h.Changes[n-1]
	}
	return h.InitialExtract
}

// All returns the baseline followed by every change, in order.
func (h ChangeHistory) All() []BlockChange {
	all := make([]BlockChange, 0, len(h.Changes)+1)
	all = append(all, h.InitialExtract)
	return append(all, h.Changes...)
}

// PropagationResult is one step of a propagation chain.
type PropagationResult struct {
	AffectedBlockID   string  `json:"affected_block_id"`
	SourceBlockID     string  `json:"source_block_id"`
	Depth             int     `json:"depth"`
	ChangeID          string  `json:"change_id"`
	PreviousText      string  `json:"previous_text"`
	NewText           string  `json:"new_text"`
	ChangeMagnitude   float64 `json:"change_magnitude"`
	ExceededThreshold bool    `json:"exceeded_threshold"`
}

// PropagationChain summarizes the ripple effects of one change.
type PropagationChain struct {
	TriggerBlockID      string              `json:"trigger_block_id"`
	TriggerChangeID     string              `json:"trigger_change_id"`
	PropagationSteps    []PropagationResult `json:"propagation_steps"`
	TotalAffectedBlocks int                 `json:"total_affected_blocks"`
	MaxPropagationDepth int                 `json:"max_propagation_depth"`
	StoppedNaturally    bool                `json:"stopped_naturally"`
}

// AccuracyMetrics aggregates how one source fared across all histories.
type AccuracyMetrics struct {
	SourceID          string `json:"source_id"`
	EngineName        string `json:"engine_name"`
	ConfigurationHash string `json:"configuration_hash,omitempty"`

	TotalAppearances     int `json:"total_appearances"`
	ConsensusSelections  int `json:"consensus_selections"`
	ManualOverridesFrom  int `json:"manual_overrides_from"`
	ManualOverridesTo    int `json:"manual_overrides_to"`
	Recalculations       int `json:"recalculations"`
	StableRecalculations int `json:"stable_recalculations"`
	FinalOutputCount     int `json:"final_output_count"`

	RecalculationStability float64 `json:"recalculation_stability"`
	AvgConsensusScore      float64 `json:"avg_consensus_score"`
	SelectionRate          float64 `json:"selection_rate"`
	OverrideResistance     float64 `json:"override_resistance"`
	FinalOutputRate        float64 `json:"final_output_rate"`
	AccuracyScore          float64 `json:"accuracy_score"`
}

// RankedSource is one entry of a SourceRanking.
type RankedSource struct {
	Rank    int             `json:"rank"`
	Metrics AccuracyMetrics `json:"metrics"`
}

// SourceRanking orders sources by accuracy score, best first.
type SourceRanking struct {
	Sources []RankedSource `json:"sources"`
	ranks   map[string]int
}

// NewSourceRanking builds a ranking from already sorted entries.
func NewSourceRanking(sources []RankedSource) SourceRanking {
	ranks := make(map[string]int, len(sources))
	for _, s := range sources {
		ranks[s.Metrics.SourceID] = s.Rank
	}
	return SourceRanking{Sources: sources, ranks: ranks}
}

// Rank returns the 1-based rank of a source.
func (r SourceRanking) Rank(sourceID string) (int, bool) {
	rank, ok := r.ranks[sourceID]
	return rank, ok
}

// SourceComparison is a head-to-head diff of two sources.
type SourceComparison struct {
	SourceA      string             `json:"source_a"`
	SourceB      string             `json:"source_b"`
	ScoreA       float64            `json:"score_a"`
	ScoreB       float64            `json:"score_b"`
	ScoreDelta   float64            `json:"score_delta"`
	Winner       string             `json:"winner"`
	MetricDeltas map[string]float64 `json:"metric_deltas"`
}
