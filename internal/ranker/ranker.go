// Package ranker scores sources by how their contributions fared in the
// change histories: how often they were selected, how often people had to
// override them, and how often their text survived to the end.
package ranker

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/boblangley/blockrecon/internal/config"
	"github.com/boblangley/blockrecon/internal/types"
)

// ErrUnknownSource is returned when a compared source never appears in the
// histories.
var ErrUnknownSource = errors.New("unknown source")

// Ranker turns histories into per-source accuracy metrics.
type Ranker struct {
	weights config.RankerWeights
}

// New creates a ranker. Weights are normalized to sum to 1.
func New(weights config.RankerWeights) *Ranker {
	return &Ranker{weights: weights.Normalized()}
}

type tally struct {
	metrics    types.AccuracyMetrics
	scoreSum   float64
	scoreCount int
}

// CalculateAccuracyMetrics walks every history in order and aggregates the
// metrics of each source. With includeConfig, sources are keyed by engine
// name and configuration hash.
func (r *Ranker) CalculateAccuracyMetrics(histories map[string]types.ChangeHistory, includeConfig bool) map[string]types.AccuracyMetrics {
	ids := make([]string, 0, len(histories))
	for id := range histories {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tallies := make(map[string]*tally)
	get := func(src types.SourceAttribution) *tally {
		id := src.SourceID(includeConfig)
		t, ok := tallies[id]
		if !ok {
			t = &tally{metrics: types.AccuracyMetrics{
				SourceID:          id,
				EngineName:        src.EngineName,
				ConfigurationHash: src.ConfigurationHash,
			}}
			tallies[id] = t
		}
		return t
	}

	for _, id := range ids {
		all := histories[id].All()
		for i, c := range all {
			t := get(c.SourceAttribution)
			t.metrics.TotalAppearances++

			switch c.ChangeType {
			case types.ChangeConsensusSelection:
				t.metrics.ConsensusSelections++
				if c.ConsensusScore != nil {
					t.scoreSum += *c.ConsensusScore
					t.scoreCount++
				}
			case types.ChangeManualOverride:
				t.metrics.ManualOverridesTo++
				if i > 0 {
					get(all[i-1].SourceAttribution).metrics.ManualOverridesFrom++
				}
			case types.ChangeRecalculation:
				t.metrics.Recalculations++
				if c.Previous() == c.NewText {
					t.metrics.StableRecalculations++
				}
			}
		}
		get(all[len(all)-1].SourceAttribution).metrics.FinalOutputCount++
	}

	out := make(map[string]types.AccuracyMetrics, len(tallies))
	for id, t := range tallies {
		out[id] = r.derive(t, len(histories))
	}
	return out
}

func (r *Ranker) derive(t *tally, totalBlocks int) types.AccuracyMetrics {
	m := t.metrics
	selections := m.ConsensusSelections + m.ManualOverridesTo

	if m.TotalAppearances > 0 {
		m.SelectionRate = float64(selections) / float64(m.TotalAppearances)
	}
	m.OverrideResistance = 1
	if selections > 0 {
		m.OverrideResistance = clamp01(1 - float64(m.ManualOverridesFrom)/float64(selections))
	}
	if totalBlocks > 0 {
		m.FinalOutputRate = float64(m.FinalOutputCount) / float64(totalBlocks)
	}
	m.RecalculationStability = 1
	if m.Recalculations > 0 {
		m.RecalculationStability = float64(m.StableRecalculations) / float64(m.Recalculations)
	}
	if t.scoreCount > 0 {
		m.AvgConsensusScore = t.scoreSum / float64(t.scoreCount)
	}

	w := r.weights
	m.AccuracyScore = clamp01(w.SelectionRate*m.SelectionRate +
		w.OverrideResistance*m.OverrideResistance +
		w.FinalOutput*m.FinalOutputRate +
		w.ConsensusScore*m.AvgConsensusScore)
	return m
}

// RankSources orders sources by accuracy score, best first. Ties are broken
// by source id so the ranking is stable.
func (r *Ranker) RankSources(metrics map[string]types.AccuracyMetrics) types.SourceRanking {
	sorted := make([]types.AccuracyMetrics, 0, len(metrics))
	for _, m := range metrics {
		sorted = append(sorted, m)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].AccuracyScore != sorted[j].AccuracyScore {
			return sorted[i].AccuracyScore > sorted[j].AccuracyScore
		}
		return sorted[i].SourceID < sorted[j].SourceID
	})

	ranked := make([]types.RankedSource, len(sorted))
	for i, m := range sorted {
		ranked[i] = types.RankedSource{Rank: i + 1, Metrics: m}
	}
	return types.NewSourceRanking(ranked)
}

// Rank computes metrics and ranks them in one call.
func (r *Ranker) Rank(histories map[string]types.ChangeHistory, includeConfig bool) types.SourceRanking {
	return r.RankSources(r.CalculateAccuracyMetrics(histories, includeConfig))
}

// CompareSources diffs two sources. Deltas are a minus b; Winner is empty
// when the scores tie.
func (r *Ranker) CompareSources(a, b string, histories map[string]types.ChangeHistory, includeConfig bool) (types.SourceComparison, error) {
	metrics := r.CalculateAccuracyMetrics(histories, includeConfig)
	ma, ok := metrics[a]
	if !ok {
		return types.SourceComparison{}, fmt.Errorf("compare %q: %w", a, ErrUnknownSource)
	}
	mb, ok := metrics[b]
	if !ok {
		return types.SourceComparison{}, fmt.Errorf("compare %q: %w", b, ErrUnknownSource)
	}

	cmp := types.SourceComparison{
		SourceA:    a,
		SourceB:    b,
		ScoreA:     ma.AccuracyScore,
		ScoreB:     mb.AccuracyScore,
		ScoreDelta: ma.AccuracyScore - mb.AccuracyScore,
		MetricDeltas: map[string]float64{
			"accuracy_score":          ma.AccuracyScore - mb.AccuracyScore,
			"selection_rate":          ma.SelectionRate - mb.SelectionRate,
			"override_resistance":     ma.OverrideResistance - mb.OverrideResistance,
			"final_output_rate":       ma.FinalOutputRate - mb.FinalOutputRate,
			"avg_consensus_score":     ma.AvgConsensusScore - mb.AvgConsensusScore,
			"recalculation_stability": ma.RecalculationStability - mb.RecalculationStability,
		},
	}
	switch {
	case math.Abs(cmp.ScoreDelta) < 1e-9:
	case cmp.ScoreDelta > 0:
		cmp.Winner = a
	default:
		cmp.Winner = b
	}
	return cmp, nil
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
