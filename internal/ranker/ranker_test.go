package ranker

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/boblangley/blockrecon/internal/config"
	"github.com/boblangley/blockrecon/internal/tracker"
	"github.com/boblangley/blockrecon/internal/types"
)

func src(engine string) types.SourceAttribution {
	return types.SourceAttribution{EngineName: engine, ConfidenceScore: 0.9}
}

func newRanker() *Ranker {
	return New(config.Default().Ranker)
}

// mustRecord fails the test when a tracker write fails. Use it as
// mustRecord(t)(tr.Record...(...)).
func mustRecord(t *testing.T) func(types.BlockChange, error) {
	return func(_ types.BlockChange, err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
}

func checkBounds(t *testing.T, metrics map[string]types.AccuracyMetrics) {
	t.Helper()
	for id, m := range metrics {
		for name, v := range map[string]float64{
			"accuracy_score":          m.AccuracyScore,
			"selection_rate":          m.SelectionRate,
			"override_resistance":     m.OverrideResistance,
			"final_output_rate":       m.FinalOutputRate,
			"recalculation_stability": m.RecalculationStability,
		} {
			if v < 0 || v > 1 {
				t.Errorf("%s: %s = %v out of [0,1]", id, name, v)
			}
		}
	}
}

// ==================== Metric Tests ====================

func TestOverrideAttribution(t *testing.T) {
	tr := tracker.New()
	mustRecord(t)(tr.RecordInitialExtract("caption", "Fig. 1", src("docling")))
	mustRecord(t)(tr.RecordConsensusSelection("caption", "Fig 1", src("tesseract"), 0.67))
	mustRecord(t)(tr.RecordManualOverride("caption", "Fig. 1", src("docling"), "reviewer", "restore"))

	metrics := newRanker().CalculateAccuracyMetrics(tr.Histories(), false)
	checkBounds(t, metrics)

	tess, doc := metrics["tesseract"], metrics["docling"]
	if tess.ManualOverridesFrom != 1 || tess.ManualOverridesTo != 0 {
		t.Errorf("tesseract from/to = %d/%d, want 1/0", tess.ManualOverridesFrom, tess.ManualOverridesTo)
	}
	if doc.ManualOverridesTo != 1 || doc.ManualOverridesFrom != 0 {
		t.Errorf("docling from/to = %d/%d, want 0/1", doc.ManualOverridesFrom, doc.ManualOverridesTo)
	}
	if doc.FinalOutputCount != 1 || tess.FinalOutputCount != 0 {
		t.Errorf("final output docling %d tesseract %d, want 1 and 0", doc.FinalOutputCount, tess.FinalOutputCount)
	}
	if tess.OverrideResistance != 0 {
		t.Errorf("tesseract override resistance = %v, want 0", tess.OverrideResistance)
	}
	if doc.TotalAppearances != 2 || doc.SelectionRate != 0.5 {
		t.Errorf("docling appearances %d selection rate %v", doc.TotalAppearances, doc.SelectionRate)
	}
	if math.Abs(tess.AvgConsensusScore-0.67) > 1e-9 {
		t.Errorf("tesseract avg consensus = %v, want 0.67", tess.AvgConsensusScore)
	}
}

func TestNeverSelectedResistance(t *testing.T) {
	tr := tracker.New()
	mustRecord(t)(tr.RecordInitialExtract("b", "x", src("reference")))

	m := newRanker().CalculateAccuracyMetrics(tr.Histories(), false)["reference"]
	if m.OverrideResistance != 1 {
		t.Errorf("never selected source should have resistance 1, got %v", m.OverrideResistance)
	}
	if m.FinalOutputRate != 1 {
		t.Errorf("FinalOutputRate = %v, want 1", m.FinalOutputRate)
	}
}

func TestRecalculationStability(t *testing.T) {
	tr := tracker.New()
	mustRecord(t)(tr.RecordInitialExtract("b", "x", src("reference")))
	mustRecord(t)(tr.RecordRecalculation("b", "x", src("consensus"), "a"))
	mustRecord(t)(tr.RecordRecalculation("b", "y", src("consensus"), "a"))

	m := newRanker().CalculateAccuracyMetrics(tr.Histories(), false)["consensus"]
	if m.Recalculations != 2 || m.StableRecalculations != 1 || m.RecalculationStability != 0.5 {
		t.Errorf("unexpected recalculation metrics %+v", m)
	}
}

func TestConfigQualifiedSources(t *testing.T) {
	psm6 := tracker.NewSourceAttribution("tesseract", map[string]any{"psm": 6}, 0.9)
	psm11 := tracker.NewSourceAttribution("tesseract", map[string]any{"psm": 11}, 0.9)

	tr := tracker.New()
	mustRecord(t)(tr.RecordInitialExtract("a", "x", psm6))
	mustRecord(t)(tr.RecordInitialExtract("b", "y", psm11))

	r := newRanker()
	if got := len(r.CalculateAccuracyMetrics(tr.Histories(), false)); got != 1 {
		t.Errorf("without config there should be 1 source, got %d", got)
	}
	qualified := r.CalculateAccuracyMetrics(tr.Histories(), true)
	if len(qualified) != 2 {
		t.Fatalf("with config there should be 2 sources, got %d", len(qualified))
	}
	if _, ok := qualified[psm6.SourceID(true)]; !ok {
		t.Errorf("missing %s in %v", psm6.SourceID(true), qualified)
	}
}

// ==================== Ranking Tests ====================

// reliableVsNoisy builds histories where "good" is always selected, never
// overridden and always final, while "bad" is selected 10% of the time and
// overridden everywhere.
func reliableVsNoisy(t *testing.T) map[string]types.ChangeHistory {
	t.Helper()
	tr := tracker.New()
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("good%d", i)
		mustRecord(t)(tr.RecordInitialExtract(id, "x", src("reference")))
		mustRecord(t)(tr.RecordConsensusSelection(id, "y", src("good"), 0.8))
	}
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("bad%d", i)
		mustRecord(t)(tr.RecordInitialExtract(id, "x", src("reference")))
		if i == 0 {
			mustRecord(t)(tr.RecordConsensusSelection(id, "z", src("bad"), 0.8))
		} else {
			mustRecord(t)(tr.RecordCorrection(id, "z", src("bad"), "noise"))
		}
		mustRecord(t)(tr.RecordManualOverride(id, "x", src("human"), "reviewer", "wrong"))
	}
	return tr.Histories()
}

func TestReliableSourceRanksHigher(t *testing.T) {
	histories := reliableVsNoisy(t)
	r := newRanker()
	metrics := r.CalculateAccuracyMetrics(histories, false)
	checkBounds(t, metrics)

	good, bad := metrics["good"], metrics["bad"]
	if good.SelectionRate != 1 || bad.SelectionRate != 0.1 {
		t.Errorf("selection rates good %v bad %v", good.SelectionRate, bad.SelectionRate)
	}
	if good.AccuracyScore <= bad.AccuracyScore {
		t.Errorf("good %v should score above bad %v", good.AccuracyScore, bad.AccuracyScore)
	}

	ranking := r.RankSources(metrics)
	goodRank, _ := ranking.Rank("good")
	badRank, _ := ranking.Rank("bad")
	if goodRank >= badRank {
		t.Errorf("good rank %d should come before bad rank %d", goodRank, badRank)
	}
	for i := 1; i < len(ranking.Sources); i++ {
		if ranking.Sources[i].Metrics.AccuracyScore > ranking.Sources[i-1].Metrics.AccuracyScore {
			t.Fatal("ranking should be ordered by descending score")
		}
		if ranking.Sources[i].Rank != i+1 {
			t.Errorf("rank %d at position %d", ranking.Sources[i].Rank, i)
		}
	}
	if _, ok := ranking.Rank("nobody"); ok {
		t.Error("unknown source should have no rank")
	}
}

func TestRankTiesBrokenByID(t *testing.T) {
	tr := tracker.New()
	mustRecord(t)(tr.RecordInitialExtract("a", "x", src("zeta")))
	mustRecord(t)(tr.RecordInitialExtract("b", "x", src("alpha")))

	ranking := newRanker().Rank(tr.Histories(), false)
	if len(ranking.Sources) != 2 || ranking.Sources[0].Metrics.SourceID != "alpha" {
		t.Errorf("tie should be broken by id, got %+v", ranking.Sources)
	}
}

func TestWeightsNormalized(t *testing.T) {
	histories := reliableVsNoisy(t)
	w := config.Default().Ranker
	scaled := config.RankerWeights{
		SelectionRate:      w.SelectionRate * 10,
		OverrideResistance: w.OverrideResistance * 10,
		FinalOutput:        w.FinalOutput * 10,
		ConsensusScore:     w.ConsensusScore * 10,
	}
	a := New(w).CalculateAccuracyMetrics(histories, false)["good"].AccuracyScore
	b := New(scaled).CalculateAccuracyMetrics(histories, false)["good"].AccuracyScore
	if math.Abs(a-b) > 1e-9 {
		t.Errorf("scaled weights changed the score: %v vs %v", a, b)
	}
}

// ==================== Comparison Tests ====================

func TestCompareSources(t *testing.T) {
	histories := reliableVsNoisy(t)
	r := newRanker()

	cmp, err := r.CompareSources("good", "bad", histories, false)
	if err != nil {
		t.Fatal(err)
	}
	if cmp.Winner != "good" || cmp.ScoreDelta <= 0 {
		t.Errorf("unexpected comparison %+v", cmp)
	}
	if cmp.MetricDeltas["selection_rate"] <= 0 {
		t.Errorf("selection rate delta = %v", cmp.MetricDeltas["selection_rate"])
	}

	same, err := r.CompareSources("good", "good", histories, false)
	if err != nil {
		t.Fatal(err)
	}
	if same.Winner != "" || same.ScoreDelta != 0 {
		t.Errorf("self comparison should tie, got %+v", same)
	}

	if _, err := r.CompareSources("good", "missing", histories, false); !errors.Is(err, ErrUnknownSource) {
		t.Errorf("expected ErrUnknownSource, got %v", err)
	}
}

func TestEmptyHistories(t *testing.T) {
	r := newRanker()
	if m := r.CalculateAccuracyMetrics(nil, false); len(m) != 0 {
		t.Errorf("expected no metrics, got %v", m)
	}
	if ranking := r.Rank(nil, false); len(ranking.Sources) != 0 {
		t.Errorf("expected empty ranking, got %+v", ranking)
	}
}
