package matcher

import (
	"github.com/boblangley/blockrecon/internal/geometry"
	"github.com/boblangley/blockrecon/internal/textsim"
	"github.com/boblangley/blockrecon/internal/types"
)

// matchForced assigns every remaining candidate with a usable bbox to a
// reference so that no candidate goes unmatched. Unused references are
// preferred; once all are used, any reference is eligible.
//
// TODO: ForcedMinIoU keeps near-zero overlaps; report them separately once
// the downstream consensus policy can discount forced_spatial_minimal.
func (m *Matcher) matchForced(p *page) {
	for ci, c := range p.cands {
		if p.candUsed[ci] || !c.hasRect {
			continue
		}

		ri, overlap := m.forcedTarget(p, c)
		if ri < 0 {
			continue
		}

		t := textsim.BestScore(c.block.Text, p.refs[ri].block.Text)
		w := m.cfg.ForcedSpatialWeight
		p.add(ci, ri, w*overlap+(1-w)*t, m.forcedType(overlap))
	}
}

func (m *Matcher) forcedTarget(p *page, c entry) (int, float64) {
	unused := false
	for ri, r := range p.refs {
		if r.hasRect && !p.refUsed[ri] {
			unused = true
			break
		}
	}
	eligible := func(ri int) bool {
		return p.refs[ri].hasRect && (!unused || !p.refUsed[ri])
	}

	best, bestIoU := -1, 0.0
	for ri, r := range p.refs {
		if !eligible(ri) {
			continue
		}
		if v := iou(c, r); best < 0 || v > bestIoU {
			best, bestIoU = ri, v
		}
	}
	if best < 0 || bestIoU >= m.cfg.ForcedMinIoU {
		return best, bestIoU
	}

	// Nothing overlaps enough: take the nearest reference instead.
	nearest, bestDist := -1, 0.0
	for ri, r := range p.refs {
		if !eligible(ri) {
			continue
		}
		if d := geometry.CenterDistance(c.rect, r.rect); nearest < 0 || d < bestDist {
			nearest, bestDist = ri, d
		}
	}
	return nearest, iou(c, p.refs[nearest])
}

func (m *Matcher) forcedType(overlap float64) types.MatchType {
	switch {
	case overlap >= m.cfg.ForcedGoodIoU:
		return types.MatchForcedSpatialGood
	case overlap >= m.cfg.ForcedWeakIoU:
		return types.MatchForcedSpatialWeak
	default:
		return types.MatchForcedSpatialMinimal
	}
}
