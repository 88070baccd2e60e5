package matcher

import (
	"strings"

	"github.com/boblangley/blockrecon/internal/textsim"
	"github.com/boblangley/blockrecon/internal/types"
)

// matchSpatial pairs each remaining candidate with the unused reference it
// overlaps most. Engines that misread or rotate text still land in the
// right region.
func (m *Matcher) matchSpatial(p *page) {
	for ci, c := range p.cands {
		if p.candUsed[ci] || !c.hasRect {
			continue
		}

		best, bestIoU := -1, 0.0
		for ri, r := range p.refs {
			if p.refUsed[ri] || !r.hasRect {
				continue
			}
			if v := iou(c, r); v > bestIoU {
				best, bestIoU = ri, v
			}
		}
		if best < 0 || bestIoU < m.cfg.SpatialIoUFloor {
			continue
		}

		r := p.refs[best]
		if m.deferToCombination(c, r) {
			continue
		}

		t := textsim.BestScore(c.block.Text, r.block.Text)
		w := m.cfg.SpatialWeight
		p.add(ci, best, w*bestIoU+(1-w)*t, m.spatialType(t))
	}
}

func (m *Matcher) spatialType(t float64) types.MatchType {
	switch {
	case t >= m.cfg.SpatialWithTextThreshold:
		return types.MatchSpatialWithText
	case t >= m.cfg.SpatialPartialTextThreshold:
		return types.MatchSpatialPartialText
	default:
		return types.MatchSpatialOnly
	}
}

// deferToCombination reports whether a candidate whose text is a strict
// part of the reference text should wait for the combination stages. Single
// characters always wait, longer fragments only with DeferFragments.
func (m *Matcher) deferToCombination(c, r entry) bool {
	if len(c.norm) >= len(r.norm) || !strings.Contains(r.norm, c.norm) {
		return false
	}
	return len(c.runes) == 1 || m.cfg.DeferFragments
}
