package matcher

import (
	"github.com/boblangley/blockrecon/internal/textsim"
	"github.com/boblangley/blockrecon/internal/types"
)

// matchExact pairs candidates whose cleaned text is byte-equal to an unused
// reference.
func (m *Matcher) matchExact(p *page) {
	for ci, c := range p.cands {
		for ri, r := range p.refs {
			if p.refUsed[ri] || c.clean != r.clean {
				continue
			}
			p.add(ci, ri, 1, types.MatchExactText)
			break
		}
	}
}

// matchNormalized runs the normalized, single-character and fuzzy strategies.
func (m *Matcher) matchNormalized(p *page) {
	for ci, c := range p.cands {
		if p.candUsed[ci] {
			continue
		}
		if ri := p.firstNormalizedEqual(c); ri >= 0 {
			p.add(ci, ri, 1, types.MatchExactTextNormalized)
			continue
		}
		if len(c.runes) == 1 {
			m.matchSingleChar(p, ci)
			continue
		}
		m.matchFuzzy(p, ci)
	}
}

func (p *page) firstNormalizedEqual(c entry) int {
	for ri, r := range p.refs {
		if !p.refUsed[ri] && r.norm == c.norm {
			return ri
		}
	}
	return -1
}

// matchSingleChar looks for an unused reference containing the candidate's
// only character. Rare characters and good overlap raise the confidence.
func (m *Matcher) matchSingleChar(p *page, ci int) {
	c := p.cands[ci]
	ch := c.runes[0]

	best, bestConf, bestOverlap := -1, 0.0, 0.0
	for ri, r := range p.refs {
		if p.refUsed[ri] {
			continue
		}
		n := countRune(r.runes, ch)
		if n == 0 {
			continue
		}
		overlap := iou(c, r)
		conf := containmentOverlapWeight*overlap + (1-containmentOverlapWeight)/float64(n)
		if best < 0 || conf > bestConf {
			best, bestConf, bestOverlap = ri, conf, overlap
		}
	}

	if best < 0 || bestConf < m.cfg.SingleCharMinConfidence || bestOverlap < m.cfg.SingleCharMinOverlap {
		return
	}
	p.add(ci, best, bestConf, types.MatchSingleCharContain)
}

func (m *Matcher) matchFuzzy(p *page, ci int) {
	c := p.cands[ci]

	best, bestScore := -1, 0.0
	for ri, r := range p.refs {
		if p.refUsed[ri] || !m.comparableLength(c, r) {
			continue
		}
		if s := textsim.BestScore(c.block.Text, r.block.Text); s > bestScore {
			best, bestScore = ri, s
		}
	}

	if best < 0 || bestScore < m.cfg.FuzzyThreshold {
		return
	}
	if bestScore >= m.cfg.HighSimilarityThreshold {
		p.add(ci, best, 1, types.MatchExactHighSimilarity)
		return
	}
	p.add(ci, best, bestScore, types.MatchFuzzySimilarity)
}

// comparableLength rejects pairs whose rune lengths differ by more than
// FuzzyMinLengthRatio allows.
func (m *Matcher) comparableLength(a, b entry) bool {
	if m.cfg.FuzzyMinLengthRatio <= 0 {
		return true
	}
	la, lb := len(a.runes), len(b.runes)
	if la > lb {
		la, lb = lb, la
	}
	if lb == 0 {
		return false
	}
	return float64(la)/float64(lb) >= m.cfg.FuzzyMinLengthRatio
}

func countRune(runes []rune, ch rune) int {
	n := 0
	for _, r := range runes {
		if r == ch {
			n++
		}
	}
	return n
}
