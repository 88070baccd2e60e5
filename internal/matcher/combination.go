package matcher

import (
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/boblangley/blockrecon/internal/geometry"
	"github.com/boblangley/blockrecon/internal/textsim"
	"github.com/boblangley/blockrecon/internal/types"
)

// matchCombinations tries to explain each unused reference as several
// unmatched candidates: characters first, then words, then a spatial cluster.
func (m *Matcher) matchCombinations(p *page) {
	for ri := range p.refs {
		if p.refUsed[ri] {
			continue
		}
		if m.combineCharacters(p, ri) || m.combineWords(p, ri) || m.combineCluster(p, ri) {
			m.logger.Debug("Combined candidates", "page", p.number, "reference", p.refs[ri].block.ID)
		}
	}
}

// ==================== Characters ====================

// slot is the expected position of one target character.
type slot struct {
	ch   rune
	x, y float64
}

type assignPass func(p *page, r entry, avail []int) []int

func (m *Matcher) combineCharacters(p *page, ri int) bool {
	r := p.refs[ri]
	if len(nonSpace(r.runes)) < 2 {
		return false
	}

	var avail []int
	for ci, c := range p.cands {
		if !p.candUsed[ci] && len(c.runes) == 1 {
			avail = append(avail, ci)
		}
	}
	if len(avail) < 2 {
		return false
	}

	passes := []assignPass{m.sequentialPass, m.wordBoundaryPass, relaxedPass}
	var best []int
	bestCoverage := -1.0
	for _, pass := range passes {
		picks := pass(p, r, avail)
		cov := coverage(picks)
		if cov > bestCoverage {
			best, bestCoverage = picks, cov
		}
		if cov == 1 {
			break
		}
	}

	var chosen []int
	inside := 0
	for _, ci := range best {
		if ci < 0 {
			continue
		}
		chosen = append(chosen, ci)
		if c := p.cands[ci]; c.hasRect && r.hasRect {
			if x, y := c.rect.Center(); r.rect.Contains(x, y) {
				inside++
			}
		}
	}
	if len(chosen) < 2 {
		return false
	}

	conf := charCoverageWeight*bestCoverage + (1-charCoverageWeight)*float64(inside)/float64(len(chosen))
	if conf < m.cfg.CharComboMinConfidence {
		return false
	}
	p.addCombination(ri, chosen, conf, types.MatchCharacterCombination)
	return true
}

// sequentialPass spreads the non-space characters evenly across the target
// and favors candidates that continue left to right.
func (m *Matcher) sequentialPass(p *page, r entry, avail []int) []int {
	if !r.hasRect {
		return nil
	}
	target := nonSpace(r.runes)
	_, cy := r.rect.Center()
	step := r.rect.Width() / float64(len(target))

	slots := make([]slot, len(target))
	for k, ch := range target {
		slots[k] = slot{ch: ch, x: r.rect.X1 + (float64(k)+0.5)*step, y: cy}
	}

	return assign(p, slots, avail, m.withinTarget(r), func(c entry, s slot, prev *entry) float64 {
		cost := slotDistance(c, s)
		if prev != nil && prev.hasRect {
			px, _ := prev.rect.Center()
			if cx, _ := c.rect.Center(); cx > px {
				cost *= 0.5
			}
		}
		return cost
	})
}

// wordBoundaryPass keeps the spaces of the target as slots so characters
// are expected in their own word's span.
func (m *Matcher) wordBoundaryPass(p *page, r entry, avail []int) []int {
	if !r.hasRect {
		return nil
	}
	_, cy := r.rect.Center()
	step := r.rect.Width() / float64(len(r.runes))

	var slots []slot
	for i, ch := range r.runes {
		if unicode.IsSpace(ch) {
			continue
		}
		slots = append(slots, slot{ch: ch, x: r.rect.X1 + (float64(i)+0.5)*step, y: cy})
	}

	return assign(p, slots, avail, m.withinTarget(r), func(c entry, s slot, _ *entry) float64 {
		return slotDistance(c, s)
	})
}

// relaxedPass accepts any available matching character, nearest to the
// target center first.
func relaxedPass(p *page, r entry, avail []int) []int {
	var cx, cy float64
	if r.hasRect {
		cx, cy = r.rect.Center()
	}
	target := nonSpace(r.runes)
	slots := make([]slot, len(target))
	for k, ch := range target {
		slots[k] = slot{ch: ch, x: cx, y: cy}
	}

	return assign(p, slots, avail, func(entry) bool { return true }, func(c entry, s slot, _ *entry) float64 {
		if !r.hasRect {
			return 0
		}
		return slotDistance(c, s)
	})
}

// withinTarget accepts candidates centered inside the target expanded by the
// configured fraction of its height.
func (m *Matcher) withinTarget(r entry) func(entry) bool {
	area := r.rect.Expand(m.cfg.CharComboMargin * r.rect.Height())
	return func(c entry) bool {
		if !c.hasRect {
			return false
		}
		x, y := c.rect.Center()
		return area.Contains(x, y)
	}
}

// assign greedily picks the cheapest eligible candidate per slot. Unfilled
// slots are -1.
func assign(p *page, slots []slot, avail []int, eligible func(entry) bool, cost func(entry, slot, *entry) float64) []int {
	taken := make(map[int]bool, len(slots))
	picks := make([]int, len(slots))
	var prev *entry

	for k, s := range slots {
		picks[k] = -1
		bestCost := math.Inf(1)
		for _, ci := range avail {
			c := p.cands[ci]
			if taken[ci] || c.runes[0] != s.ch || !eligible(c) {
				continue
			}
			if v := cost(c, s, prev); picks[k] < 0 || v < bestCost {
				picks[k], bestCost = ci, v
			}
		}
		if picks[k] >= 0 {
			taken[picks[k]] = true
			prev = &p.cands[picks[k]]
		}
	}
	return picks
}

func slotDistance(c entry, s slot) float64 {
	if !c.hasRect {
		return math.MaxFloat64
	}
	x, y := c.rect.Center()
	return math.Hypot(x-s.x, y-s.y)
}

func coverage(picks []int) float64 {
	if len(picks) == 0 {
		return 0
	}
	n := 0
	for _, ci := range picks {
		if ci >= 0 {
			n++
		}
	}
	return float64(n) / float64(len(picks))
}

func nonSpace(runes []rune) []rune {
	out := make([]rune, 0, len(runes))
	for _, r := range runes {
		if !unicode.IsSpace(r) {
			out = append(out, r)
		}
	}
	return out
}

// ==================== Words ====================

func (m *Matcher) combineWords(p *page, ri int) bool {
	r := p.refs[ri]
	words := strings.Fields(r.norm)
	if len(words) == 0 {
		return false
	}

	var avail []int
	for ci, c := range p.cands {
		if p.candUsed[ci] {
			continue
		}
		if len(strings.Fields(c.norm)) <= m.cfg.WordComboMaxWords && len(nonSpace(c.runes)) >= 2 {
			avail = append(avail, ci)
		}
	}
	if len(avail) < 2 {
		return false
	}

	var chosen []int
	var weightSum float64
	picked := make(map[int]bool)
	covered := 0

	for _, w := range words {
		if coveredBy(p, chosen, w) {
			covered++
			continue
		}

		best, bestWeight := -1, 0.0
		for _, ci := range avail {
			if picked[ci] {
				continue
			}
			c := p.cands[ci]
			text := wordScore(c, w)
			if text == 0 {
				continue
			}
			if weight := wordTextWeight*text + (1-wordTextWeight)*proximity(c, r); weight > bestWeight {
				best, bestWeight = ci, weight
			}
		}
		if best < 0 || bestWeight < m.cfg.WordComboMinWeight {
			continue
		}
		chosen = append(chosen, best)
		picked[best] = true
		weightSum += bestWeight
		covered++
	}

	cov := float64(covered) / float64(len(words))
	if len(chosen) < 2 || cov < m.cfg.WordComboMinCoverage {
		return false
	}
	p.addCombination(ri, chosen, cov*weightSum/float64(len(chosen)), types.MatchWordCombination)
	return true
}

func coveredBy(p *page, chosen []int, word string) bool {
	for _, ci := range chosen {
		for _, w := range strings.Fields(p.cands[ci].norm) {
			if w == word {
				return true
			}
		}
	}
	return false
}

// wordScore is 1 when the candidate holds the whole word, and the covered
// fraction when the candidate is a piece of it.
func wordScore(c entry, word string) float64 {
	for _, w := range strings.Fields(c.norm) {
		if w == word {
			return 1
		}
	}
	if strings.Contains(word, c.norm) {
		return float64(utf8.RuneCountInString(c.norm)) / float64(utf8.RuneCountInString(word))
	}
	return 0
}

// proximity is 1 at the target center and falls to 0 one diagonal away.
// Without geometry it is neutral.
func proximity(c, r entry) float64 {
	if !c.hasRect || !r.hasRect {
		return 0.5
	}
	d := r.rect.Diagonal()
	if d <= 0 {
		return 0
	}
	return 1 - math.Min(1, geometry.CenterDistance(c.rect, r.rect)/d)
}

// ==================== Spatial Cluster ====================

func (m *Matcher) combineCluster(p *page, ri int) bool {
	r := p.refs[ri]
	if !r.hasRect {
		return false
	}

	type near struct {
		ci  int
		iou float64
	}
	var cluster []near
	for ci, c := range p.cands {
		if p.candUsed[ci] || !c.hasRect {
			continue
		}
		if v := iou(c, r); v > 0 {
			cluster = append(cluster, near{ci, v})
		}
	}
	if len(cluster) < 2 {
		return false
	}

	sort.SliceStable(cluster, func(i, j int) bool { return cluster[i].iou > cluster[j].iou })
	if len(cluster) > m.cfg.SpatialClusterSize {
		cluster = cluster[:m.cfg.SpatialClusterSize]
	}
	sort.SliceStable(cluster, func(i, j int) bool {
		a, b := p.cands[cluster[i].ci].rect, p.cands[cluster[j].ci].rect
		if a.Y1 != b.Y1 {
			return a.Y1 < b.Y1
		}
		return a.X1 < b.X1
	})

	ids := make([]int, len(cluster))
	texts := make([]string, len(cluster))
	for i, n := range cluster {
		ids[i] = n.ci
		texts[i] = p.cands[n.ci].block.Text
	}

	score := textsim.BestScore(strings.Join(texts, " "), r.block.Text)
	if score < m.cfg.SpatialClusterMinSimilarity {
		return false
	}
	p.addCombination(ri, ids, score, types.MatchSpatialCombination)
	return true
}
