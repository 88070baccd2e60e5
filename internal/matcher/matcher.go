// Package matcher pairs candidate-engine blocks with reference blocks.
//
// Matching runs independently per page through a cascade of strategies:
// exact text, normalized and fuzzy text, spatial overlap, many-to-one
// combinations and a forced spatial fallback. Each stage only considers blocks
// that earlier stages left unclaimed.
package matcher

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/boblangley/blockrecon/internal/config"
	"github.com/boblangley/blockrecon/internal/geometry"
	"github.com/boblangley/blockrecon/internal/textsim"
	"github.com/boblangley/blockrecon/internal/types"
)

// Blend weights that are part of each strategy's definition rather than
// tunable thresholds.
const (
	containmentOverlapWeight = 0.6
	charCoverageWeight       = 0.7
	wordTextWeight           = 0.7
)

// Matcher is stateless across calls; all bookkeeping lives in a per-page
// state that is discarded after the page is matched.
type Matcher struct {
	cfg    config.MatcherConfig
	filter config.FilterConfig
	logger *slog.Logger
}

// New creates a matcher. A nil logger falls back to slog.Default().
func New(cfg config.MatcherConfig, filter config.FilterConfig, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{cfg: cfg, filter: filter, logger: logger}
}

// Match matches candidate blocks against reference blocks, page by page.
// Pages present on only one side produce no matches. The result is ordered
// by page and, within a page, by cascade stage.
func (m *Matcher) Match(reference, candidates map[int][]types.Block) []types.Match {
	pages := sharedPages(reference, candidates)
	results := make([][]types.Match, len(pages))

	if m.cfg.Parallel && len(pages) > 1 {
		var wg sync.WaitGroup
		for i, pg := range pages {
			wg.Add(1)
			go func(i, pg int) {
				defer wg.Done()
				results[i] = m.matchPage(pg, reference[pg], candidates[pg])
			}(i, pg)
		}
		wg.Wait()
	} else {
		for i, pg := range pages {
			results[i] = m.matchPage(pg, reference[pg], candidates[pg])
		}
	}

	var matches []types.Match
	for _, r := range results {
		matches = append(matches, r...)
	}
	return matches
}

func sharedPages(reference, candidates map[int][]types.Block) []int {
	var pages []int
	for pg := range reference {
		if _, ok := candidates[pg]; ok {
			pages = append(pages, pg)
		}
	}
	sort.Ints(pages)
	return pages
}

func (m *Matcher) matchPage(number int, refs, cands []types.Block) []types.Match {
	p := &page{
		number: number,
		refs:   m.entries(refs),
		cands:  m.entries(cands),
	}
	if len(p.refs) == 0 || len(p.cands) == 0 {
		return nil
	}
	p.refUsed = make([]bool, len(p.refs))
	p.candUsed = make([]bool, len(p.cands))

	m.matchExact(p)
	m.matchNormalized(p)
	m.matchSpatial(p)
	m.matchCombinations(p)
	m.matchForced(p)

	m.logger.Debug("Matched page",
		"page", number,
		"references", len(p.refs),
		"candidates", len(p.cands),
		"matches", len(p.matches))
	return p.matches
}

// entry is a filtered block with its derived forms precomputed.
type entry struct {
	block   types.Block
	rect    geometry.Rect
	hasRect bool
	clean   string
	norm    string
	runes   []rune
}

// eligible reports whether a block takes part in matching: its cleaned text
// is not empty and, when configured, not the image placeholder.
func (m *Matcher) eligible(clean string) bool {
	if clean == "" {
		return false
	}
	return !m.filter.IgnoreImages || clean != m.filter.ImagePlaceholder
}

func (m *Matcher) entries(blocks []types.Block) []entry {
	out := make([]entry, 0, len(blocks))
	for _, b := range blocks {
		clean := textsim.Clean(b.Text)
		if !m.eligible(clean) {
			if clean != "" {
				m.logger.Debug("Skipping image block", "block", b.ID, "page", b.Page)
			}
			continue
		}
		norm := textsim.Normalize(b.Text)
		rect, ok := geometry.FromBlock(b)
		out = append(out, entry{
			block:   b,
			rect:    rect,
			hasRect: ok,
			clean:   clean,
			norm:    norm,
			runes:   []rune(norm),
		})
	}
	return out
}

// page holds the page-local used sets and the matches found so far.
type page struct {
	number   int
	refs     []entry
	cands    []entry
	refUsed  []bool
	candUsed []bool
	matches  []types.Match
}

func (p *page) add(ci, ri int, score float64, t types.MatchType) {
	c, r := p.cands[ci], p.refs[ri]
	p.matches = append(p.matches, types.Match{
		CandidateBlockID: c.block.ID,
		ReferenceBlockID: r.block.ID,
		Page:             p.number,
		SimilarityScore:  clamp01(score),
		MatchType:        t,
		BBoxSimilarity:   iou(c, r),
	})
	p.candUsed[ci] = true
	p.refUsed[ri] = true
}

// addCombination maps every contributing candidate to the same reference.
func (p *page) addCombination(ri int, cands []int, score float64, t types.MatchType) {
	for _, ci := range cands {
		p.add(ci, ri, score, t)
	}
}

func iou(a, b entry) float64 {
	if !a.hasRect || !b.hasRect {
		return 0
	}
	return geometry.IoU(a.rect, b.rect)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
