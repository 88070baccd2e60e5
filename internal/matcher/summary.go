package matcher

import (
	"github.com/boblangley/blockrecon/internal/textsim"
	"github.com/boblangley/blockrecon/internal/types"
)

// Summary reports how well one engine's blocks were covered by a match run.
type Summary struct {
	Candidates        int                     `json:"candidates"`
	Matched           int                     `json:"matched"`
	Unmatched         int                     `json:"unmatched"`
	ReferencesMatched int                     `json:"references_matched"`
	Coverage          float64                 `json:"coverage"`
	ByType            map[types.MatchType]int `json:"by_type"`
}

type pageBlock struct {
	page int
	id   string
}

// Summarize counts matched candidates and matches per type. Only candidates
// the matcher would consider are counted, so ignored image placeholders do
// not lower coverage.
func (m *Matcher) Summarize(candidates map[int][]types.Block, matches []types.Match) Summary {
	s := Summary{ByType: make(map[types.MatchType]int)}
	for _, blocks := range candidates {
		for _, b := range blocks {
			if m.eligible(textsim.Clean(b.Text)) {
				s.Candidates++
			}
		}
	}

	cands := make(map[pageBlock]bool)
	refs := make(map[pageBlock]bool)
	for _, mt := range matches {
		s.ByType[mt.MatchType]++
		cands[pageBlock{mt.Page, mt.CandidateBlockID}] = true
		refs[pageBlock{mt.Page, mt.ReferenceBlockID}] = true
	}

	s.Matched = len(cands)
	s.ReferencesMatched = len(refs)
	s.Unmatched = max(s.Candidates-s.Matched, 0)
	if s.Candidates > 0 {
		s.Coverage = float64(s.Matched) / float64(s.Candidates)
	}
	return s
}
