// Package search provides keyword search over reconciled blocks, fusing hits
// on block text with hits on the candidate text matched to each block.
package search

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/boblangley/blockrecon/internal/db"
	"github.com/boblangley/blockrecon/internal/textsim"
)

// FusionMethod defines how to combine block and candidate results.
type FusionMethod string

const (
	FusionRRF      FusionMethod = "rrf"
	FusionWeighted FusionMethod = "weighted"
)

// Searcher runs BM25 keyword search against the graph.
type Searcher struct {
	db *db.GraphDB
}

// New creates a searcher.
func New(graph *db.GraphDB) *Searcher {
	return &Searcher{db: graph}
}

// Options configures search behavior.
type Options struct {
	Limit int

	// Pages restricts results to these pages.
	Pages []int

	// IncludeCandidates also scores the text of matched candidate blocks,
	// so a block is found by what any engine read for it.
	IncludeCandidates bool

	// Engine restricts candidate hits to one engine.
	Engine string

	FusionMethod    FusionMethod
	BlockWeight     float64
	CandidateWeight float64
}

// DefaultOptions returns default search options.
func DefaultOptions() Options {
	return Options{
		Limit:             10,
		IncludeCandidates: true,
		FusionMethod:      FusionRRF,
		BlockWeight:       0.5,
		CandidateWeight:   0.5,
	}
}

// Result is one block hit.
type Result struct {
	BlockID        string   `json:"block_id"`
	Page           int      `json:"page"`
	CurrentText    string   `json:"current_text"`
	ReferenceText  string   `json:"reference_text"`
	Engines        []string `json:"engines,omitempty"`
	Score          float64  `json:"score"`
	BlockScore     float64  `json:"block_score"`
	CandidateScore float64  `json:"candidate_score"`
}

// Search finds blocks whose text contains any query term, ranked by BM25.
func (s *Searcher) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	if opts.Limit == 0 {
		opts.Limit = 10
	}
	if opts.FusionMethod == "" {
		opts.FusionMethod = FusionRRF
	}
	if opts.FusionMethod == FusionWeighted && opts.BlockWeight == 0 && opts.CandidateWeight == 0 {
		opts.BlockWeight = 0.5
		opts.CandidateWeight = 0.5
	}
	if opts.FusionMethod == FusionWeighted {
		total := opts.BlockWeight + opts.CandidateWeight
		if total > 0 && math.Abs(total-1.0) > 0.01 {
			opts.BlockWeight /= total
			opts.CandidateWeight /= total
		}
	}

	terms := queryTerms(query)

	blockHits, err := s.blockSearch(ctx, terms, opts)
	if err != nil {
		return nil, fmt.Errorf("block search: %w", err)
	}

	var candidateHits []scoredBlock
	if opts.IncludeCandidates {
		candidateHits, err = s.candidateSearch(ctx, terms, opts)
		if err != nil {
			return nil, fmt.Errorf("candidate search: %w", err)
		}
	}

	var results []Result
	switch {
	case len(candidateHits) == 0:
		results = formatResults(blockHits, true)
	case len(blockHits) == 0:
		results = formatResults(candidateHits, false)
	case opts.FusionMethod == FusionRRF:
		results = reciprocalRankFusion(blockHits, candidateHits)
	default:
		results = weightedFusion(blockHits, candidateHits, opts)
	}

	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

func queryTerms(query string) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, t := range textsim.Words(query) {
		if !seen[t] {
			seen[t] = true
			terms = append(terms, t)
		}
	}
	return terms
}

type scoredBlock struct {
	result Result
	score  float64
}

// document is the text BM25 scores, split into weighted fields.
type document struct {
	result Result
	fields []field
}

type field struct {
	text  string
	boost float64
}

func (s *Searcher) blockSearch(ctx context.Context, terms []string, opts Options) ([]scoredBlock, error) {
	totalDocs, err := s.db.Count(ctx, "Block")
	if err != nil || totalDocs == 0 {
		return nil, err
	}

	params := make(map[string]any)
	where := termClauses(terms, params, "b.current_text", "b.reference_text")
	if len(opts.Pages) > 0 {
		where = "(" + where + ") AND b.page IN $pages"
		params["pages"] = pageList(opts.Pages)
	}

	records, err := s.db.Execute(ctx, "MATCH (b:Block) WHERE "+where+" RETURN b", params)
	if err != nil {
		return nil, err
	}

	docs := make([]document, 0, len(records))
	for _, rec := range records {
		r := recordToResult(rec["b"])
		docs = append(docs, document{
			result: r,
			fields: []field{
				{text: r.CurrentText, boost: 1.0},
				// Original reading still counts, but less than the accepted text
				{text: r.ReferenceText, boost: 0.5},
			},
		})
	}
	return bm25(docs, terms, totalDocs), nil
}

func (s *Searcher) candidateSearch(ctx context.Context, terms []string, opts Options) ([]scoredBlock, error) {
	totalDocs, err := s.db.Count(ctx, "Candidate")
	if err != nil || totalDocs == 0 {
		return nil, err
	}

	params := make(map[string]any)
	where := "(" + termClauses(terms, params, "c.text") + ")"
	if opts.Engine != "" {
		where += " AND c.engine_name = $engine"
		params["engine"] = opts.Engine
	}
	if len(opts.Pages) > 0 {
		where += " AND b.page IN $pages"
		params["pages"] = pageList(opts.Pages)
	}

	records, err := s.db.Execute(ctx,
		"MATCH (c:Candidate)-[:MATCHED]->(b:Block) WHERE "+where+" RETURN c.text AS text, c.engine_name AS engine, b",
		params)
	if err != nil {
		return nil, err
	}

	// Several engines can match the same block; their texts form one document
	byBlock := make(map[string]*document)
	var order []string
	for _, rec := range records {
		r := recordToResult(rec["b"])
		text, _ := rec["text"].(string)
		engine, _ := rec["engine"].(string)

		d, ok := byBlock[r.BlockID]
		if !ok {
			d = &document{result: r}
			byBlock[r.BlockID] = d
			order = append(order, r.BlockID)
		}
		d.fields = append(d.fields, field{text: text, boost: 1.0})
		if engine != "" && !slices.Contains(d.result.Engines, engine) {
			d.result.Engines = append(d.result.Engines, engine)
		}
	}

	docs := make([]document, 0, len(order))
	for _, id := range order {
		d := byBlock[id]
		sort.Strings(d.result.Engines)
		docs = append(docs, *d)
	}
	return bm25(docs, terms, totalDocs), nil
}

func termClauses(terms []string, params map[string]any, props ...string) string {
	var clauses []string
	for i, term := range terms {
		name := fmt.Sprintf("term%d", i)
		params[name] = term
		var parts []string
		for _, p := range props {
			parts = append(parts, fmt.Sprintf("toLower(%s) CONTAINS $%s", p, name))
		}
		clauses = append(clauses, "("+strings.Join(parts, " OR ")+")")
	}
	return strings.Join(clauses, " OR ")
}

func pageList(pages []int) []int64 {
	out := make([]int64, len(pages))
	for i, p := range pages {
		out[i] = int64(p)
	}
	return out
}

func bm25(docs []document, terms []string, totalDocs int) []scoredBlock {
	if len(docs) == 0 {
		return nil
	}
	const (
		k1 = 1.5
		b  = 0.75
	)

	normalized := make([][]string, len(docs))
	lengths := make([]float64, len(docs))
	var totalLen float64
	for i, d := range docs {
		for _, f := range d.fields {
			n := textsim.Normalize(f.text)
			normalized[i] = append(normalized[i], n)
			lengths[i] += float64(textsim.RuneCount(f.text))
		}
		totalLen += lengths[i]
	}
	avgDocLen := totalLen / float64(len(docs))
	if avgDocLen == 0 {
		avgDocLen = 1
	}

	termDocFreqs := make(map[string]int)
	for _, term := range terms {
		for i := range docs {
			if strings.Contains(strings.Join(normalized[i], " "), term) {
				termDocFreqs[term]++
			}
		}
	}

	results := make([]scoredBlock, 0, len(docs))
	for i, d := range docs {
		var score float64
		for _, term := range terms {
			var tf float64
			for j, f := range d.fields {
				tf += float64(strings.Count(normalized[i][j], term)) * f.boost
			}
			if tf == 0 {
				continue
			}

			df := float64(termDocFreqs[term])
			if df == 0 {
				df = 1
			}
			idf := math.Log((float64(totalDocs)-df+0.5)/(df+0.5) + 1.0)
			score += idf * (tf * (k1 + 1)) / (tf + k1*(1-b+b*lengths[i]/avgDocLen))
		}
		results = append(results, scoredBlock{result: d.result, score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].result.BlockID < results[j].result.BlockID
	})
	return results
}

func reciprocalRankFusion(blocks, candidates []scoredBlock) []Result {
	const k = 60.0

	rrfScores := make(map[string]float64)
	data := make(map[string]Result)

	for rank, sb := range blocks {
		rrfScores[sb.result.BlockID] += 1.0 / (k + float64(rank+1))
		r := sb.result
		r.BlockScore = sb.score
		data[sb.result.BlockID] = r
	}
	for rank, sb := range candidates {
		rrfScores[sb.result.BlockID] += 1.0 / (k + float64(rank+1))
		r, exists := data[sb.result.BlockID]
		if !exists {
			r = sb.result
		}
		r.Engines = sb.result.Engines
		r.CandidateScore = sb.score
		data[sb.result.BlockID] = r
	}

	normalize(rrfScores)

	results := make([]Result, 0, len(rrfScores))
	for id, score := range rrfScores {
		r := data[id]
		r.Score = score
		results = append(results, r)
	}
	sortResults(results)
	return results
}

func weightedFusion(blocks, candidates []scoredBlock, opts Options) []Result {
	blockScores := make(map[string]float64)
	candidateScores := make(map[string]float64)
	data := make(map[string]Result)

	for _, sb := range blocks {
		blockScores[sb.result.BlockID] = sb.score
		data[sb.result.BlockID] = sb.result
	}
	for _, sb := range candidates {
		candidateScores[sb.result.BlockID] = sb.score
		r, exists := data[sb.result.BlockID]
		if !exists {
			r = sb.result
		}
		r.Engines = sb.result.Engines
		data[sb.result.BlockID] = r
	}
	normalize(blockScores)
	normalize(candidateScores)

	results := make([]Result, 0, len(data))
	for id, r := range data {
		r.BlockScore = blockScores[id]
		r.CandidateScore = candidateScores[id]
		r.Score = opts.BlockWeight*r.BlockScore + opts.CandidateWeight*r.CandidateScore
		results = append(results, r)
	}
	sortResults(results)
	return results
}

// normalize min-max scales scores into [0,1].
func normalize(scores map[string]float64) {
	if len(scores) == 0 {
		return
	}
	maxScore, minScore := math.Inf(-1), math.Inf(1)
	for _, s := range scores {
		maxScore = math.Max(maxScore, s)
		minScore = math.Min(minScore, s)
	}
	scoreRange := maxScore - minScore
	if scoreRange == 0 {
		for id := range scores {
			scores[id] = 1
		}
		return
	}
	for id, s := range scores {
		scores[id] = (s - minScore) / scoreRange
	}
}

func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].BlockID < results[j].BlockID
	})
}

func formatResults(hits []scoredBlock, blockOnly bool) []Result {
	results := make([]Result, 0, len(hits))
	for _, sb := range hits {
		r := sb.result
		r.Score = sb.score
		if blockOnly {
			r.BlockScore = sb.score
		} else {
			r.CandidateScore = sb.score
		}
		results = append(results, r)
	}
	return results
}

func recordToResult(v any) Result {
	var r Result
	// The db package converts lbug.Node to map[string]any
	node, ok := v.(map[string]any)
	if !ok {
		return r
	}
	r.BlockID, _ = node["id"].(string)
	r.CurrentText, _ = node["current_text"].(string)
	r.ReferenceText, _ = node["reference_text"].(string)
	if p, ok := node["page"].(int64); ok {
		r.Page = int(p)
	}
	return r
}
