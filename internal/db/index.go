package db

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/boblangley/blockrecon/internal/types"
)

// CandidateID is the graph key of a candidate block.
func CandidateID(engine string, page int, blockID string) string {
	return fmt.Sprintf("%s/%d/%s", engine, page, blockID)
}

// IndexBlocks creates or updates Block nodes for the reference layout.
func (g *GraphDB) IndexBlocks(ctx context.Context, blocks []types.Block) error {
	for _, b := range blocks {
		if err := g.ExecuteWrite(ctx, `
			MERGE (b:Block {id: $id})
			SET b.page = $page, b.reference_text = $text
		`, map[string]any{
			"id":   b.ID,
			"page": int64(b.Page),
			"text": b.Text,
		}); err != nil {
			return fmt.Errorf("create block %s: %w", b.ID, err)
		}
	}
	return nil
}

// IndexHistories projects every history into Block, Change and Source nodes.
// Re-indexing the same history is idempotent.
func (g *GraphDB) IndexHistories(ctx context.Context, histories map[string]types.ChangeHistory) error {
	ids := make([]string, 0, len(histories))
	for id := range histories {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		h := histories[id]
		if err := g.ExecuteWrite(ctx, `
			MERGE (b:Block {id: $id})
			SET b.current_text = $current,
			    b.recalculation_count = $recalcs,
			    b.manual_override_count = $overrides
		`, map[string]any{
			"id":        h.BlockID,
			"current":   h.CurrentText,
			"recalcs":   int64(h.RecalculationCount),
			"overrides": int64(h.ManualOverrideCount),
		}); err != nil {
			return fmt.Errorf("create block %s: %w", h.BlockID, err)
		}

		for seq, c := range h.All() {
			if err := g.indexChange(ctx, seq, c); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *GraphDB) indexChange(ctx context.Context, seq int, c types.BlockChange) error {
	if err := g.ExecuteWrite(ctx, `
		MERGE (c:Change {id: $id})
		SET c.block_id = $block_id,
		    c.change_type = $change_type,
		    c.timestamp = $timestamp,
		    c.previous_text = $previous_text,
		    c.new_text = $new_text,
		    c.user_id = $user_id,
		    c.change_reason = $change_reason
	`, map[string]any{
		"id":            c.ChangeID,
		"block_id":      c.BlockID,
		"change_type":   c.ChangeType.String(),
		"timestamp":     c.Timestamp.UTC().Format(time.RFC3339Nano),
		"previous_text": c.Previous(),
		"new_text":      c.NewText,
		"user_id":       c.UserID,
		"change_reason": c.ChangeReason,
	}); err != nil {
		return fmt.Errorf("create change %s: %w", c.ChangeID, err)
	}

	if c.ConsensusScore != nil {
		if err := g.ExecuteWrite(ctx, `
			MATCH (c:Change {id: $id})
			SET c.consensus_score = $score
		`, map[string]any{"id": c.ChangeID, "score": *c.ConsensusScore}); err != nil {
			g.logger.Debug("set consensus score", "change", c.ChangeID, "error", err)
		}
	}

	if err := g.ExecuteWrite(ctx, `
		MATCH (b:Block {id: $block_id})
		MATCH (c:Change {id: $change_id})
		MERGE (b)-[:HAS_CHANGE {seq: $seq}]->(c)
	`, map[string]any{
		"block_id":  c.BlockID,
		"change_id": c.ChangeID,
		"seq":       int64(seq),
	}); err != nil {
		return fmt.Errorf("create HAS_CHANGE for %s: %w", c.ChangeID, err)
	}

	sourceID, err := g.mergeSource(ctx, c.SourceAttribution)
	if err != nil {
		return err
	}
	if err := g.ExecuteWrite(ctx, `
		MATCH (c:Change {id: $change_id})
		MATCH (s:Source {id: $source_id})
		MERGE (c)-[:PRODUCED_BY]->(s)
	`, map[string]any{"change_id": c.ChangeID, "source_id": sourceID}); err != nil {
		return fmt.Errorf("create PRODUCED_BY for %s: %w", c.ChangeID, err)
	}

	for _, alt := range c.AlternativeSources {
		altID, err := g.mergeSource(ctx, alt)
		if err != nil {
			g.logger.Debug("create alternative source", "change", c.ChangeID, "error", err)
			continue
		}
		if err := g.ExecuteWrite(ctx, `
			MATCH (c:Change {id: $change_id})
			MATCH (s:Source {id: $source_id})
			MERGE (c)-[:ALTERNATIVE]->(s)
		`, map[string]any{"change_id": c.ChangeID, "source_id": altID}); err != nil {
			g.logger.Debug("create ALTERNATIVE", "change", c.ChangeID, "source", altID, "error", err)
		}
	}

	if trigger := c.TriggerBlockID(); trigger != "" {
		if err := g.ExecuteWrite(ctx, `
			MATCH (c:Change {id: $change_id})
			MERGE (b:Block {id: $trigger})
			MERGE (c)-[:TRIGGERED_BY]->(b)
		`, map[string]any{"change_id": c.ChangeID, "trigger": trigger}); err != nil {
			g.logger.Debug("create TRIGGERED_BY", "change", c.ChangeID, "trigger", trigger, "error", err)
		}
	}
	return nil
}

func (g *GraphDB) mergeSource(ctx context.Context, src types.SourceAttribution) (string, error) {
	id := src.SourceID(true)
	if err := g.ExecuteWrite(ctx, `
		MERGE (s:Source {id: $id})
		SET s.engine_name = $engine, s.configuration_hash = $hash
	`, map[string]any{
		"id":     id,
		"engine": src.EngineName,
		"hash":   src.ConfigurationHash,
	}); err != nil {
		return "", fmt.Errorf("create source %s: %w", id, err)
	}
	return id, nil
}

// IndexMatches records one engine's candidate blocks and their matches to
// reference blocks. Candidates without a match are still indexed.
func (g *GraphDB) IndexMatches(ctx context.Context, engine string, candidates map[int][]types.Block, matches []types.Match) error {
	sourceID, err := g.mergeSource(ctx, types.SourceAttribution{EngineName: engine})
	if err != nil {
		return err
	}

	pages := make([]int, 0, len(candidates))
	for p := range candidates {
		pages = append(pages, p)
	}
	sort.Ints(pages)

	for _, page := range pages {
		for _, b := range candidates[page] {
			id := CandidateID(engine, page, b.ID)
			if err := g.ExecuteWrite(ctx, `
				MERGE (c:Candidate {id: $id})
				SET c.engine_name = $engine, c.block_id = $block_id, c.page = $page, c.text = $text
			`, map[string]any{
				"id":       id,
				"engine":   engine,
				"block_id": b.ID,
				"page":     int64(page),
				"text":     b.Text,
			}); err != nil {
				return fmt.Errorf("create candidate %s: %w", id, err)
			}
			if err := g.ExecuteWrite(ctx, `
				MATCH (c:Candidate {id: $id})
				MATCH (s:Source {id: $source_id})
				MERGE (c)-[:EXTRACTED_BY]->(s)
			`, map[string]any{"id": id, "source_id": sourceID}); err != nil {
				g.logger.Debug("create EXTRACTED_BY", "candidate", id, "error", err)
			}
		}
	}

	for _, m := range matches {
		id := CandidateID(engine, m.Page, m.CandidateBlockID)
		if err := g.ExecuteWrite(ctx, `
			MATCH (c:Candidate {id: $id})
			MERGE (b:Block {id: $block_id})
			MERGE (c)-[r:MATCHED]->(b)
			SET r.match_type = $match_type, r.score = $score, r.bbox_similarity = $bbox
		`, map[string]any{
			"id":         id,
			"block_id":   m.ReferenceBlockID,
			"match_type": string(m.MatchType),
			"score":      m.SimilarityScore,
			"bbox":       m.BBoxSimilarity,
		}); err != nil {
			return fmt.Errorf("create MATCHED for %s: %w", id, err)
		}
	}
	return nil
}

// DeleteEngine removes every candidate of an engine, so a re-run can index
// fresh output. The Source node stays while changes still reference it.
func (g *GraphDB) DeleteEngine(ctx context.Context, engine string) error {
	if err := g.ExecuteWrite(ctx, `
		MATCH (c:Candidate {engine_name: $engine})
		DETACH DELETE c
	`, map[string]any{"engine": engine}); err != nil {
		return fmt.Errorf("delete candidates: %w", err)
	}

	if err := g.ExecuteWrite(ctx, `
		MATCH (s:Source)
		WHERE NOT (s)<-[:PRODUCED_BY]-()
		  AND NOT (s)<-[:ALTERNATIVE]-()
		  AND NOT (s)<-[:EXTRACTED_BY]-()
		DETACH DELETE s
	`, nil); err != nil {
		g.logger.Debug("cleanup sources", "error", err)
	}
	return nil
}

// IndexNeighbors stores the adjacency map as NEIGHBOR_OF relationships.
func (g *GraphDB) IndexNeighbors(ctx context.Context, neighbors map[string][]string) error {
	ids := make([]string, 0, len(neighbors))
	for id := range neighbors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		for _, n := range neighbors[id] {
			if err := g.ExecuteWrite(ctx, `
				MERGE (a:Block {id: $from})
				MERGE (b:Block {id: $to})
				MERGE (a)-[:NEIGHBOR_OF]->(b)
			`, map[string]any{"from": id, "to": n}); err != nil {
				return fmt.Errorf("create NEIGHBOR_OF %s->%s: %w", id, n, err)
			}
		}
	}
	return nil
}

// LoadNeighbors reads the adjacency map back, neighbor lists sorted.
func (g *GraphDB) LoadNeighbors(ctx context.Context) (map[string][]string, error) {
	records, err := g.Execute(ctx, `
		MATCH (a:Block)-[:NEIGHBOR_OF]->(b:Block)
		RETURN a.id AS from, b.id AS to
		ORDER BY from, to
	`, nil)
	if err != nil {
		return nil, fmt.Errorf("load neighbors: %w", err)
	}

	neighbors := make(map[string][]string)
	for _, rec := range records {
		from, _ := rec["from"].(string)
		to, _ := rec["to"].(string)
		if from == "" || to == "" {
			continue
		}
		neighbors[from] = append(neighbors[from], to)
	}
	return neighbors, nil
}
