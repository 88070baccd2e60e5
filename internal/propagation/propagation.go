// Package propagation finds chains of recalculation set off by one block's
// change, walking the block adjacency map breadth first.
package propagation

import (
	"github.com/boblangley/blockrecon/internal/config"
	"github.com/boblangley/blockrecon/internal/types"
)

// Detector walks neighbor relationships to find ripple effects.
type Detector struct {
	cfg config.PropagationConfig
}

// NewDetector creates a detector bounded by cfg.MaxDepth and cfg.MaxVisits().
func NewDetector(cfg config.PropagationConfig) *Detector {
	return &Detector{cfg: cfg}
}

type queued struct {
	blockID string
	from    string
	depth   int
}

// Detect traces the recalculations caused by trigger, a change of
// triggerBlockID. Only recalculations whose metadata names triggerBlockID
// count. Traversal continues past a block only when its change magnitude
// exceeds 1 - SimilarityThreshold.
//
// StoppedNaturally is false when the depth or visit cap cut the walk short.
func (d *Detector) Detect(triggerBlockID string, trigger types.BlockChange, histories map[string]types.ChangeHistory, neighbors map[string][]string) types.PropagationChain {
	chain := types.PropagationChain{
		TriggerBlockID:   triggerBlockID,
		TriggerChangeID:  trigger.ChangeID,
		PropagationSteps: []types.PropagationResult{},
		StoppedNaturally: true,
	}

	visited := map[string]bool{triggerBlockID: true}
	var queue []queued
	enqueue := func(from string, depth int) {
		for _, n := range neighbors[from] {
			if visited[n] {
				continue
			}
			if depth > d.cfg.MaxDepth {
				chain.StoppedNaturally = false
				return
			}
			visited[n] = true
			queue = append(queue, queued{blockID: n, from: from, depth: depth})
		}
	}
	enqueue(triggerBlockID, 1)

	affected := make(map[string]bool)
	threshold := 1 - d.cfg.SimilarityThreshold
	visits := 0

	for len(queue) > 0 {
		if visits >= d.cfg.MaxVisits() {
			chain.StoppedNaturally = false
			break
		}
		item := queue[0]
		queue = queue[1:]
		visits++

		h, ok := histories[item.blockID]
		if !ok {
			continue
		}
		recalc, ok := latestRecalculation(h, triggerBlockID)
		if !ok {
			continue
		}

		magnitude := Magnitude(recalc.Previous(), recalc.NewText)
		exceeded := magnitude > threshold
		chain.PropagationSteps = append(chain.PropagationSteps, types.PropagationResult{
			AffectedBlockID:   item.blockID,
			SourceBlockID:     item.from,
			Depth:             item.depth,
			ChangeID:          recalc.ChangeID,
			PreviousText:      recalc.Previous(),
			NewText:           recalc.NewText,
			ChangeMagnitude:   magnitude,
			ExceededThreshold: exceeded,
		})
		affected[item.blockID] = true
		chain.MaxPropagationDepth = max(chain.MaxPropagationDepth, item.depth)

		if exceeded {
			enqueue(item.blockID, item.depth+1)
		}
	}

	chain.TotalAffectedBlocks = len(affected)
	return chain
}

func latestRecalculation(h types.ChangeHistory, triggerBlockID string) (types.BlockChange, bool) {
	for i := len(h.Changes) - 1; i >= 0; i-- {
		c := h.Changes[i]
		if c.ChangeType == types.ChangeRecalculation && c.TriggerBlockID() == triggerBlockID {
			return c, true
		}
	}
	return types.BlockChange{}, false
}

// Magnitude measures how much a text changed: 1 when text appears from
// nothing, 0 when unchanged, otherwise one minus the Jaccard index of the
// two character sets.
func Magnitude(previous, next string) float64 {
	if previous == next {
		return 0
	}
	if previous == "" {
		return 1
	}

	a, b := runeSet(previous), runeSet(next)
	inter := 0
	for r := range a {
		if b[r] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return 1 - float64(inter)/float64(union)
}

func runeSet(s string) map[rune]bool {
	set := make(map[rune]bool)
	for _, r := range s {
		set[r] = true
	}
	return set
}
