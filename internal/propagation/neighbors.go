package propagation

import (
	"math"

	"github.com/boblangley/blockrecon/internal/geometry"
	"github.com/boblangley/blockrecon/internal/types"
)

// NeighborsFromLayout derives block adjacency from reference geometry. Two
// blocks on the same page are neighbors when their rects, each grown by
// margin times its smaller side, overlap. Blocks without a usable bbox have
// no neighbors.
func NeighborsFromLayout(blocks []types.Block, margin float64) map[string][]string {
	type placed struct {
		id   string
		page int
		rect geometry.Rect
	}

	var usable []placed
	for _, b := range blocks {
		r, ok := geometry.FromBlock(b)
		if !ok {
			continue
		}
		grow := margin * math.Min(r.Width(), r.Height())
		usable = append(usable, placed{id: b.ID, page: b.Page, rect: r.Expand(grow)})
	}

	neighbors := make(map[string][]string)
	for i, a := range usable {
		for j, b := range usable {
			if i == j || a.page != b.page || a.id == b.id {
				continue
			}
			if !a.rect.Intersect(b.rect).Empty() {
				neighbors[a.id] = append(neighbors[a.id], b.id)
			}
		}
	}
	return neighbors
}
