package ingest

import (
	"github.com/chrissnell/utilitywatch/internal/types"
)

// Merge joins cost onto consumption by exact timestamp. Every consumption
// point is kept in order; its cost is nil when cost has no point with the same
// timestamp. A nil cost series gives nil costs throughout.
func Merge(consumption, cost types.Series) []types.MergedPoint {
	costs := make(map[string]float64, len(cost))
	for _, c := range cost {
		costs[c.Key()] = c.Value
	}

	merged := make([]types.MergedPoint, 0, len(consumption))
	for _, p := range consumption {
		mp := types.MergedPoint{
			Time:      p.Time,
			Value:     p.Value,
			Synthetic: p.Synthetic,
		}
		if v, ok := costs[p.Key()]; ok {
			mp.Cost = &v
		}
		merged = append(merged, mp)
	}
	return merged
}
