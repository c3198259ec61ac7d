package storage

import (
	"context"
	"sort"
	"time"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/floats"

	"github.com/chrissnell/utilitywatch/internal/types"
)

// DailyTotal is the sum of one energy type over one local calendar day.
type DailyTotal struct {
	Date    string           `json:"date"`
	Type    types.EnergyType `json:"type"`
	Total   float64          `json:"total"`
	Samples int              `json:"samples"`
	// Synthetic is set when any contributing value was spread from a daily
	// total.
	Synthetic bool `json:"synthetic"`
}

// DailyEnergyTotals sums readings of typ in [from, to) per calendar day in
// loc. The grouping runs in Go so that SQLite and Postgres give identical
// results regardless of their date functions.
func (s *Store) DailyEnergyTotals(ctx context.Context, typ types.EnergyType, from, to time.Time, loc *time.Location) ([]DailyTotal, error) {
	readings, err := s.EnergyRange(ctx, typ, from, to)
	if err != nil {
		return nil, err
	}
	return dailyTotals(typ, readings, loc), nil
}

func dailyTotals(typ types.EnergyType, readings []types.EnergyReading, loc *time.Location) []DailyTotal {
	byDay := lo.GroupBy(readings, func(r types.EnergyReading) string {
		return r.Timestamp.In(loc).Format(types.DateLayout)
	})

	totals := make([]DailyTotal, 0, len(byDay))
	for day, rs := range byDay {
		totals = append(totals, DailyTotal{
			Date:      day,
			Type:      typ,
			Total:     floats.Sum(lo.Map(rs, func(r types.EnergyReading, _ int) float64 { return r.Quantity })),
			Samples:   len(rs),
			Synthetic: lo.SomeBy(rs, func(r types.EnergyReading) bool { return r.Synthetic }),
		})
	}
	sort.Slice(totals, func(i, j int) bool { return totals[i].Date < totals[j].Date })
	return totals
}
