// Package ingest runs the poll and backfill pipelines: authenticate, fetch
// with granularity fallback, merge consumption with cost, store, and hand the
// stored rows to the mirror.
package ingest

import (
	"context"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/chrissnell/utilitywatch/internal/log"
	"github.com/chrissnell/utilitywatch/internal/sources"
	"github.com/chrissnell/utilitywatch/internal/types"
)

// Fallback defaults.
const (
	DefaultZeroThreshold = 0.5
	DefaultLagWindow     = 48 * time.Hour

	slotLength = 30 * time.Minute
)

// Fetcher retrieves consumption at half-hour resolution and falls back to
// daily totals spread over the day when the recent half-hour data is mostly
// zeros, which is how provider lag shows up.
type Fetcher struct {
	client sources.SourceClient
	logger *zap.SugaredLogger

	// ZeroThreshold is the zero fraction above which the half-hour result is
	// discarded.
	ZeroThreshold float64
	// LagWindow is the most recent part of the requested window inspected
	// for zeros.
	LagWindow time.Duration
	// Location defines local midnight for daily expansion.
	Location *time.Location
}

// FetchOutcome is the consumption series chosen by the fetcher.
type FetchOutcome struct {
	Points      types.Series
	Granularity types.Granularity
	// Synthetic is set when Points were expanded from daily totals.
	Synthetic    bool
	ZeroFraction float64
	// Skipped counts provider values dropped as anomalies.
	Skipped int
}

// NewFetcher wraps client with the default fallback policy.
func NewFetcher(client sources.SourceClient, loc *time.Location) *Fetcher {
	if loc == nil {
		loc = time.UTC
	}
	return &Fetcher{
		client:        client,
		logger:        log.Named("fetcher").With("provider", client.Name()),
		ZeroThreshold: DefaultZeroThreshold,
		LagWindow:     DefaultLagWindow,
		Location:      loc,
	}
}

// FetchConsumption returns the readings of resourceID over [from, to).
func (f *Fetcher) FetchConsumption(ctx context.Context, resourceID string, from, to time.Time) (FetchOutcome, error) {
	res := f.client.FetchRange(ctx, resourceID, from, to, types.HalfHour)
	if !res.OK() {
		return FetchOutcome{}, res.Err
	}

	fraction := ZeroFraction(res.Points, from, to, f.LagWindow)
	if fraction <= f.ZeroThreshold {
		return FetchOutcome{
			Points:       res.Points,
			Granularity:  types.HalfHour,
			ZeroFraction: fraction,
			Skipped:      res.Skipped,
		}, nil
	}

	f.logger.Warnw("recent half-hour data is mostly zero, using daily totals spread over half-hour slots",
		"resource", resourceID,
		"from", from,
		"to", to,
		"zero_fraction", fraction,
	)

	out, err := f.FetchAt(ctx, resourceID, from, to, types.Day)
	if err != nil {
		return FetchOutcome{}, err
	}
	out.ZeroFraction = fraction
	return out, nil
}

// FetchAt returns the readings of resourceID at granularity g. Daily totals are
// expanded to half-hour slots and flagged synthetic.
func (f *Fetcher) FetchAt(ctx context.Context, resourceID string, from, to time.Time, g types.Granularity) (FetchOutcome, error) {
	res := f.client.FetchRange(ctx, resourceID, from, to, g)
	if !res.OK() {
		return FetchOutcome{}, res.Err
	}
	if g != types.Day {
		return FetchOutcome{Points: res.Points, Granularity: g, Skipped: res.Skipped}, nil
	}
	// Today's total is spread over the whole day; slots after to have not
	// happened yet.
	expanded := lo.Filter(ExpandDaily(res.Points, f.Location), func(p types.Point, _ int) bool {
		return p.Time.Before(to)
	})
	return FetchOutcome{
		Points:      expanded,
		Granularity: types.Day,
		Synthetic:   true,
		Skipped:     res.Skipped,
	}, nil
}

// ZeroFraction returns the share of points equal to zero within the last
// window of [from, to). A sub-window without any points counts as entirely
// zero.
func ZeroFraction(points types.Series, from, to time.Time, window time.Duration) float64 {
	start := to.Add(-window)
	if start.Before(from) {
		start = from
	}

	total, zeros := 0, 0
	for _, p := range points {
		if p.Time.Before(start) || !p.Time.Before(to) {
			continue
		}
		total++
		if p.Value == 0 {
			zeros++
		}
	}
	if total == 0 {
		return 1
	}
	return float64(zeros) / float64(total)
}

// ExpandDaily spreads every daily total evenly over the half-hour slots of
// that day in loc, starting at local midnight. A day has 48 slots, or 46 and
// 50 on the days the clocks change, so slots never spill into the next day.
func ExpandDaily(daily types.Series, loc *time.Location) types.Series {
	out := make(types.Series, 0, len(daily)*types.SlotsPerDay)
	for _, d := range daily {
		y, m, day := d.Time.In(loc).Date()
		midnight := time.Date(y, m, day, 0, 0, 0, 0, loc)
		next := time.Date(y, m, day+1, 0, 0, 0, 0, loc)
		slots := int(next.Sub(midnight) / slotLength)
		slot := d.Value / float64(slots)
		for i := 0; i < slots; i++ {
			out = append(out, types.Point{
				Time:      midnight.Add(time.Duration(i) * slotLength).UTC(),
				Value:     slot,
				Synthetic: true,
			})
		}
	}
	return out
}
