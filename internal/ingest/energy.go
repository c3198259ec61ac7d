package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/chrissnell/utilitywatch/internal/log"
	"github.com/chrissnell/utilitywatch/internal/mirror"
	"github.com/chrissnell/utilitywatch/internal/sources"
	"github.com/chrissnell/utilitywatch/internal/storage"
	"github.com/chrissnell/utilitywatch/internal/types"
)

// DefaultWindowDays is how many days back a regular energy poll re-reads, so
// values revised by the provider are picked up.
const DefaultWindowDays = 3

// EnergyResource maps one utility to its provider resources. CostResource may
// be empty, in which case readings are stored without cost.
type EnergyResource struct {
	Type         types.EnergyType
	Resource     string
	CostResource string
}

// EnergyIngester runs the energy pipeline for one provider.
type EnergyIngester struct {
	dispatcher

	client    sources.SourceClient
	fetcher   *Fetcher
	store     *storage.Store
	resources []EnergyResource
	loc       *time.Location
	now       func() time.Time

	// WindowDays is the number of whole local days before today a poll
	// covers, in addition to today.
	WindowDays int
}

// NewEnergyIngester creates an ingester for the given resources.
func NewEnergyIngester(client sources.SourceClient, store *storage.Store, m Mirror, loc *time.Location, resources ...EnergyResource) *EnergyIngester {
	if loc == nil {
		loc = time.UTC
	}
	return &EnergyIngester{
		dispatcher: dispatcher{mirror: m, logger: log.Named("energy").With("provider", client.Name())},
		client:     client,
		fetcher:    NewFetcher(client, loc),
		store:      store,
		resources:  resources,
		loc:        loc,
		now:        time.Now,
		WindowDays: DefaultWindowDays,
	}
}

// Name returns the provider name.
func (e *EnergyIngester) Name() string {
	return e.client.Name()
}

// Utilities lists the configured consumption types.
func (e *EnergyIngester) Utilities() []types.EnergyType {
	return lo.Map(e.resources, func(r EnergyResource, _ int) types.EnergyType { return r.Type })
}

// Poll ingests the recent window and mirrors the result in the background.
func (e *EnergyIngester) Poll(ctx context.Context) *CycleReport {
	now := e.now().In(e.loc)
	y, m, d := now.AddDate(0, 0, -e.WindowDays).Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, e.loc)

	report := e.ingest(ctx, from, now, nil, false)
	report.log(e.logger)
	return report
}

// IngestRange ingests [from, to) and waits for the mirror sync, whose outcome
// is recorded in the report. only restricts the run to some utilities.
func (e *EnergyIngester) IngestRange(ctx context.Context, from, to time.Time, only ...types.EnergyType) *CycleReport {
	return e.ingest(ctx, from, to, only, true)
}

func (e *EnergyIngester) ingest(ctx context.Context, from, to time.Time, only []types.EnergyType, awaitMirror bool) *CycleReport {
	report := newCycle(e.client.Name())

	report.enter(StateAuthenticating)
	if _, err := e.client.Authenticate(ctx); err != nil {
		return report.fail(err)
	}

	type fetched struct {
		res         EnergyResource
		consumption FetchOutcome
		cost        types.Series
	}

	report.enter(StateFetching)
	var results []fetched
	for _, res := range e.resources {
		if len(only) > 0 && !lo.Contains(only, res.Type) {
			continue
		}
		consumption, err := e.fetcher.FetchConsumption(ctx, res.Resource, from, to)
		if err != nil {
			return report.fail(fmt.Errorf("fetching %s: %w", res.Type, err))
		}
		f := fetched{res: res, consumption: consumption}
		report.Counts[string(res.Type)] = len(consumption.Points)
		report.Skipped += consumption.Skipped
		report.Synthetic = report.Synthetic || consumption.Synthetic

		if res.CostResource != "" {
			// Cost follows the consumption granularity so timestamps line up.
			cost, err := e.fetcher.FetchAt(ctx, res.CostResource, from, to, consumption.Granularity)
			if err != nil {
				return report.fail(fmt.Errorf("fetching %s: %w", res.Type.CostType(), err))
			}
			f.cost = cost.Points
			report.Counts[string(res.Type.CostType())] = len(cost.Points)
			report.Skipped += cost.Skipped
		}
		results = append(results, f)
	}

	report.enter(StateMerging)
	var rows []types.EnergyReading
	for _, f := range results {
		for _, mp := range Merge(f.consumption.Points, f.cost) {
			rows = append(rows, types.EnergyReading{
				Timestamp: mp.Time,
				Type:      f.res.Type,
				Quantity:  mp.Value,
				Cost:      mp.Cost,
				Synthetic: mp.Synthetic,
			})
		}
		for _, c := range f.cost {
			rows = append(rows, types.EnergyReading{
				Timestamp: c.Time,
				Type:      f.res.Type.CostType(),
				Quantity:  c.Value,
				Synthetic: c.Synthetic,
			})
		}
	}

	report.enter(StateStoring)
	res, err := e.store.UpsertEnergy(ctx, rows)
	if err != nil {
		return report.fail(err)
	}
	report.Stored = res.Written
	report.Skipped += res.Skipped

	report.enter(StateMirrorSyncing)
	batch := mirror.Batch{Energy: mirrorEnergy(rows)}
	if awaitMirror {
		report.MirrorErr = e.await(ctx, report.ID, batch)
	} else {
		e.async(ctx, report.ID, batch)
	}

	return report.finish()
}
