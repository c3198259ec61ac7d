package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/chrissnell/utilitywatch/internal/log"
	"github.com/chrissnell/utilitywatch/internal/mirror"
	"github.com/chrissnell/utilitywatch/internal/sources"
	"github.com/chrissnell/utilitywatch/internal/storage"
	"github.com/chrissnell/utilitywatch/internal/types"
)

// MeterSource is a source of daily smart water meter readings.
type MeterSource interface {
	sources.SourceClient

	// MeterSerial resolves the serial of the meter readings belong to.
	MeterSerial(ctx context.Context) (string, error)
}

// WaterIngester runs the smart water meter pipeline.
type WaterIngester struct {
	dispatcher

	client MeterSource
	store  *storage.Store
	loc    *time.Location
	now    func() time.Time

	// WindowDays is the number of whole local days before today a poll
	// covers.
	WindowDays int
}

// NewWaterIngester creates a water ingester.
func NewWaterIngester(client MeterSource, store *storage.Store, m Mirror, loc *time.Location) *WaterIngester {
	if loc == nil {
		loc = time.UTC
	}
	return &WaterIngester{
		dispatcher: dispatcher{mirror: m, logger: log.Named("water").With("provider", client.Name())},
		client:     client,
		store:      store,
		loc:        loc,
		now:        time.Now,
		WindowDays: DefaultWindowDays,
	}
}

// Name returns the provider name.
func (w *WaterIngester) Name() string {
	return w.client.Name()
}

// Poll ingests the daily readings of the recent window.
func (w *WaterIngester) Poll(ctx context.Context) *CycleReport {
	now := w.now().In(w.loc)
	y, m, d := now.AddDate(0, 0, -w.WindowDays).Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, w.loc)

	report := w.ingest(ctx, from, now)
	report.log(w.logger)
	return report
}

func (w *WaterIngester) ingest(ctx context.Context, from, to time.Time) *CycleReport {
	report := newCycle(w.client.Name())

	report.enter(StateAuthenticating)
	if _, err := w.client.Authenticate(ctx); err != nil {
		return report.fail(err)
	}
	serial, err := w.client.MeterSerial(ctx)
	if err != nil {
		return report.fail(fmt.Errorf("resolving meter: %w", err))
	}

	report.enter(StateFetching)
	res := w.client.FetchRange(ctx, serial, from, to, types.Day)
	if !res.OK() {
		return report.fail(res.Err)
	}
	report.Counts[string(types.WaterSmart)] = len(res.Points)
	report.Skipped += res.Skipped

	report.enter(StateMerging)
	rows := make([]types.WaterReading, 0, len(res.Points))
	for _, p := range res.Points {
		rows = append(rows, types.WaterReading{
			Timestamp:     p.Time,
			ReadingDate:   p.Time.In(w.loc).Format(types.DateLayout),
			ConsumptionM3: p.Value,
			ReadingType:   types.WaterSmart,
			MeterSerial:   serial,
		})
	}

	report.enter(StateStoring)
	stored, err := w.store.UpsertWater(ctx, rows)
	if err != nil {
		return report.fail(err)
	}
	report.Stored = stored.Written
	report.Skipped += stored.Skipped

	report.enter(StateMirrorSyncing)
	w.async(ctx, report.ID, mirror.Batch{Water: rows})

	return report.finish()
}
