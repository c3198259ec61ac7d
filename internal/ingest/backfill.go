package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chrissnell/utilitywatch/internal/log"
	"github.com/chrissnell/utilitywatch/internal/types"
)

// Backfill limits.
const (
	DefaultChunkDays = 10
	DefaultMaxDays   = 400
)

// ErrUtilityNotConfigured is returned when a backfill is limited to a utility
// with no configured consumption resource.
var ErrUtilityNotConfigured = errors.New("utility not configured")

// RangeIngester runs the full fetch, merge and store pipeline over one window
// and waits for its mirror sync.
type RangeIngester interface {
	Name() string
	IngestRange(ctx context.Context, from, to time.Time, only ...types.EnergyType) *CycleReport
}

// Window is a half-open time range [From, To).
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// ChunkResult is the outcome of one backfill chunk.
type ChunkResult struct {
	Index     int            `json:"index"`
	From      time.Time      `json:"from"`
	To        time.Time      `json:"to"`
	Counts    map[string]int `json:"counts,omitempty"`
	Stored    int            `json:"stored"`
	Synthetic bool           `json:"synthetic"`
	MirrorOK  bool           `json:"mirror_ok"`
	Err       error          `json:"-"`
	Error     string         `json:"error,omitempty"`
}

// BackfillReport summarises a backfill run.
type BackfillReport struct {
	RunID       uuid.UUID      `json:"run_id"`
	Provider    string         `json:"provider"`
	Days        int            `json:"days"`
	TotalChunks int            `json:"total_chunks"`
	Chunks      []ChunkResult  `json:"chunks"`
	Totals      map[string]int `json:"totals"`
	Failed      int            `json:"failed"`
	MirrorAllOK bool           `json:"mirror_all_ok"`
	Started     time.Time      `json:"started"`
	Finished    time.Time      `json:"finished"`
}

// Backfiller re-ingests history in provider-sized chunks.
type Backfiller struct {
	ingester RangeIngester
	loc      *time.Location
	now      func() time.Time
	logger   *zap.SugaredLogger

	ChunkDays int
	MaxDays   int
}

// NewBackfiller creates a backfiller with the default limits.
func NewBackfiller(ingester RangeIngester, loc *time.Location) *Backfiller {
	if loc == nil {
		loc = time.UTC
	}
	return &Backfiller{
		ingester:  ingester,
		loc:       loc,
		now:       time.Now,
		logger:    log.Named("backfill").With("provider", ingester.Name()),
		ChunkDays: DefaultChunkDays,
		MaxDays:   DefaultMaxDays,
	}
}

// ClampDays limits days to [1, MaxDays].
func (b *Backfiller) ClampDays(days int) int {
	if days < 1 {
		return 1
	}
	if b.MaxDays > 0 && days > b.MaxDays {
		return b.MaxDays
	}
	return days
}

// Windows splits the days before the local start of today into chunks,
// newest first. The oldest chunk may be shorter than ChunkDays.
func (b *Backfiller) Windows(days int) []Window {
	days = b.ClampDays(days)
	chunk := b.ChunkDays
	if chunk < 1 {
		chunk = DefaultChunkDays
	}

	y, m, d := b.now().In(b.loc).Date()
	end := time.Date(y, m, d, 0, 0, 0, 0, b.loc)
	start := end.AddDate(0, 0, -days)

	var windows []Window
	for cursor := end; cursor.After(start); {
		from := cursor.AddDate(0, 0, -chunk)
		if from.Before(start) {
			from = start
		}
		windows = append(windows, Window{From: from, To: cursor})
		cursor = from
	}
	return windows
}

// Run backfills the given number of days. Chunks run one after another and
// a failed chunk never stops the ones after it. only restricts the run to
// some utilities.
func (b *Backfiller) Run(ctx context.Context, days int, only ...types.EnergyType) *BackfillReport {
	windows := b.Windows(days)
	report := &BackfillReport{
		RunID:       uuid.New(),
		Provider:    b.ingester.Name(),
		Days:        b.ClampDays(days),
		TotalChunks: len(windows),
		Chunks:      make([]ChunkResult, 0, len(windows)),
		Totals:      make(map[string]int),
		MirrorAllOK: true,
		Started:     time.Now(),
	}
	logger := b.logger.With("run", report.RunID)
	logger.Infow("starting backfill", "days", report.Days, "chunks", report.TotalChunks)

	for i, w := range windows {
		result := ChunkResult{Index: i, From: w.From, To: w.To}

		if err := ctx.Err(); err != nil {
			result.Err = fmt.Errorf("not started: %w", err)
		} else {
			cycle := b.ingester.IngestRange(ctx, w.From, w.To, only...)
			result.Counts = cycle.Counts
			result.Stored = cycle.Stored
			result.Synthetic = cycle.Synthetic
			if cycle.Err != nil {
				result.Err = fmt.Errorf("%s: %w", cycle.FailedState, cycle.Err)
			} else {
				result.MirrorOK = cycle.MirrorErr == nil
			}
		}

		if result.Err != nil {
			result.Error = result.Err.Error()
			report.Failed++
			logger.Warnw("backfill chunk failed",
				"chunk", i+1,
				"from", w.From,
				"to", w.To,
				"error", result.Err,
			)
		} else {
			for k, v := range result.Counts {
				report.Totals[k] += v
			}
			logger.Infow("backfill chunk complete",
				"chunk", i+1,
				"from", w.From,
				"to", w.To,
				"counts", result.Counts,
				"synthetic", result.Synthetic,
			)
		}
		if !result.MirrorOK {
			report.MirrorAllOK = false
		}
		report.Chunks = append(report.Chunks, result)
	}

	report.Finished = time.Now()
	logger.Infow("backfill complete",
		"chunks", report.TotalChunks,
		"failed", report.Failed,
		"totals", report.Totals,
		"mirror_all_ok", report.MirrorAllOK,
		"took", report.Finished.Sub(report.Started),
	)
	return report
}
