package managers

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"

	"github.com/chrissnell/utilitywatch/internal/ingest"
	"github.com/chrissnell/utilitywatch/internal/scheduler"
	"github.com/chrissnell/utilitywatch/internal/types"
	"github.com/chrissnell/utilitywatch/pkg/config"
)

// ErrNoEnergySource is returned by Backfill when no energy provider is
// configured.
var ErrNoEnergySource = errors.New("no energy source configured")

// BackfillService runs energy backfills. When a running scheduler is attached,
// a backfill is executed by the energy job's worker so it never overlaps a
// regular energy poll.
type BackfillService struct {
	backfiller *ingest.Backfiller
	scheduler  *scheduler.Scheduler
	utilities  []types.EnergyType
}

// NewBackfillService creates a backfill service for the energy ingester.
// sched may be nil for one-shot use.
func NewBackfillService(energy *ingest.EnergyIngester, sched *scheduler.Scheduler, c *config.ConfigData) *BackfillService {
	b := &BackfillService{scheduler: sched}
	if energy == nil {
		return b
	}
	b.backfiller = ingest.NewBackfiller(energy, c.Location())
	b.utilities = energy.Utilities()
	if c.Backfill.ChunkDays > 0 {
		b.backfiller.ChunkDays = c.Backfill.ChunkDays
	}
	if c.Backfill.MaxDays > 0 {
		b.backfiller.MaxDays = c.Backfill.MaxDays
	}
	return b
}

// Backfill re-ingests the last days of energy history, optionally limited to
// some of the configured utilities.
func (b *BackfillService) Backfill(ctx context.Context, days int, only ...types.EnergyType) (*ingest.BackfillReport, error) {
	if b.backfiller == nil {
		return nil, ErrNoEnergySource
	}
	if missing, _ := lo.Difference(only, b.utilities); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ingest.ErrUtilityNotConfigured, missing[0])
	}
	if b.scheduler == nil {
		return b.backfiller.Run(ctx, days, only...), nil
	}

	var report *ingest.BackfillReport
	err := b.scheduler.Do(ctx, EnergyJob, func(ctx context.Context) error {
		report = b.backfiller.Run(ctx, days, only...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}
