package ingest

import (
	"context"

	"github.com/chrissnell/utilitywatch/internal/log"
	"github.com/chrissnell/utilitywatch/internal/mirror"
	"github.com/chrissnell/utilitywatch/internal/storage"
	"github.com/chrissnell/utilitywatch/internal/types"
)

// SnapshotSource returns the current reading of every sensor channel.
type SnapshotSource interface {
	Name() string
	FetchSnapshot(ctx context.Context) ([]types.SensorReading, error)
}

// SensorIngester stores one snapshot per poll.
type SensorIngester struct {
	dispatcher

	source SnapshotSource
	store  *storage.Store
}

// NewSensorIngester creates a sensor ingester.
func NewSensorIngester(source SnapshotSource, store *storage.Store, m Mirror) *SensorIngester {
	return &SensorIngester{
		dispatcher: dispatcher{mirror: m, logger: log.Named("sensors").With("provider", source.Name())},
		source:     source,
		store:      store,
	}
}

// Name returns the provider name.
func (s *SensorIngester) Name() string {
	return s.source.Name()
}

// Poll fetches and stores one snapshot. Sensor sources authenticate with
// static keys, so the cycle moves straight to fetching and has nothing to
// merge.
func (s *SensorIngester) Poll(ctx context.Context) *CycleReport {
	report := newCycle(s.source.Name())
	defer report.log(s.logger)

	report.enter(StateFetching)
	readings, err := s.source.FetchSnapshot(ctx)
	if err != nil {
		return report.fail(err)
	}
	report.Counts["sensors"] = len(readings)

	report.enter(StateStoring)
	res, err := s.store.InsertSensorReadings(ctx, readings)
	if err != nil {
		return report.fail(err)
	}
	report.Stored = res.Written
	report.Skipped = res.Skipped

	report.enter(StateMirrorSyncing)
	s.async(ctx, report.ID, mirror.Batch{Sensors: readings})

	return report.finish()
}
