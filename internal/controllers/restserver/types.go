package restserver

import (
	"context"
	"time"

	"github.com/chrissnell/utilitywatch/internal/ingest"
	"github.com/chrissnell/utilitywatch/internal/mirror"
	"github.com/chrissnell/utilitywatch/internal/scheduler"
	"github.com/chrissnell/utilitywatch/internal/types"
)

// BackfillRunner runs a backfill in line with the regular energy polls.
type BackfillRunner interface {
	Backfill(ctx context.Context, days int, only ...types.EnergyType) (*ingest.BackfillReport, error)
}

// IndoorStats summarises the indoor channels of the latest snapshot.
type IndoorStats struct {
	Average float64              `json:"average"`
	Warmest *types.SensorReading `json:"warmest"`
	Coldest *types.SensorReading `json:"coldest"`
}

// CurrentResponse is the body of GET /api/current.
type CurrentResponse struct {
	Readings []types.SensorReading `json:"readings"`
	Stats    *IndoorStats          `json:"stats"`
	LastPoll *time.Time            `json:"last_poll"`
	NextPoll *time.Time            `json:"next_poll"`
}

// ManualWaterReading is the body of POST /api/water/readings.
type ManualWaterReading struct {
	Date          string                 `json:"date"`
	ConsumptionM3 float64                `json:"consumption_m3"`
	ReadingType   types.WaterReadingType `json:"reading_type"`
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Database string                `json:"database"`
	Jobs     []scheduler.JobStatus `json:"jobs"`
	Mirrors  []mirror.EngineHealth `json:"mirrors"`
}

type errorResponse struct {
	Error string `json:"error"`
}
