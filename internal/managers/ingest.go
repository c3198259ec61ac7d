package managers

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chrissnell/utilitywatch/internal/ingest"
	"github.com/chrissnell/utilitywatch/internal/scheduler"
	"github.com/chrissnell/utilitywatch/internal/sources/ecowitt"
	"github.com/chrissnell/utilitywatch/internal/sources/glowmarkt"
	"github.com/chrissnell/utilitywatch/internal/sources/waterportal"
	"github.com/chrissnell/utilitywatch/internal/storage"
	"github.com/chrissnell/utilitywatch/internal/types"
	"github.com/chrissnell/utilitywatch/pkg/config"
)

// Scheduler job names, one per provider pipeline.
const (
	SensorsJob = "sensors"
	EnergyJob  = "energy"
	WaterJob   = "water"
)

// IngestManager holds one ingester per configured provider. Ingesters for
// providers missing from the configuration are nil.
type IngestManager struct {
	Sensors *ingest.SensorIngester
	Energy  *ingest.EnergyIngester
	Water   *ingest.WaterIngester

	poll   config.PollData
	logger *zap.SugaredLogger
}

// NewIngestManager creates the source clients and their ingesters
func NewIngestManager(c *config.ConfigData, store *storage.Store, m ingest.Mirror, logger *zap.SugaredLogger) (*IngestManager, error) {
	im := &IngestManager{
		poll:   c.Poll,
		logger: logger,
	}

	loc := c.Location()
	timeout := c.Sources.HTTPTimeoutDuration()
	margin := c.Sources.TokenMarginDuration()

	if e := c.Sources.Ecowitt; e != nil {
		client := ecowitt.New(ecowitt.Config{
			BaseURL:        e.BaseURL,
			ApplicationKey: e.ApplicationKey,
			APIKey:         e.APIKey,
			MAC:            e.MAC,
			Timeout:        timeout,
			Labels:         e.Labels,
		})
		im.Sensors = ingest.NewSensorIngester(client, store, m)
	}

	if g := c.Sources.Glowmarkt; g != nil {
		client := glowmarkt.New(glowmarkt.Config{
			BaseURL:       g.BaseURL,
			Username:      g.Username,
			Password:      g.Password,
			ApplicationID: g.ApplicationID,
			Timeout:       timeout,
			SafetyMargin:  margin,
		})
		im.Energy = ingest.NewEnergyIngester(client, store, m, loc, energyResources(g)...)
		im.Energy.WindowDays = c.Poll.WindowDays
	}

	if w := c.Sources.WaterPortal; w != nil {
		client := waterportal.New(waterportal.Config{
			BaseURL:       w.BaseURL,
			Username:      w.Username,
			Password:      w.Password,
			AccountNumber: w.AccountNumber,
			Timeout:       timeout,
			SafetyMargin:  margin,
		})
		im.Water = ingest.NewWaterIngester(client, store, m, loc)
		im.Water.WindowDays = c.Poll.WindowDays
	}

	if im.Sensors == nil && im.Energy == nil && im.Water == nil {
		return nil, fmt.Errorf("no sources configured")
	}
	return im, nil
}

func energyResources(g *config.GlowmarktData) []ingest.EnergyResource {
	var res []ingest.EnergyResource
	if g.ElectricityResource != "" {
		res = append(res, ingest.EnergyResource{
			Type:         types.Electricity,
			Resource:     g.ElectricityResource,
			CostResource: g.ElectricityCostResource,
		})
	}
	if g.GasResource != "" {
		res = append(res, ingest.EnergyResource{
			Type:         types.Gas,
			Resource:     g.GasResource,
			CostResource: g.GasCostResource,
		})
	}
	return res
}

// Jobs returns a scheduler job for every configured ingester. Every job also
// runs once at startup.
func (im *IngestManager) Jobs() []scheduler.Job {
	var jobs []scheduler.Job
	if im.Sensors != nil {
		jobs = append(jobs, newPollJob(SensorsJob, im.poll.SensorsDuration(), im.Sensors.Poll))
	}
	if im.Energy != nil {
		jobs = append(jobs, newPollJob(EnergyJob, im.poll.EnergyDuration(), im.Energy.Poll))
	}
	if im.Water != nil {
		jobs = append(jobs, newPollJob(WaterJob, im.poll.WaterDuration(), im.Water.Poll))
	}
	return jobs
}

func newPollJob(name string, interval time.Duration, poll func(context.Context) *ingest.CycleReport) scheduler.Job {
	return scheduler.Job{
		Name:       name,
		Interval:   interval,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			report := poll(ctx)
			if !report.OK() {
				return fmt.Errorf("%s: %w", report.FailedState, report.Err)
			}
			return nil
		},
	}
}

// Wait blocks until background mirror syncs started by the ingesters finish
func (im *IngestManager) Wait() {
	if im.Sensors != nil {
		im.Sensors.Wait()
	}
	if im.Energy != nil {
		im.Energy.Wait()
	}
	if im.Water != nil {
		im.Water.Wait()
	}
}
