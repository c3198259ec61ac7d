package mirror

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/samber/lo"

	"github.com/chrissnell/utilitywatch/internal/constants"
	"github.com/chrissnell/utilitywatch/internal/types"
)

// PostgRESTChunkSize bounds the rows sent in one request.
const PostgRESTChunkSize = 500

// PostgRESTConfig locates a PostgREST-compatible endpoint.
type PostgRESTConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// PostgREST upserts rows into a hosted Postgres through its REST interface.
// Every table is written with merge-duplicates on the same natural key the
// local store uses, so replays are idempotent.
type PostgREST struct {
	client *resty.Client
}

// NewPostgREST creates a PostgREST engine.
func NewPostgREST(cfg PostgRESTConfig) (*PostgREST, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("postgrest mirror: url is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.URL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", constants.UserAgent).
		SetHeader("Prefer", "resolution=merge-duplicates,return=minimal")
	if cfg.APIKey != "" {
		client.SetHeader("apikey", cfg.APIKey).SetAuthToken(cfg.APIKey)
	}
	return &PostgREST{client: client}, nil
}

// Name implements Engine.
func (p *PostgREST) Name() string { return "postgrest" }

// Close implements Engine.
func (p *PostgREST) Close() error { return nil }

type sensorRow struct {
	Channel      string   `json:"channel"`
	Label        string   `json:"label"`
	Timestamp    string   `json:"timestamp"`
	TemperatureC float64  `json:"temperature_c"`
	Humidity     *float64 `json:"humidity"`
	Battery      *int     `json:"battery"`
}

type energyRow struct {
	Timestamp string   `json:"timestamp"`
	Type      string   `json:"type"`
	Quantity  float64  `json:"quantity"`
	Cost      *float64 `json:"cost"`
	Synthetic bool     `json:"synthetic"`
}

type waterRow struct {
	Timestamp     string  `json:"timestamp"`
	ReadingDate   string  `json:"reading_date"`
	ConsumptionM3 float64 `json:"consumption_m3"`
	ReadingType   string  `json:"reading_type"`
	MeterSerial   string  `json:"meter_serial,omitempty"`
}

type meterPointRow struct {
	ReadingDate     string  `json:"reading_date"`
	ReadingTime     string  `json:"reading_time"`
	ReadingDatetime string  `json:"reading_datetime"`
	CumulativeM3    float64 `json:"cumulative_m3"`
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Sync implements Engine.
func (p *PostgREST) Sync(ctx context.Context, b Batch) error {
	if len(b.Sensors) > 0 {
		rows := lo.Map(b.Sensors, func(r types.SensorReading, _ int) sensorRow {
			return sensorRow{
				Channel:      r.Channel,
				Label:        r.Label,
				Timestamp:    timestamp(r.Timestamp),
				TemperatureC: r.TemperatureC,
				Humidity:     r.Humidity,
				Battery:      r.Battery,
			}
		})
		if err := upsertTable(ctx, p.client, "sensor_readings", "channel,timestamp", rows); err != nil {
			return err
		}
	}

	if len(b.Energy) > 0 {
		rows := lo.Map(b.Energy, func(r types.EnergyReading, _ int) energyRow {
			return energyRow{
				Timestamp: timestamp(r.Timestamp),
				Type:      string(r.Type),
				Quantity:  r.Quantity,
				Cost:      r.Cost,
				Synthetic: r.Synthetic,
			}
		})
		if err := upsertTable(ctx, p.client, "energy_readings", "timestamp,type", rows); err != nil {
			return err
		}
	}

	if len(b.MeterPoints) > 0 {
		rows := lo.Map(b.MeterPoints, func(r types.MeterPointReading, _ int) meterPointRow {
			return meterPointRow{
				ReadingDate:     r.ReadingDate,
				ReadingTime:     r.ReadingTime,
				ReadingDatetime: timestamp(r.ReadingDatetime),
				CumulativeM3:    r.CumulativeM3,
			}
		})
		if err := upsertTable(ctx, p.client, "meter_point_readings", "reading_date,reading_time", rows); err != nil {
			return err
		}
	}

	if len(b.Water) > 0 {
		rows := lo.Map(b.Water, func(r types.WaterReading, _ int) waterRow {
			return waterRow{
				Timestamp:     timestamp(r.Timestamp),
				ReadingDate:   r.ReadingDate,
				ConsumptionM3: r.ConsumptionM3,
				ReadingType:   string(r.ReadingType),
				MeterSerial:   r.MeterSerial,
			}
		})
		if err := upsertTable(ctx, p.client, "water_readings", "reading_date,reading_type", rows); err != nil {
			return err
		}
	}

	return nil
}

func upsertTable[T any](ctx context.Context, client *resty.Client, table, conflict string, rows []T) error {
	for i, chunk := range lo.Chunk(rows, PostgRESTChunkSize) {
		resp, err := client.R().
			SetContext(ctx).
			SetQueryParam("on_conflict", conflict).
			SetBody(chunk).
			Post("/rest/v1/" + table)
		if err != nil {
			return fmt.Errorf("upserting %s chunk %d: %w", table, i, err)
		}
		if resp.StatusCode() != http.StatusCreated && resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusNoContent {
			body := resp.Body()
			if len(body) > 256 {
				body = body[:256]
			}
			return fmt.Errorf("upserting %s chunk %d: status %d: %s", table, i, resp.StatusCode(), body)
		}
	}
	return nil
}
