package mirror

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// InfluxDBConfig locates an InfluxDB v2 bucket.
type InfluxDBConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxDB writes every reading as a point. Points with the same measurement,
// tags and timestamp overwrite each other, which keeps replays idempotent.
type InfluxDB struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// NewInfluxDB creates an InfluxDB engine.
func NewInfluxDB(cfg InfluxDBConfig) (*InfluxDB, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influxdb mirror: url, org and bucket are required")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxDB{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}, nil
}

// Name implements Engine.
func (i *InfluxDB) Name() string { return "influxdb" }

// Close implements Engine.
func (i *InfluxDB) Close() error {
	i.client.Close()
	return nil
}

// Sync implements Engine.
func (i *InfluxDB) Sync(ctx context.Context, b Batch) error {
	points := BatchPoints(b)
	if len(points) == 0 {
		return nil
	}
	if err := i.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("writing %d points: %w", len(points), err)
	}
	return nil
}

// BatchPoints converts b to InfluxDB points.
func BatchPoints(b Batch) []*write.Point {
	points := make([]*write.Point, 0, b.Len())

	for _, r := range b.Sensors {
		fields := map[string]interface{}{"temperature_c": r.TemperatureC}
		if r.Humidity != nil {
			fields["humidity"] = *r.Humidity
		}
		if r.Battery != nil {
			fields["battery"] = *r.Battery
		}
		points = append(points, influxdb2.NewPoint("sensor",
			map[string]string{"channel": r.Channel, "label": r.Label},
			fields, r.Timestamp.UTC()))
	}

	for _, r := range b.Energy {
		fields := map[string]interface{}{"quantity": r.Quantity, "synthetic": r.Synthetic}
		if r.Cost != nil {
			fields["cost"] = *r.Cost
		}
		points = append(points, influxdb2.NewPoint("energy",
			map[string]string{"type": string(r.Type)},
			fields, r.Timestamp.UTC()))
	}

	for _, r := range b.Water {
		points = append(points, influxdb2.NewPoint("water",
			map[string]string{"reading_type": string(r.ReadingType), "reading_date": r.ReadingDate},
			map[string]interface{}{"consumption_m3": r.ConsumptionM3},
			r.Timestamp.UTC()))
	}

	for _, r := range b.MeterPoints {
		points = append(points, influxdb2.NewPoint("water_meter",
			map[string]string{},
			map[string]interface{}{"cumulative_m3": r.CumulativeM3},
			r.ReadingDatetime.UTC()))
	}

	return points
}
