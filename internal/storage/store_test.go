package storage

import (
	"context"
	"math"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/chrissnell/utilitywatch/internal/database"
	"github.com/chrissnell/utilitywatch/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.OpenInMemory()
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	s := New(db)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	return s
}

func ptr(v float64) *float64 { return &v }

func TestUpsertEnergy_LastWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2024, 1, 10, 12, 30, 0, 0, time.UTC)

	first := []types.EnergyReading{{Timestamp: ts, Type: types.Electricity, Quantity: 0.1, Synthetic: true}}
	if _, err := s.UpsertEnergy(ctx, first); err != nil {
		t.Fatalf("first UpsertEnergy() error: %v", err)
	}

	// Same instant expressed in another zone must hit the same key.
	london, _ := time.LoadLocation("Europe/London")
	second := []types.EnergyReading{{Timestamp: ts.In(london), Type: types.Electricity, Quantity: 0.42, Cost: ptr(10.5)}}
	if _, err := s.UpsertEnergy(ctx, second); err != nil {
		t.Fatalf("second UpsertEnergy() error: %v", err)
	}

	var rows []types.EnergyReading
	if err := s.DB().Find(&rows).Error; err != nil {
		t.Fatalf("query error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	got := rows[0]
	if got.Quantity != 0.42 || got.Cost == nil || *got.Cost != 10.5 || got.Synthetic {
		t.Errorf("row = %+v, want the second write", got)
	}
}

func TestUpsertEnergy_FiltersNonFinite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

	readings := []types.EnergyReading{
		{Timestamp: base, Type: types.Gas, Quantity: 0},
		{Timestamp: base.Add(30 * time.Minute), Type: types.Gas, Quantity: math.NaN()},
		{Timestamp: base.Add(60 * time.Minute), Type: types.Gas, Quantity: math.Inf(1)},
		{Timestamp: base.Add(90 * time.Minute), Type: types.Gas, Quantity: 1.5, Cost: ptr(math.NaN())},
	}
	res, err := s.UpsertEnergy(ctx, readings)
	if err != nil {
		t.Fatalf("UpsertEnergy() error: %v", err)
	}
	if res.Written != 2 || res.Skipped != 2 {
		t.Errorf("result = %+v, want 2 written 2 skipped", res)
	}

	rows, err := s.EnergyRange(ctx, types.Gas, base, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("EnergyRange() error: %v", err)
	}
	if len(rows) != 2 || rows[0].Quantity != 0 || rows[1].Cost != nil {
		t.Errorf("rows = %+v", rows)
	}
}

func TestUpsertEnergy_DuplicateKeysInOneBatch(t *testing.T) {
	s := newTestStore(t)
	ts := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

	res, err := s.UpsertEnergy(context.Background(), []types.EnergyReading{
		{Timestamp: ts, Type: types.Electricity, Quantity: 1},
		{Timestamp: ts, Type: types.Electricity, Quantity: 2},
		{Timestamp: ts, Type: types.ElectricityCost, Quantity: 30},
	})
	if err != nil {
		t.Fatalf("UpsertEnergy() error: %v", err)
	}
	if res.Written != 2 {
		t.Errorf("written = %d, want 2", res.Written)
	}

	rows, _ := s.EnergyRange(context.Background(), types.Electricity, ts, ts.Add(time.Hour))
	if len(rows) != 1 || rows[0].Quantity != 2 {
		t.Errorf("rows = %+v, want single row with quantity 2", rows)
	}
}

func TestUpsertWater_TypesCoexist(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	_, err := s.UpsertWater(ctx, []types.WaterReading{
		{Timestamp: day, ReadingDate: "2024-02-01", ConsumptionM3: 0.2, ReadingType: types.WaterSmart},
		{Timestamp: day, ReadingDate: "2024-02-01", ConsumptionM3: 0.3, ReadingType: types.WaterBilling},
	})
	if err != nil {
		t.Fatalf("UpsertWater() error: %v", err)
	}
	_, err = s.UpsertWater(ctx, []types.WaterReading{
		{Timestamp: day, ReadingDate: "2024-02-01", ConsumptionM3: 0.25, ReadingType: types.WaterSmart},
	})
	if err != nil {
		t.Fatalf("UpsertWater() error: %v", err)
	}

	rows, err := s.WaterRange(ctx, "2024-02-01", "2024-02-01")
	if err != nil {
		t.Fatalf("WaterRange() error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	for _, r := range rows {
		if r.ReadingType == types.WaterSmart && r.ConsumptionM3 != 0.25 {
			t.Errorf("smart reading = %v, want 0.25", r.ConsumptionM3)
		}
		if r.ReadingType == types.WaterBilling && r.ConsumptionM3 != 0.3 {
			t.Errorf("billing reading = %v, want 0.3", r.ConsumptionM3)
		}
	}
}

func TestSensorReadings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t1 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(5 * time.Minute)

	batch := []types.SensorReading{
		{Channel: "ch1", Label: "Hallway", Timestamp: t1, TemperatureC: 19.5},
		{Channel: "outdoor", Label: "Outdoor", Timestamp: t1, TemperatureC: 4.1},
	}
	if _, err := s.InsertSensorReadings(ctx, batch); err != nil {
		t.Fatalf("InsertSensorReadings() error: %v", err)
	}
	// Re-delivery of the same snapshot is ignored.
	if _, err := s.InsertSensorReadings(ctx, batch); err != nil {
		t.Fatalf("repeat InsertSensorReadings() error: %v", err)
	}
	if _, err := s.InsertSensorReadings(ctx, []types.SensorReading{
		{Channel: "ch1", Label: "Hallway", Timestamp: t2, TemperatureC: 20.0},
	}); err != nil {
		t.Fatalf("InsertSensorReadings() error: %v", err)
	}

	history, err := s.SensorHistory(ctx, t1.Add(-time.Hour))
	if err != nil {
		t.Fatalf("SensorHistory() error: %v", err)
	}
	if len(history) != 3 {
		t.Errorf("history has %d rows, want 3", len(history))
	}

	latest, err := s.LatestSensorReadings(ctx)
	if err != nil {
		t.Fatalf("LatestSensorReadings() error: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("latest has %d rows, want 2", len(latest))
	}
	if latest[0].Channel != "ch1" || latest[0].TemperatureC != 20.0 {
		t.Errorf("latest ch1 = %+v", latest[0])
	}
}

func TestSaveMeterPoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)

	if _, err := s.SaveMeterPoint(ctx, types.MeterPointReading{
		ReadingDate: "2024-01-01", ReadingTime: "00:00", ReadingDatetime: t1, CumulativeM3: 10,
	}, nil); err != nil {
		t.Fatalf("SaveMeterPoint() error: %v", err)
	}

	res, err := s.SaveMeterPoint(ctx, types.MeterPointReading{
		ReadingDate: "2024-01-03", ReadingTime: "00:00", ReadingDatetime: t2, CumulativeM3: 10.24,
	}, []types.WaterReading{
		{Timestamp: t2, ReadingDate: "2024-01-02", ConsumptionM3: 0.12, ReadingType: types.WaterMeter},
		{Timestamp: t2, ReadingDate: "2024-01-03", ConsumptionM3: 0.12, ReadingType: types.WaterMeter},
	})
	if err != nil {
		t.Fatalf("SaveMeterPoint() error: %v", err)
	}
	if res.Written != 2 {
		t.Errorf("written = %d, want 2", res.Written)
	}

	prev, err := s.PreviousMeterPoint(ctx, t2)
	if err != nil {
		t.Fatalf("PreviousMeterPoint() error: %v", err)
	}
	if prev == nil || prev.CumulativeM3 != 10 {
		t.Errorf("previous point = %+v, want the 10 m3 reading", prev)
	}

	none, err := s.PreviousMeterPoint(ctx, t1)
	if err != nil || none != nil {
		t.Errorf("PreviousMeterPoint(first) = %+v, %v; want nil, nil", none, err)
	}

	points, err := s.MeterPoints(ctx, 10)
	if err != nil || len(points) != 2 || points[0].CumulativeM3 != 10.24 {
		t.Errorf("MeterPoints() = %+v, %v", points, err)
	}

	if _, err := s.SaveMeterPoint(ctx, types.MeterPointReading{
		ReadingDate: "2024-01-04", ReadingTime: "00:00", ReadingDatetime: t2.Add(24 * time.Hour), CumulativeM3: math.NaN(),
	}, nil); err == nil {
		t.Error("expected non-finite meter point to be rejected")
	}
}

func TestDailyEnergyTotals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	var readings []types.EnergyReading
	for i := 0; i < 96; i++ {
		readings = append(readings, types.EnergyReading{
			Timestamp: start.Add(time.Duration(i) * 30 * time.Minute),
			Type:      types.Electricity,
			Quantity:  0.5,
			Synthetic: i >= 48,
		})
	}
	if _, err := s.UpsertEnergy(ctx, readings); err != nil {
		t.Fatalf("UpsertEnergy() error: %v", err)
	}

	totals, err := s.DailyEnergyTotals(ctx, types.Electricity, start, start.Add(48*time.Hour), time.UTC)
	if err != nil {
		t.Fatalf("DailyEnergyTotals() error: %v", err)
	}
	if len(totals) != 2 {
		t.Fatalf("got %d days, want 2", len(totals))
	}
	if totals[0].Date != "2024-03-01" || totals[0].Total != 24 || totals[0].Synthetic {
		t.Errorf("day 1 = %+v", totals[0])
	}
	if totals[1].Date != "2024-03-02" || totals[1].Samples != 48 || !totals[1].Synthetic {
		t.Errorf("day 2 = %+v", totals[1])
	}
}
