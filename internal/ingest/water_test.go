package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chrissnell/utilitywatch/internal/types"
)

type fakeMeter struct {
	*fakeClient
	serialErr error
}

func (f *fakeMeter) MeterSerial(context.Context) (string, error) {
	if f.serialErr != nil {
		return "", f.serialErr
	}
	return "SN-1", nil
}

type fakeSnapshots struct {
	readings []types.SensorReading
	err      error
}

func (f *fakeSnapshots) Name() string { return "snapshots" }

func (f *fakeSnapshots) FetchSnapshot(context.Context) ([]types.SensorReading, error) {
	return f.readings, f.err
}

func TestWaterIngester_Poll(t *testing.T) {
	now := time.Date(2024, 2, 5, 9, 0, 0, 0, time.UTC)
	days := types.Series{
		{Time: time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC), Value: 0.21},
		{Time: time.Date(2024, 2, 4, 0, 0, 0, 0, time.UTC), Value: 0.18},
	}
	client := &fakeMeter{fakeClient: &fakeClient{series: map[string]map[types.Granularity]types.Series{
		"SN-1": {types.Day: days},
	}}}
	store := newTestStore(t)
	m := &fakeMirror{}
	ing := NewWaterIngester(client, store, m, time.UTC)
	ing.now = func() time.Time { return now }

	report := ing.Poll(context.Background())
	ing.Wait()
	if !report.OK() {
		t.Fatalf("Poll() failed: %s", report.Error())
	}
	if report.Stored != 2 || m.synced() != 2 {
		t.Errorf("stored = %d, mirrored = %d; want 2 and 2", report.Stored, m.synced())
	}

	rows, err := store.WaterRange(context.Background(), "2024-02-01", "2024-02-05")
	if err != nil {
		t.Fatalf("WaterRange() error: %v", err)
	}
	if len(rows) != 2 || rows[0].ReadingDate != "2024-02-03" || rows[0].ReadingType != types.WaterSmart || rows[0].MeterSerial != "SN-1" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestWaterIngester_UnresolvedMeter(t *testing.T) {
	client := &fakeMeter{fakeClient: &fakeClient{}, serialErr: errors.New("no account")}
	ing := NewWaterIngester(client, newTestStore(t), nil, time.UTC)

	report := ing.Poll(context.Background())
	if report.OK() || report.FailedState != StateAuthenticating {
		t.Errorf("report = %+v, want failure while authenticating", report)
	}
	if len(client.calls) != 0 {
		t.Error("readings fetched without a meter")
	}
}

func TestSensorIngester_Poll(t *testing.T) {
	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSnapshots{readings: []types.SensorReading{
		{Channel: "indoor", Label: "Indoor", Timestamp: ts, TemperatureC: 20.5},
		{Channel: "ch1", Label: "Hallway", Timestamp: ts, TemperatureC: 19.1},
	}}
	store := newTestStore(t)
	m := &fakeMirror{}
	ing := NewSensorIngester(source, store, m)

	report := ing.Poll(context.Background())
	ing.Wait()
	if !report.OK() || report.Stored != 2 {
		t.Fatalf("report = %+v", report)
	}
	if m.synced() != 2 {
		t.Errorf("mirrored %d rows, want 2", m.synced())
	}

	// Same snapshot again stores nothing new.
	again := ing.Poll(context.Background())
	ing.Wait()
	if !again.OK() || again.Stored != 0 {
		t.Errorf("repeat report = %+v, want 0 stored", again)
	}

	source.err = errors.New("api error")
	failed := ing.Poll(context.Background())
	if failed.OK() || failed.FailedState != StateFetching {
		t.Errorf("report = %+v, want failure while fetching", failed)
	}
}
