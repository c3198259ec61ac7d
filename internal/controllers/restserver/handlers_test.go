package restserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chrissnell/utilitywatch/internal/database"
	"github.com/chrissnell/utilitywatch/internal/ingest"
	"github.com/chrissnell/utilitywatch/internal/meter"
	"github.com/chrissnell/utilitywatch/internal/mirror"
	"github.com/chrissnell/utilitywatch/internal/scheduler"
	"github.com/chrissnell/utilitywatch/internal/storage"
	"github.com/chrissnell/utilitywatch/internal/types"
	"github.com/chrissnell/utilitywatch/pkg/config"
)

type fakeBackfill struct {
	days int
	only []types.EnergyType
}

func (f *fakeBackfill) Backfill(_ context.Context, days int, only ...types.EnergyType) (*ingest.BackfillReport, error) {
	f.days = days
	f.only = only
	return &ingest.BackfillReport{Days: days, TotalChunks: 1, MirrorAllOK: true}, nil
}

type testServer struct {
	handler  http.Handler
	store    *storage.Store
	backfill *fakeBackfill
}

type recordingEngine struct {
	mu      sync.Mutex
	batches []mirror.Batch
}

func (e *recordingEngine) Name() string { return "recorder" }

func (e *recordingEngine) Sync(_ context.Context, b mirror.Batch) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.batches = append(e.batches, b)
	return nil
}

func (e *recordingEngine) Close() error { return nil }

func newTestServer(t *testing.T, opts ...func(*Deps)) *testServer {
	t.Helper()
	db, err := database.OpenInMemory()
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	store := storage.New(db)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}

	sched := scheduler.New()
	if err := sched.Add(scheduler.Job{Name: SensorsJob, Interval: time.Hour, Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	fb := &fakeBackfill{}
	deps := Deps{
		Store:      store,
		Scheduler:  sched,
		Reconciler: meter.NewReconciler(store, nil, time.UTC),
		Backfill:   fb,
		Mirror:     mirror.NewManager(),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	var wg sync.WaitGroup
	ctrl, err := NewController(context.Background(), &wg, config.RESTServerData{}, deps)
	if err != nil {
		t.Fatalf("NewController() error: %v", err)
	}
	return &testServer{handler: ctrl.Handler(), store: store, backfill: fb}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestGetCurrent(t *testing.T) {
	s := newTestServer(t)
	ts := time.Now().UTC().Truncate(time.Second)
	_, err := s.store.InsertSensorReadings(context.Background(), []types.SensorReading{
		{Channel: "indoor", Label: "Indoor", Timestamp: ts, TemperatureC: 20},
		{Channel: "ch1", Label: "Bedroom", Timestamp: ts, TemperatureC: 17},
		{Channel: "ch2", Label: "Kitchen", Timestamp: ts, TemperatureC: 23},
		{Channel: "outdoor", Label: "Outdoor", Timestamp: ts, TemperatureC: -3},
	})
	if err != nil {
		t.Fatalf("InsertSensorReadings() error: %v", err)
	}

	rec := s.do(t, http.MethodGet, "/api/current", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp CurrentResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Readings) != 4 {
		t.Errorf("got %d readings, want 4", len(resp.Readings))
	}
	if resp.Stats == nil {
		t.Fatal("missing indoor stats")
	}
	if resp.Stats.Average != 20 || resp.Stats.Warmest.Channel != "ch2" || resp.Stats.Coldest.Channel != "ch1" {
		t.Errorf("stats = avg %v, warmest %s, coldest %s", resp.Stats.Average, resp.Stats.Warmest.Channel, resp.Stats.Coldest.Channel)
	}
}

func TestIndoorStats_OnlyOutdoor(t *testing.T) {
	if got := indoorStats([]types.SensorReading{{Channel: "outdoor", TemperatureC: 4}}); got != nil {
		t.Errorf("indoorStats() = %+v, want nil", got)
	}
}

func TestMeterReadingFlow(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/water/meter-readings", `{"date":"2024-01-01","time":"00:00","value_m3":10}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first reading status = %d, body %s", rec.Code, rec.Body)
	}

	rec = s.do(t, http.MethodPost, "/api/water/meter-readings", `{"date":"2024-01-03","time":"00:00","value_m3":10.24}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("second reading status = %d, body %s", rec.Code, rec.Body)
	}
	var res meter.Result
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if res.DailyRate != 0.12 || len(res.Derived) != 2 {
		t.Errorf("result = rate %v with %d derived rows", res.DailyRate, len(res.Derived))
	}

	rec = s.do(t, http.MethodGet, "/api/water/readings?from=2024-01-01&to=2024-01-31", "")
	var rows []types.WaterReading
	if err := json.NewDecoder(rec.Body).Decode(&rows); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("got %d water rows, want 2", len(rows))
	}

	rec = s.do(t, http.MethodGet, "/api/water/meter-readings", "")
	var points []types.MeterPointReading
	if err := json.NewDecoder(rec.Body).Decode(&points); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(points) != 2 {
		t.Errorf("got %d meter points, want 2", len(points))
	}
}

func TestMeterReading_NegativeDelta(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/water/meter-readings", `{"date":"2024-01-01","time":"00:00","value_m3":10}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first reading status = %d, body %s", rec.Code, rec.Body)
	}

	rec = s.do(t, http.MethodPost, "/api/water/meter-readings", `{"date":"2024-01-03","time":"00:00","value_m3":9}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("lower reading status = %d, want %d (body %s)", rec.Code, http.StatusCreated, rec.Body)
	}
	var res meter.Result
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if res.Anomaly == nil || res.Anomaly.Kind != types.AnomalyNegativeDelta {
		t.Fatalf("anomaly = %v, want %s", res.Anomaly, types.AnomalyNegativeDelta)
	}
	if len(res.Derived) != 0 {
		t.Errorf("got %d derived rows, want none", len(res.Derived))
	}

	rec = s.do(t, http.MethodGet, "/api/water/readings?from=2024-01-01&to=2024-01-31", "")
	var rows []types.WaterReading
	if err := json.NewDecoder(rec.Body).Decode(&rows); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("got %d water rows, want none", len(rows))
	}

	rec = s.do(t, http.MethodGet, "/api/water/meter-readings", "")
	var points []types.MeterPointReading
	if err := json.NewDecoder(rec.Body).Decode(&points); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(points) != 2 {
		t.Errorf("got %d meter points, want both stored", len(points))
	}
}

func TestPostWaterReading_Mirrors(t *testing.T) {
	engine := &recordingEngine{}
	s := newTestServer(t, func(d *Deps) { d.Mirror = mirror.NewManager(engine) })

	rec := s.do(t, http.MethodPost, "/api/water/readings", `{"date":"2024-02-01","consumption_m3":0.31,"reading_type":"billing"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.batches) != 1 {
		t.Fatalf("got %d mirror batches, want 1", len(engine.batches))
	}
	water := engine.batches[0].Water
	if len(water) != 1 || water[0].ReadingDate != "2024-02-01" || water[0].ReadingType != types.WaterBilling || water[0].ConsumptionM3 != 0.31 {
		t.Errorf("mirrored water = %+v", water)
	}
}

func TestTriggerPoll_Wait(t *testing.T) {
	ts := time.Now().UTC().Truncate(time.Second)
	sched := scheduler.New()
	polls := 0
	s := newTestServer(t, func(d *Deps) {
		store := d.Store
		jobs := []scheduler.Job{
			{Name: SensorsJob, Interval: time.Hour, Run: func(ctx context.Context) error {
				polls++
				_, err := store.InsertSensorReadings(ctx, []types.SensorReading{
					{Channel: "ch1", Label: "Bedroom", Timestamp: ts, TemperatureC: 18.5},
					{Channel: "outdoor", Label: "Outdoor", Timestamp: ts, TemperatureC: 2},
				})
				return err
			}},
			{Name: "water", Interval: 24 * time.Hour, Run: func(context.Context) error {
				return errors.New("fetching: portal down")
			}},
			{Name: "energy", Interval: 30 * time.Minute, Run: func(context.Context) error { return nil }},
		}
		for _, j := range jobs {
			if err := sched.Add(j); err != nil {
				t.Fatalf("Add() error: %v", err)
			}
		}
		d.Scheduler = sched
	})

	rec := s.do(t, http.MethodPost, "/api/poll/sensors?wait=true", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("poll before start = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		sched.Wait()
	})

	rec = s.do(t, http.MethodPost, "/api/poll/sensors?wait=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("sensor poll status = %d, body %s", rec.Code, rec.Body)
	}
	var resp CurrentResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if polls != 1 {
		t.Errorf("sensor job ran %d times, want 1", polls)
	}
	if len(resp.Readings) != 2 || resp.Stats == nil || resp.Stats.Average != 18.5 {
		t.Errorf("snapshot = %d readings, stats %+v", len(resp.Readings), resp.Stats)
	}
	if resp.LastPoll == nil {
		t.Error("last poll not reported after a synchronous run")
	}

	rec = s.do(t, http.MethodPost, "/api/poll/energy?wait=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("energy poll status = %d, body %s", rec.Code, rec.Body)
	}
	var st scheduler.JobStatus
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if st.Name != "energy" || st.Runs != 1 {
		t.Errorf("energy status = %+v, want one run", st)
	}

	tests := []struct {
		path string
		want int
	}{
		{"/api/poll/water?wait=true", http.StatusBadGateway},
		{"/api/poll/nope?wait=true", http.StatusNotFound},
	}
	for _, tt := range tests {
		if rec := s.do(t, http.MethodPost, tt.path, ""); rec.Code != tt.want {
			t.Errorf("POST %s = %d, want %d (body %s)", tt.path, rec.Code, tt.want, rec.Body)
		}
	}
}

func TestGetStatus_Mirrors(t *testing.T) {
	engine := &recordingEngine{}
	m := mirror.NewManager(engine)
	s := newTestServer(t, func(d *Deps) { d.Mirror = m })

	var resp StatusResponse
	rec := s.do(t, http.MethodGet, "/api/status", "")
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Mirrors) != 1 || resp.Mirrors[0].Status != mirror.StatusUnknown {
		t.Fatalf("mirrors before any sync = %+v, want one unknown", resp.Mirrors)
	}

	s.do(t, http.MethodPost, "/api/water/readings", `{"date":"2024-02-01","consumption_m3":0.31}`)
	rec = s.do(t, http.MethodGet, "/api/status", "")
	resp = StatusResponse{}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Mirrors) != 1 || resp.Mirrors[0].Status != mirror.StatusHealthy || resp.Mirrors[0].RowsSynced != 1 {
		t.Errorf("mirrors after a sync = %+v, want one healthy with 1 row", resp.Mirrors)
	}
}

func TestMirrorMaxAge(t *testing.T) {
	tests := []struct {
		name string
		jobs []scheduler.JobStatus
		want time.Duration
	}{
		{"no jobs", nil, 0},
		{"slowest job wins", []scheduler.JobStatus{{Interval: 5 * time.Minute}, {Interval: time.Hour}, {Interval: 30 * time.Minute}}, 2 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mirrorMaxAge(tt.jobs); got != tt.want {
				t.Errorf("mirrorMaxAge() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRequestValidation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown job", http.MethodPost, "/api/poll/nope", "", http.StatusNotFound},
		{"known job", http.MethodPost, "/api/poll/sensors", "", http.StatusAccepted},
		{"bad energy type", http.MethodGet, "/api/energy/daily?type=steam", "", http.StatusBadRequest},
		{"bad days", http.MethodGet, "/api/energy/daily?days=-1", "", http.StatusBadRequest},
		{"daily totals", http.MethodGet, "/api/energy/daily?type=gas&days=3", "", http.StatusOK},
		{"bad history hours", http.MethodGet, "/api/history?hours=abc", "", http.StatusBadRequest},
		{"history", http.MethodGet, "/api/history", "", http.StatusOK},
		{"bad meter json", http.MethodPost, "/api/water/meter-readings", "{", http.StatusBadRequest},
		{"bad meter date", http.MethodPost, "/api/water/meter-readings", `{"date":"01/02/2024","time":"00:00","value_m3":1}`, http.StatusBadRequest},
		{"smart reading rejected", http.MethodPost, "/api/water/readings", `{"date":"2024-01-01","consumption_m3":0.2,"reading_type":"smart"}`, http.StatusBadRequest},
		{"billing reading", http.MethodPost, "/api/water/readings", `{"date":"2024-01-01","consumption_m3":0.2,"reading_type":"billing"}`, http.StatusCreated},
		{"bad water dates", http.MethodGet, "/api/water/readings?from=yesterday", "", http.StatusBadRequest},
		{"bad utility", http.MethodPost, "/api/backfill?utility=water", "", http.StatusBadRequest},
		{"status", http.MethodGet, "/api/status", "", http.StatusOK},
		{"wrong method", http.MethodGet, "/api/backfill", "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("%s %s = %d, want %d (body %s)", tt.method, tt.path, rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestPostBackfill(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/backfill?days=5000&utility=gas", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if s.backfill.days != maxDailyDays {
		t.Errorf("days = %d, want capped at %d", s.backfill.days, maxDailyDays)
	}
	if len(s.backfill.only) != 1 || s.backfill.only[0] != types.Gas {
		t.Errorf("utility filter = %v, want [gas]", s.backfill.only)
	}
}

func TestMsgPackResponses(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/status?format=msgpack", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/x-msgpack" {
		t.Errorf("Content-Type = %q, want application/x-msgpack", got)
	}
}
