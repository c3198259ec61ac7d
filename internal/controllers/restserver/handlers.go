package restserver

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"gonum.org/v1/gonum/stat"

	"github.com/chrissnell/utilitywatch/internal/ingest"
	"github.com/chrissnell/utilitywatch/internal/meter"
	"github.com/chrissnell/utilitywatch/internal/mirror"
	"github.com/chrissnell/utilitywatch/internal/scheduler"
	"github.com/chrissnell/utilitywatch/internal/types"
	"github.com/chrissnell/utilitywatch/pkg/responseformat"
)

// Query limits.
const (
	defaultHistoryHours = 24
	maxHistoryHours     = 24 * 31
	defaultDailyDays    = 7
	maxDailyDays        = 400
	defaultMeterLimit   = 50
)

// Handlers contains all HTTP handlers for the REST server
type Handlers struct {
	controller *Controller
	formatter  *responseformat.Formatter
}

// NewHandlers creates a new handlers instance
func NewHandlers(ctrl *Controller) *Handlers {
	return &Handlers{controller: ctrl, formatter: responseformat.NewFormatter()}
}

func (h *Handlers) writeResponse(w http.ResponseWriter, req *http.Request, status int, v interface{}) {
	if err := h.formatter.WriteResponse(w, req, status, v); err != nil {
		h.controller.logger.Errorf("error encoding response: %v", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, req *http.Request, status int, msg string) {
	h.writeResponse(w, req, status, errorResponse{Error: msg})
}

// intParam parses an optional positive integer query parameter, falling back
// to def and capping at max.
func intParam(req *http.Request, name string, def, max int) (int, error) {
	raw := req.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, errors.New("invalid " + name + " parameter")
	}
	if v > max {
		v = max
	}
	return v, nil
}

// GetCurrent handles requests for the latest sensor snapshot
func (h *Handlers) GetCurrent(w http.ResponseWriter, req *http.Request) {
	resp, err := h.currentSnapshot(req.Context())
	if err != nil {
		h.controller.logger.Errorf("error fetching latest readings: %v", err)
		h.writeError(w, req, http.StatusInternalServerError, "error fetching latest readings")
		return
	}
	h.writeResponse(w, req, http.StatusOK, resp)
}

func (h *Handlers) currentSnapshot(ctx context.Context) (CurrentResponse, error) {
	readings, err := h.controller.deps.Store.LatestSensorReadings(ctx)
	if err != nil {
		return CurrentResponse{}, err
	}

	resp := CurrentResponse{
		Readings: readings,
		Stats:    indoorStats(readings),
	}
	if s := h.controller.deps.Scheduler; s != nil {
		if st, err := s.JobStatus(SensorsJob); err == nil {
			if !st.LastFinish.IsZero() {
				last := st.LastFinish
				resp.LastPoll = &last
			}
			if !st.NextRun.IsZero() {
				next := st.NextRun
				resp.NextPoll = &next
			}
		}
	}
	return resp, nil
}

// indoorStats averages every channel except the outdoor one. It returns nil
// when there is no indoor channel.
func indoorStats(readings []types.SensorReading) *IndoorStats {
	var temps []float64
	var stats IndoorStats
	for i := range readings {
		r := &readings[i]
		if r.Channel == "outdoor" {
			continue
		}
		temps = append(temps, r.TemperatureC)
		if stats.Warmest == nil || r.TemperatureC > stats.Warmest.TemperatureC {
			stats.Warmest = r
		}
		if stats.Coldest == nil || r.TemperatureC < stats.Coldest.TemperatureC {
			stats.Coldest = r
		}
	}
	if len(temps) == 0 {
		return nil
	}
	stats.Average = math.Round(stat.Mean(temps, nil)*10) / 10
	return &stats
}

// GetHistory handles requests for sensor readings over the last N hours
func (h *Handlers) GetHistory(w http.ResponseWriter, req *http.Request) {
	hours, err := intParam(req, "hours", defaultHistoryHours, maxHistoryHours)
	if err != nil {
		h.writeError(w, req, http.StatusBadRequest, err.Error())
		return
	}

	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	readings, err := h.controller.deps.Store.SensorHistory(req.Context(), since)
	if err != nil {
		h.controller.logger.Errorf("error fetching sensor history: %v", err)
		h.writeError(w, req, http.StatusInternalServerError, "error fetching sensor history")
		return
	}
	h.writeResponse(w, req, http.StatusOK, readings)
}

// TriggerPoll asks the scheduler for an immediate run of a job. With
// wait=true the run completes before the response, which carries the fresh
// sensor snapshot for the sensor poll and the job status for any other job.
func (h *Handlers) TriggerPoll(w http.ResponseWriter, req *http.Request) {
	s := h.controller.deps.Scheduler
	if s == nil {
		h.writeError(w, req, http.StatusServiceUnavailable, "scheduler not running")
		return
	}

	job := mux.Vars(req)["job"]
	if wait, _ := strconv.ParseBool(req.URL.Query().Get("wait")); wait {
		h.runPoll(w, req, s, job)
		return
	}
	if err := s.Trigger(job); err != nil {
		if errors.Is(err, scheduler.ErrUnknownJob) {
			h.writeError(w, req, http.StatusNotFound, err.Error())
			return
		}
		h.writeError(w, req, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeResponse(w, req, http.StatusAccepted, map[string]string{"job": job, "status": "triggered"})
}

func (h *Handlers) runPoll(w http.ResponseWriter, req *http.Request, s *scheduler.Scheduler, job string) {
	err := s.RunNow(req.Context(), job)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		h.writeError(w, req, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, scheduler.ErrNotStarted), errors.Is(err, scheduler.ErrStopped):
		h.writeError(w, req, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		h.controller.logger.Warnf("poll of %s failed: %v", job, err)
		h.writeError(w, req, http.StatusBadGateway, err.Error())
		return
	}

	if job != SensorsJob {
		st, err := s.JobStatus(job)
		if err != nil {
			h.writeError(w, req, http.StatusInternalServerError, err.Error())
			return
		}
		h.writeResponse(w, req, http.StatusOK, st)
		return
	}
	resp, err := h.currentSnapshot(req.Context())
	if err != nil {
		h.controller.logger.Errorf("error fetching latest readings: %v", err)
		h.writeError(w, req, http.StatusInternalServerError, "error fetching latest readings")
		return
	}
	h.writeResponse(w, req, http.StatusOK, resp)
}

// GetEnergyLatest handles requests for the newest reading of every energy type
func (h *Handlers) GetEnergyLatest(w http.ResponseWriter, req *http.Request) {
	readings, err := h.controller.deps.Store.LatestEnergy(req.Context())
	if err != nil {
		h.controller.logger.Errorf("error fetching latest energy readings: %v", err)
		h.writeError(w, req, http.StatusInternalServerError, "error fetching latest energy readings")
		return
	}
	h.writeResponse(w, req, http.StatusOK, readings)
}

// GetEnergyDaily handles requests for per-day totals of one energy type
func (h *Handlers) GetEnergyDaily(w http.ResponseWriter, req *http.Request) {
	typ := types.EnergyType(req.URL.Query().Get("type"))
	if typ == "" {
		typ = types.Electricity
	}
	if !typ.Valid() {
		h.writeError(w, req, http.StatusBadRequest, "invalid type parameter")
		return
	}
	days, err := intParam(req, "days", defaultDailyDays, maxDailyDays)
	if err != nil {
		h.writeError(w, req, http.StatusBadRequest, err.Error())
		return
	}

	loc := h.controller.deps.Location
	now := time.Now().In(loc)
	y, m, d := now.AddDate(0, 0, -(days - 1)).Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, loc)

	totals, err := h.controller.deps.Store.DailyEnergyTotals(req.Context(), typ, from, now, loc)
	if err != nil {
		h.controller.logger.Errorf("error fetching daily totals: %v", err)
		h.writeError(w, req, http.StatusInternalServerError, "error fetching daily totals")
		return
	}
	h.writeResponse(w, req, http.StatusOK, totals)
}

// GetMeterReadings lists the stored cumulative meter readings
func (h *Handlers) GetMeterReadings(w http.ResponseWriter, req *http.Request) {
	limit, err := intParam(req, "limit", defaultMeterLimit, 1000)
	if err != nil {
		h.writeError(w, req, http.StatusBadRequest, err.Error())
		return
	}
	points, err := h.controller.deps.Store.MeterPoints(req.Context(), limit)
	if err != nil {
		h.controller.logger.Errorf("error fetching meter readings: %v", err)
		h.writeError(w, req, http.StatusInternalServerError, "error fetching meter readings")
		return
	}
	h.writeResponse(w, req, http.StatusOK, points)
}

// PostMeterReading records a cumulative meter reading and derives daily
// consumption from it
func (h *Handlers) PostMeterReading(w http.ResponseWriter, req *http.Request) {
	r := h.controller.deps.Reconciler
	if r == nil {
		h.writeError(w, req, http.StatusServiceUnavailable, "meter readings not enabled")
		return
	}

	var in meter.PointInput
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		h.writeError(w, req, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := r.Submit(req.Context(), in)
	if err != nil {
		var anomaly *types.DataQualityAnomaly
		if errors.As(err, &anomaly) {
			h.writeError(w, req, http.StatusUnprocessableEntity, anomaly.Error())
			return
		}
		if errors.Is(err, meter.ErrInvalidTime) {
			h.writeError(w, req, http.StatusBadRequest, err.Error())
			return
		}
		h.controller.logger.Errorf("error saving meter reading: %v", err)
		h.writeError(w, req, http.StatusInternalServerError, "error saving meter reading")
		return
	}
	h.writeResponse(w, req, http.StatusCreated, res)
}

// GetWaterReadings lists daily water readings between two dates
func (h *Handlers) GetWaterReadings(w http.ResponseWriter, req *http.Request) {
	loc := h.controller.deps.Location
	today := time.Now().In(loc)
	from := req.URL.Query().Get("from")
	to := req.URL.Query().Get("to")
	if to == "" {
		to = today.Format(types.DateLayout)
	}
	if from == "" {
		from = today.AddDate(0, 0, -30).Format(types.DateLayout)
	}
	for _, v := range []string{from, to} {
		if _, err := time.Parse(types.DateLayout, v); err != nil {
			h.writeError(w, req, http.StatusBadRequest, "dates must be YYYY-MM-DD")
			return
		}
	}

	readings, err := h.controller.deps.Store.WaterRange(req.Context(), from, to)
	if err != nil {
		h.controller.logger.Errorf("error fetching water readings: %v", err)
		h.writeError(w, req, http.StatusInternalServerError, "error fetching water readings")
		return
	}
	h.writeResponse(w, req, http.StatusOK, readings)
}

// PostWaterReading stores a manually entered or billing water figure
func (h *Handlers) PostWaterReading(w http.ResponseWriter, req *http.Request) {
	var in ManualWaterReading
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		h.writeError(w, req, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if in.ReadingType == "" {
		in.ReadingType = types.WaterManual
	}
	if in.ReadingType != types.WaterManual && in.ReadingType != types.WaterBilling {
		h.writeError(w, req, http.StatusBadRequest, "reading_type must be manual or billing")
		return
	}
	day, err := time.ParseInLocation(types.DateLayout, in.Date, h.controller.deps.Location)
	if err != nil {
		h.writeError(w, req, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	reading := types.WaterReading{
		Timestamp:     day,
		ReadingDate:   in.Date,
		ConsumptionM3: in.ConsumptionM3,
		ReadingType:   in.ReadingType,
	}
	res, err := h.controller.deps.Store.UpsertWater(req.Context(), []types.WaterReading{reading})
	if err != nil {
		h.controller.logger.Errorf("error saving water reading: %v", err)
		h.writeError(w, req, http.StatusInternalServerError, "error saving water reading")
		return
	}
	if res.Written == 0 {
		h.writeError(w, req, http.StatusUnprocessableEntity, "consumption must be a finite number")
		return
	}
	if err := h.controller.deps.Mirror.Sync(req.Context(), mirror.Batch{Water: []types.WaterReading{reading}}); err != nil {
		h.controller.logger.Warnf("water reading for %s stored but not mirrored: %v", in.Date, err)
	}
	h.writeResponse(w, req, http.StatusCreated, reading)
}

// PostBackfill runs a backfill and returns its report
func (h *Handlers) PostBackfill(w http.ResponseWriter, req *http.Request) {
	b := h.controller.deps.Backfill
	if b == nil {
		h.writeError(w, req, http.StatusServiceUnavailable, "backfill not available")
		return
	}

	days, err := intParam(req, "days", 30, maxDailyDays)
	if err != nil {
		h.writeError(w, req, http.StatusBadRequest, err.Error())
		return
	}
	var only []types.EnergyType
	if u := req.URL.Query().Get("utility"); u != "" {
		t := types.EnergyType(u)
		if t != types.Electricity && t != types.Gas {
			h.writeError(w, req, http.StatusBadRequest, "utility must be electricity or gas")
			return
		}
		only = append(only, t)
	}

	report, err := b.Backfill(req.Context(), days, only...)
	if errors.Is(err, ingest.ErrUtilityNotConfigured) {
		h.writeError(w, req, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.controller.logger.Errorf("backfill could not run: %v", err)
		h.writeError(w, req, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeResponse(w, req, http.StatusOK, report)
}

// GetStatus reports job, mirror and database health
func (h *Handlers) GetStatus(w http.ResponseWriter, req *http.Request) {
	resp := StatusResponse{Database: "ok"}
	if err := h.controller.deps.Store.Ping(req.Context()); err != nil {
		resp.Database = err.Error()
	}
	if s := h.controller.deps.Scheduler; s != nil {
		resp.Jobs = s.Status()
	}
	if m := h.controller.deps.Mirror; m != nil {
		resp.Mirrors = m.Health(mirrorMaxAge(resp.Jobs))
	}
	h.writeResponse(w, req, http.StatusOK, resp)
}

// mirrorMaxAge is how long a mirror may go without a successful sync before
// it is reported stale: two runs of the slowest job. Without jobs there is
// nothing to measure against and staleness is not checked.
func mirrorMaxAge(jobs []scheduler.JobStatus) time.Duration {
	var slowest time.Duration
	for _, j := range jobs {
		slowest = max(slowest, j.Interval)
	}
	return 2 * slowest
}
