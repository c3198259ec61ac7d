// Package meter turns cumulative water meter readings into daily consumption.
//
// Two point readings only tell how much water went through the meter between
// them. The consumption is spread evenly over the calendar days in between, so
// the daily figures are a linear approximation and not measurements.
package meter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/chrissnell/utilitywatch/internal/log"
	"github.com/chrissnell/utilitywatch/internal/mirror"
	"github.com/chrissnell/utilitywatch/internal/storage"
	"github.com/chrissnell/utilitywatch/internal/types"
)

// ErrInvalidTime is returned for a date or time that does not parse.
var ErrInvalidTime = errors.New("invalid reading date/time")

// Mirror receives the stored point and its derived readings.
type Mirror interface {
	Sync(ctx context.Context, b mirror.Batch) error
}

// PointInput is a cumulative reading as entered by a person.
type PointInput struct {
	// Date is YYYY-MM-DD and Time is HH:MM, both local.
	Date    string  `json:"date"`
	Time    string  `json:"time"`
	ValueM3 float64 `json:"value_m3"`
}

// Result describes what one submission stored.
type Result struct {
	Point    types.MeterPointReading  `json:"point"`
	Previous *types.MeterPointReading `json:"previous,omitempty"`
	// DeltaM3 and ElapsedHours are zero when there is no previous point.
	DeltaM3      float64              `json:"delta_m3"`
	ElapsedHours float64              `json:"elapsed_hours"`
	DailyRate    float64              `json:"daily_rate"`
	Derived      []types.WaterReading `json:"derived"`
	// Anomaly is set when the pair could not yield consumption. The point is
	// stored regardless.
	Anomaly   *types.DataQualityAnomaly `json:"anomaly,omitempty"`
	MirrorErr error                     `json:"-"`
}

// Reconciler stores meter points and derives daily readings of type "meter".
type Reconciler struct {
	store  *storage.Store
	mirror Mirror
	loc    *time.Location
	logger *zap.SugaredLogger
}

// NewReconciler creates a reconciler. Calendar days are taken in loc.
func NewReconciler(store *storage.Store, m Mirror, loc *time.Location) *Reconciler {
	if loc == nil {
		loc = time.UTC
	}
	return &Reconciler{
		store:  store,
		mirror: m,
		loc:    loc,
		logger: log.Named("meter"),
	}
}

// Submit records a cumulative reading. A reading lower than the previous one
// or not later than it is stored without derived rows and reported in
// Result.Anomaly. A non-finite value is rejected before anything is written.
func (r *Reconciler) Submit(ctx context.Context, in PointInput) (*Result, error) {
	if math.IsNaN(in.ValueM3) || math.IsInf(in.ValueM3, 0) {
		return nil, &types.DataQualityAnomaly{
			Kind:    types.AnomalyNonFinite,
			Subject: in.Date + " " + in.Time,
			Detail:  fmt.Sprintf("cumulative value %v", in.ValueM3),
		}
	}

	at, err := time.ParseInLocation(types.DateLayout+" "+types.TimeLayout, in.Date+" "+in.Time, r.loc)
	if err != nil {
		return nil, fmt.Errorf("%w %q %q: %v", ErrInvalidTime, in.Date, in.Time, err)
	}

	point := types.MeterPointReading{
		ReadingDate:     at.Format(types.DateLayout),
		ReadingTime:     at.Format(types.TimeLayout),
		ReadingDatetime: at,
		CumulativeM3:    in.ValueM3,
	}

	prev, err := r.store.PreviousMeterPoint(ctx, at)
	if err != nil {
		return nil, err
	}

	res := &Result{Point: point, Previous: prev}
	if prev != nil {
		res.DeltaM3 = in.ValueM3 - prev.CumulativeM3
		res.ElapsedHours = at.Sub(prev.ReadingDatetime).Hours()
		res.Anomaly = checkPair(point, prev, res.DeltaM3, res.ElapsedHours)
		if res.Anomaly == nil {
			res.DailyRate = roundRate(res.DeltaM3 / (res.ElapsedHours / 24))
			res.Derived = r.spread(prev.ReadingDatetime, at, res.DailyRate)
		}
	}

	if _, err := r.store.SaveMeterPoint(ctx, point, res.Derived); err != nil {
		return nil, err
	}

	if res.Anomaly != nil {
		r.logger.Warnw("meter reading stored without derived consumption",
			"date", point.ReadingDate,
			"time", point.ReadingTime,
			"error", res.Anomaly,
		)
	} else {
		r.logger.Infow("meter reading stored",
			"date", point.ReadingDate,
			"time", point.ReadingTime,
			"daily_rate", res.DailyRate,
			"derived_days", len(res.Derived),
		)
	}

	if r.mirror != nil {
		batch := mirror.Batch{MeterPoints: []types.MeterPointReading{point}, Water: res.Derived}
		if err := r.mirror.Sync(ctx, batch); err != nil {
			res.MirrorErr = err
			r.logger.Warnw("mirror sync failed, local data is unaffected", "error", err)
		}
	}

	return res, nil
}

func checkPair(point types.MeterPointReading, prev *types.MeterPointReading, delta, elapsedHours float64) *types.DataQualityAnomaly {
	subject := point.ReadingDate + " " + point.ReadingTime
	if elapsedHours <= 0 {
		return &types.DataQualityAnomaly{
			Kind:    types.AnomalyNonPositiveSpan,
			Subject: subject,
			Detail:  fmt.Sprintf("%.2f hours after the previous reading", elapsedHours),
		}
	}
	if delta < 0 {
		return &types.DataQualityAnomaly{
			Kind:    types.AnomalyNegativeDelta,
			Subject: subject,
			Detail: fmt.Sprintf("%.3f m3 is below the previous reading of %.3f m3 on %s %s; meter reset or entry error",
				point.CumulativeM3, prev.CumulativeM3, prev.ReadingDate, prev.ReadingTime),
		}
	}
	return nil
}

// spread returns one reading per calendar day after the day of from up to and
// including the day of to.
func (r *Reconciler) spread(from, to time.Time, rate float64) []types.WaterReading {
	fy, fm, fd := from.In(r.loc).Date()
	ty, tm, td := to.In(r.loc).Date()
	last := time.Date(ty, tm, td, 0, 0, 0, 0, r.loc)

	var out []types.WaterReading
	for day := time.Date(fy, fm, fd+1, 0, 0, 0, 0, r.loc); !day.After(last); day = day.AddDate(0, 0, 1) {
		out = append(out, types.WaterReading{
			Timestamp:     day,
			ReadingDate:   day.Format(types.DateLayout),
			ConsumptionM3: rate,
			ReadingType:   types.WaterMeter,
		})
	}
	return out
}

func roundRate(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
