package types

import (
	"fmt"
	"time"
)

// Granularity is the resolution a provider is asked to aggregate readings to.
type Granularity string

const (
	HalfHour Granularity = "half_hour"
	Day      Granularity = "day"
)

// SlotsPerDay is the number of half-hour slots in a day.
const SlotsPerDay = 48

// Duration returns the width of one interval at this granularity.
func (g Granularity) Duration() time.Duration {
	switch g {
	case HalfHour:
		return 30 * time.Minute
	case Day:
		return 24 * time.Hour
	}
	return 0
}

// Point is one (timestamp, value) pair of a provider series.
type Point struct {
	Time      time.Time
	Value     float64
	Synthetic bool
}

// Series is a time-ordered slice of points.
type Series []Point

// Key returns the timestamp string two series are joined on.
func (p Point) Key() string {
	return TimeKey(p.Time)
}

// TimeKey formats t the way series timestamps are compared.
func TimeKey(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// MergedPoint is a consumption point with its cost attached, if any.
type MergedPoint struct {
	Time      time.Time
	Value     float64
	Cost      *float64
	Synthetic bool
}

// Token is a provider credential and the instant it stops being accepted.
type Token struct {
	Value  string
	Expiry time.Time
}

// ValidFor reports whether the token is present and still has more than
// margin left before it expires.
func (t Token) ValidFor(margin time.Duration, now time.Time) bool {
	if t.Value == "" {
		return false
	}
	if t.Expiry.IsZero() {
		return true
	}
	return now.Add(margin).Before(t.Expiry)
}

// DataQualityAnomaly describes a record that was skipped, or a derivation that
// was withheld, because the data did not make sense. It is never fatal to the
// cycle that found it.
type DataQualityAnomaly struct {
	Kind    string `json:"kind"`
	Subject string `json:"subject"`
	Detail  string `json:"detail"`
}

// Anomaly kinds.
const (
	AnomalyNonFinite       = "non_finite_value"
	AnomalyUnparsable      = "unparsable_value"
	AnomalyNegativeDelta   = "negative_meter_delta"
	AnomalyNonPositiveSpan = "non_positive_elapsed"
)

func (a *DataQualityAnomaly) Error() string {
	return fmt.Sprintf("data quality anomaly (%s) for %s: %s", a.Kind, a.Subject, a.Detail)
}
