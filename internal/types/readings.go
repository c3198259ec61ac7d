// Package types holds the reading models shared by ingestion, storage and
// mirroring.
package types

import (
	"time"
)

// EnergyType identifies one energy series. Consumption series are in kWh,
// cost series in pence.
type EnergyType string

const (
	Electricity     EnergyType = "electricity"
	Gas             EnergyType = "gas"
	ElectricityCost EnergyType = "electricity_cost"
	GasCost         EnergyType = "gas_cost"
)

// EnergyTypes lists every energy series in reporting order.
var EnergyTypes = []EnergyType{Electricity, ElectricityCost, Gas, GasCost}

// IsCost reports whether t is a cost series.
func (t EnergyType) IsCost() bool {
	return t == ElectricityCost || t == GasCost
}

// CostType returns the cost series that belongs to a consumption series.
func (t EnergyType) CostType() EnergyType {
	switch t {
	case Electricity:
		return ElectricityCost
	case Gas:
		return GasCost
	}
	return t
}

// Valid reports whether t is one of the known energy types.
func (t EnergyType) Valid() bool {
	switch t {
	case Electricity, Gas, ElectricityCost, GasCost:
		return true
	}
	return false
}

// WaterReadingType distinguishes where a daily water figure came from. Several
// types may exist for the same date.
type WaterReadingType string

const (
	WaterSmart   WaterReadingType = "smart"
	WaterManual  WaterReadingType = "manual"
	WaterBilling WaterReadingType = "billing"
	WaterMeter   WaterReadingType = "meter"
)

// Valid reports whether t is one of the known water reading types.
func (t WaterReadingType) Valid() bool {
	switch t {
	case WaterSmart, WaterManual, WaterBilling, WaterMeter:
		return true
	}
	return false
}

// DateLayout is the layout of reading_date columns.
const DateLayout = "2006-01-02"

// TimeLayout is the layout of reading_time columns.
const TimeLayout = "15:04"

// SensorReading is one temperature/humidity sample for a sensor channel.
// Rows are written once per poll cycle and never updated.
type SensorReading struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Channel      string    `gorm:"column:channel;not null;uniqueIndex:idx_sensor_channel_time,priority:1" json:"channel"`
	Label        string    `gorm:"column:label;not null" json:"label"`
	Timestamp    time.Time `gorm:"column:read_at;not null;uniqueIndex:idx_sensor_channel_time,priority:2;index" json:"timestamp"`
	TemperatureC float64   `gorm:"column:temperature_c;not null" json:"temperature_c"`
	Humidity     *float64  `gorm:"column:humidity" json:"humidity"`
	Battery      *int      `gorm:"column:battery" json:"battery"`
}

// TableName implements the gorm Tabler interface
func (SensorReading) TableName() string {
	return "sensor_readings"
}

// EnergyReading is one half-hourly energy value. (Timestamp, Type) is the
// natural key; a later ingestion of the same key replaces the row.
type EnergyReading struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	Timestamp time.Time  `gorm:"column:read_at;not null;uniqueIndex:idx_energy_natural_key,priority:1" json:"timestamp"`
	Type      EnergyType `gorm:"column:type;type:varchar(32);not null;uniqueIndex:idx_energy_natural_key,priority:2" json:"type"`
	Quantity  float64    `gorm:"column:quantity;not null" json:"quantity"`
	Cost      *float64   `gorm:"column:cost" json:"cost"`
	// Synthetic is set when the value was spread from a daily total rather
	// than measured at half-hour resolution.
	Synthetic bool      `gorm:"column:synthetic;not null" json:"synthetic"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName implements the gorm Tabler interface
func (EnergyReading) TableName() string {
	return "energy_readings"
}

// WaterReading is a daily water consumption figure keyed by
// (ReadingDate, ReadingType).
type WaterReading struct {
	ID            uint             `gorm:"primaryKey" json:"id"`
	Timestamp     time.Time        `gorm:"column:read_at;not null;index" json:"timestamp"`
	ReadingDate   string           `gorm:"column:reading_date;type:varchar(10);not null;uniqueIndex:idx_water_natural_key,priority:1" json:"reading_date"`
	ConsumptionM3 float64          `gorm:"column:consumption_m3;not null" json:"consumption_m3"`
	ReadingType   WaterReadingType `gorm:"column:reading_type;type:varchar(16);not null;uniqueIndex:idx_water_natural_key,priority:2" json:"reading_type"`
	MeterSerial   string           `gorm:"column:meter_serial" json:"meter_serial"`
	UpdatedAt     time.Time        `gorm:"column:updated_at" json:"updated_at"`
}

// TableName implements the gorm Tabler interface
func (WaterReading) TableName() string {
	return "water_readings"
}

// MeterPointReading is an absolute (cumulative) water meter value taken at a
// point in time. These rows are the ground truth the daily "meter" readings
// are derived from and are never removed by reconciliation.
type MeterPointReading struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	ReadingDate     string    `gorm:"column:reading_date;type:varchar(10);not null;uniqueIndex:idx_meter_point_natural_key,priority:1" json:"reading_date"`
	ReadingTime     string    `gorm:"column:reading_time;type:varchar(5);not null;uniqueIndex:idx_meter_point_natural_key,priority:2" json:"reading_time"`
	ReadingDatetime time.Time `gorm:"column:reading_datetime;not null;index" json:"reading_datetime"`
	CumulativeM3    float64   `gorm:"column:cumulative_m3;not null" json:"cumulative_m3"`
	CreatedAt       time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName implements the gorm Tabler interface
func (MeterPointReading) TableName() string {
	return "meter_point_readings"
}
