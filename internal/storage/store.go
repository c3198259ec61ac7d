// Package storage is the local store of every reading. All writes are
// idempotent upserts on each entity's natural key, committed one batch per
// transaction.
package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chrissnell/utilitywatch/internal/log"
	"github.com/chrissnell/utilitywatch/internal/types"
)

// batchSize bounds the rows sent in one INSERT statement.
const batchSize = 500

// UpsertResult counts what one write call did.
type UpsertResult struct {
	Written int `json:"written"`
	// Skipped rows had a non-finite primary value.
	Skipped int `json:"skipped"`
}

// Store reads and writes readings through gorm.
type Store struct {
	db     *gorm.DB
	logger *zap.SugaredLogger
}

// New creates a store on an open connection.
func New(db *gorm.DB) *Store {
	return &Store{
		db:     db,
		logger: log.Named("storage"),
	}
}

// DB exposes the connection for callers that need raw access.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Migrate creates or updates every table and its natural-key index.
func (s *Store) Migrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(
		&types.SensorReading{},
		&types.EnergyReading{},
		&types.WaterReading{},
		&types.MeterPointReading{},
	)
	if err != nil {
		return fmt.Errorf("could not migrate schema: %w", err)
	}
	return nil
}

// Ping checks that the database answers a trivial query.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying database connection: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var result int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&result).Error; err != nil {
		return fmt.Errorf("database query test failed: %w", err)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// lastByKey drops all but the last row of each natural key. Postgres refuses
// an upsert statement that touches the same key twice.
func lastByKey[T any](rows []T, key func(T) string) []T {
	last := make(map[string]int, len(rows))
	for i, r := range rows {
		last[key(r)] = i
	}
	if len(last) == len(rows) {
		return rows
	}
	out := make([]T, 0, len(last))
	for i, r := range rows {
		if last[key(r)] == i {
			out = append(out, r)
		}
	}
	return out
}

// DedupeEnergy keeps the last reading of each (timestamp, type), which is the
// one UpsertEnergy commits.
func DedupeEnergy(rows []types.EnergyReading) []types.EnergyReading {
	return lastByKey(rows, energyKey)
}

func energyKey(r types.EnergyReading) string {
	return types.TimeKey(r.Timestamp) + "|" + string(r.Type)
}

func waterKey(r types.WaterReading) string {
	return r.ReadingDate + "|" + string(r.ReadingType)
}

// write runs fn in one transaction. Cancelling ctx does not abandon a commit
// that has started.
func (s *Store) write(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(context.WithoutCancel(ctx)).Transaction(fn)
}

// UpsertEnergy inserts or replaces energy readings keyed by (timestamp, type).
// A replace overwrites quantity, cost and the synthetic flag.
func (s *Store) UpsertEnergy(ctx context.Context, readings []types.EnergyReading) (UpsertResult, error) {
	var res UpsertResult
	rows := make([]types.EnergyReading, 0, len(readings))
	for _, r := range readings {
		if !finite(r.Quantity) {
			res.Skipped++
			s.logger.Warnw("skipping energy reading",
				"error", &types.DataQualityAnomaly{Kind: types.AnomalyNonFinite, Subject: string(r.Type), Detail: fmt.Sprintf("quantity %v at %s", r.Quantity, types.TimeKey(r.Timestamp))},
			)
			continue
		}
		if r.Cost != nil && !finite(*r.Cost) {
			r.Cost = nil
		}
		r.ID = 0
		r.Timestamp = r.Timestamp.UTC()
		rows = append(rows, r)
	}
	if len(rows) == 0 {
		return res, nil
	}
	rows = lastByKey(rows, energyKey)

	err := s.write(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "read_at"}, {Name: "type"}},
			DoUpdates: clause.AssignmentColumns([]string{"quantity", "cost", "synthetic", "updated_at"}),
		}).CreateInBatches(&rows, batchSize).Error
	})
	if err != nil {
		return UpsertResult{}, fmt.Errorf("could not upsert energy readings: %w", err)
	}
	res.Written = len(rows)
	return res, nil
}

func (s *Store) filterWater(readings []types.WaterReading, res *UpsertResult) []types.WaterReading {
	rows := make([]types.WaterReading, 0, len(readings))
	for _, r := range readings {
		if !finite(r.ConsumptionM3) {
			res.Skipped++
			s.logger.Warnw("skipping water reading",
				"error", &types.DataQualityAnomaly{Kind: types.AnomalyNonFinite, Subject: string(r.ReadingType), Detail: fmt.Sprintf("consumption %v on %s", r.ConsumptionM3, r.ReadingDate)},
			)
			continue
		}
		r.ID = 0
		r.Timestamp = r.Timestamp.UTC()
		rows = append(rows, r)
	}
	return lastByKey(rows, waterKey)
}

func upsertWater(tx *gorm.DB, rows []types.WaterReading) error {
	if len(rows) == 0 {
		return nil
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "reading_date"}, {Name: "reading_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"read_at", "consumption_m3", "meter_serial", "updated_at"}),
	}).CreateInBatches(&rows, batchSize).Error
}

// UpsertWater inserts or replaces daily water readings keyed by
// (reading date, reading type).
func (s *Store) UpsertWater(ctx context.Context, readings []types.WaterReading) (UpsertResult, error) {
	var res UpsertResult
	rows := s.filterWater(readings, &res)
	if len(rows) == 0 {
		return res, nil
	}

	if err := s.write(ctx, func(tx *gorm.DB) error { return upsertWater(tx, rows) }); err != nil {
		return UpsertResult{}, fmt.Errorf("could not upsert water readings: %w", err)
	}
	res.Written = len(rows)
	return res, nil
}

// InsertSensorReadings stores sensor samples. A sample whose (channel,
// timestamp) already exists is left as it is.
func (s *Store) InsertSensorReadings(ctx context.Context, readings []types.SensorReading) (UpsertResult, error) {
	var res UpsertResult
	rows := make([]types.SensorReading, 0, len(readings))
	for _, r := range readings {
		if !finite(r.TemperatureC) {
			res.Skipped++
			continue
		}
		if r.Humidity != nil && !finite(*r.Humidity) {
			r.Humidity = nil
		}
		r.ID = 0
		r.Timestamp = r.Timestamp.UTC()
		rows = append(rows, r)
	}
	if len(rows) == 0 {
		return res, nil
	}

	var written int64
	err := s.write(ctx, func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&rows, batchSize)
		written = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return UpsertResult{}, fmt.Errorf("could not insert sensor readings: %w", err)
	}
	res.Written = int(written)
	return res, nil
}

// SaveMeterPoint stores a cumulative meter reading together with the daily
// readings derived from it, all or nothing.
func (s *Store) SaveMeterPoint(ctx context.Context, point types.MeterPointReading, derived []types.WaterReading) (UpsertResult, error) {
	if !finite(point.CumulativeM3) {
		return UpsertResult{}, &types.DataQualityAnomaly{
			Kind:    types.AnomalyNonFinite,
			Subject: point.ReadingDate + " " + point.ReadingTime,
			Detail:  fmt.Sprintf("cumulative value %v", point.CumulativeM3),
		}
	}
	point.ID = 0
	point.ReadingDatetime = point.ReadingDatetime.UTC()

	var res UpsertResult
	rows := s.filterWater(derived, &res)

	err := s.write(ctx, func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "reading_date"}, {Name: "reading_time"}},
			DoUpdates: clause.AssignmentColumns([]string{"reading_datetime", "cumulative_m3"}),
		}).Create(&point).Error
		if err != nil {
			return err
		}
		return upsertWater(tx, rows)
	})
	if err != nil {
		return UpsertResult{}, fmt.Errorf("could not save meter point: %w", err)
	}
	res.Written = len(rows)
	return res, nil
}

// LatestSensorReadings returns the most recent reading of every channel.
func (s *Store) LatestSensorReadings(ctx context.Context) ([]types.SensorReading, error) {
	var readings []types.SensorReading
	err := s.db.WithContext(ctx).Raw(`
		SELECT r.*
		FROM sensor_readings r
		INNER JOIN (
			SELECT channel, MAX(read_at) AS max_ts
			FROM sensor_readings
			GROUP BY channel
		) latest ON r.channel = latest.channel AND r.read_at = latest.max_ts
		ORDER BY r.channel`).Scan(&readings).Error
	if err != nil {
		return nil, fmt.Errorf("error querying latest sensor readings: %w", err)
	}
	return readings, nil
}

// SensorHistory returns every sensor reading after since, oldest first.
func (s *Store) SensorHistory(ctx context.Context, since time.Time) ([]types.SensorReading, error) {
	var readings []types.SensorReading
	err := s.db.WithContext(ctx).
		Where("read_at > ?", since.UTC()).
		Order("read_at ASC").
		Find(&readings).Error
	if err != nil {
		return nil, fmt.Errorf("error querying sensor history: %w", err)
	}
	return readings, nil
}

// LatestEnergy returns the most recent reading of every energy type.
func (s *Store) LatestEnergy(ctx context.Context) ([]types.EnergyReading, error) {
	var readings []types.EnergyReading
	err := s.db.WithContext(ctx).Raw(`
		SELECT e.*
		FROM energy_readings e
		INNER JOIN (
			SELECT type, MAX(read_at) AS max_ts
			FROM energy_readings
			GROUP BY type
		) latest ON e.type = latest.type AND e.read_at = latest.max_ts
		ORDER BY e.type`).Scan(&readings).Error
	if err != nil {
		return nil, fmt.Errorf("error querying latest energy readings: %w", err)
	}
	return readings, nil
}

// EnergyRange returns readings of one type in [from, to), oldest first.
func (s *Store) EnergyRange(ctx context.Context, typ types.EnergyType, from, to time.Time) ([]types.EnergyReading, error) {
	var readings []types.EnergyReading
	err := s.db.WithContext(ctx).
		Where("type = ? AND read_at >= ? AND read_at < ?", typ, from.UTC(), to.UTC()).
		Order("read_at ASC").
		Find(&readings).Error
	if err != nil {
		return nil, fmt.Errorf("error querying %s readings: %w", typ, err)
	}
	return readings, nil
}

// WaterRange returns water readings whose date lies in [fromDate, toDate],
// both formatted as YYYY-MM-DD.
func (s *Store) WaterRange(ctx context.Context, fromDate, toDate string) ([]types.WaterReading, error) {
	var readings []types.WaterReading
	err := s.db.WithContext(ctx).
		Where("reading_date >= ? AND reading_date <= ?", fromDate, toDate).
		Order("reading_date ASC, reading_type ASC").
		Find(&readings).Error
	if err != nil {
		return nil, fmt.Errorf("error querying water readings: %w", err)
	}
	return readings, nil
}

// PreviousMeterPoint returns the latest meter point strictly before t, or nil
// when there is none.
func (s *Store) PreviousMeterPoint(ctx context.Context, t time.Time) (*types.MeterPointReading, error) {
	var point types.MeterPointReading
	err := s.db.WithContext(ctx).
		Where("reading_datetime < ?", t.UTC()).
		Order("reading_datetime DESC").
		First(&point).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying previous meter point: %w", err)
	}
	return &point, nil
}

// MeterPoints returns up to limit meter points, newest first.
func (s *Store) MeterPoints(ctx context.Context, limit int) ([]types.MeterPointReading, error) {
	var points []types.MeterPointReading
	q := s.db.WithContext(ctx).Order("reading_datetime DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&points).Error; err != nil {
		return nil, fmt.Errorf("error querying meter points: %w", err)
	}
	return points, nil
}
