// Package mirror copies locally stored readings to secondary stores on a
// best-effort basis. A mirror failure is reported and logged but never undoes
// or fails the local write it follows.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chrissnell/utilitywatch/internal/log"
	"github.com/chrissnell/utilitywatch/internal/types"
)

// Batch is the set of rows written by one local transaction.
type Batch struct {
	Sensors     []types.SensorReading
	Energy      []types.EnergyReading
	Water       []types.WaterReading
	MeterPoints []types.MeterPointReading
}

// Empty reports whether the batch has no rows.
func (b Batch) Empty() bool {
	return len(b.Sensors) == 0 && len(b.Energy) == 0 && len(b.Water) == 0 && len(b.MeterPoints) == 0
}

// Len returns the total number of rows.
func (b Batch) Len() int {
	return len(b.Sensors) + len(b.Energy) + len(b.Water) + len(b.MeterPoints)
}

// Engine is one secondary store.
type Engine interface {
	Name() string
	Sync(ctx context.Context, b Batch) error
	Close() error
}

// SyncFailure collects the errors of every engine that failed one sync.
type SyncFailure struct {
	Errors map[string]error
}

func (f *SyncFailure) Error() string {
	names := make([]string, 0, len(f.Errors))
	for name := range f.Errors {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, f.Errors[name]))
	}
	return "mirror sync failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes the engine errors to errors.Is and errors.As.
func (f *SyncFailure) Unwrap() error {
	errs := make([]error, 0, len(f.Errors))
	for _, err := range f.Errors {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Manager fans every batch out to all configured engines.
type Manager struct {
	engines []Engine
	ledger  *syncLedger
	logger  *zap.SugaredLogger
	now     func() time.Time
}

// NewManager creates a manager for engines. A manager without engines accepts
// every batch and does nothing.
func NewManager(engines ...Engine) *Manager {
	return &Manager{
		engines: engines,
		ledger:  newSyncLedger(),
		logger:  log.Named("mirror"),
		now:     time.Now,
	}
}

// Health grades every configured engine, in configuration order. Engines that
// have not synced successfully within maxAge are reported stale.
func (m *Manager) Health(maxAge time.Duration) []EngineHealth {
	if m == nil {
		return nil
	}
	now := m.now()
	out := make([]EngineHealth, len(m.engines))
	for i, e := range m.engines {
		out[i] = m.ledger.snapshot(e.Name(), now, maxAge)
	}
	return out
}

// Engines returns the names of the configured engines.
func (m *Manager) Engines() []string {
	names := make([]string, len(m.engines))
	for i, e := range m.engines {
		names[i] = e.Name()
	}
	return names
}

// Sync sends b to every engine and returns a *SyncFailure if any of them
// failed. Engines are tried in order and one failure does not stop the rest.
func (m *Manager) Sync(ctx context.Context, b Batch) error {
	if m == nil || len(m.engines) == 0 || b.Empty() {
		return nil
	}

	failure := &SyncFailure{Errors: make(map[string]error)}
	for _, e := range m.engines {
		start := m.now()
		err := e.Sync(ctx, b)
		if err != nil {
			failure.Errors[e.Name()] = err
			m.ledger.record(e.Name(), start, b.Len(), err)
			m.logger.Warnw("mirror sync failed", "engine", e.Name(), "rows", b.Len(), "error", err)
			continue
		}
		m.ledger.record(e.Name(), start, b.Len(), nil)
		m.logger.Debugw("mirror sync complete", "engine", e.Name(), "rows", b.Len(), "took", m.now().Sub(start))
	}

	if len(failure.Errors) > 0 {
		return failure
	}
	return nil
}

// Close closes every engine.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, e := range m.engines {
		if err := e.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.Name(), err))
		}
	}
	return errors.Join(errs...)
}
