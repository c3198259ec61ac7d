package ingest

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/chrissnell/utilitywatch/internal/mirror"
	"github.com/chrissnell/utilitywatch/internal/storage"
	"github.com/chrissnell/utilitywatch/internal/types"
)

// CycleState is a step of one poll cycle.
type CycleState string

const (
	StateIdle           CycleState = "idle"
	StateAuthenticating CycleState = "authenticating"
	StateFetching       CycleState = "fetching"
	StateMerging        CycleState = "merging"
	StateStoring        CycleState = "storing"
	StateMirrorSyncing  CycleState = "mirror_syncing"
)

// mirrorTimeout bounds a background mirror sync.
const mirrorTimeout = 2 * time.Minute

// Mirror receives every batch committed locally.
type Mirror interface {
	Sync(ctx context.Context, b mirror.Batch) error
}

// CycleReport describes one run of a pipeline.
type CycleReport struct {
	ID       uuid.UUID    `json:"id"`
	Provider string       `json:"provider"`
	Started  time.Time    `json:"started"`
	Finished time.Time    `json:"finished"`
	States   []CycleState `json:"states"`
	// FailedState is the step that failed, empty on success.
	FailedState CycleState `json:"failed_state,omitempty"`
	Err         error      `json:"-"`
	// Counts holds fetched points per series name.
	Counts    map[string]int `json:"counts"`
	Stored    int            `json:"stored"`
	Skipped   int            `json:"skipped"`
	Synthetic bool           `json:"synthetic"`
	// MirrorErr is set only when the mirror sync was awaited.
	MirrorErr error `json:"-"`
}

func newCycle(provider string) *CycleReport {
	return &CycleReport{
		ID:       uuid.New(),
		Provider: provider,
		Started:  time.Now(),
		States:   []CycleState{StateIdle},
		Counts:   make(map[string]int),
	}
}

func (r *CycleReport) enter(s CycleState) {
	r.States = append(r.States, s)
}

func (r *CycleReport) current() CycleState {
	return r.States[len(r.States)-1]
}

func (r *CycleReport) fail(err error) *CycleReport {
	r.FailedState = r.current()
	r.Err = err
	return r.finish()
}

func (r *CycleReport) finish() *CycleReport {
	r.States = append(r.States, StateIdle)
	r.Finished = time.Now()
	return r
}

// OK reports whether the cycle reached local persistence.
func (r *CycleReport) OK() bool {
	return r.Err == nil
}

// Error returns the cycle error as a string, empty on success.
func (r *CycleReport) Error() string {
	if r.Err == nil {
		return ""
	}
	return fmt.Sprintf("%s failed while %s: %v", r.Provider, r.FailedState, r.Err)
}

func (r *CycleReport) log(logger *zap.SugaredLogger) {
	if !r.OK() {
		logger.Errorw("poll cycle failed",
			"cycle", r.ID,
			"state", r.FailedState,
			"error", r.Err,
		)
		return
	}
	logger.Infow("poll cycle complete",
		"cycle", r.ID,
		"counts", r.Counts,
		"stored", r.Stored,
		"skipped", r.Skipped,
		"synthetic", r.Synthetic,
		"took", r.Finished.Sub(r.Started),
	)
}

// dispatcher hands committed batches to the mirror.
type dispatcher struct {
	mirror  Mirror
	logger  *zap.SugaredLogger
	pending sync.WaitGroup
}

// async syncs b in the background. The outcome is logged only.
func (d *dispatcher) async(ctx context.Context, cycle uuid.UUID, b mirror.Batch) {
	if d.mirror == nil || b.Empty() {
		return
	}
	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
		defer cancel()
		if err := d.mirror.Sync(ctx, b); err != nil {
			d.logger.Warnw("mirror sync failed, local data is unaffected", "cycle", cycle, "error", err)
		}
	}()
}

// await syncs b and returns the outcome.
func (d *dispatcher) await(ctx context.Context, cycle uuid.UUID, b mirror.Batch) error {
	if d.mirror == nil || b.Empty() {
		return nil
	}
	err := d.mirror.Sync(ctx, b)
	if err != nil {
		d.logger.Warnw("mirror sync failed, local data is unaffected", "cycle", cycle, "error", err)
	}
	return err
}

// Wait blocks until every background mirror sync has finished.
func (d *dispatcher) Wait() {
	d.pending.Wait()
}

// mirrorEnergy returns the rows the store committed: finite quantities, one
// row per (timestamp, type).
func mirrorEnergy(rows []types.EnergyReading) []types.EnergyReading {
	return storage.DedupeEnergy(lo.Filter(rows, func(r types.EnergyReading, _ int) bool {
		return !math.IsNaN(r.Quantity) && !math.IsInf(r.Quantity, 0)
	}))
}
