package mirror

import (
	"sync"
	"time"
)

// Engine states reported by Manager.Health.
const (
	StatusHealthy = "healthy"
	StatusFailing = "failing"
	StatusStale   = "stale"
	StatusUnknown = "unknown"
)

// EngineHealth summarizes the recent sync history of one engine.
type EngineHealth struct {
	Engine              string    `json:"engine"`
	Status              string    `json:"status"`
	LastAttempt         time.Time `json:"last_attempt,omitempty"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastRows            int       `json:"last_rows"`
	RowsSynced          int       `json:"rows_synced"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// syncLedger records the outcome of every sync per engine.
type syncLedger struct {
	mu      sync.Mutex
	engines map[string]*EngineHealth
}

func newSyncLedger() *syncLedger {
	return &syncLedger{engines: make(map[string]*EngineHealth)}
}

func (l *syncLedger) record(engine string, at time.Time, rows int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.engines[engine]
	if !ok {
		h = &EngineHealth{Engine: engine}
		l.engines[engine] = h
	}
	h.LastAttempt = at
	h.LastRows = rows
	if err != nil {
		h.ConsecutiveFailures++
		h.LastError = err.Error()
		return
	}
	h.LastSuccess = at
	h.RowsSynced += rows
	h.ConsecutiveFailures = 0
	h.LastError = ""
}

// snapshot returns the record for engine graded against now. An engine whose
// last success is older than maxAge is stale; maxAge <= 0 disables the check.
func (l *syncLedger) snapshot(engine string, now time.Time, maxAge time.Duration) EngineHealth {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.engines[engine]
	if !ok {
		return EngineHealth{Engine: engine, Status: StatusUnknown}
	}
	out := *h
	switch {
	case out.ConsecutiveFailures > 0:
		out.Status = StatusFailing
	case maxAge > 0 && now.Sub(out.LastSuccess) > maxAge:
		out.Status = StatusStale
	default:
		out.Status = StatusHealthy
	}
	return out
}
