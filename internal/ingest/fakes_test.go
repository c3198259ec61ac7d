package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chrissnell/utilitywatch/internal/database"
	"github.com/chrissnell/utilitywatch/internal/mirror"
	"github.com/chrissnell/utilitywatch/internal/sources"
	"github.com/chrissnell/utilitywatch/internal/storage"
	"github.com/chrissnell/utilitywatch/internal/types"
)

type fetchCall struct {
	resource string
	from, to time.Time
	g        types.Granularity
}

// fakeClient serves canned series keyed by resource and granularity.
type fakeClient struct {
	authErr error
	series  map[string]map[types.Granularity]types.Series
	errs    map[string]error

	mu    sync.Mutex
	calls []fetchCall
	auths int
}

func (f *fakeClient) Name() string { return "fake" }

func (f *fakeClient) Authenticate(context.Context) (types.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auths++
	if f.authErr != nil {
		return types.Token{}, f.authErr
	}
	return types.Token{Value: "token"}, nil
}

func (f *fakeClient) FetchRange(_ context.Context, resourceID string, from, to time.Time, g types.Granularity) sources.FetchResult {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{resource: resourceID, from: from, to: to, g: g})
	f.mu.Unlock()

	if err := f.errs[resourceID]; err != nil {
		return sources.Failed(err)
	}
	var out types.Series
	for _, p := range f.series[resourceID][g] {
		if !p.Time.Before(from) && p.Time.Before(to) {
			out = append(out, p)
		}
	}
	return sources.FetchResult{Points: out}
}

func (f *fakeClient) granularities(resource string) []types.Granularity {
	f.mu.Lock()
	defer f.mu.Unlock()
	var gs []types.Granularity
	for _, c := range f.calls {
		if c.resource == resource {
			gs = append(gs, c.g)
		}
	}
	return gs
}

// fakeMirror records synced batches and optionally fails.
type fakeMirror struct {
	err error

	mu      sync.Mutex
	batches []mirror.Batch
}

func (m *fakeMirror) Sync(_ context.Context, b mirror.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, b)
	return m.err
}

func (m *fakeMirror) synced() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += b.Len()
	}
	return n
}

func halfHourly(start time.Time, values ...float64) types.Series {
	s := make(types.Series, len(values))
	for i, v := range values {
		s[i] = types.Point{Time: start.Add(time.Duration(i) * 30 * time.Minute), Value: v}
	}
	return s
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	db, err := database.OpenInMemory()
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	s := storage.New(db)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	return s
}
