// Package scheduler runs named jobs on independent intervals. Each job has a
// single worker goroutine, so a job never overlaps with itself, and one job's
// failure or panic never disturbs another.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chrissnell/utilitywatch/internal/log"
)

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrNotStarted = errors.New("scheduler not started")
	ErrStarted    = errors.New("scheduler already started")
	ErrStopped    = errors.New("scheduler stopped")
)

// RunFunc is one execution of a job.
type RunFunc func(ctx context.Context) error

// Job is a periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      RunFunc
	// RunOnStart runs the job once as soon as the scheduler starts.
	RunOnStart bool
}

// JobStatus is a snapshot of one job.
type JobStatus struct {
	Name       string        `json:"name"`
	Interval   time.Duration `json:"interval"`
	Running    bool          `json:"running"`
	Runs       int           `json:"runs"`
	Failures   int           `json:"failures"`
	LastStart  time.Time     `json:"last_start"`
	LastFinish time.Time     `json:"last_finish"`
	LastError  string        `json:"last_error,omitempty"`
	NextRun    time.Time     `json:"next_run"`
}

type request struct {
	fn   RunFunc
	done chan error
}

type worker struct {
	job      Job
	trigger  chan struct{}
	requests chan request
	logger   *zap.SugaredLogger

	mu     sync.Mutex
	status JobStatus
}

// Scheduler owns the job workers.
type Scheduler struct {
	mu      sync.RWMutex
	workers map[string]*worker
	ctx     context.Context
	wg      sync.WaitGroup
	logger  *zap.SugaredLogger
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{
		workers: make(map[string]*worker),
		logger:  log.Named("scheduler"),
	}
}

// Add registers a job. Jobs must be added before Start.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a run function")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive, got %v", job.Name, job.Interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return ErrStarted
	}
	if _, exists := s.workers[job.Name]; exists {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	s.workers[job.Name] = &worker{
		job:      job,
		trigger:  make(chan struct{}, 1),
		requests: make(chan request),
		logger:   s.logger.With("job", job.Name),
		status:   JobStatus{Name: job.Name, Interval: job.Interval},
	}
	return nil
}

// Start launches one worker per job. Workers stop when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return ErrStarted
	}
	s.ctx = ctx

	for _, w := range s.workers {
		s.wg.Add(1)
		go func(w *worker) {
			defer s.wg.Done()
			w.loop(ctx)
		}(w)
	}
	s.logger.Infow("scheduler started", "jobs", len(s.workers))
	return nil
}

// Wait blocks until every worker has returned, including any run in progress
// when the context was cancelled.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Trigger asks for an immediate run of name without waiting for it. Requests
// made while a run is already waiting are merged into that run. The job's
// interval timer is not reset.
func (s *Scheduler) Trigger(name string) error {
	w, err := s.worker(name)
	if err != nil {
		return err
	}
	select {
	case w.trigger <- struct{}{}:
		w.logger.Debug("run triggered")
	default:
		w.logger.Debug("run already pending, trigger merged")
	}
	return nil
}

// RunNow runs the job on its worker and returns its error.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	w, err := s.worker(name)
	if err != nil {
		return err
	}
	return s.Do(ctx, name, w.job.Run)
}

// Do runs fn on the worker of name, after any run in progress, and returns
// its error. Nothing else runs on that worker until fn returns.
func (s *Scheduler) Do(ctx context.Context, name string, fn RunFunc) error {
	w, err := s.worker(name)
	if err != nil {
		return err
	}

	s.mu.RLock()
	sctx := s.ctx
	s.mu.RUnlock()
	if sctx == nil {
		return ErrNotStarted
	}

	req := request{fn: fn, done: make(chan error, 1)}
	select {
	case w.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-sctx.Done():
		return ErrStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of every job, sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobStatus, 0, len(s.workers))
	for _, w := range s.workers {
		w.mu.Lock()
		out = append(out, w.status)
		w.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// JobStatus returns the status of one job.
func (s *Scheduler) JobStatus(name string) (JobStatus, error) {
	w, err := s.worker(name)
	if err != nil {
		return JobStatus{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status, nil
}

func (s *Scheduler) worker(name string) (*worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return w, nil
}

func (w *worker) loop(ctx context.Context) {
	w.logger.Infof("starting job %s (interval: %v)", w.job.Name, w.job.Interval)

	ticker := time.NewTicker(w.job.Interval)
	defer ticker.Stop()
	w.setNext(time.Now().Add(w.job.Interval))

	if w.job.RunOnStart {
		w.run(ctx, w.job.Run)
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Infof("stopping job %s", w.job.Name)
			return
		case t := <-ticker.C:
			w.setNext(t.Add(w.job.Interval))
			w.run(ctx, w.job.Run)
		case <-w.trigger:
			w.run(ctx, w.job.Run)
		case req := <-w.requests:
			req.done <- w.run(ctx, req.fn)
		}
	}
}

func (w *worker) run(ctx context.Context, fn RunFunc) (err error) {
	start := time.Now()
	w.mu.Lock()
	w.status.Running = true
	w.status.LastStart = start
	w.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", w.job.Name, r)
			w.logger.Errorw("recovered from panic", "panic", r, "stack", string(debug.Stack()))
		}

		w.mu.Lock()
		w.status.Running = false
		w.status.Runs++
		w.status.LastFinish = time.Now()
		w.status.LastError = ""
		if err != nil {
			w.status.Failures++
			w.status.LastError = err.Error()
		}
		w.mu.Unlock()

		if err != nil {
			w.logger.Errorf("Error in job %s: %v", w.job.Name, err)
		} else {
			w.logger.Debugw("job run complete", "took", time.Since(start))
		}
	}()

	return fn(ctx)
}

func (w *worker) setNext(t time.Time) {
	w.mu.Lock()
	w.status.NextRun = t
	w.mu.Unlock()
}
