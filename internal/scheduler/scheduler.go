// Package scheduler runs named periodic jobs on fixed intervals. Each job
// type never overlaps itself: a tick that arrives while the previous run is
// still going is skipped. Different jobs are fully independent and may
// overlap each other freely.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrUnknownJob is returned by Trigger for a name never registered.
var ErrUnknownJob = errors.New("unknown job")

// ErrJobRunning is returned by Trigger when the job is already mid-run.
var ErrJobRunning = errors.New("job already running")

// Job is one periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// JobStatus is a point-in-time snapshot for the operator API.
type JobStatus struct {
	Name      string    `json:"name"`
	Interval  string    `json:"interval"`
	Running   bool      `json:"running"`
	Runs      int64     `json:"runs"`
	Skipped   int64     `json:"skipped"`
	LastRun   time.Time `json:"last_run,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

type jobState struct {
	job     Job
	running atomic.Bool
	runs    atomic.Int64
	skipped atomic.Int64

	mu        sync.Mutex
	lastRun   time.Time
	lastError string
}

// Scheduler owns a set of jobs. Register everything before Start.
type Scheduler struct {
	mu   sync.Mutex
	jobs []*jobState
	wg   sync.WaitGroup
}

func New() *Scheduler {
	return &Scheduler{}
}

// Register adds a job. Jobs with a non-positive interval only run via
// Trigger.
func (s *Scheduler) Register(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &jobState{job: job})
}

// Start launches one ticker loop per job and blocks until ctx is cancelled
// and all in-flight runs have finished.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	jobs := append([]*jobState(nil), s.jobs...)
	s.mu.Unlock()

	for _, st := range jobs {
		if st.job.Interval <= 0 {
			continue
		}
		st := st
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(st.job.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.tick(ctx, st)
				}
			}
		}()
	}

	<-ctx.Done()
	s.wg.Wait()
}

// Trigger forces a run of the named job now, respecting the same
// no-self-overlap guard as scheduled ticks. The run happens synchronously.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	st := s.find(name)
	if st == nil {
		return ErrUnknownJob
	}
	if !st.running.CompareAndSwap(false, true) {
		return ErrJobRunning
	}
	s.run(ctx, st)
	return nil
}

// Status reports a snapshot of every registered job.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	jobs := append([]*jobState(nil), s.jobs...)
	s.mu.Unlock()

	out := make([]JobStatus, 0, len(jobs))
	for _, st := range jobs {
		st.mu.Lock()
		status := JobStatus{
			Name:      st.job.Name,
			Interval:  st.job.Interval.String(),
			Running:   st.running.Load(),
			Runs:      st.runs.Load(),
			Skipped:   st.skipped.Load(),
			LastRun:   st.lastRun,
			LastError: st.lastError,
		}
		st.mu.Unlock()
		out = append(out, status)
	}
	return out
}

func (s *Scheduler) find(name string) *jobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.jobs {
		if st.job.Name == name {
			return st
		}
	}
	return nil
}

// tick starts a run in its own goroutine so an overrunning job delays
// nothing; the CAS guard is what prevents self-overlap.
func (s *Scheduler) tick(ctx context.Context, st *jobState) {
	if !st.running.CompareAndSwap(false, true) {
		st.skipped.Add(1)
		slog.Warn("job still running, skipping tick", "job", st.job.Name)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, st)
	}()
}

func (s *Scheduler) run(ctx context.Context, st *jobState) {
	defer st.running.Store(false)

	started := time.Now()
	err := st.job.Run(ctx)
	elapsed := time.Since(started)

	st.runs.Add(1)
	st.mu.Lock()
	st.lastRun = started
	if err != nil {
		st.lastError = err.Error()
	} else {
		st.lastError = ""
	}
	st.mu.Unlock()

	if err != nil {
		slog.Error("job failed", "job", st.job.Name, "elapsed", elapsed, "error", err)
		return
	}
	slog.Info("job complete", "job", st.job.Name, "elapsed", elapsed)
}
