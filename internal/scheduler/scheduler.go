package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/interplex/internal/model"
)

var (
	// ErrClosed is returned when submitting to a closed scheduler.
	ErrClosed = errors.New("scheduler closed")

	// ErrJobExists is returned when a job id is reused before the previous job
	// with that id reached a terminal status.
	ErrJobExists = errors.New("job already active")
)

var timeNow = time.Now

// Policy describes how many jobs a scheduler runs at once.
type Policy struct {
	Name        string
	Concurrency int
}

// FIFO runs one job at a time in submission order.
func FIFO() Policy {
	return Policy{Name: "fifo", Concurrency: 1}
}

// Parallel runs up to n jobs at once. Jobs beyond n wait in FIFO order.
func Parallel(n int) Policy {
	if n < 1 {
		n = 1
	}
	return Policy{Name: "parallel", Concurrency: n}
}

// Scheduler is the execution queue of one interpreter instance.
type Scheduler struct {
	name   string
	policy Policy
	logger *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*Job
	jobs   map[string]*Job
	closed bool

	wg      sync.WaitGroup
	stopped chan struct{}
}

// New starts a scheduler with the given policy. Its worker goroutines live
// until Close is called and the queue has been abandoned.
func New(name string, policy Policy, logger *slog.Logger) *Scheduler {
	if policy.Concurrency < 1 {
		policy.Concurrency = 1
	}
	s := &Scheduler{
		name:    name,
		policy:  policy,
		logger:  logger,
		jobs:    make(map[string]*Job),
		stopped: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	for range policy.Concurrency {
		s.wg.Go(s.loop)
	}
	liveSchedulers.Inc()
	go func() {
		s.wg.Wait()
		liveSchedulers.Dec()
		close(s.stopped)
	}()

	return s
}

// Name returns the scheduler name.
func (s *Scheduler) Name() string { return s.name }

// Policy returns the concurrency policy.
func (s *Scheduler) Policy() Policy { return s.policy }

// Submit enqueues job and returns immediately.
func (s *Scheduler) Submit(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("submit %s to %s: %w", job.ID(), s.name, ErrClosed)
	}
	if prev, ok := s.jobs[job.ID()]; ok && !model.IsTerminal(prev.Status()) {
		return fmt.Errorf("submit %s to %s: %w", job.ID(), s.name, ErrJobExists)
	}

	job.mu.Lock()
	job.submittedAt = timeNow()
	job.mu.Unlock()

	s.jobs[job.ID()] = job
	s.queue = append(s.queue, job)
	s.cond.Signal()
	return nil
}

// Job returns a retained job by id.
func (s *Scheduler) Job(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

// Jobs returns every retained job that has not reached a terminal status.
func (s *Scheduler) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if !model.IsTerminal(j.Status()) {
			out = append(out, j)
		}
	}
	return out
}

// Release drops job from the retained set once it is terminal. A job still
// running, for example one that ignored a cancel, is dropped when it ends.
// A newer job submitted under the same id is left alone.
func (s *Scheduler) Release(job *Job) {
	drop := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.jobs[job.ID()] == job {
			delete(s.jobs, job.ID())
		}
	}
	select {
	case <-job.Done():
		drop()
	default:
		go func() {
			<-job.Done()
			drop()
		}()
	}
}

// Cancel cancels a pending job or signals a running one. Cancelling an
// unknown or already terminal job is a no-op that returns false.
func (s *Scheduler) Cancel(id string) bool {
	j, ok := s.Job(id)
	if !ok {
		return false
	}
	live := j.requestCancel()
	if live {
		s.logger.Debug("job cancel requested", "scheduler", s.name, "job_id", id, "status", j.Status())
	}
	return live
}

// Close stops accepting jobs, cancels queued jobs and signals running ones.
// It does not wait; use Done or Wait to observe the goroutines exiting.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.queue
	s.queue = nil
	var running []*Job
	for _, j := range s.jobs {
		if j.Status() == model.StatusRunning {
			running = append(running, j)
		}
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	for _, j := range pending {
		j.requestCancel()
	}
	for _, j := range running {
		j.requestCancel()
	}
	s.logger.Debug("scheduler closed", "scheduler", s.name, "abandoned", len(pending), "signalled", len(running))
}

// Done is closed once every worker goroutine has exited.
func (s *Scheduler) Done() <-chan struct{} { return s.stopped }

// Wait blocks until the worker goroutines exit or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether any worker goroutine of the scheduler is alive.
func (s *Scheduler) Running() bool {
	select {
	case <-s.stopped:
		return false
	default:
		return true
	}
}

func (s *Scheduler) next() (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		for len(s.queue) > 0 {
			j := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			if j.Status() == model.StatusPending {
				return j, true
			}
		}
		if s.closed {
			return nil, false
		}
		s.cond.Wait()
	}
}

func (s *Scheduler) loop() {
	for {
		j, ok := s.next()
		if !ok {
			return
		}
		if !j.start() {
			continue
		}
		runningJobs.WithLabelValues(s.policy.Name).Inc()
		j.execute()
		runningJobs.WithLabelValues(s.policy.Name).Dec()

		status := j.Status()
		jobsTotal.WithLabelValues(s.policy.Name, status).Inc()
		jobDuration.Observe(j.Duration().Seconds())

		if _, err := j.Result(); err != nil {
			s.logger.Warn("job ended with error", "scheduler", s.name, "job_id", j.ID(), "status", status, "error", err)
		} else {
			s.logger.Debug("job finished", "scheduler", s.name, "job_id", j.ID(), "status", status)
		}
	}
}
