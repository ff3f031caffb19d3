// Package scheduler runs the service's recurring maintenance jobs: flag
// flushes, remote resyncs, appeal sweeps, and config reloads. Each job gets
// its own goroutine and ticker; a job never overlaps itself because the next
// tick is not serviced until the previous run returns.
package scheduler

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modwarden_scheduler_job_runs_total",
		Help: "Completed scheduler job runs by job and outcome.",
	}, []string{"job", "outcome"})
	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "modwarden_scheduler_job_duration_seconds",
		Help:    "Scheduler job run duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
)

// JobFunc is one run of a recurring job. Errors are logged and counted, not
// fatal; the job keeps its schedule.
type JobFunc func(ctx context.Context) error

type job struct {
	name     string
	interval time.Duration
	fn       JobFunc
}

// Scheduler owns the registered jobs and their goroutines.
type Scheduler struct {
	mu      sync.Mutex
	jobs    []job
	started bool
	wg      sync.WaitGroup
}

func New() *Scheduler {
	return &Scheduler{}
}

// Register adds a named job. Must be called before Start.
func (s *Scheduler) Register(name string, interval time.Duration, fn JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		panic("scheduler: Register after Start")
	}
	s.jobs = append(s.jobs, job{name: name, interval: interval, fn: fn})
}

// Start launches every registered job. Each runs once immediately and then on
// its interval until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.started = true
	jobs := make([]job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	for _, j := range jobs {
		s.wg.Add(1)
		go func(j job) {
			defer s.wg.Done()
			s.loop(ctx, j)
		}(j)
	}
}

// Wait blocks until every job goroutine has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j job) {
	slog.Info("job started", slog.String("job", j.name), slog.Duration("interval", j.interval))
	s.run(ctx, j)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("job stopped", slog.String("job", j.name))
			return
		case <-ticker.C:
			s.run(ctx, j)
		}
	}
}

// run executes one job iteration. A panic inside a job is recovered so a bad
// run cannot take down the scheduler or its siblings.
func (s *Scheduler) run(ctx context.Context, j job) {
	start := time.Now()
	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			slog.Error("job panicked",
				slog.String("job", j.name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
		jobDuration.WithLabelValues(j.name).Observe(time.Since(start).Seconds())
		jobRuns.WithLabelValues(j.name, outcome).Inc()
	}()

	if err := j.fn(ctx); err != nil {
		outcome = "error"
		slog.Error("job run failed", slog.String("job", j.name), slog.Any("err", err))
	}
}
