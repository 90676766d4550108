package background

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"drivingschool-backend/pkg/logger"
)

type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

// Job is a named task run on a fixed interval. Runs of the same job never
// overlap: ticks and triggers arriving mid-run collapse into one follow-up run.
type Job struct {
	Name        string
	Interval    time.Duration
	Timeout     time.Duration
	RetryPolicy RetryPolicy
	Run         func(ctx context.Context) error
}

// JobStats is the last known state of a registered job.
type JobStats struct {
	Name           string     `json:"name"`
	Interval       string     `json:"interval"`
	Running        bool       `json:"running"`
	Runs           int64      `json:"runs"`
	Failures       int64      `json:"failures"`
	LastStartedAt  *time.Time `json:"last_started_at,omitempty"`
	LastFinishedAt *time.Time `json:"last_finished_at,omitempty"`
	LastSuccessAt  *time.Time `json:"last_success_at,omitempty"`
	LastDuration   string     `json:"last_duration,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
}

var (
	ErrSchedulerNotStarted = errors.New("scheduler not started")
	ErrJobAlreadyScheduled = errors.New("job already scheduled")
	ErrJobNotFound         = errors.New("job not found")
	ErrRunPending          = errors.New("job run already pending")
)

type Scheduler struct {
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool

	jobs map[string]*periodicJob
	wg   sync.WaitGroup
	now  func() time.Time
}

type periodicJob struct {
	job     Job
	trigger chan struct{}
	stats   JobStats
}

var (
	metricsOnce        sync.Once
	jobRunsTotal       *prometheus.CounterVec
	jobDurationSeconds *prometheus.HistogramVec
	jobLastSuccess     *prometheus.GaugeVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		jobRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drivingschool",
			Subsystem: "background",
			Name:      "job_runs_total",
			Help:      "Total background job executions",
		}, []string{"job", "status"})

		jobDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "drivingschool",
			Subsystem: "background",
			Name:      "job_duration_seconds",
			Help:      "Duration of background job executions",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"})

		jobLastSuccess = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "drivingschool",
			Subsystem: "background",
			Name:      "job_last_success_timestamp",
			Help:      "Unix timestamp of the last successful background job execution",
		}, []string{"job"})
	})
}

func NewScheduler() *Scheduler {
	initMetrics()
	return &Scheduler{
		jobs: make(map[string]*periodicJob),
		now:  time.Now,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
}

// Every registers job and runs it right away, then on each interval until
// the scheduler shuts down.
func (s *Scheduler) Every(job Job) error {
	if job.Name == "" {
		return errors.New("job name is required")
	}
	if job.Run == nil {
		return errors.New("job runner is required")
	}
	if job.Interval <= 0 {
		return errors.New("job interval must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return ErrSchedulerNotStarted
	}
	if _, exists := s.jobs[job.Name]; exists {
		return ErrJobAlreadyScheduled
	}

	pj := &periodicJob{
		job:     job,
		trigger: make(chan struct{}, 1),
		stats:   JobStats{Name: job.Name, Interval: job.Interval.String()},
	}
	s.jobs[job.Name] = pj

	s.wg.Add(1)
	go s.loop(s.ctx, pj)
	return nil
}

// Trigger asks for an extra run of a registered job. At most one extra run
// is queued; a second trigger before it starts returns ErrRunPending.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	pj, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}

	select {
	case pj.trigger <- struct{}{}:
		return nil
	default:
		return ErrRunPending
	}
}

func (s *Scheduler) JobStats(name string) (JobStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pj, ok := s.jobs[name]
	if !ok {
		return JobStats{}, false
	}
	return pj.stats, true
}

// Stats returns every registered job ordered by name.
func (s *Scheduler) Stats() []JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStats, 0, len(s.jobs))
	for _, pj := range s.jobs {
		out = append(out, pj.stats)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) loop(ctx context.Context, pj *periodicJob) {
	defer s.wg.Done()

	ticker := time.NewTicker(pj.job.Interval)
	defer ticker.Stop()

	s.run(ctx, pj)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-pj.trigger:
		}
		s.run(ctx, pj)
	}
}

func (s *Scheduler) run(ctx context.Context, pj *periodicJob) {
	policy := pj.job.RetryPolicy
	for attempt := 1; ; attempt++ {
		err := s.attempt(ctx, pj, attempt)
		if err == nil {
			return
		}
		if policy.MaxRetries <= 0 || attempt > policy.MaxRetries || errors.Is(err, context.Canceled) {
			if !errors.Is(err, context.Canceled) {
				logger.Error(err, "Background job finished with error", map[string]interface{}{"job": pj.job.Name, "attempt": attempt})
			}
			return
		}
		if policy.Backoff > 0 {
			timer := time.NewTimer(policy.Backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
	}
}

func (s *Scheduler) attempt(ctx context.Context, pj *periodicJob, attempt int) (runErr error) {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	started := s.now()
	s.mu.Lock()
	pj.stats.Running = true
	pj.stats.LastStartedAt = &started
	s.mu.Unlock()

	if pj.job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pj.job.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("panic: %v", r)
			logger.Error(runErr, "Background job panicked", map[string]interface{}{"job": pj.job.Name, "attempt": attempt})
		}
		s.record(pj, started, runErr)
	}()

	return pj.job.Run(ctx)
}

func (s *Scheduler) record(pj *periodicJob, started time.Time, runErr error) {
	finished := s.now()
	duration := finished.Sub(started)

	status := "success"
	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled):
		status = "canceled"
	default:
		status = "failure"
	}

	jobDurationSeconds.WithLabelValues(pj.job.Name).Observe(duration.Seconds())
	jobRunsTotal.WithLabelValues(pj.job.Name, status).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()

	pj.stats.Running = false
	pj.stats.Runs++
	pj.stats.LastFinishedAt = &finished
	pj.stats.LastDuration = duration.String()
	if runErr != nil {
		pj.stats.Failures++
		pj.stats.LastError = runErr.Error()
		return
	}
	pj.stats.LastError = ""
	pj.stats.LastSuccessAt = &finished
	jobLastSuccess.WithLabelValues(pj.job.Name).Set(float64(finished.Unix()))
}

func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
