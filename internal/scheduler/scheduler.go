// Package scheduler runs named jobs on fixed schedules and on demand. Jobs
// are registered explicitly at startup; a job never overlaps with itself.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/GoPolymarket/capsettle/internal/model"
	"github.com/GoPolymarket/capsettle/internal/pkg/apperrors"
	"github.com/GoPolymarket/capsettle/internal/pkg/logger"
	"github.com/GoPolymarket/capsettle/internal/pkg/metrics"
)

var (
	ErrUnknownJob   = apperrors.NewNotFound("unknown job")
	ErrJobRunning   = apperrors.New(apperrors.ErrConflict, "job is already running", nil)
	ErrLockHeld     = apperrors.New(apperrors.ErrConflict, "job is running on another instance", nil)
	ErrDuplicateJob = apperrors.New(apperrors.ErrInvariant, "job already registered", nil)
)

type JobFunc func(ctx context.Context) error

// Schedule yields the next run time strictly after a given instant.
type Schedule interface {
	Next(after time.Time) time.Time
	String() string
}

type interval struct {
	every time.Duration
}

// Every runs a job at a fixed interval, first one interval after start.
func Every(d time.Duration) Schedule {
	if d <= 0 {
		d = time.Hour
	}
	return interval{every: d}
}

func (s interval) Next(after time.Time) time.Time { return after.Add(s.every) }
func (s interval) String() string                 { return "every " + s.every.String() }

type dailyAt struct {
	hour, minute int
}

// DailyAt runs a job once a day at hour:minute UTC.
func DailyAt(hour, minute int) Schedule {
	return dailyAt{hour: clampHour(hour), minute: clampMinute(minute)}
}

func (s dailyAt) Next(after time.Time) time.Time {
	after = after.UTC()
	target := time.Date(after.Year(), after.Month(), after.Day(), s.hour, s.minute, 0, 0, time.UTC)
	if !target.After(after) {
		target = target.AddDate(0, 0, 1)
	}
	return target
}

func (s dailyAt) String() string {
	return fmt.Sprintf("daily at %02d:%02d UTC", s.hour, s.minute)
}

func clampHour(hour int) int {
	if hour < 0 {
		return 0
	}
	if hour > 23 {
		return 23
	}
	return hour
}

func clampMinute(minute int) int {
	if minute < 0 {
		return 0
	}
	if minute > 59 {
		return 59
	}
	return minute
}

// Locker provides mutual exclusion across replicas.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (unlock func(), ok bool, err error)
}

type job struct {
	name     string
	schedule Schedule
	fn       JobFunc

	mu      sync.Mutex
	running bool
	lastRun *time.Time
	nextRun *time.Time
	lastErr string
}

func (j *job) status() model.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return model.JobStatus{
		Name:     j.name,
		Schedule: j.schedule.String(),
		Running:  j.running,
		LastRun:  j.lastRun,
		NextRun:  j.nextRun,
		Error:    j.lastErr,
	}
}

// Registry holds the jobs of this process.
type Registry struct {
	mu      sync.RWMutex
	jobs    map[string]*job
	order   []string
	locker  Locker
	lockTTL time.Duration
	now     func() time.Time
	wg      sync.WaitGroup
}

type Option func(*Registry)

// WithLocker makes every run take a distributed lock first.
func WithLocker(l Locker, ttl time.Duration) Option {
	return func(r *Registry) {
		r.locker = l
		if ttl > 0 {
			r.lockTTL = ttl
		}
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		jobs:    make(map[string]*job),
		lockTTL: 30 * time.Minute,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Register(name string, schedule Schedule, fn JobFunc) error {
	if name == "" || schedule == nil || fn == nil {
		return apperrors.NewInvalidRequest("job needs a name, a schedule and a function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}
	r.jobs[name] = &job{name: name, schedule: schedule, fn: fn}
	r.order = append(r.order, name)
	return nil
}

// ListJobs returns job states in registration order.
func (r *Registry) ListJobs() []model.JobStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.JobStatus, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.jobs[name].status())
	}
	return out
}

// Start launches one timer loop per job. Loops stop when ctx is done; Wait
// blocks until they and any run they started have returned.
func (r *Registry) Start(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		j := r.jobs[name]
		r.wg.Add(1)
		go r.loop(ctx, j)
	}
	logger.Info("scheduler started", "jobs", len(r.order))
}

func (r *Registry) Wait() {
	r.wg.Wait()
}

func (r *Registry) loop(ctx context.Context, j *job) {
	defer r.wg.Done()
	for {
		next := j.schedule.Next(r.now())
		j.mu.Lock()
		j.nextRun = &next
		j.mu.Unlock()

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("job loop stopped", "job", j.name)
			return
		case <-timer.C:
		}

		err := r.run(ctx, j)
		switch {
		case err == nil:
		case apperrors.TypeOf(err) == apperrors.ErrConflict:
			logger.Info("scheduled run skipped", "job", j.name, "reason", err.Error())
		default:
			logger.LogError(ctx, err, "scheduled run failed", "job", j.name)
		}
	}
}

// RunJob runs name now and returns its result.
func (r *Registry) RunJob(ctx context.Context, name string) error {
	r.mu.RLock()
	j, ok := r.jobs[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return r.run(ctx, j)
}

func (r *Registry) run(ctx context.Context, j *job) (err error) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return ErrJobRunning
	}
	j.running = true
	j.mu.Unlock()

	defer func() {
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
	}()

	if r.locker != nil {
		unlock, ok, lerr := r.locker.TryLock(ctx, j.name, r.lockTTL)
		switch {
		case lerr != nil:
			// storage uniqueness still guards the ledger
			logger.Warn("job lock unavailable, running without it", "job", j.name, "error", lerr)
		case !ok:
			return ErrLockHeld
		default:
			defer unlock()
		}
	}

	started := r.now()
	err = r.invoke(ctx, j)
	elapsed := r.now().Sub(started)

	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.JobRuns.WithLabelValues(j.name, result).Inc()
	metrics.JobDuration.WithLabelValues(j.name).Observe(elapsed.Seconds())

	j.mu.Lock()
	j.lastRun = &started
	if err != nil {
		j.lastErr = err.Error()
	} else {
		j.lastErr = ""
	}
	j.mu.Unlock()
	return err
}

func (r *Registry) invoke(ctx context.Context, j *job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("job panicked", "job", j.name, "panic", p, "stack", string(debug.Stack()))
			err = apperrors.New(apperrors.ErrInternal, fmt.Sprintf("job panicked: %v", p), nil)
		}
	}()
	return j.fn(ctx)
}
