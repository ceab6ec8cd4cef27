package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultPollInterval is how often Run claims due jobs unless configured.
const DefaultPollInterval = 5 * time.Second

// Handler executes a fired job.
type Handler func(ctx context.Context, job Job) error

// Engine schedules jobs in a Store and fires them from a polling loop.
type Engine struct {
	store Store

	mu        sync.RWMutex
	handlers  map[string]Handler
	listeners []Listener

	pollInterval     time.Duration
	staleThreshold   time.Duration
	misfireThreshold time.Duration
	claimLimit       int
	maxAttempts      int
	now              func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithPollInterval sets how often due jobs are claimed.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithMaxAttempts sets the attempts a job gets before it is dropped.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithClaimLimit sets how many jobs one poll claims.
func WithClaimLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.claimLimit = n
		}
	}
}

// WithStaleThreshold sets how long a job may run before it is requeued by
// RecoverStaleJobs.
func WithStaleThreshold(d time.Duration) Option {
	return func(e *Engine) {
		e.staleThreshold = d
	}
}

// WithMisfireThreshold sets how late a MisfireSkip trigger may fire.
func WithMisfireThreshold(d time.Duration) Option {
	return func(e *Engine) {
		e.misfireThreshold = d
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an Engine on store.
func New(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:            store,
		handlers:         make(map[string]Handler),
		pollInterval:     DefaultPollInterval,
		staleThreshold:   5 * time.Minute,
		misfireThreshold: time.Minute,
		claimLimit:       10,
		maxAttempts:      1,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterHandler registers a handler for a job kind.
func (e *Engine) RegisterHandler(kind string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[kind] = h
	slog.Debug("Engine.RegisterHandler", "kind", kind)
}

// AddListener registers l for all subsequent job events.
func (e *Engine) AddListener(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

func (e *Engine) snapshotListeners() []Listener {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Listener(nil), e.listeners...)
}

// publish calls fn for every listener, isolating listener panics.
func (e *Engine) publish(event string, fn func(Listener)) {
	for _, l := range e.snapshotListeners() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Engine.publish: listener panicked", "event", event, "panic", r)
				}
			}()
			fn(l)
		}()
	}
}

func (e *Engine) prepare(job *Job, now time.Time) {
	job.Status = JobStatusQueued
	job.Attempt = 0
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = e.maxAttempts
	}
	if job.Misfire == "" {
		job.Misfire = MisfireFireNow
	}
	job.FireAt = job.FireAt.UTC()
	job.LockedAt = nil
	job.CreatedAt = now
	job.UpdatedAt = now
}

// ScheduleJob registers one job. It fails with ErrJobExists if the key is
// taken.
func (e *Engine) ScheduleJob(ctx context.Context, job *Job) error {
	return e.ScheduleJobs(ctx, []*Job{job})
}

// ScheduleJobs registers jobs atomically.
func (e *Engine) ScheduleJobs(ctx context.Context, jobs []*Job) error {
	if len(jobs) == 0 {
		return nil
	}
	now := e.now().UTC()
	for _, job := range jobs {
		if job.Key == "" || job.Trigger == "" {
			return fmt.Errorf("schedule job: key and trigger are required")
		}
		e.prepare(job, now)
	}
	if err := e.store.InsertJobs(ctx, jobs); err != nil {
		return err
	}
	for _, job := range jobs {
		slog.Debug("Engine.ScheduleJobs: scheduled", "key", job.Key, "fireAt", job.FireAt)
		j := *job
		e.publish("scheduled", func(l Listener) { l.JobScheduled(ctx, j) })
	}
	return nil
}

// CheckExists reports whether a job with key is registered.
func (e *Engine) CheckExists(ctx context.Context, key JobKey) (bool, error) {
	found, err := e.store.ExistingJobKeys(ctx, []JobKey{key})
	if err != nil {
		return false, err
	}
	return found[key], nil
}

// ExistingJobKeys reports which keys are registered.
func (e *Engine) ExistingJobKeys(ctx context.Context, keys []JobKey) (map[JobKey]bool, error) {
	if len(keys) == 0 {
		return map[JobKey]bool{}, nil
	}
	return e.store.ExistingJobKeys(ctx, keys)
}

// CheckTriggerExists reports whether a trigger with key is registered.
func (e *Engine) CheckTriggerExists(ctx context.Context, key TriggerKey) (bool, error) {
	return e.store.TriggerExists(ctx, key)
}

// GetJob returns the registered job with key.
func (e *Engine) GetJob(ctx context.Context, key JobKey) (*Job, error) {
	return e.store.GetJob(ctx, key)
}

// RescheduleJob moves the trigger key to fireAt.
func (e *Engine) RescheduleJob(ctx context.Context, key TriggerKey, fireAt time.Time) error {
	if err := e.store.RescheduleTrigger(ctx, key, fireAt.UTC()); err != nil {
		return err
	}
	slog.Debug("Engine.RescheduleJob: rescheduled", "trigger", key, "fireAt", fireAt)
	return nil
}

// DeleteJob removes a job. It reports whether the job existed.
func (e *Engine) DeleteJob(ctx context.Context, key JobKey) (bool, error) {
	n, err := e.DeleteJobs(ctx, []JobKey{key})
	return n == 1, err
}

// DeleteJobs removes jobs and returns how many existed. Missing keys are not an
// error.
func (e *Engine) DeleteJobs(ctx context.Context, keys []JobKey) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	deleted, err := e.store.DeleteJobs(ctx, keys)
	if err != nil {
		return 0, err
	}
	for _, key := range deleted {
		slog.Debug("Engine.DeleteJobs: unscheduled", "key", key)
		e.publish("unscheduled", func(l Listener) { l.JobUnscheduled(ctx, key) })
	}
	return len(deleted), nil
}

// RecoverStaleJobs requeues jobs that were running when the process stopped.
// Should be called once at startup.
func (e *Engine) RecoverStaleJobs(ctx context.Context) (int, error) {
	n, err := e.store.RequeueStaleRunningJobs(ctx, e.now().Add(-e.staleThreshold))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("Engine.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return n, nil
}

// Run polls for due jobs until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	slog.Info("Engine.Run: starting", "pollInterval", e.pollInterval)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Engine.Run: stopping")
			return
		case <-ticker.C:
			e.Poll(ctx)
		}
	}
}

// Poll claims and fires the jobs due now. It returns how many were fired.
func (e *Engine) Poll(ctx context.Context) int {
	now := e.now()
	jobs, err := e.store.ClaimDueJobs(ctx, now, e.claimLimit)
	if err != nil {
		slog.Error("Engine.Poll: claim failed", "error", err)
		return 0
	}
	fired := 0
	for _, job := range jobs {
		if e.fire(ctx, job, now) {
			fired++
		}
	}
	return fired
}

func (e *Engine) fire(ctx context.Context, job *Job, now time.Time) bool {
	if job.Misfire == MisfireSkip && now.Sub(job.FireAt) > e.misfireThreshold {
		slog.Warn("Engine.fire: dropping misfired trigger", "key", job.Key, "fireAt", job.FireAt)
		if err := e.store.CompleteJob(ctx, job.Key); err != nil {
			slog.Error("Engine.fire: complete job error", "key", job.Key, "error", err)
		}
		j := *job
		e.publish("executed", func(l Listener) { l.JobExecuted(ctx, j, "", ErrMisfired) })
		return false
	}

	e.mu.RLock()
	handler, ok := e.handlers[job.Kind]
	e.mu.RUnlock()
	if !ok {
		slog.Warn("Engine.fire: no handler for job kind", "kind", job.Kind, "key", job.Key)
		if _, err := e.store.FailJob(ctx, job.Key, "no handler registered for kind: "+job.Kind, now.Add(time.Minute)); err != nil {
			slog.Error("Engine.fire: fail job error", "key", job.Key, "error", err)
		}
		return false
	}

	fireID := uuid.NewString()
	slog.Debug("Engine.fire: executing job", "key", job.Key, "kind", job.Kind, "attempt", job.Attempt, "fireID", fireID)
	err := invoke(ctx, handler, *job)
	j := *job
	e.publish("executed", func(l Listener) { l.JobExecuted(ctx, j, fireID, err) })

	if err != nil {
		slog.Error("Engine.fire: job execution failed", "key", job.Key, "kind", job.Kind, "error", err)
		// Exponential backoff: 30s, 60s, 120s, ...
		backoff := time.Duration(30*(1<<job.Attempt)) * time.Second
		if _, ferr := e.store.FailJob(ctx, job.Key, err.Error(), now.Add(backoff)); ferr != nil {
			slog.Error("Engine.fire: fail job error", "key", job.Key, "error", ferr)
		}
		return true
	}
	if err := e.store.CompleteJob(ctx, job.Key); err != nil {
		slog.Error("Engine.fire: complete job error", "key", job.Key, "error", err)
	}
	return true
}

func invoke(ctx context.Context, h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return h(ctx, job)
}
