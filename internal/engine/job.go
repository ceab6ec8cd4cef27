// Package engine is the durable execution engine behind message scheduling:
// keyed one-shot jobs that fire at or after their trigger time, at least once
// and never concurrently for the same key.
package engine

import (
	"context"
	"errors"
	"time"
)

var (
	ErrJobExists       = errors.New("job already exists")
	ErrJobNotFound     = errors.New("job not found")
	ErrTriggerNotFound = errors.New("trigger not found")
	ErrMisfired        = errors.New("trigger misfired")
)

// JobKey names a job. TriggerKey names the one-shot trigger that fires it.
type (
	JobKey     string
	TriggerKey string
)

// JobStatus represents the lifecycle state of a job row. Completed jobs are
// removed.
type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
)

// MisfirePolicy decides what happens to a trigger found overdue.
type MisfirePolicy string

const (
	// MisfireFireNow fires overdue triggers immediately.
	MisfireFireNow MisfirePolicy = "fire_now"
	// MisfireSkip drops triggers overdue by more than the misfire threshold.
	MisfireSkip MisfirePolicy = "skip"
)

// Job is one scheduled unit of work.
type Job struct {
	Key         JobKey        `json:"key" db:"job_key"`
	Trigger     TriggerKey    `json:"trigger" db:"trigger_key"`
	Kind        string        `json:"kind" db:"kind"`
	PayloadJSON string        `json:"payload" db:"payload_json"`
	FireAt      time.Time     `json:"fireAt" db:"fire_at"`
	Misfire     MisfirePolicy `json:"misfire" db:"misfire"`
	Status      JobStatus     `json:"status" db:"status"`
	Attempt     int           `json:"attempt" db:"attempt"`
	MaxAttempts int           `json:"maxAttempts" db:"max_attempts"`
	LastError   string        `json:"lastError,omitempty" db:"last_error"`
	LockedAt    *time.Time    `json:"lockedAt,omitempty" db:"locked_at"`
	CreatedAt   time.Time     `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time     `json:"updatedAt" db:"updated_at"`
}

// Store persists jobs.
type Store interface {
	// InsertJobs inserts all jobs or none. It fails with ErrJobExists if any
	// key is already present.
	InsertJobs(ctx context.Context, jobs []*Job) error

	// GetJob returns ErrJobNotFound for unknown keys.
	GetJob(ctx context.Context, key JobKey) (*Job, error)

	// ExistingJobKeys reports which of keys are present.
	ExistingJobKeys(ctx context.Context, keys []JobKey) (map[JobKey]bool, error)

	TriggerExists(ctx context.Context, key TriggerKey) (bool, error)

	// RescheduleTrigger moves a trigger to fireAt and requeues its job. It
	// returns ErrTriggerNotFound for unknown keys.
	RescheduleTrigger(ctx context.Context, key TriggerKey, fireAt time.Time) error

	// DeleteJobs removes jobs and returns the keys that existed.
	DeleteJobs(ctx context.Context, keys []JobKey) ([]JobKey, error)

	// ClaimDueJobs marks up to limit queued jobs whose fire time is at or
	// before now as running and returns them.
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error)

	// CompleteJob removes a job that is still running.
	CompleteJob(ctx context.Context, key JobKey) error

	// FailJob records a failed attempt of a running job. It requeues the job
	// at nextRunAt and returns true while attempts remain, otherwise it
	// removes the job.
	FailJob(ctx context.Context, key JobKey, errMsg string, nextRunAt time.Time) (bool, error)

	// RequeueStaleRunningJobs resets jobs that have been running since before
	// staleBefore back to queued.
	RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error)
}

// Listener observes job lifecycle events. Listeners are called synchronously
// in registration order; no ordering between listeners may be relied on.
type Listener interface {
	JobScheduled(ctx context.Context, job Job)
	JobExecuted(ctx context.Context, job Job, fireID string, err error)
	JobUnscheduled(ctx context.Context, key JobKey)
}
