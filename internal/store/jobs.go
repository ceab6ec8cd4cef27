package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/BTreeMap/StudyPush/internal/engine"
)

// Compile-time check that Store implements engine.Store.
var _ engine.Store = (*Store)(nil)

const jobColumns = `job_key, trigger_key, kind, payload_json, fire_at, misfire, status, attempt, max_attempts,
	last_error, locked_at, created_at, updated_at`

func jobKeyStrings(keys []engine.JobKey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k)
	}
	return out
}

func (s *Store) InsertJobs(ctx context.Context, jobs []*engine.Job) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		q := tx.Rebind(`INSERT INTO engine_jobs (` + jobColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		for _, j := range jobs {
			_, err := tx.ExecContext(ctx, q, j.Key, j.Trigger, j.Kind, j.PayloadJSON, j.FireAt.UTC(), j.Misfire, j.Status,
				j.Attempt, j.MaxAttempts, j.LastError, j.LockedAt, j.CreatedAt.UTC(), j.UpdatedAt.UTC())
			if isUniqueViolation(err) {
				return fmt.Errorf("job %s: %w", j.Key, engine.ErrJobExists)
			}
			if err != nil {
				return fmt.Errorf("insert job %s: %w", j.Key, err)
			}
		}
		return nil
	})
}

func (s *Store) GetJob(ctx context.Context, key engine.JobKey) (*engine.Job, error) {
	var j engine.Job
	err := s.db.GetContext(ctx, &j, s.rebind(`SELECT `+jobColumns+` FROM engine_jobs WHERE job_key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", key, engine.ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", key, err)
	}
	return &j, nil
}

func (s *Store) ExistingJobKeys(ctx context.Context, keys []engine.JobKey) (map[engine.JobKey]bool, error) {
	out := make(map[engine.JobKey]bool)
	if len(keys) == 0 {
		return out, nil
	}
	q, args, err := sqlx.In(`SELECT job_key FROM engine_jobs WHERE job_key IN (?)`, jobKeyStrings(keys))
	if err != nil {
		return nil, err
	}
	var found []string
	if err := s.db.SelectContext(ctx, &found, s.rebind(q), args...); err != nil {
		return nil, fmt.Errorf("existing job keys: %w", err)
	}
	for _, k := range found {
		out[engine.JobKey(k)] = true
	}
	return out, nil
}

func (s *Store) TriggerExists(ctx context.Context, key engine.TriggerKey) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.rebind(`SELECT COUNT(*) FROM engine_jobs WHERE trigger_key = ?`), key); err != nil {
		return false, fmt.Errorf("trigger exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *Store) RescheduleTrigger(ctx context.Context, key engine.TriggerKey, fireAt time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE engine_jobs
		SET fire_at = ?, status = ?, attempt = 0, locked_at = NULL, updated_at = ?
		WHERE trigger_key = ?`), fireAt.UTC(), engine.JobStatusQueued, s.timestamp(), key)
	if err != nil {
		return fmt.Errorf("reschedule trigger %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("trigger %s: %w", key, engine.ErrTriggerNotFound)
	}
	return nil
}

func (s *Store) DeleteJobs(ctx context.Context, keys []engine.JobKey) ([]engine.JobKey, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	q, args, err := sqlx.In(`DELETE FROM engine_jobs WHERE job_key IN (?) RETURNING job_key`, jobKeyStrings(keys))
	if err != nil {
		return nil, err
	}
	var deleted []string
	if err := s.db.SelectContext(ctx, &deleted, s.rebind(q), args...); err != nil {
		return nil, fmt.Errorf("delete jobs: %w", err)
	}
	out := make([]engine.JobKey, len(deleted))
	for i, k := range deleted {
		out[i] = engine.JobKey(k)
	}
	return out, nil
}

// ClaimDueJobs claims due jobs. PostgreSQL claims in one statement and skips
// rows locked by concurrent claimers; SQLite runs on a single connection and
// claims inside a transaction.
func (s *Store) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*engine.Job, error) {
	now = now.UTC()
	var jobs []*engine.Job
	if s.dialect == DialectPostgres {
		q := s.rebind(`UPDATE engine_jobs SET status = ?, locked_at = ?, updated_at = ?
			WHERE job_key IN (
				SELECT job_key FROM engine_jobs WHERE status = ? AND fire_at <= ?
				ORDER BY fire_at ASC LIMIT ?
				FOR UPDATE SKIP LOCKED
			)
			RETURNING ` + jobColumns)
		if err := s.db.SelectContext(ctx, &jobs, q, engine.JobStatusRunning, now, now, engine.JobStatusQueued, now, limit); err != nil {
			return nil, fmt.Errorf("claim due jobs failed: %w", err)
		}
	} else {
		err := s.inTx(ctx, func(tx *sqlx.Tx) error {
			var keys []string
			err := tx.SelectContext(ctx, &keys, tx.Rebind(`SELECT job_key FROM engine_jobs
				WHERE status = ? AND fire_at <= ? ORDER BY fire_at ASC LIMIT ?`), engine.JobStatusQueued, now, limit)
			if err != nil || len(keys) == 0 {
				return err
			}
			q, args, err := sqlx.In(`UPDATE engine_jobs SET status = ?, locked_at = ?, updated_at = ? WHERE job_key IN (?)`,
				engine.JobStatusRunning, now, now, keys)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(q), args...); err != nil {
				return err
			}
			q, args, err = sqlx.In(`SELECT `+jobColumns+` FROM engine_jobs WHERE job_key IN (?)`, keys)
			if err != nil {
				return err
			}
			return tx.SelectContext(ctx, &jobs, tx.Rebind(q), args...)
		})
		if err != nil {
			return nil, fmt.Errorf("claim due jobs failed: %w", err)
		}
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].FireAt.Before(jobs[b].FireAt) })
	return jobs, nil
}

func (s *Store) CompleteJob(ctx context.Context, key engine.JobKey) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM engine_jobs WHERE job_key = ? AND status = ?`), key, engine.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (s *Store) FailJob(ctx context.Context, key engine.JobKey, errMsg string, nextRunAt time.Time) (bool, error) {
	retry := false
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		lookup := `SELECT attempt, max_attempts FROM engine_jobs WHERE job_key = ? AND status = ?`
		if s.dialect == DialectPostgres {
			lookup += ` FOR UPDATE`
		}
		var cur struct {
			Attempt     int `db:"attempt"`
			MaxAttempts int `db:"max_attempts"`
		}
		err := tx.GetContext(ctx, &cur, tx.Rebind(lookup), key, engine.JobStatusRunning)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("fail job lookup failed: %w", err)
		}
		attempt := cur.Attempt + 1
		if attempt >= cur.MaxAttempts {
			_, err = tx.ExecContext(ctx, tx.Rebind(`DELETE FROM engine_jobs WHERE job_key = ?`), key)
		} else {
			retry = true
			_, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE engine_jobs
				SET status = ?, attempt = ?, last_error = ?, fire_at = ?, locked_at = NULL, updated_at = ?
				WHERE job_key = ?`), engine.JobStatusQueued, attempt, errMsg, nextRunAt.UTC(), s.timestamp(), key)
		}
		if err != nil {
			return fmt.Errorf("fail job update failed: %w", err)
		}
		return nil
	})
	return retry, err
}

func (s *Store) RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE engine_jobs SET status = ?, locked_at = NULL, updated_at = ?
		WHERE status = ? AND locked_at < ?`), engine.JobStatusQueued, s.timestamp(), engine.JobStatusRunning, staleBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("Store.RequeueStaleRunningJobs", "requeued", n)
	}
	return int(n), nil
}
