package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/BTreeMap/StudyPush/internal/models"
)

const taskColumns = `id, user_id, name, type, scheduled_at, completion_window, estimated_completion_time, task_order,
	n_questions, show_in_calendar, is_demo, is_clinical, completed, time_completed, timezone`

// ListTasks returns a participant's tasks in time order.
func (s *Store) ListTasks(ctx context.Context, userID int64) ([]*models.Task, error) {
	var tasks []*models.Task
	err := s.db.SelectContext(ctx, &tasks,
		s.rebind(`SELECT `+taskColumns+` FROM tasks WHERE user_id = ? ORDER BY scheduled_at, id`), userID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for user %d: %w", userID, err)
	}
	return tasks, nil
}

// GetTask returns a task, or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	var t models.Task
	err := s.db.GetContext(ctx, &t, s.rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return &t, nil
}

// ReplaceTasks makes tasks the participant's complete task list. Tasks that
// already have an ID are kept, all other stored tasks are deleted, and tasks
// without an ID are inserted and get one.
func (s *Store) ReplaceTasks(ctx context.Context, userID int64, tasks []*models.Task) error {
	keep := []int64{}
	for _, t := range tasks {
		if t.ID != 0 {
			keep = append(keep, t.ID)
		}
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if len(keep) == 0 {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM tasks WHERE user_id = ?`), userID); err != nil {
				return fmt.Errorf("delete tasks: %w", err)
			}
		} else {
			q, args, err := sqlx.In(`DELETE FROM tasks WHERE user_id = ? AND id NOT IN (?)`, userID, keep)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(q), args...); err != nil {
				return fmt.Errorf("delete replaced tasks: %w", err)
			}
		}
		insert := tx.Rebind(`INSERT INTO tasks (user_id, name, type, scheduled_at, completion_window, estimated_completion_time,
			task_order, n_questions, show_in_calendar, is_demo, is_clinical, completed, time_completed, timezone)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)
		for _, t := range tasks {
			if t.ID != 0 {
				continue
			}
			t.UserID = userID
			var completedAt *time.Time
			if t.TimeCompleted != nil {
				c := t.TimeCompleted.UTC()
				completedAt = &c
			}
			err := tx.QueryRowxContext(ctx, insert, userID, t.Name, t.Type, t.Timestamp.UTC(), t.CompletionWindow,
				t.EstimatedCompletionTime, t.Order, t.NQuestions, t.ShowInCalendar, t.IsDemo, t.IsClinical,
				t.Completed, completedAt, t.Timezone).Scan(&t.ID)
			if err != nil {
				return fmt.Errorf("insert task %s: %w", t.Name, err)
			}
		}
		slog.Debug("Store.ReplaceTasks succeeded", "userID", userID, "tasks", len(tasks), "kept", len(keep))
		return nil
	})
}

// CompleteTask marks a task completed at the given time.
func (s *Store) CompleteTask(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE tasks SET completed = ?, time_completed = ? WHERE id = ?`),
		true, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("complete task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return nil
}
