package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/StudyPush/internal/models"
)

const userColumns = `id, project_id, subject_id, enrolment_date, timezone, language, phone_number, created_at, updated_at`

// UpsertUser inserts or updates the participant identified by project and
// subject id, filling in u.ID and timestamps.
func (s *Store) UpsertUser(ctx context.Context, u *models.User) error {
	now := s.timestamp()
	q := s.rebind(`INSERT INTO users (project_id, subject_id, enrolment_date, timezone, language, phone_number, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id, subject_id) DO UPDATE SET
			enrolment_date = excluded.enrolment_date,
			timezone = excluded.timezone,
			language = excluded.language,
			phone_number = excluded.phone_number,
			updated_at = excluded.updated_at
		RETURNING id`)
	row := s.db.QueryRowxContext(ctx, q, u.ProjectID, u.SubjectID, u.EnrolmentDate.UTC(), u.Timezone, u.Language,
		u.PhoneNumber, now, now)
	if err := row.Scan(&u.ID); err != nil {
		slog.Error("Store.UpsertUser failed", "project", u.ProjectID, "subject", u.SubjectID, "error", err)
		return fmt.Errorf("upsert user %s/%s: %w", u.ProjectID, u.SubjectID, err)
	}
	stored, err := s.GetUserByID(ctx, u.ID)
	if err != nil {
		return err
	}
	*u = *stored
	slog.Debug("Store.UpsertUser succeeded", "id", u.ID, "project", u.ProjectID, "subject", u.SubjectID)
	return nil
}

// GetUser returns the participant, or ErrNotFound.
func (s *Store) GetUser(ctx context.Context, projectID, subjectID string) (*models.User, error) {
	var u models.User
	err := s.db.GetContext(ctx, &u, s.rebind(`SELECT `+userColumns+` FROM users WHERE project_id = ? AND subject_id = ?`),
		projectID, subjectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s/%s: %w", projectID, subjectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s/%s: %w", projectID, subjectID, err)
	}
	return &u, nil
}

// GetUserByID returns the participant, or ErrNotFound.
func (s *Store) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	err := s.db.GetContext(ctx, &u, s.rebind(`SELECT `+userColumns+` FROM users WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	return &u, nil
}

// ListUsers returns the participants of a project, or of all projects when
// projectID is empty.
func (s *Store) ListUsers(ctx context.Context, projectID string) ([]*models.User, error) {
	var users []*models.User
	var err error
	if projectID == "" {
		err = s.db.SelectContext(ctx, &users, `SELECT `+userColumns+` FROM users ORDER BY id`)
	} else {
		err = s.db.SelectContext(ctx, &users, s.rebind(`SELECT `+userColumns+` FROM users WHERE project_id = ? ORDER BY id`), projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// DeleteUser removes a participant with all tasks, messages and events.
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM users WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete user %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return nil
}
