// Package service orchestrates schedule refreshes and message management on
// top of the store, the schedule generator and the message scheduler.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/StudyPush/internal/models"
	"github.com/BTreeMap/StudyPush/internal/protocol"
	"github.com/BTreeMap/StudyPush/internal/schedule"
	"github.com/BTreeMap/StudyPush/internal/store"
)

var ErrAlreadyDelivered = errors.New("message already delivered")

// Store is the persistence the Service needs. *store.Store implements it.
type Store interface {
	UpsertUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, projectID, subjectID string) (*models.User, error)
	ListUsers(ctx context.Context, projectID string) ([]*models.User, error)

	ListTasks(ctx context.Context, userID int64) ([]*models.Task, error)
	GetTask(ctx context.Context, id int64) (*models.Task, error)
	ReplaceTasks(ctx context.Context, userID int64, tasks []*models.Task) error
	CompleteTask(ctx context.Context, id int64, at time.Time) error

	CreateMessage(ctx context.Context, m *models.Message) error
	CreateMessages(ctx context.Context, msgs []*models.Message) ([]*models.Message, error)
	GetMessage(ctx context.Context, id int64) (*models.Message, error)
	ListMessages(ctx context.Context, userID int64) ([]*models.Message, error)
	UpdateMessage(ctx context.Context, m *models.Message) error
	DeleteMessages(ctx context.Context, ids []int64) (int, error)
}

// ProtocolSource resolves the protocol that applies to a participant.
type ProtocolSource interface {
	ForParticipant(ctx context.Context, projectID, subjectID string) (*protocol.Protocol, error)
}

// Scheduler registers messages with the execution engine.
type Scheduler interface {
	Schedule(ctx context.Context, m *models.Message) error
	ScheduleMultiple(ctx context.Context, msgs []*models.Message) (int, error)
	UpdateScheduled(ctx context.Context, m *models.Message) error
	DeleteScheduled(ctx context.Context, m *models.Message) error
	DeleteScheduledMultiple(ctx context.Context, msgs []*models.Message) error
}

// Service is the application layer used by the API and periodic jobs.
type Service struct {
	store     Store
	protocols ProtocolSource
	generator *schedule.Generator
	scheduler Scheduler
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service.
func New(st Store, protocols ProtocolSource, gen *schedule.Generator, sched Scheduler, opts ...Option) *Service {
	s := &Service{store: st, protocols: protocols, generator: gen, scheduler: sched, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UpsertUser stores a participant. A zero enrolment date keeps the stored one,
// or is set to now for a new participant.
func (s *Service) UpsertUser(ctx context.Context, u *models.User) error {
	if u.ProjectID == "" || u.SubjectID == "" {
		return fmt.Errorf("project and subject are required")
	}
	if u.EnrolmentDate.IsZero() {
		existing, err := s.store.GetUser(ctx, u.ProjectID, u.SubjectID)
		switch {
		case err == nil:
			u.EnrolmentDate = existing.EnrolmentDate
		case errors.Is(err, store.ErrNotFound):
			u.EnrolmentDate = s.now()
		default:
			return err
		}
	}
	return s.store.UpsertUser(ctx, u)
}

// GetUser returns a participant.
func (s *Service) GetUser(ctx context.Context, projectID, subjectID string) (*models.User, error) {
	return s.store.GetUser(ctx, projectID, subjectID)
}

// RefreshUser regenerates a participant's schedule against its stored tasks,
// stores the new tasks, creates the messages that are new, cancels pending
// messages that are no longer part of the schedule and registers the rest.
func (s *Service) RefreshUser(ctx context.Context, projectID, subjectID string) (*schedule.Schedule, error) {
	user, err := s.store.GetUser(ctx, projectID, subjectID)
	if err != nil {
		return nil, err
	}
	return s.refresh(ctx, user)
}

func (s *Service) refresh(ctx context.Context, user *models.User) (*schedule.Schedule, error) {
	proto, err := s.protocols.ForParticipant(ctx, user.ProjectID, user.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("protocol for %s/%s: %w", user.ProjectID, user.SubjectID, err)
	}
	previous, err := s.store.ListTasks(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	sched, err := s.generator.Generate(ctx, user, proto, schedule.FromTasks(previous))
	if err != nil {
		return nil, err
	}
	if err := s.store.ReplaceTasks(ctx, user.ID, sched.Tasks()); err != nil {
		return nil, err
	}

	now := s.now()
	desired := sched.Messages()
	wanted := make(map[string]bool, len(desired))
	for _, m := range desired {
		m.UserID = user.ID
		m.ProjectID = user.ProjectID
		m.SubjectID = user.SubjectID
		if m.Task != nil && m.Task.ID != 0 {
			id := m.Task.ID
			m.TaskID = &id
		}
		m.MessageKey = m.ComputeKey()
		wanted[m.MessageKey] = true
	}

	existing, err := s.store.ListMessages(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	// Only messages generated for one of the protocol's assessments are
	// candidates for cancellation; manually created messages survive.
	generated := make(map[string]bool, len(sched.AssessmentSchedules))
	for _, as := range sched.AssessmentSchedules {
		generated[as.Name] = true
	}
	var stale, keep []*models.Message
	for _, m := range existing {
		if m.Delivered || !m.ScheduledTime.After(now) {
			continue
		}
		if !generated[m.SourceType] && !wanted[m.MessageKey] {
			continue
		}
		if wanted[m.MessageKey] {
			keep = append(keep, m)
		} else {
			stale = append(stale, m)
		}
	}
	if err := s.deleteMessages(ctx, stale); err != nil {
		return nil, err
	}

	created, err := s.store.CreateMessages(ctx, desired)
	if err != nil {
		return nil, err
	}
	for _, m := range created {
		m.ProjectID = user.ProjectID
		m.SubjectID = user.SubjectID
	}
	n, err := s.scheduler.ScheduleMultiple(ctx, append(created, keep...))
	if err != nil {
		return nil, err
	}
	slog.Info("Service.RefreshUser: schedule refreshed", "project", user.ProjectID, "subject", user.SubjectID,
		"tasks", len(sched.Tasks()), "created", len(created), "cancelled", len(stale), "registered", n)
	return sched, nil
}

// RefreshProject refreshes every participant of a project, or of all
// projects when projectID is empty. One participant failing does not stop
// the others; it returns how many succeeded and the joined failures.
func (s *Service) RefreshProject(ctx context.Context, projectID string) (int, error) {
	users, err := s.store.ListUsers(ctx, projectID)
	if err != nil {
		return 0, err
	}
	errs := make([]error, len(users))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.generator.Workers())
	for i, u := range users {
		eg.Go(func() error {
			if _, err := s.refresh(ctx, u); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Warn("Service.RefreshProject: participant refresh failed",
					"project", u.ProjectID, "subject", u.SubjectID, "error", err)
				errs[i] = fmt.Errorf("%s/%s: %w", u.ProjectID, u.SubjectID, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return 0, err
	}
	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		}
	}
	slog.Info("Service.RefreshProject: done", "project", projectID, "users", len(users), "refreshed", ok)
	return ok, errors.Join(errs...)
}

// RefreshAll refreshes every participant.
func (s *Service) RefreshAll(ctx context.Context) (int, error) {
	return s.RefreshProject(ctx, "")
}

// CompleteTask marks one of a participant's tasks completed.
func (s *Service) CompleteTask(ctx context.Context, projectID, subjectID string, taskID int64, at time.Time) error {
	user, err := s.store.GetUser(ctx, projectID, subjectID)
	if err != nil {
		return err
	}
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.UserID != user.ID {
		return fmt.Errorf("task %d of %s/%s: %w", taskID, projectID, subjectID, store.ErrNotFound)
	}
	if at.IsZero() {
		at = s.now()
	}
	return s.store.CompleteTask(ctx, taskID, at)
}

// ListTasks returns a participant's tasks.
func (s *Service) ListTasks(ctx context.Context, projectID, subjectID string) ([]*models.Task, error) {
	user, err := s.store.GetUser(ctx, projectID, subjectID)
	if err != nil {
		return nil, err
	}
	return s.store.ListTasks(ctx, user.ID)
}
