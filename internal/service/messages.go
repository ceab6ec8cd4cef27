package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/StudyPush/internal/models"
	"github.com/BTreeMap/StudyPush/internal/store"
)

// ListMessages returns a participant's messages.
func (s *Service) ListMessages(ctx context.Context, projectID, subjectID string) ([]*models.Message, error) {
	user, err := s.store.GetUser(ctx, projectID, subjectID)
	if err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, user.ID)
}

// GetMessage returns one of a participant's messages.
func (s *Service) GetMessage(ctx context.Context, projectID, subjectID string, id int64) (*models.Message, error) {
	m, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.ProjectID != projectID || m.SubjectID != subjectID {
		return nil, fmt.Errorf("message %d of %s/%s: %w", id, projectID, subjectID, store.ErrNotFound)
	}
	return m, nil
}

// CreateMessage stores a message for a participant and registers it. It
// returns store.ErrDuplicate when identical content is already scheduled at
// the same time.
func (s *Service) CreateMessage(ctx context.Context, projectID, subjectID string, m *models.Message) error {
	user, err := s.store.GetUser(ctx, projectID, subjectID)
	if err != nil {
		return err
	}
	m.ID = 0
	m.UserID = user.ID
	m.MessageKey = ""
	m.Delivered = false
	m.ProjectID, m.SubjectID = user.ProjectID, user.SubjectID
	if err := s.store.CreateMessage(ctx, m); err != nil {
		return err
	}
	if err := s.scheduler.Schedule(ctx, m); err != nil {
		return fmt.Errorf("message %d stored but not scheduled: %w", m.ID, err)
	}
	return nil
}

// UpdateMessage replaces the content and time of a pending message and moves
// its registration. The message must still be registered.
func (s *Service) UpdateMessage(ctx context.Context, projectID, subjectID string, m *models.Message) error {
	current, err := s.GetMessage(ctx, projectID, subjectID, m.ID)
	if err != nil {
		return err
	}
	if current.Delivered {
		return fmt.Errorf("message %d: %w", m.ID, ErrAlreadyDelivered)
	}
	m.UserID = current.UserID
	m.TaskID = current.TaskID
	m.ProjectID, m.SubjectID = current.ProjectID, current.SubjectID
	if err := s.scheduler.UpdateScheduled(ctx, m); err != nil {
		return err
	}
	if err := s.store.UpdateMessage(ctx, m); err != nil {
		return err
	}
	m.CreatedAt = current.CreatedAt
	return nil
}

// DeleteMessage cancels a message's registration, then deletes it.
func (s *Service) DeleteMessage(ctx context.Context, projectID, subjectID string, id int64) error {
	m, err := s.GetMessage(ctx, projectID, subjectID, id)
	if err != nil {
		return err
	}
	return s.deleteMessages(ctx, []*models.Message{m})
}

// DeleteAllMessages cancels and deletes every message of a participant.
func (s *Service) DeleteAllMessages(ctx context.Context, projectID, subjectID string) (int, error) {
	msgs, err := s.ListMessages(ctx, projectID, subjectID)
	if err != nil {
		return 0, err
	}
	if err := s.deleteMessages(ctx, msgs); err != nil {
		return 0, err
	}
	return len(msgs), nil
}

// deleteMessages unregisters msgs before removing their rows.
func (s *Service) deleteMessages(ctx context.Context, msgs []*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := s.scheduler.DeleteScheduledMultiple(ctx, msgs); err != nil {
		return fmt.Errorf("cancel messages: %w", err)
	}
	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	n, err := s.store.DeleteMessages(ctx, ids)
	if err != nil {
		return err
	}
	slog.Debug("Service.deleteMessages: deleted", "requested", len(ids), "deleted", n)
	return nil
}
