package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/StudyPush/internal/engine"
	"github.com/BTreeMap/StudyPush/internal/models"
)

var ErrNotScheduled = errors.New("message is not scheduled")

// JobKindMessage is the engine job kind of message deliveries.
const JobKindMessage = "message"

// Payload is the engine job payload of a message job.
type Payload struct {
	MessageType models.MessageType `json:"messageType"`
	MessageID   int64              `json:"messageId"`
	ProjectID   string             `json:"projectId"`
	SubjectID   string             `json:"subjectId"`
}

// DecodePayload parses a message job payload.
func DecodePayload(data string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return p, fmt.Errorf("decoding message payload: %w", err)
	}
	return p, nil
}

// Engine is the part of the execution engine the MessageScheduler uses.
type Engine interface {
	ScheduleJob(ctx context.Context, job *engine.Job) error
	ScheduleJobs(ctx context.Context, jobs []*engine.Job) error
	CheckExists(ctx context.Context, key engine.JobKey) (bool, error)
	ExistingJobKeys(ctx context.Context, keys []engine.JobKey) (map[engine.JobKey]bool, error)
	CheckTriggerExists(ctx context.Context, key engine.TriggerKey) (bool, error)
	RescheduleJob(ctx context.Context, key engine.TriggerKey, fireAt time.Time) error
	DeleteJobs(ctx context.Context, keys []engine.JobKey) (int, error)
}

// MessageScheduler registers, moves and cancels message jobs.
type MessageScheduler struct {
	engine Engine
	naming NamingStrategy
}

// NewMessageScheduler creates a MessageScheduler. A nil naming uses
// MessageNaming.
func NewMessageScheduler(e Engine, naming NamingStrategy) *MessageScheduler {
	if naming == nil {
		naming = MessageNaming{}
	}
	return &MessageScheduler{engine: e, naming: naming}
}

// Naming returns the naming strategy in use.
func (s *MessageScheduler) Naming() NamingStrategy {
	return s.naming
}

// JobKey returns the job key of m.
func (s *MessageScheduler) JobKey(m *models.Message) engine.JobKey {
	return s.naming.JobKey(m.SubjectID, m.ID)
}

func (s *MessageScheduler) job(m *models.Message) (*engine.Job, error) {
	if m.ID == 0 || m.SubjectID == "" {
		return nil, fmt.Errorf("message needs an id and a subject to be scheduled (id=%d)", m.ID)
	}
	payload, err := json.Marshal(Payload{
		MessageType: m.Type,
		MessageID:   m.ID,
		ProjectID:   m.ProjectID,
		SubjectID:   m.SubjectID,
	})
	if err != nil {
		return nil, err
	}
	return &engine.Job{
		Key:         s.naming.JobKey(m.SubjectID, m.ID),
		Trigger:     s.naming.TriggerKey(m.SubjectID, m.ID),
		Kind:        JobKindMessage,
		PayloadJSON: string(payload),
		FireAt:      m.ScheduledTime,
		Misfire:     engine.MisfireFireNow,
	}, nil
}

// Schedule registers m. It does nothing if m is already registered.
func (s *MessageScheduler) Schedule(ctx context.Context, m *models.Message) error {
	job, err := s.job(m)
	if err != nil {
		return err
	}
	exists, err := s.engine.CheckExists(ctx, job.Key)
	if err != nil {
		return fmt.Errorf("check job %s: %w", job.Key, err)
	}
	if exists {
		slog.Debug("MessageScheduler.Schedule: already scheduled", "key", job.Key)
		return nil
	}
	err = s.engine.ScheduleJob(ctx, job)
	if errors.Is(err, engine.ErrJobExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("schedule message %d: %w", m.ID, err)
	}
	return nil
}

// ScheduleMultiple registers every message that is not registered yet and
// returns how many were registered.
func (s *MessageScheduler) ScheduleMultiple(ctx context.Context, msgs []*models.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	jobs := make([]*engine.Job, 0, len(msgs))
	keys := make([]engine.JobKey, 0, len(msgs))
	seen := make(map[engine.JobKey]bool, len(msgs))
	for _, m := range msgs {
		job, err := s.job(m)
		if err != nil {
			return 0, err
		}
		if seen[job.Key] {
			continue
		}
		seen[job.Key] = true
		jobs = append(jobs, job)
		keys = append(keys, job.Key)
	}
	existing, err := s.engine.ExistingJobKeys(ctx, keys)
	if err != nil {
		return 0, fmt.Errorf("check existing jobs: %w", err)
	}
	pending := jobs[:0]
	for _, job := range jobs {
		if !existing[job.Key] {
			pending = append(pending, job)
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}
	err = s.engine.ScheduleJobs(ctx, pending)
	if errors.Is(err, engine.ErrJobExists) {
		// Lost a race with another registration; fall back to one by one.
		n := 0
		for _, job := range pending {
			err := s.engine.ScheduleJob(ctx, job)
			if errors.Is(err, engine.ErrJobExists) {
				continue
			}
			if err != nil {
				return n, err
			}
			n++
		}
		return n, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schedule messages: %w", err)
	}
	slog.Debug("MessageScheduler.ScheduleMultiple: scheduled", "requested", len(msgs), "scheduled", len(pending))
	return len(pending), nil
}

// UpdateScheduled moves an existing registration to m's scheduled time. Both
// the job and its trigger must exist; otherwise it returns ErrNotScheduled.
func (s *MessageScheduler) UpdateScheduled(ctx context.Context, m *models.Message) error {
	jobKey := s.naming.JobKey(m.SubjectID, m.ID)
	triggerKey := s.naming.TriggerKey(m.SubjectID, m.ID)
	exists, err := s.engine.CheckExists(ctx, jobKey)
	if err != nil {
		return fmt.Errorf("check job %s: %w", jobKey, err)
	}
	if !exists {
		return fmt.Errorf("%w: job %s", ErrNotScheduled, jobKey)
	}
	exists, err = s.engine.CheckTriggerExists(ctx, triggerKey)
	if err != nil {
		return fmt.Errorf("check trigger %s: %w", triggerKey, err)
	}
	if !exists {
		return fmt.Errorf("%w: trigger %s", ErrNotScheduled, triggerKey)
	}
	if err := s.engine.RescheduleJob(ctx, triggerKey, m.ScheduledTime); err != nil {
		if errors.Is(err, engine.ErrTriggerNotFound) {
			return fmt.Errorf("%w: trigger %s", ErrNotScheduled, triggerKey)
		}
		return fmt.Errorf("reschedule message %d: %w", m.ID, err)
	}
	return nil
}

// DeleteScheduled cancels m's registration. Absence is not an error.
func (s *MessageScheduler) DeleteScheduled(ctx context.Context, m *models.Message) error {
	return s.DeleteScheduledMultiple(ctx, []*models.Message{m})
}

// DeleteScheduledMultiple cancels the registrations of msgs.
func (s *MessageScheduler) DeleteScheduledMultiple(ctx context.Context, msgs []*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	keys := make([]engine.JobKey, 0, len(msgs))
	for _, m := range msgs {
		keys = append(keys, s.naming.JobKey(m.SubjectID, m.ID))
	}
	n, err := s.engine.DeleteJobs(ctx, keys)
	if err != nil {
		return fmt.Errorf("delete jobs: %w", err)
	}
	slog.Debug("MessageScheduler.DeleteScheduledMultiple: unscheduled", "requested", len(keys), "deleted", n)
	return nil
}
