package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/StudyPush/internal/engine"
	"github.com/BTreeMap/StudyPush/internal/models"
)

type countingListener struct {
	mu          sync.Mutex
	scheduled   int
	unscheduled int
}

func (c *countingListener) JobScheduled(context.Context, engine.Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduled++
}

func (c *countingListener) JobExecuted(context.Context, engine.Job, string, error) {}

func (c *countingListener) JobUnscheduled(context.Context, engine.JobKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unscheduled++
}

func newTestScheduler(t *testing.T) (*MessageScheduler, *engine.Engine, *countingListener) {
	t.Helper()
	e := engine.New(engine.NewMemoryStore())
	l := &countingListener{}
	e.AddListener(l)
	return NewMessageScheduler(e, nil), e, l
}

func message(id int64, at time.Time) *models.Message {
	return &models.Message{
		ID:            id,
		Type:          models.MessageTypeNotification,
		ScheduledTime: at,
		ProjectID:     "radar",
		SubjectID:     "sub1",
	}
}

func TestMessageScheduler_ScheduleTwiceRegistersOnce(t *testing.T) {
	s, e, l := newTestScheduler(t)
	ctx := context.Background()
	m := message(7, time.Now().Add(time.Hour))

	if err := s.Schedule(ctx, m); err != nil {
		t.Fatalf("first Schedule: %v", err)
	}
	if err := s.Schedule(ctx, m); err != nil {
		t.Fatalf("second Schedule: %v", err)
	}
	if l.scheduled != 1 {
		t.Errorf("expected exactly one registration, got %d", l.scheduled)
	}
	job, err := e.GetJob(ctx, "message-jobdetail-sub1-7")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	p, err := DecodePayload(job.PayloadJSON)
	if err != nil {
		t.Fatal(err)
	}
	if p.MessageID != 7 || p.ProjectID != "radar" || p.SubjectID != "sub1" || p.MessageType != models.MessageTypeNotification {
		t.Errorf("unexpected payload %+v", p)
	}
	if job.Misfire != engine.MisfireFireNow || job.Kind != JobKindMessage {
		t.Errorf("unexpected job %+v", job)
	}
}

func TestMessageScheduler_ScheduleMultipleFiltersExisting(t *testing.T) {
	s, _, l := newTestScheduler(t)
	ctx := context.Background()
	at := time.Now().Add(time.Hour)
	if err := s.Schedule(ctx, message(1, at)); err != nil {
		t.Fatal(err)
	}
	n, err := s.ScheduleMultiple(ctx, []*models.Message{message(1, at), message(2, at), message(3, at), message(3, at)})
	if err != nil {
		t.Fatalf("ScheduleMultiple: %v", err)
	}
	if n != 2 || l.scheduled != 3 {
		t.Errorf("expected 2 new registrations (3 total), got n=%d total=%d", n, l.scheduled)
	}
}

func TestMessageScheduler_ScheduleRequiresIdentity(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	m := message(0, time.Now())
	if err := s.Schedule(context.Background(), m); err == nil {
		t.Error("expected an error for a message without id")
	}
}

func TestMessageScheduler_UpdateRequiresExistingRegistration(t *testing.T) {
	s, e, _ := newTestScheduler(t)
	ctx := context.Background()
	m := message(9, time.Now().Add(time.Hour))

	if err := s.UpdateScheduled(ctx, m); !errors.Is(err, ErrNotScheduled) {
		t.Fatalf("expected ErrNotScheduled, got %v", err)
	}
	if err := s.Schedule(ctx, m); err != nil {
		t.Fatal(err)
	}
	newTime := time.Now().Add(3 * time.Hour).UTC().Truncate(time.Second)
	m.ScheduledTime = newTime
	if err := s.UpdateScheduled(ctx, m); err != nil {
		t.Fatalf("UpdateScheduled: %v", err)
	}
	job, err := e.GetJob(ctx, s.JobKey(m))
	if err != nil {
		t.Fatal(err)
	}
	if !job.FireAt.Equal(newTime) {
		t.Errorf("expected fire time %v, got %v", newTime, job.FireAt)
	}
}

func TestMessageScheduler_DeleteIsIdempotent(t *testing.T) {
	s, e, l := newTestScheduler(t)
	ctx := context.Background()
	m := message(5, time.Now().Add(time.Hour))
	if err := s.DeleteScheduled(ctx, m); err != nil {
		t.Fatalf("delete of unregistered message: %v", err)
	}
	if err := s.Schedule(ctx, m); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteScheduledMultiple(ctx, []*models.Message{m, message(6, time.Now())}); err != nil {
		t.Fatalf("DeleteScheduledMultiple: %v", err)
	}
	if ok, _ := e.CheckExists(ctx, s.JobKey(m)); ok {
		t.Error("expected job to be removed")
	}
	if l.unscheduled != 1 {
		t.Errorf("expected one unscheduled event, got %d", l.unscheduled)
	}
	if err := s.DeleteScheduled(ctx, m); err != nil {
		t.Errorf("second delete: %v", err)
	}
}
