package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/StudyPush/internal/engine"
	"github.com/BTreeMap/StudyPush/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewSQLiteStore(WithDSN(filepath.Join(t.TempDir(), "nested", "studypush.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func getenvOrSkip(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}

func mustUser(t *testing.T, s *Store, project, subject string) *models.User {
	t.Helper()
	u := &models.User{
		ProjectID:     project,
		SubjectID:     subject,
		EnrolmentDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Timezone:      "Europe/Amsterdam",
		Language:      "nl",
		PhoneNumber:   "+31600000000",
	}
	if err := s.UpsertUser(context.Background(), u); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	return u
}

func TestIsPostgresDSN(t *testing.T) {
	cases := map[string]bool{
		"postgres://u:p@localhost/db": true,
		"postgresql://localhost/db":   true,
		"host=localhost dbname=x":     true,
		"/var/lib/studypush/state.db": false,
		"file:test.db?cache=shared":   false,
	}
	for dsn, want := range cases {
		if got := IsPostgresDSN(dsn); got != want {
			t.Errorf("IsPostgresDSN(%q) = %v, want %v", dsn, got, want)
		}
	}
}

func TestSQLiteDSNParams(t *testing.T) {
	if got := sqliteDSN("a.db"); got != "a.db?_foreign_keys=on&_busy_timeout=5000" {
		t.Errorf("unexpected dsn %q", got)
	}
	if got := sqliteDSN("a.db?_fk=1&_timeout=10"); got != "a.db?_fk=1&_timeout=10" {
		t.Errorf("expected explicit params to be kept, got %q", got)
	}
}

func TestStore_Users(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustUser(t, s, "radar", "s1")
	if u.ID == 0 {
		t.Fatal("expected an id")
	}

	u2 := &models.User{ProjectID: "radar", SubjectID: "s1", EnrolmentDate: u.EnrolmentDate, Timezone: "UTC"}
	if err := s.UpsertUser(ctx, u2); err != nil {
		t.Fatalf("second UpsertUser: %v", err)
	}
	if u2.ID != u.ID {
		t.Errorf("expected upsert to keep id %d, got %d", u.ID, u2.ID)
	}
	got, err := s.GetUser(ctx, "radar", "s1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.Timezone != "UTC" || !got.EnrolmentDate.Equal(u.EnrolmentDate) {
		t.Errorf("unexpected user %+v", got)
	}
	if _, err := s.GetUser(ctx, "radar", "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	mustUser(t, s, "other", "s2")
	all, err := s.ListUsers(ctx, "")
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 users, got %d (%v)", len(all), err)
	}
	radar, err := s.ListUsers(ctx, "radar")
	if err != nil || len(radar) != 1 {
		t.Fatalf("expected 1 radar user, got %d (%v)", len(radar), err)
	}
	if byID, err := s.GetUserByID(ctx, u.ID); err != nil || byID.SubjectID != "s1" {
		t.Errorf("GetUserByID: %+v %v", byID, err)
	}
}

func TestStore_ReplaceTasksKeepsIdentifiedTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustUser(t, s, "radar", "s1")
	base := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)

	first := []*models.Task{
		{Name: "PHQ8", Timestamp: base, CompletionWindow: 24 * time.Hour, Timezone: "UTC", ShowInCalendar: true},
		{Name: "PHQ8", Timestamp: base.AddDate(0, 0, 7), CompletionWindow: 24 * time.Hour, Timezone: "UTC"},
	}
	if err := s.ReplaceTasks(ctx, u.ID, first); err != nil {
		t.Fatalf("ReplaceTasks: %v", err)
	}
	if first[0].ID == 0 || first[1].ID == 0 {
		t.Fatal("expected ids to be assigned")
	}
	doneAt := base.Add(time.Hour)
	if err := s.CompleteTask(ctx, first[0].ID, doneAt); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	completed, err := s.GetTask(ctx, first[0].ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if !completed.Completed || completed.TimeCompleted == nil || !completed.TimeCompleted.Equal(doneAt) {
		t.Errorf("unexpected completed task %+v", completed)
	}
	if completed.CompletionWindow != 24*time.Hour || !completed.ShowInCalendar {
		t.Errorf("task fields did not round-trip: %+v", completed)
	}

	second := []*models.Task{
		completed,
		{Name: "PHQ8", Timestamp: base.AddDate(0, 0, 14), CompletionWindow: 24 * time.Hour, Timezone: "UTC"},
	}
	if err := s.ReplaceTasks(ctx, u.ID, second); err != nil {
		t.Fatalf("second ReplaceTasks: %v", err)
	}
	tasks, err := s.ListTasks(ctx, u.ID)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != first[0].ID || !tasks[1].Timestamp.Equal(base.AddDate(0, 0, 14)) {
		t.Errorf("unexpected tasks after replace: %+v", tasks)
	}
	if _, err := s.GetTask(ctx, first[1].ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected replaced task to be deleted, got %v", err)
	}
}

func testMessage(userID int64, at time.Time, title string) *models.Message {
	return &models.Message{
		Type:          models.MessageTypeNotification,
		UserID:        userID,
		ScheduledTime: at,
		TTLSeconds:    3600,
		Priority:      models.PriorityHigh,
		SourceType:    "PHQ8",
		Title:         title,
		Data:          map[string]string{"questionnaire": "PHQ8"},
	}
}

func TestStore_MessagesDedupeByContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustUser(t, s, "radar", "s1")
	at := time.Now().Add(time.Hour).Truncate(time.Second)

	created, err := s.CreateMessages(ctx, []*models.Message{
		testMessage(u.ID, at, "a"),
		testMessage(u.ID, at, "a"),
		testMessage(u.ID, at, "b"),
	})
	if err != nil {
		t.Fatalf("CreateMessages: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("expected identical content to collapse, created %d", len(created))
	}
	if err := s.CreateMessage(ctx, testMessage(u.ID, at, "b")); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}

	msgs, err := s.ListMessages(ctx, u.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	m := msgs[0]
	if m.ProjectID != "radar" || m.SubjectID != "s1" || m.Data["questionnaire"] != "PHQ8" || !m.ScheduledTime.Equal(at) {
		t.Errorf("message did not round-trip: %+v", m)
	}

	m.Title = "changed"
	oldKey := m.MessageKey
	if err := s.UpdateMessage(ctx, m); err != nil {
		t.Fatalf("UpdateMessage: %v", err)
	}
	if m.MessageKey == oldKey {
		t.Error("expected the content identity to change with the content")
	}
	m.Title = "b"
	if err := s.UpdateMessage(ctx, m); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate when colliding with another message, got %v", err)
	}
}

func TestStore_DeliveryAndPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustUser(t, s, "radar", "s1")
	now := time.Now()

	past := testMessage(u.ID, now.Add(-time.Hour), "past")
	future := testMessage(u.ID, now.Add(time.Hour), "future")
	delivered := testMessage(u.ID, now.Add(2*time.Hour), "delivered")
	for _, m := range []*models.Message{past, future, delivered} {
		if err := s.CreateMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.MarkDelivered(ctx, delivered.ID, "SM123"); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	byProvider, err := s.GetMessageByProviderID(ctx, "SM123")
	if err != nil || byProvider.ID != delivered.ID || !byProvider.Delivered {
		t.Fatalf("GetMessageByProviderID: %+v %v", byProvider, err)
	}

	pending, err := s.ListPendingMessages(ctx, now)
	if err != nil {
		t.Fatalf("ListPendingMessages: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != future.ID {
		t.Errorf("expected only the future undelivered message, got %+v", pending)
	}

	n, err := s.DeleteMessages(ctx, []int64{past.ID, future.ID, 9999})
	if err != nil || n != 2 {
		t.Errorf("DeleteMessages: %d %v", n, err)
	}
	if _, err := s.GetMessage(ctx, past.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_ListPendingMessagesSkipsFiredMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustUser(t, s, "radar", "s1")
	now := time.Now()

	waiting := testMessage(u.ID, now.Add(time.Hour), "waiting")
	executed := testMessage(u.ID, now.Add(2*time.Hour), "executed")
	errored := testMessage(u.ID, now.Add(3*time.Hour), "errored")
	for _, m := range []*models.Message{waiting, executed, errored} {
		if err := s.CreateMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	events := []*models.MessageStateEvent{
		{MessageID: waiting.ID, State: models.MessageStateScheduled, Time: now},
		{MessageID: executed.ID, State: models.MessageStateScheduled, Time: now},
		{MessageID: executed.ID, State: models.MessageStateExecuted, Time: now},
		{MessageID: errored.ID, State: models.MessageStateErrored, Time: now},
	}
	for _, ev := range events {
		if err := s.AppendStateEvent(ctx, ev); err != nil {
			t.Fatalf("AppendStateEvent: %v", err)
		}
	}

	pending, err := s.ListPendingMessages(ctx, now)
	if err != nil {
		t.Fatalf("ListPendingMessages: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != waiting.ID {
		t.Errorf("expected only the message that never fired, got %+v", pending)
	}
}

func TestStore_StateEventCap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustUser(t, s, "radar", "s1")
	m := testMessage(u.ID, time.Now(), "capped")
	if err := s.CreateMessage(ctx, m); err != nil {
		t.Fatal(err)
	}

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < models.MaxStateEvents; i++ {
		ev := &models.MessageStateEvent{MessageID: m.ID, State: models.MessageStateDelivered, Time: base.Add(time.Duration(i) * time.Second)}
		ok, err := s.AppendStateEventCapped(ctx, ev, models.MaxStateEvents)
		if err != nil || !ok {
			t.Fatalf("append %d: ok=%v err=%v", i+1, ok, err)
		}
	}
	ok, err := s.AppendStateEventCapped(ctx, &models.MessageStateEvent{MessageID: m.ID, State: models.MessageStateOpened, Time: base}, models.MaxStateEvents)
	if err != nil || ok {
		t.Fatalf("expected the 21st append to be refused, ok=%v err=%v", ok, err)
	}
	if n, _ := s.CountStateEvents(ctx, m.ID); n != models.MaxStateEvents {
		t.Errorf("expected %d events, got %d", models.MaxStateEvents, n)
	}
	if _, err := s.AppendStateEventCapped(ctx, &models.MessageStateEvent{MessageID: 9999, State: models.MessageStateOpened, Time: base}, 20); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for a missing message, got %v", err)
	}

	info := &models.MessageStateEvent{MessageID: m.ID, State: models.MessageStateErrored, Time: base.Add(time.Hour),
		AssociatedInfo: map[string]string{models.InfoError: "boom"}}
	if err := s.AppendStateEvent(ctx, info); err != nil {
		t.Fatalf("AppendStateEvent: %v", err)
	}
	events, err := s.ListStateEvents(ctx, m.ID)
	if err != nil {
		t.Fatalf("ListStateEvents: %v", err)
	}
	last := events[len(events)-1]
	if last.State != models.MessageStateErrored || last.AssociatedInfo[models.InfoError] != "boom" {
		t.Errorf("unexpected last event %+v", last)
	}

	if _, err := s.DeleteMessages(ctx, []int64{m.ID}); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.CountStateEvents(ctx, m.ID); n != 0 {
		t.Errorf("expected events to be deleted with their message, got %d", n)
	}
}

func TestStore_EngineJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	e := engine.New(s, engine.WithClock(func() time.Time { return now }), engine.WithMaxAttempts(2))

	var fired []engine.JobKey
	fail := true
	e.RegisterHandler("message", func(_ context.Context, j engine.Job) error {
		fired = append(fired, j.Key)
		if fail {
			fail = false
			return errors.New("transient")
		}
		return nil
	})

	job := &engine.Job{Key: "message-jobdetail-s1-1", Trigger: "message-trigger-s1-1", Kind: "message",
		PayloadJSON: `{"messageId":1}`, FireAt: now.Add(time.Hour)}
	if err := e.ScheduleJob(ctx, job); err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}
	dup := *job
	if err := e.ScheduleJob(ctx, &dup); !errors.Is(err, engine.ErrJobExists) {
		t.Fatalf("expected ErrJobExists, got %v", err)
	}
	if ok, err := e.CheckExists(ctx, job.Key); err != nil || !ok {
		t.Fatalf("CheckExists: %v %v", ok, err)
	}
	if ok, _ := e.CheckTriggerExists(ctx, job.Trigger); !ok {
		t.Fatal("expected trigger to exist")
	}
	if err := e.RescheduleJob(ctx, "message-trigger-none", now); !errors.Is(err, engine.ErrTriggerNotFound) {
		t.Fatalf("expected ErrTriggerNotFound, got %v", err)
	}
	if err := e.RescheduleJob(ctx, job.Trigger, now.Add(-time.Minute)); err != nil {
		t.Fatalf("RescheduleJob: %v", err)
	}

	if n := e.Poll(ctx); n != 1 {
		t.Fatalf("expected one firing, got %d", n)
	}
	stored, err := e.GetJob(ctx, job.Key)
	if err != nil {
		t.Fatalf("expected retry to keep the job: %v", err)
	}
	if stored.Attempt != 1 || stored.Status != engine.JobStatusQueued || stored.LastError != "transient" {
		t.Errorf("unexpected job after failure: %+v", stored)
	}

	now = now.Add(time.Hour)
	if n := e.Poll(ctx); n != 1 {
		t.Fatalf("expected the retry to fire, got %d", n)
	}
	if ok, _ := e.CheckExists(ctx, job.Key); ok {
		t.Error("expected completed job to be removed")
	}
	if len(fired) != 2 {
		t.Errorf("expected two executions, got %d", len(fired))
	}

	other := &engine.Job{Key: "k2", Trigger: "t2", Kind: "message", FireAt: now}
	if err := e.ScheduleJob(ctx, other); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimDueJobs(ctx, now, 10); err != nil {
		t.Fatal(err)
	}
	if n, err := s.RequeueStaleRunningJobs(ctx, now.Add(time.Minute)); err != nil || n != 1 {
		t.Errorf("RequeueStaleRunningJobs: %d %v", n, err)
	}
	deleted, err := e.DeleteJobs(ctx, []engine.JobKey{"k2", "missing"})
	if err != nil || deleted != 1 {
		t.Errorf("DeleteJobs: %d %v", deleted, err)
	}
}

func TestPostgresStore(t *testing.T) {
	// Requires a running PostgreSQL instance.
	dsn := getenvOrSkip(t, "TEST_DATABASE_URL")
	s, err := NewPostgresStore(WithDSN(dsn))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	s.db.ExecContext(ctx, "DELETE FROM users WHERE project_id = 'pgtest'")
	u := mustUser(t, s, "pgtest", "s1")
	m := testMessage(u.ID, time.Now().Add(time.Hour), "pg")
	if err := s.CreateMessage(ctx, m); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	ok, err := s.AppendStateEventCapped(ctx, &models.MessageStateEvent{MessageID: m.ID, State: models.MessageStateDelivered, Time: time.Now()}, 20)
	if err != nil || !ok {
		t.Fatalf("AppendStateEventCapped: %v %v", ok, err)
	}
	if err := s.DeleteUser(ctx, u.ID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
}
