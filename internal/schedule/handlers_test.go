package schedule

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/BTreeMap/StudyPush/internal/models"
	"github.com/BTreeMap/StudyPush/internal/protocol"
)

func intPtr(n int) *int { return &n }

func dayPtr(d string) *protocol.DayOfWeek {
	dd := protocol.DayOfWeek(d)
	return &dd
}

func participant(t *testing.T, tz string, now time.Time) *Participant {
	t.Helper()
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			t.Skipf("timezone %s not available: %v", tz, err)
		}
		loc = l
	}
	return &Participant{
		User:     &models.User{ID: 7, ProjectID: "radar", SubjectID: "s1", Timezone: tz, Language: "en"},
		Location: loc,
		Now:      now,
		Rand:     rand.New(rand.NewPCG(1, 2)),
	}
}

func runChain(t *testing.T, a *protocol.Assessment, p *Participant) AssessmentSchedule {
	t.Helper()
	g := NewGenerator()
	s, err := g.run(a, p)
	if err != nil {
		t.Fatalf("run chain: %v", err)
	}
	return s
}

func TestRepeat_DailyFromAnchor(t *testing.T) {
	a := &protocol.Assessment{
		Name: "PHQ8",
		Protocol: protocol.AssessmentProtocol{
			RepeatProtocol:     &protocol.RepeatProtocol{Unit: protocol.UnitDay, Amount: intPtr(1)},
			ReferenceTimestamp: &protocol.ReferenceTimestamp{Format: protocol.ReferenceDateTimeUTC, Timestamp: "2024-01-01T00:00:00Z"},
		},
	}
	p := participant(t, "", time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC))
	p.MaxOccurrences = 5

	s := runChain(t, a, p)
	if len(s.Tasks) != 5 {
		t.Fatalf("expected 5 tasks, got %d", len(s.Tasks))
	}
	anchorTime := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, task := range s.Tasks {
		want := anchorTime.Add(time.Duration(i) * 24 * time.Hour)
		if !task.Timestamp.Equal(want) {
			t.Errorf("task %d: expected %v, got %v", i, want, task.Timestamp)
		}
		if task.Name != "PHQ8" || task.Timezone != "UTC" || task.CompletionWindow != 24*time.Hour {
			t.Errorf("task %d has unexpected fields: %+v", i, task)
		}
	}
	if len(s.Notifications) != 5 {
		t.Errorf("expected 5 notifications, got %d", len(s.Notifications))
	}
}

func TestRepeat_PlanLengthBoundsExpansion(t *testing.T) {
	a := &protocol.Assessment{
		Name: "Weekly",
		Protocol: protocol.AssessmentProtocol{
			RepeatProtocol:     &protocol.RepeatProtocol{Unit: protocol.UnitWeek, Amount: intPtr(1)},
			ReferenceTimestamp: &protocol.ReferenceTimestamp{Format: protocol.ReferenceDate, Timestamp: "2024-01-01"},
		},
	}
	p := participant(t, "", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	p.PlanLength = 28 * 24 * time.Hour

	s := runChain(t, a, p)
	if len(s.Tasks) != 4 {
		t.Fatalf("expected 4 weekly tasks in 28 days, got %d", len(s.Tasks))
	}
}

func TestRepeat_KeepsWallClockAcrossDST(t *testing.T) {
	a := &protocol.Assessment{
		Name: "Daily",
		Protocol: protocol.AssessmentProtocol{
			RepeatProtocol:     &protocol.RepeatProtocol{Unit: protocol.UnitDay, Amount: intPtr(1)},
			ReferenceTimestamp: &protocol.ReferenceTimestamp{Format: protocol.ReferenceDateTime, Timestamp: "2024-03-29T09:00:00"},
		},
	}
	p := participant(t, "Europe/Amsterdam", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	p.MaxOccurrences = 4

	s := runChain(t, a, p)
	if len(s.Tasks) != 4 {
		t.Fatalf("expected 4 tasks, got %d", len(s.Tasks))
	}
	for i, task := range s.Tasks {
		if h := task.Timestamp.In(p.Location).Hour(); h != 9 {
			t.Errorf("task %d: expected 09:00 local, got hour %d", i, h)
		}
	}
	if gap := s.Tasks[3].Timestamp.Sub(s.Tasks[2].Timestamp); gap != 24*time.Hour {
		t.Errorf("expected 24h after the transition, got %v", gap)
	}
	if gap := s.Tasks[2].Timestamp.Sub(s.Tasks[1].Timestamp); gap != 23*time.Hour {
		t.Errorf("expected 23h across the transition, got %v", gap)
	}
}

func TestRepeat_DayOfWeek(t *testing.T) {
	a := &protocol.Assessment{
		Name: "Wednesday",
		Protocol: protocol.AssessmentProtocol{
			RepeatProtocol: &protocol.RepeatProtocol{Unit: protocol.UnitWeek, Amount: intPtr(1), DayOfWeek: dayPtr("WEDNESDAY")},
			// 2024-01-01 is a Monday.
			ReferenceTimestamp: &protocol.ReferenceTimestamp{Format: protocol.ReferenceDate, Timestamp: "2024-01-01"},
		},
	}
	p := participant(t, "", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	p.MaxOccurrences = 3

	s := runChain(t, a, p)
	want := []time.Time{
		time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 17, 0, 0, 0, 0, time.UTC),
	}
	if len(s.Tasks) != len(want) {
		t.Fatalf("expected %d tasks, got %d", len(want), len(s.Tasks))
	}
	for i := range want {
		if !s.Tasks[i].Timestamp.Equal(want[i]) {
			t.Errorf("task %d: expected %v, got %v", i, want[i], s.Tasks[i].Timestamp)
		}
	}
}

func TestQuestionnaire_Offsets(t *testing.T) {
	a := &protocol.Assessment{
		Name: "EMA",
		Protocol: protocol.AssessmentProtocol{
			RepeatProtocol:      &protocol.RepeatProtocol{Unit: protocol.UnitDay, Amount: intPtr(1)},
			RepeatQuestionnaire: &protocol.RepeatQuestionnaire{Unit: protocol.UnitHour, UnitsFromZero: []int{18, 9}},
			ReferenceTimestamp:  &protocol.ReferenceTimestamp{Format: protocol.ReferenceDate, Timestamp: "2024-01-01"},
		},
	}
	p := participant(t, "", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	p.MaxOccurrences = 2

	s := runChain(t, a, p)
	want := []time.Time{
		time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 18, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 2, 18, 0, 0, 0, time.UTC),
	}
	if len(s.Tasks) != len(want) {
		t.Fatalf("expected %d tasks, got %d", len(want), len(s.Tasks))
	}
	for i := range want {
		if !s.Tasks[i].Timestamp.Equal(want[i]) {
			t.Errorf("task %d: expected %v, got %v", i, want[i], s.Tasks[i].Timestamp)
		}
	}
}

func TestQuestionnaire_RandomOffsetsStayInRange(t *testing.T) {
	a := &protocol.Assessment{
		Name: "Random",
		Protocol: protocol.AssessmentProtocol{
			RepeatProtocol:      &protocol.RepeatProtocol{Unit: protocol.UnitDay, Amount: intPtr(1)},
			RepeatQuestionnaire: &protocol.RepeatQuestionnaire{Unit: protocol.UnitMinute, RandomUnitsFromZeroBetween: [][]int{{540, 600}, {1080, 1140}}},
			ReferenceTimestamp:  &protocol.ReferenceTimestamp{Format: protocol.ReferenceDate, Timestamp: "2024-01-01"},
		},
	}
	p := participant(t, "", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	p.MaxOccurrences = 10

	s := runChain(t, a, p)
	if len(s.Tasks) != 20 {
		t.Fatalf("expected 20 tasks, got %d", len(s.Tasks))
	}
	for i, task := range s.Tasks {
		mins := task.Timestamp.Hour()*60 + task.Timestamp.Minute()
		inMorning := mins >= 540 && mins <= 600
		inEvening := mins >= 1080 && mins <= 1140
		if !inMorning && !inEvening {
			t.Errorf("task %d at %v is outside both ranges", i, task.Timestamp)
		}
	}
}

func TestQuestionnaire_DayOfWeekMap(t *testing.T) {
	a := &protocol.Assessment{
		Name: "Mapped",
		Protocol: protocol.AssessmentProtocol{
			RepeatProtocol: &protocol.RepeatProtocol{Unit: protocol.UnitDay, Amount: intPtr(1)},
			RepeatQuestionnaire: &protocol.RepeatQuestionnaire{DayOfWeekMap: map[protocol.DayOfWeek]*protocol.RepeatQuestionnaire{
				"MONDAY": {Unit: protocol.UnitHour, UnitsFromZero: []int{9}},
				"fri":    {Unit: protocol.UnitHour, UnitsFromZero: []int{12, 15}},
			}},
			ReferenceTimestamp: &protocol.ReferenceTimestamp{Format: protocol.ReferenceDate, Timestamp: "2024-01-01"},
		},
	}
	p := participant(t, "", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	p.MaxOccurrences = 7

	s := runChain(t, a, p)
	want := []time.Time{
		time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 5, 15, 0, 0, 0, time.UTC),
	}
	if len(s.Tasks) != len(want) {
		t.Fatalf("expected %d tasks, got %d", len(want), len(s.Tasks))
	}
	for i := range want {
		if !s.Tasks[i].Timestamp.Equal(want[i]) {
			t.Errorf("task %d: expected %v, got %v", i, want[i], s.Tasks[i].Timestamp)
		}
	}
}

func TestNotifications_SkipExpiredAndLocalise(t *testing.T) {
	a := &protocol.Assessment{
		Name:                    "PHQ8",
		EstimatedCompletionTime: 5,
		Protocol: protocol.AssessmentProtocol{
			RepeatProtocol:     &protocol.RepeatProtocol{Unit: protocol.UnitDay, Amount: intPtr(1)},
			ReferenceTimestamp: &protocol.ReferenceTimestamp{Format: protocol.ReferenceDate, Timestamp: "2024-01-01"},
			CompletionWindow:   &protocol.TimePeriod{Unit: protocol.UnitHour, Amount: 12},
			Notification: protocol.NotificationProtocol{
				Title: &protocol.LanguageText{En: "Time", Nl: "Tijd"},
			},
		},
	}
	// Day one's window closes at 12:00, which is before now.
	p := participant(t, "", time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC))
	p.MaxOccurrences = 3
	p.User.Language = "nl"

	s := runChain(t, a, p)
	if len(s.Tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(s.Tasks))
	}
	if len(s.Notifications) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(s.Notifications))
	}
	n := s.Notifications[0]
	if n.Title != "Tijd" {
		t.Errorf("expected Dutch title, got %q", n.Title)
	}
	if n.Body != "" {
		t.Errorf("expected empty body for a language without default text, got %q", n.Body)
	}
	if n.TTLSeconds != 12*3600 {
		t.Errorf("expected ttl of the completion window, got %d", n.TTLSeconds)
	}
	if n.Task != s.Tasks[1] {
		t.Error("expected notification to reference its task")
	}

	p.User.Language = "en"
	s = runChain(t, a, p)
	if got := s.Notifications[0].Body; got != "Won't usually take longer than 5 minutes" {
		t.Errorf("unexpected default body %q", got)
	}

	p.User.Language = "xx"
	s = runChain(t, a, p)
	if got := s.Notifications[0].Title; got != "" {
		t.Errorf("expected empty title for unknown language, got %q", got)
	}
}

func TestNotifications_DisabledModeYieldsNone(t *testing.T) {
	a := &protocol.Assessment{
		Name: "Silent",
		Protocol: protocol.AssessmentProtocol{
			RepeatProtocol:     &protocol.RepeatProtocol{Unit: protocol.UnitDay, Amount: intPtr(1)},
			ReferenceTimestamp: &protocol.ReferenceTimestamp{Format: protocol.ReferenceDate, Timestamp: "2024-01-01"},
			Reminders:          &protocol.ReminderTimePeriod{Unit: protocol.UnitHour, Amount: 1},
			Notification:       protocol.NotificationProtocol{Mode: protocol.NotificationModeDisabled},
		},
	}
	p := participant(t, "", time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC))
	p.MaxOccurrences = 3

	s := runChain(t, a, p)
	if len(s.Tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(s.Tasks))
	}
	if len(s.Notifications) != 0 || len(s.Reminders) != 0 {
		t.Errorf("expected no messages, got %d notifications and %d reminders", len(s.Notifications), len(s.Reminders))
	}
}

func TestReminders_BoundedByCompletionWindow(t *testing.T) {
	a := &protocol.Assessment{
		Name: "PHQ8",
		Protocol: protocol.AssessmentProtocol{
			RepeatProtocol:     &protocol.RepeatProtocol{Unit: protocol.UnitDay, Amount: intPtr(1)},
			ReferenceTimestamp: &protocol.ReferenceTimestamp{Format: protocol.ReferenceDate, Timestamp: "2024-01-01"},
			Reminders:          &protocol.ReminderTimePeriod{Unit: protocol.UnitHour, Amount: 4, Repeat: 10},
			Notification:       protocol.NotificationProtocol{Title: &protocol.LanguageText{En: "Reminder"}},
		},
	}
	p := participant(t, "", time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC))
	p.MaxOccurrences = 1

	s := runChain(t, a, p)
	// 4h, 8h, 12h, 16h, 20h fit inside the one-day window; 24h does not.
	if len(s.Reminders) != 5 {
		t.Fatalf("expected 5 reminders, got %d", len(s.Reminders))
	}
	last := s.Reminders[4]
	if want := time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC); !last.ScheduledTime.Equal(want) {
		t.Errorf("expected last reminder at %v, got %v", want, last.ScheduledTime)
	}
	if last.TTLSeconds != 4*3600 {
		t.Errorf("expected reminder ttl to end with the window, got %d", last.TTLSeconds)
	}
	if last.Title != "Reminder" {
		t.Errorf("expected reminder to reuse content, got %q", last.Title)
	}
}

func TestClinical_NameOnly(t *testing.T) {
	a := &protocol.Assessment{
		Name: "Visit",
		Protocol: protocol.AssessmentProtocol{
			ClinicalProtocol: &protocol.ClinicalProtocol{RequiresInClinicCompletion: true},
			RepeatProtocol:   &protocol.RepeatProtocol{Unit: protocol.UnitDay, Amount: intPtr(1)},
		},
	}
	p := participant(t, "", time.Now())
	s := runChain(t, a, p)
	if s.Name != "Visit" || len(s.Tasks) != 0 || len(s.Notifications) != 0 {
		t.Errorf("expected a name-only schedule, got %+v", s)
	}
}

func TestClinical_ScheduledTasksAreMarked(t *testing.T) {
	a := &protocol.Assessment{
		Name: "Labs",
		Type: protocol.AssessmentTypeScheduled,
		Protocol: protocol.AssessmentProtocol{
			RepeatProtocol:     &protocol.RepeatProtocol{Unit: protocol.UnitWeek, Amount: intPtr(1)},
			ReferenceTimestamp: &protocol.ReferenceTimestamp{Format: protocol.ReferenceDateTimeUTC, Timestamp: "2024-01-01T00:00:00Z"},
			ClinicalProtocol:   &protocol.ClinicalProtocol{RequiresInClinicCompletion: true},
		},
	}
	p := participant(t, "", time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC))
	p.MaxOccurrences = 3

	s := runChain(t, a, p)
	if len(s.Tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(s.Tasks))
	}
	for i, task := range s.Tasks {
		if !task.IsClinical {
			t.Errorf("task %d: expected clinical flag", i)
		}
	}

	a.Protocol.ClinicalProtocol = nil
	for i, task := range runChain(t, a, p).Tasks {
		if task.IsClinical {
			t.Errorf("task %d: unexpected clinical flag", i)
		}
	}
}

func TestMergeCompleted_UsesPreviousTimezone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("timezone not available: %v", err)
	}
	a := &protocol.Assessment{
		Name: "Daily",
		Protocol: protocol.AssessmentProtocol{
			RepeatProtocol:      &protocol.RepeatProtocol{Unit: protocol.UnitDay, Amount: intPtr(1)},
			RepeatQuestionnaire: &protocol.RepeatQuestionnaire{Unit: protocol.UnitHour, UnitsFromZero: []int{9}},
			ReferenceTimestamp:  &protocol.ReferenceTimestamp{Format: protocol.ReferenceDate, Timestamp: "2024-06-01"},
		},
	}
	p := participant(t, "Europe/Amsterdam", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	p.MaxOccurrences = 3
	completedAt := time.Date(2024, 6, 2, 10, 0, 0, 0, ny)
	old := &models.Task{
		ID:            42,
		Name:          "Daily",
		Timestamp:     time.Date(2024, 6, 2, 9, 0, 0, 0, ny).UTC(),
		Timezone:      "America/New_York",
		Completed:     true,
		TimeCompleted: &completedAt,
	}
	p.Previous = []*models.Task{old}

	s := runChain(t, a, p)
	if len(s.Tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(s.Tasks))
	}
	if s.Tasks[1] != old {
		t.Errorf("expected the completed task to replace the new one, got %+v", s.Tasks[1])
	}
	if s.Tasks[0] == old || s.Tasks[2] == old {
		t.Error("completed task matched the wrong occurrence")
	}
	if len(s.Notifications) != 2 {
		t.Errorf("expected the replaced task's notification to be dropped, got %d", len(s.Notifications))
	}
	for _, n := range s.Notifications {
		if n.Task == old {
			t.Error("notification still references the completed task")
		}
	}
}

func TestRegistry_CustomTables(t *testing.T) {
	r := NewRegistry()
	called := false
	r.Notification[protocol.NotificationModeCombined] = HandlerFunc(func(s AssessmentSchedule, a *protocol.Assessment, p *Participant) (AssessmentSchedule, error) {
		called = true
		return s, nil
	})
	a := &protocol.Assessment{
		Name: "Combined",
		Protocol: protocol.AssessmentProtocol{
			RepeatProtocol: &protocol.RepeatProtocol{Unit: protocol.UnitDay, Amount: intPtr(1)},
			Notification:   protocol.NotificationProtocol{Mode: protocol.NotificationModeCombined},
		},
	}
	for _, h := range r.Chain(a) {
		if _, err := h.Handle(AssessmentSchedule{}, a, participant(t, "", time.Now())); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if !called {
		t.Error("expected the substituted notification handler to run")
	}
}
