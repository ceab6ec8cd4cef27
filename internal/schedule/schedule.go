// Package schedule turns a study protocol and a participant into concrete
// tasks and notifications.
//
// Each assessment runs through an ordered chain of handlers; the Generator
// runs one chain per assessment concurrently and merges the results with the
// participant's previous schedule.
package schedule

import (
	"math/rand/v2"
	"time"

	"github.com/BTreeMap/StudyPush/internal/models"
)

// AssessmentSchedule is the computed output for one assessment and one
// participant.
type AssessmentSchedule struct {
	Name          string            `json:"name"`
	Tasks         []*models.Task    `json:"tasks"`
	Notifications []*models.Message `json:"notifications"`
	Reminders     []*models.Message `json:"reminders"`
}

// Messages returns notifications followed by reminders.
func (s *AssessmentSchedule) Messages() []*models.Message {
	out := make([]*models.Message, 0, len(s.Notifications)+len(s.Reminders))
	out = append(out, s.Notifications...)
	return append(out, s.Reminders...)
}

// Schedule is the full schedule of one participant.
type Schedule struct {
	Version             string               `json:"version"`
	Timezone            string               `json:"timezone"`
	GeneratedAt         time.Time            `json:"generatedAt"`
	AssessmentSchedules []AssessmentSchedule `json:"assessmentSchedules"`
}

// Tasks returns every task in s.
func (s *Schedule) Tasks() []*models.Task {
	var out []*models.Task
	for i := range s.AssessmentSchedules {
		out = append(out, s.AssessmentSchedules[i].Tasks...)
	}
	return out
}

// Messages returns every notification and reminder in s.
func (s *Schedule) Messages() []*models.Message {
	var out []*models.Message
	for i := range s.AssessmentSchedules {
		out = append(out, s.AssessmentSchedules[i].Messages()...)
	}
	return out
}

// Previous returns the tasks of the assessment named name.
func (s *Schedule) Previous(name string) []*models.Task {
	if s == nil {
		return nil
	}
	for i := range s.AssessmentSchedules {
		if s.AssessmentSchedules[i].Name == name {
			return s.AssessmentSchedules[i].Tasks
		}
	}
	return nil
}

// FromTasks rebuilds a previous schedule from stored tasks, grouped by
// assessment name. The timezone is taken from the most recent task.
func FromTasks(tasks []*models.Task) *Schedule {
	s := &Schedule{}
	index := map[string]int{}
	var latest time.Time
	for _, t := range tasks {
		i, ok := index[t.Name]
		if !ok {
			i = len(s.AssessmentSchedules)
			index[t.Name] = i
			s.AssessmentSchedules = append(s.AssessmentSchedules, AssessmentSchedule{Name: t.Name})
		}
		s.AssessmentSchedules[i].Tasks = append(s.AssessmentSchedules[i].Tasks, t)
		if t.Timezone != "" && !t.Timestamp.Before(latest) {
			latest = t.Timestamp
			s.Timezone = t.Timezone
		}
	}
	return s
}

// Participant is everything a handler may read about the participant and the
// generation run. Handlers never modify it.
type Participant struct {
	User     *models.User
	Location *time.Location
	Now      time.Time
	// Rand is owned by one chain and never shared across goroutines.
	Rand *rand.Rand
	// PlanLength bounds repeat expansion after the anchor.
	PlanLength time.Duration
	// MaxOccurrences caps top-level repeat occurrences; zero means unbounded.
	MaxOccurrences int
	// Previous holds the previously generated tasks of the same assessment.
	Previous []*models.Task
}
