package models

import "time"

// Task is one concrete occurrence of an assessment for a participant. The
// participant's timezone at creation is kept with it so that regenerated
// schedules can be compared against the wall clock the task was created in.
type Task struct {
	ID                      int64         `json:"id" db:"id"`
	UserID                  int64         `json:"userId" db:"user_id"`
	Name                    string        `json:"name" db:"name"`
	Type                    string        `json:"type" db:"type"`
	Timestamp               time.Time     `json:"timestamp" db:"scheduled_at"`
	CompletionWindow        time.Duration `json:"completionWindow" db:"completion_window"`
	EstimatedCompletionTime int           `json:"estimatedCompletionTime" db:"estimated_completion_time"`
	Order                   int           `json:"order" db:"task_order"`
	NQuestions              int           `json:"nQuestions" db:"n_questions"`
	ShowInCalendar          bool          `json:"showInCalendar" db:"show_in_calendar"`
	IsDemo                  bool          `json:"isDemo" db:"is_demo"`
	IsClinical              bool          `json:"isClinical" db:"is_clinical"`
	Completed               bool          `json:"completed" db:"completed"`
	TimeCompleted           *time.Time    `json:"timeCompleted,omitempty" db:"time_completed"`
	Timezone                string        `json:"timezone" db:"timezone"`
}

// ExpiresAt is the end of the task's completion window.
func (t *Task) ExpiresAt() time.Time {
	return t.Timestamp.Add(t.CompletionWindow)
}

// Expired reports whether the completion window has passed at now.
func (t *Task) Expired(now time.Time) bool {
	return !t.ExpiresAt().After(now)
}
