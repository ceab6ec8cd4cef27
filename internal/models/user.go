// Package models defines the persistent entities shared across StudyPush:
// participants, tasks, scheduled messages and their lifecycle events.
package models

import (
	"log/slog"
	"time"
)

// User is one study participant.
type User struct {
	ID            int64     `json:"id" db:"id"`
	ProjectID     string    `json:"projectId" db:"project_id"`
	SubjectID     string    `json:"subjectId" db:"subject_id"`
	EnrolmentDate time.Time `json:"enrolmentDate" db:"enrolment_date"`
	Timezone      string    `json:"timezone" db:"timezone"`
	Language      string    `json:"language" db:"language"`
	PhoneNumber   string    `json:"phoneNumber,omitempty" db:"phone_number"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time `json:"updatedAt" db:"updated_at"`
}

// Location returns the participant's timezone, UTC if unset or unknown.
func (u *User) Location() *time.Location {
	return LoadLocation(u.Timezone)
}

// LoadLocation resolves an IANA timezone name, falling back to UTC.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		slog.Warn("models.LoadLocation: unknown timezone, using UTC", "timezone", name, "error", err)
		return time.UTC
	}
	return loc
}
