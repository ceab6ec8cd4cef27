// Package protocol defines the declarative study protocol: its assessments,
// repetition rules, reminders and notification texts, and loads protocols from
// disk behind a refreshing directory cache.
package protocol

import (
	"fmt"
	"strings"
	"time"
)

// AssessmentType classifies how an assessment is scheduled.
type AssessmentType string

const (
	AssessmentTypeScheduled AssessmentType = "SCHEDULED"
	AssessmentTypeClinical  AssessmentType = "CLINICAL"
	AssessmentTypeTriggered AssessmentType = "TRIGGERED"
	AssessmentTypeAll       AssessmentType = "ALL"
)

// Unit is a calendar unit used by repeat rules.
type Unit string

const (
	UnitMinute Unit = "min"
	UnitHour   Unit = "hour"
	UnitDay    Unit = "day"
	UnitWeek   Unit = "week"
	UnitMonth  Unit = "month"
	UnitYear   Unit = "year"
)

// Valid reports whether u is a known unit.
func (u Unit) Valid() bool {
	switch u {
	case UnitMinute, UnitHour, UnitDay, UnitWeek, UnitMonth, UnitYear:
		return true
	}
	return false
}

// NotificationMode selects whether and how notifications are produced.
type NotificationMode string

const (
	NotificationModeStandard NotificationMode = "STANDARD"
	NotificationModeDisabled NotificationMode = "DISABLED"
	NotificationModeCombined NotificationMode = "COMBINED"
)

// ReferenceFormat selects how a ReferenceTimestamp is interpreted.
type ReferenceFormat string

const (
	ReferenceDate        ReferenceFormat = "date"
	ReferenceDateTime    ReferenceFormat = "datetime"
	ReferenceDateTimeUTC ReferenceFormat = "datetimeutc"
	ReferenceNow         ReferenceFormat = "now"
	ReferenceToday       ReferenceFormat = "today"
	ReferenceEnrolment   ReferenceFormat = "enrolment"
)

// Protocol is one versioned study description. Protocols are replaced as a
// whole on refresh and never modified in place.
type Protocol struct {
	Version     string       `json:"version" yaml:"version"`
	Name        string       `json:"name" yaml:"name"`
	Assessments []Assessment `json:"protocols" yaml:"protocols"`
}

// Assessment is one questionnaire within a protocol.
type Assessment struct {
	Name                    string             `json:"name" yaml:"name"`
	Type                    AssessmentType     `json:"type,omitempty" yaml:"type,omitempty"`
	EstimatedCompletionTime int                `json:"estimatedCompletionTime" yaml:"estimatedCompletionTime"`
	ShowInCalendar          *bool              `json:"showInCalendar,omitempty" yaml:"showInCalendar,omitempty"`
	IsDemo                  bool               `json:"isDemo,omitempty" yaml:"isDemo,omitempty"`
	Order                   int                `json:"order,omitempty" yaml:"order,omitempty"`
	NQuestions              int                `json:"nQuestions,omitempty" yaml:"nQuestions,omitempty"`
	Protocol                AssessmentProtocol `json:"protocol" yaml:"protocol"`
}

// EffectiveType returns Type, defaulting to CLINICAL when a clinical
// sub-protocol is present and SCHEDULED otherwise.
func (a *Assessment) EffectiveType() AssessmentType {
	if a.Type != "" {
		return a.Type
	}
	if a.Protocol.ClinicalProtocol != nil {
		return AssessmentTypeClinical
	}
	return AssessmentTypeScheduled
}

// CalendarVisible reports whether tasks of this assessment show in a calendar.
func (a *Assessment) CalendarVisible() bool {
	return a.ShowInCalendar == nil || *a.ShowInCalendar
}

// AssessmentProtocol holds the scheduling rules of one assessment.
type AssessmentProtocol struct {
	RepeatProtocol      *RepeatProtocol      `json:"repeatProtocol,omitempty" yaml:"repeatProtocol,omitempty"`
	Reminders           *ReminderTimePeriod  `json:"reminders,omitempty" yaml:"reminders,omitempty"`
	CompletionWindow    *TimePeriod          `json:"completionWindow,omitempty" yaml:"completionWindow,omitempty"`
	RepeatQuestionnaire *RepeatQuestionnaire `json:"repeatQuestionnaire,omitempty" yaml:"repeatQuestionnaire,omitempty"`
	ReferenceTimestamp  *ReferenceTimestamp  `json:"referenceTimestamp,omitempty" yaml:"referenceTimestamp,omitempty"`
	ClinicalProtocol    *ClinicalProtocol    `json:"clinicalProtocol,omitempty" yaml:"clinicalProtocol,omitempty"`
	Notification        NotificationProtocol `json:"notification" yaml:"notification"`
}

// DefaultCompletionWindow applies when a protocol gives none.
var DefaultCompletionWindow = TimePeriod{Unit: UnitDay, Amount: 1}

// CompletionWindowOrDefault returns the configured completion window or the
// one-day default.
func (p *AssessmentProtocol) CompletionWindowOrDefault() TimePeriod {
	if p.CompletionWindow == nil || p.CompletionWindow.Amount <= 0 {
		return DefaultCompletionWindow
	}
	return *p.CompletionWindow
}

// TimePeriod is an amount of a unit.
type TimePeriod struct {
	Unit   Unit `json:"unit" yaml:"unit"`
	Amount int  `json:"amount" yaml:"amount"`
}

// ReminderTimePeriod repeats a reminder Repeat times, Amount units apart.
type ReminderTimePeriod struct {
	Unit   Unit `json:"unit" yaml:"unit"`
	Amount int  `json:"amount" yaml:"amount"`
	Repeat int  `json:"repeat,omitempty" yaml:"repeat,omitempty"`
}

// Count returns the number of reminders, at least one.
func (r *ReminderTimePeriod) Count() int {
	if r.Repeat <= 0 {
		return 1
	}
	return r.Repeat
}

// ReferenceTimestamp anchors the repeat protocol.
type ReferenceTimestamp struct {
	Timestamp string          `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
	Format    ReferenceFormat `json:"format" yaml:"format"`
}

// ClinicalProtocol marks an assessment that is completed in clinic.
type ClinicalProtocol struct {
	RequiresInClinicCompletion bool                 `json:"requiresInClinicCompletion,omitempty" yaml:"requiresInClinicCompletion,omitempty"`
	RepeatAfterClinicVisit     *RepeatQuestionnaire `json:"repeatAfterClinicVisit,omitempty" yaml:"repeatAfterClinicVisit,omitempty"`
}

// NotificationProtocol configures notifications derived from tasks.
type NotificationProtocol struct {
	Mode  NotificationMode          `json:"mode,omitempty" yaml:"mode,omitempty"`
	Title *LanguageText             `json:"title,omitempty" yaml:"title,omitempty"`
	Text  *LanguageText             `json:"text,omitempty" yaml:"text,omitempty"`
	Email EmailNotificationProtocol `json:"email" yaml:"email"`
}

// EffectiveMode returns Mode, defaulting to STANDARD.
func (n *NotificationProtocol) EffectiveMode() NotificationMode {
	if n.Mode == "" {
		return NotificationModeStandard
	}
	return NotificationMode(strings.ToUpper(string(n.Mode)))
}

// EmailNotificationProtocol mirrors a notification by email.
type EmailNotificationProtocol struct {
	Enabled bool          `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Title   *LanguageText `json:"title,omitempty" yaml:"title,omitempty"`
	Text    *LanguageText `json:"text,omitempty" yaml:"text,omitempty"`
}

// LanguageText holds one text in each supported language.
type LanguageText struct {
	En string `json:"en,omitempty" yaml:"en,omitempty"`
	It string `json:"it,omitempty" yaml:"it,omitempty"`
	Nl string `json:"nl,omitempty" yaml:"nl,omitempty"`
	Da string `json:"da,omitempty" yaml:"da,omitempty"`
	De string `json:"de,omitempty" yaml:"de,omitempty"`
	Es string `json:"es,omitempty" yaml:"es,omitempty"`
}

// Get returns the text for a language code such as "en" or "nl-BE". Unknown
// codes yield the empty string.
func (l *LanguageText) Get(lang string) string {
	if l == nil {
		return ""
	}
	code, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(lang)), "-")
	code, _, _ = strings.Cut(code, "_")
	switch code {
	case "en":
		return l.En
	case "it":
		return l.It
	case "nl":
		return l.Nl
	case "da":
		return l.Da
	case "de":
		return l.De
	case "es":
		return l.Es
	default:
		return ""
	}
}

// DayOfWeek names a weekday, e.g. "MONDAY". Matching is case-insensitive and
// accepts three-letter abbreviations.
type DayOfWeek string

// Weekday converts d to a time.Weekday.
func (d DayOfWeek) Weekday() (time.Weekday, error) {
	name := strings.ToLower(strings.TrimSpace(string(d)))
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		full := strings.ToLower(wd.String())
		if name == full || (len(name) == 3 && strings.HasPrefix(full, name)) {
			return wd, nil
		}
	}
	return 0, fmt.Errorf("unknown day of week %q", string(d))
}
