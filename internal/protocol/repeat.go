package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRepeatProtocol      = errors.New("invalid repeat protocol")
	ErrInvalidRepeatQuestionnaire = errors.New("invalid repeat questionnaire")
	ErrInvalidAssessment          = errors.New("invalid assessment")
	ErrInvalidReferenceTimestamp  = errors.New("invalid reference timestamp")
)

// RepeatProtocol repeats an assessment every Amount units, or every random
// number of units between the two bounds of RandomAmountBetween. Exactly one
// of the two must be set. DayOfWeek pins each occurrence to that weekday.
type RepeatProtocol struct {
	Unit                Unit       `json:"unit" yaml:"unit"`
	Amount              *int       `json:"amount,omitempty" yaml:"amount,omitempty"`
	RandomAmountBetween []int      `json:"randomAmountBetween,omitempty" yaml:"randomAmountBetween,omitempty"`
	DayOfWeek           *DayOfWeek `json:"dayOfWeek,omitempty" yaml:"dayOfWeek,omitempty"`
}

// NewFixedRepeat returns a validated fixed-interval RepeatProtocol.
func NewFixedRepeat(unit Unit, amount int) (*RepeatProtocol, error) {
	r := &RepeatProtocol{Unit: unit, Amount: &amount}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewRandomRepeat returns a validated RepeatProtocol whose interval is drawn
// from [lo, hi].
func NewRandomRepeat(unit Unit, lo, hi int) (*RepeatProtocol, error) {
	r := &RepeatProtocol{Unit: unit, RandomAmountBetween: []int{lo, hi}}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate enforces that exactly one amount field is set and usable.
func (r *RepeatProtocol) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: missing", ErrInvalidRepeatProtocol)
	}
	if !r.Unit.Valid() {
		return fmt.Errorf("%w: unknown unit %q", ErrInvalidRepeatProtocol, r.Unit)
	}
	hasFixed := r.Amount != nil
	hasRandom := r.RandomAmountBetween != nil
	if hasFixed == hasRandom {
		return fmt.Errorf("%w: exactly one of amount and randomAmountBetween must be set", ErrInvalidRepeatProtocol)
	}
	if hasFixed && *r.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidRepeatProtocol, *r.Amount)
	}
	if hasRandom {
		if err := validateRange(r.RandomAmountBetween); err != nil {
			return fmt.Errorf("%w: randomAmountBetween: %v", ErrInvalidRepeatProtocol, err)
		}
		if r.RandomAmountBetween[0] <= 0 {
			return fmt.Errorf("%w: randomAmountBetween lower bound must be positive", ErrInvalidRepeatProtocol)
		}
	}
	if r.DayOfWeek != nil {
		if _, err := r.DayOfWeek.Weekday(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRepeatProtocol, err)
		}
	}
	return nil
}

// RepeatQuestionnaire places sub-occurrences relative to each repeat
// timestamp. Exactly one of UnitsFromZero, RandomUnitsFromZeroBetween and
// DayOfWeekMap must be set; DayOfWeekMap nests further RepeatQuestionnaires.
type RepeatQuestionnaire struct {
	Unit                       Unit                               `json:"unit,omitempty" yaml:"unit,omitempty"`
	UnitsFromZero              []int                              `json:"unitsFromZero,omitempty" yaml:"unitsFromZero,omitempty"`
	RandomUnitsFromZeroBetween [][]int                            `json:"randomUnitsFromZeroBetween,omitempty" yaml:"randomUnitsFromZeroBetween,omitempty"`
	DayOfWeekMap               map[DayOfWeek]*RepeatQuestionnaire `json:"dayOfWeekMap,omitempty" yaml:"dayOfWeekMap,omitempty"`
}

// Validate enforces the exactly-one rule, recursively for weekday maps.
func (q *RepeatQuestionnaire) Validate() error {
	if q == nil {
		return fmt.Errorf("%w: missing", ErrInvalidRepeatQuestionnaire)
	}
	set := 0
	if q.UnitsFromZero != nil {
		set++
	}
	if q.RandomUnitsFromZeroBetween != nil {
		set++
	}
	if q.DayOfWeekMap != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: exactly one of unitsFromZero, randomUnitsFromZeroBetween and dayOfWeekMap must be set, got %d",
			ErrInvalidRepeatQuestionnaire, set)
	}
	if q.DayOfWeekMap != nil {
		for day, nested := range q.DayOfWeekMap {
			if _, err := day.Weekday(); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidRepeatQuestionnaire, err)
			}
			if err := nested.Validate(); err != nil {
				return fmt.Errorf("day %s: %w", day, err)
			}
		}
		return nil
	}
	if !q.Unit.Valid() {
		return fmt.Errorf("%w: unknown unit %q", ErrInvalidRepeatQuestionnaire, q.Unit)
	}
	for i, r := range q.RandomUnitsFromZeroBetween {
		if err := validateRange(r); err != nil {
			return fmt.Errorf("%w: randomUnitsFromZeroBetween[%d]: %v", ErrInvalidRepeatQuestionnaire, i, err)
		}
	}
	return nil
}

func validateRange(r []int) error {
	if len(r) != 2 {
		return fmt.Errorf("expected [lower, upper], got %d values", len(r))
	}
	if r[0] > r[1] {
		return fmt.Errorf("lower bound %d exceeds upper bound %d", r[0], r[1])
	}
	return nil
}

// Validate checks every assessment of the protocol.
func (p *Protocol) Validate() error {
	var errs []error
	for i := range p.Assessments {
		if err := p.Assessments[i].Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Validate checks the rules an assessment's handler chain relies on.
func (a *Assessment) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidAssessment)
	}
	switch a.EffectiveType() {
	case AssessmentTypeScheduled, AssessmentTypeClinical, AssessmentTypeTriggered, AssessmentTypeAll:
	default:
		return fmt.Errorf("%w %s: unknown type %q", ErrInvalidAssessment, a.Name, a.Type)
	}
	if a.EffectiveType() == AssessmentTypeClinical {
		return nil
	}
	p := &a.Protocol
	if err := p.RepeatProtocol.Validate(); err != nil {
		return fmt.Errorf("assessment %s: %w", a.Name, err)
	}
	if p.RepeatQuestionnaire != nil {
		if err := p.RepeatQuestionnaire.Validate(); err != nil {
			return fmt.Errorf("assessment %s: %w", a.Name, err)
		}
	}
	if p.Reminders != nil && (!p.Reminders.Unit.Valid() || p.Reminders.Amount <= 0) {
		return fmt.Errorf("%w %s: reminders need a valid unit and positive amount", ErrInvalidAssessment, a.Name)
	}
	if p.CompletionWindow != nil && !p.CompletionWindow.Unit.Valid() {
		return fmt.Errorf("%w %s: completion window unit %q", ErrInvalidAssessment, a.Name, p.CompletionWindow.Unit)
	}
	if ref := p.ReferenceTimestamp; ref != nil {
		switch ref.Format {
		case ReferenceDate, ReferenceDateTime, ReferenceDateTimeUTC:
			if ref.Timestamp == "" {
				return fmt.Errorf("%w: assessment %s: format %s needs a timestamp", ErrInvalidReferenceTimestamp, a.Name, ref.Format)
			}
		case ReferenceNow, ReferenceToday, ReferenceEnrolment:
		default:
			return fmt.Errorf("%w: assessment %s: unknown format %q", ErrInvalidReferenceTimestamp, a.Name, ref.Format)
		}
	}
	switch p.Notification.EffectiveMode() {
	case NotificationModeStandard, NotificationModeDisabled, NotificationModeCombined:
	default:
		return fmt.Errorf("%w %s: unknown notification mode %q", ErrInvalidAssessment, a.Name, p.Notification.Mode)
	}
	return nil
}
