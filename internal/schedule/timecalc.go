package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/StudyPush/internal/protocol"
)

// addUnits adds n units to t. Days and larger are added on the wall clock in
// loc so that DST transitions keep the local time of day.
func addUnits(t time.Time, unit protocol.Unit, n int, loc *time.Location) time.Time {
	switch unit {
	case protocol.UnitMinute:
		return t.Add(time.Duration(n) * time.Minute)
	case protocol.UnitHour:
		return t.Add(time.Duration(n) * time.Hour)
	case protocol.UnitDay:
		return t.In(loc).AddDate(0, 0, n)
	case protocol.UnitWeek:
		return t.In(loc).AddDate(0, 0, 7*n)
	case protocol.UnitMonth:
		return t.In(loc).AddDate(0, n, 0)
	case protocol.UnitYear:
		return t.In(loc).AddDate(n, 0, 0)
	}
	return t
}

func midnight(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}

// nextWeekday returns the first instant at or after t that falls on wd, keeping
// the local time of day.
func nextWeekday(t time.Time, wd time.Weekday, loc *time.Location) time.Time {
	lt := t.In(loc)
	delta := (int(wd) - int(lt.Weekday()) + 7) % 7
	return lt.AddDate(0, 0, delta)
}

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// anchor resolves the reference timestamp that repeat expansion starts from.
// Without one, the participant's enrolment date at local midnight is used.
func anchor(ref *protocol.ReferenceTimestamp, p *Participant) (time.Time, error) {
	loc := p.Location
	format := protocol.ReferenceEnrolment
	if ref != nil && ref.Format != "" {
		format = protocol.ReferenceFormat(strings.ToLower(string(ref.Format)))
	}
	switch format {
	case protocol.ReferenceEnrolment:
		if p.User == nil || p.User.EnrolmentDate.IsZero() {
			return midnight(p.Now, loc), nil
		}
		return midnight(p.User.EnrolmentDate, loc), nil
	case protocol.ReferenceNow:
		return p.Now, nil
	case protocol.ReferenceToday:
		return midnight(p.Now, loc), nil
	case protocol.ReferenceDate:
		t, err := time.ParseInLocation("2006-01-02", ref.Timestamp, loc)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", protocol.ErrInvalidReferenceTimestamp, err)
		}
		return t, nil
	case protocol.ReferenceDateTime:
		for _, layout := range localLayouts {
			if t, err := time.ParseInLocation(layout, ref.Timestamp, loc); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: cannot parse local datetime %q", protocol.ErrInvalidReferenceTimestamp, ref.Timestamp)
	case protocol.ReferenceDateTimeUTC:
		t, err := time.Parse(time.RFC3339, ref.Timestamp)
		if err != nil {
			t, err = time.ParseInLocation("2006-01-02T15:04:05", ref.Timestamp, time.UTC)
		}
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", protocol.ErrInvalidReferenceTimestamp, err)
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%w: unknown format %q", protocol.ErrInvalidReferenceTimestamp, format)
}

// sampleBetween draws uniformly from [lo, hi].
func sampleBetween(p *Participant, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + p.Rand.IntN(hi-lo+1)
}
