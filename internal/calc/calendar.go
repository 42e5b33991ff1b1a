package calc

import (
	"fmt"
	"time"
)

// PeriodUnit selects the calendar unit epochs are aligned to.
type PeriodUnit string

const (
	PeriodDay   PeriodUnit = "day"
	PeriodWeek  PeriodUnit = "week"
	PeriodMonth PeriodUnit = "month"
)

// ParsePeriodUnit validates a configuration string.
func ParsePeriodUnit(s string) (PeriodUnit, error) {
	switch PeriodUnit(s) {
	case PeriodDay, PeriodWeek, PeriodMonth:
		return PeriodUnit(s), nil
	}
	return "", fmt.Errorf("unknown period unit %q", s)
}

// NextEpochEnd returns the calendar boundary `length` units after the period
// containing from. Boundaries are UTC midnights: day boundaries, Monday week
// starts, or first-of-month. An epoch opened mid-period ends at the aligned
// boundary, so the first epoch may be shorter than a full period.
func NextEpochEnd(from time.Time, unit PeriodUnit, length int) time.Time {
	if length < 1 {
		length = 1
	}
	t := from.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch unit {
	case PeriodWeek:
		offset := (int(day.Weekday()) + 6) % 7 // Monday == 0
		return day.AddDate(0, 0, -offset+7*length)
	case PeriodMonth:
		first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return first.AddDate(0, length, 0)
	default:
		return day.AddDate(0, 0, length)
	}
}
