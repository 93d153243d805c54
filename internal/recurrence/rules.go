// Package recurrence computes the next due instant of a schedule.
//
// Both rules are total over valid input: they terminate and return an
// instant strictly after now.
package recurrence

import (
	"fmt"
	"time"

	"plantbot/internal/domain"
	"plantbot/internal/tzconv"
)

// weeklyHorizon is how many local days NextByWeekly scans. Two weeks covers
// every mask even when today's slot already passed.
const weeklyHorizon = 14

// Rule is the part of a schedule the recurrence engine needs.
type Rule struct {
	Type         domain.ScheduleType
	IntervalDays int
	WeeklyMask   domain.WeekMask
	At           domain.TimeOfDay
}

func RuleOf(s domain.Schedule) Rule {
	return Rule{Type: s.Type, IntervalDays: s.IntervalDays, WeeklyMask: s.WeeklyMask, At: s.LocalTime}
}

// NextByInterval returns the first slot at local time at that lies strictly
// after now, stepping days at a time. With history the first candidate is
// the local date of last plus days; a completion covers its own day. Without
// history today's slot is still eligible.
func NextByInterval(last time.Time, days int, at domain.TimeOfDay, loc *time.Location, now time.Time) (time.Time, error) {
	if days < 1 {
		return time.Time{}, fmt.Errorf("%w: interval_days=%d", domain.ErrInvalidScheduleConfig, days)
	}
	if last.IsZero() {
		return nextInterval(tzconv.Today(now, loc), days, at, loc, now), nil
	}
	return nextInterval(tzconv.DateOf(last, loc).AddDays(days), days, at, loc, now), nil
}

func nextInterval(anchor tzconv.Date, days int, at domain.TimeOfDay, loc *time.Location, now time.Time) time.Time {
	// Jump to one interval before today, then step. Local time may be
	// earlier or later than now on the same date, so a couple of steps remain.
	if lag := tzconv.DaysBetween(anchor, tzconv.Today(now, loc)); lag > days {
		anchor = anchor.AddDays((lag/days - 1) * days)
	}
	cand := tzconv.Localize(anchor, at, loc)
	for !cand.After(now) {
		anchor = anchor.AddDays(days)
		cand = tzconv.Localize(anchor, at, loc)
	}
	return cand
}

// NextByWeekly scans local days from today (inclusive) and returns the first
// selected weekday whose local time lies strictly after now.
func NextByWeekly(mask domain.WeekMask, at domain.TimeOfDay, loc *time.Location, now time.Time) (time.Time, error) {
	if mask.Empty() {
		return time.Time{}, fmt.Errorf("%w: empty weekly mask", domain.ErrInvalidScheduleConfig)
	}
	today := tzconv.Today(now, loc)
	for i := 0; i < weeklyHorizon; i++ {
		d := today.AddDays(i)
		if !mask.Has(d.Weekday()) {
			continue
		}
		if cand := tzconv.Localize(d, at, loc); cand.After(now) {
			return cand, nil
		}
	}
	// Unreachable for a non-empty mask.
	return time.Time{}, fmt.Errorf("%w: no weekday matched mask %s", domain.ErrInvalidScheduleConfig, mask)
}

// NextByWeeklyAfter is NextByWeekly for a schedule with history. A manual
// completion made after the previous slot covers the upcoming one, so the
// slot after it is returned instead.
func NextByWeeklyAfter(mask domain.WeekMask, at domain.TimeOfDay, loc *time.Location, now, last time.Time, src domain.ActionSource) (time.Time, error) {
	next, err := NextByWeekly(mask, at, loc, now)
	if err != nil || last.IsZero() || src != domain.SourceManual {
		return next, err
	}
	prev, ok := prevWeekly(mask, at, loc, now)
	if !ok || !last.After(prev) || !last.Before(next) {
		return next, nil
	}
	return NextByWeekly(mask, at, loc, next)
}

// prevWeekly is the latest selected slot at or before now.
func prevWeekly(mask domain.WeekMask, at domain.TimeOfDay, loc *time.Location, now time.Time) (time.Time, bool) {
	today := tzconv.Today(now, loc)
	for i := 0; i < weeklyHorizon; i++ {
		d := today.AddDays(-i)
		if !mask.Has(d.Weekday()) {
			continue
		}
		if cand := tzconv.Localize(d, at, loc); !cand.After(now) {
			return cand, true
		}
	}
	return time.Time{}, false
}

// Next dispatches on the rule type. last and src describe the latest
// effective completion; last is zero when there is none.
func Next(r Rule, last time.Time, src domain.ActionSource, loc *time.Location, now time.Time) (time.Time, error) {
	switch r.Type {
	case domain.ScheduleInterval:
		return NextByInterval(last, r.IntervalDays, r.At, loc, now)
	case domain.ScheduleWeekly:
		return NextByWeeklyAfter(r.WeeklyMask, r.At, loc, now, last, src)
	default:
		return time.Time{}, fmt.Errorf("%w: type %q", domain.ErrInvalidScheduleConfig, r.Type)
	}
}
