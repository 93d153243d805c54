package feed

import (
	"fmt"
	"iter"
	"time"

	"plantbot/internal/domain"
	"plantbot/internal/recurrence"
	"plantbot/internal/tzconv"
)

// Occurrences yields the instants of rule that fall inside [start, end],
// ascending. The sequence is lazy and bounded by the window; it never
// enumerates from the schedule's creation.
//
// last is the effective completion (zero = none) and src its source. For
// INTERVAL rules its phase is kept, so windows before last still line up
// with it. For WEEKLY rules a manual completion covers the slot after it.
func Occurrences(r recurrence.Rule, last time.Time, src domain.ActionSource, loc *time.Location, start, end time.Time) (iter.Seq[time.Time], error) {
	if loc == nil {
		loc = time.UTC
	}
	if end.Before(start) {
		return func(func(time.Time) bool) {}, nil
	}
	synthetic := start.Add(-time.Second)

	switch r.Type {
	case domain.ScheduleInterval:
		if r.IntervalDays < 1 {
			return nil, fmt.Errorf("%w: interval_days=%d", domain.ErrInvalidScheduleConfig, r.IntervalDays)
		}
		anchor := last
		if !anchor.IsZero() {
			ad := tzconv.DateOf(anchor, loc)
			// Step back to before start; the first candidate is one
			// interval after the anchor.
			if lag := tzconv.DaysBetween(tzconv.DateOf(start, loc), ad); lag > 0 {
				ad = ad.AddDays(-(lag/r.IntervalDays + 1) * r.IntervalDays)
			}
			anchor = tzconv.Localize(ad, r.At, loc)
		}
		first, err := recurrence.NextByInterval(anchor, r.IntervalDays, r.At, loc, synthetic)
		if err != nil {
			return nil, err
		}
		return func(yield func(time.Time) bool) {
			d := tzconv.DateOf(first, loc)
			for t := first; !t.After(end); t = tzconv.Localize(d, r.At, loc) {
				if !t.Before(start) && !yield(t) {
					return
				}
				d = d.AddDays(r.IntervalDays)
			}
		}, nil

	case domain.ScheduleWeekly:
		first, err := recurrence.NextByWeekly(r.WeeklyMask, r.At, loc, synthetic)
		if err != nil {
			return nil, err
		}
		var covered time.Time
		if src == domain.SourceManual && !last.IsZero() {
			covered, _ = recurrence.NextByWeekly(r.WeeklyMask, r.At, loc, last)
		}
		span := tzconv.DaysBetween(tzconv.DateOf(start, loc), tzconv.DateOf(end, loc)) + 1
		return func(yield func(time.Time) bool) {
			if first.After(end) {
				return
			}
			if !first.Equal(covered) && !yield(first) {
				return
			}
			d := tzconv.DateOf(first, loc)
			for i := 0; i < span; i++ {
				d = d.AddDays(1)
				if !r.WeeklyMask.Has(d.Weekday()) {
					continue
				}
				t := tzconv.Localize(d, r.At, loc)
				if t.After(end) {
					return
				}
				if t.Equal(covered) {
					continue
				}
				if !yield(t) {
					return
				}
			}
		}, nil

	default:
		return nil, fmt.Errorf("%w: type %q", domain.ErrInvalidScheduleConfig, r.Type)
	}
}
