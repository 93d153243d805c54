// Package tzconv converts between local calendar dates and UTC instants.
//
// Ambiguous wall times (fall-back overlap) resolve to the earlier instant,
// which is the one with the DST offset. Wall times inside a spring-forward
// gap are moved forward by the size of the gap.
package tzconv

import (
	"fmt"
	"strings"
	"time"

	// Embed the zone database so containers without /usr/share/zoneinfo work.
	_ "time/tzdata"

	"plantbot/internal/domain"
)

// LoadZone resolves an IANA zone name.
func LoadZone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", domain.ErrUnknownTimezone)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownTimezone, name)
	}
	return loc, nil
}

// ZoneOrUTC is LoadZone that degrades to UTC; degraded reports the fallback.
func ZoneOrUTC(name string) (loc *time.Location, degraded bool) {
	loc, err := LoadZone(name)
	if err != nil {
		return time.UTC, true
	}
	return loc, false
}

// Localize returns the instant at which the wall clock in loc shows tod on date.
func Localize(date Date, tod domain.TimeOfDay, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	naive := time.Date(date.Year, date.Month, date.Day, tod.Hour, tod.Minute, 0, 0, time.UTC)
	if t, ok := resolve(naive, loc); ok {
		return t
	}
	gap := gapAround(naive, loc)
	if t, ok := resolve(naive.Add(gap), loc); ok {
		return t
	}
	// Double gap or a zone we cannot reason about: interpret with the later offset.
	_, off := naive.Add(24 * time.Hour).In(loc).Zone()
	return naive.Add(gap).Add(-time.Duration(off) * time.Second).In(time.UTC)
}

// resolve finds the earliest instant whose wall clock in loc equals naive.
func resolve(naive time.Time, loc *time.Location) (time.Time, bool) {
	var (
		best  time.Time
		found bool
	)
	for _, off := range offsetsAround(naive, loc) {
		cand := naive.Add(-time.Duration(off) * time.Second)
		if !sameWall(cand.In(loc), naive) {
			continue
		}
		if !found || cand.Before(best) {
			best, found = cand, true
		}
	}
	return best.In(time.UTC), found
}

func offsetsAround(naive time.Time, loc *time.Location) []int {
	out := make([]int, 0, 3)
	for _, probe := range []time.Time{naive.Add(-24 * time.Hour), naive, naive.Add(24 * time.Hour)} {
		_, off := probe.In(loc).Zone()
		dup := false
		for _, o := range out {
			if o == off {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, off)
		}
	}
	return out
}

func gapAround(naive time.Time, loc *time.Location) time.Duration {
	_, before := naive.Add(-24 * time.Hour).In(loc).Zone()
	_, after := naive.Add(24 * time.Hour).In(loc).Zone()
	gap := time.Duration(after-before) * time.Second
	if gap <= 0 {
		return time.Hour
	}
	return gap
}

func sameWall(t, naive time.Time) bool {
	y, m, d := t.Date()
	ny, nm, nd := naive.Date()
	return y == ny && m == nm && d == nd && t.Hour() == naive.Hour() && t.Minute() == naive.Minute()
}

// DayBounds returns the first and last millisecond of date in loc.
func DayBounds(date Date, loc *time.Location) (start, end time.Time) {
	start = Localize(date, domain.TimeOfDay{}, loc)
	end = Localize(date.AddDays(1), domain.TimeOfDay{}, loc).Add(-time.Millisecond)
	return start, end
}

func DateOf(t time.Time, loc *time.Location) Date {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return Date{Year: y, Month: m, Day: d}
}

// Today is the local calendar date of now in loc.
func Today(now time.Time, loc *time.Location) Date { return DateOf(now, loc) }
