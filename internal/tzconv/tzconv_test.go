package tzconv

import (
	"errors"
	"testing"
	"time"

	"plantbot/internal/domain"
)

func mustZone(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := LoadZone(name)
	if err != nil {
		t.Fatalf("LoadZone(%q): %v", name, err)
	}
	return loc
}

func TestLoadZoneUnknown(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"", "  ", "Mars/Olympus"} {
		if _, err := LoadZone(name); !errors.Is(err, domain.ErrUnknownTimezone) {
			t.Fatalf("LoadZone(%q) err = %v, want ErrUnknownTimezone", name, err)
		}
	}
	loc, degraded := ZoneOrUTC("Mars/Olympus")
	if loc != time.UTC || !degraded {
		t.Fatalf("ZoneOrUTC = %v (degraded=%v), want UTC degraded", loc, degraded)
	}
	if _, degraded := ZoneOrUTC("Europe/Amsterdam"); degraded {
		t.Fatalf("Europe/Amsterdam should not degrade")
	}
}

func TestLocalize(t *testing.T) {
	t.Parallel()
	ams := mustZone(t, "Europe/Amsterdam")
	ny := mustZone(t, "America/New_York")

	tests := []struct {
		name string
		date Date
		tod  domain.TimeOfDay
		loc  *time.Location
		want string
	}{
		{name: "winter", date: NewDate(2024, 1, 4), tod: domain.TimeOfDay{Hour: 9}, loc: ams, want: "2024-01-04T08:00:00Z"},
		{name: "summer", date: NewDate(2024, 7, 1), tod: domain.TimeOfDay{Hour: 9}, loc: ams, want: "2024-07-01T07:00:00Z"},
		{name: "ambiguous picks dst", date: NewDate(2024, 10, 27), tod: domain.TimeOfDay{Hour: 2, Minute: 30}, loc: ams, want: "2024-10-27T00:30:00Z"},
		{name: "gap moves forward", date: NewDate(2024, 3, 31), tod: domain.TimeOfDay{Hour: 2, Minute: 30}, loc: ams, want: "2024-03-31T01:30:00Z"},
		{name: "new york ambiguous", date: NewDate(2024, 11, 3), tod: domain.TimeOfDay{Hour: 1, Minute: 30}, loc: ny, want: "2024-11-03T05:30:00Z"},
		{name: "new york gap", date: NewDate(2024, 3, 10), tod: domain.TimeOfDay{Hour: 2, Minute: 15}, loc: ny, want: "2024-03-10T07:15:00Z"},
		{name: "utc", date: NewDate(2024, 2, 29), tod: domain.TimeOfDay{Hour: 23, Minute: 59}, loc: time.UTC, want: "2024-02-29T23:59:00Z"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Localize(tt.date, tt.tod, tt.loc)
			if s := got.Format(time.RFC3339); s != tt.want {
				t.Fatalf("Localize = %s, want %s", s, tt.want)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	ams := mustZone(t, "Europe/Amsterdam")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 366*24; i += 7 {
		u := start.Add(time.Duration(i) * time.Hour)
		local := u.In(ams)
		date := DateOf(u, ams)
		if local.Hour() == 2 && (local.Month() == time.March || local.Month() == time.October) && local.Weekday() == time.Sunday {
			continue
		}
		got := Localize(date, domain.TimeOfDay{Hour: local.Hour(), Minute: local.Minute()}, ams)
		if !got.Equal(u) {
			t.Fatalf("round trip %s = %s", u, got)
		}
	}
}

func TestDayBounds(t *testing.T) {
	t.Parallel()
	ams := mustZone(t, "Europe/Amsterdam")
	start, end := DayBounds(NewDate(2024, 3, 31), ams)
	if s := start.Format(time.RFC3339); s != "2024-03-30T23:00:00Z" {
		t.Fatalf("start = %s", s)
	}
	if want := time.Date(2024, 3, 31, 21, 59, 59, int(999*time.Millisecond), time.UTC); !end.Equal(want) {
		t.Fatalf("end = %s, want %s", end, want)
	}
	if got := end.Sub(start); got != 23*time.Hour-time.Millisecond {
		t.Fatalf("short day length = %v", got)
	}
}

func TestDateArithmetic(t *testing.T) {
	t.Parallel()
	d := NewDate(2024, 2, 28)
	if got := d.AddDays(1).String(); got != "2024-02-29" {
		t.Fatalf("AddDays(1) = %s", got)
	}
	if got := d.AddDays(2).String(); got != "2024-03-01" {
		t.Fatalf("AddDays(2) = %s", got)
	}
	if got := DaysBetween(d, d.AddDays(40)); got != 40 {
		t.Fatalf("DaysBetween = %d, want 40", got)
	}
	if got := DaysBetween(d.AddDays(3), d); got != -3 {
		t.Fatalf("DaysBetween = %d, want -3", got)
	}
	if d.Weekday() != time.Wednesday {
		t.Fatalf("Weekday = %v, want Wednesday", d.Weekday())
	}
	p, err := ParseDate("2024-12-31")
	if err != nil || p != NewDate(2024, 12, 31) {
		t.Fatalf("ParseDate = %v, %v", p, err)
	}
}
