package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is a wall-clock time without a date.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay accepts "HH:MM" (24h).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return TimeOfDay{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

func (t TimeOfDay) Valid() bool {
	return t.Hour >= 0 && t.Hour <= 23 && t.Minute >= 0 && t.Minute <= 59
}

// WeekMask is a 7-bit set of weekdays, bit 0 = Monday ... bit 6 = Sunday.
type WeekMask uint8

const AllWeek WeekMask = 0x7f

// WeekdayBit returns the mask bit index for wd (Monday=0).
func WeekdayBit(wd time.Weekday) int { return (int(wd) + 6) % 7 }

func MaskOf(days ...time.Weekday) WeekMask {
	var m WeekMask
	for _, d := range days {
		m |= 1 << WeekdayBit(d)
	}
	return m
}

func (m WeekMask) Has(wd time.Weekday) bool { return m&(1<<WeekdayBit(wd)) != 0 }

func (m WeekMask) Empty() bool { return m&AllWeek == 0 }

func (m WeekMask) Valid() bool { return !m.Empty() && m&^AllWeek == 0 }

var weekdayNames = [7]string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}

// ParseWeekMask parses a comma separated list of weekday names ("mon,thu")
// or a decimal mask ("9").
func ParseWeekMask(s string) (WeekMask, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("%w: empty weekday list", ErrInvalidScheduleConfig)
	}
	if n, err := strconv.Atoi(s); err == nil {
		m := WeekMask(n)
		if n <= 0 || n > int(AllWeek) {
			return 0, fmt.Errorf("%w: mask %d out of range", ErrInvalidScheduleConfig, n)
		}
		return m, nil
	}
	var m WeekMask
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		found := false
		for i, name := range weekdayNames {
			if strings.HasPrefix(part, name) && part != "" {
				m |= 1 << i
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("%w: unknown weekday %q", ErrInvalidScheduleConfig, part)
		}
	}
	return m, nil
}

func (m WeekMask) String() string {
	parts := make([]string, 0, 7)
	for i, name := range weekdayNames {
		if m&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, ",")
}
