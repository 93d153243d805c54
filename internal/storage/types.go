package storage

import (
	"errors"
	"time"

	"plantbot/internal/domain"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "memory": private in-memory SQLite database (tests, dry runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Job is one durable timer row, keyed by a stable job key.
type Job struct {
	Key     string
	FireAt  time.Time
	Payload string
}

// ScheduleFilter narrows ListUserSchedules.
type ScheduleFilter struct {
	Action     *domain.ActionType
	PlantID    int64 // 0 = any
	ActiveOnly bool
}

// SharedSchedule is a schedule reached through one membership.
type SharedSchedule struct {
	domain.OwnedSchedule
	Membership domain.Membership
}

// tsLayout keeps lexical order equal to chronological order.
const tsLayout = "2006-01-02T15:04:05.000Z07:00"

func formatTS(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		// Rows written by other tools may carry more or less precision.
		return time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC(), nil
}
