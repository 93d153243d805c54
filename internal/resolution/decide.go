// Package resolution turns done/skip taps on reminders into action logs and
// keeps every copy of the reminder message in sync with the outcome.
package resolution

import (
	"fmt"

	"plantbot/internal/domain"
)

// Actor is who tapped, as seen from the pending's schedule.
type Actor struct {
	UserID int64
	Owner  bool
	// CanComplete is set for a non-owner with a receiving membership that
	// may complete the schedule.
	CanComplete bool
}

// Decision is what a permitted tap writes.
type Decision struct {
	Source domain.ActionSource
	// Prev is the stored status the compare-and-set must still see; empty
	// for an unresolved pending.
	Prev domain.ActionStatus
}

// Decide applies the resolution rules to a pending and a tap. It performs
// no I/O.
func Decide(p domain.Pending, actor Actor, status domain.ActionStatus) (Decision, error) {
	if status != domain.StatusDone && status != domain.StatusSkipped {
		return Decision{}, fmt.Errorf("unknown status %q", status)
	}
	if r := p.Resolution; r != nil {
		switch {
		case r.Status == domain.StatusDone:
			return Decision{}, domain.ErrAlreadyResolved
		case r.ByUserID == p.OwnerUserID:
			return Decision{}, domain.ErrSkipLocked
		case actor.Owner && status == domain.StatusDone:
			// Owner overrides a subscriber's skip.
			return Decision{Source: domain.SourceSchedule, Prev: domain.StatusSkipped}, nil
		default:
			return Decision{}, domain.ErrAlreadyResolved
		}
	}
	switch {
	case actor.Owner:
		return Decision{Source: domain.SourceSchedule}, nil
	case actor.CanComplete:
		return Decision{Source: domain.SourceShared}, nil
	}
	return Decision{}, domain.ErrUnauthorized
}
