package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidScheduleConfig     = errors.New("invalid schedule config")
	ErrUnknownTimezone           = errors.New("unknown timezone")
	ErrPendingNotFound           = errors.New("pending action not found")
	ErrScheduleInactiveOrMissing = errors.New("schedule inactive or missing")
	ErrUnauthorized              = errors.New("not allowed")
	ErrAlreadyResolved           = errors.New("already resolved")
	ErrPlanningFailure           = errors.New("planning failed")
	ErrShareUnavailable          = errors.New("share link unavailable")
	ErrNotFound                  = errors.New("not found")
)

// ErrSkipLocked is returned once the owner skipped a pending action.
var ErrSkipLocked = fmt.Errorf("%w: skipped by owner", ErrAlreadyResolved)

// UserMessage maps an error to the short text shown in a chat.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSkipLocked):
		return "Skipped by the owner"
	case errors.Is(err, ErrAlreadyResolved):
		return "Already marked"
	case errors.Is(err, ErrPendingNotFound), errors.Is(err, ErrScheduleInactiveOrMissing):
		return "Not available"
	case errors.Is(err, ErrUnauthorized):
		return "Not allowed"
	case errors.Is(err, ErrShareUnavailable):
		return "Invite code is not valid"
	case errors.Is(err, ErrInvalidScheduleConfig):
		return "Invalid schedule"
	default:
		return "Something went wrong"
	}
}
