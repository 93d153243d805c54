// Package domain holds the entities, enums and error taxonomy shared by the
// scheduling, feed and resolution packages.
package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const DefaultTimezone = "Europe/Amsterdam"

type User struct {
	ID        int64
	TZ        string
	Username  string
	CreatedAt time.Time
}

// Mention renders the user for attribution lines.
func (u User) Mention() string {
	if name := strings.TrimPrefix(strings.TrimSpace(u.Username), "@"); name != "" {
		return "@" + name
	}
	return "id" + strconv.FormatInt(u.ID, 10)
}

type Plant struct {
	ID        int64
	UserID    int64
	Name      string
	CreatedAt time.Time
}

// DisplayName falls back to "#id" for unnamed plants.
func (p Plant) DisplayName() string {
	if n := strings.TrimSpace(p.Name); n != "" {
		return n
	}
	return "#" + strconv.FormatInt(p.ID, 10)
}

type Schedule struct {
	ID           int64
	PlantID      int64
	Action       ActionType
	Type         ScheduleType
	IntervalDays int      // INTERVAL only
	WeeklyMask   WeekMask // WEEKLY only
	LocalTime    TimeOfDay
	Active       bool
	CustomTitle  string
	CreatedAt    time.Time
}

// Validate enforces the write-time invariant: exactly one of interval_days
// and weekly_mask is populated, according to Type.
func (s Schedule) Validate() error {
	if !s.LocalTime.Valid() {
		return fmt.Errorf("%w: local time %s", ErrInvalidScheduleConfig, s.LocalTime)
	}
	switch s.Type {
	case ScheduleInterval:
		if s.IntervalDays < 1 {
			return fmt.Errorf("%w: interval_days must be >= 1", ErrInvalidScheduleConfig)
		}
		if s.WeeklyMask != 0 {
			return fmt.Errorf("%w: weekly_mask set on INTERVAL schedule", ErrInvalidScheduleConfig)
		}
	case ScheduleWeekly:
		if !s.WeeklyMask.Valid() {
			return fmt.Errorf("%w: weekly_mask must select at least one day", ErrInvalidScheduleConfig)
		}
		if s.IntervalDays != 0 {
			return fmt.Errorf("%w: interval_days set on WEEKLY schedule", ErrInvalidScheduleConfig)
		}
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidScheduleConfig, s.Type)
	}
	return nil
}

func (s Schedule) Title() string {
	if t := strings.TrimSpace(s.CustomTitle); t != "" {
		return t
	}
	return s.Action.Title()
}

// OwnedSchedule is a schedule joined with its plant and the plant owner.
type OwnedSchedule struct {
	Schedule Schedule
	Plant    Plant
	Owner    User
}

type ActionLog struct {
	ID              int64
	UserID          int64 // actor
	OwnerUserID     int64
	PlantID         int64
	ScheduleID      int64
	Action          ActionType
	Status          ActionStatus
	Source          ActionSource
	DoneAt          time.Time
	PlantNameAtTime string
	Note            string
	ShareID         int64
	ShareMemberID   int64
}

type Resolution struct {
	Status   ActionStatus
	Source   ActionSource
	ByUserID int64
	At       time.Time
	LogID    int64
}

// Pending is one fired occurrence awaiting done/skip.
type Pending struct {
	ID          int64
	ScheduleID  int64
	PlantID     int64
	OwnerUserID int64
	Action      ActionType
	PlannedAt   time.Time
	CreatedAt   time.Time
	Resolution  *Resolution
}

func (p Pending) Resolved() bool { return p.Resolution != nil }

// ResolvedByOwner reports whether the terminal resolution was made by the plant owner.
func (p Pending) ResolvedByOwner() bool {
	return p.Resolution != nil && p.Resolution.ByUserID == p.OwnerUserID
}

type PendingMessage struct {
	ID            int64
	PendingID     int64
	ChatID        int64
	MessageID     int
	IsOwner       bool
	ShareID       int64
	ShareMemberID int64
}

type ShareLink struct {
	ID                   int64
	OwnerUserID          int64
	Code                 string
	Title                string
	AllowCompleteDefault bool
	ShowHistoryDefault   bool
	Active               bool
	CreatedAt            time.Time
	ExpiresAt            time.Time // zero = never
	MaxUses              int       // 0 = unlimited
	UsesCount            int
}

// Live reports whether the link is active and not expired at now.
func (l ShareLink) Live(now time.Time) bool {
	if !l.Active {
		return false
	}
	return l.ExpiresAt.IsZero() || now.Before(l.ExpiresAt)
}

// Joinable additionally checks the use-count cap.
func (l ShareLink) Joinable(now time.Time) bool {
	if !l.Live(now) {
		return false
	}
	return l.MaxUses <= 0 || l.UsesCount < l.MaxUses
}

type ShareMember struct {
	ID                  int64
	ShareID             int64
	SubscriberUserID    int64
	Status              MemberStatus
	CanCompleteOverride *bool
	ShowHistoryOverride *bool
	Muted               bool
	JoinedAt            time.Time
	RemovedAt           time.Time
}

// Membership pairs a member row with its parent link.
type Membership struct {
	Link   ShareLink
	Member ShareMember
}

func (m Membership) CanComplete() bool {
	if m.Member.CanCompleteOverride != nil {
		return *m.Member.CanCompleteOverride
	}
	return m.Link.AllowCompleteDefault
}

func (m Membership) ShowHistory() bool {
	if m.Member.ShowHistoryOverride != nil {
		return *m.Member.ShowHistoryOverride
	}
	return m.Link.ShowHistoryDefault
}

// Receiving reports whether the member gets reminders and sees the schedule.
func (m Membership) Receiving(now time.Time) bool {
	return m.Member.Status == MemberActive && !m.Member.Muted && m.Link.Live(now)
}
