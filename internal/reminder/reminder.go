// Package reminder keeps exactly one durable job per active schedule and
// turns fired jobs into pending actions with chat notifications.
package reminder

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"plantbot/internal/domain"
	"plantbot/internal/eventbus"
	"plantbot/internal/transport"
	logx "plantbot/pkg/logx"
)

// JobPrefix prefixes every reminder job key.
const JobPrefix = "sch:"

const resendSuffix = ":resend"

func JobKey(scheduleID int64) string { return JobPrefix + strconv.FormatInt(scheduleID, 10) }

// ResendKey names the job that redelivers a fire whose owner copy failed.
// It lives next to JobKey so re-planning never replaces it.
func ResendKey(scheduleID int64) string { return JobKey(scheduleID) + resendSuffix }

func ParseJobKey(key string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(key, JobPrefix), 10, 64)
	if err != nil || !strings.HasPrefix(key, JobPrefix) || id <= 0 {
		return 0, fmt.Errorf("bad reminder job key %q", key)
	}
	return id, nil
}

// Store is the repository surface the dispatcher needs.
type Store interface {
	GetOwnedSchedule(ctx context.Context, id int64) (domain.OwnedSchedule, error)
	ListActiveSchedules(ctx context.Context) ([]domain.OwnedSchedule, error)
	LastEffectiveDone(ctx context.Context, scheduleID int64) (time.Time, domain.ActionSource, bool, error)
	DeleteFutureUnresolved(ctx context.Context, scheduleID int64, after time.Time) (int64, error)
	CreateOrGetPending(ctx context.Context, p domain.Pending) (domain.Pending, bool, error)
	ListPendingMessages(ctx context.Context, pendingID int64) ([]domain.PendingMessage, error)
	AddPendingMessage(ctx context.Context, m domain.PendingMessage) (int64, error)
	MembershipsForSchedule(ctx context.Context, scheduleID int64) ([]domain.Membership, error)
	SubscriberMemberships(ctx context.Context, scheduleID, userID int64) ([]domain.Membership, error)
	CreateActionLog(ctx context.Context, l domain.ActionLog) (int64, error)
	DeleteResolvedBefore(ctx context.Context, before time.Time) (int64, error)
	UpdateSchedule(ctx context.Context, s domain.Schedule) error
	SetScheduleActive(ctx context.Context, id int64, active bool) error
	DeleteSchedule(ctx context.Context, id int64) error
}

// Timer persists at most one job per key; scheduling a key again replaces it.
type Timer interface {
	ScheduleOnce(ctx context.Context, key string, at time.Time, payload string) error
	Cancel(ctx context.Context, key string) error
}

// Messenger delivers and edits chat messages.
type Messenger interface {
	Send(ctx context.Context, chatID int64, text string, kb [][]transport.Button) (int, error)
	Edit(ctx context.Context, chatID int64, messageID int, text string, kb [][]transport.Button) error
}

type Config struct {
	SendTimeout time.Duration
	FanoutLimit int
	ResendDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.FanoutLimit <= 0 {
		c.FanoutLimit = 4
	}
	if c.ResendDelay <= 0 {
		c.ResendDelay = time.Minute
	}
	return c
}

// PlannedEvent is published as "reminder.planned".
type PlannedEvent struct {
	ScheduleID int64     `json:"schedule_id"`
	At         time.Time `json:"at"`
}

// FiredEvent is published as "reminder.fired".
type FiredEvent struct {
	FireID     string    `json:"fire_id"`
	ScheduleID int64     `json:"schedule_id"`
	PendingID  int64     `json:"pending_id"`
	PlannedAt  time.Time `json:"planned_at"`
	Sent       int       `json:"sent"`
	Duplicate  bool      `json:"duplicate"`
}

type Service struct {
	store Store
	timer Timer
	msg   Messenger
	bus   eventbus.Bus
	cfg   Config
	log   logx.Logger
	locks *keyLock
	now   func() time.Time
}

func New(store Store, timer Timer, msg Messenger, bus eventbus.Bus, cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store: store,
		timer: timer,
		msg:   msg,
		bus:   bus,
		cfg:   cfg.withDefaults(),
		log:   log.With(logx.String("comp", "reminder")),
		locks: newKeyLock(),
		now:   time.Now,
	}
}

// SetClock overrides time.Now. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}
