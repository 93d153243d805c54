package resolution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"plantbot/internal/domain"
	"plantbot/internal/eventbus"
	"plantbot/internal/storage"
	"plantbot/internal/transport"
	logx "plantbot/pkg/logx"
)

// Store is the repository surface used here. Reads and the compare-and-set
// happen on the transaction handle.
type Store interface {
	InTx(ctx context.Context, fn func(tx *storage.Tx) error) error
	ListPendingMessages(ctx context.Context, pendingID int64) ([]domain.PendingMessage, error)
	SubscriberMemberships(ctx context.Context, scheduleID, userID int64) ([]domain.Membership, error)
	GetUser(ctx context.Context, id int64) (domain.User, error)
}

// Editor rewrites a sent reminder. A nil keyboard removes the buttons.
type Editor interface {
	Edit(ctx context.Context, chatID int64, messageID int, text string, kb [][]transport.Button) error
}

// Planner re-plans a schedule after its history changed.
type Planner interface {
	Plan(ctx context.Context, scheduleID int64) (time.Time, error)
}

type Config struct {
	EditTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.EditTimeout <= 0 {
		c.EditTimeout = 10 * time.Second
	}
	return c
}

type Request struct {
	PendingID   int64
	ActorUserID int64
	Status      domain.ActionStatus
}

type Outcome struct {
	PendingID  int64
	ScheduleID int64
	Status     domain.ActionStatus
	Source     domain.ActionSource
	LogID      int64
	Edited     int
	// Next is zero when re-planning failed or was not attempted.
	Next time.Time
}

// ResolvedEvent is published on "resolution.resolved".
type ResolvedEvent struct {
	Outcome
	ActorUserID int64
}

type Service struct {
	store   Store
	editor  Editor
	planner Planner
	bus     eventbus.Bus
	cfg     Config
	log     logx.Logger
	now     func() time.Time
}

func New(store Store, editor Editor, planner Planner, bus eventbus.Bus, cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:   store,
		editor:  editor,
		planner: planner,
		bus:     bus,
		cfg:     cfg.withDefaults(),
		log:     log.With(logx.String("comp", "resolution")),
		now:     time.Now,
	}
}

// SetClock overrides time.Now. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Resolve records a done/skip tap on a pending reminder.
//
// The log insert and the pending compare-and-set share one transaction, so
// of two concurrent taps exactly one wins and the other observes the
// terminal state. Message edits and re-planning run after commit; their
// failures are logged and do not undo the resolution.
func (s *Service) Resolve(ctx context.Context, req Request) (Outcome, error) {
	log := s.log.With(logx.Int64("pending_id", req.PendingID), logx.Int64("actor", req.ActorUserID))
	now := s.now().UTC()

	var (
		p   domain.Pending
		o   domain.OwnedSchedule
		out Outcome
	)
	err := s.store.InTx(ctx, func(tx *storage.Tx) error {
		var err error
		if p, o, err = loadPending(ctx, tx, req.PendingID); err != nil {
			return err
		}
		actor := Actor{UserID: req.ActorUserID, Owner: req.ActorUserID == p.OwnerUserID}
		var m *domain.Membership
		if !actor.Owner {
			if m, err = completingMembership(ctx, tx, o.Schedule.ID, req.ActorUserID, now); err != nil {
				return err
			}
			actor.CanComplete = m != nil
		}
		d, err := Decide(p, actor, req.Status)
		if err != nil {
			return err
		}

		l := domain.ActionLog{
			UserID:          req.ActorUserID,
			OwnerUserID:     p.OwnerUserID,
			PlantID:         o.Plant.ID,
			ScheduleID:      o.Schedule.ID,
			Action:          o.Schedule.Action,
			Status:          req.Status,
			Source:          d.Source,
			DoneAt:          now,
			PlantNameAtTime: o.Plant.Name,
		}
		if m != nil {
			l.ShareID, l.ShareMemberID = m.Link.ID, m.Member.ID
		}
		logID, err := tx.CreateActionLog(ctx, l)
		if err != nil {
			return err
		}
		r := domain.Resolution{Status: req.Status, Source: d.Source, ByUserID: req.ActorUserID, At: now, LogID: logID}
		if err := tx.MarkPendingResolved(ctx, p.ID, d.Prev, r); err != nil {
			return err
		}
		p.Resolution = &r
		out = Outcome{PendingID: p.ID, ScheduleID: o.Schedule.ID, Status: req.Status, Source: d.Source, LogID: logID}
		return nil
	})
	if err != nil {
		if !isExpected(err) {
			log.Error("resolve failed", logx.Err(err))
		} else {
			log.Debug("resolve rejected", logx.Err(err))
		}
		return Outcome{}, err
	}
	log.Info("pending resolved",
		logx.Int64("schedule_id", out.ScheduleID),
		logx.String("status", string(out.Status)),
		logx.String("source", string(out.Source)),
	)

	out.Edited = s.refresh(ctx, log, p, o)
	if s.planner != nil {
		next, err := s.planner.Plan(ctx, o.Schedule.ID)
		if err != nil {
			log.Error("re-plan after resolution failed", logx.Int64("schedule_id", o.Schedule.ID), logx.Err(err))
		} else {
			out.Next = next
		}
	}
	s.publish("resolution.resolved", ResolvedEvent{Outcome: out, ActorUserID: req.ActorUserID})
	return out, nil
}

// Rollback clears the resolution of a pending so its buttons work again.
// Only the owner may roll back, and an owner skip stays locked. The action
// log row is kept as history.
func (s *Service) Rollback(ctx context.Context, pendingID, ownerID int64) error {
	log := s.log.With(logx.Int64("pending_id", pendingID), logx.Int64("actor", ownerID))
	var (
		p       domain.Pending
		o       domain.OwnedSchedule
		cleared bool
	)
	err := s.store.InTx(ctx, func(tx *storage.Tx) error {
		var err error
		if p, o, err = loadPending(ctx, tx, pendingID); err != nil {
			return err
		}
		if p.OwnerUserID != ownerID {
			return fmt.Errorf("user %d on pending %d: %w", ownerID, pendingID, domain.ErrUnauthorized)
		}
		if p.Resolution == nil {
			return nil
		}
		if p.Resolution.Status == domain.StatusSkipped && p.ResolvedByOwner() {
			return domain.ErrSkipLocked
		}
		if err := tx.ClearPendingResolution(ctx, pendingID, p.Resolution.Status); err != nil {
			return err
		}
		p.Resolution = nil
		cleared = true
		return nil
	})
	if err != nil || !cleared {
		return err
	}
	log.Info("resolution cleared", logx.Int64("schedule_id", o.Schedule.ID))
	s.refresh(ctx, log, p, o)
	s.publish("resolution.cleared", Outcome{PendingID: p.ID, ScheduleID: o.Schedule.ID})
	return nil
}

func loadPending(ctx context.Context, tx *storage.Tx, pendingID int64) (domain.Pending, domain.OwnedSchedule, error) {
	p, err := tx.GetPending(ctx, pendingID)
	if err != nil {
		return domain.Pending{}, domain.OwnedSchedule{}, err
	}
	o, err := tx.GetOwnedSchedule(ctx, p.ScheduleID)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && !o.Schedule.Active) {
		return domain.Pending{}, domain.OwnedSchedule{}, fmt.Errorf("schedule %d: %w", p.ScheduleID, domain.ErrScheduleInactiveOrMissing)
	}
	if err != nil {
		return domain.Pending{}, domain.OwnedSchedule{}, err
	}
	return p, o, nil
}

type membershipLister interface {
	SubscriberMemberships(ctx context.Context, scheduleID, userID int64) ([]domain.Membership, error)
}

// completingMembership returns a receiving membership of userID that may
// complete the schedule, or nil.
func completingMembership(ctx context.Context, st membershipLister, scheduleID, userID int64, now time.Time) (*domain.Membership, error) {
	ms, err := st.SubscriberMemberships(ctx, scheduleID, userID)
	if err != nil {
		return nil, err
	}
	for i := range ms {
		if ms[i].Receiving(now) && ms[i].CanComplete() {
			return &ms[i], nil
		}
	}
	return nil, nil
}

func isExpected(err error) bool {
	return errors.Is(err, domain.ErrAlreadyResolved) ||
		errors.Is(err, domain.ErrUnauthorized) ||
		errors.Is(err, domain.ErrPendingNotFound) ||
		errors.Is(err, domain.ErrScheduleInactiveOrMissing)
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
