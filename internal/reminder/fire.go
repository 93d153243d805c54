package reminder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"plantbot/internal/domain"
	"plantbot/internal/storage"
	"plantbot/internal/task/engine"
	"plantbot/internal/transport"
	logx "plantbot/pkg/logx"
)

// HandleJob is the scheduler handler for JobPrefix keys.
func (s *Service) HandleJob(ctx context.Context, job storage.Job) error {
	key, resend := strings.CutSuffix(job.Key, resendSuffix)
	id, err := ParseJobKey(key)
	if err != nil {
		return engine.NoRetry(err)
	}
	plannedAt := job.FireAt
	if job.Payload != "" {
		if t, err := time.Parse(time.RFC3339Nano, job.Payload); err == nil {
			plannedAt = t
		}
	}
	if resend {
		return s.Resend(ctx, id, plannedAt)
	}
	return s.Fire(ctx, id, plannedAt)
}

// Fire materializes the occurrence at plannedAt, notifies the owner and
// every receiving share member, then plans the following occurrence.
//
// The next occurrence is planned whatever the sends did. Recipients that
// already have a message for the pending are not sent to again, so a
// repeated fire for the same instant sends nothing. When the owner copy
// could not be delivered a resend job is armed for it.
func (s *Service) Fire(ctx context.Context, scheduleID int64, plannedAt time.Time) error {
	unlock := s.locks.Lock(scheduleID)
	defer unlock()

	fireID := uuid.NewString()
	log := s.log.With(logx.String("fire_id", fireID), logx.Int64("schedule_id", scheduleID))

	o, err := s.store.GetOwnedSchedule(ctx, scheduleID)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && !o.Schedule.Active) {
		log.Warn("fire skipped: schedule inactive or missing")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load schedule %d: %w", scheduleID, err)
	}

	p, created, err := s.pendingFor(ctx, o, plannedAt)
	if err != nil {
		return err
	}
	log = log.With(logx.Int64("pending_id", p.ID))

	ev := FiredEvent{FireID: fireID, ScheduleID: scheduleID, PendingID: p.ID, PlannedAt: p.PlannedAt}
	var errs *multierror.Error
	resend := false
	if p.Resolved() {
		ev.Duplicate = true
		log.Info("duplicate fire; pending already resolved", logx.Bool("created", created))
	} else {
		d, err := s.deliver(ctx, log, o, p)
		ev.Sent = d.sent
		switch {
		case err != nil:
			errs = multierror.Append(errs, err)
		case d.attempted == 0:
			ev.Duplicate = true
			log.Info("duplicate fire; nothing sent", logx.Bool("created", created))
		}
		resend = !d.ownerOK
	}
	s.publish("reminder.fired", ev)

	if _, err := s.planLocked(ctx, scheduleID, p.PlannedAt); err != nil {
		log.Error("re-plan after fire failed", logx.Err(err))
		errs = multierror.Append(errs, err)
	}
	if resend {
		at := s.now().Add(s.cfg.ResendDelay)
		if err := s.timer.ScheduleOnce(ctx, ResendKey(scheduleID), at, p.PlannedAt.Format(time.RFC3339Nano)); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("arm resend of pending %d: %w", p.ID, err))
		} else {
			log.Warn("owner copy undelivered; resend armed", logx.Time("resend_at", at.UTC()))
		}
	}
	return errs.ErrorOrNil()
}

// Resend delivers the copies of the occurrence at plannedAt that a fire
// could not. It fails while the owner copy is still missing, so the job
// engine retries it with backoff.
func (s *Service) Resend(ctx context.Context, scheduleID int64, plannedAt time.Time) error {
	unlock := s.locks.Lock(scheduleID)
	defer unlock()

	log := s.log.With(logx.Int64("schedule_id", scheduleID), logx.Time("planned_at", plannedAt.UTC()))
	o, err := s.store.GetOwnedSchedule(ctx, scheduleID)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && !o.Schedule.Active) {
		log.Info("resend dropped: schedule inactive or missing")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load schedule %d: %w", scheduleID, err)
	}
	p, _, err := s.pendingFor(ctx, o, plannedAt)
	if err != nil {
		return err
	}
	if p.Resolved() {
		log.Info("resend dropped: pending resolved", logx.Int64("pending_id", p.ID))
		return nil
	}
	d, err := s.deliver(ctx, log, o, p)
	if err != nil {
		return err
	}
	if !d.ownerOK {
		return fmt.Errorf("resend pending %d: owner copy undelivered: %w", p.ID, d.sendErr)
	}
	return nil
}

func (s *Service) pendingFor(ctx context.Context, o domain.OwnedSchedule, plannedAt time.Time) (domain.Pending, bool, error) {
	return s.store.CreateOrGetPending(ctx, domain.Pending{
		ScheduleID:  o.Schedule.ID,
		PlantID:     o.Plant.ID,
		OwnerUserID: o.Owner.ID,
		Action:      o.Schedule.Action,
		PlannedAt:   plannedAt.UTC(),
	})
}

type recipient struct {
	chatID     int64
	text       string
	kb         [][]transport.Button
	isOwner    bool
	membership *domain.Membership
}

func (s *Service) recipients(ctx context.Context, log logx.Logger, o domain.OwnedSchedule, p domain.Pending) []recipient {
	out := []recipient{{
		chatID:  o.Owner.ID,
		text:    BaseText(o),
		kb:      ActionKeyboard(p.ID),
		isOwner: true,
	}}

	ms, err := s.store.MembershipsForSchedule(ctx, o.Schedule.ID)
	if err != nil {
		log.Error("list memberships failed; owner only", logx.Err(err))
		return out
	}
	now := s.now()
	// One message per subscriber; a membership that may complete wins.
	best := map[int64]int{}
	for i := range ms {
		m := ms[i]
		uid := m.Member.SubscriberUserID
		if uid == o.Owner.ID || !m.Receiving(now) {
			continue
		}
		r := recipient{chatID: uid, text: SubscriberText(o), membership: &m}
		if m.CanComplete() {
			r.kb = ActionKeyboard(p.ID)
		}
		if j, ok := best[uid]; ok {
			if out[j].kb == nil && r.kb != nil {
				out[j] = r
			}
			continue
		}
		best[uid] = len(out)
		out = append(out, r)
	}
	return out
}

type delivery struct {
	attempted int
	sent      int
	// ownerOK is true once the owner copy of the pending is recorded.
	ownerOK bool
	sendErr error
}

// deliver sends to every recipient without a recorded message for p. The
// error covers store failures only; send failures land in sendErr.
func (s *Service) deliver(ctx context.Context, log logx.Logger, o domain.OwnedSchedule, p domain.Pending) (delivery, error) {
	var d delivery
	have, err := s.store.ListPendingMessages(ctx, p.ID)
	if err != nil {
		return d, fmt.Errorf("list messages of pending %d: %w", p.ID, err)
	}
	done := make(map[int64]bool, len(have))
	for _, m := range have {
		done[m.ChatID] = true
		d.ownerOK = d.ownerOK || m.IsOwner
	}
	var rs []recipient
	for _, r := range s.recipients(ctx, log, o, p) {
		if !done[r.chatID] {
			rs = append(rs, r)
		}
	}
	if len(rs) == 0 {
		return d, nil
	}
	d.attempted = len(rs)
	var owner bool
	d.sent, owner, d.sendErr = s.notify(ctx, log, p, rs)
	d.ownerOK = d.ownerOK || owner
	return d, nil
}

// notify sends concurrently and records every delivered message. It
// returns the number delivered, whether the owner copy was among them and
// the aggregated send errors.
func (s *Service) notify(ctx context.Context, log logx.Logger, p domain.Pending, rs []recipient) (int, bool, error) {
	var (
		mu    sync.Mutex
		sent  int
		owner bool
		errs  *multierror.Error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.FanoutLimit)
	for _, r := range rs {
		r := r
		g.Go(func() error {
			err := s.sendOne(gctx, p, r)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Warn("send failed", logx.Int64("chat_id", r.chatID), logx.Bool("owner", r.isOwner), logx.Err(err))
				errs = multierror.Append(errs, fmt.Errorf("chat %d: %w", r.chatID, err))
				return nil
			}
			sent++
			owner = owner || r.isOwner
			return nil
		})
	}
	_ = g.Wait()
	log.Info("reminder sent", logx.Int("recipients", len(rs)), logx.Int("sent", sent), logx.Bool("owner", owner))
	return sent, owner, errs.ErrorOrNil()
}

func (s *Service) sendOne(ctx context.Context, p domain.Pending, r recipient) error {
	sctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	msgID, err := s.msg.Send(sctx, r.chatID, r.text, r.kb)
	if err != nil {
		return err
	}
	pm := domain.PendingMessage{PendingID: p.ID, ChatID: r.chatID, MessageID: msgID, IsOwner: r.isOwner}
	if r.membership != nil {
		pm.ShareID = r.membership.Link.ID
		pm.ShareMemberID = r.membership.Member.ID
	}
	if _, err := s.store.AddPendingMessage(ctx, pm); err != nil {
		return fmt.Errorf("record message: %w", err)
	}
	return nil
}
