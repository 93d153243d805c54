package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"plantbot/internal/domain"
	logx "plantbot/pkg/logx"
)

// ManualRequest records a completion outside of a reminder button.
type ManualRequest struct {
	ScheduleID  int64
	ActorUserID int64
	Status      domain.ActionStatus // DONE when empty
	At          time.Time           // now when zero
	Note        string
}

type ManualResult struct {
	LogID  int64
	Source domain.ActionSource
	// Next is zero when re-planning failed; the log is kept regardless.
	Next time.Time
}

// ManualAction writes an action log for the schedule and re-plans it. The
// owner acts as MANUAL; a share member with complete permission as SHARED.
func (s *Service) ManualAction(ctx context.Context, req ManualRequest) (ManualResult, error) {
	if req.Status == "" {
		req.Status = domain.StatusDone
	}
	if _, err := domain.ParseActionStatus(string(req.Status)); err != nil {
		return ManualResult{}, err
	}
	now := s.now().UTC()
	if req.At.IsZero() {
		req.At = now
	}
	if req.At.After(now) {
		return ManualResult{}, errors.New("completion time is in the future")
	}

	unlock := s.locks.Lock(req.ScheduleID)
	defer unlock()

	o, err := s.store.GetOwnedSchedule(ctx, req.ScheduleID)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && !o.Schedule.Active) {
		return ManualResult{}, fmt.Errorf("schedule %d: %w", req.ScheduleID, domain.ErrScheduleInactiveOrMissing)
	}
	if err != nil {
		return ManualResult{}, err
	}

	l := domain.ActionLog{
		UserID:          req.ActorUserID,
		OwnerUserID:     o.Owner.ID,
		PlantID:         o.Plant.ID,
		ScheduleID:      o.Schedule.ID,
		Action:          o.Schedule.Action,
		Status:          req.Status,
		Source:          domain.SourceManual,
		DoneAt:          req.At.UTC(),
		PlantNameAtTime: o.Plant.Name,
		Note:            req.Note,
	}
	if req.ActorUserID != o.Owner.ID {
		m, ok, err := s.completingMembership(ctx, o.Schedule.ID, req.ActorUserID)
		if err != nil {
			return ManualResult{}, err
		}
		if !ok {
			return ManualResult{}, fmt.Errorf("user %d on schedule %d: %w", req.ActorUserID, o.Schedule.ID, domain.ErrUnauthorized)
		}
		l.Source = domain.SourceShared
		l.ShareID, l.ShareMemberID = m.Link.ID, m.Member.ID
	}

	id, err := s.store.CreateActionLog(ctx, l)
	if err != nil {
		return ManualResult{}, err
	}
	res := ManualResult{LogID: id, Source: l.Source}
	s.log.Info("manual action recorded",
		logx.Int64("schedule_id", o.Schedule.ID),
		logx.Int64("actor", req.ActorUserID),
		logx.String("status", string(req.Status)),
		logx.String("source", string(l.Source)),
	)

	next, err := s.planLocked(ctx, o.Schedule.ID, time.Time{})
	if err != nil {
		s.log.Error("re-plan after manual action failed", logx.Int64("schedule_id", o.Schedule.ID), logx.Err(err))
		return res, nil
	}
	res.Next = next
	return res, nil
}

// completingMembership finds a receiving membership of userID that may
// complete the schedule.
func (s *Service) completingMembership(ctx context.Context, scheduleID, userID int64) (domain.Membership, bool, error) {
	ms, err := s.store.SubscriberMemberships(ctx, scheduleID, userID)
	if err != nil {
		return domain.Membership{}, false, err
	}
	now := s.now()
	for _, m := range ms {
		if m.Receiving(now) && m.CanComplete() {
			return m, true, nil
		}
	}
	return domain.Membership{}, false, nil
}
