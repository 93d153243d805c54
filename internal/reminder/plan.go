package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"plantbot/internal/domain"
	"plantbot/internal/recurrence"
	"plantbot/internal/tzconv"
	logx "plantbot/pkg/logx"
)

// Plan computes the next occurrence of the schedule from its effective
// completion and replaces the schedule's job with it. A missing or
// inactive schedule has its job cancelled and yields
// ErrScheduleInactiveOrMissing.
func (s *Service) Plan(ctx context.Context, scheduleID int64) (time.Time, error) {
	unlock := s.locks.Lock(scheduleID)
	defer unlock()
	return s.planLocked(ctx, scheduleID, time.Time{})
}

// planLocked plans strictly after max(now, floor). Call with the schedule lock held.
func (s *Service) planLocked(ctx context.Context, scheduleID int64, floor time.Time) (time.Time, error) {
	key := JobKey(scheduleID)
	o, err := s.store.GetOwnedSchedule(ctx, scheduleID)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && !o.Schedule.Active) {
		for _, k := range []string{key, ResendKey(scheduleID)} {
			if cerr := s.timer.Cancel(ctx, k); cerr != nil {
				s.log.Warn("cancel job failed", logx.String("key", k), logx.Err(cerr))
			}
		}
		s.log.Info("job removed", logx.Int64("schedule_id", scheduleID))
		return time.Time{}, fmt.Errorf("schedule %d: %w", scheduleID, domain.ErrScheduleInactiveOrMissing)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: schedule %d: %w", domain.ErrPlanningFailure, scheduleID, err)
	}

	now := s.now().UTC()
	if floor.After(now) {
		now = floor
	}
	last, src, _, err := s.store.LastEffectiveDone(ctx, scheduleID)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: schedule %d: last effective done: %w", domain.ErrPlanningFailure, scheduleID, err)
	}
	loc, degraded := tzconv.ZoneOrUTC(o.Owner.TZ)
	if degraded {
		s.log.Warn("unknown timezone, using UTC", logx.Int64("user_id", o.Owner.ID), logx.String("tz", o.Owner.TZ))
	}
	next, err := recurrence.Next(recurrence.RuleOf(o.Schedule), last, src, loc, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: schedule %d: %w", domain.ErrPlanningFailure, scheduleID, err)
	}

	deleted, err := s.store.DeleteFutureUnresolved(ctx, scheduleID, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: schedule %d: prune pendings: %w", domain.ErrPlanningFailure, scheduleID, err)
	}
	if deleted > 0 {
		s.log.Info("future pendings dropped", logx.Int64("schedule_id", scheduleID), logx.Int64("deleted", deleted))
	}

	if err := s.timer.ScheduleOnce(ctx, key, next, next.UTC().Format(time.RFC3339Nano)); err != nil {
		return time.Time{}, fmt.Errorf("%w: schedule %d: %w", domain.ErrPlanningFailure, scheduleID, err)
	}
	s.log.Info("planned",
		logx.Int64("schedule_id", scheduleID),
		logx.Int64("user_id", o.Owner.ID),
		logx.String("action", string(o.Schedule.Action)),
		logx.Time("run_at_utc", next.UTC()),
		logx.String("run_at_local", next.In(loc).Format("2006-01-02 15:04:05")),
		logx.String("tz", loc.String()),
	)
	s.publish("reminder.planned", PlannedEvent{ScheduleID: scheduleID, At: next.UTC()})
	return next.UTC(), nil
}

// UpdateSchedule stores the edited schedule and re-plans it, so a changed
// rule or time takes effect from the next occurrence.
func (s *Service) UpdateSchedule(ctx context.Context, sch domain.Schedule) (time.Time, error) {
	unlock := s.locks.Lock(sch.ID)
	defer unlock()
	if err := s.store.UpdateSchedule(ctx, sch); err != nil {
		return time.Time{}, err
	}
	return s.replanLocked(ctx, sch.ID)
}

// SetActive pauses or resumes a schedule. Pausing cancels its job;
// resuming plans the next occurrence from now. The returned time is zero
// when nothing is planned.
func (s *Service) SetActive(ctx context.Context, scheduleID int64, active bool) (time.Time, error) {
	unlock := s.locks.Lock(scheduleID)
	defer unlock()
	if err := s.store.SetScheduleActive(ctx, scheduleID, active); err != nil {
		return time.Time{}, err
	}
	return s.replanLocked(ctx, scheduleID)
}

// DeleteSchedule removes the schedule and its jobs.
func (s *Service) DeleteSchedule(ctx context.Context, scheduleID int64) error {
	unlock := s.locks.Lock(scheduleID)
	defer unlock()
	if err := s.store.DeleteSchedule(ctx, scheduleID); err != nil {
		return err
	}
	_, err := s.replanLocked(ctx, scheduleID)
	return err
}

// replanLocked is planLocked after a catalog change, where an inactive or
// deleted schedule is the expected outcome rather than an error.
func (s *Service) replanLocked(ctx context.Context, scheduleID int64) (time.Time, error) {
	next, err := s.planLocked(ctx, scheduleID, time.Time{})
	if errors.Is(err, domain.ErrScheduleInactiveOrMissing) {
		return time.Time{}, nil
	}
	return next, err
}

// PlanAll re-plans every active schedule. One failing schedule does not
// stop the others; their errors are aggregated.
func (s *Service) PlanAll(ctx context.Context) (int, error) {
	schedules, err := s.store.ListActiveSchedules(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active schedules: %w", err)
	}
	var (
		planned int
		errs    *multierror.Error
	)
	for _, o := range schedules {
		if ctx.Err() != nil {
			errs = multierror.Append(errs, ctx.Err())
			break
		}
		if _, err := s.Plan(ctx, o.Schedule.ID); err != nil {
			s.log.Error("plan failed", logx.Int64("schedule_id", o.Schedule.ID), logx.Err(err))
			errs = multierror.Append(errs, err)
			continue
		}
		planned++
	}
	s.log.Info("plan all done", logx.Int("active", len(schedules)), logx.Int("planned", planned))
	return planned, errs.ErrorOrNil()
}

// Cleanup prunes resolved pendings planned before the cutoff.
func (s *Service) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	n, err := s.store.DeleteResolvedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("cleanup pendings: %w", err)
	}
	if n > 0 {
		s.log.Info("resolved pendings pruned", logx.Int64("deleted", n), logx.Time("before", before))
	}
	return n, nil
}
