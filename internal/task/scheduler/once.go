package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"plantbot/internal/storage"
	"plantbot/internal/task/engine"
	logx "plantbot/pkg/logx"
)

// ScheduleOnce persists a one-shot job and arms its timer. An existing job
// with the same key is replaced; a stale timer never fires after that.
func (s *Service) ScheduleOnce(ctx context.Context, key string, at time.Time, payload string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("job key required")
	}
	if at.IsZero() {
		return errors.New("fire time required")
	}
	job := storage.Job{Key: key, FireAt: at.UTC(), Payload: payload}
	if s.store != nil {
		if err := s.store.SaveJob(ctx, job); err != nil {
			return err
		}
	}

	s.tmu.Lock()
	if old := s.once[key]; old != nil && old.timer != nil {
		old.timer.Stop()
	}
	s.seq++
	d := &onceDef{job: job, ver: s.seq}
	s.once[key] = d
	if s.running {
		s.armLocked(d)
	}
	s.tmu.Unlock()

	s.log.Debug("job scheduled", logx.String("key", key), logx.Time("fire_at", job.FireAt))
	return nil
}

// Cancel removes a job from memory and from the store. Unknown keys are
// not an error.
func (s *Service) Cancel(ctx context.Context, key string) error {
	s.tmu.Lock()
	if d := s.once[key]; d != nil {
		if d.timer != nil {
			d.timer.Stop()
		}
		delete(s.once, key)
	}
	s.tmu.Unlock()

	if s.store != nil {
		if err := s.store.DeleteJob(ctx, key); err != nil {
			return fmt.Errorf("delete job %s: %w", key, err)
		}
	}
	return nil
}

// Pending reports when the job with key is due to fire.
func (s *Service) Pending(key string) (time.Time, bool) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	d := s.once[key]
	if d == nil {
		return time.Time{}, false
	}
	return d.job.FireAt, true
}

func (s *Service) restore(ctx context.Context, grace time.Duration) (armed, dropped int, err error) {
	var jobs []storage.Job
	if s.store != nil {
		if jobs, err = s.store.LoadJobs(ctx); err != nil {
			return 0, 0, fmt.Errorf("load jobs: %w", err)
		}
	}

	s.tmu.Lock()
	for _, j := range jobs {
		if old := s.once[j.Key]; old != nil {
			if old.timer != nil {
				old.timer.Stop()
			}
		}
		s.seq++
		s.once[j.Key] = &onceDef{job: j, ver: s.seq}
	}
	now := time.Now()
	var misfired []storage.Job
	for key, d := range s.once {
		if now.Sub(d.job.FireAt) > grace {
			misfired = append(misfired, d.job)
			delete(s.once, key)
			continue
		}
		s.armLocked(d)
		armed++
	}
	s.running = true
	s.tmu.Unlock()

	sort.Slice(misfired, func(i, j int) bool { return misfired[i].Key < misfired[j].Key })
	for _, j := range misfired {
		s.log.Warn("job misfired; dropped", logx.String("key", j.Key), logx.Time("fire_at", j.FireAt))
		if s.store != nil {
			if err := s.store.DeleteJobIf(ctx, j.Key, j.FireAt); err != nil {
				s.log.Warn("delete misfired job failed", logx.String("key", j.Key), logx.Err(err))
			}
		}
		s.publish("scheduler.misfire", MisfireEvent{Key: j.Key, FireAt: j.FireAt})
	}
	return armed, len(misfired), nil
}

// armLocked starts the timer for d. Call with s.tmu held.
func (s *Service) armLocked(d *onceDef) {
	delay := time.Until(d.job.FireAt)
	if delay < 0 {
		delay = 0
	}
	key, ver := d.job.Key, d.ver
	d.timer = time.AfterFunc(delay, func() { s.fire(key, ver) })
}

func (s *Service) fire(key string, ver uint64) {
	s.tmu.Lock()
	d := s.once[key]
	if d == nil || d.ver != ver || !s.running {
		// Replaced, cancelled or stopped meanwhile.
		s.tmu.Unlock()
		return
	}
	delete(s.once, key)
	job := d.job
	s.tmu.Unlock()

	h := s.handlerFor(key)
	if h == nil {
		s.log.Warn("no handler for job; dropped", logx.String("key", key))
		if s.store != nil {
			_ = s.store.DeleteJobIf(context.Background(), key, job.FireAt)
		}
		return
	}

	s.mu.Lock()
	timeout := s.cfg.JobTimeout
	s.mu.Unlock()

	task := engine.Task{
		Name:    "job:" + key,
		Timeout: timeout,
		Run: func(ctx context.Context) error {
			if err := h(ctx, job); err != nil {
				return err
			}
			if s.store != nil {
				if err := s.store.DeleteJobIf(ctx, job.Key, job.FireAt); err != nil {
					s.log.Warn("delete fired job failed", logx.String("key", job.Key), logx.Err(err))
				}
			}
			return nil
		},
	}
	if s.engine == nil {
		go func() {
			if err := task.Run(context.Background()); err != nil {
				s.log.Warn("job failed", logx.String("key", key), logx.Err(err))
			}
		}()
		return
	}
	if err := s.engine.Enqueue(task); err != nil {
		s.reportEnqueueError(key, err)
	}
}

func (s *Service) handlerFor(key string) Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best    Handler
		bestLen = -1
	)
	for prefix, h := range s.handlers {
		if strings.HasPrefix(key, prefix) && len(prefix) > bestLen {
			best, bestLen = h, len(prefix)
		}
	}
	return best
}
