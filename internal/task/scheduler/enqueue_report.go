package scheduler

import (
	"errors"
	"time"

	"plantbot/internal/task/engine"
	logx "plantbot/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrStopped) {
		s.log.Debug("trigger ignored: engine stopped", logx.String("name", name))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	// Queue full is bursty; the job row stays and is retried on restart.
	s.log.Warn("trigger failed to enqueue task", logx.String("name", name), logx.Err(err))
}
