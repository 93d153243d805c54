package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"plantbot/internal/task/engine"
	logx "plantbot/pkg/logx"
)

// AddCron registers a maintenance job. Registering a name again replaces
// the previous definition.
func (s *Service) AddCron(name, spec string, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("name required")
	}
	if job == nil {
		return "", errors.New("job required")
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.removeCronLocked(name)
	s.defs = append(s.defs, cronDef{name: name, spec: spec, timeout: timeout, job: job})
	if s.c == nil {
		// Registered when Start runs.
		return name, nil
	}
	if err := s.addCronLocked(&s.defs[len(s.defs)-1]); err != nil {
		return name, err
	}
	s.log.Debug("cron registered", logx.String("name", name), logx.String("spec", spec))
	return name, nil
}

// Remove unregisters the cron job with the given name.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeCronLocked(name)
}

func (s *Service) removeCronLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *cronDef) error {
	name, timeout, run := d.name, d.timeout, d.job
	eid, err := s.c.AddJob(d.spec, cron.FuncJob(func() {
		if s.engine == nil {
			return
		}
		err := s.engine.Enqueue(engine.Task{Name: name, Timeout: timeout, Run: run})
		if err != nil {
			s.reportEnqueueError(name, err)
		}
	}))
	if err == nil {
		d.entryID = eid
	}
	return err
}
