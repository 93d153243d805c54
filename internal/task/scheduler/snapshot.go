package scheduler

import "sort"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Timezone: s.cfg.Timezone}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for _, d := range s.defs {
		it := CronInfo{Name: d.name, Spec: d.spec}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		snap.Crons = append(snap.Crons, it)
	}
	eng := s.engine
	s.mu.Unlock()

	s.tmu.Lock()
	for _, d := range s.once {
		snap.Jobs = append(snap.Jobs, JobInfo{Key: d.job.Key, FireAt: d.job.FireAt})
	}
	s.tmu.Unlock()
	sort.Slice(snap.Jobs, func(i, j int) bool {
		if !snap.Jobs[i].FireAt.Equal(snap.Jobs[j].FireAt) {
			return snap.Jobs[i].FireAt.Before(snap.Jobs[j].FireAt)
		}
		return snap.Jobs[i].Key < snap.Jobs[j].Key
	})

	if eng != nil {
		snap.Engine = eng.Snapshot()
	}
	return snap
}
