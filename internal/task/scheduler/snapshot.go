package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	c := s.c
	loc := s.loc
	items := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		it := ScheduleInfo{Name: d.name, Spec: d.spec, Timeout: d.timeout, Skipped: d.skipped.Load()}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		d.state.mu.Lock()
		it.Running = d.state.inflight > 0
		d.state.mu.Unlock()
		items = append(items, it)
	}
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}

	s.histMu.Lock()
	hist := append([]HistoryItem(nil), s.history...)
	s.histMu.Unlock()

	return Snapshot{
		Running:   c != nil,
		Timezone:  loc.String(),
		Schedules: items,
		History:   hist,
	}
}
