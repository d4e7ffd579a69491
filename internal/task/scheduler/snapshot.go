package scheduler

import (
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// Snapshot reports every registered schedule. When triggering is stopped the
// next run is computed from the expression alone (plain cron specs only).
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	out := Snapshot{Running: s.c != nil, Timezone: loc.String()}
	now := time.Now().In(loc)
	for _, d := range s.defs {
		it := ScheduleInfo{Name: d.name, Spec: d.spec}
		switch {
		case s.c != nil && d.entryID != 0:
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		case !strings.HasPrefix(d.spec, "@"):
			if next, err := gronx.NextTickAfter(d.spec, now, false); err == nil {
				it.Next = next
			}
		}
		out.Schedules = append(out.Schedules, it)
	}
	return out
}
