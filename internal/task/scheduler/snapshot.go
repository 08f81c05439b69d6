package scheduler

import (
	"sort"
	"time"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defs := append([]cronDef(nil), s.defs...)
	c := s.c
	loc := s.loc
	s.mu.Unlock()

	items := make([]ScheduleInfo, 0, len(defs))
	for _, d := range defs {
		it := ScheduleInfo{Name: d.name, Kind: "cron", Spec: d.spec, Timeout: d.timeout}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		items = append(items, it)
	}

	s.tmu.Lock()
	running := s.running
	for name, d := range s.once {
		items = append(items, ScheduleInfo{Name: name, Kind: "once", Spec: d.at.Format(time.RFC3339), Timeout: d.timeout, Next: d.at})
	}
	s.tmu.Unlock()

	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].Next.Equal(items[j].Next) {
			return items[i].Next.Before(items[j].Next)
		}
		return items[i].Name < items[j].Name
	})

	snap := Snapshot{
		Timezone:      loc.String(),
		Running:       running,
		Missed:        s.missed.Load(),
		EnqueueFailed: s.enqueueFailed.Load(),
		Schedules:     items,
	}
	if s.engine != nil {
		es := s.engine.Snapshot()
		snap.Workers = es.Workers
		snap.InFlight = es.InFlight
		snap.QueueLen = es.QueueLen
		snap.QueueCap = es.QueueCap
		snap.Dropped = es.Dropped
		snap.DroppedQueueFull = es.DroppedQueueFull
		snap.DroppedStale = es.DroppedStale
		snap.DefaultTimeout = es.DefaultTimeout
		snap.MaxQueueDelay = es.MaxQueueDelay
		snap.RetryMax = es.RetryMax
		snap.History = es.History
	}
	return snap
}
