package scheduler

import (
	"errors"
	"strings"
	"time"

	"shieldbot/internal/eventbus"
	"shieldbot/internal/task/engine"
	logx "shieldbot/pkg/logx"
)

// AddOnce registers a one-shot trigger at the given instant. A trigger with
// the same name is replaced: its timer is stopped and its version retired, so
// a callback that already started racing is ignored.
//
// at must be after now, otherwise ErrPastFireTime is returned and nothing
// changes. When the scheduler is stopped the definition is kept and armed by
// the next Start.
func (s *Service) AddOnce(name string, at time.Time, timeout time.Duration, job Job) (string, error) {
	return s.AddOnceOpt(name, at, timeout, TaskOptions{}, job)
}

func (s *Service) AddOnceOpt(name string, at time.Time, timeout time.Duration, opt TaskOptions, job Job) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("name required")
	}
	if at.IsZero() {
		return "", errors.New("at required")
	}
	if job == nil {
		return "", errors.New("job required")
	}
	if !at.After(s.now()) {
		return "", ErrPastFireTime
	}

	s.mu.Lock()
	s.removeCronLocked(name)
	s.mu.Unlock()

	s.tmu.Lock()
	if prev, ok := s.once[name]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	s.verSeq++
	d := &onceDef{at: at, timeout: timeout, job: job, opt: opt, ver: s.verSeq}
	s.once[name] = d
	if s.running {
		s.armLocked(name, d)
	}
	s.tmu.Unlock()

	s.log.Debug("once registered", logx.String("name", name), logx.Time("at", at))
	return name, nil
}

// Pending reports the fire time of a registered one-shot trigger.
func (s *Service) Pending(name string) (time.Time, bool) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	d, ok := s.once[strings.TrimSpace(name)]
	if !ok {
		return time.Time{}, false
	}
	return d.at, true
}

// PendingCount is the number of registered one-shot triggers.
func (s *Service) PendingCount() int {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	return len(s.once)
}

// Remove cancels every trigger registered under name. Unknown names are a
// no-op; the result reports whether anything was removed.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}

	s.mu.Lock()
	removed := s.removeCronLocked(name)
	s.mu.Unlock()

	s.tmu.Lock()
	removed = s.removeOnceLocked(name) || removed
	s.tmu.Unlock()

	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// Call with s.tmu held.
func (s *Service) removeOnceLocked(name string) bool {
	d, ok := s.once[name]
	if !ok {
		return false
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	delete(s.once, name)
	return true
}

// Call with s.tmu held.
func (s *Service) armLocked(name string, d *onceDef) {
	ver := d.ver
	d.timer = time.AfterFunc(max(0, d.at.Sub(s.now())), func() { s.fireOnce(name, ver) })
}

// fireOnce runs on the timer goroutine. Timers follow the monotonic clock,
// which stops during host suspend, so the wall clock is checked again here.
func (s *Service) fireOnce(name string, ver uint64) {
	s.tmu.Lock()
	d, ok := s.once[name]
	if !ok || d.ver != ver || !s.running {
		s.tmu.Unlock()
		return
	}
	now := s.now()
	if early := d.at.Sub(now); early > s.grace {
		// Wall clock went back: wait for the real fire time.
		s.armLocked(name, d)
		s.tmu.Unlock()
		return
	}
	// Drop the definition before enqueueing so a restart can't fire it twice.
	delete(s.once, name)
	s.tmu.Unlock()

	late := now.Sub(d.at)
	if late > s.grace {
		s.missed.Add(1)
		s.log.Warn("once dropped: fired past misfire grace",
			logx.String("name", name),
			logx.Time("at", d.at),
			logx.Duration("late", late),
		)
		s.publish(eventbus.TypeTriggerMissed, TriggerEvent{Name: name, At: d.at, Late: late})
		return
	}

	if err := s.enqueue(name, d.timeout, d.opt, d.job); err != nil {
		s.publish(eventbus.TypeTriggerDropped, TriggerEvent{Name: name, At: d.at, Late: max(0, late), Error: err})
	}
}

// rebuildOnceTimers arms every stored definition that is still in the
// future and drops the rest.
func (s *Service) rebuildOnceTimers() (armed, dropped int) {
	now := s.now()
	s.tmu.Lock()
	defer s.tmu.Unlock()
	s.running = true
	for name, d := range s.once {
		if d.timer != nil {
			d.timer.Stop()
			d.timer = nil
		}
		if !d.at.After(now) {
			delete(s.once, name)
			dropped++
			s.log.Debug("once dropped: fire time passed while stopped", logx.String("name", name), logx.Time("at", d.at))
			continue
		}
		s.armLocked(name, d)
		armed++
	}
	return armed, dropped
}

func (s *Service) enqueue(name string, timeout time.Duration, opt TaskOptions, job Job) error {
	if s.engine == nil {
		return nil
	}
	err := s.engine.Enqueue(engine.Task{
		Name:    name,
		Timeout: timeout,
		Run:     job,
		Opt:     opt,
	})
	if err != nil {
		s.enqueueFailed.Add(1)
		s.reportEnqueueError(name, err)
	}
	return err
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}
