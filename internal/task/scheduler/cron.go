package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"shieldbot/internal/eventbus"
	logx "shieldbot/pkg/logx"
)

// AddSchedule registers a recurring trigger from either "HH:MM" (daily in the
// scheduler timezone) or a cron expression ("0 8 * * *", "@daily").
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) (string, error) {
	raw := strings.TrimSpace(schedule)
	if raw == "" {
		return "", errors.New("schedule required")
	}
	if h, m, err := parseHHMM(raw); err == nil {
		return s.AddCron(name, dailySpec(h, m), timeout, job)
	} else if !strings.ContainsAny(raw, " @") {
		return "", err
	}
	return s.AddCron(name, raw, timeout, job)
}

// AddDaily registers a trigger at HH:MM every day in the scheduler timezone.
func (s *Service) AddDaily(name, atHHMM string, timeout time.Duration, job Job) (string, error) {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return "", err
	}
	return s.AddCron(name, dailySpec(h, m), timeout, job)
}

func (s *Service) AddCron(name, spec string, timeout time.Duration, job Job) (string, error) {
	return s.AddCronOpt(name, spec, timeout, TaskOptions{}, job)
}

// AddCronOpt upserts a cron trigger by name. The spec is validated up front so
// a bad spec fails registration even while the scheduler is stopped.
func (s *Service) AddCronOpt(name, spec string, timeout time.Duration, opt TaskOptions, job Job) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("name required")
	}
	if job == nil {
		return "", errors.New("job required")
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return "", fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}

	s.tmu.Lock()
	s.removeOnceLocked(name)
	s.tmu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeCronLocked(name)
	s.defs = append(s.defs, cronDef{name: name, spec: spec, timeout: timeout, job: job, opt: opt})
	if s.c != nil {
		s.registerCronLocked(&s.defs[len(s.defs)-1])
	}

	args := []logx.Field{logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout)}
	if next := s.previewNextRunsLocked(spec, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
	return name, nil
}

// Call with s.mu held.
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

// Call with s.mu held and s.c non-nil.
func (s *Service) registerCronLocked(d *cronDef) {
	name, timeout, opt, job := d.name, d.timeout, d.opt, d.job
	eid, err := s.c.AddJob(d.spec, cron.FuncJob(func() {
		if err := s.enqueue(name, timeout, opt, job); err != nil {
			s.publish(eventbus.TypeTriggerDropped, TriggerEvent{Name: name, At: s.now(), Error: err})
		}
	}))
	if err != nil {
		s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		return
	}
	d.entryID = eid
}

// Call with s.mu held.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := s.now().In(s.loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

func dailySpec(hour, minute int) string {
	return fmt.Sprintf("%d %d * * *", minute, hour)
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	hs, ms, ok := strings.Cut(s, ":")
	if !ok || strings.Contains(ms, ":") {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
