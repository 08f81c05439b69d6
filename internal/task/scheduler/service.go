package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"shieldbot/internal/eventbus"
	logx "shieldbot/pkg/logx"
)

type Option func(*Service)

// WithClock overrides time.Now for fire-time checks.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMisfireGrace sets how late a one-shot may run; 0 or less keeps the default.
func WithMisfireGrace(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithBus publishes missed and undeliverable triggers.
func WithBus(bus eventbus.Bus) Option {
	return func(s *Service) { s.bus = bus }
}

func New(cfg Config, eng Enqueuer, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:    cfg,
		log:    log,
		engine: eng,
		now:    time.Now,
		grace:  DefaultMisfireGrace,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:      cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		once:        map[string]*onceDef{},
		lastEnqWarn: map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	s.loc = s.loadLocation()
	return s
}

// Location is the timezone used for cron specs and daily triggers.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Apply swaps the config. A timezone change re-registers cron entries.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if oldTZ == strings.TrimSpace(cfg.Timezone) {
		return
	}
	s.loc = s.loadLocation()
	if s.c != nil {
		s.restartCronLocked()
	}
}

// Start starts cron triggering and arms one-shot timers whose fire time is
// still ahead. Definitions that went past while stopped are dropped.
func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for i := range s.defs {
		s.registerCronLocked(&s.defs[i])
	}
	s.c.Start()
	loc := s.loc
	ncron := len(s.defs)
	s.mu.Unlock()

	armed, dropped := s.rebuildOnceTimers()
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("schedules", ncron), logx.Int("armed", armed), logx.Int("dropped_past", dropped))
}

// Stop halts cron triggering and all one-shot timers. One-shot definitions
// are kept for the next Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	for i := range s.defs {
		s.defs[i].entryID = 0
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	s.tmu.Lock()
	s.running = false
	for _, d := range s.once {
		if d.timer != nil {
			d.timer.Stop()
			d.timer = nil
		}
	}
	s.tmu.Unlock()

	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) restartCronLocked() {
	<-s.c.Stop().Done()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for i := range s.defs {
		s.registerCronLocked(&s.defs[i])
	}
	s.c.Start()
	s.log.Info("cron restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) loadLocation() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
