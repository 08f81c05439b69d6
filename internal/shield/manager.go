package shield

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"shieldbot/internal/eventbus"
	"shieldbot/internal/storage"
	"shieldbot/internal/task/engine"
	"shieldbot/internal/task/scheduler"
	logx "shieldbot/pkg/logx"
)

// DefaultMaxPerOwner is the per-owner shield quota.
const DefaultMaxPerOwner = 20

// Scheduler is the part of scheduler.Service the manager uses.
type Scheduler interface {
	AddOnce(name string, at time.Time, timeout time.Duration, job scheduler.Job) (string, error)
	Remove(name string) bool
}

// Notifier delivers text to a destination id.
type Notifier interface {
	Notify(ctx context.Context, destinationID, text string) error
}

type Config struct {
	MaxPerOwner     int
	ReminderTimeout time.Duration // per delivery task; 0 means 30s
	Location        *time.Location
}

type Option func(*Manager)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithBus publishes reminder lifecycle events to bus.
func WithBus(bus eventbus.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// Manager owns the shield lifecycle: it keeps the store and the scheduled
// reminders in step.
type Manager struct {
	// mu serializes quota check, replace and scheduling per manager.
	mu sync.Mutex

	store  storage.Store
	sched  Scheduler
	notify Notifier
	bus    eventbus.Bus
	log    logx.Logger
	cfg    Config
	now    func() time.Time
}

func NewManager(cfg Config, store storage.Store, sched Scheduler, notify Notifier, log logx.Logger, opts ...Option) *Manager {
	if cfg.MaxPerOwner <= 0 {
		cfg.MaxPerOwner = DefaultMaxPerOwner
	}
	if cfg.ReminderTimeout <= 0 {
		cfg.ReminderTimeout = 30 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		store:  store,
		sched:  sched,
		notify: notify,
		log:    log,
		cfg:    cfg,
		now:    time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) MaxPerOwner() int { return m.cfg.MaxPerOwner }

type SetRequest struct {
	OwnerID       string
	DestinationID string
	AccountName   string
	DurationDays  int
	Hour          int
	Minute        int
}

type SetResult struct {
	Record    Record
	Days      int
	Scheduled []Kind
}

// SetShield stores a shield ending at today's Hour:Minute plus DurationDays
// and schedules its future reminders. An existing shield for the same
// account is replaced; it still counts against the quota.
func (m *Manager) SetShield(ctx context.Context, req SetRequest) (SetResult, error) {
	if strings.TrimSpace(req.AccountName) == "" {
		return SetResult{}, invalid("account", req.AccountName)
	}
	if req.DurationDays < 0 {
		return SetResult{}, invalid("duration", fmt.Sprint(req.DurationDays))
	}
	if req.Hour < 0 || req.Hour > 23 || req.Minute < 0 || req.Minute > 59 {
		return SetResult{}, invalid("time", fmt.Sprintf("%02d:%02d", req.Hour, req.Minute))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.store.CountByOwner(ctx, req.OwnerID)
	if err != nil {
		return SetResult{}, persistence("count", err)
	}
	if n >= m.cfg.MaxPerOwner {
		return SetResult{}, fmt.Errorf("%w: limit %d", ErrQuotaExceeded, m.cfg.MaxPerOwner)
	}

	loc := m.cfg.Location
	now := m.now().In(loc)
	end := time.Date(now.Year(), now.Month(), now.Day(), req.Hour, req.Minute, 0, 0, loc).AddDate(0, 0, req.DurationDays)
	rec := Record{
		OwnerID:       req.OwnerID,
		DestinationID: req.DestinationID,
		AccountName:   req.AccountName,
		EndTime:       end,
	}

	if err := m.store.DeleteByOwnerAndName(ctx, rec.OwnerID, rec.AccountName); err != nil {
		return SetResult{}, persistence("replace", err)
	}
	if err := m.store.Insert(ctx, rec.row(loc)); err != nil {
		// The old row is already gone; its reminders must not outlive it.
		n := m.cancelLocked(rec.OwnerID, rec.AccountName)
		m.log.Warn("shield insert failed after delete",
			logx.String("owner", rec.OwnerID),
			logx.String("account", rec.AccountName),
			logx.Int("cancelled", n),
			logx.Err(err),
		)
		return SetResult{}, persistence("insert", err)
	}

	// Reminders of a replaced shield may not be re-derived below.
	m.cancelLocked(rec.OwnerID, rec.AccountName)
	kinds := m.scheduleLocked(rec, now)

	m.log.Info("shield set",
		logx.String("owner", rec.OwnerID),
		logx.String("account", rec.AccountName),
		logx.Time("end", end),
		logx.Int("reminders", len(kinds)),
	)
	return SetResult{Record: rec, Days: req.DurationDays, Scheduled: kinds}, nil
}

// RemoveShield deletes the shield and cancels its reminders. Removing an
// unknown shield succeeds.
func (m *Manager) RemoveShield(ctx context.Context, ownerID, accountName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.DeleteByOwnerAndName(ctx, ownerID, accountName); err != nil {
		return persistence("delete", err)
	}
	n := m.cancelLocked(ownerID, accountName)
	m.log.Info("shield removed",
		logx.String("owner", ownerID),
		logx.String("account", accountName),
		logx.Int("cancelled", n),
	)
	return nil
}

type Listing struct {
	AccountName   string
	DestinationID string
	EndTime       time.Time
	Remaining     Remaining
}

// ListShields returns the owner's shields in insertion order. Expired
// shields stay listed with a negative remaining time.
func (m *Manager) ListShields(ctx context.Context, ownerID string) ([]Listing, error) {
	rows, err := m.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, persistence("list", err)
	}
	return m.listings(rows), nil
}

func (m *Manager) listings(rows []storage.Row) []Listing {
	now := m.now()
	out := make([]Listing, 0, len(rows))
	for _, r := range rows {
		rec, err := RecordFromRow(r, m.cfg.Location)
		if err != nil {
			m.log.Warn("skipping unreadable shield", logx.String("owner", r.OwnerID), logx.String("account", r.AccountName), logx.Err(err))
			continue
		}
		out = append(out, Listing{
			AccountName:   rec.AccountName,
			DestinationID: rec.DestinationID,
			EndTime:       rec.EndTime,
			Remaining:     RemainingAt(rec.EndTime, now),
		})
	}
	return out
}

func (m *Manager) scheduleLocked(rec Record, now time.Time) []Kind {
	var kinds []Kind
	for _, ev := range Derive(rec, now) {
		name := ev.Key.String()
		if _, err := m.sched.AddOnce(name, ev.FireTime, m.cfg.ReminderTimeout, m.reminderJob(ev)); err != nil {
			if errors.Is(err, scheduler.ErrPastFireTime) {
				continue
			}
			m.log.Warn("reminder not scheduled", logx.String("key", name), logx.Err(err))
			continue
		}
		kinds = append(kinds, ev.Kind)
		m.publish(eventbus.TypeReminderSchedule, ev)
	}
	return kinds
}

func (m *Manager) cancelLocked(ownerID, accountName string) int {
	n := 0
	for _, k := range keysFor(ownerID, accountName) {
		if m.sched.Remove(k.String()) {
			n++
			m.publish(eventbus.TypeReminderCancel, k)
		}
	}
	return n
}

// reminderJob runs on an engine worker. Retries belong to the notifier, so
// a delivery failure is final here.
func (m *Manager) reminderJob(ev Event) scheduler.Job {
	return func(ctx context.Context) error {
		err := m.notify.Notify(ctx, ev.DestinationID, ReminderText(ev.Kind, ev.AccountName))
		if err != nil {
			m.log.Warn("reminder delivery failed",
				logx.String("key", ev.Key.String()),
				logx.String("dest", ev.DestinationID),
				logx.Err(err),
			)
			m.publish(eventbus.TypeDeliveryFailed, ev)
			return engine.NoRetry(err)
		}
		m.publish(eventbus.TypeReminderFired, ev)
		return nil
	}
}

func (m *Manager) publish(typ string, data any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Time: m.now(), Data: data})
}
