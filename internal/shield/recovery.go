package shield

import (
	"context"

	"shieldbot/internal/eventbus"
	logx "shieldbot/pkg/logx"
)

type RecoveryReport struct {
	Rows      int // rows read
	Scheduled int // reminders registered
	Expired   int // records with nothing left to fire
	Skipped   int // unreadable rows
}

// LoadAndScheduleAll re-registers every future reminder from the store.
// Bad rows are logged and skipped; only a failed read is returned.
func (m *Manager) LoadAndScheduleAll(ctx context.Context) (RecoveryReport, error) {
	rows, err := m.store.ListAll(ctx)
	if err != nil {
		return RecoveryReport{}, persistence("list all", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rep := RecoveryReport{Rows: len(rows)}
	now := m.now()
	for _, r := range rows {
		rec, err := RecordFromRow(r, m.cfg.Location)
		if err != nil {
			rep.Skipped++
			m.log.Warn("recovery: skipping row",
				logx.String("owner", r.OwnerID),
				logx.String("account", r.AccountName),
				logx.Err(err),
			)
			m.publish(eventbus.TypeRecoverySkipped, r)
			continue
		}
		kinds := m.scheduleLocked(rec, now)
		if len(kinds) == 0 {
			rep.Expired++
		}
		rep.Scheduled += len(kinds)
	}

	m.log.Info("recovery done",
		logx.Int("rows", rep.Rows),
		logx.Int("scheduled", rep.Scheduled),
		logx.Int("expired", rep.Expired),
		logx.Int("skipped", rep.Skipped),
	)
	return rep, nil
}
