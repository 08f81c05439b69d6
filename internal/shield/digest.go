package shield

import (
	"context"

	"shieldbot/internal/eventbus"
	"shieldbot/internal/storage"
	logx "shieldbot/pkg/logx"
)

// DigestJobName is the scheduler entry of the daily summary.
const DigestJobName = "shield.digest"

// Digest sends one summary per destination listing all its shields.
type Digest struct {
	m *Manager
}

func NewDigest(m *Manager) *Digest { return &Digest{m: m} }

// Run sends the digest. A destination that fails is logged and the rest
// still get theirs.
func (d *Digest) Run(ctx context.Context) error {
	m := d.m
	rows, err := m.store.ListAll(ctx)
	if err != nil {
		return persistence("list all", err)
	}
	if len(rows) == 0 {
		return nil
	}

	var order []string
	byDest := map[string][]storage.Row{}
	for _, r := range rows {
		if _, ok := byDest[r.DestinationID]; !ok {
			order = append(order, r.DestinationID)
		}
		byDest[r.DestinationID] = append(byDest[r.DestinationID], r)
	}

	sent := 0
	for _, dest := range order {
		items := m.listings(byDest[dest])
		if len(items) == 0 {
			continue
		}
		if err := m.notify.Notify(ctx, dest, DigestText(items)); err != nil {
			m.log.Warn("digest delivery failed", logx.String("dest", dest), logx.Err(err))
			m.publish(eventbus.TypeDeliveryFailed, dest)
			continue
		}
		sent++
		m.publish(eventbus.TypeDigestSent, dest)
	}
	m.log.Info("digest sent", logx.Int("destinations", len(order)), logx.Int("delivered", sent))
	return nil
}
