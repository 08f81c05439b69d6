package shield

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kit "shieldbot/internal/transport"
	"shieldbot/internal/transport/telegram/router"
)

type reply struct {
	text string
	mode string
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []reply
}

func (s *recordingSender) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := reply{text: text}
	if opt != nil {
		r.mode = opt.ParseMode
	}
	s.msgs = append(s.msgs, r)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (s *recordingSender) last() reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.msgs) == 0 {
		return reply{}
	}
	return s.msgs[len(s.msgs)-1]
}

func runCommand(t *testing.T, cmds []router.Command, name string, args ...string) reply {
	t.Helper()
	snd := &recordingSender{}
	for _, c := range cmds {
		if c.Name != name {
			continue
		}
		req := &router.Request{
			Chat:    kit.ChatTarget{ChatID: -100, ThreadID: 5},
			FromID:  42,
			Command: name,
			Args:    args,
			Sender:  snd,
		}
		require.NoError(t, c.Handle(context.Background(), req))
		return snd.last()
	}
	t.Fatalf("command %s not registered", name)
	return reply{}
}

func TestCommandsSetListRemove(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Date(2026, 3, 3, 10, 0, 0, 0, jakarta))
	cmds := Commands(f.m, func() string { return "help" })

	r := runCommand(t, cmds, "setshield", "NalaWuxin", "7days", "02:45")
	assert.Equal(t, "✅ Shield *NalaWuxin* diset selama 7 hari. Aku akan ingatkan 1 jam, 5 menit sebelumnya, dan saat habis.", r.text)
	assert.Equal(t, "Markdown", r.mode)

	rows, err := f.store.ListByOwner(context.Background(), "42")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "-100:5", rows[0].DestinationID)

	r = runCommand(t, cmds, "listshield")
	assert.Equal(t, "🛡️ Daftar Shield Akun:\n• NalaWuxin: 6 hari 16 jam 45 menit tersisa\n", r.text)
	assert.Empty(t, r.mode)

	r = runCommand(t, cmds, "removeshield", "NalaWuxin")
	assert.Equal(t, "❌ Shield *NalaWuxin* dihapus dari daftar pengingat.", r.text)
	assert.Empty(t, f.sched.names())

	r = runCommand(t, cmds, "listshield")
	assert.Equal(t, textEmptyList, r.text)
}

func TestCommandsSetShieldErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Date(2026, 3, 3, 10, 0, 0, 0, jakarta))
	cmds := Commands(f.m, func() string { return "help" })

	assert.Equal(t, textSetUsage, runCommand(t, cmds, "setshield", "a", "7days").text)
	assert.Equal(t, textBadDuration, runCommand(t, cmds, "setshield", "a", "sevendays", "02:45").text)
	assert.Equal(t, textBadDuration, runCommand(t, cmds, "setshield", "a", "-1days", "02:45").text)
	assert.Equal(t, textBadTime, runCommand(t, cmds, "setshield", "a", "7days", "0245").text)
	assert.Equal(t, textBadTime, runCommand(t, cmds, "setshield", "a", "7days", "25:00").text)

	for i := 0; i < DefaultMaxPerOwner; i++ {
		runCommand(t, cmds, "setshield", fmt.Sprintf("acc%d", i), "1days", "12:00")
	}
	assert.Equal(t, "⚠️ Batas maksimal 20 akun tercapai.", runCommand(t, cmds, "setshield", "x", "1days", "12:00").text)

	assert.Equal(t, textRemoveUsage, runCommand(t, cmds, "removeshield").text)
}

func TestCommandsStartAndHelp(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Now())
	cmds := Commands(f.m, func() string { return "the help" })

	r := runCommand(t, cmds, "start")
	assert.Equal(t, textStart, r.text)
	assert.Equal(t, "the help", runCommand(t, cmds, "help").text)

	var hidden []string
	for _, c := range cmds {
		if c.Hidden {
			hidden = append(hidden, c.Name)
		}
	}
	assert.Equal(t, []string{"start"}, hidden)
}
