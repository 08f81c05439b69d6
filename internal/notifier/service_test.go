package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shieldbot/internal/eventbus"
	"shieldbot/internal/shield"
	kit "shieldbot/internal/transport"
	logx "shieldbot/pkg/logx"
)

type call struct {
	to   kit.ChatTarget
	text string
	opt  kit.SendOptions
}

type scriptedSender struct {
	mu    sync.Mutex
	errs  []error // returned in order; nil once exhausted
	calls []call
}

func (s *scriptedSender) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call{to: to, text: text, opt: *opt})
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return kit.MessageRef{}, err
		}
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: len(s.calls)}, nil
}

func TestNotifySendsMarkdownToTarget(t *testing.T) {
	t.Parallel()
	snd := &scriptedSender{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	s := New(Config{}, snd, logx.Nop(), bus)

	require.NoError(t, s.Notify(context.Background(), "-100:7", "⏰ *x*"))
	require.Len(t, snd.calls, 1)
	assert.Equal(t, kit.ChatTarget{ChatID: -100, ThreadID: 7}, snd.calls[0].to)
	assert.Equal(t, "Markdown", snd.calls[0].opt.ParseMode)
	assert.True(t, snd.calls[0].opt.DisablePreview)

	ev := <-events
	assert.Equal(t, TypeSent, ev.Type)
	assert.Equal(t, 1, ev.Data.(NotificationEvent).Attempts)
	assert.Len(t, s.Snapshot(), 1)
}

func TestNotifyNoRetryByDefault(t *testing.T) {
	t.Parallel()
	snd := &scriptedSender{errs: []error{errors.New("chat not found")}}
	s := New(Config{}, snd, logx.Nop(), nil)

	err := s.Notify(context.Background(), "5", "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, shield.ErrDelivery)
	assert.Len(t, snd.calls, 1)
	assert.NotEmpty(t, s.Snapshot()[0].Error)
}

func TestNotifyRetries(t *testing.T) {
	t.Parallel()
	snd := &scriptedSender{errs: []error{errors.New("502"), &kit.RateLimitError{RetryAfter: time.Millisecond, Err: errors.New("429")}, nil}}
	s := New(Config{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, snd, logx.Nop(), nil)

	require.NoError(t, s.Notify(context.Background(), "5", "x"))
	assert.Len(t, snd.calls, 3)
	assert.Equal(t, 3, s.Snapshot()[0].Attempts)
}

func TestNotifyRetryStopsOnCancel(t *testing.T) {
	t.Parallel()
	snd := &scriptedSender{errs: []error{errors.New("boom"), errors.New("boom")}}
	s := New(Config{RetryMax: 1, RetryBase: time.Hour, RetryMaxDelay: time.Hour}, snd, logx.Nop(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Notify(ctx, "5", "x")
	assert.ErrorIs(t, err, shield.ErrDelivery)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, snd.calls, 1)
}

func TestNotifyBadDestination(t *testing.T) {
	t.Parallel()
	snd := &scriptedSender{}
	s := New(Config{}, snd, logx.Nop(), nil)
	for _, dest := range []string{"", "abc", "1:x"} {
		assert.ErrorIs(t, s.Notify(context.Background(), dest, "x"), shield.ErrDelivery, dest)
	}
	assert.Empty(t, snd.calls)
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
	assert.GreaterOrEqual(t, retryDelay(cfg, 1), 70*time.Millisecond)
	assert.LessOrEqual(t, retryDelay(cfg, 1), 130*time.Millisecond)
}
