package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"shieldbot/internal/eventbus"
	"shieldbot/internal/shield"
	kit "shieldbot/internal/transport"
	logx "shieldbot/pkg/logx"
)

const (
	TypeSent   = "notifier.sent"
	TypeFailed = "notifier.failed"
)

// Service sends text to destinations through a kit.Sender with rate
// limiting and retry. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender kit.Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender kit.Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log,
		bus:    bus,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = "Markdown"
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Notify delivers text to the destination. Every failure wraps
// shield.ErrDelivery.
func (s *Service) Notify(ctx context.Context, destinationID, text string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	to, err := kit.ParseChatTarget(destinationID)
	if err != nil {
		return fmt.Errorf("%w: %w", shield.ErrDelivery, err)
	}

	// config snapshot for this send
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	if s.sender == nil {
		return fmt.Errorf("%w: no sender", shield.ErrDelivery)
	}

	maxAttempts := 1 + cfg.RetryMax
	opt := &kit.SendOptions{ParseMode: cfg.ParseMode, DisablePreview: true}

	var (
		lastErr  error
		attempts int
	)
loop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		if err := lim.Wait(ctx); err != nil {
			lastErr = err
			break
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := s.sender.SendText(callCtx, to, text, opt)
		cancel()
		if err == nil {
			s.finish(destinationID, to, attempts, nil)
			return nil
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.String("dest", destinationID), logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}

		delay := retryDelay(cfg, attempt)
		var rl *kit.RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			delay = rl.RetryAfter
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			lastErr = ctx.Err()
			break loop
		}
	}

	s.finish(destinationID, to, attempts, lastErr)
	return fmt.Errorf("%w: %s after %d attempt(s): %w", shield.ErrDelivery, destinationID, attempts, lastErr)
}

func (s *Service) finish(dest string, to kit.ChatTarget, attempts int, err error) {
	now := time.Now()
	item := HistoryItem{At: now, Destination: dest, Attempts: attempts}
	ev := NotificationEvent{Destination: dest, ChatID: to.ChatID, ThreadID: to.ThreadID, Attempts: attempts, At: now}
	typ := TypeSent
	if err != nil {
		item.Error = err.Error()
		ev.Error = err.Error()
		typ = TypeFailed
	}
	s.appendHistory(item)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
	}
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(it HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 30 * time.Second
	}
	// Exponential backoff: base * 2^(attempt-1)
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
