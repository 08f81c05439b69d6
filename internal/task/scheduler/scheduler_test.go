package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shieldbot/internal/eventbus"
	"shieldbot/internal/task/engine"
	logx "shieldbot/pkg/logx"
)

// inlineEngine runs every task synchronously on the enqueueing goroutine.
type inlineEngine struct {
	mu    sync.Mutex
	names []string
}

func (e *inlineEngine) Enqueue(t engine.Task) error {
	e.mu.Lock()
	e.names = append(e.names, t.Name)
	e.mu.Unlock()
	return t.Run(context.Background())
}

func (e *inlineEngine) Snapshot() engine.Snapshot { return engine.Snapshot{Workers: 1} }

func (e *inlineEngine) fired() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.names...)
}

func newStarted(t *testing.T) (*Service, *inlineEngine) {
	t.Helper()
	eng := &inlineEngine{}
	s := New(Config{}, eng, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s, eng
}

func counter() (Job, func() int) {
	var mu sync.Mutex
	n := 0
	return func(context.Context) error {
			mu.Lock()
			n++
			mu.Unlock()
			return nil
		}, func() int {
			mu.Lock()
			defer mu.Unlock()
			return n
		}
}

func TestAddOnceFiresOnce(t *testing.T) {
	t.Parallel()
	s, eng := newStarted(t)
	job, count := counter()

	_, err := s.AddOnce("a", time.Now().Add(20*time.Millisecond), 0, job)
	require.NoError(t, err)
	_, ok := s.Pending("a")
	require.True(t, ok)

	require.Eventually(t, func() bool { return count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, count())
	assert.Equal(t, []string{"a"}, eng.fired())
	_, ok = s.Pending("a")
	assert.False(t, ok)
}

func TestAddOnceReplacesSameName(t *testing.T) {
	t.Parallel()
	s, _ := newStarted(t)
	first, firstCount := counter()
	second, secondCount := counter()

	_, err := s.AddOnce("dup", time.Now().Add(20*time.Millisecond), 0, first)
	require.NoError(t, err)
	at := time.Now().Add(60 * time.Millisecond)
	_, err = s.AddOnce("dup", at, 0, second)
	require.NoError(t, err)

	got, ok := s.Pending("dup")
	require.True(t, ok)
	assert.True(t, got.Equal(at))
	assert.Equal(t, 1, s.PendingCount())

	require.Eventually(t, func() bool { return secondCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, firstCount())
}

func TestAddOnceRejectsPast(t *testing.T) {
	t.Parallel()
	s, eng := newStarted(t)
	job, count := counter()

	for _, at := range []time.Time{time.Now(), time.Now().Add(-time.Minute)} {
		_, err := s.AddOnce("past", at, 0, job)
		require.ErrorIs(t, err, ErrPastFireTime)
	}
	_, ok := s.Pending("past")
	assert.False(t, ok)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, count())
	assert.Empty(t, eng.fired())
}

func TestAddOnceUsesClock(t *testing.T) {
	t.Parallel()
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	s := New(Config{}, &inlineEngine{}, logx.Nop(), WithClock(func() time.Time { return base }))
	job, _ := counter()

	_, err := s.AddOnce("x", base, 0, job)
	require.ErrorIs(t, err, ErrPastFireTime)
	_, err = s.AddOnce("x", base.Add(time.Second), 0, job)
	require.NoError(t, err)
}

func TestRemoveCancelsPending(t *testing.T) {
	t.Parallel()
	s, _ := newStarted(t)
	job, count := counter()

	_, err := s.AddOnce("r", time.Now().Add(30*time.Millisecond), 0, job)
	require.NoError(t, err)
	assert.True(t, s.Remove("r"))
	assert.False(t, s.Remove("r"))
	assert.False(t, s.Remove("never-registered"))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, count())
}

func TestStartArmsOnlyFutureDefinitions(t *testing.T) {
	t.Parallel()
	eng := &inlineEngine{}
	s := New(Config{}, eng, logx.Nop())
	t.Cleanup(func() { s.Stop(context.Background()) })

	soon, soonCount := counter()
	later, laterCount := counter()
	_, err := s.AddOnce("soon", time.Now().Add(10*time.Millisecond), 0, soon)
	require.NoError(t, err)
	_, err = s.AddOnce("later", time.Now().Add(80*time.Millisecond), 0, later)
	require.NoError(t, err)

	// Not started: nothing fires, and "soon" goes past.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, soonCount())

	s.Start(context.Background())
	_, ok := s.Pending("soon")
	assert.False(t, ok, "past definition should be dropped on start")

	require.Eventually(t, func() bool { return laterCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, soonCount())
	assert.Equal(t, []string{"later"}, eng.fired())
}

func TestStopKeepsDefinitions(t *testing.T) {
	t.Parallel()
	s, _ := newStarted(t)
	job, count := counter()

	_, err := s.AddOnce("k", time.Now().Add(40*time.Millisecond), 0, job)
	require.NoError(t, err)
	s.Stop(context.Background())

	_, ok := s.Pending("k")
	require.True(t, ok)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, count())
}

func TestCronAndOnceShareNamespace(t *testing.T) {
	t.Parallel()
	s, _ := newStarted(t)
	job, _ := counter()

	_, err := s.AddOnce("n", time.Now().Add(time.Hour), 0, job)
	require.NoError(t, err)
	_, err = s.AddDaily("n", "08:00", 0, job)
	require.NoError(t, err)

	_, ok := s.Pending("n")
	assert.False(t, ok)
	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 1)
	assert.Equal(t, "cron", snap.Schedules[0].Kind)
	assert.Equal(t, "0 8 * * *", snap.Schedules[0].Spec)
	assert.False(t, snap.Schedules[0].Next.IsZero())
	assert.Equal(t, 1, snap.Workers)
}

func TestAddSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		spec    string
		wantErr bool
	}{
		{name: "hhmm", raw: "08:00", spec: "0 8 * * *"},
		{name: "hhmm single digit", raw: "7:05", spec: "5 7 * * *"},
		{name: "cron", raw: "30 6 * * 1-5", spec: "30 6 * * 1-5"},
		{name: "descriptor", raw: "@daily", spec: "@daily"},
		{name: "bad hour", raw: "25:00", wantErr: true},
		{name: "bad cron", raw: "* * nope", wantErr: true},
		{name: "empty", raw: " ", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := New(Config{}, &inlineEngine{}, logx.Nop())
			job, _ := counter()
			_, err := s.AddSchedule("digest", tt.raw, 0, job)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			snap := s.Snapshot()
			require.Len(t, snap.Schedules, 1)
			assert.Equal(t, tt.spec, snap.Schedules[0].Spec)
		})
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		h, m    int
		wantErr bool
	}{
		{in: "00:00"},
		{in: "23:59", h: 23, m: 59},
		{in: " 02:45 ", h: 2, m: 45},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "1245", wantErr: true},
		{in: "1:2:3", wantErr: true},
	}
	for _, tt := range tests {
		h, m, err := parseHHMM(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("parseHHMM(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil || h != tt.h || m != tt.m {
			t.Fatalf("parseHHMM(%q) = %d,%d,%v want %d,%d", tt.in, h, m, err, tt.h, tt.m)
		}
	}
}

// shiftClock follows the real clock plus an adjustable offset, to model a
// host suspend or a wall clock step while timers are armed.
type shiftClock struct{ offset atomic.Int64 }

func (c *shiftClock) now() time.Time        { return time.Now().Add(time.Duration(c.offset.Load())) }
func (c *shiftClock) shift(d time.Duration) { c.offset.Add(int64(d)) }

func waitEvent(t *testing.T, events <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case e := <-events:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
			return eventbus.Event{}
		}
	}
}

func TestOnceDroppedWhenFiredPastGrace(t *testing.T) {
	t.Parallel()
	clk := &shiftClock{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	eng := &inlineEngine{}
	s := New(Config{}, eng, logx.Nop(), WithClock(clk.now), WithBus(bus))
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	job, count := counter()
	at := clk.now().Add(50 * time.Millisecond)
	_, err := s.AddOnce("x", at, 0, job)
	require.NoError(t, err)

	// The host sleeps for two hours; the monotonic timer does not see it.
	clk.shift(2 * time.Hour)

	e := waitEvent(t, events, eventbus.TypeTriggerMissed)
	te, ok := e.Data.(TriggerEvent)
	require.True(t, ok)
	assert.Equal(t, "x", te.Name)
	assert.True(t, te.At.Equal(at))
	assert.Greater(t, te.Late, time.Hour)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, count())
	assert.Empty(t, eng.fired())
	_, ok = s.Pending("x")
	assert.False(t, ok)
	assert.EqualValues(t, 1, s.Snapshot().Missed)
}

func TestOnceWithinGraceStillFires(t *testing.T) {
	t.Parallel()
	clk := &shiftClock{}
	s := New(Config{}, &inlineEngine{}, logx.Nop(), WithClock(clk.now), WithMisfireGrace(time.Minute))
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	job, count := counter()
	_, err := s.AddOnce("x", clk.now().Add(30*time.Millisecond), 0, job)
	require.NoError(t, err)
	clk.shift(30 * time.Second)

	require.Eventually(t, func() bool { return count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, s.Snapshot().Missed)
}

func TestOnceRearmsWhenWallClockBehind(t *testing.T) {
	t.Parallel()
	clk := &shiftClock{}
	s := New(Config{}, &inlineEngine{}, logx.Nop(), WithClock(clk.now))
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	job, count := counter()
	at := clk.now().Add(30 * time.Millisecond)
	_, err := s.AddOnce("x", at, 0, job)
	require.NoError(t, err)
	clk.shift(-time.Hour)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, count())
	got, ok := s.Pending("x")
	require.True(t, ok)
	assert.True(t, got.Equal(at))
}

type rejectingEngine struct{}

func (rejectingEngine) Enqueue(engine.Task) error { return engine.ErrQueueFull }
func (rejectingEngine) Snapshot() engine.Snapshot { return engine.Snapshot{} }

func TestEnqueueFailureIsReported(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(Config{}, rejectingEngine{}, logx.Nop(), WithBus(bus))
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	job, _ := counter()
	_, err := s.AddOnce("full", time.Now().Add(20*time.Millisecond), 0, job)
	require.NoError(t, err)

	e := waitEvent(t, events, eventbus.TypeTriggerDropped)
	te, ok := e.Data.(TriggerEvent)
	require.True(t, ok)
	assert.Equal(t, "full", te.Name)
	assert.ErrorIs(t, te.Error, engine.ErrQueueFull)
	assert.EqualValues(t, 1, s.Snapshot().EnqueueFailed)
}

func TestSlowJobDoesNotDelaySiblings(t *testing.T) {
	t.Parallel()
	eng := engine.New(engine.Config{Enabled: true, Workers: 2, QueueSize: 8, DefaultTimeout: 5 * time.Second}, logx.Nop(), eventbus.New())
	eng.Start(context.Background())
	s := New(Config{}, eng, logx.Nop())
	s.Start(context.Background())

	release := make(chan struct{})
	t.Cleanup(func() {
		close(release)
		s.Stop(context.Background())
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		eng.Stop(ctx)
	})

	slowStarted := make(chan struct{})
	slow := func(ctx context.Context) error {
		close(slowStarted)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}
	fast, fastCount := counter()

	at := time.Now().Add(30 * time.Millisecond)
	_, err := s.AddOnce("slow", at, 0, slow)
	require.NoError(t, err)
	_, err = s.AddOnce("fast", at, 0, fast)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return fastCount() == 1 }, 500*time.Millisecond, 5*time.Millisecond)
	select {
	case <-slowStarted:
	case <-time.After(time.Second):
		t.Fatal("slow job never started")
	}
}
