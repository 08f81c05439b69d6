package shield

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shieldbot/internal/eventbus"
	"shieldbot/internal/storage"
	"shieldbot/internal/task/engine"
	"shieldbot/internal/task/scheduler"
	logx "shieldbot/pkg/logx"
)

var jakarta = time.FixedZone("WIB", 7*3600)

type fakeTimer struct {
	at  time.Time
	job scheduler.Job
}

// fakeScheduler keeps registrations in a map and fires them on demand.
type fakeScheduler struct {
	mu     sync.Mutex
	now    func() time.Time
	timers map[string]fakeTimer
	fail   map[string]error
}

func newFakeScheduler(now func() time.Time) *fakeScheduler {
	return &fakeScheduler{now: now, timers: map[string]fakeTimer{}, fail: map[string]error{}}
}

func (f *fakeScheduler) AddOnce(name string, at time.Time, _ time.Duration, job scheduler.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[name]; err != nil {
		return "", err
	}
	if !at.After(f.now()) {
		return "", scheduler.ErrPastFireTime
	}
	f.timers[name] = fakeTimer{at: at, job: job}
	return name, nil
}

func (f *fakeScheduler) Remove(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.timers[name]
	delete(f.timers, name)
	return ok
}

func (f *fakeScheduler) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.timers))
	for n := range f.timers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (f *fakeScheduler) fire(t *testing.T, name string) error {
	t.Helper()
	f.mu.Lock()
	tm, ok := f.timers[name]
	delete(f.timers, name)
	f.mu.Unlock()
	require.True(t, ok, "no timer %s", name)
	return tm.job(context.Background())
}

type note struct {
	dest string
	text string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []note
	fail map[string]error
}

func (n *fakeNotifier) Notify(_ context.Context, dest, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.fail[dest]; err != nil {
		return err
	}
	n.sent = append(n.sent, note{dest: dest, text: text})
	return nil
}

func (n *fakeNotifier) all() []note {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]note(nil), n.sent...)
}

type fixture struct {
	now   time.Time
	store *storage.Memory
	sched *fakeScheduler
	notif *fakeNotifier
	m     *Manager
}

func newFixture(t *testing.T, now time.Time, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{now: now, store: storage.NewMemory(), notif: &fakeNotifier{}}
	clock := func() time.Time { return f.now }
	f.sched = newFakeScheduler(clock)
	opts = append([]Option{WithClock(clock)}, opts...)
	f.m = NewManager(Config{Location: jakarta}, f.store, f.sched, f.notif, logx.Nop(), opts...)
	t.Cleanup(func() { _ = f.store.Close() })
	return f
}

func key(owner, account string, k Kind) string {
	return EventKey{OwnerID: owner, AccountName: account, Kind: k}.String()
}

func TestDerive(t *testing.T) {
	t.Parallel()
	end := time.Date(2026, 3, 10, 2, 45, 0, 0, jakarta)
	rec := Record{OwnerID: "1", DestinationID: "9", AccountName: "Nala", EndTime: end}

	tests := []struct {
		name string
		now  time.Time
		want []Kind
	}{
		{name: "all ahead", now: end.Add(-2 * time.Hour), want: []Kind{KindOneHour, KindFiveMin, KindExpired}},
		{name: "one hour exactly now", now: end.Add(-time.Hour), want: []Kind{KindFiveMin, KindExpired}},
		{name: "inside last hour", now: end.Add(-30 * time.Minute), want: []Kind{KindFiveMin, KindExpired}},
		{name: "inside last five minutes", now: end.Add(-time.Minute), want: []Kind{KindExpired}},
		{name: "end exactly now", now: end, want: nil},
		{name: "past", now: end.Add(time.Hour), want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evs := Derive(rec, tt.now)
			var kinds []Kind
			for _, ev := range evs {
				kinds = append(kinds, ev.Kind)
				assert.Equal(t, ev.Kind, ev.Key.Kind)
				assert.Equal(t, "9", ev.DestinationID)
				assert.Equal(t, end.Add(-ev.Kind.Offset()), ev.FireTime)
				assert.True(t, ev.FireTime.After(tt.now))
			}
			assert.Equal(t, tt.want, kinds)
		})
	}
}

func TestEventKeyIsCollisionFree(t *testing.T) {
	t.Parallel()
	pairs := [][2]string{
		{"1", "2_a"},
		{"1_2", "a"},
		{"1/2", "a"},
		{"1", "2/a"},
		{"1:", "a"},
		{"1", ":a"},
		{"", "1a"},
		{"1a", ""},
	}
	seen := map[string][2]string{}
	for _, p := range pairs {
		for _, k := range Kinds {
			s := EventKey{OwnerID: p[0], AccountName: p[1], Kind: k}.String()
			if prev, dup := seen[s]; dup {
				t.Fatalf("key %q shared by %v and %v", s, prev, p)
			}
			seen[s] = p
		}
	}
	assert.Equal(t, "shield/3:123/4:Nala/EXPIRED", key("123", "Nala", KindExpired))
}

func TestRemainingAt(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		d    time.Duration
		want Remaining
		str  string
	}{
		{d: 6*24*time.Hour + 23*time.Hour + 59*time.Minute + 30*time.Second, want: Remaining{6, 23, 59}, str: "6 hari 23 jam 59 menit"},
		{d: 0, want: Remaining{0, 0, 0}},
		{d: -30 * time.Minute, want: Remaining{-1, 23, 30}, str: "-1 hari 23 jam 30 menit"},
		{d: -30*time.Minute - 500*time.Millisecond, want: Remaining{-1, 23, 29}},
		{d: -24 * time.Hour, want: Remaining{-1, 0, 0}},
		{d: -25 * time.Hour, want: Remaining{-2, 23, 0}},
	}
	for _, tt := range tests {
		got := RemainingAt(now.Add(tt.d), now)
		assert.Equal(t, tt.want, got, "d=%s", tt.d)
		if tt.str != "" {
			assert.Equal(t, tt.str, got.String())
		}
	}
}

func TestParseHelpers(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]int{"7days": 7, "7": 7, "1day": 1, "0days": 0, " 3Days ": 3, "-2days": -2} {
		got, err := ParseDurationDays(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "days", "sevendays", "7hari", "7.5days"} {
		_, err := ParseDurationDays(in)
		assert.ErrorIs(t, err, ErrValidation, in)
	}

	h, m, err := ParseTimeOfDay("02:45")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 45}, []int{h, m})
	for _, in := range []string{"", "0245", "ab:cd", "1:2:3"} {
		_, _, err := ParseTimeOfDay(in)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve, in)
		assert.Equal(t, "time", ve.Field)
	}
}

func TestParseEndTime(t *testing.T) {
	t.Parallel()
	got, err := ParseEndTime("2026-03-10T02:45:00", jakarta)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2026, 3, 10, 2, 45, 0, 0, jakarta)))

	got, err = ParseEndTime("2026-03-10T02:45:00.123456", jakarta)
	require.NoError(t, err)
	assert.Equal(t, 123456000, got.Nanosecond())

	_, err = ParseEndTime("yesterday", jakarta)
	assert.ErrorIs(t, err, ErrDerivation)

	assert.Equal(t, "2026-03-10T02:45:00", FormatEndTime(time.Date(2026, 3, 9, 19, 45, 0, 0, time.UTC), jakarta))
}

func TestSetShieldSchedulesAndPersists(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 3, 10, 0, 0, 0, jakarta)
	f := newFixture(t, now)

	res, err := f.m.SetShield(context.Background(), SetRequest{
		OwnerID: "42", DestinationID: "-100", AccountName: "NalaWuxin", DurationDays: 7, Hour: 2, Minute: 45,
	})
	require.NoError(t, err)
	wantEnd := time.Date(2026, 3, 10, 2, 45, 0, 0, jakarta)
	assert.True(t, res.Record.EndTime.Equal(wantEnd))
	assert.Equal(t, 7, res.Days)
	assert.Equal(t, []Kind{KindOneHour, KindFiveMin, KindExpired}, res.Scheduled)

	rows, err := f.store.ListByOwner(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, []storage.Row{{OwnerID: "42", DestinationID: "-100", AccountName: "NalaWuxin", EndTime: "2026-03-10T02:45:00"}}, rows)
	assert.Len(t, f.sched.names(), 3)

	require.NoError(t, f.sched.fire(t, key("42", "NalaWuxin", KindFiveMin)))
	assert.Equal(t, []note{{dest: "-100", text: "⏰ Shield akun *NalaWuxin* sisa 5 menit!"}}, f.notif.all())
}

func TestSetShieldZeroDaysEarlierTime(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 3, 10, 0, 0, 0, jakarta)
	f := newFixture(t, now)

	res, err := f.m.SetShield(context.Background(), SetRequest{OwnerID: "1", DestinationID: "1", AccountName: "a", DurationDays: 0, Hour: 9, Minute: 0})
	require.NoError(t, err)
	assert.True(t, res.Record.EndTime.Equal(time.Date(2026, 3, 3, 9, 0, 0, 0, jakarta)))
	assert.Empty(t, res.Scheduled)
	assert.Empty(t, f.sched.names())

	items, err := f.m.ListShields(context.Background(), "1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, Remaining{-1, 23, 0}, items[0].Remaining)
}

func TestSetShieldValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Date(2026, 3, 3, 10, 0, 0, 0, jakarta))
	base := SetRequest{OwnerID: "1", DestinationID: "1", AccountName: "a", DurationDays: 1, Hour: 1, Minute: 1}

	cases := map[string]func(*SetRequest){
		"account":  func(r *SetRequest) { r.AccountName = "  " },
		"duration": func(r *SetRequest) { r.DurationDays = -1 },
		"time":     func(r *SetRequest) { r.Hour = 24 },
	}
	for field, mut := range cases {
		req := base
		mut(&req)
		_, err := f.m.SetShield(context.Background(), req)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve, field)
		assert.Equal(t, field, ve.Field)
		assert.ErrorIs(t, err, ErrValidation)
	}
	req := base
	req.Minute = 60
	_, err := f.m.SetShield(context.Background(), req)
	assert.ErrorIs(t, err, ErrValidation)

	rows, _ := f.store.ListAll(context.Background())
	assert.Empty(t, rows)
}

func TestSetShieldQuota(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Date(2026, 3, 3, 10, 0, 0, 0, jakarta))
	ctx := context.Background()

	for i := 0; i < DefaultMaxPerOwner; i++ {
		_, err := f.m.SetShield(ctx, SetRequest{OwnerID: "7", DestinationID: "7", AccountName: fmt.Sprintf("acc%02d", i), DurationDays: 1, Hour: 12})
		require.NoError(t, err, i)
	}
	_, err := f.m.SetShield(ctx, SetRequest{OwnerID: "7", DestinationID: "7", AccountName: "one-more", DurationDays: 1, Hour: 12})
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	// Replacing an existing account also needs a free slot.
	_, err = f.m.SetShield(ctx, SetRequest{OwnerID: "7", DestinationID: "7", AccountName: "acc00", DurationDays: 2, Hour: 12})
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	// Other owners are unaffected.
	_, err = f.m.SetShield(ctx, SetRequest{OwnerID: "8", DestinationID: "8", AccountName: "x", DurationDays: 1, Hour: 12})
	assert.NoError(t, err)

	n, err := f.store.CountByOwner(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxPerOwner, n)
}

func TestSetShieldReplacesDuplicate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Date(2026, 3, 3, 10, 0, 0, 0, jakarta))
	ctx := context.Background()

	_, err := f.m.SetShield(ctx, SetRequest{OwnerID: "1", DestinationID: "1", AccountName: "a", DurationDays: 3, Hour: 12})
	require.NoError(t, err)
	// Ends in 30 minutes: the old ONE_HOUR reminder must not survive.
	_, err = f.m.SetShield(ctx, SetRequest{OwnerID: "1", DestinationID: "2", AccountName: "a", DurationDays: 0, Hour: 10, Minute: 30})
	require.NoError(t, err)

	rows, err := f.store.ListByOwner(ctx, "1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2", rows[0].DestinationID)
	assert.Equal(t, []string{key("1", "a", KindExpired), key("1", "a", KindFiveMin)}, f.sched.names())
}

// insertFailStore fails Insert once armed, after deletes have gone through.
type insertFailStore struct {
	*storage.Memory
	fail bool
}

func (s *insertFailStore) Insert(ctx context.Context, r storage.Row) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.Memory.Insert(ctx, r)
}

func TestSetShieldInsertFailureCancelsOldReminders(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, jakarta)
	clock := func() time.Time { return now }
	store := &insertFailStore{Memory: storage.NewMemory()}
	sched := newFakeScheduler(clock)
	m := NewManager(Config{Location: jakarta}, store, sched, &fakeNotifier{}, logx.Nop(), WithClock(clock))
	ctx := context.Background()

	req := SetRequest{OwnerID: "1", DestinationID: "9", AccountName: "a", DurationDays: 7, Hour: 2, Minute: 45}
	_, err := m.SetShield(ctx, req)
	require.NoError(t, err)
	require.Len(t, sched.names(), 3)

	store.fail = true
	_, err = m.SetShield(ctx, req)
	require.ErrorIs(t, err, ErrPersistence)

	rows, err := store.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Empty(t, sched.names(), "reminders of a deleted shield stay armed")
}

func TestRemoveShieldCancelsReminders(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Date(2026, 3, 3, 10, 0, 0, 0, jakarta))
	ctx := context.Background()

	_, err := f.m.SetShield(ctx, SetRequest{OwnerID: "1", DestinationID: "1", AccountName: "a", DurationDays: 1, Hour: 12})
	require.NoError(t, err)
	_, err = f.m.SetShield(ctx, SetRequest{OwnerID: "1", DestinationID: "1", AccountName: "b", DurationDays: 1, Hour: 12})
	require.NoError(t, err)

	require.NoError(t, f.m.RemoveShield(ctx, "1", "a"))
	for _, n := range f.sched.names() {
		assert.NotContains(t, n, "/1:a/")
	}
	assert.Len(t, f.sched.names(), 3)

	items, err := f.m.ListShields(ctx, "1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "b", items[0].AccountName)

	// Unknown shields are a no-op.
	assert.NoError(t, f.m.RemoveShield(ctx, "1", "zzz"))
}

func TestRecoveryRoundTrip(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 3, 10, 0, 0, 0, jakarta)
	f := newFixture(t, now)
	ctx := context.Background()

	_, err := f.m.SetShield(ctx, SetRequest{OwnerID: "1", DestinationID: "1", AccountName: "a", DurationDays: 1, Hour: 12})
	require.NoError(t, err)
	_, err = f.m.SetShield(ctx, SetRequest{OwnerID: "1", DestinationID: "1", AccountName: "b", DurationDays: 0, Hour: 10, Minute: 30})
	require.NoError(t, err)
	before := f.sched.names()

	// Simulate a restart with a fresh scheduler over the same store.
	require.NoError(t, f.store.Insert(ctx, storage.Row{OwnerID: "2", DestinationID: "2", AccountName: "bad", EndTime: "not-a-time"}))
	require.NoError(t, f.store.Insert(ctx, storage.Row{OwnerID: "2", DestinationID: "2", AccountName: "old", EndTime: "2026-03-01T00:00:00"}))

	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()

	sched := newFakeScheduler(func() time.Time { return now })
	m2 := NewManager(Config{Location: jakarta}, f.store, sched, f.notif, logx.Nop(), WithClock(func() time.Time { return now }), WithBus(bus))
	rep, err := m2.LoadAndScheduleAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{Rows: 4, Scheduled: 5, Expired: 1, Skipped: 1}, rep)
	assert.Equal(t, before, sched.names())

	var skipped int
	for len(events) > 0 {
		if ev := <-events; ev.Type == eventbus.TypeRecoverySkipped {
			skipped++
		}
	}
	assert.Equal(t, 1, skipped)
}

func TestRecoverySkipsRegistrationFailure(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 3, 10, 0, 0, 0, jakarta)
	f := newFixture(t, now)
	ctx := context.Background()
	require.NoError(t, f.store.Insert(ctx, storage.Row{OwnerID: "1", DestinationID: "1", AccountName: "a", EndTime: "2026-03-04T12:00:00"}))
	require.NoError(t, f.store.Insert(ctx, storage.Row{OwnerID: "1", DestinationID: "1", AccountName: "b", EndTime: "2026-03-04T12:00:00"}))
	f.sched.fail[key("1", "a", KindOneHour)] = errors.New("boom")

	rep, err := f.m.LoadAndScheduleAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, rep.Scheduled)
}

type failingStore struct{ *storage.Memory }

func (failingStore) ListAll(context.Context) ([]storage.Row, error) { return nil, errors.New("disk gone") }

func TestRecoveryListFailure(t *testing.T) {
	t.Parallel()
	now := time.Now()
	m := NewManager(Config{}, failingStore{storage.NewMemory()}, newFakeScheduler(time.Now), &fakeNotifier{}, logx.Nop(), WithClock(func() time.Time { return now }))
	_, err := m.LoadAndScheduleAll(context.Background())
	assert.ErrorIs(t, err, ErrPersistence)

	err = NewDigest(m).Run(context.Background())
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestReminderDeliveryFailureIsFinal(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Date(2026, 3, 3, 10, 0, 0, 0, jakarta))
	f.notif.fail = map[string]error{"1": fmt.Errorf("%w: chat not found", ErrDelivery)}
	_, err := f.m.SetShield(context.Background(), SetRequest{OwnerID: "1", DestinationID: "1", AccountName: "a", DurationDays: 1, Hour: 12})
	require.NoError(t, err)

	err = f.sched.fire(t, key("1", "a", KindExpired))
	require.Error(t, err)
	assert.True(t, engine.IsNoRetry(err))
	assert.ErrorIs(t, err, ErrDelivery)
}

func TestDigestGroupsByDestination(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 3, 8, 0, 0, 0, jakarta)
	f := newFixture(t, now)
	ctx := context.Background()
	rows := []storage.Row{
		{OwnerID: "1", DestinationID: "-200", AccountName: "Nala_W", EndTime: "2026-03-05T09:30:00"},
		{OwnerID: "2", DestinationID: "-100", AccountName: "b", EndTime: "2026-03-03T08:00:00"},
		{OwnerID: "1", DestinationID: "-200", AccountName: "c", EndTime: "2026-03-03T07:30:00"},
		{OwnerID: "3", DestinationID: "-300", AccountName: "bad", EndTime: "garbage"},
	}
	for _, r := range rows {
		require.NoError(t, f.store.Insert(ctx, r))
	}
	f.notif.fail = map[string]error{"-999": errors.New("never used")}

	require.NoError(t, NewDigest(f.m).Run(ctx))
	sent := f.notif.all()
	require.Len(t, sent, 2)
	assert.Equal(t, "-200", sent[0].dest)
	assert.Equal(t, "📋 *Ringkasan Shield Hari Ini*\n• Nala\\_W: 2 hari 1 jam 30 menit\n• c: -1 hari 23 jam 30 menit\n", sent[0].text)
	assert.Equal(t, "-100", sent[1].dest)
	assert.Equal(t, "📋 *Ringkasan Shield Hari Ini*\n• b: 0 hari 0 jam 0 menit\n", sent[1].text)
}

func TestDigestContinuesPastFailedDestination(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Date(2026, 3, 3, 8, 0, 0, 0, jakarta))
	ctx := context.Background()
	require.NoError(t, f.store.Insert(ctx, storage.Row{OwnerID: "1", DestinationID: "A", AccountName: "a", EndTime: "2026-03-05T09:30:00"}))
	require.NoError(t, f.store.Insert(ctx, storage.Row{OwnerID: "1", DestinationID: "B", AccountName: "b", EndTime: "2026-03-05T09:30:00"}))
	f.notif.fail = map[string]error{"A": errors.New("blocked")}

	require.NoError(t, NewDigest(f.m).Run(ctx))
	sent := f.notif.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "B", sent[0].dest)
}

func TestDigestNoRecordsSendsNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Now())
	require.NoError(t, NewDigest(f.m).Run(context.Background()))
	assert.Empty(t, f.notif.all())
}

func TestMarkdownHelpers(t *testing.T) {
	t.Parallel()
	assert.Equal(t, `a\_b\*c\[d\`+"`", escapeMarkdown("a_b*c[d`"))
	assert.Equal(t, `*a*\**b*`, boldMarkdown("a*b"))
	assert.Equal(t, "💥 Shield akun *x* sudah HABIS! Segera aktifkan lagi.", ReminderText(KindExpired, "x"))
	assert.Equal(t, "⚠️ Shield akun *x* sisa 1 jam!", ReminderText(KindOneHour, "x"))
}
