package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"shieldbot/internal/eventbus"
	"shieldbot/internal/task/engine"
	logx "shieldbot/pkg/logx"
)

// ErrPastFireTime is returned by AddOnce when the fire time is not in the future.
var ErrPastFireTime = errors.New("fire time is not in the future")

// DefaultMisfireGrace is how late a one-shot may fire before it is dropped.
const DefaultMisfireGrace = time.Second

type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; empty means Local
}

// Job is the work a trigger hands to the engine.
type Job func(ctx context.Context) error

type TaskOptions = engine.TaskOptions

type HistoryItem = engine.HistoryItem

// Enqueuer is the part of engine.Service the scheduler needs.
type Enqueuer interface {
	Enqueue(t engine.Task) error
	Snapshot() engine.Snapshot
}

type cronDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     Job
	opt     TaskOptions
	entryID cron.EntryID
}

// onceDef outlives its timer: Stop drops timers but keeps definitions so a
// later Start can re-arm the ones still in the future.
type onceDef struct {
	at      time.Time
	timeout time.Duration
	job     Job
	opt     TaskOptions
	ver     uint64
	timer   *time.Timer
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	engine Enqueuer
	bus    eventbus.Bus
	now    func() time.Time
	grace  time.Duration

	missed        atomic.Uint64
	enqueueFailed atomic.Uint64

	parser cron.Parser
	c      *cron.Cron
	defs   []cronDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time

	// guards once and running; never held while calling into the engine
	tmu     sync.Mutex
	once    map[string]*onceDef
	verSeq  uint64
	running bool
}

type ScheduleInfo struct {
	Name    string
	Kind    string // "once" | "cron"
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
}

type Snapshot struct {
	Timezone string
	Running  bool

	Workers          int
	InFlight         int
	QueueLen         int
	QueueCap         int
	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64
	DefaultTimeout   time.Duration
	MaxQueueDelay    time.Duration
	RetryMax         int

	// Missed counts one-shots dropped because their timer ran past the
	// misfire grace (host suspend, wall clock jump).
	Missed        uint64
	EnqueueFailed uint64

	Schedules []ScheduleInfo
	History   []HistoryItem
}

// TriggerEvent is the payload of TypeTriggerMissed and TypeTriggerDropped.
type TriggerEvent struct {
	Name  string
	At    time.Time
	Late  time.Duration
	Error error
}
