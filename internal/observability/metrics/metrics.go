// Package metrics exposes Prometheus collectors for the reminder pipeline.
//
// Counters are driven by the in-process event bus so domain packages never
// import Prometheus. Gauges read live state through callbacks.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"shieldbot/internal/eventbus"
	"shieldbot/internal/task/engine"
)

const namespace = "shieldbot"

type Metrics struct {
	Registry *prometheus.Registry

	// Events counts bus events by type, e.g. reminder.scheduled.
	Events *prometheus.CounterVec

	// TaskDuration is the run time of engine tasks by outcome.
	TaskDuration *prometheus.HistogramVec

	// TaskQueueDelay is how long tasks waited for a worker.
	TaskQueueDelay prometheus.Histogram
}

// New builds collectors on a private registry (plus Go and process
// collectors) so tests and multiple instances never collide.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Events: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Reminder, delivery and task events by type",
			},
			[]string{"type"},
		),
		TaskDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Task engine run time in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
			},
			[]string{"status"},
		),
		TaskQueueDelay: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_queue_delay_seconds",
				Help:      "Time tasks spent queued before a worker picked them up",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
			},
		),
	}
}

// Gauges reads live values on scrape. Nil callbacks are skipped.
type Gauges struct {
	PendingReminders func() int
	QueueLen         func() int
	InFlight         func() int
}

func (m *Metrics) RegisterGauges(g Gauges) {
	f := promauto.With(m.Registry)
	add := func(name, help string, fn func() int) {
		if fn == nil {
			return
		}
		f.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, func() float64 { return float64(fn()) })
	}
	add("pending_reminders", "One-shot reminders currently armed", g.PendingReminders)
	add("task_queue_length", "Tasks waiting in the engine queue", g.QueueLen)
	add("task_in_flight", "Tasks currently running", g.InFlight)
}

// Observe updates counters for one bus event.
func (m *Metrics) Observe(e eventbus.Event) {
	m.Events.WithLabelValues(e.Type).Inc()

	te, ok := e.Data.(engine.TaskEvent)
	if !ok {
		return
	}
	status := "ok"
	if e.Type == eventbus.TypeTaskFailed {
		status = "failed"
	}
	m.TaskDuration.WithLabelValues(status).Observe(te.Duration.Seconds())
	m.TaskQueueDelay.Observe(te.QueueDelay.Seconds())
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) {
	events, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}
