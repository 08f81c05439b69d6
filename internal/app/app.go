package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"shieldbot/internal/config"
	"shieldbot/internal/eventbus"
	"shieldbot/internal/notifier"
	"shieldbot/internal/observability/metrics"
	"shieldbot/internal/observability/ops"
	rtsup "shieldbot/internal/runtime/supervisor"
	"shieldbot/internal/shield"
	"shieldbot/internal/storage"
	"shieldbot/internal/task/engine"
	"shieldbot/internal/task/scheduler"
	kit "shieldbot/internal/transport"
	telegram "shieldbot/internal/transport/telegram/adapter"
	"shieldbot/internal/transport/telegram/router"
	logx "shieldbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	storeCfg storage.Config
	store    storage.Store

	adapter kit.Adapter

	engine  *engine.Service
	sched   *scheduler.Service
	notif   *notifier.Service
	shields *shield.Manager
	cmdm    *router.CommandManager
	metrics *metrics.Metrics
	ops     *ops.Service

	recovery shield.RecoveryReport
	updates  chan kit.Update
}

// NewApp loads the config file and wires the Telegram transport.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg, ad)
}

func newApp(cfgm *config.ConfigManager, cfg *config.Config, ad kit.Adapter) (*App, error) {
	// Bootstrap with the chat sink off so Apply() does not warn before the
	// target is known, then apply the final config.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Chat.Enabled = false
	logSvc, root := logx.New(bootCfg, ad)
	if err := setLogTarget(logSvc, cfg.Telegram.GroupLog); err != nil {
		root.Warn("telegram.group_log ignored", logx.Err(err))
	}
	logSvc.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))

	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	engineSvc := engine.New(engCfg, root.With(logx.String("comp", "taskengine")), bus)
	schedSvc := scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, engineSvc, root.With(logx.String("comp", "scheduler")), scheduler.WithBus(bus))
	notifSvc := notifier.New(ncfg, ad, root.With(logx.String("comp", "notifier")), bus)

	cmdm := router.NewCommandManager(root.With(logx.String("comp", "commands")), ad, router.Options{
		Workers:        engCfg.Workers,
		DefaultTimeout: 15 * time.Second,
	})

	a := &App{
		cfgm:     cfgm,
		cfg:      cfg,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		storeCfg: storeCfg,
		adapter:  ad,
		engine:   engineSvc,
		sched:    schedSvc,
		notif:    notifSvc,
		cmdm:     cmdm,
		metrics:  metrics.New(),
		updates:  make(chan kit.Update, 256),
	}
	a.metrics.RegisterGauges(metrics.Gauges{
		PendingReminders: schedSvc.PendingCount,
		QueueLen:         func() int { return engineSvc.Snapshot().QueueLen },
		InFlight:         func() int { return engineSvc.Snapshot().InFlight },
	})
	a.ops = ops.New(mapOpsConfig(cfg), a.metrics.Registry, a.health, root.With(logx.String("comp", "ops")))
	return a, nil
}

func setLogTarget(logs *logx.Service, groupLog string) error {
	if strings.TrimSpace(groupLog) == "" {
		logs.SetChatTarget(kit.ChatTarget{})
		return nil
	}
	t, err := kit.ParseChatTarget(groupLog)
	if err != nil {
		return err
	}
	logs.SetChatTarget(t)
	return nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Healthy reports whether the app is serving. Used for the systemd watchdog.
func (a *App) Healthy() bool {
	return a.sup != nil && a.Err() == nil && a.engine.Running()
}

// Recovery returns what the startup recovery pass found.
func (a *App) Recovery() shield.RecoveryReport { return a.recovery }

// Start brings components up in dependency order: storage, task engine,
// scheduler, digest, recovery, then the transport and command dispatch.
// Only a storage failure aborts startup.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	store, err := storage.Open(ctx, a.storeCfg, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		a.sup.Cancel()
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store
	a.log.Info("storage ready", logx.String("driver", a.storeCfg.Driver))

	a.engine.Start(runCtx)
	a.sched.Start(runCtx)

	scfg := mapShieldConfig(a.cfg)
	scfg.Location = a.sched.Location()
	a.shields = shield.NewManager(scfg, a.store, a.sched, a.notif,
		a.log.With(logx.String("comp", "shield")),
		shield.WithBus(a.bus),
	)

	if at, ok := digestSchedule(a.cfg); ok {
		digest := shield.NewDigest(a.shields)
		if _, err := a.sched.AddSchedule(shield.DigestJobName, at, time.Minute, digest.Run); err != nil {
			a.log.Warn("digest not scheduled", logx.String("at", at), logx.Err(err))
		} else {
			a.log.Info("digest scheduled", logx.String("at", at))
		}
	}

	rep, err := a.shields.LoadAndScheduleAll(runCtx)
	if err != nil {
		a.log.Error("recovery failed; starting with no reminders", logx.Err(err))
	}
	a.recovery = rep

	a.sup.Go0("metrics", func(c context.Context) { a.metrics.Run(c, a.bus) })
	a.ops.Start(runCtx)

	a.cmdm.SetRegistry(shield.Commands(a.shields, func() string {
		return a.cmdm.HelpText(shield.HelpHeader())
	}))
	a.sup.Go0("commands.menu", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 10*time.Second)
		defer cancel()
		if err := a.cmdm.PublishMenu(mctx, a.adapter); err != nil {
			a.log.Warn("command menu not published", logx.Err(err))
		}
	})

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		a.sup.Cancel()
		return err
	}
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	a.startConfigReload()

	a.log.Info("app started",
		logx.Int("recovered_rows", rep.Rows),
		logx.Int("reminders", rep.Scheduled),
		logx.Int("expired", rep.Expired),
		logx.Int("skipped", rep.Skipped),
	)
	return nil
}

func (a *App) startConfigReload() {
	if a.cfgm == nil {
		return
	}
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
}

// applyConfig applies the live sections and warns about the rest.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	// Target first so Apply() does not warn when the chat sink is enabled.
	if err := setLogTarget(a.logs, newCfg.Telegram.GroupLog); err != nil {
		a.log.Warn("telegram.group_log ignored", logx.Err(err))
	}
	a.logs.Apply(mapLogConfig(newCfg))

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) health() (map[string]any, error) {
	ss := a.sched.Snapshot()
	out := map[string]any{
		"engine_running":    a.engine.Running(),
		"queue_len":         ss.QueueLen,
		"in_flight":         ss.InFlight,
		"pending_reminders": a.sched.PendingCount(),
		"triggers_missed":   ss.Missed,
		"triggers_dropped":  ss.EnqueueFailed,
		"storage":           a.storeCfg.Driver,
		"recovered_rows":    a.recovery.Rows,
		"recovery_skipped":  a.recovery.Skipped,
	}
	if err := a.Err(); err != nil {
		return out, err
	}
	if !a.engine.Running() {
		return out, errors.New("task engine not running")
	}
	return out, nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// step runs one shutdown step with an upper bound so a stuck component
	// cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("ops", 1*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, command dispatcher, etc.)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
