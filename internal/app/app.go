// Package app wires storage, the job scheduler, the reminder dispatcher,
// the resolution state machine and the Telegram adapter into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"plantbot/internal/config"
	"plantbot/internal/eventbus"
	"plantbot/internal/feed"
	"plantbot/internal/notifier"
	"plantbot/internal/reminder"
	"plantbot/internal/resolution"
	rtsup "plantbot/internal/runtime/supervisor"
	"plantbot/internal/sharing"
	"plantbot/internal/storage"
	"plantbot/internal/task/engine"
	"plantbot/internal/task/scheduler"
	kit "plantbot/internal/transport"
	telegram "plantbot/internal/transport/telegram/adapter"
	logx "plantbot/pkg/logx"
	"plantbot/pkg/tgui"
)

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store  *storage.Store
	engine *engine.Service
	sched  *scheduler.Service
	notif  *notifier.Service

	reminders *reminder.Service
	resolver  *resolution.Service
	sharing   *sharing.Service
	feed      *feed.Builder

	adapter kit.Adapter
	sup     *rtsup.Supervisor
	updates chan kit.Update

	cleanupSpec string
	retention   time.Duration
}

// Open loads the config and builds every service without touching the
// network. One-shot commands use it directly; Start brings the bot online.
func Open(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, root := logx.New(logConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	a := &App{cfgm: cfgm, cfg: cfg, log: log, logs: logs, bus: eventbus.New(), updates: make(chan kit.Update, 256)}
	if err := a.build(root); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(root logx.Logger) error {
	cfg := a.cfg
	sc, err := storageConfig(cfg)
	if err != nil {
		return err
	}
	engCfg, err := engineConfig(cfg)
	if err != nil {
		return err
	}
	schedCfg, err := schedulerConfig(cfg)
	if err != nil {
		return err
	}
	notifCfg, err := notifierConfig(cfg)
	if err != nil {
		return err
	}
	remCfg, err := reminderConfig(cfg, notifCfg)
	if err != nil {
		return err
	}
	resCfg, err := resolutionConfig(cfg)
	if err != nil {
		return err
	}
	if a.cleanupSpec, a.retention, err = cleanupConfig(cfg); err != nil {
		return err
	}

	a.store, err = storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.engine = engine.New(engCfg, root, a.bus)
	a.sched = scheduler.New(schedCfg, a.engine, a.store, root, a.bus)
	a.notif = notifier.New(notifCfg, nil, root, a.bus)

	a.reminders = reminder.New(a.store, a.sched, a.notif, a.bus, remCfg, root)
	a.resolver = resolution.New(a.store, a.notif, a.reminders, a.bus, resCfg, root)
	a.sharing = sharing.New(a.store, a.bus, root)
	a.feed = feed.NewBuilder(a.store, feedConfig(cfg), root)

	a.sched.Handle(reminder.JobPrefix, a.reminders.HandleJob)
	if _, err := a.sched.AddCron("reminders.cleanup", a.cleanupSpec, time.Minute, a.cleanup); err != nil {
		return fmt.Errorf("scheduler.cleanup_cron: %w", err)
	}
	return nil
}

func (a *App) Config() *config.Config        { return a.cfg }
func (a *App) Store() *storage.Store         { return a.store }
func (a *App) Reminders() *reminder.Service  { return a.reminders }
func (a *App) Resolver() *resolution.Service { return a.resolver }
func (a *App) Sharing() *sharing.Service     { return a.sharing }
func (a *App) Feed() *feed.Builder           { return a.feed }
func (a *App) Logger() logx.Logger           { return a.log }

func (a *App) cleanup(ctx context.Context) error {
	_, err := a.reminders.Cleanup(ctx, time.Now().Add(-a.retention))
	return err
}

// Close releases storage and log sinks of an App that was never started.
func (a *App) Close() error {
	err := a.store.Close()
	return errors.Join(err, a.logs.Close())
}

// Done is closed once the app is stopping, after Stop or a fatal error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start connects to Telegram, restores durable jobs, re-plans every active
// schedule and begins handling reminder buttons.
func (a *App) Start(ctx context.Context) error {
	tcfg, err := telegramConfig(a.cfg)
	if err != nil {
		return err
	}
	ad, err := telegram.New(tcfg, a.log)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	return a.startWith(ctx, ad)
}

func (a *App) startWith(ctx context.Context, ad kit.Adapter) error {
	a.adapter = ad
	a.notif.SetAdapter(ad)
	a.logs.SetSender(func(ctx context.Context, chatID int64, text string) error {
		_, err := a.notif.Send(ctx, chatID, tgui.Esc(text).String(), nil)
		return err
	})

	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	if err := ad.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.engine.Start(a.sup.Context())
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	// Restored jobs are armed by now; re-planning replaces them and fills in
	// anything dropped as misfired.
	a.sup.Go0("reminders.plan_all", func(c context.Context) {
		if n, err := a.reminders.PlanAll(c); err != nil {
			a.log.Warn("initial planning incomplete", logx.Int("planned", n), logx.Err(err))
		}
	})
	a.sup.Go("updates.dispatch", func(c context.Context) error {
		return a.dispatchLoop(c)
	})
	a.sup.Go0("events.log", a.logEvents)
	a.sup.Go0("config.reload", a.applyReloads)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
		}
	}
}

// applyReloads pushes hot-reloadable sections into running services.
// Storage and the bot token need a restart.
func (a *App) applyReloads(ctx context.Context) {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfg
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			changed := config.Changes(last, cfg)
			last = cfg
			if len(changed) == 0 {
				continue
			}
			a.logs.Apply(logConfig(cfg))
			if ec, err := engineConfig(cfg); err == nil {
				a.engine.Apply(ctx, ec)
			}
			if sc, err := schedulerConfig(cfg); err == nil {
				a.sched.Apply(sc)
			}
			if nc, err := notifierConfig(cfg); err == nil {
				a.notif.Apply(nc)
			}
			if r := config.RestartRequired(changed); len(r) > 0 {
				a.log.Warn("config sections need a restart", logx.Any("sections", r))
			}
			a.log.Info("config applied", config.SummaryFields(changed, cfg)...)
		}
	}
}

// Stop shuts components down in dependency order, each step bounded so a
// stuck component cannot hold the process.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		c, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		start := time.Now()
		if err := fn(c); err != nil {
			a.log.Warn("stop step failed", logx.String("step", name), logx.Err(err))
		}
		a.log.Debug("stop step done", logx.String("step", name), logx.Duration("took", time.Since(start)))
	}
	step("adapter", 3*time.Second, a.adapter.Stop)
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("engine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
