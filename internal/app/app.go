// Package app wires the abot components together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"abot/internal/bot"
	"abot/internal/command"
	"abot/internal/config"
	"abot/internal/dispatch"
	"abot/internal/eventbus"
	"abot/internal/ingest"
	"abot/internal/member"
	"abot/internal/metrics"
	"abot/internal/notifier"
	"abot/internal/observability/admin"
	"abot/internal/report"
	rtsup "abot/internal/runtime/supervisor"
	"abot/internal/schedule"
	"abot/internal/storage"
	"abot/internal/subscription"
	kit "abot/internal/transport"
	"abot/internal/transport/discard"
	"abot/internal/transport/telegram"
	"abot/internal/webhook"
	logx "abot/pkg/logx"
	"abot/pkg/systemd"
)

const (
	jobFlush  = "registry.flush"
	jobDigest = "stats.digest"
)

type App struct {
	version string

	cfgm *config.Manager
	rt   *config.Runtime
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	adapter kit.Adapter
	store   storage.Store
	members *member.Directory
	reg     *subscription.Registry
	notif   *notifier.Service
	disp    *dispatch.Dispatcher
	journal *storage.Journal
	proc    *ingest.Processor
	web     *webhook.Server
	natsSub *ingest.Subscriber
	sched   *schedule.Service
	handler *command.Handler
	router  *bot.Router
	admin   *admin.Service

	clock   clock.Clock
	updates chan kit.Update
}

// New loads the config and builds every component. Nothing is started; the
// member directory and the saved registry state are read here so that a bad
// deployment fails before it goes live.
func New(ctx context.Context, cfgPath, version string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	_, rt, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	bootLog := logx.NewConsole(rt.Logging.Level)
	var ad kit.Adapter
	switch rt.Transport {
	case config.TransportDiscard:
		ad = discard.New(bootLog.With(logx.String("comp", "discard")))
	default:
		tg, err := telegram.New(rt.Telegram, bootLog.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		ad = tg
	}

	logSvc, log := logx.New(rt.Logging, ad)
	a := &App{
		version: version,
		cfgm:    cfgm,
		rt:      rt,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		adapter: ad,
		updates: make(chan kit.Update, 256),
	}
	if err := a.build(ctx, log); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, log logx.Logger) error {
	rt := a.rt
	if a.clock == nil {
		a.clock = clock.New()
	}
	clk := a.clock

	members, err := member.Load(ctx, rt.Members, log.With(logx.String("comp", "members")))
	if err != nil {
		return err
	}
	a.members = members

	regOpts := []subscription.Option{
		subscription.WithLogger(log.With(logx.String("comp", "registry"))),
		subscription.WithBus(a.bus),
		subscription.WithClock(clk),
	}
	store, err := storage.Open(rt.Storage, log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	var saved subscription.State
	if store != nil {
		a.store = store
		lctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		saved, err = store.LoadState(lctx)
		cancel()
		if err != nil {
			return fmt.Errorf("load registry state: %w", err)
		}
		regOpts = append(regOpts, subscription.WithPersister(store))
		a.log.Info("storage enabled", logx.String("driver", rt.Storage.Driver), logx.Bool("delivery_log", rt.Storage.DeliveryLog))
	} else {
		a.log.Warn("storage disabled; subscriptions are lost on restart")
	}
	a.reg = subscription.New(rt.Scale, regOpts...)
	a.reg.Restore(saved)

	renderer, err := report.New(rt.AlertTemplate, rt.Scale, members)
	if err != nil {
		return fmt.Errorf("report.alert_template: %w", err)
	}

	a.notif = notifier.New(rt.Notifier, a.adapter,
		notifier.WithBus(a.bus),
		notifier.WithClock(clk),
		notifier.WithLogger(log.With(logx.String("comp", "notifier"))),
	)
	a.disp = dispatch.New(a.reg, a.notif,
		dispatch.WithConfig(rt.Dispatch),
		dispatch.WithScale(rt.Scale),
		dispatch.WithFormatter(renderer),
		dispatch.WithBus(a.bus),
		dispatch.WithClock(clk),
		dispatch.WithLogger(log.With(logx.String("comp", "dispatch"))),
	)
	if a.store != nil && rt.Storage.DeliveryLog {
		a.journal = storage.NewJournal(a.store, a.bus, log.With(logx.String("comp", "journal")))
	}

	a.proc = ingest.NewProcessor(rt.Scale, members, a.disp, clk, log.With(logx.String("comp", "ingest")))
	if rt.WebhookEnabled {
		a.web, err = webhook.New(rt.Webhook, webhook.Deps{
			Processor: a.proc,
			Registry:  a.reg,
			Members:   members,
			Stats:     a.disp.Stats(),
			Log:       log,
			Version:   a.version,
		})
		if err != nil {
			return err
		}
	}
	if rt.NATSEnabled {
		a.natsSub = ingest.NewSubscriber(rt.NATS, a.proc, log.With(logx.String("comp", "nats")))
	}

	parser := command.NewParser(command.ParserConfig{
		Scale:       rt.Scale,
		Members:     members,
		PublicRooms: rt.PublicRooms,
		Operators:   rt.Operators,
	})
	a.handler = command.NewHandler(command.HandlerConfig{
		Parser:      parser,
		Registry:    a.reg,
		Members:     members,
		Scale:       rt.Scale,
		Stats:       a.disp.Stats(),
		Clock:       clk,
		Log:         log.With(logx.String("comp", "command")),
		DefaultMute: rt.DefaultMute,
		Version:     a.version,
	})
	a.router = bot.New(bot.Config{Workers: rt.ChatWorkers, Timeout: rt.CommandTimeout}, a.adapter, a.handler, log)

	a.sched = schedule.New(rt.Schedule, log)
	a.admin = admin.New(rt.Admin, a.reg, log, admin.WithJobs(a.sched))
	if err := a.sched.Add(jobFlush, rt.FlushSpec, 30*time.Second, a.flush); err != nil {
		return fmt.Errorf("schedule.flush: %w", err)
	}
	if rt.DigestSpec != "" {
		if err := a.sched.Add(jobDigest, rt.DigestSpec, time.Minute, a.digest); err != nil {
			return fmt.Errorf("schedule.digest: %w", err)
		}
	}
	return nil
}

// flush retries persistence while degraded and refreshes the registry gauges.
func (a *App) flush(ctx context.Context) error {
	err := a.reg.Flush(ctx)
	metrics.SetDegraded(a.reg.Health().Degraded)
	metrics.Subscriptions.Set(float64(a.reg.Len()))
	return err
}

func (a *App) digest(ctx context.Context) error {
	text := report.Stats(a.disp.Stats().Snapshot(), a.reg.Len(), a.clock.Now())
	return a.notif.Notify(ctx, notifier.Notice{Target: a.rt.DigestRoom, Text: text})
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	c := a.sup.Context()

	metrics.SetBuildInfo(a.version)
	if err := a.flush(c); err != nil {
		a.log.Warn("initial flush failed", logx.Err(err))
	}

	if err := a.adapter.Start(c, a.updates); err != nil {
		return err
	}
	a.notif.Start(c)
	if err := a.sched.Start(c); err != nil {
		return err
	}

	a.sup.Go("bot.router", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})
	if a.journal != nil {
		a.sup.Go("storage.journal", a.journal.Run)
	}
	if a.web != nil {
		a.sup.Go("webhook", a.web.Run)
	}
	if a.natsSub != nil {
		// the broker may be down at boot or go away later; keep retrying
		a.sup.GoRestart("nats.subscriber", a.natsSub.Run,
			rtsup.WithRestartBackoff(time.Second, 30*time.Second),
			rtsup.WithPublishFirstError(false),
		)
	}
	a.admin.Start(c)
	a.watchEvents()
	a.watchConfig()
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		systemd.Watchdog(c, func() bool { return a.sup.Err() == nil })
	})

	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify READY sent")
	}
	a.log.Info("abot started",
		logx.String("version", a.version),
		logx.String("transport", a.rt.Transport),
		logx.Int("members", a.members.Len()),
		logx.Int("subscriptions", a.reg.Len()),
		logx.Bool("webhook", a.web != nil),
		logx.Bool("nats", a.natsSub != nil),
	)
	return nil
}

// watchEvents logs maintenance changes and mirrors them into the digest room.
func (a *App) watchEvents() {
	events, unsub := a.bus.Subscribe(64)
	a.sup.Go0("events.maintenance", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if e.Type != eventbus.TypeMaintenance {
					continue
				}
				st, ok := e.Data.(subscription.MaintenanceState)
				if !ok {
					continue
				}
				on := !st.Since.IsZero()
				a.log.Info("maintenance changed", logx.String("member", st.Member), logx.Bool("on", on))
				if a.rt.DigestRoom == "" {
					continue
				}
				name := st.Member
				if m, ok := a.members.Lookup(st.Member); ok {
					name = m.Name
				}
				text := fmt.Sprintf("🛠 <b>%s</b> maintenance %s", html.EscapeString(name), onOff(on))
				if err := a.notif.Notify(c, notifier.Notice{Target: a.rt.DigestRoom, Text: text}); err != nil && !errors.Is(err, context.Canceled) {
					a.log.Debug("maintenance notice dropped", logx.Err(err))
				}
			}
		}
	})
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// watchConfig applies reloadable sections. The rest is logged as needing a
// restart.
func (a *App) watchConfig() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case u, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, u)
			}
		}
	})
}

func (a *App) applyConfig(ctx context.Context, u config.Update) {
	sections, attrs, restart := config.SummarizeConfigChange(u.Old, u.Config)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	rt := u.Runtime
	a.logs.Apply(rt.Logging)
	a.disp.Apply(rt.Dispatch)
	a.handler.SetDefaultMute(rt.DefaultMute)
	a.notif.Apply(rt.Notifier)
	a.admin.Reconfigure(ctx, rt.Admin)

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}
}

// Stop shuts down in dependency order: intake first, then the workers that
// drain it, then the transport and storage.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	a.disp.Stop()
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// webhook shutdown, NATS drain and queued chat commands run under the supervisor
	step("supervisor", 8*time.Second, a.sup.Wait)
	step("admin", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 3*time.Second, a.adapter.Stop)
	step("registry.flush", 3*time.Second, a.reg.Flush)
	step("storage", 2*time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})

	a.log.Info("stopped")
	return a.logs.Close()
}
