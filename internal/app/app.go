package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"homedir/internal/clock"
	"homedir/internal/config"
	"homedir/internal/delivery"
	"homedir/internal/eventbus"
	"homedir/internal/httpapi"
	"homedir/internal/notify"
	"homedir/internal/persist"
	rtsup "homedir/internal/runtime/supervisor"
	"homedir/internal/schedule"
	"homedir/internal/scheduler"
	"homedir/internal/simulate"
	"homedir/internal/storage"
	logx "homedir/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

const (
	jobTalks  = "evaluator.talks"
	jobBreaks = "evaluator.breaks"
	jobEvents = "evaluator.events"
	jobFlush  = "notify.flush"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	lane  *persist.Lane

	notify  *notify.Service
	global  *notify.Broadcaster
	users   *delivery.UserRegistry
	globals *delivery.GlobalRegistry

	provider schedule.Provider
	talks    *schedule.TalkEvaluator
	breaks   *schedule.BreakEvaluator
	events   *schedule.EventEvaluator
	sim      *simulate.Engine
	sched    *scheduler.Service

	api  *httpapi.Handler
	http *httpapi.Server
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	log = log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	a := &App{cfgPath: cfgPath, cfgm: cfgm, log: log, logs: logSvc, bus: bus}

	sc, enabled, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	var lane notify.Lane
	diskDir := ""
	if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		a.store = st
		diskDir = st.Dir()
		a.lane = persist.New(st, mapLane(cfg), log,
			persist.WithBus(bus),
			persist.WithOnFailure(func(j persist.Job, _ error) {
				// a failed user write leaves the user dirty for the next flush
				a.notify.MarkFailed(j)
			}),
		)
		lane = a.lane
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	} else {
		log.Warn("storage disabled; every accepted notification is volatile")
	}

	ncfg, err := mapNotify(cfg)
	if err != nil {
		return nil, err
	}
	bcfg, err := mapBroadcast(cfg)
	if err != nil {
		return nil, err
	}
	ev, err := mapEvaluators(cfg)
	if err != nil {
		return nil, err
	}
	simCfg, err := mapSimulation(cfg, ev)
	if err != nil {
		return nil, err
	}
	dc, err := mapDelivery(cfg)
	if err != nil {
		return nil, err
	}

	clk := clock.Real{}
	a.users = delivery.NewUserRegistry(dc.Registry, log)
	a.globals = delivery.NewGlobalRegistry(dc.Registry, log)
	a.notify = notify.New(ncfg, lane,
		notify.WithClock(clk),
		notify.WithLogger(log),
		notify.WithBus(bus),
		notify.WithDiskDir(diskDir),
		notify.WithUserPublisher(a.users),
	)
	a.global = notify.NewBroadcaster(bcfg, lane,
		notify.WithClock(clk),
		notify.WithLogger(log),
		notify.WithBus(bus),
		notify.WithDiskDir(diskDir),
		notify.WithGlobalPublisher(a.globals),
	)

	if path := strings.TrimSpace(cfg.Schedule.Path); path != "" {
		a.provider = schedule.NewFileProvider(path, log)
	} else {
		log.Warn("schedule.path not set; evaluators see no activities")
		a.provider = schedule.NewStaticProvider(nil)
	}
	evOpts := []schedule.Option{schedule.WithClock(clk), schedule.WithLogger(log), schedule.WithBus(bus)}
	a.talks = schedule.NewTalkEvaluator(a.provider, a.notify, ev.Talks, evOpts...)
	a.breaks = schedule.NewBreakEvaluator(a.provider, a.global, ev.Breaks, evOpts...)
	a.events = schedule.NewEventEvaluator(a.provider, a.global, ev.Events, evOpts...)
	a.sim = simulate.NewEngine(simCfg, a.provider, a.notify, a.global, clk, log)
	a.sched = scheduler.New(ev.Zone, log)

	a.api = httpapi.NewHandler(httpapi.Deps{
		Notify:  a.notify,
		Global:  a.global,
		Sim:     a.sim,
		Users:   a.users,
		Globals: a.globals,
		Clock:   clk,
		Runtime: a.runtimeStats,
	}, dc.HTTP, log)
	a.http = httpapi.NewServer(dc.Server, a.api.Routes(), log)

	if err := a.schedule(ncfg, ev); err != nil {
		return nil, err
	}
	return a, nil
}

// Simulator exposes the engine for one-shot dry runs from the CLI.
func (a *App) Simulator() *simulate.Engine { return a.sim }

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

// schedule (re)registers the evaluator ticks and the flush cadence. Add
// replaces entries by name, so it is also the hot-reload path.
func (a *App) schedule(ncfg notify.Config, ev evaluatorsConfig) error {
	every := "@every " + ev.Tick.String()
	jobs := []struct {
		name string
		spec string
		fn   scheduler.Job
	}{
		{jobTalks, every, func(ctx context.Context) error { _, err := a.talks.Tick(ctx); return err }},
		{jobBreaks, every, func(ctx context.Context) error { _, err := a.breaks.Tick(ctx); return err }},
		{jobEvents, every, func(ctx context.Context) error { _, err := a.events.Tick(ctx); return err }},
		{jobFlush, "@every " + ncfg.FlushInterval.String(), func(ctx context.Context) error { a.notify.Flush(ctx); return nil }},
	}
	for _, j := range jobs {
		if err := a.sched.Add(j.name, j.spec, ev.Tick, j.fn); err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if a.store != nil {
		users, err := a.notify.Load(ctx, a.store)
		if err != nil {
			return fmt.Errorf("load user snapshots: %w", err)
		}
		globals, err := a.global.Load(ctx, a.store)
		if err != nil {
			return fmt.Errorf("load global snapshot: %w", err)
		}
		a.log.Info("state restored", logx.Int("users", users), logx.Int("global", globals))
		// The lane outlives the app context so Stop can drain it.
		a.lane.Start(context.WithoutCancel(a.sup.Context()))
	}

	a.sched.Start(a.sup.Context())
	a.http.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.reload(last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", a.watchdog)

	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

// reload applies every section that can change live. Storage, the listen
// address and the router options only take effect after a restart.
func (a *App) reload(prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("keys", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogging(next))

	ncfg, err := mapNotify(next)
	if err != nil {
		a.log.Warn("invalid notifications config; keeping previous", logx.Err(err))
	} else {
		a.notify.Apply(ncfg)
	}
	if bcfg, err := mapBroadcast(next); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.global.Apply(bcfg)
	}

	ev, err := mapEvaluators(next)
	if err != nil {
		a.log.Warn("invalid evaluators config; keeping previous", logx.Err(err))
	} else {
		a.talks.Apply(ev.Talks)
		a.breaks.Apply(ev.Breaks)
		a.events.Apply(ev.Events)
		if simCfg, err := mapSimulation(next, ev); err == nil {
			a.sim.Apply(simCfg)
		}
		if ncfg.FlushInterval > 0 {
			if err := a.schedule(ncfg, ev); err != nil {
				a.log.Warn("rescheduling failed", logx.Err(err))
			}
		}
	}

	if dc, err := mapDelivery(next); err == nil {
		a.users.Apply(dc.Registry)
		a.globals.Apply(dc.Registry)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

type runtimeStats struct {
	Lane        *persist.Stats                 `json:"lane,omitempty"`
	Supervisors map[string]rtsup.Snapshot      `json:"supervisors"`
	Scheduler   []scheduler.EntryInfo          `json:"scheduler"`
	Evaluators  map[string]schedule.TickReport `json:"evaluators"`
	Dirty       int                            `json:"dirty_users"`
	BusDropped  uint64                         `json:"bus_dropped"`
}

func (a *App) runtimeStats() any {
	out := runtimeStats{
		Supervisors: map[string]rtsup.Snapshot{},
		Scheduler:   a.sched.Snapshot(),
		Evaluators: map[string]schedule.TickReport{
			a.talks.Name():  a.talks.Last(),
			a.breaks.Name(): a.breaks.Last(),
			a.events.Name(): a.events.Last(),
		},
		Dirty:      len(a.notify.DirtyUsers()),
		BusDropped: eventbus.Dropped(a.bus),
	}
	if a.sup != nil {
		out.Supervisors["app"] = a.sup.Snapshot()
	}
	if sup := a.http.Supervisor(); sup != nil {
		out.Supervisors["http"] = sup.Snapshot()
	}
	if a.lane != nil {
		st := a.lane.Stats()
		out.Lane = &st
		if sup := a.lane.Supervisor(); sup != nil {
			out.Supervisors["persist"] = sup.Snapshot()
		}
	}
	return out
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	// Cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// step runs one shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max <= 0 {
				a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
				return
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			}()
		}
	}

	step("http", 3*time.Second, func(c context.Context) error {
		a.api.Close()
		a.http.Stop(c)
		a.users.CloseAll()
		a.globals.CloseAll()
		return nil
	})
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	// Last chance for volatile users before the lane stops accepting.
	step("flush", 1*time.Second, func(c context.Context) error {
		r := a.notify.Flush(c)
		if r.Dirty > r.Submitted {
			return fmt.Errorf("%d users left volatile", r.Dirty-r.Submitted)
		}
		return nil
	})
	step("persist", 4*time.Second, func(c context.Context) error {
		if a.lane != nil {
			a.lane.Stop(c)
		}
		return nil
	})
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
