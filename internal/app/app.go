// Package app wires the presence tracker, the commands and the node-health
// broadcaster around one Discord session.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"botwatch/internal/commands"
	"botwatch/internal/config"
	"botwatch/internal/eventbus"
	"botwatch/internal/gateway"
	"botwatch/internal/nodehealth"
	"botwatch/internal/nodes"
	"botwatch/internal/observability/debug"
	rtsup "botwatch/internal/runtime/supervisor"
	"botwatch/internal/scheduler"
	"botwatch/internal/storage"
	"botwatch/internal/tracker"
	"botwatch/internal/transport/discord"
	"botwatch/internal/transport/telegram"
	logx "botwatch/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	// store is nil when storage is disabled; presence tracking is then off.
	store *storage.Store

	discord    *discord.Adapter
	gateway    *gateway.Gateway
	publisher  *tracker.Publisher
	dispatcher *tracker.Dispatcher
	router     *commands.Router
	sched      *scheduler.Service

	// pool and nodeHealth are nil unless node_health.enabled.
	pool       *nodes.Pool
	nodeHealth *nodehealth.Manager

	debug *debug.Server

	updates   chan discord.Update
	readyOnce sync.Once
	bg        sync.WaitGroup
	cmdSem    chan struct{}

	mu       sync.Mutex
	cfg      *config.Config
	presence *rotation
}

// New loads the config at cfgPath and builds every component. Nothing talks
// to the network until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(ctx, cfgm, cfg)
}

func build(ctx context.Context, cfgm *config.Manager, cfg *config.Config) (*App, error) {
	var sender logx.Sender
	if tc, ok := mapTelegram(cfg); ok {
		ls, err := telegram.New(tc)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		sender = ls
	}
	logs, root := logx.New(mapLogging(cfg), sender)
	log := root.With(logx.String("comp", "app"))
	bus := eventbus.New()

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     bus,
		cfg:     cfg,
		updates: make(chan discord.Update, 512),
		cmdSem:  make(chan struct{}, 16),
	}

	if sc, ok := mapStorage(cfg); ok {
		st, err := storage.Open(ctx, sc, root.With(logx.String("comp", "storage")), bus)
		if err != nil {
			return nil, err
		}
		a.store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	} else {
		log.Warn("storage is not configured; presence tracking and tracking commands are disabled")
	}

	dc, err := discord.New(mapDiscord(cfg), root.With(logx.String("comp", "discord")))
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.discord = dc

	var gs gateway.Store
	var ts tracker.Store
	if a.store != nil {
		gs, ts = a.store, a.store
	}
	a.gateway = gateway.New(gs, dc, dc, root.With(logx.String("comp", "gateway")))

	if ts != nil {
		a.publisher = tracker.NewPublisher(mapTracker(cfg, a.reporter()), ts, dc, bus, root.With(logx.String("comp", "tracker")))
		a.dispatcher = tracker.NewDispatcher(mapDispatcher(cfg), a.publisher.Handle, root.With(logx.String("comp", "dispatcher")), bus)
	}

	if cfg.NodeHealth.Enabled {
		nc, err := mapLavalink(cfg)
		if err != nil {
			a.closeStore()
			return nil, fmt.Errorf("lavalink: %w", err)
		}
		a.pool = nodes.NewPool(nc, root.With(logx.String("comp", "lavalink")))
		a.nodeHealth = nodehealth.NewManager(mapNodeHealth(cfg), dc, a.pool,
			nodehealth.NewRecordFile(cfg.NodeHealth.RecordPath), root.With(logx.String("comp", "nodehealth")))
	}

	a.router = commands.NewRouter(mapCommands(cfg), dc, root.With(logx.String("comp", "commands")))
	deps := commands.Deps{
		Gateway:  a.gateway,
		Sink:     dc,
		Latency:  dc.Session().HeartbeatLatency,
		Reporter: a.reporter,
	}
	if a.nodeHealth != nil {
		deps.Nodes = a.nodeHealth
	}
	a.router.Register(commands.Builtins(deps)...)

	a.sched = scheduler.New(scheduler.Config{Timezone: cfg.Reconcile.Timezone, Spread: true},
		root.With(logx.String("comp", "scheduler")), bus)

	if cfg.Debug.Enabled {
		a.debug = debug.New(mapDebug(cfg), root.With(logx.String("comp", "debug")))
		a.registerChecks()
	}
	return a, nil
}

// reporter is the name in card footers: tracker.reporter, else the bot's
// own user name once known.
func (a *App) reporter() string {
	a.mu.Lock()
	r := strings.TrimSpace(a.cfg.Tracker.Reporter)
	a.mu.Unlock()
	if r != "" {
		return r
	}
	if s := a.discord; s != nil && s.Session().State != nil && s.Session().State.User != nil {
		return s.Session().State.User.Username
	}
	return "botwatch"
}

func (a *App) config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

func (a *App) registerChecks() {
	if a.store != nil {
		a.debug.AddCheck("storage", func(context.Context) (string, bool) {
			st := a.store.State()
			return st, st == "connected"
		})
	} else {
		a.debug.AddCheck("storage", func(context.Context) (string, bool) { return "disabled", true })
	}
	if a.nodeHealth != nil {
		a.debug.AddCheck("node_health", func(context.Context) (string, bool) {
			st := a.nodeHealth.State()
			return st.String(), st != nodehealth.StateStopped
		})
	}
	a.debug.AddCheck("goroutines", func(context.Context) (string, bool) {
		if a.sup == nil {
			return "not started", false
		}
		c := a.sup.Counters()
		return fmt.Sprintf("%d active, %d started", c.Active, c.Started), a.sup.Err() == nil
	})
	a.debug.AddCheck("discord", func(context.Context) (string, bool) {
		if a.discord.SelfID() == "" {
			return "connecting", false
		}
		return "ready", true
	})
}

// Done is closed when the app supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error the supervisor saw.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()
	cfg := a.config()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("config.reload", a.reloadLoop)

	if a.dispatcher != nil {
		a.dispatcher.Start(runCtx)
	}
	a.sched.Start(runCtx)
	if err := a.scheduleReconcile(cfg); err != nil {
		a.log.Warn("reconcile schedule rejected", logx.Err(err))
	}

	if a.debug != nil {
		if err := a.debug.Start(runCtx); err != nil {
			// optional; the bot runs without it
			a.log.Error("debug server not started", logx.Err(err))
		}
	}

	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("discord.updates", a.updateLoop)

	if err := a.discord.Start(runCtx, a.updates); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	a.log.Info("started",
		logx.Bool("storage", a.store != nil),
		logx.Bool("node_health", a.nodeHealth != nil),
		logx.String("prefix", cfg.Discord.Prefix),
	)
	return nil
}

// Stop shuts everything down in dependency order. Each step is bounded so
// one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStore()
		_ = a.logs.Close()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
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

	step("discord", 3*time.Second, func(c context.Context) error { return a.discord.Stop(c) })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("node_health", 2*time.Second, func(c context.Context) error {
		if a.nodeHealth != nil {
			a.nodeHealth.Stop()
		}
		if a.pool != nil {
			return a.pool.Stop(c)
		}
		return nil
	})
	step("background", 3*time.Second, func(c context.Context) error { return waitGroup(c, &a.bg) })
	step("dispatcher", 5*time.Second, func(c context.Context) error {
		if a.dispatcher != nil {
			a.dispatcher.Stop(c)
		}
		return nil
	})
	step("debug", time.Second, func(c context.Context) error {
		if a.debug != nil {
			a.debug.Stop(c)
		}
		return nil
	})
	step("storage", 2*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close(c)
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) closeStore() {
	if a.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.store.Close(ctx)
	}
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// background runs fn off the update loop; Stop waits for it.
func (a *App) background(ctx context.Context, fn func(ctx context.Context)) {
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		fn(ctx)
	}()
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
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}
