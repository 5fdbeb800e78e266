package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/MrSnakeDoc/wake/internal/config"
	"github.com/MrSnakeDoc/wake/internal/container"
	"github.com/MrSnakeDoc/wake/internal/domain"
	"github.com/MrSnakeDoc/wake/internal/events"
	"github.com/MrSnakeDoc/wake/internal/health"
	"github.com/MrSnakeDoc/wake/internal/httpserver"
	"github.com/MrSnakeDoc/wake/internal/httpserver/deps"
	"github.com/MrSnakeDoc/wake/internal/httpserver/mw"
	"github.com/MrSnakeDoc/wake/internal/interceptor"
	"github.com/MrSnakeDoc/wake/internal/logger"
	"github.com/MrSnakeDoc/wake/internal/proxy"
	"github.com/MrSnakeDoc/wake/internal/redis"
	"github.com/MrSnakeDoc/wake/internal/registry"
	"github.com/MrSnakeDoc/wake/internal/retry"
	"github.com/MrSnakeDoc/wake/internal/scheduler"
	"github.com/MrSnakeDoc/wake/internal/sources/catalog"
	redisstore "github.com/MrSnakeDoc/wake/internal/store/redis"
	"github.com/MrSnakeDoc/wake/internal/version"
	"github.com/MrSnakeDoc/wake/internal/wake"
)

type App struct {
	cfg         *config.Config
	logger      logger.Logger
	admin       *httpserver.Server
	interceptor *httpserver.Server
	redisClient *goredis.Client
	runtime     *container.Docker
	bus         *events.Bus
	coord       *wake.Coordinator
	reloader    *scheduler.CatalogReloader
	reaper      *scheduler.Reaper
	resyncer    *scheduler.Resyncer
	watcher     *scheduler.Watcher // nil when WAKE_WATCH_EVENTS=false
	forwarder   *scheduler.Forwarder
	adopter     *scheduler.Adopter // nil when WAKE_ADOPT_ON_STARTUP=false
}

func New() *App {
	cfg := config.Load()

	loggerClient := logger.New(cfg.LogLevel, cfg.PrettyLog)

	// Container runtime
	runtime, err := container.NewDocker(container.DockerOptions{
		Host:       cfg.RuntimeHost,
		APIVersion: cfg.RuntimeAPIVersion,
		Timeout:    cfg.RuntimeTimeout,
		StopGrace:  cfg.StopGrace,
	})
	if err != nil {
		loggerClient.Errorf("Failed to create docker client: %v", err)
		os.Exit(1)
	}

	// Redis is required by the traefik backend; with caddy it only carries
	// snapshots and event history.
	var redisClient *goredis.Client
	if cfg.RedisEnabled() {
		loggerClient.Infof("Connecting to Redis at %s", cfg.RedisAddr)
		redisClient, err = redis.New(context.Background(), redis.ConnectOptions{
			Addr:           cfg.RedisAddr,
			User:           cfg.RedisUser,
			Password:       cfg.RedisPassword,
			RedisDB:        cfg.RedisDB,
			DialTimeout:    cfg.RedisDT,
			ReadTimeout:    cfg.RedisRT,
			WriteTimeout:   cfg.RedisWT,
			PoolSize:       cfg.RedisPoolSize,
			ConnectTimeout: cfg.RedisConnectTimeout,
			RetryInterval:  cfg.RedisRetryInterval,
			MaxWait:        cfg.RedisMaxWait,
			PingTimeout:    cfg.RedisPingTimeout,
			WarnThreshold:  cfg.RedisWarnThreshold,
		}, loggerClient)
		if err != nil {
			loggerClient.Errorf("Failed to connect to Redis: %v", err)
			os.Exit(1)
		}
		loggerClient.Info("Redis initialized successfully")
	} else {
		loggerClient.Info("redis not configured, snapshots and event history disabled")
	}

	// Proxy backend
	var applier proxy.Applier
	switch cfg.ProxyBackend {
	case config.BackendCaddy:
		applier = proxy.NewCaddyApplier(proxy.CaddyOptions{
			AdminURL: cfg.CaddyAdminURL,
			Server:   cfg.CaddyServer,
			Timeout:  cfg.ProxyTimeout,
		})
	default:
		applier = proxy.NewTraefikApplier(redisClient, proxy.TraefikOptions{
			RootKey:     cfg.TraefikRootKey,
			EntryPoints: cfg.TraefikEntryPoints,
		})
	}
	loggerClient.Info("proxy backend selected", logger.String("backend", applier.Name()))

	bus := events.NewBus(loggerClient.Named("events"))
	reg := registry.New(registry.WithPublisher(bus))

	// Only routes of Running services with a live target ever reach the proxy.
	guard := func(key domain.RouteKey, entry domain.RouteEntry) bool {
		svc, ok := reg.Get(entry.ServiceID)
		return ok && svc.State == domain.StateRunning && svc.Target == entry.Target
	}
	routes := proxy.NewSynchronizer(applier, reg, loggerClient.Named("proxy"),
		proxy.WithGuard(guard),
		proxy.WithTimeout(cfg.ProxyTimeout))

	prober := health.NewHTTPProber(health.Options{
		AttemptTimeout: cfg.HealthAttemptTimeout,
		InsecureTLS:    cfg.HealthInsecureTLS,
	})

	coord := wake.New(reg, runtime, prober, routes, wake.Options{
		Retry: retry.Policy{
			InitialInterval: cfg.RetryInitial,
			MaxInterval:     cfg.RetryMax,
			MaxAttempts:     cfg.RetryAttempts,
		},
		ErrorCooldown: cfg.ErrorCooldown,
		SyncTimeout:   cfg.ProxyTimeout,
		StopTimeout:   cfg.StopTimeout,
	}, loggerClient.Named("wake"))

	// Optional Redis sinks
	var (
		snapshots scheduler.Snapshotter
		sink      scheduler.EventSink
		eventLog  deps.EventLog
	)
	if redisClient != nil {
		stream := redisstore.NewEventStream(redisClient, cfg.EventsStream, cfg.EventsMaxLen)
		sink, eventLog = stream, stream
		if cfg.RedisSnapshots {
			snapshots = redisstore.NewStore(redisClient)
		}
	}

	// Create manual reload trigger channel
	reloadTrigger := make(chan struct{}, 1)

	reloader := scheduler.NewCatalogReloader(
		cfg.ServiceFile,
		catalog.Defaults{
			IdleTimeout: cfg.IdleTimeout,
			WakeTimeout: cfg.WakeTimeout,
			HealthCheck: catalog.HealthDef{
				Interval: cfg.HealthInterval,
				Timeout:  cfg.HealthAttemptTimeout,
			},
		},
		reg,
		coord,
		routes,
		snapshots,
		loggerClient.Named("catalog"),
		cfg.ReloadInterval,
		reloadTrigger,
	)

	reaper := scheduler.NewReaper(reg, coord, loggerClient.Named("reaper"), cfg.ReapInterval, cfg.LoopConcurrency)
	resyncer := scheduler.NewResyncer(routes, loggerClient.Named("resync"), cfg.ResyncInterval)
	forwarder := scheduler.NewForwarder(bus, reg, sink, snapshots, loggerClient.Named("events"))

	var watcher *scheduler.Watcher
	if cfg.WatchEvents {
		watcher = scheduler.NewWatcher(reg, runtime, coord, loggerClient.Named("watcher"))
	}
	var adopter *scheduler.Adopter
	if cfg.AdoptOnStartup {
		adopter = scheduler.NewAdopter(reg, runtime, coord, loggerClient.Named("adopt"), cfg.LoopConcurrency)
	}

	limiter := mw.NewLimiter(mw.RateLimitConfig{
		Burst:             cfg.RateBurst,
		RefillPerIPPerMin: cfg.RatePerMin,
		MaxEntries:        10000,
		TrustProxy:        cfg.TrustProxy,
	})
	front := interceptor.New(reg, coord, interceptor.Options{
		MaxWait:       cfg.MaxWait,
		InterimMargin: cfg.InterimMargin,
		TrustProxy:    cfg.TrustProxy,
		Limiter:       limiter,
	}, loggerClient)

	var triggerLimiter *mw.Limiter
	if cfg.AdminRateBurst > 0 {
		triggerLimiter = mw.NewLimiter(mw.RateLimitConfig{
			Burst:             cfg.AdminRateBurst,
			RefillPerIPPerMin: cfg.AdminRatePerMin,
			MaxEntries:        1000,
			TrustProxy:        cfg.TrustProxy,
		})
	}

	// Dependencies passed to routes (extend as needed).
	d := deps.Deps{
		Logger:        loggerClient,
		StartTime:     time.Now(),
		Version:       version.Version,
		Commit:        version.Commit,
		BuildDate:     version.BuildDate,
		GoVersion:     version.GoVersion,
		AllowedHosts:  cfg.AllowedHosts,
		AllowedCIDRS:  cfg.AllowedCIDRS,
		TrustProxy:    cfg.TrustProxy,
		ServiceFile:   cfg.ServiceFile,
		Registry:      reg,
		Lifecycle:     coord,
		Routes:        routes,
		Runtime:       runtime,
		RedisClient:   redisClient,
		Events:        bus,
		EventLog:      eventLog,
		ReloadTrigger: reloadTrigger,
		WaitTimeout:   cfg.AdminWaitTimeout,

		TriggerLimiter: triggerLimiter,
	}

	return &App{
		cfg:         cfg,
		logger:      loggerClient,
		admin:       httpserver.NewAdmin(cfg, loggerClient, d),
		interceptor: httpserver.NewInterceptor(cfg, loggerClient, front),
		redisClient: redisClient,
		runtime:     runtime,
		bus:         bus,
		coord:       coord,
		reloader:    reloader,
		reaper:      reaper,
		resyncer:    resyncer,
		watcher:     watcher,
		forwarder:   forwarder,
		adopter:     adopter,
	}
}

func (a *App) Run() error {
	a.logger.Infof("🚀 Starting wake v%s (interceptor %s, admin %s)", version.Version, a.cfg.ListenPort, a.cfg.AdminPort)
	a.logger.Infof("wake %s (commit=%s, built=%s, go=%s)",
		version.Version, version.Commit, version.BuildDate, version.GoVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Forward events before the first load so its transitions reach the sinks.
	if err := a.forwarder.Start(ctx); err != nil {
		return fmt.Errorf("failed to start event forwarder: %w", err)
	}

	// Load the catalog (fails hard on an unreadable file) and start the periodic reload
	if err := a.reloader.Start(ctx); err != nil {
		return fmt.Errorf("failed to start catalog reloader: %w", err)
	}
	a.logger.Info("catalog reloader started",
		logger.String("file", a.cfg.ServiceFile),
		logger.Duration("interval", a.cfg.ReloadInterval))

	// The first resync runs inline and purges routes left behind by a previous run.
	if err := a.resyncer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start proxy resync: %w", err)
	}

	if a.adopter != nil {
		if n, err := a.adopter.Adopt(ctx); err != nil {
			a.logger.Warn("startup adoption failed", logger.Error(err))
		} else {
			a.logger.Info("startup adoption done", logger.Int("adopted", n))
		}
	}

	if err := a.reaper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start idle reaper: %w", err)
	}
	if a.watcher != nil {
		if err := a.watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start container watcher: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range []*httpserver.Server{a.interceptor, a.admin} {
		s := s
		g.Go(func() error {
			if err := s.Start(); err != nil {
				return fmt.Errorf("%s server error: %w", s.Name(), err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("⏳ Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		for _, s := range []*httpserver.Server{a.interceptor, a.admin} {
			if err := s.Stop(shutdownCtx); err != nil {
				a.logger.Warn("failed to stop server", logger.String("server", s.Name()), logger.Error(err))
			}
		}
		return nil
	})
	serveErr := g.Wait()

	a.shutdown()

	if serveErr != nil {
		return serveErr
	}
	a.logger.Info("✅ wake stopped cleanly")
	return nil
}

// shutdown stops the loops first, then lets in-flight wakes and sleeps finish.
func (a *App) shutdown() {
	a.reaper.Stop()
	a.resyncer.Stop()
	a.reloader.Stop()
	if a.watcher != nil {
		a.watcher.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.coord.Close(ctx); err != nil {
		a.logger.Warn("wake operations still running at shutdown", logger.Error(err))
	}

	a.forwarder.Stop()
	a.bus.Close()

	if err := a.runtime.Close(); err != nil {
		a.logger.Warnf("failed to close docker client: %v", err)
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warnf("failed to close redis: %v", err)
		} else {
			a.logger.Info("✅ Redis closed cleanly")
		}
	}
}
