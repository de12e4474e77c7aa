// Package runtime wires configuration, persistence, the pipeline components,
// the upgrade keeper and the HTTP surface into one daemon.
package runtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/kernel_layer/internal/app/httpapi"
	"github.com/R3E-Network/kernel_layer/internal/app/orchestrator"
	"github.com/R3E-Network/kernel_layer/internal/app/system"
	"github.com/R3E-Network/kernel_layer/internal/config"
	"github.com/R3E-Network/kernel_layer/internal/engine/events"
	"github.com/R3E-Network/kernel_layer/internal/engine/metrics"
	"github.com/R3E-Network/kernel_layer/internal/kernel"
	"github.com/R3E-Network/kernel_layer/internal/platform/migrations"
	"github.com/R3E-Network/kernel_layer/packages/com.r3e.kernel.dependencies"
	"github.com/R3E-Network/kernel_layer/packages/com.r3e.kernel.proposals"
	"github.com/R3E-Network/kernel_layer/packages/com.r3e.kernel.timelock"
	"github.com/R3E-Network/kernel_layer/packages/com.r3e.kernel.validation"
	"github.com/R3E-Network/kernel_layer/pkg/logger"
)

// Application is the assembled daemon.
type Application struct {
	cfg      config.Config
	pipeline config.PipelineConfig
	log      *logger.Logger

	Runtime      kernel.Runtime
	Registry     *kernel.MemoryRegistry
	Orchestrator *orchestrator.Orchestrator
	Keeper       *orchestrator.Keeper
	Server       *httpapi.Server
	Events       *events.RingBuffer
	Metrics      *metrics.Collector

	db       *sql.DB
	redis    *redis.Client
	services *system.Manager
}

// Option customizes construction. Used by tests to inject a clock or database.
type Option func(*builder)

type builder struct {
	clock  kernel.Clock
	db     *sql.DB
	logger *logger.Logger
}

// WithClock replaces the ledger clock.
func WithClock(c kernel.Clock) Option {
	return func(b *builder) { b.clock = c }
}

// WithDB uses an already opened database instead of the configured DSN.
func WithDB(db *sql.DB) Option {
	return func(b *builder) { b.db = db }
}

// WithLogger replaces the configured logger.
func WithLogger(l *logger.Logger) Option {
	return func(b *builder) { b.logger = l }
}

// NewApplication builds the daemon from cfg and the pipeline bootstrap state.
func NewApplication(ctx context.Context, cfg config.Config, pipeline config.PipelineConfig, opts ...Option) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := pipeline.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline config: %w", err)
	}
	b := &builder{}
	for _, opt := range opts {
		opt(b)
	}
	log := b.logger
	if log == nil {
		log = logger.New(cfg.LoggerConfig())
	}
	clock := b.clock
	if clock == nil {
		clock = kernel.NewLedgerClock()
	}

	app := &Application{
		cfg:      cfg,
		pipeline: pipeline,
		log:      log,
		Events:   events.NewRingBuffer(cfg.Events.BufferSize),
		Metrics:  metrics.NewCollector(cfg.MetricsNamespace),
		services: system.NewManager(),
		db:       b.db,
	}
	ok := false
	defer func() {
		if !ok {
			app.closeClients()
		}
	}()

	sinks := []events.Sink{app.Events, app.Metrics, events.NewLogSink(log.Named("events"))}
	if cfg.Redis.Addr != "" {
		app.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		sinks = append(sinks, events.NewRedisSink(app.redis, events.RedisSinkConfig{
			Stream: cfg.Redis.Stream,
			MaxLen: cfg.Redis.MaxLen,
		}, log.Named("events-redis")))
	}
	sink := events.NewFanout(sinks...)

	admin := principal(pipeline.Authority.Admin)
	authority := kernel.NewAuthority(admin,
		kernel.WithHolder(kernel.RoleEmergencyAdmin, principal(pipeline.Authority.EmergencyAdmin)),
		kernel.WithHolder(kernel.RoleUpgradeManager, principal(pipeline.Authority.UpgradeManager)),
		kernel.WithAuthoritySink(sink),
		kernel.WithAuthorityClock(clock),
	)
	app.Runtime = kernel.Runtime{
		Authority: authority,
		Executor: kernel.NewExecutor(
			kernel.WithWaitRecorder(app.Metrics),
			kernel.WithExecutorLogger(log.Named("executor")),
		),
		Clock:   clock,
		Events:  sink,
		Metrics: app.Metrics,
	}

	app.Registry = kernel.NewMemoryRegistry(clock)
	for _, m := range pipeline.Registry.Modules {
		if err := registerModule(app.Registry, m); err != nil {
			return nil, err
		}
	}

	if app.db == nil && cfg.UsesDatabase() {
		db, err := OpenDatabase(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		app.db = db
	}
	if app.db != nil && cfg.Database.AutoMigrate {
		if err := migrations.Up(app.db, log.Named("migrations")); err != nil {
			return nil, err
		}
	}

	components, err := app.buildComponents()
	if err != nil {
		return nil, err
	}
	if err := bootstrap(ctx, components, admin, pipeline, log.Named("bootstrap")); err != nil {
		return nil, fmt.Errorf("bootstrap pipeline: %w", err)
	}
	app.Orchestrator = orchestrator.New(components, app.Runtime, app.Registry, app.Registry, log.Named("orchestrator"))

	if cfg.Keeper.Enabled {
		app.Keeper, err = orchestrator.NewKeeper(app.Orchestrator, cfg.Keeper.Schedule, app.Metrics, log.Named("upgrade-keeper"))
		if err != nil {
			return nil, err
		}
		if err := app.services.Register(app.Keeper); err != nil {
			return nil, err
		}
	}

	app.Server, err = httpapi.New(httpapi.Deps{
		Orchestrator: app.Orchestrator,
		Keeper:       app.Keeper,
		Authority:    authority,
		Registry:     app.Registry,
		Events:       app.Events,
		Metrics:      app.Metrics,
		Gatherer:     app.Metrics.Registry(),
		Checks:       app.healthChecks(),
	}, httpapi.Options{
		Addr:            cfg.HTTP.Addr,
		RateLimitRPS:    cfg.HTTP.RateLimitRPS,
		RateLimitBurst:  cfg.HTTP.RateLimitBurst,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		AuditFile:       cfg.HTTP.AuditFile,
	}, log.Named("http"))
	if err != nil {
		return nil, err
	}
	if err := app.services.Register(app.Server); err != nil {
		return nil, err
	}

	ok = true
	return app, nil
}

func (a *Application) buildComponents() (orchestrator.Components, error) {
	cycleCheck, err := dependencies.ParseCycleCheck(a.pipeline.Dependencies.CycleCheck)
	if err != nil {
		return orchestrator.Components{}, err
	}
	depOpts := []dependencies.Option{dependencies.WithCycleCheck(cycleCheck)}
	var valOpts []validation.Option
	if pct := a.pipeline.Validation.ThresholdPercent; pct > 0 {
		valOpts = append(valOpts, validation.WithDefaultThreshold(pct))
	}
	var propOpts []proposals.Option
	if n := a.pipeline.Proposals.Threshold; n > 0 {
		propOpts = append(propOpts, proposals.WithDefaultThreshold(n))
	}
	var tlOpts []timelock.Option
	if d := a.pipeline.Timelock.Delay; d > 0 {
		tlOpts = append(tlOpts, timelock.WithDefaultDelay(d))
	}

	var (
		depStore  dependencies.Store = dependencies.NewMemoryStore()
		valStore  validation.Store   = validation.NewMemoryStore()
		propStore proposals.Store    = proposals.NewMemoryStore()
		tlStore   timelock.Store     = timelock.NewMemoryStore()
	)
	if a.db != nil {
		depStore = dependencies.NewPostgresStore(a.db)
		valStore = validation.NewPostgresStore(a.db)
		propStore = proposals.NewPostgresStore(a.db)
		tlStore = timelock.NewPostgresStore(a.db)
	}

	return orchestrator.Components{
		Dependencies: dependencies.New(depStore, a.Runtime, a.log.Named("dependencies"), depOpts...),
		Validation:   validation.New(valStore, a.Runtime, a.log.Named("validation"), valOpts...),
		Proposals:    proposals.New(propStore, a.Runtime, a.log.Named("proposals"), propOpts...),
		Timelock:     timelock.New(tlStore, a.Runtime, a.log.Named("timelock"), tlOpts...),
	}, nil
}

func (a *Application) healthChecks() map[string]httpapi.HealthCheck {
	checks := make(map[string]httpapi.HealthCheck)
	if a.db != nil {
		checks["database"] = a.db.PingContext
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}
	return checks
}

// Services lists the managed services in start order.
func (a *Application) Services() []string { return a.services.Names() }

// Start starts the keeper and the HTTP server.
func (a *Application) Start(ctx context.Context) error {
	return a.services.Start(ctx)
}

// Run starts the application and blocks until ctx is cancelled or the HTTP
// server fails, then shuts everything down.
func (a *Application) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	var runErr error
	select {
	case <-ctx.Done():
	case err, open := <-a.Server.Done():
		if open && err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}
	return errors.Join(runErr, a.Shutdown(context.Background()))
}

// Shutdown stops services in reverse order and closes the clients.
func (a *Application) Shutdown(ctx context.Context) error {
	stopCtx, cancel := context.WithTimeout(ctx, a.cfg.HTTP.ShutdownTimeout+5*time.Second)
	defer cancel()
	err := a.services.Stop(stopCtx)
	return errors.Join(err, a.closeClients())
}

func (a *Application) closeClients() error {
	var errs []error
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
		a.redis = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
		a.db = nil
	}
	return errors.Join(errs...)
}

// OpenDatabase opens Postgres with the configured pool limits and pings it.
func OpenDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func registerModule(reg *kernel.MemoryRegistry, m config.ModuleConfig) error {
	code, err := kernel.ParseModuleCode(m.Code)
	if err != nil {
		return err
	}
	proxy, err := kernel.ParseAddress(m.Proxy)
	if err != nil {
		return err
	}
	impl, err := kernel.ParseAddress(m.Implementation)
	if err != nil {
		return err
	}
	if err := reg.Register(code, proxy, impl, m.Version); err != nil {
		return fmt.Errorf("register module %s: %w", code, err)
	}
	return nil
}
