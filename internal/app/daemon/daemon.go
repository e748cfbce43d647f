// Package daemon assembles the maker daemon from its configuration.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/cfdmaker/internal/app/command"
	"github.com/coachpo/cfdmaker/internal/app/maker"
	"github.com/coachpo/cfdmaker/internal/app/rollover"
	"github.com/coachpo/cfdmaker/internal/app/tasks"
	"github.com/coachpo/cfdmaker/internal/domain/cfdstore"
	"github.com/coachpo/cfdmaker/internal/domain/dlc"
	"github.com/coachpo/cfdmaker/internal/domain/model"
	"github.com/coachpo/cfdmaker/internal/infra/bus/feed"
	"github.com/coachpo/cfdmaker/internal/infra/config"
	"github.com/coachpo/cfdmaker/internal/infra/oracle"
	"github.com/coachpo/cfdmaker/internal/infra/persistence/memory"
	"github.com/coachpo/cfdmaker/internal/infra/persistence/migrations"
	"github.com/coachpo/cfdmaker/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/cfdmaker/internal/infra/server/http"
	"github.com/coachpo/cfdmaker/internal/infra/telemetry"
	"github.com/coachpo/cfdmaker/internal/infra/transport"
	"github.com/coachpo/cfdmaker/internal/infra/transport/ws"
	"github.com/coachpo/cfdmaker/internal/infra/wallet"
	"github.com/coachpo/cfdmaker/internal/observability"
)

const (
	shutdownTimeout              = 30 * time.Second
	controlServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout     = 10 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
	controlReadHeaderTimeout     = 5 * time.Second
)

// Option customises daemon assembly.
type Option func(*options)

type options struct {
	setup   dlc.Setup
	builder dlc.Builder
	logger  observability.Logger
}

// WithContractBuilders installs the contract setup protocol and transaction
// builder. Without them every setup and rollover fails as unsupported.
func WithContractBuilders(setup dlc.Setup, builder dlc.Builder) Option {
	return func(o *options) {
		o.setup = setup
		o.builder = builder
	}
}

// WithLogger overrides the logger built from the log configuration.
func WithLogger(logger observability.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Daemon owns every long-lived component of the maker.
type Daemon struct {
	cfg    config.AppConfig
	logger observability.Logger

	telemetry *telemetry.Provider
	pool      *pgxpool.Pool
	store     cfdstore.Store
	feeds     *feed.Feeds
	executor  *command.Executor
	wallet    *wallet.Client
	registry  *ws.Registry
	listener  *ws.Listener

	runCtx    context.Context
	runCancel context.CancelFunc
	setups    *tasks.Supervisor[model.OrderID]
	rollovers *tasks.Supervisor[model.OrderID]
	actor     *maker.Actor
	engine    *rollover.Engine
	api       *http.Server

	ready    chan struct{}
	mu       sync.Mutex
	apiAddr  string
	peerAddr string
}

// New assembles the daemon. Nothing is served until Run.
func New(ctx context.Context, cfg config.AppConfig, opts ...Option) (*Daemon, error) {
	o := options{setup: dlc.UnsupportedSetup{}, builder: dlc.Unsupported{}}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		built, err := observability.NewZerolog(os.Stdout, cfg.Log.Format, cfg.Log.Level)
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
		logger = built
	}
	observability.SetLogger(logger)

	d := &Daemon{cfg: cfg, logger: logger, ready: make(chan struct{})}
	ok := false
	defer func() {
		if !ok {
			d.release(context.Background())
		}
	}()

	provider, err := initTelemetry(ctx, logger, cfg)
	if err != nil {
		return nil, err
	}
	d.telemetry = provider

	if err := d.openStore(ctx); err != nil {
		return nil, err
	}

	var oraclePk model.PublicKey
	if cfg.Oracle.PublicKey != "" {
		oraclePk, err = model.ParsePublicKey(cfg.Oracle.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("oracle public key: %w", err)
		}
	}

	d.feeds = feed.NewFeeds()
	d.executor = command.NewExecutor(d.store, d.feeds.Cfds, logger)
	d.wallet = wallet.NewClient(wallet.Config{
		BaseURL:          cfg.Wallet.BaseURL,
		Timeout:          cfg.Wallet.Timeout,
		MinSyncSpacing:   cfg.Wallet.MinSyncSpacing,
		BroadcastRetries: cfg.Wallet.BroadcastRetries,
	})
	d.registry = ws.NewRegistry(logger, ws.WithSendTimeout(cfg.Transport.SendTimeout))
	d.listener = ws.NewListener(cfg.Transport.ListenAddr, logger)

	d.runCtx, d.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	d.setups = tasks.NewSupervisor[model.OrderID](d.runCtx, logger.With(observability.F("tasks", "setup")))
	d.rollovers = tasks.NewSupervisor[model.OrderID](d.runCtx, logger.With(observability.F("tasks", "rollover")))

	d.actor, err = maker.NewActor(maker.Config{
		SetupBufferCapacity: cfg.Transport.SetupBufferCapacity,
		OraclePk:            oraclePk,
	}, maker.Deps{
		Store:      d.store,
		Executor:   d.executor,
		Takers:     d.registry,
		Wallet:     d.wallet,
		Setup:      o.setup,
		Tasks:      d.setups,
		OrderFeed:  d.feeds.Order,
		WalletFeed: d.feeds.Wallet,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	d.engine, err = rollover.NewEngine(rollover.Config{
		OraclePk:       oraclePk,
		PayoutCount:    cfg.Protocol.PayoutCount,
		MessageTimeout: cfg.Transport.RolloverMessageTimeout,
	}, d.executor, oracle.NewClient(cfg.Oracle.BaseURL, cfg.Oracle.Timeout), o.builder, d.rollovers, logger)
	if err != nil {
		return nil, err
	}

	d.registry.Bind(d.actor)
	d.listener.Handle(transport.ProtocolMaker, d.registry.Serve)
	d.listener.Handle(transport.ProtocolRollover, d.engine.HandleSubstream)

	d.api = &http.Server{
		Addr:              cfg.APIServer.Addr,
		Handler:           httpserver.NewHandler(d.actor, d.engine, d.feeds, logger),
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}

	ok = true
	return d, nil
}

// Ready is closed once both listeners are bound.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// APIAddr reports the bound control API address.
func (d *Daemon) APIAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.apiAddr
}

// PeerAddr reports the bound peer listener address.
func (d *Daemon) PeerAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peerAddr
}

// Run serves until ctx ends and then shuts every component down.
func (d *Daemon) Run(ctx context.Context) error {
	apiLn, err := net.Listen("tcp", d.cfg.APIServer.Addr)
	if err != nil {
		d.release(context.Background())
		return fmt.Errorf("listen control api: %w", err)
	}
	peerLn, err := net.Listen("tcp", d.cfg.Transport.ListenAddr)
	if err != nil {
		_ = apiLn.Close()
		d.release(context.Background())
		return fmt.Errorf("listen peers: %w", err)
	}
	d.mu.Lock()
	d.apiAddr = apiLn.Addr().String()
	d.peerAddr = peerLn.Addr().String()
	d.mu.Unlock()

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() { d.actor.Run(d.runCtx) })
	lifecycle.Go(func() { d.engine.Run(d.runCtx) })
	lifecycle.Go(func() {
		if err := d.listener.Serve(d.runCtx, peerLn); err != nil {
			d.logger.Error("peer listener stopped", observability.Err(err))
		}
	})
	lifecycle.Go(func() {
		if err := d.api.Serve(apiLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("control server stopped", observability.Err(err))
		}
	})
	lifecycle.Go(func() { d.syncWallet(d.runCtx) })

	d.executor.RepublishCfds(d.runCtx)
	close(d.ready)
	d.logger.Info("maker started",
		observability.F("api", d.APIAddr()),
		observability.F("peers", d.PeerAddr()),
		observability.F("env", string(d.cfg.Environment)))

	<-ctx.Done()
	d.logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	start := time.Now()
	d.shutdown(shutdownCtx, &lifecycle)
	d.logger.Info("shutdown completed", observability.F("elapsed", time.Since(start).String()))
	return nil
}

func (d *Daemon) syncWallet(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Wallet.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.actor.SyncWallet(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("queue wallet sync", observability.Err(err))
			}
		}
	}
}

func (d *Daemon) shutdown(ctx context.Context, lifecycle *conc.WaitGroup) {
	step := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		d.logger.Debug("shutdown: " + name)
		if err := fn(stepCtx); err != nil {
			d.logger.Warn("shutdown step failed", observability.F("step", name), observability.Err(err))
		}
	}

	step("stopping control server", controlServerShutdownTimeout, d.api.Shutdown)

	d.runCancel()
	step("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			lifecycle.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
		}
	})

	d.release(ctx)
}

// release frees everything New acquired. It tolerates partial assembly.
func (d *Daemon) release(ctx context.Context) {
	if d.runCancel != nil {
		d.runCancel()
	}
	if d.setups != nil {
		d.setups.Close()
	}
	if d.rollovers != nil {
		d.rollovers.Close()
	}
	if d.listener != nil {
		d.listener.Close()
	}
	if d.registry != nil {
		d.registry.Close()
	}
	if d.feeds != nil {
		d.feeds.Close()
	}
	if d.pool != nil {
		d.pool.Close()
	}
	if d.telemetry != nil {
		stepCtx, cancel := context.WithTimeout(ctx, telemetryShutdownTimeout)
		defer cancel()
		if err := d.telemetry.Shutdown(stepCtx); err != nil {
			d.logger.Warn("shutdown telemetry", observability.Err(err))
		}
	}
}

func (d *Daemon) openStore(ctx context.Context) error {
	db := d.cfg.Database
	if db.Driver == config.DriverMemory {
		d.logger.Warn("using in-memory contract store; state is lost on exit")
		d.store = memory.NewCfdStore()
		return nil
	}

	if db.RunMigrations {
		if err := migrations.Apply(ctx, db.DSN, db.MigrationsDir, d.logger); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}
	pool, err := postgres.OpenPool(ctx, postgres.PoolConfig{
		DSN:               db.DSN,
		MaxConns:          db.MaxConns,
		MinConns:          db.MinConns,
		MaxConnLifetime:   db.MaxConnLifetime,
		MaxConnIdleTime:   db.MaxConnIdleTime,
		HealthCheckPeriod: db.HealthCheckPeriod,
		ConnectTimeout:    db.ConnectTimeout,
	}, d.logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	d.pool = pool
	if err := postgres.ObservePoolMetrics(pool, "primary"); err != nil {
		d.logger.Warn("register pool metrics", observability.Err(err))
	}
	d.store = postgres.NewCfdStore(pool)
	return nil
}

func initTelemetry(ctx context.Context, logger observability.Logger, cfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.Telemetry.ServiceName
	}
	telemetryCfg.Environment = string(cfg.Environment)
	telemetryCfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	telemetryCfg.Enabled = cfg.Telemetry.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Info("telemetry initialized",
			observability.F("endpoint", telemetryCfg.OTLPEndpoint),
			observability.F("service", telemetryCfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}
