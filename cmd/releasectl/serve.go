package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/splax/releasectl/db"
	"github.com/splax/releasectl/internal/app/bootstrap"
	"github.com/splax/releasectl/internal/app/migrate"
	"github.com/splax/releasectl/internal/clock"
	"github.com/splax/releasectl/internal/domain"
	httpx "github.com/splax/releasectl/internal/http"
	"github.com/splax/releasectl/internal/lease"
	"github.com/splax/releasectl/internal/metrics"
	"github.com/splax/releasectl/internal/provider"
	"github.com/splax/releasectl/internal/provider/docker"
	"github.com/splax/releasectl/internal/provider/kubernetes"
	"github.com/splax/releasectl/internal/provider/promquery"
	"github.com/splax/releasectl/internal/provider/snapshot"
	"github.com/splax/releasectl/internal/repository"
	"github.com/splax/releasectl/internal/repository/memory"
	"github.com/splax/releasectl/internal/repository/postgres"
	"github.com/splax/releasectl/internal/service/deploy"
	"github.com/splax/releasectl/internal/service/health"
	"github.com/splax/releasectl/internal/service/hotupdate"
	"github.com/splax/releasectl/internal/service/migration"
	"github.com/splax/releasectl/internal/service/notify"
	"github.com/splax/releasectl/internal/service/rollback"
	"github.com/splax/releasectl/internal/service/version"
	"github.com/splax/releasectl/internal/ws"
	"github.com/splax/releasectl/pkg/config"
	"github.com/splax/releasectl/pkg/crypto"
	"github.com/splax/releasectl/pkg/logger"
)

const (
	shutdownTimeout = 10 * time.Second
	drainTimeout    = 30 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the release controller API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.LoadConfig()
			log := logger.New("releasectl", logger.ParseLevel(cfg.LogLevel))
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

// controller holds the wired services of one serve process.
type controller struct {
	store      repository.Store
	dbHealth   func(context.Context) error
	engine     *migration.Engine
	registry   *version.Registry
	rollbacks  *rollback.Manager
	sweeper    *rollback.Sweeper
	monitor    *health.Monitor
	deploys    *deploy.Service
	hotUpdates *hotupdate.Service
	hub        *ws.Hub
	limiter    httpx.RateLimiter
	closers    []func()
}

func (c *controller) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func serve(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	c, err := wire(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.sweeper.Start(ctx, cfg.RollbackSweepSchedule); err != nil {
		return err
	}
	go c.monitor.Run(ctx)

	var migrations httpx.MigrationService
	if c.engine != nil {
		migrations = c.engine
	}
	router := httpx.NewRouter(log, httpx.Services{
		Versions:     c.registry,
		Migrations:   migrations,
		Rollbacks:    c.rollbacks,
		Deployments:  c.deploys,
		HotUpdates:   c.hotUpdates,
		Environments: c.store,
		Events:       c.hub,
	}, httpx.Options{
		TokenSecret:    cfg.OperatorToken,
		AppEnvironment: cfg.Environment,
		Limiter:        c.limiter,
		WriteLimit:     cfg.RateLimitWrite,
		ReadLimit:      cfg.RateLimitRead,
		DBHealth:       c.dbHealth,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errorCh := make(chan error, 1)
	go func() {
		log.Info("release controller starting", "addr", cfg.Addr, "environment", cfg.Environment, "storage", cfg.StorageDriver)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		c.drain(log)
		log.Info("release controller stopped")
		return nil
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// drain waits for in-flight deployments and rollouts, bounded by drainTimeout.
func (c *controller) drain(log *slog.Logger) {
	done := make(chan struct{})
	go func() {
		c.deploys.Wait()
		c.hotUpdates.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		log.Warn("background runs still active at shutdown")
	}
}

func wire(ctx context.Context, cfg config.Config, log *slog.Logger) (*controller, error) {
	c := &controller{}
	ok := false
	defer func() {
		if !ok {
			c.close()
		}
	}()

	if err := c.openStore(ctx, cfg, log); err != nil {
		return nil, err
	}

	envs := bootstrap.DefaultEnvironments()
	if cfg.EnvironmentsFile != "" {
		loaded, err := bootstrap.LoadEnvironments(cfg.EnvironmentsFile)
		if err != nil {
			return nil, err
		}
		envs = loaded
	}
	if _, err := bootstrap.SeedEnvironments(ctx, c.store, envs, log); err != nil {
		return nil, err
	}

	registry, err := version.New(c.store, cfg.InitialVersion, log)
	if err != nil {
		return nil, err
	}
	if _, err := registry.Bootstrap(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap version registry: %w", err)
	}
	c.registry = registry

	leases := lease.Manager(lease.NewMemory())
	if cfg.LeaseRedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.LeaseRedisAddr, Password: cfg.LeaseRedisPass, DB: cfg.LeaseRedisDB})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect lease redis: %w", err)
		}
		c.closers = append(c.closers, func() { _ = client.Close() })
		leases = lease.NewRedisWithClient(client)
		c.limiter = httpx.NewRedisRateLimiter(client, log)
	}

	clk := clock.Real{}
	rec := metrics.New(prometheus.DefaultRegisterer)
	checker := health.NewChecker(health.NewHTTPProber(nil, c.dbHealth), clk, log, cfg.HealthCheckTimeout)
	p := c.providers(ctx, cfg, log)

	var defaults []domain.VerificationCheck
	if cfg.RollbackVerifyURL != "" {
		defaults = append(defaults, domain.VerificationCheck{
			Name:           "rollback-api",
			Type:           domain.CheckAPI,
			Endpoint:       cfg.RollbackVerifyURL,
			ExpectedStatus: http.StatusOK,
			Retries:        2,
		})
	}
	c.rollbacks = rollback.New(c.store, c.store, p.snapshots, checker, log, rollback.Options{
		Instances:     p.instances,
		Metrics:       rec,
		Clock:         clk,
		DefaultChecks: defaults,
	})
	c.sweeper = rollback.NewSweeper(c.store, cfg.RollbackRetention, clk, log).WithClaims(c.rollbacks)
	c.monitor = health.NewMonitor(c.store, checker, clk, cfg.HealthPollInterval, log)

	var migrator deploy.Migrator
	if c.engine != nil {
		migrator = c.engine
	}
	c.deploys = deploy.New(registry, c.store, c.store, c.rollbacks, checker, log, deploy.Options{
		Builder:      p.builder,
		Instances:    p.instances,
		Traffic:      p.traffic,
		Migrator:     migrator,
		Leases:       leases,
		Metrics:      rec,
		MetricStore:  c.store,
		Clock:        clk,
		Timeout:      cfg.DeploymentTimeout,
		CanaryWindow: cfg.CanaryMonitorWindow,
		StepPause:    cfg.RolloutStepDelay,
	})
	c.hotUpdates = hotupdate.New(c.store, c.store, checker, log, hotupdate.Options{
		Instances:    p.instances,
		Patches:      p.patches,
		Source:       p.source,
		Points:       c.rollbacks,
		Leases:       leases,
		Metrics:      rec,
		Clock:        clk,
		Approvers:    cfg.Approvers,
		Timeout:      cfg.HotUpdateTimeout,
		CanaryWindow: cfg.CanaryMonitorWindow,
		StageDelay:   cfg.RolloutStepDelay,
	})

	c.hub = ws.NewHub(ctx, log, cfg.WSEventBuffer)
	notifier := newNotifier(cfg, log)
	for _, obs := range []interface {
		HandleEvent(context.Context, domain.Event)
	}{notifier, c.hub} {
		c.deploys.Subscribe(obs)
		c.hotUpdates.Subscribe(obs)
		c.rollbacks.Subscribe(obs)
	}

	ok = true
	return c, nil
}

func (c *controller) openStore(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	if cfg.StorageDriver == "memory" {
		log.Warn("using in-memory storage; state is lost on restart")
		c.store = memory.New()
		return nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	c.closers = append(c.closers, pool.Close)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	fsys := fs.FS(db.Migrations)
	if cfg.MigrationsDir != "" {
		fsys = os.DirFS(cfg.MigrationsDir)
	}
	runner, err := migrate.New(stdlib.OpenDBFromPool(pool), fsys, log)
	if err != nil {
		return err
	}
	err = runner.Ensure(ctx)
	_ = runner.Close()
	if err != nil {
		return err
	}

	c.store = postgres.New(pool)
	c.dbHealth = pool.Ping

	engine := migration.New(postgres.NewConn(pool), log)
	if err := engine.Init(ctx); err != nil {
		return fmt.Errorf("init migration engine: %w", err)
	}
	if cfg.ScriptsDir != "" {
		n, err := engine.LoadMigrations(cfg.ScriptsDir)
		if err != nil {
			return fmt.Errorf("load migration scripts: %w", err)
		}
		log.Info("migration scripts loaded", "count", n, "dir", cfg.ScriptsDir)
	}
	c.engine = engine
	return nil
}

// providerSet holds the infrastructure adapters. Unconfigured adapters stay
// nil and the operations needing them fail validation.
type providerSet struct {
	instances provider.InstanceProvider
	traffic   provider.TrafficSwitcher
	patches   provider.PatchApplier
	builder   provider.ArtifactBuilder
	snapshots provider.SnapshotStore
	source    provider.MetricsSource
}

func (c *controller) providers(ctx context.Context, cfg config.Config, log *slog.Logger) providerSet {
	var p providerSet
	if cfg.KubeNamespace != "" {
		kp, err := kubernetes.New(kubernetes.Options{
			Namespace:       cfg.KubeNamespace,
			TrafficService:  cfg.KubeTrafficService,
			ContainerName:   cfg.KubeContainerName,
			ImageRepository: cfg.ImageRepository,
		}, log)
		if err != nil {
			log.Warn("kubernetes provider unavailable", "error", err)
		} else {
			p.instances, p.traffic, p.patches = kp, kp, kp
		}
	}
	if cfg.ImageRepository != "" {
		b, err := docker.New(cfg.DockerHost, cfg.ImageRepository, cfg.ImageSourceTag, log)
		if err != nil {
			log.Warn("docker builder unavailable", "error", err)
		} else {
			p.builder = b
			c.closers = append(c.closers, func() { _ = b.Close() })
		}
	}
	p.snapshots = snapshot.NewMemory()
	if cfg.SnapshotBucket != "" {
		g, err := snapshot.NewGCS(ctx, cfg.SnapshotBucket, cfg.SnapshotCredentials, log)
		if err != nil {
			log.Warn("gcs snapshot store unavailable; snapshots kept in memory", "error", err)
		} else {
			if cfg.SnapshotSealKey != "" {
				sealer, err := crypto.NewSealer(cfg.SnapshotSealKey)
				if err != nil {
					log.Warn("snapshot sealing disabled", "error", err)
				} else {
					g.SealWith(sealer)
				}
			}
			p.snapshots = g
			c.closers = append(c.closers, func() { _ = g.Close() })
		}
	}
	if cfg.PrometheusURL != "" {
		s, err := promquery.New(cfg.PrometheusURL, log)
		if err != nil {
			log.Warn("prometheus metrics source unavailable", "error", err)
		} else {
			p.source = s
		}
	}
	return p
}

func newNotifier(cfg config.Config, log *slog.Logger) *notify.Notifier {
	events := notify.ParseEvents(cfg.NotifyEvents)
	var channels []notify.Channel
	if cfg.NotifyWebhook != "" {
		channels = append(channels, notify.Channel{Type: notify.ChannelWebhook, Target: cfg.NotifyWebhook, Events: events})
	}
	if cfg.NotifySlack != "" {
		channels = append(channels, notify.Channel{Type: notify.ChannelSlack, Target: cfg.NotifySlack, Events: events})
	}
	n := notify.New(channels, log)
	logSender := notify.NewLogSender(log)
	n.Register(notify.ChannelEmail, logSender)
	n.Register(notify.ChannelSMS, logSender)
	return n
}
