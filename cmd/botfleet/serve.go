package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/alert"
	"github.com/xela07ax/botfleet/internal/audit"
	"github.com/xela07ax/botfleet/internal/console/handler"
	"github.com/xela07ax/botfleet/internal/console/server"
	"github.com/xela07ax/botfleet/internal/console/service"
	"github.com/xela07ax/botfleet/internal/deploy"
	"github.com/xela07ax/botfleet/internal/fleet"
	"github.com/xela07ax/botfleet/internal/health"
	"github.com/xela07ax/botfleet/internal/infra"
	"github.com/xela07ax/botfleet/internal/infra/auth"
	"github.com/xela07ax/botfleet/internal/maintenance"
	"github.com/xela07ax/botfleet/internal/metrics"
	"github.com/xela07ax/botfleet/internal/priority"
	"github.com/xela07ax/botfleet/internal/provision"
	"github.com/xela07ax/botfleet/internal/recovery"
	"github.com/xela07ax/botfleet/internal/remote"
	"github.com/xela07ax/botfleet/internal/repository/filestore"
	"github.com/xela07ax/botfleet/internal/repository/postgres"
	"github.com/xela07ax/botfleet/internal/repository/redisstore"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator: HTTP API, health monitor, persister",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := infra.LoadConfig(cfgFile)
			if err != nil {
				return err
			}
			logger, err := infra.NewLogger(cfg.Logger)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			// SIGINT/SIGTERM отменяют контекст всех фоновых горутин
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *infra.Config, logger *zap.Logger) error {
	clock := clockwork.NewRealClock()

	// 1. Метрики
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(promReg)

	// 2. Инфраструктура: Redis и Postgres (опционально)
	var rdb *redis.Client
	if cfg.Redis.Enabled || cfg.Store.Driver == "redis" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis unreachable: %w", err)
		}
	}

	var pool *pgxpool.Pool
	if cfg.Database.URL != "" {
		dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		p, err := postgres.NewPool(dbCtx, cfg.Database)
		if err == nil {
			err = postgres.NewSnapshotRepo(p).Migrate(dbCtx)
		}
		cancel()
		if err != nil {
			return fmt.Errorf("database unreachable: %w", err)
		}
		pool = p
		defer pool.Close()
	}

	// 3. Хранилище снапшота
	var store fleet.Store
	switch cfg.Store.Driver {
	case "redis":
		store = redisstore.New(rdb, infra.RedisKeySnapshot)
	case "postgres":
		store = postgres.NewSnapshotRepo(pool)
	default:
		store = filestore.New(cfg.Store.Path)
	}

	// 4. Журнал операций: пачками в Postgres или в лог
	var eventStorage audit.Storage = audit.NewLogStorage(logger)
	var events handler.EventSource
	if pool != nil {
		repo := postgres.NewEventRepo(pool)
		eventStorage, events = repo, repo
	}
	journal := audit.NewJournal(eventStorage, cfg.Journal.BufferSize, logger)
	journal.Start()

	// 5. Алерты
	dispatcher := alert.NewDispatcher(alert.DispatcherConfig{
		QueueSize:     cfg.Alerts.QueueSize,
		RatePerSecond: cfg.Alerts.RatePerSecond,
		Burst:         cfg.Alerts.Burst,
		Timeout:       cfg.Alerts.Timeout,
	}, notifiers(cfg, rdb, logger), m, logger)
	dispatcher.Start()

	// 6. Реестр флота
	registry := fleet.NewRegistry(store, clock, cfg.Monitoring.HistoryRetention, m, logger)
	if err := registry.Load(ctx); err != nil {
		return err
	}
	alerts := alert.NewHub(registry, dispatcher, journal, clock, logger)

	// 7. Внешние коллабораторы: SSH, пробы, провижининг
	sshExec, err := remote.NewSSHExecutor(cfg.SSH, logger)
	if err != nil {
		return err
	}
	exec := remote.NewReliableExecutor(sshExec, cfg.Executor, m, logger)

	probe := remote.NewRouter(remote.NewHTTPProbe(cfg.Probe.HealthPort, cfg.Probe.MeshPort))
	if cfg.Probe.MeshTransport == "grpc" {
		probe.Route(remote.CheckMesh, remote.NewGRPCProbe(cfg.Probe.MeshPort, cfg.Probe.GRPCService))
	}

	var backend provision.Backend
	switch cfg.Provision.Backend {
	case "docker":
		b, err := provision.NewDockerBackend(cfg.Provision.DockerImage, cfg.Provision.DockerNetwork, logger)
		if err != nil {
			return err
		}
		backend = b
	default:
		static := provision.NewStaticPool(cfg.Provision.Hosts, exec, cfg.SSH.Port, logger)
		static.Reserve(registry.Bots())
		backend = static
	}

	// 8. Ядро: проверка здоровья, восстановление, развёртывание, приоритет
	mon := cfg.Monitoring
	checker := health.NewChecker(probe, health.Thresholds{
		HealthTimeout:    mon.HealthTimeout,
		MeshTimeout:      mon.MeshTimeout,
		SlowResponse:     mon.SlowResponse,
		VerySlowResponse: mon.VerySlowResponse,
	}, clock, m, logger)

	rc := cfg.Recovery
	recoverer := recovery.NewController(registry, exec, backend, checker, alerts, journal, recovery.Config{
		RestartPause:   rc.RestartPause,
		RestartSettle:  rc.RestartSettle,
		RebootSettle:   rc.RebootSettle,
		RedeploySettle: rc.RedeploySettle,
		CommandTimeout: rc.CommandTimeout,
		Timeout:        rc.Timeout,
	}, clock, m, logger)

	monitor := health.NewMonitor(registry, checker, recoverer, alerts, health.Policy{
		Interval:               mon.HealthCheckInterval,
		InitialDelay:           mon.InitialDelay,
		AlertBelow:             mon.AlertBelow,
		RecoverAtOrBelow:       mon.RecoverAtOrBelow,
		MinConsecutiveFailures: mon.MinConsecutiveFailures,
		Concurrency:            mon.Concurrency,
	}, clock, m, logger)

	holds := maintenance.NewHolds(rdb, logger)
	if err := holds.Init(ctx); err != nil {
		return fmt.Errorf("load maintenance holds: %w", err)
	}
	monitor.SetHolds(holds)

	dc := cfg.Deploy
	pipeline := deploy.NewPipeline(registry, backend, exec, probe, alerts, journal, deploy.Config{
		Timeout:        dc.Timeout,
		ReadyTimeout:   dc.ReadyTimeout,
		CommandTimeout: dc.CommandTimeout,
		VerifyAttempts: dc.VerifyAttempts,
		VerifyDelay:    dc.VerifyDelay,
		VerifyTimeout:  mon.HealthTimeout,
	}, clock, m, logger)

	pc := cfg.Priority
	prio := priority.NewManager(registry, exec, journal, priority.Config{
		NormalHeartbeat:   pc.NormalHeartbeat,
		PriorityHeartbeat: pc.PriorityHeartbeat,
		MaxDuration:       pc.MaxDuration,
		RetryInterval:     pc.RetryInterval,
		CommandTimeout:    pc.CommandTimeout,
	}, clock, m, logger)
	prio.Restore(ctx)

	// 9. Фоновые циклы
	bg, cancelBg := context.WithCancel(ctx)
	defer cancelBg()
	go registry.RunPersister(bg, cfg.Store.PersistInterval)
	go monitor.Run(bg)
	go prio.Run(bg)
	if rdb != nil {
		go priority.ListenDirectives(bg, rdb, infra.RedisChanPriority, prio, pc.CommandTimeout, logger)
		go holds.Listen(bg)
	}

	// 10. HTTP API
	var validator auth.TokenValidator
	if len(cfg.Auth.PublicKey) > 0 {
		key, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			return err
		}
		validator = auth.NewRSAValidator(key)
	} else {
		logger.Warn("auth public key not configured, API is unauthenticated")
	}

	api := server.NewConsoleServer(logger, validator, promReg,
		handler.NewDeployHandler(pipeline, logger),
		handler.NewRecoveryHandler(recoverer, registry, logger),
		handler.NewPriorityHandler(prio),
		handler.NewDashboardHandler(service.NewDashboardService(registry, clock, logger)),
		handler.NewEventsHandler(events),
		handler.NewMaintenanceHandler(holds, registry),
	)
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("botfleet API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
		logger.Error("http server failed", zap.Error(runErr))
	}

	// 11. Graceful Shutdown: API -> фоновые циклы -> операции -> финальный снапшот
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	cancelBg()
	recoverer.Close() // ремонты не привязаны к bg, их обрывает только Close
	monitor.Wait()
	pipeline.Close()
	prio.Close()

	if err := registry.Flush(shutdownCtx); err != nil {
		logger.Error("final state flush failed", zap.Error(err))
	}
	dispatcher.Stop()
	journal.Stop()

	logger.Info("botfleet exited properly")
	return runErr
}

// notifiers собирает каналы доставки алертов; без настроенных — только лог.
func notifiers(cfg *infra.Config, rdb *redis.Client, logger *zap.Logger) []alert.Notifier {
	var out []alert.Notifier
	ac := cfg.Alerts
	if ac.TelegramToken != "" && ac.TelegramChatID != "" {
		out = append(out, alert.NewTelegramNotifier(ac.TelegramToken, ac.TelegramChatID, ac.Timeout))
	}
	if ac.DiscordToken != "" && ac.DiscordChannel != "" {
		out = append(out, alert.NewDiscordNotifier(ac.DiscordToken, ac.DiscordChannel, ac.Timeout))
	}
	if rdb != nil {
		out = append(out, alert.NewRedisNotifier(rdb, infra.RedisChanAlerts))
	}
	if len(out) == 0 {
		logger.Warn("no alert channels configured, alerts go to the log only")
		out = append(out, alert.NewLogNotifier(logger))
	}
	return out
}
