package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/sifan077/kisalt/config"
	appmodel "github.com/sifan077/kisalt/internal/app/model"
	apprepository "github.com/sifan077/kisalt/internal/app/repository"
	appserver "github.com/sifan077/kisalt/internal/app/server"
	appservice "github.com/sifan077/kisalt/internal/app/service"
	appstore "github.com/sifan077/kisalt/internal/app/store"
	"github.com/sifan077/kisalt/internal/infra/logger"
	infraNATS "github.com/sifan077/kisalt/internal/infra/nats"
	infraPostgres "github.com/sifan077/kisalt/internal/infra/postgres"
	infraPrometheus "github.com/sifan077/kisalt/internal/infra/prometheus"
	infraRedis "github.com/sifan077/kisalt/internal/infra/redis"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.L().Fatal("Failed to load config", zap.Error(err))
	}

	log := logger.MustInit(logger.Config{
		Development: cfg.App.Development(),
		Level:       cfg.App.LogLevel,
		Encoding:    cfg.App.LogEncoding,
		Service:     "kisalt",
	})
	defer func() { _ = logger.Sync() }()

	log.Info("Configuration loaded successfully",
		zap.String("env", cfg.App.Env),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("nats_enabled", cfg.NATS.Enabled),
		zap.Bool("safety_enabled", cfg.Safety.Enabled),
		zap.Bool("preview_enabled", cfg.Preview.Enabled),
		zap.Bool("admin_enabled", cfg.Admin.Password != ""),
	)

	durable, closeDurable, err := openDurable(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to open durable storage", zap.Error(err))
	}
	defer closeDurable()

	storeOpts := appstore.Options{
		CacheTTL:        cfg.Storage.CacheTTL,
		DurableTimeout:  cfg.Storage.DurableTimeout,
		AccessWorkers:   cfg.Storage.AccessWorkers,
		AccessQueueSize: cfg.Storage.AccessQueueSize,
	}

	if cfg.NATS.Enabled && durable != nil {
		natsConn, js, err := infraNATS.Connect(cfg.NATS)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer drainNATS(natsConn, log)

		if err := infraNATS.EnsureStream(js, appmodel.AccessStreamName, appmodel.AccessStreamSubject, appmodel.AccessStreamMaxBytes); err != nil {
			log.Fatal("Failed to prepare access stream", zap.Error(err))
		}
		consumer := appservice.NewAccessConsumer(js, log, durable)
		if err := consumer.Start(); err != nil {
			log.Fatal("Failed to start access consumer", zap.Error(err))
		}
		defer consumer.Stop()

		storeOpts.AccessSink = appservice.NewAccessPublisher(js)
		log.Info("Access updates routed through NATS JetStream")
	}

	st := appstore.New(durable, log, storeOpts)
	st.Start()
	defer st.Close()

	if cfg.Storage.WarmOnStart && st.Durable() {
		n, err := st.Warm(ctx)
		if err != nil {
			log.Warn("Failed to warm fast tier, continuing cold", zap.Error(err))
		} else {
			log.Info("Warmed fast tier", zap.Int("records", n))
		}
	}

	if st.Durable() {
		reconciler := appstore.NewReconciler(st, log, cfg.Storage.ReconcileInterval)
		reconciler.Start()
		defer reconciler.Stop()
	}

	codes := appservice.NewCodeGenerator(appservice.GeneratorOptions{
		Length:        cfg.Shortener.CodeLength,
		MaxLength:     cfg.Shortener.MaxCodeLength,
		MaxAttempts:   cfg.Shortener.MaxAttempts,
		ExpectedCodes: cfg.Shortener.ExpectedCodes,
	})
	if existing, err := st.Codes(ctx); err != nil {
		log.Warn("Failed to seed code generator", zap.Error(err))
	} else {
		codes.Seed(existing)
	}

	var checker appservice.SafetyChecker
	if cfg.Safety.Enabled {
		validator, err := appservice.NewSafetyValidator(appservice.SafetyOptions{
			Patterns:           cfg.Safety.Patterns,
			Domains:            cfg.Safety.Domains,
			ProbeEnabled:       cfg.Safety.ProbeEnabled,
			ProbeTimeout:       cfg.Safety.ProbeTimeout,
			MaxRedirects:       cfg.Safety.MaxRedirects,
			RejectInconclusive: cfg.Safety.RejectInconclusive,
			AllowPrivateHosts:  cfg.Safety.AllowPrivateHosts,
		}, log)
		if err != nil {
			log.Fatal("Failed to build safety validator", zap.Error(err))
		}
		checker = validator
	}

	var previewer appservice.PreviewSource
	if cfg.Preview.Enabled {
		previewer = appservice.NewPreviewFetcher(appservice.PreviewOptions{
			Timeout:           cfg.Preview.Timeout,
			MaxRedirects:      cfg.Preview.MaxRedirects,
			MaxBodyBytes:      cfg.Preview.MaxBodyBytes,
			AllowPrivateHosts: cfg.Safety.AllowPrivateHosts,
		})
	}

	if cfg.Prometheus.Enabled {
		promServer := infraPrometheus.NewServer(cfg.Prometheus, nil)
		go func() {
			log.Info("Starting Prometheus metrics server", zap.String("addr", promServer.Addr))
			if err := promServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Prometheus metrics server stopped unexpectedly", zap.Error(err))
			}
		}()
		defer func() {
			if err := promServer.Close(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("Failed to close Prometheus server", zap.Error(err))
			}
		}()
	} else {
		log.Info("Prometheus metrics server disabled")
	}

	svc := appservice.NewURLService(appservice.Deps{
		Store:   st,
		Codes:   codes,
		Safety:  checker,
		Preview: previewer,
		Logger:  log,
	}, appservice.Options{
		DefaultExpirationDays: cfg.Shortener.DefaultExpirationDays,
		BulkLimit:             cfg.Shortener.BulkLimit,
		BulkConcurrency:       cfg.Shortener.BulkConcurrency,
		PreviewBudget:         cfg.Preview.Budget,
		AdminPassword:         cfg.Admin.Password,
	})

	server := appserver.New(appserver.Dependencies{
		Logger:   log,
		Service:  svc,
		Resolver: appservice.NewResolver(st, log),
		Store:    st,
		BaseURL:  cfg.Server.BaseURL,
		Fiber: fiber.Config{
			BodyLimit:    cfg.Server.BodyLimit,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	})

	listenErr := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", zap.String("addr", cfg.Server.Addr()))
		listenErr <- server.Listen(cfg.Server.Addr())
	}()

	select {
	case err := <-listenErr:
		if err != nil {
			log.Error("Fiber server exited", zap.Error(err))
		}
	case <-ctx.Done():
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("Failed to shut down HTTP server cleanly", zap.Error(err))
		}
	}
}

// openDurable connects the configured durable tier. The memory backend returns
// a nil repository and runs the store memory-only.
func openDurable(ctx context.Context, cfg *config.Config, log *zap.Logger) (apprepository.URLRepository, func(), error) {
	switch cfg.Storage.Backend {
	case config.BackendRedis:
		client, err := infraRedis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		log.Info("Connected to Redis successfully",
			zap.String("redis_host", cfg.Redis.Host),
			zap.Int("redis_port", cfg.Redis.Port),
		)
		return apprepository.NewRedisRepository(client), func() { _ = client.Close() }, nil

	case config.BackendPostgres:
		pool, err := infraPostgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		gormDB, err := infraPostgres.NewGorm(pool, cfg.App.Development())
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := infraPostgres.AutoMigrate(ctx, gormDB, &appmodel.URLRecord{}); err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("Connected to Postgres successfully",
			zap.String("postgres_host", cfg.Postgres.Host),
			zap.String("postgres_db", cfg.Postgres.Database),
		)
		return apprepository.NewPostgresRepository(gormDB, pool), pool.Close, nil

	default:
		log.Warn("Running without durable storage; records are lost on restart")
		return nil, func() {}, nil
	}
}

func drainNATS(conn *nats.Conn, log *zap.Logger) {
	if err := conn.Drain(); err != nil {
		log.Warn("Failed to drain NATS connection", zap.Error(err))
	}
}
