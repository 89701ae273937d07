package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/adsheet/crawlerd/internal/adapters"
	"github.com/adsheet/crawlerd/internal/api"
	"github.com/adsheet/crawlerd/internal/clock/system"
	"github.com/adsheet/crawlerd/internal/config"
	configmemory "github.com/adsheet/crawlerd/internal/configstore/memory"
	configpg "github.com/adsheet/crawlerd/internal/configstore/postgres"
	"github.com/adsheet/crawlerd/internal/crawljob"
	"github.com/adsheet/crawlerd/internal/credentials"
	credsmemory "github.com/adsheet/crawlerd/internal/credentials/memory"
	"github.com/adsheet/crawlerd/internal/database"
	"github.com/adsheet/crawlerd/internal/execution"
	executionmemory "github.com/adsheet/crawlerd/internal/execution/memory"
	executionpg "github.com/adsheet/crawlerd/internal/execution/postgres"
	"github.com/adsheet/crawlerd/internal/id/uuid"
	"github.com/adsheet/crawlerd/internal/logging"
	"github.com/adsheet/crawlerd/internal/metrics"
	memorypublisher "github.com/adsheet/crawlerd/internal/publisher/memory"
	pubsubpublisher "github.com/adsheet/crawlerd/internal/publisher/pubsub"
	queuememory "github.com/adsheet/crawlerd/internal/queue/memory"
	queuepg "github.com/adsheet/crawlerd/internal/queue/postgres"
	"github.com/adsheet/crawlerd/internal/scheduler"
	csvsink "github.com/adsheet/crawlerd/internal/sink/csv"
	memorysink "github.com/adsheet/crawlerd/internal/sink/memory"
	"github.com/adsheet/crawlerd/internal/telemetry"
	"github.com/adsheet/crawlerd/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.InitTracerProvider(ctx, "crawlerd")
	if err != nil {
		logger.Fatal("telemetry init failed", zap.Error(err))
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			logger.Error("telemetry shutdown failed", zap.Error(shutdownErr))
		}
	}()

	clock := system.New()
	idGen := uuid.New()

	var pool *pgxpool.Pool
	if cfg.DB.DSN != "" {
		pool, err = database.Connect(ctx, database.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: time.Duration(cfg.DB.ConnLifetimeMinute) * time.Minute,
		})
		if err != nil {
			logger.Fatal("postgres connect failed", zap.Error(err))
		}
		defer pool.Close()
	} else {
		logger.Warn("db.dsn not set, running with in-memory stores")
	}

	var execStore crawljob.ExecutionStore
	if pool != nil {
		pgExec, err := executionpg.NewStore(pool)
		if err != nil {
			logger.Fatal("execution store init failed", zap.Error(err))
		}
		execStore = pgExec
	} else {
		execStore = executionmemory.NewStore()
	}
	tracker := execution.New(execStore, idGen, clock, logger.Named("tracker"))

	var configs crawljob.ConfigStore
	if pool != nil {
		pgConfigs, err := configpg.NewStore(pool)
		if err != nil {
			logger.Fatal("config store init failed", zap.Error(err))
		}
		configs = pgConfigs
	} else {
		configs = configmemory.NewStore()
	}

	var queue crawljob.Queue
	if pool != nil {
		pgQueue, err := queuepg.NewQueue(pool, tracker, idGen, clock, queuepg.Config{
			MaxAttempts:        cfg.Queue.MaxAttempts,
			BaseDelay:          cfg.BackoffBase(),
			CompletedKeepCount: cfg.Queue.CompletedKeepCount,
			CompletedKeepAge:   time.Duration(cfg.Queue.CompletedKeepHours) * time.Hour,
			FailedKeepCount:    cfg.Queue.FailedKeepCount,
			FailedKeepAge:      time.Duration(cfg.Queue.FailedKeepDays) * 24 * time.Hour,
			VisibilityTimeout:  time.Duration(cfg.Queue.VisibilityMinutes) * time.Minute,
		}, logger.Named("queue"))
		if err != nil {
			logger.Fatal("queue init failed", zap.Error(err))
		}
		go pgQueue.RunTriggerLoop(ctx, cfg.TriggerPoll())
		go pgQueue.RunPruneLoop(ctx, cfg.PruneInterval())
		go pgQueue.RunReclaimLoop(ctx, time.Minute)
		queue = pgQueue
	} else {
		memQueue := queuememory.NewQueue(tracker, idGen, clock, queuememory.Config{
			MaxAttempts: cfg.Queue.MaxAttempts,
			BaseDelay:   cfg.BackoffBase(),
		})
		go runMemoryTriggerLoop(ctx, memQueue, cfg.TriggerPoll(), logger.Named("queue"))
		queue = memQueue
	}

	encKey := cfg.EncryptionKey()
	if encKey == nil {
		// Dev fallback: without a configured key, credential blobs do not
		// survive a restart anyway, so an ephemeral key is fine.
		logger.Warn("credentials.encryption_key_hex not set, generating ephemeral key")
		encKey = make([]byte, credentials.KeySize)
		if _, err := rand.Read(encKey); err != nil {
			logger.Fatal("generate encryption key failed", zap.Error(err))
		}
	}
	cipher, err := credentials.NewCipher(encKey)
	if err != nil {
		logger.Fatal("cipher init failed", zap.Error(err))
	}
	credStore, err := credsmemory.NewStore(cipher)
	if err != nil {
		logger.Fatal("credential store init failed", zap.Error(err))
	}
	refresher := credentials.NewOAuthRefresher(oauthApps(cfg))
	credManager, err := credentials.NewManager(credStore, refresher, clock, cfg.ExpiryMargin(), logger.Named("credentials"))
	if err != nil {
		logger.Fatal("credential manager init failed", zap.Error(err))
	}

	registry := adapters.NewRegistry()
	demo := adapters.NewDemo(clock)
	// Demo stands in until real platform adapters are registered here.
	for _, platform := range []crawljob.Platform{
		crawljob.PlatformGoogleAds,
		crawljob.PlatformMetaAds,
		crawljob.PlatformTikTokAds,
		crawljob.PlatformXAds,
		crawljob.PlatformLineAds,
	} {
		registry.Register(platform, demo)
	}

	var sink crawljob.SinkWriter
	switch cfg.Sink.Backend {
	case "memory":
		sink = memorysink.NewSink()
	default:
		csvSink, err := csvsink.New(csvsink.Config{BaseDir: cfg.Sink.BaseDir})
		if err != nil {
			logger.Fatal("sink init failed", zap.Error(err))
		}
		sink = csvSink
	}

	var publisher crawljob.Publisher
	if cfg.PubSub.ProjectID != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("pubsub client init failed", zap.Error(err))
		}
		psPublisher, err := pubsubpublisher.New(client)
		if err != nil {
			logger.Fatal("publisher init failed", zap.Error(err))
		}
		defer func() {
			if closeErr := psPublisher.Close(); closeErr != nil {
				logger.Error("publisher close failed", zap.Error(closeErr))
			}
		}()
		publisher = psPublisher
	} else {
		publisher = memorypublisher.New()
	}

	sched, err := scheduler.New(queue, configs, clock, logger.Named("scheduler"))
	if err != nil {
		logger.Fatal("scheduler init failed", zap.Error(err))
	}
	if registered, err := sched.SyncAll(ctx); err != nil {
		logger.Error("schedule sync failed", zap.Error(err))
	} else {
		logger.Info("schedules synced", zap.Int("registered", registered))
	}

	workerPool, err := worker.NewPool(
		queue,
		tracker,
		credManager,
		registry,
		demo,
		sink,
		configs,
		publisher,
		clock,
		worker.Config{
			Concurrency:  cfg.Worker.Concurrency,
			DequeueRate:  rate.Limit(cfg.Worker.DequeuePerSec),
			PollInterval: cfg.PollInterval(),
			PlatformRPS:  cfg.Worker.PlatformRPS,
			EventTopic:   cfg.PubSub.Topic,
		},
		logger.Named("worker"),
	)
	if err != nil {
		logger.Fatal("worker pool init failed", zap.Error(err))
	}

	apiServer := api.NewServer(sched, tracker, queue, cfg, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		workerPool.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	<-poolDone
	logger.Info("shutdown complete")
}

// runMemoryTriggerLoop polls the in-memory queue's recurring triggers, the
// counterpart of the Postgres queue's built-in loop.
func runMemoryTriggerLoop(ctx context.Context, q *queuememory.Queue, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.FireDue(ctx); err != nil {
				logger.Error("trigger poll failed", zap.Error(err))
			}
		}
	}
}

func oauthApps(cfg config.Config) map[crawljob.Platform]credentials.OAuthApp {
	apps := make(map[crawljob.Platform]credentials.OAuthApp, len(cfg.Credentials.OAuth))
	for name, app := range cfg.Credentials.OAuth {
		apps[crawljob.Platform(name)] = credentials.OAuthApp{
			ClientID:     app.ClientID,
			ClientSecret: app.ClientSecret,
			TokenURL:     app.TokenURL,
		}
	}
	return apps
}
