package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"omni-inbox/internal/adapters/gateway"
	"omni-inbox/internal/adapters/handler"
	"omni-inbox/internal/adapters/repository"
	"omni-inbox/internal/adapters/storage"
	live "omni-inbox/internal/adapters/websocket"
	"omni-inbox/internal/config"
	"omni-inbox/internal/core/ports"
	"omni-inbox/internal/core/services"
	"omni-inbox/internal/logging"
	"omni-inbox/internal/telemetry"
)

const (
	connectRetries    = 5
	connectRetryDelay = 2 * time.Second
)

func serveCmd() *cobra.Command {
	var runMigrations bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook and dashboard server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), runMigrations)
		},
	}
	cmd.Flags().BoolVar(&runMigrations, "migrate", false, "apply pending migrations before serving")
	return cmd
}

func runServe(parent context.Context, runMigrations bool) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig(envFile)
	if err != nil {
		return err
	}

	// The hub receives the log stream, so it exists before the logger
	hub := live.NewLiveHub(cfg.App.MeshSecret)
	_, logCloser := logging.Setup(cfg.Log, hub)
	defer logCloser.Close()

	slog.Info("Starting omni-inbox",
		"version", handler.Version,
		"db_host", cfg.DB.Host,
		"redis", cfg.Redis.Addr,
	)

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}

	if runMigrations {
		if err := repository.MigrateUp(cfg.DB.GetMigrateURL()); err != nil {
			return err
		}
	}

	db, err := connectMariaDB(ctx, cfg.DB, connectRetries, connectRetryDelay)
	if err != nil {
		return err
	}
	defer db.Close()
	slog.Info("MariaDB connection established")

	rdb, err := connectRedis(ctx, cfg.Redis, connectRetries, connectRetryDelay)
	if err != nil {
		return err
	}
	defer rdb.Close()
	slog.Info("Redis connection established")

	// Repositories
	channelRepo := repository.NewChannelRepository(db)
	customerRepo := repository.NewCustomerRepository(db)
	chatRepo := repository.NewChatRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	replyRepo := repository.NewReplyRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)
	orgRepo := repository.NewOrganizationRepository(db)
	webhookLogRepo := repository.NewWebhookLogRepository(db)
	dedupRepo := repository.NewRedisRepository(rdb)
	bus := repository.NewRedisLiveBus(rdb)

	// Gateways
	media, err := storage.NewLocalMediaStore(cfg.Media.RootDir, cfg.Media.PublicBaseURL)
	if err != nil {
		return err
	}
	defer media.Close()
	router := gateway.NewRouter(
		gateway.NewLineClient(cfg.Line.APIURL, cfg.Line.DataAPIURL),
		gateway.NewFacebookClient(cfg.Facebook.GraphURL, cfg.Facebook.GraphVersion),
		media.URL,
		cfg.Pipeline.SendRatePerSec,
		cfg.Media.MaxBytes,
	)

	var push ports.PushNotifier
	if cfg.Firebase.Enabled() {
		fcm, err := gateway.NewFCMNotifier(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsPath)
		if err != nil {
			return err
		}
		push = fcm
	} else {
		slog.Warn("Push notifications disabled, FIREBASE_CREDENTIALS_PATH not set")
	}

	// Core services
	// Workers stop on tasks.Shutdown, after in-flight webhooks drain
	tasks := services.NewTaskQueue(cfg.Pipeline.Workers, cfg.Pipeline.QueueSize)
	tasks.Start(context.WithoutCancel(ctx))

	panicMode := services.NewPanicMode()
	stats := services.NewPipelineStats()
	registry := services.NewChannelRegistry(channelRepo, cfg.Facebook.VerifyToken)
	messageService := services.NewMessageService(messageRepo, chatRepo, customerRepo, channelRepo, router, media)

	dispatcher := services.NewDispatcher(services.DispatcherDeps{
		Registry:    registry,
		Customers:   services.NewCustomerResolver(customerRepo, router, router, media),
		Chats:       services.NewConversationReconciler(chatRepo),
		Normalizer:  services.NewMessageNormalizer(router, media),
		Messages:    messageRepo,
		Dedup:       dedupRepo,
		WebhookLogs: webhookLogRepo,
		Automation:  services.NewAutomationEngine(replyRepo, messageService, media, panicMode),
		Effects: services.NewSideEffects(
			notificationRepo, push, orgRepo, bus, messageService, panicMode, cfg.Pipeline.OwnerNotifyDelay,
		),
		Tasks: tasks,
		Stats: stats,
	}, services.DispatcherOptions{
		Concurrency: cfg.Pipeline.BatchConcurrency,
		DedupTTL:    cfg.Pipeline.DedupTTL,
	})

	watchdog := services.NewWatchdog(webhookLogRepo, services.WatchdogOptions{
		Schedule:  cfg.Watchdog.Schedule,
		DiskPath:  cfg.Watchdog.DiskPath,
		Threshold: cfg.Watchdog.DiskThreshold,
		Retention: cfg.Watchdog.Retention,
		BatchSize: cfg.Watchdog.BatchSize,
	})
	if err := watchdog.Start(ctx); err != nil {
		return err
	}
	defer watchdog.Stop()

	// Relay live events from every instance to this one's subscribers
	go func() {
		if err := bus.Run(ctx, hub.Broadcast); err != nil {
			slog.Error("Live event relay stopped", "error", err)
		}
	}()

	// HTTP
	webhookHandler := handler.NewWebhookHandler(registry, dispatcher, cfg.Facebook.AppSecret, cfg.Pipeline.ProcessTimeout)
	dashboardHandler := handler.NewDashboardHandler(handler.DashboardDeps{
		Messages:   messageService,
		Channels:   registry,
		Automation: panicMode,
		Pipeline:   stats,
		Queue:      tasks,
	}, cfg.Watchdog.DiskPath, cfg.Watchdog.DiskThreshold)
	liveHandler := handler.NewLiveStreamHandler(hub, 0)

	mux := newMux(webhookHandler, dashboardHandler, liveHandler, hub, media.Root())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.App.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// Live streams end on the shutdown signal instead of holding Shutdown open
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	tasks.Shutdown(shutdownCtx)
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("Trace flush failed", "error", err)
	}

	slog.Info("Shutdown complete", "tasks", tasks.Stats())
	return nil
}

func newMux(
	webhooks *handler.WebhookHandler,
	dashboard *handler.DashboardHandler,
	liveStream *handler.LiveStreamHandler,
	hub *live.LiveHub,
	mediaRoot string,
) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"code":200,"message":"omni-inbox is running","data":null}`)
	})

	// Provider webhooks
	mux.HandleFunc("POST /webhook/line/{channelCode}", webhooks.HandleLineEvent)
	mux.HandleFunc("GET /webhook/facebook", webhooks.HandleFacebookVerify)
	mux.HandleFunc("POST /webhook/facebook", webhooks.HandleFacebookEvent)

	// Dashboard API
	mux.HandleFunc("GET /api/system/metrics", dashboard.GetSystemMetrics)
	mux.HandleFunc("GET /api/status", dashboard.GetStatus)
	mux.HandleFunc("GET /api/chats/{id}/messages", dashboard.GetChatMessages)
	mux.HandleFunc("POST /api/chats/{id}/reply", dashboard.SendReply)
	mux.HandleFunc("POST /api/messages/read", dashboard.MarkRead)
	mux.HandleFunc("GET /api/automation/pause", dashboard.GetAutomationPause)
	mux.HandleFunc("POST /api/automation/pause", dashboard.SetAutomationPause)
	mux.HandleFunc("POST /api/channels", dashboard.CreateChannel)

	// Live streams
	mux.HandleFunc("GET /ws/live/{orgID}", hub.ServeLive)
	mux.HandleFunc("GET /ws/logs", hub.ServeLogs)
	mux.HandleFunc("GET /live/{orgID}", liveStream.Stream)

	mux.Handle("GET /media/", http.StripPrefix("/media/", http.FileServer(http.Dir(mediaRoot))))
	return mux
}

// connectMariaDB opens the pool and pings it, retrying while the container starts
func connectMariaDB(ctx context.Context, cfg config.DBConfig, maxRetries int, retryDelay time.Duration) (*sql.DB, error) {
	db, err := sql.Open("mysql", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("configure db driver: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	for i := 1; i <= maxRetries; i++ {
		if err = db.PingContext(ctx); err == nil {
			return db, nil
		}
		slog.Warn("Cannot ping MariaDB", "attempt", i, "max_attempts", maxRetries, "error", err)

		if i < maxRetries {
			select {
			case <-ctx.Done():
				db.Close()
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}

	db.Close()
	return nil, fmt.Errorf("cannot connect to MariaDB after %d attempts: %w", maxRetries, err)
}

// connectRedis pings Redis, retrying while the container starts
func connectRedis(ctx context.Context, cfg config.RedisConfig, maxRetries int, retryDelay time.Duration) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	var err error
	for i := 1; i <= maxRetries; i++ {
		if err = rdb.Ping(ctx).Err(); err == nil {
			return rdb, nil
		}
		slog.Warn("Cannot ping Redis", "attempt", i, "max_attempts", maxRetries, "error", err)

		if i < maxRetries {
			select {
			case <-ctx.Done():
				rdb.Close()
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}

	rdb.Close()
	return nil, fmt.Errorf("cannot connect to Redis after %d attempts: %w", maxRetries, err)
}
