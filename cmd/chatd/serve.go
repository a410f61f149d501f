package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/agora/social-chat/internal/api"
	"github.com/agora/social-chat/internal/auth"
	"github.com/agora/social-chat/internal/chat"
	"github.com/agora/social-chat/internal/logging"
	"github.com/agora/social-chat/internal/messaging"
	"github.com/agora/social-chat/internal/moderation"
	"github.com/agora/social-chat/internal/presence"
	"github.com/agora/social-chat/internal/ratelimit"
	"github.com/agora/social-chat/internal/realtime"
	"github.com/agora/social-chat/internal/registry"
	"github.com/agora/social-chat/internal/store"
	"github.com/agora/social-chat/internal/ws"
)

const uploadPrefix = "/uploads/"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat server",
	Long: `Run the WebSocket and REST server.

PostgreSQL is required. Redis (REDIS_ADDR) enables the presence cache,
rate limits and send-mutes. NATS (NATS_URL) relays pushes between nodes.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "listen address (overrides LISTEN_ADDR)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.ListenAddr = listen
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- PostgreSQL ---
	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBTimeout)
	if err != nil {
		return err
	}
	defer db.Close()
	if cfg.AutoMigrate {
		if err := store.MigrateUp(db); err != nil {
			return err
		}
		logger.Info().Msg("migrations applied")
	}
	pg := store.New(db)

	// --- Delivery ---
	reg := registry.NewLocal(logging.Component(logger, "registry"))
	var notify registry.Notifier = reg

	if cfg.NATSURL != "" {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.Name = "chatd-" + cfg.ServerName
		nc, err := messaging.NewNATSClient(natsCfg, logging.Component(logger, "nats"))
		if err != nil {
			return err
		}
		defer nc.Close()

		relay := messaging.NewRelay(reg, nc, cfg.ServerName, logging.Component(logger, "relay"))
		if err := relay.Start(); err != nil {
			return err
		}
		notify = relay
	}

	chatOpts := []chat.Option{
		chat.WithModerator(moderation.NewFilter()),
		chat.WithTimeout(cfg.DBTimeout),
		chat.WithUploader(chat.NewUploader(cfg.UploadDir, uploadPrefix, cfg.MaxUploadBytes)),
	}
	trackerOpts := []presence.Option{}
	var serverOpts []ws.Option

	// --- Redis ---
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pctx, cancel := context.WithTimeout(ctx, cfg.DBTimeout)
		err := rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			rdb.Close()
			return fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		defer rdb.Close()

		limiter := ratelimit.NewLimiter(rdb, logging.Component(logger, "ratelimit"))
		chatOpts = append(chatOpts, chat.WithLimiter(limiter), chat.WithMuter(moderation.NewMuteStore(rdb)))
		trackerOpts = append(trackerOpts, presence.WithCache(presence.NewRedisCache(rdb)))
		serverOpts = append(serverOpts, ws.WithConnectLimiter(limiter))
	}

	chats := chat.NewService(pg, notify, logging.Component(logger, "chat"), chatOpts...)
	tracker := presence.NewTracker(pg, reg, notify, presence.Config{
		IdleAfter:     cfg.IdleAfter,
		SweepInterval: cfg.SweepInterval,
		Timeout:       cfg.DBTimeout,
	}, logging.Component(logger, "presence"), trackerOpts...)

	tokens := auth.NewManager(auth.Config{Secret: cfg.JWTSecret, TTL: cfg.TokenTTL})

	// --- Realtime ---
	dispatcher := ws.NewMessageDispatcher(logging.Component(logger, "dispatcher"))
	handlers := realtime.New(tracker, chats, 2*cfg.DBTimeout, logging.Component(logger, "realtime"))
	handlers.Register(dispatcher)

	// --- REST ---
	router := api.NewRouter(
		api.NewHandler(chats, tracker, cfg.MaxUploadBytes, logging.Component(logger, "api")),
		tokens.Middleware,
		api.RouterConfig{
			CORSOrigins:  cfg.CORSOrigins,
			UploadDir:    cfg.UploadDir,
			UploadPrefix: uploadPrefix,
			MaxBodyBytes: 64 << 10,
		},
		logging.Component(logger, "http"),
	)

	wsCfg := ws.DefaultServerConfig()
	wsCfg.ListenAddr = cfg.ListenAddr
	wsCfg.WorkerPoolSize = cfg.WorkerPoolSize
	wsCfg.MaxConnections = cfg.MaxConnections
	wsCfg.ReadTimeout = cfg.ReadTimeout
	wsCfg.WriteTimeout = cfg.WriteTimeout

	serverOpts = append(serverOpts, ws.WithHandler(router))
	server := ws.NewServer(wsCfg, tokens, dispatcher.Dispatch, logging.Component(logger, "ws"), serverOpts...)
	server.SetOnDisconnect(handlers.OnDisconnect)

	logger.Info().
		Str("listen_addr", wsCfg.ListenAddr).
		Int("worker_pool", wsCfg.WorkerPoolSize).
		Int("max_connections", wsCfg.MaxConnections).
		Bool("redis", cfg.RedisAddr != "").
		Bool("nats", cfg.NATSURL != "").
		Str("env", cfg.Env).
		Msg("chatd starting")

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go tracker.Run(sweepCtx)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutdown signal received")
	stopSweep()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Disconnect callbacks run here and persist users offline.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("shutdown error")
	}
	if err := <-errCh; err != nil {
		logger.Warn().Err(err).Msg("server stopped with error")
	}
	logger.Info().Msg("chatd stopped")
	return nil
}
