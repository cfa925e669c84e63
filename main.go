package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	grpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"conversation-realtime/internal/bus"
	"conversation-realtime/internal/config"
	"conversation-realtime/internal/db"
	grpcclient "conversation-realtime/internal/grpc"
	"conversation-realtime/internal/handlers"
	"conversation-realtime/internal/identity"
	"conversation-realtime/internal/middleware"
	"conversation-realtime/internal/notify"
	"conversation-realtime/internal/observability"
	"conversation-realtime/internal/presence"
	"conversation-realtime/internal/rabbitmq"
	"conversation-realtime/internal/reconcile"
	"conversation-realtime/internal/repositories"
	"conversation-realtime/internal/session"
	"conversation-realtime/internal/telemetry"
	"conversation-realtime/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := observability.NewLogger(cfg.IsDevelopment(), cfg.ServiceName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.OTLPEndpoint, cfg.ServiceName, cfg.InstanceID)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing init failed")
	}

	database, err := db.Connect(ctx, cfg.DatabaseDSN, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to db")
	}
	defer database.Close()

	authenticator, closeAuth, err := newAuthenticator(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up authentication")
	}
	defer closeAuth()

	presenceStore, err := newPresenceStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up presence store")
	}

	fanout, err := newBus(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up fan-out bus")
	}

	notifier := notify.NewNoopSink()
	if cfg.RedisURL != "" {
		sink, err := notify.NewAsynqSink(cfg.RedisURL, cfg.NotifyQueue, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to set up notification sink")
		}
		defer sink.Close()
		notifier = sink
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	logger.Info().
		Str("mode", rabbitmq.PublisherMode(publisher)).
		Str("noop_reason", rabbitmq.PublisherNoopReason(publisher)).
		Msg("lifecycle event publisher ready")
	auditEmitter := telemetry.NewAuditEmitter(publisher, cfg.AuditRoutingKey, cfg.ServiceName, cfg.Env, logger)

	conversationRepo := repositories.NewConversationRepo(database)
	messageRepo := repositories.NewMessageRepo(database)

	gateway := ws.NewGateway(ws.Deps{
		Directory:  conversationRepo,
		Messages:   messageRepo,
		Presence:   presenceStore,
		Bus:        fanout,
		Sessions:   session.NewManager(cfg.TypingTTL),
		Reconciler: reconcile.NewReconciler(messageRepo, cfg.ReconcilePageSize, cfg.ReconcileMaxPages),
		Notifier:   notifier,
	}, ws.Options{
		InstanceID:        cfg.InstanceID,
		SendQueueSize:     cfg.SendQueueSize,
		HeartbeatInterval: cfg.HeartbeatInterval,
		SweepInterval:     cfg.SweepInterval,
		SaturationTimeout: cfg.SaturationTimeout,
		PublishRetryMax:   cfg.PublishRetryMax,
	}, logger)
	if err := gateway.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start gateway")
	}
	go gateway.Run(ctx)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(cfg.AllowedOrigins))
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())

	authMiddleware := middleware.AuthMiddleware(authenticator)
	presenceHandler := handlers.NewPresenceHandler(gateway, conversationRepo)
	adminHandler := handlers.NewAdminHandler(gateway, auditEmitter)
	wsHandler := ws.NewWebSocketHandler(gateway, authenticator, cfg.AllowedOrigins, logger)

	router.GET("/healthz", handlers.Health(gateway))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/ws", wsHandler.Handle)
	router.GET("/ws/conversations/:conversation_id", wsHandler.HandleConversation)

	router.GET("/conversations/:conversation_id/presence", authMiddleware, presenceHandler.ConversationPresence)
	router.GET("/users/:user_id/status", authMiddleware, presenceHandler.UserStatus)

	internal := router.Group("/internal", authMiddleware, middleware.RequireAdmin())
	internal.POST("/conversations/:conversation_id/participants/:user_id/evict", adminHandler.EvictParticipant)
	internal.POST("/conversations/:conversation_id/status", adminHandler.UpdateStatus)

	handlers.RegisterDebugRoutes(router, gateway, auditEmitter, cfg.DebugRoutes)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Str("instance", cfg.InstanceID).
			Str("bus", cfg.BusBackend).
			Str("presence", cfg.PresenceBackend).
			Msg("starting conversation realtime server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server forced to shutdown")
	}
	gateway.Shutdown(shutdownCtx)
	if err := fanout.Close(); err != nil {
		logger.Warn().Err(err).Msg("bus close failed")
	}
	if closer, ok := presenceStore.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("tracing shutdown failed")
	}
	logger.Info().Msg("server stopped")
}

func newAuthenticator(cfg *config.Config) (identity.Authenticator, func(), error) {
	if cfg.AuthMode == "jwt" {
		return identity.NewJWTAuthenticator(cfg.JWTSecret), func() {}, nil
	}

	conn, err := grpc.Dial(cfg.AuthGRPCAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithUnaryInterceptor(observability.GRPCClientMetricsUnaryInterceptor()),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("dial auth grpc: %w", err)
	}
	return grpcclient.NewAuthClient(conn), func() { _ = conn.Close() }, nil
}

func newPresenceStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (presence.Store, error) {
	if cfg.PresenceBackend == "memory" {
		logger.Warn().Msg("using in-process presence store; presence is not shared between instances")
		return presence.NewMemoryStore(cfg.PresenceTTL), nil
	}
	store, err := presence.NewRedisStore(ctx, cfg.RedisURL, cfg.PresenceTTL)
	if err != nil {
		return nil, err
	}
	logger.Info().Msg("connected to Redis")
	return store, nil
}

func newBus(cfg *config.Config, logger zerolog.Logger) (bus.Bus, error) {
	switch cfg.BusBackend {
	case "memory":
		logger.Warn().Msg("using in-process bus; events are not shared between instances")
		return bus.NewMemoryBus(logger), nil
	case "nats":
		return bus.NewNATSBus(cfg.NATSURL, cfg.InstanceID, logger)
	default:
		return bus.NewAMQPBus(cfg.AMQPURL, cfg.BusExchange, cfg.InstanceID, logger)
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	corsConfig := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID", "X-Device-ID"},
		ExposeHeaders: []string{"Content-Length", "Content-Type"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}
	return cors.New(corsConfig)
}
