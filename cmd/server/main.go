package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/umar/bonded-messaging/internal/auth"
	"github.com/umar/bonded-messaging/internal/config"
	"github.com/umar/bonded-messaging/internal/database"
	"github.com/umar/bonded-messaging/internal/gateway"
	"github.com/umar/bonded-messaging/internal/handlers"
	"github.com/umar/bonded-messaging/internal/logger"
	"github.com/umar/bonded-messaging/internal/middleware"
	"github.com/umar/bonded-messaging/internal/moderation"
	redisc "github.com/umar/bonded-messaging/internal/redis"
)

func main() {
	cfg, err := config.Load("gateway")
	if err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	log.Info("starting bonded gateway")

	db, err := database.InitDB(cfg.Database)
	if err != nil {
		log.Fatal("failed to init database", zap.Error(err))
	}
	defer db.Close()
	log.Info("connected to PostgreSQL")

	if err := database.RunMigrations(db, log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}
	store := database.NewStore(db, database.NewClassifier(cfg.Database.MissingTableCodes), log)

	redisClient, err := redisc.InitRedis(cfg.Redis.URL)
	if err != nil {
		log.Fatal("failed to init Redis", zap.Error(err))
	}
	defer redisClient.Close()
	log.Info("connected to Redis")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	hub := gateway.NewHub(gateway.Options{
		Authorizer:    store,
		Fanout:        redisc.NewFanout(redisClient, log),
		Presence:      redisc.NewPresence(redisClient, redisc.PresenceTTL),
		JWTSecret:     cfg.JWT.Secret,
		RatePerSecond: cfg.Realtime.RatePerSecond,
		Burst:         cfg.Realtime.Burst,
		Logger:        log,
	})
	go hub.Run(ctx)

	feed := database.NewChangeFeed(cfg.Database.URL, store, log)
	go func() {
		if err := feed.Run(ctx, hub.PublishInsert); err != nil && ctx.Err() == nil {
			log.Error("change feed stopped", zap.Error(err))
		}
	}()

	router := mux.NewRouter()
	router.Use(middleware.Logging(log))
	router.Use(middleware.CORS(cfg.Server.CorsOrigin))

	router.HandleFunc("/health", handlers.Health).Methods("GET", "OPTIONS")
	router.HandleFunc("/ready", handlers.Ready(map[string]handlers.Check{
		"postgres": db.PingContext,
		"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	})).Methods("GET")
	router.HandleFunc("/api/auth/register", auth.RegisterHandler(store, cfg.JWT, log)).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/auth/login", auth.LoginHandler(store, cfg.JWT, log)).Methods("POST", "OPTIONS")

	if cfg.Moderation.PolicyFile != "" {
		policy, err := moderation.LoadPolicy(cfg.Moderation.PolicyFile)
		if err != nil {
			log.Fatal("failed to load moderation policy", zap.Error(err))
		}
		router.HandleFunc("/api/v1/moderate", moderation.Handler(policy, log)).Methods("POST")
	}

	router.HandleFunc("/realtime", gateway.ServeWS(hub)).Methods("GET")

	protected := router.PathPrefix("/api").Subrouter()
	protected.Use(auth.JWTMiddleware(cfg.JWT.Secret))
	protected.HandleFunc("/auth/me", auth.MeHandler(store)).Methods("GET")

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hub.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("forced shutdown", zap.Error(err))
	}
	stop()

	log.Info("server stopped gracefully")
}
