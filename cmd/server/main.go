package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/rentdesk/messaging/internal/chat"
	"github.com/rentdesk/messaging/internal/config"
	"github.com/rentdesk/messaging/internal/db"
	"github.com/rentdesk/messaging/internal/docstore"
	"github.com/rentdesk/messaging/internal/docstore/memstore"
	"github.com/rentdesk/messaging/internal/docstore/mongostore"
	"github.com/rentdesk/messaging/internal/feed"
	myMiddleware "github.com/rentdesk/messaging/internal/middleware"
	"github.com/rentdesk/messaging/internal/user"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// 1. Config & Flags
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("❌ invalid configuration", "err", err)
	}
	addr := flag.String("addr", cfg.Addr, "http service address")
	flag.Parse()

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal("❌ invalid LOG_LEVEL", "level", cfg.LogLevel)
	}
	log.SetLevel(level)
	log.SetReportTimestamp(true)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to Database (user directory)
	database, err := db.NewDatabase(ctx, cfg.DSN, cfg.DBMaxConns)
	if err != nil {
		log.Fatal("❌ Failed to connect to DB", "err", err)
	}
	defer database.Close()
	log.Info("✅ Connected to PostgreSQL")

	if err := database.AutoMigrate(); err != nil {
		log.Fatal("❌ Migration failed", "err", err)
	}
	log.Info("✅ Database Schema Initialized")

	// 3. Document store for conversations and messages
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal("❌ Failed to open document store", "backend", cfg.StoreBackend, "err", err)
	}
	defer closeStore()
	log.Info("✅ Document store ready", "backend", cfg.StoreBackend)

	// 4. Connect to Redis when several instances share the load
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if _, err := redisClient.Ping(ctx).Result(); err != nil {
			log.Fatal("❌ Failed to connect to Redis", "addr", cfg.RedisAddr, "err", err)
		}
		defer redisClient.Close()
		log.Info("✅ Connected to Redis")
	} else {
		log.Warn("REDIS_ADDR not set, live feeds only see changes made by this instance")
	}

	hub := feed.NewHub(redisClient)
	go hub.Run(ctx)
	go hub.SubscribeToRedis(ctx)

	// 5. Features
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret)
	userHandler := user.NewHandler(userService)

	chatService := chat.NewService(store, userService, hub, nil)
	chatHandler := chat.NewHandler(chatService)

	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 6. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Handle("/metrics", promhttp.Handler())

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)
		chatHandler.Routes(r)
	})

	srv := &http.Server{Addr: *addr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown failed", "err", err)
		}
	}()

	log.Info("🚀 Server starting", "addr", *addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server stopped", "err", err)
	}
	log.Info("server stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (docstore.Store, func(), error) {
	if cfg.StoreBackend != config.BackendMongo {
		return memstore.New(), func() {}, nil
	}

	s, err := mongostore.Open(ctx, cfg.MongoURI, cfg.MongoDatabase)
	if err != nil {
		return nil, nil, err
	}
	if err := s.EnsureIndexes(ctx); err != nil {
		s.Close(context.Background())
		return nil, nil, err
	}
	return s, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.Close(closeCtx)
	}, nil
}
