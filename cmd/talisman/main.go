package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/redis/go-redis/v9"

	"github.com/layer-3/talisman/adapters/events"
	"github.com/layer-3/talisman/adapters/store"
	"github.com/layer-3/talisman/adapters/verifier"
	"github.com/layer-3/talisman/config"
	"github.com/layer-3/talisman/ports"
	"github.com/layer-3/talisman/service"
	"github.com/layer-3/talisman/transport/http"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	var redisClient *redis.Client
	if cfg.StoreBackend == "redis" || cfg.EventsEnabled {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to parse Redis URL: %v", err)
		}
		redisClient = redis.NewClient(opts)
	}

	var authStore ports.Store
	switch cfg.StoreBackend {
	case "memory":
		authStore = store.NewMemoryStore()
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("Failed to open SQLite store: %v", err)
		}
		defer s.Close()
		authStore = s
	case "redis":
		authStore = store.NewRedisStore(redisClient)
	}

	var eventPub ports.EventPublisher
	if cfg.EventsEnabled {
		publisher, err := redisstream.NewPublisher(
			redisstream.PublisherConfig{
				Client: redisClient,
			},
			watermill.NewStdLogger(false, false),
		)
		if err != nil {
			log.Fatalf("Failed to create Redis publisher: %v", err)
		}
		eventPub = events.NewWatermillPublisher(publisher)
	}

	authService := service.NewAuthService(authStore, verifier.NewEthereumVerifier(), eventPub, service.Config{
		ChallengeTTL:       cfg.ChallengeTTL,
		SessionTTL:         cfg.SessionTTL,
		ReplayWindow:       cfg.ReplayWindow,
		KeyTTL:             cfg.KeyTTL,
		MaxKeysPerWallet:   cfg.MaxKeysPerWallet,
		MaxSessionsPerKey:  cfg.MaxSessionsPerKey,
		SingleKeyPerWallet: cfg.SingleKeyPerWallet,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	janitor := service.NewJanitor(authStore)
	go janitor.Run(ctx, cfg.JanitorInterval)

	router := http.SetupRouter(authService)

	slog.Info("starting server", "addr", cfg.ListenAddr, "backend", cfg.StoreBackend)
	if err := router.Run(cfg.ListenAddr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
