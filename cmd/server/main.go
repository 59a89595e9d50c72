package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"buildforge/internal/ai"
	"buildforge/internal/api"
	"buildforge/internal/build"
	"buildforge/internal/cache"
	"buildforge/internal/config"
	"buildforge/internal/hub"
	"buildforge/internal/logging"
	"buildforge/internal/pricing"
	"buildforge/internal/scheduler"
	"buildforge/internal/secrets"
	"buildforge/internal/spend"
	"buildforge/internal/store"
)

func main() {
	cfg := config.Load()
	logging.Init()
	defer logging.Sync()
	log := logging.L()

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := openDB(cfg)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}

	st, err := store.New(db)
	if err != nil {
		log.Fatal("failed to init store", zap.Error(err))
	}
	if err := db.AutoMigrate(&spend.Event{}, &ai.UserProviderKey{}); err != nil {
		log.Fatal("failed to migrate", zap.Error(err))
	}

	// Recovery runs before the listener opens: no client ever observes a
	// build whose goroutine died with the previous process.
	if recovered, err := st.RecoverStaleBuilds(rootCtx); err != nil {
		log.Fatal("startup recovery failed", zap.Error(err))
	} else if recovered > 0 {
		log.Info("marked interrupted builds as failed", zap.Int64("count", recovered))
	}

	ttlStore := openTTLStore(rootCtx, cfg)
	defer ttlStore.Close()

	priceEngine := pricing.NewEngine(pricing.Options{})
	tracker := spend.NewTracker(db, priceEngine)

	secretsManager, err := secrets.NewManager(cfg.SecretsMasterKey)
	if err != nil {
		log.Fatal("invalid SECRETS_MASTER_KEY", zap.Error(err))
	}

	routerOpts := ai.Options{
		CallTimeout: cfg.ProviderTimeout,
		HealthStore: ttlStore,
	}
	platformRouter := ai.NewRouter(platformClients(cfg, log), ai.KeySourcePlatform, routerOpts)
	platformRouter.StartHealthMonitor(rootCtx)

	keyStore := ai.NewKeyStore(db, secretsManager, ttlStore, routerOpts)

	eventHub := hub.New(rootCtx)
	pool := scheduler.NewPool(cfg.MaxWorkers, cfg.MaxWorkers*4)

	engine := build.NewEngine(rootCtx, build.Deps{
		Store:   st,
		Spend:   tracker,
		Hub:     eventHub,
		Pool:    pool,
		Pricing: priceEngine,
		RouterFor: func(ctx context.Context, userID string) (build.Generator, bool, error) {
			return keyStore.RouterForUser(ctx, userID, platformRouter)
		},
		Config: build.Config{
			MaxTaskRetries:   cfg.MaxTaskRetries,
			MaxBuildRequests: cfg.MaxBuildRequests,
			WatchdogInterval: cfg.WatchdogInterval,
			WatchdogStrikes:  cfg.WatchdogStrikes,
			BuildTimeout:     cfg.BuildTimeout,
		},
	})

	server := api.New(cfg, engine, tracker, keyStore, platformRouter, eventHub)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("server starting", zap.String("port", cfg.Port), zap.String("env", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("forced shutdown", zap.Error(err))
	}

	// Stop build goroutines, drain the pool, flush the hub.
	cancel()
	engine.Shutdown()
	pool.Close()
	eventHub.Shutdown()

	log.Info("server stopped")
}

func openDB(cfg *config.Config) (*gorm.DB, error) {
	logLevel := gormlogger.Silent
	if cfg.Environment == "development" {
		logLevel = gormlogger.Warn
	}
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(logLevel)}

	if cfg.DatabaseURL != "" {
		return gorm.Open(postgres.Open(cfg.DatabaseURL), gormCfg)
	}
	// Local development fallback.
	return gorm.Open(sqlite.Open("buildforge.db"), gormCfg)
}

func openTTLStore(ctx context.Context, cfg *config.Config) cache.Store {
	log := logging.L()
	if cfg.RedisURL != "" {
		rs, err := cache.NewRedisStore(ctx, cfg.RedisURL, "buildforge:")
		if err == nil {
			log.Info("using redis for shared state")
			return rs
		}
		log.Warn("redis unavailable, falling back to in-memory store", zap.Error(err))
	}
	return cache.NewMemoryStore(time.Minute)
}

func platformClients(cfg *config.Config, log *zap.Logger) map[ai.Provider]ai.Client {
	clients := make(map[ai.Provider]ai.Client)
	if cfg.ClaudeAPIKey != "" {
		clients[ai.ProviderClaude] = ai.NewClaudeClient(cfg.ClaudeAPIKey)
	}
	if cfg.OpenAIAPIKey != "" {
		clients[ai.ProviderGPT4] = ai.NewOpenAIClient(cfg.OpenAIAPIKey)
	}
	if cfg.GeminiAPIKey != "" {
		clients[ai.ProviderGemini] = ai.NewGeminiClient(cfg.GeminiAPIKey)
	}
	if cfg.GrokAPIKey != "" {
		clients[ai.ProviderGrok] = ai.NewGrokClient(cfg.GrokAPIKey)
	}
	if cfg.OllamaBaseURL != "" {
		clients[ai.ProviderOllama] = ai.NewOllamaClient(cfg.OllamaBaseURL)
	}
	if len(clients) == 0 {
		log.Warn("no platform AI providers configured; only BYOK builds will work")
	}
	return clients
}
