package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/EternisAI/silo-lease/internal/agents"
	internalhttp "github.com/EternisAI/silo-lease/internal/api/http"
	"github.com/EternisAI/silo-lease/internal/credential"
	"github.com/EternisAI/silo-lease/internal/db"
	"github.com/EternisAI/silo-lease/internal/leases"
	"github.com/EternisAI/silo-lease/internal/lock"
	"github.com/EternisAI/silo-lease/internal/managedkeys"
	"github.com/EternisAI/silo-lease/internal/store"
	"github.com/EternisAI/silo-lease/internal/store/memstore"
	"github.com/EternisAI/silo-lease/internal/store/pgstore"
	"github.com/EternisAI/silo-lease/internal/tiers"
	"github.com/EternisAI/silo-lease/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Silo Lease Server", "version", AppVersion)

	if err := run(); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	st, pool, err := openStore(ctx, config.DB)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	codec, err := credential.NewCodec(config.Encryption.Key)
	if err != nil {
		return fmt.Errorf("failed to create credential codec: %w", err)
	}

	table, err := tiers.NewTableFromConfig(config.Tiers)
	if err != nil {
		return fmt.Errorf("invalid tier table: %w", err)
	}
	resolver, err := tiers.NewResolver(st, table, config.Settings.CacheTTL)
	if err != nil {
		return err
	}

	leaseService := leases.NewService(st, codec, resolver)
	services := &internalhttp.Services{
		Leases: leaseService,
		Keys:   managedkeys.NewService(st, codec, leaseService),
		Agents: agents.NewService(st, codec),
		Users:  users.NewService(st, resolver),
	}
	if pool != nil {
		services.DB = pool
	}

	reclaimerOpts := []leases.ReclaimerOption{leases.WithSchedule(config.Reclaimer.Schedule)}
	var redisClient *redis.Client
	if config.Redis.URL != "" {
		redisClient, err = lock.Connect(ctx, config.Redis.URL)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		reclaimerOpts = append(reclaimerOpts, leases.WithLocker(lock.NewRedisLocker(redisClient, "")))
	} else {
		slog.Warn("redis.url not set, every replica runs its own reclaimer sweep")
	}

	reclaimer := leases.NewReclaimer(st, reclaimerOpts...)
	reclaimerCtx, cancelReclaimer := context.WithCancel(ctx)
	defer cancelReclaimer()
	if err := reclaimer.Start(reclaimerCtx); err != nil {
		return fmt.Errorf("failed to start lease reclaimer: %w", err)
	}

	origins := config.Http.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, config.Http, services)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var serveErr error
	select {
	case serveErr = <-errChan:
		slog.Error("Server error", "error", serveErr)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	cancelReclaimer()
	reclaimer.Stop()
	slog.Info("Lease reclaimer stopped")

	slog.Info("Shutdown complete")
	return serveErr
}

// openStore returns the configured store. The pool is nil for the memory
// driver.
func openStore(ctx context.Context, cfg db.Config) (store.Store, *pgxpool.Pool, error) {
	switch cfg.Driver {
	case db.DriverMemory:
		slog.Warn("Using in-memory store, data is lost on restart")
		return memstore.New(), nil, nil
	case db.DriverPostgres, "":
		if err := db.RunMigrations(ctx, cfg); err != nil {
			return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		pool, err := db.InitDB(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return pgstore.New(pool), pool, nil
	default:
		return nil, nil, fmt.Errorf("unknown db.driver %q", cfg.Driver)
	}
}
