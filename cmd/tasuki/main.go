package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/tasuki/internal/auth"
	"github.com/ashita-ai/tasuki/internal/config"
	"github.com/ashita-ai/tasuki/internal/mcp"
	"github.com/ashita-ai/tasuki/internal/ratelimit"
	"github.com/ashita-ai/tasuki/internal/server"
	"github.com/ashita-ai/tasuki/internal/service/runners"
	"github.com/ashita-ai/tasuki/internal/storage"
	"github.com/ashita-ai/tasuki/internal/telemetry"
	"github.com/ashita-ai/tasuki/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(envOr("TASUKI_LOG_LEVEL", "info"))); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("tasuki starting", "version", version, "port", cfg.Port, "store", cfg.Store)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	stores, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := stores.store.Close(); err != nil {
			logger.Warn("store close failed", "error", err)
		}
	}()

	pins, err := auth.NewPINGate(cfg.AdminPIN, cfg.AdminPINHash)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if pins.Enabled() {
		logger.Info("removal PIN: enabled")
	} else {
		logger.Warn("removal PIN: disabled (TASUKI_ADMIN_PIN not set)")
	}

	svc := runners.New(stores.store, stores.events, logger, runners.WithRemoveDoneOnly(cfg.RemoveDoneOnly))
	hub := server.NewHub(svc, pins, logger, server.HubOptions{
		SessionBuffer:   cfg.SessionBuffer,
		PingInterval:    cfg.PingInterval,
		MaxMessageBytes: cfg.MaxRequestBodyBytes,
		AllowedOrigin:   cfg.CORSOrigin,
	})
	mcpSrv := mcp.New(hub, logger, version)

	limiter := stores.limiter(cfg, logger)
	defer func() { _ = limiter.Close() }()

	srv := server.New(server.ServerConfig{
		Hub:                 hub,
		Logger:              logger,
		Health:              storage.NewHealthCache(stores.store, 5*time.Second),
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		StoreName:           cfg.Store,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		CORSOrigin:          cfg.CORSOrigin,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		slog.Info("tasuki shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}
		// Upgraded websocket connections are hijacked and not drained by
		// Shutdown.
		hub.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("tasuki stopped")
	return nil
}

// backend is the selected store and audit log, plus the redis client when
// the store is redis so rate limiting can share it.
type backend struct {
	store  storage.Store
	events storage.EventLog
	redis  *redis.Client
}

func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (backend, error) {
	switch cfg.Store {
	case config.StoreRedis:
		client, err := storage.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return backend{}, fmt.Errorf("storage: %w", err)
		}
		logger.Info("store: redis")
		return backend{
			store:  storage.NewRedisStore(client, logger),
			events: storage.NewRedisEventLog(client, cfg.EventLogCap),
			redis:  client,
		}, nil

	case config.StorePostgres:
		db, err := storage.NewDB(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return backend{}, fmt.Errorf("storage: %w", err)
		}
		// RunMigrations records applied files and skips them on restart.
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			db.Close()
			return backend{}, fmt.Errorf("migrations: %w", err)
		}
		logger.Info("store: postgres")
		return backend{
			store:  storage.NewPostgresStore(db),
			events: storage.NewPostgresEventLog(db, cfg.EventLogCap),
		}, nil

	case config.StoreSQLite:
		db, err := storage.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return backend{}, fmt.Errorf("storage: %w", err)
		}
		logger.Info("store: sqlite", "path", cfg.SQLitePath)
		return backend{
			store:  storage.NewSQLiteStore(db),
			events: storage.NewSQLiteEventLog(db, cfg.EventLogCap),
		}, nil

	default:
		logger.Warn("store: memory (state is lost on restart)")
		return backend{
			store:  storage.NewMemoryStore(),
			events: storage.NewMemoryEventLog(cfg.EventLogCap),
		}, nil
	}
}

// limiter picks the mutation rate limiter. A redis-backed board shares its
// window across every process using the same redis.
func (b backend) limiter(cfg config.Config, logger *slog.Logger) ratelimit.Limiter {
	switch {
	case !cfg.RateLimitEnabled:
		logger.Info("rate limiting: disabled")
		return ratelimit.NoopLimiter{}
	case b.redis != nil:
		limit := max(cfg.RateLimitBurst, int(cfg.RateLimitRPS))
		logger.Info("rate limiting: redis (sliding window)", "limit", limit, "window", time.Second)
		return ratelimit.NewRedisLimiter(b.redis, "tasuki:ratelimit", limit, time.Second)
	default:
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
		return ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
